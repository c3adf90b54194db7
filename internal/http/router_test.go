package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/http/handlers"
	"github.com/tbourn/reachmix-backend/internal/http/middleware"
	"github.com/tbourn/reachmix-backend/internal/ratelimit"
	"github.com/tbourn/reachmix-backend/internal/repo"
	"github.com/tbourn/reachmix-backend/internal/services"
	"github.com/tbourn/reachmix-backend/internal/subscription"
)

const testSecret = "router-test-secret"

func init() { gin.SetMode(gin.TestMode) }

// newTestDB opens a private in-memory database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testConfig() config.Config {
	return config.Config{
		APIBasePath:    "/api/v1",
		RateRPS:        100,
		RateBurst:      50,
		SwaggerEnabled: true,
		OTEL:           config.OTELConfig{ServiceName: "test-svc"},
	}
}

// newStack wires the real services against db, the way main does.
func newStack(t *testing.T, cfg config.Config, db *gorm.DB) *gin.Engine {
	t.Helper()
	v, err := auth.NewVerifier(config.AuthConfig{HMACSecret: testSecret})
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	limits := config.DefaultLimits()
	limiter := ratelimit.New(db, limits)
	policy := subscription.NewPolicy(db, limits, nil)
	users := services.NewUserService(db, limiter, policy)

	r := gin.New()
	RegisterRoutes(r, Dependencies{
		Config:   cfg,
		DB:       db,
		Verifier: v,
		Quota:    limiter,
		EnsureUser: func(ctx context.Context, rc auth.RequestContext) error {
			_, err := users.EnsureUser(ctx, rc)
			return err
		},
		Services: handlers.Deps{
			Projects:  services.NewProjectService(db, limiter, policy, nil, time.Hour),
			Users:     users,
			RateCheck: services.NewRateCheckService(limiter),
		},
	})
	return r
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func serve(r *gin.Engine, method, path, bearer string, body any, headers ...string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_OperationalEndpoints(t *testing.T) {
	r := newStack(t, testConfig(), newTestDB(t))

	w := serve(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected X-Request-ID on every response")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("security headers missing, nosniff=%q", got)
	}

	w = serve(r, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Fatalf("GET /metrics bad: code=%d", w.Code)
	}

	w = serve(r, http.MethodGet, "/swagger/index.html", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /swagger/index.html = %d", w.Code)
	}

	w = serve(r, http.MethodGet, "/nope", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope = %d", w.Code)
	}
	w = serve(r, http.MethodPost, "/health", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health = %d", w.Code)
	}
	var er handlers.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != handlers.ErrCodeMethodNotAllowed {
		t.Fatalf("405 code = %q", er.Code)
	}
}

func TestRegisterRoutes_SwaggerDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.SwaggerEnabled = false
	r := newStack(t, cfg, newTestDB(t))
	if w := serve(r, http.MethodGet, "/swagger/index.html", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("swagger should be off, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORS(t *testing.T) {
	db := newTestDB(t)
	r := newStack(t, testConfig(), db)
	w := serve(r, http.MethodGet, "/health", "", nil, "Origin", "http://any.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow-all expected '*', got %q", got)
	}

	cfg := testConfig()
	cfg.CORS = config.CORSConfig{AllowedOrigins: []string{"http://app.example"}}
	r = newStack(t, cfg, db)
	w = serve(r, http.MethodGet, "/health", "", nil, "Origin", "http://app.example")
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://app.example" {
		t.Fatalf("expected origin echo, got %q", got)
	}
	expose := w.Header().Get("Access-Control-Expose-Headers")
	if !strings.Contains(strings.ToLower(expose), "etag") {
		t.Fatalf("ETag must be exposed, got %q", expose)
	}
}

func TestRegisterRoutes_AuthAndAnonymous(t *testing.T) {
	r := newStack(t, testConfig(), newTestDB(t))

	w := serve(r, http.MethodGet, "/api/v1/projects", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous list = %d", w.Code)
	}
	w = serve(r, http.MethodGet, "/api/v1/projects", "not-a-jwt", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad token = %d", w.Code)
	}

	// anonymous callers may probe the auth quotas
	w = serve(r, http.MethodPost, "/api/v1/auth/rate-check", "", map[string]string{"operation": config.OpAuthSignin})
	if w.Code != http.StatusOK {
		t.Fatalf("rate-check = %d %s", w.Code, w.Body.String())
	}

	// billing is optional
	w = serve(r, http.MethodPost, "/api/v1/webhooks/stripe", "", map[string]string{})
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured webhook = %d", w.Code)
	}
}

func TestRegisterRoutes_ProjectFlow(t *testing.T) {
	db := newTestDB(t)
	r := newStack(t, testConfig(), db)
	tok := token(t, "u1")

	// first authenticated request bootstraps the user
	w := serve(r, http.MethodGet, "/api/v1/me", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /me = %d %s", w.Code, w.Body.String())
	}

	body := map[string]any{"name": "Calc", "description": "A calculator", "type": "enhance"}
	w = serve(r, http.MethodPost, "/api/v1/projects", tok, body, middleware.HeaderIdempotencyKey, "create-1")
	if w.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", w.Code, w.Body.String())
	}
	var created domain.Project
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("create body: %v %s", err, w.Body.String())
	}

	// same key replays the original project
	w = serve(r, http.MethodPost, "/api/v1/projects", tok, body, middleware.HeaderIdempotencyKey, "create-1")
	if w.Code != http.StatusOK || w.Header().Get(handlers.HeaderIdempotentReplay) != "true" {
		t.Fatalf("replay = %d replay=%q", w.Code, w.Header().Get(handlers.HeaderIdempotentReplay))
	}
	var replayed domain.Project
	_ = json.Unmarshal(w.Body.Bytes(), &replayed)
	if replayed.ID != created.ID {
		t.Fatalf("replay returned %q, want %q", replayed.ID, created.ID)
	}

	w = serve(r, http.MethodGet, "/api/v1/projects", tok, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list = %d", w.Code)
	}
	var list handlers.ListProjectsResponse
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if len(list.Projects) != 1 || list.Pagination.Total != 1 {
		t.Fatalf("list = %+v", list)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("list must carry an ETag")
	}
	w = serve(r, http.MethodGet, "/api/v1/projects", tok, nil, "If-None-Match", etag)
	if w.Code != http.StatusNotModified {
		t.Fatalf("conditional list = %d", w.Code)
	}

	// other users cannot see the project
	w = serve(r, http.MethodGet, "/api/v1/projects/"+created.ID, token(t, "u2"), nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign get = %d", w.Code)
	}

	w = serve(r, http.MethodDelete, "/api/v1/projects/"+created.ID, tok, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", w.Code)
	}
	w = serve(r, http.MethodGet, "/api/v1/projects/"+created.ID, tok, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d", w.Code)
	}
}

func TestLimitBody(t *testing.T) {
	r := gin.New()
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func TestGroupWithPrefix(t *testing.T) {
	r := gin.New()
	groupWithPrefix(r, normalizeBase("/")).GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/api/ping": "pong"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		if w.Code != http.StatusOK || w.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, w.Code, w.Body.String())
		}
	}
}
