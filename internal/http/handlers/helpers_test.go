package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/services"
)

func init() { gin.SetMode(gin.TestMode) }

// ---------- stubs ----------

type stubProjects struct {
	create     func(in services.CreateProjectInput, key string) (*domain.Project, bool, error)
	update     func(id string, in services.UpdateProjectInput) (*domain.Project, error)
	list       func(page, size int, inm string) (*services.ProjectPage, error)
	getMany    func(ids []string) ([]domain.Project, error)
	err        error
	lastCaller auth.RequestContext
}

func (s *stubProjects) Create(_ context.Context, rc auth.RequestContext, in services.CreateProjectInput, key string) (*domain.Project, bool, error) {
	s.lastCaller = rc
	return s.create(in, key)
}

func (s *stubProjects) Get(_ context.Context, rc auth.RequestContext, id string) (*domain.Project, error) {
	s.lastCaller = rc
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Project{ID: id, UserID: rc.CallerID}, nil
}

func (s *stubProjects) Update(_ context.Context, rc auth.RequestContext, id string, in services.UpdateProjectInput) (*domain.Project, error) {
	s.lastCaller = rc
	return s.update(id, in)
}

func (s *stubProjects) Delete(_ context.Context, rc auth.RequestContext, _ string) error {
	s.lastCaller = rc
	return s.err
}

func (s *stubProjects) GetResults(_ context.Context, rc auth.RequestContext, _ string) (domain.ProjectResults, error) {
	s.lastCaller = rc
	if s.err != nil {
		return domain.ProjectResults{}, s.err
	}
	return domain.ProjectResults{Status: domain.StatusPending}, nil
}

func (s *stubProjects) GetMany(_ context.Context, rc auth.RequestContext, ids []string) ([]domain.Project, error) {
	s.lastCaller = rc
	return s.getMany(ids)
}

func (s *stubProjects) ListPageIfChanged(_ context.Context, rc auth.RequestContext, page, size int, inm string) (*services.ProjectPage, error) {
	s.lastCaller = rc
	return s.list(page, size, inm)
}

type stubGeneration struct {
	res domain.ProjectResults
	err error
}

func (s *stubGeneration) Generate(context.Context, auth.RequestContext, string) (domain.ProjectResults, error) {
	return s.res, s.err
}

type stubUsers struct {
	deleted int64
	err     error
}

func (s *stubUsers) Me(_ context.Context, rc auth.RequestContext) (*services.Profile, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &services.Profile{User: &domain.User{ID: rc.CallerID, ProjectIDs: []string{}}}, nil
}

func (s *stubUsers) DeleteAccount(context.Context, auth.RequestContext) (int64, error) {
	return s.deleted, s.err
}

type stubRateCheck struct {
	ops []string
	err error
}

func (s *stubRateCheck) Check(_ context.Context, _ auth.RequestContext, op string) error {
	s.ops = append(s.ops, op)
	return s.err
}

type stubBilling struct {
	plan string
	err  error
}

func (s *stubBilling) Checkout(_ context.Context, _ auth.RequestContext, plan string) (string, error) {
	s.plan = plan
	return "https://checkout.example/" + plan, s.err
}

func (s *stubBilling) Portal(context.Context, auth.RequestContext) (string, error) {
	return "https://portal.example", s.err
}

func (s *stubBilling) SyncCaller(context.Context, auth.RequestContext) (*domain.SubscriptionState, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.SubscriptionState{Status: domain.SubscriptionActive}, nil
}

type stubWebhook struct {
	payload []byte
	sig     string
	err     error
}

func (s *stubWebhook) Handle(_ context.Context, payload []byte, sig string) error {
	s.payload, s.sig = payload, sig
	return s.err
}

// ---------- router + request helpers ----------

// newTestRouter mounts h behind a stand-in for RequestID and auth.Middleware;
// the caller comes from the X-Test-User header.
func newTestRouter(h *Handlers) *gin.Engine {
	return newTestRouterWith(h)
}

// newTestRouterWith is newTestRouter with extra middleware after the caller
// is resolved.
func newTestRouterWith(h *Handlers, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-test")
		rc := auth.RequestContext{ClientAddr: c.ClientIP()}
		if id := c.GetHeader("X-Test-User"); id != "" {
			rc = auth.Caller(id)
		}
		c.Request = c.Request.WithContext(auth.WithRequestContext(c.Request.Context(), rc))
		c.Next()
	})
	r.Use(extra...)
	r.POST("/auth/rate-check", h.RateCheck)
	r.GET("/me", h.GetMe)
	r.DELETE("/me", h.DeleteMe)
	r.POST("/projects", h.CreateProject)
	r.GET("/projects", h.ListProjects)
	r.POST("/projects/batch", h.BatchGetProjects)
	r.GET("/projects/:id", h.GetProject)
	r.PATCH("/projects/:id", h.UpdateProject)
	r.DELETE("/projects/:id", h.DeleteProject)
	r.GET("/projects/:id/results", h.GetProjectResults)
	r.POST("/projects/:id/generate", h.GenerateProject)
	r.POST("/billing/checkout", h.Checkout)
	r.POST("/billing/portal", h.Portal)
	r.POST("/billing/sync", h.SyncBilling)
	r.POST("/webhooks/stripe", h.StripeWebhook)
	return r
}

func do(t *testing.T, r http.Handler, method, path, user string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *bytes.Reader
	switch b := body.(type) {
	case nil:
		rdr = bytes.NewReader(nil)
	case string:
		rdr = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) ErrorResponse {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d; want %d (%s)", w.Code, status, w.Body.String())
	}
	er := decode[ErrorResponse](t, w)
	if er.Code != code || er.RequestID != "rid-test" {
		t.Fatalf("error body = %+v; want code %q", er, code)
	}
	return er
}
