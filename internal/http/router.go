// Package httpapi wires the Gin transport to the services: middleware order,
// the public routes under the API base path, and the operational endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	_ "github.com/tbourn/reachmix-backend/docs" // swagger spec registration
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/http/handlers"
	"github.com/tbourn/reachmix-backend/internal/http/middleware"
	"github.com/tbourn/reachmix-backend/internal/repo"
	"github.com/tbourn/reachmix-backend/internal/services"
)

// maxBodyBytes caps every request body.
const maxBodyBytes = 1 << 20

// Dependencies are the collaborators RegisterRoutes mounts.
type Dependencies struct {
	Config config.Config
	// DB backs the idempotency replay lookup.
	DB *gorm.DB
	// Verifier checks bearer tokens; nil rejects every Authorization header.
	Verifier *auth.Verifier
	// Quota is the persistent limiter, used here for anonymous callers.
	Quota middleware.QuotaEnforcer
	// EnsureUser bootstraps the record of an authenticated caller.
	EnsureUser func(ctx context.Context, rc auth.RequestContext) error
	Services   handlers.Deps
}

// RegisterRoutes attaches middleware and endpoints to r.
//
// Middleware order matters:
//  1. OpenTelemetry
//  2. RequestID, Logger, Recovery
//  3. CORS and security headers (preflights never reach auth)
//  4. Body cap, gzip, metrics
//  5. auth.Middleware resolves the RequestContext
//  6. Idempotency validator, then the edge token bucket (replays bypass it)
//
// The webhook is mounted before the anonymous quota and user bootstrap.
func RegisterRoutes(r *gin.Engine, d Dependencies) {
	cfg := d.Config
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(middleware.RedactOptions{}))
	r.Use(middleware.Recovery())

	r.Use(cors.New(corsConfig(cfg.CORS)))
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	r.Use(limitBody(maxBodyBytes))
	r.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{"/metrics"})))
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.Use(auth.Middleware(d.Verifier, handlers.Fail))

	base := normalizeBase(cfg.APIBasePath)
	r.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{
			MaxLen: 200,
			Scopes: map[string]string{http.MethodPost + " " + base + "/projects": services.ScopeCreateProject},
		},
		func(ctx context.Context, userID, scope, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, d.DB, userID, scope, key, now)
			if repo.IsNotFound(err) {
				return false, nil
			}
			return rec != nil, err
		},
	))
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByCaller())
	r.Use(rl.Handler())

	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if cfg.SwaggerEnabled {
		r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	h := handlers.New(d.Services)
	api := groupWithPrefix(r, base)

	// Called by the billing platform: no user, signature checked in the handler.
	api.POST("/webhooks/stripe", h.StripeWebhook)

	app := api.Group("")
	if d.Quota != nil {
		app.Use(middleware.AnonymousQuota(d.Quota, config.OpAPIUnauthenticated, handlers.FailErr))
	}
	if d.EnsureUser != nil {
		app.Use(middleware.EnsureUser(d.EnsureUser, handlers.FailErr))
	}
	{
		app.POST("/auth/rate-check", h.RateCheck)

		app.GET("/me", h.GetMe)
		app.DELETE("/me", h.DeleteMe)

		app.POST("/projects", h.CreateProject)
		app.GET("/projects", h.ListProjects)
		app.POST("/projects/batch", h.BatchGetProjects)
		app.GET("/projects/:id", h.GetProject)
		app.PATCH("/projects/:id", h.UpdateProject)
		app.DELETE("/projects/:id", h.DeleteProject)
		app.GET("/projects/:id/results", h.GetProjectResults)
		app.POST("/projects/:id/generate", h.GenerateProject)

		app.POST("/billing/checkout", h.Checkout)
		app.POST("/billing/portal", h.Portal)
		app.POST("/billing/sync", h.SyncBilling)
	}
}

func corsConfig(c config.CORSConfig) cors.Config {
	cc := cors.Config{
		AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "Authorization",
			middleware.HeaderIdempotencyKey, "If-None-Match",
		},
		ExposeHeaders: []string{
			"X-Request-ID", "ETag", "Retry-After", handlers.HeaderIdempotentReplay,
		},
		MaxAge: 12 * time.Hour,
	}
	if len(c.AllowedOrigins) == 0 {
		cc.AllowAllOrigins = true
	} else {
		cc.AllowOrigins = c.AllowedOrigins
	}
	return cc
}

// limitBody caps request bodies at maxBytes; reads past it fail.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

func normalizeBase(prefix string) string {
	if prefix == "/" {
		return ""
	}
	return prefix
}

// groupWithPrefix mounts a group at prefix, treating "" as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" {
		return r.Group("")
	}
	return r.Group(prefix)
}
