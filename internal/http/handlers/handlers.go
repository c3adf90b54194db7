// Package handlers exposes the public JSON API.
//
// Handlers are transport-thin: they decode input, take the caller from the
// RequestContext built by auth.Middleware, call a service, and translate the
// result or the typed error into a response.
package handlers

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/services"
	"github.com/tbourn/reachmix-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ProjectService is the project record manager.
type ProjectService interface {
	Create(ctx context.Context, rc auth.RequestContext, in services.CreateProjectInput, idemKey string) (*domain.Project, bool, error)
	Get(ctx context.Context, rc auth.RequestContext, id string) (*domain.Project, error)
	Update(ctx context.Context, rc auth.RequestContext, id string, in services.UpdateProjectInput) (*domain.Project, error)
	Delete(ctx context.Context, rc auth.RequestContext, id string) error
	GetResults(ctx context.Context, rc auth.RequestContext, id string) (domain.ProjectResults, error)
	GetMany(ctx context.Context, rc auth.RequestContext, ids []string) ([]domain.Project, error)
	ListPageIfChanged(ctx context.Context, rc auth.RequestContext, page, pageSize int, ifNoneMatch string) (*services.ProjectPage, error)
}

// GenerationService runs a project through the content pipeline.
type GenerationService interface {
	Generate(ctx context.Context, rc auth.RequestContext, id string) (domain.ProjectResults, error)
}

// UserService manages the caller's account.
type UserService interface {
	Me(ctx context.Context, rc auth.RequestContext) (*services.Profile, error)
	DeleteAccount(ctx context.Context, rc auth.RequestContext) (int64, error)
}

// RateCheckService probes the auth.* quotas.
type RateCheckService interface {
	Check(ctx context.Context, rc auth.RequestContext, op string) error
}

// BillingService starts billing flows for the caller.
type BillingService interface {
	Checkout(ctx context.Context, rc auth.RequestContext, plan string) (string, error)
	Portal(ctx context.Context, rc auth.RequestContext) (string, error)
	SyncCaller(ctx context.Context, rc auth.RequestContext) (*domain.SubscriptionState, error)
}

// WebhookService verifies and applies billing platform events.
type WebhookService interface {
	Handle(ctx context.Context, payload []byte, signature string) error
}

//
// Handler wiring
//

// Deps are the services behind the handlers. A nil Billing or Webhook
// turns the billing routes into 500 "billing not configured".
type Deps struct {
	Projects   ProjectService
	Generation GenerationService
	Users      UserService
	RateCheck  RateCheckService
	Billing    BillingService
	Webhook    WebhookService
}

// Handlers groups the HTTP endpoints.
type Handlers struct {
	projects   ProjectService
	generation GenerationService
	users      UserService
	rateCheck  RateCheckService
	billing    BillingService
	webhook    WebhookService
}

// New constructs Handlers bound to d.
func New(d Deps) *Handlers {
	return &Handlers{
		projects:   d.Projects,
		generation: d.Generation,
		users:      d.Users,
		rateCheck:  d.RateCheck,
		billing:    d.Billing,
		webhook:    d.Webhook,
	}
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

func newPagination(page, pageSize int, total int64) Pagination {
	totalPages := utils.TotalPages(total, pageSize)
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// clampPagination parses page and page_size from the query, bounded by
// utils.ClampPage.
func clampPagination(c *gin.Context) (page, pageSize int) {
	return utils.ClampPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), utils.DefaultPageSize),
	)
}
