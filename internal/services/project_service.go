// Package services – ProjectService
//
// This file implements the ProjectService, which owns the lifecycle of
// content-generation projects. Every operation requires an authenticated
// caller and passes the api.authenticated rate limit first. Creation is
// gated by the caller's subscription quotas and writes the project together
// with the owner's project-id list in one transaction; deletion does the
// same in reverse.
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
	"github.com/tbourn/reachmix-backend/internal/subscription"
	"github.com/tbourn/reachmix-backend/internal/utils"
)

// ScopeCreateProject is the idempotency scope of project creation.
const ScopeCreateProject = "projects.create"

// RateEnforcer applies a named rate policy to a caller.
type RateEnforcer interface {
	Enforce(ctx context.Context, rc auth.RequestContext, op string) error
}

// QuotaChecker answers subscription quota questions.
type QuotaChecker interface {
	CanCreateProject(ctx context.Context, userID string, currentCount int) subscription.Decision
	CanSelectLanguages(ctx context.Context, userID string, requested int) subscription.Decision
}

// Enqueuer schedules background generation for a project.
type Enqueuer interface {
	Enqueue(projectID string) error
}

// CreateProjectInput carries the client-supplied fields of a new project.
type CreateProjectInput struct {
	Name        string
	Description string
	Keywords    string
	Type        string
	Languages   []string
}

// ResultsInput is a client-supplied results patch.
type ResultsInput struct {
	Status string
	Data   json.RawMessage
	Error  string
}

// UpdateProjectInput is a partial update. Nil fields are left unchanged;
// a non-nil empty value is a validation error.
type UpdateProjectInput struct {
	Name        *string
	Description *string
	Keywords    *string
	Languages   *[]string
	Results     *ResultsInput
}

// ProjectService manages projects on behalf of authenticated callers.
type ProjectService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Limiter applies api.authenticated to every call.
	Limiter RateEnforcer
	// Policy gates creation on the caller's plan.
	Policy QuotaChecker
	// Queue, when set, receives every newly created project.
	Queue Enqueuer

	// IdempotencyTTL bounds how long a create key is remembered.
	IdempotencyTTL time.Duration
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// NewProjectService constructs a ProjectService. q may be nil.
func NewProjectService(db *gorm.DB, limiter RateEnforcer, policy QuotaChecker, q Enqueuer, idemTTL time.Duration) *ProjectService {
	return &ProjectService{
		DB:             db,
		Limiter:        limiter,
		Policy:         policy,
		Queue:          q,
		IdempotencyTTL: idemTTL,
		Now:            time.Now,
	}
}

// Create validates in, checks the caller's quotas and stores a pending
// project. When idemKey is non-empty and was already used by this caller,
// the originally created project is returned with replayed=true.
func (s *ProjectService) Create(ctx context.Context, rc auth.RequestContext, in CreateProjectInput, idemKey string) (p *domain.Project, replayed bool, err error) {
	ctx, span := otel.Tracer("services/ProjectService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("project.type", in.Type)),
	)
	defer span.End()

	if err := s.admit(ctx, rc); err != nil {
		return nil, false, err
	}
	idemKey = strings.TrimSpace(idemKey)
	if prev, ok := s.replay(ctx, rc.CallerID, idemKey); ok {
		return prev, true, nil
	}

	proj, err := s.validateCreate(in)
	if err != nil {
		return nil, false, err
	}

	// Quota reads run before the write transaction; two concurrent creates
	// at the last free slot can both pass.
	count, err := repo.CountProjects(ctx, s.DB, rc.CallerID)
	if err != nil {
		return nil, false, err
	}
	if d := s.Policy.CanCreateProject(ctx, rc.CallerID, int(count)); !d.Allowed {
		return nil, false, apperr.New(apperr.ResourceExhausted, d.Reason)
	}
	if proj.Type == domain.ProjectTranslate {
		if d := s.Policy.CanSelectLanguages(ctx, rc.CallerID, len(proj.Languages)); !d.Allowed {
			return nil, false, apperr.New(apperr.ResourceExhausted, d.Reason)
		}
	}

	now := s.now().UTC()
	proj.ID = uuid.NewString()
	proj.UserID = rc.CallerID
	proj.Results = domain.ProjectResults{Status: domain.StatusPending}
	proj.CreatedAt = now
	proj.LastUpdated = now

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.CreateProject(ctx, tx, proj); err != nil {
			return err
		}
		if err := repo.AddUserProjectID(ctx, tx, rc.CallerID, proj.ID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if idemKey != "" {
			if _, err := repo.CreateIdempotency(ctx, tx, rc.CallerID, ScopeCreateProject, idemKey, proj.ID, http.StatusCreated, s.IdempotencyTTL); err != nil {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, repo.ErrDuplicate) {
		// Lost a race with a concurrent request carrying the same key.
		if prev, ok := s.replay(ctx, rc.CallerID, idemKey); ok {
			return prev, true, nil
		}
	}
	if err != nil {
		span.RecordError(err)
		return nil, false, err
	}

	if s.Queue != nil {
		if err := s.Queue.Enqueue(proj.ID); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("project_id", proj.ID).Msg("generation not queued; project stays pending")
		}
	}
	return proj, false, nil
}

// Get returns one project owned by the caller.
func (s *ProjectService) Get(ctx context.Context, rc auth.RequestContext, id string) (*domain.Project, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	return s.owned(ctx, s.DB, rc.CallerID, id)
}

// Update applies a partial update to a project owned by the caller and
// returns the stored result.
func (s *ProjectService) Update(ctx context.Context, rc auth.RequestContext, id string, in UpdateProjectInput) (*domain.Project, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	if err := validateUpdate(in); err != nil {
		return nil, err
	}

	cur, err := s.owned(ctx, s.DB, rc.CallerID, id)
	if err != nil {
		return nil, err
	}
	var langs []string
	if in.Languages != nil && cur.Type == domain.ProjectTranslate {
		langs = NormalizeLanguages(*in.Languages)
		if len(langs) == 0 {
			return nil, ErrNoLanguages
		}
		if d := s.Policy.CanSelectLanguages(ctx, rc.CallerID, len(langs)); !d.Allowed {
			return nil, apperr.New(apperr.ResourceExhausted, d.Reason)
		}
	}

	var out *domain.Project
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.lockOwned(ctx, tx, rc.CallerID, id)
		if err != nil {
			return err
		}
		fields := map[string]any{}
		if in.Name != nil {
			fields["name"] = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			fields["description"] = strings.TrimSpace(*in.Description)
		}
		if in.Keywords != nil {
			fields["keywords"] = strings.TrimSpace(*in.Keywords)
		}
		if langs != nil {
			raw, _ := json.Marshal(langs)
			fields["languages"] = string(raw)
		}
		if in.Results != nil {
			res, err := normalizeResults(*in.Results)
			if err != nil {
				return err
			}
			if res.Status != p.Results.Status && !domain.CanTransition(p.Results.Status, res.Status) {
				return apperr.Newf(apperr.InvalidArgument, "results cannot move from %s to %s", p.Results.Status, res.Status)
			}
			fields["results_status"] = res.Status
			fields["results_data"] = res.Data
			fields["results_error"] = res.Error
		}
		fields["last_updated"] = s.stamp(p.LastUpdated)

		if err := repo.UpdateProjectFields(ctx, tx, id, fields); err != nil {
			return err
		}
		out, err = repo.GetProject(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a project owned by the caller and drops it from the
// owner's project list. Both writes commit together or not at all.
func (s *ProjectService) Delete(ctx context.Context, rc auth.RequestContext, id string) error {
	if err := s.admit(ctx, rc); err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.lockOwned(ctx, tx, rc.CallerID, id)
		if err != nil {
			return err
		}
		if err := repo.DeleteProject(ctx, tx, p.ID); err != nil {
			return err
		}
		err = repo.RemoveUserProjectID(ctx, tx, p.UserID, p.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	})
}

// GetResults returns the results of a project owned by the caller.
func (s *ProjectService) GetResults(ctx context.Context, rc auth.RequestContext, id string) (domain.ProjectResults, error) {
	if err := s.admit(ctx, rc); err != nil {
		return domain.ProjectResults{}, err
	}
	p, err := s.owned(ctx, s.DB, rc.CallerID, id)
	if err != nil {
		return domain.ProjectResults{}, err
	}
	res := p.Results
	if res.Status == "" {
		res.Status = domain.StatusPending
	}
	return res, nil
}

// GetMany batch-reads up to MaxBatchIDs projects in request order. Unknown
// ids and projects owned by someone else are silently left out.
func (s *ProjectService) GetMany(ctx context.Context, rc auth.RequestContext, ids []string) ([]domain.Project, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	if len(ids) > MaxBatchIDs {
		return nil, ErrTooManyIDs
	}
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}

	found, err := repo.GetProjectsByIDs(ctx, s.DB, rc.CallerID, uniq)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Project, len(found))
	for _, p := range found {
		byID[p.ID] = p
	}
	out := make([]domain.Project, 0, len(found))
	for _, id := range uniq {
		if p, ok := byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// ListPage returns a page of the caller's projects (newest first) and the
// total count. Invalid page/pageSize fall back to 1/20.
func (s *ProjectService) ListPage(ctx context.Context, rc auth.RequestContext, page, pageSize int) ([]domain.Project, int64, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, 0, err
	}
	return s.listPage(ctx, rc.CallerID, page, pageSize)
}

// ProjectPage is one page of a conditional listing.
type ProjectPage struct {
	Items       []domain.Project
	Total       int64
	ETag        string
	NotModified bool
}

// ListPageIfChanged is ListPage with a weak ETag derived from the caller's
// project count and latest last_updated. When ifNoneMatch equals the
// current ETag the page is not loaded and NotModified is set.
func (s *ProjectService) ListPageIfChanged(ctx context.Context, rc auth.RequestContext, page, pageSize int, ifNoneMatch string) (*ProjectPage, error) {
	if err := s.admit(ctx, rc); err != nil {
		return nil, err
	}
	page, pageSize = utils.ClampPage(page, pageSize)
	count, maxTS, err := repo.ProjectsStats(ctx, s.DB, rc.CallerID)
	if err != nil {
		return nil, err
	}
	var ts int64
	if maxTS != nil {
		ts = maxTS.UnixNano()
	}
	out := &ProjectPage{ETag: fmt.Sprintf(`W/"projects:%s:%d:%d:%d:%d"`, rc.CallerID, count, ts, page, pageSize)}
	if ifNoneMatch != "" && ifNoneMatch == out.ETag {
		out.NotModified = true
		return out, nil
	}
	out.Items, out.Total, err = s.listPage(ctx, rc.CallerID, page, pageSize)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ProjectService) listPage(ctx context.Context, userID string, page, pageSize int) ([]domain.Project, int64, error) {
	page, pageSize = utils.ClampPage(page, pageSize)
	offset := utils.Offset(page, pageSize)

	total, err := repo.CountProjects(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Project{}, 0, nil
	}
	items, err := repo.ListProjectsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// admit requires an authenticated caller and applies api.authenticated.
func (s *ProjectService) admit(ctx context.Context, rc auth.RequestContext) error {
	if !rc.Authenticated || rc.CallerID == "" {
		return ErrUnauthenticated
	}
	if s.Limiter == nil {
		return nil
	}
	return s.Limiter.Enforce(ctx, rc, config.OpAPIAuthenticated)
}

// owned loads a project and checks that userID owns it.
func (s *ProjectService) owned(ctx context.Context, db *gorm.DB, userID, id string) (*domain.Project, error) {
	p, err := repo.GetProject(ctx, db, id)
	return checkOwner(p, err, userID)
}

// lockOwned is owned with a row lock, for use inside a transaction.
func (s *ProjectService) lockOwned(ctx context.Context, tx *gorm.DB, userID, id string) (*domain.Project, error) {
	p, err := repo.GetProjectForUpdate(ctx, tx, id)
	return checkOwner(p, err, userID)
}

func checkOwner(p *domain.Project, err error, userID string) (*domain.Project, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.UserID != userID {
		return nil, ErrNotProjectOwner
	}
	return p, nil
}

func (s *ProjectService) replay(ctx context.Context, userID, key string) (*domain.Project, bool) {
	if key == "" {
		return nil, false
	}
	rec, err := repo.GetIdempotency(ctx, s.DB, userID, ScopeCreateProject, key, s.now().UTC())
	if err != nil {
		return nil, false
	}
	p, err := repo.GetProject(ctx, s.DB, rec.ResourceID)
	if err != nil {
		return nil, false
	}
	return p, true
}

// stamp returns the new last_updated value, never earlier than prev.
func (s *ProjectService) stamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (s *ProjectService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *ProjectService) validateCreate(in CreateProjectInput) (*domain.Project, error) {
	p := &domain.Project{
		Name:        strings.TrimSpace(in.Name),
		Description: strings.TrimSpace(in.Description),
		Keywords:    strings.TrimSpace(in.Keywords),
		Type:        strings.ToLower(strings.TrimSpace(in.Type)),
		Languages:   []string{},
	}
	if p.Name == "" {
		return nil, ErrEmptyName
	}
	if p.Description == "" {
		return nil, ErrEmptyDescription
	}
	switch p.Type {
	case domain.ProjectEnhance:
	case domain.ProjectTranslate:
		p.Languages = NormalizeLanguages(in.Languages)
		if len(p.Languages) == 0 {
			return nil, ErrNoLanguages
		}
	default:
		return nil, ErrInvalidType
	}
	return p, nil
}

func validateUpdate(in UpdateProjectInput) error {
	if in.Name != nil && strings.TrimSpace(*in.Name) == "" {
		return ErrEmptyName
	}
	if in.Description != nil && strings.TrimSpace(*in.Description) == "" {
		return ErrEmptyDescription
	}
	if in.Languages != nil && len(NormalizeLanguages(*in.Languages)) == 0 {
		return ErrNoLanguages
	}
	return nil
}

// normalizeResults defaults the status to pending, keeps data only on a
// completed result that decodes to a known kind, and keeps error text only
// on a failed one.
func normalizeResults(in ResultsInput) (domain.ProjectResults, error) {
	out := domain.ProjectResults{Status: strings.TrimSpace(in.Status)}
	switch out.Status {
	case "":
		out.Status = domain.StatusPending
	case domain.StatusPending, domain.StatusInProgress, domain.StatusCompleted, domain.StatusError:
	default:
		return out, ErrInvalidStatus
	}
	switch out.Status {
	case domain.StatusCompleted:
		raw := bytes.TrimSpace(in.Data)
		if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
			return out, apperr.New(apperr.InvalidArgument, "completed results require data")
		}
		var rd domain.ResultData
		if err := json.Unmarshal(raw, &rd); err != nil {
			return out, apperr.New(apperr.InvalidArgument, "results data must be valid JSON")
		}
		if err := rd.Validate(); err != nil {
			return out, apperr.Newf(apperr.InvalidArgument, "invalid results data: %v", err)
		}
		out.Data = datatypes.JSON(raw)
	case domain.StatusError:
		out.Error = strings.TrimSpace(in.Error)
	}
	return out, nil
}
