// Package services – GenerationService
//
// This file runs projects through the content generation pipeline. The
// foreground path (Generate) serves an explicit request from the owner and
// returns the typed pipeline error; the background path (ProcessJob) is fed
// by the queue after creation and only records the outcome on the project.
// Both claim the project first so a project is never generated twice at
// once, and both persist the outcome through SetProjectResults.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/generation"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// resumeBatch caps the projects re-queued by one ResumePending call.
const resumeBatch = 1000

var generationRuns = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "generation_runs_total",
		Help: "Generation runs by project type and outcome (completed|error|limited).",
	},
	[]string{"type", "outcome"},
)

func init() {
	prometheus.MustRegister(generationRuns)
}

// Generator produces result data for a project.
type Generator interface {
	Generate(ctx context.Context, proj *domain.Project) (*domain.ResultData, error)
}

// GenerationService claims projects, runs them through a Generator and
// stores the outcome.
type GenerationService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Limiter applies the openai.* policies.
	Limiter RateEnforcer
	// Pipeline produces the results.
	Pipeline Generator
	// ClaimTTL is how long an in-progress claim is honored before another
	// run may take the project over.
	ClaimTTL time.Duration
	// Now is the clock; tests inject a fixed one.
	Now func() time.Time
}

// NewGenerationService constructs a GenerationService.
func NewGenerationService(db *gorm.DB, limiter RateEnforcer, g Generator, claimTTL time.Duration) *GenerationService {
	return &GenerationService{DB: db, Limiter: limiter, Pipeline: g, ClaimTTL: claimTTL, Now: time.Now}
}

// Generate runs the caller's project in the foreground. The openai rate
// limit for the project type applies before anything changes. On pipeline
// failure the project is stored as errored and the typed error is returned.
func (s *GenerationService) Generate(ctx context.Context, rc auth.RequestContext, id string) (domain.ProjectResults, error) {
	if !rc.Authenticated || rc.CallerID == "" {
		return domain.ProjectResults{}, ErrUnauthenticated
	}
	p, err := repo.GetProject(ctx, s.DB, id)
	if p, err = checkOwner(p, err, rc.CallerID); err != nil {
		return domain.ProjectResults{}, err
	}
	if err := s.Limiter.Enforce(ctx, rc, OperationFor(p.Type)); err != nil {
		generationRuns.WithLabelValues(p.Type, "limited").Inc()
		return domain.ProjectResults{}, err
	}
	if err := s.claim(ctx, p); err != nil {
		return domain.ProjectResults{}, err
	}
	return s.run(ctx, p)
}

// ProcessJob is the queue handler for a newly created project. Failures
// are stored on the project; only storage errors are returned.
func (s *GenerationService) ProcessJob(ctx context.Context, projectID string) error {
	l := zerolog.Ctx(ctx).With().Str("component", "generation").Str("project_id", projectID).Logger()

	p, err := repo.GetProject(ctx, s.DB, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		l.Info().Msg("project deleted before generation; skipping")
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.claim(ctx, p); err != nil {
		if errors.Is(err, ErrAlreadyProcessing) {
			l.Debug().Str("status", p.Results.Status).Msg("project not claimable; skipping")
			return nil
		}
		return err
	}

	// Background runs are charged to the owner.
	if err := s.Limiter.Enforce(ctx, auth.Caller(p.UserID), OperationFor(p.Type)); err != nil {
		generationRuns.WithLabelValues(p.Type, "limited").Inc()
		res := domain.ProjectResults{Status: domain.StatusError, Error: apperr.MessageOf(err)}
		return repo.SetProjectResults(context.WithoutCancel(ctx), s.DB, p.ID, res, s.stamp(p.LastUpdated))
	}

	res, err := s.run(ctx, p)
	var ae *apperr.Error
	switch {
	case err == nil:
		l.Info().Msg("generation completed")
	case errors.As(err, &ae):
		l.Warn().Str("kind", string(ae.Kind)).Str("error", res.Error).Msg("generation failed")
	default:
		return err
	}
	return nil
}

// ResumePending re-queues projects left pending or with an expired claim,
// for example after a restart. It returns the number queued.
func (s *GenerationService) ResumePending(ctx context.Context, q Enqueuer) (int, error) {
	ids, err := repo.ListClaimableProjectIDs(ctx, s.DB, s.now().Add(-s.ClaimTTL), resumeBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := q.Enqueue(id); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int("queued", n).Msg("resume stopped early")
			break
		}
		n++
	}
	return n, nil
}

// OperationFor returns the rate-limited operation that generating a
// project of type typ counts against.
func OperationFor(typ string) string {
	if typ == domain.ProjectTranslate {
		return config.OpOpenAITranslation
	}
	return config.OpOpenAIGeneration
}

func (s *GenerationService) claim(ctx context.Context, p *domain.Project) error {
	now := s.stamp(p.LastUpdated)
	ok, err := repo.ClaimProject(ctx, s.DB, p.ID,
		[]string{domain.StatusPending, domain.StatusError},
		now.Add(-s.ClaimTTL), now)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyProcessing
	}
	p.Results = domain.ProjectResults{Status: domain.StatusInProgress}
	p.LastUpdated = now
	return nil
}

// run generates and persists the outcome of a claimed project. The
// returned error is the pipeline's (or a storage error).
func (s *GenerationService) run(ctx context.Context, p *domain.Project) (domain.ProjectResults, error) {
	ctx, span := otel.Tracer("services/GenerationService").Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("project.id", p.ID),
			attribute.String("project.type", p.Type),
		),
	)
	defer span.End()

	data, genErr := s.Pipeline.Generate(ctx, p)
	var res domain.ProjectResults
	if genErr == nil {
		res, genErr = generation.Completed(data)
	}
	if genErr != nil {
		span.RecordError(genErr)
		res = domain.ProjectResults{Status: domain.StatusError, Error: apperr.MessageOf(genErr)}
	}

	// The outcome is stored even when the caller has gone away, otherwise the
	// project stays in-progress until its claim expires.
	if err := repo.SetProjectResults(context.WithoutCancel(ctx), s.DB, p.ID, res, s.stamp(p.LastUpdated)); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return res, ErrProjectNotFound
		}
		return res, err
	}
	generationRuns.WithLabelValues(p.Type, res.Status).Inc()
	return res, genErr
}

func (s *GenerationService) stamp(prev time.Time) time.Time {
	now := s.now().UTC()
	if now.Before(prev) {
		return prev
	}
	return now
}

func (s *GenerationService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
