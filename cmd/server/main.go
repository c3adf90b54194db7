// Command server runs the ReachMix API.
//
// @title                      ReachMix API
// @version                    1.0
// @description                Project management, content generation and billing for ReachMix.
// @BasePath                   /api/v1
// @securityDefinitions.apikey BearerAuth
// @in                         header
// @name                       Authorization
// @description                Type "Bearer" followed by a space and the ID token.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/billing"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/generation"
	httpapi "github.com/tbourn/reachmix-backend/internal/http"
	"github.com/tbourn/reachmix-backend/internal/http/handlers"
	"github.com/tbourn/reachmix-backend/internal/llm"
	"github.com/tbourn/reachmix-backend/internal/observability"
	"github.com/tbourn/reachmix-backend/internal/queue"
	"github.com/tbourn/reachmix-backend/internal/ratelimit"
	"github.com/tbourn/reachmix-backend/internal/repo"
	"github.com/tbourn/reachmix-backend/internal/services"
	"github.com/tbourn/reachmix-backend/internal/subscription"
	"github.com/tbourn/reachmix-backend/internal/sysutil"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version string

const (
	shutdownTimeout     = 10 * time.Second
	idempotencyPurgeDur = time.Hour
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := config.MustLoad()
	sysutil.SetLogLevel(cfg.LogLevel)
	logger := sysutil.NewLogger(os.Stdout, cfg.LogPretty, cfg.OTEL.ServiceName)
	log.Logger = logger
	zerolog.DefaultContextLogger = &logger
	gin.SetMode(cfg.GinMode)

	appVersion := sysutil.FirstNonEmpty(version, os.Getenv("APP_VERSION"), "dev")
	if err := run(cfg, appVersion); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg config.Config, appVersion string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, appVersion)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	db, err := repo.Open(cfg.DB)
	if err != nil {
		return err
	}
	if err := repo.AutoMigrate(db); err != nil {
		return err
	}

	limits, err := config.LoadLimitsFile(cfg.LimitsFile)
	if err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(db, limits)
	policy := subscription.NewPolicy(db, limits, cfg.Stripe.PriceIDs)

	pipeline := generation.NewPipeline(llm.New(cfg.LLM), cfg.LLM.EnhanceShape)
	gen := services.NewGenerationService(db, limiter, pipeline, cfg.Queue.ClaimTTL)
	jobs := queue.New(cfg.Queue.Workers, cfg.Queue.Buffer, gen.ProcessJob)

	projects := services.NewProjectService(db, limiter, policy, jobs, cfg.IdempotencyTTL)
	users := services.NewUserService(db, limiter, policy)

	deps := handlers.Deps{
		Projects:   projects,
		Generation: gen,
		Users:      users,
		RateCheck:  services.NewRateCheckService(limiter),
	}
	if cfg.Stripe.SecretKey != "" {
		gw := billing.NewStripeGateway(cfg.Stripe.SecretKey)
		syncer := billing.NewSynchronizer(db, gw)
		deps.Billing = billing.NewService(db, gw, syncer, limiter, cfg.Stripe)
		deps.Webhook = billing.NewWebhook(cfg.Stripe.WebhookSecret, db, syncer)
	} else {
		log.Warn().Msg("STRIPE_SECRET_KEY not set; billing routes are disabled")
	}

	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Dependencies{
		Config:   cfg,
		DB:       db,
		Verifier: verifier,
		Quota:    limiter,
		EnsureUser: func(ctx context.Context, rc auth.RequestContext) error {
			_, err := users.EnsureUser(ctx, rc)
			return err
		},
		Services: deps,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	// Workers outlive the signal so queued jobs can drain during shutdown.
	workCtx, cancelWork := context.WithCancel(log.Logger.WithContext(context.Background()))
	defer cancelWork()
	queueDone := make(chan error, 1)
	go func() { queueDone <- jobs.Run(workCtx) }()

	if n, err := gen.ResumePending(workCtx, jobs); err != nil {
		log.Error().Err(err).Msg("resume pending projects")
	} else if n > 0 {
		log.Info().Int("queued", n).Msg("resumed pending projects")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ratelimit.NewReaper(db, limits.MaxWindow(), cfg.Reaper.Interval, cfg.Reaper.BatchSize).Run(gctx)
		return nil
	})
	g.Go(func() error {
		purgeIdempotency(gctx, db, idempotencyPurgeDur)
		return nil
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("version", appVersion).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)

		jobs.Close()
		select {
		case <-queueDone:
		case <-sctx.Done():
			log.Warn().Int("pending", jobs.Len()).Msg("queue drain timed out; remaining projects resume on next start")
			cancelWork()
			<-queueDone
		}
		return err
	})
	return g.Wait()
}

// purgeIdempotency drops expired idempotency records every interval.
func purgeIdempotency(ctx context.Context, db *gorm.DB, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := repo.PurgeExpiredIdempotency(ctx, db, time.Now().UTC())
			if err != nil {
				log.Error().Err(err).Msg("idempotency purge")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("idempotency purge")
			}
		}
	}
}
