package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/reachmix-backend/internal/apperr"
	"github.com/tbourn/reachmix-backend/internal/auth"
	"github.com/tbourn/reachmix-backend/internal/config"
	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
	"github.com/tbourn/reachmix-backend/internal/subscription"
)

// ----- DB -----

func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&domain.User{}, &domain.Project{}, &domain.Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	u := &domain.User{
		ID:           id,
		Subscription: domain.SubscriptionState{Status: domain.SubscriptionTrial},
		ProjectIDs:   []string{},
	}
	if err := db.Create(u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
}

func seedProject(t *testing.T, db *gorm.DB, id, userID, typ, status string, at time.Time) *domain.Project {
	t.Helper()
	p := &domain.Project{
		ID: id, UserID: userID, Name: "Calc", Description: "basic calculator",
		Keywords: "math, calculator", Type: typ, Languages: []string{},
		Results:   domain.ProjectResults{Status: status},
		CreatedAt: at, LastUpdated: at,
	}
	if typ == domain.ProjectTranslate {
		p.Languages = []string{"French", "German"}
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return p
}

func newPolicy(db *gorm.DB) *subscription.Policy {
	return subscription.NewPolicy(db, config.DefaultLimits(), nil)
}

func caller(id string) auth.RequestContext {
	return auth.RequestContext{CallerID: id, Authenticated: true, ClientAddr: "10.0.0.1"}
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

// ----- Fakes -----

type fakeLimiter struct {
	mu   sync.Mutex
	ops  []string
	ids  []string
	deny map[string]bool

	// cancel, when set, is called on a denial before it is returned.
	cancel context.CancelFunc
}

func (f *fakeLimiter) Enforce(_ context.Context, rc auth.RequestContext, op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	f.ids = append(f.ids, rc.Identifier())
	if f.deny[op] {
		if f.cancel != nil {
			f.cancel()
		}
		return apperr.New(apperr.ResourceExhausted, "limit reached for "+op)
	}
	return nil
}

type fakeQueue struct {
	ids  []string
	full bool
}

func (q *fakeQueue) Enqueue(id string) error {
	if q.full {
		return errors.New("queue full")
	}
	q.ids = append(q.ids, id)
	return nil
}

type fakeGenerator struct {
	calls int
	data  *domain.ResultData
	err   error

	// cancel simulates the caller going away mid-run.
	cancel context.CancelFunc
}

func (g *fakeGenerator) Generate(ctx context.Context, _ *domain.Project) (*domain.ResultData, error) {
	g.calls++
	if g.cancel != nil {
		g.cancel()
		return nil, ctx.Err()
	}
	return g.data, g.err
}

func enhanceData() *domain.ResultData {
	return &domain.ResultData{
		Kind: domain.KindEnhance,
		EnhanceResult: &domain.EnhanceResult{
			Title: "Calc", Subtitle: "Math made easy",
			Description: "A basic calculator.", Keywords: []string{"math", "calculator"},
		},
	}
}

func kindOf(t *testing.T, err error, want apperr.Kind) {
	t.Helper()
	if got := apperr.KindOf(err); got != want {
		t.Fatalf("error kind = %q (%v); want %q", got, err, want)
	}
}

func loadProject(t *testing.T, db *gorm.DB, id string) *domain.Project {
	t.Helper()
	p, err := repo.GetProject(context.Background(), db, id)
	if err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	return p
}
