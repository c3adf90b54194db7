package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/reachmix-backend/internal/domain"
	"github.com/tbourn/reachmix-backend/internal/repo"
)

// MaxBatchSize bounds the writes committed per transaction.
const MaxBatchSize = 500

var reaped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "reaper_records_total",
		Help: "Rate-limit records touched by the reaper, by action (deleted|trimmed).",
	},
	[]string{"action"},
)

func init() {
	prometheus.MustRegister(reaped)
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned int
	Deleted int
	Trimmed int
}

// Reaper prunes rate-limit records whose window has fully expired.
type Reaper struct {
	DB *gorm.DB
	// MaxWindow is the longest window across all rate policies.
	MaxWindow time.Duration
	// BatchSize caps records per page and writes per transaction.
	BatchSize int
	// Interval between scheduled sweeps.
	Interval time.Duration
	Now      func() time.Time
}

// NewReaper constructs a Reaper for the given longest window.
func NewReaper(db *gorm.DB, maxWindow, interval time.Duration, batchSize int) *Reaper {
	return &Reaper{DB: db, MaxWindow: maxWindow, BatchSize: batchSize, Interval: interval, Now: time.Now}
}

// Run sweeps once per Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats, err := r.Sweep(ctx)
			ev := log.Info()
			if err != nil {
				ev = log.Error().Err(err)
			}
			ev.Int("scanned", stats.Scanned).
				Int("deleted", stats.Deleted).
				Int("trimmed", stats.Trimmed).
				Msg("rate limit sweep")
		}
	}
}

// Sweep walks every record once. Records whose lastReset precedes the
// cutoff are deleted; the rest lose requests older than the cutoff, written
// back only when something was dropped. Each page's writes commit together;
// an error ends the sweep early, leaving the remainder for the next run.
func (r *Reaper) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	batch := r.BatchSize
	if batch <= 0 || batch > MaxBatchSize {
		batch = MaxBatchSize
	}
	now := time.Now()
	if r.Now != nil {
		now = r.Now()
	}
	cutoff := now.Add(-r.MaxWindow)
	cutoffMS := cutoff.UnixMilli()

	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		page, err := repo.ListRateLimitsAfter(ctx, r.DB, cursor, batch)
		if err != nil {
			return stats, err
		}
		if len(page) == 0 {
			return stats, nil
		}
		cursor = page[len(page)-1].ID
		stats.Scanned += len(page)

		var (
			stale   []string
			trimmed []*domain.RateLimitRecord
		)
		for i := range page {
			rec := &page[i]
			if rec.LastReset.Before(cutoff) {
				stale = append(stale, rec.ID)
				continue
			}
			kept := make([]int64, 0, len(rec.Requests))
			for _, ts := range rec.Requests {
				if ts > cutoffMS {
					kept = append(kept, ts)
				}
			}
			if len(kept) != len(rec.Requests) {
				rec.Requests = kept
				trimmed = append(trimmed, rec)
			}
		}

		if len(stale)+len(trimmed) > 0 {
			err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				if err := repo.DeleteRateLimits(ctx, tx, stale); err != nil {
					return err
				}
				for _, rec := range trimmed {
					if err := repo.SetRateLimitRequests(ctx, tx, rec); err != nil && !repo.IsNotFound(err) {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return stats, err
			}
			stats.Deleted += len(stale)
			stats.Trimmed += len(trimmed)
			reaped.WithLabelValues("deleted").Add(float64(len(stale)))
			reaped.WithLabelValues("trimmed").Add(float64(len(trimmed)))
		}

		if len(page) < batch {
			return stats, nil
		}
	}
}
