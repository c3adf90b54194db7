// Package queue runs background generation jobs on a fixed pool of workers.
// Jobs are project ids; the queue is in-memory and bounded, so a job that
// cannot be queued stays pending in the database and is picked up again by
// the startup resume.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrFull is returned by Enqueue when the buffer is at capacity.
	ErrFull = errors.New("queue: full")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue: closed")
)

var (
	depth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "generation_queue_depth",
		Help: "Generation jobs waiting for a worker.",
	})
	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_total",
			Help: "Generation jobs handled by the worker pool, by outcome (ok|error|panic).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(depth, jobs)
}

// Handler processes one job.
type Handler func(ctx context.Context, projectID string) error

// Queue is a bounded job buffer drained by Workers goroutines.
type Queue struct {
	Workers int
	Handler Handler

	mu     sync.RWMutex
	ch     chan string
	closed bool
}

// New constructs a Queue with the given pool size and buffer capacity.
func New(workers, buffer int, h Handler) *Queue {
	if workers < 1 {
		workers = 1
	}
	if buffer < 1 {
		buffer = 1
	}
	return &Queue{Workers: workers, Handler: h, ch: make(chan string, buffer)}
}

// Enqueue adds a job without blocking.
func (q *Queue) Enqueue(projectID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- projectID:
		depth.Set(float64(len(q.ch)))
		return nil
	default:
		return ErrFull
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int { return len(q.ch) }

// Close stops accepting jobs. Workers finish what is already queued and
// Run returns.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

// Run starts the workers and blocks until the queue is closed and drained
// or ctx is cancelled. Job failures are logged and never stop the pool.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < q.Workers; i++ {
		worker := i
		g.Go(func() error {
			l := log.With().Str("component", "queue").Int("worker", worker).Logger()
			wctx := l.WithContext(gctx)
			for {
				select {
				case <-gctx.Done():
					return nil
				case id, ok := <-q.ch:
					if !ok {
						return nil
					}
					depth.Set(float64(len(q.ch)))
					q.process(wctx, id)
				}
			}
		})
	}
	return g.Wait()
}

func (q *Queue) process(ctx context.Context, id string) {
	l := zerolog.Ctx(ctx)
	defer func() {
		if r := recover(); r != nil {
			jobs.WithLabelValues("panic").Inc()
			l.Error().Str("project_id", id).Str("panic", fmt.Sprint(r)).Msg("job panicked")
		}
	}()
	if err := q.Handler(ctx, id); err != nil {
		jobs.WithLabelValues("error").Inc()
		l.Error().Err(err).Str("project_id", id).Msg("job failed")
		return
	}
	jobs.WithLabelValues("ok").Inc()
}
