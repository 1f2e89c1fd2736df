// Package scheduler runs the five build queues: track,
// pull, fetch, build and push. Each queue has its own bounded worker pool;
// the control loop drains them concurrently and reacts to job failures
// according to the policy the caller attaches to that queue.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/buildstream-core/bstcore/internal/element"
	"github.com/buildstream-core/bstcore/internal/errkind"
)

// Kind names one of the five queues. Queues run concurrently with each
// other; within a queue, jobs run up to its own concurrency limit.
type Kind string

const (
	KindTrack Kind = "track"
	KindPull  Kind = "pull"
	KindFetch Kind = "fetch"
	KindBuild Kind = "build"
	KindPush  Kind = "push"
)

// Action is what the scheduler does after a job exhausts its retries.
type Action int

const (
	// ActionContinue lets the rest of the queued work proceed. The
	// scheduler does not itself remove the failed element's dependents
	// from any queue.
	ActionContinue Action = iota
	// ActionQuit stops enqueueing new work but lets in-flight jobs finish.
	ActionQuit
	// ActionTerminate cancels every in-flight job immediately.
	ActionTerminate
)

// JobFunc runs one job for id. A transient errkind.Error (see
// errkind.IsTransient) is retried per the queue's backoff policy; any
// other error is terminal for that job.
type JobFunc func(ctx context.Context, id element.Id) error

// ErrorPolicy decides what the scheduler does once a job has exhausted its
// retries.
type ErrorPolicy func(id element.Id, err error) Action

// Backoff controls retry timing for transient failures.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	MaxRetries int
}

// DefaultBackoff is a reasonable starting policy: up to five retries (six
// attempts in all), doubling from 200ms up to 30s between them.
var DefaultBackoff = Backoff{Initial: 200 * time.Millisecond, Max: 30 * time.Second, Multiplier: 2, MaxRetries: 5}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Initial
	for i := 0; i < attempt; i++ {
		d = time.Duration(float64(d) * b.Multiplier)
		if d > b.Max {
			return b.Max
		}
	}
	return d
}

// Queue is one of the five named queues: a job function, a concurrency
// limit, and a retry/error policy.
type Queue struct {
	Kind        Kind
	Concurrency int64
	Run         JobFunc
	OnError     ErrorPolicy
	Backoff     Backoff
}

// Scheduler owns the five queues and their pending job lists.
type Scheduler struct {
	mu      sync.Mutex
	queues  map[Kind]*Queue
	pending map[Kind][]element.Id
	quit    bool
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{
		queues:  map[Kind]*Queue{},
		pending: map[Kind][]element.Id{},
	}
}

// AddQueue registers q. Concurrency <= 0 means unbounded.
func (s *Scheduler) AddQueue(q *Queue) {
	if q.Backoff == (Backoff{}) {
		q.Backoff = DefaultBackoff
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[q.Kind] = q
}

// Enqueue schedules id to run on kind's queue. It is a no-op once Quit has
// been signaled by an ActionQuit error policy decision.
func (s *Scheduler) Enqueue(kind Kind, id element.Id) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quit {
		return
	}
	s.pending[kind] = append(s.pending[kind], id)
}

// Run drains every queue concurrently until each is empty or ctx is
// canceled, returning the first terminal error encountered (an
// ActionTerminate decision, or ctx's own cancellation).
func (s *Scheduler) Run(ctx context.Context) error {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range []Kind{KindTrack, KindPull, KindFetch, KindBuild, KindPush} {
		q, ok := s.queues[kind]
		if !ok {
			continue
		}
		g.Go(func() error { return s.drainQueue(gctx, cancel, q) })
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return parent.Err()
}

func (s *Scheduler) drainQueue(ctx context.Context, terminate context.CancelFunc, q *Queue) error {
	weight := q.Concurrency
	if weight <= 0 {
		weight = 1 << 20
	}
	sem := semaphore.NewWeighted(weight)

	var wg sync.WaitGroup
	var firstErr error
	var errMu sync.Mutex

	for {
		id, ok := s.pop(q.Kind)
		if !ok {
			break
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(id element.Id) {
			defer wg.Done()
			defer sem.Release(1)
			if err := s.runWithRetry(ctx, q, id); err != nil {
				action := ActionContinue
				if q.OnError != nil {
					action = q.OnError(id, err)
				}
				switch action {
				case ActionQuit:
					s.mu.Lock()
					s.quit = true
					s.mu.Unlock()
				case ActionTerminate:
					errMu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					errMu.Unlock()
					terminate()
				}
			}
		}(id)
	}
	wg.Wait()
	return firstErr
}

func (s *Scheduler) pop(kind Kind) (element.Id, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.pending[kind]
	if len(list) == 0 {
		return 0, false
	}
	id := list[0]
	s.pending[kind] = list[1:]
	return id, true
}

func (s *Scheduler) runWithRetry(ctx context.Context, q *Queue, id element.Id) error {
	var lastErr error
	for attempt := 0; attempt <= q.Backoff.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := q.Run(ctx, id)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errkind.IsTransient(err) {
			return err
		}
		if attempt == q.Backoff.MaxRetries {
			break
		}
		select {
		case <-time.After(q.Backoff.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("scheduler: %s job for element %d exhausted retries: %w", q.Kind, id, lastErr)
}
