package scheduler_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/buildstream-core/bstcore/internal/element"
	"github.com/buildstream-core/bstcore/internal/errkind"
	"github.com/buildstream-core/bstcore/internal/scheduler"
)

func TestRunExecutesEveryEnqueuedJob(t *testing.T) {
	s := scheduler.New()
	var ran sync.Map
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindBuild,
		Concurrency: 2,
		Run: func(ctx context.Context, id element.Id) error {
			ran.Store(id, true)
			return nil
		},
	})
	for _, id := range []element.Id{1, 2, 3} {
		s.Enqueue(scheduler.KindBuild, id)
	}
	assert.NilError(t, s.Run(context.Background()))

	for _, id := range []element.Id{1, 2, 3} {
		_, ok := ran.Load(id)
		assert.Check(t, ok)
	}
}

func TestRunRetriesTransientErrors(t *testing.T) {
	s := scheduler.New()
	var attempts int32
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindFetch,
		Concurrency: 1,
		Backoff:     scheduler.Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxRetries: 3},
		Run: func(ctx context.Context, id element.Id) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errkind.Transient("fetch", errors.New("network blip"))
			}
			return nil
		},
	})
	s.Enqueue(scheduler.KindFetch, element.Id(1))
	assert.NilError(t, s.Run(context.Background()))
	assert.Equal(t, int32(3), attempts)
}

func TestRunDoesNotRetryNonTransientErrors(t *testing.T) {
	s := scheduler.New()
	var attempts int32
	var terminal error
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindBuild,
		Concurrency: 1,
		OnError: func(id element.Id, err error) scheduler.Action {
			terminal = err
			return scheduler.ActionContinue
		},
		Run: func(ctx context.Context, id element.Id) error {
			atomic.AddInt32(&attempts, 1)
			return fmt.Errorf("compile error")
		},
	})
	s.Enqueue(scheduler.KindBuild, element.Id(1))
	assert.NilError(t, s.Run(context.Background()))
	assert.Equal(t, int32(1), attempts)
	assert.Check(t, terminal != nil)
}

func TestActionTerminateCancelsOtherQueues(t *testing.T) {
	s := scheduler.New()
	blocked := make(chan struct{})
	var buildRan int32

	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindFetch,
		Concurrency: 1,
		OnError:     func(id element.Id, err error) scheduler.Action { return scheduler.ActionTerminate },
		Run: func(ctx context.Context, id element.Id) error {
			return fmt.Errorf("fatal fetch error")
		},
	})
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindBuild,
		Concurrency: 1,
		Run: func(ctx context.Context, id element.Id) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-blocked:
				atomic.AddInt32(&buildRan, 1)
				return nil
			}
		},
	})
	s.Enqueue(scheduler.KindFetch, element.Id(1))
	s.Enqueue(scheduler.KindBuild, element.Id(2))

	err := s.Run(context.Background())
	assert.Check(t, err != nil)
	assert.Equal(t, int32(0), buildRan)
}

func TestActionQuitStopsNewEnqueues(t *testing.T) {
	s := scheduler.New()
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindBuild,
		Concurrency: 1,
		OnError:     func(id element.Id, err error) scheduler.Action { return scheduler.ActionQuit },
		Run: func(ctx context.Context, id element.Id) error {
			if id == 1 {
				return fmt.Errorf("boom")
			}
			return nil
		},
	})
	s.Enqueue(scheduler.KindBuild, element.Id(1))
	assert.NilError(t, s.Run(context.Background()))

	s.Enqueue(scheduler.KindBuild, element.Id(2))
	var ran int32
	s.AddQueue(&scheduler.Queue{
		Kind:        scheduler.KindBuild,
		Concurrency: 1,
		Run: func(ctx context.Context, id element.Id) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	assert.NilError(t, s.Run(context.Background()))
	assert.Equal(t, int32(0), ran)
}
