// Package periodic runs cancellable background loops owned by the component
// that starts them.
package periodic

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
)

// TimeProvider abstracts wall time so tests can drive it.
type TimeProvider interface {
	Now() time.Time
}

type RealTimeProvider struct{}

func (RealTimeProvider) Now() time.Time { return time.Now() }

// Task is a running periodic loop. Stop cancels it and waits for the
// in-flight tick to return; fn must not call Stop on its own task.
type Task struct {
	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

type options struct {
	immediate bool
}

type Option func(*options)

// Immediate runs the first tick as soon as the task starts instead of one
// interval later.
func Immediate() Option {
	return func(o *options) { o.immediate = true }
}

// Start calls fn every interval until ctx ends or Stop is called.
func Start(ctx context.Context, interval time.Duration, fn func(ctx context.Context), opts ...Option) *Task {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel}
	t.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		if o.immediate && ctx.Err() == nil {
			fn(ctx)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
	return t
}

// Stop is safe to call more than once and on a nil task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.cancel()
	t.once.Do(t.wg.Wait)
}
