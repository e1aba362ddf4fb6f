package periodic

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTaskTicksUntilStopped(t *testing.T) {
	var n atomic.Int32
	task := Start(context.Background(), 5*time.Millisecond, func(context.Context) { n.Add(1) })

	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	task.Stop()
	stopped := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, n.Load())

	task.Stop()
	var nilTask *Task
	nilTask.Stop()
}

func TestTaskStopsWithParentContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var n atomic.Int32
	task := Start(ctx, 5*time.Millisecond, func(context.Context) { n.Add(1) })
	assert.Eventually(t, func() bool { return n.Load() >= 1 }, time.Second, time.Millisecond)

	cancel()
	done := make(chan struct{})
	go func() {
		task.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after parent cancel")
	}
}

func TestStopWaitsForInflightTick(t *testing.T) {
	entered := make(chan struct{})
	var finished atomic.Bool
	task := Start(context.Background(), time.Millisecond, func(ctx context.Context) {
		select {
		case entered <- struct{}{}:
		default:
			return
		}
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})
	<-entered
	task.Stop()
	assert.True(t, finished.Load())
}

func TestImmediateFirstTick(t *testing.T) {
	ticked := make(chan time.Time, 1)
	started := time.Now()
	task := Start(context.Background(), time.Hour, func(context.Context) {
		select {
		case ticked <- time.Now():
		default:
		}
	}, Immediate())
	defer task.Stop()

	select {
	case at := <-ticked:
		assert.Less(t, at.Sub(started), time.Second)
	case <-time.After(time.Second):
		t.Fatal("no immediate tick")
	}
}
