package events_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml/pkg/events"
	"github.com/casys-ai/pml/pkg/executor"
)

type recordingPublisher struct {
	mu   sync.Mutex
	seen []executor.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e executor.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, e)
	return nil
}

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	bus := events.NewBus(nil, 0)
	ch, unsubscribe := bus.Subscribe("run-1")
	defer unsubscribe()

	bus.Emit(executor.Event{Type: "task_start", RunID: "run-1", TaskID: "task_0"})

	select {
	case e := <-ch:
		assert.Equal(t, "task_start", e.Type)
		assert.Equal(t, "task_0", e.TaskID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribeOnlySeesItsOwnRunID(t *testing.T) {
	bus := events.NewBus(nil, 0)
	ch, unsubscribe := bus.Subscribe("run-1")
	defer unsubscribe()

	bus.Emit(executor.Event{Type: "task_start", RunID: "run-2"})
	bus.Emit(executor.Event{Type: "task_start", RunID: "run-1"})

	select {
	case e := <-ch:
		assert.Equal(t, "run-1", e.RunID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBackpressureDropsOldestTraceEventFirst(t *testing.T) {
	bus := events.NewBus(nil, 2)
	ch, unsubscribe := bus.Subscribe("run-1")
	defer unsubscribe()

	// Fill the subscriber's queue (capacity 2) entirely with trace events
	// before anything drains it, then push a task_end: it must survive by
	// evicting the oldest trace event rather than being dropped itself.
	bus.Emit(executor.Event{Type: "trace", RunID: "run-1", TaskID: "t0"})
	bus.Emit(executor.Event{Type: "trace", RunID: "run-1", TaskID: "t1"})
	bus.Emit(executor.Event{Type: "task_end", RunID: "run-1", TaskID: "t2"})

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			got = append(got, e.TaskID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	assert.Contains(t, got, "t2")
	assert.NotContains(t, got, "t0")
}

func TestEmitRepublishesThroughConfiguredPublisher(t *testing.T) {
	pub := &recordingPublisher{}
	bus := events.NewBus(pub, 0)

	bus.Emit(executor.Event{Type: "workflow_completed", RunID: "run-1"})

	require.Eventually(t, func() bool {
		pub.mu.Lock()
		defer pub.mu.Unlock()
		return len(pub.seen) == 1
	}, time.Second, 5*time.Millisecond)
}
