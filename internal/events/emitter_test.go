package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSink struct {
	mu        sync.Mutex
	delivered []Event
	failures  int
	attempts  int
	gate      chan struct{}
}

func (s *fakeSink) Deliver(ctx context.Context, ev Event) error {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.delivered = append(s.delivered, ev)
	return nil
}

func (s *fakeSink) snapshot() ([]Event, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.delivered...), s.attempts
}

func TestEmitterDelivers(t *testing.T) {
	sink := &fakeSink{}
	emitter := NewQueueEmitter(EmitterConfig{Sink: sink, Buffer: 8})

	emitter.Emit(Event{Type: TypeRoleAssigned, UserID: 7, TenantID: 1})
	emitter.Close()

	delivered, _ := sink.snapshot()
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(delivered))
	}
	if delivered[0].ID == "" {
		t.Fatalf("emitter must assign an event id")
	}
	if delivered[0].At.IsZero() {
		t.Fatalf("emitter must stamp the event time")
	}
}

func TestEmitterRetriesWithBackoff(t *testing.T) {
	sink := &fakeSink{failures: 2}
	emitter := NewQueueEmitter(EmitterConfig{Sink: sink, Buffer: 8})

	emitter.Emit(Event{Type: TypePermissionGranted, RoleID: 10})
	emitter.Close()

	delivered, attempts := sink.snapshot()
	if len(delivered) != 1 {
		t.Fatalf("expected the event to survive transient failures, got %d deliveries", len(delivered))
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

type dropCounter struct {
	mu    sync.Mutex
	drops int
}

func (d *dropCounter) ObserveEmitterDrop() {
	d.mu.Lock()
	d.drops++
	d.mu.Unlock()
}

func (d *dropCounter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops
}

func TestEmitterDropsOldestWhenFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &fakeSink{gate: gate}
	drops := &dropCounter{}
	emitter := NewQueueEmitter(EmitterConfig{Sink: sink, Buffer: 1, Observer: drops})

	// First event occupies the drain, second fills the buffer, third forces
	// the oldest buffered event out.
	emitter.Emit(Event{ID: "first"})
	waitForDrainPickup(t, emitter)
	emitter.Emit(Event{ID: "second"})
	emitter.Emit(Event{ID: "third"})
	close(gate)
	emitter.Close()

	delivered, _ := sink.snapshot()
	ids := make(map[string]bool, len(delivered))
	for _, ev := range delivered {
		ids[ev.ID] = true
	}
	if !ids["first"] || !ids["third"] {
		t.Fatalf("expected first and third to be delivered, got %v", ids)
	}
	if ids["second"] {
		t.Fatalf("the oldest buffered event should have been dropped")
	}
	if drops.count() != 1 {
		t.Fatalf("expected 1 observed drop, got %d", drops.count())
	}
}

func TestEmitAfterCloseIsDropped(t *testing.T) {
	sink := &fakeSink{}
	drops := &dropCounter{}
	emitter := NewQueueEmitter(EmitterConfig{Sink: sink, Buffer: 8, Observer: drops})

	emitter.Emit(Event{Type: TypeRoleAssigned, UserID: 7})
	emitter.Close()

	// Late emits, e.g. from a request finishing during shutdown, are dropped
	// instead of panicking on the closed buffer.
	emitter.Emit(Event{Type: TypePermissionCheck, UserID: 7})

	delivered, _ := sink.snapshot()
	if len(delivered) != 1 {
		t.Fatalf("expected only the pre-close event, got %d", len(delivered))
	}
	if drops.count() != 1 {
		t.Fatalf("expected the late emit to be counted as dropped, got %d", drops.count())
	}
}

// waitForDrainPickup blocks until the drain goroutine has taken the first
// event off the channel, so subsequent emits exercise the buffer.
func waitForDrainPickup(t *testing.T, e *QueueEmitter) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(e.ch) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("drain goroutine never picked up the event")
}
