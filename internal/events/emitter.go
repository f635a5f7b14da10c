package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DropObserver counts events the emitter had to discard. Implemented by the
// observability metrics; nil disables observation.
type DropObserver interface {
	ObserveEmitterDrop()
}

// QueueEmitter buffers events on a bounded channel and drains them through a
// Sink with exponential backoff. A full buffer drops the oldest event so the
// decision path never blocks; downstream redelivery makes the overall channel
// at-least-once once an event reaches the sink.
type QueueEmitter struct {
	sink     Sink
	ch       chan Event
	logger   *slog.Logger
	observer DropObserver

	attempts int
	baseWait time.Duration
	maxWait  time.Duration

	closeOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// EmitterConfig collects QueueEmitter settings.
type EmitterConfig struct {
	Sink     Sink
	Buffer   int
	Logger   *slog.Logger
	Observer DropObserver
}

// NewQueueEmitter constructs the emitter and starts its drain goroutine.
func NewQueueEmitter(cfg EmitterConfig) *QueueEmitter {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &QueueEmitter{
		sink:     cfg.Sink,
		ch:       make(chan Event, buffer),
		logger:   logger,
		observer: cfg.Observer,
		attempts: 5,
		baseWait: 100 * time.Millisecond,
		maxWait:  5 * time.Second,
	}
	e.wg.Add(1)
	go e.drain()
	return e
}

// Emit enqueues the event. Never blocks: when the buffer is full the oldest
// buffered event is discarded to make room. After Close the event is dropped.
func (e *QueueEmitter) Emit(ev Event) {
	if ev.ID == "" {
		ev.ID = NewID()
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.logger.Warn("emit after close, dropping event",
			slog.String("event_id", ev.ID),
			slog.String("type", string(ev.Type)))
		if e.observer != nil {
			e.observer.ObserveEmitterDrop()
		}
		return
	}
	for {
		select {
		case e.ch <- ev:
			return
		default:
		}
		select {
		case dropped := <-e.ch:
			e.logger.Warn("audit event buffer full, dropping oldest",
				slog.String("event_id", dropped.ID),
				slog.String("type", string(dropped.Type)))
			if e.observer != nil {
				e.observer.ObserveEmitterDrop()
			}
		default:
		}
	}
}

// Close stops accepting events and waits for the buffer to drain. The write
// lock waits out any in-flight Emit before the channel closes.
func (e *QueueEmitter) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()
		close(e.ch)
	})
	e.wg.Wait()
}

func (e *QueueEmitter) drain() {
	defer e.wg.Done()
	for ev := range e.ch {
		e.deliver(ev)
	}
}

func (e *QueueEmitter) deliver(ev Event) {
	wait := e.baseWait
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.sink.Deliver(ctx, ev)
		cancel()
		if err == nil {
			return
		}
		if attempt >= e.attempts {
			e.logger.Error("audit event delivery failed",
				slog.String("event_id", ev.ID),
				slog.String("type", string(ev.Type)),
				slog.Any("error", err))
			if e.observer != nil {
				e.observer.ObserveEmitterDrop()
			}
			return
		}
		e.logger.Warn("audit event delivery retry",
			slog.String("event_id", ev.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		time.Sleep(wait)
		wait *= 2
		if wait > e.maxWait {
			wait = e.maxWait
		}
	}
}
