package notifier

import (
	"context"
	"errors"
	"sync"

	"github.com/italolelis/download_manager/internal/download"
	"github.com/italolelis/download_manager/internal/logctx"
)

var (
	// ErrQueueFull is returned when the async buffer has no room; the
	// notification is dropped.
	ErrQueueFull = errors.New("notifier: queue full")
	// ErrClosed is returned by Notify after Close.
	ErrClosed = errors.New("notifier: closed")
)

type event struct {
	ctx    context.Context
	record download.Record
}

// Async decouples callers from a slow Notifier. Notify never blocks: it
// enqueues into a bounded buffer drained by one goroutine, so delivery order is
// preserved.
type Async struct {
	next  Notifier
	queue chan event
	done  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the delivery goroutine. Call Close to drain and stop it.
func NewAsync(next Notifier, buffer int) *Async {
	if buffer <= 0 {
		buffer = 1
	}

	a := &Async{
		next:  next,
		queue: make(chan event, buffer),
		done:  make(chan struct{}),
	}

	go a.run()

	return a
}

func (a *Async) Notify(ctx context.Context, record download.Record) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- event{ctx: context.WithoutCancel(ctx), record: record}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting notifications and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	<-a.done
}

func (a *Async) run() {
	defer close(a.done)

	for ev := range a.queue {
		if err := a.next.Notify(ev.ctx, ev.record); err != nil {
			logctx.LoggerFromContext(ev.ctx).WarnContext(ev.ctx, "failed to deliver notification",
				"download_path", ev.record.Path,
				"status", ev.record.Status.String(),
				"err", err,
			)
		}
	}
}
