// Package listener runs a handler for every value received on a channel.
package listener

import (
	"context"
	"log/slog"
	"sync"
)

// Listener drains a channel on one goroutine. A failing handler is logged
// and the next value is processed.
type Listener[T any] struct {
	name   string
	in     <-chan T
	handle func(T) error
	onStop func()
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

type Option[T any] func(*Listener[T])

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(l *Listener[T]) { l.logger = logger }
}

// OnStop registers fn to run after the loop has exited.
func OnStop[T any](fn func()) Option[T] {
	return func(l *Listener[T]) { l.onStop = fn }
}

func New[T any](name string, in <-chan T, handle func(T) error, opts ...Option[T]) *Listener[T] {
	l := &Listener[T]{
		name:   name,
		in:     in,
		handle: handle,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Start launches the loop. It returns once ctx is done, in is closed or Stop
// is called.
func (l *Listener[T]) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	l.cancel, l.done = cancel, done
	l.mu.Unlock()

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-l.in:
				if !ok {
					return
				}
				if err := l.handle(v); err != nil {
					l.logger.Error("listener handler failed", "listener", l.name, "error", err)
				}
			}
		}
	}()
}

// Stop waits for the in-flight handler. Calling it on a listener that is not
// running does nothing.
func (l *Listener[T]) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if l.onStop != nil {
		l.onStop()
	}
}
