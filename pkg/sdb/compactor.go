package sdb

import (
	"errors"
	"log/slog"
	"sync"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/listener"
)

// Compactor snapshots tables in the background once they ask for it.
type Compactor struct {
	*listener.Listener[Handle]

	logger  *slog.Logger
	queue   chan Handle
	pending sync.Map
}

func NewCompactor(queue int, logger *slog.Logger) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Compactor{
		logger: logger,
		queue:  make(chan Handle, max(queue, 1)),
	}
	c.Listener = listener.New("compactor", c.queue, c.compact, listener.WithLogger[Handle](logger))
	return c
}

// Schedule queues h for a snapshot without blocking. It reports false if
// h is already queued or the queue is full.
func (c *Compactor) Schedule(h Handle) bool {
	if _, queued := c.pending.LoadOrStore(h, struct{}{}); queued {
		return false
	}
	select {
	case c.queue <- h:
		return true
	default:
		c.pending.Delete(h)
		c.logger.Warn("compaction queue is full", "table", h.Name())
		return false
	}
}

func (c *Compactor) compact(h Handle) error {
	defer c.pending.Delete(h)

	err := h.SaveSnapshot()
	if errors.Is(err, dberrors.ErrClosed) {
		return nil
	}
	return err
}
