package sdb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"metasdb/pkg/clock"
	"metasdb/pkg/dberrors"
)

// Handle is the row-type independent view of an open table.
type Handle interface {
	Name() string
	Path() string
	ID() int64
	NumOfRows() int64
	Size() int64
	Stats() Stats
	SaveSnapshot() error
	Reload() error
	Changes(since uint64) ([]Change, error)
	CopyTo(w io.Writer) (int64, error)
	Close() error
}

// Stats is a point-in-time summary of a table.
type Stats struct {
	Name       string `json:"name"`
	KeyType    string `json:"key_type"`
	Rows       int64  `json:"rows"`
	ID         int64  `json:"id"`
	Size       int64  `json:"size"`
	Dead       int64  `json:"dead"`
	MaxRows    int    `json:"max_rows"`
	MaxRowSize int    `json:"max_row_size"`
}

// Registry owns the tables of a process and the global version shared by
// all of them.
type Registry struct {
	logger    *slog.Logger
	swVersion uint64
	compactor *Compactor
	version   *clock.Version

	mu     sync.RWMutex
	tables []Handle
	closed bool
}

type Option func(*Registry)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithSoftwareVersion sets the version stamped into new file headers.
func WithSoftwareVersion(v uint64) Option {
	return func(r *Registry) {
		r.swVersion = v
	}
}

// WithCompactor makes tables hand themselves to c once enough of their
// file is dead.
func WithCompactor(c *Compactor) Option {
	return func(r *Registry) {
		r.compactor = c
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:  slog.Default(),
		version: clock.NewVersion(0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Version is the global version, bumped once per mutation on any table.
func (r *Registry) Version() uint64 {
	return r.version.Current()
}

func (r *Registry) Tables() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, len(r.tables))
	copy(out, r.tables)
	return out
}

func (r *Registry) Table(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, h := range r.tables {
		if h.Name() == name {
			return h, true
		}
	}
	return nil, false
}

func (r *Registry) register(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return dberrors.ErrClosed
	}
	for _, t := range r.tables {
		if t.Name() == h.Name() {
			return fmt.Errorf("%w: table %q is already open", dberrors.ErrDuplicateKey, h.Name())
		}
	}
	r.tables = append(r.tables, h)
	return nil
}

func (r *Registry) unregister(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, t := range r.tables {
		if t == h {
			r.tables = append(r.tables[:i], r.tables[i+1:]...)
			return
		}
	}
}

// Close closes every table, most recently opened first.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	tables := make([]Handle, len(r.tables))
	copy(tables, r.tables)
	r.mu.Unlock()

	var errs []error
	for i := len(tables) - 1; i >= 0; i-- {
		if err := tables[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", tables[i].Name(), err))
		}
	}

	r.logger.Info("sdb closed", "version", r.Version(), "tables", len(tables))
	return errors.Join(errs...)
}
