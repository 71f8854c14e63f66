package index

import (
	"cmp"
	"fmt"

	"github.com/zhangyunhao116/skipmap"

	"metasdb/pkg/dberrors"
)

// Index maps row keys to values. Absent keys are reported through the
// boolean result, never as an error. Duplicate detection is up to the caller.
type Index[V any] interface {
	Put(key Key, v V)
	Delete(key Key)
	Get(key Key) (V, bool)
	// Next advances c and returns the next entry, or false at the end.
	Next(c *Cursor[V]) (V, bool)
	Len() int
	Close()
}

// Cursor walks an index. It captures the entries present at its first Next
// and then yields them in index order; Reset makes it start over.
type Cursor[V any] struct {
	entries []V
	pos     int
	started bool
}

func (c *Cursor[V]) Reset() {
	c.entries = nil
	c.pos = 0
	c.started = false
}

// Open returns the index implementation for kt. maxRows is a sizing hint.
func Open[V any](kt KeyType, maxRows int) (Index[V], error) {
	switch kt {
	case KeyString:
		return newStringIndex[V](maxRows), nil
	case KeyUint32, KeyAuto:
		return newIntIndex[V](maxRows), nil
	default:
		return nil, fmt.Errorf("%w: key type %d", dberrors.ErrInvalidArgument, kt)
	}
}

func newOrderedMap[K cmp.Ordered, V any]() *skipmap.FuncMap[K, V] {
	return skipmap.NewFunc[K, V](func(a, b K) bool {
		return a < b
	})
}

// sorted is the skipmap-backed core shared by the string and integer indexes.
type sorted[K cmp.Ordered, V any] struct {
	m      *skipmap.FuncMap[K, V]
	keyOf  func(Key) K
	sizeup int
}

func (s *sorted[K, V]) Put(key Key, v V) {
	s.m.Store(s.keyOf(key), v)
}

func (s *sorted[K, V]) Delete(key Key) {
	s.m.Delete(s.keyOf(key))
}

func (s *sorted[K, V]) Get(key Key) (V, bool) {
	return s.m.Load(s.keyOf(key))
}

func (s *sorted[K, V]) Next(c *Cursor[V]) (V, bool) {
	if !c.started {
		c.started = true
		c.entries = make([]V, 0, min(s.m.Len(), s.sizeup))
		s.m.Range(func(_ K, v V) bool {
			c.entries = append(c.entries, v)
			return true
		})
	}

	var zero V
	if c.pos >= len(c.entries) {
		return zero, false
	}
	v := c.entries[c.pos]
	c.entries[c.pos] = zero
	c.pos++
	return v, true
}

func (s *sorted[K, V]) Len() int {
	return s.m.Len()
}

func (s *sorted[K, V]) Close() {
	s.m = newOrderedMap[K, V]()
}

type stringIndex[V any] struct {
	sorted[string, V]
}

func newStringIndex[V any](maxRows int) *stringIndex[V] {
	return &stringIndex[V]{sorted[string, V]{
		m:      newOrderedMap[string, V](),
		keyOf:  Key.Str,
		sizeup: maxRows,
	}}
}

// intIndex serves both uint32 and auto-increment keys.
type intIndex[V any] struct {
	sorted[uint64, V]
}

func newIntIndex[V any](maxRows int) *intIndex[V] {
	return &intIndex[V]{sorted[uint64, V]{
		m:      newOrderedMap[uint64, V](),
		keyOf:  Key.Int,
		sizeup: maxRows,
	}}
}
