package sdb

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"metasdb/pkg/index"
)

// item is the row type used by the engine tests. next links items into
// chains for batch updates.
type item struct {
	key  index.Key
	val  string
	next index.Key
}

type itemTool struct {
	kt index.KeyType

	mu        sync.Mutex
	live      map[index.Key]*item
	inserted  []index.Key
	deleted   []index.Key
	destroyed []index.Key
	resets    int
	before    int
	after     int

	onInsert func(*item)
	onDelete func(*item)
	onUpdate func(*item)
}

func newItemTool(kt index.KeyType) *itemTool {
	return &itemTool{kt: kt, live: make(map[index.Key]*item)}
}

func (tl *itemTool) Key(it *item) index.Key { return it.key }

func (tl *itemTool) SetKey(it *item, key index.Key) { it.key = key }

func (tl *itemTool) Insert(it *item) {
	tl.mu.Lock()
	tl.live[it.key] = it
	tl.inserted = append(tl.inserted, it.key)
	hook := tl.onInsert
	tl.mu.Unlock()

	if hook != nil {
		hook(it)
	}
}

func (tl *itemTool) Delete(it *item) {
	tl.mu.Lock()
	delete(tl.live, it.key)
	tl.deleted = append(tl.deleted, it.key)
	hook := tl.onDelete
	tl.mu.Unlock()

	if hook != nil {
		hook(it)
	}
}

func (tl *itemTool) Update(it *item, delta []byte) error {
	if tl.onUpdate != nil {
		tl.onUpdate(it)
	}
	if delta == nil {
		return nil
	}
	d, err := tl.Decode(delta)
	if err != nil {
		return err
	}
	it.val, it.next = d.val, d.next
	return nil
}

func (tl *itemTool) Decode(payload []byte) (*item, error) {
	key, err := tl.kt.KeyFromPayload(payload)
	if err != nil {
		return nil, err
	}
	rest := payload[tl.kt.KeySize(key):]

	n, w := binary.Uvarint(rest)
	if w <= 0 || uint64(len(rest)-w) < n+1 {
		return nil, errors.New("short item")
	}
	it := &item{key: key, val: string(rest[w : w+int(n)])}
	rest = rest[w+int(n):]
	if rest[0] == 1 {
		if it.next, err = tl.kt.KeyFromPayload(rest[1:]); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (tl *itemTool) Encode(it *item, dst []byte) ([]byte, error) {
	dst = tl.kt.AppendKey(dst, it.key)
	dst = binary.AppendUvarint(dst, uint64(len(it.val)))
	dst = append(dst, it.val...)
	if it.next.IsZero() {
		return append(dst, 0), nil
	}
	dst = append(dst, 1)
	return tl.kt.AppendKey(dst, it.next), nil
}

func (tl *itemTool) BeforeBatchUpdate(*item) error {
	tl.before++
	return nil
}

func (tl *itemTool) BatchUpdate(it *item, instruction []byte) (*item, bool, error) {
	it.val = string(instruction)
	if it.next.IsZero() {
		return nil, false, nil
	}

	tl.mu.Lock()
	defer tl.mu.Unlock()
	if next, ok := tl.live[it.next]; ok {
		return next, true, nil
	}
	return &item{key: it.next}, true, nil
}

func (tl *itemTool) AfterBatchUpdate(*item) error {
	tl.after++
	return nil
}

func (tl *itemTool) Reset(it *item, payload []byte) error {
	d, err := tl.Decode(payload)
	if err != nil {
		return err
	}
	it.val, it.next = d.val, d.next
	tl.resets++
	return nil
}

func (tl *itemTool) Destroy(it *item) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.destroyed = append(tl.destroyed, it.key)
}

// adopt rebuilds the live map after a reopen, the way a management layer
// relinks its objects.
func (tl *itemTool) adopt(tbl *Table[*item]) {
	var c index.Cursor[*RowMeta[*item]]
	for {
		it, ok := tbl.Fetch(&c)
		if !ok {
			return
		}
		tl.mu.Lock()
		tl.live[it.key] = it
		tl.mu.Unlock()
	}
}

func (tl *itemTool) destroyedKeys() []index.Key {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]index.Key(nil), tl.destroyed...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(opts ...Option) *Registry {
	return NewRegistry(append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func testConfig(dir, name string, kt index.KeyType, maxRows int) TableConfig {
	return TableConfig{
		Name:       name,
		Dir:        dir,
		MaxRows:    maxRows,
		MaxRowSize: 256,
		KeyType:    kt,
	}
}

func openItems(t *testing.T, reg *Registry, cfg TableConfig) (*Table[*item], *itemTool) {
	t.Helper()
	tool := newItemTool(cfg.KeyType)
	tbl, err := Open[*item](reg, cfg, tool)
	require.NoError(t, err)
	tool.adopt(tbl)
	return tbl, tool
}

func sk(s string) index.Key { return index.StringKey(s) }
