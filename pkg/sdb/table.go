// Package sdb is the metadata storage engine: append-only, checksummed
// table files with an in-memory key index, replayed on open and compacted
// into snapshots.
package sdb

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
	"metasdb/pkg/record"
)

type TableConfig struct {
	Name       string
	Dir        string
	MaxRows    int
	MaxRowSize int
	KeyType    index.KeyType
	// SyncWrites fsyncs the file after every commit.
	SyncWrites bool
}

func (c TableConfig) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("%w: empty table name", dberrors.ErrInvalidArgument)
	case c.Dir == "":
		return fmt.Errorf("%w: empty directory for table %q", dberrors.ErrInvalidArgument, c.Name)
	case c.MaxRows <= 0:
		return fmt.Errorf("%w: max rows of %q must be positive", dberrors.ErrInvalidArgument, c.Name)
	case c.MaxRowSize <= 0:
		return fmt.Errorf("%w: max row size of %q must be positive", dberrors.ErrInvalidArgument, c.Name)
	case !c.KeyType.Valid():
		return fmt.Errorf("%w: key type %s of %q", dberrors.ErrInvalidArgument, c.KeyType, c.Name)
	}
	return nil
}

// Table is one file-backed collection of rows of type R. All mutation and
// index access is serialized by the table lock. Update and batch hooks run
// under it; Insert and Delete hooks are called after it is released.
type Table[R comparable] struct {
	reg    *Registry
	cfg    TableConfig
	tool   RowTool[R]
	logger *slog.Logger
	path   string

	mu        sync.Mutex
	closed    bool
	file      *os.File
	header    record.Header
	size      int64
	id        int64
	autoIndex uint64
	numOfRows int64
	// dead counts records superseded or deleted since the last snapshot.
	dead int64
	idx  index.Index[*RowMeta[R]]
	ring *updateList[R]

	scratch []byte
	frame   []byte
}

// Open replays the table file, creating it if needed, and registers the
// table with reg.
func Open[R comparable](reg *Registry, cfg TableConfig, tool RowTool[R]) (*Table[R], error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create table directory: %w", err)
	}

	idx, err := index.Open[*RowMeta[R]](cfg.KeyType, cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	t := &Table[R]{
		reg:    reg,
		cfg:    cfg,
		tool:   tool,
		logger: reg.logger.With("table", cfg.Name),
		path:   filePath(cfg.Dir, cfg.Name),
		idx:    idx,
		ring:   newUpdateList[R](cfg.MaxRows),
	}

	if err := reg.register(t); err != nil {
		return nil, err
	}
	destroyed, err := t.recover()
	if err != nil {
		reg.unregister(t)
		return nil, err
	}
	t.destroy(destroyed)
	return t, nil
}

func (t *Table[R]) recover() ([]R, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.openFile(); err != nil {
		return nil, err
	}

	st, err := t.replay(0, false)
	if err != nil {
		if cerr := t.file.Close(); cerr != nil {
			t.logger.Warn("failed to close table file", "error", cerr)
		}
		return nil, err
	}
	t.dead = 2*int64(st.deletes) + int64(st.superseded)

	t.logger.Info("table opened",
		"rows", t.numOfRows,
		"id", t.id,
		"size", t.size,
		"deletes", st.deletes,
		"skipped_bytes", st.skipped,
	)

	if st.deletes > t.cfg.MaxRows/4 {
		if err := t.saveSnapshotLocked(); err != nil {
			t.logger.Error("failed to compact after recovery", "error", err)
		}
	}
	return st.destroyed, nil
}

func (t *Table[R]) Name() string { return t.cfg.Name }

func (t *Table[R]) Path() string { return t.path }

func (t *Table[R]) KeyType() index.KeyType { return t.cfg.KeyType }

// ID is the sequence number of the last record appended.
func (t *Table[R]) ID() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

func (t *Table[R]) NumOfRows() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numOfRows
}

// Size is the file size including the trailing sentinel.
func (t *Table[R]) Size() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

func (t *Table[R]) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Name:       t.cfg.Name,
		KeyType:    t.cfg.KeyType.String(),
		Rows:       t.numOfRows,
		ID:         t.id,
		Size:       t.size,
		Dead:       t.dead,
		MaxRows:    t.cfg.MaxRows,
		MaxRowSize: t.cfg.MaxRowSize,
	}
}

func (t *Table[R]) Get(key index.Key) (R, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero R
	if t.closed {
		return zero, false
	}
	meta, ok := t.idx.Get(key)
	if !ok {
		return zero, false
	}
	return meta.Row, true
}

func (t *Table[R]) GetMeta(key index.Key) (RowMeta[R], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return RowMeta[R]{}, false
	}
	meta, ok := t.idx.Get(key)
	if !ok {
		return RowMeta[R]{}, false
	}
	return *meta, true
}

// Fetch advances c and returns the next live row. A fresh cursor starts
// a full scan.
func (t *Table[R]) Fetch(c *index.Cursor[*RowMeta[R]]) (R, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var zero R
	if t.closed {
		return zero, false
	}
	meta, ok := t.idx.Next(c)
	if !ok {
		return zero, false
	}
	return meta.Row, true
}

// Insert persists a new row and returns its id. Auto-increment tables
// assign the next key to rows whose key is zero.
func (t *Table[R]) Insert(row R) (int64, error) {
	t.mu.Lock()
	id, doomed, err := t.insertLocked(row)
	t.mu.Unlock()
	if err != nil {
		return -1, err
	}

	t.tool.Insert(row)
	t.destroy(doomed)
	return id, nil
}

// InsertEncoded decodes payload into a new row and inserts it.
func (t *Table[R]) InsertEncoded(payload []byte) (int64, error) {
	row, err := t.tool.Decode(payload)
	if err != nil {
		return -1, fmt.Errorf("%w: %w", dberrors.ErrMalformedRow, err)
	}
	return t.Insert(row)
}

func (t *Table[R]) insertLocked(row R) (int64, []R, error) {
	if t.closed {
		return -1, nil, dberrors.ErrClosed
	}

	key := t.tool.Key(row)
	auto := t.cfg.KeyType == index.KeyAuto && key.IsZero()
	if !auto {
		if _, ok := t.idx.Get(key); ok {
			return -1, nil, fmt.Errorf("%w: %s in %s", dberrors.ErrDuplicateKey, key, t.cfg.Name)
		}
	}

	next := t.autoIndex
	if auto {
		next++
		key = index.AutoKey(next)
		t.tool.SetKey(row, key)
	} else if t.cfg.KeyType == index.KeyAuto {
		next = max(next, key.Int())
	}

	id, off, payload, err := t.appendRow(key, row)
	if err != nil {
		if auto {
			t.tool.SetKey(row, index.Key{})
		}
		return -1, nil, err
	}
	t.autoIndex = next

	t.idx.Put(key, &RowMeta[R]{ID: id, Offset: off, Size: len(payload), Row: row})
	t.numOfRows++
	doomed := t.pushChange(OpInsert, id, payload, row, nil)

	t.logger.Debug("row inserted", "key", key, "id", id, "rows", t.numOfRows)
	return id, doomed, nil
}

// Delete removes the row stored under key. The row is handed to the
// Delete hook; it is destroyed once it leaves the change ring.
func (t *Table[R]) Delete(key index.Key) error {
	t.mu.Lock()
	row, doomed, err := t.deleteLocked(key)
	t.mu.Unlock()
	if err != nil {
		return err
	}

	t.tool.Delete(row)
	t.destroy(doomed)
	return nil
}

func (t *Table[R]) deleteLocked(key index.Key) (R, []R, error) {
	var zero R
	if t.closed {
		return zero, nil, dberrors.ErrClosed
	}
	meta, ok := t.idx.Get(key)
	if !ok {
		return zero, nil, fmt.Errorf("%w: %s in %s", dberrors.ErrNotFound, key, t.cfg.Name)
	}

	payload := t.cfg.KeyType.AppendKey(t.scratch[:0], key)
	t.scratch = payload[:0]

	frame := record.Encode(t.frame[:0], -(t.id + 1), payload)
	frame = record.AppendEndCommit(frame)
	t.frame = frame[:0]
	if _, err := t.commit(frame); err != nil {
		return zero, nil, err
	}
	t.id++

	t.idx.Delete(key)
	t.numOfRows--
	t.dead += 2
	doomed := t.pushChange(OpDelete, t.id, payload, meta.Row, nil)
	t.maybeCompact()

	t.logger.Debug("row deleted", "key", key, "id", t.id, "rows", t.numOfRows)
	return meta.Row, doomed, nil
}

// Update persists a new version of the row stored under row's key. Unless
// applied is set the Update hook first applies delta to the live row, under
// the table lock. A delta passed alongside a row other than the live one is
// stored as the record payload; otherwise the live row is encoded. If the
// write fails the live row is reset from its last committed record.
func (t *Table[R]) Update(row R, delta []byte, applied bool) (int64, error) {
	t.mu.Lock()
	id, doomed, err := t.updateLocked(row, delta, applied)
	t.mu.Unlock()
	if err != nil {
		return -1, err
	}

	t.destroy(doomed)
	return id, nil
}

func (t *Table[R]) updateLocked(row R, delta []byte, applied bool) (int64, []R, error) {
	if t.closed {
		return -1, nil, dberrors.ErrClosed
	}
	key := t.tool.Key(row)
	meta, ok := t.idx.Get(key)
	if !ok {
		return -1, nil, fmt.Errorf("%w: %s in %s", dberrors.ErrNotFound, key, t.cfg.Name)
	}
	if !applied {
		if err := t.tool.Update(meta.Row, delta); err != nil {
			t.restore(meta)
			return -1, nil, fmt.Errorf("update %s: %w", key, err)
		}
	}

	var (
		id      int64
		off     int64
		payload []byte
		err     error
	)
	if delta != nil && row != meta.Row {
		if err = t.checkPayload(key, delta); err == nil {
			payload = delta
			id, off, err = t.appendPayload(payload)
		}
	} else {
		id, off, payload, err = t.appendRow(key, meta.Row)
	}
	if err != nil {
		t.restore(meta)
		return -1, nil, err
	}

	t.idx.Put(key, &RowMeta[R]{ID: id, Offset: off, Size: len(payload), Row: meta.Row})
	t.dead++
	doomed := t.pushChange(OpUpdate, id, payload, meta.Row, nil)
	t.maybeCompact()

	t.logger.Debug("row updated", "key", key, "id", id)
	return id, doomed, nil
}

// restore resets the live row of meta from the record meta points at,
// undoing in-memory changes that never reached the file.
func (t *Table[R]) restore(meta *RowMeta[R]) {
	payload := make([]byte, meta.Size)
	if _, err := t.file.ReadAt(payload, meta.Offset+record.HeadSize); err != nil {
		t.logger.Error("failed to read row for restore", "id", meta.ID, "offset", meta.Offset, "error", err)
		return
	}
	if err := t.tool.Reset(meta.Row, payload); err != nil {
		t.logger.Error("failed to restore row", "id", meta.ID, "error", err)
	}
}

// BatchUpdate applies instruction to the chain of rows starting at key.
// The whole chain is written under one lock acquisition and committed with
// a single write; each row gets its own record and id.
func (t *Table[R]) BatchUpdate(key index.Key, instruction []byte) error {
	t.mu.Lock()
	doomed, err := t.batchUpdateLocked(key, instruction)
	t.mu.Unlock()

	t.destroy(doomed)
	return err
}

type staged[R any] struct {
	key  index.Key
	meta *RowMeta[R]
	// at is the frame offset of the record.
	at int
}

func (t *Table[R]) batchUpdateLocked(key index.Key, instruction []byte) ([]R, error) {
	if t.closed {
		return nil, dberrors.ErrClosed
	}
	meta, ok := t.idx.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s in %s", dberrors.ErrNotFound, key, t.cfg.Name)
	}

	head := meta.Row
	if err := t.tool.BeforeBatchUpdate(head); err != nil {
		return nil, fmt.Errorf("before batch update of %s: %w", key, err)
	}

	var (
		frame    = t.frame[:0]
		rows     []staged[R]
		touched  []*RowMeta[R]
		id       = t.id
		chainErr error
		curKey   = key
		cur      = meta
	)
	for {
		touched = append(touched, cur)
		next, more, err := t.tool.BatchUpdate(cur.Row, instruction)
		if err != nil {
			chainErr = fmt.Errorf("batch update of %s: %w", curKey, err)
			break
		}

		payload, err := t.encode(curKey, cur.Row)
		if err != nil {
			chainErr = err
			break
		}
		id++
		rows = append(rows, staged[R]{
			key:  curKey,
			meta: &RowMeta[R]{ID: id, Size: len(payload), Row: cur.Row},
			at:   len(frame),
		})
		frame = record.Encode(frame, id, payload)

		if !more {
			break
		}
		// every chain element is looked up by its own key
		curKey = t.tool.Key(next)
		if cur, ok = t.idx.Get(curKey); !ok {
			chainErr = fmt.Errorf("%w: chain row %s in %s", dberrors.ErrNotFound, curKey, t.cfg.Name)
			break
		}
	}

	var doomed []R
	if len(rows) > 0 {
		frame = record.AppendEndCommit(frame)
		t.frame = frame[:0]
		off, err := t.commit(frame)
		if err != nil {
			chainErr = err
			rows = nil
		}

		for _, s := range rows {
			s.meta.Offset = off + int64(s.at)
			t.idx.Put(s.key, s.meta)
			payload := frame[s.at+record.HeadSize : s.at+record.HeadSize+s.meta.Size]
			doomed = t.pushChange(OpUpdate, s.meta.ID, payload, s.meta.Row, doomed)
		}
		if len(rows) > 0 {
			t.id = id
			t.dead += int64(len(rows))
			t.maybeCompact()
		}
	}

	// rows past the committed ones were changed but never written
	for _, m := range touched[len(rows):] {
		t.restore(m)
	}

	if err := t.tool.AfterBatchUpdate(head); err != nil && chainErr == nil {
		chainErr = fmt.Errorf("after batch update of %s: %w", key, err)
	}

	t.logger.Debug("batch updated", "key", key, "rows", len(rows), "id", t.id)
	return doomed, chainErr
}

// encode renders row and checks the payload against the table limits.
// The result aliases a scratch buffer valid until the next encode.
func (t *Table[R]) encode(key index.Key, row R) ([]byte, error) {
	payload, err := t.tool.Encode(row, t.scratch[:0])
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	t.scratch = payload[:0]
	if err := t.checkPayload(key, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *Table[R]) checkPayload(key index.Key, payload []byte) error {
	if len(payload) > t.cfg.MaxRowSize {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", dberrors.ErrRowTooLarge, key, len(payload), t.cfg.MaxRowSize)
	}
	got, err := t.cfg.KeyType.KeyFromPayload(payload)
	if err != nil {
		return err
	}
	if got != key {
		return fmt.Errorf("%w: payload key %s does not match row key %s", dberrors.ErrMalformedRow, got, key)
	}
	return nil
}

// appendRow encodes row and commits it under the next id.
func (t *Table[R]) appendRow(key index.Key, row R) (int64, int64, []byte, error) {
	payload, err := t.encode(key, row)
	if err != nil {
		return -1, 0, nil, err
	}
	id, off, err := t.appendPayload(payload)
	return id, off, payload, err
}

func (t *Table[R]) appendPayload(payload []byte) (int64, int64, error) {
	frame := record.Encode(t.frame[:0], t.id+1, payload)
	frame = record.AppendEndCommit(frame)
	t.frame = frame[:0]

	off, err := t.commit(frame)
	if err != nil {
		return -1, 0, err
	}
	t.id++
	return t.id, off, nil
}

// pushChange bumps the global version and records the change in the
// ring. Rows released by the ring are appended to doomed.
func (t *Table[R]) pushChange(op Op, id int64, payload []byte, row R, doomed []R) []R {
	evicted, ok := t.ring.push(update[R]{
		op:      op,
		id:      id,
		version: t.reg.version.Tick(),
		payload: bytes.Clone(payload),
		row:     row,
	})
	if ok {
		doomed = append(doomed, evicted)
	}
	return doomed
}

func (t *Table[R]) maybeCompact() {
	if c := t.reg.compactor; c != nil && t.dead > int64(t.cfg.MaxRows/4) {
		c.Schedule(t)
	}
}

func (t *Table[R]) destroy(rows []R) {
	for _, row := range rows {
		t.tool.Destroy(row)
	}
}

// Changes returns the changes committed after the global version since,
// oldest first.
func (t *Table[R]) Changes(since uint64) ([]Change, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, dberrors.ErrClosed
	}
	entries, err := t.ring.since(since)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.cfg.Name, err)
	}

	out := make([]Change, len(entries))
	for i, e := range entries {
		out[i] = Change{
			Table:   t.cfg.Name,
			Op:      e.op,
			ID:      e.id,
			Version: e.version,
			Payload: bytes.Clone(e.payload),
		}
	}
	return out, nil
}

// CopyTo writes a consistent copy of the table file to w.
func (t *Table[R]) CopyTo(w io.Writer) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, dberrors.ErrClosed
	}
	return io.Copy(w, io.NewSectionReader(t.file, 0, t.size))
}

// Close destroys every row still owned by the table and closes its file.
func (t *Table[R]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true

	var rows []R
	var c index.Cursor[*RowMeta[R]]
	for {
		meta, ok := t.idx.Next(&c)
		if !ok {
			break
		}
		rows = append(rows, meta.Row)
	}
	rows = append(rows, t.ring.deleted()...)
	t.idx.Close()
	t.ring = newUpdateList[R](1)

	err := t.file.Close()
	id := t.id
	t.mu.Unlock()

	t.reg.unregister(t)
	t.destroy(rows)

	if err != nil {
		return fmt.Errorf("failed to close table file: %w", err)
	}
	t.logger.Info("table closed", "id", id)
	return nil
}
