package sdb

import (
	"bufio"
	"fmt"
	"os"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
	"metasdb/pkg/record"
)

// SaveSnapshot rewrites the table file with only the live rows. Ids, keys
// and rows are unchanged; only the file and the offsets move.
func (t *Table[R]) SaveSnapshot() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return dberrors.ErrClosed
	}
	return t.saveSnapshotLocked()
}

type relocated[R any] struct {
	key  index.Key
	meta *RowMeta[R]
}

func (t *Table[R]) saveSnapshotLocked() error {
	tmp := snapshotPath(t.cfg.Dir, t.cfg.Name)
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	moved, size, err := t.writeSnapshot(f)
	if err == nil {
		err = f.Sync()
	}
	if err == nil {
		err = os.Rename(tmp, t.path)
	}
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			t.logger.Warn("failed to close snapshot file", "error", cerr)
		}
		if rerr := os.Remove(tmp); rerr != nil {
			t.logger.Warn("failed to remove snapshot file", "file", tmp, "error", rerr)
		}
		return fmt.Errorf("snapshot of %s: %w", t.path, err)
	}
	if err := syncDir(t.cfg.Dir); err != nil {
		t.logger.Warn("failed to sync table directory", "error", err)
	}

	if err := t.file.Close(); err != nil {
		t.logger.Warn("failed to close replaced table file", "error", err)
	}
	before := t.size
	t.file = f
	t.size = size
	t.numOfRows = int64(len(moved))
	t.dead = 0
	for _, m := range moved {
		t.idx.Put(m.key, m.meta)
	}

	t.logger.Info("snapshot saved", "rows", t.numOfRows, "size", size, "freed", before-size)
	return nil
}

// writeSnapshot writes the header, a checkpoint of the id and auto-increment
// counters, and every live row, each record followed by its own
// end-of-commit sentinel.
func (t *Table[R]) writeSnapshot(f *os.File) ([]relocated[R], int64, error) {
	w := bufio.NewWriter(f)

	buf := record.AppendEndCommit(t.header.Encode())
	buf = record.AppendCheckpoint(buf, record.Checkpoint{ID: t.id, AutoIndex: t.autoIndex})
	buf = record.AppendEndCommit(buf)
	if _, err := w.Write(buf); err != nil {
		return nil, 0, err
	}
	off := int64(len(buf))

	moved := make([]relocated[R], 0, t.idx.Len())
	var c index.Cursor[*RowMeta[R]]
	for {
		meta, ok := t.idx.Next(&c)
		if !ok {
			break
		}
		key := t.tool.Key(meta.Row)
		payload, err := t.encode(key, meta.Row)
		if err != nil {
			return nil, 0, err
		}

		frame := record.Encode(t.frame[:0], meta.ID, payload)
		frame = record.AppendEndCommit(frame)
		t.frame = frame[:0]
		if _, err := w.Write(frame); err != nil {
			return nil, 0, err
		}

		moved = append(moved, relocated[R]{
			key:  key,
			meta: &RowMeta[R]{ID: meta.ID, Offset: off, Size: len(payload), Row: meta.Row},
		})
		off += int64(len(frame))
	}

	if err := w.Flush(); err != nil {
		return nil, 0, err
	}
	return moved, off, nil
}
