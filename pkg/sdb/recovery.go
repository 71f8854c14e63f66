package sdb

import (
	"errors"
	"fmt"
	"io"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
	"metasdb/pkg/record"
)

type replayed[R any] struct {
	op      Op
	id      int64
	payload []byte
	row     R
}

type replayStats[R any] struct {
	records    int
	deletes    int
	superseded int
	anomalies  int
	skipped    int64
	// version is the global version after the replay reserved its ids.
	version uint64
	// destroyed holds rows deleted during the initial replay.
	destroyed []R
	// applied holds every change of a tracked replay, in file order.
	applied []replayed[R]
}

// replay applies the records of the table file whose id is above after.
// With track unset, rows that get deleted are collected for Destroy and
// existing rows are Reset; with track set, existing rows go through the
// Update hook and every applied change is reported back.
func (t *Table[R]) replay(after int64, track bool) (*replayStats[R], error) {
	st := &replayStats[R]{}
	kt := t.cfg.KeyType

	body := io.NewSectionReader(t.file, record.HeaderSize, t.size-record.HeaderSize)
	sc := record.NewScanner(body, record.HeaderSize, t.cfg.MaxRowSize)

	oldID := t.id
	maxID := t.id
	for {
		rec, err := sc.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", t.path, err)
		}
		if rec.IsCheckpoint() {
			cp, err := record.DecodeCheckpoint(rec.Payload)
			if err != nil {
				t.logger.Warn("skipping malformed checkpoint", "offset", rec.Offset, "error", err)
				st.anomalies++
				continue
			}
			maxID = max(maxID, cp.ID)
			t.autoIndex = max(t.autoIndex, cp.AutoIndex)
			continue
		}
		if rec.AbsID() <= after {
			continue
		}
		st.records++
		maxID = max(maxID, rec.AbsID())

		key, err := kt.KeyFromPayload(rec.Payload)
		if err != nil {
			t.logger.Warn("skipping record without key", "id", rec.ID, "offset", rec.Offset, "error", err)
			st.anomalies++
			continue
		}

		meta, ok := t.idx.Get(key)
		switch {
		case !ok && rec.IsDelete():
			t.logger.Warn("skipping delete of unknown key", "key", key, "id", rec.ID, "offset", rec.Offset)
			st.anomalies++

		case !ok:
			row, err := t.tool.Decode(rec.Payload)
			if err != nil {
				t.logger.Warn("skipping undecodable row", "key", key, "id", rec.ID, "error", err)
				st.anomalies++
				continue
			}
			t.idx.Put(key, &RowMeta[R]{ID: rec.ID, Offset: rec.Offset, Size: len(rec.Payload), Row: row})
			t.numOfRows++
			if kt == index.KeyAuto {
				t.autoIndex = max(t.autoIndex, key.Int())
			}
			if track {
				st.applied = append(st.applied, replayed[R]{OpInsert, rec.ID, rec.Payload, row})
			}

		case rec.IsDelete():
			t.idx.Delete(key)
			t.numOfRows--
			st.deletes++
			if track {
				st.applied = append(st.applied, replayed[R]{OpDelete, rec.AbsID(), rec.Payload, meta.Row})
			} else {
				st.destroyed = append(st.destroyed, meta.Row)
			}

		default:
			apply := t.tool.Reset
			if track {
				apply = t.tool.Update
			}
			if err := apply(meta.Row, rec.Payload); err != nil {
				t.logger.Warn("skipping unappliable row", "key", key, "id", rec.ID, "error", err)
				st.anomalies++
				continue
			}
			t.idx.Put(key, &RowMeta[R]{ID: rec.ID, Offset: rec.Offset, Size: len(rec.Payload), Row: meta.Row})
			st.superseded++
			if track {
				st.applied = append(st.applied, replayed[R]{OpUpdate, rec.ID, rec.Payload, meta.Row})
			}
		}
	}

	st.skipped = sc.Skipped()
	if st.skipped > 0 {
		t.logger.Warn("skipped corrupted bytes", "bytes", st.skipped)
	}

	t.id = maxID
	st.version = t.reg.version.Advance(uint64(maxID - oldID))
	return st, nil
}

// Reload re-reads the table file, for instance after it was replaced by
// a peer, and applies only the records newer than the in-memory id.
// Inserted and deleted rows go through the Insert and Delete hooks, and
// changed rows through Update.
func (t *Table[R]) Reload() error {
	t.mu.Lock()
	st, doomed, err := t.reloadLocked()
	t.mu.Unlock()
	if err != nil {
		return err
	}

	for _, c := range st.applied {
		switch c.op {
		case OpInsert:
			t.tool.Insert(c.row)
		case OpDelete:
			t.tool.Delete(c.row)
		}
	}
	t.destroy(doomed)
	return nil
}

func (t *Table[R]) reloadLocked() (*replayStats[R], []R, error) {
	if t.closed {
		return nil, nil, dberrors.ErrClosed
	}

	old := t.file
	if err := t.openFile(); err != nil {
		return nil, nil, err
	}
	if err := old.Close(); err != nil {
		t.logger.Warn("failed to close replaced table file", "error", err)
	}

	oldID := t.id
	st, err := t.replay(oldID, true)
	if err != nil {
		return nil, nil, err
	}
	t.dead += 2*int64(st.deletes) + int64(st.superseded)

	// the replay reserved versions (base, base+newID-oldID]
	base := st.version - uint64(t.id-oldID)
	var doomed []R
	for _, c := range st.applied {
		evicted, ok := t.ring.push(update[R]{
			op:      c.op,
			id:      c.id,
			version: base + uint64(c.id-oldID),
			payload: c.payload,
			row:     c.row,
		})
		if ok {
			doomed = append(doomed, evicted)
		}
	}

	t.logger.Info("table reloaded", "from_id", oldID, "id", t.id, "records", st.records, "rows", t.numOfRows)
	return st, doomed, nil
}
