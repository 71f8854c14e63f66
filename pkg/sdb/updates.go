package sdb

import (
	"fmt"

	"metasdb/pkg/dberrors"
)

type Op uint8

const (
	OpInsert Op = iota + 1
	OpDelete
	OpUpdate
)

func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpUpdate:
		return "update"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// ParseOp is the inverse of Op.String.
func ParseOp(s string) (Op, error) {
	for _, op := range []Op{OpInsert, OpDelete, OpUpdate} {
		if op.String() == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown op %q", dberrors.ErrInvalidArgument, s)
}

// Change is one committed operation as seen by a replication feed.
// Payload is the record payload: the encoded row, or the key for deletes.
type Change struct {
	Table   string
	Op      Op
	ID      int64
	Version uint64
	Payload []byte
}

type update[R any] struct {
	op      Op
	id      int64
	version uint64
	payload []byte
	row     R
}

// updateList is the fixed-size ring of recent changes of one table.
type updateList[R any] struct {
	entries []update[R]
	pos     int
	count   int
	// lost is the highest version overwritten so far.
	lost uint64
}

func newUpdateList[R any](capacity int) *updateList[R] {
	return &updateList[R]{entries: make([]update[R], max(capacity, 1))}
}

// push stores u, returning the row of an overwritten delete entry. That
// row has left the index and only the ring still references it.
func (l *updateList[R]) push(u update[R]) (R, bool) {
	var doomed R
	old := l.entries[l.pos]
	freed := false
	if l.count == len(l.entries) {
		l.lost = old.version
		if old.op == OpDelete {
			doomed, freed = old.row, true
		}
	} else {
		l.count++
	}

	l.entries[l.pos] = u
	l.pos = (l.pos + 1) % len(l.entries)
	return doomed, freed
}

// since returns the entries committed after version, oldest first.
func (l *updateList[R]) since(version uint64) ([]update[R], error) {
	if l.lost > version {
		return nil, fmt.Errorf("%w: changes after %d were overwritten up to %d", dberrors.ErrFeedTruncated, version, l.lost)
	}

	out := make([]update[R], 0, l.count)
	start := (l.pos - l.count + len(l.entries)) % len(l.entries)
	for i := range l.count {
		u := l.entries[(start+i)%len(l.entries)]
		if u.version > version {
			out = append(out, u)
		}
	}
	return out, nil
}

// deleted returns the rows of all delete entries still held.
func (l *updateList[R]) deleted() []R {
	var rows []R
	for i := range l.count {
		if u := l.entries[i]; u.op == OpDelete {
			rows = append(rows, u.row)
		}
	}
	return rows
}
