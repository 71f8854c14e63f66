package sdb

import "metasdb/pkg/index"

// RowTool bridges the engine to one concrete row type. The engine never
// allocates or frees rows itself except through Decode and Destroy.
//
// Encoded payloads must start with the row key in the table key encoding,
// see index.KeyType.AppendKey.
type RowTool[R any] interface {
	Key(row R) index.Key
	// SetKey stores an assigned auto-increment key into the row.
	SetKey(row R, key index.Key)

	// Insert and Delete are notifications, called after the row is
	// persisted and with no engine lock held.
	Insert(row R)
	Delete(row R)
	// Update applies delta to the live row. It runs under the table lock,
	// like the batch hooks, so it must not call back into the same table.
	// A row whose write then fails is Reset from its committed payload.
	Update(row R, delta []byte) error

	Decode(payload []byte) (R, error)
	// Encode appends the row encoding to dst.
	Encode(row R, dst []byte) ([]byte, error)

	// The batch hooks run under the table lock and must not call back
	// into the same table.
	BeforeBatchUpdate(head R) error
	// BatchUpdate applies instruction to row and returns the next row of
	// the chain, with more set to false on the last one.
	BatchUpdate(row R, instruction []byte) (next R, more bool, err error)
	AfterBatchUpdate(head R) error

	// Reset overwrites row in place from payload. Pointers handed out
	// earlier must stay valid.
	Reset(row R, payload []byte) error
	Destroy(row R)
}

// RowMeta is the index entry of a live row. It is replaced, never
// mutated, whenever the row is written again.
type RowMeta[R any] struct {
	// ID is the sequence number of the most recent record for the key.
	ID     int64
	Offset int64
	Size   int
	Row    R
}
