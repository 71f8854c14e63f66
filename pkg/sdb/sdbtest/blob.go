// Package sdbtest provides a minimal row type for tests of packages built on
// top of the table engine.
package sdbtest

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
)

// Blob is a string keyed row with an opaque value.
type Blob struct {
	Key   string
	Value []byte
}

// BlobTool encodes a Blob as its NUL terminated key followed by the value.
type BlobTool struct{}

var _ sdb.RowTool[*Blob] = BlobTool{}

func (BlobTool) Key(b *Blob) index.Key { return index.StringKey(b.Key) }
func (BlobTool) SetKey(b *Blob, key index.Key) { b.Key = key.Str() }
func (BlobTool) Insert(*Blob) {}
func (BlobTool) Delete(*Blob) {}
func (BlobTool) Destroy(*Blob) {}

func (t BlobTool) Update(b *Blob, delta []byte) error {
	if delta == nil {
		return nil
	}
	d, err := t.Decode(delta)
	if err != nil {
		return err
	}
	b.Value = d.Value
	return nil
}

func (BlobTool) Decode(payload []byte) (*Blob, error) {
	i := bytes.IndexByte(payload, 0)
	if i < 0 {
		return nil, fmt.Errorf("%w: blob key is not terminated", dberrors.ErrMalformedRow)
	}
	return &Blob{Key: string(payload[:i]), Value: bytes.Clone(payload[i+1:])}, nil
}

func (BlobTool) Encode(b *Blob, dst []byte) ([]byte, error) {
	dst = index.KeyString.AppendKey(dst, index.StringKey(b.Key))
	return append(dst, b.Value...), nil
}

func (BlobTool) BeforeBatchUpdate(*Blob) error { return nil }
func (BlobTool) AfterBatchUpdate(*Blob) error { return nil }

// BatchUpdate replaces the value of a single row chain.
func (BlobTool) BatchUpdate(b *Blob, instruction []byte) (*Blob, bool, error) {
	b.Value = bytes.Clone(instruction)
	return nil, false, nil
}

func (t BlobTool) Reset(b *Blob, payload []byte) error {
	d, err := t.Decode(payload)
	if err != nil {
		return err
	}
	b.Key, b.Value = d.Key, d.Value
	return nil
}

// NewRegistry returns a registry that logs nowhere.
func NewRegistry(opts ...sdb.Option) *sdb.Registry {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return sdb.NewRegistry(append([]sdb.Option{sdb.WithLogger(logger)}, opts...)...)
}

// OpenBlobs opens a blob table in dir and closes it when the test ends.
func OpenBlobs(tb testing.TB, reg *sdb.Registry, dir, name string, maxRows int) *sdb.Table[*Blob] {
	tb.Helper()
	tbl, err := sdb.Open[*Blob](reg, sdb.TableConfig{
		Name:       name,
		Dir:        dir,
		MaxRows:    maxRows,
		MaxRowSize: 1024,
		KeyType:    index.KeyString,
	}, BlobTool{})
	if err != nil {
		tb.Fatalf("open %s: %v", name, err)
	}
	tb.Cleanup(func() { _ = tbl.Close() })
	return tbl
}
