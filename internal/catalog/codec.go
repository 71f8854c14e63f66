package catalog

import (
	"fmt"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/encoding"
	"metasdb/pkg/index"
)

// Row payloads are the table key followed by one encoding.Message. Fields
// missing from a message decode as zero values.

func appendRow(kt index.KeyType, dst []byte, key index.Key, fields ...encoding.Field) ([]byte, error) {
	dst = kt.AppendKey(dst, key)
	return encoding.Append(dst, encoding.Message(fields...))
}

func decodeRow(kt index.KeyType, payload []byte) (index.Key, message, error) {
	key, err := kt.KeyFromPayload(payload)
	if err != nil {
		return index.Key{}, message{}, err
	}
	body := payload[kt.KeySize(key):]
	v, n, err := encoding.Decode(body)
	if err != nil {
		return index.Key{}, message{}, fmt.Errorf("row %s: %w", key, err)
	}
	if v.Type != encoding.TypeMessage {
		return index.Key{}, message{}, fmt.Errorf("%w: row %s holds a %s", dberrors.ErrMalformedRow, key, v.Type)
	}
	if n != len(body) {
		return index.Key{}, message{}, fmt.Errorf("%w: row %s has %d trailing bytes", dberrors.ErrMalformedRow, key, len(body)-n)
	}
	return key, message{v}, nil
}

type message struct {
	encoding.Value
}

func (m message) str(n uint32) string {
	v, _ := m.Field(n)
	return v.String
}

func (m message) i32(n uint32) int32 {
	v, _ := m.Field(n)
	return v.Int32
}

func (m message) i64(n uint32) int64 {
	v, _ := m.Field(n)
	return v.Int64
}

func (m message) u64(n uint32) uint64 {
	v, _ := m.Field(n)
	return v.Uint64
}

func (m message) boolean(n uint32) bool {
	v, _ := m.Field(n)
	return v.Bool
}

func (m message) list(n uint32) []encoding.Value {
	v, _ := m.Field(n)
	return v.List
}

func field(n uint32, v encoding.Value) encoding.Field {
	return encoding.Field{Number: n, Value: v}
}
