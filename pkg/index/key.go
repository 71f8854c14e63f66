package index

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"

	"metasdb/pkg/dberrors"
)

// KeyType selects the index implementation and the on-disk key encoding of a table.
type KeyType uint8

const (
	KeyString KeyType = iota
	KeyUint32
	KeyAuto

	keyTypeMax
)

var keyTypeNames = [...]string{
	KeyString: "string",
	KeyUint32: "uint32",
	KeyAuto:   "auto",
}

func (kt KeyType) String() string {
	if !kt.Valid() {
		return "keytype(" + strconv.Itoa(int(kt)) + ")"
	}
	return keyTypeNames[kt]
}

// Valid reports whether kt names a known key type.
func (kt KeyType) Valid() bool {
	return kt < keyTypeMax
}

// ParseKeyType maps a config name to its KeyType.
func ParseKeyType(s string) (KeyType, error) {
	for kt, name := range keyTypeNames {
		if name == s {
			return KeyType(kt), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown key type %q", dberrors.ErrInvalidArgument, s)
}

// Key is a row key. String tables use the string half, integer tables the numeric half.
type Key struct {
	str string
	num uint64
}

func StringKey(s string) Key { return Key{str: s} }

func Uint32Key(n uint32) Key { return Key{num: uint64(n)} }

func AutoKey(n uint64) Key { return Key{num: n} }

func (k Key) Str() string { return k.str }

func (k Key) Int() uint64 { return k.num }

// IsZero reports whether the key is unset. Auto tables treat a zero key
// as "assign the next value".
func (k Key) IsZero() bool { return k.str == "" && k.num == 0 }

func (k Key) String() string {
	if k.str != "" {
		return k.str
	}
	return strconv.FormatUint(k.num, 10)
}

// EncodeKey returns the on-disk encoding of k: a NUL-terminated string,
// 4 little-endian bytes, or 8 little-endian bytes.
func (kt KeyType) EncodeKey(k Key) []byte {
	return kt.AppendKey(nil, k)
}

// AppendKey appends the key encoding to dst. Row encoders start every
// payload with it so the engine can find the key of any record.
func (kt KeyType) AppendKey(dst []byte, k Key) []byte {
	return codecs[kt].encode(dst, k)
}

// KeyFromPayload reads the key prefix of a record payload.
func (kt KeyType) KeyFromPayload(payload []byte) (Key, error) {
	return codecs[kt].decode(payload)
}

// KeySize is the encoded length of k.
func (kt KeyType) KeySize(k Key) int {
	return codecs[kt].size(k)
}

type keyCodec interface {
	encode(dst []byte, k Key) []byte
	decode(payload []byte) (Key, error)
	size(k Key) int
}

var codecs = [keyTypeMax]keyCodec{
	KeyString: stringCodec{},
	KeyUint32: uint32Codec{},
	KeyAuto:   autoCodec{},
}

type stringCodec struct{}

func (stringCodec) encode(dst []byte, k Key) []byte {
	dst = append(dst, k.str...)
	return append(dst, 0)
}

func (stringCodec) decode(payload []byte) (Key, error) {
	n := bytes.IndexByte(payload, 0)
	if n <= 0 {
		return Key{}, fmt.Errorf("%w: string key is not terminated", dberrors.ErrMalformedRow)
	}
	return StringKey(string(payload[:n])), nil
}

func (stringCodec) size(k Key) int { return len(k.str) + 1 }

type uint32Codec struct{}

func (uint32Codec) encode(dst []byte, k Key) []byte {
	return binary.LittleEndian.AppendUint32(dst, uint32(k.num))
}

func (uint32Codec) decode(payload []byte) (Key, error) {
	if len(payload) < 4 {
		return Key{}, fmt.Errorf("%w: uint32 key needs 4 bytes, got %d", dberrors.ErrMalformedRow, len(payload))
	}
	return Uint32Key(binary.LittleEndian.Uint32(payload)), nil
}

func (uint32Codec) size(Key) int { return 4 }

type autoCodec struct{}

func (autoCodec) encode(dst []byte, k Key) []byte {
	return binary.LittleEndian.AppendUint64(dst, k.num)
}

func (autoCodec) decode(payload []byte) (Key, error) {
	if len(payload) < 8 {
		return Key{}, fmt.Errorf("%w: auto key needs 8 bytes, got %d", dberrors.ErrMalformedRow, len(payload))
	}
	return AutoKey(binary.LittleEndian.Uint64(payload)), nil
}

func (autoCodec) size(Key) int { return 8 }
