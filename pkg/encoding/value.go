// Package encoding is the tagged field codec used for catalog row payloads.
//
// Every value is a type byte followed by its body. Integers are fixed width
// little-endian, strings and byte slices are uvarint length prefixed, and a
// message is a uvarint field count followed by (uvarint number, value) pairs.
package encoding

import (
	"encoding/binary"
	"fmt"

	"metasdb/pkg/dberrors"
)

type TypeID uint8

const (
	TypeInt32 TypeID = iota + 1
	TypeInt64
	TypeUint64
	TypeBool
	TypeString
	TypeBytes
	TypeMessage
	TypeList
)

func (t TypeID) String() string {
	switch t {
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeUint64:
		return "uint64"
	case TypeBool:
		return "bool"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	case TypeMessage:
		return "message"
	case TypeList:
		return "list"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Value holds one value of any supported type; only the field matching Type is meaningful.
type Value struct {
	Type    TypeID
	Int32   int32
	Int64   int64
	Uint64  uint64
	Bool    bool
	String  string
	Bytes   []byte
	Message []Field
	List    []Value
}

type Field struct {
	Number uint32
	Value  Value
}

type EncodeError struct {
	Message string
}

func (e *EncodeError) Error() string {
	return "encode: " + e.Message
}

type DecodeError struct {
	Message string
	Offset  int
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode at %d: %s", e.Offset, e.Message)
}

func (e *DecodeError) Unwrap() error { return dberrors.ErrMalformedRow }

func Int32(v int32) Value { return Value{Type: TypeInt32, Int32: v} }
func Int64(v int64) Value { return Value{Type: TypeInt64, Int64: v} }
func Uint64(v uint64) Value { return Value{Type: TypeUint64, Uint64: v} }
func Bool(v bool) Value { return Value{Type: TypeBool, Bool: v} }
func String(v string) Value { return Value{Type: TypeString, String: v} }
func Bytes(v []byte) Value { return Value{Type: TypeBytes, Bytes: v} }
func List(v ...Value) Value { return Value{Type: TypeList, List: v} }
func Message(f ...Field) Value { return Value{Type: TypeMessage, Message: f} }

// Field returns the first field with the given number of a message value.
func (v Value) Field(number uint32) (Value, bool) {
	for _, f := range v.Message {
		if f.Number == number {
			return f.Value, true
		}
	}
	return Value{}, false
}

func Encode(value Value) ([]byte, error) {
	return Append(nil, value)
}

// Append encodes value onto dst.
func Append(dst []byte, value Value) ([]byte, error) {
	dst = append(dst, byte(value.Type))

	switch value.Type {
	case TypeInt32:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(value.Int32))
	case TypeInt64:
		dst = binary.LittleEndian.AppendUint64(dst, uint64(value.Int64))
	case TypeUint64:
		dst = binary.LittleEndian.AppendUint64(dst, value.Uint64)
	case TypeBool:
		if value.Bool {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case TypeString:
		dst = binary.AppendUvarint(dst, uint64(len(value.String)))
		dst = append(dst, value.String...)
	case TypeBytes:
		dst = binary.AppendUvarint(dst, uint64(len(value.Bytes)))
		dst = append(dst, value.Bytes...)
	case TypeMessage:
		dst = binary.AppendUvarint(dst, uint64(len(value.Message)))
		for _, field := range value.Message {
			var err error
			dst = binary.AppendUvarint(dst, uint64(field.Number))
			if dst, err = Append(dst, field.Value); err != nil {
				return nil, fmt.Errorf("field %d: %w", field.Number, err)
			}
		}
	case TypeList:
		dst = binary.AppendUvarint(dst, uint64(len(value.List)))
		for i, item := range value.List {
			var err error
			if dst, err = Append(dst, item); err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
		}
	default:
		return nil, &EncodeError{Message: "unknown " + value.Type.String()}
	}

	return dst, nil
}

// Decode reads one value from data and reports how many bytes it used.
func Decode(data []byte) (Value, int, error) {
	d := decoder{data: data}
	v, err := d.value()
	if err != nil {
		return Value{}, 0, err
	}
	return v, d.off, nil
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) fail(format string, args ...any) error {
	return &DecodeError{Message: fmt.Sprintf(format, args...), Offset: d.off}
}

func (d *decoder) take(n int, what string) ([]byte, error) {
	if n < 0 || len(d.data)-d.off < n {
		return nil, d.fail("insufficient data for %s", what)
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(d.data[d.off:])
	if n <= 0 {
		return 0, d.fail("bad %s", what)
	}
	d.off += n
	return v, nil
}

// count reads a length prefix that can not exceed what is left in the buffer.
func (d *decoder) count(what string) (int, error) {
	n, err := d.uvarint(what)
	if err != nil {
		return 0, err
	}
	if n > uint64(len(d.data)-d.off) {
		return 0, d.fail("%s %d exceeds remaining data", what, n)
	}
	return int(n), nil
}

func (d *decoder) value() (Value, error) {
	tb, err := d.take(1, "type")
	if err != nil {
		return Value{}, err
	}
	t := TypeID(tb[0])

	switch t {
	case TypeInt32:
		b, err := d.take(4, "int32")
		if err != nil {
			return Value{}, err
		}
		return Int32(int32(binary.LittleEndian.Uint32(b))), nil
	case TypeInt64:
		b, err := d.take(8, "int64")
		if err != nil {
			return Value{}, err
		}
		return Int64(int64(binary.LittleEndian.Uint64(b))), nil
	case TypeUint64:
		b, err := d.take(8, "uint64")
		if err != nil {
			return Value{}, err
		}
		return Uint64(binary.LittleEndian.Uint64(b)), nil
	case TypeBool:
		b, err := d.take(1, "bool")
		if err != nil {
			return Value{}, err
		}
		return Bool(b[0] != 0), nil
	case TypeString, TypeBytes:
		n, err := d.count("length")
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n, t.String())
		if err != nil {
			return Value{}, err
		}
		if t == TypeString {
			return String(string(b)), nil
		}
		return Bytes(append([]byte(nil), b...)), nil
	case TypeMessage:
		n, err := d.count("field count")
		if err != nil {
			return Value{}, err
		}
		fields := make([]Field, 0, n)
		for range n {
			num, err := d.uvarint("field number")
			if err != nil {
				return Value{}, err
			}
			v, err := d.value()
			if err != nil {
				return Value{}, err
			}
			fields = append(fields, Field{Number: uint32(num), Value: v})
		}
		return Message(fields...), nil
	case TypeList:
		n, err := d.count("list length")
		if err != nil {
			return Value{}, err
		}
		items := make([]Value, 0, n)
		for range n {
			v, err := d.value()
			if err != nil {
				return Value{}, err
			}
			items = append(items, v)
		}
		return List(items...), nil
	default:
		d.off--
		return Value{}, d.fail("unknown %s", t)
	}
}
