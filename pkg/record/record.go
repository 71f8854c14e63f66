// Package record implements the on-disk framing of table files.
//
// A table file is a Header followed by an end-of-commit sentinel, then a
// sequence of records:
//
//	+---------------+--------------+---------+--- ... ---+--------------+
//	| delimiter (4) | row size (4) | id (8)  | payload   | checksum (4) |
//	+---------------+--------------+---------+--- ... ---+--------------+
//
// A positive id marks an insert or update, a negative id marks the delete
// of the key held in the payload. The checksum covers head and payload.
// Every commit is terminated by an EndCommit sentinel.
package record

import (
	"encoding/binary"
	"fmt"

	"metasdb/pkg/checksum"
	"metasdb/pkg/dberrors"
)

const (
	Delimiter uint32 = 0xFFF00F00
	EndCommit uint32 = 0xAFFFAAAF

	// HeadSize is delimiter + row size + id.
	HeadSize = 4 + 4 + 8
	// HeaderSize is software version + file version + reserved + checksum.
	HeaderSize = 8 + 2 + 6 + checksum.Size
	// EndCommitSize is the length of the sentinel.
	EndCommitSize = 4

	FileVersion int16 = 0
)

// Header is the fixed file header.
type Header struct {
	SWVersion   uint64
	FileVersion int16
}

func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize-checksum.Size)
	binary.LittleEndian.PutUint64(buf[0:8], h.SWVersion)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(h.FileVersion))
	return checksum.Append(buf)
}

func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, got %d", dberrors.ErrCorruptHeader, HeaderSize, len(buf))
	}
	if !checksum.Verify(buf[:HeaderSize]) {
		return Header{}, fmt.Errorf("%w: checksum mismatch", dberrors.ErrCorruptHeader)
	}
	return Header{
		SWVersion:   binary.LittleEndian.Uint64(buf[0:8]),
		FileVersion: int16(binary.LittleEndian.Uint16(buf[8:10])),
	}, nil
}

// Record is one decoded record.
type Record struct {
	ID      int64
	Offset  int64
	Payload []byte
}

// IsDelete reports whether the record is a delete tombstone.
func (r Record) IsDelete() bool { return r.ID < 0 }

// IsCheckpoint reports whether the record carries table counters rather
// than a row.
func (r Record) IsCheckpoint() bool { return r.ID == 0 }

// AbsID is the sequence number of the record regardless of its kind.
func (r Record) AbsID() int64 {
	if r.ID < 0 {
		return -r.ID
	}
	return r.ID
}

// Size is the framed length of the record on disk.
func (r Record) Size() int64 { return int64(EncodedSize(len(r.Payload))) }

// EncodedSize is the framed length of a record carrying n payload bytes.
func EncodedSize(n int) int {
	return HeadSize + n + checksum.Size
}

// Encode appends the framed record to dst.
func Encode(dst []byte, id int64, payload []byte) []byte {
	start := len(dst)
	dst = binary.LittleEndian.AppendUint32(dst, Delimiter)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(int32(len(payload))))
	dst = binary.LittleEndian.AppendUint64(dst, uint64(id))
	dst = append(dst, payload...)
	return binary.LittleEndian.AppendUint32(dst, checksum.Sum(dst[start:]))
}

// AppendEndCommit appends the end-of-commit sentinel to dst.
func AppendEndCommit(dst []byte) []byte {
	return binary.LittleEndian.AppendUint32(dst, EndCommit)
}

// CheckpointSize is the payload length of a checkpoint record.
const CheckpointSize = 8 + 8

// Checkpoint keeps the table counters alive across a snapshot, which drops
// the records that advanced them. It is framed as a record with id 0, an
// id no row or delete ever takes.
type Checkpoint struct {
	ID        int64
	AutoIndex uint64
}

// AppendCheckpoint appends the framed checkpoint record to dst.
func AppendCheckpoint(dst []byte, cp Checkpoint) []byte {
	var p [CheckpointSize]byte
	binary.LittleEndian.PutUint64(p[0:8], uint64(cp.ID))
	binary.LittleEndian.PutUint64(p[8:16], cp.AutoIndex)
	return Encode(dst, 0, p[:])
}

func DecodeCheckpoint(payload []byte) (Checkpoint, error) {
	if len(payload) != CheckpointSize {
		return Checkpoint{}, fmt.Errorf("%w: checkpoint of %d bytes", dberrors.ErrMalformedRow, len(payload))
	}
	return Checkpoint{
		ID:        int64(binary.LittleEndian.Uint64(payload[0:8])),
		AutoIndex: binary.LittleEndian.Uint64(payload[8:16]),
	}, nil
}
