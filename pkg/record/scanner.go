package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"

	"metasdb/pkg/checksum"
)

// Scanner reads records sequentially. Anything that does not form a valid
// record is stepped over one byte at a time until the next delimiter, so a
// corrupted span never stops the scan.
type Scanner struct {
	r          *bufio.Reader
	offset     int64
	maxRowSize int
	skipped    int64
}

// NewScanner reads records from r; base is the file offset r starts at.
// Checkpoint records are accepted even when maxRowSize is smaller.
func NewScanner(r io.Reader, base int64, maxRowSize int) *Scanner {
	maxRowSize = max(maxRowSize, CheckpointSize)
	size := max(EncodedSize(maxRowSize), 4096)
	return &Scanner{
		r:          bufio.NewReaderSize(r, size),
		offset:     base,
		maxRowSize: maxRowSize,
	}
}

// Offset is the file offset of the next unread byte.
func (s *Scanner) Offset() int64 { return s.offset }

// Skipped counts bytes stepped over that were not end-of-commit sentinels.
func (s *Scanner) Skipped() int64 { return s.skipped }

// Next returns the next valid record, or io.EOF.
func (s *Scanner) Next() (Record, error) {
	for {
		head, err := s.r.Peek(HeadSize)
		if len(head) == 0 {
			if err == nil || errors.Is(err, io.EOF) {
				return Record{}, io.EOF
			}
			return Record{}, err
		}
		if len(head) < HeadSize {
			if err != nil && !errors.Is(err, io.EOF) {
				return Record{}, err
			}
			s.step(head)
			continue
		}

		if binary.LittleEndian.Uint32(head[0:4]) != Delimiter {
			s.step(head)
			continue
		}

		size := int32(binary.LittleEndian.Uint32(head[4:8]))
		if size < 0 || int(size) > s.maxRowSize {
			s.step(head)
			continue
		}

		total := EncodedSize(int(size))
		frame, err := s.r.Peek(total)
		if len(frame) < total {
			if err != nil && !errors.Is(err, io.EOF) {
				return Record{}, err
			}
			s.step(head)
			continue
		}
		if !checksum.Verify(frame) {
			s.step(head)
			continue
		}

		rec := Record{
			ID:      int64(binary.LittleEndian.Uint64(frame[8:16])),
			Offset:  s.offset,
			Payload: bytes.Clone(frame[HeadSize : HeadSize+int(size)]),
		}
		if _, err := s.r.Discard(total); err != nil {
			return Record{}, err
		}
		s.offset += int64(total)
		return rec, nil
	}
}

// step advances past an end-of-commit sentinel, or a single byte otherwise.
func (s *Scanner) step(head []byte) {
	n := 1
	if len(head) >= EndCommitSize && binary.LittleEndian.Uint32(head) == EndCommit {
		n = EndCommitSize
	} else {
		s.skipped++
	}
	// the bytes were peeked, so discarding them cannot fail
	_, _ = s.r.Discard(n)
	s.offset += int64(n)
}

// TrimTail truncates f right after its last end-of-commit sentinel found at
// or beyond minOffset, dropping a torn tail left by a crash mid-append.
// It returns the resulting file size.
func TrimTail(f *os.File, minOffset int64) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}
	size := st.Size()

	end, err := lastEndCommit(f, size, minOffset)
	if err != nil {
		return 0, err
	}
	if end < 0 || end == size {
		return size, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, err
	}
	return end, nil
}

func lastEndCommit(r io.ReaderAt, size, minOffset int64) (int64, error) {
	const chunk = 4096

	var marker [EndCommitSize]byte
	binary.LittleEndian.PutUint32(marker[:], EndCommit)

	hi := size
	for hi-minOffset >= EndCommitSize {
		lo := max(hi-chunk, minOffset)
		buf := make([]byte, hi-lo)
		n, err := r.ReadAt(buf, lo)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return -1, err
		}
		if i := bytes.LastIndex(buf, marker[:]); i >= 0 {
			return lo + int64(i) + EndCommitSize, nil
		}
		if lo == minOffset {
			break
		}
		// overlap so a sentinel split across chunks is still found
		hi = lo + EndCommitSize - 1
	}
	return -1, nil
}
