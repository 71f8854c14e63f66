package sdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/record"
)

func filePath(dir, name string) string {
	return filepath.Join(dir, name+".db")
}

// snapshotPath is the in-progress compaction file next to the table file.
func snapshotPath(dir, name string) string {
	return filepath.Join(dir, "."+name+".db")
}

// resolveSnapshot settles a compaction interrupted by a crash: a leftover
// snapshot is dropped if the table file survived, and adopted otherwise.
func (t *Table[R]) resolveSnapshot() error {
	tmp := snapshotPath(t.cfg.Dir, t.cfg.Name)
	if _, err := os.Stat(tmp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if _, err := os.Stat(t.path); err == nil {
		t.logger.Warn("removing leftover snapshot", "file", tmp)
		return os.Remove(tmp)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	t.logger.Warn("adopting leftover snapshot", "file", tmp)
	return os.Rename(tmp, t.path)
}

// openFile opens or creates the table file, validates its header and
// drops a torn tail. On return t.size ends with an end-of-commit sentinel.
func (t *Table[R]) openFile() error {
	if err := t.resolveSnapshot(); err != nil {
		return fmt.Errorf("resolve snapshot of %s: %w", t.path, err)
	}

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open table file: %w", err)
	}

	size, err := t.prepareFile(f)
	if err != nil {
		if cerr := f.Close(); cerr != nil {
			t.logger.Warn("failed to close table file", "error", cerr)
		}
		return err
	}

	t.file = f
	t.size = size
	return nil
}

func (t *Table[R]) prepareFile(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	if st.Size() == 0 {
		t.header = record.Header{SWVersion: t.reg.swVersion, FileVersion: record.FileVersion}
		buf := record.AppendEndCommit(t.header.Encode())
		if _, err := f.WriteAt(buf, 0); err != nil {
			return 0, fmt.Errorf("failed to write file header: %w", err)
		}
		if err := f.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync file header: %w", err)
		}
		return int64(len(buf)), nil
	}

	buf := make([]byte, record.HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("%s: %w: file is shorter than its header", t.path, dberrors.ErrCorruptHeader)
		}
		return 0, fmt.Errorf("failed to read file header: %w", err)
	}
	h, err := record.DecodeHeader(buf)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", t.path, err)
	}
	if h.SWVersion != t.reg.swVersion {
		t.logger.Warn("file version does not match software version",
			"file_version", h.SWVersion, "software_version", t.reg.swVersion)
	}
	t.header = h

	size, err := record.TrimTail(f, record.HeaderSize)
	if err != nil {
		return 0, fmt.Errorf("failed to trim torn tail: %w", err)
	}
	if size < st.Size() {
		t.logger.Warn("dropped torn tail", "bytes", st.Size()-size)
	}

	return t.ensureSentinel(f, size)
}

// ensureSentinel appends an end-of-commit sentinel if the file does not
// already end with one.
func (t *Table[R]) ensureSentinel(f *os.File, size int64) (int64, error) {
	if size >= record.HeaderSize+record.EndCommitSize {
		var tail [record.EndCommitSize]byte
		if _, err := f.ReadAt(tail[:], size-record.EndCommitSize); err != nil {
			return 0, fmt.Errorf("failed to read file tail: %w", err)
		}
		if binary.LittleEndian.Uint32(tail[:]) == record.EndCommit {
			return size, nil
		}
	}

	if _, err := f.WriteAt(record.AppendEndCommit(nil), size); err != nil {
		return 0, fmt.Errorf("failed to write end commit: %w", err)
	}
	return size + record.EndCommitSize, nil
}

// commit appends frame after the sentinel of the previous commit, which
// stays in place so a torn append is cut back to exactly that point. frame
// must itself end with a sentinel. It returns the offset frame was written at.
func (t *Table[R]) commit(frame []byte) (int64, error) {
	off := t.size
	if _, err := t.file.WriteAt(frame, off); err != nil {
		t.rollback(off)
		return 0, fmt.Errorf("failed to append to %s: %w", t.path, err)
	}
	if t.cfg.SyncWrites {
		if err := t.file.Sync(); err != nil {
			t.rollback(off)
			return 0, fmt.Errorf("failed to sync %s: %w", t.path, err)
		}
	}
	t.size = off + int64(len(frame))
	return off, nil
}

// rollback drops a partially written frame after a failed append.
func (t *Table[R]) rollback(off int64) {
	if err := t.file.Truncate(off); err != nil {
		t.logger.Error("failed to truncate after write error", "offset", off, "error", err)
	}
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
