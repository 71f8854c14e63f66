// Package backup archives table files as a zstd compressed tar stream.
package backup

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"metasdb/pkg/dberrors"
)

const fileSuffix = ".db"

// Source is the part of a table a backup needs.
type Source interface {
	Name() string
	CopyTo(w io.Writer) (int64, error)
}

// Write archives every table in sources as {name}.db and returns the number
// of compressed bytes written to w. Each file is copied under its table's
// lock, so every entry is a consistent image of one table.
func Write[S Source](w io.Writer, sources []S) (int64, error) {
	counter := &countingWriter{w: w}
	enc, err := zstd.NewWriter(counter)
	if err != nil {
		return 0, err
	}
	defer enc.Close()

	tw := tar.NewWriter(enc)
	now := time.Now()

	var buf bytes.Buffer
	for _, src := range sources {
		buf.Reset()
		if _, err := src.CopyTo(&buf); err != nil {
			return counter.n, fmt.Errorf("copy %s: %w", src.Name(), err)
		}

		hdr := &tar.Header{
			Name:    src.Name() + fileSuffix,
			Mode:    0o600,
			Size:    int64(buf.Len()),
			ModTime: now,
			Format:  tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return counter.n, err
		}
		if _, err := tw.Write(buf.Bytes()); err != nil {
			return counter.n, err
		}
	}

	if err := tw.Close(); err != nil {
		return counter.n, err
	}
	if err := enc.Close(); err != nil {
		return counter.n, err
	}
	return counter.n, nil
}

// Restore extracts an archive made by Write into dir and returns the table
// names it restored. Existing files are replaced atomically. Tables in dir
// must not be open.
func Restore(r io.Reader, dir string) ([]string, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	var names []string
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return names, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return names, err
		}
		if err := extract(tr, filepath.Join(dir, hdr.Name)); err != nil {
			return names, fmt.Errorf("restore %s: %w", name, err)
		}
		names = append(names, name)
	}
}

// entryName validates an archive entry and returns its table name.
func entryName(entry string) (string, error) {
	if !filepath.IsLocal(entry) || filepath.Base(entry) != entry || !strings.HasSuffix(entry, fileSuffix) {
		return "", fmt.Errorf("%w: archive entry %q", dberrors.ErrInvalidArgument, entry)
	}
	name := strings.TrimSuffix(entry, fileSuffix)
	if name == "" || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("%w: archive entry %q", dberrors.ErrInvalidArgument, entry)
	}
	return name, nil
}

func extract(r io.Reader, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".restore-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
