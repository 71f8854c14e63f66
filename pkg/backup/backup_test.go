package backup

import (
	"archive/tar"
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
	"metasdb/pkg/sdb"
	"metasdb/pkg/sdb/sdbtest"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	reg := sdbtest.NewRegistry()
	src := t.TempDir()
	dbs := sdbtest.OpenBlobs(t, reg, src, "db", 16)
	users := sdbtest.OpenBlobs(t, reg, src, "user", 16)

	for _, k := range []string{"d1", "d2", "d3"} {
		_, err := dbs.Insert(&sdbtest.Blob{Key: k, Value: []byte("v-" + k)})
		require.NoError(t, err)
	}
	require.NoError(t, dbs.Delete(index.StringKey("d2")))
	_, err := users.Insert(&sdbtest.Blob{Key: "root"})
	require.NoError(t, err)

	var archive bytes.Buffer
	n, err := Write(&archive, reg.Tables())
	require.NoError(t, err)
	require.Equal(t, int64(archive.Len()), n)

	dst := filepath.Join(t.TempDir(), "restored")
	names, err := Restore(&archive, dst)
	require.NoError(t, err)
	require.Equal(t, []string{"db", "user"}, names)

	for _, name := range names {
		want, err := os.ReadFile(filepath.Join(src, name+".db"))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, name+".db"))
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	restored := sdbtest.OpenBlobs(t, sdbtest.NewRegistry(), dst, "db", 16)
	require.Equal(t, int64(2), restored.NumOfRows())
	row, ok := restored.Get(index.StringKey("d3"))
	require.True(t, ok)
	require.Equal(t, []byte("v-d3"), row.Value)
	_, ok = restored.Get(index.StringKey("d2"))
	require.False(t, ok)
}

func TestWriteEmpty(t *testing.T) {
	var archive bytes.Buffer
	_, err := Write(&archive, []sdb.Handle(nil))
	require.NoError(t, err)

	names, err := Restore(&archive, t.TempDir())
	require.NoError(t, err)
	require.Empty(t, names)
}

func tarball(t *testing.T, entries map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	for name, body := range entries {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o600, Size: int64(len(body))}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	return &buf
}

func TestRestoreRejectsEscapes(t *testing.T) {
	for _, name := range []string{"../evil.db", "/abs.db", "sub/x.db", "notes.txt", ".db", ".db.db"} {
		dir := t.TempDir()
		_, err := Restore(tarball(t, map[string]string{name: "x"}), dir)
		require.True(t, errors.Is(err, dberrors.ErrInvalidArgument), name)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Empty(t, entries, name)
	}
}

func TestRestoreGarbage(t *testing.T) {
	_, err := Restore(bytes.NewReader([]byte("plain bytes")), t.TempDir())
	require.Error(t, err)
}
