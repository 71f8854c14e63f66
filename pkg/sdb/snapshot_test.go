package sdb

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"metasdb/pkg/dberrors"
	"metasdb/pkg/index"
)

type rowState struct {
	id  int64
	val string
}

func snapshotState(t *testing.T, tbl *Table[*item]) map[index.Key]rowState {
	t.Helper()
	out := map[index.Key]rowState{}
	var c index.Cursor[*RowMeta[*item]]
	for {
		it, ok := tbl.Fetch(&c)
		if !ok {
			return out
		}
		meta, ok := tbl.GetMeta(it.key)
		require.True(t, ok)
		out[it.key] = rowState{id: meta.ID, val: it.val}
	}
}

func TestSnapshotPreservesIndex(t *testing.T) {
	dir := t.TempDir()
	reg := newTestRegistry()
	cfg := testConfig(dir, "snap", index.KeyString, 64)
	tbl, _ := openItems(t, reg, cfg)

	fillTable(t, tbl, 10)
	for i := range 5 {
		row, _ := tbl.Get(sk(fmt.Sprintf("k%02d", i)))
		row.val = "updated"
		_, err := tbl.Update(row, nil, true)
		require.NoError(t, err)
	}
	for _, k := range []string{"k01", "k06", "k09"} {
		require.NoError(t, tbl.Delete(sk(k)))
	}

	before := snapshotState(t, tbl)
	size := tbl.Size()
	id := tbl.ID()

	require.NoError(t, tbl.SaveSnapshot())
	require.Less(t, tbl.Size(), size)
	require.Equal(t, id, tbl.ID())
	require.Equal(t, int64(7), tbl.NumOfRows())
	require.Equal(t, before, snapshotState(t, tbl))

	st, err := os.Stat(tbl.Path())
	require.NoError(t, err)
	require.Equal(t, tbl.Size(), st.Size())

	// appends after a snapshot land in the new file
	_, err = tbl.Insert(&item{key: sk("post"), val: "p"})
	require.NoError(t, err)
	before = snapshotState(t, tbl)
	require.NoError(t, tbl.Close())

	tbl, _ = openItems(t, reg, cfg)
	defer tbl.Close()
	require.Equal(t, before, snapshotState(t, tbl))
}

func TestSnapshotOffsetsPointAtRecords(t *testing.T) {
	reg := newTestRegistry()
	tbl, tool := openItems(t, reg, testConfig(t.TempDir(), "off", index.KeyString, 64))
	defer tbl.Close()

	fillTable(t, tbl, 4)
	require.NoError(t, tbl.Delete(sk("k00")))
	require.NoError(t, tbl.SaveSnapshot())

	data, err := os.ReadFile(tbl.Path())
	require.NoError(t, err)
	for _, k := range []string{"k01", "k02", "k03"} {
		meta, ok := tbl.GetMeta(sk(k))
		require.True(t, ok)
		payload, err := tool.Encode(meta.Row, nil)
		require.NoError(t, err)
		start := meta.Offset + 16
		require.Equal(t, payload, data[start:start+int64(meta.Size)])
	}
}

func TestSnapshotOnClosedTable(t *testing.T) {
	reg := newTestRegistry()
	tbl, _ := openItems(t, reg, testConfig(t.TempDir(), "c", index.KeyString, 4))
	require.NoError(t, tbl.Close())
	require.True(t, errors.Is(tbl.SaveSnapshot(), dberrors.ErrClosed))
}
