package index

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"metasdb/pkg/dberrors"
)

func TestOpenSelectsImplementation(t *testing.T) {
	s, err := Open[int](KeyString, 8)
	require.NoError(t, err)
	require.IsType(t, &stringIndex[int]{}, s)

	for _, kt := range []KeyType{KeyUint32, KeyAuto} {
		i, err := Open[int](kt, 8)
		require.NoError(t, err)
		require.IsType(t, &intIndex[int]{}, i)
	}

	_, err = Open[int](KeyType(9), 8)
	require.True(t, errors.Is(err, dberrors.ErrInvalidArgument))
}

func TestStringIndexCRUD(t *testing.T) {
	idx, err := Open[string](KeyString, 4)
	require.NoError(t, err)

	_, ok := idx.Get(StringKey("db1"))
	require.False(t, ok)

	idx.Put(StringKey("db1"), "one")
	idx.Put(StringKey("db2"), "two")
	require.Equal(t, 2, idx.Len())

	v, ok := idx.Get(StringKey("db1"))
	require.True(t, ok)
	require.Equal(t, "one", v)

	idx.Put(StringKey("db1"), "uno")
	v, _ = idx.Get(StringKey("db1"))
	require.Equal(t, "uno", v)
	require.Equal(t, 2, idx.Len())

	idx.Delete(StringKey("db1"))
	_, ok = idx.Get(StringKey("db1"))
	require.False(t, ok)
	require.Equal(t, 1, idx.Len())

	// deleting an absent key is a no-op
	idx.Delete(StringKey("missing"))
	require.Equal(t, 1, idx.Len())
}

func TestIntIndexIterate(t *testing.T) {
	idx, err := Open[uint64](KeyAuto, 16)
	require.NoError(t, err)
	for _, n := range []uint64{5, 1, 9, 3} {
		idx.Put(AutoKey(n), n*10)
	}

	var c Cursor[uint64]
	var got []uint64
	for {
		v, ok := idx.Next(&c)
		if !ok {
			break
		}
		got = append(got, v)
	}
	require.Equal(t, []uint64{10, 30, 50, 90}, got)

	_, ok := idx.Next(&c)
	require.False(t, ok)

	c.Reset()
	v, ok := idx.Next(&c)
	require.True(t, ok)
	require.Equal(t, uint64(10), v)
}

func TestCursorIgnoresLaterInserts(t *testing.T) {
	idx, err := Open[int](KeyUint32, 4)
	require.NoError(t, err)
	idx.Put(Uint32Key(1), 1)

	var c Cursor[int]
	v, ok := idx.Next(&c)
	require.True(t, ok)
	require.Equal(t, 1, v)

	idx.Put(Uint32Key(2), 2)
	_, ok = idx.Next(&c)
	require.False(t, ok)
}

func TestCloseReleasesEntries(t *testing.T) {
	idx, err := Open[int](KeyString, 4)
	require.NoError(t, err)
	idx.Put(StringKey("a"), 1)
	idx.Close()
	require.Equal(t, 0, idx.Len())
}

func TestKeyCodecs(t *testing.T) {
	tests := []struct {
		kt   KeyType
		key  Key
		want []byte
	}{
		{KeyString, StringKey("db"), []byte{'d', 'b', 0}},
		{KeyUint32, Uint32Key(0x01020304), []byte{4, 3, 2, 1}},
		{KeyAuto, AutoKey(7), []byte{7, 0, 0, 0, 0, 0, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.kt.String(), func(t *testing.T) {
			enc := tt.kt.EncodeKey(tt.key)
			require.Equal(t, tt.want, enc)
			require.Equal(t, len(enc), tt.kt.KeySize(tt.key))

			// keys are recovered from the head of a longer payload
			payload := append(enc, 0xEE, 0xFF)
			got, err := tt.kt.KeyFromPayload(payload)
			require.NoError(t, err)
			require.Equal(t, tt.key, got)
		})
	}
}

func TestKeyFromPayloadMalformed(t *testing.T) {
	_, err := KeyString.KeyFromPayload([]byte("no-terminator"))
	require.True(t, errors.Is(err, dberrors.ErrMalformedRow))

	_, err = KeyString.KeyFromPayload([]byte{0, 'x'})
	require.True(t, errors.Is(err, dberrors.ErrMalformedRow))

	_, err = KeyUint32.KeyFromPayload([]byte{1, 2})
	require.True(t, errors.Is(err, dberrors.ErrMalformedRow))

	_, err = KeyAuto.KeyFromPayload([]byte{1, 2, 3, 4})
	require.True(t, errors.Is(err, dberrors.ErrMalformedRow))
}

func TestParseKeyType(t *testing.T) {
	for _, kt := range []KeyType{KeyString, KeyUint32, KeyAuto} {
		got, err := ParseKeyType(kt.String())
		require.NoError(t, err)
		require.Equal(t, kt, got)
	}
	_, err := ParseKeyType("float")
	require.Error(t, err)
	require.Equal(t, "keytype(7)", KeyType(7).String())
}

func TestKeyZero(t *testing.T) {
	require.True(t, Key{}.IsZero())
	require.True(t, AutoKey(0).IsZero())
	require.False(t, AutoKey(1).IsZero())
	require.False(t, StringKey("x").IsZero())
	require.Equal(t, "42", Uint32Key(42).String())
	require.Equal(t, "db", StringKey("db").String())
}
