package sdbtest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"metasdb/pkg/dberrors"
)

func TestBlobReencodesExactly(t *testing.T) {
	for _, b := range []*Blob{
		{Key: "a", Value: []byte("alpha")},
		{Key: "bin", Value: []byte{0, 0xFF, 0, 1}},
		{Key: "empty"},
	} {
		payload, err := BlobTool{}.Encode(b, nil)
		require.NoError(t, err)
		back, err := BlobTool{}.Decode(payload)
		require.NoError(t, err)
		require.Equal(t, b.Key, back.Key)

		again, err := BlobTool{}.Encode(back, []byte("x"))
		require.NoError(t, err)
		require.Equal(t, payload, again[1:])
	}

	_, err := BlobTool{}.Decode([]byte("no terminator"))
	require.True(t, errors.Is(err, dberrors.ErrMalformedRow))
}
