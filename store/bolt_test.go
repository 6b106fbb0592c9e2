package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltDBGetSetRemove(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "uploads.db")
	b, err := OpenBoltDB(path)
	require.NoError(err)
	defer b.Close()

	_, err = b.Get("fp1")
	a.ErrorIs(err, ErrNotFound)

	require.NoError(b.Set("fp1", "https://example.com/files/abc"))
	url, err := b.Get("fp1")
	require.NoError(err)
	a.Equal("https://example.com/files/abc", url)

	require.NoError(b.Remove("fp1"))
	_, err = b.Get("fp1")
	a.ErrorIs(err, ErrNotFound)
}

func TestBoltDBPersistsAcrossReopen(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "uploads.db")

	b1, err := OpenBoltDB(path)
	require.NoError(err)
	require.NoError(b1.Set("fp1", "https://example.com/files/abc"))
	require.NoError(b1.Close())

	b2, err := OpenBoltDB(path)
	require.NoError(err)
	defer b2.Close()

	url, err := b2.Get("fp1")
	require.NoError(err)
	a.Equal("https://example.com/files/abc", url)
}
