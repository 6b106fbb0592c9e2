package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSystemGetSetRemove(t *testing.T) {
	a := assert.New(t)
	require := require.New(t)

	dir := t.TempDir()
	s := NewFileSystem(dir)

	_, err := s.Get("fp1")
	a.ErrorIs(err, ErrNotFound)

	require.NoError(s.Set("fp1", "https://example.com/files/abc"))
	url, err := s.Get("fp1")
	require.NoError(err)
	a.Equal("https://example.com/files/abc", url)

	require.NoError(s.Set("fp1", "https://example.com/files/def"))
	url, err = s.Get("fp1")
	require.NoError(err)
	a.Equal("https://example.com/files/def", url)

	require.NoError(s.Remove("fp1"))
	_, err = s.Get("fp1")
	a.ErrorIs(err, ErrNotFound)
}

func TestFileSystemRemoveAbsentIsNotError(t *testing.T) {
	a := assert.New(t)
	s := NewFileSystem(t.TempDir())
	a.NoError(s.Remove("never-existed"))
}

func TestFileSystemSetMissingDirectory(t *testing.T) {
	a := assert.New(t)
	s := NewFileSystem("/nonexistent/does/not/exist")
	err := s.Set("fp1", "url")
	a.Error(err)
}
