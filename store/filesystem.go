package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// defaultFilePerm matches the permission bits tusd's filestore package uses
// for the files it manages on disk.
var defaultFilePerm = os.FileMode(0664)

// FileSystem is a Store backed by a directory, with one file per
// fingerprint. The file's sole content is the upload URL, stored as UTF-8
// text. Writes are made atomic by writing to a temporary file in the same
// directory and renaming it into place, so a concurrent reader never
// observes a partially written entry.
type FileSystem struct {
	dir string
}

// NewFileSystem returns a store rooted at dir. The directory must already
// exist; FileSystem does not create it.
func NewFileSystem(dir string) *FileSystem {
	return &FileSystem{dir: dir}
}

func (fsStore *FileSystem) path(fingerprint string) string {
	return filepath.Join(fsStore.dir, fingerprint)
}

func (fsStore *FileSystem) Set(fingerprint, url string) error {
	tmp, err := os.CreateTemp(fsStore.dir, fingerprint+".tmp-*")
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("store: directory does not exist: %s", fsStore.dir)
		}
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.WriteString(url); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, defaultFilePerm); err != nil {
		os.Remove(tmpPath)
		return err
	}

	return os.Rename(tmpPath, fsStore.path(fingerprint))
}

func (fsStore *FileSystem) Get(fingerprint string) (string, error) {
	data, err := os.ReadFile(fsStore.path(fingerprint))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotFound
		}
		return "", err
	}
	return string(data), nil
}

func (fsStore *FileSystem) Remove(fingerprint string) error {
	err := os.Remove(fsStore.path(fingerprint))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}
