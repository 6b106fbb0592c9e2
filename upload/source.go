// Package upload provides the file abstraction consumed by the client
// package: a named, sized, ranged-readable source of bytes.
package upload

import (
	"fmt"
	"io"
	"os"
)

// Source is the minimal file abstraction the tus client needs. It is
// intentionally narrow so that callers can adapt arbitrary storage (disk,
// memory, network) without pulling in this package's concrete types.
type Source interface {
	// Name is a stable identifier for the file, usually its base name.
	// It is one of the inputs to the fingerprint.
	Name() string
	// Size returns the total number of bytes the source holds. A value of
	// -1 indicates the size is not known up front ("dynamic").
	Size() int64
	// MIME returns the content type, or "" if unknown.
	MIME() string
	// ReadAt reads exactly len(p) bytes starting at off, unless the read
	// range reaches the end of the source, mirroring io.ReaderAt.
	ReadAt(p []byte, off int64) (int, error)
}

// FileSource adapts an *os.File into a Source.
type FileSource struct {
	file *os.File
	name string
	size int64
	mime string
}

// NewFileSource opens path and stats it to determine its size.
func NewFileSource(path string, mime string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("upload: open source: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("upload: stat source: %w", err)
	}

	return &FileSource{
		file: f,
		name: info.Name(),
		size: info.Size(),
		mime: mime,
	}, nil
}

func (s *FileSource) Name() string { return s.name }
func (s *FileSource) Size() int64  { return s.size }
func (s *FileSource) MIME() string { return s.mime }

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Close releases the underlying file handle.
func (s *FileSource) Close() error {
	return s.file.Close()
}

// MemorySource is an in-memory Source, primarily useful for tests and for
// callers who already hold the full payload in memory.
type MemorySource struct {
	name string
	mime string
	data []byte
}

// NewMemorySource wraps data as a Source named name.
func NewMemorySource(name, mime string, data []byte) *MemorySource {
	return &MemorySource{name: name, mime: mime, data: data}
}

func (s *MemorySource) Name() string { return s.name }
func (s *MemorySource) Size() int64  { return int64(len(s.data)) }
func (s *MemorySource) MIME() string { return s.mime }

func (s *MemorySource) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
