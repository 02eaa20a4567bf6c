package handles

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Source is the media a handle wraps. Handles are keyed by Source identity,
// so implementations must be pointer types: two distinct *FileSource values
// for the same path are two handles.
type Source interface {
	// Path returns a location the transcoder can read.
	Path() (string, error)
	// Close releases the underlying resource.
	Close() error
}

// FileSource is media already on disk.
type FileSource struct {
	path string
}

// NewFileSource wraps an on-disk file.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Path returns the absolute file path, or an error when the file is missing
// or is a directory.
func (s *FileSource) Path() (string, error) {
	abs, err := filepath.Abs(s.path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("source unavailable: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("source is a directory: %s", abs)
	}
	return abs, nil
}

// Close is a no-op; the file belongs to the user.
func (s *FileSource) Close() error {
	return nil
}

func (s *FileSource) String() string {
	return s.path
}

// BlobSource is in-memory media (a recording or a generated clip). It is
// written to a spill file the first time a path is needed.
type BlobSource struct {
	dir  string
	ext  string
	data []byte

	mu      sync.Mutex
	spilled string
	closed  bool
}

// NewBlobSource holds data in memory. ext is the file extension used for the
// spill file (".webm", ".mp4") so the transcoder can detect the container.
func NewBlobSource(dir, ext string, data []byte) *BlobSource {
	return &BlobSource{dir: dir, ext: ext, data: data}
}

// Size returns the blob length in bytes.
func (s *BlobSource) Size() int {
	return len(s.data)
}

// Path spills the blob to disk on first use and returns the spill file.
func (s *BlobSource) Path() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", fmt.Errorf("blob source closed")
	}
	if s.spilled != "" {
		return s.spilled, nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create spill dir: %w", err)
	}
	name := filepath.Join(s.dir, "blob-"+uuid.NewString()+s.ext)
	if err := os.WriteFile(name, s.data, 0o600); err != nil {
		return "", fmt.Errorf("write spill file: %w", err)
	}
	s.spilled = name
	return name, nil
}

// Close removes the spill file and drops the in-memory bytes.
func (s *BlobSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.data = nil
	if s.spilled == "" {
		return nil
	}
	err := os.Remove(s.spilled)
	s.spilled = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spill file: %w", err)
	}
	return nil
}
