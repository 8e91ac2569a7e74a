// Package storage abstracts the flash filesystem the renderer reads chapters
// from and writes caches to. Everything I/O-bearing in the module goes
// through the Storage interface so tests can run against an in-memory
// filesystem.
package storage

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/maruel/natural"
	"github.com/spf13/afero"
)

// File is an open handle. Write handles are append-or-seek capable; the page
// cache rewrites its header in place through Seek.
type File interface {
	io.Reader
	io.Writer
	io.Seeker
	io.Closer

	// Size returns the current file length in bytes.
	Size() (int64, error)
}

// Storage is the narrow filesystem surface the rendering core needs.
type Storage interface {
	// Open opens an existing file for reading.
	Open(path string) (File, error)
	// Create truncates or creates a file for writing.
	Create(path string) (File, error)
	// OpenRW opens an existing file for reading and writing.
	OpenRW(path string) (File, error)
	Exists(path string) bool
	MkdirAll(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	// List returns the names (not full paths) of directory entries.
	List(dir string) ([]string, error)
	// ListNatural returns directory entries in natural order, so
	// "chapter2" sorts before "chapter10".
	ListNatural(dir string) ([]string, error)
}

type fsStorage struct {
	fs afero.Fs
}

// NewOS returns storage rooted at dir on the real filesystem. Paths passed to
// the interface are interpreted relative to dir.
func NewOS(dir string) Storage {
	return &fsStorage{fs: afero.NewBasePathFs(afero.NewOsFs(), dir)}
}

// NewMem returns an empty in-memory storage.
func NewMem() Storage {
	return &fsStorage{fs: afero.NewMemMapFs()}
}

type fsFile struct {
	afero.File
}

func (f fsFile) Size() (int64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", f.Name(), err)
	}
	return info.Size(), nil
}

func (s *fsStorage) Open(path string) (File, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, err
	}
	return fsFile{f}, nil
}

func (s *fsStorage) Create(path string) (File, error) {
	f, err := s.fs.Create(path)
	if err != nil {
		return nil, err
	}
	return fsFile{f}, nil
}

func (s *fsStorage) OpenRW(path string) (File, error) {
	f, err := s.fs.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	return fsFile{f}, nil
}

func (s *fsStorage) Exists(path string) bool {
	ok, err := afero.Exists(s.fs, path)
	return err == nil && ok
}

func (s *fsStorage) MkdirAll(path string) error {
	return s.fs.MkdirAll(path, 0o755)
}

func (s *fsStorage) Remove(path string) error {
	return s.fs.Remove(path)
}

func (s *fsStorage) Rename(oldPath, newPath string) error {
	return s.fs.Rename(oldPath, newPath)
}

func (s *fsStorage) List(dir string) ([]string, error) {
	infos, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(infos))
	for _, info := range infos {
		names = append(names, info.Name())
	}
	return names, nil
}

func (s *fsStorage) ListNatural(dir string) ([]string, error) {
	names, err := s.List(dir)
	if err != nil {
		return nil, err
	}
	sort.Sort(natural.StringSlice(names))
	return names, nil
}
