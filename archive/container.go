// Package archive reads EPUB containers, which are plain zip files.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"strings"
)

// EntryFunc is called for every regular file in the container. The reader is
// only valid for the duration of the call. Returning an error stops the walk.
type EntryFunc func(name string, size int64, r io.Reader) error

// Walk visits every file entry in the container at archivePath. Entries with
// path traversal components ("..") or absolute paths fail the walk to prevent
// Zip Slip extraction.
func Walk(archivePath string, fn EntryFunc) error {

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		name := f.FileHeader.Name
		if !isSafePath(name) {
			return fmt.Errorf("container entry %q: unsafe path (absolute or contains path traversal)", name)
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("container entry %q: %w", name, err)
		}
		err = fn(name, f.FileInfo().Size(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadFile returns the content of a single named entry. Lookup is exact and
// case-sensitive, as EPUB requires.
func ReadFile(archivePath, name string) ([]byte, error) {

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	for _, f := range r.File {
		if f.FileHeader.Name != name {
			continue
		}
		if !isSafePath(name) {
			return nil, fmt.Errorf("container entry %q: unsafe path", name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("container entry %q: not found", name)
}

// isSafePath returns false for paths that could escape the extraction
// directory: absolute paths and those containing ".." components.
func isSafePath(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
