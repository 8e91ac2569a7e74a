// Package book is the provider layer: it locates chapters of an unpacked
// book, owns the cache naming conventions, and drives pagination through the
// page cache.
package book

import (
	"encoding/binary"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
	ini "gopkg.in/ini.v1"

	"xtc/css"
	"xtc/imgconv"
	"xtc/storage"
)

const (
	cacheRoot        = "/.xtc"
	coverDir         = cacheRoot + "/covers"
	imageCacheDir    = cacheRoot + "/imgcache"
	chapterCacheRoot = cacheRoot + "/cache"

	manifestName = "book.ini"
	progressName = "progress.bin"
)

var chapterExtensions = map[string]bool{
	".html": true, ".xhtml": true, ".htm": true,
}

// Book is one unpacked book on storage. Chapters are either listed by the
// book.ini manifest the unpacker writes, or discovered by scanning the book
// directory in natural filename order.
type Book struct {
	st   storage.Storage
	root string
	log  *zap.Logger

	Title    string
	Author   string
	Language string
	CoverSrc string // book-relative path of the source cover image

	chapters    []string // book-relative, reading order
	stylesheets []string // book-relative
}

// Open loads the book rooted at dir.
func Open(st storage.Storage, dir string, log *zap.Logger) (*Book, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Book{st: st, root: path.Clean(dir), log: log.Named("book")}

	if st.Exists(path.Join(b.root, manifestName)) {
		if err := b.readManifest(); err != nil {
			return nil, err
		}
	} else if err := b.scan(); err != nil {
		return nil, err
	}
	if len(b.chapters) == 0 {
		return nil, fmt.Errorf("book %s: no chapters", b.root)
	}
	return b, nil
}

func (b *Book) readManifest() error {
	f, err := b.st.Open(path.Join(b.root, manifestName))
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	file, err := ini.Load(data)
	if err != nil {
		return fmt.Errorf("parse manifest: %w", err)
	}

	meta := file.Section("book")
	b.Title = meta.Key("title").String()
	b.Author = meta.Key("author").String()
	b.Language = meta.Key("language").String()
	b.CoverSrc = meta.Key("cover").String()

	for _, k := range file.Section("spine").Keys() {
		if v := k.String(); v != "" {
			b.chapters = append(b.chapters, v)
		}
	}
	for _, k := range file.Section("styles").Keys() {
		if v := k.String(); v != "" {
			b.stylesheets = append(b.stylesheets, v)
		}
	}
	return nil
}

// scan discovers chapters by extension. Used for plain directories that were
// not produced by the unpacker.
func (b *Book) scan() error {
	names, err := b.st.ListNatural(b.root)
	if err != nil {
		return fmt.Errorf("list book dir: %w", err)
	}
	for _, name := range names {
		ext := strings.ToLower(path.Ext(name))
		switch {
		case chapterExtensions[ext]:
			b.chapters = append(b.chapters, name)
		case ext == ".css":
			b.stylesheets = append(b.stylesheets, name)
		}
	}
	b.Title = path.Base(b.root)
	return nil
}

func (b *Book) Root() string { return b.root }

func (b *Book) ChapterCount() int { return len(b.chapters) }

// Chapters returns book-relative chapter paths in reading order.
func (b *Book) Chapters() []string {
	out := make([]string, len(b.chapters))
	copy(out, b.chapters)
	return out
}

// ChapterPath returns the storage path of chapter index.
func (b *Book) ChapterPath(index int) (string, error) {
	if index < 0 || index >= len(b.chapters) {
		return "", fmt.Errorf("chapter %d out of range (have %d)", index, len(b.chapters))
	}
	return path.Join(b.root, b.chapters[index]), nil
}

// Hash identifies the book by its root path.
func (b *Book) Hash() string { return PathHash(b.root) }

// CacheDir is where this book's chapter caches and progress live.
func (b *Book) CacheDir() string { return chapterCacheRoot + "/" + b.Hash() }

// ChapterCachePath names the paginated cache file for a chapter.
func (b *Book) ChapterCachePath(index int) (string, error) {
	rel, err := b.ChapterPath(index)
	if err != nil {
		return "", err
	}
	return b.CacheDir() + "/" + PathHash(rel) + ".xtc", nil
}

// ImageCacheDir is shared across books; cache names hash the full image path.
func (b *Book) ImageCacheDir() string { return imageCacheDir }

// CoverPath names the raw 1-bit cover thumbnail.
func (b *Book) CoverPath() string { return coverDir + "/" + b.Hash() + ".raw" }

// EnsureCover converts the source cover image to the raw thumbnail if it is
// not cached yet. Books without a cover are not an error.
func (b *Book) EnsureCover() error {
	if b.CoverSrc == "" {
		return nil
	}
	dst := b.CoverPath()
	if b.st.Exists(dst) {
		return nil
	}
	if err := b.st.MkdirAll(coverDir); err != nil {
		return fmt.Errorf("cover dir: %w", err)
	}
	src := path.Join(b.root, b.CoverSrc)
	if err := imgconv.ConvertCover(b.st, src, dst); err != nil {
		return fmt.Errorf("cover %s: %w", src, err)
	}
	b.log.Debug("cover cached", zap.String("path", dst))
	return nil
}

// Styles loads every stylesheet of the book into one resolver. Load failures
// only cost styling, so they are logged and skipped.
func (b *Book) Styles() *css.Parser {
	p := css.NewParser(b.log)
	for _, rel := range b.stylesheets {
		sp := path.Join(b.root, rel)
		if err := p.LoadFile(b.st, sp); err != nil {
			b.log.Warn("stylesheet skipped", zap.String("path", sp), zap.Error(err))
		}
	}
	return p
}

// Progress is the last reading position.
type Progress struct {
	Chapter uint16
	Page    uint16
	Updated time.Time
}

func (b *Book) progressPath() string { return b.CacheDir() + "/" + progressName }

// SaveProgress records the reading position in the book's cache directory.
func (b *Book) SaveProgress(chapter, page uint16) error {
	if err := b.st.MkdirAll(b.CacheDir()); err != nil {
		return fmt.Errorf("cache dir: %w", err)
	}
	f, err := b.st.Create(b.progressPath())
	if err != nil {
		return fmt.Errorf("create progress: %w", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint16(buf[0:], chapter)
	binary.LittleEndian.PutUint16(buf[2:], page)
	binary.LittleEndian.PutUint32(buf[4:], uint32(time.Now().Unix()))
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		return fmt.Errorf("write progress: %w", err)
	}
	return f.Close()
}

// LoadProgress returns the saved position, or ok=false when none exists or
// the record is damaged.
func (b *Book) LoadProgress() (Progress, bool) {
	f, err := b.st.Open(b.progressPath())
	if err != nil {
		return Progress{}, false
	}
	defer f.Close()
	var buf [8]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return Progress{}, false
	}
	return Progress{
		Chapter: binary.LittleEndian.Uint16(buf[0:]),
		Page:    binary.LittleEndian.Uint16(buf[2:]),
		Updated: time.Unix(int64(binary.LittleEndian.Uint32(buf[4:])), 0),
	}, true
}
