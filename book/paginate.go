package book

import (
	"fmt"
	"io"
	"path"

	"go.uber.org/zap"
	"golang.org/x/text/language"

	"xtc/arena"
	"xtc/blocks"
	"xtc/config"
	"xtc/hyphen"
	"xtc/layout"
	"xtc/pagecache"
	"xtc/parser"
)

const (
	// Pages parsed ahead of the reader on a cold open. Extension continues
	// in the background as the reader approaches the cached frontier.
	initialPageQuota = 30
	extendStep       = 15
)

// Paginator turns book chapters into cached page files and serves pages
// from them. One Paginator per open book; not safe for concurrent use.
type Paginator struct {
	book  *Book
	fonts layout.Measurer
	key   pagecache.Key
	cfg   parser.Config
	opts  parser.Options

	caches    map[int]*pagecache.Cache
	producers map[int]*chapterProducer
	log       *zap.Logger
}

// NewPaginator wires a book to fonts and settings. The viewport is the full
// panel size; margins from the settings are subtracted here.
func NewPaginator(b *Book, fonts layout.Measurer, s config.Settings, viewportW, viewportH int, ar *arena.Arena, log *zap.Logger) *Paginator {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("paginator")

	m := s.Reader.Margins
	cfg := parser.Config{
		ViewportWidth:   viewportW - 2*m,
		ViewportHeight:  viewportH - 2*m,
		Alignment:       s.Reader.Alignment,
		IndentLevel:     s.Reader.Indent,
		Hyphenation:     s.Reader.Hyphenation,
		LineCompression: s.Reader.Compression(),
		SpacingLevel:    s.Reader.ParagraphSpacing,
		ShowTables:      s.Reader.ShowTables,
		AllowTallImages: s.Reader.TallImages,
	}
	if cfg.Hyphenation {
		tag := language.English
		if b.Language != "" {
			tag = language.Make(b.Language)
		}
		cfg.Hyphenator = hyphen.New(tag, log)
	}

	opts := parser.Options{
		Styles: b.Styles(),
		Arena:  ar,
		Log:    log,
	}
	if s.Reader.ShowImages {
		opts.ImageCacheDir = b.ImageCacheDir()
		opts.ReadItem = func(itemPath string, w io.Writer) error {
			f, err := b.st.Open(itemPath)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(w, f)
			return err
		}
	}

	return &Paginator{
		book:  b,
		fonts: fonts,
		// Keyed on the content viewport so a margin change invalidates
		// caches along with everything else layout-affecting.
		key: pagecache.Key{
			ViewportW: uint16(cfg.ViewportWidth),
			ViewportH: uint16(cfg.ViewportHeight),
			FontID:    uint16(s.Reader.FontID),
			Flags:     s.Reader.FormatFlags(),
		},
		cfg:       cfg,
		opts:      opts,
		caches:    make(map[int]*pagecache.Cache),
		producers: make(map[int]*chapterProducer),
		log:       log,
	}
}

// Key is the cache compatibility key derived from the settings.
func (pg *Paginator) Key() pagecache.Key { return pg.key }

// Chapter returns the page cache for a chapter, paginating the first pages
// when no valid cache exists yet.
func (pg *Paginator) Chapter(index int, abort func() bool) (*pagecache.Cache, error) {
	if c, ok := pg.caches[index]; ok {
		return c, nil
	}
	cachePath, err := pg.book.ChapterCachePath(index)
	if err != nil {
		return nil, err
	}
	if err := pg.book.st.MkdirAll(pg.book.CacheDir()); err != nil {
		return nil, fmt.Errorf("cache dir: %w", err)
	}

	c := pagecache.New(pg.book.st, cachePath, pg.key, pg.log)
	if err := c.Load(); err != nil {
		// Any load failure, including a settings mismatch, forces a rebuild.
		pg.log.Info("paginating chapter",
			zap.Int("chapter", index), zap.NamedError("cause", err))
		if err := c.Create(pg.producer(index), initialPageQuota, abort); err != nil {
			return nil, fmt.Errorf("paginate chapter %d: %w", index, err)
		}
	}
	pg.caches[index] = c
	return c, nil
}

// Page returns one laid-out page, extending a partial cache when the
// requested page nears its frontier.
func (pg *Paginator) Page(chapter, page int, abort func() bool) (*blocks.Page, error) {
	c, err := pg.Chapter(chapter, abort)
	if err != nil {
		return nil, err
	}
	for c.NeedsExtension(page) {
		before := c.PageCount()
		if err := c.Extend(pg.producer(chapter), extendStep, abort); err != nil {
			return nil, fmt.Errorf("extend chapter %d: %w", chapter, err)
		}
		if c.PageCount() == before && c.IsPartial() {
			break
		}
	}
	return c.OpenPage(page)
}

// PaginateAll drives a chapter's cache to completion. Used by the offline
// paginate tool; interactive readers extend lazily through Page.
func (pg *Paginator) PaginateAll(chapter int, abort func() bool) (*pagecache.Cache, error) {
	c, err := pg.Chapter(chapter, abort)
	if err != nil {
		return nil, err
	}
	for c.IsPartial() {
		if abort != nil && abort() {
			break
		}
		before := c.PageCount()
		if err := c.Extend(pg.producer(chapter), extendStep, abort); err != nil {
			return nil, fmt.Errorf("extend chapter %d: %w", chapter, err)
		}
		if c.PageCount() == before && c.IsPartial() {
			break
		}
	}
	return c, nil
}

// Anchors returns the chapter's anchor map once it has been paginated.
func (pg *Paginator) Anchors(chapter int, abort func() bool) (blocks.AnchorMap, error) {
	c, err := pg.Chapter(chapter, abort)
	if err != nil {
		return nil, err
	}
	return c.Anchors(), nil
}

// InvalidateChapter drops the cache file so the next access repaginates.
func (pg *Paginator) InvalidateChapter(index int) error {
	cachePath, err := pg.book.ChapterCachePath(index)
	if err != nil {
		return err
	}
	delete(pg.caches, index)
	delete(pg.producers, index)
	if !pg.book.st.Exists(cachePath) {
		return nil
	}
	return pg.book.st.Remove(cachePath)
}

func (pg *Paginator) producer(index int) *chapterProducer {
	if p, ok := pg.producers[index]; ok {
		return p
	}
	chapterPath, _ := pg.book.ChapterPath(index)

	opts := pg.opts
	opts.ChapterBase = path.Dir(chapterPath) + "/"

	p := newChapterProducer(pg.book.st, chapterPath, pg.fonts, pg.cfg, opts)
	pg.producers[index] = p
	return p
}
