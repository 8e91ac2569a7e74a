// Package pagecache persists parsed chapter pages in a single binary file so
// reopening a chapter never re-parses content that was already laid out. The
// file is append-only: a fixed header is followed by serialized page bodies,
// and a lookup table plus anchor map live in a tail that is rewritten in
// place when the cache grows. The tail trails the bodies, rather than sitting
// between header and bodies, precisely so growth never rewrites body bytes.
// Creation can stop at a page quota and extend later, either by resuming a
// suspended parser or by a cold re-parse: suspended parser state is kept in
// memory only and is never written to the file, so after a restart a partial
// cache is grown by re-parsing the chapter from the top up to the new quota.
package pagecache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xtc/blocks"
	"xtc/storage"
)

const (
	cacheMagic   = 0x50435458 // "XTCP"
	cacheVersion = 1

	// headerSize is fixed so the header can be rewritten in place.
	headerSize = 24

	// extensionMargin pages remain ahead of the reader before the cache
	// asks for more content.
	extensionMargin = 3
)

var le = binary.LittleEndian

// ErrKeyMismatch is returned by Load when the cached file was produced under
// different layout settings. The caller deletes and rebuilds.
var ErrKeyMismatch = errors.New("cache key mismatch")

// Key pins the layout settings a cache file was produced under. Any change
// invalidates the file: pages store absolute positions.
type Key struct {
	ViewportW uint16
	ViewportH uint16
	FontID    uint16
	Flags     uint16
}

// Producer is the parsing side of the cache. ParsePages delivers finished
// pages to complete until input ends, complete declines, or abort fires; a
// later call continues a suspended run.
type Producer interface {
	ParsePages(complete func(*blocks.Page) bool, abort func() bool) error
	// HasMoreContent reports whether the last run stopped before the end
	// of the chapter.
	HasMoreContent() bool
	// CanResume reports whether a suspended run can continue in place.
	CanResume() bool
	Anchors() blocks.AnchorMap
}

// Cache manages one chapter's page file.
type Cache struct {
	st   storage.Storage
	path string
	key  Key
	log  *zap.Logger

	// wr serializes producer runs (Create, Extend, Load, Remove). mu
	// guards the in-memory tables and is never held across parsing or
	// file I/O, so OpenPage stays responsive during a long extend.
	wr sync.Mutex

	mu         sync.Mutex
	offsets    []uint32
	anchors    blocks.AnchorMap
	tailOffset uint32

	// Write-path state, touched only while wr is held.
	file     storage.File
	writeErr error

	pageCount atomic.Int32
	isPartial atomic.Bool
}

// New wraps the cache file at path. Call Load to open an existing file or
// Create to build one.
func New(st storage.Storage, path string, key Key, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{st: st, path: path, key: key, log: log.Named("page-cache")}
}

// PageCount returns the number of readable pages. Safe from any goroutine.
func (c *Cache) PageCount() int { return int(c.pageCount.Load()) }

// IsPartial reports whether the chapter has content beyond the cached pages.
func (c *Cache) IsPartial() bool { return c.isPartial.Load() }

// Anchors returns the anchor table collected when the cache was built.
func (c *Cache) Anchors() blocks.AnchorMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.anchors
}

// NeedsExtension reports whether the reader at page index is close enough to
// the end of a partial cache that more pages should be parsed.
func (c *Cache) NeedsExtension(index int) bool {
	return c.isPartial.Load() && index+extensionMargin >= c.PageCount()
}

// Load reads the header and tail of an existing cache file. Returns
// ErrKeyMismatch when the file was built under different layout settings.
func (c *Cache) Load() error {
	c.wr.Lock()
	defer c.wr.Unlock()

	f, err := c.st.Open(c.path)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer f.Close()

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return fmt.Errorf("read cache header: %w", err)
	}
	if le.Uint32(hdr[0:]) != cacheMagic {
		return fmt.Errorf("%s: %w", c.path, blocks.ErrCorrupt)
	}
	if le.Uint16(hdr[4:]) != cacheVersion {
		return ErrKeyMismatch
	}
	got := Key{
		Flags:     le.Uint16(hdr[6:]),
		ViewportW: le.Uint16(hdr[8:]),
		ViewportH: le.Uint16(hdr[10:]),
		FontID:    le.Uint16(hdr[12:]),
	}
	if got != c.key {
		c.log.Info("cache built under different settings",
			zap.Uint16("cachedWidth", got.ViewportW), zap.Uint16("cachedHeight", got.ViewportH))
		return ErrKeyMismatch
	}

	count := int(le.Uint16(hdr[14:]))
	partial := hdr[16] != 0
	tailOffset := le.Uint32(hdr[20:])

	if _, err := f.Seek(int64(tailOffset), io.SeekStart); err != nil {
		return fmt.Errorf("seek cache tail: %w", err)
	}
	offsets := make([]uint32, count)
	if err := binary.Read(f, le, offsets); err != nil {
		return fmt.Errorf("read cache lookup table: %w", err)
	}
	anchors, err := blocks.DeserializeAnchors(f)
	if err != nil {
		return fmt.Errorf("read cache anchors: %w", err)
	}

	c.mu.Lock()
	c.offsets = offsets
	c.anchors = anchors
	c.tailOffset = tailOffset
	c.mu.Unlock()
	c.pageCount.Store(int32(count))
	c.isPartial.Store(partial)
	c.log.Debug("cache loaded", zap.Int("pages", count), zap.Bool("partial", partial))
	return nil
}

// Create builds the cache file from scratch, parsing at most maxPages pages.
// A run that produces no pages removes the file and fails.
func (c *Cache) Create(p Producer, maxPages int, abort func() bool) error {
	c.wr.Lock()
	defer c.wr.Unlock()
	return c.create(p, maxPages, abort)
}

// create is Create with wr already held, so a non-resumable Extend can fall
// back to it without re-locking.
func (c *Cache) create(p Producer, maxPages int, abort func() bool) error {
	c.mu.Lock()
	c.offsets = nil
	c.anchors = nil
	c.mu.Unlock()
	c.pageCount.Store(0)
	c.isPartial.Store(false)
	c.writeErr = nil

	f, err := c.st.Create(c.path)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}
	c.file = f

	// Placeholder header; rewritten with real counts at the end.
	if err := c.writeHeader(); err != nil {
		return c.fail(err)
	}

	return c.runProducer(p, maxPages, abort)
}

// Extend grows a partial cache by up to additional pages. A complete cache
// returns immediately. A parser that cannot resume forces a cold re-parse
// targeting the current count plus additional.
func (c *Cache) Extend(p Producer, additional int, abort func() bool) error {
	if !c.isPartial.Load() {
		return nil
	}

	c.wr.Lock()
	defer c.wr.Unlock()

	target := c.PageCount() + additional

	if !p.CanResume() {
		c.log.Info("parser cannot resume, re-creating cache", zap.Int("target", target))
		return c.create(p, target, abort)
	}

	c.writeErr = nil

	f, err := c.st.OpenRW(c.path)
	if err != nil {
		return fmt.Errorf("open cache for extend: %w", err)
	}
	c.file = f

	c.mu.Lock()
	tail := c.tailOffset
	c.mu.Unlock()

	// New bodies overwrite the old tail; the tail is rewritten past them.
	if _, err := f.Seek(int64(tail), io.SeekStart); err != nil {
		return c.fail(fmt.Errorf("seek cache: %w", err))
	}

	return c.runProducer(p, target, abort)
}

// runProducer drives ParsePages with a callback that appends each page, then
// finalizes the file. Caller holds wr and has positioned c.file at the next
// body offset. mu is taken only to publish each appended offset, so readers
// of earlier pages never wait on the parse.
func (c *Cache) runProducer(p Producer, maxPages int, abort func() bool) error {
	before := c.PageCount()

	complete := func(page *blocks.Page) bool {
		off, err := c.file.Seek(0, io.SeekCurrent)
		if err != nil {
			c.writeErr = err
			return false
		}
		if err := page.Serialize(c.file); err != nil {
			c.writeErr = err
			return false
		}
		c.mu.Lock()
		c.offsets = append(c.offsets, uint32(off))
		c.pageCount.Add(1)
		c.mu.Unlock()
		return c.PageCount() < maxPages
	}

	parseErr := p.ParsePages(complete, abort)
	if c.writeErr != nil {
		parseErr = multierr.Append(parseErr, c.writeErr)
	}

	produced := c.PageCount()
	if parseErr != nil || produced == 0 {
		err := parseErr
		if err == nil {
			err = errors.New("parser produced no pages")
		}
		if before == 0 {
			// A useless file would shadow the rebuild on next open.
			return c.failRemove(err)
		}
		return c.fail(err)
	}

	c.mu.Lock()
	c.anchors = p.Anchors()
	c.mu.Unlock()
	c.isPartial.Store(p.HasMoreContent())

	if err := c.finalize(); err != nil {
		if before == 0 {
			return c.failRemove(err)
		}
		return c.fail(err)
	}

	c.log.Info("cache written", zap.Int("pages", produced),
		zap.Bool("partial", c.isPartial.Load()), zap.String("path", c.path))
	return nil
}

// finalize writes the tail (lookup table, anchors) at the current position
// and rewrites the header. Closes the write handle.
func (c *Cache) finalize() error {
	tail, err := c.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tailOffset = uint32(tail)
	offsets := c.offsets
	anchors := c.anchors
	c.mu.Unlock()

	if err := binary.Write(c.file, le, offsets); err != nil {
		return err
	}
	if err := blocks.SerializeAnchors(c.file, anchors); err != nil {
		return err
	}
	if _, err := c.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := c.writeHeader(); err != nil {
		return err
	}
	err = c.file.Close()
	c.file = nil
	return err
}

func (c *Cache) writeHeader() error {
	hdr := make([]byte, headerSize)
	le.PutUint32(hdr[0:], cacheMagic)
	le.PutUint16(hdr[4:], cacheVersion)
	le.PutUint16(hdr[6:], c.key.Flags)
	le.PutUint16(hdr[8:], c.key.ViewportW)
	le.PutUint16(hdr[10:], c.key.ViewportH)
	le.PutUint16(hdr[12:], c.key.FontID)
	le.PutUint16(hdr[14:], uint16(c.PageCount()))
	if c.isPartial.Load() {
		hdr[16] = 1
	}
	le.PutUint32(hdr[20:], c.tailOffset)
	_, err := c.file.Write(hdr)
	return err
}

// fail closes the write handle and returns err.
func (c *Cache) fail(err error) error {
	if c.file != nil {
		err = multierr.Append(err, c.file.Close())
		c.file = nil
	}
	return err
}

// failRemove additionally deletes the unusable file.
func (c *Cache) failRemove(err error) error {
	err = c.fail(err)
	if rmErr := c.st.Remove(c.path); rmErr != nil {
		err = multierr.Append(err, rmErr)
	}
	c.pageCount.Store(0)
	c.mu.Lock()
	c.offsets = nil
	c.mu.Unlock()
	return err
}

// OpenPage reads one page. Safe to call while another goroutine extends the
// cache: indexes below PageCount always refer to durable bodies.
func (c *Cache) OpenPage(index int) (*blocks.Page, error) {
	if index < 0 || index >= c.PageCount() {
		return nil, fmt.Errorf("page %d out of range (have %d)", index, c.PageCount())
	}

	c.mu.Lock()
	off := c.offsets[index]
	c.mu.Unlock()

	f, err := c.st.Open(c.path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(off), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek page %d: %w", index, err)
	}
	page, err := blocks.DeserializePage(f)
	if err != nil {
		return nil, fmt.Errorf("read page %d: %w", index, err)
	}
	return page, nil
}

// Remove deletes the cache file and resets in-memory state.
func (c *Cache) Remove() error {
	c.wr.Lock()
	defer c.wr.Unlock()
	c.mu.Lock()
	c.offsets = nil
	c.anchors = nil
	c.mu.Unlock()
	c.pageCount.Store(0)
	c.isPartial.Store(false)
	return c.st.Remove(c.path)
}
