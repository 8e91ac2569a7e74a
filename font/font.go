// Package font reads the device's packed binary font format and serves glyph
// metrics and bitmaps from it. Fonts are streamed: only the header, the
// codepoint intervals and a bounded bitmap cache live in memory, the rest
// stays on storage.
package font

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"xtc/storage"
)

// Binary format constants.
const (
	Magic   = 0x46445045 // "EPDF" little-endian
	Version = 2

	headerBytes  = 16
	metricsBytes = 18
	glyphBytes   = 14

	// FlagTwoBit selects 2-bit pixels; unset means 4-bit.
	FlagTwoBit = 1 << 0

	bitmapCacheEntries = 128
	glyphCacheEntries  = 256
)

// Metrics is the font-wide vertical geometry block.
type Metrics struct {
	AdvanceY  uint8
	Ascender  int16
	Descender int16
}

// Glyph describes one rendered character cell.
type Glyph struct {
	Codepoint  rune
	Width      uint8
	Height     uint8
	AdvanceX   uint8
	Left       int16
	Top        int16
	DataLength uint16
	DataOffset uint32
}

type interval struct {
	first, last uint32
	offset      uint32 // index of first glyph in the glyph table
}

// Font is an open font file. All methods are safe for concurrent use; reads
// of the underlying file are serialized.
type Font struct {
	log *zap.Logger

	mu sync.Mutex
	f  storage.File

	id        int
	twoBit    bool
	metrics   Metrics
	intervals []interval

	glyphCount uint32
	glyphOff   int64
	bitmapOff  int64
	bitmapLen  uint32

	glyphs  map[rune]*Glyph
	bitmaps *lru.Cache[uint32, []byte]
}

// Load opens and validates a font file. The file handle stays open for the
// lifetime of the font; call Close when done.
func Load(st storage.Storage, path string, id int, log *zap.Logger) (*Font, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := st.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open font: %w", err)
	}

	ft := &Font{
		log:    log.Named("font"),
		f:      f,
		id:     id,
		glyphs: make(map[rune]*Glyph),
	}
	if err := ft.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	ft.bitmaps, _ = lru.New[uint32, []byte](bitmapCacheEntries)
	return ft, nil
}

func (ft *Font) readHeader() error {
	var hdr [headerBytes + metricsBytes]byte
	if _, err := io.ReadFull(ft.f, hdr[:]); err != nil {
		return fmt.Errorf("read font header: %w", err)
	}
	le := binary.LittleEndian
	if le.Uint32(hdr[0:]) != Magic {
		return fmt.Errorf("bad font magic %#08x", le.Uint32(hdr[0:]))
	}
	if v := le.Uint16(hdr[4:]); v != Version {
		return fmt.Errorf("unsupported font version %d", v)
	}
	ft.twoBit = le.Uint16(hdr[6:])&FlagTwoBit != 0

	m := hdr[headerBytes:]
	ft.metrics.AdvanceY = m[0]
	ft.metrics.Ascender = int16(le.Uint16(m[2:]))
	ft.metrics.Descender = int16(le.Uint16(m[4:]))
	intervalCount := le.Uint32(m[6:])
	ft.glyphCount = le.Uint32(m[10:])
	ft.bitmapLen = le.Uint32(m[14:])

	ft.intervals = make([]interval, intervalCount)
	buf := make([]byte, 12)
	for i := range ft.intervals {
		if _, err := io.ReadFull(ft.f, buf); err != nil {
			return fmt.Errorf("read font intervals: %w", err)
		}
		ft.intervals[i] = interval{
			first:  le.Uint32(buf[0:]),
			last:   le.Uint32(buf[4:]),
			offset: le.Uint32(buf[8:]),
		}
	}

	ft.glyphOff = int64(headerBytes + metricsBytes + 12*int(intervalCount))
	ft.bitmapOff = ft.glyphOff + int64(ft.glyphCount)*glyphBytes
	return nil
}

// Close releases the underlying file.
func (ft *Font) Close() error {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.f == nil {
		return nil
	}
	err := ft.f.Close()
	ft.f = nil
	return err
}

// ID returns the identifier the font was registered under.
func (ft *Font) ID() int { return ft.id }

// TwoBit reports the pixel format flag.
func (ft *Font) TwoBit() bool { return ft.twoBit }

// Metrics returns the font-wide geometry.
func (ft *Font) Metrics() Metrics { return ft.metrics }

// LineHeight is the vertical advance between baselines.
func (ft *Font) LineHeight() int { return int(ft.metrics.AdvanceY) }

// Glyph resolves a codepoint. It probes the glyph cache, binary-searches the
// interval table, reads the glyph record and verifies its bitmap bounds
// before caching. Returns false when the font has no glyph for cp.
func (ft *Font) Glyph(cp rune) (*Glyph, bool) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if g, ok := ft.glyphs[cp]; ok {
		return g, g != nil
	}

	g := ft.lookupLocked(cp)
	if len(ft.glyphs) >= glyphCacheEntries {
		ft.glyphs = make(map[rune]*Glyph)
	}
	ft.glyphs[cp] = g
	return g, g != nil
}

func (ft *Font) lookupLocked(cp rune) *Glyph {
	if ft.f == nil {
		return nil
	}
	u := uint32(cp)
	i := sort.Search(len(ft.intervals), func(i int) bool { return ft.intervals[i].last >= u })
	if i >= len(ft.intervals) || ft.intervals[i].first > u {
		return nil
	}
	iv := ft.intervals[i]
	idx := iv.offset + (u - iv.first)
	if idx >= ft.glyphCount {
		// interval points outside the glyph table, treat as corrupt entry
		ft.log.Warn("glyph index out of bounds", zap.Uint32("codepoint", u), zap.Uint32("index", idx))
		return nil
	}

	var rec [glyphBytes]byte
	if _, err := ft.f.Seek(ft.glyphOff+int64(idx)*glyphBytes, io.SeekStart); err != nil {
		return nil
	}
	if _, err := io.ReadFull(ft.f, rec[:]); err != nil {
		return nil
	}
	le := binary.LittleEndian
	g := &Glyph{
		Codepoint:  cp,
		Width:      rec[0],
		Height:     rec[1],
		AdvanceX:   rec[2],
		Left:       int16(le.Uint16(rec[4:])),
		Top:        int16(le.Uint16(rec[6:])),
		DataLength: le.Uint16(rec[8:]),
		DataOffset: le.Uint32(rec[10:]),
	}
	if uint64(g.DataOffset)+uint64(g.DataLength) > uint64(ft.bitmapLen) {
		ft.log.Warn("glyph bitmap out of bounds", zap.Uint32("codepoint", u))
		return nil
	}
	return g
}

// GlyphBitmap returns the packed pixel data for a glyph. The returned slice
// is owned by the cache and stays valid until a later miss evicts it; copy
// before making further font calls if the bytes must be retained.
func (ft *Font) GlyphBitmap(g *Glyph) ([]byte, error) {
	if g == nil {
		return nil, fmt.Errorf("nil glyph")
	}
	if b, ok := ft.bitmaps.Get(g.DataOffset); ok {
		return b, nil
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.f == nil {
		return nil, fmt.Errorf("font is closed")
	}
	if _, err := ft.f.Seek(ft.bitmapOff+int64(g.DataOffset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek glyph bitmap: %w", err)
	}
	b := make([]byte, g.DataLength)
	if _, err := io.ReadFull(ft.f, b); err != nil {
		return nil, fmt.Errorf("read glyph bitmap: %w", err)
	}
	ft.bitmaps.Add(g.DataOffset, b)
	return b, nil
}

// GlyphBitmapCopy returns pixel data the caller may keep.
func (ft *Font) GlyphBitmapCopy(g *Glyph) ([]byte, error) {
	b, err := ft.GlyphBitmap(g)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// BitmapCacheLen reports how many bitmaps are currently cached.
func (ft *Font) BitmapCacheLen() int { return ft.bitmaps.Len() }

// TextWidth measures a string in pixels. Soft hyphens are stripped first;
// codepoints the font lacks fall back to the width of '?'.
func (ft *Font) TextWidth(s string) int {
	if strings.ContainsRune(s, softHyphen) {
		s = strings.ReplaceAll(s, string(softHyphen), "")
	}
	w := 0
	for _, cp := range s {
		g, ok := ft.Glyph(cp)
		if !ok {
			g, ok = ft.Glyph('?')
			if !ok {
				continue
			}
		}
		w += int(g.AdvanceX)
	}
	return w
}

// SpaceWidth is the advance of the space glyph.
func (ft *Font) SpaceWidth() int {
	if g, ok := ft.Glyph(' '); ok {
		return int(g.AdvanceX)
	}
	return int(ft.metrics.AdvanceY) / 4
}

const softHyphen = '­'
