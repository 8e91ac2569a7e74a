package font

import (
	"bytes"
	"encoding/binary"
	"sort"

	"xtc/storage"
)

// glyphSpec describes one glyph for the in-test font builder.
type glyphSpec struct {
	codepoint rune
	width     uint8
	height    uint8
	advanceX  uint8
	left      int16
	top       int16
	bitmap    []byte
}

// buildFont packs glyphs into the binary font format, building contiguous
// codepoint intervals the same way the production font tooling does.
func buildFont(glyphs []glyphSpec, advanceY uint8, ascender, descender int16, twoBit bool) []byte {
	sorted := make([]glyphSpec, len(glyphs))
	copy(sorted, glyphs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].codepoint < sorted[j].codepoint })

	type iv struct{ first, last, offset uint32 }
	var intervals []iv
	if len(sorted) > 0 {
		first := uint32(sorted[0].codepoint)
		last := first
		offset := uint32(0)
		for i := 1; i < len(sorted); i++ {
			cp := uint32(sorted[i].codepoint)
			if cp == last+1 {
				last = cp
			} else {
				intervals = append(intervals, iv{first, last, offset})
				offset = uint32(i)
				first = cp
				last = cp
			}
		}
		intervals = append(intervals, iv{first, last, offset})
	}

	var bitmaps bytes.Buffer
	offsets := make([]uint32, len(sorted))
	for i, g := range sorted {
		offsets[i] = uint32(bitmaps.Len())
		bitmaps.Write(g.bitmap)
	}

	le := binary.LittleEndian
	var buf bytes.Buffer
	w := func(v any) { binary.Write(&buf, le, v) }

	// header
	w(uint32(Magic))
	w(uint16(Version))
	flags := uint16(0)
	if twoBit {
		flags = FlagTwoBit
	}
	w(flags)
	buf.Write(make([]byte, 8))

	// metrics
	w(advanceY)
	w(uint8(0))
	w(ascender)
	w(descender)
	w(uint32(len(intervals)))
	w(uint32(len(sorted)))
	w(uint32(bitmaps.Len()))

	for _, v := range intervals {
		w(v.first)
		w(v.last)
		w(v.offset)
	}
	for i, g := range sorted {
		w(g.width)
		w(g.height)
		w(g.advanceX)
		w(uint8(0))
		w(g.left)
		w(g.top)
		w(uint16(len(g.bitmap)))
		w(offsets[i])
	}
	buf.Write(bitmaps.Bytes())
	return buf.Bytes()
}

// buildAsciiFont is the standard fixture: A-Z advance 10, a-z advance 9,
// space advance 5, '?' fallback advance 8.
func buildAsciiFont(advanceY uint8) []byte {
	var glyphs []glyphSpec
	for cp := 'A'; cp <= 'Z'; cp++ {
		glyphs = append(glyphs, glyphSpec{
			codepoint: cp, width: 8, height: 12, advanceX: 10, left: 1, top: 12,
			bitmap: bytes.Repeat([]byte{byte(cp)}, 12),
		})
	}
	for cp := 'a'; cp <= 'z'; cp++ {
		glyphs = append(glyphs, glyphSpec{
			codepoint: cp, width: 8, height: 10, advanceX: 9, top: 10,
			bitmap: bytes.Repeat([]byte{byte(cp)}, 10),
		})
	}
	glyphs = append(glyphs,
		glyphSpec{codepoint: ' ', advanceX: 5},
		glyphSpec{codepoint: '?', width: 6, height: 12, advanceX: 8, left: 1, top: 12,
			bitmap: bytes.Repeat([]byte{0x3F}, 9)},
	)
	return buildFont(glyphs, advanceY, 14, -4, false)
}

// loadTestFont writes data into in-memory storage and opens it.
func loadTestFont(data []byte, id int) (*Font, storage.Storage, error) {
	st := storage.NewMem()
	f, err := st.Create("fonts/test.bin")
	if err != nil {
		return nil, nil, err
	}
	if _, err := f.Write(data); err != nil {
		return nil, nil, err
	}
	if err := f.Close(); err != nil {
		return nil, nil, err
	}
	ft, err := Load(st, "fonts/test.bin", id, nil)
	return ft, st, err
}
