package blocks

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire format constants. All multi-byte integers are little-endian.
const (
	tagText  = 0
	tagImage = 1

	// MaxWordsPerBlock bounds deserialization; anything larger is treated
	// as file corruption rather than a legitimate page.
	MaxWordsPerBlock = 10000

	// MaxStringBytes bounds variable-length strings on the wire.
	MaxStringBytes = 65535
)

// ErrCorrupt is returned when a serialized structure fails validation.
// Callers discard the cache file and rebuild from source.
var ErrCorrupt = errors.New("corrupt serialized data")

var le = binary.LittleEndian

// WriteString writes a u32 length prefix followed by the raw bytes.
func WriteString(w io.Writer, s string) error {
	if len(s) > MaxStringBytes {
		return fmt.Errorf("string of %d bytes exceeds limit: %w", len(s), ErrCorrupt)
	}
	if err := binary.Write(w, le, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed string, rejecting oversized lengths.
func ReadString(r io.Reader) (string, error) {
	var n uint32
	if err := binary.Read(r, le, &n); err != nil {
		return "", err
	}
	if n > MaxStringBytes {
		return "", fmt.Errorf("string length %d: %w", n, ErrCorrupt)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Serialize writes the text block payload: word count, four parallel arrays
// (texts, x positions, styles, decorations), then the alignment.
func (b *TextBlock) Serialize(w io.Writer) error {
	if len(b.Words) > MaxWordsPerBlock {
		return fmt.Errorf("block of %d words: %w", len(b.Words), ErrCorrupt)
	}
	if err := binary.Write(w, le, uint16(len(b.Words))); err != nil {
		return err
	}
	for i := range b.Words {
		if err := WriteString(w, b.Words[i].Text); err != nil {
			return err
		}
	}
	for i := range b.Words {
		if err := binary.Write(w, le, b.Words[i].XPos); err != nil {
			return err
		}
	}
	for i := range b.Words {
		if err := binary.Write(w, le, uint8(b.Words[i].Style)); err != nil {
			return err
		}
	}
	for i := range b.Words {
		if err := binary.Write(w, le, uint8(b.Words[i].Deco)); err != nil {
			return err
		}
	}
	return binary.Write(w, le, uint8(b.Align))
}

// DeserializeTextBlock reads a text block payload written by Serialize.
func DeserializeTextBlock(r io.Reader) (*TextBlock, error) {
	var wc uint16
	if err := binary.Read(r, le, &wc); err != nil {
		return nil, err
	}
	if wc > MaxWordsPerBlock {
		return nil, fmt.Errorf("word count %d: %w", wc, ErrCorrupt)
	}

	words := make([]Word, wc)
	for i := range words {
		text, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		words[i].Text = text
	}
	for i := range words {
		if err := binary.Read(r, le, &words[i].XPos); err != nil {
			return nil, err
		}
	}
	for i := range words {
		var s uint8
		if err := binary.Read(r, le, &s); err != nil {
			return nil, err
		}
		words[i].Style = Style(s)
	}
	for i := range words {
		var d uint8
		if err := binary.Read(r, le, &d); err != nil {
			return nil, err
		}
		words[i].Deco = Decoration(d)
	}

	var align uint8
	if err := binary.Read(r, le, &align); err != nil {
		return nil, err
	}
	return &TextBlock{Words: words, Align: Alignment(align)}, nil
}

// Serialize writes the image block payload: path, width, height.
func (b *ImageBlock) Serialize(w io.Writer) error {
	if err := WriteString(w, b.Path); err != nil {
		return err
	}
	if err := binary.Write(w, le, b.Width); err != nil {
		return err
	}
	return binary.Write(w, le, b.Height)
}

// DeserializeImageBlock reads an image block payload.
func DeserializeImageBlock(r io.Reader) (*ImageBlock, error) {
	path, err := ReadString(r)
	if err != nil {
		return nil, err
	}
	b := &ImageBlock{Path: path}
	if err := binary.Read(r, le, &b.Width); err != nil {
		return nil, err
	}
	if err := binary.Read(r, le, &b.Height); err != nil {
		return nil, err
	}
	return b, nil
}

// Serialize writes the page: element count, then tagged elements.
func (p *Page) Serialize(w io.Writer) error {
	if err := binary.Write(w, le, uint16(len(p.Elements))); err != nil {
		return err
	}
	for i := range p.Elements {
		e := &p.Elements[i]
		var tag uint8
		switch {
		case e.Text != nil:
			tag = tagText
		case e.Image != nil:
			tag = tagImage
		default:
			return fmt.Errorf("element %d has no block: %w", i, ErrCorrupt)
		}
		if err := binary.Write(w, le, tag); err != nil {
			return err
		}
		if err := binary.Write(w, le, e.X); err != nil {
			return err
		}
		if err := binary.Write(w, le, e.Y); err != nil {
			return err
		}
		if e.Text != nil {
			if err := e.Text.Serialize(w); err != nil {
				return err
			}
		} else {
			if err := e.Image.Serialize(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeserializePage reads a page written by Serialize.
func DeserializePage(r io.Reader) (*Page, error) {
	var count uint16
	if err := binary.Read(r, le, &count); err != nil {
		return nil, err
	}
	p := &Page{Elements: make([]Element, 0, count)}
	for i := 0; i < int(count); i++ {
		var tag uint8
		if err := binary.Read(r, le, &tag); err != nil {
			return nil, err
		}
		var e Element
		if err := binary.Read(r, le, &e.X); err != nil {
			return nil, err
		}
		if err := binary.Read(r, le, &e.Y); err != nil {
			return nil, err
		}
		switch tag {
		case tagText:
			tb, err := DeserializeTextBlock(r)
			if err != nil {
				return nil, err
			}
			e.Text = tb
		case tagImage:
			ib, err := DeserializeImageBlock(r)
			if err != nil {
				return nil, err
			}
			e.Image = ib
		default:
			return nil, fmt.Errorf("element tag %d: %w", tag, ErrCorrupt)
		}
		p.Elements = append(p.Elements, e)
	}
	return p, nil
}

// SerializeAnchors writes the anchor table: u16 count, then (id, page) pairs.
func SerializeAnchors(w io.Writer, m AnchorMap) error {
	if err := binary.Write(w, le, uint16(len(m))); err != nil {
		return err
	}
	for _, a := range m {
		if err := WriteString(w, a.ID); err != nil {
			return err
		}
		if err := binary.Write(w, le, a.Page); err != nil {
			return err
		}
	}
	return nil
}

// DeserializeAnchors reads an anchor table.
func DeserializeAnchors(r io.Reader) (AnchorMap, error) {
	var count uint16
	if err := binary.Read(r, le, &count); err != nil {
		return nil, err
	}
	m := make(AnchorMap, 0, count)
	for i := 0; i < int(count); i++ {
		id, err := ReadString(r)
		if err != nil {
			return nil, err
		}
		var page uint16
		if err := binary.Read(r, le, &page); err != nil {
			return nil, err
		}
		m = append(m, Anchor{ID: id, Page: page})
	}
	return m, nil
}
