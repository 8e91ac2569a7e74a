// Package blocks defines the layout-level value types the renderer produces:
// positioned text lines, image references, pages and anchors, together with
// their binary wire format.
package blocks

// Style selects the font variant a word is drawn with.
type Style uint8

const (
	Regular Style = iota
	Bold
	Italic
	BoldItalic
)

// Decoration is a bitset of additional text effects.
type Decoration uint8

const (
	DecoNone          Decoration = 0
	DecoUnderline     Decoration = 1 << 0
	DecoStrikethrough Decoration = 1 << 1
)

// Alignment is the horizontal layout policy of a text block.
type Alignment uint8

const (
	Justified Alignment = iota
	LeftAlign
	CenterAlign
	RightAlign
)

// Word is a positioned run of text within a line. XPos is the final x-offset
// assigned during layout.
type Word struct {
	Text  string
	XPos  uint16
	Style Style
	Deco  Decoration
}

// TextBlock is one laid-out line.
type TextBlock struct {
	Words []Word
	Align Alignment
}

// Empty reports whether the block holds no words.
func (b *TextBlock) Empty() bool { return len(b.Words) == 0 }

// ImageBlock references a converted, device-native bitmap in the image cache.
type ImageBlock struct {
	Path   string
	Width  uint16
	Height uint16
}

// Element places a block on a page. Exactly one of Text and Image is set;
// the closed two-variant set is part of the wire format.
type Element struct {
	X, Y  uint16
	Text  *TextBlock
	Image *ImageBlock
}

// Page is an ordered list of placed elements with non-decreasing y-offsets.
type Page struct {
	Elements []Element
}

// AddText appends a text block at the given position.
func (p *Page) AddText(b *TextBlock, x, y uint16) {
	p.Elements = append(p.Elements, Element{X: x, Y: y, Text: b})
}

// AddImage appends an image block at the given position.
func (p *Page) AddImage(b *ImageBlock, x, y uint16) {
	p.Elements = append(p.Elements, Element{X: x, Y: y, Image: b})
}

// Anchor records the page on which an id="..." target first appeared.
type Anchor struct {
	ID   string
	Page uint16
}

// AnchorMap preserves source order, which is also page order.
type AnchorMap []Anchor

// Find returns the page index for an anchor id.
func (m AnchorMap) Find(id string) (uint16, bool) {
	for _, a := range m {
		if a.ID == id {
			return a.Page, true
		}
	}
	return 0, false
}
