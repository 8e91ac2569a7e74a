package font

import "xtc/blocks"

// Family bundles the four style variants of a typeface. Only Regular is
// mandatory; missing variants fall back along a fixed chain.
type Family struct {
	fonts [4]*Font
}

// NewFamily creates a family around its mandatory Regular font.
func NewFamily(regular *Font) *Family {
	fam := &Family{}
	fam.fonts[blocks.Regular] = regular
	return fam
}

// SetFont installs or clears a variant. The Regular slot is fixed at
// construction, so setting it is a no-op; setting any other slot to nil
// clears it.
func (fam *Family) SetFont(style blocks.Style, f *Font) {
	if style == blocks.Regular {
		return
	}
	if int(style) < len(fam.fonts) {
		fam.fonts[style] = f
	}
}

// Font resolves a style to a loaded font, falling back
// BoldItalic -> Bold -> Italic -> Regular.
func (fam *Family) Font(style blocks.Style) *Font {
	var chain []blocks.Style
	switch style {
	case blocks.BoldItalic:
		chain = []blocks.Style{blocks.BoldItalic, blocks.Bold, blocks.Italic}
	case blocks.Bold:
		chain = []blocks.Style{blocks.Bold}
	case blocks.Italic:
		chain = []blocks.Style{blocks.Italic}
	}
	for _, s := range chain {
		if f := fam.fonts[s]; f != nil {
			return f
		}
	}
	return fam.fonts[blocks.Regular]
}

// Has reports whether the exact variant slot is populated.
func (fam *Family) Has(style blocks.Style) bool {
	return int(style) < len(fam.fonts) && fam.fonts[style] != nil
}

// TextWidth measures s with the font resolved for style.
func (fam *Family) TextWidth(s string, style blocks.Style) int {
	return fam.Font(style).TextWidth(s)
}

// LineHeight is the Regular font's baseline advance.
func (fam *Family) LineHeight() int {
	return fam.fonts[blocks.Regular].LineHeight()
}

// SpaceWidth is the Regular font's space advance.
func (fam *Family) SpaceWidth() int {
	return fam.fonts[blocks.Regular].SpaceWidth()
}

// Close closes every distinct font in the family.
func (fam *Family) Close() error {
	var err error
	closed := map[*Font]bool{}
	for _, f := range fam.fonts {
		if f == nil || closed[f] {
			continue
		}
		closed[f] = true
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
