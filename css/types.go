package css

// Align is the text-align property value. AlignNone means inherit.
type Align uint8

const (
	AlignNone Align = iota
	AlignLeft
	AlignRight
	AlignCenter
	AlignJustify
)

// Decoration is the text-decoration property value.
type Decoration uint8

const (
	DecorationNone Decoration = iota
	DecorationUnderline
	DecorationLineThrough
)

// Style holds the resolved values of the supported property subset. Each
// value carries a presence flag so that merging can distinguish "not set"
// from an explicit default.
type Style struct {
	Align    Align
	HasAlign bool

	Italic       bool
	HasFontStyle bool

	Bold          bool
	HasFontWeight bool

	RTL          bool
	HasDirection bool

	Hidden     bool
	HasDisplay bool

	Decoration    Decoration
	HasDecoration bool
}

// Merge overlays other onto s. Properties set in other win.
func (s *Style) Merge(other Style) {
	if other.HasAlign {
		s.Align = other.Align
		s.HasAlign = true
	}
	if other.HasFontStyle {
		s.Italic = other.Italic
		s.HasFontStyle = true
	}
	if other.HasFontWeight {
		s.Bold = other.Bold
		s.HasFontWeight = true
	}
	if other.HasDirection {
		s.RTL = other.RTL
		s.HasDirection = true
	}
	if other.HasDisplay {
		s.Hidden = other.Hidden
		s.HasDisplay = true
	}
	if other.HasDecoration {
		s.Decoration = other.Decoration
		s.HasDecoration = true
	}
}

// Empty reports whether no property is set.
func (s Style) Empty() bool {
	return !s.HasAlign && !s.HasFontStyle && !s.HasFontWeight &&
		!s.HasDirection && !s.HasDisplay && !s.HasDecoration
}
