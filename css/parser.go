// Package css resolves the small stylesheet subset used for chapter layout:
// text-align, font-style, font-weight, direction, display:none and
// text-decoration, addressed by element, class and element.class selectors.
package css

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"xtc/storage"
)

const (
	// MaxRules caps how many distinct selectors a stylesheet may define.
	// Rules past the cap are dropped, but declarations for an already
	// stored selector still merge.
	MaxRules = 512

	// MaxSelectorLength drops implausibly long selectors.
	MaxSelectorLength = 256

	// MaxFileSize rejects stylesheets too large to be worth resolving.
	MaxFileSize = 64 * 1024
)

// Parser parses stylesheets and answers style queries for the content parser.
type Parser struct {
	log   *zap.Logger
	rules map[string]*Style
}

// NewParser creates an empty stylesheet parser.
func NewParser(log *zap.Logger) *Parser {
	if log == nil {
		log = zap.NewNop()
	}
	return &Parser{
		log:   log.Named("css"),
		rules: make(map[string]*Style),
	}
}

// LoadFile parses a stylesheet from storage. Files over MaxFileSize are
// rejected without reading.
func (p *Parser) LoadFile(st storage.Storage, path string) (err error) {
	f, err := st.Open(path)
	if err != nil {
		return fmt.Errorf("open stylesheet: %w", err)
	}
	defer func() {
		err = multierr.Append(err, f.Close())
	}()

	size, err := f.Size()
	if err != nil {
		return fmt.Errorf("stat stylesheet: %w", err)
	}
	if size > MaxFileSize {
		return fmt.Errorf("stylesheet %s too large: %d bytes", path, size)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read stylesheet: %w", err)
	}

	p.log.Debug("Parsing stylesheet", zap.String("path", path), zap.Int("bytes", len(data)))
	p.Parse(data)
	return nil
}

// Parse parses CSS text, adding its rules to the parser. Unsupported
// selectors and properties are skipped.
func (p *Parser) Parse(data []byte) {
	input := parse.NewInput(bytes.NewReader(data))
	parser := css.NewParser(input, false)

	// Grouped selectors arrive one per QualifiedRuleGrammar event, with the
	// last one carried by BeginRulesetGrammar.
	var pending []string

	for {
		gt, _, data := parser.Next()

		switch gt {
		case css.ErrorGrammar:
			if err := parser.Err(); err != nil && err != io.EOF {
				p.log.Debug("CSS parse error", zap.Error(err))
			}
			return

		case css.BeginAtRuleGrammar:
			p.skipAtRuleBlock(parser)

		case css.AtRuleGrammar:
			// simple @-rule without a block, nothing to skip

		case css.QualifiedRuleGrammar:
			pending = append(pending, p.parseSelectors(data, parser.Values())...)

		case css.BeginRulesetGrammar:
			selectors := append(pending, p.parseSelectors(data, parser.Values())...)
			pending = nil
			style := p.parseDeclarations(parser)
			if style.Empty() {
				continue
			}
			for _, sel := range selectors {
				p.store(sel, style)
			}
		}
	}
}

// ParseInline parses the contents of a style attribute.
func ParseInline(decl string) Style {
	input := parse.NewInput(strings.NewReader(decl))
	parser := css.NewParser(input, true)

	var style Style
	for {
		gt, _, data := parser.Next()
		switch gt {
		case css.ErrorGrammar:
			return style
		case css.DeclarationGrammar:
			applyDeclaration(&style, string(data), parser.Values())
		}
	}
}

// HasStyles reports whether any rules are stored.
func (p *Parser) HasStyles() bool {
	return len(p.rules) > 0
}

// Len returns the number of stored rules.
func (p *Parser) Len() int {
	return len(p.rules)
}

// Clear drops all stored rules.
func (p *Parser) Clear() {
	p.rules = make(map[string]*Style)
}

// TagStyle returns the style for a bare element selector.
func (p *Parser) TagStyle(tag string) Style {
	if s, ok := p.rules[tag]; ok {
		return *s
	}
	return Style{}
}

// ClassStyle returns the style for a class selector, given without the dot.
func (p *Parser) ClassStyle(class string) (Style, bool) {
	if s, ok := p.rules["."+class]; ok {
		return *s, true
	}
	return Style{}, false
}

// CombinedStyle resolves the effective style of an element: the tag rule
// first, then each class rule from the space-separated class list, then each
// tag.class rule. Later merges win.
func (p *Parser) CombinedStyle(tag, classList string) Style {
	style := p.TagStyle(tag)

	classes := strings.Fields(classList)
	for _, class := range classes {
		if s, ok := p.rules["."+class]; ok {
			style.Merge(*s)
		}
	}
	for _, class := range classes {
		if s, ok := p.rules[tag+"."+class]; ok {
			style.Merge(*s)
		}
	}
	return style
}

func (p *Parser) store(selector string, style Style) {
	if existing, ok := p.rules[selector]; ok {
		existing.Merge(style)
		return
	}
	if len(p.rules) >= MaxRules {
		p.log.Debug("Rule limit reached, dropping selector", zap.String("selector", selector))
		return
	}
	stored := style
	p.rules[selector] = &stored
}

// parseSelectors extracts the supported selectors from ruleset prelude
// tokens. Grouped selectors split on commas; combinator, attribute, pseudo
// and descendant selectors are rejected.
func (p *Parser) parseSelectors(data []byte, values []css.Token) []string {
	var sb strings.Builder
	sb.Write(data)
	for _, v := range values {
		sb.Write(v.Data)
	}

	var selectors []string
	for s := range strings.SplitSeq(sb.String(), ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if len(s) > MaxSelectorLength {
			p.log.Debug("Selector too long, skipping", zap.Int("length", len(s)))
			continue
		}
		if strings.ContainsAny(s, "+~>[]:*#") || strings.ContainsAny(s, " \t\n") {
			p.log.Debug("Unsupported selector, skipping", zap.String("selector", s))
			continue
		}
		if !validSimpleSelector(s) {
			continue
		}
		selectors = append(selectors, s)
	}
	return selectors
}

// validSimpleSelector accepts element, .class and element.class shapes.
func validSimpleSelector(s string) bool {
	element, class, hasClass := strings.Cut(s, ".")
	if hasClass {
		if class == "" || strings.Contains(class, ".") {
			return false
		}
		return true // element may be empty for a bare .class
	}
	return element != ""
}

// parseDeclarations consumes declarations until the end of the ruleset.
func (p *Parser) parseDeclarations(parser *css.Parser) Style {
	var style Style
	for {
		gt, _, data := parser.Next()
		switch gt {
		case css.ErrorGrammar, css.EndRulesetGrammar:
			return style
		case css.DeclarationGrammar:
			applyDeclaration(&style, string(data), parser.Values())
		}
	}
}

// applyDeclaration folds a single whitelisted property into style. Unknown
// properties and values are ignored.
func applyDeclaration(style *Style, property string, values []css.Token) {
	value := tokenKeyword(values)
	if value == "" {
		return
	}

	switch strings.ToLower(property) {
	case "text-align":
		switch value {
		case "left":
			style.Align, style.HasAlign = AlignLeft, true
		case "right":
			style.Align, style.HasAlign = AlignRight, true
		case "center":
			style.Align, style.HasAlign = AlignCenter, true
		case "justify":
			style.Align, style.HasAlign = AlignJustify, true
		}
	case "font-style":
		switch value {
		case "italic", "oblique":
			style.Italic, style.HasFontStyle = true, true
		case "normal":
			style.Italic, style.HasFontStyle = false, true
		}
	case "font-weight":
		switch value {
		case "bold", "bolder":
			style.Bold, style.HasFontWeight = true, true
		case "normal", "lighter":
			style.Bold, style.HasFontWeight = false, true
		default:
			if weight, err := strconv.Atoi(value); err == nil {
				style.Bold, style.HasFontWeight = weight >= 700, true
			}
		}
	case "direction":
		switch value {
		case "rtl":
			style.RTL, style.HasDirection = true, true
		case "ltr":
			style.RTL, style.HasDirection = false, true
		}
	case "display":
		if value == "none" {
			style.Hidden, style.HasDisplay = true, true
		}
	case "text-decoration", "text-decoration-line":
		switch value {
		case "underline":
			style.Decoration, style.HasDecoration = DecorationUnderline, true
		case "line-through":
			style.Decoration, style.HasDecoration = DecorationLineThrough, true
		case "none":
			style.Decoration, style.HasDecoration = DecorationNone, true
		}
	}
}

// tokenKeyword returns the first meaningful value token, lowercased.
func tokenKeyword(tokens []css.Token) string {
	for _, t := range tokens {
		switch t.TokenType {
		case css.IdentToken, css.NumberToken:
			return strings.ToLower(string(t.Data))
		case css.WhitespaceToken, css.CommentToken:
			continue
		default:
			return ""
		}
	}
	return ""
}

// skipAtRuleBlock skips tokens until the matching end of an @-rule block.
func (p *Parser) skipAtRuleBlock(parser *css.Parser) {
	depth := 1
	for depth > 0 {
		gt, _, _ := parser.Next()
		switch gt {
		case css.ErrorGrammar:
			return
		case css.BeginAtRuleGrammar, css.BeginRulesetGrammar:
			depth++
		case css.EndAtRuleGrammar, css.EndRulesetGrammar:
			depth--
		}
	}
}
