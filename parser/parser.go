// Package parser streams a chapter's XHTML into laid-out pages. It walks the
// token stream with bounded memory: embedded data URIs are stripped before
// tokenization, words are accumulated into paragraph blocks, blocks are laid
// out into lines and lines flow onto fixed-height pages handed to the caller
// one at a time. Parsing suspends when the caller declines a page and can be
// resumed to continue exactly where it stopped.
package parser

import (
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"xtc/arena"
	"xtc/blocks"
	"xtc/css"
	"xtc/hyphen"
	"xtc/imgconv"
	"xtc/layout"
	"xtc/storage"
)

const (
	maxDepth           = 64
	maxWordSize        = 64
	yieldCheckInterval = 500
	cssCheckInterval   = 50
	maxParseTime       = 60 * time.Second
	minSizeForProgress = 50 * 1024
	readChunkSize      = 1024
	maxBlockWords      = 750

	maxConsecutiveImageFailures = 3

	// Free-memory thresholds, checked only when a gauge is installed.
	minFreeMemory      = 16 * 1024
	imageSkipMemory    = 40000
	imageConvertMemory = 20000
)

const depthUnset = math.MaxInt

var headerTags = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
}

var blockTags = map[string]bool{
	"p": true, "li": true, "div": true, "br": true, "blockquote": true,
	"question": true, "answer": true, "quotation": true, "figure": true,
	"figcaption": true, "section": true, "article": true, "aside": true,
	"header": true, "footer": true, "details": true, "summary": true, "main": true,
}

var boldTags = map[string]bool{"b": true, "strong": true}
var italicTags = map[string]bool{"i": true, "em": true}
var underlineTags = map[string]bool{"u": true, "ins": true}
var strikethroughTags = map[string]bool{"s": true, "strike": true, "del": true}
var skipTags = map[string]bool{"head": true}

// voidTags never carry content; the tokenizer reports them as plain start
// tags in HTML documents, so their end is synthesized.
var voidTags = map[string]bool{"br": true, "hr": true, "img": true, "meta": true, "link": true}

// horizontalRule is five horizontal bars (U+2015), visible with any font.
const horizontalRule = "―――――"

// Config holds the layout parameters of one pagination run.
type Config struct {
	ViewportWidth  int
	ViewportHeight int

	Alignment       blocks.Alignment
	IndentLevel     int
	Hyphenation     bool
	Hyphenator      *hyphen.Hyphenator
	LineCompression float64 // 0 means 1.0
	SpacingLevel    int     // extra paragraph spacing: 0 none, 1 quarter line, 3 full line
	ShowTables      bool
	AllowTallImages bool
}

// ReadItemFunc extracts one item from the book container into w.
type ReadItemFunc func(itemPath string, w io.Writer) error

// CompletePageFunc receives each finished page. Returning false suspends the
// parse; call Resume to continue.
type CompletePageFunc func(page *blocks.Page) bool

// ProgressFunc is called with a 0-100 percentage as input bytes are consumed.
type ProgressFunc func(percent int)

// Options wires a Chapter into its environment.
type Options struct {
	Styles        *css.Parser // may be nil
	ChapterBase   string      // prefix for resolving relative image refs
	ImageCacheDir string      // empty disables image flow
	ReadItem      ReadItemFunc
	Progress      ProgressFunc
	Abort         func() bool
	FreeMemory    func() int // nil means unconstrained
	Arena         *arena.Arena
	Log           *zap.Logger
}

type tableCell struct {
	text     strings.Builder
	isHeader bool
}

// Chapter parses one chapter file into pages.
type Chapter struct {
	st       storage.Storage
	path     string
	fonts    layout.Measurer
	cfg      Config
	opts     Options
	log      *zap.Logger
	complete CompletePageFunc

	file     storage.File
	tok      *html.Tokenizer
	stripper dataURIStripper

	depth             int
	skipUntil         int
	boldUntil         int
	italicUntil       int
	underlineUntil    int
	strikeUntil       int
	cssBoldUntil      int
	cssItalicUntil    int
	cssUnderlineUntil int
	cssStrikeUntil    int
	rtlUntil          int
	pendingRTL        bool
	insideBody        bool

	partWord []byte
	block    *layout.ParsedText

	page      *blocks.Page
	pageNextY int

	pagesCreated int
	anchors      blocks.AnchorMap

	inTable          bool
	inTableCell      bool
	inTableCaption   bool
	nestedTableDepth int
	tableRows        [][]*tableCell
	tableCaption     strings.Builder

	loopCounter    int
	elementCounter int
	cssHealthy     bool
	imageFailures  int

	pendingEmergencySplit bool
	stopRequested         bool
	suspended             bool
	aborted               bool

	parseStart   time.Time
	totalSize    int64
	bytesRead    int64
	lastProgress int
}

// NewChapter creates a parser for the chapter at chapterPath.
func NewChapter(st storage.Storage, chapterPath string, fonts layout.Measurer, complete CompletePageFunc, cfg Config, opts Options) *Chapter {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.LineCompression == 0 {
		cfg.LineCompression = 1.0
	}
	return &Chapter{
		st:       st,
		path:     chapterPath,
		fonts:    fonts,
		cfg:      cfg,
		opts:     opts,
		log:      log.Named("parser"),
		complete: complete,
	}
}

// Suspended reports whether the last Parse or Resume stopped on a declined
// page and can be resumed.
func (c *Chapter) Suspended() bool { return c.suspended }

// Aborted reports whether parsing stopped early on the abort callback, a
// timeout or memory pressure. Pages produced before the abort are valid.
func (c *Chapter) Aborted() bool { return c.aborted }

// PagesCreated returns the number of pages completed so far.
func (c *Chapter) PagesCreated() int { return c.pagesCreated }

// Anchors returns the id-to-page mapping collected while parsing.
func (c *Chapter) Anchors() blocks.AnchorMap { return c.anchors }

// Parse runs the chapter from the beginning.
func (c *Chapter) Parse() error {
	if err := c.init(); err != nil {
		return err
	}
	return c.parseLoop()
}

// Resume continues a suspended parse.
func (c *Chapter) Resume() error {
	if !c.suspended || c.tok == nil {
		return errors.New("parser: not suspended")
	}
	c.parseStart = time.Now()
	c.loopCounter = 0
	c.elementCounter = 0
	c.stopRequested = false
	c.suspended = false
	return c.parseLoop()
}

func (c *Chapter) init() error {
	c.parseStart = time.Now()
	c.loopCounter = 0
	c.elementCounter = 0
	c.cssHealthy = true
	c.pendingEmergencySplit = false
	c.aborted = false
	c.stopRequested = false
	c.suspended = false
	c.insideBody = false
	c.depth = 0
	c.skipUntil = depthUnset
	c.boldUntil = depthUnset
	c.italicUntil = depthUnset
	c.underlineUntil = depthUnset
	c.strikeUntil = depthUnset
	c.cssBoldUntil = depthUnset
	c.cssItalicUntil = depthUnset
	c.cssUnderlineUntil = depthUnset
	c.cssStrikeUntil = depthUnset
	c.rtlUntil = depthUnset
	c.pendingRTL = false
	c.inTable = false
	c.inTableCell = false
	c.inTableCaption = false
	c.nestedTableDepth = 0
	c.tableRows = nil
	c.tableCaption.Reset()
	c.partWord = c.partWord[:0]
	c.stripper.reset()
	c.page = nil
	c.pageNextY = 0
	c.pagesCreated = 0
	c.anchors = nil
	c.bytesRead = 0
	c.lastProgress = -1
	c.imageFailures = 0

	f, err := c.st.Open(c.path)
	if err != nil {
		return fmt.Errorf("open chapter: %w", err)
	}
	c.file = f
	if size, sizeErr := f.Size(); sizeErr == nil {
		c.totalSize = size
	}

	c.startNewTextBlock(c.cfg.Alignment)
	c.tok = html.NewTokenizer(&stripReader{c: c})
	return nil
}

func (c *Chapter) cleanup() error {
	var err error
	if c.file != nil {
		err = c.file.Close()
		c.file = nil
	}
	c.tok = nil
	c.block = nil
	c.page = nil
	c.suspended = false
	return err
}

// stripReader feeds the tokenizer fixed-size chunks run through the data-URI
// stripper, counting raw bytes for progress reporting.
type stripReader struct {
	c   *Chapter
	buf []byte
	eof bool
}

func (r *stripReader) Read(p []byte) (int, error) {
	chunk := make([]byte, readChunkSize)
	for len(r.buf) == 0 && !r.eof {
		n, err := r.c.file.Read(chunk)
		if n > 0 {
			r.c.bytesRead += int64(n)
			r.c.reportProgress()
			r.buf = r.c.stripper.strip(chunk[:n])
		}
		if err == io.EOF {
			r.eof = true
		} else if err != nil {
			return 0, err
		}
	}
	if len(r.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (c *Chapter) reportProgress() {
	if c.opts.Progress == nil || c.totalSize < minSizeForProgress {
		return
	}
	progress := int(c.bytesRead * 100 / c.totalSize)
	if c.lastProgress/10 != progress/10 {
		c.lastProgress = progress
		c.opts.Progress(progress)
	}
}

func (c *Chapter) shouldAbort() bool {
	if c.opts.Abort != nil && c.opts.Abort() {
		c.log.Info("external abort requested", zap.Int("pages", c.pagesCreated))
		return true
	}
	if time.Since(c.parseStart) > maxParseTime {
		c.log.Warn("parse timeout exceeded", zap.Duration("limit", maxParseTime))
		return true
	}
	if !c.memoryOK(minFreeMemory) {
		c.log.Warn("low memory during parse")
		return true
	}
	return false
}

func (c *Chapter) memoryOK(need int) bool {
	return c.opts.FreeMemory == nil || c.opts.FreeMemory() >= need
}

func (c *Chapter) lineHeight() int {
	return int(float64(c.fonts.LineHeight()) * c.cfg.LineCompression)
}

func (c *Chapter) parseLoop() (err error) {
	for {
		c.loopCounter++
		if c.loopCounter%yieldCheckInterval == 0 && c.shouldAbort() {
			c.aborted = true
			break
		}

		tt := c.tok.Next()
		if tt == html.ErrorToken {
			if tokErr := c.tok.Err(); tokErr != io.EOF {
				err = fmt.Errorf("tokenize %s: %w", c.path, tokErr)
				return multierr.Append(err, c.cleanup())
			}
			break
		}

		c.handleToken(tt)

		if c.aborted {
			break
		}
		if c.stopRequested {
			// Page budget hit. Keep all state for Resume.
			c.suspended = true
			return nil
		}

		// Deferred split of runaway paragraphs, outside token handling.
		if c.pendingEmergencySplit && c.block != nil && !c.block.Empty() {
			c.pendingEmergencySplit = false
			if !c.memoryOK(minFreeMemory + minFreeMemory/4) {
				c.aborted = true
				break
			}
			c.log.Debug("splitting oversized text block", zap.Int("words", c.block.Len()))
			c.block.SetGreedy(true)
			c.block.LayoutAndExtractLines(c.fonts, c.cfg.ViewportWidth, c.addLineToPage, false, c.shouldAbort)
		}
	}

	// End of input or abort: flush what is pending. A declined page here
	// still suspends; the tokenizer reports EOF again after Resume and the
	// parked page is re-offered.
	if c.block != nil && !c.stopRequested {
		c.makePages()
		if !c.stopRequested && c.page != nil && len(c.page.Elements) > 0 {
			if !c.complete(c.page) {
				c.stopRequested = true
			} else {
				c.page = nil
			}
		}
	}
	if c.stopRequested {
		c.suspended = true
		return nil
	}
	return c.cleanup()
}

type attrSet struct {
	src, alt, class, style, dir, id string
	role, epubType, ariaHidden      string
}

func (c *Chapter) collectAttrs() attrSet {
	var a attrSet
	for {
		key, val, more := c.tok.TagAttr()
		switch string(key) {
		case "src":
			a.src = string(val)
		case "alt":
			a.alt = string(val)
		case "class":
			a.class = string(val)
		case "style":
			a.style = string(val)
		case "dir":
			a.dir = string(val)
		case "id":
			a.id = string(val)
		case "role":
			a.role = string(val)
		case "epub:type":
			a.epubType = string(val)
		case "aria-hidden":
			a.ariaHidden = string(val)
		}
		if !more {
			return a
		}
	}
}

func (c *Chapter) handleToken(tt html.TokenType) {
	switch tt {
	case html.StartTagToken:
		name, hasAttrs := c.tok.TagName()
		var a attrSet
		if hasAttrs {
			a = c.collectAttrs()
		}
		tag := string(name)
		c.startElement(tag, a)
		if voidTags[tag] {
			c.endElement(tag)
		}
	case html.SelfClosingTagToken:
		name, hasAttrs := c.tok.TagName()
		var a attrSet
		if hasAttrs {
			a = c.collectAttrs()
		}
		tag := string(name)
		c.startElement(tag, a)
		c.endElement(tag)
	case html.EndTagToken:
		name, _ := c.tok.TagName()
		tag := string(name)
		if voidTags[tag] {
			return // start already synthesized the end
		}
		c.endElement(tag)
	case html.TextToken:
		c.characterData(c.tok.Text())
	}
}

func (c *Chapter) startElement(name string, a attrSet) {
	if c.depth >= maxDepth {
		c.log.Warn("document nested too deeply, aborting")
		c.aborted = true
		return
	}

	if c.skipUntil < c.depth {
		c.depth++
		return
	}

	if name == "body" {
		c.insideBody = true
	}

	if name == "img" {
		c.handleImage(a)
		c.depth++
		return
	}

	if name == "table" {
		if c.inTable {
			c.nestedTableDepth++
		} else {
			if c.block != nil && !c.block.Empty() {
				c.makePages()
			}
			c.inTable = true
			c.inTableCell = false
			c.nestedTableDepth = 0
			c.tableRows = nil
		}
		c.depth++
		return
	}

	if c.inTable {
		if c.nestedTableDepth > 0 {
			c.depth++
			return
		}
		switch name {
		case "tr":
			c.tableRows = append(c.tableRows, nil)
		case "td", "th":
			c.inTableCell = true
			if len(c.tableRows) > 0 {
				last := len(c.tableRows) - 1
				c.tableRows[last] = append(c.tableRows[last], &tableCell{isHeader: name == "th"})
			}
		case "caption":
			c.inTableCaption = true
		}
		c.depth++
		return
	}

	if skipTags[name] {
		c.skipUntil = c.depth
		c.depth++
		return
	}

	// EPUB pagebreak markers carry no readable content.
	if a.role == "doc-pagebreak" || a.epubType == "pagebreak" {
		c.skipUntil = c.depth
		c.depth++
		return
	}

	// Pandoc emits empty aria-hidden line-number anchors.
	if name == "a" && a.ariaHidden == "true" {
		c.skipUntil = c.depth
		c.depth++
		return
	}

	var style css.Style
	if c.opts.Styles != nil {
		c.elementCounter++
		if c.elementCounter%cssCheckInterval == 0 {
			c.cssHealthy = c.memoryOK(minFreeMemory)
			if !c.cssHealthy {
				c.log.Warn("low memory, skipping stylesheet lookups")
			}
		}
		if c.cssHealthy {
			style = c.opts.Styles.CombinedStyle(name, a.class)
		}
	}
	if a.style != "" {
		style.Merge(css.ParseInline(a.style))
	}
	// The dir attribute overrides stylesheet direction.
	if strings.EqualFold(a.dir, "rtl") {
		style.RTL = true
		style.HasDirection = true
	} else if strings.EqualFold(a.dir, "ltr") {
		style.RTL = false
		style.HasDirection = true
	}

	if style.HasFontWeight && style.Bold {
		c.cssBoldUntil = min(c.cssBoldUntil, c.depth)
	}
	if style.HasFontStyle && style.Italic {
		c.cssItalicUntil = min(c.cssItalicUntil, c.depth)
	}

	if style.HasDisplay && style.Hidden {
		c.skipUntil = c.depth
		c.depth++
		return
	}

	if style.HasDecoration {
		switch style.Decoration {
		case css.DecorationUnderline:
			c.cssUnderlineUntil = min(c.cssUnderlineUntil, c.depth)
		case css.DecorationLineThrough:
			c.cssStrikeUntil = min(c.cssStrikeUntil, c.depth)
		}
	}

	if style.HasDirection {
		c.pendingRTL = style.RTL
		c.rtlUntil = min(c.rtlUntil, c.depth)
	}

	switch {
	case headerTags[name]:
		c.startNewTextBlock(blocks.CenterAlign)
		c.boldUntil = min(c.boldUntil, c.depth)
	case blockTags[name]:
		if name == "br" {
			c.flushPartWord()
			align := c.cfg.Alignment
			if c.block != nil {
				align = c.block.Align()
			}
			c.startNewTextBlock(align)
		} else {
			align := c.cfg.Alignment
			if style.HasAlign {
				switch style.Align {
				case css.AlignLeft:
					align = blocks.LeftAlign
				case css.AlignRight:
					align = blocks.RightAlign
				case css.AlignCenter:
					align = blocks.CenterAlign
				case css.AlignJustify:
					align = blocks.Justified
				}
			}
			c.startNewTextBlock(align)
		}
	case boldTags[name]:
		c.boldUntil = min(c.boldUntil, c.depth)
	case italicTags[name]:
		c.italicUntil = min(c.italicUntil, c.depth)
	case underlineTags[name]:
		c.underlineUntil = min(c.underlineUntil, c.depth)
	case strikethroughTags[name]:
		c.strikeUntil = min(c.strikeUntil, c.depth)
	case name == "hr":
		c.flushPartWord()
		if c.block != nil && !c.block.Empty() {
			c.makePages()
		}
		c.startNewTextBlock(blocks.CenterAlign)
		if c.block != nil {
			c.block.AddWord(horizontalRule, blocks.Regular, blocks.DecoNone)
		}
	}

	// After block handling so the anchor points at the page the content
	// actually starts on.
	if a.id != "" {
		c.anchors = append(c.anchors, blocks.Anchor{ID: a.id, Page: uint16(c.pagesCreated)})
	}

	c.depth++
}

func (c *Chapter) endElement(name string) {
	if c.inTable {
		switch name {
		case "table":
			if c.nestedTableDepth > 0 {
				c.nestedTableDepth--
			} else {
				c.renderTable()
				c.inTable = false
				c.inTableCell = false
			}
		case "td", "th":
			c.inTableCell = false
		case "caption":
			c.inTableCaption = false
		}
		c.depth--
		return
	}

	if len(c.partWord) > 0 {
		// Flush only when a block-level or styling tag closes; closing an
		// inline span mid-word must not split the word.
		shouldBreak := blockTags[name] || headerTags[name] || boldTags[name] ||
			italicTags[name] || underlineTags[name] || strikethroughTags[name] ||
			c.depth == 1
		if shouldBreak {
			c.flushPartWord()
		}
	}

	c.depth--

	if c.skipUntil == c.depth {
		c.skipUntil = depthUnset
	}
	if c.boldUntil == c.depth {
		c.boldUntil = depthUnset
	}
	if c.italicUntil == c.depth {
		c.italicUntil = depthUnset
	}
	if c.cssBoldUntil == c.depth {
		c.cssBoldUntil = depthUnset
	}
	if c.cssItalicUntil == c.depth {
		c.cssItalicUntil = depthUnset
	}
	if c.underlineUntil == c.depth {
		c.underlineUntil = depthUnset
	}
	if c.strikeUntil == c.depth {
		c.strikeUntil = depthUnset
	}
	if c.cssUnderlineUntil == c.depth {
		c.cssUnderlineUntil = depthUnset
	}
	if c.cssStrikeUntil == c.depth {
		c.cssStrikeUntil = depthUnset
	}
	if c.rtlUntil == c.depth {
		c.rtlUntil = depthUnset
		c.pendingRTL = false
	}
}

func isSpace(b byte) bool { return b == ' ' || b == '\r' || b == '\n' || b == '\t' }

func (c *Chapter) characterData(text []byte) {
	if !c.insideBody {
		return
	}
	if c.skipUntil < c.depth {
		return
	}

	if c.inTable && c.nestedTableDepth == 0 {
		if c.inTableCell {
			if len(c.tableRows) > 0 {
				row := c.tableRows[len(c.tableRows)-1]
				if len(row) > 0 {
					collapseInto(&row[len(row)-1].text, text)
				}
			}
			return
		}
		if c.inTableCaption {
			collapseInto(&c.tableCaption, text)
			return
		}
	}
	if c.inTable {
		return
	}

	for i := 0; i < len(text); i++ {
		if isSpace(text[i]) {
			if len(c.partWord) > 0 {
				c.flushPartWord()
			}
			continue
		}

		// U+FEFF shows up before punctuation in some books; it is invisible
		// and must not join words.
		if text[i] == 0xEF && i+2 < len(text) && text[i+1] == 0xBB && text[i+2] == 0xBF {
			i += 2
			continue
		}

		if len(c.partWord) >= maxWordSize {
			c.flushPartWord()
		}
		c.partWord = append(c.partWord, text[i])
	}

	if c.block != nil && c.block.Len() > maxBlockWords {
		c.pendingEmergencySplit = true
	}
}

// collapseInto appends text with runs of whitespace collapsed to one space.
func collapseInto(b *strings.Builder, text []byte) {
	for _, ch := range text {
		if isSpace(ch) {
			s := b.String()
			if len(s) > 0 && s[len(s)-1] != ' ' {
				b.WriteByte(' ')
			}
		} else {
			b.WriteByte(ch)
		}
	}
}

func (c *Chapter) flushPartWord() {
	if c.block == nil || len(c.partWord) == 0 {
		c.partWord = c.partWord[:0]
		return
	}

	bold := c.boldUntil < c.depth || c.cssBoldUntil < c.depth
	italic := c.italicUntil < c.depth || c.cssItalicUntil < c.depth

	style := blocks.Regular
	switch {
	case bold && italic:
		style = blocks.BoldItalic
	case bold:
		style = blocks.Bold
	case italic:
		style = blocks.Italic
	}

	deco := blocks.DecoNone
	if c.underlineUntil < c.depth || c.cssUnderlineUntil < c.depth {
		deco |= blocks.DecoUnderline
	}
	if c.strikeUntil < c.depth || c.cssStrikeUntil < c.depth {
		deco |= blocks.DecoStrikethrough
	}

	c.block.AddWord(string(c.partWord), style, deco)
	c.partWord = c.partWord[:0]
}

func (c *Chapter) startNewTextBlock(align blocks.Alignment) {
	if c.block != nil {
		if c.block.Empty() {
			c.block.SetAlign(align)
			return
		}
		c.makePages()
		c.pendingEmergencySplit = false
	}
	c.block = layout.New(align, layout.Options{
		RTL:         c.pendingRTL,
		Hyphenate:   c.cfg.Hyphenation,
		Hyphenator:  c.cfg.Hyphenator,
		IndentLevel: c.cfg.IndentLevel,
		Arena:       c.opts.Arena,
		Log:         c.log,
	})
}

// makePages lays out the current block and flows its lines onto pages.
func (c *Chapter) makePages() {
	if c.block == nil {
		return
	}
	c.flushPartWord()

	if !c.memoryOK(minFreeMemory + minFreeMemory/4) {
		c.log.Warn("insufficient memory for layout")
		c.block = nil
		c.aborted = true
		return
	}

	if c.page == nil {
		c.page = &blocks.Page{}
		c.pageNextY = 0
	}

	c.block.LayoutAndExtractLines(c.fonts, c.cfg.ViewportWidth, c.addLineToPage, true,
		func() bool { return c.stopRequested })

	if !c.stopRequested {
		switch c.cfg.SpacingLevel {
		case 1:
			c.pageNextY += c.lineHeight() / 4
		case 3:
			c.pageNextY += c.lineHeight()
		}
	}
}

func (c *Chapter) addLineToPage(line *blocks.TextBlock) {
	if c.stopRequested {
		return
	}

	lh := c.lineHeight()
	if c.pageNextY+lh > c.cfg.ViewportHeight {
		c.pagesCreated++
		if !c.complete(c.page) {
			// The line is already extracted from its block; park it on a
			// fresh page so nothing is lost across the suspension.
			c.page = &blocks.Page{}
			c.pageNextY = 0
			c.page.AddText(line, 0, 0)
			c.pageNextY += lh
			c.stopRequested = true
			return
		}
		c.parseStart = time.Now()
		c.page = &blocks.Page{}
		c.pageNextY = 0
	}

	c.page.AddText(line, 0, uint16(c.pageNextY))
	c.pageNextY += lh
}

func (c *Chapter) completeCurrentPage() bool {
	if !c.complete(c.page) {
		c.stopRequested = true
		return false
	}
	c.parseStart = time.Now()
	c.page = &blocks.Page{}
	c.pageNextY = 0
	return true
}

func (c *Chapter) handleImage(a attrSet) {
	if !c.memoryOK(imageSkipMemory) {
		c.log.Warn("skipping image, low memory")
		return
	}

	if a.src != "" && !imgconv.IsSupported(a.src) {
		c.log.Debug("skipping unsupported image format", zap.String("src", a.src))
		return
	}

	if a.src != "" && c.opts.ReadItem != nil && c.opts.ImageCacheDir != "" {
		// Conversion can take a while; honor aborts on both sides of it.
		if c.opts.Abort != nil && c.opts.Abort() {
			return
		}
		cached := c.cacheImage(a.src)
		if c.opts.Abort != nil && c.opts.Abort() {
			return
		}
		if cached != "" {
			if img := c.openImageBlock(cached); img != nil {
				// Tiny decorative separators are invisible on e-paper.
				if img.Width < 20 || img.Height < 20 {
					return
				}
				if c.block != nil && !c.block.Empty() {
					c.makePages()
				}
				c.addImageToPage(img)
				return
			}
		}
	}

	// Placeholder when the image could not be shown.
	c.startNewTextBlock(blocks.CenterAlign)
	if c.block != nil {
		if a.alt != "" {
			c.block.AddWord("[Image: "+a.alt+"]", blocks.Italic, blocks.DecoNone)
		} else {
			c.block.AddWord("[Image]", blocks.Italic, blocks.DecoNone)
		}
	}
}

func (c *Chapter) openImageBlock(cachedPath string) *blocks.ImageBlock {
	f, err := c.st.Open(cachedPath)
	if err != nil {
		c.log.Warn("failed to open cached image", zap.String("path", cachedPath), zap.Error(err))
		return nil
	}
	defer f.Close()
	w, h, err := imgconv.ReadBMPSize(f)
	if err != nil {
		c.log.Warn("cached image unreadable", zap.String("path", cachedPath), zap.Error(err))
		return nil
	}
	return &blocks.ImageBlock{Path: cachedPath, Width: uint16(w), Height: uint16(h)}
}

func (c *Chapter) markImageFailed(marker string) {
	if f, err := c.st.Create(marker); err == nil {
		f.Close()
	}
	c.imageFailures++
}

// cacheImage converts the referenced image into the device-native cache,
// keyed by a hash of its resolved path. Failures leave a marker file so the
// conversion is not retried on every pagination.
func (c *Chapter) cacheImage(src string) string {
	if c.opts.Abort != nil && c.opts.Abort() {
		return ""
	}

	// Embedded data URIs were already stripped to "#".
	if len(src) >= 5 && strings.EqualFold(src[:5], "data:") {
		return ""
	}

	if c.imageFailures >= maxConsecutiveImageFailures {
		c.log.Warn("skipping image, too many failures")
		return ""
	}

	if !c.memoryOK(imageConvertMemory) {
		c.imageFailures++
		return ""
	}

	resolved := path.Clean(c.opts.ChapterBase + src)
	hash := fnv.New64a()
	hash.Write([]byte(resolved))
	key := strconv.FormatUint(hash.Sum64(), 10)

	cachedPath := c.opts.ImageCacheDir + "/" + key + ".bmp"
	if c.st.Exists(cachedPath) {
		c.imageFailures = 0
		return cachedPath
	}

	marker := c.opts.ImageCacheDir + "/" + key + ".failed"
	if c.st.Exists(marker) {
		c.imageFailures++
		return ""
	}

	if !imgconv.IsSupported(src) {
		c.markImageFailed(marker)
		return ""
	}

	// BMP sources are device-native already; extract without conversion.
	if imgconv.IsBMP(src) {
		out, err := c.st.Create(cachedPath)
		if err != nil {
			c.log.Warn("failed to create image cache file", zap.Error(err))
			return ""
		}
		extractErr := c.opts.ReadItem(resolved, out)
		closeErr := out.Close()
		if err := multierr.Append(extractErr, closeErr); err != nil {
			c.log.Warn("failed to extract image", zap.String("src", resolved), zap.Error(err))
			c.st.Remove(cachedPath)
			c.markImageFailed(marker)
			return ""
		}
		c.imageFailures = 0
		return cachedPath
	}

	// Extract to a temp file, then convert with scaling and dithering.
	ext := strings.ToLower(path.Ext(src))
	if ext == "" {
		ext = ".jpg"
	}
	tempPath := c.opts.ImageCacheDir + "/.tmp_" + key + ext
	tmp, err := c.st.Create(tempPath)
	if err != nil {
		c.log.Warn("failed to create temp image file", zap.Error(err))
		return ""
	}
	extractErr := c.opts.ReadItem(resolved, tmp)
	closeErr := tmp.Close()
	if err := multierr.Append(extractErr, closeErr); err != nil {
		c.log.Warn("failed to extract image", zap.String("src", resolved), zap.Error(err))
		c.st.Remove(tempPath)
		c.markImageFailed(marker)
		return ""
	}

	maxHeight := c.cfg.ViewportHeight
	if c.cfg.AllowTallImages {
		maxHeight = 2000
	}
	convErr := imgconv.Convert(c.st, tempPath, cachedPath, imgconv.Config{
		MaxWidth:  c.cfg.ViewportWidth,
		MaxHeight: maxHeight,
		Abort:     c.opts.Abort,
		Log:       c.log,
	})
	c.st.Remove(tempPath)

	if convErr != nil {
		c.log.Warn("image conversion failed", zap.String("src", resolved), zap.Error(convErr))
		c.st.Remove(cachedPath)
		c.markImageFailed(marker)
		return ""
	}

	c.imageFailures = 0
	return cachedPath
}

func (c *Chapter) addImageToPage(img *blocks.ImageBlock) {
	if c.stopRequested {
		return
	}

	imageHeight := int(img.Height)
	lh := c.lineHeight()
	isTall := imageHeight > c.cfg.ViewportHeight/2

	if c.page == nil {
		c.page = &blocks.Page{}
		c.pageNextY = 0
	}

	xPos := (c.cfg.ViewportWidth - int(img.Width)) / 2
	if xPos < 0 {
		xPos = 0
	}

	// Scroll mode: never split, one image per page.
	if c.cfg.AllowTallImages {
		if c.pageNextY > 0 && !c.completeCurrentPage() {
			return
		}
		c.page.AddImage(img, uint16(xPos), 0)
		c.pageNextY = imageHeight + lh
		c.completeCurrentPage()
		return
	}

	// Tall images get a dedicated page.
	if isTall && c.pageNextY > 0 && !c.completeCurrentPage() {
		return
	}

	if c.pageNextY+imageHeight > c.cfg.ViewportHeight && !c.completeCurrentPage() {
		return
	}

	yPos := c.pageNextY
	if isTall && c.pageNextY == 0 && imageHeight < c.cfg.ViewportHeight {
		yPos = (c.cfg.ViewportHeight - imageHeight) / 2
	}

	c.page.AddImage(img, uint16(xPos), uint16(yPos))
	c.pageNextY = yPos + imageHeight + lh

	if isTall {
		c.completeCurrentPage()
	}
}
