// Package layout turns accumulated words into positioned lines: it measures
// words through a font abstraction, picks line breaks with one of three
// strategies and emits text blocks with per-word x offsets.
package layout

import (
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"xtc/arena"
	"xtc/blocks"
	"xtc/hyphen"
)

// Measurer is the width oracle the engine lays text out against.
type Measurer interface {
	TextWidth(s string, style blocks.Style) int
	SpaceWidth() int
	LineHeight() int
}

// AbortFunc is polled during long computations; returning true stops layout.
type AbortFunc func() bool

const softHyphen = "\u00ad"

const maxCost = math.MaxInt32

// Indent widths prepended to the first word of a paragraph.
const (
	IndentNone   = 0
	IndentSmall  = 1 // en-space
	IndentNormal = 2 // em-space
	IndentLarge  = 3 // em-space + en-space
)

// Options configures a ParsedText beyond its alignment.
type Options struct {
	RTL         bool
	Greedy      bool
	Hyphenate   bool
	Hyphenator  *hyphen.Hyphenator
	IndentLevel int
	Arena       *arena.Arena
	Log         *zap.Logger
}

// ParsedText accumulates the words of one paragraph and lays them out. Words
// are consumed front to front as lines are extracted, so a suspended layout
// keeps only what has not been emitted yet.
type ParsedText struct {
	words []blocks.Word
	align blocks.Alignment

	rtl         bool
	greedy      bool
	hyphenate   bool
	hyph        *hyphen.Hyphenator
	indentLevel int

	arena *arena.Arena
	log   *zap.Logger
}

// New creates an empty paragraph with the given alignment.
func New(align blocks.Alignment, opts Options) *ParsedText {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &ParsedText{
		align:       align,
		rtl:         opts.RTL,
		greedy:      opts.Greedy,
		hyphenate:   opts.Hyphenate,
		hyph:        opts.Hyphenator,
		indentLevel: opts.IndentLevel,
		arena:       opts.Arena,
		log:         log,
	}
}

// Align returns the paragraph alignment.
func (t *ParsedText) Align() blocks.Alignment { return t.align }

// SetAlign changes the alignment; used when an empty block is reused for the
// next paragraph.
func (t *ParsedText) SetAlign(align blocks.Alignment) { t.align = align }

// SetGreedy switches the breaker; oversized paragraphs fall back to greedy
// breaking to bound layout cost.
func (t *ParsedText) SetGreedy(greedy bool) { t.greedy = greedy }

// RTL reports the paragraph direction.
func (t *ParsedText) RTL() bool { return t.rtl }

// Empty reports whether no words are pending.
func (t *ParsedText) Empty() bool { return len(t.words) == 0 }

// Len returns the number of pending words.
func (t *ParsedText) Len() int { return len(t.words) }

// AddWord appends a word. Words containing CJK ideographs are split so that
// every ideograph becomes its own word while non-CJK runs stay contiguous,
// giving the breakers a legal break opportunity at each ideograph.
func (t *ParsedText) AddWord(text string, style blocks.Style, deco blocks.Decoration) {
	if text == "" {
		return
	}

	hasCjk := false
	for _, r := range text {
		if isCjk(r) {
			hasCjk = true
			break
		}
	}
	if !hasCjk {
		t.words = append(t.words, blocks.Word{Text: text, Style: style, Deco: deco})
		return
	}

	var run strings.Builder
	for _, r := range text {
		if isCjk(r) {
			if run.Len() > 0 {
				t.words = append(t.words, blocks.Word{Text: run.String(), Style: style, Deco: deco})
				run.Reset()
			}
			t.words = append(t.words, blocks.Word{Text: string(r), Style: style, Deco: deco})
		} else {
			run.WriteRune(r)
		}
	}
	if run.Len() > 0 {
		t.words = append(t.words, blocks.Word{Text: run.String(), Style: style, Deco: deco})
	}
}

// LayoutAndExtractLines computes line breaks and emits each finished line
// through processLine, consuming the words it used. With includeLastLine
// false the final (possibly partial) line stays pending, which lets a
// suspended parse resume mid-paragraph. Returns false when aborted.
func (t *ParsedText) LayoutAndExtractLines(m Measurer, viewportWidth int, processLine func(*blocks.TextBlock), includeLastLine bool, shouldAbort AbortFunc) bool {
	if len(t.words) == 0 {
		return true
	}
	if shouldAbort != nil && shouldAbort() {
		return false
	}

	pageWidth := viewportWidth
	spaceWidth := m.SpaceWidth()

	widths := t.calculateWordWidths(m)

	var breaks []int
	switch {
	case t.hyphenate:
		breaks = t.computeHyphenatedLineBreaks(m, pageWidth, spaceWidth, &widths, shouldAbort)
	case t.greedy:
		breaks = t.computeLineBreaksGreedy(pageWidth, spaceWidth, widths, shouldAbort)
	default:
		breaks = t.computeLineBreaks(pageWidth, spaceWidth, widths, shouldAbort)
	}
	if shouldAbort != nil && shouldAbort() {
		return false
	}
	if len(breaks) == 0 {
		return false
	}

	lineCount := len(breaks)
	if !includeLastLine {
		lineCount--
	}
	for i := 0; i < lineCount; i++ {
		if shouldAbort != nil && shouldAbort() {
			return false
		}
		t.extractLine(i, pageWidth, spaceWidth, widths, breaks, processLine)
	}
	return true
}

// calculateWordWidths measures every pending word, prepending the paragraph
// indent to the first one and stripping soft hyphens in place so stored text
// matches what was measured.
func (t *ParsedText) calculateWordWidths(m Measurer) []int {
	if t.indentLevel > 0 && len(t.words) > 0 {
		switch t.indentLevel {
		case IndentNormal:
			t.words[0].Text = "\u2003" + t.words[0].Text
		case IndentLarge:
			t.words[0].Text = "\u2003\u2002" + t.words[0].Text
		default:
			t.words[0].Text = "\u2002" + t.words[0].Text
		}
		t.indentLevel = 0
	}

	widths := make([]int, len(t.words))
	for i := range t.words {
		display := strings.ReplaceAll(t.words[i].Text, softHyphen, "")
		widths[i] = m.TextWidth(display, t.words[i].Style)
		t.words[i].Text = display
	}
	return widths
}

// computeLineBreaks is the minimum-raggedness breaker: a backward dynamic
// program over lines-from-word-i with squared leftover space as the cost and
// a free last line. The dp and ans arrays come from the arena scratch slot
// when one is attached, falling back to the heap. Returns nil on abort.
func (t *ParsedText) computeLineBreaks(pageWidth, spaceWidth int, widths []int, shouldAbort AbortFunc) []int {
	n := len(t.words)
	if n == 0 {
		return nil
	}

	isAttaching := make([]bool, n)
	for i, w := range t.words {
		isAttaching[i] = isAttachingWord(w.Text)
	}

	var dp, ans []int32
	var guard *arena.Guard
	if t.arena != nil && t.arena.Valid() {
		guard = t.arena.Scratch()
		defer guard.Release()
		dp = guard.AllocInts(n)
		ans = guard.AllocInts(n)
	}
	if dp == nil || ans == nil {
		dp = make([]int32, n)
		ans = make([]int32, n)
	}

	// Last word alone on a line costs nothing.
	dp[n-1] = 0
	ans[n-1] = int32(n - 1)

	for i := n - 2; i >= 0; i-- {
		if shouldAbort != nil && i%100 == 0 && shouldAbort() {
			return nil
		}

		currlen := 0
		dp[i] = maxCost

		for j := i; j < n; j++ {
			gap := 0
			if j > i && !isAttaching[j] {
				gap = spaceWidth
			}
			currlen += widths[j] + gap
			if currlen > pageWidth {
				break
			}

			var cost int32
			if j == n-1 {
				cost = 0
			} else {
				remaining := int64(pageWidth - currlen)
				costWide := remaining*remaining + int64(dp[j+1])
				if costWide > maxCost {
					cost = maxCost
				} else {
					cost = int32(costWide)
				}
			}

			if cost < dp[i] {
				dp[i] = cost
				ans[i] = int32(j)
			}
		}

		// Oversized word: force it onto a line of its own.
		if dp[i] == maxCost {
			ans[i] = int32(i)
			if i+1 < n {
				dp[i] = dp[i+1]
			} else {
				dp[i] = 0
			}
		}
	}

	var breaks []int
	current := 0
	for current < n {
		next := int(ans[current]) + 1
		if next <= current {
			next = current + 1
		}
		breaks = append(breaks, next)
		current = next
	}
	return breaks
}

// computeLineBreaksGreedy takes words until the next one would overflow.
func (t *ParsedText) computeLineBreaksGreedy(pageWidth, spaceWidth int, widths []int, shouldAbort AbortFunc) []int {
	n := len(widths)
	if n == 0 {
		return nil
	}

	var breaks []int
	lineWidth := -spaceWidth // first word has no preceding space
	for i := 0; i < n; i++ {
		if shouldAbort != nil && i%200 == 0 && shouldAbort() {
			return nil
		}
		if lineWidth+widths[i]+spaceWidth > pageWidth && lineWidth > 0 {
			breaks = append(breaks, i)
			lineWidth = widths[i]
		} else {
			lineWidth += widths[i] + spaceWidth
		}
	}
	return append(breaks, n)
}

// computeHyphenatedLineBreaks is the greedy breaker with hyphenation at
// overflow points: the offending word is split at the widest fitting legal
// prefix. Character-boundary fallback splits are allowed only for a word
// starting its line, and for the pre-split of words wider than the viewport.
func (t *ParsedText) computeHyphenatedLineBreaks(m Measurer, pageWidth, spaceWidth int, widths *[]int, shouldAbort AbortFunc) []int {
	isAttaching := make([]bool, 0, len(*widths))
	for _, w := range t.words {
		isAttaching = append(isAttaching, isAttachingWord(w.Text))
	}

	// Pre-split words that cannot fit even on an empty line.
	for i := 0; i < len(*widths); i++ {
		for (*widths)[i] > pageWidth {
			if !t.hyphenateWordAtIndex(i, pageWidth, m, widths, true) {
				break
			}
			isAttaching = slices.Insert(isAttaching, i+1, false)
		}
	}

	var breaks []int
	current := 0

	for current < len(*widths) {
		if shouldAbort != nil && current%200 == 0 && shouldAbort() {
			return nil
		}

		lineStart := current
		lineWidth := 0

		for current < len(*widths) {
			firstWord := current == lineStart
			spacing := spaceWidth
			if firstWord || isAttaching[current] {
				spacing = 0
			}
			candidate := spacing + (*widths)[current]

			if lineWidth+candidate <= pageWidth {
				lineWidth += candidate
				current++
				continue
			}

			availWidth := pageWidth - lineWidth - spacing
			if availWidth > 0 && t.hyphenateWordAtIndex(current, availWidth, m, widths, firstWord) {
				isAttaching = slices.Insert(isAttaching, current+1, false)
				lineWidth += spacing + (*widths)[current]
				current++
				break
			}

			// Unsplittable: force at least one word per line.
			if current == lineStart {
				lineWidth += candidate
				current++
			}
			break
		}

		breaks = append(breaks, current)
	}
	return breaks
}

// hyphenateWordAtIndex splits the word at index into prefix and remainder
// when some legal break point produces a prefix fitting availableWidth. The
// widest fitting prefix wins; a required hyphen is appended to the stored
// prefix and counted in its width.
func (t *ParsedText) hyphenateWordAtIndex(index, availableWidth int, m Measurer, widths *[]int, allowFallback bool) bool {
	if availableWidth <= 0 || index >= len(t.words) {
		return false
	}

	word := t.words[index]
	points := t.hyph.Break(word.Text, allowFallback)
	if len(points) == 0 {
		return false
	}

	chosenOffset := 0
	chosenWidth := -1
	chosenNeedsHyphen := true

	for _, pt := range points {
		if pt.ByteOffset == 0 || pt.ByteOffset >= len(word.Text) {
			continue
		}
		prefixWidth := measureWord(m, word.Text[:pt.ByteOffset], word.Style, pt.RequiresHyphen)
		if prefixWidth > availableWidth || prefixWidth <= chosenWidth {
			continue
		}
		chosenWidth = prefixWidth
		chosenOffset = pt.ByteOffset
		chosenNeedsHyphen = pt.RequiresHyphen
	}
	if chosenWidth < 0 {
		return false
	}

	prefix := word.Text[:chosenOffset]
	remainder := word.Text[chosenOffset:]
	if chosenNeedsHyphen {
		prefix += "-"
	}

	t.words[index].Text = prefix
	rest := blocks.Word{Text: remainder, Style: word.Style, Deco: word.Deco}
	t.words = slices.Insert(t.words, index+1, rest)

	(*widths)[index] = chosenWidth
	remainderWidth := measureWord(m, remainder, word.Style, false)
	*widths = slices.Insert(*widths, index+1, remainderWidth)
	return true
}

// extractLine positions the words of one line and hands the finished block
// to processLine, dropping the consumed words. Justified lines distribute
// the spare space over the real gaps; gaps before attaching punctuation do
// not count and get no space.
func (t *ParsedText) extractLine(breakIndex, pageWidth, spaceWidth int, widths []int, breaks []int, processLine func(*blocks.TextBlock)) {
	lineBreak := breaks[breakIndex]
	lastBreakAt := 0
	if breakIndex > 0 {
		lastBreakAt = breaks[breakIndex-1]
	}
	lineWordCount := lineBreak - lastBreakAt

	lineWordWidthSum := 0
	actualGapCount := 0
	for idx := 0; idx < lineWordCount; idx++ {
		lineWordWidthSum += widths[lastBreakAt+idx]
		if idx > 0 && !isAttachingWord(t.words[idx].Text) {
			actualGapCount++
		}
	}

	spareSpace := pageWidth - lineWordWidthSum

	spacing := spaceWidth
	isLastLine := breakIndex == len(breaks)-1
	if t.align == blocks.Justified && !isLastLine && actualGapCount >= 1 {
		spacing = spareSpace / actualGapCount
	}

	// RTL has no distinct left alignment.
	effective := t.align
	if t.rtl && effective == blocks.LeftAlign {
		effective = blocks.RightAlign
	}

	line := make([]blocks.Word, 0, lineWordCount)

	if t.rtl {
		xpos := pageWidth
		if effective == blocks.CenterAlign {
			xpos = pageWidth - (spareSpace-actualGapCount*spacing)/2
		}
		for idx := 0; idx < lineWordCount; idx++ {
			w := t.words[idx]
			xpos -= widths[lastBreakAt+idx]
			w.XPos = uint16(xpos)
			line = append(line, w)

			if idx+1 < lineWordCount && isAttachingWord(t.words[idx+1].Text) {
				continue
			}
			xpos -= spacing
		}
	} else {
		xpos := 0
		switch effective {
		case blocks.RightAlign:
			xpos = spareSpace - actualGapCount*spaceWidth
		case blocks.CenterAlign:
			xpos = (spareSpace - actualGapCount*spaceWidth) / 2
		}
		for idx := 0; idx < lineWordCount; idx++ {
			w := t.words[idx]
			w.XPos = uint16(xpos)
			line = append(line, w)

			xpos += widths[lastBreakAt+idx]
			if idx+1 < lineWordCount && isAttachingWord(t.words[idx+1].Text) {
				continue
			}
			xpos += spacing
		}
	}

	t.words = t.words[lineWordCount:]
	processLine(&blocks.TextBlock{Words: line, Align: effective})
}

// measureWord measures with soft hyphens stripped, optionally with a visible
// hyphen appended.
func measureWord(m Measurer, word string, style blocks.Style, appendHyphen bool) int {
	display := strings.ReplaceAll(word, softHyphen, "")
	if appendHyphen {
		display += "-"
	}
	return m.TextWidth(display, style)
}

// isAttachingWord reports whether the word consists entirely of punctuation
// that attaches to the previous word without leading space.
func isAttachingWord(word string) bool {
	if word == "" {
		return false
	}
	for _, r := range word {
		switch r {
		case '.', ',', '!', '?', ';', ':', '"', '\'', '’', '”':
		default:
			return false
		}
	}
	return true
}

// isCjk reports whether r is an ideograph or kana that may break on either
// side without a space.
func isCjk(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF: // CJK Unified Ideographs
		return true
	case r >= 0x3400 && r <= 0x4DBF: // Extension A
		return true
	case r >= 0xF900 && r <= 0xFAFF: // Compatibility Ideographs
		return true
	case r >= 0x3040 && r <= 0x309F: // Hiragana
		return true
	case r >= 0x30A0 && r <= 0x30FF: // Katakana
		return true
	case r >= 0xAC00 && r <= 0xD7AF: // Hangul Syllables
		return true
	case r >= 0x20000 && r <= 0x2A6DF: // Extension B
		return true
	case r >= 0xFF00 && r <= 0xFFEF: // Fullwidth forms
		return true
	}
	return false
}
