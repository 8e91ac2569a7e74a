package layout

import (
	"testing"
	"unicode/utf8"

	"github.com/google/go-cmp/cmp"

	"xtc/arena"
	"xtc/blocks"
)

// fixedMeasurer gives every rune the same advance, which keeps expected
// positions easy to compute by hand.
type fixedMeasurer struct{}

func (fixedMeasurer) TextWidth(s string, _ blocks.Style) int { return utf8.RuneCountInString(s) * 10 }
func (fixedMeasurer) SpaceWidth() int                        { return 10 }
func (fixedMeasurer) LineHeight() int                        { return 20 }

func addWords(t *ParsedText, words ...string) {
	for _, w := range words {
		t.AddWord(w, blocks.Regular, blocks.DecoNone)
	}
}

func collectLines(t *testing.T, pt *ParsedText, viewport int, includeLast bool) []*blocks.TextBlock {
	t.Helper()
	var lines []*blocks.TextBlock
	ok := pt.LayoutAndExtractLines(fixedMeasurer{}, viewport, func(b *blocks.TextBlock) {
		lines = append(lines, b)
	}, includeLast, nil)
	if !ok {
		t.Fatal("layout aborted unexpectedly")
	}
	return lines
}

func lineTexts(b *blocks.TextBlock) []string {
	texts := make([]string, len(b.Words))
	for i, w := range b.Words {
		texts[i] = w.Text
	}
	return texts
}

func TestAddWordSplitsCJK(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	pt.AddWord("abc漢字def", blocks.Regular, blocks.DecoNone)

	var got []string
	for i := 0; i < pt.Len(); i++ {
		got = append(got, pt.words[i].Text)
	}
	want := []string{"abc", "漢", "字", "def"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("words mismatch (-want +got):\n%s", diff)
	}
}

func TestAddWordIgnoresEmpty(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	pt.AddWord("", blocks.Regular, blocks.DecoNone)
	if !pt.Empty() {
		t.Error("empty word was stored")
	}
}

func TestAttachingPunctuationGetsNoGap(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	addWords(pt, "Hello", ",", "world")

	lines := collectLines(t, pt, 200, true)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	wantX := []uint16{0, 50, 70}
	for i, w := range lines[0].Words {
		if w.XPos != wantX[i] {
			t.Errorf("word %q at x=%d, want %d", w.Text, w.XPos, wantX[i])
		}
	}
	if !pt.Empty() {
		t.Errorf("%d words left pending", pt.Len())
	}
}

func TestGreedyBreaks(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{Greedy: true})
	addWords(pt, "aa", "bb", "cc")

	lines := collectLines(t, pt, 50, true)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if diff := cmp.Diff([]string{"aa", "bb"}, lineTexts(lines[0])); diff != "" {
		t.Errorf("first line (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"cc"}, lineTexts(lines[1])); diff != "" {
		t.Errorf("second line (-want +got):\n%s", diff)
	}
}

func TestJustifiedSpacingFillsLine(t *testing.T) {
	pt := New(blocks.Justified, Options{})
	addWords(pt, "aa", "bb", "cc", "dd")

	lines := collectLines(t, pt, 100, true)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	// Spare space on the first line is spread over its two gaps so the
	// last word ends flush with the right edge.
	first := lines[0]
	if diff := cmp.Diff([]string{"aa", "bb", "cc"}, lineTexts(first)); diff != "" {
		t.Fatalf("first line (-want +got):\n%s", diff)
	}
	wantX := []uint16{0, 40, 80}
	for i, w := range first.Words {
		if w.XPos != wantX[i] {
			t.Errorf("word %q at x=%d, want %d", w.Text, w.XPos, wantX[i])
		}
	}

	// Last line keeps natural spacing.
	if got := lines[1].Words[0].XPos; got != 0 {
		t.Errorf("last line starts at x=%d, want 0", got)
	}
}

func TestCenterAlign(t *testing.T) {
	pt := New(blocks.CenterAlign, Options{})
	addWords(pt, "ab", "cd")

	lines := collectLines(t, pt, 100, true)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	wantX := []uint16{25, 55}
	for i, w := range lines[0].Words {
		if w.XPos != wantX[i] {
			t.Errorf("word %q at x=%d, want %d", w.Text, w.XPos, wantX[i])
		}
	}
}

func TestRightAlign(t *testing.T) {
	pt := New(blocks.RightAlign, Options{})
	addWords(pt, "ab", "cd")

	lines := collectLines(t, pt, 100, true)
	wantX := []uint16{50, 80}
	for i, w := range lines[0].Words {
		if w.XPos != wantX[i] {
			t.Errorf("word %q at x=%d, want %d", w.Text, w.XPos, wantX[i])
		}
	}
}

func TestRTLLayout(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{RTL: true})
	addWords(pt, "אבג", "דה")

	lines := collectLines(t, pt, 100, true)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0].Align != blocks.RightAlign {
		t.Errorf("align = %v, want right", lines[0].Align)
	}
	wantX := []uint16{70, 40}
	for i, w := range lines[0].Words {
		if w.XPos != wantX[i] {
			t.Errorf("word %q at x=%d, want %d", w.Text, w.XPos, wantX[i])
		}
	}
}

func TestIndentPrependedToFirstWord(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{IndentLevel: IndentNormal})
	addWords(pt, "hello", "there")

	lines := collectLines(t, pt, 300, true)
	got := lines[0].Words[0].Text
	if got != " hello" {
		t.Errorf("first word = %q, want em-space prefix", got)
	}
	// The indent widens the first word, pushing the second one out.
	if x := lines[0].Words[1].XPos; x != 70 {
		t.Errorf("second word at x=%d, want 70", x)
	}
}

func TestHyphenationFallbackSplitsOversizedWord(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{Hyphenate: true})
	addWords(pt, "abcdefghijklmnopqrst")

	lines := collectLines(t, pt, 85, true)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	want := [][]string{{"abcdefg-"}, {"hijklmn-"}, {"opqrst"}}
	for i, line := range lines {
		if diff := cmp.Diff(want[i], lineTexts(line)); diff != "" {
			t.Errorf("line %d (-want +got):\n%s", i, diff)
		}
		width := 0
		for _, w := range line.Words {
			width += utf8.RuneCountInString(w.Text) * 10
		}
		if width > 85 {
			t.Errorf("line %d is %d wide, exceeds viewport", i, width)
		}
	}
}

func TestHyphenationSplitsAtLiteralDash(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{Hyphenate: true})
	addWords(pt, "state", "well-known")

	lines := collectLines(t, pt, 120, true)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if diff := cmp.Diff([]string{"state", "well-"}, lineTexts(lines[0])); diff != "" {
		t.Errorf("first line (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"known"}, lineTexts(lines[1])); diff != "" {
		t.Errorf("second line (-want +got):\n%s", diff)
	}
}

func TestOversizedWordGetsOwnLine(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	addWords(pt, "xxxxxxxxxxxxxxxxxxxxxxxxxxxxxx", "aa")

	lines := collectLines(t, pt, 100, true)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if n := len(lines[0].Words); n != 1 {
		t.Errorf("first line has %d words, want 1", n)
	}
}

func TestMinimumRaggednessBeatsGreedy(t *testing.T) {
	words := []string{"the", "quick", "brown", "fox", "jumps", "over", "a", "lazy", "sleeping", "dog", "in", "midsummer"}
	const viewport = 180

	ar := arena.New(nil)
	ar.Init()
	defer ar.Release()

	layoutWith := func(greedy bool) [][]string {
		pt := New(blocks.LeftAlign, Options{Greedy: greedy, Arena: ar})
		addWords(pt, words...)
		var lines [][]string
		ok := pt.LayoutAndExtractLines(fixedMeasurer{}, viewport, func(b *blocks.TextBlock) {
			lines = append(lines, lineTexts(b))
		}, true, nil)
		if !ok {
			t.Fatal("layout aborted")
		}
		return lines
	}

	cost := func(lines [][]string) int64 {
		var total int64
		for i, line := range lines {
			if i == len(lines)-1 {
				break
			}
			width := -10
			for _, w := range line {
				width += utf8.RuneCountInString(w)*10 + 10
			}
			leftover := int64(viewport - width)
			total += leftover * leftover
		}
		return total
	}

	dpCost := cost(layoutWith(false))
	greedyCost := cost(layoutWith(true))
	if dpCost > greedyCost {
		t.Errorf("dp cost %d exceeds greedy cost %d", dpCost, greedyCost)
	}
}

func TestAbortStopsLayout(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	addWords(pt, "aa", "bb")

	emitted := 0
	ok := pt.LayoutAndExtractLines(fixedMeasurer{}, 200, func(*blocks.TextBlock) {
		emitted++
	}, true, func() bool { return true })
	if ok {
		t.Error("aborted layout reported success")
	}
	if emitted != 0 {
		t.Errorf("%d lines emitted after abort", emitted)
	}
}

func TestIncludeLastLineFalseKeepsTail(t *testing.T) {
	pt := New(blocks.LeftAlign, Options{})
	addWords(pt, "aa", "bb")

	lines := collectLines(t, pt, 200, false)
	if len(lines) != 0 {
		t.Fatalf("got %d lines, want 0", len(lines))
	}
	if pt.Len() != 2 {
		t.Errorf("%d words pending, want 2", pt.Len())
	}

	lines = collectLines(t, pt, 200, true)
	if len(lines) != 1 || len(lines[0].Words) != 2 {
		t.Fatalf("flush produced %+v", lines)
	}
}
