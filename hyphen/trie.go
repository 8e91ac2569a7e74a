package hyphen

import (
	"unicode"
)

// patternTrie stores TeX-style hyphenation patterns indexed by rune. Each
// stored pattern carries its digit vector: one value per pattern character
// plus a possible leading value.
type patternTrie struct {
	leaf     bool
	value    []int
	children map[rune]*patternTrie
}

func newPatternTrie() *patternTrie {
	return &patternTrie{children: make(map[rune]*patternTrie)}
}

func (t *patternTrie) insert(runes []rune, v []int) {
	n := t
	for _, r := range runes {
		child := n.children[r]
		if child == nil {
			child = newPatternTrie()
			n.children[r] = child
		}
		n = child
	}
	n.leaf = true
	n.value = v
}

// addPattern parses a pattern of the form '.hy2p' and stores its letters with
// the extracted digit vector.
func (t *patternTrie) addPattern(s string) {
	runes := []rune(s)
	if len(runes) == 0 {
		return
	}

	const zero = '0'

	v := []int{}
	for i, sym := range runes {
		if unicode.IsDigit(sym) {
			if i == 0 {
				// prefix number
				v = append(v, int(sym-zero))
			}
			// otherwise this digit describes the character before it and
			// was consumed by the lookahead below
			continue
		}
		if i < len(runes)-1 && unicode.IsDigit(runes[i+1]) {
			v = append(v, int(runes[i+1]-zero))
		} else {
			v = append(v, 0)
		}
	}

	pure := runes[:0:0]
	for _, sym := range runes {
		if !unicode.IsDigit(sym) {
			pure = append(pure, sym)
		}
	}
	t.insert(pure, v)
}

// matchesAt walks s from its first rune and collects the digit vectors of all
// stored patterns that are prefixes of s, together with their rune lengths.
func (t *patternTrie) matchesAt(s string) (values [][]int, lens []int) {
	n := t
	count := 0
	for _, r := range s {
		child := n.children[r]
		if child == nil {
			break
		}
		count++
		if child.leaf {
			values = append(values, child.value)
			lens = append(lens, count)
		}
		n = child
	}
	return values, lens
}

// size counts stored nodes, excluding the root.
func (t *patternTrie) size() int {
	sz := len(t.children)
	for _, child := range t.children {
		sz += child.size()
	}
	return sz
}
