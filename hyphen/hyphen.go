// Package hyphen provides Liang pattern hyphenation for line breaking
// (pattern handling forked from github.com/AlanQuatermain/go-hyphenator and
// modified).
package hyphen

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"embed"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/language"
)

//go:embed dictionaries/*.gz
var dictionaryFiles embed.FS

const softHyphen = '­'

// BreakPoint is a candidate break inside a word. The line keeps
// word[:ByteOffset]; when RequiresHyphen is set the rendered prefix gets a
// trailing '-'.
type BreakPoint struct {
	ByteOffset     int
	RequiresHyphen bool
}

// Hyphenator finds break points in words using TeX hyphenation patterns.
// A nil Hyphenator is valid and produces only fallback breaks.
type Hyphenator struct {
	patterns   *patternTrie
	exceptions map[string]string
	language   string
}

// Some languages require additional specification.
var langMap = map[string]string{
	"de":    "de-1901",
	"de-de": "de-1901",
	"de-at": "de-1996",
	"de-ch": "de-ch-1901",
	"el":    "el-monoton",
	"el-gr": "el-monoton",
	"en":    "en-us",
	"mn":    "mn-cyrl",
	"sh":    "sh-latn",
	"sr":    "sr-cyrl",
	"zh":    "zh-latn-pinyin",
}

func getCompressedDictionaryData(name string) ([]byte, error) {
	data, err := dictionaryFiles.ReadFile(name)
	if err != nil {
		return nil, err
	}
	r, err := gzip.NewReader(bytes.NewBuffer(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func tryLoadDictionary(name, suffix string) ([]byte, error) {
	return getCompressedDictionaryData(fmt.Sprintf("dictionaries/hyph-%s.%s.txt.gz", name, suffix))
}

// New loads the hyphenation dictionary for the specified language. Returns
// nil when no dictionary matches, which disables pattern hyphenation.
func New(lang language.Tag, log *zap.Logger) *Hyphenator {
	if log == nil {
		log = zap.NewNop()
	}

	var langName string

	// Try language tag
	name := strings.ToLower(lang.String())
	dataPatterns, err := tryLoadDictionary(name, "pat")
	if err == nil {
		langName = name
	}

	// Try mapped language tag
	if langName == "" {
		if mapped, ok := langMap[name]; ok {
			dataPatterns, err = tryLoadDictionary(mapped, "pat")
			if err == nil {
				langName = mapped
			}
		}
	}

	// Try base language tag
	if langName == "" {
		base, confidence := lang.Base()
		if confidence != language.No {
			name = strings.ToLower(base.String())
			dataPatterns, err = tryLoadDictionary(name, "pat")
			if err == nil {
				langName = name
			}
		} else {
			log.Warn("Unable to determine language base", zap.Stringer("tag", lang), zap.Stringer("base", base))
		}
	}

	// Try mapped base language tag
	if langName == "" && name != "" {
		if mapped, ok := langMap[name]; ok {
			dataPatterns, err = tryLoadDictionary(mapped, "pat")
			if err == nil {
				langName = mapped
			}
		}
	}

	if langName == "" {
		log.Warn("Unable to find suitable hyphenation dictionary, turning off hyphenation", zap.Stringer("language", lang))
		return nil
	}

	// Exceptions dictionary is optional
	dataExceptions, err := tryLoadDictionary(langName, "hyp")
	if err != nil {
		log.Debug("No exceptions dictionary found, leaving empty", zap.Stringer("tag", lang), zap.String("name", langName))
		dataExceptions = []byte{}
	}

	h, err := load(langName, bytes.NewReader(dataPatterns), bytes.NewReader(dataExceptions))
	if err != nil {
		log.Warn("Unable to load hyphenation dictionary", zap.Stringer("tag", lang), zap.Error(err))
		return nil
	}
	return h
}

func load(langName string, patterns, exceptions io.Reader) (*Hyphenator, error) {
	h := &Hyphenator{
		patterns:   newPatternTrie(),
		exceptions: make(map[string]string, 20),
		language:   langName,
	}

	scanner := bufio.NewScanner(patterns)
	for scanner.Scan() {
		h.patterns.addPattern(strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	scanner = bufio.NewScanner(exceptions)
	for scanner.Scan() {
		str := strings.TrimSpace(scanner.Text())
		if str == "" {
			continue
		}
		key := strings.ReplaceAll(str, `-`, ``)
		h.exceptions[key] = str
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return h, nil
}

// Break returns candidate break points for word, ordered by byte offset.
// Soft hyphens and literal dashes already present in the word take precedence
// over pattern matches. With allowFallback set, a word that yields no
// candidates gets a break at every interior rune boundary instead.
func (h *Hyphenator) Break(word string, allowFallback bool) []BreakPoint {
	pts := h.points(word)
	if len(pts) == 0 && allowFallback {
		pts = fallbackPoints(word)
	}
	return pts
}

func (h *Hyphenator) points(word string) []BreakPoint {
	if pts := markedPoints(word); len(pts) != 0 {
		return pts
	}
	if h == nil {
		return nil
	}
	if exc, ok := h.exceptions[word]; ok {
		return exceptionPoints(exc)
	}
	return h.patternPoints(word)
}

// markedPoints honors break marks the author put into the word: soft hyphens
// (invisible, a '-' appears when broken there) and literal dashes (already
// visible, no extra hyphen).
func markedPoints(word string) []BreakPoint {
	var pts []BreakPoint
	for pos, ch := range word {
		end := pos + utf8.RuneLen(ch)
		if pos == 0 || end >= len(word) {
			continue
		}
		switch ch {
		case softHyphen:
			pts = append(pts, BreakPoint{ByteOffset: end, RequiresHyphen: true})
		case '-':
			pts = append(pts, BreakPoint{ByteOffset: end, RequiresHyphen: false})
		}
	}
	return pts
}

func exceptionPoints(hyphenated string) []BreakPoint {
	var pts []BreakPoint
	offset := 0
	for _, ch := range hyphenated {
		if ch == '-' {
			pts = append(pts, BreakPoint{ByteOffset: offset, RequiresHyphen: true})
			continue
		}
		offset += utf8.RuneLen(ch)
	}
	return pts
}

// patternPoints runs the Liang algorithm: digit values of every matching
// pattern are max-merged over '.'+word+'.', odd merged values mark breaks.
// The first two and last two characters never take a break.
func (h *Hyphenator) patternPoints(word string) []BreakPoint {
	testStr := `.` + word + `.`
	v := make([]int, utf8.RuneCountInString(testStr))

	vIndex := 0
	for pos := range testStr {
		values, lens := h.patterns.matchesAt(testStr[pos:])
		for i := range values {
			val := values[i]
			diff := len(val) - lens[i]
			vs := v[vIndex-diff:]
			for j := range val {
				if val[j] > vs[j] {
					vs[j] = val[j]
				}
			}
		}
		vIndex++
	}

	// trim the values for the leading and trailing dots
	markers := v[1 : len(v)-1]

	var pts []BreakPoint
	mIndex := 0
	for pos, ch := range word {
		if 1 <= mIndex && mIndex < len(markers)-2 && markers[mIndex]%2 != 0 {
			pts = append(pts, BreakPoint{ByteOffset: pos + utf8.RuneLen(ch), RequiresHyphen: true})
		}
		mIndex++
	}
	return pts
}

// fallbackPoints marks every interior rune boundary. Used for words the
// pattern set cannot split that still have to fit a line.
func fallbackPoints(word string) []BreakPoint {
	var pts []BreakPoint
	for pos := range word {
		if pos > 0 {
			pts = append(pts, BreakPoint{ByteOffset: pos, RequiresHyphen: true})
		}
	}
	return pts
}
