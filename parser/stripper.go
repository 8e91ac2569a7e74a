package parser

// dataURIStripper removes embedded base64 images from HTML chunks before the
// tokenizer sees them. A src="data:..." attribute value of any length is
// replaced by "#", so a multi-megabyte embedded image never reaches the
// token buffer. State survives across chunks: a pattern split over a chunk
// boundary is stashed and re-examined with the next chunk, and a value still
// open at the end of a chunk keeps being skipped in the next one.
//
// The match target is `src=` followed by a quote followed by `data:`, with
// `src` and `data` case-insensitive and either quote character accepted.
type dataURIStripper struct {
	partial  []byte // carried tail that may be a pattern prefix
	skipping bool   // inside a data: value, dropping until the quote
	quote    byte
}

func (s *dataURIStripper) reset() {
	s.partial = s.partial[:0]
	s.skipping = false
}

// strip filters one chunk, returning the bytes to hand to the tokenizer.
// The input slice is not retained.
func (s *dataURIStripper) strip(chunk []byte) []byte {
	if len(s.partial) > 0 {
		chunk = append(append([]byte{}, s.partial...), chunk...)
		s.partial = s.partial[:0]
	}

	out := make([]byte, 0, len(chunk))
	i := 0

	for i < len(chunk) {
		if s.skipping {
			j := i
			for j < len(chunk) && chunk[j] != s.quote {
				j++
			}
			if j == len(chunk) {
				return out // value continues into the next chunk
			}
			i = j + 1 // drop the closing quote too
			s.skipping = false
			continue
		}

		m := patternMatch(chunk[i:])
		switch {
		case m == patternFull:
			// Emit `src=` and the quote as written, then the placeholder.
			out = append(out, chunk[i:i+5]...)
			out = append(out, '#', chunk[i+4])
			s.quote = chunk[i+4]
			s.skipping = true
			i += 10
		case m == len(chunk)-i:
			// Chunk ends inside a possible pattern; stash and wait. The
			// stash is at most patternFull-1 bytes, the pattern less its
			// final ':'.
			s.partial = append(s.partial[:0], chunk[i:]...)
			return out
		default:
			out = append(out, chunk[i])
			i++
		}
	}
	return out
}

const patternFull = 10

// patternMatch returns how many leading bytes of b match a prefix of
// `src=<quote>data:`, or 0 if b does not start a match. A return of len(b)
// shorter than patternFull means the match ran off the end of the chunk.
func patternMatch(b []byte) int {
	const pat = "src=\x00data:" // \x00 slot matches either quote
	n := 0
	for n < len(b) && n < patternFull {
		want := pat[n]
		c := b[n]
		switch {
		case want == 0:
			if c != '"' && c != '\'' {
				return 0
			}
		case want >= 'a' && want <= 'z':
			if c|0x20 != want {
				return 0
			}
		default:
			if c != want {
				return 0
			}
		}
		n++
	}
	return n
}
