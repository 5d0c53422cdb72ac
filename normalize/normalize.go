// Package normalize rewrites typographic dashes to a plain hyphen-minus.
//
// Only two characters are touched: EM DASH (U+2014) and EN DASH (U+2013).
// Every other byte, including invalid UTF-8, is copied through unchanged, so
// the output differs from the input only at the replaced positions.
package normalize

import (
	"io"
	"strings"

	"golang.org/x/text/transform"
)

const (
	EmDash = '—'
	EnDash = '–'
	Hyphen = '-'
)

// Both dashes encode as E2 80 xx in UTF-8.
const (
	lead   = 0xE2
	second = 0x80
	enLast = 0x93
	emLast = 0x94
)

// IsDash reports whether r is rewritten by Text.
func IsDash(r rune) bool {
	return r == EmDash || r == EnDash
}

// Count returns the number of em-dash and en-dash characters in s.
func Count(s string) int {
	return strings.Count(s, string(EmDash)) + strings.Count(s, string(EnDash))
}

// Text returns raw with every dash replaced and the number of replacements.
// When nothing matches, raw itself is returned with a count of 0.
func Text(raw string) (string, int) {
	n := Count(raw)
	if n == 0 {
		return raw, 0
	}
	clean, _, err := transform.String(Dashes, raw)
	if err != nil {
		return raw, 0
	}
	return clean, n
}

// Dashes is a stateless transformer performing the same rewrite as Text.
// It is safe for concurrent use.
var Dashes transform.Transformer = dashes{}

// Reader wraps r so that everything read from it has its dashes rewritten.
// Multi-byte sequences split across reads are handled.
func Reader(r io.Reader) io.Reader {
	return transform.NewReader(r, Dashes)
}

type dashes struct{ transform.NopResetter }

func (dashes) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		b := src[nSrc]
		if b == lead {
			rest := src[nSrc:]
			if len(rest) < 3 {
				if !atEOF && (len(rest) == 1 || rest[1] == second) {
					return nDst, nSrc, transform.ErrShortSrc
				}
			} else if rest[1] == second && (rest[2] == enLast || rest[2] == emLast) {
				if nDst >= len(dst) {
					return nDst, nSrc, transform.ErrShortDst
				}
				dst[nDst] = Hyphen
				nDst++
				nSrc += 3
				continue
			}
		}
		if nDst >= len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		dst[nDst] = b
		nDst++
		nSrc++
	}
	return nDst, nSrc, nil
}
