// Package scanner implements the two search primitives used to locate
// code and data inside a dumped memory region: exact two-way search
// (memmem) and masked hex-pattern ("signature") search with `??`
// wildcard nibbles.
//
// Grounded on spec section 4.13. Exact search reuses bytes.Index,
// which already runs a two-way-algorithm variant internally for
// longer needles rather than reimplementing one. Masked search
// compiles to a stdlib regexp, matching the design's description of
// compiling a signature into "a regex... with `.` for wildcard
// bytes" -- since literal bytes above the ASCII range do not survive
// a regexp's normal UTF-8 literal encoding, both the compiled pattern
// and the haystack are reinterpreted one byte per rune (Latin-1
// fashion) before matching, and match offsets are mapped back to the
// original byte indices afterward.
package scanner

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// FindAll returns every starting offset at which needle occurs in
// haystack, in ascending order, including overlapping occurrences.
func FindAll(haystack, needle []byte) []int {
	if len(needle) == 0 {
		return nil
	}

	var out []int

	start := 0
	for {
		idx := bytes.Index(haystack[start:], needle)
		if idx < 0 {
			return out
		}

		out = append(out, start+idx)
		start += idx + 1
	}
}

// MaskedPattern is a compiled masked hex signature.
type MaskedPattern struct {
	re      *regexp.Regexp
	ByteLen int
}

// CompileMasked parses a hex string where each byte is two nibbles,
// either both hex digits or both `?`, and compiles it into a
// MaskedPattern. An odd total length, or a `?` nibble not paired with
// another `?` in the same byte, is an error.
func CompileMasked(pattern string) (*MaskedPattern, error) {
	if len(pattern)%2 != 0 {
		return nil, fmt.Errorf("scanner: pattern %q has odd length", pattern)
	}

	numBytes := len(pattern) / 2

	var sb strings.Builder

	sb.WriteString("(?s)") // '.' must match every byte value, including 0x0a

	for i := 0; i < numBytes; i++ {
		pair := pattern[2*i : 2*i+2]
		hiWild := pair[0] == '?'
		loWild := pair[1] == '?'

		if hiWild != loWild {
			return nil, fmt.Errorf("scanner: unpaired wildcard nibble in byte %d (%q)", i, pair)
		}

		if hiWild {
			sb.WriteByte('.')
			continue
		}

		b, err := strconv.ParseUint(pair, 16, 8)
		if err != nil {
			return nil, fmt.Errorf("scanner: invalid hex byte %q: %w", pair, err)
		}

		sb.WriteString(regexp.QuoteMeta(latin1Rune(byte(b))))
	}

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("scanner: compiling pattern %q: %w", pattern, err)
	}

	return &MaskedPattern{re: re, ByteLen: numBytes}, nil
}

// FindAll returns the starting byte offset of each match in haystack,
// scanning left to right; matches do not overlap, so a match that
// starts inside an earlier one is not reported.
func (p *MaskedPattern) FindAll(haystack []byte) []int {
	encoded, offsets := latin1Encode(haystack)

	matches := p.re.FindAllStringIndex(encoded, -1)
	if matches == nil {
		return nil
	}

	out := make([]int, 0, len(matches))
	for _, m := range matches {
		out = append(out, sort.SearchInts(offsets, m[0]))
	}

	return out
}

func latin1Rune(b byte) string {
	return string(rune(b))
}

// latin1Encode re-encodes buf as a string with one rune per input
// byte, and returns the prefix-sum table mapping each rune's starting
// byte offset within the encoded string back to the original index
// in buf -- the inverse of the indices FindAllStringIndex reports.
func latin1Encode(buf []byte) (string, []int) {
	var sb strings.Builder

	offsets := make([]int, 0, len(buf)+1)
	for _, b := range buf {
		offsets = append(offsets, sb.Len())
		sb.WriteRune(rune(b))
	}

	offsets = append(offsets, sb.Len())

	return sb.String(), offsets
}
