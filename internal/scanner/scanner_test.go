package scanner_test

import (
	"reflect"
	"testing"

	"github.com/go-vmi/winvmi/internal/scanner"
)

func TestFindAllOverlapping(t *testing.T) {
	got := scanner.FindAll([]byte("aaaa"), []byte("aa"))
	want := []int{0, 1, 2}

	if !reflect.DeepEqual(got, want) {
		t.Fatalf("FindAll = %v, want %v", got, want)
	}
}

func TestFindAllNoMatch(t *testing.T) {
	got := scanner.FindAll([]byte("abcdef"), []byte("xyz"))
	if got != nil {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestCompileMaskedRejectsOddLength(t *testing.T) {
	if _, err := scanner.CompileMasked("ABC"); err == nil {
		t.Fatal("expected an error for odd-length pattern")
	}
}

func TestCompileMaskedRejectsUnpairedWildcard(t *testing.T) {
	if _, err := scanner.CompileMasked("A?CD"); err == nil {
		t.Fatal("expected an error for an unpaired wildcard nibble")
	}
}

func TestCompileMaskedAcceptsPairedWildcard(t *testing.T) {
	p, err := scanner.CompileMasked("AB??CD")
	if err != nil {
		t.Fatalf("CompileMasked: %v", err)
	}

	if p.ByteLen != 3 {
		t.Fatalf("ByteLen = %d, want 3", p.ByteLen)
	}
}

// TestMaskedPatternEndToEnd reproduces the scenario given in the
// specification: a 12-byte dumped buffer, with the middle four bytes
// wildcarded out, matches exactly once at offset 0.
func TestMaskedPatternEndToEnd(t *testing.T) {
	haystack := []byte{0x48, 0x89, 0x05, 0xAA, 0xAB, 0xAC, 0xAD, 0x48, 0x83, 0xC4, 0x38, 0xC3}

	p, err := scanner.CompileMasked("488905????????4883c438c3")
	if err != nil {
		t.Fatalf("CompileMasked: %v", err)
	}

	matches := p.FindAll(haystack)
	if len(matches) != 1 || matches[0] != 0 {
		t.Fatalf("matches = %v, want [0]", matches)
	}
}

func TestMaskedPatternMatchesHighBytesLiterally(t *testing.T) {
	haystack := []byte{0x01, 0xFE, 0xFD, 0x02}

	p, err := scanner.CompileMasked("01fefd02")
	if err != nil {
		t.Fatalf("CompileMasked: %v", err)
	}

	matches := p.FindAll(haystack)
	if len(matches) != 1 || matches[0] != 0 {
		t.Fatalf("matches = %v, want [0]", matches)
	}
}

func TestMaskedPatternNoMatch(t *testing.T) {
	haystack := []byte{0x01, 0x02, 0x03, 0x04}

	p, err := scanner.CompileMasked("0506")
	if err != nil {
		t.Fatalf("CompileMasked: %v", err)
	}

	if matches := p.FindAll(haystack); matches != nil {
		t.Fatalf("expected no matches, got %v", matches)
	}
}
