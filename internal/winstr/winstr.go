// Package winstr resolves Windows UNICODE_STRING values -- a
// (length, max length, pointer) triple describing UTF-16 text that
// lives elsewhere in guest memory.
//
// Grounded on libvirtdma's UnicodeString::resolve (win/unicode_string.rs).
package winstr

import (
	"unicode/utf16"

	"github.com/go-vmi/winvmi/internal/vmio"
)

// UnicodeString mirrors the UNICODE_STRING layout: two u16 lengths
// followed by an 8-byte-aligned pointer, exactly as it appears
// embedded in PEB/LDR_DATA_TABLE_ENTRY/EPROCESS.
type UnicodeString struct {
	Length        uint16
	MaximumLength uint16
	_             [4]byte
	Buffer        uint64
}

// Read decodes a UnicodeString header at va.
func Read(mem vmio.PhysMem, dtb, va uint64) (UnicodeString, bool) {
	return vmio.VRead[UnicodeString](mem, dtb, va)
}

// Resolve reads the UTF-16 text the string points at and converts it
// to a Go string. maxLen, if nonzero, additionally clamps the number
// of bytes read below the string's own Length.
func (u UnicodeString) Resolve(mem vmio.PhysMem, dtb uint64, maxLen uint16) (string, bool) {
	readLen := u.Length
	if maxLen != 0 && maxLen < readLen {
		readLen = maxLen
	}

	if readLen == 0 {
		return "", true
	}

	buf := make([]byte, readLen)
	if !vmio.VReadBytes(mem, dtb, u.Buffer, buf) {
		return "", false
	}

	units := make([]uint16, readLen/2)
	for i := range units {
		units[i] = uint16(buf[2*i]) | uint16(buf[2*i+1])<<8
	}

	return string(utf16.Decode(units)), true
}
