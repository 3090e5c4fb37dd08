// Package remoteptr provides a typed guest-address handle, plus the
// decimal/hex/sum expression parser the REPL and HTTP surfaces use to
// accept addresses from an operator as plain text.
//
// Grounded on libvirtdma's RemotePtr (vm/mod.rs) and
// mlayout.rs::parse_u64.
package remoteptr

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-vmi/winvmi/internal/vmio"
)

// Ptr is a guest-virtual address paired with the DTB it resolves
// through -- a newtype specifically so a raw uint64 address can never
// be read without also specifying which address space it lives in.
type Ptr struct {
	DTB uint64
	VA  uint64
}

// WithOffset returns a Ptr offset bytes further into the same address
// space.
func (p Ptr) WithOffset(offset uint64) Ptr {
	return Ptr{DTB: p.DTB, VA: p.VA + offset}
}

// String formats the address as a fixed-width 16-digit hex value,
// matching how guest addresses are conventionally displayed.
func (p Ptr) String() string {
	return fmt.Sprintf("%016x", p.VA)
}

// ReadBytes reads len(dst) bytes starting at p.
func (p Ptr) ReadBytes(mem vmio.PhysMem, dst []byte) bool {
	return vmio.VReadBytes(mem, p.DTB, p.VA, dst)
}

// Read decodes a value of type T at p.
func Read[T any](mem vmio.PhysMem, p Ptr) (T, bool) {
	return vmio.VRead[T](mem, p.DTB, p.VA)
}

// ParseU64 parses a decimal integer ("123"), a hex literal prefixed
// with "0x" (odd-length hex left-padded with a zero nibble), or a sum
// of two such expressions joined with "+" (evaluated recursively, so
// "0x10+20" and "0x10+0x10+10" both work). littleEndian selects the
// byte order used to decode the hex form.
//
// Grounded verbatim on mlayout.rs::parse_u64.
func ParseU64(s string, littleEndian bool) (uint64, bool) {
	if i := strings.IndexByte(s, '+'); i >= 0 {
		lh, ok := ParseU64(s[:i], littleEndian)
		if !ok {
			return 0, false
		}

		rh, ok := ParseU64(s[i+1:], littleEndian)
		if !ok {
			return 0, false
		}

		return lh + rh, true
	}

	h, ok := strings.CutPrefix(s, "0x")
	if !ok {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, false
		}

		return v, true
	}

	if len(h) < 16 {
		h = strings.Repeat("0", 16-len(h)) + h
	}

	raw, err := hex.DecodeString(h)
	if err != nil {
		return 0, false
	}

	if len(raw) < 8 {
		return 0, false
	}

	raw = raw[:8]

	if littleEndian {
		return binary.LittleEndian.Uint64(raw), true
	}

	return binary.BigEndian.Uint64(raw), true
}
