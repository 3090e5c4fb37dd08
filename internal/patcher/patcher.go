// Package patcher applies the two guest-memory mutations this module
// supports: flipping a process's PS_PROTECTION byte, and writing
// caller-composed shellcode into a guest-virtual address.
//
// Grounded on spec section 4.14 and libvirtdma's PsProtection bitfield
// (win/eprocess.rs). The byte layout is read/written at byte
// granularity rather than through Go struct bit-fields, which have no
// guaranteed layout -- the same reasoning spec section 9 gives for
// avoiding compiler bit-fields generally.
package patcher

import (
	"fmt"

	"github.com/go-vmi/winvmi/internal/vmio"
)

// protectionOffset is PS_PROTECTION's position within EPROCESS,
// stable across every supported NT version.
const protectionOffset = 0x6ca

// ProtectionType is PS_PROTECTION.Type (bits 0..2).
type ProtectionType uint8

// Recognized protection types.
const (
	ProtectionNone           ProtectionType = 0
	ProtectionProtectedLight ProtectionType = 1
	ProtectionProtected      ProtectionType = 2
)

// ProtectionSigner is PS_PROTECTION.Signer (bits 4..7).
type ProtectionSigner uint8

// Recognized protection signers.
const (
	SignerNone         ProtectionSigner = 0
	SignerAuthenticode ProtectionSigner = 1
	SignerCodeGen      ProtectionSigner = 2
	SignerAntimalware  ProtectionSigner = 3
	SignerLsa          ProtectionSigner = 4
	SignerWindows      ProtectionSigner = 5
	SignerWinTcb       ProtectionSigner = 6
	SignerWinSystem    ProtectionSigner = 7
	SignerApp          ProtectionSigner = 8
)

// Protection is the decoded PS_PROTECTION byte: Type in bits 0..2,
// Audit in bit 3, Signer in bits 4..7.
type Protection struct {
	Type   ProtectionType
	Audit  bool
	Signer ProtectionSigner
}

func decodeProtection(b byte) Protection {
	return Protection{
		Type:   ProtectionType(b & 0x7),
		Audit:  b&0x8 != 0,
		Signer: ProtectionSigner(b >> 4 & 0xf),
	}
}

func (p Protection) encode() byte {
	b := byte(p.Type) & 0x7
	if p.Audit {
		b |= 0x8
	}

	b |= byte(p.Signer) << 4

	return b
}

// GetProtection reads the current PS_PROTECTION byte for the EPROCESS
// at the physical address eprocessPA.
func GetProtection(mem vmio.PhysMem, eprocessPA uint64) (Protection, bool) {
	b, ok := vmio.Read[byte](mem, eprocessPA+protectionOffset)
	if !ok {
		return Protection{}, false
	}

	return decodeProtection(b), true
}

// SetProtection overwrites the PS_PROTECTION byte for the EPROCESS at
// the physical address eprocessPA. The write goes directly to
// physical memory, matching the Rust tool this is grounded on.
func SetProtection(mem vmio.PhysMem, eprocessPA uint64, typ ProtectionType, signer ProtectionSigner) error {
	p := Protection{Type: typ, Signer: signer}
	if !vmio.Write(mem, eprocessPA+protectionOffset, p.encode()) {
		return fmt.Errorf("patcher: writing PS_PROTECTION at %#x", eprocessPA+protectionOffset)
	}

	return nil
}

// WriteShellcode writes raw bytes into the guest's virtual address
// space through dtb, for injecting a payload over an unused prologue
// a caller has already located with internal/scanner.
func WriteShellcode(mem vmio.PhysMem, dtb, va uint64, code []byte) error {
	if !vmio.VWriteBytes(mem, dtb, va, code) {
		return fmt.Errorf("patcher: writing %d bytes of shellcode at %#x", len(code), va)
	}

	return nil
}
