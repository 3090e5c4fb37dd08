// Package versionprobe recovers the guest's NT version and build
// number by pattern-matching the machine code of its exported
// RtlGetVersion function -- the guest never has to cooperate, and no
// registry or WMI access is needed.
//
// Grounded on libvirtdma's get_nt_version/get_nt_build
// (vm/binding_init.rs). The x86asm cross-check is an addition: gokvm
// already depends on golang.org/x/arch/x86/x86asm for its own
// instruction decoding (machine/debug_amd64.go), so this package
// reuses it to decode the same prologue bytes as a second opinion,
// logged but never authoritative over the byte-pattern result.
package versionprobe

import (
	"encoding/binary"
	"log"

	"golang.org/x/arch/x86/x86asm"
)

const probeLen = 0x100

// Reader supplies the raw bytes of RtlGetVersion's prologue.
type Reader func(addr uint64, buf []byte) bool

// Version scans the first 240 bytes of buf for the `mov dword
// [rcx+4], imm32` / `mov dword [rcx+8], imm32` (c7 41 04 / c7 41 08)
// immediate-store patterns RtlGetVersion's
// prologue uses to populate its output struct, combining a major and
// minor byte into majorVer*100+minorVer. A single dword at offset i
// can also carry both values packed together (the 0x0441c748
// pattern), in which case the scan returns immediately.
func Version(read Reader, rtlGetVersion uint64) uint16 {
	if rtlGetVersion == 0 {
		return 0
	}

	var buf [probeLen]byte
	if !read(rtlGetVersion, buf[:]) {
		return 0
	}

	var major, minor uint8

	for i := 0; i < 240; i++ {
		firstLong := binary.LittleEndian.Uint32(buf[i:])

		if major == 0 && minor == 0 && firstLong == 0x0441c748 {
			majorWord := binary.LittleEndian.Uint16(buf[i+4:])
			return majorWord*100 + uint16(buf[i+5]&0xf)
		}

		if major == 0 && firstLong&0xfffff == 0x0441c7 {
			major = buf[i+3]
		}

		if minor == 0 && firstLong&0xfffff == 0x0841c7 {
			minor = buf[i+3]
		}
	}

	if minor >= 100 {
		minor = 0
	}

	return uint16(major)*100 + uint16(minor)
}

// Build scans for the prologue's build-number store, a dword
// immediately following one of two three-byte opcode prefixes.
func Build(read Reader, rtlGetVersion uint64) uint32 {
	if rtlGetVersion == 0 {
		return 0
	}

	var buf [probeLen]byte
	if !read(rtlGetVersion, buf[:]) {
		return 0
	}

	for i := 0; i < 240; i++ {
		firstLong := binary.LittleEndian.Uint32(buf[i:])
		val := firstLong & 0xffffff

		if val == 0x0c41c7 || val == 0x05c01b {
			return binary.LittleEndian.Uint32(buf[i+3:])
		}
	}

	return 0
}

// CrossCheck disassembles the RtlGetVersion prologue with x86asm and
// logs (at most) the first handful of decoded instructions, purely as
// a diagnostic aid when calibrating new builds against
// internal/offsets -- it never changes Version/Build's answer.
func CrossCheck(read Reader, rtlGetVersion uint64) {
	if rtlGetVersion == 0 {
		return
	}

	var buf [probeLen]byte
	if !read(rtlGetVersion, buf[:]) {
		return
	}

	off := 0
	for i := 0; i < 16 && off < len(buf); i++ {
		inst, err := x86asm.Decode(buf[off:], 64)
		if err != nil {
			log.Printf("versionprobe: disassembly stopped at +%#x: %v", off, err)
			return
		}

		log.Printf("versionprobe: +%#x %s", off, inst.String())

		if inst.Len == 0 {
			return
		}

		off += inst.Len
	}
}
