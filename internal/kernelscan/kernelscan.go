// Package kernelscan locates ntoskrnl.exe's base address by scanning
// downward through the region around the kernel entry point found by
// internal/lowstub,
// looking for an MZ header whose first page also carries the
// "INITKDBG"/"POOLCODE" debug tag pair.
//
// Grounded on libvirtdma's find_nt_kernel (vm/binding_init.rs).
package kernelscan

import (
	"encoding/binary"

	"github.com/go-vmi/winvmi/internal/peimage"
	"github.com/go-vmi/winvmi/internal/vmio"
)

const (
	dosSignature = 0x5a4d

	kdbgTag     = 0x4742444b54494e49 // "INITKDBG" little-endian qword
	poolCodeTag = 0x45444f434c4f4f50 // "POOLCODE" little-endian qword

	windowStep  = 0x10000
	windowCount = 0x20
	pageSize    = 0x1000
)

// searchRadius is how far above and below kernelEntry the scan looks;
// a package var rather than a literal so tests can shrink it instead
// of exercising the full real-world 512MiB sweep.
var searchRadius uint64 = 0x20000000

// Result is what the scan found: the kernel's base address and its
// already-parsed export map, cached for the rest of the session.
type Result struct {
	Base    uint64
	Exports map[string]peimage.ExportEntry
}

// Find sweeps downward in 2MiB steps from searchRadius above the
// 2MiB-aligned kernelEntry to searchRadius below it, once per
// candidate mask, shifting the mask right by one hex digit after each
// full pass, mirroring the Rust implementation's `mask >>= 4`
// coarse-to-fine sweep. The first
// candidate whose export directory parses successfully wins; a
// matching MZ+tag pair whose export table does not parse is skipped,
// not treated as fatal, since kernel-adjacent data can coincidentally
// carry the same byte patterns.
func Find(mem vmio.PhysMem, dtb, kernelEntry uint64) (Result, bool) {
	buf := make([]byte, windowStep)

	for mask := uint64(0xfffff); mask >= 0xfff; mask >>= 4 {
		upper := (kernelEntry &^ 0x1fffff) + searchRadius
		lower := kernelEntry - searchRadius

		for i := upper; i > lower; i -= 0x200000 {
			for o := uint64(0); o < windowCount; o++ {
				base := i + windowStep*o
				if !vmio.VReadBytes(mem, dtb, base, buf) {
					continue
				}

				for p := 0; p < windowStep; p += pageSize {
					if (base+uint64(p))&mask != 0 {
						continue
					}

					if binary.LittleEndian.Uint16(buf[p:]) != dosSignature {
						continue
					}

					if !hasKDBGAndPoolCode(buf[p:min(p+pageSize, len(buf))]) {
						continue
					}

					candidate := base + uint64(p)

					exports, err := peimage.GetExports(mem, dtb, candidate)
					if err != nil {
						continue
					}

					return Result{Base: candidate, Exports: exports}, true
				}
			}
		}
	}

	return Result{}, false
}

func hasKDBGAndPoolCode(page []byte) bool {
	var kdbg, poolCode bool

	for u := 0; u+8 <= len(page); u++ {
		v := binary.LittleEndian.Uint64(page[u:])

		if v == kdbgTag {
			kdbg = true
		}

		if v == poolCodeTag {
			poolCode = true
		}

		if kdbg && poolCode {
			return true
		}
	}

	return false
}
