// Package lowstub scans the first 640 KiB (0xA0000 bytes) of guest
// physical memory for the Windows low-stub boot structure, which carries the kernel's
// page table base (PML4) and its entry point before paging is fully
// set up.
//
// Grounded on libvirtdma's VMBinding::find_initial_process
// (vm/binding_init.rs): a byte-pattern triple match, never a partial
// one.
package lowstub

import "encoding/binary"

// chunkSize is the read granularity; the scan covers the first ten
// chunks (0xA0000 bytes), matching the Rust implementation's `0..10`.
const (
	chunkSize = 0x10000
	numChunks = 10
	stepSize  = 0x1000
)

// PhysReader reads a byte range from guest physical memory.
type PhysReader interface {
	ReadBytes(dst []byte, gpa uint64) bool
}

// Result is the pair of values the low stub carries.
type Result struct {
	PML4        uint64
	KernelEntry uint64
}

// Find scans guest physical addresses [0, 0xA0000) in 4 KiB steps for
// the low-stub signature. At each candidate position it requires,
// simultaneously:
//
//   - the qword at +0x0 matches the jump/stub signature
//     (0x00000001000600E9 once bits 8-15 are masked off),
//   - the qword at +0x70 looks like a canonical kernel-space pointer
//     (top 21 bits set, i.e. 0xFFFFF80000000000 masked in),
//   - the qword at +0xA0 is page-aligned and has its top 24 bits
//     (above the physical address space) clear.
//
// The first fully-matching position wins; partial matches are
// skipped entirely, never guessed at.
func Find(mem PhysReader) (Result, bool) {
	buf := make([]byte, chunkSize)

	for i := 0; i < numChunks; i++ {
		base := uint64(i) * chunkSize
		if !mem.ReadBytes(buf, base) {
			continue
		}

		for o := 0; o+0xa8 <= chunkSize; o += stepSize {
			startQword := binary.LittleEndian.Uint64(buf[o:])
			if (0x00000001000600E9 ^ (0xffffffffffff00ff & startQword)) != 0 {
				continue
			}

			entryQword := binary.LittleEndian.Uint64(buf[o+0x70:])
			if (0xfffff80000000000 ^ (0xfffff80000000000 & entryQword)) != 0 {
				continue
			}

			pml4Qword := binary.LittleEndian.Uint64(buf[o+0xa0:])
			if 0xffffff0000000fff&pml4Qword != 0 {
				continue
			}

			return Result{PML4: pml4Qword, KernelEntry: entryQword}, true
		}
	}

	return Result{}, false
}
