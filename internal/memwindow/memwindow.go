// Package memwindow owns the mapped view of guest physical memory.
//
// The view itself is established out-of-process: internal/acquirer and
// internal/vmreaddev arrange for the kernel driver to remap the QEMU
// process's RAM-backing anonymous region into this process's address
// space at [MapsStart, MapsStart+MapsSize). Window only ever reads and
// writes through that already-mapped range; it never calls mmap itself.
package memwindow

import (
	"unsafe"
)

// Default KFIXC/KFIXO per spec.md section 4.1. Some QEMU/guest
// combinations (historically XP-era 32-bit addressing) require a
// nonzero delta; kept pluggable on Window rather than baked into the
// read/write path.
const (
	DefaultFixupCeiling = 0x80000000
	DefaultFixupOffset  = 0x80000000

	// pageSize is the chunking granularity for split reads/writes.
	pageSize = 0x1000
)

// Window is the host-virtual byte range that aliases guest physical RAM.
// It is immutable after acquisition: MapsStart and MapsSize never change
// once New returns. Mutating bytes through Window is the observable
// side effect on the guest.
type Window struct {
	MapsStart uintptr
	MapsSize  uint64

	// FixupCeiling/FixupOffset implement kfix2(gpa) = gpa < Ceiling ? gpa : gpa-Offset.
	FixupCeiling uint64
	FixupOffset  uint64
}

// New builds a Window over an already-established mapping. It performs
// no syscalls; acquirer.Acquire is responsible for making
// [mapsStart, mapsStart+mapsSize) valid before this is called.
func New(mapsStart uintptr, mapsSize uint64) *Window {
	return &Window{
		MapsStart:    mapsStart,
		MapsSize:     mapsSize,
		FixupCeiling: DefaultFixupCeiling,
		FixupOffset:  DefaultFixupOffset,
	}
}

func (w *Window) kfix2(gpa uint64) uint64 {
	if gpa < w.FixupCeiling {
		return gpa
	}

	return gpa - w.FixupOffset
}

// hostAddr returns the host pointer backing guest-physical address gpa,
// and whether the [gpa, gpa+length) range is entirely within bounds.
func (w *Window) hostAddr(gpa uint64, length uint64) (unsafe.Pointer, bool) {
	fixed := w.kfix2(gpa)
	if length > w.MapsSize || fixed > w.MapsSize-length {
		return nil, false
	}

	return unsafe.Pointer(w.MapsStart + uintptr(fixed)), true //nolint:gosec
}

// ReadBytes copies len(dst) bytes starting at guest-physical address gpa
// into dst, chunked at 4 KiB page boundaries (each chunk's address is
// fixed up independently, matching the physical read path used by the
// page walker for partial-page reads). Returns false, leaving dst
// indeterminate, if any chunk would read out of range.
func (w *Window) ReadBytes(dst []byte, gpa uint64) bool {
	return w.copyChunked(dst, gpa, false)
}

// WriteBytes is the write-direction symmetric counterpart of ReadBytes.
func (w *Window) WriteBytes(src []byte, gpa uint64) bool {
	return w.copyChunked(src, gpa, true)
}

func (w *Window) copyChunked(buf []byte, gpa uint64, write bool) bool {
	remaining := buf
	addr := gpa

	for len(remaining) > 0 {
		chunk := len(remaining)
		if room := pageSize - int(addr%pageSize); chunk > room {
			chunk = room
		}

		host, ok := w.hostAddr(addr, uint64(chunk))
		if !ok {
			return false
		}

		hostSlice := unsafe.Slice((*byte)(host), chunk)
		if write {
			copy(hostSlice, remaining[:chunk])
		} else {
			copy(remaining[:chunk], hostSlice)
		}

		remaining = remaining[chunk:]
		addr += uint64(chunk)
	}

	return true
}
