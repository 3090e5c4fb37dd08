// Package winproc walks the kernel's EPROCESS doubly linked list
// (ActiveProcessLinks) to enumerate running processes, and reads a
// process's heap list out of its PEB.
//
// Grounded on libvirtdma's VMBinding::get_processes and
// get_process_heap (vm/nativebinding.rs / vm/binding_porcelain.rs).
package winproc

import (
	"fmt"

	"github.com/go-vmi/winvmi/internal/offsets"
	"github.com/go-vmi/winvmi/internal/vmio"
	"github.com/go-vmi/winvmi/internal/winloader"
)

// uniqueProcessIDBack is UniqueProcessId's distance back from
// ActiveProcessLinks -- it always sits immediately before it in
// EPROCESS, across every supported NT version.
const uniqueProcessIDBack = 8

// maxPID is the sanity ceiling applied to UniqueProcessId: the tail of
// the list tends to contain corrupted values once the walk runs past
// the last live process, and a PID this large is never legitimate.
const maxPID = 1 << 31

// Process is one EPROCESS entry's projection.
type Process struct {
	PID        uint64
	Name       string
	DirBase    uint64
	EProcessPA uint64
	EProcessVA uint64
	PebVA      uint64
}

// Initial identifies the seed EPROCESS a Walker starts and terminates
// its circular walk on -- normally the System process, located during
// session construction alongside the kernel itself.
type Initial struct {
	EProcessPA uint64
	EProcessVA uint64
}

// Walker enumerates the EPROCESS list rooted at an Initial process.
type Walker struct {
	mem          vmio.PhysMem
	kernelDTB    uint64
	offsets      offsets.Table
	requireAlive bool
}

// NewWalker builds a Walker. kernelDTB is the kernel's own
// DirectoryTableBase, used to translate the virtual ActiveProcessLinks
// pointers the list is built from. When requireAlive is true, entries
// whose image base no longer holds an 'MZ' header are dropped.
func NewWalker(mem vmio.PhysMem, kernelDTB uint64, tbl offsets.Table, requireAlive bool) *Walker {
	return &Walker{mem: mem, kernelDTB: kernelDTB, offsets: tbl, requireAlive: requireAlive}
}

// Walk enumerates every live process reachable from initial, keyed by
// PID. It never returns a partial error: a read failure mid-walk ends
// the walk and returns what was found up to that point, since the
// list itself may simply have reached a corrupted tail entry.
func (w *Walker) Walk(initial Initial) (map[uint64]Process, error) {
	out := make(map[uint64]Process)

	curPA := initial.EProcessPA
	curVA := initial.EProcessVA

	for {
		pid, ok := vmio.Read[uint64](w.mem, curPA+uint64(w.offsets.ActiveProcessLinks)-uniqueProcessIDBack)
		if !ok {
			break
		}

		if pid == 0 {
			break
		}

		dirBase, ok := vmio.Read[uint64](w.mem, curPA+uint64(w.offsets.DirBase))
		if !ok {
			break
		}

		stackCount, ok := vmio.Read[uint32](w.mem, curPA+uint64(w.offsets.StackCount))
		if !ok {
			break
		}

		if pid < maxPID && stackCount >= 1 {
			if proc, ok := w.describe(curPA, curVA, pid, dirBase); ok {
				out[pid] = proc
			}
		}

		nextVA, ok := vmio.Read[uint64](w.mem, curPA+uint64(w.offsets.ActiveProcessLinks))
		if !ok {
			break
		}

		eprocessVA := nextVA - uint64(w.offsets.ActiveProcessLinks)
		if eprocessVA == 0 {
			break
		}

		nextPA, ok := vmio.Translate(w.mem, w.kernelDTB, eprocessVA)
		if !ok || nextPA == 0 {
			break
		}

		if nextPA == initial.EProcessPA || eprocessVA == initial.EProcessVA {
			break
		}

		curPA, curVA = nextPA, eprocessVA
	}

	return out, nil
}

func (w *Walker) describe(curPA, curVA, pid, dirBase uint64) (Process, bool) {
	pebVA, ok := vmio.Read[uint64](w.mem, curPA+uint64(w.offsets.Peb))
	if !ok {
		return Process{}, false
	}

	name := w.imageFileName(curPA)
	if mod, ok := winloader.FirstModule(w.mem, dirBase, pebVA); ok && mod.Name != "" {
		name = mod.Name
	}

	if w.requireAlive {
		if base, ok := winloader.ImageBaseAddress(w.mem, dirBase, pebVA); ok {
			var magic [2]byte
			if !vmio.VReadBytes(w.mem, dirBase, base, magic[:]) || magic[0] != 'M' || magic[1] != 'Z' {
				return Process{}, false
			}
		} else {
			return Process{}, false
		}
	}

	return Process{
		PID:        pid,
		Name:       name,
		DirBase:    dirBase,
		EProcessPA: curPA,
		EProcessVA: curVA,
		PebVA:      pebVA,
	}, true
}

// imageFileNameLen is EPROCESS.ImageFileName's fixed size: a 15-byte
// non-NUL-terminated short name, used only as a fallback when the PEB
// loader list can't be walked.
const imageFileNameLen = 15

func (w *Walker) imageFileName(curPA uint64) string {
	buf := make([]byte, imageFileNameLen)
	if !vmio.ReadBytes(w.mem, curPA+uint64(w.offsets.ImageFileName), buf) {
		return ""
	}

	n := len(buf)
	for i, b := range buf {
		if b == 0 {
			n = i
			break
		}
	}

	return string(buf[:n])
}

// HeapRecord is one entry of a process's PEB.ProcessHeaps array: just
// the heap's base address, since the heap's internal layout is a
// deeper structure this module does not otherwise need.
type HeapRecord struct {
	Base uint64
}

// pebProcessHeapsOffset and pebNumberOfHeapsOffset are PEB fields
// stable across every supported NT version.
const (
	pebNumberOfHeapsOffset = 0xe8
	pebProcessHeapsOffset  = 0xf0
)

// Heaps enumerates a process's PEB.ProcessHeaps array. Supplemental to
// spec section 4.19, grounded on libvirtdma's get_process_heap
// (vm/binding_porcelain.rs).
func Heaps(mem vmio.PhysMem, dtb, pebVA uint64) ([]HeapRecord, error) {
	count, ok := vmio.VRead[uint32](mem, dtb, pebVA+pebNumberOfHeapsOffset)
	if !ok {
		return nil, fmt.Errorf("winproc: reading PEB.NumberOfHeaps at %#x", pebVA+pebNumberOfHeapsOffset)
	}

	arrayBase, ok := vmio.VRead[uint64](mem, dtb, pebVA+pebProcessHeapsOffset)
	if !ok {
		return nil, fmt.Errorf("winproc: reading PEB.ProcessHeaps at %#x", pebVA+pebProcessHeapsOffset)
	}

	heaps := make([]HeapRecord, 0, count)

	for i := uint32(0); i < count; i++ {
		base, ok := vmio.VRead[uint64](mem, dtb, arrayBase+uint64(i)*8)
		if !ok {
			break
		}

		heaps = append(heaps, HeapRecord{Base: base})
	}

	return heaps, nil
}
