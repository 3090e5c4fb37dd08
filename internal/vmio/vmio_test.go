package vmio_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/vmio"
)

func backed(t *testing.T, size int) *memwindow.Window {
	t.Helper()

	buf := make([]byte, size)
	w := memwindow.New(uintptr(unsafe.Pointer(&buf[0])), uint64(size))
	w.FixupCeiling = ^uint64(0)
	w.FixupOffset = 0

	return w
}

type header struct {
	Magic   uint32
	Version uint32
	Value   uint64
}

func TestReadWriteTyped(t *testing.T) {
	mem := backed(t, 0x2000)

	in := header{Magic: 0xdeadbeef, Version: 7, Value: 0x1122334455667788}
	if !vmio.Write(mem, 0x100, in) {
		t.Fatal("Write failed")
	}

	out, ok := vmio.Read[header](mem, 0x100)
	if !ok {
		t.Fatal("Read failed")
	}

	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestReadCStringStopsAtNul(t *testing.T) {
	mem := backed(t, 0x1000)

	payload := append([]byte("hello"), 0, 'X', 'X')
	if !mem.WriteBytes(payload, 0x10) {
		t.Fatal("WriteBytes failed")
	}

	s, ok := vmio.ReadCString(mem, 0x10)
	if !ok {
		t.Fatal("ReadCString failed")
	}

	if s != "hello" {
		t.Fatalf("got %q, want %q", s, "hello")
	}
}

// TestVReadBytesCrossesPhysicalPageBoundary wires a memwindow.Window
// as physical backing plus a hand-built four-level page table so
// VReadBytes can be exercised against a virtual address that maps
// across a boundary.
func TestVReadBytesCrossesPhysicalPageBoundary(t *testing.T) {
	mem := backed(t, 0x10000)

	const (
		dtb = 0x0
		// gva chosen so indices are all zero except it sits 16 bytes
		// before a 4KiB virtual page boundary, forcing the chunked path.
		gva = 0x0ff0
	)

	// Build a minimal present page-table chain: pml4[0] -> pdpt,
	// pdpt[0] -> pd, pd[0] -> pt, pt[0] -> frameA, pt[1] -> frameB.
	const (
		pml4  = 0x0000
		pdpt  = 0x1000
		pd    = 0x2000
		pt    = 0x3000
		frameA = 0x4000
		frameB = 0x5000
	)

	writeQword(t, mem, pml4+0, pdpt|1)
	writeQword(t, mem, pdpt+0, pd|1)
	writeQword(t, mem, pd+0, pt|1)
	writeQword(t, mem, pt+0, frameA|1)
	writeQword(t, mem, pt+8, frameB|1)

	payload := make([]byte, 0x20)
	for i := range payload {
		payload[i] = byte(i + 1)
	}

	if !mem.WriteBytes(payload[:16], frameA+0xff0) {
		t.Fatal("seeding frameA failed")
	}

	if !mem.WriteBytes(payload[16:], frameB) {
		t.Fatal("seeding frameB failed")
	}

	got := make([]byte, len(payload))
	if !vmio.VReadBytes(mem, dtb, gva, got) {
		t.Fatal("VReadBytes failed")
	}

	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("byte %d: got %x want %x", i, got[i], payload[i])
		}
	}
}

func writeQword(t *testing.T, mem *memwindow.Window, gpa, value uint64) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	if !mem.WriteBytes(buf[:], gpa) {
		t.Fatalf("writeQword(%#x) failed", gpa)
	}
}
