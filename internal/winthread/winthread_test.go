package winthread_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/offsets"
	"github.com/go-vmi/winvmi/internal/winthread"
)

func buildIdentityMapped(t *testing.T, size int) (*memwindow.Window, uint64) {
	t.Helper()

	buf := make([]byte, size)
	w := memwindow.New(uintptr(unsafe.Pointer(&buf[0])), uint64(size))
	w.FixupCeiling = ^uint64(0)
	w.FixupOffset = 0

	const pdptPhys = 0x1000

	writeQword(t, w, 0, pdptPhys|1)
	writeQword(t, w, pdptPhys, 0|0x80|1)

	return w, 0
}

func writeQword(t *testing.T, w *memwindow.Window, gpa, value uint64) {
	t.Helper()

	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)

	if !w.WriteBytes(buf[:], gpa) {
		t.Fatalf("writeQword(%#x) failed", gpa)
	}
}

func TestWalkStopsAtMaxThreads(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	tbl, ok := offsets.Get(1000, 10240)
	if !ok {
		t.Fatal("missing offsets table")
	}

	const (
		headVA  = 0x10000
		th0VA   = 0x11000
		th1VA   = 0x12000
		th2VA   = 0x13000
	)

	entryOff := uint64(tbl.ThreadListEntry)
	tebOff := uint64(tbl.Teb)

	writeQword(t, w, headVA, th0VA+entryOff)
	writeQword(t, w, th0VA+entryOff, th1VA+entryOff)
	writeQword(t, w, th1VA+entryOff, th2VA+entryOff)
	writeQword(t, w, th2VA+entryOff, headVA) // closes the circle

	writeQword(t, w, th0VA+0x640, 100) // CidUniqueThread
	writeQword(t, w, th0VA+tebOff, 0x7ffde0000000)
	writeQword(t, w, th1VA+0x640, 101)
	writeQword(t, w, th1VA+tebOff, 0x7ffde0001000)
	writeQword(t, w, th2VA+0x640, 102)
	writeQword(t, w, th2VA+tebOff, 0x7ffde0002000)

	threads, err := winthread.Walk(w, dtb, headVA, tbl, 2)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(threads) != 2 {
		t.Fatalf("expected 2 threads (bounded by maxThreads), got %d: %+v", len(threads), threads)
	}

	if threads[0].ThreadID != 100 || threads[1].ThreadID != 101 {
		t.Fatalf("unexpected thread IDs: %+v", threads)
	}

	if threads[0].TebVA != 0x7ffde0000000 {
		t.Fatalf("TebVA = %#x", threads[0].TebVA)
	}
}

// TestWalkUsesOffsetTableTeb pins a Windows 7 offset table, whose Teb
// (0xb8) differs from Windows 10's (0xf0) -- if Walk ever reverts to a
// hardcoded TEB offset instead of consulting tbl.Teb, this is the case
// that catches it; Windows 10's table alone can't, since 0xf0 also
// happens to be its Teb value.
func TestWalkUsesOffsetTableTeb(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	tbl, ok := offsets.Get(601, 7600)
	if !ok {
		t.Fatal("missing offsets table")
	}

	const (
		headVA = 0x10000
		th0VA  = 0x11000
	)

	entryOff := uint64(tbl.ThreadListEntry)
	tebOff := uint64(tbl.Teb)

	if tebOff == 0xf0 {
		t.Fatal("fixture's Teb offset must differ from Windows 10's to be a useful regression check")
	}

	writeQword(t, w, headVA, th0VA+entryOff)
	writeQword(t, w, th0VA+entryOff, headVA)
	writeQword(t, w, th0VA+0x640, 200)
	writeQword(t, w, th0VA+tebOff, 0x7ffde0003000)

	threads, err := winthread.Walk(w, dtb, headVA, tbl, 10)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d: %+v", len(threads), threads)
	}

	if threads[0].TebVA != 0x7ffde0003000 {
		t.Fatalf("TebVA = %#x, want 0x7ffde0003000", threads[0].TebVA)
	}
}

func TestWalkFullCircleWithGenerousBound(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	tbl, ok := offsets.Get(1000, 10240)
	if !ok {
		t.Fatal("missing offsets table")
	}

	const (
		headVA = 0x10000
		th0VA  = 0x11000
	)

	entryOff := uint64(tbl.ThreadListEntry)

	writeQword(t, w, headVA, th0VA+entryOff)
	writeQword(t, w, th0VA+entryOff, headVA)
	writeQword(t, w, th0VA+0x640, 55)
	writeQword(t, w, th0VA+0xf0, 0x7ffde0000000)

	threads, err := winthread.Walk(w, dtb, headVA, tbl, 10)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}

	if len(threads) != 1 {
		t.Fatalf("expected 1 thread, got %d: %+v", len(threads), threads)
	}
}
