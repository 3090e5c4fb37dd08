package winstr_test

import (
	"encoding/binary"
	"testing"
	"unicode/utf16"
	"unsafe"

	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/winstr"
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

func put16(t *testing.T, w *memwindow.Window, gpa uint64, v uint16) {
	t.Helper()

	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)

	if !w.WriteBytes(buf[:], gpa) {
		t.Fatalf("put16(%#x) failed", gpa)
	}
}

func writeUTF16(t *testing.T, w *memwindow.Window, gpa uint64, s string) {
	t.Helper()

	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2*len(units))

	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[2*i:], u)
	}

	if !w.WriteBytes(buf, gpa) {
		t.Fatalf("writeUTF16 at %#x failed", gpa)
	}
}

func TestReadAndResolve(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x4000)

	const headerVA = 0x2000
	const bufVA = 0x2100

	text := "ntdll.dll"
	byteLen := uint16(2 * len(text))

	put16(t, w, headerVA, byteLen)
	put16(t, w, headerVA+2, byteLen+2)
	writeQword(t, w, headerVA+8, bufVA)
	writeUTF16(t, w, bufVA, text)

	us, ok := winstr.Read(w, dtb, headerVA)
	if !ok {
		t.Fatal("Read failed")
	}

	if us.Length != byteLen || us.Buffer != bufVA {
		t.Fatalf("us = %+v", us)
	}

	got, ok := us.Resolve(w, dtb, 0)
	if !ok || got != text {
		t.Fatalf("Resolve() = (%q, %v), want (%q, true)", got, ok, text)
	}
}

func TestResolveEmptyStringIsOK(t *testing.T) {
	us := winstr.UnicodeString{}

	got, ok := us.Resolve(nil, 0, 0)
	if !ok || got != "" {
		t.Fatalf("Resolve() on zero-length string = (%q, %v), want (\"\", true)", got, ok)
	}
}

func TestResolveClampsToMaxLen(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x4000)

	const bufVA = 0x2100

	text := "explorer.exe"
	writeUTF16(t, w, bufVA, text)

	us := winstr.UnicodeString{Length: uint16(2 * len(text)), Buffer: bufVA}

	got, ok := us.Resolve(w, dtb, 8)
	if !ok || got != "expl" {
		t.Fatalf("Resolve() clamped = (%q, %v), want (\"expl\", true)", got, ok)
	}
}
