package winloader_test

import (
	"encoding/binary"
	"testing"
	"unsafe"

	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/winloader"
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

// writeModuleRecord writes one LDR_MODULE-shaped record at recordVA
// whose InLoadOrderModuleList entry links to flink/blink, with its
// BaseDllName stored as UTF-16LE, and returns nothing -- callers chain
// calls to build a circular list by hand.
func writeModuleRecord(t *testing.T, w *memwindow.Window, recordVA, flink, blink, base, entry uint64, size uint32, name string) {
	t.Helper()

	writeQword(t, w, recordVA+0x00, flink) // InLoadOrderModuleList.Flink
	writeQword(t, w, recordVA+0x08, blink) // InLoadOrderModuleList.Blink
	writeQword(t, w, recordVA+0x30, base)
	writeQword(t, w, recordVA+0x38, entry)
	writeQword(t, w, recordVA+0x40, uint64(size))

	nameBuf := make([]byte, 0, 2*len(name)+2)
	for _, c := range []byte(name) {
		nameBuf = append(nameBuf, c, 0)
	}
	nameBuf = append(nameBuf, 0, 0)
	const nameOff = 0x200

	if !w.WriteBytes(nameBuf, recordVA+nameOff) {
		t.Fatalf("writing module name failed")
	}

	put16(t, w, recordVA+0x58, uint16(len(name)*2))      // BaseDllName.Length
	put16(t, w, recordVA+0x5a, uint16(len(name)*2))      // BaseDllName.MaximumLength
	writeQword(t, w, recordVA+0x60, recordVA+nameOff)    // BaseDllName.Buffer
}

func TestProcessModulesWalksInLoadOrder(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	const (
		pebVA   = 0x3000
		ldrVA   = 0x4000
		mod0VA  = 0x5000
		mod1VA  = 0x5100
		headVA  = ldrVA + 0x10
	)

	writeQword(t, w, pebVA+0x18, ldrVA) // PEB.Ldr

	writeModuleRecord(t, w, mod0VA, mod1VA, headVA, 0x10000, 0x10100, 0x2000, "host.exe")
	writeModuleRecord(t, w, mod1VA, headVA, mod0VA, 0x70000000, 0x70001000, 0x40000, "ntdll.dll")
	writeQword(t, w, headVA, mod0VA)  // PEB_LDR_DATA.InLoadOrderModuleList.Flink
	writeQword(t, w, headVA+8, mod1VA)

	mods, err := winloader.ProcessModules(w, dtb, pebVA)
	if err != nil {
		t.Fatalf("ProcessModules: %v", err)
	}

	if len(mods) != 2 {
		t.Fatalf("expected 2 modules, got %d: %+v", len(mods), mods)
	}

	host, ok := mods["host.exe"]
	if !ok {
		t.Fatal("missing host.exe")
	}

	if host.BaseAddress != 0x10000 || host.EntryPoint != 0x10100 || host.SizeOfImage != 0x2000 {
		t.Fatalf("host.exe = %+v", host)
	}

	ntdll, ok := mods["ntdll.dll"]
	if !ok {
		t.Fatal("missing ntdll.dll")
	}

	if ntdll.BaseAddress != 0x70000000 {
		t.Fatalf("ntdll.dll base = %#x, want 0x70000000", ntdll.BaseAddress)
	}
}

func TestFirstModuleReturnsHeadOfList(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	const (
		pebVA  = 0x3000
		ldrVA  = 0x4000
		modVA  = 0x5000
		headVA = ldrVA + 0x10
	)

	writeQword(t, w, pebVA+0x18, ldrVA)
	writeModuleRecord(t, w, modVA, headVA, headVA, 0x10000, 0x10100, 0x1000, "host.exe")
	writeQword(t, w, headVA, modVA)
	writeQword(t, w, headVA+8, modVA)

	mod, ok := winloader.FirstModule(w, dtb, pebVA)
	if !ok {
		t.Fatal("FirstModule returned ok=false")
	}

	if mod.Name != "host.exe" {
		t.Fatalf("name = %q, want host.exe", mod.Name)
	}
}

func TestFirstModuleEmptyListIsMiss(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	const (
		pebVA  = 0x3000
		ldrVA  = 0x4000
		headVA = ldrVA + 0x10
	)

	writeQword(t, w, pebVA+0x18, ldrVA)
	writeQword(t, w, headVA, headVA) // empty list: Flink points at itself
	writeQword(t, w, headVA+8, headVA)

	_, ok := winloader.FirstModule(w, dtb, pebVA)
	if ok {
		t.Fatal("expected FirstModule to miss on an empty list")
	}
}

func TestImageBaseAddress(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	const pebVA = 0x3000
	writeQword(t, w, pebVA+0x10, 0x140000000)

	got, ok := winloader.ImageBaseAddress(w, dtb, pebVA)
	if !ok {
		t.Fatal("ImageBaseAddress returned ok=false")
	}

	if got != 0x140000000 {
		t.Fatalf("ImageBaseAddress = %#x, want 0x140000000", got)
	}
}

func TestKernelModulesUsesExportedListHead(t *testing.T) {
	w, dtb := buildIdentityMapped(t, 0x20000)

	const (
		listHeadVA = 0x9000 // address of PsLoadedModuleList itself (a LIST_ENTRY)
		modVA      = 0x5000
	)

	writeModuleRecord(t, w, modVA, listHeadVA, listHeadVA, 0xfffff80000000000, 0xfffff80000001000, 0x500000, "ntoskrnl.exe")
	writeQword(t, w, listHeadVA, modVA)
	writeQword(t, w, listHeadVA+8, modVA)

	mods, err := winloader.KernelModules(w, dtb, listHeadVA)
	if err != nil {
		t.Fatalf("KernelModules: %v", err)
	}

	kernel, ok := mods["ntoskrnl.exe"]
	if !ok {
		t.Fatalf("missing ntoskrnl.exe in %+v", mods)
	}

	if kernel.BaseAddress != 0xfffff80000000000 {
		t.Fatalf("BaseAddress = %#x", kernel.BaseAddress)
	}
}
