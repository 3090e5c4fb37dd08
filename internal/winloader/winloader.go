// Package winloader walks Windows module lists: a process's
// PEB_LDR_DATA three circular lists in user mode, and the kernel's
// PsLoadedModuleList in kernel mode. Both use the same LIST_ENTRY
// embedding technique, just at different field offsets inside the
// record.
//
// Grounded on spec section 4.12 and libvirtdma's peb_ldr_data.rs
// (LdrModule's three list-entry offsets 0x00/0x10/0x20 within the
// record, and 0x10/0x20/0x30 within PEB_LDR_DATA for the list heads).
package winloader

import (
	"fmt"

	"github.com/go-vmi/winvmi/internal/vmio"
	"github.com/go-vmi/winvmi/internal/winlist"
	"github.com/go-vmi/winvmi/internal/winstr"
)

// WinModule is the common projection this package exposes for both
// user-mode and kernel-mode module records.
type WinModule struct {
	Name        string
	BaseAddress uint64
	EntryPoint  uint64
	SizeOfImage uint32
}

// Field offsets within an LDR_DATA_TABLE_ENTRY / LDR_MODULE record,
// stable across every NT version this module supports.
const (
	recordInLoadOrderOffset   = 0x00
	recordInMemoryOrderOffset = 0x10
	recordInInitOrderOffset   = 0x20
	recordBaseAddressOffset   = 0x30
	recordEntryPointOffset    = 0x38
	recordSizeOfImageOffset   = 0x40
	recordBaseDllNameOffset   = 0x58
)

// Field offsets of the three list heads within PEB_LDR_DATA.
const (
	ldrDataInLoadOrderOffset   = 0x10
	ldrDataInMemoryOrderOffset = 0x20
	ldrDataInInitOrderOffset   = 0x30
)

// Field offsets within PEB.
const (
	pebImageBaseAddressOffset = 0x10
	pebLdrOffset              = 0x18
)

// listShape pairs a list head's field offset in its container with
// the matching embedded LIST_ENTRY field offset in each record.
type listShape struct {
	headOffset   uint64
	recordOffset uint64
}

// InLoadOrder, InMemoryOrder and InInitOrder select which of
// PEB_LDR_DATA's three equivalent lists to walk; all three reach the
// same set of modules in different orders.
var (
	InLoadOrder   = listShape{ldrDataInLoadOrderOffset, recordInLoadOrderOffset}
	InMemoryOrder = listShape{ldrDataInMemoryOrderOffset, recordInMemoryOrderOffset}
	InInitOrder   = listShape{ldrDataInInitOrderOffset, recordInInitOrderOffset}
)

func walkModuleList(mem vmio.PhysMem, dtb, containerVA uint64, shape listShape) ([]WinModule, error) {
	headVA := containerVA + shape.headOffset

	head, ok := winlist.Read(mem, dtb, headVA)
	if !ok {
		return nil, fmt.Errorf("winloader: reading list head at %#x", headVA)
	}

	var mods []WinModule

	cur := head.Flink
	for cur != 0 && cur != headVA {
		recordVA := cur - shape.recordOffset

		mod, ok := readModule(mem, dtb, recordVA)
		if ok {
			mods = append(mods, mod)
		}

		next, ok := winlist.Read(mem, dtb, cur)
		if !ok {
			break
		}

		cur = next.Flink
	}

	return mods, nil
}

func readModule(mem vmio.PhysMem, dtb, recordVA uint64) (WinModule, bool) {
	baseAddress, ok := vmio.VRead[uint64](mem, dtb, recordVA+recordBaseAddressOffset)
	if !ok {
		return WinModule{}, false
	}

	entryPoint, ok := vmio.VRead[uint64](mem, dtb, recordVA+recordEntryPointOffset)
	if !ok {
		return WinModule{}, false
	}

	sizeOfImage, ok := vmio.VRead[uint32](mem, dtb, recordVA+recordSizeOfImageOffset)
	if !ok {
		return WinModule{}, false
	}

	baseDllName, ok := winstr.Read(mem, dtb, recordVA+recordBaseDllNameOffset)
	if !ok {
		return WinModule{}, false
	}

	name, ok := baseDllName.Resolve(mem, dtb, 0)
	if !ok {
		name = ""
	}

	return WinModule{
		Name:        name,
		BaseAddress: baseAddress,
		EntryPoint:  entryPoint,
		SizeOfImage: sizeOfImage,
	}, true
}

// ProcessModules walks a process's PEB_LDR_DATA InLoadOrderModuleList
// into a name-keyed map. pebVA is the process-virtual address of its
// PEB (EPROCESS.Peb); dtb is that process's own DirectoryTableBase.
// Supplemental to spec section 4.12, grounded on libvirtdma's
// get_process_modules/get_process_modules_map
// (vm/binding_porcelain.rs).
func ProcessModules(mem vmio.PhysMem, dtb, pebVA uint64) (map[string]WinModule, error) {
	ldrVA, ok := vmio.VRead[uint64](mem, dtb, pebVA+pebLdrOffset)
	if !ok {
		return nil, fmt.Errorf("winloader: reading PEB.Ldr at %#x", pebVA+pebLdrOffset)
	}

	mods, err := walkModuleList(mem, dtb, ldrVA, InLoadOrder)
	if err != nil {
		return nil, err
	}

	return toMap(mods), nil
}

// FirstModule returns the first entry of a process's
// InLoadOrderModuleList without building the full map -- this is
// normally the process's own executable image, used by ProcessWalker
// to recover a display name when EPROCESS.ImageFileName is truncated.
func FirstModule(mem vmio.PhysMem, dtb, pebVA uint64) (WinModule, bool) {
	ldrVA, ok := vmio.VRead[uint64](mem, dtb, pebVA+pebLdrOffset)
	if !ok {
		return WinModule{}, false
	}

	headVA := ldrVA + ldrDataInLoadOrderOffset

	head, ok := winlist.Read(mem, dtb, headVA)
	if !ok || head.Flink == 0 || head.Flink == headVA {
		return WinModule{}, false
	}

	return readModule(mem, dtb, head.Flink-recordInLoadOrderOffset)
}

// ImageBaseAddress reads PEB.ImageBaseAddress, used by ProcessWalker's
// optional liveness check (spec section 4.10 step 3).
func ImageBaseAddress(mem vmio.PhysMem, dtb, pebVA uint64) (uint64, bool) {
	return vmio.VRead[uint64](mem, dtb, pebVA+pebImageBaseAddressOffset)
}

// KernelModules walks PsLoadedModuleList -- a LIST_ENTRY exported
// directly by the kernel, so kernelDTB is the kernel's own
// DirectoryTableBase and listHeadVA is the export's address.
// Supplemental to spec section 4.12, grounded on libvirtdma's
// get_kmods (vm/binding_porcelain.rs).
func KernelModules(mem vmio.PhysMem, kernelDTB, listHeadVA uint64) (map[string]WinModule, error) {
	mods, err := walkModuleList(mem, kernelDTB, listHeadVA-ldrDataInLoadOrderOffset, InLoadOrder)
	if err != nil {
		return nil, err
	}

	return toMap(mods), nil
}

func toMap(mods []WinModule) map[string]WinModule {
	out := make(map[string]WinModule, len(mods))
	for _, m := range mods {
		out[m.Name] = m
	}

	return out
}
