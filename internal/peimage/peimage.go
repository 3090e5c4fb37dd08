// Package peimage parses DOS/NT headers, section headers, and the
// export directory of a PE image reachable through a (DTB, VA) pair
// in guest memory.
//
// Grounded on spec section 4.7 and libvirtdma's get_nt_header /
// get_module_exports (the pelite-backed equivalents in
// vm/binding_init.rs and vm/binding_porcelain.rs), reimplemented by
// hand since the pack carries no PE-parsing library -- see DESIGN.md.
package peimage

import (
	"errors"
	"fmt"

	"github.com/go-vmi/winvmi/internal/vmio"
)

const (
	dosSignature = 0x5a4d // "MZ"
	ntSignature  = 0x00004550 // "PE\0\0"

	optHdr32Magic = 0x10b
	optHdr64Magic = 0x20b

	maxExportNameLen = 128
)

// ErrNotAPEImage is returned when the DOS or NT signature does not match.
var ErrNotAPEImage = errors.New("peimage: not a PE image")

// ErrMalformedExportDirectory is returned when the export directory
// fails one of the three sanity checks in spec section 4.7.
var ErrMalformedExportDirectory = errors.New("peimage: malformed export directory")

type imageDosHeader struct {
	EMagic  uint16
	_       [58]byte
	ELfanew int32
}

type imageFileHeader struct {
	Machine              uint16
	NumberOfSections     uint16
	TimeDateStamp        uint32
	PointerToSymbolTable uint32
	NumberOfSymbols      uint32
	SizeOfOptionalHeader uint16
	Characteristics      uint16
}

type imageDataDirectory struct {
	VirtualAddress uint32
	Size           uint32
}

type imageOptionalHeader64 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]imageDataDirectory
}

type imageOptionalHeader32 struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint32
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint32
	SizeOfStackCommit           uint32
	SizeOfHeapReserve           uint32
	SizeOfHeapCommit            uint32
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
	DataDirectory               [16]imageDataDirectory
}

type imageNTHeaders64 struct {
	Signature      uint32
	FileHeader     imageFileHeader
	OptionalHeader imageOptionalHeader64
}

type imageNTHeaders32 struct {
	Signature      uint32
	FileHeader     imageFileHeader
	OptionalHeader imageOptionalHeader32
}

// NTHeaders is the dispatched result of GetNTHeader: exactly one of
// Bit64/Bit32 is populated, matching the Rust NtHeaders enum.
type NTHeaders struct {
	Is64  bool
	Bit64 imageNTHeaders64
	Bit32 imageNTHeaders32
}

// ExportDirectory returns the export data directory entry regardless
// of header bitness.
func (h NTHeaders) ExportDirectory() imageDataDirectory {
	if h.Is64 {
		return h.Bit64.OptionalHeader.DataDirectory[0]
	}

	return h.Bit32.OptionalHeader.DataDirectory[0]
}

// ExportEntry is one resolved export symbol.
type ExportEntry struct {
	Name    string
	Address uint64
}

// GetNTHeader reads the DOS header at va, follows e_lfanew to the NT
// header, and dispatches on OptionalHeader.Magic. Returns the NT
// header's own virtual address alongside the parsed struct, since
// GetExports needs it to locate the export directory.
func GetNTHeader(mem vmio.PhysMem, dtb, va uint64) (NTHeaders, uint64, error) {
	dos, ok := vmio.VRead[imageDosHeader](mem, dtb, va)
	if !ok {
		return NTHeaders{}, 0, fmt.Errorf("peimage: reading dos header at %#x: %w", va, ErrNotAPEImage)
	}

	if dos.EMagic != dosSignature {
		return NTHeaders{}, 0, fmt.Errorf("peimage: bad dos signature %#x: %w", dos.EMagic, ErrNotAPEImage)
	}

	ntVA := va + uint64(uint32(dos.ELfanew))

	var sig uint32
	if sigVal, ok := vmio.VRead[uint32](mem, dtb, ntVA); ok {
		sig = sigVal
	} else {
		return NTHeaders{}, 0, fmt.Errorf("peimage: reading nt signature at %#x: %w", ntVA, ErrNotAPEImage)
	}

	if sig != ntSignature {
		return NTHeaders{}, 0, fmt.Errorf("peimage: bad nt signature %#x: %w", sig, ErrNotAPEImage)
	}

	magic, ok := vmio.VRead[uint16](mem, dtb, ntVA+4+20)
	if !ok {
		return NTHeaders{}, 0, fmt.Errorf("peimage: reading optional header magic: %w", ErrNotAPEImage)
	}

	switch magic {
	case optHdr64Magic:
		nt, ok := vmio.VRead[imageNTHeaders64](mem, dtb, ntVA)
		if !ok {
			return NTHeaders{}, 0, fmt.Errorf("peimage: reading 64-bit nt headers: %w", ErrNotAPEImage)
		}

		return NTHeaders{Is64: true, Bit64: nt}, ntVA, nil
	case optHdr32Magic:
		nt, ok := vmio.VRead[imageNTHeaders32](mem, dtb, ntVA)
		if !ok {
			return NTHeaders{}, 0, fmt.Errorf("peimage: reading 32-bit nt headers: %w", ErrNotAPEImage)
		}

		return NTHeaders{Is64: false, Bit32: nt}, ntVA, nil
	default:
		return NTHeaders{}, 0, fmt.Errorf("peimage: unrecognised optional header magic %#x: %w", magic, ErrNotAPEImage)
	}
}

type imageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// GetExports walks moduleBase's export table into a name->address map.
// Every entry in the returned map was reached via the same three
// sanity checks spec section 4.7 names: a clamped directory size, a
// directory at least as large as IMAGE_EXPORT_DIRECTORY, and a
// virtual address that does not alias the module base itself.
func GetExports(mem vmio.PhysMem, dtb, moduleBase uint64) (map[string]ExportEntry, error) {
	nt, _, err := GetNTHeader(mem, dtb, moduleBase)
	if err != nil {
		return nil, err
	}

	dir := nt.ExportDirectory()
	if dir.Size > 0x7fffff {
		return nil, fmt.Errorf("%w: size %#x exceeds 0x7fffff", ErrMalformedExportDirectory, dir.Size)
	}

	const exportDirSize = 0x28
	if dir.Size < exportDirSize {
		return nil, fmt.Errorf("%w: size %#x smaller than IMAGE_EXPORT_DIRECTORY", ErrMalformedExportDirectory, dir.Size)
	}

	if uint64(dir.VirtualAddress) == moduleBase {
		return nil, fmt.Errorf("%w: virtual address aliases module base", ErrMalformedExportDirectory)
	}

	exportDir, ok := vmio.VRead[imageExportDirectory](mem, dtb, moduleBase+uint64(dir.VirtualAddress))
	if !ok {
		return nil, fmt.Errorf("peimage: reading export directory: %w", ErrMalformedExportDirectory)
	}

	exports := make(map[string]ExportEntry, exportDir.NumberOfNames)

	for i := uint32(0); i < exportDir.NumberOfNames; i++ {
		nameRVA, ok := vmio.VRead[uint32](mem, dtb, moduleBase+uint64(exportDir.AddressOfNames)+4*uint64(i))
		if !ok {
			continue
		}

		name, ok := readBoundedCString(mem, dtb, moduleBase+uint64(nameRVA), maxExportNameLen)
		if !ok {
			continue
		}

		ord, ok := vmio.VRead[uint16](mem, dtb, moduleBase+uint64(exportDir.AddressOfNameOrdinals)+2*uint64(i))
		if !ok {
			continue
		}

		fnRVA, ok := vmio.VRead[uint32](mem, dtb, moduleBase+uint64(exportDir.AddressOfFunctions)+4*uint64(ord))
		if !ok {
			continue
		}

		exports[name] = ExportEntry{Name: name, Address: moduleBase + uint64(fnRVA)}
	}

	return exports, nil
}

func readBoundedCString(mem vmio.PhysMem, dtb, va uint64, maxLen int) (string, bool) {
	out := make([]byte, 0, 32)

	for i := 0; i < maxLen; i++ {
		var b [1]byte
		if !vmio.VReadBytes(mem, dtb, va+uint64(i), b[:]) {
			return "", false
		}

		if b[0] == 0 {
			return string(out), true
		}

		out = append(out, b[0])
	}

	return string(out), true
}

// SectionHeader is one IMAGE_SECTION_HEADER record.
type SectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      uint32
}

// NameString trims the fixed 8-byte section name to its NUL terminator.
func (s SectionHeader) NameString() string {
	for i, b := range s.Name {
		if b == 0 {
			return string(s.Name[:i])
		}
	}

	return string(s.Name[:])
}

// Sections reads the section table immediately following the NT
// header's optional header, one IMAGE_SECTION_HEADER per declared
// section. Supplemental to spec section 4.7, grounded on
// libvirtdma's get_module_sections (vm/binding_porcelain.rs).
func Sections(mem vmio.PhysMem, dtb, moduleBase uint64) ([]SectionHeader, error) {
	nt, ntVA, err := GetNTHeader(mem, dtb, moduleBase)
	if err != nil {
		return nil, err
	}

	var numSections uint16
	var sizeOfOptionalHeader uint16

	if nt.Is64 {
		numSections = nt.Bit64.FileHeader.NumberOfSections
		sizeOfOptionalHeader = nt.Bit64.FileHeader.SizeOfOptionalHeader
	} else {
		numSections = nt.Bit32.FileHeader.NumberOfSections
		sizeOfOptionalHeader = nt.Bit32.FileHeader.SizeOfOptionalHeader
	}

	const (
		signatureSize  = 4
		fileHeaderSize = 20
	)

	sectionTableVA := ntVA + signatureSize + fileHeaderSize + uint64(sizeOfOptionalHeader)

	sections := make([]SectionHeader, 0, numSections)

	for i := uint16(0); i < numSections; i++ {
		sh, ok := vmio.VRead[SectionHeader](mem, dtb, sectionTableVA+uint64(i)*40)
		if !ok {
			return sections, fmt.Errorf("peimage: reading section header %d: %w", i, ErrNotAPEImage)
		}

		sections = append(sections, sh)
	}

	return sections, nil
}
