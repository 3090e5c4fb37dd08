// Package session assembles every introspection primitive in this
// module into one stateful handle on a running Windows guest:
// acquiring the guest's physical memory, locating the kernel, probing
// its version, and exposing process/thread/module queries against
// the result.
//
// Grounded on libvirtdma's VMBinding::new and its surrounding
// vm/binding_init.rs bootstrap sequence: a construction function that
// either fully succeeds or returns nothing, never a partially wired
// binding.
package session

import (
	"errors"
	"fmt"
	"log"

	"github.com/go-vmi/winvmi/internal/acquirer"
	"github.com/go-vmi/winvmi/internal/kernelscan"
	"github.com/go-vmi/winvmi/internal/lowstub"
	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/offsets"
	"github.com/go-vmi/winvmi/internal/patcher"
	"github.com/go-vmi/winvmi/internal/peimage"
	"github.com/go-vmi/winvmi/internal/remoteptr"
	"github.com/go-vmi/winvmi/internal/scanner"
	"github.com/go-vmi/winvmi/internal/versionprobe"
	"github.com/go-vmi/winvmi/internal/vmio"
	"github.com/go-vmi/winvmi/internal/winloader"
	"github.com/go-vmi/winvmi/internal/winproc"
	"github.com/go-vmi/winvmi/internal/winthread"
)

// ErrAcquisitionFailed covers every failure before the kernel has even
// been located: opening /proc/vmread, finding the QEMU mapping, or
// matching the low-stub signature.
var ErrAcquisitionFailed = errors.New("session: acquisition failed")

// ErrBootstrapFailed covers failures after a PML4/entry point pair is
// in hand: locating the kernel image, finding its RtlGetVersion and
// PsInitialSystemProcess exports, and reading and translating the
// initial EPROCESS pointer. An offset-table miss is reported as
// ErrUnsupportedBuild instead.
var ErrBootstrapFailed = errors.New("session: bootstrap failed")

// ErrUnsupportedBuild indicates that offsets.Get has no table for the
// probed NT version/build pair; rows are chosen by NT version, so this
// is returned for an NT version the table does not know.
var ErrUnsupportedBuild = errors.New("session: unsupported NT version/build")

// Session is a fully bootstrapped handle on one guest. Every field is
// populated in New or not at all -- once constructed, a Session never
// holds partial state.
type Session struct {
	window *memwindow.Window

	kernelDTB     uint64
	kernelEntry   uint64
	kernelBase    uint64
	kernelExports map[string]peimage.ExportEntry

	ntVersion uint16
	ntBuild   uint32
	offsets   offsets.Table

	initial winproc.Initial
}

// Options controls how the guest's physical memory is acquired; see
// internal/acquirer.Options for field meaning.
type Options = acquirer.Options

// New bootstraps a Session end to end: acquires the guest's physical
// memory window, scans the low stub for the kernel's PML4/entry
// point, locates the kernel image and parses its exports, probes the
// NT version/build, and looks up the matching offset table. Any
// failure along this chain returns (nil, error) -- callers never
// observe a half-initialized Session.
func New(opts Options) (*Session, error) {
	result, err := acquirer.Acquire(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisitionFailed, err)
	}

	stub, ok := lowstub.Find(result.Window)
	if !ok {
		return nil, fmt.Errorf("%w: low-stub signature not found", ErrAcquisitionFailed)
	}

	log.Printf("session: PML4=%#x kernel entry=%#x", stub.PML4, stub.KernelEntry)

	kernel, ok := kernelscan.Find(result.Window, stub.PML4, stub.KernelEntry)
	if !ok {
		return nil, fmt.Errorf("%w: kernel image not found near entry %#x", ErrBootstrapFailed, stub.KernelEntry)
	}

	log.Printf("session: kernel base=%#x (%d exports)", kernel.Base, len(kernel.Exports))

	rtlGetVersion, ok := kernel.Exports["RtlGetVersion"]
	if !ok {
		return nil, fmt.Errorf("%w: RtlGetVersion export missing", ErrBootstrapFailed)
	}

	read := func(addr uint64, buf []byte) bool {
		return vmio.VReadBytes(result.Window, stub.PML4, addr, buf)
	}

	ntVersion := versionprobe.Version(read, rtlGetVersion.Address)
	ntBuild := versionprobe.Build(read, rtlGetVersion.Address)

	tbl, ok := offsets.Get(ntVersion, ntBuild)
	if !ok {
		return nil, fmt.Errorf("%w: version %d build %d", ErrUnsupportedBuild, ntVersion, ntBuild)
	}

	log.Printf("session: NT version=%d build=%d", ntVersion, ntBuild)

	initialSystemProcess, ok := kernel.Exports["PsInitialSystemProcess"]
	if !ok {
		return nil, fmt.Errorf("%w: PsInitialSystemProcess export missing", ErrBootstrapFailed)
	}

	eprocessVA, ok := vmio.VRead[uint64](result.Window, stub.PML4, initialSystemProcess.Address)
	if !ok {
		return nil, fmt.Errorf("%w: reading PsInitialSystemProcess pointer", ErrBootstrapFailed)
	}

	eprocessPA, ok := vmio.Translate(result.Window, stub.PML4, eprocessVA)
	if !ok {
		return nil, fmt.Errorf("%w: translating initial EPROCESS %#x", ErrBootstrapFailed, eprocessVA)
	}

	log.Printf("session: initial EPROCESS VA=%#x PA=%#x", eprocessVA, eprocessPA)

	return &Session{
		window:        result.Window,
		kernelDTB:     stub.PML4,
		kernelEntry:   stub.KernelEntry,
		kernelBase:    kernel.Base,
		kernelExports: kernel.Exports,
		ntVersion:     ntVersion,
		ntBuild:       ntBuild,
		offsets:       tbl,
		initial:       winproc.Initial{EProcessPA: eprocessPA, EProcessVA: eprocessVA},
	}, nil
}

// KernelDTB is the kernel's own DirectoryTableBase, needed by callers
// that translate kernel-mode virtual addresses directly.
func (s *Session) KernelDTB() uint64 { return s.kernelDTB }

// NTVersion returns the probed NT version/build pair.
func (s *Session) NTVersion() (version uint16, build uint32) {
	return s.ntVersion, s.ntBuild
}

// KernelExport looks up a cached kernel export by name.
func (s *Session) KernelExport(name string) (peimage.ExportEntry, bool) {
	e, ok := s.kernelExports[name]
	return e, ok
}

// Processes enumerates every EPROCESS entry reachable from the
// initial process. requireAlive drops entries whose image base no
// longer holds an 'MZ' header.
func (s *Session) Processes(requireAlive bool) (map[uint64]winproc.Process, error) {
	walker := winproc.NewWalker(s.window, s.kernelDTB, s.offsets, requireAlive)
	return walker.Walk(s.initial)
}

// Threads enumerates a process's KTHREAD list.
func (s *Session) Threads(p winproc.Process, maxThreads uint32) ([]winthread.Thread, error) {
	threadListHeadVA := p.EProcessVA + uint64(s.offsets.ThreadListHead)
	return winthread.Walk(s.window, p.DirBase, threadListHeadVA, s.offsets, maxThreads)
}

// ProcessModules enumerates a process's loaded modules.
func (s *Session) ProcessModules(p winproc.Process) (map[string]winloader.WinModule, error) {
	return winloader.ProcessModules(s.window, p.DirBase, p.PebVA)
}

// KernelModules enumerates PsLoadedModuleList.
func (s *Session) KernelModules() (map[string]winloader.WinModule, error) {
	listHead, ok := s.KernelExport("PsLoadedModuleList")
	if !ok {
		return nil, fmt.Errorf("session: PsLoadedModuleList export missing")
	}

	return winloader.KernelModules(s.window, s.kernelDTB, listHead.Address)
}

// Heaps enumerates a process's PEB.ProcessHeaps array.
func (s *Session) Heaps(p winproc.Process) ([]winproc.HeapRecord, error) {
	return winproc.Heaps(s.window, p.DirBase, p.PebVA)
}

// ReadPhysical reads len(dst) bytes at a physical address.
func (s *Session) ReadPhysical(dst []byte, gpa uint64) bool {
	return vmio.ReadBytes(s.window, gpa, dst)
}

// WritePhysical writes src at a physical address.
func (s *Session) WritePhysical(src []byte, gpa uint64) bool {
	return vmio.WriteBytes(s.window, gpa, src)
}

// ReadVirtual reads len(dst) bytes at a virtual address in the given
// address space.
func (s *Session) ReadVirtual(dst []byte, dtb, gva uint64) bool {
	return vmio.VReadBytes(s.window, dtb, gva, dst)
}

// WriteVirtual writes src at a virtual address in the given address
// space.
func (s *Session) WriteVirtual(src []byte, dtb, gva uint64) bool {
	return vmio.VWriteBytes(s.window, dtb, gva, src)
}

// SetProtection flips a process's PS_PROTECTION byte.
func (s *Session) SetProtection(p winproc.Process, typ patcher.ProtectionType, signer patcher.ProtectionSigner) error {
	return patcher.SetProtection(s.window, p.EProcessPA, typ, signer)
}

// WriteShellcode writes a payload into the process's address space.
func (s *Session) WriteShellcode(p winproc.Process, va uint64, code []byte) error {
	return patcher.WriteShellcode(s.window, p.DirBase, va, code)
}

// ScanVirtual locates every match of a masked hex pattern within a
// process's address space, across a dumped window starting at base
// and running for length bytes.
func (s *Session) ScanVirtual(p winproc.Process, pattern string, base uint64, length int) ([]uint64, error) {
	pat, err := scanner.CompileMasked(pattern)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, length)
	if !vmio.VReadBytes(s.window, p.DirBase, base, buf) {
		return nil, fmt.Errorf("session: dumping %d bytes at %#x failed", length, base)
	}

	offs := pat.FindAll(buf)

	matches := make([]uint64, len(offs))
	for i, off := range offs {
		matches[i] = base + uint64(off)
	}

	return matches, nil
}

// ParseU64 is remoteptr.ParseU64, re-exported so REPL/HTTP callers
// need only depend on Session.
func ParseU64(s string, littleEndian bool) (uint64, bool) {
	return remoteptr.ParseU64(s, littleEndian)
}
