// Package acquirer locates the QEMU process holding /dev/kvm, finds its
// largest anonymous mapping (the guest-RAM backing region), and hands
// that off to internal/vmreaddev to establish a mapping into this
// process. Grounded on libvirtdma's find_kvm_user_pid/
// find_largest_kvm_maps/create_process_data (vm/binding_init.rs).
package acquirer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"

	"github.com/go-vmi/winvmi/internal/memwindow"
	"github.com/go-vmi/winvmi/internal/vmreaddev"
)

var (
	// ErrNoKVMHolder means lsof found no process with /dev/kvm open.
	ErrNoKVMHolder = errors.New("acquirer: no process holds /dev/kvm")
	// ErrNoMappings means /proc/<pid>/maps was empty or unreadable.
	ErrNoMappings = errors.New("acquirer: no mappings found for qemu pid")
)

var lsofPidRe = regexp.MustCompile(`(?m)^p(\d+)$`)

// Result is everything the rest of the session needs from acquisition.
type Result struct {
	Window  *memwindow.Window
	QemuPID int
}

// Options lets callers override the default device paths -- used by
// the CLI's --kvm-holder / --vmread-device flags and by tests that
// want to point at a fake lsof/device.
type Options struct {
	KVMHolderPath string // default /dev/kvm
	VMReadDevice  string // default /proc/vmread
	LsofBinary    string // default "lsof"
}

func (o Options) withDefaults() Options {
	if o.KVMHolderPath == "" {
		o.KVMHolderPath = "/dev/kvm"
	}

	if o.VMReadDevice == "" {
		o.VMReadDevice = vmreaddev.DefaultDevicePath
	}

	if o.LsofBinary == "" {
		o.LsofBinary = "lsof"
	}

	return o
}

// Acquire performs the full acquisition algorithm of spec.md section
// 4.2: find the QEMU pid, find its largest mapping, and install the
// driver mapping over it.
func Acquire(opts Options) (*Result, error) {
	opts = opts.withDefaults()

	pid, err := findKVMHolderPID(opts.LsofBinary, opts.KVMHolderPath)
	if err != nil {
		return nil, err
	}

	start, size, err := largestAnonymousMapping(pid)
	if err != nil {
		return nil, err
	}

	pd := &vmreaddev.ProcessData{
		MapsStart: start,
		MapsSize:  size,
		Pid:       int32(pid),
	}

	if err := vmreaddev.Install(opts.VMReadDevice, pd); err != nil {
		return nil, err
	}

	return &Result{
		Window:  memwindow.New(uintptr(start), size),
		QemuPID: pid,
	}, nil
}

func findKVMHolderPID(lsofBinary, holderPath string) (int, error) {
	cmd := exec.Command(lsofBinary, "-Fp", holderPath)

	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("acquirer: running %s: %w", lsofBinary, err)
	}

	m := lsofPidRe.FindSubmatch(bytes.TrimSpace(out))
	if m == nil {
		return 0, ErrNoKVMHolder
	}

	pid, err := strconv.Atoi(string(m[1]))
	if err != nil {
		return 0, fmt.Errorf("acquirer: parsing pid from lsof output: %w", err)
	}

	return pid, nil
}

// mapsLine is one parsed row of /proc/<pid>/maps.
type mapsLine struct {
	start, end uint64
}

func (m mapsLine) size() uint64 { return m.end - m.start }

var mapsLineRe = regexp.MustCompile(`^([0-9a-f]+)-([0-9a-f]+)\s`)

func largestAnonymousMapping(pid int) (start, size uint64, err error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return 0, 0, fmt.Errorf("acquirer: %w", err)
	}
	defer f.Close()

	lines, err := parseMaps(f)
	if err != nil {
		return 0, 0, err
	}

	if len(lines) == 0 {
		return 0, 0, ErrNoMappings
	}

	sort.Slice(lines, func(i, j int) bool { return lines[i].size() > lines[j].size() })

	largest := lines[0]

	return largest.start, largest.size(), nil
}

func parseMaps(r io.Reader) ([]mapsLine, error) {
	var lines []mapsLine

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		m := mapsLineRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}

		start, err := strconv.ParseUint(m[1], 16, 64)
		if err != nil {
			continue
		}

		end, err := strconv.ParseUint(m[2], 16, 64)
		if err != nil {
			continue
		}

		lines = append(lines, mapsLine{start: start, end: end})
	}

	return lines, scanner.Err()
}
