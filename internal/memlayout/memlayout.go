// Package memlayout parses the tabular memory-map text x64dbg exports
// from its memory map view, for cross-referencing OffsetTable rows
// against a debugger's live view of a guest.
//
// Grounded on libvirtdma's MemoryLayout::from_x64dbg_table
// (vm/mlayout.rs).
package memlayout

import (
	"fmt"
	"strings"

	"github.com/go-vmi/winvmi/internal/remoteptr"
)

// Range is one row of an x64dbg memory map: a named address range,
// optionally a subsection of the range named in Parent (x64dbg
// prints subsection names quoted, e.g. ".text").
type Range struct {
	Start    uint64
	Size     uint64
	Name     string
	Parent   string
	Metadata string
}

// End is the exclusive end of the range.
func (r Range) End() uint64 {
	return r.Start + r.Size
}

// Layout is an ordered set of ranges, keyed by start address in the
// order they were parsed.
type Layout struct {
	Ranges []Range
}

// ParseX64dbgTable parses the whitespace-separated columnar text
// x64dbg's memory map view exports: address, size, an optional
// (possibly quoted) name, and a trailing three-column metadata field
// (type and two permission strings). A line naming a quoted
// subsection is attached to the most recently seen top-level section.
func ParseX64dbgTable(s string) (*Layout, error) {
	layout := &Layout{}

	lastSectionName := ""

	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		subsection := strings.Contains(line, `"`)

		parts := strings.Fields(line)
		if len(parts) < 5 {
			return nil, fmt.Errorf("memlayout: line %q has fewer than 5 fields", line)
		}

		start, ok := remoteptr.ParseU64("0x"+parts[0], false)
		if !ok {
			return nil, fmt.Errorf("memlayout: cannot parse start address %q", parts[0])
		}

		size, ok := remoteptr.ParseU64("0x"+parts[1], false)
		if !ok {
			return nil, fmt.Errorf("memlayout: cannot parse size %q", parts[1])
		}

		name := ""
		if len(parts) != 5 {
			name = parts[2]
		}

		parent := ""
		if subsection {
			parent = lastSectionName
		} else {
			lastSectionName = name
		}

		metadata := strings.Join(parts[len(parts)-3:], " ")

		layout.Ranges = append(layout.Ranges, Range{
			Start:    start,
			Size:     size,
			Name:     name,
			Parent:   parent,
			Metadata: metadata,
		})
	}

	return layout, nil
}

// Find returns the range containing va, if any.
func (l *Layout) Find(va uint64) (Range, bool) {
	for _, r := range l.Ranges {
		if va >= r.Start && va < r.End() {
			return r, true
		}
	}

	return Range{}, false
}
