// Package winlist reads the single LIST_ENTRY primitive -- a pair of
// forward/backward pointers -- that every Windows intrusive linked
// list (EPROCESS chains, loader module lists, thread lists) is built
// out of. Walking order and termination rules are caller-specific, so
// this package only reads the node; it does not walk.
//
// Grounded on libvirtdma's win/list_entry.rs.
package winlist

import "github.com/go-vmi/winvmi/internal/vmio"

// Entry is one LIST_ENTRY node: Flink/Blink, both VAs.
type Entry struct {
	Flink uint64
	Blink uint64
}

// Read decodes the LIST_ENTRY at va.
func Read(mem vmio.PhysMem, dtb, va uint64) (Entry, bool) {
	return vmio.VRead[Entry](mem, dtb, va)
}
