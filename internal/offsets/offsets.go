// Package offsets is the static table mapping (NT version, NT build)
// to the structural field offsets ProcessWalker, ThreadWalker and
// LoaderWalker need into EPROCESS/KPROCESS/ETHREAD/KTHREAD. These
// offsets shift release to release with no stable ABI, so they are
// looked up rather than derived.
//
// Values transcribed verbatim from libvirtdma's Offsets::get_offsets
// (win/mod.rs).
package offsets

// Table is one version's worth of structural offsets. ThreadListEntry
// and Teb are relative to the start of KTHREAD; the rest are relative
// to the start of EPROCESS.
type Table struct {
	ActiveProcessLinks int64
	Session            int64
	StackCount         int64
	ImageFileName      int64
	DirBase            int64
	Peb                int64
	Peb32              int64
	ThreadListHead     int64
	ThreadListEntry    int64
	Teb                int64
}

// Get looks up the offset table for a given (ntVersion, ntBuild) pair.
// The second return is false for any tuple this module does not
// recognize -- per spec section 4.9, session construction must fail
// rather than guess at an unsupported build.
func Get(ntVersion uint16, ntBuild uint32) (Table, bool) {
	switch ntVersion {
	case 502: // XP SP2
		return Table{
			ActiveProcessLinks: 0xe0,
			Session:            0x260,
			StackCount:         0xa0,
			ImageFileName:      0x268,
			DirBase:            0x28,
			Peb:                0x2c0,
			Peb32:              0x30,
			ThreadListHead:     0x290,
			ThreadListEntry:    0x3d0,
			Teb:                0xb0,
		}, true

	case 601: // Windows 7 (and SP1 variant below)
		t := Table{
			ActiveProcessLinks: 0x188,
			Session:            0x2d8,
			StackCount:         0xdc,
			ImageFileName:      0x2e0,
			DirBase:            0x28,
			Peb:                0x338,
			Peb32:              0x30,
			ThreadListHead:     0x300,
			ThreadListEntry:    0x420,
			Teb:                0xb8,
		}

		if ntBuild == 7601 {
			t.ImageFileName = 0x2d8
			t.ThreadListEntry = 0x428
		}

		return t, true

	case 602: // Windows 8
		return Table{
			ActiveProcessLinks: 0x2e8,
			Session:            0x430,
			StackCount:         0x234,
			ImageFileName:      0x438,
			DirBase:            0x28,
			Peb:                0x338,
			Peb32:              0x30,
			ThreadListHead:     0x470,
			ThreadListEntry:    0x400,
			Teb:                0xf0,
		}, true

	case 603: // Windows 8.1
		return Table{
			ActiveProcessLinks: 0x2e8,
			Session:            0x430,
			StackCount:         0x234,
			ImageFileName:      0x438,
			DirBase:            0x28,
			Peb:                0x338,
			Peb32:              0x30,
			ThreadListHead:     0x470,
			ThreadListEntry:    0x688,
			Teb:                0xf0,
		}, true

	case 1000: // Windows 10
		t := Table{
			ActiveProcessLinks: 0x2e8,
			Session:            0x448,
			StackCount:         0x23c,
			ImageFileName:      0x450,
			DirBase:            0x28,
			Peb:                0x3f8,
			Peb32:              0x30,
			ThreadListHead:     0x488,
			ThreadListEntry:    0x6a8,
			Teb:                0xf0,
		}

		if ntBuild >= 18362 { // Version 1903 or higher
			t.ActiveProcessLinks = 0x2f0
			t.ThreadListEntry = 0x6b8
		}

		return t, true

	default:
		return Table{}, false
	}
}
