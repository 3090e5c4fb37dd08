// Package winthread walks a process's KTHREAD list (rooted at
// KPROCESS.ThreadListHead) and resolves each thread's TEB.
//
// Grounded on libvirtdma's VMBinding::threads_from_eprocess
// (vm/nativebinding.rs) and the hypervisor-cheat project's
// ethread.rs, which documents the KTHREAD.ThreadListEntry embedding
// this walk relies on -- the per-version embedding offset lives in
// internal/offsets as ThreadListEntry, since unlike most of KTHREAD it
// shifts release to release.
package winthread

import (
	"fmt"

	"github.com/go-vmi/winvmi/internal/offsets"
	"github.com/go-vmi/winvmi/internal/vmio"
	"github.com/go-vmi/winvmi/internal/winlist"
)

// cidUniqueThreadOffset is ETHREAD.Cid.UniqueThread's offset, stable
// across every supported NT version. KTHREAD.Teb shifts release to
// release like ThreadListEntry, so it comes from offsets.Table
// instead of a local constant.
const cidUniqueThreadOffset = 0x640

// Thread is one KTHREAD/ETHREAD record's projection.
type Thread struct {
	ThreadID  uint64
	KThreadVA uint64
	TebVA     uint64
}

// Walk enumerates up to maxThreads entries of the KTHREAD list rooted
// at threadListHeadVA (EPROCESS.Pcb.ThreadListHead's virtual
// address), translated through the owning process's own dtb. The
// count bound mirrors active_thread_count in the source this is
// grounded on: the list's own termination is not dependable once a
// thread has exited mid-walk.
func Walk(mem vmio.PhysMem, dtb, threadListHeadVA uint64, tbl offsets.Table, maxThreads uint32) ([]Thread, error) {
	head, ok := winlist.Read(mem, dtb, threadListHeadVA)
	if !ok {
		return nil, fmt.Errorf("winthread: reading ThreadListHead at %#x", threadListHeadVA)
	}

	var threads []Thread

	cur := head.Flink
	for i := uint32(0); i < maxThreads && cur != 0 && cur != threadListHeadVA; i++ {
		recordVA := cur - uint64(tbl.ThreadListEntry)

		threadID, ok := vmio.VRead[uint64](mem, dtb, recordVA+cidUniqueThreadOffset)
		if !ok {
			break
		}

		tebVA, ok := vmio.VRead[uint64](mem, dtb, recordVA+uint64(tbl.Teb))
		if !ok {
			break
		}

		threads = append(threads, Thread{ThreadID: threadID, KThreadVA: recordVA, TebVA: tebVA})

		next, ok := winlist.Read(mem, dtb, cur)
		if !ok {
			break
		}

		cur = next.Flink
	}

	return threads, nil
}
