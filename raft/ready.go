package raft

import pb "raftsim/proto/eraftpb"

// SoftState is volatile state that is not persisted: role and leader.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

func (a *SoftState) equal(b *SoftState) bool {
	return a.Lead == b.Lead && a.RaftState == b.RaftState
}

// Ready encapsulates everything that is ready to be persisted, sent,
// and applied — the Outbox/Ready cycle of spec.md §4.2. The Replica
// Shell must persist, then send, then apply, then call Advance before
// requesting the next Ready.
type Ready struct {
	*SoftState

	HardState pb.HardState

	Entries []pb.Entry

	Snapshot pb.Snapshot

	CommittedEntries []pb.Entry

	Messages []pb.Message
}

func isHardStateEqual(a, b pb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}

// IsEmptyHardState reports whether hs is the zero value.
func IsEmptyHardState(hs pb.HardState) bool {
	return pb.IsEmptyHardState(hs)
}

// IsEmptySnap reports whether sp carries no snapshot.
func IsEmptySnap(sp *pb.Snapshot) bool {
	return pb.IsEmptySnap(sp)
}

func newReady(r *Raft, prevSoftSt *SoftState, prevHardSt pb.HardState) Ready {
	rd := Ready{
		Entries:          r.RaftLog.unstableEntries(),
		CommittedEntries: r.RaftLog.nextEnts(),
		Messages:         r.msgs,
	}
	if softSt := r.softState(); !softSt.equal(prevSoftSt) {
		rd.SoftState = softSt
	}
	if hardSt := r.hardState(); !isHardStateEqual(hardSt, prevHardSt) {
		rd.HardState = hardSt
	}
	if r.RaftLog.pending_snapshot != nil {
		rd.Snapshot = *r.RaftLog.pending_snapshot
	}
	return rd
}

// HasReady reports whether there is any state, message, or entry that
// the Replica Shell still needs to drain.
func (r *Raft) HasReady(prevSoftSt *SoftState, prevHardSt pb.HardState) bool {
	if softSt := r.softState(); !softSt.equal(prevSoftSt) {
		return true
	}
	if hardSt := r.hardState(); !IsEmptyHardState(hardSt) && !isHardStateEqual(hardSt, prevHardSt) {
		return true
	}
	if r.RaftLog.pending_snapshot != nil && !IsEmptySnap(r.RaftLog.pending_snapshot) {
		return true
	}
	if len(r.msgs) > 0 || len(r.RaftLog.unstableEntries()) > 0 || r.RaftLog.hasNextEnts() {
		return true
	}
	return false
}

// Ready returns the current Ready snapshot. prevSoftSt/prevHardSt are
// the values from the previous call (zero values on the first call).
func (r *Raft) Ready(prevSoftSt *SoftState, prevHardSt pb.HardState) Ready {
	return newReady(r, prevSoftSt, prevHardSt)
}

// Advance notifies the Raft Core that the given Ready has been fully
// persisted, sent, and applied. It must be called before the next
// Ready is requested (spec.md §4.2).
func (r *Raft) Advance(rd Ready) {
	if !IsEmptyHardState(rd.HardState) {
		// hard state already reflected in r.Term/r.Vote/r.RaftLog.committed
	}
	if newApplied := len(rd.CommittedEntries); newApplied > 0 {
		r.RaftLog.appliedTo(rd.CommittedEntries[newApplied-1].Index)
	}
	if len(rd.Entries) > 0 {
		e := rd.Entries[len(rd.Entries)-1]
		r.RaftLog.stableTo(e.Index, e.Term)
	}
	if !IsEmptySnap(&rd.Snapshot) {
		r.RaftLog.stableSnapTo(rd.Snapshot.Metadata.Index)
		r.RaftLog.pending_snapshot = nil
	}
	r.msgs = nil
}
