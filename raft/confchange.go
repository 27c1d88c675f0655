package raft

import "sort"

// ReconfigState mirrors spec.md §3's ReconfigState: a replica's view of
// where it stands in a joint-consensus reconfiguration.
type ReconfigState int

const (
	ReconfigStateNone ReconfigState = iota
	ReconfigStatePending
	ReconfigStateFinished
	ReconfigStateRemoved
)

func (s ReconfigState) String() string {
	switch s {
	case ReconfigStateNone:
		return "None"
	case ReconfigStatePending:
		return "Pending"
	case ReconfigStateFinished:
		return "Finished"
	case ReconfigStateRemoved:
		return "Removed"
	default:
		return "Unknown"
	}
}

// isJoint reports whether a second, outgoing voter set is active —
// i.e. the cluster is mid joint-consensus (spec.md §3/§4.2).
func (r *Raft) isJoint() bool {
	return len(r.PrsOutgoing) > 0
}

// quorum returns the size of a strict majority of the incoming voter
// set.
func (r *Raft) quorum() int { return len(r.Prs)/2 + 1 }

func (r *Raft) outgoingQuorum() int { return len(r.PrsOutgoing)/2 + 1 }

// beginMembershipChange enters joint consensus: the current voter set
// becomes the outgoing set and targetVoters becomes the incoming set.
// Quorum from this point requires majorities in BOTH sets (spec.md
// §4.2, invariant I6).
func (r *Raft) beginMembershipChange(targetVoters []uint64) {
	r.PrsOutgoing = r.Prs
	r.Prs = make(map[uint64]*Progress, len(targetVoters))
	lastIndex := r.RaftLog.LastIndex()
	for _, id := range targetVoters {
		if pr, ok := r.PrsOutgoing[id]; ok {
			cp := *pr
			r.Prs[id] = &cp
		} else {
			r.Prs[id] = &Progress{Next: lastIndex + 1, Inflights: NewInflights(r.maxInflight)}
		}
	}
	r.reconfigState = ReconfigStatePending
}

// finalizeMembershipChange leaves joint consensus: the outgoing set is
// dropped and the incoming set becomes the sole voter set. If self is
// no longer a voter, the replica transitions to Removed and the
// caller (Replica Shell / tick loop) must stop its timers. A surviving
// voter gets its randomized election timeout shortened (spec.md §4.2),
// so that if the departing voter was the leader, the remaining voters
// race for the new election quickly instead of waiting out whatever
// long timeout they last drew.
func (r *Raft) finalizeMembershipChange() {
	r.PrsOutgoing = nil
	if _, ok := r.Prs[r.id]; !ok {
		r.reconfigState = ReconfigStateRemoved
		return
	}
	r.reconfigState = ReconfigStateFinished
	r.resetAcceleratedElectionTimeout()
}

// votersCatchUp reports whether every tracked peer other than the
// leader itself has caught up to the leader's last index — the
// condition under which the leader is allowed to propose
// FinalizeMembershipChange (spec.md §4.2).
func (r *Raft) votersCatchUp() bool {
	last := r.RaftLog.LastIndex()
	for id := range r.Prs {
		if id == r.id {
			continue
		}
		pr, ok := r.Prs[id]
		if !ok || pr.Match < last {
			return false
		}
	}
	return true
}

// confVoterIDs returns the sorted incoming voter ids (used for
// deterministic iteration in campaign/bcast).
func (r *Raft) confVoterIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Prs))
	for id := range r.Prs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// allVoterIDs returns the union of incoming and outgoing voter ids,
// used to decide who must receive a RequestVote/AppendEntries during
// joint consensus.
func (r *Raft) allVoterIDs() []uint64 {
	seen := make(map[uint64]struct{}, len(r.Prs)+len(r.PrsOutgoing))
	var ids []uint64
	for id := range r.Prs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for id := range r.PrsOutgoing {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// isVoter reports whether id is a voter in the incoming or outgoing
// set.
func (r *Raft) isVoter(id uint64) bool {
	if _, ok := r.Prs[id]; ok {
		return true
	}
	_, ok := r.PrsOutgoing[id]
	return ok
}
