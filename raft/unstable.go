package raft

import pb "raftsim/proto/eraftpb"

// unstableLog holds entries and an optional snapshot that have not yet
// been persisted by the Log Store. The Replica Shell's drain-ready
// cycle (spec.md §4.2/§4.3) persists this cache and then calls
// stableTo/stableSnapTo to advance it.
type unstableLog struct {
	snapshot *pb.Snapshot
	entries  []pb.Entry
	// offset is the index of entries[0]; entries[i] has index offset+i.
	offset uint64
}

func newUnstableLog(offset uint64) unstableLog {
	return unstableLog{offset: offset}
}

func (u *unstableLog) maybeFirstIndex() (uint64, bool) {
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index + 1, true
	}
	return 0, false
}

func (u *unstableLog) maybeLastIndex() (uint64, bool) {
	if l := len(u.entries); l != 0 {
		return u.offset + uint64(l) - 1, true
	}
	if u.snapshot != nil {
		return u.snapshot.Metadata.Index, true
	}
	return 0, false
}

func (u *unstableLog) maybeTerm(i uint64) (uint64, bool) {
	if i < u.offset {
		if u.snapshot != nil && u.snapshot.Metadata.Index == i {
			return u.snapshot.Metadata.Term, true
		}
		return 0, false
	}
	last, ok := u.maybeLastIndex()
	if !ok || i > last {
		return 0, false
	}
	return u.entries[i-u.offset].Term, true
}

func (u *unstableLog) stableTo(i, t uint64) {
	gt, ok := u.maybeTerm(i)
	if !ok {
		return
	}
	if gt == t && i >= u.offset {
		u.entries = u.entries[i+1-u.offset:]
		u.offset = i + 1
	}
}

func (u *unstableLog) stableSnapTo(i uint64) {
	if u.snapshot != nil && u.snapshot.Metadata.Index == i {
		u.snapshot = nil
	}
}

func (u *unstableLog) restore(s pb.Snapshot) {
	u.offset = s.Metadata.Index + 1
	u.entries = nil
	u.snapshot = &s
}

func (u *unstableLog) truncateAndAppend(ents []pb.Entry) {
	if len(ents) == 0 {
		return
	}
	after := ents[0].Index
	switch {
	case after == u.offset+uint64(len(u.entries)):
		u.entries = append(u.entries, ents...)
	case after <= u.offset:
		u.offset = after
		u.entries = ents
	default:
		u.entries = append([]pb.Entry{}, u.slice(u.offset, after)...)
		u.entries = append(u.entries, ents...)
	}
}

func (u *unstableLog) slice(lo, hi uint64) []pb.Entry {
	return u.entries[lo-u.offset : hi-u.offset]
}
