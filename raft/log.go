package raft

import (
	"fmt"

	pb "raftsim/proto/eraftpb"

	"github.com/pingcap/log"
)

// RaftLog manages the replicated log. It layers an in-memory unstable
// cache (entries appended since the last ready cycle) over the Log
// Store (the durable, already-persisted portion), matching the
// usage contract that raft.go's ported logic was originally written
// against.
type RaftLog struct {
	storage Storage

	unstable unstableLog

	// committed is the highest log index known to be committed.
	committed uint64
	// applied is the highest log index applied to the Replica Shell.
	// Invariant: applied <= committed.
	applied uint64

	pending_snapshot *pb.Snapshot
}

func newLog(storage Storage) *RaftLog {
	if storage == nil {
		panic("storage must not be nil")
	}
	firstIndex, err := storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	lastIndex, err := storage.LastIndex()
	if err != nil {
		panic(err)
	}
	return &RaftLog{
		storage:   storage,
		unstable:  newUnstableLog(lastIndex + 1),
		committed: firstIndex - 1,
		applied:   firstIndex - 1,
	}
}

func (l *RaftLog) String() string {
	return fmt.Sprintf("committed=%d, applied=%d, unstable.offset=%d, len(unstable.entries)=%d",
		l.committed, l.applied, l.unstable.offset, len(l.unstable.entries))
}

// unstableEntries returns the entries that have not yet been written
// to the Log Store — the `entries_to_persist` field of a Ready.
func (l *RaftLog) unstableEntries() []pb.Entry {
	if len(l.unstable.entries) == 0 {
		return nil
	}
	return l.unstable.entries
}

// nextEnts returns the committed, unapplied entries — the
// `committed_entries_to_apply` field of a Ready.
func (l *RaftLog) nextEnts() []pb.Entry {
	off := max(l.applied+1, l.firstIndex())
	if l.committed+1 > off {
		ents, err := l.slice(off, l.committed+1)
		if err != nil {
			log.Fatal(fmt.Sprintf("unexpected error getting unapplied entries (%v)", err))
		}
		return ents
	}
	return nil
}

func (l *RaftLog) hasNextEnts() bool {
	off := max(l.applied+1, l.firstIndex())
	return l.committed+1 > off
}

func (l *RaftLog) hasPendingSnapshot() bool {
	return l.pending_snapshot != nil && !pb.IsEmptySnap(l.pending_snapshot)
}

// LastIndex returns the index of the last entry in the log.
func (l *RaftLog) LastIndex() uint64 {
	if i, ok := l.unstable.maybeLastIndex(); ok {
		return i
	}
	i, err := l.storage.LastIndex()
	if err != nil {
		panic(err)
	}
	return i
}

func (l *RaftLog) firstIndex() uint64 {
	if i, ok := l.unstable.maybeFirstIndex(); ok {
		return i
	}
	i, err := l.storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	return i
}

func (l *RaftLog) lastTerm() uint64 {
	t, err := l.Term(l.LastIndex())
	if err != nil {
		log.Fatal(fmt.Sprintf("unexpected error when getting the last term (%v)", err))
	}
	return t
}

// Term returns the term of the entry at index i, or 0 if it has
// already been compacted away.
func (l *RaftLog) Term(i uint64) (uint64, error) {
	dummyIndex := l.firstIndex() - 1
	if i < dummyIndex || i > l.LastIndex() {
		return 0, nil
	}
	if t, ok := l.unstable.maybeTerm(i); ok {
		return t, nil
	}
	t, err := l.storage.Term(i)
	if err == nil {
		return t, nil
	}
	if err == ErrCompacted {
		return 0, err
	}
	panic(err)
}

func (l *RaftLog) zeroTermOnRangeErr(t uint64, err error) uint64 {
	if err == nil {
		return t
	}
	if err == ErrCompacted {
		return 0
	}
	panic(err)
}

// Entries returns log entries starting at lo through the end of the
// log — the shape used by sendAppend(pr.Next).
func (l *RaftLog) Entries(lo uint64) ([]pb.Entry, error) {
	if lo > l.LastIndex() {
		return nil, nil
	}
	return l.slice(lo, l.LastIndex()+1)
}

func (l *RaftLog) slice(lo, hi uint64) ([]pb.Entry, error) {
	if err := l.mustCheckOutOfBounds(lo, hi); err != nil {
		return nil, err
	}
	if lo == hi {
		return nil, nil
	}
	var ents []pb.Entry
	if lo < l.unstable.offset {
		storedEnts, err := l.storage.Entries(lo, min(hi, l.unstable.offset))
		if err == ErrCompacted {
			return nil, err
		} else if err == ErrUnavailable {
			panic(fmt.Sprintf("entries[%d:%d) is unavailable from storage", lo, min(hi, l.unstable.offset)))
		} else if err != nil {
			panic(err)
		}
		ents = storedEnts
	}
	if hi > l.unstable.offset {
		unstable := l.unstable.slice(max(lo, l.unstable.offset), hi)
		if len(ents) > 0 {
			combined := make([]pb.Entry, 0, len(ents)+len(unstable))
			combined = append(combined, ents...)
			combined = append(combined, unstable...)
			ents = combined
		} else {
			ents = unstable
		}
	}
	return ents, nil
}

func (l *RaftLog) mustCheckOutOfBounds(lo, hi uint64) error {
	if lo > hi {
		panic(fmt.Sprintf("invalid slice %d > %d", lo, hi))
	}
	fi := l.firstIndex()
	if lo < fi {
		return ErrCompacted
	}
	length := l.LastIndex() + 1 - fi
	if hi > fi+length {
		panic(fmt.Sprintf("slice[%d,%d) out of bound [%d,%d]", lo, hi, fi, l.LastIndex()))
	}
	return nil
}

// isUpToDate implements the RequestVote up-to-date check (spec.md
// §4.2): the candidate is at least as up-to-date as this log iff its
// last log term is strictly greater, or equal with an index at least
// as large.
func (l *RaftLog) isUpToDate(lasti, term uint64) bool {
	return term > l.lastTerm() || (term == l.lastTerm() && lasti >= l.LastIndex())
}

func (l *RaftLog) matchTerm(i, term uint64) bool {
	t, err := l.Term(i)
	if err != nil {
		return false
	}
	return t == term
}

// maybeAppend implements the follower side of AppendEntries (spec.md
// §4.2): it accepts the new entries iff (prevIndex, prevTerm) matches,
// truncating any divergent suffix first.
func (l *RaftLog) maybeAppend(index, logTerm, committed uint64, ents ...pb.Entry) (lastnewi uint64, ok bool) {
	if !l.matchTerm(index, logTerm) {
		return 0, false
	}
	lastnewi = index + uint64(len(ents))
	ci := l.findConflict(ents)
	switch {
	case ci == 0:
	case ci <= l.committed:
		log.Fatal(fmt.Sprintf("entry %d conflict with committed entry [committed(%d)]", ci, l.committed))
	default:
		offset := index + 1
		l.append(ents[ci-offset:]...)
	}
	l.commitTo(min(committed, lastnewi))
	return lastnewi, true
}

func (l *RaftLog) append(ents ...pb.Entry) uint64 {
	if len(ents) == 0 {
		return l.LastIndex()
	}
	if after := ents[0].Index - 1; after < l.committed {
		log.Fatal(fmt.Sprintf("after(%d) is out of range [committed(%d)]", after, l.committed))
	}
	l.unstable.truncateAndAppend(ents)
	return l.LastIndex()
}

// findConflict finds the first index where ents diverges from the
// existing log. Returns 0 if there is no conflict.
func (l *RaftLog) findConflict(ents []pb.Entry) uint64 {
	for _, ne := range ents {
		if !l.matchTerm(ne.Index, ne.Term) {
			if ne.Index <= l.LastIndex() {
				log.Info(fmt.Sprintf("found conflict at index %d [existing term: %d, conflicting term: %d]",
					ne.Index, l.zeroTermOnRangeErr(l.Term(ne.Index)), ne.Term))
			}
			return ne.Index
		}
	}
	return 0
}

// maybeCommit advances commit if maxIndex's term is the current term
// and maxIndex > committed (spec.md §4.2: a leader never commits
// entries from a prior term by counting replicas alone).
func (l *RaftLog) maybeCommit(maxIndex, term uint64) bool {
	if maxIndex > l.committed && l.zeroTermOnRangeErr(l.Term(maxIndex)) == term {
		l.commitTo(maxIndex)
		return true
	}
	return false
}

func (l *RaftLog) commitTo(tocommit uint64) {
	if l.committed >= tocommit {
		return
	}
	if l.LastIndex() < tocommit {
		log.Fatal(fmt.Sprintf("tocommit(%d) is out of range [lastIndex(%d)]", tocommit, l.LastIndex()))
	}
	l.committed = tocommit
}

func (l *RaftLog) appliedTo(i uint64) {
	if i == 0 {
		return
	}
	if l.committed < i || i < l.applied {
		log.Fatal(fmt.Sprintf("applied(%d) is out of range [prevApplied(%d), committed(%d)]", i, l.applied, l.committed))
	}
	l.applied = i
}

func (l *RaftLog) stableTo(i, t uint64) { l.unstable.stableTo(i, t) }

func (l *RaftLog) stableSnapTo(i uint64) { l.unstable.stableSnapTo(i) }

func (l *RaftLog) snapshot() (pb.Snapshot, error) {
	if l.unstable.snapshot != nil {
		return *l.unstable.snapshot, nil
	}
	return l.storage.Snapshot()
}

func (l *RaftLog) restore(s pb.Snapshot) {
	log.Info(fmt.Sprintf("log [%s] starts to restore snapshot [index: %d, term: %d]", l, s.Metadata.Index, s.Metadata.Term))
	l.committed = s.Metadata.Index
	l.unstable.restore(s)
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

type uint64Slice []uint64

func (s uint64Slice) Len() int           { return len(s) }
func (s uint64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s uint64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
