// Package store implements the Log Store (spec.md §4.1): the durable
// side of a replica's log, consulted by the Raft Core through the
// raft.Storage interface. Entries are kept in memory — this harness
// never actually restarts a process mid-run — but the compaction,
// HardState/ConfState bookkeeping, and batched-read shape follow a
// real persisted log store rather than a bare slice.
package store

import (
	"sync"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"raftsim/raft"
	pb "raftsim/proto/eraftpb"
)

// LogStore implements raft.Storage. Entry payloads are snappy-compressed
// on Append and decompressed on Entries, mirroring how a real log store
// would shrink its on-disk footprint for chatty workloads.
type LogStore struct {
	mu sync.Mutex

	hardState pb.HardState
	confState pb.ConfState

	// ents[i] holds the entry at index ents[0].Index+i; ents[0] is a
	// dummy entry carrying the term of the last compacted index, per
	// etcd-raft's MemoryStorage convention.
	ents []pb.Entry

	snapshot pb.Snapshot
}

// NewLogStore creates an empty Log Store seeded with the given initial
// voter set.
func NewLogStore(voters []uint64) *LogStore {
	return &LogStore{
		ents:      []pb.Entry{{}},
		confState: pb.ConfState{Voters: append([]uint64(nil), voters...)},
	}
}

// SetHardState persists the given HardState (spec.md §3: term/vote/commit
// must survive a restart together).
func (s *LogStore) SetHardState(hs pb.HardState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hardState = hs
	return nil
}

// SetConfState persists the given ConfState, called by the Replica
// Shell whenever a committed EntryConfChangeFinalize is applied.
func (s *LogStore) SetConfState(cs pb.ConfState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confState = cs
}

// InitialState implements raft.Storage.
func (s *LogStore) InitialState() (pb.HardState, pb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, s.confState, nil
}

func (s *LogStore) firstIndex() uint64 { return s.ents[0].Index + 1 }
func (s *LogStore) lastIndex() uint64  { return s.ents[0].Index + uint64(len(s.ents)) - 1 }

// FirstIndex implements raft.Storage.
func (s *LogStore) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstIndex(), nil
}

// LastIndex implements raft.Storage.
func (s *LogStore) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex(), nil
}

// Term implements raft.Storage.
func (s *LogStore) Term(i uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.ents[0].Index
	if i < offset {
		return 0, raft.ErrCompacted
	}
	if int(i-offset) >= len(s.ents) {
		return 0, raft.ErrUnavailable
	}
	return s.ents[i-offset].Term, nil
}

// Entries implements raft.Storage, decompressing each entry's payload
// on the way out.
func (s *LogStore) Entries(lo, hi uint64) ([]pb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.ents[0].Index
	if lo <= offset {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndex()+1 {
		return nil, raft.ErrOutOfBounds
	}
	if len(s.ents) == 1 {
		return nil, raft.ErrUnavailable
	}
	ents := s.ents[lo-offset : hi-offset]
	out := make([]pb.Entry, len(ents))
	for i, e := range ents {
		data, err := snappy.Decode(nil, e.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "decompressing entry %d", e.Index)
		}
		out[i] = pb.Entry{EntryType: e.EntryType, Term: e.Term, Index: e.Index, Data: data}
	}
	return out, nil
}

// Snapshot implements raft.Storage. Snapshotting is a spec.md
// Non-goal, so this always reports the empty snapshot.
func (s *LogStore) Snapshot() (pb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

// Append adds the given entries to the log, truncating any existing
// entries that conflict by index. Entry payloads are snappy-compressed
// before being retained.
func (s *LogStore) Append(entries []pb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.firstIndex()
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}

	offset := entries[0].Index - s.ents[0].Index
	switch {
	case uint64(len(s.ents)) > offset:
		s.ents = append([]pb.Entry{}, s.ents[:offset]...)
		s.ents = append(s.ents, compressAll(entries)...)
	case uint64(len(s.ents)) == offset:
		s.ents = append(s.ents, compressAll(entries)...)
	default:
		return errors.Errorf("missing log entry [last: %d, append at: %d]", s.lastIndex(), entries[0].Index)
	}
	return nil
}

func compressAll(entries []pb.Entry) []pb.Entry {
	out := make([]pb.Entry, len(entries))
	for i, e := range entries {
		out[i] = pb.Entry{EntryType: e.EntryType, Term: e.Term, Index: e.Index, Data: snappy.Encode(nil, e.Data)}
	}
	return out
}

// Compact discards all log entries up to and including compactIndex,
// retaining the term of the last discarded entry as the new dummy
// entry (spec.md §4.1 CompactLog). Never invoked by this harness's
// Replica Shell today — there is no snapshot trigger policy in scope —
// but kept so a future compaction policy has somewhere to call into.
func (s *LogStore) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.ents[0].Index
	if compactIndex <= offset {
		return raft.ErrCompacted
	}
	if compactIndex > s.lastIndex() {
		return errors.Errorf("compact %d is out of bound lastindex(%d)", compactIndex, s.lastIndex())
	}
	i := compactIndex - offset
	ents := make([]pb.Entry, 1, 1+uint64(len(s.ents))-i)
	ents[0].Index = s.ents[i].Index
	ents[0].Term = s.ents[i].Term
	ents = append(ents, s.ents[i+1:]...)
	s.ents = ents
	return nil
}
