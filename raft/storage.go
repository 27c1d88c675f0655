package raft

import (
	"errors"

	pb "raftsim/proto/eraftpb"
)

// ErrCompacted is returned by Storage.Entries/Term when a requested
// index has already been compacted away.
var ErrCompacted = errors.New("raft: requested index is unavailable due to compaction")

// ErrSnapOutOfDate is returned by Storage.CreateSnapshot when a
// requested index is older than the existing snapshot.
var ErrSnapOutOfDate = errors.New("raft: requested index is older than the existing snapshot")

// ErrUnavailable is returned by Storage when the requested log entries
// are unavailable.
var ErrUnavailable = errors.New("raft: requested entry at index is unavailable")

// ErrSnapshotTemporarilyUnavailable is returned by Storage.Snapshot
// when a snapshot is temporarily unavailable (never produced in the
// tested regime — snapshotting is a Non-goal — but the Raft Core must
// still handle the error without crashing, per spec.md §4.2).
var ErrSnapshotTemporarilyUnavailable = errors.New("raft: snapshot is temporarily unavailable")

// ErrOutOfBounds is returned by Entries when lo/hi fall outside the
// currently retained range (spec.md §4.1).
var ErrOutOfBounds = errors.New("raft: entries range out of bounds")

// Storage is the Log Store's contract with the Raft Core (spec.md
// §4.1). Implementations are single-writer; the Replica Shell
// serializes all access, so no internal locking is required by the
// interface itself.
type Storage interface {
	// InitialState returns the saved HardState and ConfState, as set
	// by SetHardState and SetConfState.
	InitialState() (pb.HardState, pb.ConfState, error)
	// Entries returns a slice of log entries in [lo, hi).
	Entries(lo, hi uint64) ([]pb.Entry, error)
	// Term returns the term of the entry at index i.
	Term(i uint64) (uint64, error)
	// LastIndex returns the index of the last entry.
	LastIndex() (uint64, error)
	// FirstIndex returns the index of the first possible entry, which
	// is larger than the index of the last compacted entry.
	FirstIndex() (uint64, error)
	// Snapshot returns the most recent snapshot.
	Snapshot() (pb.Snapshot, error)
}
