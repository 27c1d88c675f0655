package raft

import (
	"math/rand"
	"testing"

	"raftsim/store"
)

func newTestRaft(id uint64, peers []uint64, election, heartbeat int) *Raft {
	storage := store.NewLogStore(peers)
	return newRaft(&Config{
		ID:            id,
		Peers:         peers,
		ElectionTick:  election,
		HeartbeatTick: heartbeat,
		Storage:       storage,
		Rand:          rand.New(rand.NewSource(int64(id))),
	})
}

// A lone voter should win its own election on the very first timeout:
// there is no one else to wait for a vote from.
func TestSingleNodeBecomesLeader(t *testing.T) {
	r := newTestRaft(1, []uint64{1}, 10, 1)
	for i := 0; i < r.randomizedElectionTimeout+1; i++ {
		r.tick()
	}
	if r.State != StateLeader {
		t.Fatalf("state = %v, want StateLeader", r.State)
	}
	if r.Term != 1 {
		t.Fatalf("term = %d, want 1", r.Term)
	}
}

// A follower that never times out must stay a follower.
func TestFollowerStaysFollowerBeforeTimeout(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	for i := 0; i < 3; i++ {
		r.tick()
	}
	if r.State != StateFollower {
		t.Fatalf("state = %v, want StateFollower", r.State)
	}
}

// Propose on a non-leader must be rejected, never silently accepted
// into the log (spec.md §4.2).
func TestProposeOnFollowerDropped(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	err := r.Propose([]byte("hello"))
	if err != ErrProposalDropped {
		t.Fatalf("err = %v, want ErrProposalDropped", err)
	}
}

// Voters reflects the initial peer set sorted ascending.
func TestVotersSorted(t *testing.T) {
	r := newTestRaft(2, []uint64{3, 1, 2}, 10, 1)
	got := r.Voters()
	want := []uint64{1, 2, 3}
	if len(got) != len(want) {
		t.Fatalf("voters = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("voters = %v, want %v", got, want)
		}
	}
}

// Tick is the only externally driven clock input; it must be
// idempotent to call repeatedly without panicking a freshly
// constructed follower.
func TestTickNoopOnFreshFollower(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2}, 10, 1)
	r.Tick()
	r.Tick()
	if r.State != StateFollower {
		t.Fatalf("state = %v, want StateFollower", r.State)
	}
}
