package raft

import (
	"math/rand"
	"testing"

	"raftsim/store"
)

func TestBeginMembershipChangeEntersJoint(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	if r.isJoint() {
		t.Fatalf("fresh raft should not start joint")
	}
	r.beginMembershipChange([]uint64{1, 2, 4})
	if !r.isJoint() {
		t.Fatalf("expected joint consensus after beginMembershipChange")
	}
	if r.reconfigState != ReconfigStatePending {
		t.Fatalf("reconfigState = %v, want Pending", r.reconfigState)
	}
	if r.quorum() != 2 {
		t.Fatalf("incoming quorum = %d, want 2", r.quorum())
	}
	if r.outgoingQuorum() != 2 {
		t.Fatalf("outgoing quorum = %d, want 2", r.outgoingQuorum())
	}
}

func TestFinalizeMembershipChangeLeavesJoint(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	r.beginMembershipChange([]uint64{1, 2, 4})
	r.finalizeMembershipChange()
	if r.isJoint() {
		t.Fatalf("expected joint consensus to end")
	}
	if r.reconfigState != ReconfigStateFinished {
		t.Fatalf("reconfigState = %v, want Finished", r.reconfigState)
	}
}

// A replica dropped from the incoming voter set transitions to Removed
// on finalize, signalling the Replica Shell to stop its timers.
func TestFinalizeMembershipChangeRemovesSelf(t *testing.T) {
	r := newTestRaft(4, []uint64{1, 2, 3, 4}, 10, 1)
	r.beginMembershipChange([]uint64{1, 2, 3})
	r.finalizeMembershipChange()
	if r.reconfigState != ReconfigStateRemoved {
		t.Fatalf("reconfigState = %v, want Removed", r.reconfigState)
	}
}

// A surviving voter's randomized election timeout is shortened the
// moment a reconfiguration finalizes, so that if the departing voter
// was the leader, the rest of the cluster races for a new election
// quickly instead of waiting out a long, already-drawn timeout.
func TestFinalizeMembershipChangeShortensElectionTimeout(t *testing.T) {
	r := newRaft(&Config{
		ID:                    1,
		Peers:                 []uint64{1, 2, 3},
		ElectionTick:          100,
		HeartbeatTick:         1,
		Storage:               store.NewLogStore([]uint64{1, 2, 3}),
		InitialElectionFactor: 5,
		Rand:                  rand.New(rand.NewSource(1)),
	})
	r.randomizedElectionTimeout = 150 // simulate a long timeout already drawn

	r.beginMembershipChange([]uint64{1, 2, 4})
	r.finalizeMembershipChange()

	base := 100 / 5
	if r.randomizedElectionTimeout < base || r.randomizedElectionTimeout >= 2*base {
		t.Fatalf("randomizedElectionTimeout = %d, want in [%d, %d)", r.randomizedElectionTimeout, base, 2*base)
	}
}

func TestAllVoterIDsUnionsBothSets(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	r.beginMembershipChange([]uint64{1, 2, 4})
	ids := r.allVoterIDs()
	want := map[uint64]bool{1: true, 2: true, 3: true, 4: true}
	if len(ids) != len(want) {
		t.Fatalf("allVoterIDs = %v, want union of {1,2,3} and {1,2,4}", ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Fatalf("unexpected voter id %d", id)
		}
	}
}

func TestIsVoterChecksBothSets(t *testing.T) {
	r := newTestRaft(1, []uint64{1, 2, 3}, 10, 1)
	r.beginMembershipChange([]uint64{1, 2, 4})
	if !r.isVoter(3) {
		t.Fatalf("3 is still an outgoing voter mid joint-consensus")
	}
	if !r.isVoter(4) {
		t.Fatalf("4 is an incoming voter")
	}
	if r.isVoter(5) {
		t.Fatalf("5 was never a voter")
	}
}
