package sim

import "testing"

func snap(entries ...ReplicaSnapshot) map[SystemID]ReplicaSnapshot {
	m := make(map[SystemID]ReplicaSnapshot, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	return m
}

func TestLeaderUniquenessCatchesTwoLeadersSameTerm(t *testing.T) {
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Role: "Leader", Term: 3},
		ReplicaSnapshot{ID: 2, Role: "Leader", Term: 3},
	)}
	if err := NewLeaderUniqueness().Check(history); err == nil {
		t.Fatalf("expected a violation for two leaders in the same term")
	}
}

func TestLeaderUniquenessAllowsOneLeaderPerTerm(t *testing.T) {
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Role: "Leader", Term: 3},
		ReplicaSnapshot{ID: 2, Role: "Follower", Term: 3},
	)}
	if err := NewLeaderUniqueness().Check(history); err != nil {
		t.Fatalf("unexpected violation: %v", err)
	}
}

func TestMonotoneCommitCatchesRegression(t *testing.T) {
	inv := NewMonotoneCommit()
	first := []map[SystemID]ReplicaSnapshot{snap(ReplicaSnapshot{ID: 1, Commit: 5})}
	if err := inv.Check(first); err != nil {
		t.Fatalf("unexpected violation on first step: %v", err)
	}
	regressed := []map[SystemID]ReplicaSnapshot{snap(ReplicaSnapshot{ID: 1, Commit: 3})}
	if err := inv.Check(regressed); err == nil {
		t.Fatalf("expected a violation for commit index regressing from 5 to 3")
	}
}

func TestAgreementCatchesDivergentLogs(t *testing.T) {
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Applied: 1, Log: []LogEntryView{{Index: 1, Term: 1, Payload: []byte("a")}}},
		ReplicaSnapshot{ID: 2, Applied: 1, Log: []LogEntryView{{Index: 1, Term: 1, Payload: []byte("b")}}},
	)}
	if err := NewAgreement().Check(history); err == nil {
		t.Fatalf("expected a violation for disagreeing applied entries")
	}
}

func TestValidityRejectsUnknownPayload(t *testing.T) {
	known := func(b []byte) bool { return string(b) == "known" }
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Applied: 1, Log: []LogEntryView{{Index: 1, Payload: []byte("unknown")}}},
	)}
	if err := NewValidity(known).Check(history); err == nil {
		t.Fatalf("expected a violation for an unknown applied payload")
	}
}

func TestQuorumCommittedRequiresMajority(t *testing.T) {
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Role: "Leader", Commit: 1, Voters: []uint64{1, 2, 3},
			Log: []LogEntryView{{Index: 1, Term: 1}}},
		ReplicaSnapshot{ID: 2, Log: []LogEntryView{{Index: 1, Term: 1}}},
		ReplicaSnapshot{ID: 3, Log: nil},
	)}
	if err := NewQuorumCommitted().Check(history); err != nil {
		t.Fatalf("unexpected violation: %v (index held by replicas 1 and 2, a majority of 3)", err)
	}
}

func TestQuorumCommittedCatchesMinorityCommit(t *testing.T) {
	history := []map[SystemID]ReplicaSnapshot{snap(
		ReplicaSnapshot{ID: 1, Role: "Leader", Commit: 1, Voters: []uint64{1, 2, 3},
			Log: []LogEntryView{{Index: 1, Term: 1}}},
		ReplicaSnapshot{ID: 2, Log: nil},
		ReplicaSnapshot{ID: 3, Log: nil},
	)}
	if err := NewQuorumCommitted().Check(history); err == nil {
		t.Fatalf("expected a violation: only the leader itself holds index 1")
	}
}
