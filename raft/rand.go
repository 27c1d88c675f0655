package raft

import "math/rand"

// electionRand is the deterministic source the Raft Core draws its
// randomized election timeout from. spec.md §4.2 requires this to be
// "a caller-supplied deterministic PRNG" rather than TinyKV's original
// process-global, time-seeded lockedRand — the Simulator is the only
// legitimate owner of randomness in this system (spec.md §9: "global
// state to eliminate"), so it constructs one *rand.Rand per replica
// from its own seed and hands it to Config.Rand.
type electionRand struct {
	rand *rand.Rand
}

func newElectionRand(r *rand.Rand) *electionRand {
	if r == nil {
		// A nil source is a configuration error the caller should have
		// caught; fall back to a fixed seed so behavior stays
		// deterministic rather than panicking mid-run.
		r = rand.New(rand.NewSource(1))
	}
	return &electionRand{rand: r}
}

func (e *electionRand) Intn(n int) int {
	return e.rand.Intn(n)
}
