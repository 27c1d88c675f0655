package client

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raftsim/config"
	"raftsim/sim"
	"raftsim/wire"
)

func testConfig(concurrent, numProposals int) *config.Config {
	return &config.Config{
		ElectionTimeout:        1000,
		TickPeriod:             10,
		LeaderHBPeriod:         100,
		MaxInflight:            256,
		MaxBatchSize:           1 << 20,
		OutgoingPeriod:         10,
		InitialElectionFactor:  10,
		ClientTimeout:          5000,
		NumNodes:               1,
		NumProposals:           numProposals,
		NumConcurrentProposals: concurrent,
	}
}

func TestFillSlotsRespectsConcurrencyCap(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(2, 5), nil, zap.NewNop())
	sm.Register(d)
	d.currentLeader = 1

	d.RunProposals(sm, 5, func() {})

	require.Len(t, d.inFlight, 2, "only num_concurrent_proposals should be in flight")
	require.Empty(t, d.retryQueue)
	require.EqualValues(t, 2, d.nextID)
}

func TestFillSlotsNoopsWithoutLeader(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(2, 5), nil, zap.NewNop())
	sm.Register(d)

	d.RunProposals(sm, 5, func() {})

	require.Empty(t, d.inFlight, "fillSlots must not propose without a known leader")
	require.Zero(t, d.nextID)
}

// onProposeTimeout must requeue to the back of retryQueue (FIFO), and
// fillSlots must drain retryQueue before minting new ids.
func TestRetryQueueDrainsBeforeNewIDs(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(1, 5), nil, zap.NewNop())
	sm.Register(d)
	d.currentLeader = 1

	d.RunProposals(sm, 5, func() {})
	require.Len(t, d.inFlight, 1)
	var firstID uint64
	for id := range d.inFlight {
		firstID = id
	}

	d.onProposeTimeout(sm, firstID)

	// fillSlots drains retryQueue (FIFO) before minting new ids, so the
	// timed-out id is immediately reproposed rather than a fresh one.
	require.Empty(t, d.retryQueue)
	require.Equal(t, 1, d.numTimedOut)
	require.Len(t, d.inFlight, 1)
	for id := range d.inFlight {
		require.Equal(t, firstID, id, "the retried id must be reproposed before a fresh one")
	}
}

// A response for an id the driver never issued (or already resolved)
// counts as a late arrival, never a crash.
func TestLateArrivalCounted(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(1, 1), nil, zap.NewNop())
	sm.Register(d)
	d.currentLeader = 1

	d.onNormalResponse(sm, 99)
	require.Equal(t, 1, d.numLateArrival)
}

// onFirstLeader fires the one-shot leader latch only for the initial
// bring-up election; a stale announcement outside either election
// phase is ignored rather than overwriting a perfectly valid leader.
func TestOnFirstLeaderOnlyDuringElection(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(1, 1), nil, zap.NewNop())
	sm.Register(d)
	fired := 0
	d.leaderLatch = sim.NewCountdownLatch(1, func() { fired++ })

	d.onFirstLeader(sm, sim.SystemID(1))
	require.Equal(t, PhaseRunning, d.phase)
	require.Equal(t, 1, fired)

	d.onFirstLeader(sm, sim.SystemID(2))
	require.Equal(t, sim.SystemID(1), d.currentLeader, "a FirstLeader outside an election phase must be ignored")
	require.Equal(t, 1, fired, "the leader latch must only count down once")
}

// A re-election after a leader-removing reconfiguration must be
// re-announced and learned, without re-firing the one-shot leader
// latch (spec.md §4.2/§4.4, scenario 4's leader_changes.len() >= 2).
func TestOnFirstLeaderDuringReconfigurationElection(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1, 2}, testConfig(1, 1), nil, zap.NewNop())
	sm.Register(d)
	fired := 0
	d.leaderLatch = sim.NewCountdownLatch(1, func() { fired++ })

	d.onFirstLeader(sm, sim.SystemID(1))
	require.Equal(t, 1, fired)

	d.phase = PhaseReconfigurationElection
	d.currentLeader = 0
	d.onFirstLeader(sm, sim.SystemID(2))

	require.Equal(t, PhaseRunning, d.phase)
	require.Equal(t, sim.SystemID(2), d.currentLeader)
	require.Equal(t, []sim.SystemID{1, 2}, d.leaderChanges)
	require.Equal(t, 1, fired, "the one-shot leader latch must not fire again on a post-reconfig election")
}

// Handle dispatches on the named envelope type, not on tag byte alone
// -- the Partitioning, AtomicBroadcast, and Stop tag spaces each start
// at 1, so routing must happen on the wrapper type.
func TestHandleDispatchesOnEnvelopeType(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1}, testConfig(1, 1), nil, zap.NewNop())
	sm.Register(d)
	d.prepareLatch = sim.NewCountdownLatch(1, func() {})

	d.Handle(sm, &sim.Event{From: 1, Data: wire.PartitionEnvelope(wire.EncodeInitAck(0))})
	require.True(t, d.prepareLatch.Ready())
}

// A reconfiguration that leaves the current leader in the new voter
// set (the replace-follower policy, scenario 3) must not discard it or
// force the client into a needless re-election.
func TestOnReconfigurationKeepsSurvivingLeader(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1, 2, 3}, testConfig(1, 10), nil, zap.NewNop())
	sm.Register(d)
	d.phase = PhaseRunning
	d.currentLeader = 1

	d.onReconfiguration(sm, []uint64{1, 2, 4})

	require.Equal(t, PhaseRunning, d.phase)
	require.Equal(t, sim.SystemID(1), d.currentLeader)
}

// A reconfiguration that removes the current leader (the
// replace-leader policy, scenario 4) must clear it and wait for a
// fresh election.
func TestOnReconfigurationClearsRemovedLeader(t *testing.T) {
	sm := sim.NewSimulator(zap.NewNop())
	d := NewDriver(0, []sim.SystemID{1, 2, 3}, testConfig(1, 10), nil, zap.NewNop())
	sm.Register(d)
	d.phase = PhaseRunning
	d.currentLeader = 1

	d.onReconfiguration(sm, []uint64{2, 3})

	require.Equal(t, PhaseReconfigurationElection, d.phase)
	require.Zero(t, d.currentLeader)
}

func TestIsProposalKnown(t *testing.T) {
	d := NewDriver(0, []sim.SystemID{1}, testConfig(1, 5), nil, zap.NewNop())
	d.nextID = 3
	require.True(t, d.IsProposalKnown(encodeID(0)))
	require.True(t, d.IsProposalKnown(encodeID(2)))
	require.False(t, d.IsProposalKnown(encodeID(3)))
	require.True(t, d.IsProposalKnown(encodeID(reconfigID)))
}
