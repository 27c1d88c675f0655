package replica

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	pb "raftsim/proto/eraftpb"
	"raftsim/config"
	"raftsim/raft"
	"raftsim/sim"
	"raftsim/wire"
)

func testShellConfig() *config.Config {
	return &config.Config{
		ElectionTimeout:       1000,
		TickPeriod:            10,
		LeaderHBPeriod:        100,
		MaxInflight:           256,
		MaxBatchSize:          1 << 20,
		OutgoingPeriod:        10,
		InitialElectionFactor: 1,
		PreVote:               true,
		CheckQuorum:           true,
	}
}

// A lone voter must win its own election within a handful of ticks.
func TestSingleShellBecomesLeader(t *testing.T) {
	sm := sim.NewSimulator(nil)
	s := NewShell(1, []sim.SystemID{1}, testShellConfig(), rand.New(rand.NewSource(1)))
	sm.Register(s)
	s.Start(sm)

	const budget = 2000
	for i := 0; i < budget; i++ {
		more, err := sm.Step()
		require.NoError(t, err)
		require.True(t, more)
		if s.Inspect().Role == "Leader" {
			break
		}
	}
	require.Equal(t, "Leader", s.Inspect().Role)
}

// onPartition replies to an Init with an InitAck wrapped in the
// Partitioning envelope, not the AtomicBroadcast one -- the client's
// dispatch only recognizes TagInitAck inside a PartitionEnvelope.
func TestOnPartitionRepliesWithPartitionEnvelope(t *testing.T) {
	sm := sim.NewSimulator(nil)
	s := NewShell(1, []sim.SystemID{1}, testShellConfig(), rand.New(rand.NewSource(1)))
	sm.Register(s)

	recorder := &captureActor{id: ClientID}
	sm.Register(recorder)

	init := wire.Init{Pid: 1, InitID: 7}
	s.Handle(sm, &sim.Event{From: ClientID, Data: wire.PartitionEnvelope(wire.EncodeInit(init))})

	more, err := sm.Step()
	require.NoError(t, err)
	require.True(t, more)
	require.Len(t, recorder.received, 1)

	env, ok := recorder.received[0].(wire.PartitionEnvelope)
	require.True(t, ok, "InitAck must be wrapped in a PartitionEnvelope so the client routes it to onPartitionFrame")
	ackID, err := wire.DecodeInitAck(env)
	require.NoError(t, err)
	require.EqualValues(t, 7, ackID)
}

// A TagRun frame arms the shell's periodic timers exactly once.
func TestOnPartitionRunArmsTimersOnce(t *testing.T) {
	sm := sim.NewSimulator(nil)
	s := NewShell(1, []sim.SystemID{1}, testShellConfig(), rand.New(rand.NewSource(1)))
	sm.Register(s)
	require.False(t, s.haveTimers)

	s.Handle(sm, &sim.Event{From: ClientID, Data: wire.PartitionEnvelope(wire.EncodeTag(wire.TagRun))})
	require.True(t, s.haveTimers)

	first := s.tickHandle
	s.Handle(sm, &sim.Event{From: ClientID, Data: wire.PartitionEnvelope(wire.EncodeTag(wire.TagRun))})
	require.Equal(t, first, s.tickHandle, "a second Run must not re-arm the timers")
}

// A replica whose reconfig state is Removed must stop itself on its
// next tick rather than continuing to participate.
func TestOnTickStopsRemovedReplica(t *testing.T) {
	sm := sim.NewSimulator(nil)
	s := NewShell(3, []sim.SystemID{1, 2, 3}, testShellConfig(), rand.New(rand.NewSource(1)))
	sm.Register(s)

	s.core.ApplyConfChangeEntry(pb.Entry{
		EntryType: pb.EntryType_EntryConfChangeBegin,
		Data:      raft.EncodeVoters([]uint64{1, 2}),
	})
	s.core.ApplyConfChangeEntry(pb.Entry{EntryType: pb.EntryType_EntryConfChangeFinalize})
	require.Equal(t, raft.ReconfigStateRemoved, s.core.ReconfigState())

	s.onTick(sm)
	require.True(t, s.stopped)
}

// captureActor records every payload sent to it, standing in for the
// client driver in tests that only care about what a Shell emits.
type captureActor struct {
	id       sim.SystemID
	received []interface{}
}

func (c *captureActor) ID() sim.SystemID { return c.id }
func (c *captureActor) Handle(sm *sim.Simulator, ev *sim.Event) {
	c.received = append(c.received, ev.Data)
}
