package sim_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"raftsim/client"
	"raftsim/config"
	"raftsim/replica"
	"raftsim/sim"
)

// scenario wires a small cluster the way cmd/raftsim does, at a scale
// small enough to finish within a test's step budget. reconfigVoters is
// forwarded to the driver verbatim (nil when the scenario has no
// injected reconfiguration); afterStep, when non-nil, runs once per
// simulated step so a test can inject faults mid-run.
func runScenario(t *testing.T, cfg *config.Config, numNodes int, reconfigVoters []uint64, afterStep func(*client.Driver, *sim.Simulator)) (*client.Driver, *sim.Simulator) {
	t.Helper()
	sm := sim.NewSimulator(zap.NewNop())
	master := rand.New(rand.NewSource(1))

	peers := make([]sim.SystemID, numNodes)
	for i := range peers {
		peers[i] = sim.SystemID(i + 1)
	}

	shells := make([]*replica.Shell, numNodes)
	for i, id := range peers {
		rnd := rand.New(rand.NewSource(master.Int63()))
		shells[i] = replica.NewShell(id, peers, cfg, rnd)
		sm.Register(shells[i])
	}

	driver := client.NewDriver(replica.ClientID, peers, cfg, reconfigVoters, zap.NewNop())
	sm.Register(driver)

	for _, shell := range shells {
		shell := shell
		sm.Inspect(func() sim.ReplicaSnapshot { return shell.Inspect() })
	}
	sm.Check(sim.NewAgreement())
	sm.Check(sim.NewValidity(driver.IsProposalKnown))
	sm.Check(sim.NewQuorumCommitted())
	sm.Check(sim.NewLeaderUniqueness())
	sm.Check(sim.NewMonotoneCommit())

	driver.Prepare(sm, nil, func() {})
	driver.Start(sm, func() {})
	finished := false
	driver.RunProposals(sm, cfg.NumProposals, func() { finished = true })

	const budget = 50000
	steps := 0
	for !finished && steps < budget {
		more, err := sm.Step()
		require.NoError(t, err)
		require.True(t, more, "event queue emptied before all proposals finished")
		if afterStep != nil {
			afterStep(driver, sm)
		}
		steps++
	}
	require.True(t, finished, "proposals did not all finish within the test step budget")

	stopped := false
	driver.Stop(sm, func() { stopped = true })
	_, err := sm.Run(budget)
	require.NoError(t, err)
	require.True(t, stopped, "replicas did not all acknowledge stop within the test step budget")

	return driver, sm
}

func baseTestConfig(numNodes, numProposals, concurrent int) *config.Config {
	return &config.Config{
		ElectionTimeout:        1000,
		TickPeriod:             10,
		LeaderHBPeriod:         100,
		MaxInflight:            256,
		MaxBatchSize:           1 << 20,
		OutgoingPeriod:         10,
		InitialElectionFactor:  10,
		PreVote:                true,
		CheckQuorum:            true,
		ClientTimeout:          20000,
		NumNodes:               numNodes,
		NumProposals:           numProposals,
		NumConcurrentProposals: concurrent,
	}
}

// A quiet three-node cluster with no faults must elect a single leader
// and deliver every proposal (spec.md §8 scenario 1, reduced to 4
// proposals for test runtime).
func TestThreeNodeClusterDeliversAllProposals(t *testing.T) {
	cfg := baseTestConfig(3, 4, 2)
	driver, sm := runScenario(t, cfg, 3, nil, nil)

	stats := driver.Stats()
	require.Equal(t, 4, stats.Responses)
	require.Empty(t, sm.Failures())

	liveness := sim.LivenessChecker{NumProposals: cfg.NumProposals, Responses: func() int { return driver.Stats().Responses }}
	require.NoError(t, liveness.Check())
}

// A five-node cluster (still a single quorum, larger fan-out) must
// also reach agreement with no invariant violations.
func TestFiveNodeClusterNoInvariantViolations(t *testing.T) {
	cfg := baseTestConfig(5, 4, 2)
	_, sm := runScenario(t, cfg, 5, nil, nil)
	require.Empty(t, sm.Failures())
}

// reconfigTargetVoters drops the last peer from the requested set, the
// same way cmd/raftsim's rewriteVotersForReconfig seeds the injected
// proposal -- the receiving leader's own rewriteVoters then applies the
// configured policy.
func reconfigTargetVoters(numNodes int) []uint64 {
	voters := make([]uint64, 0, numNodes-1)
	for i := 1; i < numNodes; i++ {
		voters = append(voters, uint64(i))
	}
	return voters
}

// The replace-follower policy (scenario 3) drops a follower and leaves
// the leader untouched: the client must keep proposing through the
// same leader instead of stalling into a needless re-election
// (regression test for onReconfiguration discarding a still-valid
// LatestLeader).
func TestReplaceFollowerReconfigurationPreservesLeader(t *testing.T) {
	cfg := baseTestConfig(4, 8, 2)
	cfg.ReconfigPolicy = config.ReconfigPolicyReplaceFollower
	driver, sm := runScenario(t, cfg, 4, reconfigTargetVoters(4), nil)

	require.Empty(t, sm.Failures())
	require.Equal(t, 8, driver.Stats().Responses)
	require.Len(t, driver.Stats().LeaderChanges, 1,
		"replace-follower must not force a re-election: the leader never changes")
}

// The replace-leader policy (scenario 4) removes the current leader:
// the client must learn and switch to the newly elected leader rather
// than waiting forever for a FirstLeader that the one-shot latch would
// never fire again.
func TestReplaceLeaderReconfigurationElectsNewLeader(t *testing.T) {
	cfg := baseTestConfig(4, 8, 2)
	cfg.ReconfigPolicy = config.ReconfigPolicyReplaceLeader
	driver, sm := runScenario(t, cfg, 4, reconfigTargetVoters(4), nil)

	require.Empty(t, sm.Failures())
	require.Equal(t, 8, driver.Stats().Responses)
	require.GreaterOrEqual(t, len(driver.Stats().LeaderChanges), 2,
		"removing the leader must trigger at least one re-election")
}

// Breaking every link between the leader and the rest of the cluster
// mid-run (scenario 5) must not livelock the client: the remaining
// majority elects a new leader and every proposal still completes.
func TestLinkBreakFaultStillDeliversProposals(t *testing.T) {
	cfg := baseTestConfig(5, 8, 2)
	brokenAt := 3
	broken := false

	afterStep := func(driver *client.Driver, sm *sim.Simulator) {
		if broken || driver.Stats().Responses < brokenAt {
			return
		}
		broken = true
		leader := driver.CurrentLeader()
		if leader == 0 {
			return
		}
		for i := 1; i <= cfg.NumNodes; i++ {
			peer := sim.SystemID(i)
			if peer == leader {
				continue
			}
			sm.BreakLink(peer, leader)
			sm.BreakLink(leader, peer)
		}
	}

	driver, sm := runScenario(t, cfg, 5, nil, afterStep)

	require.True(t, broken, "the fault must have actually been injected for this test to prove anything")
	require.Empty(t, sm.Failures())
	require.Equal(t, 8, driver.Stats().Responses)
	require.GreaterOrEqual(t, len(driver.Stats().LeaderChanges), 2,
		"isolating the leader must force the remaining majority to elect a new one")
}
