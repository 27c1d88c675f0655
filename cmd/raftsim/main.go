// Command raftsim runs one deterministic simulation of a Raft-based
// atomic-broadcast cluster: it boots a Replica Shell per node, a
// single Client Driver, wires the testable-property invariants of
// spec.md §8, and drives the scenario to completion inside
// sim.Simulator's virtual clock.
package main

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/pingcap/log"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"raftsim/client"
	"raftsim/config"
	"raftsim/logging"
	"raftsim/replica"
	"raftsim/sim"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "raftsim",
		Short: "deterministic Raft atomic-broadcast simulation harness",
	}
	root.AddCommand(newRunCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		configPath  string
		logLevel    string
		logFile     string
		numNodes    int
		numProps    int
		concurrent  int
		maxSteps    int
		seed        int64
		breakLinkAt int
		reconfig    string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "run one simulation scenario to completion",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadOrDefaultConfig(configPath, numNodes, numProps, concurrent, reconfig)
			if err != nil {
				return err
			}

			restore, err := logging.Setup(logging.Options{Level: logLevel, FilePath: logFile})
			if err != nil {
				return err
			}
			defer restore()

			return runScenario(cfg, scenarioOptions{
				maxSteps:    maxSteps,
				seed:        seed,
				breakLinkAt: breakLinkAt,
			})
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "TOML config file (defaults to a built-in scenario config when empty)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFile, "log-file", "", "rotating log file path (stderr only when empty)")
	cmd.Flags().IntVar(&numNodes, "num-nodes", 3, "initial voter count (ignored when --config is set)")
	cmd.Flags().IntVar(&numProps, "num-proposals", 10, "number of client proposals to drive (ignored when --config is set)")
	cmd.Flags().IntVar(&concurrent, "concurrent-proposals", 3, "in-flight proposal cap (ignored when --config is set)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", 100000, "simulator step budget")
	cmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed driving every replica's randomized election timeout")
	cmd.Flags().IntVar(&breakLinkAt, "break-link-at", 0, "response count at which to break every link to and from the leader (0 disables the fault scenario)")
	cmd.Flags().StringVar(&reconfig, "reconfig-policy", "", "reconfig policy: none, replace-leader, replace-follower (ignored when --config is set)")

	return cmd
}

func loadOrDefaultConfig(path string, numNodes, numProps, concurrent int, reconfig string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := &config.Config{
		ElectionTimeout:         1000,
		TickPeriod:              10,
		LeaderHBPeriod:          100,
		MaxInflight:             256,
		MaxBatchSize:            1 << 20,
		OutgoingPeriod:          10,
		InitialElectionFactor:   10,
		PreVote:                 true,
		CheckQuorum:             true,
		ClientTimeout:           5000,
		NumNodes:                numNodes,
		NumProposals:            numProps,
		NumConcurrentProposals:  concurrent,
		ReconfigPolicy:          config.ReconfigPolicy(reconfig),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type scenarioOptions struct {
	maxSteps    int
	seed        int64
	breakLinkAt int
}

// runScenario wires a cluster of cfg.NumNodes replicas plus one Client
// Driver, registers the testable-property invariants of spec.md §8,
// drives Prepare→Start→RunProposals→Stop, and reports the outcome.
// Mirrors original_source/src/main.rs's experiment driver, generalized
// from its Kompact system-provider bring-up to sim.Simulator's
// explicit actor registration.
func runScenario(cfg *config.Config, opts scenarioOptions) error {
	logger := log.L()
	sm := sim.NewSimulator(logger)

	master := rand.New(rand.NewSource(opts.seed))

	peers := make([]sim.SystemID, cfg.NumNodes)
	for i := range peers {
		peers[i] = sim.SystemID(i + 1)
	}

	shells := make([]*replica.Shell, cfg.NumNodes)
	for i, id := range peers {
		rnd := rand.New(rand.NewSource(master.Int63()))
		shells[i] = replica.NewShell(id, peers, cfg, rnd)
		sm.Register(shells[i])
	}

	var reconfigVoters []uint64
	if cfg.ReconfigPolicy != "" && cfg.ReconfigPolicy != config.ReconfigPolicyNone {
		reconfigVoters = rewriteVotersForReconfig(peers, cfg.ReconfigPolicy)
	}

	driver := client.NewDriver(replica.ClientID, peers, cfg, reconfigVoters, logger)
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

	prepared := false
	driver.Prepare(sm, nil, func() { prepared = true })

	started := false
	driver.Start(sm, func() { started = true })

	finished := false
	driver.RunProposals(sm, cfg.NumProposals, func() { finished = true })

	linkBroken := false
	steps, err := runUntilQuiescent(sm, opts.maxSteps, func() {
		if opts.breakLinkAt > 0 {
			maybeBreakLeaderLinks(sm, driver, peers, opts.breakLinkAt, &linkBroken)
		}
	})
	if err != nil {
		logger.Warn("simulation ran out of steps before quiescence", zap.Int("steps", steps))
	}

	stopped := false
	driver.Stop(sm, func() { stopped = true })
	if _, err := sm.Run(opts.maxSteps); err != nil {
		logger.Warn("stop handshake did not quiesce within step budget")
	}

	liveness := sim.LivenessChecker{NumProposals: cfg.NumProposals, Responses: func() int { return driver.Stats().Responses }}
	if err := liveness.Check(); err != nil {
		logger.Error("liveness violated", zap.Error(err))
	}

	for _, failure := range sm.Failures() {
		logger.Error("invariant violation", zap.Error(failure))
	}

	stats := driver.Stats()
	fmt.Printf("prepared=%v started=%v finished=%v stopped=%v\n", prepared, started, finished, stopped)
	fmt.Printf("responses=%d timed_out=%d late_arrival=%d leader_changes=%d\n",
		stats.Responses, stats.NumTimedOut, stats.NumLateArrival, len(stats.LeaderChanges))
	fmt.Printf("final_voters=%v invariant_failures=%d\n", driver.CurrentVoters(), len(sm.Failures()))

	if len(sm.Failures()) > 0 {
		return errors.Errorf("simulation completed with %d invariant violations", len(sm.Failures()))
	}
	return nil
}

// runUntilQuiescent drains the simulator's event queue one step at a
// time, calling afterStep between steps so the caller can inspect
// runtime state (e.g. response counts) and react with Simulator
// mutations such as breaking a link, which Run's single-shot drain
// gives no opportunity to do.
func runUntilQuiescent(sm *sim.Simulator, maxSteps int, afterStep func()) (int, error) {
	var firstErr error
	steps := 0
	for ; steps < maxSteps; steps++ {
		more, err := sm.Step()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		afterStep()
		if !more {
			return steps, firstErr
		}
	}
	return steps, firstErr
}

// maybeBreakLeaderLinks breaks every link between a non-leader replica
// and the current leader once breakAt responses have arrived,
// exercising scenario 5 (link-failure injection, spec.md §8) against a
// running cluster. broken latches so the fault injects exactly once.
func maybeBreakLeaderLinks(sm *sim.Simulator, driver *client.Driver, peers []sim.SystemID, breakAt int, broken *bool) {
	if *broken || driver.Stats().Responses < breakAt {
		return
	}
	*broken = true
	leader := driver.CurrentLeader()
	for _, from := range peers {
		if from == leader {
			continue
		}
		sm.BreakLink(from, leader)
		sm.BreakLink(leader, from)
	}
}

// rewriteVotersForReconfig picks the target voter set the injected
// reconfiguration proposal (spec.md §4.4/§8) requests, before any
// replica-side rewrite policy runs: drop the last node for
// replace-follower and replace-leader alike, letting the receiving
// leader's own rewriteVoters apply the configured policy.
func rewriteVotersForReconfig(peers []sim.SystemID, policy config.ReconfigPolicy) []uint64 {
	voters := make([]uint64, 0, len(peers)-1)
	for _, p := range peers[:len(peers)-1] {
		voters = append(voters, uint64(p))
	}
	return voters
}
