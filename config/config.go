// Package config defines the scenario/run configuration (spec.md §6)
// and a minimal TOML loader. Parsing a full CLI experience is out of
// scope (spec.md §1 Non-goals), but a real loader — not a stub — is
// still ambient infrastructure every run needs.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"

	"raftsim/errs"
)

// ReconfigPolicy selects how the Replica Shell rewrites an incoming
// reconfiguration request (spec.md §4.3).
type ReconfigPolicy string

const (
	ReconfigPolicyNone            ReconfigPolicy = "none"
	ReconfigPolicyReplaceLeader   ReconfigPolicy = "replace-leader"
	ReconfigPolicyReplaceFollower ReconfigPolicy = "replace-follower"
)

// Config is the full set of parameters driving one simulation run
// (spec.md §6 enumerated configuration plus the scenario-driving
// parameters recovered from original_source/src/main.rs).
type Config struct {
	// ElectionTimeout is the base election timeout in milliseconds.
	ElectionTimeout int `toml:"election_timeout"`
	// TickPeriod is the logical tick granularity in milliseconds.
	TickPeriod int `toml:"tick_period"`
	// LeaderHBPeriod is the leader heartbeat interval in milliseconds.
	LeaderHBPeriod int `toml:"leader_hb_period"`
	// MaxInflight bounds unacked AppendEntries per follower.
	MaxInflight int `toml:"max_inflight"`
	// MaxBatchSize bounds the bytes of entries per AppendEntries.
	MaxBatchSize int64 `toml:"max_batch_size"`
	// OutgoingPeriod is the interval in milliseconds at which the Ready cycle runs.
	OutgoingPeriod int `toml:"outgoing_period"`
	// InitialElectionFactor divides ElectionTimeout to accelerate the
	// first post-reconfig election.
	InitialElectionFactor int `toml:"initial_election_factor"`
	// PreVote enables the term-bump-free straw poll before campaigning.
	PreVote bool `toml:"pre_vote"`
	// CheckQuorum enables leader self-demotion on lost quorum.
	CheckQuorum bool `toml:"check_quorum"`
	// ClientTimeout is the per-proposal retry timeout in milliseconds.
	ClientTimeout int `toml:"client_timeout"`

	// NumNodes is the size of the initial voter set.
	NumNodes int `toml:"num_nodes"`
	// NumProposals is the number of client proposals to drive.
	NumProposals int `toml:"num_proposals"`
	// NumConcurrentProposals caps in-flight proposals.
	NumConcurrentProposals int `toml:"num_concurrent_proposals"`
	// ReconfigPolicy selects the Replica Shell's rewrite policy; empty
	// or "none" disables reconfiguration for the run.
	ReconfigPolicy ReconfigPolicy `toml:"reconfig_policy"`

	// TCPNoDelay and Threads are advisory no-ops carried over from the
	// original system-provider configuration (spec.md §9 Open Question
	// 1): this harness has no real sockets or OS threads to tune.
	TCPNoDelay bool `toml:"tcp_no_delay"`
	Threads    int  `toml:"threads"`
}

// Load reads and validates a Config from a TOML file at path.
func Load(path string) (*Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return nil, errs.NewConfigError("decoding %s: %v", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants spec.md §7 assigns to ConfigError:
// that the periods, max_inflight, max_batch_size and
// initial_election_factor are positive, plus the cross-field
// combinations and the reconfig_policy name.
func (c *Config) Validate() error {
	if c.ElectionTimeout <= 0 || c.TickPeriod <= 0 || c.LeaderHBPeriod <= 0 {
		return errs.NewConfigError("election_timeout, tick_period, and leader_hb_period must all be positive")
	}
	if c.ElectionTimeout <= c.LeaderHBPeriod {
		return errs.NewConfigError("election_timeout (%dms) must exceed leader_hb_period (%dms)", c.ElectionTimeout, c.LeaderHBPeriod)
	}
	if c.MaxInflight <= 0 {
		return errs.NewConfigError("max_inflight must be positive")
	}
	if c.MaxBatchSize <= 0 {
		return errs.NewConfigError("max_batch_size must be positive, got %s", units.BytesSize(float64(c.MaxBatchSize)))
	}
	if c.InitialElectionFactor <= 0 {
		return errs.NewConfigError("initial_election_factor must be positive")
	}
	if c.NumConcurrentProposals > c.NumProposals && c.NumProposals > 0 {
		return errs.NewConfigError("num_concurrent_proposals (%d) exceeds num_proposals (%d)", c.NumConcurrentProposals, c.NumProposals)
	}
	switch c.ReconfigPolicy {
	case "", ReconfigPolicyNone, ReconfigPolicyReplaceLeader, ReconfigPolicyReplaceFollower:
	default:
		return errs.NewConfigError("unknown reconfig_policy %q", c.ReconfigPolicy)
	}
	return nil
}

// ElectionTick converts ElectionTimeout into a tick count for
// raft.Config.ElectionTick.
func (c *Config) ElectionTick() int { return c.ElectionTimeout / c.TickPeriod }

// HeartbeatTick converts LeaderHBPeriod into a tick count for
// raft.Config.HeartbeatTick.
func (c *Config) HeartbeatTick() int { return c.LeaderHBPeriod / c.TickPeriod }

// ClientTimeoutDuration returns ClientTimeout as a time.Duration. The
// Simulator's timers take sim.VirtualTime, so the client driver
// converts ClientTimeout directly and does not use this.
func (c *Config) ClientTimeoutDuration() time.Duration {
	return time.Duration(c.ClientTimeout) * time.Millisecond
}

// MaxBatchSizeString renders MaxBatchSize human-readable for log lines
// and error messages.
func (c *Config) MaxBatchSizeString() string {
	return units.BytesSize(float64(c.MaxBatchSize))
}
