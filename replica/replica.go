// Package replica implements the Replica Shell of spec.md §4.3: the
// driver that ticks a raft.Raft Core, drains its Ready cycle against a
// store.LogStore, and applies committed entries, wired as a sim.Actor
// inside the deterministic simulator. Grounded on
// kv/raftstore/peer.go's HandleRaftReady persist→send→apply loop and
// applier.go's committed-entry dispatch, generalized away from the
// badger-backed KV command execution this system never does.
package replica

import (
	"math/rand"
	"strings"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"raftsim/config"
	"raftsim/errs"
	pb "raftsim/proto/eraftpb"
	"raftsim/raft"
	"raftsim/sim"
	"raftsim/store"
	"raftsim/wire"
)

// ClientID is the fixed simulator SystemID the client driver is
// registered under; every replica forwards responses and hints there.
const ClientID sim.SystemID = 0

// tickSignal/readySignal are the two periodic self-timers of spec.md
// §4.3.
type tickSignal struct{}
type readySignal struct{}

// ForwardReconfig is the hint a shell emits when it receives a
// reconfig proposal but is not the leader (spec.md §4.3). It is sent
// to the proposer; the client driver has no handler for it and drops
// it, so no redirect to LeaderID takes place.
type ForwardReconfig struct {
	LeaderID sim.SystemID
	Voters   []uint64
}

// Shell is one replica's Replica Shell: a raft.Raft Core plus a
// store.LogStore, ticked and drained by the Simulator.
type Shell struct {
	id    sim.SystemID
	core  *raft.Raft
	log   *store.LogStore
	peers []sim.SystemID

	cfg *config.Config

	prevSoft *raft.SoftState
	prevHard pb.HardState

	hbProposals [][]byte

	lastAnnounced uint64
	stopped       bool

	tickHandle  sim.Handle
	readyHandle sim.Handle
	haveTimers  bool

	logger *zap.Logger
}

// NewShell constructs a Replica Shell for id, with the given full
// voter set (by SystemID, numerically equal to the raft node id) and
// configuration. rnd is the deterministic PRNG the Simulator seeds for
// this replica's randomized election timeout (spec.md §9).
func NewShell(id sim.SystemID, voters []sim.SystemID, cfg *config.Config, rnd *rand.Rand) *Shell {
	raftVoters := make([]uint64, len(voters))
	for i, v := range voters {
		raftVoters[i] = uint64(v)
	}
	logStore := store.NewLogStore(raftVoters)
	core := raft.NewRaft(&raft.Config{
		ID:                    uint64(id),
		Peers:                 raftVoters,
		ElectionTick:          cfg.ElectionTick(),
		HeartbeatTick:         cfg.HeartbeatTick(),
		Storage:               logStore,
		MaxInflightMsgs:       cfg.MaxInflight,
		MaxSizePerMsg:         uint64(cfg.MaxBatchSize),
		PreVote:               cfg.PreVote,
		CheckQuorum:           cfg.CheckQuorum,
		InitialElectionFactor: cfg.InitialElectionFactor,
		Rand:                  rnd,
	})
	return &Shell{
		id:     id,
		core:   core,
		log:    logStore,
		peers:  voters,
		cfg:    cfg,
		logger: log.L(),
	}
}

// ID implements sim.Actor.
func (s *Shell) ID() sim.SystemID { return s.id }

// RaftID returns the underlying Raft Core id, numerically equal to the
// SystemID (spec.md §3 ReplicaState).
func (s *Shell) RaftID() uint64 { return uint64(s.id) }

// Start arms the first tick and ready timers (spec.md §4.3).
func (s *Shell) Start(sm *sim.Simulator) {
	s.haveTimers = true
	s.tickHandle = sm.After(s.id, sim.VirtualTime(s.cfg.TickPeriod), tickSignal{})
	s.readyHandle = sm.After(s.id, sim.VirtualTime(s.cfg.OutgoingPeriod), readySignal{})
}

// Handle implements sim.Actor, dispatching timer fires, raft wire
// traffic, and local propose/reconfig/stop requests.
func (s *Shell) Handle(sm *sim.Simulator, ev *sim.Event) {
	if s.stopped {
		if s.core.ReconfigState() == raft.ReconfigStateRemoved {
			// A removed replica still acknowledges the client's stop.
			if b, ok := ev.Data.(wire.StopEnvelope); ok && len(b) > 0 && b[0] == wire.TagClientStop {
				sm.Send(s.id, ClientID, 0, wire.StopEnvelope(wire.EncodeStop(s.RaftID())))
				return
			}
			s.logger.Debug("dropping message after removal", zap.Error(errs.ErrRemoved))
		}
		return
	}
	switch data := ev.Data.(type) {
	case tickSignal:
		s.onTick(sm)
		s.tickHandle = sm.After(s.id, sim.VirtualTime(s.cfg.TickPeriod), tickSignal{})
	case readySignal:
		s.onDrainReady(sm)
		s.readyHandle = sm.After(s.id, sim.VirtualTime(s.cfg.OutgoingPeriod), readySignal{})
	case wire.RaftEnvelope:
		m, err := pb.UnmarshalMessage(data)
		if err != nil {
			s.logger.Warn("dropping malformed raft envelope", zap.Error(err))
			return
		}
		if err := s.core.Step(*m); err != nil {
			s.logger.Debug("raft step dropped message", zap.Error(err))
		}
	case wire.PartitionEnvelope:
		s.onPartition(sm, ev.From, data)
	case wire.ClientEnvelope:
		s.onClientFrame(sm, ev.From, data)
	case wire.StopEnvelope:
		s.onStopFrame(sm, data)
	}
}

func (s *Shell) onPartition(sm *sim.Simulator, from sim.SystemID, b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case wire.TagInit:
		init, err := wire.DecodeInit([]byte(b))
		if err != nil {
			s.logger.Warn("malformed Init", zap.Error(err))
			return
		}
		sm.Send(s.id, from, 0, wire.PartitionEnvelope(wire.EncodeInitAck(init.InitID)))
	case wire.TagRun:
		if !s.haveTimers {
			s.Start(sm)
		}
	}
}

func (s *Shell) onClientFrame(sm *sim.Simulator, from sim.SystemID, b []byte) {
	if len(b) == 0 || b[0] != wire.TagProposal {
		return
	}
	p, err := wire.DecodeProposal(b)
	if err != nil {
		s.logger.Warn("malformed Proposal", zap.Error(err))
		return
	}
	if len(p.Voters) > 0 {
		s.onReconfig(sm, from, p.Voters)
		return
	}
	s.onPropose(sm, from, p.Data)
}

func (s *Shell) onStopFrame(sm *sim.Simulator, b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case wire.TagClientStop:
		s.onStop(sm)
	case wire.TagPeerStop:
		// A peer announcing its own shutdown; nothing to reciprocate.
	}
}

func (s *Shell) onTick(sm *sim.Simulator) {
	if s.core.ReconfigState() == raft.ReconfigStateRemoved {
		s.onStop(sm)
		return
	}
	s.core.Tick()
	lead := s.currentLeader()

	if lead != 0 {
		s.flushHBProposals(sm)
	}
	// Announce every time a new, different leader takes over -- not just
	// on the very first election -- so the client can re-learn the
	// leader after a reconfiguration elects a new one (spec.md §4.2/§4.4,
	// scenario 4's leader_changes.len() >= 2). lastAnnounced, not the
	// previous tick's Lead, is the dedupe key: it survives the
	// momentary Lead==0 a re-election passes through, so a leader
	// reverting to itself is not re-announced.
	if lead != 0 && lead != s.lastAnnounced {
		s.lastAnnounced = lead
		sm.Send(s.id, ClientID, 0, wire.ClientEnvelope(wire.EncodeFirstLeader(lead)))
	}
}

func (s *Shell) currentLeader() uint64 { return s.core.Lead }

func (s *Shell) flushHBProposals(sm *sim.Simulator) {
	if s.currentLeader() != s.RaftID() {
		return
	}
	pending := s.hbProposals
	s.hbProposals = nil
	for _, data := range pending {
		if err := s.core.Propose(data); err != nil {
			s.logger.Debug("flushed proposal dropped", zap.Error(err))
		}
	}
}

func (s *Shell) onDrainReady(sm *sim.Simulator) {
	if !s.core.HasReady(s.prevSoft, s.prevHard) {
		return
	}
	rd := s.core.Ready(s.prevSoft, s.prevHard)

	// persist
	if len(rd.Entries) > 0 {
		if err := s.log.Append(rd.Entries); err != nil {
			s.logger.Error("halting ready loop", zap.Error(errs.WrapStorageError(err, "append %d entries", len(rd.Entries))))
			s.stopped = true
			return
		}
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		if err := s.log.SetHardState(rd.HardState); err != nil {
			s.logger.Error("halting ready loop", zap.Error(errs.WrapStorageError(err, "set hard state")))
			s.stopped = true
			return
		}
		s.prevHard = rd.HardState
	}
	if rd.SoftState != nil {
		s.prevSoft = rd.SoftState
	}

	// send
	for _, m := range rd.Messages {
		data, err := pb.MarshalMessage(&m)
		if err != nil {
			s.logger.Warn("marshal raft message failed", zap.Error(err))
			continue
		}
		sm.Send(s.id, sim.SystemID(m.To), 1, wire.RaftEnvelope(data))
	}

	// apply
	for _, e := range rd.CommittedEntries {
		s.applyEntry(sm, e)
	}

	s.core.Advance(rd)
}

func (s *Shell) applyEntry(sm *sim.Simulator, e pb.Entry) {
	switch e.EntryType {
	case pb.EntryType_EntryNormal:
		if len(e.Data) == 0 {
			return // empty entry from a newly elected leader: skipped
		}
		if s.currentLeader() == s.RaftID() {
			sm.Send(s.id, ClientID, 0, wire.ClientEnvelope(wire.EncodeProposalResp(wire.ProposalResp{
				LatestLeader: s.RaftID(),
				Data:         e.Data,
			})))
		}
	case pb.EntryType_EntryConfChangeBegin:
		s.core.ApplyConfChangeEntry(e)
	case pb.EntryType_EntryConfChangeFinalize:
		s.core.ApplyConfChangeEntry(e)
		voters := s.core.Voters()
		s.log.SetConfState(pb.ConfState{Voters: voters})
		if s.currentLeader() == s.RaftID() {
			sm.Send(s.id, ClientID, 0, wire.ClientEnvelope(wire.EncodeProposalResp(wire.ProposalResp{
				LatestLeader: s.RaftID(),
				Data:         wire.ReconfigProposalData(reconfigID, voters),
			})))
		}
	}
}

// reconfigID is the sentinel proposal id RECONFIG_ID (spec.md §3/§8).
const reconfigID uint64 = ^uint64(0)

func (s *Shell) onPropose(sm *sim.Simulator, from sim.SystemID, data []byte) {
	lead := s.currentLeader()
	if lead == 0 {
		s.hbProposals = append(s.hbProposals, data)
		return
	}
	if lead != s.RaftID() {
		return // the client routes directly to the leader; nothing to forward here
	}
	if err := s.core.Propose(data); err != nil {
		s.logger.Debug("propose dropped", zap.Error(err))
	}
}

func (s *Shell) onReconfig(sm *sim.Simulator, from sim.SystemID, voters []uint64) {
	lead := s.currentLeader()
	if lead == 0 {
		return
	}
	if lead != s.RaftID() {
		sm.Send(s.id, from, 0, ForwardReconfig{LeaderID: sim.SystemID(lead), Voters: voters})
		return
	}

	target := s.rewriteVoters(voters)
	if err := s.core.ProposeMembershipChange(target); err != nil {
		s.logger.Debug("reconfig proposal dropped", zap.Error(err))
	}
}

// rewriteVoters applies the configured reconfig policy to the
// requested target voter set (spec.md §4.3).
func (s *Shell) rewriteVoters(requested []uint64) []uint64 {
	switch s.cfg.ReconfigPolicy {
	case config.ReconfigPolicyReplaceLeader:
		out := make([]uint64, 0, len(requested))
		self := s.RaftID()
		for _, v := range s.core.Voters() {
			if v != self {
				out = append(out, v)
			}
		}
		for _, v := range requested {
			if v != self {
				out = append(out, v)
			}
		}
		return dedup(out)
	case config.ReconfigPolicyReplaceFollower:
		lead := s.RaftID()
		for _, v := range requested {
			if v == lead {
				return requested
			}
		}
		current := s.core.Voters()
		var victim uint64
		for _, v := range current {
			if v != lead {
				victim = v
				break
			}
		}
		out := make([]uint64, 0, len(current))
		for _, v := range current {
			if v == victim {
				continue
			}
			out = append(out, v)
		}
		if len(requested) > 0 {
			out = append(out, requested[0])
		}
		return dedup(out)
	default:
		return requested
	}
}

func dedup(in []uint64) []uint64 {
	seen := make(map[uint64]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func (s *Shell) onStop(sm *sim.Simulator) {
	if s.stopped {
		return
	}
	s.stopped = true
	if s.haveTimers {
		sm.Cancel(s.tickHandle)
		sm.Cancel(s.readyHandle)
	}
	for _, p := range s.peers {
		if p == s.id {
			continue
		}
		sm.Send(s.id, p, 0, wire.StopEnvelope(wire.EncodeStop(s.RaftID())))
	}
	sm.Send(s.id, ClientID, 0, wire.StopEnvelope(wire.EncodeStop(s.RaftID())))
}

// Inspect produces the state-inspection snapshot the simulator's
// invariant checks consume (spec.md §4.5 monitored_actors).
func (s *Shell) Inspect() sim.ReplicaSnapshot {
	role := strings.TrimPrefix(s.core.State.String(), "State")
	voters := s.core.Voters()

	var logView []sim.LogEntryView
	lo, err1 := s.log.FirstIndex()
	hi, err2 := s.log.LastIndex()
	if err1 == nil && err2 == nil && hi >= lo {
		ents, err := s.log.Entries(lo, hi+1)
		if err == nil {
			logView = make([]sim.LogEntryView, len(ents))
			for i, e := range ents {
				logView[i] = sim.LogEntryView{
					Index:      e.Index,
					Term:       e.Term,
					IsReconfig: e.EntryType != pb.EntryType_EntryNormal,
					Payload:    e.Data,
				}
			}
		}
	}

	return sim.ReplicaSnapshot{
		ID:      s.id,
		Role:    role,
		Term:    s.core.Term,
		Commit:  s.prevHard.Commit,
		Applied: s.appliedIndex(),
		Log:     logView,
		Voters:  voters,
	}
}

func (s *Shell) appliedIndex() uint64 {
	// Advance trims CommittedEntries off the Ready it was given; the
	// last entry this shell applied is the highest index present in
	// the persisted log once the leader-elect's empty entry commits.
	// Absent a dedicated accessor, the persisted commit index is the
	// tightest available upper bound for a freshly-ticked snapshot.
	return s.prevHard.Commit
}
