// Package client implements the Client Driver of spec.md §4.4: the
// atomic-broadcast workload generator that prepares a cluster, starts
// it, drives a configured number of proposals through the current
// leader, and optionally triggers a reconfiguration partway through.
// Grounded on original_source/src/atomic_broadcast/client.rs's Client
// actor, ported from the Kompact actor idiom to the sim.System idiom.
package client

import (
	"go.uber.org/zap"

	"raftsim/config"
	"raftsim/errs"
	"raftsim/sim"
	"raftsim/wire"
)

// reconfigID is RECONFIG_ID (spec.md §3/§8): the sentinel proposal id
// used for the injected reconfiguration proposal.
const reconfigID uint64 = ^uint64(0)

// Phase is the client's view of cluster bring-up progress (spec.md
// §4.4).
type Phase int

const (
	PhaseLeaderElection Phase = iota
	PhaseRunning
	PhaseReconfigurationElection
)

func (p Phase) String() string {
	switch p {
	case PhaseLeaderElection:
		return "LeaderElection"
	case PhaseRunning:
		return "Running"
	case PhaseReconfigurationElection:
		return "ReconfigurationElection"
	default:
		return "Unknown"
	}
}

// pending is one in-flight proposal's bookkeeping.
type pending struct {
	id     uint64
	timer  sim.Handle
	hasT   bool
}

// Result is recorded once a proposal id is resolved, successfully or
// by timeout.
type Result struct {
	ID      uint64
	TimedOut bool
}

// proposeTimer is the self-timer data fired when a proposal's
// client_timeout elapses.
type proposeTimer struct{ id uint64 }

// Driver is the Client Driver actor (spec.md §4.4).
type Driver struct {
	id    sim.SystemID
	peers []sim.SystemID
	cfg   *config.Config

	phase         Phase
	currentLeader sim.SystemID
	currentVoters []uint64

	nextID         uint64
	inFlight       map[uint64]*pending
	retryQueue     []uint64
	responses      map[uint64]Result
	numTimedOut    int
	numLateArrival int

	reconfigArmed   bool
	reconfigPending bool
	reconfigVoters  []uint64

	leaderChanges []sim.SystemID

	prepareLatch  *sim.CountdownLatch
	leaderLatch   *sim.CountdownLatch
	finishedLatch *sim.CountdownLatch
	stopLatch     *sim.CountdownLatch

	logger *zap.Logger
}

// NewDriver constructs the Client Driver for the given replica set.
// reconfigVoters is the voter set requested by the single injected
// reconfiguration proposal (spec.md §4.4); it is ignored when
// cfg.ReconfigPolicy is none.
func NewDriver(id sim.SystemID, peers []sim.SystemID, cfg *config.Config, reconfigVoters []uint64, logger *zap.Logger) *Driver {
	return &Driver{
		id:             id,
		peers:          append([]sim.SystemID(nil), peers...),
		cfg:            cfg,
		reconfigVoters: append([]uint64(nil), reconfigVoters...),
		phase:          PhaseLeaderElection,
		inFlight:       make(map[uint64]*pending),
		responses:      make(map[uint64]Result),
		logger:         logger,
	}
}

// ID implements sim.Actor.
func (d *Driver) ID() sim.SystemID { return d.id }

// Prepare sends an Init to every replica, carrying the full peer list,
// and arms a latch released once every InitAck has arrived (spec.md
// §4.4).
func (d *Driver) Prepare(sm *sim.Simulator, bootstrap []byte, onReady func()) {
	paths := make([][]byte, len(d.peers))
	for i, p := range d.peers {
		paths[i] = []byte{byte(p)}
	}
	d.prepareLatch = sim.NewCountdownLatch(len(d.peers), onReady)
	for i, p := range d.peers {
		sm.Send(d.id, p, 0, wire.PartitionEnvelope(wire.EncodeInit(wire.Init{
			Pid:        uint32(p),
			InitID:     uint32(i),
			Data:       bootstrap,
			ActorPaths: paths,
		})))
	}
}

// Start sends Run to every replica and arms the leader-election latch
// (spec.md §4.4).
func (d *Driver) Start(sm *sim.Simulator, onFirstLeader func()) {
	d.leaderLatch = sim.NewCountdownLatch(1, onFirstLeader)
	for _, p := range d.peers {
		sm.Send(d.id, p, 0, wire.PartitionEnvelope(wire.EncodeTag(wire.TagRun)))
	}
}

// RunProposals issues up to numConcurrentProposals proposals
// immediately and arms the finished latch released once numProposals
// responses have been recorded (spec.md §4.4 concurrency cap).
func (d *Driver) RunProposals(sm *sim.Simulator, numProposals int, onFinished func()) {
	d.finishedLatch = sim.NewCountdownLatch(1, onFinished)
	d.fillSlots(sm, numProposals)
}

func (d *Driver) fillSlots(sm *sim.Simulator, numProposals int) {
	if d.currentLeader == 0 {
		// No leader to propose to yet; leave ids queued rather than
		// spinning between retryQueue and proposeID's own leaderless
		// requeue.
		return
	}
	for len(d.inFlight) < d.cfg.NumConcurrentProposals {
		var id uint64
		if len(d.retryQueue) > 0 {
			id = d.retryQueue[0]
			d.retryQueue = d.retryQueue[1:]
		} else if int(d.nextID) < numProposals {
			id = d.nextID
			d.nextID++
		} else {
			return
		}
		d.proposeID(sm, id)
	}
}

func (d *Driver) proposeID(sm *sim.Simulator, id uint64) {
	if d.currentLeader == 0 {
		d.retryQueue = append(d.retryQueue, id)
		return
	}
	p := &pending{id: id}
	d.inFlight[id] = p
	data := encodeID(id)
	sm.Send(d.id, d.currentLeader, 0, wire.ClientEnvelope(wire.EncodeProposal(wire.Proposal{Data: data})))
	p.timer = sm.After(d.id, sim.VirtualTime(d.cfg.ClientTimeout), proposeTimer{id: id})
	p.hasT = true
}

func encodeID(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(id >> (8 * uint(i)))
	}
	return b
}

func decodeID(b []byte) uint64 {
	var id uint64
	for _, c := range b {
		id = id<<8 | uint64(c)
	}
	return id
}

// Stop cancels all pending timers, broadcasts a client stop to every
// replica, and invokes onDone once every replica has acknowledged
// (spec.md §4.4).
func (d *Driver) Stop(sm *sim.Simulator, onDone func()) {
	for _, p := range d.inFlight {
		if p.hasT {
			sm.Cancel(p.timer)
		}
	}
	d.inFlight = make(map[uint64]*pending)
	d.stopLatch = sim.NewCountdownLatch(len(d.peers), onDone)
	for _, p := range d.peers {
		sm.Send(d.id, p, 0, wire.StopEnvelope(wire.EncodeClientStop()))
	}
}

// Handle implements sim.Actor.
func (d *Driver) Handle(sm *sim.Simulator, ev *sim.Event) {
	switch data := ev.Data.(type) {
	case proposeTimer:
		d.onProposeTimeout(sm, data.id)
	case wire.PartitionEnvelope:
		d.onPartitionFrame(data)
	case wire.ClientEnvelope:
		d.onClientFrame(sm, data)
	case wire.StopEnvelope:
		d.onStopFrame(sm, ev.From, data)
	}
}

func (d *Driver) onPartitionFrame(b []byte) {
	if len(b) == 0 || b[0] != wire.TagInitAck {
		return
	}
	if d.prepareLatch != nil {
		d.prepareLatch.CountDown()
	}
}

func (d *Driver) onClientFrame(sm *sim.Simulator, b []byte) {
	if len(b) == 0 {
		return
	}
	switch b[0] {
	case wire.TagFirstLeader:
		pid, err := wire.DecodeFirstLeader(b)
		if err != nil {
			d.logger.Warn("malformed FirstLeader", zap.Error(err))
			return
		}
		d.onFirstLeader(sm, sim.SystemID(pid))
	case wire.TagProposalResp:
		resp, err := wire.DecodeProposalResp(b)
		if err != nil {
			d.logger.Warn("malformed ProposalResp", zap.Error(err))
			return
		}
		d.currentLeader = sim.SystemID(resp.LatestLeader)
		if rid, voters, err := wire.DecodeReconfigProposalData(resp.Data); err == nil && rid == reconfigID && len(voters) > 0 {
			d.onReconfiguration(sm, voters)
			return
		}
		d.onNormalResponse(sm, decodeID(resp.Data))
	case wire.TagPendingReconfig:
		d.onPendingReconfiguration(sm)
	}
}

func (d *Driver) onStopFrame(sm *sim.Simulator, from sim.SystemID, b []byte) {
	if len(b) == 0 || b[0] != wire.TagPeerStop {
		return
	}
	d.onPeerStopAck(sm, from)
}

// onFirstLeader records a newly elected leader, both for the initial
// bring-up election and for the re-election a reconfiguration that
// removes the leader triggers (spec.md §4.2/§4.4). Outside either
// election phase the replica is just re-confirming an already-known
// leader (e.g. a stale, duplicate announcement) and is ignored.
func (d *Driver) onFirstLeader(sm *sim.Simulator, pid sim.SystemID) {
	initial := d.phase == PhaseLeaderElection
	if !initial && d.phase != PhaseReconfigurationElection {
		return
	}
	d.currentLeader = pid
	d.phase = PhaseRunning
	d.leaderChanges = append(d.leaderChanges, pid)
	if initial && d.leaderLatch != nil {
		d.leaderLatch.CountDown()
	}
	d.fillSlots(sm, d.numProposalsTarget())
}

func (d *Driver) onNormalResponse(sm *sim.Simulator, id uint64) {
	if id == reconfigID {
		return
	}
	p, ok := d.inFlight[id]
	if !ok {
		if _, already := d.responses[id]; !already {
			d.numLateArrival++
		}
		return
	}
	if p.hasT {
		sm.Cancel(p.timer)
	}
	delete(d.inFlight, id)
	d.responses[id] = Result{ID: id}

	if !d.reconfigPending {
		d.maybeFinish()
	}
	d.maybeTriggerReconfig(sm)
	d.fillSlots(sm, d.numProposalsTarget())
}

func (d *Driver) onProposeTimeout(sm *sim.Simulator, id uint64) {
	p, ok := d.inFlight[id]
	if !ok {
		return
	}
	delete(d.inFlight, id)
	d.numTimedOut++
	d.responses[id] = Result{ID: id, TimedOut: true}
	_ = p
	d.retryQueue = append(d.retryQueue, id)
	d.fillSlots(sm, d.numProposalsTarget())
}

// onReconfiguration applies a committed reconfiguration's new voter
// set. currentLeader was already set from this same ProposalResp's
// LatestLeader field by onClientFrame; it is only cleared here when
// that leader did not survive the reconfig (spec.md §4.4: current_leader
// "may be 0, meaning the new configuration has not yet elected a
// leader" -- not "is always 0 right after a reconfig"). The
// replace-follower policy leaves the leader untouched, so this must
// not force a needless re-election for it.
func (d *Driver) onReconfiguration(sm *sim.Simulator, newVoters []uint64) {
	d.reconfigPending = false
	d.currentVoters = newVoters
	if len(d.responses) >= d.numProposalsTarget() {
		d.maybeFinish()
		return
	}
	if d.currentLeader == 0 || !isVoter(newVoters, uint64(d.currentLeader)) {
		d.currentLeader = 0
		d.phase = PhaseReconfigurationElection
	}
	d.fillSlots(sm, d.numProposalsTarget())
}

func isVoter(voters []uint64, id uint64) bool {
	for _, v := range voters {
		if v == id {
			return true
		}
	}
	return false
}

func (d *Driver) onPendingReconfiguration(sm *sim.Simulator) {
	if d.phase != PhaseRunning {
		// A PendingReconfiguration after the client has already moved
		// past the reconfiguration is the branch spec.md §9 Open
		// Question 3 treats as unreachable; surface it rather than
		// silently absorb it.
		d.logger.Error("PendingReconfiguration outside Running phase", zap.Error(errs.ErrUnreachable))
		return
	}
	for id := range d.inFlight {
		d.retryQueue = append(d.retryQueue, id)
	}
	d.inFlight = make(map[uint64]*pending)
	d.phase = PhaseReconfigurationElection
	d.currentLeader = 0
}

func (d *Driver) onPeerStopAck(sm *sim.Simulator, from sim.SystemID) {
	if d.stopLatch != nil {
		d.stopLatch.CountDown()
	}
}

func (d *Driver) maybeFinish() {
	if d.finishedLatch != nil && len(d.responses) >= d.numProposalsTarget() {
		d.finishedLatch.CountDown()
	}
}

// maybeTriggerReconfig injects the configured reconfiguration proposal
// once exactly half of num_proposals have responded (spec.md §4.4).
func (d *Driver) maybeTriggerReconfig(sm *sim.Simulator) {
	if d.reconfigArmed || d.cfg.ReconfigPolicy == "" || d.cfg.ReconfigPolicy == config.ReconfigPolicyNone {
		return
	}
	if len(d.responses) != d.numProposalsTarget()/2 {
		return
	}
	d.reconfigArmed = true
	d.reconfigPending = true
	if d.currentLeader == 0 {
		return
	}
	sm.Send(d.id, d.currentLeader, 0, wire.ClientEnvelope(wire.EncodeProposal(wire.Proposal{
		Data:   encodeID(reconfigID),
		Voters: d.reconfigVoters,
	})))
}

func (d *Driver) numProposalsTarget() int { return d.cfg.NumProposals }

// Stats exposes the supplemented client-side counters of SPEC_FULL.md
// (leader_changes, num_timed_out), read through Stats() by the CLI and
// the scenario tests.
type Stats struct {
	LeaderChanges  []sim.SystemID
	NumTimedOut    int
	NumLateArrival int
	Responses      int
}

// Stats snapshots the driver's counters.
func (d *Driver) Stats() Stats {
	return Stats{
		LeaderChanges:  append([]sim.SystemID(nil), d.leaderChanges...),
		NumTimedOut:    d.numTimedOut,
		NumLateArrival: d.numLateArrival,
		Responses:      len(d.responses),
	}
}

// Phase returns the driver's current phase.
func (d *Driver) Phase() Phase { return d.phase }

// CurrentLeader returns the last-known leader SystemID (0 if unknown).
func (d *Driver) CurrentLeader() sim.SystemID { return d.currentLeader }

// CurrentVoters returns the voter set as of the last applied
// reconfiguration (nil before any reconfiguration completes).
func (d *Driver) CurrentVoters() []uint64 { return append([]uint64(nil), d.currentVoters...) }

// IsProposalKnown reports whether id was ever issued by this driver,
// used to ground sim.NewValidity's P2 check against real client state.
func (d *Driver) IsProposalKnown(payload []byte) bool {
	if len(payload) != 8 {
		return false
	}
	id := decodeID(payload)
	return id == reconfigID || id < uint64(d.nextID)
}
