// Copyright 2015 The etcd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package raft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	pb "raftsim/proto/eraftpb"

	"github.com/pingcap/log"
)

// None is a placeholder node ID used when there is no leader.
const None uint64 = 0

// ReconfigProposalID is the reserved proposal id denoting a
// reconfiguration request rather than a client value (spec.md §3).
const ReconfigProposalID uint64 = 0

// StateType represents the role of a replica in the cluster.
type StateType uint64

const (
	StateFollower StateType = iota
	StatePreCandidate
	StateCandidate
	StateLeader
)

var stmap = [...]string{
	"StateFollower",
	"StatePreCandidate",
	"StateCandidate",
	"StateLeader",
}

func (st StateType) String() string {
	return stmap[uint64(st)]
}

type campaignType string

const (
	campaignPreElection campaignType = "CampaignPreElection"
	campaignElection    campaignType = "CampaignElection"
	campaignTransfer    campaignType = "CampaignTransfer"
)

// ErrProposalDropped is returned when a proposal is ignored (no
// leader, leader mid-transfer, self just removed) so the caller can
// fail fast rather than wait forever.
var ErrProposalDropped = errors.New("raft proposal dropped")

// Config contains the parameters to start a raft replica (spec.md §6).
type Config struct {
	// ID is the identity of the local raft. ID cannot be 0.
	ID uint64

	// Peers contains the IDs of all nodes (including self) in the
	// raft cluster. It should only be set when starting a new raft
	// cluster; restarting raft from previous configuration will pick
	// up voters from the persisted ConfState instead.
	Peers []uint64

	// ElectionTick is the number of Tick invocations between
	// elections, derived from config.ElectionTimeout/TickPeriod.
	ElectionTick int
	// HeartbeatTick is the number of Tick invocations between leader
	// heartbeats, derived from config.LeaderHBPeriod/TickPeriod.
	HeartbeatTick int

	// Storage is the Log Store for this replica.
	Storage Storage
	// Applied is the last applied index; only set when restarting.
	Applied uint64

	// MaxInflightMsgs bounds unacked AppendEntries per follower
	// (config.MaxInflight).
	MaxInflightMsgs int
	// MaxSizePerMsg bounds the bytes of entries batched into a single
	// AppendEntries (config.MaxBatchSize).
	MaxSizePerMsg uint64

	// PreVote enables the straw-poll election optimization (spec.md
	// §6 `pre_vote`).
	PreVote bool
	// CheckQuorum enables leader self-demotion on failure to observe
	// a heartbeat-response majority within an election timeout
	// (spec.md §6 `check_quorum`).
	CheckQuorum bool

	// InitialElectionFactor shortens the randomized election timeout
	// while a joint-consensus reconfiguration is pending, so a
	// just-promoted voter does not sit silent through a full baseline
	// timeout before contesting a stalled election (spec.md §4.2).
	InitialElectionFactor int

	// Rand is the deterministic PRNG the Simulator seeds and owns;
	// the randomized election timeout is drawn from it rather than
	// from any process-global source (spec.md §9).
	Rand *rand.Rand
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("storage cannot be nil")
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = 256
	}
	if c.InitialElectionFactor <= 0 {
		c.InitialElectionFactor = 1
	}
	return nil
}

// Raft is one replica's view of the cluster (spec.md §3 ReplicaState).
type Raft struct {
	id uint64

	Term uint64
	Vote uint64

	RaftLog *RaftLog

	// Prs is the incoming (or sole, outside joint consensus) voter
	// set's replication progress.
	Prs map[uint64]*Progress
	// PrsOutgoing is non-nil only during joint consensus and holds the
	// outgoing voter set's progress.
	PrsOutgoing map[uint64]*Progress

	State StateType

	votes map[uint64]bool

	msgs []pb.Message

	Lead uint64

	heartbeatTimeout          int
	electionTimeout           int
	randomizedElectionTimeout int
	initialElectionFactor     int

	leadTransferee uint64

	PendingConfIndex uint64
	reconfigState    ReconfigState

	electionElapsed  int
	heartbeatElapsed int

	maxInflight int
	maxMsgSize  uint64

	preVote     bool
	checkQuorum bool

	rnd *electionRand
}

// NewRaft constructs a Raft Core from c, mirroring etcd-raft's
// exported constructor so the Replica Shell can build one outside
// this package.
func NewRaft(c *Config) *Raft {
	return newRaft(c)
}

func newRaft(c *Config) *Raft {
	if err := c.validate(); err != nil {
		panic(err.Error())
	}
	raftlog := newLog(c.Storage)
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		panic(err)
	}
	peers := c.Peers
	if len(peers) == 0 {
		peers = cs.Voters
	}
	r := &Raft{
		id:                    c.ID,
		Lead:                  None,
		RaftLog:               raftlog,
		Prs:                   make(map[uint64]*Progress),
		electionTimeout:       c.ElectionTick,
		heartbeatTimeout:      c.HeartbeatTick,
		maxInflight:           c.MaxInflightMsgs,
		maxMsgSize:            c.MaxSizePerMsg,
		preVote:               c.PreVote,
		checkQuorum:           c.CheckQuorum,
		initialElectionFactor: c.InitialElectionFactor,
		rnd:                   newElectionRand(c.Rand),
	}
	for _, p := range peers {
		r.Prs[p] = &Progress{Next: 1, Inflights: NewInflights(r.maxInflight)}
	}

	if !pb.IsEmptyHardState(hs) {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		raftlog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)

	var nodesStrs []string
	for _, n := range r.confVoterIDs() {
		nodesStrs = append(nodesStrs, fmt.Sprintf("%d", n))
	}
	log.Info(fmt.Sprintf("newRaft %d [peers: [%s], term: %d, commit: %d, applied: %d, lastindex: %d, lastterm: %d]",
		r.id, strings.Join(nodesStrs, ","), r.Term, r.RaftLog.committed, r.RaftLog.applied, r.RaftLog.LastIndex(), r.RaftLog.lastTerm()))
	return r
}

func (r *Raft) softState() *SoftState { return &SoftState{Lead: r.Lead, RaftState: r.State} }

func (r *Raft) hardState() pb.HardState {
	return pb.HardState{Term: r.Term, Vote: r.Vote, Commit: r.RaftLog.committed}
}

// ID returns the replica's own id.
func (r *Raft) ID() uint64 { return r.id }

// ReconfigState returns the replica's current joint-consensus phase.
func (r *Raft) ReconfigState() ReconfigState { return r.reconfigState }

// Voters returns the sorted incoming voter set (spec.md §3 ConfState).
func (r *Raft) Voters() []uint64 { return r.confVoterIDs() }

// send attaches From/Term as appropriate and queues m for delivery.
func (r *Raft) send(m pb.Message) {
	m.From = r.id
	if m.MsgType == pb.MessageType_MsgRequestVote || m.MsgType == pb.MessageType_MsgRequestVoteResponse ||
		m.MsgType == pb.MessageType_MsgRequestPreVote || m.MsgType == pb.MessageType_MsgRequestPreVoteResponse {
		if m.Term == 0 {
			panic(fmt.Sprintf("term should be set when sending %s", m.MsgType))
		}
	} else {
		if m.Term != 0 {
			panic(fmt.Sprintf("term should not be set when sending %s (was %d)", m.MsgType, m.Term))
		}
		if m.MsgType != pb.MessageType_MsgPropose {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

func (r *Raft) getProgress(id uint64) *Progress {
	if pr, ok := r.Prs[id]; ok {
		return pr
	}
	return r.PrsOutgoing[id]
}

// sendAppend sends an AppendEntries (or Snapshot, if the follower has
// fallen behind the retained log) to the given peer. Returns true if a
// message was queued.
func (r *Raft) sendAppend(to uint64) bool {
	pr := r.getProgress(to)
	if pr == nil {
		return false
	}
	if pr.Inflights.Full() {
		return false
	}
	m := pb.Message{}
	m.To = to

	term, errt := r.RaftLog.Term(pr.Next - 1)
	ents, erre := r.RaftLog.Entries(pr.Next)

	if errt != nil || erre != nil {
		m.MsgType = pb.MessageType_MsgSnapshot
		snapshot, err := r.RaftLog.snapshot()
		if err != nil {
			if err == ErrSnapshotTemporarilyUnavailable {
				log.Debug(fmt.Sprintf("%d failed to send snapshot to %d because snapshot is temporarily unavailable", r.id, to))
				return false
			}
			panic(err)
		}
		if pb.IsEmptySnap(&snapshot) {
			panic("need non-empty snapshot")
		}
		m.Snapshot = &snapshot
	} else {
		ents = r.limitBatch(ents)
		entPtrs := make([]*pb.Entry, len(ents))
		for i := range ents {
			e := ents[i]
			entPtrs[i] = &e
		}
		m.MsgType = pb.MessageType_MsgAppend
		m.Index = pr.Next - 1
		m.LogTerm = term
		m.Entries = entPtrs
		m.Commit = r.RaftLog.committed
		if n := len(ents); n > 0 {
			pr.Inflights.Add(ents[n-1].Index)
		} else {
			pr.Inflights.Add(pr.Next - 1)
		}
	}
	r.send(m)
	return true
}

// limitBatch trims ents so their total payload stays within
// maxMsgSize (config.MaxBatchSize), always keeping at least one entry.
func (r *Raft) limitBatch(ents []pb.Entry) []pb.Entry {
	if r.maxMsgSize == 0 || len(ents) <= 1 {
		return ents
	}
	var size uint64
	for i, e := range ents {
		size += uint64(len(e.Data)) + 16
		if size > r.maxMsgSize && i > 0 {
			return ents[:i]
		}
	}
	return ents
}

// sendHeartbeat sends a heartbeat to the given peer, carrying
// min(pr.Match, r.committed) so the leader never advances a follower's
// commit beyond what it has actually matched.
func (r *Raft) sendHeartbeat(to uint64) {
	pr := r.getProgress(to)
	commit := r.RaftLog.committed
	if pr != nil && pr.Match < commit {
		commit = pr.Match
	}
	m := pb.Message{
		To:      to,
		MsgType: pb.MessageType_MsgHeartbeat,
		Commit:  commit,
	}
	r.send(m)
}

func (r *Raft) forEachProgress(f func(id uint64, pr *Progress)) {
	for id, pr := range r.Prs {
		f(id, pr)
	}
	for id, pr := range r.PrsOutgoing {
		if _, ok := r.Prs[id]; !ok {
			f(id, pr)
		}
	}
}

func (r *Raft) bcastAppend() {
	r.forEachProgress(func(id uint64, _ *Progress) {
		if id == r.id {
			return
		}
		r.sendAppend(id)
	})
}

func (r *Raft) bcastHeartbeat() {
	r.forEachProgress(func(id uint64, _ *Progress) {
		if id == r.id {
			return
		}
		r.sendHeartbeat(id)
	})
}

// maybeCommit attempts to advance commit_index under joint-consensus
// quorum rules: an index commits only once a strict majority of BOTH
// the incoming and (if active) outgoing voter sets have matched it,
// and only by virtue of a current-term entry (spec.md I3/I6).
func (r *Raft) maybeCommit() bool {
	idx := r.committedIndex(r.Prs, r.quorum())
	if r.isJoint() {
		outIdx := r.committedIndex(r.PrsOutgoing, r.outgoingQuorum())
		if outIdx < idx {
			idx = outIdx
		}
	}
	return r.RaftLog.maybeCommit(idx, r.Term)
}

func (r *Raft) committedIndex(prs map[uint64]*Progress, quorum int) uint64 {
	if len(prs) == 0 {
		return r.RaftLog.LastIndex()
	}
	matchIndex := make(uint64Slice, 0, len(prs))
	for _, p := range prs {
		matchIndex = append(matchIndex, p.Match)
	}
	sort.Sort(matchIndex)
	return matchIndex[len(matchIndex)-quorum]
}

func (r *Raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.Lead = None

	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()

	r.abortLeaderTransfer()

	r.votes = make(map[uint64]bool)
	r.forEachProgress(func(id uint64, pr *Progress) {
		*pr = Progress{Next: r.RaftLog.LastIndex() + 1, Inflights: NewInflights(r.maxInflight)}
		if id == r.id {
			pr.Match = r.RaftLog.LastIndex()
		}
	})

	r.PendingConfIndex = 0
}

func (r *Raft) appendEntry(es ...pb.Entry) {
	li := r.RaftLog.LastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	li = r.RaftLog.append(es...)
	r.getProgress(r.id).maybeUpdate(li)
	r.maybeCommit()
}

func (r *Raft) tick() {
	switch r.State {
	case StateFollower, StatePreCandidate, StateCandidate:
		r.tickElection()
	case StateLeader:
		r.tickHeartbeat()
	}
}

// Tick advances the logical clock by one tick_period (spec.md §4.3
// Tick action).
func (r *Raft) Tick() { r.tick() }

func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgHup})
	}
}

func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.State == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
		if r.checkQuorum {
			_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgCheckQuorum})
		}
	}

	if r.State != StateLeader {
		return
	}
	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		_ = r.Step(pb.Message{From: r.id, MsgType: pb.MessageType_MsgBeat})
	}
}

func (r *Raft) becomeFollower(term uint64, lead uint64) {
	r.reset(term)
	r.Lead = lead
	r.State = StateFollower
	log.Info(fmt.Sprintf("%d became follower at term %d", r.id, r.Term))
}

func (r *Raft) becomePreCandidate() {
	if r.State == StateLeader {
		panic("invalid transition [leader -> pre-candidate]")
	}
	// Pre-vote does not bump the term or persist a vote.
	r.votes = make(map[uint64]bool)
	r.Lead = None
	r.State = StatePreCandidate
	log.Info(fmt.Sprintf("%d became pre-candidate at term %d", r.id, r.Term))
}

func (r *Raft) becomeCandidate() {
	if r.State == StateLeader {
		panic("invalid transition [leader -> candidate]")
	}
	r.reset(r.Term + 1)
	r.Vote = r.id
	r.State = StateCandidate
	log.Info(fmt.Sprintf("%d became candidate at term %d", r.id, r.Term))
}

func (r *Raft) becomeLeader() {
	if r.State == StateFollower {
		panic("invalid transition [follower -> leader]")
	}
	r.reset(r.Term)
	r.Lead = r.id
	r.State = StateLeader

	r.PendingConfIndex = r.RaftLog.LastIndex()

	emptyEnt := pb.Entry{Data: nil}
	r.appendEntry(emptyEnt)
	log.Info(fmt.Sprintf("%d became leader at term %d", r.id, r.Term))
}

func (r *Raft) campaign(t campaignType) {
	var term uint64
	var voteMsg pb.MessageType
	if t == campaignPreElection {
		r.becomePreCandidate()
		voteMsg = pb.MessageType_MsgRequestPreVote
		term = r.Term + 1
	} else {
		r.becomeCandidate()
		voteMsg = pb.MessageType_MsgRequestVote
		term = r.Term
	}
	if r.quorum() == r.poll(r.id, voteRespType(voteMsg), true) {
		if t == campaignPreElection {
			r.campaign(campaignElection)
		} else {
			r.becomeLeader()
			r.bcastAppend()
		}
		return
	}
	for _, id := range r.allVoterIDs() {
		if id == r.id {
			continue
		}
		log.Info(fmt.Sprintf("%d [logterm: %d, index: %d] sent %s request to %d at term %d", r.id,
			r.RaftLog.lastTerm(), r.RaftLog.LastIndex(), voteMsg, id, r.Term))
		r.send(pb.Message{Term: term, To: id, MsgType: voteMsg, Index: r.RaftLog.LastIndex(), LogTerm: r.RaftLog.lastTerm()})
	}
}

func voteRespType(t pb.MessageType) pb.MessageType {
	if t == pb.MessageType_MsgRequestPreVote {
		return pb.MessageType_MsgRequestPreVoteResponse
	}
	return pb.MessageType_MsgRequestVoteResponse
}

// poll records a vote/rejection from id and returns the number of
// granted votes so far.
func (r *Raft) poll(id uint64, t pb.MessageType, v bool) (granted int) {
	if v {
		log.Info(fmt.Sprintf("%d received %s from %d at term %d", r.id, t, id, r.Term))
	} else {
		log.Info(fmt.Sprintf("%d received %s rejection from %d at term %d", r.id, t, id, r.Term))
	}
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = v
	}
	for _, vv := range r.votes {
		if vv {
			granted++
		}
	}
	return granted
}

func (r *Raft) rejectedVotes() int {
	n := 0
	for _, vv := range r.votes {
		if !vv {
			n++
		}
	}
	return n
}

// Step is the single entrypoint for handling an inbound message
// (spec.md §4.2: a step with stale term silently drops the message
// but still returns success).
func (r *Raft) Step(m pb.Message) error {
	if r.reconfigState == ReconfigStateRemoved {
		return nil
	}
	switch {
	case m.Term == 0:
		// local message
	case m.Term > r.Term:
		if m.MsgType == pb.MessageType_MsgAppend || m.MsgType == pb.MessageType_MsgHeartbeat || m.MsgType == pb.MessageType_MsgSnapshot {
			r.becomeFollower(m.Term, m.From)
		} else if m.MsgType == pb.MessageType_MsgRequestPreVote ||
			(m.MsgType == pb.MessageType_MsgRequestPreVoteResponse && !m.Reject) {
			// A higher-term pre-vote request or grant does not itself
			// demote a sitting leader or reset anyone's term; only a
			// real election (or AppendEntries/Heartbeat) does.
		} else {
			log.Info(fmt.Sprintf("%d [term: %d] received a %s message with higher term from %d [term: %d]",
				r.id, r.Term, m.MsgType, m.From, m.Term))
			r.becomeFollower(m.Term, None)
		}
	case m.Term < r.Term:
		if r.checkQuorum && (m.MsgType == pb.MessageType_MsgAppend || m.MsgType == pb.MessageType_MsgHeartbeat) {
			r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse})
			return nil
		}
		log.Info(fmt.Sprintf("%d [term: %d] ignored a %s message with lower term from %d [term: %d]", r.id, r.Term, m.MsgType, m.From, m.Term))
		return nil
	}

	switch m.MsgType {
	case pb.MessageType_MsgHup:
		if r.State != StateLeader {
			ents, err := r.RaftLog.slice(r.RaftLog.applied+1, r.RaftLog.committed+1)
			if err != nil {
				log.Fatal(fmt.Sprintf("unexpected error getting unapplied entries (%v)", err))
			}
			if n := numOfPendingConf(ents); n != 0 && r.RaftLog.committed > r.RaftLog.applied {
				log.Warn(fmt.Sprintf("%d cannot campaign at term %d since there are still %d pending configuration changes to apply", r.id, r.Term, n))
				return nil
			}
			log.Info(fmt.Sprintf("%d is starting a new election at term %d", r.id, r.Term))
			if r.preVote {
				r.campaign(campaignPreElection)
			} else {
				r.campaign(campaignElection)
			}
		} else {
			log.Debug(fmt.Sprintf("%d ignoring MsgHup because already leader", r.id))
		}

	case pb.MessageType_MsgRequestVote, pb.MessageType_MsgRequestPreVote:
		r.handleVoteRequest(m)

	case pb.MessageType_MsgCheckQuorum:
		if r.State == StateLeader && !r.hasActiveQuorum() {
			log.Info(fmt.Sprintf("%d stepped down to follower since quorum is not active", r.id))
			r.becomeFollower(r.Term, None)
		}
		r.clearRecentActive()

	default:
		switch r.State {
		case StateFollower:
			return r.stepFollower(m)
		case StatePreCandidate, StateCandidate:
			return r.stepCandidate(m)
		case StateLeader:
			return r.stepLeader(m)
		}
	}
	return nil
}

func (r *Raft) handleVoteRequest(m pb.Message) {
	// A replica may vote iff this is a repeat of a vote it already
	// cast, or it has not yet voted this term and sees no leader, or
	// the request is a pre-vote straw poll for a future term (which
	// never consumes the real Vote field). It must also see the
	// candidate's log as at least as up-to-date as its own.
	canVote := r.Vote == m.From ||
		(r.Vote == None && r.Lead == None) ||
		(m.MsgType == pb.MessageType_MsgRequestPreVote && m.Term > r.Term)

	if canVote && r.RaftLog.isUpToDate(m.Index, m.LogTerm) {
		log.Info(fmt.Sprintf("%d [logterm: %d, index: %d, vote: %d] cast %s for %d [logterm: %d, index: %d] at term %d",
			r.id, r.RaftLog.lastTerm(), r.RaftLog.LastIndex(), r.Vote, m.MsgType, m.From, m.LogTerm, m.Index, r.Term))
		r.send(pb.Message{To: m.From, Term: m.Term, MsgType: voteRespType(m.MsgType)})
		if m.MsgType == pb.MessageType_MsgRequestVote {
			r.electionElapsed = 0
			r.Vote = m.From
		}
	} else {
		log.Info(fmt.Sprintf("%d [logterm: %d, index: %d, vote: %d] rejected %s from %d [logterm: %d, index: %d] at term %d",
			r.id, r.RaftLog.lastTerm(), r.RaftLog.LastIndex(), r.Vote, m.MsgType, m.From, m.LogTerm, m.Index, r.Term))
		r.send(pb.Message{To: m.From, Term: r.Term, MsgType: voteRespType(m.MsgType), Reject: true})
	}
}

func (r *Raft) hasActiveQuorum() bool {
	active := 1 // self
	for id, pr := range r.Prs {
		if id == r.id {
			continue
		}
		if pr.RecentActive {
			active++
		}
	}
	return active >= r.quorum()
}

func (r *Raft) clearRecentActive() {
	for id, pr := range r.Prs {
		if id != r.id {
			pr.RecentActive = false
		}
	}
}

func (r *Raft) stepLeader(m pb.Message) error {
	pr := r.getProgress(m.From)
	if pr != nil {
		pr.RecentActive = true
	}
	if pr == nil && m.MsgType != pb.MessageType_MsgBeat && m.MsgType != pb.MessageType_MsgPropose {
		log.Debug(fmt.Sprintf("%d no progress available for %d", r.id, m.From))
		return nil
	}
	switch m.MsgType {
	case pb.MessageType_MsgBeat:
		r.bcastHeartbeat()
		return nil
	case pb.MessageType_MsgPropose:
		if len(m.Entries) == 0 {
			log.Fatal(fmt.Sprintf("%d stepped empty MsgPropose", r.id))
		}
		if _, ok := r.Prs[r.id]; !ok {
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			log.Debug(fmt.Sprintf("%d [term %d] transfer leadership to %d is in progress; dropping proposal", r.id, r.Term, r.leadTransferee))
			return ErrProposalDropped
		}

		for i, e := range m.Entries {
			if e.EntryType == pb.EntryType_EntryConfChangeBegin {
				if r.PendingConfIndex > r.RaftLog.applied {
					log.Info(fmt.Sprintf("propose conf change ignored since pending unapplied configuration [index %d, applied %d]",
						r.PendingConfIndex, r.RaftLog.applied))
					m.Entries[i] = &pb.Entry{EntryType: pb.EntryType_EntryNormal}
				} else {
					r.PendingConfIndex = r.RaftLog.LastIndex() + uint64(i) + 1
				}
			}
		}

		es := make([]pb.Entry, 0, len(m.Entries))
		for _, e := range m.Entries {
			es = append(es, *e)
		}
		r.appendEntry(es...)
		r.bcastAppend()
		return nil
	case pb.MessageType_MsgAppendResponse:
		if m.Reject {
			log.Debug(fmt.Sprintf("%d received MsgAppend rejection(lastindex: %d) from %d for index %d",
				r.id, m.RejectHint, m.From, m.Index))
			if pr.maybeDecrTo(m.Index, m.RejectHint) {
				r.sendAppend(m.From)
			}
			return nil
		}
		pr.Inflights.FreeLE(m.Index)
		if pr.maybeUpdate(m.Index) {
			if r.maybeCommit() {
				r.bcastAppend()
			}
			r.maybeFinalizeMembershipChange()
			if m.From == r.leadTransferee && pr.Match == r.RaftLog.LastIndex() {
				log.Info(fmt.Sprintf("%d sent MsgTimeoutNow to %d after received MsgAppendResponse", r.id, m.From))
				r.sendTimeoutNow(m.From)
			}
		} else if !pr.Inflights.Full() {
			r.sendAppend(m.From)
		}
	case pb.MessageType_MsgHeartbeatResponse:
		if pr.Match < r.RaftLog.LastIndex() {
			r.sendAppend(m.From)
		}
	case pb.MessageType_MsgTransferLeader:
		r.handleTransferLeader(m, pr)
	}
	return nil
}

func (r *Raft) handleTransferLeader(m pb.Message, pr *Progress) {
	leadTransferee := m.From
	lastLeadTransferee := r.leadTransferee
	if lastLeadTransferee != None {
		if lastLeadTransferee == leadTransferee {
			return
		}
		r.abortLeaderTransfer()
	}
	if leadTransferee == r.id {
		return
	}
	r.electionElapsed = 0
	r.leadTransferee = leadTransferee
	if pr.Match == r.RaftLog.LastIndex() {
		r.sendTimeoutNow(leadTransferee)
	} else {
		r.sendAppend(leadTransferee)
	}
}

// maybeFinalizeMembershipChange auto-proposes the Finalize entry once
// the Begin entry has committed and the incoming voter set has caught
// up to the leader's last index (spec.md §4.2).
func (r *Raft) maybeFinalizeMembershipChange() {
	if r.State != StateLeader || r.reconfigState != ReconfigStatePending {
		return
	}
	if r.RaftLog.committed < r.PendingConfIndex {
		return
	}
	if !r.votersCatchUp() {
		return
	}
	r.appendEntry(pb.Entry{EntryType: pb.EntryType_EntryConfChangeFinalize})
	r.bcastAppend()
}

func (r *Raft) stepCandidate(m pb.Message) error {
	var myVoteRespType pb.MessageType
	if r.State == StatePreCandidate {
		myVoteRespType = pb.MessageType_MsgRequestPreVoteResponse
	} else {
		myVoteRespType = pb.MessageType_MsgRequestVoteResponse
	}
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		log.Info(fmt.Sprintf("%d no leader at term %d; dropping proposal", r.id, r.Term))
		return ErrProposalDropped
	case pb.MessageType_MsgAppend:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case myVoteRespType:
		gr := r.poll(m.From, m.MsgType, !m.Reject)
		log.Info(fmt.Sprintf("%d [quorum:%d] has received %d %s votes and %d vote rejections", r.id, r.quorum(), gr, m.MsgType, r.rejectedVotes()))
		switch r.quorum() {
		case gr:
			if r.State == StatePreCandidate {
				r.campaign(campaignElection)
			} else {
				r.becomeLeader()
				r.bcastAppend()
			}
		case r.rejectedVotes():
			r.becomeFollower(r.Term, None)
		}
	case pb.MessageType_MsgTimeoutNow:
		log.Debug(fmt.Sprintf("%d [term %d state %v] ignored MsgTimeoutNow from %d", r.id, r.Term, r.State, m.From))
	}
	return nil
}

func (r *Raft) stepFollower(m pb.Message) error {
	switch m.MsgType {
	case pb.MessageType_MsgPropose:
		log.Info(fmt.Sprintf("%d is no leader at term %d; dropping proposal", r.id, r.Term))
		return ErrProposalDropped
	case pb.MessageType_MsgAppend:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleAppendEntries(m)
	case pb.MessageType_MsgHeartbeat:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleHeartbeat(m)
	case pb.MessageType_MsgSnapshot:
		r.electionElapsed = 0
		r.Lead = m.From
		r.handleSnapshot(m)
	case pb.MessageType_MsgTransferLeader:
		if r.Lead == None {
			log.Info(fmt.Sprintf("%d no leader at term %d; dropping leader transfer msg", r.id, r.Term))
			return nil
		}
		m.To = r.Lead
		r.send(m)
	case pb.MessageType_MsgTimeoutNow:
		if r.promotable() {
			log.Info(fmt.Sprintf("%d [term %d] received MsgTimeoutNow from %d and starts an election to get leadership.", r.id, r.Term, m.From))
			// A forced transfer skips pre-vote: the sender has already
			// established that the log is up to date.
			r.campaign(campaignTransfer)
		}
	}
	return nil
}

func (r *Raft) handleAppendEntries(m pb.Message) {
	if m.Index < r.RaftLog.committed {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.committed})
		return
	}
	ents := make([]pb.Entry, 0, len(m.Entries))
	for _, ent := range m.Entries {
		ents = append(ents, *ent)
	}
	if mlastIndex, ok := r.RaftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, ents...); ok {
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: mlastIndex})
	} else {
		log.Debug(fmt.Sprintf("%d [logterm: %d, index: %d] rejected MsgAppend [logterm: %d, index: %d] from %d",
			r.id, r.RaftLog.zeroTermOnRangeErr(r.RaftLog.Term(m.Index)), m.Index, m.LogTerm, m.Index, m.From))
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: m.Index, Reject: true, RejectHint: r.RaftLog.LastIndex()})
	}
}

func (r *Raft) handleHeartbeat(m pb.Message) {
	r.RaftLog.commitTo(m.Commit)
	r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgHeartbeatResponse})
}

func (r *Raft) handleSnapshot(m pb.Message) {
	sindex, sterm := m.Snapshot.Metadata.Index, m.Snapshot.Metadata.Term
	if r.restore(*m.Snapshot) {
		log.Info(fmt.Sprintf("%d [commit: %d] restored snapshot [index: %d, term: %d]", r.id, r.RaftLog.committed, sindex, sterm))
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.LastIndex()})
	} else {
		log.Info(fmt.Sprintf("%d [commit: %d] ignored snapshot [index: %d, term: %d]", r.id, r.RaftLog.committed, sindex, sterm))
		r.send(pb.Message{To: m.From, MsgType: pb.MessageType_MsgAppendResponse, Index: r.RaftLog.committed})
	}
}

func (r *Raft) restore(s pb.Snapshot) bool {
	if s.Metadata.Index <= r.RaftLog.committed {
		return false
	}
	if r.RaftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		r.RaftLog.commitTo(s.Metadata.Index)
		return false
	}
	r.RaftLog.restore(s)
	r.Prs = make(map[uint64]*Progress)
	r.PrsOutgoing = nil
	r.restoreNode(s.Metadata.ConfState.Voters)
	return true
}

func (r *Raft) restoreNode(nodes []uint64) {
	for _, n := range nodes {
		match, next := uint64(0), r.RaftLog.LastIndex()+1
		if n == r.id {
			match = next - 1
		}
		r.Prs[n] = &Progress{Next: next, Match: match, Inflights: NewInflights(r.maxInflight)}
	}
}

// promotable reports whether this replica may become a candidate,
// which is true iff it is a voter of the current (incoming) set.
func (r *Raft) promotable() bool {
	_, ok := r.Prs[r.id]
	return ok && r.reconfigState != ReconfigStateRemoved
}

func (r *Raft) loadState(state pb.HardState) {
	if state.Commit < r.RaftLog.committed || state.Commit > r.RaftLog.LastIndex() {
		log.Fatal(fmt.Sprintf("%d state.commit %d is out of range [%d, %d]", r.id, state.Commit, r.RaftLog.committed, r.RaftLog.LastIndex()))
	}
	r.RaftLog.committed = state.Commit
	r.Term = state.Term
	r.Vote = state.Vote
}

func (r *Raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

// resetRandomizedElectionTimeout draws a fresh randomized timeout in
// [base, 2*base). base is shortened to electionTimeout/initialElectionFactor
// while a reconfiguration is mid joint-consensus (ReconfigStatePending),
// so a voter that joined through it races for election promptly instead
// of waiting out a full timeout (spec.md §4.2).
func (r *Raft) resetRandomizedElectionTimeout() {
	base := r.electionTimeout
	if r.reconfigState == ReconfigStatePending {
		base = r.electionTimeout / r.initialElectionFactor
		if base < 1 {
			base = 1
		}
	}
	r.randomizedElectionTimeout = base + r.rnd.Intn(base)
}

// resetAcceleratedElectionTimeout draws the same shortened timeout as
// resetRandomizedElectionTimeout's joint-consensus case, but
// unconditionally: called once, from finalizeMembershipChange, at the
// exact moment a reconfiguration resolves (spec.md §4.2's "delayed
// election after leader removal"). It cannot key off reconfigState the
// way resetRandomizedElectionTimeout does, because ReconfigStateFinished
// persists long after this one moment has passed -- keying off it would
// shorten every election timeout drawn for the rest of the run, not
// just the one right after removal.
func (r *Raft) resetAcceleratedElectionTimeout() {
	base := r.electionTimeout / r.initialElectionFactor
	if base < 1 {
		base = 1
	}
	r.randomizedElectionTimeout = base + r.rnd.Intn(base)
}

func (r *Raft) sendTimeoutNow(to uint64) {
	r.send(pb.Message{To: to, MsgType: pb.MessageType_MsgTimeoutNow})
}

func (r *Raft) abortLeaderTransfer() { r.leadTransferee = None }

func numOfPendingConf(ents []pb.Entry) int {
	n := 0
	for i := range ents {
		if ents[i].EntryType == pb.EntryType_EntryConfChangeBegin {
			n++
		}
	}
	return n
}

// EncodeVoters serializes a voter id list for a ConfChangeBegin
// entry's payload: [u32 count][u64 id...].
func EncodeVoters(voters []uint64) []byte {
	buf := make([]byte, 4+8*len(voters))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(voters)))
	for i, v := range voters {
		binary.BigEndian.PutUint64(buf[4+8*i:12+8*i], v)
	}
	return buf
}

// DecodeVoters is the inverse of EncodeVoters.
func DecodeVoters(data []byte) []uint64 {
	if len(data) < 4 {
		return nil
	}
	n := binary.BigEndian.Uint32(data[0:4])
	voters := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		off := 4 + 8*int(i)
		voters = append(voters, binary.BigEndian.Uint64(data[off:off+8]))
	}
	return voters
}

// Propose appends a normal entry carrying data to the log (spec.md
// §4.2). It is a no-op (returns ErrProposalDropped) when this replica
// is not the leader.
func (r *Raft) Propose(data []byte) error {
	return r.Step(pb.Message{
		From:    r.id,
		MsgType: pb.MessageType_MsgPropose,
		Entries: []*pb.Entry{{EntryType: pb.EntryType_EntryNormal, Data: data}},
	})
}

// ProposeMembershipChange appends a ConfChangeBegin entry requesting
// that the voter set transition to targetVoters via joint consensus
// (spec.md §4.2 BeginMembershipChange). It is a no-op (returns
// ErrProposalDropped) when this replica is not the leader.
func (r *Raft) ProposeMembershipChange(targetVoters []uint64) error {
	return r.Step(pb.Message{
		From:    r.id,
		MsgType: pb.MessageType_MsgPropose,
		Entries: []*pb.Entry{{EntryType: pb.EntryType_EntryConfChangeBegin, Data: EncodeVoters(targetVoters)}},
	})
}

// ApplyConfChangeEntry must be called by the Replica Shell when a
// committed EntryConfChangeBegin/EntryConfChangeFinalize entry is
// applied, so the Raft Core's voter-set bookkeeping tracks the
// committed decision rather than the leader's proposal alone.
func (r *Raft) ApplyConfChangeEntry(e pb.Entry) {
	switch e.EntryType {
	case pb.EntryType_EntryConfChangeBegin:
		r.beginMembershipChange(DecodeVoters(e.Data))
	case pb.EntryType_EntryConfChangeFinalize:
		r.finalizeMembershipChange()
	}
}
