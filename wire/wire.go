// Package wire implements the byte-exact envelopes of spec.md §6: the
// Partitioning bootstrap handshake, the AtomicBroadcast client
// protocol, and the Stop envelope. All multi-byte integers are
// big-endian. The opaque Raft envelope itself lives in
// proto/eraftpb (gogo/protobuf marshal) — these are the envelopes
// layered around it.
package wire

import (
	"encoding/binary"

	"raftsim/errs"
)

// RaftEnvelope carries an opaque, gogo-protobuf-marshaled
// proto/eraftpb.Message between two replicas. Distinguishing it as its
// own type (rather than a bare []byte) lets an actor's message
// dispatch tell it apart from a same-channel Partitioning/Stop/
// AtomicBroadcast frame, whose leading tag bytes are only unique
// within their own envelope (spec.md §6 defines three independent tag
// spaces that each start at 1).
type RaftEnvelope []byte

// PartitionEnvelope carries an Init/InitAck/Run/Done/TestDone/Stop/
// StopAck frame between the client driver and a replica.
type PartitionEnvelope []byte

// ClientEnvelope carries a Proposal/ProposalResp/FirstLeader/
// PendingReconfig/InitAck frame between the client driver and a
// replica.
type ClientEnvelope []byte

// StopEnvelope carries a peer-stop or client-stop frame (spec.md §6's
// distinct "Stop envelope", separate from the Partitioning envelope's
// own Stop/StopAck tags).
type StopEnvelope []byte

// Partitioning tags (spec.md §6).
const (
	TagInit     byte = 1
	TagInitAck  byte = 2
	TagRun      byte = 3
	TagDone     byte = 4
	TagTestDone byte = 5
	TagStop     byte = 6
	TagStopAck  byte = 13
)

// AtomicBroadcast tags (spec.md §6).
const (
	TagProposal        byte = 1
	TagProposalResp    byte = 2
	TagFirstLeader     byte = 3
	TagPendingReconfig byte = 4
	TagABInitAck       byte = 5
)

// Stop envelope tags (spec.md §6).
const (
	TagPeerStop   byte = 1
	TagClientStop byte = 2
)

// Init is the Partitioning bootstrap message: the client's own pid,
// the init round id, an opaque data blob, and the serialized peer
// address list.
type Init struct {
	Pid        uint32
	InitID     uint32
	Data       []byte
	ActorPaths [][]byte
}

// EncodeInit serializes m as
// [u8 tag=1][u32 pid][u32 init_id][u64 data_len][bytes data][u32 n_nodes][serialized_actor_paths…].
// Each actor path is itself length-prefixed with a u32 so the decoder
// can walk the list.
func EncodeInit(m Init) []byte {
	size := 1 + 4 + 4 + 8 + len(m.Data) + 4
	for _, p := range m.ActorPaths {
		size += 4 + len(p)
	}
	buf := make([]byte, size)
	off := 0
	buf[off] = TagInit
	off++
	binary.BigEndian.PutUint32(buf[off:], m.Pid)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], m.InitID)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(len(m.Data)))
	off += 8
	off += copy(buf[off:], m.Data)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(m.ActorPaths)))
	off += 4
	for _, p := range m.ActorPaths {
		binary.BigEndian.PutUint32(buf[off:], uint32(len(p)))
		off += 4
		off += copy(buf[off:], p)
	}
	return buf
}

// DecodeInit parses the wire shape EncodeInit produces.
func DecodeInit(b []byte) (Init, error) {
	var m Init
	if len(b) < 1 || b[0] != TagInit {
		return m, errs.NewTransportError("DecodeInit: bad tag")
	}
	r := reader{b: b, off: 1}
	m.Pid = r.u32()
	m.InitID = r.u32()
	dataLen := r.u64()
	m.Data = r.bytes(int(dataLen))
	n := r.u32()
	m.ActorPaths = make([][]byte, n)
	for i := range m.ActorPaths {
		l := r.u32()
		m.ActorPaths[i] = r.bytes(int(l))
	}
	return m, r.err
}

// EncodeInitAck serializes [u8 tag=2][u32 init_id].
func EncodeInitAck(initID uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = TagInitAck
	binary.BigEndian.PutUint32(buf[1:], initID)
	return buf
}

// DecodeInitAck parses EncodeInitAck's output.
func DecodeInitAck(b []byte) (uint32, error) {
	if len(b) != 5 || b[0] != TagInitAck {
		return 0, errs.NewTransportError("DecodeInitAck: bad frame")
	}
	return binary.BigEndian.Uint32(b[1:]), nil
}

// EncodeTag produces a bare one-byte frame for Run/Done/TestDone.
func EncodeTag(tag byte) []byte { return []byte{tag} }

// Proposal is a client proposal carrying an optional reconfiguration
// request (spec.md §3 Proposal / §6 AtomicBroadcast Proposal).
type Proposal struct {
	Data      []byte
	Voters    []uint64
	Followers []uint64
}

// EncodeProposal serializes
// [1][u32 data_len][data][u32 voter_len][voter_u64…][u32 follower_len][follower_u64…].
func EncodeProposal(p Proposal) []byte {
	size := 1 + 4 + len(p.Data) + 4 + 8*len(p.Voters) + 4 + 8*len(p.Followers)
	buf := make([]byte, size)
	off := 0
	buf[off] = TagProposal
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Data)))
	off += 4
	off += copy(buf[off:], p.Data)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Voters)))
	off += 4
	for _, v := range p.Voters {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}
	binary.BigEndian.PutUint32(buf[off:], uint32(len(p.Followers)))
	off += 4
	for _, v := range p.Followers {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}
	return buf
}

// DecodeProposal parses EncodeProposal's output.
func DecodeProposal(b []byte) (Proposal, error) {
	var p Proposal
	if len(b) < 1 || b[0] != TagProposal {
		return p, errs.NewTransportError("DecodeProposal: bad tag")
	}
	r := reader{b: b, off: 1}
	dataLen := r.u32()
	p.Data = r.bytes(int(dataLen))
	voterLen := r.u32()
	p.Voters = make([]uint64, voterLen)
	for i := range p.Voters {
		p.Voters[i] = r.u64()
	}
	followerLen := r.u32()
	p.Followers = make([]uint64, followerLen)
	for i := range p.Followers {
		p.Followers[i] = r.u64()
	}
	return p, r.err
}

// ProposalResp is the response to a Proposal (spec.md §3
// ProposalResponse / §6 AtomicBroadcast ProposalResp).
type ProposalResp struct {
	LatestLeader uint64
	Data         []byte
}

// EncodeProposalResp serializes [2][u64 latest_leader][u32 data_len][data].
func EncodeProposalResp(r ProposalResp) []byte {
	buf := make([]byte, 1+8+4+len(r.Data))
	off := 0
	buf[off] = TagProposalResp
	off++
	binary.BigEndian.PutUint64(buf[off:], r.LatestLeader)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(r.Data)))
	off += 4
	copy(buf[off:], r.Data)
	return buf
}

// DecodeProposalResp parses EncodeProposalResp's output.
func DecodeProposalResp(b []byte) (ProposalResp, error) {
	var m ProposalResp
	if len(b) < 1 || b[0] != TagProposalResp {
		return m, errs.NewTransportError("DecodeProposalResp: bad tag")
	}
	r := reader{b: b, off: 1}
	m.LatestLeader = r.u64()
	dataLen := r.u32()
	m.Data = r.bytes(int(dataLen))
	return m, r.err
}

// EncodeFirstLeader serializes [3][u64 pid].
func EncodeFirstLeader(pid uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagFirstLeader
	binary.BigEndian.PutUint64(buf[1:], pid)
	return buf
}

// DecodeFirstLeader parses EncodeFirstLeader's output.
func DecodeFirstLeader(b []byte) (uint64, error) {
	if len(b) != 9 || b[0] != TagFirstLeader {
		return 0, errs.NewTransportError("DecodeFirstLeader: bad frame")
	}
	return binary.BigEndian.Uint64(b[1:]), nil
}

// EncodePendingReconfig serializes [4][u32 data_len][data], where data
// carries the dropped proposal id from which proposals must be retried.
func EncodePendingReconfig(data []byte) []byte {
	buf := make([]byte, 1+4+len(data))
	buf[0] = TagPendingReconfig
	binary.BigEndian.PutUint32(buf[1:], uint32(len(data)))
	copy(buf[5:], data)
	return buf
}

// DecodePendingReconfig parses EncodePendingReconfig's output.
func DecodePendingReconfig(b []byte) ([]byte, error) {
	if len(b) < 1 || b[0] != TagPendingReconfig {
		return nil, errs.NewTransportError("DecodePendingReconfig: bad tag")
	}
	r := reader{b: b, off: 1}
	dataLen := r.u32()
	return r.bytes(int(dataLen)), r.err
}

// EncodeStop serializes the Stop envelope: [1][u64 pid] for a
// peer-stop, or [2] for a client-stop.
func EncodeStop(pid uint64) []byte {
	buf := make([]byte, 9)
	buf[0] = TagPeerStop
	binary.BigEndian.PutUint64(buf[1:], pid)
	return buf
}

// EncodeClientStop serializes the one-byte client-stop frame.
func EncodeClientStop() []byte { return []byte{TagClientStop} }

// reader is a small big-endian cursor shared by the Decode* functions.
type reader struct {
	b   []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil || r.off+n > len(r.b) {
		if r.err == nil {
			r.err = errs.NewTransportError("short frame")
		}
		return false
	}
	return true
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if n < 0 || !r.need(n) {
		return nil
	}
	v := r.b[r.off : r.off+n]
	r.off += n
	return v
}

// ReconfigProposalData builds the payload of a reconfiguration
// ProposalResp: [RECONFIG_ID u64][len u32][new_voter_ids…] (spec.md §3).
func ReconfigProposalData(reconfigID uint64, voters []uint64) []byte {
	buf := make([]byte, 8+4+8*len(voters))
	binary.BigEndian.PutUint64(buf, reconfigID)
	binary.BigEndian.PutUint32(buf[8:], uint32(len(voters)))
	for i, v := range voters {
		binary.BigEndian.PutUint64(buf[12+8*i:], v)
	}
	return buf
}

// DecodeReconfigProposalData is the inverse of ReconfigProposalData.
func DecodeReconfigProposalData(b []byte) (reconfigID uint64, voters []uint64, err error) {
	r := reader{b: b}
	reconfigID = r.u64()
	n := r.u32()
	voters = make([]uint64, n)
	for i := range voters {
		voters[i] = r.u64()
	}
	return reconfigID, voters, r.err
}
