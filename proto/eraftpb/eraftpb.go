// Package eraftpb defines the wire types exchanged between Raft Core
// replicas. It is hand-maintained in the style of a gogo-protobuf
// generated file: struct tags drive reflection-based marshal/unmarshal
// through github.com/gogo/protobuf/proto, so no protoc invocation or
// generated Marshal/Unmarshal methods are required. Raft messages are
// opaque byte blobs at the simulator boundary and typed structs
// everywhere else.
package eraftpb

import "fmt"

// MessageType enumerates every message the Raft Core can step or send.
type MessageType int32

const (
	MessageType_MsgHup                 MessageType = 0
	MessageType_MsgBeat                MessageType = 1
	MessageType_MsgPropose             MessageType = 2
	MessageType_MsgAppend              MessageType = 3
	MessageType_MsgAppendResponse      MessageType = 4
	MessageType_MsgRequestVote         MessageType = 5
	MessageType_MsgRequestVoteResponse MessageType = 6
	MessageType_MsgSnapshot            MessageType = 7
	MessageType_MsgHeartbeat           MessageType = 8
	MessageType_MsgHeartbeatResponse   MessageType = 9
	MessageType_MsgTransferLeader      MessageType = 10
	MessageType_MsgTimeoutNow          MessageType = 11
	MessageType_MsgRequestPreVote      MessageType = 12
	MessageType_MsgRequestPreVoteResponse MessageType = 13
	// MessageType_MsgCheckQuorum is a local-only message (never
	// marshaled to the wire) that tick() feeds back into Step to drive
	// the leader's check-quorum self-demotion check.
	MessageType_MsgCheckQuorum MessageType = 14
)

var messageTypeName = map[MessageType]string{
	MessageType_MsgHup:                    "MsgHup",
	MessageType_MsgBeat:                   "MsgBeat",
	MessageType_MsgPropose:                "MsgPropose",
	MessageType_MsgAppend:                 "MsgAppend",
	MessageType_MsgAppendResponse:         "MsgAppendResponse",
	MessageType_MsgRequestVote:            "MsgRequestVote",
	MessageType_MsgRequestVoteResponse:    "MsgRequestVoteResponse",
	MessageType_MsgSnapshot:               "MsgSnapshot",
	MessageType_MsgHeartbeat:              "MsgHeartbeat",
	MessageType_MsgHeartbeatResponse:      "MsgHeartbeatResponse",
	MessageType_MsgTransferLeader:         "MsgTransferLeader",
	MessageType_MsgTimeoutNow:             "MsgTimeoutNow",
	MessageType_MsgRequestPreVote:         "MsgRequestPreVote",
	MessageType_MsgRequestPreVoteResponse: "MsgRequestPreVoteResponse",
	MessageType_MsgCheckQuorum:            "MsgCheckQuorum",
}

func (t MessageType) String() string {
	if s, ok := messageTypeName[t]; ok {
		return s
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// EntryType distinguishes ordinary log entries from the two-phase
// joint-consensus reconfiguration markers (spec.md §4.2).
type EntryType int32

const (
	EntryType_EntryNormal           EntryType = 0
	EntryType_EntryConfChangeBegin  EntryType = 1
	EntryType_EntryConfChangeFinalize EntryType = 2
)

func (t EntryType) String() string {
	switch t {
	case EntryType_EntryNormal:
		return "EntryNormal"
	case EntryType_EntryConfChangeBegin:
		return "EntryConfChangeBegin"
	case EntryType_EntryConfChangeFinalize:
		return "EntryConfChangeFinalize"
	default:
		return fmt.Sprintf("EntryType(%d)", int32(t))
	}
}

// Entry is one slot of the replicated log.
type Entry struct {
	EntryType EntryType `protobuf:"varint,1,opt,name=entry_type,json=entryType,proto3,enum=eraftpb.EntryType"`
	Term      uint64    `protobuf:"varint,2,opt,name=term,proto3"`
	Index     uint64    `protobuf:"varint,3,opt,name=index,proto3"`
	Data      []byte    `protobuf:"bytes,4,opt,name=data,proto3"`
}

func (m *Entry) Reset()         { *m = Entry{} }
func (m *Entry) String() string { return fmt.Sprintf("%+v", *m) }
func (*Entry) ProtoMessage()    {}

// SnapshotMetadata carries the ConfState and (index, term) pair a
// snapshot was taken at.
type SnapshotMetadata struct {
	ConfState *ConfState `protobuf:"bytes,1,opt,name=conf_state,json=confState"`
	Index     uint64     `protobuf:"varint,2,opt,name=index,proto3"`
	Term      uint64     `protobuf:"varint,3,opt,name=term,proto3"`
}

func (m *SnapshotMetadata) Reset()         { *m = SnapshotMetadata{} }
func (m *SnapshotMetadata) String() string { return fmt.Sprintf("%+v", *m) }
func (*SnapshotMetadata) ProtoMessage()    {}

// Snapshot is unreachable in the tested regime (spec.md Non-goals) but
// the Storage interface must still be able to produce/consume one
// without panicking.
type Snapshot struct {
	Data     []byte            `protobuf:"bytes,1,opt,name=data,proto3"`
	Metadata *SnapshotMetadata `protobuf:"bytes,2,opt,name=metadata"`
}

func (m *Snapshot) Reset()         { *m = Snapshot{} }
func (m *Snapshot) String() string { return fmt.Sprintf("%+v", *m) }
func (*Snapshot) ProtoMessage()    {}

// HardState is the piece of replica state that must be persisted
// atomically whenever term or vote changes (spec.md §3).
type HardState struct {
	Term   uint64 `protobuf:"varint,1,opt,name=term,proto3"`
	Vote   uint64 `protobuf:"varint,2,opt,name=vote,proto3"`
	Commit uint64 `protobuf:"varint,3,opt,name=commit,proto3"`
}

func (m *HardState) Reset()         { *m = HardState{} }
func (m *HardState) String() string { return fmt.Sprintf("%+v", *m) }
func (*HardState) ProtoMessage()    {}

// IsEmptyHardState reports whether hs is the zero value.
func IsEmptyHardState(hs HardState) bool {
	return hs.Term == 0 && hs.Vote == 0 && hs.Commit == 0
}

// IsEmptySnap reports whether s carries no metadata (i.e. is absent).
func IsEmptySnap(s *Snapshot) bool {
	return s == nil || s.Metadata == nil || s.Metadata.Index == 0
}

// ConfState describes the voter/learner membership. During joint
// consensus VotersOutgoing holds the old voter set while Voters holds
// the incoming set; VotersOutgoing is empty outside joint consensus.
type ConfState struct {
	Voters         []uint64 `protobuf:"varint,1,rep,name=voters"`
	Learners       []uint64 `protobuf:"varint,2,rep,name=learners"`
	VotersOutgoing []uint64 `protobuf:"varint,3,rep,name=voters_outgoing,json=votersOutgoing"`
}

func (m *ConfState) Reset()         { *m = ConfState{} }
func (m *ConfState) String() string { return fmt.Sprintf("%+v", *m) }
func (*ConfState) ProtoMessage()    {}

// Joint reports whether the configuration is mid joint-consensus.
func (m *ConfState) Joint() bool {
	return m != nil && len(m.VotersOutgoing) > 0
}

// Message is the Raft Core's wire envelope. It is opaque at the
// simulator transport boundary (marshaled with gogo/protobuf) and a
// typed struct everywhere inside the Raft Core and Replica Shell.
type Message struct {
	MsgType    MessageType `protobuf:"varint,1,opt,name=msg_type,json=msgType,proto3,enum=eraftpb.MessageType"`
	To         uint64      `protobuf:"varint,2,opt,name=to,proto3"`
	From       uint64      `protobuf:"varint,3,opt,name=from,proto3"`
	Term       uint64      `protobuf:"varint,4,opt,name=term,proto3"`
	LogTerm    uint64      `protobuf:"varint,5,opt,name=log_term,json=logTerm,proto3"`
	Index      uint64      `protobuf:"varint,6,opt,name=index,proto3"`
	Entries    []*Entry    `protobuf:"bytes,7,rep,name=entries"`
	Commit     uint64      `protobuf:"varint,8,opt,name=commit,proto3"`
	Snapshot   *Snapshot   `protobuf:"bytes,9,opt,name=snapshot"`
	Reject     bool        `protobuf:"varint,10,opt,name=reject,proto3"`
	RejectHint uint64      `protobuf:"varint,11,opt,name=reject_hint,json=rejectHint,proto3"`
}

func (m *Message) Reset()         { *m = Message{} }
func (m *Message) String() string { return fmt.Sprintf("%+v", *m) }
func (*Message) ProtoMessage()    {}
