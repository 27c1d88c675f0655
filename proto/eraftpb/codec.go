package eraftpb

import "github.com/gogo/protobuf/proto"

// MarshalMessage encodes a Message to the opaque byte form that crosses
// the simulator's link boundary (spec.md §6: "Raft envelope: opaque
// protobuf RaftMessage passthrough").
func MarshalMessage(m *Message) ([]byte, error) {
	return proto.Marshal(m)
}

// UnmarshalMessage decodes bytes produced by MarshalMessage back into a
// typed Message for the Raft Core to Step.
func UnmarshalMessage(data []byte) (*Message, error) {
	m := &Message{}
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}
