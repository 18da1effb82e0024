package p2p

import (
	"encoding/json"
	"time"
)

// Message type tags. Application tags carry opaque payloads; control tags are
// consumed inside the network layer and never reach subscribers.
const (
	// Application payloads, relayed by the gossip manager.
	MsgTypeTx    byte = 0x01
	MsgTypeBlock byte = 0x02
	MsgTypeVote  byte = 0x03

	// Direct application request/response, correlation-id matched.
	MsgTypeRequest  byte = 0x10
	MsgTypeResponse byte = 0x11

	// Control plane.
	MsgTypePing         byte = 0x20
	MsgTypePong         byte = 0x21
	MsgTypePexRequest   byte = 0x22
	MsgTypePexAddresses byte = 0x23
	MsgTypeFindNode     byte = 0x24
	MsgTypeNeighbors    byte = 0x25
)

// defaultGossipTTL is the hop budget stamped on locally originated gossip.
const defaultGossipTTL uint8 = 6

// isGossipType reports whether the tag is flood-propagated.
func isGossipType(t byte) bool {
	switch t {
	case MsgTypeTx, MsgTypeBlock, MsgTypeVote:
		return true
	}
	return false
}

// isControlType reports whether the tag terminates inside the network layer.
func isControlType(t byte) bool {
	return t >= MsgTypePing && t <= MsgTypeNeighbors
}

// PingPayload is exchanged as a lightweight keepalive.
type PingPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PongPayload acknowledges a ping, echoing its nonce.
type PongPayload struct {
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
}

// PexRequestPayload asks a peer for dialable addresses. Max bounds the reply.
type PexRequestPayload struct {
	Max int `json:"max"`
}

// PexEntry is a single advertised peer.
type PexEntry struct {
	NodeID  string `json:"nodeId"`
	Address string `json:"address"`
}

// PexAddressesPayload answers a peer-exchange request.
type PexAddressesPayload struct {
	Entries []PexEntry `json:"entries"`
}

// FindNodePayload asks for the peers closest to Target (hex node ID).
type FindNodePayload struct {
	Target string `json:"target"`
}

// NeighborsPayload carries the closest known entries to a queried target.
type NeighborsPayload struct {
	Entries []PexEntry `json:"entries"`
}

// NewPingMessage builds a keepalive message with the provided nonce.
func NewPingMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PingPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePing, Payload: payload}, nil
}

// NewPongMessage builds the response echoing the supplied nonce.
func NewPongMessage(nonce uint64, ts time.Time) (*Message, error) {
	payload, err := json.Marshal(PongPayload{Nonce: nonce, Timestamp: ts.UnixNano()})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypePong, Payload: payload}, nil
}

// NewGossipMessage wraps an application payload for flood propagation.
func NewGossipMessage(msgType byte, payload []byte) *Message {
	return &Message{Type: msgType, TTL: defaultGossipTTL, Payload: payload}
}
