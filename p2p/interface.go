package p2p

// Message is the unit of traffic between nodes. Application payloads are
// opaque bytes plus a type tag; the network layer never interprets them.
type Message struct {
	Type          byte
	CorrelationID uint64
	TTL           uint8
	Payload       []byte
}

// InboundMessage pairs a delivered message with the identity it arrived from.
type InboundMessage struct {
	PeerID  string
	Message *Message
}

// Broadcaster is implemented by components able to fan a message out to the
// network, typically the Server.
type Broadcaster interface {
	Broadcast(msg *Message) error
}

// MessageHandler receives application messages from the wire. Returning an
// error marks the message invalid and penalizes the sending peer.
type MessageHandler interface {
	HandleMessage(peerID string, msg *Message) error
}

// MessageHandlerFunc adapts a function to the MessageHandler interface.
type MessageHandlerFunc func(peerID string, msg *Message) error

func (f MessageHandlerFunc) HandleMessage(peerID string, msg *Message) error {
	return f(peerID, msg)
}
