package p2p

// Message is the generic structure for any data sent between nodes after the
// handshake completes.
type Message struct {
	Type    byte   `json:"type"`
	Payload []byte `json:"payload,omitempty"`
}

// Constants for our P2P message types. The subscription conversations carry
// no payloads; the message type alone is the wire content.
const (
	MsgTypeSubscribe          byte = 0x01
	MsgTypeSubscribeKeepAlive byte = 0x02
	MsgTypeSubscribe1         byte = 0x03
)

// ConversationVersion identifies one negotiable sub-protocol that can run
// over an established connection. Exactly one conversation runs per
// connection; the handshake picks the highest version both sides support.
type ConversationVersion uint32

const (
	// ConversationSubscribe1 is the legacy subscription exchange: a single
	// Subscribe1 message with no keep-alive traffic.
	ConversationSubscribe1 ConversationVersion = 1

	// ConversationSubscribe is the current subscription exchange: a
	// Subscribe message followed by periodic SubscribeKeepAlive probes.
	ConversationSubscribe ConversationVersion = 2
)

func (v ConversationVersion) String() string {
	switch v {
	case ConversationSubscribe1:
		return "subscribe/1"
	case ConversationSubscribe:
		return "subscribe/2"
	default:
		return "unknown"
	}
}

// NewSubscribeMessage builds the initiation message for the current
// subscription conversation.
func NewSubscribeMessage() *Message {
	return &Message{Type: MsgTypeSubscribe}
}

// NewKeepAliveMessage builds the periodic liveness probe. Client to server
// only; the server never replies.
func NewKeepAliveMessage() *Message {
	return &Message{Type: MsgTypeSubscribeKeepAlive}
}

// NewSubscribe1Message builds the initiation message for the legacy
// subscription conversation.
func NewSubscribe1Message() *Message {
	return &Message{Type: MsgTypeSubscribe1}
}

// MessageTypeName renders a message type for log lines.
func MessageTypeName(t byte) string {
	switch t {
	case MsgTypeSubscribe:
		return "subscribe"
	case MsgTypeSubscribeKeepAlive:
		return "keepalive"
	case MsgTypeSubscribe1:
		return "subscribe1"
	default:
		return "unknown"
	}
}
