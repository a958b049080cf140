package message

import (
	"strings"
	"time"
)

// Kind is the frame type carried in the second field.
type Kind uint8

const (
	// Data is a throughput frame carrying PING or PONG.
	Data Kind = iota
	// RTS is a Request-To-Send control frame.
	RTS
	// CTS is a Clear-To-Send control frame.
	CTS
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case Data:
		return "DATA"
	case RTS:
		return "RTS"
	case CTS:
		return "CTS"
	default:
		return "UNKNOWN"
	}
}

// IsControl reports whether k is RTS or CTS.
func (k Kind) IsControl() bool { return k == RTS || k == CTS }

// ParseKind converts a wire name to a Kind.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "DATA":
		return Data, true
	case "RTS":
		return RTS, true
	case "CTS":
		return CTS, true
	default:
		return 0, false
	}
}

// Direction tells whether a message was authored locally or received.
type Direction uint8

const (
	// Outbound messages are created by this peer.
	Outbound Direction = iota
	// Inbound messages are decoded from received frames.
	Inbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}

	return "outbound"
}

// Payloads of data frames.
const (
	PingPayload = "PING"
	PongPayload = "PONG"
)

// idSeparator splits the authoring peer name from the sequence number in a message id.
const idSeparator = "_M_"

// Message is an immutable benchmark frame.
type Message struct {
	id          string
	createdAtMs int64
	arrivedAtMs int64
	kind        Kind
	payload     string
	sizeBytes   int
	direction   Direction
}

// New creates an outbound message. sizeBytes is the padding target for DATA frames and is
// ignored for control frames.
func New(id string, createdAtMs int64, kind Kind, payload string, sizeBytes int) *Message {
	return &Message{
		id:          id,
		createdAtMs: createdAtMs,
		kind:        kind,
		payload:     payload,
		sizeBytes:   sizeBytes,
		direction:   Outbound,
	}
}

// ID returns the message id, "<peer>_M_<n>".
func (m *Message) ID() string { return m.id }

// CreatedAtMs returns the creation time in Unix milliseconds. For inbound frames in the three
// field layout it equals ArrivedAtMs because the wire carries no timestamp.
func (m *Message) CreatedAtMs() int64 { return m.createdAtMs }

// ArrivedAtMs returns the arrival time of an inbound frame in Unix milliseconds, 0 for outbound ones.
func (m *Message) ArrivedAtMs() int64 { return m.arrivedAtMs }

// Kind returns the frame type.
func (m *Message) Kind() Kind { return m.kind }

// Payload returns the payload field, including any padding for received data frames.
func (m *Message) Payload() string { return m.payload }

// SizeBytes returns the padding target of an outbound frame, or the received wire length of an inbound one.
func (m *Message) SizeBytes() int { return m.sizeBytes }

// Direction returns whether the message is inbound or outbound.
func (m *Message) Direction() Direction { return m.direction }

// IsPing reports whether m is a DATA frame carrying PING (padded or not).
func (m *Message) IsPing() bool {
	return m.kind == Data && strings.HasPrefix(m.payload, PingPayload)
}

// IsPong reports whether m is a DATA frame carrying PONG (padded or not).
func (m *Message) IsPong() bool {
	return m.kind == Data && strings.HasPrefix(m.payload, PongPayload)
}

// Author returns the peer name encoded in the id, or "" when the id does not follow the
// "<peer>_M_<n>" convention.
func (m *Message) Author() string {
	idx := strings.LastIndex(m.id, idSeparator)
	if idx <= 0 {
		return ""
	}

	return m.id[:idx]
}

// AuthoredBy reports whether the id carries the given peer's prefix.
func (m *Message) AuthoredBy(peer string) bool {
	return strings.HasPrefix(m.id, peer+idSeparator)
}

// Latency returns the one-way latency of an inbound legacy frame, or 0 when unknown.
func (m *Message) Latency() time.Duration {
	if m.direction != Inbound || m.arrivedAtMs == m.createdAtMs {
		return 0
	}

	return time.Duration(m.arrivedAtMs-m.createdAtMs) * time.Millisecond
}
