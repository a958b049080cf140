package protocol

// Phase is the arbitration state of a peer.
type Phase uint32

const (
	// Idle indicates that no run is active.
	Idle Phase = iota
	// Undetermined indicates that the role of this run is not decided yet.
	Undetermined
	// SenderWaiting indicates that this peer sent RTS and waits for CTS.
	SenderWaiting
	// SenderActive indicates that this peer is clear to send data frames.
	SenderActive
	// ResponderWaiting indicates that this peer answered an RTS with CTS.
	ResponderWaiting
)

// String returns string representation of the phase.
func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Undetermined:
		return "undetermined"
	case SenderWaiting:
		return "sender-waiting"
	case SenderActive:
		return "sender-active"
	case ResponderWaiting:
		return "responder-waiting"
	default:
		return "unknown"
	}
}

// Role returns the role derived from the phase.
func (p Phase) Role() Role {
	switch p {
	case SenderWaiting, SenderActive:
		return RoleSender
	case ResponderWaiting:
		return RoleResponder
	default:
		return RoleUndetermined
	}
}

// ClearToSend reports whether data frames may be sent.
func (p Phase) ClearToSend() bool { return p == SenderActive }

// Role is the part a peer plays in a run.
type Role uint8

const (
	RoleUndetermined Role = iota
	RoleSender
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleSender:
		return "sender"
	case RoleResponder:
		return "responder"
	default:
		return "undetermined"
	}
}
