package protocol

// EventKind identifies what happened to a peer.
type EventKind uint8

const (
	// EventRTS is a received RTS frame.
	EventRTS EventKind = iota
	// EventCTS is a received CTS frame.
	EventCTS
	// EventPing is a received PING data frame.
	EventPing
	// EventPong is a received PONG data frame.
	EventPong
	// EventClaim is the run controller claiming the sender role after a quiet negotiation window.
	EventClaim
	// EventHalt is the end of a run.
	EventHalt
	// EventBegin is the start of a run.
	EventBegin
)

func (k EventKind) String() string {
	switch k {
	case EventRTS:
		return "rts"
	case EventCTS:
		return "cts"
	case EventPing:
		return "ping"
	case EventPong:
		return "pong"
	case EventClaim:
		return "claim"
	case EventHalt:
		return "halt"
	case EventBegin:
		return "begin"
	default:
		return "unknown"
	}
}

// Event is the input of Next. From is the name of the peer that authored a received frame.
type Event struct {
	Kind EventKind
	From string
}

// Action is the reply a transition asks for.
type Action uint8

const (
	// NoAction means nothing has to be sent.
	NoAction Action = iota
	// ReplyCTS means a CTS frame has to be queued.
	ReplyCTS
	// ReplyPong means a PONG frame has to be queued, at most once per run.
	ReplyPong
)

func (a Action) String() string {
	switch a {
	case ReplyCTS:
		return "reply-cts"
	case ReplyPong:
		return "reply-pong"
	default:
		return "none"
	}
}

// Next returns the phase that follows p when ev happens to the peer named self, together with
// the reply to send. Events that do not apply leave the phase unchanged with NoAction.
//
// An RTS received while SenderWaiting is resolved by name: the lower name defers. In every
// other phase a received RTS makes the peer responder. An RTS received while Idle is answered
// as well, so a peer whose run starts a little later does not lose the other peer's request.
func Next(p Phase, ev Event, self string) (Phase, Action) {
	switch ev.Kind {
	case EventBegin:
		return Undetermined, NoAction

	case EventHalt:
		return Idle, NoAction

	case EventRTS:
		if p == SenderWaiting && ev.From < self {
			// the other peer defers to us
			return p, NoAction
		}

		return ResponderWaiting, ReplyCTS

	case EventCTS:
		if p == SenderWaiting {
			return SenderActive, NoAction
		}

	case EventPing:
		if p == ResponderWaiting {
			return p, ReplyPong
		}

	case EventClaim:
		if p == Undetermined {
			return SenderWaiting, NoAction
		}

	case EventPong:
	}

	return p, NoAction
}
