package reader

import "priceindex/models"

// State is a connector's position in its connection lifecycle.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAwaitingReconnect
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingReconnect:
		return "awaiting_reconnect"
	default:
		return "unknown"
	}
}

// OpKind classifies a translated message.
type OpKind int

const (
	// OpNone is a message the connector ignores.
	OpNone OpKind = iota
	// OpReply must be answered on the same socket with Op.Reply.
	OpReply
	// OpControl is a subscription ack, heartbeat or status event.
	OpControl
	// OpSnapshot replaces the whole book with Bids and Asks.
	OpSnapshot
	// OpDelta applies Bids and Asks as incremental updates.
	OpDelta
)

func (k OpKind) String() string {
	switch k {
	case OpReply:
		return "reply"
	case OpControl:
		return "control"
	case OpSnapshot:
		return "snapshot"
	case OpDelta:
		return "delta"
	default:
		return "none"
	}
}

// Op is the outcome of translating one payload.
type Op struct {
	Kind  OpKind
	Reply []byte
	Bids  []models.PriceLevel
	Asks  []models.PriceLevel
	// Note carries an exchange supplied error on a control message.
	Note string
}
