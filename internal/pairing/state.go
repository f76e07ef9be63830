package pairing

// State is a step of the pairing handshake.
type State int

const (
	StateConnecting State = iota
	StateDiscoverServices
	StateDiscoverCharacteristics
	StateWriteSubevent
	StateWriteResponseSlot
	StatePastTransfer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateDiscoverServices:
		return "discover_services"
	case StateDiscoverCharacteristics:
		return "discover_characteristics"
	case StateWriteSubevent:
		return "write_subevent"
	case StateWriteResponseSlot:
		return "write_response_slot"
	case StatePastTransfer:
		return "past_transfer"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Result classifies how a pairing attempt ended.
type Result int

const (
	// Dropped: the connection closed before the handshake completed.
	Dropped Result = iota
	// Synced: the tag took the schedule and now holds its coordinate.
	Synced
	// Rejected: the gateway abandoned the attempt, e.g. no free coordinate.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Synced:
		return "synced"
	case Rejected:
		return "rejected"
	default:
		return "dropped"
	}
}
