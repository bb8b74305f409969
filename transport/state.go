package transport

// State is the lifecycle of a Channel.
type State int32

const (
	// StateClosed has no connection.
	StateClosed State = iota
	// StateConnecting is establishing the connection and running the liveness probe.
	StateConnecting
	// StateOpen passed the probe and accepts streams and sends.
	StateOpen
	// StateDegraded saw an I/O failure. It accepts no sends and must be shut down.
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateDegraded:
		return "DEGRADED"
	}
	return "UNKNOWN"
}

// StateChange is published on event.ChannelStateChanged.
type StateChange struct {
	Channel uint64 // Channel sequence number, unique per process
	Addr    string
	From    State
	To      State
}
