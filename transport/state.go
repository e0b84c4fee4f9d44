package transport

// State is the lifecycle state of a Manager.
type State int

const (
	// StateIdle means Start has not been called yet.
	StateIdle State = iota
	// StateConnecting means the first dial is in progress.
	StateConnecting
	// StateOpen means the socket is up and both loops are running.
	StateOpen
	// StateReconnecting means the socket dropped and auto-reconnect is retrying.
	StateReconnecting
	// StateClosed is terminal: Close was called.
	StateClosed
	// StateFailed is terminal: a non-recoverable error occurred.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateOpen:
		return "Open"
	case StateReconnecting:
		return "Reconnecting"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Terminal reports whether the state is Closed or Failed.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
