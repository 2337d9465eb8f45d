package supervisor

import (
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/fault"
)

// ConnState is a state of the connection state machine.
type ConnState int

// Connection states.
const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateAuthenticating
	StateAuthenticated
	StateChannelOpening
	StateLive
	StateBackoff
)

// String returns the state name.
func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateChannelOpening:
		return "channel_opening"
	case StateLive:
		return "live"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// transitions lists the legal successors of each state. Any state may move
// to Disconnected.
var transitions = map[ConnState][]ConnState{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateBackoff},
	StateAuthenticating: {StateAuthenticated, StateBackoff},
	StateAuthenticated:  {StateChannelOpening, StateBackoff},
	StateChannelOpening: {StateLive, StateBackoff},
	StateLive:           {StateBackoff},
	StateBackoff:        {StateConnecting},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to ConnState) bool {
	if to == StateDisconnected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status is the coarse connection status shown to operators.
type Status int

// Statuses.
const (
	StatusConnecting Status = iota
	StatusLive
	StatusDegraded
	StatusBadConfig
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusLive:
		return "live"
	case StatusDegraded:
		return "degraded"
	case StatusBadConfig:
		return "bad_config"
	default:
		return "unknown"
	}
}

// StatusReport is published on every state transition.
type StatusReport struct {
	Status Status
	State  ConnState

	// Detail is human-readable text for the operator.
	Detail string

	// Kind is the classification of the failure behind a Degraded or
	// BadConfig status; KindUnknown otherwise.
	Kind fault.Kind

	// Generation is the connect attempt the report belongs to.
	Generation uint64

	// ReconnectScheduled is true while a throttled reconnect is pending.
	ReconnectScheduled bool

	Since time.Time
}
