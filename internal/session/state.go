// Package session implements the per-connection session driver (spec
// §4.5): a state machine shared by the client and server roles, plus the
// outbound send primitives every transmitter and event-bus reply goes
// through.
package session

import "fmt"

// State is a position in the session lifecycle (spec §4.5).
type State uint8

const (
	// StateNew is the state immediately after construction, before the
	// handshake starts.
	StateNew State = iota
	// StateAuthPending is entered when the handshake starts, once the read
	// loop is running: just before AUTH is sent (client) or while waiting
	// for it (server).
	StateAuthPending
	// StateAuthenticated is entered once the peer's identity and
	// namespace are established, before route manifests are exchanged.
	StateAuthenticated
	// StateReady is entered once both peers' route manifests have been
	// reconciled; application frames may now flow.
	StateReady
	// StateTerminating is entered once shutdown has begun but cleanup is
	// still in flight.
	StateTerminating
	// StateClosed is the terminal state; the driver is fully torn down.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateAuthPending:
		return "AUTH_PENDING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReady:
		return "READY"
	case StateTerminating:
		return "TERMINATING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event drives the lifecycle transition table below.
type Event uint8

const (
	// EventHandshakeStarted moves NEW to AUTH_PENDING.
	EventHandshakeStarted Event = iota
	// EventAuthenticated moves AUTH_PENDING to AUTHENTICATED.
	EventAuthenticated
	// EventManifestReconciled moves AUTHENTICATED to READY.
	EventManifestReconciled
	// EventCloseRequested moves any non-terminal state to TERMINATING.
	EventCloseRequested
	// EventCleanupComplete moves TERMINATING to CLOSED.
	EventCleanupComplete
)

func (e Event) String() string {
	switch e {
	case EventHandshakeStarted:
		return "HandshakeStarted"
	case EventAuthenticated:
		return "Authenticated"
	case EventManifestReconciled:
		return "ManifestReconciled"
	case EventCloseRequested:
		return "CloseRequested"
	case EventCleanupComplete:
		return "CleanupComplete"
	default:
		return "Unknown"
	}
}

type stateEvent struct {
	state State
	event Event
}

// fsmTable is the complete session lifecycle transition table (spec
// §4.5). Unlisted pairs are invalid transitions.
var fsmTable = map[stateEvent]State{
	{StateNew, EventHandshakeStarted}: StateAuthPending,
	{StateNew, EventCloseRequested}:   StateTerminating,

	{StateAuthPending, EventAuthenticated}:  StateAuthenticated,
	{StateAuthPending, EventCloseRequested}: StateTerminating,

	{StateAuthenticated, EventManifestReconciled}: StateReady,
	{StateAuthenticated, EventCloseRequested}:      StateTerminating,

	{StateReady, EventCloseRequested}: StateTerminating,

	{StateTerminating, EventCleanupComplete}: StateClosed,
}

// applyEvent returns the resulting state for (current, event), or an
// error if the pair has no entry in fsmTable.
func applyEvent(current State, event Event) (State, error) {
	next, ok := fsmTable[stateEvent{state: current, event: event}]
	if !ok {
		return current, fmt.Errorf("session: invalid transition %s on state %s", event, current)
	}
	return next, nil
}
