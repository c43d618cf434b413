package coordinator

// State is the reconciliation state of one client.
type State int

const (
	Uninitialized State = iota
	Initializing
	Synced
	PendingOffline
	Reconciling
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initializing:
		return "initializing"
	case Synced:
		return "synced"
	case PendingOffline:
		return "pending-offline"
	case Reconciling:
		return "reconciling"
	default:
		return "invalid"
	}
}

// Status is a point-in-time view of a coordinator for display.
type Status struct {
	State    State
	Value    int64
	HasValue bool
	Max      int64
	// Clicks is the click delta not yet acknowledged by the server.
	Clicks  int64
	Pending bool
	Online  bool
	Joined  bool
	// InFlight is true while a push is awaiting its reply.
	InFlight bool
	// OfflineEdits counts local mutations that were made while the server was unreachable.
	OfflineEdits uint64
}
