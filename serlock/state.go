package serlock

// State is the stage an acquisition is in.
type State uint32

// Acquisition states.
const (
	// StateIdle means no entry is queued.
	StateIdle State = iota
	// StateQueued means the entry was appended and no poll ran yet.
	StateQueued
	// StatePolling means the acquirer is waiting for its entry to become head.
	StatePolling
	// StateReclaimingStale means a stale head entry is being removed.
	StateReclaimingStale
	// StateOwned means the entry is head and the device is held.
	StateOwned
	// StateTimedOut means the wait budget ran out.
	StateTimedOut
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateQueued:
		return "queued"
	case StatePolling:
		return "polling"
	case StateReclaimingStale:
		return "reclaiming-stale"
	case StateOwned:
		return "owned"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition follows s within one Acquire.
func (s State) IsTerminal() bool { return s == StateOwned || s == StateTimedOut }

// StateChangeHandler is invoked on every acquisition state transition.
//
// Note: the handler runs in the acquiring goroutine and delays polling while
// it runs.
type StateChangeHandler func(device string, pid int, prev State, next State)
