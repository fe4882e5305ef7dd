package models

// ToolState is the execution state of one node within a workflow instance.
type ToolState string

const (
	StateBlocked       ToolState = "blocked"
	StateReady         ToolState = "ready"
	StateAwaitingUser  ToolState = "awaitingUser"
	StateRunningLocal  ToolState = "runningLocal"
	StateQueuedRemote  ToolState = "queuedRemote"
	StateRunningRemote ToolState = "runningRemote"
	StateDownloading   ToolState = "downloading"
	StateSucceeded     ToolState = "succeeded"
	StateFailed        ToolState = "failed"
	StateCancelled     ToolState = "cancelled"
	StateSkipped       ToolState = "skipped"
)

var allStates = []ToolState{
	StateBlocked, StateReady, StateAwaitingUser, StateRunningLocal, StateQueuedRemote,
	StateRunningRemote, StateDownloading, StateSucceeded, StateFailed, StateCancelled, StateSkipped,
}

var transitions = map[ToolState][]ToolState{
	StateBlocked:       {StateReady, StateAwaitingUser},
	StateReady:         {StateBlocked, StateAwaitingUser, StateRunningLocal, StateQueuedRemote, StateSucceeded},
	StateAwaitingUser:  {StateReady, StateBlocked, StateFailed, StateSkipped},
	StateRunningLocal:  {StateSucceeded, StateFailed},
	StateQueuedRemote:  {StateRunningRemote, StateDownloading, StateFailed},
	StateRunningRemote: {StateQueuedRemote, StateDownloading, StateFailed},
	StateDownloading:   {StateSucceeded, StateFailed},
	StateSucceeded:     {StateReady, StateBlocked, StateAwaitingUser},
	StateFailed:        {StateReady, StateBlocked, StateAwaitingUser},
	StateCancelled:     {StateReady, StateBlocked, StateAwaitingUser},
	StateSkipped:       {StateReady, StateBlocked, StateAwaitingUser},
}

// Valid reports whether s is a known state.
func (s ToolState) Valid() bool {
	_, ok := transitions[s]

	return ok
}

func (s ToolState) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateSkipped:
		return true
	default:
		return false
	}
}

// IsActive reports whether a run is executing or outstanding at a provider.
func (s ToolState) IsActive() bool {
	switch s {
	case StateRunningLocal, StateQueuedRemote, StateRunningRemote, StateDownloading:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from → to is a legal state change.
// Staying in the same state is always legal; any non-terminal state may be cancelled.
func CanTransition(from, to ToolState) bool {
	if from == to {
		return from.Valid()
	}

	if to == StateCancelled {
		return from.Valid() && !from.IsTerminal()
	}

	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// States returns every known state.
func States() []ToolState {
	return append([]ToolState(nil), allStates...)
}
