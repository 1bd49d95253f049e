package model

// Remote execution status values reported by the function service.
const (
	StatusQueued   = "queued"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusEnded    = "ended"
)

// IsActive reports whether a remote status means the job is still making
// progress and should keep being polled.
func IsActive(status string) bool {
	switch status {
	case StatusQueued, StatusStarting, StatusRunning:
		return true
	}
	return false
}

// Journal states track an execution from the client's point of view.
const (
	StatePending    = "pending"
	StateRunning    = "running"
	StateCompleted  = "completed"
	StateFailed     = "failed"
	StateStopped    = "stopped"
	StateTerminated = "terminated"
)

// validTransitions maps each journal state to the states it may move to.
var validTransitions = map[string]map[string]bool{
	StatePending: {
		StateRunning:    true,
		StateFailed:     true,
		StateStopped:    true,
		StateTerminated: true,
	},
	StateRunning: {
		StateCompleted:  true,
		StateFailed:     true,
		StateStopped:    true,
		StateTerminated: true,
	},
	StateStopped: {
		StateTerminated: true,
		StateFailed:     true,
	},
}

// ValidTransition reports whether moving between journal states is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsFinal reports whether a journal state is terminal.
func IsFinal(state string) bool {
	switch state {
	case StateCompleted, StateFailed, StateTerminated:
		return true
	}
	return false
}
