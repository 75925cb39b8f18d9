package model

// Task state constants. finished, failed and unknown are terminal for
// downstream dependency resolution.
const (
	StateNotStarted = "not-started"
	StateWaiting    = "waiting"
	StateRunning    = "running"
	StateStageIn    = "stage-in"
	StateStageOut   = "stage-out"
	StateFinished   = "finished"
	StateFailed     = "failed"
	StateUnknown    = "unknown"
)

// Task kind constants.
const (
	KindTask    = "task"
	KindStepJob = "stepjob"
	KindBulkJob = "bulkjob"
)

// LocalHost is the resolved remote host id of tasks that run on this machine.
const LocalHost = "localhost"

// validTransitions maps each state to the set of states it may move to.
// Every state may additionally be forced back to not-started by cancellation,
// see ForceState.
var validTransitions = map[string]map[string]bool{
	StateNotStarted: {
		StateStageIn: true,
		StateWaiting: true,
		StateFailed:  true,
	},
	StateStageIn: {
		StateWaiting: true,
		StateFailed:  true,
	},
	StateWaiting: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateWaiting:  true,
		StateFinished: true,
		StateFailed:   true,
		StateUnknown:  true,
	},
	StateFinished: {
		StateStageOut: true,
		StateWaiting:  true,
	},
	StateStageOut: {
		StateFinished: true,
		StateFailed:   true,
	},
	StateFailed: {
		StateWaiting: true,
	},
	StateUnknown: {
		StateWaiting: true,
	},
}

// ValidTransition reports whether moving from one state to another is allowed.
// Staying in the same state is always allowed.
func ValidTransition(from, to string) bool {
	if from == to {
		return true
	}
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether state is one of finished, failed or unknown.
func IsTerminal(state string) bool {
	return state == StateFinished || state == StateFailed || state == StateUnknown
}
