package controller

// State is the lifecycle state of a supervised service.
type State string

const (
	StateStopped        State = "stopped"         // No process
	StateStarting       State = "starting"        // Spawn in progress
	StateHealthChecking State = "health_checking" // Spawned, waiting for the readiness probe
	StateRunning        State = "running"         // Ready and passing liveness checks
	StateDegraded       State = "degraded"        // Running but failing liveness checks
	StateRestarting     State = "restarting"      // Restart permitted, stop/start in progress
	StateFailed         State = "failed"          // Restart policy exhausted; terminal
)

var transitions = map[State][]State{
	StateStopped:        {StateStarting, StateRestarting},
	StateStarting:       {StateHealthChecking, StateStopped},
	StateHealthChecking: {StateRunning, StateStopped},
	StateRunning:        {StateDegraded, StateRestarting, StateStopped},
	StateDegraded:       {StateRunning, StateRestarting, StateFailed, StateStopped},
	StateRestarting:     {StateStarting, StateStopped, StateFailed},
	StateFailed:         {},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsActive is true for states in which a process is expected to exist.
func (s State) IsActive() bool {
	switch s {
	case StateStarting, StateHealthChecking, StateRunning, StateDegraded:
		return true
	}
	return false
}

// AllStates lists states in lifecycle order.
func AllStates() []State {
	return []State{StateStopped, StateStarting, StateHealthChecking, StateRunning, StateDegraded, StateRestarting, StateFailed}
}
