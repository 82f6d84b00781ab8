// Package process owns one sandbox worker: its OS process, IPC channel,
// watchdog and lifecycle state machine.
package process

// State is a sandbox lifecycle state.
type State string

const (
	StateCreating  State = "creating"
	StateStarting  State = "starting"
	StateReady     State = "ready"
	StateExecuting State = "executing"
	StateCrashed   State = "crashed"
	StateStopping  State = "stopping"
	StateStopped   State = "stopped"
)

var transitions = map[State][]State{
	StateCreating:  {StateStarting, StateStopped},
	StateStarting:  {StateReady, StateCrashed, StateStopping, StateStopped},
	StateReady:     {StateExecuting, StateCrashed, StateStopping},
	StateExecuting: {StateReady, StateCrashed, StateStopping},
	StateCrashed:   {StateStopped},
	StateStopping:  {StateStopped},
	StateStopped:   nil,
}

// CanTransition reports whether to is reachable from s in one step.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Usable reports whether the sandbox can still serve requests.
func (s State) Usable() bool {
	switch s {
	case StateStarting, StateReady, StateExecuting:
		return true
	default:
		return false
	}
}

// Cause records why a sandbox left service.
type Cause string

const (
	CauseNone          Cause = ""
	CauseStopped       Cause = "stopped"
	CauseStartFailed   Cause = "start_failed"
	CauseCrashed       Cause = "crashed"
	CauseTimeout       Cause = "timeout"
	CauseResourceLimit Cause = "resource_limit"
	CauseCanceled      Cause = "canceled"
	CauseProtocol      Cause = "protocol"
)

// Crash reports whether the cause should trigger the restart policy.
func (c Cause) Crash() bool {
	switch c {
	case CauseCrashed, CauseTimeout, CauseResourceLimit, CauseCanceled, CauseProtocol:
		return true
	default:
		return false
	}
}
