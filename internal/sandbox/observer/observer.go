// Package observer defines the metrics hooks for sandbox lifecycle and
// execution.
package observer

import "time"

// Execution outcomes reported by ObserveExecution.
const (
	OutcomeOK = "ok"
)

// MetricsRecorder records sandbox metrics. Implementations must be safe for
// concurrent use.
type MetricsRecorder interface {
	ObserveSpawn(agentID string, ok bool, d time.Duration)
	// ObserveExecution reports a finished request; outcome is OutcomeOK or an error kind.
	ObserveExecution(agentID, skill, outcome string, d time.Duration)
	ObserveTransition(from, to string)
	ObserveQueueWait(d time.Duration)
	ObserveRestart(agentID, cause string)
	SetSandboxes(state string, n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ObserveSpawn(string, bool, time.Duration)               {}
func (Nop) ObserveExecution(string, string, string, time.Duration) {}
func (Nop) ObserveTransition(string, string)                       {}
func (Nop) ObserveQueueWait(time.Duration)                         {}
func (Nop) ObserveRestart(string, string)                          {}
func (Nop) SetSandboxes(string, int)                               {}

var _ MetricsRecorder = Nop{}
