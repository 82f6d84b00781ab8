package sandbox

// Stats summarizes manager activity since start.
type Stats struct {
	TotalExecutions      uint64         `json:"total_executions"`
	SuccessfulExecutions uint64         `json:"successful_executions"`
	FailedExecutions     uint64         `json:"failed_executions"`
	AvgExecutionMs       float64        `json:"avg_execution_ms"`
	ActiveSandboxes      int            `json:"active_sandboxes"`
	Agents               int            `json:"agents"`
	QueuedRequests       int            `json:"queued_requests"`
	SandboxesStarted     uint64         `json:"sandboxes_started"`
	SandboxesStopped     uint64         `json:"sandboxes_stopped"`
	Crashes              uint64         `json:"crashes"`
	Restarts             uint64         `json:"restarts"`
	RejectedAdmissions   uint64         `json:"rejected_admissions"`
	ByState              map[string]int `json:"by_state"`
	EventsDropped        uint64         `json:"events_dropped"`
}

// SuccessRate returns the share of successful executions in [0, 1].
func (s Stats) SuccessRate() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return float64(s.SuccessfulExecutions) / float64(s.TotalExecutions)
}
