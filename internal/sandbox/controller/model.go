package controller

import (
	"time"

	"neuroflow/internal/sandbox/spec"
)

// RegisterRequest carries sandbox limits. Omitted fields take the server
// defaults; an explicit empty allowed_domains list disables networking.
type RegisterRequest struct {
	SandboxType    string    `json:"sandbox_type"`
	CPULimit       *float64  `json:"cpu_limit"`
	MemoryLimitMB  *uint64   `json:"memory_limit_mb"`
	TimeoutMs      *int64    `json:"timeout_ms"`
	AllowedDomains *[]string `json:"allowed_domains"`
}

func (r RegisterRequest) toConfig(defaults spec.SandboxConfig) spec.SandboxConfig {
	cfg := defaults.Clone()
	if r.SandboxType != "" {
		cfg.Type = spec.SandboxType(r.SandboxType)
	}
	if r.CPULimit != nil {
		cfg.CPULimit = *r.CPULimit
	}
	if r.MemoryLimitMB != nil {
		cfg.MemoryLimitMB = *r.MemoryLimitMB
	}
	if r.TimeoutMs != nil {
		cfg.Timeout = time.Duration(*r.TimeoutMs) * time.Millisecond
	}
	if r.AllowedDomains != nil {
		cfg.AllowedDomains = append([]string{}, (*r.AllowedDomains)...)
	}
	return cfg
}

type RegisterResponse struct {
	SandboxID string `json:"sandbox_id"`
	AgentID   string `json:"agent_id"`
}

// ExecuteRequest is the body of an execute call. Skill is taken from the
// route when present. Payload is base64 in JSON.
type ExecuteRequest struct {
	Skill   string `json:"skill"`
	Payload []byte `json:"payload"`
}

type ExecuteResponse struct {
	Result     []byte `json:"result"`
	DurationMs int64  `json:"duration_ms"`
}
