package manager

import (
	"context"

	"neuroflow/internal/sandbox/process"
)

// Handle names one sandbox. It is a plain value; every call revalidates the
// sandbox against the registry, so a handle to a stopped sandbox fails with
// SandboxNotFound instead of reaching a dead process.
type Handle struct {
	id      string
	agentID string
	m       *Manager
}

func (h Handle) ID() string      { return h.id }
func (h Handle) AgentID() string { return h.agentID }

// Execute runs skill in this sandbox.
func (h Handle) Execute(ctx context.Context, skill string, payload []byte) ([]byte, error) {
	if h.m == nil {
		return nil, notFound(h.id)
	}
	return h.m.Execute(ctx, h, skill, payload)
}

// Stop shuts this sandbox down. It is idempotent.
func (h Handle) Stop(ctx context.Context) error {
	if h.m == nil {
		return nil
	}
	return h.m.Stop(ctx, h)
}

// State reports stopped once the sandbox left the registry.
func (h Handle) State() process.State {
	info, err := h.Info()
	if err != nil {
		return process.StateStopped
	}
	return info.State
}

func (h Handle) Info() (process.Info, error) {
	if h.m == nil {
		return process.Info{}, notFound(h.id)
	}
	info, err := h.m.Sandbox(h.id)
	if err != nil {
		return process.Info{}, err
	}
	if h.agentID != "" && info.AgentID != h.agentID {
		return process.Info{}, notFound(h.id)
	}
	return info, nil
}

// Valid reports whether the sandbox can still serve requests.
func (h Handle) Valid() bool {
	return h.State().Usable()
}
