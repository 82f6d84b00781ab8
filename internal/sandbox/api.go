// Package sandbox defines the public call interface used by the transport
// layer. The registry itself lives in the manager subpackage.
package sandbox

import (
	"context"

	"neuroflow/internal/sandbox/process"
	"neuroflow/internal/sandbox/spec"
	appErr "neuroflow/pkg/errors"
)

// Service is the high-level sandbox entrypoint used by the HTTP layer.
type Service interface {
	RegisterSandbox(ctx context.Context, agentID string, cfg spec.SandboxConfig) (string, error)
	ExecuteAgentSkill(ctx context.Context, agentID, skill string, payload []byte) ([]byte, error)
	ExecuteSandbox(ctx context.Context, sandboxID, skill string, payload []byte) ([]byte, error)
	StopSandbox(ctx context.Context, sandboxID string) error
	Unregister(ctx context.Context, agentID string) error
	Sandbox(sandboxID string) (process.Info, error)
	List() []process.Info
	Stats() Stats
}

// IsProcessFatal reports whether err took the worker process down with it.
// Skill errors and payload faults leave the sandbox usable and return false.
func IsProcessFatal(err error) bool {
	return appErr.ProcessFatal(err)
}
