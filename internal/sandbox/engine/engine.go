// Package engine launches sandbox worker processes with OS-level isolation.
package engine

import (
	"context"
	"io"
	"os"

	"neuroflow/internal/sandbox/spec"
)

// Process is a running worker as seen by the host. Stdin and Stdout carry the
// IPC frames; stderr is captured for diagnostics.
type Process interface {
	PID() int
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Signal delivers sig to the worker's whole process group.
	Signal(sig os.Signal) error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitCode is valid after Done; -1 means killed by a signal.
	ExitCode() int
	// OOMKilled reports a kernel OOM kill inside the worker's cgroup.
	OOMKilled() bool
	// CgroupPath is empty when cgroups are disabled.
	CgroupPath() string
	// Stderr returns the captured tail of the worker's stderr.
	Stderr() string
	// Release frees the cgroup and work directory. Call after Done.
	Release() error
}

// Launcher starts workers.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// LaunchSpec describes one worker to start.
type LaunchSpec struct {
	SandboxID string
	AgentID   string
	Config    spec.SandboxConfig
	// Codec is the IPC codec name passed to the worker.
	Codec string
}
