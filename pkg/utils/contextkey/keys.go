package contextkey

import "context"

// key is a private type to avoid context key collisions across packages.
type key string

const (
	TraceID   key = "trace_id"
	RequestID key = "request_id"
	AgentID   key = "agent_id"
	SandboxID key = "sandbox_id"
)

// WithAgent attaches the agent id to ctx for log correlation.
func WithAgent(ctx context.Context, agentID string) context.Context {
	if agentID == "" {
		return ctx
	}
	return context.WithValue(ctx, AgentID, agentID)
}

// WithSandbox attaches the sandbox id to ctx for log correlation.
func WithSandbox(ctx context.Context, sandboxID string) context.Context {
	if sandboxID == "" {
		return ctx
	}
	return context.WithValue(ctx, SandboxID, sandboxID)
}
