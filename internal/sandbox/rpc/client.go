package rpc

import (
	"context"

	"neuroflow/internal/sandbox"
	"neuroflow/internal/sandbox/spec"

	"google.golang.org/grpc"
)

// Client calls a remote sandbox service.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	return c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, grpc.CallContentSubtype(codecName))
}

// RegisterSandbox registers agentID and returns the sandbox id.
func (c *Client) RegisterSandbox(ctx context.Context, agentID string, cfg spec.SandboxConfig) (string, error) {
	out := new(RegisterResponse)
	if err := c.invoke(ctx, "RegisterSandbox", &RegisterRequest{AgentID: agentID, Config: cfg}, out); err != nil {
		return "", err
	}
	return out.SandboxID, nil
}

// ExecuteAgentSkill runs skill in one of the agent's sandboxes.
func (c *Client) ExecuteAgentSkill(ctx context.Context, agentID, skill string, payload []byte) ([]byte, error) {
	out := new(ExecuteResponse)
	if err := c.invoke(ctx, "Execute", &ExecuteRequest{AgentID: agentID, Skill: skill, Payload: payload}, out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// ExecuteSandbox runs skill in one specific sandbox.
func (c *Client) ExecuteSandbox(ctx context.Context, sandboxID, skill string, payload []byte) ([]byte, error) {
	out := new(ExecuteResponse)
	if err := c.invoke(ctx, "Execute", &ExecuteRequest{SandboxID: sandboxID, Skill: skill, Payload: payload}, out); err != nil {
		return nil, err
	}
	return out.Result, nil
}

// StopSandbox stops one sandbox.
func (c *Client) StopSandbox(ctx context.Context, sandboxID string) error {
	return c.invoke(ctx, "StopSandbox", &StopRequest{SandboxID: sandboxID}, new(StopResponse))
}

// Stats returns the remote manager counters.
func (c *Client) Stats(ctx context.Context) (sandbox.Stats, error) {
	var out sandbox.Stats
	err := c.invoke(ctx, "Stats", &StatsRequest{}, &out)
	return out, err
}
