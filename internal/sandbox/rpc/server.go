// Package rpc exposes the sandbox service over gRPC for callers that do not
// speak the HTTP API. Messages travel as JSON under the "json" content
// subtype, so no generated stubs are involved.
package rpc

import (
	"context"

	"neuroflow/internal/sandbox"
	"neuroflow/internal/sandbox/spec"
	pkgerrors "neuroflow/pkg/errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "neuroflow.sandbox.v1.SandboxService"

type RegisterRequest struct {
	AgentID string             `json:"agent_id"`
	Config  spec.SandboxConfig `json:"config"`
}

type RegisterResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// ExecuteRequest targets one sandbox when SandboxID is set, otherwise the
// agent's pool.
type ExecuteRequest struct {
	AgentID   string `json:"agent_id,omitempty"`
	SandboxID string `json:"sandbox_id,omitempty"`
	Skill     string `json:"skill"`
	Payload   []byte `json:"payload,omitempty"`
}

type ExecuteResponse struct {
	Result []byte `json:"result,omitempty"`
}

type StopRequest struct {
	SandboxID string `json:"sandbox_id"`
}

type StopResponse struct{}

type StatsRequest struct{}

// sandboxServiceServer is the handler type checked by grpc.RegisterService.
type sandboxServiceServer interface {
	RegisterSandbox(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Execute(context.Context, *ExecuteRequest) (*ExecuteResponse, error)
	StopSandbox(context.Context, *StopRequest) (*StopResponse, error)
	Stats(context.Context, *StatsRequest) (*sandbox.Stats, error)
}

// SandboxRPCServer implements the gRPC sandbox service.
type SandboxRPCServer struct {
	service sandbox.Service
}

// NewSandboxRPCServer creates a new gRPC server.
func NewSandboxRPCServer(svc sandbox.Service) *SandboxRPCServer {
	return &SandboxRPCServer{service: svc}
}

// RegisterSandboxService registers the gRPC server.
func RegisterSandboxService(grpcServer *grpc.Server, svc sandbox.Service) {
	grpcServer.RegisterService(&serviceDesc, NewSandboxRPCServer(svc))
}

func (s *SandboxRPCServer) RegisterSandbox(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	if req.AgentID == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	id, err := s.service.RegisterSandbox(ctx, req.AgentID, req.Config)
	if err != nil {
		return nil, mapError(err)
	}
	return &RegisterResponse{SandboxID: id}, nil
}

func (s *SandboxRPCServer) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	if req.Skill == "" {
		return nil, status.Error(codes.InvalidArgument, "skill is required")
	}
	var (
		out []byte
		err error
	)
	switch {
	case req.SandboxID != "":
		out, err = s.service.ExecuteSandbox(ctx, req.SandboxID, req.Skill, req.Payload)
	case req.AgentID != "":
		out, err = s.service.ExecuteAgentSkill(ctx, req.AgentID, req.Skill, req.Payload)
	default:
		return nil, status.Error(codes.InvalidArgument, "agent_id or sandbox_id is required")
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &ExecuteResponse{Result: out}, nil
}

func (s *SandboxRPCServer) StopSandbox(ctx context.Context, req *StopRequest) (*StopResponse, error) {
	if req.SandboxID == "" {
		return nil, status.Error(codes.InvalidArgument, "sandbox_id is required")
	}
	if err := s.service.StopSandbox(ctx, req.SandboxID); err != nil {
		return nil, mapError(err)
	}
	return &StopResponse{}, nil
}

func (s *SandboxRPCServer) Stats(ctx context.Context, req *StatsRequest) (*sandbox.Stats, error) {
	stats := s.service.Stats()
	return &stats, nil
}

func mapError(err error) error {
	code := pkgerrors.GetCode(err)
	switch code {
	case pkgerrors.SandboxNotFound, pkgerrors.NotFound:
		return status.Error(codes.NotFound, err.Error())
	case pkgerrors.InvalidParams, pkgerrors.ValidationFailed, pkgerrors.SandboxTypeUnsupported, pkgerrors.SandboxSerialization:
		return status.Error(codes.InvalidArgument, err.Error())
	case pkgerrors.SandboxResourceLimit:
		return status.Error(codes.ResourceExhausted, err.Error())
	case pkgerrors.SandboxTimeout:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case pkgerrors.SandboxManagerClosed, pkgerrors.SandboxStartFailed:
		return status.Error(codes.Unavailable, err.Error())
	case pkgerrors.SandboxExecutionFailed:
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Internal, code.Message())
	}
}

func registerHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegisterRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServiceServer).RegisterSandbox(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/RegisterSandbox"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sandboxServiceServer).RegisterSandbox(ctx, req.(*RegisterRequest))
	})
}

func executeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ExecuteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServiceServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Execute"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sandboxServiceServer).Execute(ctx, req.(*ExecuteRequest))
	})
}

func stopHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StopRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServiceServer).StopSandbox(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/StopSandbox"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sandboxServiceServer).StopSandbox(ctx, req.(*StopRequest))
	})
}

func statsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sandboxServiceServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/Stats"}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(sandboxServiceServer).Stats(ctx, req.(*StatsRequest))
	})
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*sandboxServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegisterSandbox", Handler: registerHandler},
		{MethodName: "Execute", Handler: executeHandler},
		{MethodName: "StopSandbox", Handler: stopHandler},
		{MethodName: "Stats", Handler: statsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "neuroflow/sandbox/v1",
}
