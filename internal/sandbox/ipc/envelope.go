package ipc

import "time"

// ProtocolVersion is announced by the worker in its hello frame.
const ProtocolVersion = 1

// Error kinds reported by the worker when OK is false.
const (
	ErrorKindSkill         = "skill"
	ErrorKindUnknownSkill  = "unknown_skill"
	ErrorKindSerialization = "serialization"
	ErrorKindDeadline      = "deadline"
)

// Hello is the readiness handshake sent by the worker after boot.
type Hello struct {
	Version   int    `json:"version"`
	PID       int    `json:"pid"`
	Runtime   string `json:"runtime"`
	SandboxID string `json:"sandbox_id"`
}

// Request asks the worker to run one skill.
type Request struct {
	ID         uint64 `json:"id"`
	Skill      string `json:"skill"`
	Payload    []byte `json:"payload"`
	DeadlineMs int64  `json:"deadline_ms"`
}

// NewRequest builds a request with an absolute deadline.
func NewRequest(id uint64, skill string, payload []byte, deadline time.Time) Request {
	return Request{ID: id, Skill: skill, Payload: payload, DeadlineMs: deadline.UnixMilli()}
}

// Deadline returns the absolute deadline carried by the request.
func (r Request) Deadline() time.Time {
	return time.UnixMilli(r.DeadlineMs)
}

// Response mirrors the request id and carries either a result or an error.
type Response struct {
	ID        uint64 `json:"id"`
	OK        bool   `json:"ok"`
	Result    []byte `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
