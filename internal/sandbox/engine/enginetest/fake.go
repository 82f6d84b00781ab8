// Package enginetest provides an in-memory worker for tests that need a
// Launcher without spawning an interpreter.
package enginetest

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"neuroflow/internal/sandbox/engine"
	"neuroflow/internal/sandbox/ipc"
)

// Skills understood by the fake worker. Any other name is echoed back.
const (
	SkillEcho       = "echo"
	SkillFail       = "fail"
	SkillHang       = "hang"
	SkillCrash      = "crash"
	SkillOOM        = "oom"
	SkillClosePipe  = "close_pipe"
	SkillGarbage    = "garbage"
	SkillWrongID    = "wrong_id"
	SkillBadPayload = "bad_payload"
	SkillUnknown    = "no_such_skill"
)

// Launcher starts fake workers and remembers them.
type Launcher struct {
	// Err, when set, fails every launch.
	Err error
	// SkipHello keeps workers from completing the handshake.
	SkipHello bool
	// IgnoreTerm makes workers survive SIGTERM and shutdown frames.
	IgnoreTerm bool
	// Delay is slept before each launch returns.
	Delay time.Duration

	mu       sync.Mutex
	procs    []*Process
	nextPID  int
	launches atomic.Int64
}

// Launch implements engine.Launcher.
func (l *Launcher) Launch(ctx context.Context, spec engine.LaunchSpec) (engine.Process, error) {
	l.launches.Add(1)
	if l.Delay > 0 {
		select {
		case <-time.After(l.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}
	codec, err := ipc.CodecByName(spec.Codec)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.nextPID++
	pid := 10000 + l.nextPID
	l.mu.Unlock()

	p := newProcess(pid, spec, codec, l.IgnoreTerm)
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	go p.serve(!l.SkipHello)
	return p, nil
}

// Launches counts Launch calls, failed ones included.
func (l *Launcher) Launches() int {
	return int(l.launches.Load())
}

// Processes returns every worker launched so far.
func (l *Launcher) Processes() []*Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Process, len(l.procs))
	copy(out, l.procs)
	return out
}

// Last returns the most recent worker, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

// Process is a fake worker speaking the real frame protocol over pipes.
type Process struct {
	pid        int
	spec       engine.LaunchSpec
	codec      ipc.Codec
	ignoreTerm bool

	hostIn  *io.PipeReader // worker reads requests
	hostOut *io.PipeWriter // host writes requests
	workIn  *io.PipeReader // host reads responses
	workOut *io.PipeWriter // worker writes responses

	done     chan struct{}
	exitOnce sync.Once
	exitCode atomic.Int64
	oom      atomic.Bool
	released atomic.Int64
	requests atomic.Int64
	signals  chan os.Signal
}

func newProcess(pid int, spec engine.LaunchSpec, codec ipc.Codec, ignoreTerm bool) *Process {
	hostIn, hostOut := io.Pipe()
	workIn, workOut := io.Pipe()
	return &Process{
		pid:        pid,
		spec:       spec,
		codec:      codec,
		ignoreTerm: ignoreTerm,
		hostIn:     hostIn,
		hostOut:    hostOut,
		workIn:     workIn,
		workOut:    workOut,
		done:       make(chan struct{}),
		signals:    make(chan os.Signal, 16),
	}
}

func (p *Process) PID() int                  { return p.pid }
func (p *Process) Stdin() io.WriteCloser     { return p.hostOut }
func (p *Process) Stdout() io.ReadCloser     { return p.workIn }
func (p *Process) Done() <-chan struct{}     { return p.done }
func (p *Process) ExitCode() int             { return int(p.exitCode.Load()) }
func (p *Process) OOMKilled() bool           { return p.oom.Load() }
func (p *Process) CgroupPath() string        { return "" }
func (p *Process) Stderr() string            { return "" }
func (p *Process) Spec() engine.LaunchSpec   { return p.spec }
func (p *Process) Requests() int             { return int(p.requests.Load()) }
func (p *Process) Signals() <-chan os.Signal { return p.signals }

// Released counts Release calls.
func (p *Process) Released() int { return int(p.released.Load()) }

// Exited reports whether the worker has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) Signal(sig os.Signal) error {
	select {
	case p.signals <- sig:
	default:
	}
	switch sig {
	case syscall.SIGKILL:
		p.Exit(-1)
	case syscall.SIGTERM:
		if !p.ignoreTerm {
			p.Exit(-1)
		}
	}
	return nil
}

func (p *Process) Release() error {
	p.released.Add(1)
	return nil
}

// Exit terminates the worker with code.
func (p *Process) Exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode.Store(int64(code))
		_ = p.workOut.Close()
		_ = p.hostIn.Close()
		close(p.done)
	})
}

func (p *Process) send(frameType byte, v any) {
	data, err := p.codec.Marshal(v)
	if err != nil {
		return
	}
	_ = ipc.WriteFrame(p.workOut, ipc.Frame{Type: frameType, Payload: data})
}

func (p *Process) serve(hello bool) {
	if hello {
		p.send(ipc.FrameHello, ipc.Hello{
			Version:   ipc.ProtocolVersion,
			PID:       p.pid,
			Runtime:   "fake",
			SandboxID: p.spec.SandboxID,
		})
	}
	for {
		frame, err := ipc.ReadFrame(p.hostIn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.Exit(1)
			}
			return
		}
		switch frame.Type {
		case ipc.FrameShutdown:
			if !p.ignoreTerm {
				p.Exit(0)
				return
			}
		case ipc.FrameRequest:
			var req ipc.Request
			if err := p.codec.Unmarshal(frame.Payload, &req); err != nil {
				p.Exit(2)
				return
			}
			p.requests.Add(1)
			if !p.handle(req) {
				return
			}
		}
	}
}

// handle answers one request; false stops the serve loop.
func (p *Process) handle(req ipc.Request) bool {
	switch req.Skill {
	case SkillFail:
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID, Error: "skill raised ValueError", ErrorKind: ipc.ErrorKindSkill})
	case SkillUnknown:
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID, Error: "unknown skill " + req.Skill, ErrorKind: ipc.ErrorKindUnknownSkill})
	case SkillBadPayload:
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID, Error: "payload is not valid", ErrorKind: ipc.ErrorKindSerialization})
	case SkillHang:
		<-p.done
		return false
	case SkillCrash:
		p.Exit(1)
		return false
	case SkillOOM:
		p.oom.Store(true)
		p.Exit(-1)
		return false
	case SkillClosePipe:
		_ = p.workOut.Close()
		return true
	case SkillGarbage:
		_ = ipc.WriteFrame(p.workOut, ipc.Frame{Type: ipc.FrameResponse, Payload: []byte{0xff, 0x00, 0x13}})
	case SkillWrongID:
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID + 100, OK: true, Result: []byte("stale")})
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID, OK: true, Result: req.Payload})
	default:
		p.send(ipc.FrameResponse, ipc.Response{ID: req.ID, OK: true, Result: req.Payload})
	}
	return true
}
