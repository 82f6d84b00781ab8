package process

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"neuroflow/internal/sandbox/engine"
	"neuroflow/internal/sandbox/ipc"
	"neuroflow/internal/sandbox/spec"
	"neuroflow/internal/sandbox/watchdog"
	appErr "neuroflow/pkg/errors"
	"neuroflow/pkg/utils/contextkey"
	"neuroflow/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	DefaultStartupTimeout = 10 * time.Second
	DefaultStopGrace      = 2 * time.Second
	DefaultKillGrace      = 2 * time.Second
	DefaultExitGrace      = 200 * time.Millisecond
)

// Options configures how a sandbox runs its worker.
type Options struct {
	Launcher engine.Launcher
	// Codec names the IPC codec; empty means JSON.
	Codec            string
	StartupTimeout   time.Duration
	StopGrace        time.Duration
	KillGrace        time.Duration
	ExitGrace        time.Duration
	WatchdogInterval time.Duration
	// NewSampler overrides the resource sampler picked for a process.
	NewSampler func(proc engine.Process) watchdog.Sampler
	// OnTransition runs under the sandbox lock and must not block or call back.
	OnTransition func(Transition)
}

func (o Options) withDefaults() Options {
	if o.Codec == "" {
		o.Codec = ipc.CodecJSON
	}
	if o.StartupTimeout <= 0 {
		o.StartupTimeout = DefaultStartupTimeout
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.KillGrace <= 0 {
		o.KillGrace = DefaultKillGrace
	}
	if o.ExitGrace <= 0 {
		o.ExitGrace = DefaultExitGrace
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = watchdog.DefaultInterval
	}
	if o.NewSampler == nil {
		o.NewSampler = defaultSampler
	}
	return o
}

func defaultSampler(proc engine.Process) watchdog.Sampler {
	if path := proc.CgroupPath(); path != "" {
		return watchdog.NewCgroupSampler(path)
	}
	return watchdog.NewProcessSampler(proc.PID())
}

// Transition is one state change.
type Transition struct {
	SandboxID string
	AgentID   string
	From      State
	To        State
	Reason    string
	// PID is the worker process id, zero before launch.
	PID int
	At  time.Time
}

// Info is a point-in-time snapshot of a sandbox.
type Info struct {
	ID           string             `json:"sandbox_id"`
	AgentID      string             `json:"agent_id"`
	Type         spec.SandboxType   `json:"sandbox_type"`
	State        State              `json:"state"`
	Cause        Cause              `json:"cause,omitempty"`
	PID          int                `json:"pid,omitempty"`
	Runtime      string             `json:"runtime,omitempty"`
	Config       spec.SandboxConfig `json:"config"`
	CreatedAt    time.Time          `json:"created_at"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	LastActivity time.Time          `json:"last_activity"`
	Requests     uint64             `json:"requests"`
	UptimeMs     int64              `json:"uptime_ms"`
	CPU          float64            `json:"cpu_cores"`
	MemoryMB     float64            `json:"memory_mb"`
	Error        string             `json:"error,omitempty"`
}

type recvResult struct {
	resp ipc.Response
	err  error
}

// Sandbox is one isolated worker and its lifecycle.
type Sandbox struct {
	id      string
	agentID string
	cfg     spec.SandboxConfig
	opts    Options
	codec   ipc.Codec
	logCtx  context.Context

	slot chan struct{}

	mu         sync.Mutex
	state      State
	cause      Cause
	failure    error
	stopErr    error
	proc       engine.Process
	ch         *ipc.Channel
	dog        *watchdog.Watchdog
	hello      ipc.Hello
	cancelBg   context.CancelFunc
	changed    chan struct{}
	dead       chan struct{}
	deadClosed bool
	stopped    chan struct{}
	createdAt  time.Time
	startedAt  time.Time
	lastActive time.Time

	requests    atomic.Uint64
	releaseOnce sync.Once
}

// New creates a sandbox in the creating state. Call Start to spawn the worker.
func New(id, agentID string, cfg spec.SandboxConfig, opts Options) (*Sandbox, error) {
	opts = opts.withDefaults()
	if opts.Launcher == nil {
		return nil, appErr.Newf(appErr.SandboxStartFailed, "sandbox %s has no launcher", id)
	}
	codec, err := ipc.CodecByName(opts.Codec)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.SandboxStartFailed, "sandbox %s codec: %v", id, err)
	}
	now := time.Now()
	return &Sandbox{
		id:         id,
		agentID:    agentID,
		cfg:        cfg.Clone(),
		opts:       opts,
		codec:      codec,
		logCtx:     contextkey.WithSandbox(contextkey.WithAgent(context.Background(), agentID), id),
		slot:       make(chan struct{}, 1),
		state:      StateCreating,
		changed:    make(chan struct{}),
		dead:       make(chan struct{}),
		stopped:    make(chan struct{}),
		createdAt:  now,
		lastActive: now,
	}, nil
}

func (s *Sandbox) ID() string                 { return s.id }
func (s *Sandbox) AgentID() string            { return s.agentID }
func (s *Sandbox) Config() spec.SandboxConfig { return s.cfg.Clone() }

// Done is closed once the sandbox reached stopped and released its resources.
func (s *Sandbox) Done() <-chan struct{} { return s.stopped }

// Dead is closed once the sandbox stops accepting requests.
func (s *Sandbox) Dead() <-chan struct{} { return s.dead }

func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Sandbox) Cause() Cause {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}

// Err returns the failure that took the sandbox out of service.
func (s *Sandbox) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// LastActivity is when the sandbox last finished a request or started.
func (s *Sandbox) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Info returns a snapshot including the latest watchdog sample.
func (s *Sandbox) Info() Info {
	s.mu.Lock()
	info := Info{
		ID:           s.id,
		AgentID:      s.agentID,
		Type:         s.cfg.Type,
		State:        s.state,
		Cause:        s.cause,
		Runtime:      s.hello.Runtime,
		Config:       s.cfg.Clone(),
		CreatedAt:    s.createdAt,
		StartedAt:    s.startedAt,
		LastActivity: s.lastActive,
		Requests:     s.requests.Load(),
	}
	if s.proc != nil && s.state.Usable() {
		info.PID = s.proc.PID()
	}
	if !s.startedAt.IsZero() && s.state.Usable() {
		info.UptimeMs = time.Since(s.startedAt).Milliseconds()
	}
	if s.failure != nil && s.cause != CauseStopped {
		info.Error = s.failure.Error()
	}
	s.mu.Unlock()
	if u, ok := s.Usage(); ok {
		info.CPU = u.CPU
		info.MemoryMB = u.MemoryMB()
	}
	return info
}

// Usage returns the latest watchdog sample. ok is false before the first
// sample and after the worker is gone.
func (s *Sandbox) Usage() (watchdog.Usage, bool) {
	s.mu.Lock()
	dog := s.dog
	s.mu.Unlock()
	if dog == nil {
		return watchdog.Usage{}, false
	}
	return dog.Last()
}

// Acquire takes the execution slot, waiting until it is free.
func (s *Sandbox) Acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-s.dead:
		return s.unavailable()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the execution slot if it is free.
func (s *Sandbox) TryAcquire() bool {
	select {
	case s.slot <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the execution slot.
func (s *Sandbox) Release() {
	select {
	case <-s.slot:
	default:
	}
}

// WaitReady blocks until the worker has completed its handshake.
func (s *Sandbox) WaitReady(ctx context.Context) error {
	for {
		s.mu.Lock()
		st, changed := s.state, s.changed
		s.mu.Unlock()
		switch st {
		case StateReady, StateExecuting:
			return nil
		case StateCreating, StateStarting:
		default:
			return s.unavailable()
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Start spawns the worker and waits for its hello frame.
func (s *Sandbox) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.setStateLocked(StateStarting, "start") {
		st := s.state
		s.mu.Unlock()
		return appErr.Newf(appErr.SandboxStartFailed, "sandbox %s cannot start from %s", s.id, st)
	}
	s.mu.Unlock()

	startCtx, cancel := context.WithTimeout(ctx, s.opts.StartupTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.dead:
			cancel()
		case <-startCtx.Done():
		}
	}()

	proc, err := s.opts.Launcher.Launch(startCtx, engine.LaunchSpec{
		SandboxID: s.id,
		AgentID:   s.agentID,
		Config:    s.cfg.Clone(),
		Codec:     s.codec.Name(),
	})
	if err != nil {
		return s.abortStart(appErr.Wrapf(err, appErr.SandboxStartFailed, "launch sandbox %s: %v", s.id, err))
	}
	ch := ipc.NewChannel(s.logCtx, proc.Stdout(), proc.Stdin(), s.codec)
	s.mu.Lock()
	s.proc, s.ch = proc, ch
	s.mu.Unlock()

	hello, err := ch.Handshake(startCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = appErr.Newf(appErr.SandboxStartFailed, "sandbox %s did not become ready within %s", s.id, s.opts.StartupTimeout)
		} else {
			err = appErr.Wrapf(err, appErr.SandboxStartFailed, "sandbox %s handshake: %v", s.id, err)
		}
		return s.abortStart(err)
	}

	bgCtx, bgCancel := context.WithCancel(s.logCtx)
	dog := watchdog.New(watchdog.Config{
		Sampler: s.opts.NewSampler(proc),
		Policy: watchdog.Policy{
			MemoryLimitBytes: s.cfg.MemoryLimitBytes(),
			CPULimit:         s.cfg.CPULimit,
		},
		Interval: s.opts.WatchdogInterval,
	})

	s.mu.Lock()
	if s.state != StateStarting {
		s.mu.Unlock()
		bgCancel()
		return s.abortStart(nil)
	}
	now := time.Now()
	s.hello, s.dog, s.cancelBg = hello, dog, bgCancel
	s.startedAt, s.lastActive = now, now
	s.setStateLocked(StateReady, "handshake complete")
	s.mu.Unlock()

	go dog.Run(bgCtx)
	go s.supervise(bgCtx, proc, dog)
	logger.Info(s.logCtx, "sandbox ready",
		zap.Int("pid", proc.PID()),
		zap.String("runtime", hello.Runtime),
		zap.Float64("cpu_limit", s.cfg.CPULimit),
		zap.Uint64("memory_limit_mb", s.cfg.MemoryLimitMB),
	)
	return nil
}

// abortStart tears down a partially started worker. A nil err means Stop won
// the race.
func (s *Sandbox) abortStart(err error) error {
	s.mu.Lock()
	proc := s.proc
	stopping := s.state == StateStopping
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Signal(syscall.SIGKILL)
		s.waitExit(proc, s.opts.KillGrace)
		if e := appErr.GetError(err); e != nil {
			if tail := proc.Stderr(); tail != "" {
				e.WithDetail("stderr", tail)
			}
		}
	}
	if stopping || err == nil {
		err = appErr.Newf(appErr.SandboxStartFailed, "sandbox %s stopped during start", s.id)
	}
	s.mu.Lock()
	s.markDeadLocked(CauseStartFailed, err)
	s.mu.Unlock()
	logger.Warn(s.logCtx, "sandbox start failed", zap.Error(err))
	s.finalize("start failed")
	return err
}

// Execute runs one skill. The caller must hold the execution slot.
func (s *Sandbox) Execute(ctx context.Context, skill string, payload []byte) ([]byte, error) {
	if skill == "" {
		return nil, appErr.ValidationError("skill", "required")
	}
	s.mu.Lock()
	switch s.state {
	case StateReady:
	case StateExecuting:
		s.mu.Unlock()
		return nil, appErr.SandboxError(appErr.SandboxCommunication, s.id, true, "sandbox %s already has a request in flight", s.id)
	default:
		s.mu.Unlock()
		return nil, s.unavailable()
	}
	s.setStateLocked(StateExecuting, skill)
	ch, dead := s.ch, s.dead
	s.mu.Unlock()
	s.requests.Add(1)

	start := time.Now()
	deadline := start.Add(s.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	req := ipc.NewRequest(ch.NextID(), skill, payload, deadline)
	if err := ch.Send(req); err != nil {
		var encErr *ipc.EncodeError
		if errors.As(err, &encErr) {
			s.finishRequest()
			return nil, appErr.Wrapf(err, appErr.SandboxSerialization, "encode request for skill %s: %v", skill, err).
				WithSandbox(s.id).
				WithSurvived(true)
		}
		return nil, s.crash(CauseProtocol, appErr.SandboxError(appErr.SandboxCommunication, s.id, false,
			"send to sandbox %s: %v", s.id, err))
	}

	recvCtx, cancelRecv := context.WithCancel(context.Background())
	defer cancelRecv()
	results := make(chan recvResult, 1)
	go func() {
		resp, err := ch.Recv(recvCtx)
		results <- recvResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case r := <-results:
		return s.handleResult(r, skill, dead)
	case <-timer.C:
		return nil, s.crash(CauseTimeout, s.timeoutError(skill, start))
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, s.crash(CauseTimeout, s.timeoutError(skill, start))
		}
		return nil, s.crash(CauseCanceled, appErr.SandboxError(appErr.SandboxExecutionFailed, s.id, false,
			"skill %s canceled in sandbox %s: %v", skill, s.id, ctx.Err()))
	case <-dead:
		return nil, s.interrupted(skill)
	}
}

// interrupted reports why an in-flight request lost its worker.
func (s *Sandbox) interrupted(skill string) error {
	err := s.deathError()
	if s.Cause() == CauseStopped {
		return appErr.SandboxError(appErr.SandboxExecutionFailed, s.id, false,
			"sandbox %s was stopped while running skill %s", s.id, skill)
	}
	return err
}

func (s *Sandbox) timeoutError(skill string, start time.Time) error {
	return appErr.SandboxError(appErr.SandboxTimeout, s.id, false,
		"skill %s in sandbox %s exceeded %s (ran %s)", skill, s.id, s.cfg.Timeout, time.Since(start).Round(time.Millisecond)).
		WithDetail("timeout_ms", s.cfg.Timeout.Milliseconds())
}

func (s *Sandbox) handleResult(r recvResult, skill string, dead <-chan struct{}) ([]byte, error) {
	if r.err != nil {
		var decErr *ipc.DecodeError
		if errors.As(r.err, &decErr) {
			s.finishRequest()
			return nil, appErr.Wrapf(r.err, appErr.SandboxSerialization, "decode response for skill %s: %v", skill, r.err).
				WithSandbox(s.id).
				WithSurvived(true)
		}
		if errors.Is(r.err, ipc.ErrClosed) {
			// The worker dropped its pipe; if it is dying the supervisor reports why.
			select {
			case <-dead:
				return nil, s.interrupted(skill)
			case <-time.After(s.opts.ExitGrace):
			}
		}
		return nil, s.crash(CauseProtocol, appErr.SandboxError(appErr.SandboxCommunication, s.id, false,
			"sandbox %s channel failed while the worker was alive: %v", s.id, r.err))
	}

	resp := r.resp
	s.finishRequest()
	if resp.OK {
		return resp.Result, nil
	}
	var err *appErr.Error
	switch resp.ErrorKind {
	case ipc.ErrorKindSerialization:
		err = appErr.Newf(appErr.SandboxSerialization, "skill %s: %s", skill, resp.Error)
	case ipc.ErrorKindDeadline:
		err = appErr.Newf(appErr.SandboxTimeout, "skill %s: %s", skill, resp.Error)
	default:
		err = appErr.Newf(appErr.SandboxExecutionFailed, "skill %s: %s", skill, resp.Error)
	}
	return nil, err.
		WithSandbox(s.id).
		WithDetail("error_kind", resp.ErrorKind).
		WithSurvived(true)
}

func (s *Sandbox) finishRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
	s.setStateLocked(StateReady, "request finished")
}

// Stop shuts the worker down gracefully, then forcibly. It is idempotent.
func (s *Sandbox) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped:
		err := s.stopErr
		s.mu.Unlock()
		return err
	case StateCreating:
		s.markDeadLocked(CauseStopped, s.stoppedError())
		s.mu.Unlock()
		s.finalize("stopped before start")
		return nil
	case StateCrashed, StateStopping:
		s.mu.Unlock()
		return s.waitStopped(ctx)
	case StateStarting:
		s.markDeadLocked(CauseStopped, s.stoppedError())
		s.setStateLocked(StateStopping, "stop requested")
		s.mu.Unlock()
		return s.waitStopped(ctx)
	}
	from := s.state
	s.markDeadLocked(CauseStopped, s.stoppedError())
	s.setStateLocked(StateStopping, "stop requested")
	proc, ch, cancel := s.proc, s.ch, s.cancelBg
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	// A worker busy in a skill may not drain its stdin; never block on it.
	go func() { _ = ch.Shutdown() }()
	if from == StateExecuting {
		_ = proc.Signal(syscall.SIGTERM)
	}
	var stopErr error
	if !s.waitExit(proc, s.opts.StopGrace) {
		_ = proc.Signal(syscall.SIGKILL)
		if !s.waitExit(proc, s.opts.KillGrace) {
			stopErr = appErr.Newf(appErr.SandboxStopFailed, "sandbox %s pid %d did not exit after SIGKILL", s.id, proc.PID())
			logger.Error(s.logCtx, "sandbox process could not be reaped", zap.Int("pid", proc.PID()))
		}
	}
	s.mu.Lock()
	s.stopErr = stopErr
	s.mu.Unlock()
	s.finalize("stopped")
	logger.Info(s.logCtx, "sandbox stopped", zap.Uint64("requests", s.requests.Load()))
	return stopErr
}

func (s *Sandbox) stoppedError() error {
	return appErr.Newf(appErr.SandboxNotFound, "sandbox %s was stopped", s.id).WithSandbox(s.id)
}

func (s *Sandbox) waitStopped(ctx context.Context) error {
	select {
	case <-s.stopped:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.stopErr
	case <-ctx.Done():
		return appErr.Wrapf(ctx.Err(), appErr.SandboxStopFailed, "waiting for sandbox %s to stop", s.id)
	}
}

func (s *Sandbox) supervise(ctx context.Context, proc engine.Process, dog *watchdog.Watchdog) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(s.logCtx, "sandbox supervisor panic", zap.Any("panic", r))
		}
	}()
	select {
	case <-ctx.Done():
	case <-proc.Done():
		if proc.OOMKilled() {
			_ = s.crash(CauseResourceLimit, appErr.SandboxError(appErr.SandboxResourceLimit, s.id, false,
				"sandbox %s was killed by the kernel OOM killer", s.id).
				WithDetail("resource", string(watchdog.ResourceMemory)))
			return
		}
		err := appErr.SandboxError(appErr.SandboxExecutionFailed, s.id, false,
			"sandbox %s worker exited with code %d", s.id, proc.ExitCode()).
			WithDetail("exit_code", proc.ExitCode())
		if tail := proc.Stderr(); tail != "" {
			err.WithDetail("stderr", tail)
		}
		_ = s.crash(CauseCrashed, err)
	case b := <-dog.Breaches():
		_ = s.crash(CauseResourceLimit, appErr.SandboxError(appErr.SandboxResourceLimit, s.id, false,
			"sandbox %s %s", s.id, b.String()).
			WithDetail("resource", string(b.Resource)).
			WithDetail("observed", b.Observed).
			WithDetail("limit", b.Limit))
	}
}

// Kill forcibly takes the sandbox out of service with an ExecutionFailed
// error carrying reason. It returns the failure that won.
func (s *Sandbox) Kill(reason string) error {
	return s.crash(CauseCrashed, appErr.SandboxError(appErr.SandboxExecutionFailed, s.id, false,
		"sandbox %s killed: %s", s.id, reason))
}

// crash takes the sandbox out of service, kills the worker and releases its
// resources. It returns the failure that won, which may be an earlier one.
func (s *Sandbox) crash(cause Cause, err error) error {
	s.mu.Lock()
	if s.deadClosed {
		s.mu.Unlock()
		return s.deathError()
	}
	s.markDeadLocked(cause, err)
	s.setStateLocked(StateCrashed, string(cause))
	proc, cancel := s.proc, s.cancelBg
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	logger.Warn(s.logCtx, "sandbox crashed", zap.String("cause", string(cause)), zap.Error(err))
	if proc != nil {
		_ = proc.Signal(syscall.SIGKILL)
		if !s.waitExit(proc, s.opts.KillGrace) {
			logger.Error(s.logCtx, "sandbox process could not be reaped after crash", zap.Int("pid", proc.PID()))
		}
	}
	s.finalize("crash cleanup")
	return err
}

// deathError waits for cleanup and returns the recorded failure.
func (s *Sandbox) deathError() error {
	<-s.stopped
	return s.unavailable()
}

func (s *Sandbox) unavailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	return appErr.Newf(appErr.SandboxNotFound, "sandbox %s is %s", s.id, s.state).WithSandbox(s.id)
}

func (s *Sandbox) markDeadLocked(cause Cause, err error) {
	if s.deadClosed {
		return
	}
	s.deadClosed = true
	s.cause = cause
	s.failure = err
	close(s.dead)
}

// finalize releases the channel, process resources and marks the sandbox
// stopped. Only the first call has any effect.
func (s *Sandbox) finalize(reason string) {
	s.releaseOnce.Do(func() {
		s.mu.Lock()
		proc, ch, cancel := s.proc, s.ch, s.cancelBg
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if ch != nil {
			_ = ch.Close()
		}
		if proc != nil {
			if err := proc.Release(); err != nil {
				logger.Warn(s.logCtx, "release sandbox resources failed", zap.Error(err))
			}
		}
		s.mu.Lock()
		s.setStateLocked(StateStopped, reason)
		close(s.stopped)
		s.mu.Unlock()
	})
}

func (s *Sandbox) waitExit(proc engine.Process, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (s *Sandbox) setStateLocked(to State, reason string) bool {
	from := s.state
	if !from.CanTransition(to) {
		return false
	}
	s.state = to
	close(s.changed)
	s.changed = make(chan struct{})
	logger.Debug(s.logCtx, "sandbox state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", reason),
	)
	if s.opts.OnTransition != nil {
		t := Transition{
			SandboxID: s.id,
			AgentID:   s.agentID,
			From:      from,
			To:        to,
			Reason:    reason,
			At:        time.Now(),
		}
		if s.proc != nil {
			t.PID = s.proc.PID()
		}
		s.opts.OnTransition(t)
	}
	return true
}
