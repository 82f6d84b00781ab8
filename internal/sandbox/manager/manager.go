// Package manager keeps the registry of sandboxes, routes skill calls to
// them and owns every path that takes a sandbox out of service.
package manager

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"neuroflow/internal/sandbox"
	"neuroflow/internal/sandbox/events"
	"neuroflow/internal/sandbox/observer"
	"neuroflow/internal/sandbox/process"
	"neuroflow/internal/sandbox/spec"
	appErr "neuroflow/pkg/errors"
	"neuroflow/pkg/utils/contextkey"
	"neuroflow/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Manager owns every sandbox. The registry lock only guards maps and pool
// membership; requests run outside it, serialized per sandbox by its slot.
type Manager struct {
	cfg     Config
	metrics observer.MetricsRecorder
	events  *events.Dispatcher
	group   singleflight.Group
	exec    func(ctx context.Context, sb *process.Sandbox, skill string, payload []byte) ([]byte, error)

	mu        sync.Mutex
	closed    bool
	agents    map[string]*agentPool
	sandboxes map[string]*process.Sandbox
	live      int

	stats counters

	reapStop chan struct{}
	reapDone chan struct{}
	stopOnce sync.Once
}

type counters struct {
	executions atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	execNanos  atomic.Uint64
	started    atomic.Uint64
	stopped    atomic.Uint64
	crashes    atomic.Uint64
	restarts   atomic.Uint64
	rejected   atomic.Uint64
}

// agentPool is the set of sandboxes serving one agent.
type agentPool struct {
	agentID    string
	cfg        spec.SandboxConfig
	registered bool
	members    []*process.Sandbox
	waiting    int
	wake       chan struct{}
	limiter    *rate.Limiter
}

// broadcastLocked wakes every caller waiting on the pool.
func (p *agentPool) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *agentPool) removeLocked(sb *process.Sandbox) bool {
	for i, member := range p.members {
		if member == sb {
			p.members = append(p.members[:i], p.members[i+1:]...)
			return true
		}
	}
	return false
}

var _ sandbox.Service = (*Manager)(nil)

// New creates a manager and starts its idle reaper.
func New(cfg Config) (*Manager, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		metrics:   cfg.Metrics,
		events:    cfg.Events,
		agents:    make(map[string]*agentPool),
		sandboxes: make(map[string]*process.Sandbox),
		reapStop:  make(chan struct{}),
		reapDone:  make(chan struct{}),
	}
	m.exec = func(ctx context.Context, sb *process.Sandbox, skill string, payload []byte) ([]byte, error) {
		return sb.Execute(ctx, skill, payload)
	}
	hook := cfg.Process.OnTransition
	m.cfg.Process.OnTransition = func(t process.Transition) {
		m.onTransition(t)
		if hook != nil {
			hook(t)
		}
	}
	if cfg.ReapInterval > 0 {
		go m.reapLoop()
	} else {
		close(m.reapDone)
	}
	return m, nil
}

// onTransition runs under the sandbox lock; it must not touch the registry.
func (m *Manager) onTransition(t process.Transition) {
	m.metrics.ObserveTransition(string(t.From), string(t.To))
	m.events.Publish(events.Event{
		Kind:      events.KindTransition,
		SandboxID: t.SandboxID,
		AgentID:   t.AgentID,
		From:      string(t.From),
		To:        string(t.To),
		Reason:    t.Reason,
		PID:       t.PID,
		At:        t.At,
	})
}

// Register creates or reuses the sandboxes of an agent and returns a handle
// to one of them. Changing the limits of a registered agent replaces its
// sandboxes.
func (m *Manager) Register(ctx context.Context, agentID string, cfg spec.SandboxConfig) (Handle, error) {
	if agentID == "" {
		return Handle{}, appErr.ValidationError("agent_id", "required")
	}
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}
	cfg = cfg.Clone()
	v, err, _ := m.group.Do(registerKey(agentID, cfg), func() (interface{}, error) {
		return m.register(ctx, agentID, cfg)
	})
	if err != nil {
		return Handle{}, err
	}
	return v.(Handle), nil
}

// RegisterSandbox registers an agent and returns the sandbox id.
func (m *Manager) RegisterSandbox(ctx context.Context, agentID string, cfg spec.SandboxConfig) (string, error) {
	h, err := m.Register(ctx, agentID, cfg)
	if err != nil {
		return "", err
	}
	return h.ID(), nil
}

func registerKey(agentID string, cfg spec.SandboxConfig) string {
	domains := append([]string(nil), cfg.AllowedDomains...)
	sort.Strings(domains)
	return fmt.Sprintf("%s|%s|%g|%d|%s|%s", agentID, cfg.Type, cfg.CPULimit, cfg.MemoryLimitMB, cfg.Timeout, strings.Join(domains, ","))
}

func (m *Manager) register(ctx context.Context, agentID string, cfg spec.SandboxConfig) (Handle, error) {
	logCtx := contextkey.WithAgent(ctx, agentID)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, closedError()
	}
	pool := m.agents[agentID]
	var stale []*process.Sandbox
	if pool == nil {
		pool = m.newPool(agentID, cfg)
		m.agents[agentID] = pool
	} else if !pool.cfg.Equal(cfg) {
		stale = pool.members
		pool.members = nil
		pool.cfg = cfg
		pool.broadcastLocked()
	}
	pool.registered = true
	m.mu.Unlock()

	if len(stale) > 0 {
		logger.Info(logCtx, "sandbox limits changed, replacing sandboxes", zap.Int("count", len(stale)))
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.stopTimeout())
		if err := m.stopAll(stopCtx, stale); err != nil {
			logger.Warn(logCtx, "stop replaced sandboxes failed", zap.Error(err))
		}
		cancel()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Handle{}, closedError()
	}
	if current := m.agents[agentID]; current != pool {
		// Unregistered while the old sandboxes stopped; register again.
		if current == nil {
			m.agents[agentID] = pool
		} else {
			pool = current
			pool.registered = true
		}
	}
	var existing *process.Sandbox
	for _, sb := range pool.members {
		if sb.State().Usable() {
			existing = sb
			break
		}
	}
	target := m.cfg.WarmPool
	if target < 1 {
		target = 1
	}
	var fresh []*process.Sandbox
	var spawnErr error
	for n := len(pool.members); n < target; n++ {
		sb, err := m.spawnLocked(pool)
		if err != nil {
			spawnErr = err
			break
		}
		fresh = append(fresh, sb)
	}
	m.mu.Unlock()

	startErrs := make([]error, len(fresh))
	var g errgroup.Group
	for i, sb := range fresh {
		g.Go(func() error {
			startErrs[i] = m.start(sb)
			m.release(sb)
			return nil
		})
	}
	_ = g.Wait()

	m.events.Publish(events.Event{Kind: events.KindRegistered, AgentID: agentID})
	logger.Info(logCtx, "agent registered",
		zap.Int("spawned", len(fresh)),
		zap.Float64("cpu_limit", cfg.CPULimit),
		zap.Uint64("memory_limit_mb", cfg.MemoryLimitMB),
		zap.Duration("timeout", cfg.Timeout),
	)

	if existing != nil {
		return m.handle(existing), nil
	}
	for i, sb := range fresh {
		if startErrs[i] == nil {
			return m.handle(sb), nil
		}
	}
	if len(fresh) > 0 {
		return Handle{}, startErrs[0]
	}
	if spawnErr != nil {
		return Handle{}, spawnErr
	}
	return Handle{}, appErr.Newf(appErr.SandboxStartFailed, "no sandbox available for agent %s", agentID)
}

func (m *Manager) newPool(agentID string, cfg spec.SandboxConfig) *agentPool {
	return &agentPool{
		agentID: agentID,
		cfg:     cfg.Clone(),
		wake:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(m.cfg.RestartRate), m.cfg.RestartBurst),
	}
}

func (m *Manager) poolLocked(agentID string) *agentPool {
	pool := m.agents[agentID]
	if pool == nil {
		pool = m.newPool(agentID, m.cfg.DefaultSandbox)
		m.agents[agentID] = pool
	}
	return pool
}

func (m *Manager) handle(sb *process.Sandbox) Handle {
	return Handle{id: sb.ID(), agentID: sb.AgentID(), m: m}
}

// ExecuteAgentSkill runs skill in one of the agent's sandboxes, spawning
// one with the default limits when the agent never registered.
func (m *Manager) ExecuteAgentSkill(ctx context.Context, agentID, skill string, payload []byte) ([]byte, error) {
	if agentID == "" {
		return nil, appErr.ValidationError("agent_id", "required")
	}
	if skill == "" {
		return nil, appErr.ValidationError("skill", "required")
	}
	sb, err := m.acquire(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer m.release(sb)
	return m.run(ctx, sb, skill, payload)
}

// acquire returns a ready pool member with its slot held, spawning one when
// the pool has room. Callers that find the pool busy queue on it.
func (m *Manager) acquire(ctx context.Context, agentID string) (*process.Sandbox, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, closedError()
	}
	wait := m.poolLocked(agentID).cfg.Timeout
	m.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	began := time.Now()
	var queuedOn *agentPool
	defer func() {
		if queuedOn != nil {
			m.mu.Lock()
			queuedOn.waiting--
			m.mu.Unlock()
			m.metrics.ObserveQueueWait(time.Since(began))
		}
	}()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, closedError()
		}
		pool := m.poolLocked(agentID)
		for _, sb := range pool.members {
			if sb.State() != process.StateReady || !sb.TryAcquire() {
				continue
			}
			if sb.State() != process.StateReady {
				sb.Release()
				continue
			}
			m.mu.Unlock()
			return sb, nil
		}
		if len(pool.members) < m.cfg.PoolSize {
			sb, err := m.spawnLocked(pool)
			if err == nil {
				m.mu.Unlock()
				if err := m.start(sb); err != nil {
					m.release(sb)
					return nil, err
				}
				return sb, nil
			}
			if !appErr.Is(err, appErr.SandboxResourceLimit) || len(pool.members) == 0 {
				m.mu.Unlock()
				m.stats.rejected.Add(1)
				return nil, err
			}
		}
		if queuedOn == nil {
			if pool.waiting >= m.cfg.QueueSize {
				m.mu.Unlock()
				m.stats.rejected.Add(1)
				return nil, queueFull(agentID, m.cfg.QueueSize)
			}
			pool.waiting++
			queuedOn = pool
		}
		wake := pool.wake
		m.mu.Unlock()

		select {
		case <-wake:
		case <-waitCtx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
				return nil, appErr.Wrapf(err, appErr.SandboxExecutionFailed, "request for agent %s canceled while queued", agentID)
			}
			return nil, appErr.Newf(appErr.SandboxTimeout, "no sandbox for agent %s became available within %s", agentID, time.Since(began).Round(time.Millisecond)).
				WithDetail("reason", "queue_timeout")
		}
	}
}

// release frees the slot of sb and wakes callers queued on its agent.
func (m *Manager) release(sb *process.Sandbox) {
	sb.Release()
	m.mu.Lock()
	if pool := m.agents[sb.AgentID()]; pool != nil {
		pool.broadcastLocked()
	}
	m.mu.Unlock()
}

// spawnLocked creates a pool member whose slot is held by the caller until
// it has started.
func (m *Manager) spawnLocked(pool *agentPool) (*process.Sandbox, error) {
	if m.closed {
		return nil, closedError()
	}
	if m.live >= m.cfg.MaxSandboxes {
		return nil, appErr.Newf(appErr.SandboxResourceLimit, "sandbox capacity of %d exhausted", m.cfg.MaxSandboxes).
			WithDetail("reason", "capacity").
			WithDetail("max_sandboxes", m.cfg.MaxSandboxes)
	}
	sb, err := process.New(m.cfg.NewID(), pool.agentID, pool.cfg, m.cfg.Process)
	if err != nil {
		return nil, err
	}
	sb.TryAcquire()
	pool.members = append(pool.members, sb)
	m.sandboxes[sb.ID()] = sb
	m.live++
	go m.watch(sb)
	return sb, nil
}

func (m *Manager) start(sb *process.Sandbox) error {
	began := time.Now()
	err := sb.Start(context.Background())
	m.metrics.ObserveSpawn(sb.AgentID(), err == nil, time.Since(began))
	if err == nil {
		m.stats.started.Add(1)
	}
	return err
}

// watch pulls a dead sandbox out of its pool at once and retires it once
// its process is gone.
func (m *Manager) watch(sb *process.Sandbox) {
	<-sb.Dead()
	m.mu.Lock()
	if pool := m.agents[sb.AgentID()]; pool != nil && pool.removeLocked(sb) {
		pool.broadcastLocked()
	}
	m.mu.Unlock()
	<-sb.Done()
	m.retire(sb)
}

// retire drops sb from the registry and applies the restart policy. Only the
// first call for a sandbox has any effect.
func (m *Manager) retire(sb *process.Sandbox) {
	cause := sb.Cause()
	logCtx := contextkey.WithSandbox(contextkey.WithAgent(context.Background(), sb.AgentID()), sb.ID())

	m.mu.Lock()
	if m.sandboxes[sb.ID()] != sb {
		m.mu.Unlock()
		return
	}
	delete(m.sandboxes, sb.ID())
	m.live--
	pool := m.agents[sb.AgentID()]
	var replacement *process.Sandbox
	if pool != nil {
		pool.removeLocked(sb)
		pool.broadcastLocked()
		if cause.Crash() && m.cfg.RestartPolicy == RestartRespawn && len(pool.members) < m.cfg.PoolSize {
			if pool.limiter.Allow() {
				if next, err := m.spawnLocked(pool); err == nil {
					replacement = next
				} else {
					logger.Warn(logCtx, "respawn sandbox failed", zap.Error(err))
				}
			} else {
				logger.Warn(logCtx, "respawn throttled", zap.String("cause", string(cause)))
			}
		}
	}
	m.mu.Unlock()

	m.stats.stopped.Add(1)
	if cause.Crash() {
		m.stats.crashes.Add(1)
	}
	if replacement == nil {
		return
	}
	m.stats.restarts.Add(1)
	m.metrics.ObserveRestart(sb.AgentID(), string(cause))
	m.events.Publish(events.Event{
		Kind:      events.KindRestart,
		SandboxID: replacement.ID(),
		AgentID:   sb.AgentID(),
		From:      sb.ID(),
		Reason:    string(cause),
	})
	logger.Info(logCtx, "respawning crashed sandbox", zap.String("replacement", replacement.ID()), zap.String("cause", string(cause)))
	go func() {
		if err := m.start(replacement); err != nil {
			logger.Warn(logCtx, "replacement sandbox failed to start", zap.Error(err))
		}
		m.release(replacement)
	}()
}

// run executes one request and contains panics to the sandbox that raised them.
func (m *Manager) run(ctx context.Context, sb *process.Sandbox, skill string, payload []byte) (out []byte, err error) {
	began := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error(contextkey.WithSandbox(ctx, sb.ID()), "panic while running skill",
				zap.String("skill", skill),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())),
			)
			out = nil
			err = sb.Kill(fmt.Sprintf("panic while running skill %s: %v", skill, r))
		}
		m.observe(sb.AgentID(), skill, err, time.Since(began))
	}()
	return m.exec(ctx, sb, skill, payload)
}

func (m *Manager) observe(agentID, skill string, err error, d time.Duration) {
	m.stats.executions.Add(1)
	m.stats.execNanos.Add(uint64(d))
	if err == nil {
		m.stats.succeeded.Add(1)
	} else {
		m.stats.failed.Add(1)
	}
	m.metrics.ObserveExecution(agentID, skill, outcome(err), d)
}

func outcome(err error) string {
	if err == nil {
		return observer.OutcomeOK
	}
	switch appErr.GetCode(err) {
	case appErr.SandboxTimeout:
		return "timeout"
	case appErr.SandboxResourceLimit:
		return "resource_limit"
	case appErr.SandboxExecutionFailed:
		return "execution_failed"
	case appErr.SandboxSerialization:
		return "serialization"
	case appErr.SandboxCommunication:
		return "communication"
	case appErr.SandboxNotFound:
		return "not_found"
	case appErr.SandboxStartFailed:
		return "start_failed"
	default:
		return "error"
	}
}

// Execute runs skill in the sandbox named by h.
func (m *Manager) Execute(ctx context.Context, h Handle, skill string, payload []byte) ([]byte, error) {
	if skill == "" {
		return nil, appErr.ValidationError("skill", "required")
	}
	sb, err := m.lookup(h.id, h.agentID)
	if err != nil {
		return nil, err
	}
	if err := m.acquireSandbox(ctx, sb); err != nil {
		return nil, err
	}
	defer m.release(sb)
	return m.run(ctx, sb, skill, payload)
}

// acquireSandbox takes the slot of one specific sandbox and waits for it to
// finish starting. Callers that find it busy count against the agent's queue
// the same way pool callers do.
func (m *Manager) acquireSandbox(ctx context.Context, sb *process.Sandbox) error {
	wait := sb.Config().Timeout
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	if !sb.TryAcquire() {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return closedError()
		}
		pool := m.poolLocked(sb.AgentID())
		if pool.waiting >= m.cfg.QueueSize {
			m.mu.Unlock()
			m.stats.rejected.Add(1)
			return queueFull(sb.AgentID(), m.cfg.QueueSize)
		}
		pool.waiting++
		m.mu.Unlock()

		began := time.Now()
		err := sb.Acquire(waitCtx)
		m.mu.Lock()
		pool.waiting--
		m.mu.Unlock()
		m.metrics.ObserveQueueWait(time.Since(began))
		if err != nil {
			return waitError(ctx, sb, fmt.Sprintf("sandbox %s stayed busy for %s", sb.ID(), wait))
		}
	}

	if err := sb.WaitReady(waitCtx); err != nil {
		m.release(sb)
		if waitCtx.Err() == nil {
			return notFound(sb.ID())
		}
		return waitError(ctx, sb, fmt.Sprintf("sandbox %s was not ready within %s", sb.ID(), wait))
	}
	if sb.State() != process.StateReady {
		m.release(sb)
		return notFound(sb.ID())
	}
	return nil
}

func waitError(ctx context.Context, sb *process.Sandbox, timeoutMsg string) error {
	select {
	case <-sb.Dead():
		return notFound(sb.ID())
	default:
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(ctxErr, context.DeadlineExceeded) {
		return appErr.Wrapf(ctxErr, appErr.SandboxExecutionFailed, "request for sandbox %s canceled while queued", sb.ID())
	}
	return appErr.New(appErr.SandboxTimeout).WithMessage(timeoutMsg).WithDetail("reason", "queue_timeout")
}

// ExecuteSandbox runs skill in the sandbox with the given id.
func (m *Manager) ExecuteSandbox(ctx context.Context, sandboxID, skill string, payload []byte) ([]byte, error) {
	return m.Execute(ctx, Handle{id: sandboxID, m: m}, skill, payload)
}

func (m *Manager) lookup(id, agentID string) (*process.Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, closedError()
	}
	sb := m.sandboxes[id]
	if sb == nil || (agentID != "" && sb.AgentID() != agentID) || !sb.State().Usable() {
		return nil, notFound(id)
	}
	return sb, nil
}

// Handle returns a handle to a live sandbox.
func (m *Manager) Handle(sandboxID string) (Handle, error) {
	sb, err := m.lookup(sandboxID, "")
	if err != nil {
		return Handle{}, err
	}
	return m.handle(sb), nil
}

// Stop shuts one sandbox down. Stopping an unknown or stopped sandbox is a
// no-op. The agent stays registered and its next call spawns a new sandbox.
func (m *Manager) Stop(ctx context.Context, h Handle) error {
	m.mu.Lock()
	sb := m.sandboxes[h.id]
	m.mu.Unlock()
	if sb == nil || (h.agentID != "" && sb.AgentID() != h.agentID) {
		return nil
	}
	err := sb.Stop(ctx)
	select {
	case <-sb.Done():
		m.retire(sb)
	default:
	}
	return err
}

// StopSandbox stops the sandbox with the given id.
func (m *Manager) StopSandbox(ctx context.Context, sandboxID string) error {
	return m.Stop(ctx, Handle{id: sandboxID, m: m})
}

// Unregister stops every sandbox of an agent and forgets its limits.
func (m *Manager) Unregister(ctx context.Context, agentID string) error {
	m.mu.Lock()
	pool := m.agents[agentID]
	if pool == nil {
		m.mu.Unlock()
		return nil
	}
	delete(m.agents, agentID)
	members := pool.members
	pool.members = nil
	pool.broadcastLocked()
	m.mu.Unlock()

	err := m.stopAll(ctx, members)
	m.events.Publish(events.Event{Kind: events.KindUnregistered, AgentID: agentID})
	logger.Info(contextkey.WithAgent(ctx, agentID), "agent unregistered", zap.Int("stopped", len(members)))
	return err
}

// stopAll stops sandboxes concurrently and joins every failure.
func (m *Manager) stopAll(ctx context.Context, sbs []*process.Sandbox) error {
	var (
		mu   sync.Mutex
		errs error
	)
	var g errgroup.Group
	g.SetLimit(m.cfg.ShutdownConcurrency)
	for _, sb := range sbs {
		g.Go(func() error {
			err := sb.Stop(ctx)
			select {
			case <-sb.Done():
				m.retire(sb)
			default:
			}
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// ShutdownAll stops every sandbox and refuses new work afterwards.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*process.Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		all = append(all, sb)
	}
	for _, pool := range m.agents {
		pool.broadcastLocked()
	}
	m.mu.Unlock()

	m.stopReaper()
	err := m.stopAll(ctx, all)
	if m.events != nil {
		err = multierr.Append(err, m.events.Close(ctx))
	}
	logger.Info(ctx, "sandbox manager shut down", zap.Int("stopped", len(all)), zap.Error(err))
	return err
}

// Sandbox returns a snapshot of one registered sandbox.
func (m *Manager) Sandbox(sandboxID string) (process.Info, error) {
	m.mu.Lock()
	sb := m.sandboxes[sandboxID]
	m.mu.Unlock()
	if sb == nil {
		return process.Info{}, notFound(sandboxID)
	}
	return sb.Info(), nil
}

// List returns snapshots of every registered sandbox ordered by agent and
// creation time.
func (m *Manager) List() []process.Info {
	m.mu.Lock()
	sbs := make([]*process.Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sbs = append(sbs, sb)
	}
	m.mu.Unlock()

	out := make([]process.Info, 0, len(sbs))
	for _, sb := range sbs {
		out = append(out, sb.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns counters since start and refreshes the sandbox gauges.
func (m *Manager) Stats() sandbox.Stats {
	byState := m.refreshGauges()
	m.mu.Lock()
	agents := len(m.agents)
	queued := 0
	for _, pool := range m.agents {
		queued += pool.waiting
	}
	m.mu.Unlock()

	s := sandbox.Stats{
		TotalExecutions:      m.stats.executions.Load(),
		SuccessfulExecutions: m.stats.succeeded.Load(),
		FailedExecutions:     m.stats.failed.Load(),
		Agents:               agents,
		QueuedRequests:       queued,
		SandboxesStarted:     m.stats.started.Load(),
		SandboxesStopped:     m.stats.stopped.Load(),
		Crashes:              m.stats.crashes.Load(),
		Restarts:             m.stats.restarts.Load(),
		RejectedAdmissions:   m.stats.rejected.Load(),
		ByState:              byState,
	}
	for state, n := range byState {
		if process.State(state).Usable() {
			s.ActiveSandboxes += n
		}
	}
	if s.TotalExecutions > 0 {
		s.AvgExecutionMs = float64(m.stats.execNanos.Load()) / float64(s.TotalExecutions) / float64(time.Millisecond)
	}
	if m.events != nil {
		s.EventsDropped, _ = m.events.Stats()
	}
	return s
}

var gaugeStates = []process.State{
	process.StateCreating,
	process.StateStarting,
	process.StateReady,
	process.StateExecuting,
	process.StateCrashed,
	process.StateStopping,
}

func (m *Manager) refreshGauges() map[string]int {
	m.mu.Lock()
	sbs := make([]*process.Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sbs = append(sbs, sb)
	}
	m.mu.Unlock()

	counts := make(map[string]int, len(gaugeStates))
	for _, sb := range sbs {
		counts[string(sb.State())]++
	}
	for _, state := range gaugeStates {
		m.metrics.SetSandboxes(string(state), counts[string(state)])
	}
	return counts
}

func notFound(id string) error {
	return appErr.Newf(appErr.SandboxNotFound, "sandbox %s not found", id).WithSandbox(id)
}

func queueFull(agentID string, size int) error {
	return appErr.Newf(appErr.SandboxResourceLimit, "request queue for agent %s is full", agentID).
		WithDetail("reason", "queue_full").
		WithDetail("queue_size", size)
}

func closedError() error {
	return appErr.New(appErr.SandboxManagerClosed)
}
