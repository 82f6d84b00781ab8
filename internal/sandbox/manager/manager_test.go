package manager

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"neuroflow/internal/sandbox"
	"neuroflow/internal/sandbox/engine"
	"neuroflow/internal/sandbox/engine/enginetest"
	"neuroflow/internal/sandbox/events"
	"neuroflow/internal/sandbox/process"
	"neuroflow/internal/sandbox/spec"
	"neuroflow/internal/sandbox/watchdog"
	appErr "neuroflow/pkg/errors"
)

type stubSampler struct {
	memory atomic.Uint64
}

func (s *stubSampler) Sample(ctx context.Context) (watchdog.Usage, error) {
	return watchdog.Usage{MemoryBytes: s.memory.Load(), SampledAt: time.Now()}, nil
}

type recordingMetrics struct {
	mu          sync.Mutex
	spawns      int
	restarts    int
	transitions int
	outcomes    []string
	gauges      map[string]int
}

func (r *recordingMetrics) ObserveSpawn(agentID string, ok bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawns++
}

func (r *recordingMetrics) ObserveExecution(agentID, skill, outcome string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *recordingMetrics) ObserveTransition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions++
}

func (r *recordingMetrics) ObserveQueueWait(d time.Duration) {}

func (r *recordingMetrics) ObserveRestart(agentID, cause string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts++
}

func (r *recordingMetrics) SetSandboxes(state string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges == nil {
		r.gauges = make(map[string]int)
	}
	r.gauges[state] = n
}

type memoryRecorder struct {
	mu     sync.Mutex
	events []events.Event
	closed bool
}

func (m *memoryRecorder) Record(ctx context.Context, ev events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memoryRecorder) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func testSandboxConfig() spec.SandboxConfig {
	cfg := spec.DefaultSandboxConfig()
	cfg.Timeout = 2 * time.Second
	return cfg
}

func newTestManager(t *testing.T, launcher *enginetest.Launcher, mutate func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		ReapInterval:   -1,
		DefaultSandbox: testSandboxConfig(),
		Process: process.Options{
			Launcher:         launcher,
			StartupTimeout:   time.Second,
			StopGrace:        200 * time.Millisecond,
			KillGrace:        200 * time.Millisecond,
			WatchdogInterval: 5 * time.Millisecond,
			NewSampler:       func(engine.Process) watchdog.Sampler { return &stubSampler{} },
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		_ = m.ShutdownAll(context.Background())
	})
	return m
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (m *Manager) sandboxByID(id string) *process.Sandbox {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sandboxes[id]
}

func detail(err error, key string) interface{} {
	v, _ := appErr.Detail(err, key)
	return v
}

func TestNewValidatesConfig(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error without launcher")
	}
	_, err := New(Config{RestartPolicy: "sometimes", Process: process.Options{Launcher: &enginetest.Launcher{}}})
	if !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error for restart policy, got %v", err)
	}
}

func TestRegisterExecuteStopScenario(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()

	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if h.ID() == "" || h.AgentID() != "agent-1" || !h.Valid() {
		t.Fatalf("unexpected handle %+v", h)
	}
	out, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, []byte("hello"))
	if err != nil || string(out) != "hello" {
		t.Fatalf("execute: %q %v", out, err)
	}
	out, err = h.Execute(ctx, enginetest.SkillEcho, []byte("direct"))
	if err != nil || string(out) != "direct" {
		t.Fatalf("handle execute: %q %v", out, err)
	}
	if launcher.Launches() != 1 {
		t.Fatalf("expected one launch, got %d", launcher.Launches())
	}

	if err := h.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if !launcher.Last().Exited() {
		t.Fatalf("expected worker to exit")
	}
	if h.State() != process.StateStopped || h.Valid() {
		t.Fatalf("expected stale handle, state=%s", h.State())
	}
	if _, err := h.Execute(ctx, enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found on stale handle, got %v", err)
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected registry empty after stop")
	}

	out, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, []byte("again"))
	if err != nil || string(out) != "again" {
		t.Fatalf("execute after stop: %q %v", out, err)
	}
	if launcher.Launches() != 2 {
		t.Fatalf("expected respawn after stop, got %d launches", launcher.Launches())
	}
	list := m.List()
	if len(list) != 1 || list[0].ID == h.ID() {
		t.Fatalf("expected a fresh sandbox, got %+v", list)
	}
}

func TestRegisterReusesSandbox(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	first, err := m.Register(context.Background(), "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id, err := m.RegisterSandbox(context.Background(), "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if id != first.ID() || launcher.Launches() != 1 {
		t.Fatalf("expected reuse, got %s vs %s with %d launches", id, first.ID(), launcher.Launches())
	}
}

func TestRegisterCoalescesConcurrentCalls(t *testing.T) {
	launcher := &enginetest.Launcher{Delay: 50 * time.Millisecond}
	m := newTestManager(t, launcher, nil)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = m.RegisterSandbox(context.Background(), "agent-1", testSandboxConfig())
		}()
	}
	wg.Wait()
	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("register %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("expected one sandbox, got %s and %s", ids[0], ids[i])
		}
	}
	if launcher.Launches() != 1 {
		t.Fatalf("expected one launch, got %d", launcher.Launches())
	}
}

func TestRegisterWithNewLimitsReplacesSandbox(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	old, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cfg := testSandboxConfig()
	cfg.MemoryLimitMB = 512
	fresh, err := m.Register(ctx, "agent-1", cfg)
	if err != nil {
		t.Fatalf("register new limits: %v", err)
	}
	if fresh.ID() == old.ID() {
		t.Fatalf("expected a new sandbox for new limits")
	}
	if _, err := old.Execute(ctx, enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected old handle to be stale, got %v", err)
	}
	info, err := fresh.Info()
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Config.MemoryLimitMB != 512 {
		t.Fatalf("expected new limits, got %+v", info.Config)
	}
	if got := launcher.Last().Spec().Config.MemoryLimitMB; got != 512 {
		t.Fatalf("expected launch with 512 MB, got %d", got)
	}
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	cfg := testSandboxConfig()
	cfg.Type = spec.TypeWasm
	if _, err := m.Register(context.Background(), "agent-1", cfg); !appErr.Is(err, appErr.SandboxTypeUnsupported) {
		t.Fatalf("expected unsupported type, got %v", err)
	}
	if _, err := m.Register(context.Background(), "", testSandboxConfig()); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRegisterStartFailure(t *testing.T) {
	launcher := &enginetest.Launcher{SkipHello: true}
	m := newTestManager(t, launcher, func(c *Config) {
		c.Process.StartupTimeout = 50 * time.Millisecond
	})
	_, err := m.Register(context.Background(), "agent-1", testSandboxConfig())
	if !appErr.Is(err, appErr.SandboxStartFailed) {
		t.Fatalf("expected start failed, got %v", err)
	}
	eventually(t, "failed sandbox removed", func() bool { return len(m.List()) == 0 })
	if !launcher.Last().Exited() {
		t.Fatalf("expected half-started worker killed")
	}
	if m.Stats().Restarts != 0 {
		t.Fatalf("start failures must not respawn")
	}
}

func TestExecuteUnregisteredAgentUsesDefaults(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	out, err := m.ExecuteAgentSkill(context.Background(), "anonymous", enginetest.SkillEcho, []byte("x"))
	if err != nil || string(out) != "x" {
		t.Fatalf("execute: %q %v", out, err)
	}
	if !launcher.Last().Spec().Config.Equal(testSandboxConfig()) {
		t.Fatalf("expected default limits, got %+v", launcher.Last().Spec().Config)
	}
	if launcher.Last().Spec().AgentID != "anonymous" {
		t.Fatalf("unexpected agent %q", launcher.Last().Spec().AgentID)
	}
}

func TestExecuteValidation(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	if _, err := m.ExecuteAgentSkill(context.Background(), "", "echo", nil); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := m.ExecuteAgentSkill(context.Background(), "agent", "", nil); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := m.ExecuteSandbox(context.Background(), "missing", "echo", nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSkillErrorKeepsSandbox(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	_, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillFail, nil)
	if !appErr.Is(err, appErr.SandboxExecutionFailed) {
		t.Fatalf("expected execution failed, got %v", err)
	}
	if sandbox.IsProcessFatal(err) {
		t.Fatalf("skill error must not be process fatal")
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillBadPayload, nil); !appErr.Is(err, appErr.SandboxSerialization) {
		t.Fatalf("expected serialization error, got %v", err)
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute after skill error: %v", err)
	}
	if launcher.Launches() != 1 {
		t.Fatalf("expected sandbox reuse, got %d launches", launcher.Launches())
	}
}

func TestTimeoutRespawnsSandbox(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	cfg := testSandboxConfig()
	cfg.Timeout = 100 * time.Millisecond
	h, err := m.Register(ctx, "agent-1", cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	start := time.Now()
	_, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillHang, nil)
	if !appErr.Is(err, appErr.SandboxTimeout) || !sandbox.IsProcessFatal(err) {
		t.Fatalf("expected fatal timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("timeout took too long: %s", elapsed)
	}
	eventually(t, "replacement sandbox", func() bool {
		for _, info := range m.List() {
			if info.ID != h.ID() && info.State == process.StateReady {
				return true
			}
		}
		return false
	})
	if got := m.Stats().Restarts; got != 1 {
		t.Fatalf("expected one restart, got %d", got)
	}
	if _, err := h.Execute(ctx, enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected crashed handle to be stale, got %v", err)
	}
	if out, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, []byte("ok")); err != nil || string(out) != "ok" {
		t.Fatalf("execute after respawn: %q %v", out, err)
	}
	if launcher.Launches() != 2 {
		t.Fatalf("expected two launches, got %d", launcher.Launches())
	}
}

func TestLazyPolicyEvictsOnly(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, func(c *Config) { c.RestartPolicy = RestartLazy })
	ctx := context.Background()
	_, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillCrash, nil)
	if !appErr.Is(err, appErr.SandboxExecutionFailed) || !sandbox.IsProcessFatal(err) {
		t.Fatalf("expected fatal execution failure, got %v", err)
	}
	eventually(t, "crashed sandbox evicted", func() bool { return len(m.List()) == 0 })
	time.Sleep(30 * time.Millisecond)
	if launcher.Launches() != 1 {
		t.Fatalf("lazy policy must not respawn, got %d launches", launcher.Launches())
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute after eviction: %v", err)
	}
	if launcher.Launches() != 2 {
		t.Fatalf("expected spawn on demand, got %d launches", launcher.Launches())
	}
}

func TestRespawnIsThrottled(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, func(c *Config) {
		c.RestartRate = 0.001
		c.RestartBurst = 1
	})
	ctx := context.Background()
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillCrash, nil); err == nil {
		t.Fatalf("expected crash")
	}
	eventually(t, "first respawn", func() bool { return m.Stats().Restarts == 1 && len(m.List()) == 1 })
	eventually(t, "replacement ready", func() bool {
		list := m.List()
		return len(list) == 1 && list[0].State == process.StateReady
	})
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillCrash, nil); err == nil {
		t.Fatalf("expected second crash")
	}
	eventually(t, "second crash evicted", func() bool { return len(m.List()) == 0 && m.Stats().Crashes == 2 })
	if got := m.Stats().Restarts; got != 1 {
		t.Fatalf("expected throttled respawn, got %d restarts", got)
	}
}

func TestQueueAdmission(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, func(c *Config) { c.QueueSize = 1 })
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	if !sb.TryAcquire() {
		t.Fatalf("expected idle sandbox")
	}

	type result struct {
		out []byte
		err error
	}
	queued := make(chan result, 1)
	go func() {
		out, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, []byte("queued"))
		queued <- result{out, err}
	}()
	eventually(t, "request queued", func() bool { return m.Stats().QueuedRequests == 1 })

	_, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil)
	if !appErr.Is(err, appErr.SandboxResourceLimit) || detail(err, "reason") != "queue_full" {
		t.Fatalf("expected queue overflow, got %v", err)
	}
	if m.Stats().RejectedAdmissions != 1 {
		t.Fatalf("expected one rejected admission")
	}

	m.release(sb)
	select {
	case r := <-queued:
		if r.err != nil || string(r.out) != "queued" {
			t.Fatalf("queued request: %q %v", r.out, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued request never ran")
	}
	if m.Stats().QueuedRequests != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestHandleExecuteCountsAgainstQueue(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, func(c *Config) { c.QueueSize = 1 })
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	if !sb.TryAcquire() {
		t.Fatalf("expected idle sandbox")
	}

	const callers = 20
	type result struct {
		out []byte
		err error
	}
	results := make(chan result, callers)
	for i := 0; i < callers; i++ {
		go func() {
			out, err := h.Execute(ctx, enginetest.SkillEcho, []byte("queued"))
			results <- result{out, err}
		}()
	}
	for i := 0; i < callers-1; i++ {
		select {
		case r := <-results:
			if !appErr.Is(r.err, appErr.SandboxResourceLimit) || detail(r.err, "reason") != "queue_full" {
				t.Fatalf("expected queue overflow, got %q %v", r.out, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d callers were turned away", i)
		}
	}
	eventually(t, "one request queued", func() bool { return m.Stats().QueuedRequests == 1 })
	if got := m.Stats().RejectedAdmissions; got != callers-1 {
		t.Fatalf("expected %d rejected admissions, got %d", callers-1, got)
	}

	m.release(sb)
	select {
	case r := <-results:
		if r.err != nil || string(r.out) != "queued" {
			t.Fatalf("queued request: %q %v", r.out, r.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("queued request never ran")
	}
	if m.Stats().QueuedRequests != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestHandleExecuteWaitsForStartingSandbox(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	launcher.Delay = 200 * time.Millisecond
	if _, err := h.Execute(ctx, enginetest.SkillCrash, nil); err == nil {
		t.Fatalf("expected crash")
	}

	var next string
	eventually(t, "replacement starting", func() bool {
		for _, info := range m.List() {
			if info.ID != h.ID() && info.State == process.StateStarting {
				next = info.ID
				return true
			}
		}
		return false
	})
	nh, err := m.Handle(next)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	out, err := nh.Execute(ctx, enginetest.SkillEcho, []byte("warm"))
	if err != nil || string(out) != "warm" {
		t.Fatalf("execute on starting sandbox: %q %v", out, err)
	}
}

func TestQueueWaitTimesOut(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	ctx := context.Background()
	cfg := testSandboxConfig()
	cfg.Timeout = 80 * time.Millisecond
	h, err := m.Register(ctx, "agent-1", cfg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	sb.TryAcquire()
	defer m.release(sb)

	_, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil)
	if !appErr.Is(err, appErr.SandboxTimeout) || detail(err, "reason") != "queue_timeout" {
		t.Fatalf("expected queue timeout, got %v", err)
	}
	if sandbox.IsProcessFatal(err) {
		t.Fatalf("queue timeout must not be process fatal")
	}
	_, err = h.Execute(ctx, enginetest.SkillEcho, nil)
	if !appErr.Is(err, appErr.SandboxTimeout) {
		t.Fatalf("expected busy handle timeout, got %v", err)
	}
	if sb.State() != process.StateReady {
		t.Fatalf("sandbox should stay ready, got %s", sb.State())
	}
}

func TestQueuedCallerCanceled(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	h, err := m.Register(context.Background(), "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	sb.TryAcquire()
	defer m.release(sb)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil)
	if !appErr.Is(err, appErr.SandboxExecutionFailed) {
		t.Fatalf("expected canceled request, got %v", err)
	}
}

func TestCapacityExhausted(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, func(c *Config) { c.MaxSandboxes = 1 })
	ctx := context.Background()
	if _, err := m.Register(ctx, "agent-a", testSandboxConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := m.ExecuteAgentSkill(ctx, "agent-b", enginetest.SkillEcho, nil)
	if !appErr.Is(err, appErr.SandboxResourceLimit) || detail(err, "reason") != "capacity" {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if _, err := m.Register(ctx, "agent-c", testSandboxConfig()); !appErr.Is(err, appErr.SandboxResourceLimit) {
		t.Fatalf("expected capacity error on register, got %v", err)
	}
}

func TestPoolSpawnsSecondMemberWhenBusy(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, func(c *Config) { c.PoolSize = 2 })
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	sb.TryAcquire()
	defer m.release(sb)

	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if launcher.Launches() != 2 || len(m.List()) != 2 {
		t.Fatalf("expected a second pool member, got %d launches", launcher.Launches())
	}
}

func TestAgentsDoNotBlockEachOther(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-a", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	sb := m.sandboxByID(h.ID())
	sb.TryAcquire()
	defer m.release(sb)

	done := make(chan error, 1)
	go func() {
		_, err := m.ExecuteAgentSkill(ctx, "agent-b", enginetest.SkillEcho, nil)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute other agent: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("busy agent blocked another agent")
	}
}

func TestWarmPool(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, func(c *Config) {
		c.PoolSize = 3
		c.WarmPool = 2
	})
	if _, err := m.Register(context.Background(), "agent-1", testSandboxConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	list := m.List()
	if len(list) != 2 || launcher.Launches() != 2 {
		t.Fatalf("expected two warm sandboxes, got %d", len(list))
	}
	for _, info := range list {
		if info.State != process.StateReady {
			t.Fatalf("expected warm sandbox ready, got %s", info.State)
		}
	}
	if n := m.reapIdle(time.Now().Add(time.Hour)); n != 0 {
		t.Fatalf("warm sandboxes must survive reaping, reaped %d", n)
	}
}

func TestReapIdleKeepsRegistration(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	cfg := testSandboxConfig()
	cfg.MemoryLimitMB = 128
	if _, err := m.Register(ctx, "agent-1", cfg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if n := m.reapIdle(time.Now()); n != 0 {
		t.Fatalf("fresh sandbox reaped")
	}
	if n := m.reapIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected one reaped sandbox, got %d", n)
	}
	if len(m.List()) != 0 || !launcher.Last().Exited() {
		t.Fatalf("expected idle sandbox stopped")
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute after reap: %v", err)
	}
	if got := launcher.Last().Spec().Config.MemoryLimitMB; got != 128 {
		t.Fatalf("expected registered limits after reap, got %d", got)
	}
}

func TestReapDropsUnregisteredPools(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	if _, err := m.ExecuteAgentSkill(context.Background(), "drive-by", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if n := m.reapIdle(time.Now().Add(time.Hour)); n != 1 {
		t.Fatalf("expected one reaped sandbox, got %d", n)
	}
	if m.Stats().Agents != 0 {
		t.Fatalf("expected unregistered pool dropped")
	}
}

func TestReaperLoopRuns(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, func(c *Config) {
		c.ReapInterval = 10 * time.Millisecond
		c.IdleTTL = 20 * time.Millisecond
	})
	if _, err := m.ExecuteAgentSkill(context.Background(), "agent-1", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	eventually(t, "idle sandbox reaped", func() bool { return len(m.List()) == 0 })
}

func TestUnregister(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Unregister(ctx, "agent-1"); err != nil {
		t.Fatalf("unregister: %v", err)
	}
	if len(m.List()) != 0 || !launcher.Last().Exited() {
		t.Fatalf("expected sandboxes stopped")
	}
	if _, err := h.Execute(ctx, enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := m.Unregister(ctx, "agent-1"); err != nil {
		t.Fatalf("second unregister: %v", err)
	}
	if m.Stats().Agents != 0 {
		t.Fatalf("expected no agents")
	}
}

func TestHandleChecksAgent(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	h, err := m.Register(context.Background(), "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	forged := Handle{id: h.ID(), agentID: "agent-2", m: m}
	if _, err := forged.Execute(context.Background(), enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found for foreign agent, got %v", err)
	}
	if _, err := forged.Info(); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found info, got %v", err)
	}
	var zero Handle
	if _, err := zero.Execute(context.Background(), enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found for zero handle, got %v", err)
	}
	got, err := m.Handle(h.ID())
	if err != nil || got != h {
		t.Fatalf("handle lookup: %+v %v", got, err)
	}
}

func TestPanicIsContained(t *testing.T) {
	launcher := &enginetest.Launcher{}
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()
	h, err := m.Register(ctx, "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	exec := m.exec
	m.exec = func(context.Context, *process.Sandbox, string, []byte) ([]byte, error) {
		panic("codec exploded")
	}
	_, err = m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil)
	m.exec = exec
	if !appErr.Is(err, appErr.SandboxExecutionFailed) || !sandbox.IsProcessFatal(err) {
		t.Fatalf("expected fatal execution failure, got %v", err)
	}
	if h.Valid() {
		t.Fatalf("expected panicking sandbox killed")
	}
	eventually(t, "sandbox usable again", func() bool {
		_, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, nil)
		return err == nil
	})
}

func TestShutdownAll(t *testing.T) {
	launcher := &enginetest.Launcher{}
	recorder := &memoryRecorder{}
	dispatcher := events.NewDispatcher(recorder, 256, time.Second)
	m := newTestManager(t, launcher, func(c *Config) { c.Events = dispatcher })
	ctx := context.Background()
	if _, err := m.Register(ctx, "agent-a", testSandboxConfig()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-b", enginetest.SkillEcho, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	for _, p := range launcher.Processes() {
		if !p.Exited() {
			t.Fatalf("worker %d still running", p.PID())
		}
	}
	if len(m.List()) != 0 {
		t.Fatalf("expected empty registry")
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-a", enginetest.SkillEcho, nil); !appErr.Is(err, appErr.SandboxManagerClosed) {
		t.Fatalf("expected manager closed, got %v", err)
	}
	if _, err := m.Register(ctx, "agent-c", testSandboxConfig()); !appErr.Is(err, appErr.SandboxManagerClosed) {
		t.Fatalf("expected manager closed, got %v", err)
	}
	if err := m.ShutdownAll(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	if !recorder.closed {
		t.Fatalf("expected recorder closed")
	}
	var registered, stopped int
	for _, ev := range recorder.events {
		switch {
		case ev.Kind == events.KindRegistered && ev.AgentID == "agent-a":
			registered++
		case ev.Kind == events.KindTransition && ev.To == string(process.StateStopped):
			stopped++
		}
		if ev.Kind == events.KindTransition && ev.To == string(process.StateReady) && ev.PID == 0 {
			t.Fatalf("ready transition of %s carries no pid", ev.SandboxID)
		}
	}
	if registered != 1 || stopped != 2 {
		t.Fatalf("expected registration and two stops, got %d and %d", registered, stopped)
	}
}

func TestStatsAndMetrics(t *testing.T) {
	metrics := &recordingMetrics{}
	m := newTestManager(t, &enginetest.Launcher{}, func(c *Config) { c.Metrics = metrics })
	ctx := context.Background()
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillEcho, []byte("x")); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := m.ExecuteAgentSkill(ctx, "agent-1", enginetest.SkillFail, nil); err == nil {
		t.Fatalf("expected skill failure")
	}

	s := m.Stats()
	if s.TotalExecutions != 2 || s.SuccessfulExecutions != 1 || s.FailedExecutions != 1 {
		t.Fatalf("unexpected execution counters %+v", s)
	}
	if s.SandboxesStarted != 1 || s.ActiveSandboxes != 1 || s.Agents != 1 || s.ByState["ready"] != 1 {
		t.Fatalf("unexpected sandbox counters %+v", s)
	}
	if s.AvgExecutionMs < 0 {
		t.Fatalf("negative average")
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if metrics.spawns != 1 || metrics.transitions == 0 {
		t.Fatalf("unexpected metrics spawns=%d transitions=%d", metrics.spawns, metrics.transitions)
	}
	if len(metrics.outcomes) != 2 || metrics.outcomes[0] != "ok" || metrics.outcomes[1] != "execution_failed" {
		t.Fatalf("unexpected outcomes %v", metrics.outcomes)
	}
	if metrics.gauges["ready"] != 1 || metrics.gauges["executing"] != 0 {
		t.Fatalf("unexpected gauges %v", metrics.gauges)
	}
}

func TestSandboxInfo(t *testing.T) {
	m := newTestManager(t, &enginetest.Launcher{}, nil)
	h, err := m.Register(context.Background(), "agent-1", testSandboxConfig())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := h.Execute(context.Background(), enginetest.SkillEcho, []byte{1, 2, 3}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	info, err := m.Sandbox(h.ID())
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.AgentID != "agent-1" || info.State != process.StateReady || info.Requests != 1 || info.Runtime != "fake" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.UptimeMs < 0 || info.StartedAt.IsZero() {
		t.Fatalf("expected uptime from start, got %+v", info)
	}
	if _, err := m.Sandbox("missing"); !appErr.Is(err, appErr.SandboxNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOutcome(t *testing.T) {
	cases := map[string]error{
		"ok":             nil,
		"timeout":        appErr.New(appErr.SandboxTimeout),
		"resource_limit": appErr.New(appErr.SandboxResourceLimit),
		"communication":  appErr.New(appErr.SandboxCommunication),
		"error":          appErr.New(appErr.InternalServerError),
	}
	for want, err := range cases {
		if got := outcome(err); got != want {
			t.Fatalf("outcome(%v): expected %s, got %s", err, want, got)
		}
	}
}

func TestRegisterKeyIgnoresDomainOrder(t *testing.T) {
	a := testSandboxConfig()
	b := testSandboxConfig()
	b.AllowedDomains = []string{a.AllowedDomains[1], a.AllowedDomains[0]}
	if registerKey("x", a) != registerKey("x", b) {
		t.Fatalf("expected equal keys")
	}
	if bytes.Equal([]byte(registerKey("x", a)), []byte(registerKey("y", a))) {
		t.Fatalf("expected agent in key")
	}
}
