//go:build linux

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"neuroflow/internal/sandbox/worker"
	"neuroflow/pkg/utils/contextkey"
	"neuroflow/pkg/utils/logger"

	"go.uber.org/zap"
)

type linuxLauncher struct {
	cfg      Config
	interp   []string
	lockdown []byte
}

// NewLauncher creates a Linux worker launcher.
func NewLauncher(cfg Config) (Launcher, error) {
	cfg = cfg.withDefaults()
	interp, err := cfg.InterpreterArgs()
	if err != nil {
		return nil, err
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = filepath.Join(os.TempDir(), "neuroflow-sandboxes")
	}
	if err := os.MkdirAll(cfg.WorkRoot, 0o750); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	if cfg.EnableCgroup && cfg.CgroupRoot == "" {
		return nil, fmt.Errorf("cgroup root is required when cgroups are enabled")
	}
	if cfg.HelperPath == "" && (cfg.EnableNamespaces || cfg.EnableSeccomp) {
		return nil, fmt.Errorf("namespaces and seccomp require the sandbox-init helper")
	}
	lockdown, err := buildLockdownProgram(cfg.WorkRoot)
	if err != nil {
		return nil, err
	}
	return &linuxLauncher{cfg: cfg, interp: interp, lockdown: lockdown}, nil
}

func (l *linuxLauncher) Launch(ctx context.Context, ls LaunchSpec) (Process, error) {
	if ls.SandboxID == "" {
		return nil, fmt.Errorf("sandbox id is required")
	}
	ctx = contextkey.WithSandbox(contextkey.WithAgent(ctx, ls.AgentID), ls.SandboxID)

	workDir := filepath.Join(l.cfg.WorkRoot, sanitizeName(ls.SandboxID))
	if err := os.MkdirAll(workDir, 0o750); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	cleanups := []func(){func() { _ = os.RemoveAll(workDir) }}
	fail := func(err error) (Process, error) {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		return nil, err
	}

	scriptPath, err := worker.Install(workDir)
	if err != nil {
		return fail(err)
	}
	lockdownPath := filepath.Join(workDir, lockdownFileName)
	if err := os.WriteFile(lockdownPath, l.lockdown, 0o444); err != nil {
		return fail(fmt.Errorf("write lockdown filter: %w", err))
	}

	cgroupPath := ""
	if l.cfg.EnableCgroup {
		path, cleanup, err := createSandboxCgroup(l.cfg.CgroupRoot, ls.SandboxID)
		if err != nil {
			return fail(fmt.Errorf("create cgroup: %w", err))
		}
		cleanups = append(cleanups, cleanup)
		if err := applyCgroupLimits(path, ls.Config, l.cfg.PidsLimit); err != nil {
			return fail(fmt.Errorf("apply cgroup limits: %w", err))
		}
		cgroupPath = path
	}

	argv := append(append([]string{}, l.interp...), scriptPath,
		"--sandbox-id", ls.SandboxID,
		"--codec", codecName(ls.Codec),
		"--skills-dir", l.cfg.SkillsDir,
	)
	env := l.buildEnv(ctx, ls, lockdownPath)

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("create stdin pipe: %w", err))
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = stdinR.Close()
		_ = stdinW.Close()
		return fail(fmt.Errorf("create stdout pipe: %w", err))
	}
	parentEnds := []*os.File{stdinW, stdoutR}
	childEnds := []*os.File{stdinR, stdoutW}
	closeAll := func(files []*os.File) {
		for _, f := range files {
			_ = f.Close()
		}
	}

	var cmd *exec.Cmd
	if l.cfg.HelperPath == "" {
		path, err := exec.LookPath(argv[0])
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return fail(fmt.Errorf("resolve interpreter: %w", err))
		}
		cmd = exec.Command(path, argv[1:]...)
		cmd.Env = env
		cmd.Dir = workDir
		cmd.SysProcAttr = buildSysProcAttr(ls.Config.NetworkDisabled(), false)
	} else {
		initR, err := l.initPipe(initRequest{
			Cmd:        argv,
			WorkDir:    workDir,
			Env:        env,
			BindMounts: l.bindMounts(),
			Limits: initLimits{
				OpenFiles:     l.cfg.OpenFilesLimit,
				FileSizeBytes: l.cfg.FileSizeLimitMB * 1024 * 1024,
				Processes:     uint64(l.cfg.PidsLimit),
			},
			SeccompProfile: l.cfg.SeccompProfile,
			EnableSeccomp:  l.cfg.EnableSeccomp,
			EnableNs:       l.cfg.EnableNamespaces,
			MountProc:      l.cfg.EnableNamespaces,
		})
		if err != nil {
			closeAll(parentEnds)
			closeAll(childEnds)
			return fail(fmt.Errorf("encode init request: %w", err))
		}
		childEnds = append(childEnds, initR)
		cmd = exec.Command(l.cfg.HelperPath)
		cmd.ExtraFiles = []*os.File{initR}
		cmd.SysProcAttr = buildSysProcAttr(ls.Config.NetworkDisabled(), l.cfg.EnableNamespaces)
	}

	stderr := newTailBuffer(l.cfg.StderrMaxBytes)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr
	cmd.WaitDelay = l.cfg.WaitDelay

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return fail(fmt.Errorf("start worker: %w", err))
	}
	closeAll(childEnds)

	if cgroupPath != "" {
		if err := addProcessToCgroup(cgroupPath, cmd.Process.Pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed", zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}

	proc := &workerProcess{
		cmd:        cmd,
		stdin:      stdinW,
		stdout:     stdoutR,
		stderr:     stderr,
		cgroupPath: cgroupPath,
		cleanups:   cleanups,
		done:       make(chan struct{}),
	}
	go proc.wait(ctx)
	logger.Debug(ctx, "worker started", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", argv))
	return proc, nil
}

func (l *linuxLauncher) buildEnv(ctx context.Context, ls LaunchSpec, lockdownPath string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
		"NEUROFLOW_SANDBOX_ID=" + ls.SandboxID,
		"NEUROFLOW_LOCKDOWN=" + lockdownPath,
	}
	if ls.Config.NetworkDisabled() {
		env = append(env, "NEUROFLOW_NETWORK=none")
	} else {
		env = append(env,
			"NEUROFLOW_NETWORK=allowlist",
			"NEUROFLOW_ALLOWED_HOSTS="+strings.Join(l.resolveAllowlist(ctx, ls.Config.AllowedDomains), ","),
		)
	}
	// Operator extras go first so they cannot override the sandbox settings.
	return append(append([]string{}, l.cfg.Env...), env...)
}

// resolveAllowlist pins every allowed name to the addresses it resolves to at
// spawn time, so the worker can check both names and literal addresses.
func (l *linuxLauncher) resolveAllowlist(ctx context.Context, domains []string) []string {
	seen := make(map[string]struct{})
	add := func(h string) {
		h = strings.ToLower(strings.TrimSuffix(h, "."))
		if h != "" {
			seen[h] = struct{}{}
		}
	}
	for _, domain := range domains {
		add(domain)
		if net.ParseIP(domain) != nil {
			continue
		}
		if strings.EqualFold(domain, "localhost") {
			add("127.0.0.1")
			add("::1")
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, l.cfg.ResolveTimeout)
		addrs, err := net.DefaultResolver.LookupIPAddr(rctx, domain)
		cancel()
		if err != nil {
			logger.Warn(ctx, "resolve allowed domain failed", zap.String("domain", domain), zap.Error(err))
			continue
		}
		for _, addr := range addrs {
			add(addr.IP.String())
		}
	}
	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

func (l *linuxLauncher) bindMounts() []mountSpec {
	if !l.cfg.EnableNamespaces || l.cfg.SkillsDir == "" {
		return nil
	}
	return []mountSpec{{Source: l.cfg.SkillsDir, Target: l.cfg.SkillsDir, ReadOnly: true}}
}

func (l *linuxLauncher) initPipe(req initRequest) (*os.File, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	go func() {
		_, _ = w.Write(data)
		_ = w.Close()
	}()
	return r, nil
}

func codecName(name string) string {
	if name == "" {
		return "json"
	}
	return name
}

type workerProcess struct {
	cmd        *exec.Cmd
	stdin      *os.File
	stdout     *os.File
	stderr     *tailBuffer
	cgroupPath string
	cleanups   []func()

	done     chan struct{}
	exitCode int
	oom      bool

	releaseOnce sync.Once
}

func (p *workerProcess) wait(ctx context.Context) {
	err := p.cmd.Wait()
	p.exitCode = exitCodeFromErr(err, p.cmd.ProcessState)
	p.oom = wasOomKilled(p.cgroupPath)
	if err != nil {
		logger.Debug(ctx, "worker exited", zap.Int("exit_code", p.exitCode), zap.Bool("oom_killed", p.oom), zap.String("stderr", p.stderr.String()))
	}
	close(p.done)
}

func (p *workerProcess) PID() int              { return p.cmd.Process.Pid }
func (p *workerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *workerProcess) Stdout() io.ReadCloser { return p.stdout }
func (p *workerProcess) Done() <-chan struct{} { return p.done }
func (p *workerProcess) CgroupPath() string    { return p.cgroupPath }
func (p *workerProcess) Stderr() string        { return p.stderr.String() }

func (p *workerProcess) ExitCode() int {
	<-p.done
	return p.exitCode
}

func (p *workerProcess) OOMKilled() bool {
	<-p.done
	return p.oom
}

func (p *workerProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	s, ok := sig.(syscall.Signal)
	if !ok {
		return p.cmd.Process.Signal(sig)
	}
	if err := syscall.Kill(-p.cmd.Process.Pid, s); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	if s == syscall.SIGKILL && p.cgroupPath != "" {
		// Catches anything that left the process group.
		_ = killCgroup(p.cgroupPath)
	}
	return nil
}

func (p *workerProcess) Release() error {
	p.releaseOnce.Do(func() {
		_ = p.stdin.Close()
		_ = p.stdout.Close()
		for i := len(p.cleanups) - 1; i >= 0; i-- {
			p.cleanups[i]()
		}
	})
	return nil
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// buildSysProcAttr isolates the network whenever the sandbox has no allowed
// domains, even on the direct path, so a worker without egress never shares
// the host network namespace. Start fails if user namespaces are unavailable.
func buildSysProcAttr(disableNetwork, enableNamespaces bool) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	var cloneFlags uintptr
	if enableNamespaces {
		cloneFlags |= syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC
	}
	if disableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	if cloneFlags == 0 {
		return attr
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
