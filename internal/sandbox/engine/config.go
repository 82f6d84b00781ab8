package engine

import (
	"fmt"
	"time"

	"github.com/google/shlex"
)

const (
	defaultInterpreter     = "python3 -I -u"
	defaultStderrMaxBytes  = 64 * 1024
	defaultPidsLimit       = 64
	defaultOpenFilesLimit  = 256
	defaultFileSizeLimitMB = 64
	defaultResolveTimeout  = 2 * time.Second
	defaultWaitDelay       = 2 * time.Second
)

// Config controls how workers are launched.
type Config struct {
	// HelperPath is the sandbox-init binary. Empty runs the interpreter
	// directly; the worker still loads the process lockdown filter and gets
	// a private network namespace when no domains are allowed.
	HelperPath string
	// Interpreter is a shell-style command line, e.g. "python3 -I -u".
	Interpreter string
	// WorkRoot holds one working directory per sandbox.
	WorkRoot string
	// SkillsDir is where the worker loads <skill>.py modules from.
	SkillsDir string

	CgroupRoot     string
	SeccompProfile string

	EnableSeccomp    bool
	EnableCgroup     bool
	EnableNamespaces bool

	// Extra environment passed to the worker.
	Env []string

	StderrMaxBytes  int64
	PidsLimit       int64
	OpenFilesLimit  uint64
	FileSizeLimitMB uint64
	ResolveTimeout  time.Duration
	WaitDelay       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interpreter == "" {
		c.Interpreter = defaultInterpreter
	}
	if c.StderrMaxBytes <= 0 {
		c.StderrMaxBytes = defaultStderrMaxBytes
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = defaultPidsLimit
	}
	if c.OpenFilesLimit == 0 {
		c.OpenFilesLimit = defaultOpenFilesLimit
	}
	if c.FileSizeLimitMB == 0 {
		c.FileSizeLimitMB = defaultFileSizeLimitMB
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = defaultResolveTimeout
	}
	if c.WaitDelay <= 0 {
		c.WaitDelay = defaultWaitDelay
	}
	return c
}

// InterpreterArgs splits the interpreter command line.
func (c Config) InterpreterArgs() ([]string, error) {
	interp := c.Interpreter
	if interp == "" {
		interp = defaultInterpreter
	}
	args, err := shlex.Split(interp)
	if err != nil {
		return nil, fmt.Errorf("parse interpreter %q: %w", interp, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("interpreter is empty")
	}
	return args, nil
}
