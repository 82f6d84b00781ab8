// Package spec defines the sandbox configuration and resource limits.
package spec

import (
	"net"
	"regexp"
	"strings"
	"time"

	appErr "neuroflow/pkg/errors"
)

// SandboxType selects the worker runtime.
type SandboxType string

const (
	TypePython SandboxType = "python"
	// TypeWasm is reserved and rejected by Validate.
	TypeWasm SandboxType = "wasm"
)

const (
	DefaultCPULimit      = 0.5
	DefaultMemoryLimitMB = 256
	DefaultTimeout       = 30 * time.Second
)

var hostnamePattern = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

// SandboxConfig holds the limits applied to one sandbox for its whole life.
type SandboxConfig struct {
	Type           SandboxType   `yaml:"type" json:"sandbox_type"`
	CPULimit       float64       `yaml:"cpuLimit" json:"cpu_limit"`
	MemoryLimitMB  uint64        `yaml:"memoryLimitMB" json:"memory_limit_mb"`
	Timeout        time.Duration `yaml:"timeout" json:"timeout"`
	AllowedDomains []string      `yaml:"allowedDomains" json:"allowed_domains"`
}

// DefaultSandboxConfig returns the limits used for agents that never registered.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		Type:           TypePython,
		CPULimit:       DefaultCPULimit,
		MemoryLimitMB:  DefaultMemoryLimitMB,
		Timeout:        DefaultTimeout,
		AllowedDomains: []string{"localhost", "127.0.0.1"},
	}
}

// Validate checks that every limit is usable.
func (c SandboxConfig) Validate() error {
	switch c.Type {
	case TypePython:
	case TypeWasm:
		return appErr.New(appErr.SandboxTypeUnsupported).WithMessage("wasm sandboxes are not implemented")
	default:
		return appErr.New(appErr.SandboxTypeUnsupported).WithMessagef("unknown sandbox type %q", c.Type)
	}
	if c.CPULimit <= 0 {
		return appErr.ValidationError("cpu_limit", "must be positive")
	}
	if c.MemoryLimitMB == 0 {
		return appErr.ValidationError("memory_limit_mb", "must be positive")
	}
	if c.Timeout <= 0 {
		return appErr.ValidationError("timeout", "must be positive")
	}
	for _, domain := range c.AllowedDomains {
		if !validDomain(domain) {
			return appErr.ValidationError("allowed_domains", "invalid host "+domain)
		}
	}
	return nil
}

// Clone returns a deep copy so callers cannot mutate stored limits.
func (c SandboxConfig) Clone() SandboxConfig {
	out := c
	if c.AllowedDomains != nil {
		out.AllowedDomains = make([]string, len(c.AllowedDomains))
		copy(out.AllowedDomains, c.AllowedDomains)
	}
	return out
}

// Equal reports whether both configs describe the same limits.
func (c SandboxConfig) Equal(other SandboxConfig) bool {
	if c.Type != other.Type || c.CPULimit != other.CPULimit ||
		c.MemoryLimitMB != other.MemoryLimitMB || c.Timeout != other.Timeout {
		return false
	}
	a := c.normalizedDomains()
	b := other.normalizedDomains()
	if len(a) != len(b) {
		return false
	}
	for host := range a {
		if _, ok := b[host]; !ok {
			return false
		}
	}
	return true
}

// NetworkDisabled reports whether the worker gets no network at all.
func (c SandboxConfig) NetworkDisabled() bool {
	return len(c.AllowedDomains) == 0
}

// MemoryLimitBytes returns the memory ceiling in bytes.
func (c SandboxConfig) MemoryLimitBytes() uint64 {
	return c.MemoryLimitMB * 1024 * 1024
}

func (c SandboxConfig) normalizedDomains() map[string]struct{} {
	out := make(map[string]struct{}, len(c.AllowedDomains))
	for _, d := range c.AllowedDomains {
		out[strings.ToLower(strings.TrimSuffix(d, "."))] = struct{}{}
	}
	return out
}

func validDomain(domain string) bool {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	if domain == "" || len(domain) > 253 {
		return false
	}
	if net.ParseIP(domain) != nil {
		return true
	}
	return hostnamePattern.MatchString(domain)
}
