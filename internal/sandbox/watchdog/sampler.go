package watchdog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Usage is one resource sample of a worker.
type Usage struct {
	// CPU is the number of cores used since the previous sample.
	CPU float64
	// CPUValid is false for the first sample, which has no baseline.
	CPUValid    bool
	MemoryBytes uint64
	SampledAt   time.Time
}

// MemoryMB returns the sampled memory in megabytes.
func (u Usage) MemoryMB() float64 {
	return float64(u.MemoryBytes) / (1024 * 1024)
}

// Sampler reads the current usage of a worker.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

type cpuBaseline struct {
	seconds float64
	at      time.Time
	valid   bool
}

func (b *cpuBaseline) advance(seconds float64, now time.Time) (float64, bool) {
	prev := *b
	b.seconds, b.at, b.valid = seconds, now, true
	if !prev.valid {
		return 0, false
	}
	wall := now.Sub(prev.at).Seconds()
	if wall <= 0 {
		return 0, false
	}
	delta := seconds - prev.seconds
	if delta < 0 {
		delta = 0
	}
	return delta / wall, true
}

// ProcessSampler samples a process tree through gopsutil.
type ProcessSampler struct {
	pid int32

	mu       sync.Mutex
	proc     *process.Process
	baseline cpuBaseline
}

// NewProcessSampler samples pid and its children.
func NewProcessSampler(pid int) *ProcessSampler {
	return &ProcessSampler{pid: int32(pid)}
}

// Sample implements Sampler.
func (s *ProcessSampler) Sample(ctx context.Context) (Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc == nil {
		proc, err := process.NewProcessWithContext(ctx, s.pid)
		if err != nil {
			return Usage{}, fmt.Errorf("open process %d: %w", s.pid, err)
		}
		s.proc = proc
	}
	procs := []*process.Process{s.proc}
	if children, err := s.proc.ChildrenWithContext(ctx); err == nil {
		procs = append(procs, children...)
	}

	var cpuSeconds float64
	var rss uint64
	for i, p := range procs {
		times, err := p.TimesWithContext(ctx)
		if err != nil {
			if i == 0 {
				return Usage{}, fmt.Errorf("read cpu times: %w", err)
			}
			continue
		}
		cpuSeconds += times.User + times.System
		mem, err := p.MemoryInfoWithContext(ctx)
		if err != nil {
			if i == 0 {
				return Usage{}, fmt.Errorf("read memory: %w", err)
			}
			continue
		}
		rss += mem.RSS
	}
	now := time.Now()
	cores, valid := s.baseline.advance(cpuSeconds, now)
	return Usage{CPU: cores, CPUValid: valid, MemoryBytes: rss, SampledAt: now}, nil
}

// CgroupSampler samples a cgroup v2 directory, covering every process in it.
type CgroupSampler struct {
	path string

	mu       sync.Mutex
	baseline cpuBaseline
}

// NewCgroupSampler samples the cgroup at path.
func NewCgroupSampler(path string) *CgroupSampler {
	return &CgroupSampler{path: path}
}

// Sample implements Sampler.
func (s *CgroupSampler) Sample(ctx context.Context) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, err := readUint(filepath.Join(s.path, "memory.current"))
	if err != nil {
		return Usage{}, err
	}
	usec, err := readStatField(filepath.Join(s.path, "cpu.stat"), "usage_usec")
	if err != nil {
		return Usage{}, err
	}
	now := time.Now()
	cores, valid := s.baseline.advance(float64(usec)/1e6, now)
	return Usage{CPU: cores, CPUValid: valid, MemoryBytes: mem, SampledAt: now}, nil
}

func readUint(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
}

func readStatField(path, key string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == key {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New(key + " not found in " + path)
}
