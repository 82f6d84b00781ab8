package watchdog

import (
	"fmt"
	"time"
)

// Resource names the limit that was breached.
type Resource string

const (
	ResourceMemory Resource = "memory"
	ResourceCPU    Resource = "cpu"
)

const (
	DefaultInterval      = 100 * time.Millisecond
	DefaultMemorySamples = 2
	DefaultCPUWindow     = 5
)

// Policy decides when sampled usage counts as a breach.
type Policy struct {
	MemoryLimitBytes uint64
	// CPULimit is measured in cores.
	CPULimit float64
	// MemorySamples is how many consecutive samples must exceed the memory limit.
	MemorySamples int
	// CPUWindow is the number of samples averaged before comparing to CPULimit.
	CPUWindow int
}

func (p Policy) withDefaults() Policy {
	if p.MemorySamples < 2 {
		p.MemorySamples = DefaultMemorySamples
	}
	if p.CPUWindow <= 0 {
		p.CPUWindow = DefaultCPUWindow
	}
	return p
}

// Breach describes a sustained limit violation.
type Breach struct {
	Resource Resource
	Observed float64
	Limit    float64
	Samples  int
	At       time.Time
}

func (b Breach) String() string {
	switch b.Resource {
	case ResourceMemory:
		return fmt.Sprintf("memory %.1fMB over limit %.1fMB for %d samples",
			b.Observed/(1024*1024), b.Limit/(1024*1024), b.Samples)
	default:
		return fmt.Sprintf("cpu %.2f cores over limit %.2f across %d samples", b.Observed, b.Limit, b.Samples)
	}
}

// Evaluator applies a Policy to a stream of samples. It is not safe for
// concurrent use.
type Evaluator struct {
	policy  Policy
	memOver int
	cpu     []float64
	next    int
	filled  int
}

// NewEvaluator returns an evaluator for p.
func NewEvaluator(p Policy) *Evaluator {
	p = p.withDefaults()
	return &Evaluator{policy: p, cpu: make([]float64, p.CPUWindow)}
}

// Observe feeds one sample and reports a breach once the policy trips.
func (e *Evaluator) Observe(u Usage) (Breach, bool) {
	if e.policy.MemoryLimitBytes > 0 && u.MemoryBytes > e.policy.MemoryLimitBytes {
		e.memOver++
		if e.memOver >= e.policy.MemorySamples {
			return Breach{
				Resource: ResourceMemory,
				Observed: float64(u.MemoryBytes),
				Limit:    float64(e.policy.MemoryLimitBytes),
				Samples:  e.memOver,
				At:       u.SampledAt,
			}, true
		}
	} else {
		e.memOver = 0
	}

	if !u.CPUValid || e.policy.CPULimit <= 0 {
		return Breach{}, false
	}
	e.cpu[e.next] = u.CPU
	e.next = (e.next + 1) % len(e.cpu)
	if e.filled < len(e.cpu) {
		e.filled++
	}
	if e.filled < len(e.cpu) {
		return Breach{}, false
	}
	var sum float64
	for _, v := range e.cpu {
		sum += v
	}
	avg := sum / float64(len(e.cpu))
	if avg > e.policy.CPULimit {
		return Breach{
			Resource: ResourceCPU,
			Observed: avg,
			Limit:    e.policy.CPULimit,
			Samples:  len(e.cpu),
			At:       u.SampledAt,
		}, true
	}
	return Breach{}, false
}
