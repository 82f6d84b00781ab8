package watchdog

import (
	"testing"
	"time"
)

const mb = 1024 * 1024

func TestEvaluatorMemoryNeedsConsecutiveSamples(t *testing.T) {
	eval := NewEvaluator(Policy{MemoryLimitBytes: 64 * mb})
	samples := []uint64{80 * mb, 10 * mb, 80 * mb}
	for i, m := range samples {
		if _, ok := eval.Observe(Usage{MemoryBytes: m}); ok {
			t.Fatalf("sample %d: single spikes must not breach", i)
		}
	}
	b, ok := eval.Observe(Usage{MemoryBytes: 90 * mb, SampledAt: time.Unix(5, 0)})
	if !ok {
		t.Fatalf("expected breach after two consecutive samples")
	}
	if b.Resource != ResourceMemory || b.Samples != 2 || b.Observed != 90*mb {
		t.Fatalf("unexpected breach: %+v", b)
	}
}

func TestEvaluatorMemoryPolicyFloorIsTwo(t *testing.T) {
	eval := NewEvaluator(Policy{MemoryLimitBytes: mb, MemorySamples: 1})
	if _, ok := eval.Observe(Usage{MemoryBytes: 2 * mb}); ok {
		t.Fatalf("one sample over the limit must never breach")
	}
}

func TestEvaluatorCPURollingWindow(t *testing.T) {
	eval := NewEvaluator(Policy{CPULimit: 0.5, CPUWindow: 3})
	if _, ok := eval.Observe(Usage{CPU: 4, CPUValid: false}); ok {
		t.Fatalf("invalid cpu samples are ignored")
	}
	// A transient spike averaged over the window stays under the limit.
	for _, v := range []float64{1.2, 0.1, 0.1, 0.1} {
		if _, ok := eval.Observe(Usage{CPU: v, CPUValid: true}); ok {
			t.Fatalf("transient spike %v must not breach", v)
		}
	}
	var breached bool
	for _, v := range []float64{0.9, 0.9, 0.9} {
		if b, ok := eval.Observe(Usage{CPU: v, CPUValid: true}); ok {
			breached = true
			if b.Resource != ResourceCPU || b.Limit != 0.5 {
				t.Fatalf("unexpected breach: %+v", b)
			}
		}
	}
	if !breached {
		t.Fatalf("sustained cpu should breach")
	}
}

func TestEvaluatorNoLimits(t *testing.T) {
	eval := NewEvaluator(Policy{})
	for i := 0; i < 10; i++ {
		if _, ok := eval.Observe(Usage{CPU: 8, CPUValid: true, MemoryBytes: 1 << 40}); ok {
			t.Fatalf("zero limits disable checks")
		}
	}
}

func TestBreachString(t *testing.T) {
	b := Breach{Resource: ResourceMemory, Observed: 128 * mb, Limit: 64 * mb, Samples: 2}
	if got := b.String(); got != "memory 128.0MB over limit 64.0MB for 2 samples" {
		t.Fatalf("unexpected string %q", got)
	}
}
