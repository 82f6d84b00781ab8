package observer

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg, "test")
	if err != nil {
		t.Fatalf("new prometheus: %v", err)
	}

	p.ObserveTransition("ready", "executing")
	p.ObserveTransition("ready", "executing")
	p.ObserveRestart("agent-1", "timeout")
	p.SetSandboxes("ready", 3)
	p.ObserveSpawn("agent-1", true, 120*time.Millisecond)
	p.ObserveExecution("agent-1", "echo", OutcomeOK, 5*time.Millisecond)
	p.ObserveQueueWait(time.Millisecond)

	if got := testutil.ToFloat64(p.transitions.WithLabelValues("ready", "executing")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(p.restarts.WithLabelValues("timeout")); got != 1 {
		t.Fatalf("expected 1 restart, got %v", got)
	}
	if got := testutil.ToFloat64(p.sandboxes.WithLabelValues("ready")); got != 3 {
		t.Fatalf("expected gauge 3, got %v", got)
	}
	if n := testutil.CollectAndCount(p.executions); n != 1 {
		t.Fatalf("expected one execution series, got %d", n)
	}
}

func TestPrometheusDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheus(reg, ""); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheus(reg, ""); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}
