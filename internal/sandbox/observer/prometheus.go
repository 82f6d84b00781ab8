package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus exports sandbox metrics through client_golang collectors.
type Prometheus struct {
	spawns      *prometheus.HistogramVec
	executions  *prometheus.HistogramVec
	transitions *prometheus.CounterVec
	queueWait   prometheus.Histogram
	restarts    *prometheus.CounterVec
	sandboxes   *prometheus.GaugeVec
}

// NewPrometheus registers the sandbox collectors on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	if namespace == "" {
		namespace = "neuroflow"
	}
	p := &Prometheus{
		spawns: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "spawn_duration_seconds",
			Help:      "Time from spawn request to worker handshake.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"result"}),
		executions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Skill execution latency by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"skill", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "transitions_total",
			Help:      "Sandbox state transitions.",
		}, []string{"from", "to"}),
		queueWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "queue_wait_seconds",
			Help:      "Time requests waited for a free sandbox.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "restarts_total",
			Help:      "Sandboxes replaced after a crash, by cause.",
		}, []string{"cause"}),
		sandboxes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sandbox",
			Name:      "sandboxes",
			Help:      "Live sandboxes by state.",
		}, []string{"state"}),
	}
	for _, c := range []prometheus.Collector{p.spawns, p.executions, p.transitions, p.queueWait, p.restarts, p.sandboxes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prometheus) ObserveSpawn(agentID string, ok bool, d time.Duration) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	p.spawns.WithLabelValues(result).Observe(d.Seconds())
}

func (p *Prometheus) ObserveExecution(agentID, skill, outcome string, d time.Duration) {
	p.executions.WithLabelValues(skill, outcome).Observe(d.Seconds())
}

func (p *Prometheus) ObserveTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) ObserveQueueWait(d time.Duration) {
	p.queueWait.Observe(d.Seconds())
}

func (p *Prometheus) ObserveRestart(agentID, cause string) {
	p.restarts.WithLabelValues(cause).Inc()
}

func (p *Prometheus) SetSandboxes(state string, n int) {
	p.sandboxes.WithLabelValues(state).Set(float64(n))
}

var _ MetricsRecorder = (*Prometheus)(nil)
