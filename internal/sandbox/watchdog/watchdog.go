// Package watchdog samples a worker's resource usage and signals sustained
// limit breaches. It never kills anything itself.
package watchdog

import (
	"context"
	"sync"
	"time"

	"neuroflow/pkg/utils/logger"

	"go.uber.org/zap"
)

// Config configures one watchdog.
type Config struct {
	Sampler  Sampler
	Policy   Policy
	Interval time.Duration
	// OnSample, when set, receives every successful sample.
	OnSample func(Usage)
}

// Watchdog watches one worker.
type Watchdog struct {
	cfg    Config
	breach chan Breach

	mu      sync.RWMutex
	last    Usage
	sampled bool
}

// New creates a watchdog; call Run to start sampling.
func New(cfg Config) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watchdog{cfg: cfg, breach: make(chan Breach, 1)}
}

// Breaches delivers at most one breach.
func (w *Watchdog) Breaches() <-chan Breach {
	return w.breach
}

// Last returns the most recent sample.
func (w *Watchdog) Last() (Usage, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.sampled
}

// Run samples until ctx is done or a breach has been signaled.
func (w *Watchdog) Run(ctx context.Context) {
	eval := NewEvaluator(w.cfg.Policy)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		usage, err := w.cfg.Sampler.Sample(ctx)
		if err != nil {
			failures++
			if failures == 1 || failures%50 == 0 {
				logger.Debug(ctx, "watchdog sample failed", zap.Int("failures", failures), zap.Error(err))
			}
			continue
		}
		failures = 0
		w.mu.Lock()
		w.last, w.sampled = usage, true
		w.mu.Unlock()
		if w.cfg.OnSample != nil {
			w.cfg.OnSample(usage)
		}
		if b, ok := eval.Observe(usage); ok {
			logger.Warn(ctx, "resource limit breached", zap.String("resource", string(b.Resource)), zap.String("detail", b.String()))
			w.breach <- b
			return
		}
	}
}
