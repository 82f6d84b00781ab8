package manager

import (
	"context"
	"time"

	"neuroflow/internal/sandbox/process"
	"neuroflow/pkg/utils/logger"

	"go.uber.org/zap"
)

func (m *Manager) reapLoop() {
	defer close(m.reapDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.reapStop:
			return
		case now := <-ticker.C:
			m.reapIdle(now)
			m.refreshGauges()
		}
	}
}

func (m *Manager) stopReaper() {
	m.stopOnce.Do(func() { close(m.reapStop) })
	<-m.reapDone
}

// reapIdle stops sandboxes idle for longer than IdleTTL. Registered agents
// keep WarmPool members; pools of agents that never registered are dropped
// once empty.
func (m *Manager) reapIdle(now time.Time) int {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	var victims []*process.Sandbox
	for agentID, pool := range m.agents {
		keep := 0
		if pool.registered {
			keep = m.cfg.WarmPool
		}
		claimed := 0
		for _, sb := range pool.members {
			if len(pool.members)-claimed <= keep {
				break
			}
			if sb.State() != process.StateReady || now.Sub(sb.LastActivity()) < m.cfg.IdleTTL {
				continue
			}
			// Holding the slot keeps the victim away from new requests.
			if !sb.TryAcquire() {
				continue
			}
			victims = append(victims, sb)
			claimed++
		}
		if !pool.registered && pool.waiting == 0 && len(pool.members) == claimed {
			delete(m.agents, agentID)
		}
	}
	m.mu.Unlock()

	if len(victims) == 0 {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout())
	defer cancel()
	if err := m.stopAll(ctx, victims); err != nil {
		logger.Warn(ctx, "stop idle sandboxes failed", zap.Error(err))
	}
	logger.Info(ctx, "reaped idle sandboxes", zap.Int("count", len(victims)), zap.Duration("idle_ttl", m.cfg.IdleTTL))
	return len(victims)
}

// stopTimeout bounds one graceful stop including the SIGKILL escalation.
func (m *Manager) stopTimeout() time.Duration {
	stop, kill := m.cfg.Process.StopGrace, m.cfg.Process.KillGrace
	if stop <= 0 {
		stop = process.DefaultStopGrace
	}
	if kill <= 0 {
		kill = process.DefaultKillGrace
	}
	return stop + kill + time.Second
}
