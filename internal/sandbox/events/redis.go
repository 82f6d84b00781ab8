package events

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"neuroflow/internal/common/cache"
)

const (
	defaultKeyPrefix  = "neuroflow:sandbox"
	defaultHistoryLen = 100
	defaultStateTTL   = 24 * time.Hour
)

// RedisConfig controls the Redis state store layout.
type RedisConfig struct {
	KeyPrefix string `yaml:"keyPrefix"`
	// HistoryLen caps the per-agent event list.
	HistoryLen int64         `yaml:"historyLen"`
	StateTTL   time.Duration `yaml:"stateTTL"`
}

func (c *RedisConfig) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = defaultKeyPrefix
	}
	if c.HistoryLen <= 0 {
		c.HistoryLen = defaultHistoryLen
	}
	if c.StateTTL <= 0 {
		c.StateTTL = defaultStateTTL
	}
}

// RedisRecorder mirrors sandbox state into Redis so other processes can
// inspect it:
//
//	<prefix>:state:<sandbox>   hash with agent, state, reason, updated_at
//	<prefix>:active            set of sandbox ids not yet stopped
//	<prefix>:agent:<agent>     capped list of JSON events, newest first
type RedisRecorder struct {
	cache cache.Cache
	cfg   RedisConfig
}

// NewRedisRecorder wraps c. The recorder owns c and closes it on Close.
func NewRedisRecorder(c cache.Cache, cfg RedisConfig) *RedisRecorder {
	cfg.applyDefaults()
	return &RedisRecorder{cache: c, cfg: cfg}
}

func (r *RedisRecorder) StateKey(sandboxID string) string {
	return fmt.Sprintf("%s:state:%s", r.cfg.KeyPrefix, sandboxID)
}

func (r *RedisRecorder) ActiveKey() string {
	return r.cfg.KeyPrefix + ":active"
}

func (r *RedisRecorder) HistoryKey(agentID string) string {
	return fmt.Sprintf("%s:agent:%s", r.cfg.KeyPrefix, agentID)
}

func (r *RedisRecorder) Record(ctx context.Context, ev Event) error {
	body, err := ev.marshal()
	if err != nil {
		return err
	}
	return r.cache.Pipeline(ctx, func(p cache.Pipeliner) error {
		if ev.Kind == KindTransition && ev.SandboxID != "" {
			key := r.StateKey(ev.SandboxID)
			fields := map[string]interface{}{
				"agent_id":   ev.AgentID,
				"state":      ev.To,
				"reason":     ev.Reason,
				"updated_at": strconv.FormatInt(ev.At.UnixMilli(), 10),
			}
			if ev.PID > 0 {
				fields["pid"] = ev.PID
			}
			_ = p.HMSet(key, fields)
			_ = p.Expire(key, r.cfg.StateTTL)
			if ev.To == "stopped" {
				_ = p.SRem(r.ActiveKey(), ev.SandboxID)
			} else {
				_ = p.SAdd(r.ActiveKey(), ev.SandboxID)
			}
		}
		if ev.AgentID != "" {
			hkey := r.HistoryKey(ev.AgentID)
			_ = p.LPush(hkey, body)
			_ = p.LTrim(hkey, 0, r.cfg.HistoryLen-1)
			_ = p.Expire(hkey, r.cfg.StateTTL)
		}
		return nil
	})
}

func (r *RedisRecorder) Close() error {
	return r.cache.Close()
}

var _ Recorder = (*RedisRecorder)(nil)
