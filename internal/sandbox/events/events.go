// Package events publishes sandbox lifecycle events to external sinks.
// Publishing is best effort and never blocks the sandbox that produced the
// event.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"neuroflow/pkg/utils/logger"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Kind classifies lifecycle events.
type Kind string

const (
	KindTransition   Kind = "sandbox.transition"
	KindRegistered   Kind = "agent.registered"
	KindUnregistered Kind = "agent.unregistered"
	KindRestart      Kind = "sandbox.restart"
)

// Event is one lifecycle fact.
type Event struct {
	Kind      Kind      `json:"kind"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	AgentID   string    `json:"agent_id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	PID       int       `json:"pid,omitempty"`
	At        time.Time `json:"at"`
}

// Key partitions events so one sandbox's history stays ordered.
func (e Event) Key() string {
	if e.SandboxID != "" {
		return e.SandboxID
	}
	return e.AgentID
}

func (e Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Recorder persists or forwards events.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
	Close() error
}

// Multi fans events out to every recorder.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, ev Event) error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Record(ctx, ev))
	}
	return err
}

func (m Multi) Close() error {
	var err error
	for _, r := range m {
		err = multierr.Append(err, r.Close())
	}
	return err
}

const (
	defaultBuffer        = 1024
	defaultRecordTimeout = 2 * time.Second
)

// Dispatcher queues events in memory and records them on a background
// goroutine. When the buffer is full new events are dropped and counted.
type Dispatcher struct {
	recorder Recorder
	timeout  time.Duration
	queue    chan Event
	done     chan struct{}

	mu      sync.Mutex
	closed  bool
	dropped uint64
	failed  uint64
}

// NewDispatcher starts the delivery goroutine. A nil recorder makes a
// dispatcher that discards everything.
func NewDispatcher(recorder Recorder, buffer int, timeout time.Duration) *Dispatcher {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if timeout <= 0 {
		timeout = defaultRecordTimeout
	}
	d := &Dispatcher{
		recorder: recorder,
		timeout:  timeout,
		queue:    make(chan Event, buffer),
		done:     make(chan struct{}),
	}
	go d.loop()
	return d
}

// Publish enqueues ev without blocking.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil || d.recorder == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.queue <- ev:
	default:
		d.dropped++
		if d.dropped == 1 || d.dropped%100 == 0 {
			logger.Warn(context.Background(), "lifecycle event buffer full, dropping",
				zap.Uint64("dropped", d.dropped), zap.String("kind", string(ev.Kind)))
		}
	}
}

// Stats returns how many events were dropped and how many failed delivery.
func (d *Dispatcher) Stats() (dropped, failed uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped, d.failed
}

// Close drains queued events and closes the recorder.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if d.recorder == nil {
		return nil
	}
	return d.recorder.Close()
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for ev := range d.queue {
		if d.recorder == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.recorder.Record(ctx, ev)
		cancel()
		if err != nil {
			d.mu.Lock()
			d.failed++
			d.mu.Unlock()
			logger.Warn(context.Background(), "record lifecycle event failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("sandbox_id", ev.SandboxID),
				zap.Error(err),
			)
		}
	}
}
