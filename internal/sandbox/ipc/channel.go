package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"neuroflow/pkg/utils/logger"

	"go.uber.org/zap"
)

var (
	// ErrClosed means the worker end is gone (EOF or broken pipe).
	ErrClosed = errors.New("ipc: channel closed")
	// ErrBusy means a request is already outstanding on the channel.
	ErrBusy = errors.New("ipc: request already outstanding")
	// ErrNoRequest means Recv was called with nothing outstanding.
	ErrNoRequest = errors.New("ipc: no request outstanding")
)

// EncodeError wraps a failure to marshal an outgoing envelope.
type EncodeError struct{ Err error }

func (e *EncodeError) Error() string { return "ipc: encode request: " + e.Err.Error() }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps a failure to unmarshal an incoming envelope.
type DecodeError struct{ Err error }

func (e *DecodeError) Error() string { return "ipc: decode response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

type inbound struct {
	resp Response
	err  error
}

// Channel carries at most one outstanding request to a worker.
type Channel struct {
	r     io.Reader
	w     io.WriteCloser
	codec Codec
	ctx   context.Context

	writeMu sync.Mutex

	mu          sync.Mutex
	nextID      uint64
	outstanding uint64
	closed      bool

	hello     chan Hello
	responses chan inbound
	closing   chan struct{}
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewChannel starts reading frames from r. logCtx carries log fields such as
// the sandbox id.
func NewChannel(logCtx context.Context, r io.Reader, w io.WriteCloser, codec Codec) *Channel {
	if codec == nil {
		codec = JSON()
	}
	if logCtx == nil {
		logCtx = context.Background()
	}
	c := &Channel{
		r:         r,
		w:         w,
		codec:     codec,
		ctx:       logCtx,
		hello:     make(chan Hello, 1),
		responses: make(chan inbound, 4),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Codec returns the envelope codec in use.
func (c *Channel) Codec() Codec { return c.codec }

// Done is closed once the read side has stopped.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the read error that closed the channel, if any.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Handshake waits for the worker's hello frame.
func (c *Channel) Handshake(ctx context.Context) (Hello, error) {
	select {
	case h := <-c.hello:
		if h.Version != ProtocolVersion {
			return h, fmt.Errorf("ipc: worker speaks protocol %d, want %d", h.Version, ProtocolVersion)
		}
		return h, nil
	case <-c.done:
		return Hello{}, c.closedErr()
	case <-ctx.Done():
		return Hello{}, ctx.Err()
	}
}

// NextID returns the next correlation id. Ids start at 1 and only grow.
func (c *Channel) NextID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	return c.nextID
}

// Outstanding returns the id of the request in flight, or zero.
func (c *Channel) Outstanding() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstanding
}

// Send writes req. A second Send before the first resolves fails with ErrBusy.
func (c *Channel) Send(req Request) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.outstanding != 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: id %d", ErrBusy, c.outstanding)
	}
	payload, err := c.codec.Marshal(req)
	if err != nil {
		c.mu.Unlock()
		return &EncodeError{Err: err}
	}
	if len(payload) > MaxFrameLength {
		c.mu.Unlock()
		return &EncodeError{Err: fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))}
	}
	c.outstanding = req.ID
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Type: FrameRequest, Payload: payload}); err != nil {
		c.mu.Lock()
		c.outstanding = 0
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return nil
}

// Recv waits for the response to the outstanding request. Responses carrying
// any other correlation id are logged and dropped.
func (c *Channel) Recv(ctx context.Context) (Response, error) {
	if c.Outstanding() == 0 {
		return Response{}, ErrNoRequest
	}
	for {
		select {
		case in := <-c.responses:
			if resp, ok, err := c.accept(in); ok || err != nil {
				return resp, err
			}
		case <-c.done:
			// Prefer a response that raced the close.
			select {
			case in := <-c.responses:
				if resp, ok, err := c.accept(in); ok || err != nil {
					return resp, err
				}
				continue
			default:
			}
			return Response{}, c.closedErr()
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// Call sends a request and waits for its response.
func (c *Channel) Call(ctx context.Context, skill string, payload []byte, deadline time.Time) (Response, error) {
	req := NewRequest(c.NextID(), skill, payload, deadline)
	if err := c.Send(req); err != nil {
		return Response{}, err
	}
	return c.Recv(ctx)
}

// Shutdown asks the worker to exit on its own.
func (c *Channel) Shutdown() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return c.writeFrame(Frame{Type: FrameShutdown})
}

// Close closes both ends. It is safe to call more than once.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)
		err = c.w.Close()
		if rc, ok := c.r.(io.Closer); ok {
			_ = rc.Close()
		}
	})
	return err
}

func (c *Channel) accept(in inbound) (Response, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if in.err != nil {
		c.outstanding = 0
		return Response{}, false, in.err
	}
	if c.outstanding == 0 || in.resp.ID != c.outstanding {
		logger.Warn(c.ctx, "discarding response with unexpected correlation id",
			zap.Uint64("got", in.resp.ID),
			zap.Uint64("want", c.outstanding),
		)
		return Response{}, false, nil
	}
	c.outstanding = 0
	return in.resp, true, nil
}

func (c *Channel) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.w, f)
}

func (c *Channel) closedErr() error {
	if c.readErr != nil && !errors.Is(c.readErr, ErrClosed) {
		return fmt.Errorf("%w: %v", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Channel) readLoop() {
	defer close(c.done)
	for {
		frame, err := ReadFrame(c.r)
		if err != nil {
			c.readErr = err
			return
		}
		switch frame.Type {
		case FrameHello:
			var h Hello
			if err := c.codec.Unmarshal(frame.Payload, &h); err != nil {
				c.readErr = fmt.Errorf("decode hello: %w", err)
				return
			}
			select {
			case c.hello <- h:
			default:
				logger.Warn(c.ctx, "duplicate hello frame ignored")
			}
		case FrameResponse:
			var resp Response
			in := inbound{}
			if err := c.codec.Unmarshal(frame.Payload, &resp); err != nil {
				in.err = &DecodeError{Err: err}
			} else {
				in.resp = resp
			}
			select {
			case c.responses <- in:
			case <-c.closing:
				return
			}
		default:
			logger.Warn(c.ctx, "ignoring unknown frame type", zap.Uint8("type", frame.Type))
		}
	}
}
