package ipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"
)

type fakeWorker struct {
	t     *testing.T
	codec Codec
	in    *io.PipeReader
	out   *io.PipeWriter
}

func newChannelPair(t *testing.T, codec Codec) (*Channel, *fakeWorker) {
	t.Helper()
	hostToWorkerR, hostToWorkerW := io.Pipe()
	workerToHostR, workerToHostW := io.Pipe()
	ch := NewChannel(context.Background(), workerToHostR, hostToWorkerW, codec)
	w := &fakeWorker{t: t, codec: ch.Codec(), in: hostToWorkerR, out: workerToHostW}
	t.Cleanup(func() {
		_ = ch.Close()
		_ = w.out.Close()
		_ = w.in.Close()
	})
	return ch, w
}

func (w *fakeWorker) send(frameType byte, v any) {
	data, err := w.codec.Marshal(v)
	if err != nil {
		w.t.Errorf("marshal: %v", err)
		return
	}
	// The host may already be gone; tests assert on the host side.
	_ = WriteFrame(w.out, Frame{Type: frameType, Payload: data})
}

func (w *fakeWorker) readRequest() (Request, bool) {
	frame, err := ReadFrame(w.in)
	if err != nil {
		return Request{}, false
	}
	if frame.Type != FrameRequest {
		return Request{}, false
	}
	var req Request
	if err := w.codec.Unmarshal(frame.Payload, &req); err != nil {
		w.t.Errorf("unmarshal request: %v", err)
		return Request{}, false
	}
	return req, true
}

// serveEcho answers every request with its own payload.
func (w *fakeWorker) serveEcho() {
	go func() {
		for {
			req, ok := w.readRequest()
			if !ok {
				return
			}
			w.send(FrameResponse, Response{ID: req.ID, OK: true, Result: req.Payload})
		}
	}()
}

func TestHandshakeAndEcho(t *testing.T) {
	for _, codec := range []Codec{JSON(), CBOR()} {
		t.Run(codec.Name(), func(t *testing.T) {
			ch, w := newChannelPair(t, codec)
			go w.send(FrameHello, Hello{Version: ProtocolVersion, PID: 10, Runtime: "test"})
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			hello, err := ch.Handshake(ctx)
			if err != nil {
				t.Fatalf("handshake: %v", err)
			}
			if hello.PID != 10 {
				t.Fatalf("unexpected hello: %+v", hello)
			}
			w.serveEcho()
			for i := 0; i < 3; i++ {
				resp, err := ch.Call(ctx, "echo", []byte("hello"), time.Now().Add(time.Second))
				if err != nil {
					t.Fatalf("call: %v", err)
				}
				if !resp.OK || !bytes.Equal(resp.Result, []byte("hello")) {
					t.Fatalf("unexpected response: %+v", resp)
				}
				if resp.ID != uint64(i+1) {
					t.Fatalf("correlation id = %d, want %d", resp.ID, i+1)
				}
			}
		})
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	ch, w := newChannelPair(t, JSON())
	go w.send(FrameHello, Hello{Version: ProtocolVersion + 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := ch.Handshake(ctx); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestSendWhileOutstandingIsBusy(t *testing.T) {
	ch, w := newChannelPair(t, JSON())
	go func() {
		for {
			if _, ok := w.readRequest(); !ok {
				return
			}
		}
	}()
	if err := ch.Send(NewRequest(ch.NextID(), "slow", nil, time.Now().Add(time.Second))); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := ch.Send(NewRequest(ch.NextID(), "slow", nil, time.Now().Add(time.Second)))
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestMismatchedResponseIsDiscarded(t *testing.T) {
	ch, w := newChannelPair(t, JSON())
	go func() {
		req, ok := w.readRequest()
		if !ok {
			return
		}
		w.send(FrameResponse, Response{ID: req.ID + 100, OK: true, Result: []byte("stale")})
		w.send(FrameResponse, Response{ID: req.ID, OK: true, Result: []byte("fresh")})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := ch.Call(ctx, "echo", nil, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if string(resp.Result) != "fresh" {
		t.Fatalf("got %q, want fresh", resp.Result)
	}
}

func TestWorkerEOFIsDistinctFromTimeout(t *testing.T) {
	ch, w := newChannelPair(t, JSON())
	go func() {
		if _, ok := w.readRequest(); ok {
			_ = w.out.Close()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ch.Call(ctx, "crash", nil, time.Now().Add(time.Second))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close must not look like a timeout")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatalf("channel not done after EOF")
	}
}

func TestUndecodableResponse(t *testing.T) {
	ch, w := newChannelPair(t, JSON())
	go func() {
		if _, ok := w.readRequest(); ok {
			_ = WriteFrame(w.out, Frame{Type: FrameResponse, Payload: []byte("{not json")})
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ch.Call(ctx, "echo", nil, time.Now().Add(time.Second))
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if ch.Outstanding() != 0 {
		t.Fatalf("outstanding should be cleared")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	ch, _ := newChannelPair(t, JSON())
	_ = ch.Close()
	if err := ch.Send(NewRequest(ch.NextID(), "echo", nil, time.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if _, err := ch.Recv(context.Background()); !errors.Is(err, ErrNoRequest) {
		t.Fatalf("expected ErrNoRequest, got %v", err)
	}
}
