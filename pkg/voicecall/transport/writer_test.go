package transport

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

type recordedWrite struct {
	messageType int
	data        string
}

type fakeWSWriter struct {
	mu       sync.Mutex
	writes   []recordedWrite
	writeErr error
	closed   bool
}

func (f *fakeWSWriter) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWSWriter) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes = append(f.writes, recordedWrite{messageType: messageType, data: string(data)})
	return nil
}

func (f *fakeWSWriter) WriteControl(messageType int, data []byte, deadline time.Time) error {
	_ = deadline
	return f.WriteMessage(messageType, data)
}

func (f *fakeWSWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeWSWriter) snapshot() []recordedWrite {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedWrite, len(f.writes))
	copy(out, f.writes)
	return out
}

func TestOutboundWriter_PriorityBeatsNormal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priority := make(chan outboundFrame, 1)
	normal := make(chan outboundFrame, 2)

	normal <- outboundFrame{textPayload: []byte(`{"user_audio_chunk":"AAAA"}`)}
	normal <- outboundFrame{textPayload: []byte(`{"user_audio_chunk":"BBBB"}`)}
	priority <- outboundFrame{textPayload: []byte(`{"type":"pong","event_id":1}`)}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{
		ws:       ws,
		ctx:      ctx,
		cfg:      Config{PingInterval: time.Hour, WriteTimeout: time.Second},
		priority: priority,
		normal:   normal,
	}

	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 3 {
		t.Fatalf("writes=%d, want 3", len(writes))
	}
	if !strings.Contains(writes[0].data, `"type":"pong"`) {
		t.Fatalf("first write was not pong: %q", writes[0].data)
	}
	if !strings.Contains(writes[1].data, "AAAA") || !strings.Contains(writes[2].data, "BBBB") {
		t.Fatalf("audio frames out of order: %+v", writes)
	}
}

func TestOutboundWriter_BinaryFrames(t *testing.T) {
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{binaryPayload: []byte{1, 2, 3}}
	close(priority)
	close(normal)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	writes := ws.snapshot()
	if len(writes) != 1 || writes[0].messageType != websocket.BinaryMessage {
		t.Fatalf("writes=%+v", writes)
	}
}

func TestOutboundWriter_CancelSendsCloseAndFlushesPriority(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	priority := make(chan outboundFrame, 2)
	normal := make(chan outboundFrame, 1)
	priority <- outboundFrame{textPayload: []byte(`{"type":"pong","event_id":9}`)}
	cancel()

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: time.Hour, WriteTimeout: time.Second}, priority: priority, normal: normal}
	if err := w.Run(); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	writes := ws.snapshot()
	if len(writes) != 2 {
		t.Fatalf("writes=%d, want 2: %+v", len(writes), writes)
	}
	if !strings.Contains(writes[0].data, `"event_id":9`) {
		t.Fatalf("pending pong not flushed: %q", writes[0].data)
	}
	if writes[1].messageType != websocket.CloseMessage {
		t.Fatalf("last write type=%d, want close", writes[1].messageType)
	}
	if !ws.closed {
		t.Fatalf("socket not closed")
	}
}

func TestOutboundWriter_WriteErrorStopsRun(t *testing.T) {
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame, 1)
	normal <- outboundFrame{textPayload: []byte(`{"user_audio_chunk":"AAAA"}`)}

	wantErr := errors.New("broken pipe")
	ws := &fakeWSWriter{writeErr: wantErr}
	w := outboundWriter{ws: ws, cfg: Config{PingInterval: time.Hour}, priority: priority, normal: normal}
	if err := w.Run(); !errors.Is(err, wantErr) {
		t.Fatalf("Run() error=%v, want %v", err, wantErr)
	}
}

func TestOutboundWriter_SendsPings(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	priority := make(chan outboundFrame)
	normal := make(chan outboundFrame)

	ws := &fakeWSWriter{}
	w := outboundWriter{ws: ws, ctx: ctx, cfg: Config{PingInterval: 5 * time.Millisecond, WriteTimeout: time.Second}, priority: priority, normal: normal}
	done := make(chan error, 1)
	go func() { done <- w.Run() }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		pings := 0
		for _, wr := range ws.snapshot() {
			if wr.messageType == websocket.PingMessage {
				pings++
			}
		}
		if pings > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	var pings int
	for _, wr := range ws.snapshot() {
		if wr.messageType == websocket.PingMessage {
			pings++
		}
	}
	if pings == 0 {
		t.Fatalf("expected at least one ping")
	}
}
