package transport

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	textPayload   []byte
	binaryPayload []byte
}

// outboundWriter owns all writes to the socket. Priority frames (pongs) always
// go before queued audio.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	cfg := w.cfg.withDefaults()
	pingTicker := time.NewTicker(cfg.PingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.flushPriorityOnShutdown(cfg.WriteTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, cfg.WriteTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if pendingNormal != nil {
			if err := w.writeFrame(*pendingNormal, cfg.WriteTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		var done <-chan struct{}
		if w.ctx != nil {
			done = w.ctx.Done()
		}

		select {
		case <-done:
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(cfg.WriteTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, cfg.WriteTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)
	switch {
	case len(frame.textPayload) > 0:
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	case len(frame.binaryPayload) > 0:
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPayload)
	}
	return nil
}
