package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const priorityQueueSize = 8

type wsConn struct {
	conn   *websocket.Conn
	mode   Mode
	url    string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	priority chan outboundFrame
	normal   chan outboundFrame
	events   chan Event

	writerDone chan struct{}
	closeOnce  sync.Once
	failOnce   sync.Once
}

func dial(ctx context.Context, mode Mode, rawURL string, header http.Header, cfg Config, logger *slog.Logger) (*wsConn, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := dialRaw(ctx, rawURL, header, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxMessageBytes > 0 {
		conn.SetReadLimit(cfg.MaxMessageBytes)
	}

	cctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:       conn,
		mode:       mode,
		url:        rawURL,
		logger:     logger,
		ctx:        cctx,
		cancel:     cancel,
		priority:   make(chan outboundFrame, priorityQueueSize),
		normal:     make(chan outboundFrame, cfg.QueueSize),
		events:     make(chan Event, 64),
		writerDone: make(chan struct{}),
	}

	logger.Debug("transport connected", "mode", string(mode), "url", redactURL(rawURL))

	go c.readLoop()
	go func() {
		defer close(c.writerDone)
		w := outboundWriter{
			ws:       conn,
			ctx:      cctx,
			cfg:      cfg,
			priority: c.priority,
			normal:   c.normal,
		}
		if err := w.Run(); err != nil {
			c.fail(&TransportError{Op: "write", URL: rawURL, Err: err})
			_ = conn.Close()
		}
	}()
	return c, nil
}

// HandshakeError carries the HTTP status of a rejected websocket upgrade.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	return http.StatusText(e.StatusCode) + ": " + e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (c *wsConn) Mode() Mode { return c.mode }

func (c *wsConn) Events() <-chan Event { return c.events }

func (c *wsConn) Send(data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case c.normal <- outboundFrame{textPayload: data}:
		return nil
	default:
		return ErrBackpressure
	}
}

// SendPriority queues a frame ahead of normal traffic, evicting the oldest
// priority frame if the priority queue is full.
func (c *wsConn) SendPriority(data []byte) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	frame := outboundFrame{textPayload: data}
	for i := 0; i < 4; i++ {
		select {
		case c.priority <- frame:
			return nil
		default:
		}
		select {
		case <-c.priority:
		default:
		}
	}
	select {
	case c.priority <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Close sends a normal closure and waits briefly for the writer to flush.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		timer := time.NewTimer(100 * time.Millisecond)
		defer timer.Stop()
		select {
		case <-c.writerDone:
		case <-timer.C:
			_ = c.conn.Close()
		}
	})
	return nil
}

func (c *wsConn) readLoop() {
	defer func() {
		c.cancel()
		<-c.writerDone
		close(c.events)
	}()
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.fail(classifyReadError(c.url, err))
			return
		}
		ev := Event{Binary: messageType == websocket.BinaryMessage, Data: data}
		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

// fail delivers the terminal error once. Write failures race the read loop;
// whichever reports first wins.
func (c *wsConn) fail(err error) {
	c.failOnce.Do(func() {
		select {
		case c.events <- Event{Err: err}:
		case <-c.ctx.Done():
		}
	})
}

func classifyReadError(rawURL string, err error) error {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return &CloseError{
			Code:  closeErr.Code,
			Text:  strings.TrimSpace(closeErr.Text),
			Clean: closeErr.Code == websocket.CloseNormalClosure,
		}
	}
	return &TransportError{Op: "read", URL: rawURL, Err: err}
}
