package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
)

type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRelay  Mode = "relay"
)

func (m Mode) Valid() bool {
	return m == ModeDirect || m == ModeRelay
}

// ErrBackpressure is returned by Send when the outbound queue is full.
var ErrBackpressure = errors.New("transport outbound backpressure")

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("transport closed")

// Adapter opens connections for one transport mode.
type Adapter interface {
	Mode() Mode
	Open(ctx context.Context) (Conn, error)
	// Probe performs the cheapest handshake that proves the mode is reachable.
	Probe(ctx context.Context) error
}

// Conn is one open connection to the conversational peer. Inbound frames and
// the terminal error arrive on Events in order; the channel is closed after
// the terminal event.
type Conn interface {
	Mode() Mode
	Send(data []byte) error
	SendPriority(data []byte) error
	Events() <-chan Event
	Close() error
}

type Event struct {
	Binary bool
	Data   []byte
	Err    error
}

type Config struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	QueueSize        int
	MaxMessageBytes  int64
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// TransportError wraps dial and I/O failures.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	switch {
	case e == nil:
		return ""
	case e.Op != "" && e.URL != "":
		return fmt.Sprintf("transport error during %s %s: %v", e.Op, redactURL(e.URL), e.Err)
	case e.Op != "":
		return fmt.Sprintf("transport error during %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("transport error: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// CloseError reports the peer closing the socket. Clean is true for a normal
// closure.
type CloseError struct {
	Code  int
	Text  string
	Clean bool
}

func (e *CloseError) Error() string {
	if e == nil {
		return ""
	}
	if e.Text == "" {
		return fmt.Sprintf("connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed (code %d): %s", e.Code, e.Text)
}

// IsCleanClose reports whether err is a normal closure by the peer.
func IsCleanClose(err error) bool {
	var closeErr *CloseError
	return errors.As(err, &closeErr) && closeErr.Clean
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.User = nil
	q := u.Query()
	for _, key := range []string{"token", "conversation_signature", "xi-api-key"} {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
