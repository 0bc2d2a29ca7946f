package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultDirectURL = "wss://api.elevenlabs.io/v1/convai/conversation"

	relayConversationPath = "/v1/convai/conversation"
	relayProbePath        = "/v1/probe"
	probePayload          = "probe"
)

// SignedURLFunc issues a short-lived conversation URL for private agents.
type SignedURLFunc func(ctx context.Context, agentID string) (string, error)

type DirectConfig struct {
	BaseURL string
	AgentID string
	// APIKey is sent as xi-api-key when set. Browser-style public agents
	// leave it empty.
	APIKey    string
	SignedURL SignedURLFunc
	// ProbeURL, when set, is a websocket URL that Probe opens instead of
	// sending a GET to the conversation endpoint.
	ProbeURL  string
	Transport Config
}

// Direct connects straight to the peer's socket endpoint.
type Direct struct {
	cfg    DirectConfig
	logger *slog.Logger
}

func NewDirect(cfg DirectConfig, logger *slog.Logger) (*Direct, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = DefaultDirectURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Direct{cfg: cfg, logger: logger}, nil
}

func (d *Direct) Mode() Mode { return ModeDirect }

func (d *Direct) Open(ctx context.Context) (Conn, error) {
	target, err := d.conversationURL(ctx)
	if err != nil {
		return nil, err
	}
	return dial(ctx, ModeDirect, target, d.header(), d.cfg.Transport, d.logger)
}

// Probe checks that the peer is reachable without starting a conversation.
// With ProbeURL set it opens and closes a socket there. Otherwise it sends a
// plain GET to the conversation endpoint: a websocket endpoint answers that
// without upgrading, so no conversation is created. 401, 403 and 404 come
// back as a HandshakeError so the agent can be told apart from the network.
func (d *Direct) Probe(ctx context.Context) error {
	if target := strings.TrimSpace(d.cfg.ProbeURL); target != "" {
		conn, err := dialRaw(ctx, target, d.header(), d.cfg.Transport)
		if err != nil {
			return err
		}
		closeRaw(conn, d.cfg.Transport)
		return nil
	}
	target, err := d.conversationURL(ctx)
	if err != nil {
		return err
	}
	return httpProbe(ctx, target, d.header(), d.cfg.Transport)
}

func (d *Direct) conversationURL(ctx context.Context) (string, error) {
	if d.cfg.SignedURL != nil {
		signed, err := d.cfg.SignedURL(ctx, d.cfg.AgentID)
		if err != nil {
			return "", fmt.Errorf("signed url: %w", err)
		}
		return signed, nil
	}
	return buildWSURL(d.cfg.BaseURL, "", url.Values{"agent_id": {d.cfg.AgentID}})
}

func (d *Direct) header() http.Header {
	header := http.Header{}
	if key := strings.TrimSpace(d.cfg.APIKey); key != "" {
		header.Set("xi-api-key", key)
	}
	return header
}

type RelayConfig struct {
	BaseURL   string
	AgentID   string
	Token     string
	Transport Config
}

// Relay connects through the relay server, which holds the upstream
// credentials and pipes frames unchanged.
type Relay struct {
	cfg    RelayConfig
	logger *slog.Logger
}

func NewRelay(cfg RelayConfig, logger *slog.Logger) (*Relay, error) {
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("agent id is required")
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("relay base url is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger}, nil
}

func (r *Relay) Mode() Mode { return ModeRelay }

func (r *Relay) Open(ctx context.Context) (Conn, error) {
	target, err := buildWSURL(r.cfg.BaseURL, relayConversationPath, url.Values{"agent_id": {r.cfg.AgentID}})
	if err != nil {
		return nil, err
	}
	return dial(ctx, ModeRelay, target, r.header(), r.cfg.Transport, r.logger)
}

// Probe opens the relay's probe socket and waits for one echoed frame.
func (r *Relay) Probe(ctx context.Context) error {
	target, err := buildWSURL(r.cfg.BaseURL, relayProbePath, nil)
	if err != nil {
		return err
	}
	conn, err := dialRaw(ctx, target, r.header(), r.cfg.Transport)
	if err != nil {
		return err
	}
	defer closeRaw(conn, r.cfg.Transport)

	deadline := time.Now().Add(r.cfg.Transport.withDefaults().HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(probePayload)); err != nil {
		return &TransportError{Op: "probe write", URL: target, Err: err}
	}
	_ = conn.SetReadDeadline(deadline)
	_, data, err := conn.ReadMessage()
	if err != nil {
		return &TransportError{Op: "probe read", URL: target, Err: err}
	}
	if string(data) != probePayload {
		return &TransportError{Op: "probe read", URL: target, Err: fmt.Errorf("unexpected probe reply %q", truncate(string(data), 64))}
	}
	return nil
}

func (r *Relay) header() http.Header {
	header := http.Header{}
	if token := strings.TrimSpace(r.cfg.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return header
}

func dialRaw(ctx context.Context, target string, header http.Header, cfg Config) (*websocket.Conn, error) {
	cfg = cfg.withDefaults()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, &TransportError{Op: "dial", URL: target, Err: err}
	}
	return conn, nil
}

func httpProbe(ctx context.Context, wsTarget string, header http.Header, cfg Config) error {
	cfg = cfg.withDefaults()
	u, err := url.Parse(wsTarget)
	if err != nil {
		return fmt.Errorf("parse probe url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	target := u.String()

	ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return &TransportError{Op: "probe", URL: target, Err: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		return &TransportError{Op: "probe", URL: target, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode >= http.StatusInternalServerError:
		return &TransportError{Op: "probe", URL: target, Err: &HandshakeError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("probe status %d", resp.StatusCode),
		}}
	}
	return nil
}

func closeRaw(conn *websocket.Conn, cfg Config) {
	cfg = cfg.withDefaults()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(cfg.WriteTimeout))
	_ = conn.Close()
}

// buildWSURL joins base and path and maps http(s) schemes to ws(s).
func buildWSURL(base, path string, query url.Values) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", base, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	case "":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid url %q: missing host", base)
	}
	if path != "" {
		u.Path = strings.TrimRight(u.Path, "/") + path
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Set(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
