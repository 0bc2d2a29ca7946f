package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
)

const (
	DefaultPeerBaseURL = "https://api.elevenlabs.io"

	maxRecordingBytes = 256 << 20
	maxErrorBodyBytes = 4 << 10
)

// ErrRecordingNotReady is reported while the peer is still finalizing a
// conversation recording (HTTP 404 or 425). It is the only retrievable
// condition for recordings.
var ErrRecordingNotReady = errors.New("recording not ready")

// StatusError is a non-2xx response from a collaborator.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return ""
	}
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Body)
}

// TransportError wraps network-level failures talking to a collaborator.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport error during %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SessionRecord is the persisted shape of one call. Analysis is opaque.
type SessionRecord struct {
	ID              string             `json:"id,omitempty"`
	AgentID         string             `json:"agent_id,omitempty"`
	Mode            string             `json:"mode,omitempty"`
	ConversationID  string             `json:"conversation_id,omitempty"`
	Status          string             `json:"status,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	DurationSeconds float64            `json:"duration_seconds,omitempty"`
	Transcript      []transcript.Entry `json:"transcript,omitempty"`
	Analysis        json.RawMessage    `json:"analysis,omitempty"`
	AudioAnalyzed   bool               `json:"audio_analyzed,omitempty"`
}

type Config struct {
	// SessionStoreURL is the base of the session key-value store; records
	// live under {SessionStoreURL}/sessions.
	SessionStoreURL string
	StoreToken      string

	PeerBaseURL string
	PeerAPIKey  string

	Timeout time.Duration
}

type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if strings.TrimSpace(cfg.PeerBaseURL) == "" {
		cfg.PeerBaseURL = DefaultPeerBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				ForceAttemptHTTP2:     true,
				MaxIdleConns:          16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, httpClient: httpClient, logger: logger}
}

// CreateSession stores a new record and returns its server-assigned id.
func (c *Client) CreateSession(ctx context.Context, rec SessionRecord) (string, error) {
	if strings.TrimSpace(c.cfg.SessionStoreURL) == "" {
		return "", fmt.Errorf("session store url is not configured")
	}
	rec.ID = ""
	var out struct {
		ID string `json:"id"`
	}
	if err := c.doJSON(ctx, "create session", http.MethodPost, joinURL(c.cfg.SessionStoreURL, "/sessions"), rec, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.ID) == "" {
		return "", fmt.Errorf("create session: response missing id")
	}
	return out.ID, nil
}

func (c *Client) UpdateSession(ctx context.Context, id string, rec SessionRecord) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(c.cfg.SessionStoreURL) == "" {
		return fmt.Errorf("session store url is not configured")
	}
	rec.ID = id
	return c.doJSON(ctx, "update session", http.MethodPatch, joinURL(c.cfg.SessionStoreURL, "/sessions/"+url.PathEscape(id)), rec, nil)
}

// FetchRecording downloads the recorded audio for a finished conversation.
// While the peer is still processing, the error wraps ErrRecordingNotReady.
func (c *Client) FetchRecording(ctx context.Context, conversationID string) ([]byte, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	target := joinURL(c.cfg.PeerBaseURL, "/v1/convai/conversations/"+url.PathEscape(conversationID)+"/audio")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.addPeerAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "fetch recording", URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusTooEarly {
		body := readErrorBody(resp.Body)
		return nil, fmt.Errorf("%w: %w", ErrRecordingNotReady, &StatusError{Op: "fetch recording", StatusCode: resp.StatusCode, Body: body})
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{Op: "fetch recording", StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordingBytes+1))
	if err != nil {
		return nil, &TransportError{Op: "read recording", URL: target, Err: err}
	}
	if len(data) > maxRecordingBytes {
		return nil, fmt.Errorf("fetch recording: body exceeds %d bytes", maxRecordingBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrRecordingNotReady)
	}
	return data, nil
}

// SignedURL issues a conversation URL for a private agent.
func (c *Client) SignedURL(ctx context.Context, agentID string) (string, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	target := joinURL(c.cfg.PeerBaseURL, "/v1/convai/conversation/get_signed_url") + "?" + url.Values{"agent_id": {agentID}}.Encode()
	var out struct {
		SignedURL string `json:"signed_url"`
	}
	if err := c.doJSON(ctx, "get signed url", http.MethodGet, target, nil, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SignedURL) == "" {
		return "", fmt.Errorf("get signed url: response missing signed_url")
	}
	return out.SignedURL, nil
}

func (c *Client) doJSON(ctx context.Context, op, method, target string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if strings.HasPrefix(target, strings.TrimRight(c.cfg.PeerBaseURL, "/")) {
		c.addPeerAuth(req)
	} else if token := strings.TrimSpace(c.cfg.StoreToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, URL: target, Err: err}
	}
	defer resp.Body.Close()

	c.logger.Debug("backend request",
		"op", op,
		"method", method,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) addPeerAuth(req *http.Request) {
	if key := strings.TrimSpace(c.cfg.PeerAPIKey); key != "" {
		req.Header.Set("xi-api-key", key)
	}
}

func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	return strings.TrimSpace(string(data))
}

func joinURL(base, path string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + path
}
