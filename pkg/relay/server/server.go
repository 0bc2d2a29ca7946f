// Package server is the relay used by the client's relay transport mode. It
// holds the upstream API key, dials the conversational peer on the client's
// behalf and pipes frames both ways unchanged.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicecall/pkg/relay/config"
	"github.com/vango-go/vai-voicecall/pkg/relay/mw"
	"github.com/vango-go/vai-voicecall/pkg/relay/sessions"
)

const probePayload = "probe"

// Close codes sent to relay clients.
const (
	CloseTryAgainLater = 1013
	closeGoingAway     = websocket.CloseGoingAway
)

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	metrics *Metrics
	tracker *sessions.Tracker

	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

func New(cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		mux:     http.NewServeMux(),
		metrics: NewMetrics(""),
		tracker: sessions.NewTracker(cfg.MaxSessions),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.UpstreamHandshakeTimeout,
		},
	}
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin:      s.checkOrigin,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/readyz", s.handleReady)
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.HandleFunc("/v1/probe", s.handleProbe)
	s.mux.HandleFunc("/v1/convai/conversation", s.handleConversation)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		mw.WriteError(w, r, http.StatusNotFound, &mw.Error{
			Type:    mw.ErrInvalidRequest,
			Message: "not found",
		})
	})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Auth(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Metrics() *Metrics { return s.metrics }

// SetDraining flips readiness to 503 and stops admitting conversations.
func (s *Server) SetDraining() {
	s.tracker.Drain()
}

// WaitSessions blocks until all relayed conversations end or ctx expires.
func (s *Server) WaitSessions(ctx context.Context) bool {
	return s.tracker.Wait(ctx)
}

// CancelSessions closes every relayed conversation with "going away".
func (s *Server) CancelSessions() int {
	n := s.tracker.CloseAll(closeGoingAway, "relay shutting down")
	if n > 0 {
		s.logger.Info("closed relayed sessions", "count", n)
	}
	return n
}

func (s *Server) ActiveSessions() int { return s.tracker.Count() }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if _, ok := s.cfg.AllowedOrigins[origin]; ok {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.tracker.Draining() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.tracker.Count(),
	})
}

// handleProbe echoes one text frame so the negotiator can time a round trip
// through the relay.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		mw.WriteError(w, r, http.StatusBadRequest, &mw.Error{
			Type:    mw.ErrInvalidRequest,
			Message: "websocket upgrade required",
		})
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.ProbesTotal.Inc()
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.UpstreamHandshakeTimeout))
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
	if err := conn.WriteMessage(mt, data); err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(s.cfg.WSWriteTimeout))
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	agentID := strings.TrimSpace(r.URL.Query().Get("agent_id"))
	if agentID == "" {
		mw.WriteError(w, r, http.StatusBadRequest, &mw.Error{
			Type:    mw.ErrInvalidRequest,
			Message: "agent_id is required",
			Param:   "agent_id",
		})
		return
	}
	if !s.cfg.AgentAllowed(agentID) {
		mw.WriteError(w, r, http.StatusForbidden, &mw.Error{
			Type:    mw.ErrPermission,
			Message: "agent is not relayed by this server",
			Param:   "agent_id",
		})
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		mw.WriteError(w, r, http.StatusBadRequest, &mw.Error{
			Type:    mw.ErrInvalidRequest,
			Message: "websocket upgrade required",
		})
		return
	}

	rs := newRelaySession("rs_"+uuid.NewString(), agentID, s.cfg, s.logger.With("request_id", reqID), s.metrics)
	unregister, err := s.tracker.Register(rs.id, sessions.Handle{
		AgentID: agentID,
		Started: rs.started,
		Close:   rs.shutdown,
	})
	if err != nil {
		s.reject(w, r, err)
		return
	}
	defer unregister()

	upstream, err := s.dialUpstream(r.Context(), agentID)
	if err != nil {
		s.metrics.SessionsTotal.WithLabelValues(OutcomeUpstreamFailed).Inc()
		s.writeUpstreamError(w, r, err)
		return
	}

	client, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = upstream.Close()
		return
	}

	rs.run(client, upstream)
}

// reject upgrades and immediately closes, so websocket clients see a close
// code rather than an HTTP error.
func (s *Server) reject(w http.ResponseWriter, r *http.Request, cause error) {
	code, reason := CloseTryAgainLater, "relay at capacity"
	if errors.Is(cause, sessions.ErrDraining) {
		code, reason = closeGoingAway, "relay shutting down"
	}
	s.metrics.SessionsTotal.WithLabelValues(OutcomeRejected).Inc()
	s.logger.Warn("rejecting relayed session", "reason", reason, "active", s.tracker.Count())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WSWriteTimeout))
	_ = conn.Close()
}

type upstreamError struct {
	status int
	err    error
}

func (e *upstreamError) Error() string { return "dial upstream: " + e.err.Error() }
func (e *upstreamError) Unwrap() error { return e.err }

func (s *Server) dialUpstream(ctx context.Context, agentID string) (*websocket.Conn, error) {
	u, err := url.Parse(s.cfg.UpstreamURL)
	if err != nil {
		return nil, &upstreamError{err: err}
	}
	q := u.Query()
	q.Set("agent_id", agentID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("xi-api-key", s.cfg.UpstreamAPIKey)

	conn, resp, err := s.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		ue := &upstreamError{err: err}
		if resp != nil {
			ue.status = resp.StatusCode
		}
		return nil, ue
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	return conn, nil
}

// writeUpstreamError passes agent/credential rejections through by status so
// the client can tell "agent not configured" from "relay unreachable".
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("upstream dial failed", "error", err)
	status := http.StatusBadGateway
	var ue *upstreamError
	if errors.As(err, &ue) {
		switch ue.status {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			status = ue.status
		}
	}
	mw.WriteError(w, r, status, &mw.Error{
		Type:    mw.ErrUpstream,
		Message: "upstream conversation could not be opened",
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
