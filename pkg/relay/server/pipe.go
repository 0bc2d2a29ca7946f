package server

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicecall/pkg/relay/config"
)

const (
	dirClientToUpstream = "client_to_upstream"
	dirUpstreamToClient = "upstream_to_client"
)

type relaySession struct {
	id      string
	agentID string
	started time.Time
	cfg     config.Config
	logger  *slog.Logger
	metrics *Metrics

	// stop is closed by shutdown; code/reason are what the client is told.
	stopOnce   sync.Once
	stop       chan struct{}
	stopCode   int
	stopReason string
}

func newRelaySession(id, agentID string, cfg config.Config, logger *slog.Logger, metrics *Metrics) *relaySession {
	return &relaySession{
		id:      id,
		agentID: agentID,
		started: time.Now(),
		cfg:     cfg,
		logger:  logger.With("relay_session", id, "agent_id", agentID),
		metrics: metrics,
		stop:    make(chan struct{}),
	}
}

// shutdown asks a running session to close the client with code. Safe to call
// before run starts or after it returns.
func (rs *relaySession) shutdown(code int, reason string) {
	rs.stopOnce.Do(func() {
		rs.stopCode, rs.stopReason = code, reason
		close(rs.stop)
	})
}

type pumpResult struct {
	direction string
	err       error
}

// run pipes frames until either side closes, the session hits its time
// limit or shutdown is called. It owns and closes both connections.
func (rs *relaySession) run(client, upstream *websocket.Conn) {
	client.SetReadLimit(rs.cfg.MaxMessageBytes)
	rs.metrics.sessionStarted()
	rs.logger.Info("relayed session started")

	results := make(chan pumpResult, 2)
	go rs.pump(upstream, client, dirUpstreamToClient, results)
	go rs.pump(client, upstream, dirClientToUpstream, results)

	pingDone := make(chan struct{})
	go rs.ping(client, pingDone)

	limit := time.NewTimer(rs.cfg.MaxSessionDuration)
	defer limit.Stop()

	var outcome string
	var first pumpResult
	pending := 2
	select {
	case first = <-results:
		pending--
		outcome = rs.closeAfter(first, client, upstream)
	case <-limit.C:
		outcome = OutcomeTimeLimit
		rs.closeBoth(client, websocket.CloseNormalClosure, "session time limit", upstream)
	case <-rs.stop:
		outcome = OutcomeDrained
		rs.closeBoth(client, rs.stopCode, rs.stopReason, upstream)
	}

	close(pingDone)
	// Give the other side one write timeout to answer the close handshake.
	grace := time.NewTimer(rs.cfg.WSWriteTimeout)
	defer grace.Stop()
	for pending > 0 {
		select {
		case <-results:
			pending--
		case <-grace.C:
			_ = client.Close()
			_ = upstream.Close()
		}
	}
	_ = client.Close()
	_ = upstream.Close()

	d := time.Since(rs.started)
	rs.metrics.sessionEnded(outcome, d)
	rs.logger.Info("relayed session ended", "outcome", outcome, "duration_ms", d.Milliseconds())
}

// closeAfter mirrors the side that ended first onto the other side, keeping
// the close code so a clean peer hangup stays clean for the client.
func (rs *relaySession) closeAfter(res pumpResult, client, upstream *websocket.Conn) string {
	var closeErr *websocket.CloseError
	hasCode := errors.As(res.err, &closeErr)

	switch res.direction {
	case dirUpstreamToClient:
		if hasCode {
			rs.sendClose(client, closeErr.Code, closeErr.Text)
			rs.sendClose(upstream, websocket.CloseNormalClosure, "")
			return OutcomeUpstreamClosed
		}
		rs.logger.Warn("upstream read failed", "error", res.err)
		rs.sendClose(client, websocket.CloseInternalServerErr, "upstream connection lost")
		return OutcomeError
	default:
		if hasCode {
			rs.sendClose(upstream, closeErr.Code, closeErr.Text)
			rs.sendClose(client, websocket.CloseNormalClosure, "")
			return OutcomeClientClosed
		}
		rs.logger.Debug("client read failed", "error", res.err)
		rs.sendClose(upstream, websocket.CloseGoingAway, "")
		return OutcomeClientClosed
	}
}

func (rs *relaySession) closeBoth(client *websocket.Conn, code int, reason string, upstream *websocket.Conn) {
	rs.sendClose(client, code, reason)
	rs.sendClose(upstream, websocket.CloseNormalClosure, "")
	_ = client.Close()
	_ = upstream.Close()
}

func (rs *relaySession) sendClose(conn *websocket.Conn, code int, reason string) {
	// Codes the protocol forbids on the wire are reported as no status.
	switch code {
	case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		code = websocket.CloseNormalClosure
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(rs.cfg.WSWriteTimeout))
}

// pump copies frames from src to dst. Only pump writes data frames to dst;
// control frames go through WriteControl, which gorilla allows concurrently.
func (rs *relaySession) pump(src, dst *websocket.Conn, direction string, results chan<- pumpResult) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			results <- pumpResult{direction: direction, err: err}
			return
		}
		_ = dst.SetWriteDeadline(time.Now().Add(rs.cfg.WSWriteTimeout))
		if err := dst.WriteMessage(mt, data); err != nil {
			// Closing src unblocks the read so the result is reported once.
			_ = src.Close()
			results <- pumpResult{direction: direction, err: err}
			return
		}
		rs.metrics.relayed(direction, len(data))
	}
}

func (rs *relaySession) ping(client *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(rs.cfg.WSPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := client.WriteControl(websocket.PingMessage, nil, time.Now().Add(rs.cfg.WSWriteTimeout)); err != nil {
				rs.logger.Debug("client ping failed", "error", err)
				return
			}
		}
	}
}
