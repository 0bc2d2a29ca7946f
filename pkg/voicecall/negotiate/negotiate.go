package negotiate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/transport"
)

const DefaultProbeTimeout = 5 * time.Second

type Status string

const (
	StatusReady         Status = "ready"
	StatusBlocked       Status = "blocked"
	StatusNotConfigured Status = "agent_not_configured"
)

var (
	// ErrNoConnectivity means neither transport answered within its probe
	// timeout.
	ErrNoConnectivity = errors.New("no transport reachable")
	// ErrAgentNotConfigured means there is nothing to connect to: no agent id,
	// no transports, or the peer rejected the agent outright.
	ErrAgentNotConfigured = errors.New("agent is not configured")

	errModeNotConfigured = errors.New("transport mode not configured")
)

// Prober is the part of a transport adapter the negotiator needs.
type Prober interface {
	Mode() transport.Mode
	Probe(ctx context.Context) error
}

type ProbeResult struct {
	Mode      transport.Mode
	Available bool
	Latency   time.Duration
	Err       error
}

type Decision struct {
	Status Status
	Mode   transport.Mode
	Direct ProbeResult
	Relay  ProbeResult
	Forced bool
}

type Config struct {
	ProbeTimeout time.Duration
	ForceRelay   bool
}

type Dependencies struct {
	AgentID string
	Direct  Prober
	Relay   Prober
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Now     func() time.Time
	Config  Config
}

type Negotiator struct {
	agentID string
	direct  Prober
	relay   Prober
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	timeout time.Duration

	mu         sync.Mutex
	forceRelay bool
	last       *Decision
}

func New(deps Dependencies) *Negotiator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("voicecall/negotiate")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.ProbeTimeout <= 0 {
		deps.Config.ProbeTimeout = DefaultProbeTimeout
	}
	return &Negotiator{
		agentID:    strings.TrimSpace(deps.AgentID),
		direct:     deps.Direct,
		relay:      deps.Relay,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		now:        deps.Now,
		timeout:    deps.Config.ProbeTimeout,
		forceRelay: deps.Config.ForceRelay,
	}
}

// SetForceRelay makes the next Negotiate pick relay even when direct works.
func (n *Negotiator) SetForceRelay(force bool) {
	n.mu.Lock()
	n.forceRelay = force
	n.mu.Unlock()
}

// Last returns the most recent decision, if any.
func (n *Negotiator) Last() (Decision, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.last == nil {
		return Decision{}, false
	}
	return *n.last, true
}

// Negotiate probes both transports concurrently, each bounded by the probe
// timeout, and picks one. Calling it again re-probes.
func (n *Negotiator) Negotiate(ctx context.Context) (Decision, error) {
	n.mu.Lock()
	force := n.forceRelay
	n.mu.Unlock()

	ctx, span := n.tracer.Start(ctx, "voicecall.negotiate")
	defer span.End()

	if n.agentID == "" || (n.direct == nil && n.relay == nil) {
		d := Decision{Status: StatusNotConfigured, Forced: force}
		n.remember(d)
		span.SetStatus(codes.Error, ErrAgentNotConfigured.Error())
		return d, ErrAgentNotConfigured
	}

	// A failed probe is a result, not a group error: one mode failing must
	// never cancel or short-circuit the other.
	var direct, relay ProbeResult
	var g errgroup.Group
	g.Go(func() error {
		direct = n.probe(ctx, transport.ModeDirect, n.direct)
		return nil
	})
	g.Go(func() error {
		relay = n.probe(ctx, transport.ModeRelay, n.relay)
		return nil
	})
	_ = g.Wait()

	d := decide(direct, relay, force)
	n.remember(d)

	span.SetAttributes(
		attribute.String("voicecall.status", string(d.Status)),
		attribute.String("voicecall.mode", string(d.Mode)),
		attribute.Bool("voicecall.direct_available", direct.Available),
		attribute.Bool("voicecall.relay_available", relay.Available),
		attribute.Bool("voicecall.force_relay", force),
	)
	n.logger.Info("transport negotiated",
		"status", string(d.Status),
		"mode", string(d.Mode),
		"direct_available", direct.Available,
		"direct_latency_ms", direct.Latency.Milliseconds(),
		"relay_available", relay.Available,
		"relay_latency_ms", relay.Latency.Milliseconds(),
		"force_relay", force,
	)

	switch d.Status {
	case StatusReady:
		return d, nil
	case StatusNotConfigured:
		span.SetStatus(codes.Error, ErrAgentNotConfigured.Error())
		return d, ErrAgentNotConfigured
	default:
		span.SetStatus(codes.Error, ErrNoConnectivity.Error())
		return d, ErrNoConnectivity
	}
}

func (n *Negotiator) probe(ctx context.Context, mode transport.Mode, p Prober) ProbeResult {
	res := ProbeResult{Mode: mode}
	if p == nil {
		res.Err = errModeNotConfigured
		return res
	}
	pctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	start := n.now()
	err := p.Probe(pctx)
	elapsed := n.now().Sub(start)
	if err == nil && pctx.Err() != nil {
		err = pctx.Err()
	}
	if err != nil {
		res.Err = fmt.Errorf("probe %s: %w", mode, err)
		n.logger.Warn("transport probe failed", "mode", string(mode), "error", err, "elapsed_ms", elapsed.Milliseconds())
		return res
	}
	res.Available = true
	res.Latency = elapsed
	return res
}

func (n *Negotiator) remember(d Decision) {
	n.mu.Lock()
	n.last = &d
	n.mu.Unlock()
}

func decide(direct, relay ProbeResult, force bool) Decision {
	d := Decision{Direct: direct, Relay: relay, Forced: force}
	switch {
	case force && relay.Available:
		d.Status, d.Mode = StatusReady, transport.ModeRelay
	case force:
		d.Status = StatusBlocked
	case direct.Available:
		d.Status, d.Mode = StatusReady, transport.ModeDirect
	case relay.Available:
		d.Status, d.Mode = StatusReady, transport.ModeRelay
	default:
		d.Status = StatusBlocked
	}
	if d.Status == StatusBlocked && agentRejected(direct.Err, relay.Err) {
		d.Status = StatusNotConfigured
	}
	return d
}

// agentRejected reports whether a probe reached the peer and was refused
// because of the agent rather than the network.
func agentRejected(errs ...error) bool {
	for _, err := range errs {
		var hs *transport.HandshakeError
		if !errors.As(err, &hs) {
			continue
		}
		switch hs.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}
