// Package session owns one voice call from microphone acquisition to the
// post-call record.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/backend"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/capture"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/playback"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/postcall"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/protocol"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transport"
)

const createRecordTimeout = 10 * time.Second

// Pipeline runs after a call ends.
type Pipeline interface {
	Run(ctx context.Context, in postcall.Input) (postcall.Outcome, error)
}

// RecordCreator creates the session record at call start.
type RecordCreator interface {
	CreateSession(ctx context.Context, rec backend.SessionRecord) (string, error)
}

// Observer receives one-way notifications. Callbacks run on controller
// goroutines and must not block; they may call read-only methods.
type Observer struct {
	OnStateChange   func(from, to State)
	OnTranscript    func(transcript.Entry)
	OnAgentResponse func(text string)
	OnStep          func(postcall.Step)
	OnError         func(err *Error)
}

type Config struct {
	WindowSize int
	SampleRate int
}

type Dependencies struct {
	AgentID   string
	Source    capture.Source
	Output    playback.Output
	Pipeline  Pipeline
	Records   RecordCreator
	Overrides protocol.Overrides
	Observer  Observer
	Logger    *slog.Logger
	Tracer    trace.Tracer
	Now       func() time.Time
	Config    Config
}

type Result struct {
	SessionID      string
	ConversationID string
	Mode           transport.Mode
	Transcript     []transcript.Entry
	Duration       time.Duration
	Analysis       json.RawMessage
	UsedAudio      bool
	AudioErr       error
}

type Snapshot struct {
	State          State
	Mode           transport.Mode
	ConversationID string
	SessionID      string
	StartedAt      time.Time
	Elapsed        time.Duration
	Muted          bool
	Transcript     []transcript.Entry
	FramesIn       int64
	DecodeErrors   int64
	Capture        capture.Stats
	Playback       playback.Stats
	Err            error
}

// Controller is the only writer of call state. A Controller runs one call;
// create a new one to retry.
type Controller struct {
	agentID   string
	source    capture.Source
	output    playback.Output
	pipeline  Pipeline
	records   RecordCreator
	overrides protocol.Overrides
	observer  Observer
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time
	cfg       Config

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.Mutex
	state          State
	started        bool
	mode           transport.Mode
	conn           transport.Conn
	capture        *capture.Pipeline
	player         *playback.Scheduler
	log            *transcript.Log
	conversationID string
	sessionID      string
	startedAt      time.Time
	endedAt        time.Time
	err            error
	result         *Result
	created        chan struct{}
	pending        []func()

	muted        atomic.Bool
	framesIn     atomic.Int64
	decodeErrors atomic.Int64

	releaseOnce sync.Once
	done        chan struct{}
	doneOnce    sync.Once
}

func New(deps Dependencies) (*Controller, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if deps.Output == nil {
		return nil, fmt.Errorf("playback output is required")
	}
	if deps.Pipeline == nil {
		return nil, fmt.Errorf("post-call pipeline is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("voicecall/session")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		agentID:    strings.TrimSpace(deps.AgentID),
		source:     deps.Source,
		output:     deps.Output,
		pipeline:   deps.Pipeline,
		records:    deps.Records,
		overrides:  deps.Overrides,
		observer:   deps.Observer,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		now:        deps.Now,
		cfg:        deps.Config,
		baseCtx:    ctx,
		baseCancel: cancel,
		state:      StateDisconnected,
		log:        transcript.NewLog(),
		created:    make(chan struct{}),
		done:       make(chan struct{}),
	}, nil
}

// Start acquires the microphone, then opens the transport. It returns once
// the socket is open; the call becomes connected when the peer's handshake
// arrives. A microphone failure is reported before any socket is opened.
func (c *Controller) Start(ctx context.Context, adapter transport.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("transport adapter is required")
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	effects, err := c.transitionLocked(trigStart)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.started = true
	c.mode = adapter.Mode()
	c.mu.Unlock()
	c.flush()

	ctx, span := c.tracer.Start(ctx, "voicecall.session.start", trace.WithAttributes(
		attribute.String("voicecall.mode", string(adapter.Mode())),
	))
	defer span.End()

	for _, eff := range effects {
		switch eff {
		case effAcquireMic:
			if err := c.acquireMic(ctx); err != nil {
				span.SetStatus(codes.Error, err.Error())
				return c.failStart(&Error{Category: CategoryPermission, Cause: err})
			}
		case effOpenTransport:
			conn, err := adapter.Open(ctx)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				return c.failStart(openError(err))
			}
			c.mu.Lock()
			if c.state != StateConnecting {
				c.mu.Unlock()
				_ = conn.Close()
				return ErrAborted
			}
			c.conn = conn
			c.mu.Unlock()
			go c.readLoop(conn)
		}
	}

	go c.createRecord()
	c.logger.Info("call connecting", "mode", string(adapter.Mode()), "agent_id", c.agentID)
	return nil
}

// End hangs up. Devices and transport are released before End runs the
// post-call pipeline, so no agent audio reaches the speaker after End is
// called. The transcript and duration are returned even when the pipeline
// fails.
func (c *Controller) End(ctx context.Context) (Result, error) {
	c.mu.Lock()
	if c.state != StateConnected {
		c.mu.Unlock()
		return Result{}, ErrNotConnected
	}
	effects, err := c.transitionLocked(trigEnd)
	if err != nil {
		c.mu.Unlock()
		return Result{}, err
	}
	c.endedAt = c.now()
	c.mu.Unlock()
	c.flush()

	for _, eff := range effects {
		switch eff {
		case effRelease:
			c.release()
		case effRunPipeline:
			return c.runPipeline(ctx)
		}
	}
	return Result{}, fmt.Errorf("end produced no pipeline step")
}

// Abort tears the call down from any live state without analysis.
func (c *Controller) Abort() {
	c.baseCancel()
	c.mu.Lock()
	idle := !c.started
	c.started = true
	c.mu.Unlock()
	if idle {
		c.finish()
		return
	}
	c.fail(trigAbort, nil)
}

func (c *Controller) SetMuted(muted bool) {
	c.muted.Store(muted)
	c.mu.Lock()
	cp := c.capture
	c.mu.Unlock()
	if cp != nil {
		cp.SetMuted(muted)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed when the call reaches a final state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err returns the failure that ended the call, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Result returns the post-call result once the call completed or failed
// during analysis.
func (c *Controller) Result() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.result == nil {
		return Result{}, false
	}
	return *c.result, true
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		State:          c.state,
		Mode:           c.mode,
		ConversationID: c.conversationID,
		SessionID:      c.sessionID,
		StartedAt:      c.startedAt,
		Muted:          c.muted.Load(),
		Err:            c.err,
	}
	if !c.startedAt.IsZero() {
		end := c.endedAt
		if end.IsZero() {
			end = c.now()
		}
		s.Elapsed = end.Sub(c.startedAt)
	}
	cp, player, log := c.capture, c.player, c.log
	c.mu.Unlock()

	s.Transcript = log.Entries()
	s.FramesIn = c.framesIn.Load()
	s.DecodeErrors = c.decodeErrors.Load()
	if cp != nil {
		s.Capture = cp.Stats()
	}
	if player != nil {
		s.Playback = player.Stats()
	}
	return s
}

func (c *Controller) acquireMic(ctx context.Context) error {
	cp, err := capture.New(capture.Dependencies{
		Source: c.source,
		Sink:   c.sendAudio,
		Logger: c.logger,
		Config: capture.Config{WindowSize: c.cfg.WindowSize},
	})
	if err != nil {
		return err
	}
	cp.SetMuted(c.muted.Load())
	player, err := playback.New(playback.Dependencies{
		Output: c.output,
		Logger: c.logger,
		Config: playback.Config{SampleRate: c.cfg.SampleRate},
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.capture = cp
	c.player = player
	c.mu.Unlock()
	if err := cp.Open(ctx); err != nil {
		return err
	}

	// An Abort during Open has already run release.
	if c.State() != StateConnecting {
		_ = cp.Close()
		return ErrAborted
	}
	return nil
}

// sendAudio is the capture sink. It runs on the device thread and must not
// take c.mu.
func (c *Controller) sendAudio(pcm []byte) error {
	return c.conn.Send(protocol.EncodeUserAudio(pcm))
}

func (c *Controller) readLoop(conn transport.Conn) {
	for ev := range conn.Events() {
		if ev.Err != nil {
			c.onTransportEnd(ev.Err)
			return
		}
		c.onFrame(conn, ev)
	}
}

func (c *Controller) onFrame(conn transport.Conn, ev transport.Event) {
	var msg any
	if ev.Binary {
		msg = protocol.DecodeBinaryAudio(ev.Data)
	} else {
		decoded, err := protocol.DecodePeerMessage(ev.Data)
		if err != nil {
			c.decodeErrors.Add(1)
			c.logger.Warn("dropping malformed peer frame", "error", err, "bytes", len(ev.Data))
			return
		}
		msg = decoded
	}
	c.framesIn.Add(1)

	switch m := msg.(type) {
	case protocol.ConversationMetadata:
		c.onHandshake(conn, m)
	case protocol.AudioChunk:
		if player := c.livePlayer(); player != nil {
			player.Enqueue(m.Data)
		}
	case protocol.AgentResponse:
		if e, ok := c.appendEntry(transcript.RoleAgent, m.Text); ok {
			c.notifyEntry(e)
			if fn := c.observer.OnAgentResponse; fn != nil {
				fn(e.Text)
			}
		}
	case protocol.UserTranscript:
		if e, ok := c.appendEntry(transcript.RoleUser, m.Text); ok {
			c.notifyEntry(e)
		}
	case protocol.Interruption:
		if player := c.livePlayer(); player != nil {
			player.Interrupt()
		}
	case protocol.Ping:
		if err := conn.SendPriority(protocol.EncodePong(m.EventID)); err != nil {
			c.logger.Debug("pong not sent", "event_id", m.EventID, "error", err)
		}
	case protocol.PeerError:
		c.fail(trigFailure, &Error{Category: CategoryProtocol, Cause: m})
	case protocol.Ignored:
		c.logger.Debug("ignoring peer message", "type", m.Kind)
	}
}

func (c *Controller) onHandshake(conn transport.Conn, m protocol.ConversationMetadata) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.logger.Warn("unexpected handshake", "state", string(c.State()))
		return
	}
	effects, err := c.transitionLocked(trigHandshake)
	if err != nil {
		c.mu.Unlock()
		return
	}
	c.conversationID = m.ConversationID
	c.startedAt = c.now()
	c.log.MarkStart(c.startedAt)
	cp := c.capture
	c.mu.Unlock()
	c.flush()

	for _, eff := range effects {
		switch eff {
		case effSendInitiation:
			payload, err := protocol.EncodeInitiation(protocol.NewInitiation(c.overrides))
			if err == nil {
				err = conn.SendPriority(payload)
			}
			if err != nil {
				c.fail(trigFailure, &Error{Category: CategoryTransport, Cause: fmt.Errorf("send initiation: %w", err)})
				return
			}
		case effStartCapture:
			if err := cp.Start(); err != nil {
				c.fail(trigFailure, &Error{Category: CategoryPermission, Cause: err})
				return
			}
		}
	}
	c.logger.Info("call connected", "conversation_id", m.ConversationID, "mode", string(conn.Mode()))
}

func (c *Controller) onTransportEnd(err error) {
	if transport.IsCleanClose(err) && c.State() == StateConnected {
		c.logger.Info("peer ended the call")
		if _, endErr := c.End(c.baseCtx); endErr != nil && !errors.Is(endErr, ErrNotConnected) {
			c.logger.Debug("peer-ended call finished with error", "error", endErr)
		}
		return
	}
	c.fail(trigFailure, &Error{Category: CategoryTransport, Cause: err})
}

// fail moves a live call to disconnected. Callers racing a state that is
// already past live are ignored.
func (c *Controller) fail(t trigger, cause *Error) {
	c.mu.Lock()
	if c.state != StateConnecting && c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	effects, err := c.transitionLocked(t)
	if err != nil {
		c.mu.Unlock()
		return
	}
	if cause != nil {
		c.err = cause
		c.enqueueLocked(func() {
			if fn := c.observer.OnError; fn != nil {
				fn(cause)
			}
		})
	} else if t == trigAbort {
		c.err = ErrAborted
	}
	c.mu.Unlock()
	c.flush()

	if cause != nil {
		c.logger.Warn("call disconnected", "category", string(cause.Category), "error", cause.Cause)
	}
	for _, eff := range effects {
		switch eff {
		case effRelease:
			c.release()
		case effDiscardTranscript:
			c.mu.Lock()
			c.log = transcript.NewLog()
			c.mu.Unlock()
		}
	}
	c.finish()
}

func (c *Controller) failStart(cause *Error) error {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		c.release()
		return ErrAborted
	}
	effects, _ := c.transitionLocked(trigConnectFailed)
	c.err = cause
	c.enqueueLocked(func() {
		if fn := c.observer.OnError; fn != nil {
			fn(cause)
		}
	})
	c.mu.Unlock()
	c.flush()

	c.logger.Warn("call failed to start", "category", string(cause.Category), "error", cause.Cause)
	for _, eff := range effects {
		if eff == effRelease {
			c.release()
		}
	}
	c.finish()
	return cause
}

func (c *Controller) runPipeline(ctx context.Context) (Result, error) {
	c.mu.Lock()
	entries := c.log.Entries()
	res := Result{
		ConversationID: c.conversationID,
		Mode:           c.mode,
		Transcript:     entries,
		Duration:       c.endedAt.Sub(c.startedAt),
	}
	startedAt := c.startedAt
	c.mu.Unlock()

	if len(entries) > 0 {
		select {
		case <-c.created:
		case <-ctx.Done():
		}
	}
	c.mu.Lock()
	res.SessionID = c.sessionID
	c.mu.Unlock()

	out, err := c.pipeline.Run(ctx, postcall.Input{
		SessionID:      res.SessionID,
		ConversationID: res.ConversationID,
		AgentID:        c.agentID,
		Mode:           string(res.Mode),
		StartedAt:      startedAt,
		Duration:       res.Duration,
		Transcript:     entries,
		Progress:       c.observer.OnStep,
	})
	if out.SessionID != "" {
		res.SessionID = out.SessionID
	}
	res.Analysis = out.Analysis
	res.UsedAudio = out.UsedAudio
	res.AudioErr = out.AudioErr

	t := trigAnalyzed
	var cause *Error
	if err != nil {
		cause = pipelineError(err)
		t = trigAnalysisFailed
		if cause.Category == CategoryTooShort {
			t = trigTooShort
		}
	}

	c.mu.Lock()
	_, _ = c.transitionLocked(t)
	c.result = &res
	if cause != nil {
		c.err = cause
		c.enqueueLocked(func() {
			if fn := c.observer.OnError; fn != nil {
				fn(cause)
			}
		})
	}
	c.mu.Unlock()
	c.flush()
	c.finish()

	if cause != nil {
		return res, cause
	}
	c.logger.Info("call completed",
		"session_id", res.SessionID,
		"conversation_id", res.ConversationID,
		"duration_s", res.Duration.Seconds(),
		"entries", len(res.Transcript),
	)
	return res, nil
}

func (c *Controller) createRecord() {
	defer close(c.created)
	if c.records == nil {
		return
	}
	ctx, cancel := context.WithTimeout(c.baseCtx, createRecordTimeout)
	defer cancel()
	started := c.now()
	id, err := c.records.CreateSession(ctx, backend.SessionRecord{
		AgentID:   c.agentID,
		Mode:      string(c.mode),
		Status:    "started",
		StartedAt: &started,
	})
	if err != nil {
		c.logger.Warn("session record not created", "error", err)
		return
	}
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// release is the single teardown path. Capture stops first so no frame is
// sent on a closing socket; the scheduler then abandons queued audio.
func (c *Controller) release() {
	c.releaseOnce.Do(func() {
		c.mu.Lock()
		cp, conn, player := c.capture, c.conn, c.player
		c.mu.Unlock()

		if cp != nil {
			if err := cp.Close(); err != nil {
				c.logger.Debug("capture close", "error", err)
			}
		}
		if conn != nil {
			_ = conn.Close()
		}
		if player != nil {
			player.Close()
		}
		if closer, ok := c.output.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.logger.Debug("playback device close", "error", err)
			}
		}
	})
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) livePlayer() *playback.Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.player
}

func (c *Controller) appendEntry(role transcript.Role, text string) (transcript.Entry, bool) {
	text = strings.TrimSpace(text)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || text == "" {
		return transcript.Entry{}, false
	}
	return c.log.Append(role, text, c.now()), true
}

func (c *Controller) notifyEntry(e transcript.Entry) {
	if fn := c.observer.OnTranscript; fn != nil {
		fn(e)
	}
}

func (c *Controller) transitionLocked(t trigger) ([]effect, error) {
	from := c.state
	to, effects, err := transition(from, t)
	if err != nil {
		return nil, err
	}
	c.state = to
	c.enqueueLocked(func() {
		if fn := c.observer.OnStateChange; fn != nil {
			fn(from, to)
		}
	})
	return effects, nil
}

func (c *Controller) enqueueLocked(fn func()) {
	c.pending = append(c.pending, fn)
}

// flush runs queued observer callbacks outside the lock, in order.
func (c *Controller) flush() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
