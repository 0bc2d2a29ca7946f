// Package postcall sequences what happens after a call ends: recording
// retrieval, analysis and persistence.
package postcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/analysis"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/backend"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
)

const (
	DefaultRetryBase   = 2 * time.Second
	DefaultMaxAttempts = 5
)

// Step identifies pipeline progress for display only.
type Step string

const (
	StepAudio         Step = "audio"
	StepTranscript    Step = "transcript"
	StepAudioAnalysis Step = "audio_analysis"
	StepSaving        Step = "saving"
)

var ErrCallTooShort = errors.New("call too short to analyze")

// StepError reports which terminal step failed.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

type RecordingFetcher interface {
	FetchRecording(ctx context.Context, conversationID string) ([]byte, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, rec backend.SessionRecord) (string, error)
	UpdateSession(ctx context.Context, id string, rec backend.SessionRecord) error
}

type Input struct {
	SessionID      string
	ConversationID string
	AgentID        string
	Mode           string
	StartedAt      time.Time
	Duration       time.Duration
	Transcript     []transcript.Entry
	// Progress, if set, is called alongside Dependencies.OnStep for this run.
	Progress func(Step)
}

// Outcome is returned on success and failure alike so the transcript and
// duration are never lost.
type Outcome struct {
	SessionID  string
	Transcript []transcript.Entry
	Duration   time.Duration
	Analysis   json.RawMessage
	UsedAudio  bool
	// AudioErr is set when the recording could not be retrieved and
	// analysis ran on the transcript alone.
	AudioErr error
	Attempts int
}

type Config struct {
	RetryBase   time.Duration
	MaxAttempts int
}

type Dependencies struct {
	Recordings RecordingFetcher
	Analyzer   analysis.Analyzer
	Store      SessionStore
	Logger     *slog.Logger
	Tracer     trace.Tracer
	// OnStep is called as each step begins.
	OnStep func(Step)
	Config Config
}

type Pipeline struct {
	recordings RecordingFetcher
	analyzer   analysis.Analyzer
	store      SessionStore
	logger     *slog.Logger
	tracer     trace.Tracer
	onStep     func(Step)
	cfg        Config
}

func New(deps Dependencies) (*Pipeline, error) {
	if deps.Analyzer == nil {
		return nil, fmt.Errorf("analyzer is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("voicecall/postcall")
	}
	if deps.Config.RetryBase <= 0 {
		deps.Config.RetryBase = DefaultRetryBase
	}
	if deps.Config.MaxAttempts <= 0 {
		deps.Config.MaxAttempts = DefaultMaxAttempts
	}
	return &Pipeline{
		recordings: deps.Recordings,
		analyzer:   deps.Analyzer,
		store:      deps.Store,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		onStep:     deps.OnStep,
		cfg:        deps.Config,
	}, nil
}

// Run executes the pipeline. A missing recording degrades to transcript-only
// analysis; analysis or persistence failure is terminal.
func (p *Pipeline) Run(ctx context.Context, in Input) (Outcome, error) {
	out := Outcome{
		SessionID:  in.SessionID,
		Transcript: append([]transcript.Entry(nil), in.Transcript...),
		Duration:   in.Duration,
	}
	if len(in.Transcript) == 0 {
		return out, ErrCallTooShort
	}

	ctx, span := p.tracer.Start(ctx, "voicecall.postcall")
	defer span.End()
	span.SetAttributes(
		attribute.String("voicecall.conversation_id", in.ConversationID),
		attribute.Int("voicecall.transcript_entries", len(in.Transcript)),
	)

	var audio []byte
	if strings.TrimSpace(in.ConversationID) != "" && p.recordings != nil {
		p.step(in, StepAudio)
		data, attempts, err := p.fetchRecording(ctx, in.ConversationID)
		out.Attempts = attempts
		if err != nil {
			out.AudioErr = err
			p.logger.Warn("recording unavailable, analyzing transcript only",
				"conversation_id", in.ConversationID,
				"attempts", attempts,
				"error", err,
			)
		} else {
			audio = data
		}
	}

	step := StepTranscript
	if len(audio) > 0 {
		step = StepAudioAnalysis
	}
	p.step(in, step)
	res, err := p.analyzer.Analyze(ctx, analysis.Request{Transcript: out.Transcript, Audio: audio})
	if err != nil {
		return out, p.fail(span, step, err)
	}
	out.Analysis = res.Content
	out.UsedAudio = res.UsedAudio

	if p.store != nil {
		p.step(in, StepSaving)
		id, err := p.save(ctx, in, out)
		if err != nil {
			return out, p.fail(span, StepSaving, err)
		}
		out.SessionID = id
	}

	span.SetAttributes(attribute.Bool("voicecall.used_audio", out.UsedAudio))
	p.logger.Info("post-call pipeline complete",
		"session_id", out.SessionID,
		"conversation_id", in.ConversationID,
		"used_audio", out.UsedAudio,
		"duration_s", in.Duration.Seconds(),
	)
	return out, nil
}

func (p *Pipeline) fetchRecording(ctx context.Context, conversationID string) ([]byte, int, error) {
	ctx, span := p.tracer.Start(ctx, "voicecall.postcall.fetch_recording")
	defer span.End()

	b := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), retry.NewExponential(p.cfg.RetryBase))
	var (
		data     []byte
		attempts int
	)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		got, err := p.recordings.FetchRecording(ctx, conversationID)
		if err != nil {
			if errors.Is(err, backend.ErrRecordingNotReady) {
				p.logger.Debug("recording not ready", "conversation_id", conversationID, "attempt", attempts)
				return retry.RetryableError(err)
			}
			return err
		}
		data = got
		return nil
	})
	span.SetAttributes(attribute.Int("voicecall.attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, attempts, err
	}
	return data, attempts, nil
}

func (p *Pipeline) save(ctx context.Context, in Input, out Outcome) (string, error) {
	started := in.StartedAt
	rec := backend.SessionRecord{
		AgentID:         in.AgentID,
		Mode:            in.Mode,
		ConversationID:  in.ConversationID,
		Status:          "completed",
		DurationSeconds: in.Duration.Seconds(),
		Transcript:      out.Transcript,
		Analysis:        out.Analysis,
		AudioAnalyzed:   out.UsedAudio,
	}
	if !started.IsZero() {
		rec.StartedAt = &started
	}
	id := strings.TrimSpace(in.SessionID)
	if id == "" {
		return p.store.CreateSession(ctx, rec)
	}
	return id, p.store.UpdateSession(ctx, id, rec)
}

func (p *Pipeline) step(in Input, s Step) {
	if p.onStep != nil {
		p.onStep(s)
	}
	if in.Progress != nil {
		in.Progress(s)
	}
}

func (p *Pipeline) fail(span trace.Span, step Step, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	p.logger.Error("post-call pipeline failed", "step", string(step), "error", err)
	return &StepError{Step: step, Err: err}
}
