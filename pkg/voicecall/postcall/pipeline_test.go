package postcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/analysis"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/backend"
	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
)

type fakeRecordings struct {
	mu       sync.Mutex
	notReady int
	err      error
	data     []byte
	calls    []time.Time
}

func (f *fakeRecordings) FetchRecording(ctx context.Context, conversationID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if f.err != nil {
		return nil, f.err
	}
	if len(f.calls) <= f.notReady {
		return nil, fmt.Errorf("%w: %w", backend.ErrRecordingNotReady, &backend.StatusError{Op: "fetch recording", StatusCode: 404})
	}
	return f.data, nil
}

type fakeAnalyzer struct {
	req   analysis.Request
	calls int
	err   error
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, req analysis.Request) (analysis.Result, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return analysis.Result{}, f.err
	}
	return analysis.Result{Content: json.RawMessage(`{"score":9}`), UsedAudio: len(req.Audio) > 0}, nil
}

type fakeStore struct {
	created []backend.SessionRecord
	updated map[string]backend.SessionRecord
	err     error
}

func (f *fakeStore) CreateSession(ctx context.Context, rec backend.SessionRecord) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, rec)
	return "sess_new", nil
}

func (f *fakeStore) UpdateSession(ctx context.Context, id string, rec backend.SessionRecord) error {
	if f.err != nil {
		return f.err
	}
	if f.updated == nil {
		f.updated = map[string]backend.SessionRecord{}
	}
	f.updated[id] = rec
	return nil
}

func entries() []transcript.Entry {
	return []transcript.Entry{
		{Role: transcript.RoleAgent, Text: "hello"},
		{Role: transcript.RoleUser, Text: "hi"},
	}
}

func newPipeline(t *testing.T, rec RecordingFetcher, an analysis.Analyzer, store SessionStore, steps *[]Step) *Pipeline {
	t.Helper()
	p, err := New(Dependencies{
		Recordings: rec,
		Analyzer:   an,
		Store:      store,
		OnStep:     func(s Step) { *steps = append(*steps, s) },
		Config:     Config{RetryBase: 5 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestRun_RecordingNotReadyTwiceThenSucceeds(t *testing.T) {
	rec := &fakeRecordings{notReady: 2, data: []byte("mp3")}
	an := &fakeAnalyzer{}
	store := &fakeStore{}
	var steps []Step
	p := newPipeline(t, rec, an, store, &steps)

	out, err := p.Run(context.Background(), Input{
		SessionID:      "sess_1",
		ConversationID: "conv_1",
		Duration:       90 * time.Second,
		Transcript:     entries(),
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.calls) != 3 || out.Attempts != 3 {
		t.Fatalf("fetch calls=%d attempts=%d, want 3", len(rec.calls), out.Attempts)
	}
	if string(an.req.Audio) != "mp3" || !out.UsedAudio || out.AudioErr != nil {
		t.Fatalf("analysis did not use audio: %+v", out)
	}
	want := []Step{StepAudio, StepAudioAnalysis, StepSaving}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Fatalf("steps=%v, want %v", steps, want)
	}
	saved, ok := store.updated["sess_1"]
	if !ok {
		t.Fatalf("session not updated: %+v", store)
	}
	if saved.Status != "completed" || saved.DurationSeconds != 90 || len(saved.Transcript) != 2 || string(saved.Analysis) != `{"score":9}` || !saved.AudioAnalyzed {
		t.Fatalf("saved=%+v", saved)
	}
	if out.SessionID != "sess_1" {
		t.Fatalf("session id=%q", out.SessionID)
	}
}

func TestRun_BackoffDoublesBetweenAttempts(t *testing.T) {
	base := 15 * time.Millisecond
	rec := &fakeRecordings{notReady: 100}
	an := &fakeAnalyzer{}
	p, err := New(Dependencies{
		Recordings: rec,
		Analyzer:   an,
		Config:     Config{RetryBase: base, MaxAttempts: 5},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	out, err := p.Run(context.Background(), Input{ConversationID: "conv_1", Transcript: entries()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.calls) != 5 {
		t.Fatalf("attempts=%d, want 5", len(rec.calls))
	}
	for n := 2; n <= len(rec.calls); n++ {
		gap := rec.calls[n-1].Sub(rec.calls[n-2])
		min := base << (n - 2)
		if gap < min {
			t.Fatalf("attempt %d came after %v, want >= %v", n, gap, min)
		}
	}
	if !errors.Is(out.AudioErr, backend.ErrRecordingNotReady) {
		t.Fatalf("audio err=%v", out.AudioErr)
	}
	if out.UsedAudio || an.calls != 1 || len(an.req.Audio) != 0 {
		t.Fatalf("expected transcript-only analysis: out=%+v calls=%d", out, an.calls)
	}
}

func TestRun_NonRetryableFetchErrorDegrades(t *testing.T) {
	rec := &fakeRecordings{err: &backend.StatusError{Op: "fetch recording", StatusCode: 500}}
	an := &fakeAnalyzer{}
	var steps []Step
	p := newPipeline(t, rec, an, nil, &steps)

	out, err := p.Run(context.Background(), Input{ConversationID: "conv_1", Transcript: entries()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.calls) != 1 {
		t.Fatalf("non-retryable error fetched %d times", len(rec.calls))
	}
	want := []Step{StepAudio, StepTranscript}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Fatalf("steps=%v, want %v", steps, want)
	}
	if out.AudioErr == nil || out.Analysis == nil {
		t.Fatalf("out=%+v", out)
	}
}

func TestRun_NoConversationIDSkipsRecording(t *testing.T) {
	rec := &fakeRecordings{data: []byte("x")}
	store := &fakeStore{}
	var steps []Step
	p := newPipeline(t, rec, &fakeAnalyzer{}, store, &steps)

	out, err := p.Run(context.Background(), Input{Transcript: entries(), StartedAt: time.Unix(100, 0)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(rec.calls) != 0 {
		t.Fatalf("fetched without a conversation id")
	}
	want := []Step{StepTranscript, StepSaving}
	if fmt.Sprint(steps) != fmt.Sprint(want) {
		t.Fatalf("steps=%v, want %v", steps, want)
	}
	if out.SessionID != "sess_new" || len(store.created) != 1 || store.created[0].StartedAt == nil {
		t.Fatalf("out=%+v created=%+v", out, store.created)
	}
}

func TestRun_TooShort(t *testing.T) {
	rec := &fakeRecordings{}
	an := &fakeAnalyzer{}
	store := &fakeStore{}
	var steps []Step
	p := newPipeline(t, rec, an, store, &steps)

	out, err := p.Run(context.Background(), Input{ConversationID: "conv_1", Duration: 3 * time.Second})
	if !errors.Is(err, ErrCallTooShort) {
		t.Fatalf("err=%v, want ErrCallTooShort", err)
	}
	if len(rec.calls) != 0 || an.calls != 0 || len(store.created) != 0 || len(steps) != 0 {
		t.Fatalf("collaborators called for a too-short call")
	}
	if out.Duration != 3*time.Second {
		t.Fatalf("duration=%v", out.Duration)
	}
}

func TestRun_AnalysisFailureIsTerminalButKeepsTranscript(t *testing.T) {
	an := &fakeAnalyzer{err: errors.New("model unavailable")}
	store := &fakeStore{}
	var steps []Step
	p := newPipeline(t, nil, an, store, &steps)

	out, err := p.Run(context.Background(), Input{SessionID: "sess_1", Duration: time.Minute, Transcript: entries()})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepTranscript {
		t.Fatalf("err=%v, want StepError at transcript", err)
	}
	if len(store.updated) != 0 {
		t.Fatalf("saved after analysis failure")
	}
	if len(out.Transcript) != 2 || out.Duration != time.Minute {
		t.Fatalf("transcript/duration lost: %+v", out)
	}
}

func TestRun_SaveFailureIsTerminal(t *testing.T) {
	store := &fakeStore{err: errors.New("store down")}
	var steps []Step
	p := newPipeline(t, nil, &fakeAnalyzer{}, store, &steps)

	out, err := p.Run(context.Background(), Input{SessionID: "sess_1", Transcript: entries()})
	var se *StepError
	if !errors.As(err, &se) || se.Step != StepSaving {
		t.Fatalf("err=%v, want StepError at saving", err)
	}
	if out.Analysis == nil || len(out.Transcript) != 2 {
		t.Fatalf("outcome lost analysis or transcript: %+v", out)
	}
}

func TestRun_CancelDuringBackoff(t *testing.T) {
	rec := &fakeRecordings{notReady: 100}
	p, err := New(Dependencies{
		Recordings: rec,
		Analyzer:   &fakeAnalyzer{},
		Config:     Config{RetryBase: time.Hour},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, _ := p.Run(ctx, Input{ConversationID: "conv_1", Transcript: entries()})
	if time.Since(start) > 5*time.Second {
		t.Fatalf("backoff ignored cancellation")
	}
	if out.AudioErr == nil {
		t.Fatalf("expected audio error after cancellation")
	}
}

func TestNew_RequiresAnalyzer(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatalf("expected error")
	}
}
