// Package analysis turns a finished call into structured feedback using a
// Gemini model. The output is treated as opaque JSON by callers.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/transcript"
)

const (
	DefaultModel = "gemini-2.5-flash"

	defaultAudioMIME = "audio/mpeg"
)

var ErrEmptyTranscript = errors.New("transcript is empty")

// Analyzer is consumed by the post-call pipeline.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (Result, error)
}

type Request struct {
	Transcript []transcript.Entry
	// Audio is the recorded call, if it could be retrieved.
	Audio    []byte
	MIMEType string
	// Instructions replaces the default analysis instructions when set.
	Instructions string
}

type Result struct {
	Content   json.RawMessage
	UsedAudio bool
	Model     string
}

// generator is the slice of the genai client that Gemini needs.
type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Config struct {
	APIKey string
	Model  string
}

type Gemini struct {
	gen    generator
	model  string
	logger *slog.Logger
}

// NewGemini builds an analyzer backed by the Gemini API.
func NewGemini(ctx context.Context, cfg Config, logger *slog.Logger) (*Gemini, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return newGemini(client.Models, cfg.Model, logger), nil
}

func newGemini(gen generator, model string, logger *slog.Logger) *Gemini {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gemini{gen: gen, model: model, logger: logger}
}

func (g *Gemini) Analyze(ctx context.Context, req Request) (Result, error) {
	if len(req.Transcript) == 0 {
		return Result{}, ErrEmptyTranscript
	}
	contents, usedAudio := buildContents(req)
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instructions(req), genai.RoleUser),
		ResponseMIMEType:  "application/json",
		Temperature:       genai.Ptr[float32](0.2),
	}

	resp, err := g.gen.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate: %w", err)
	}
	if resp == nil {
		return Result{}, fmt.Errorf("gemini generate: empty response")
	}
	content, err := normalizeJSON(resp.Text())
	if err != nil {
		return Result{}, err
	}
	g.logger.Info("call analyzed",
		"model", g.model,
		"used_audio", usedAudio,
		"transcript_entries", len(req.Transcript),
		"analysis_bytes", len(content),
	)
	return Result{Content: content, UsedAudio: usedAudio, Model: g.model}, nil
}

func buildContents(req Request) ([]*genai.Content, bool) {
	parts := []*genai.Part{
		genai.NewPartFromText("Transcript:\n" + transcript.Format(req.Transcript)),
	}
	usedAudio := len(req.Audio) > 0
	if usedAudio {
		parts = append(parts,
			genai.NewPartFromText("The recorded call audio follows. Use it to judge delivery, pacing and tone."),
			genai.NewPartFromBytes(req.Audio, audioMIME(req)),
		)
	}
	return []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, usedAudio
}

func audioMIME(req Request) string {
	if m := strings.TrimSpace(req.MIMEType); m != "" {
		return m
	}
	sniffed := http.DetectContentType(req.Audio)
	if strings.HasPrefix(sniffed, "audio/") {
		return sniffed
	}
	return defaultAudioMIME
}

func instructions(req Request) string {
	if s := strings.TrimSpace(req.Instructions); s != "" {
		return s
	}
	return `You review a spoken conversation between a user and a voice agent.
Return a single JSON object with:
  "summary": short paragraph,
  "strengths": array of strings,
  "improvements": array of strings,
  "score": integer from 1 to 10.
Refer to moments by their [m:ss] timestamps.`
}

// normalizeJSON accepts the model's text and returns a JSON document. Code
// fences are stripped; non-JSON text is wrapped as {"feedback": text}.
func normalizeJSON(text string) (json.RawMessage, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	if text == "" {
		return nil, fmt.Errorf("gemini generate: response has no text")
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	wrapped, err := json.Marshal(map[string]string{"feedback": text})
	if err != nil {
		return nil, fmt.Errorf("encode feedback: %w", err)
	}
	return wrapped, nil
}
