package device

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/audio"
)

// timeline is a sample clock that renders scheduled segments. The clock
// advances only as the device pulls samples; gaps render as silence.
type timeline struct {
	rate int

	mu       sync.Mutex
	position int64
	segments []segment
}

type segment struct {
	start   int64
	samples []float32
	done    func()
}

func (s segment) end() int64 { return s.start + int64(len(s.samples)) }

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

func (t *timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.toDuration(t.position)
}

func (t *timeline) Schedule(samples []float32, at time.Duration, done func()) error {
	if len(samples) == 0 {
		return fmt.Errorf("empty segment")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	start := t.toSamples(at)
	if start < t.position {
		start = t.position
	}
	t.segments = append(t.segments, segment{start: start, samples: samples, done: done})
	return nil
}

// Stop abandons every scheduled segment. Their done callbacks still fire,
// asynchronously.
func (t *timeline) Stop() {
	t.mu.Lock()
	dropped := t.segments
	t.segments = nil
	t.mu.Unlock()
	for _, s := range dropped {
		if s.done != nil {
			go s.done()
		}
	}
}

// render fills out with the next len(out) samples and advances the clock.
func (t *timeline) render(out []float32) {
	t.mu.Lock()
	base := t.position
	for i := range out {
		out[i] = 0
	}
	for _, s := range t.segments {
		from := max(s.start, base)
		to := min(s.end(), base+int64(len(out)))
		for pos := from; pos < to; pos++ {
			out[pos-base] = s.samples[pos-s.start]
		}
	}
	t.position += int64(len(out))

	var finished []func()
	kept := t.segments[:0]
	for _, s := range t.segments {
		if s.end() <= t.position {
			if s.done != nil {
				finished = append(finished, s.done)
			}
			continue
		}
		kept = append(kept, s)
	}
	t.segments = kept
	t.mu.Unlock()

	for _, fn := range finished {
		go fn()
	}
}

// Read implements io.Reader in float32 little-endian for oto.
func (t *timeline) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}
	buf := make([]float32, n)
	t.render(buf)
	for i, v := range buf {
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	return n * 4, nil
}

func (t *timeline) toSamples(d time.Duration) int64 {
	return audio.Samples(d, t.rate)
}

func (t *timeline) toDuration(samples int64) time.Duration {
	return audio.Duration(int(samples), t.rate)
}

// Speaker is a mono float32 playback device. oto allows one context per
// process, so Close suspends the device and the next Schedule resumes it.
type Speaker struct {
	*timeline
	logger *slog.Logger

	mu        sync.Mutex
	ctx       *oto.Context
	player    *oto.Player
	suspended bool
}

func NewSpeaker(sampleRate int, logger *slog.Logger) (*Speaker, error) {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &Speaker{timeline: newTimeline(sampleRate), logger: logger, ctx: otoCtx}
	s.player = otoCtx.NewPlayer(s.timeline)
	s.player.Play()
	return s, nil
}

func (s *Speaker) Schedule(samples []float32, at time.Duration, done func()) error {
	s.mu.Lock()
	if s.suspended {
		if err := s.ctx.Resume(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("resume speaker: %w", err)
		}
		s.player.Play()
		s.suspended = false
	}
	s.mu.Unlock()
	return s.timeline.Schedule(samples, at, done)
}

// Close abandons scheduled audio and suspends the device.
func (s *Speaker) Close() error {
	s.timeline.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return nil
	}
	s.player.Pause()
	s.suspended = true
	if err := s.ctx.Suspend(); err != nil {
		s.logger.Debug("speaker suspend", "error", err)
		return err
	}
	return nil
}
