package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/audio"
)

// Output is a playback device addressed on its own clock. Times map to whole
// samples with audio.Samples; a segment scheduled at the end of the previous
// one must render with no sample between them.
//
// done must be called exactly once per successful Schedule, after the samples
// finish or are abandoned by Stop, and never synchronously from inside
// Schedule or Stop.
type Output interface {
	Now() time.Duration
	Schedule(samples []float32, at time.Duration, done func()) error
	// Stop abandons anything scheduled but not yet rendered.
	Stop()
}

type Config struct {
	SampleRate int
}

type Dependencies struct {
	Output Output
	Logger *slog.Logger
	Config Config
}

type Stats struct {
	Enqueued   int64
	Played     int64
	Skipped    int64
	Interrupts int64
	// Pending counts chunks handed to the device that have not finished.
	Pending int
	Playing bool
}

// Scheduler plays PCM16 chunks strictly in arrival order without gaps or
// overlap. Each chunk goes to the device as soon as it arrives, starting at
// the cursor, so the device always holds everything still to be played.
// The cursor is kept in samples; device times are only derived from it.
type Scheduler struct {
	out    Output
	rate   int
	logger *slog.Logger

	mu         sync.Mutex
	cursor     int64
	inFlight   int
	generation uint64
	closed     bool
	stats      Stats
}

func New(deps Dependencies) (*Scheduler, error) {
	if deps.Output == nil {
		return nil, fmt.Errorf("playback output is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.SampleRate <= 0 {
		deps.Config.SampleRate = audio.SampleRate
	}
	return &Scheduler{
		out:    deps.Output,
		rate:   deps.Config.SampleRate,
		logger: deps.Logger,
	}, nil
}

// Enqueue schedules a PCM16 little-endian chunk at max(device now, cursor)
// and advances the cursor past it.
func (s *Scheduler) Enqueue(pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stats.Enqueued++

	samples := audio.DecodePCM16LE(pcm)
	if len(samples) == 0 {
		s.stats.Skipped++
		return
	}

	start := max(audio.Samples(s.out.Now(), s.rate), s.cursor)
	gen := s.generation
	at := audio.Duration(int(start), s.rate)
	if err := s.out.Schedule(samples, at, func() { s.ended(gen) }); err != nil {
		s.logger.Warn("playback schedule failed", "error", err)
		s.stats.Skipped++
		return
	}
	s.cursor = start + int64(len(samples))
	s.inFlight++
}

// Interrupt abandons everything on the device that has not been rendered
// and resets the cursor.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.stats.Interrupts++
	s.resetLocked()
}

// Close interrupts and refuses further chunks.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.resetLocked()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Pending = s.inFlight
	out.Playing = s.inFlight > 0
	return out
}

func (s *Scheduler) resetLocked() {
	s.generation++
	s.cursor = 0
	s.inFlight = 0
	s.out.Stop()
}

// ended runs once per scheduled chunk. Completions from before the last
// reset, including those of abandoned chunks, are ignored.
func (s *Scheduler) ended(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.inFlight == 0 {
		return
	}
	s.inFlight--
	s.stats.Played++
}
