package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/audio"
)

// ErrDeviceUnavailable marks failures to acquire the microphone, whether the
// device is missing or access was denied.
var ErrDeviceUnavailable = errors.New("capture device unavailable")

var (
	errNotOpen = errors.New("capture pipeline is not open")
	errClosed  = errors.New("capture pipeline is closed")
)

// Source is a mono float32 microphone at audio.SampleRate. Implementations
// resample at the device so the pipeline never has to.
type Source interface {
	Open(ctx context.Context) error
	// Start begins delivering samples to fn. fn may be called from a device
	// thread and must not block.
	Start(fn func(samples []float32)) error
	Close() error
}

// DeviceError wraps a Source failure. errors.Is(err, ErrDeviceUnavailable)
// reports true for it.
type DeviceError struct {
	Op  string
	Err error
}

func (e *DeviceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("capture %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *DeviceError) Is(target error) bool {
	return target == ErrDeviceUnavailable
}

type Config struct {
	WindowSize int
}

type Dependencies struct {
	Source Source
	// Sink receives one PCM16 little-endian frame per unmuted window, in
	// capture order. It must not block.
	Sink   func(pcm []byte) error
	Logger *slog.Logger
	Config Config
}

type Stats struct {
	FramesSent  int64
	FramesMuted int64
	Level       float64
}

type state int

const (
	stateIdle state = iota
	stateOpen
	stateRunning
	stateClosed
)

type Pipeline struct {
	source Source
	sink   func(pcm []byte) error
	logger *slog.Logger

	mu     sync.Mutex
	state  state
	framer *audio.Framer

	muted       atomic.Bool
	framesSent  atomic.Int64
	framesMuted atomic.Int64
	levelBits   atomic.Uint64
}

func New(deps Dependencies) (*Pipeline, error) {
	if deps.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if deps.Sink == nil {
		return nil, fmt.Errorf("capture sink is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{
		source: deps.Source,
		sink:   deps.Sink,
		logger: deps.Logger,
		framer: audio.NewFramer(deps.Config.WindowSize),
	}, nil
}

// Open acquires the device without delivering any audio.
func (p *Pipeline) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case stateClosed:
		return errClosed
	case stateOpen, stateRunning:
		return nil
	}
	if err := p.source.Open(ctx); err != nil {
		return &DeviceError{Op: "open", Err: err}
	}
	p.state = stateOpen
	return nil
}

// Start switches frame delivery on. Samples arriving before Start are
// discarded.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	switch p.state {
	case stateIdle:
		p.mu.Unlock()
		return errNotOpen
	case stateClosed:
		p.mu.Unlock()
		return errClosed
	case stateRunning:
		p.mu.Unlock()
		return nil
	}
	p.state = stateRunning
	p.framer.Reset()
	p.mu.Unlock()

	if err := p.source.Start(p.onSamples); err != nil {
		p.mu.Lock()
		if p.state == stateRunning {
			p.state = stateOpen
		}
		p.mu.Unlock()
		return &DeviceError{Op: "start", Err: err}
	}
	return nil
}

// SetMuted keeps windows flowing through the framer but stops them from
// reaching the sink.
func (p *Pipeline) SetMuted(muted bool) {
	p.muted.Store(muted)
}

func (p *Pipeline) Muted() bool {
	return p.muted.Load()
}

// Close releases the device. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return nil
	}
	wasAcquired := p.state != stateIdle
	p.state = stateClosed
	p.framer.Reset()
	p.mu.Unlock()

	if !wasAcquired {
		return nil
	}
	return p.source.Close()
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesSent:  p.framesSent.Load(),
		FramesMuted: p.framesMuted.Load(),
		Level:       math.Float64frombits(p.levelBits.Load()),
	}
}

func (p *Pipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateRunning {
		return
	}
	p.framer.Write(samples, p.emit)
}

func (p *Pipeline) emit(window []float32) {
	p.levelBits.Store(math.Float64bits(audio.Level(window)))
	if p.muted.Load() {
		p.framesMuted.Add(1)
		return
	}
	if err := p.sink(audio.EncodePCM16LE(window)); err != nil {
		p.logger.Debug("capture frame dropped", "error", err)
		return
	}
	p.framesSent.Add(1)
}
