// Package device binds the capture and playback pipelines to real audio
// hardware: malgo for the microphone and oto for the speaker.
package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-voicecall/pkg/voicecall/audio"
)

// Microphone is a mono float32 capture device opened at audio.SampleRate so
// the backend resamples, not the pipeline.
type Microphone struct {
	logger *slog.Logger
	rate   int

	mu     sync.Mutex
	mctx   *malgo.AllocatedContext
	device *malgo.Device

	sink atomic.Pointer[func([]float32)]
}

func NewMicrophone(sampleRate int, logger *slog.Logger) *Microphone {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Microphone{logger: logger, rate: sampleRate}
}

func (m *Microphone) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device != nil {
		return nil
	}

	cfg := malgo.ContextConfig{}
	cfg.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, cfg, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(m.rate)
	deviceConfig.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			fn := m.sink.Load()
			if fn == nil || len(input) == 0 {
				return
			}
			(*fn)(decodeF32LE(input))
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return fmt.Errorf("init microphone: %w", err)
	}
	m.mctx = mctx
	m.device = device
	m.logger.Debug("microphone opened", "sample_rate", m.rate)
	return nil
}

// Start begins delivering samples to fn from the device thread.
func (m *Microphone) Start(fn func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return fmt.Errorf("microphone is not open")
	}
	m.sink.Store(&fn)
	if err := m.device.Start(); err != nil {
		m.sink.Store(nil)
		return fmt.Errorf("start microphone: %w", err)
	}
	return nil
}

// Close stops the device and frees the audio context. The microphone can be
// opened again afterwards.
func (m *Microphone) Close() error {
	m.sink.Store(nil)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.device == nil {
		return nil
	}
	_ = m.device.Stop()
	m.device.Uninit()
	m.device = nil
	err := m.mctx.Uninit()
	m.mctx.Free()
	m.mctx = nil
	return err
}

func decodeF32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
