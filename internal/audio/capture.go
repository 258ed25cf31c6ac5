package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	apperr "github.com/minutemate/platform/internal/errors"
)

// Config controls a single capture.
type Config struct {
	SampleRate     int
	FrameDuration  time.Duration
	ThresholdDB    float64
	SilenceTimeout time.Duration
}

// DefaultConfig returns the stock capture settings.
func DefaultConfig() Config {
	return Config{
		SampleRate:     DefaultSampleRate,
		FrameDuration:  DefaultFrameDuration,
		ThresholdDB:    DefaultSilenceThresholdDB,
		SilenceTimeout: DefaultSilenceTimeout,
	}
}

func (c Config) framesPerBuffer() int {
	n := int(int64(c.SampleRate) * int64(c.FrameDuration) / int64(time.Second))
	if n < 1 {
		n = 1
	}
	return n
}

// Capturer hands out exclusive access to one input device.
type Capturer struct {
	open Opener

	mu   sync.Mutex
	busy bool
}

// NewCapturer creates a capturer that acquires devices through open.
func NewCapturer(open Opener) *Capturer {
	return &Capturer{open: open}
}

// Busy reports whether a capture currently holds the device.
func (c *Capturer) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Start opens the device and begins buffering frames until Stop is called,
// ctx is cancelled, the device fails, or the silence window elapses.
func (c *Capturer) Start(ctx context.Context, cfg Config) (*Handle, error) {
	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return nil, apperr.New(apperr.DeviceUnavailable, "input device already in use")
	}
	c.busy = true
	c.mu.Unlock()

	src, err := c.open(cfg.SampleRate, cfg.framesPerBuffer())
	if err != nil {
		c.release()
		return nil, apperr.Wrap(err, apperr.DeviceUnavailable, "open input device")
	}

	h := &Handle{
		cfg:    cfg,
		src:    src,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go h.run(ctx, c.release)

	slog.Info("capture started", "device", src.Name(), "sample_rate", cfg.SampleRate)
	return h, nil
}

func (c *Capturer) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Handle is a running capture.
type Handle struct {
	cfg Config
	src Source

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	silenceNs   atomic.Int64
	autoStopped atomic.Bool

	// set before done is closed
	wav []byte
	err error
}

func (h *Handle) run(ctx context.Context, release func()) {
	detector := NewSilenceDetector(h.cfg.ThresholdDB, h.cfg.SilenceTimeout)
	frame := make([]int16, h.cfg.framesPerBuffer())
	var pcm []byte

loop:
	for {
		select {
		case <-h.stopCh:
			break loop
		case <-ctx.Done():
			break loop
		default:
		}

		if err := h.src.Read(frame); err != nil {
			h.err = apperr.Wrap(err, apperr.DeviceUnavailable, "read input device")
			slog.Warn("capture read failed", "device", h.src.Name(), "error", err)
			break
		}
		pcm = appendPCM(pcm, frame)

		tripped := detector.Observe(frame, h.cfg.FrameDuration)
		h.silenceNs.Store(int64(detector.Silence()))
		if tripped {
			h.autoStopped.Store(true)
			slog.Info("capture auto-stopped on silence", "silence", detector.Silence())
			break
		}
	}

	if err := h.src.Close(); err != nil {
		slog.Warn("close input device", "device", h.src.Name(), "error", err)
	}
	release()

	h.wav = EncodeWAV(pcm, h.cfg.SampleRate)
	close(h.done)
}

// Stop ends the capture and returns the buffered audio as WAV.
// Calling Stop again returns the same bytes.
func (h *Handle) Stop() []byte {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.done
	return h.wav
}

// Done is closed once the device has been released.
func (h *Handle) Done() <-chan struct{} { return h.done }

// AutoStopped reports whether capture ended because of silence.
func (h *Handle) AutoStopped() bool { return h.autoStopped.Load() }

// Silence returns the current run of consecutive silence.
func (h *Handle) Silence() time.Duration { return time.Duration(h.silenceNs.Load()) }

// Err returns the device error that ended capture, if any. Valid after Done.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// SampleRate of the captured audio.
func (h *Handle) SampleRate() int { return h.cfg.SampleRate }
