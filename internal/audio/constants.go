// Package audio captures microphone audio and stops itself on sustained silence.
package audio

import "time"

// Capture defaults
const (
	DefaultSampleRate         = 16000
	DefaultFrameDuration      = 64 * time.Millisecond // 1024 samples at 16kHz
	DefaultSilenceThresholdDB = -36.0                 // ~RMS 500 on int16
	DefaultSilenceTimeout     = 30 * time.Second

	// Full-scale amplitude of a PCM16 sample.
	fullScale = 32768.0

	bytesPerSample = 2
)
