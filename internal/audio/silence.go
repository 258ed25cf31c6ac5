package audio

import (
	"math"
	"time"
)

// LevelDB returns the RMS level of a PCM16 frame in dBFS.
// An all-zero frame is -Inf.
func LevelDB(frame []int16) float64 {
	if len(frame) == 0 {
		return math.Inf(-1)
	}
	var sum float64
	for _, s := range frame {
		v := float64(s)
		sum += v * v
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/fullScale)
}

// SilenceDetector accumulates consecutive below-threshold audio.
// It is owned by a single capture goroutine and is not safe for concurrent use.
type SilenceDetector struct {
	thresholdDB float64
	timeout     time.Duration
	silent      time.Duration
}

// NewSilenceDetector creates a detector that trips after timeout of silence.
func NewSilenceDetector(thresholdDB float64, timeout time.Duration) *SilenceDetector {
	return &SilenceDetector{thresholdDB: thresholdDB, timeout: timeout}
}

// Observe classifies one frame lasting d and reports whether the silence
// window has been reached.
func (d *SilenceDetector) Observe(frame []int16, dur time.Duration) bool {
	if LevelDB(frame) < d.thresholdDB {
		d.silent += dur
	} else {
		d.silent = 0
	}
	return d.silent >= d.timeout
}

// Silence returns the current run of consecutive silence.
func (d *SilenceDetector) Silence() time.Duration { return d.silent }
