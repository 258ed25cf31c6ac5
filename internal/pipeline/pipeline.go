// Package pipeline defines the audio-to-minutes contract and the text
// extraction shared by its backends.
package pipeline

import (
	"context"
	"slices"
)

// Audio formats accepted by backends.
const (
	FormatWAV  = "wav"
	FormatMP3  = "mp3"
	FormatM4A  = "m4a"
	FormatOGG  = "ogg"
	FormatFLAC = "flac"
	FormatWebM = "webm"
)

// Input is one unit of work. When Transcript is set backends skip
// transcription and only analyse the text.
type Input struct {
	Audio      []byte
	Format     string
	SampleRate int
	Transcript string
}

// WordSpan is a transcribed word with its offsets in seconds.
type WordSpan struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Result is the outcome of a successful run.
type Result struct {
	Transcript      string     `json:"full_transcript"`
	TimedTranscript []WordSpan `json:"timed_transcript"`
	Summary         string     `json:"summary"`
	ActionItems     []string   `json:"action_items"`
	Reminders       []string   `json:"reminders"`
}

// Clone returns a deep copy.
func (r Result) Clone() Result {
	r.TimedTranscript = slices.Clone(r.TimedTranscript)
	r.ActionItems = slices.Clone(r.ActionItems)
	r.Reminders = slices.Clone(r.Reminders)
	return r
}

// Pipeline turns audio into meeting minutes. Implementations return
// TRANSCRIPTION_FAILED or MODEL_UNAVAILABLE app errors on failure.
type Pipeline interface {
	Process(ctx context.Context, in Input) (Result, error)
}

// Func adapts a function to Pipeline.
type Func func(ctx context.Context, in Input) (Result, error)

// Process calls f.
func (f Func) Process(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }
