package grpcclient

import "time"

// Inference service wire names
const (
	ServiceName = "minutemate.inference.v1.Inference"

	methodTranscribe = "/" + ServiceName + "/Transcribe"
	methodSummarize  = "/" + ServiceName + "/Summarize"
	methodClassify   = "/" + ServiceName + "/ClassifySentences"

	// Transcribe request attributes travel as metadata alongside raw audio bytes
	mdAudioFormat = "x-audio-format"
	mdSampleRate  = "x-sample-rate"
	mdLanguage    = "x-language"
)

// Client configuration defaults
const (
	// Keepalive configuration
	DefaultKeepaliveTime    = 10 * time.Second
	DefaultKeepaliveTimeout = 3 * time.Second

	// Health check configuration
	HealthCheckTimeout = 2 * time.Second

	// Per-call deadlines
	DefaultTranscribeTimeout = 5 * time.Minute
	DefaultAnalyzeTimeout    = 60 * time.Second
)
