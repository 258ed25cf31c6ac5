// Package orchestrator drives meeting sessions from capture to minutes.
package orchestrator

// Reasons a recording ended, for logs.
const (
	StopExplicit = "explicit"
	StopSilence  = "silence"
	StopDevice   = "device_error"
	StopShutdown = "shutdown"
)
