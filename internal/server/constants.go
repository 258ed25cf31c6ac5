// Package server exposes meetings over HTTP and a websocket feed.
package server

import "time"

// Server configuration constants
const (
	// Inbound websocket rate limiting
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Per-connection write deadline for broadcasts
	WSWriteTimeout = 5 * time.Second

	// In-memory portion of multipart parsing; the rest spills to disk
	MultipartMemory = 32 << 20

	UploadField = "audio_file"
)

// Websocket message types
const (
	MsgSession     = "session"
	MsgStatus      = "status"
	MsgError       = "error"
	MsgRateLimited = "rate_limited"
)
