package pipeline

import (
	"path/filepath"
	"strings"
)

var mimeTypes = map[string]string{
	FormatWAV:  "audio/wav",
	FormatMP3:  "audio/mp3",
	FormatM4A:  "audio/aac",
	FormatOGG:  "audio/ogg",
	FormatFLAC: "audio/flac",
	FormatWebM: "audio/webm",
}

// FormatFromFilename derives the audio format from a file extension.
// It returns "" for unsupported extensions.
func FormatFromFilename(name string) string {
	f := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if _, ok := mimeTypes[f]; ok {
		return f
	}
	return ""
}

// MIMEType returns the media type for a format, defaulting to WAV.
func MIMEType(format string) string {
	if m, ok := mimeTypes[format]; ok {
		return m
	}
	return mimeTypes[FormatWAV]
}
