// Package archive writes finished meeting minutes to disk.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/minutemate/platform/internal/pipeline"
)

// Archiver persists a completed meeting. Failures are reported but never
// change the meeting's outcome.
type Archiver interface {
	Archive(ctx context.Context, meetingID string, res pipeline.Result) error
}

// Render formats minutes as the plain-text notes document.
func Render(meetingID string, res pipeline.Result) string {
	var b strings.Builder
	b.WriteString("MinuteMate Meeting Notes\n")
	b.WriteString("=========================\n\n")
	fmt.Fprintf(&b, "Meeting ID: %s\n\n", meetingID)

	b.WriteString("## Summary\n")
	b.WriteString(res.Summary + "\n\n")

	b.WriteString("## Action Items\n")
	writeList(&b, res.ActionItems, "No action items detected.")

	b.WriteString("## Reminders & Dates\n")
	writeList(&b, res.Reminders, "No reminders detected.")

	b.WriteString("## Full Transcript\n")
	b.WriteString("-----------------\n")
	b.WriteString(res.Transcript)
	return b.String()
}

func writeList(b *strings.Builder, items []string, empty string) {
	if len(items) == 0 {
		b.WriteString(empty + "\n")
	}
	for _, item := range items {
		b.WriteString("- " + item + "\n")
	}
	b.WriteString("\n")
}

// TextWriter writes minutes_<id>.txt files.
type TextWriter struct {
	Dir string
}

// Path returns where a meeting's notes are written.
func (w TextWriter) Path(meetingID string) string {
	return filepath.Join(w.Dir, "minutes_"+meetingID+".txt")
}

// Archive writes the notes once; an existing file is an error.
func (w TextWriter) Archive(_ context.Context, meetingID string, res pipeline.Result) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	f, err := os.OpenFile(w.Path(meetingID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create notes: %w", err)
	}
	if _, err := f.WriteString(Render(meetingID, res)); err != nil {
		_ = f.Close()
		return fmt.Errorf("write notes: %w", err)
	}
	return f.Close()
}

type multi []Archiver

// Multi runs every archiver and joins their errors.
func Multi(archivers ...Archiver) Archiver {
	return multi(archivers)
}

func (m multi) Archive(ctx context.Context, meetingID string, res pipeline.Result) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, meetingID, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
