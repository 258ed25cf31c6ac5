package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gomutex/godocx"
	"github.com/gomutex/godocx/docx"

	"github.com/minutemate/platform/internal/pipeline"
)

const (
	fontName = "Times New Roman"
	fontSize = 12
)

// DocxWriter writes minutes_<id>.docx files.
type DocxWriter struct {
	Dir string
}

// Path returns where a meeting's document is written.
func (w DocxWriter) Path(meetingID string) string {
	return filepath.Join(w.Dir, "minutes_"+meetingID+".docx")
}

// Archive renders the document to a temp file and links it into place so an
// existing document is never overwritten.
func (w DocxWriter) Archive(_ context.Context, meetingID string, res pipeline.Result) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}

	doc, err := godocx.NewDocument()
	if err != nil {
		return fmt.Errorf("new docx: %w", err)
	}

	addRun(doc.AddParagraph(""), "MinuteMate Meeting Notes", true, 16)
	addRun(doc.AddParagraph(""), "Meeting ID: "+meetingID, false, fontSize)

	addRun(doc.AddParagraph(""), "Summary", true, 14)
	addRun(doc.AddParagraph(""), res.Summary, false, fontSize)

	addSection(doc, "Action Items", res.ActionItems, "No action items detected.")
	addSection(doc, "Reminders & Dates", res.Reminders, "No reminders detected.")

	addRun(doc.AddParagraph(""), "Full Transcript", true, 14)
	addRun(doc.AddParagraph(""), res.Transcript, false, fontSize)

	tmp := w.Path(meetingID) + ".tmp"
	if err := doc.SaveTo(tmp); err != nil {
		return fmt.Errorf("save docx: %w", err)
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, w.Path(meetingID)); err != nil {
		return fmt.Errorf("place docx: %w", err)
	}
	return nil
}

func addSection(doc *docx.RootDoc, title string, items []string, empty string) {
	addRun(doc.AddParagraph(""), title, true, 14)
	if len(items) == 0 {
		addRun(doc.AddParagraph(""), empty, false, fontSize)
		return
	}
	for _, item := range items {
		addRun(doc.AddParagraph(""), "• "+item, false, fontSize)
	}
}

func addRun(p *docx.Paragraph, text string, bold bool, size uint64) {
	run := p.AddText(text).Font(fontName).Size(size).Color("000000")
	if bold {
		run.Bold(true)
	}
}
