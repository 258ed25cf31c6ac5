package pipeline

import (
	"regexp"
	"strings"

	apperr "github.com/minutemate/platform/internal/errors"
)

// Sentence classification
const (
	LabelActionItem    = "action item"
	ActionItemMinScore = 0.8
)

// CandidateLabels are offered to zero-shot sentence classifiers.
var CandidateLabels = []string{LabelActionItem, "important point", "question", "general discussion"}

var reminderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\d{4}-\d{2}-\d{2}`),
	regexp.MustCompile(`\d{1,2}/\d{1,2}/\d{4}`),
	regexp.MustCompile(`(?i)next\s+(?:Monday|Tuesday|Wednesday|Thursday|Friday|Saturday|Sunday)`),
	regexp.MustCompile(`(?i)tomorrow`),
}

// Sentences splits text on '.' and drops empty pieces.
func Sentences(text string) []string {
	var out []string
	for _, s := range strings.Split(text, ".") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Classification is a sentence's top label.
type Classification struct {
	Sentence string
	Label    string
	Score    float64
}

// ActionItems keeps sentences confidently labelled as action items.
func ActionItems(classified []Classification) []string {
	var out []string
	for _, c := range classified {
		if c.Label == LabelActionItem && c.Score > ActionItemMinScore {
			out = append(out, c.Sentence)
		}
	}
	return out
}

// Reminders extracts date mentions, de-duplicated in order of pattern
// then appearance.
func Reminders(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, re := range reminderPatterns {
		for _, m := range re.FindAllString(text, -1) {
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			out = append(out, m)
		}
	}
	return out
}

// Assemble builds a Result from backend outputs. A blank transcript is
// TRANSCRIPTION_FAILED.
func Assemble(transcript string, words []WordSpan, summary string, classified []Classification) (Result, error) {
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return Result{}, apperr.New(apperr.TranscriptionFailed, "transcript is empty")
	}
	return Result{
		Transcript:      transcript,
		TimedTranscript: words,
		Summary:         strings.TrimSpace(summary),
		ActionItems:     ActionItems(classified),
		Reminders:       Reminders(transcript),
	}, nil
}
