// Package gemini runs the meeting pipeline on Google Gemini.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/resilience"
	"github.com/minutemate/platform/internal/syncx"
	"github.com/minutemate/platform/internal/trace"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

const minutesPrompt = `You are a meeting assistant. %s

Respond with a single JSON object and nothing else:
{
  "transcript": "<the full verbatim transcript>",
  "summary": "<a concise summary of the meeting, 2-5 sentences>",
  "sentences": [
    {"sentence": "<sentence from the transcript>", "label": "<one of: %s>", "score": <confidence 0..1>}
  ]
}
Classify every sentence of the transcript.`

const (
	audioInstruction      = "Transcribe the attached meeting recording in language %q, then analyse it."
	transcriptInstruction = "Analyse the meeting transcript below.\n\nTranscript:\n---\n%s\n---"
)

// GenerateFunc performs one model call with a specific API key and returns
// the concatenated response text.
type GenerateFunc func(ctx context.Context, apiKey, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error)

type keyRing struct {
	keys    []string
	current int
}

// Backend implements pipeline.Pipeline on Gemini.
type Backend struct {
	model    string
	language string
	keys     *syncx.Guard[keyRing]
	generate GenerateFunc
	breaker  *resilience.Breaker
}

var _ pipeline.Pipeline = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithGenerate replaces the model call, mainly for tests.
func WithGenerate(fn GenerateFunc) Option {
	return func(b *Backend) { b.generate = fn }
}

// WithLanguage sets the transcription language hint.
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// New creates a Backend that rotates through apiKeys on quota errors.
func New(apiKeys []string, model string, opts ...Option) (*Backend, error) {
	if len(apiKeys) == 0 {
		return nil, apperr.New(apperr.ConfigInvalid, "gemini backend needs at least one API key")
	}
	if model == "" {
		model = DefaultModel
	}
	b := &Backend{
		model:    model,
		language: "en",
		keys:     syncx.NewGuard(keyRing{keys: append([]string(nil), apiKeys...)}),
		generate: generateContent,
		breaker: resilience.New(resilience.Config{
			Name:              "gemini",
			Threshold:         resilience.InferenceThreshold,
			ResetTimeout:      resilience.InferenceResetTimeout,
			HalfOpenSuccesses: resilience.InferenceHalfOpenSuccesses,
			IsFailure:         isUnavailable,
		}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Process sends audio (or a transcript) to Gemini and assembles the minutes.
func (b *Backend) Process(ctx context.Context, in pipeline.Input) (pipeline.Result, error) {
	ctx, span := trace.StartSpan(ctx, "gemini.process")
	defer span.End()
	span.SetAttr("model", b.model)

	text, err := b.call(ctx, b.contents(in))
	if err != nil {
		span.SetAttr("error", err.Error())
		return pipeline.Result{}, err
	}

	var resp minutesResponse
	if err := json.Unmarshal([]byte(stripFence(text)), &resp); err != nil {
		return pipeline.Result{}, apperr.Wrap(err, apperr.TranscriptionFailed, "malformed model response")
	}

	transcript := resp.Transcript
	if in.Transcript != "" {
		transcript = in.Transcript
	}
	classified := make([]pipeline.Classification, 0, len(resp.Sentences))
	for _, s := range resp.Sentences {
		classified = append(classified, pipeline.Classification{
			Sentence: strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.Sentence), ".")),
			Label:    strings.ToLower(strings.TrimSpace(s.Label)),
			Score:    s.Score,
		})
	}
	return pipeline.Assemble(transcript, nil, resp.Summary, classified)
}

type minutesResponse struct {
	Transcript string `json:"transcript"`
	Summary    string `json:"summary"`
	Sentences  []struct {
		Sentence string  `json:"sentence"`
		Label    string  `json:"label"`
		Score    float64 `json:"score"`
	} `json:"sentences"`
}

func (b *Backend) contents(in pipeline.Input) []*genai.Content {
	labels := strings.Join(pipeline.CandidateLabels, ", ")
	if in.Transcript != "" {
		prompt := fmt.Sprintf(minutesPrompt, fmt.Sprintf(transcriptInstruction, in.Transcript), labels)
		return genai.Text(prompt)
	}
	prompt := fmt.Sprintf(minutesPrompt, fmt.Sprintf(audioInstruction, b.language), labels)
	return []*genai.Content{genai.NewContentFromParts([]*genai.Part{
		genai.NewPartFromText(prompt),
		genai.NewPartFromBytes(in.Audio, pipeline.MIMEType(in.Format)),
	}, genai.RoleUser)}
}

// call tries each key once, rotating past keys that hit their quota.
func (b *Backend) call(ctx context.Context, contents []*genai.Content) (string, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.2),
	}

	attempts := syncx.Read(b.keys, func(r keyRing) int { return len(r.keys) })
	var lastErr error
	for range attempts {
		idx, key := b.currentKey()

		text, err := resilience.Call(ctx, b.breaker, func(ctx context.Context) (string, error) {
			return b.generate(ctx, key, b.model, contents, cfg)
		})
		switch {
		case err == nil:
			if strings.TrimSpace(text) == "" {
				return "", apperr.New(apperr.TranscriptionFailed, "empty response from Gemini")
			}
			return text, nil
		case errors.Is(err, resilience.ErrOpen):
			return "", apperr.Wrap(err, apperr.ModelUnavailable, "gemini circuit open")
		case isQuota(err):
			trace.Logger(ctx).Warn("gemini key rate limited, rotating", "key", idx+1)
			b.rotate(idx)
			lastErr = err
			continue
		case isUnavailable(err):
			return "", apperr.Wrap(err, apperr.ModelUnavailable, "gemini unavailable")
		default:
			return "", apperr.Wrap(err, apperr.TranscriptionFailed, "gemini rejected request")
		}
	}
	return "", apperr.Wrap(lastErr, apperr.ModelUnavailable, "all gemini API keys exhausted")
}

func (b *Backend) currentKey() (int, string) {
	type pick struct {
		idx int
		key string
	}
	p := syncx.Read(b.keys, func(r keyRing) pick { return pick{r.current, r.keys[r.current]} })
	return p.idx, p.key
}

// rotate advances past idx unless another caller already did.
func (b *Backend) rotate(idx int) {
	b.keys.Write(func(r *keyRing) {
		if r.current == idx {
			r.current = (idx + 1) % len(r.keys)
		}
	})
}

func generateContent(ctx context.Context, apiKey, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("create client: %w", err)
	}

	result, err := client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", err
	}
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0].Content == nil {
		return "", nil
	}
	var sb strings.Builder
	for _, part := range result.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	slog.Debug("gemini response", "model", model, "chars", sb.Len())
	return sb.String(), nil
}

func isQuota(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == 429 || apiErr.Status == "RESOURCE_EXHAUSTED"
	}
	msg := err.Error()
	return strings.Contains(msg, "429") || strings.Contains(msg, "quota") || strings.Contains(msg, "RESOURCE_EXHAUSTED")
}

// isUnavailable reports server-side or transport failures.
func isUnavailable(err error) bool {
	if err == nil || isQuota(err) || errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return true
}

// stripFence removes a markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
