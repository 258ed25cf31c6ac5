// Package trace carries request and meeting correlation ids through
// context.Context and into every log line written with Logger.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

// Header / metadata keys used for propagation.
const (
	TraceIDKey      = "x-trace-id"
	SpanIDKey       = "x-span-id"
	ParentSpanIDKey = "x-parent-span-id"
	MeetingIDKey    = "x-meeting-id"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	meetingKey
)

// Context holds trace identifiers for a single span.
type Context struct {
	TraceID      string
	SpanID       string
	ParentSpanID string
}

// New creates a trace context with fresh ids.
func New() Context {
	return Context{TraceID: randomHex(16), SpanID: randomHex(8)}
}

// NewChild creates a child of parent, or a fresh root if parent is empty.
func NewChild(parent Context) Context {
	if parent.TraceID == "" {
		return New()
	}
	return Context{TraceID: parent.TraceID, SpanID: randomHex(8), ParentSpanID: parent.SpanID}
}

// FromContext extracts the trace context.
func FromContext(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(traceKey).(Context)
	return tc, ok
}

// WithContext injects a trace context.
func WithContext(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, traceKey, tc)
}

// EnsureContext returns the existing trace context or attaches a new one.
func EnsureContext(ctx context.Context) (context.Context, Context) {
	if tc, ok := FromContext(ctx); ok {
		return ctx, tc
	}
	tc := New()
	return WithContext(ctx, tc), tc
}

// WithMeeting tags ctx with the meeting id so logs and outgoing calls carry it.
func WithMeeting(ctx context.Context, meetingID string) context.Context {
	return context.WithValue(ctx, meetingKey, meetingID)
}

// MeetingID returns the meeting id attached with WithMeeting, if any.
func MeetingID(ctx context.Context) string {
	id, _ := ctx.Value(meetingKey).(string)
	return id
}

// Detach returns a background context that keeps ctx's trace and meeting
// tags but none of its cancellation. Used when work outlives the request.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Span is a timed operation within a trace.
type Span struct {
	Name      string
	Ctx       Context
	StartTime time.Time
	EndTime   time.Time

	mu    sync.Mutex
	attrs map[string]any
	log   *slog.Logger
}

// StartSpan begins a child span of whatever trace ctx carries.
func StartSpan(ctx context.Context, name string) (context.Context, *Span) {
	parent, _ := FromContext(ctx)
	tc := NewChild(parent)
	ctx = WithContext(ctx, tc)
	return ctx, &Span{
		Name:      name,
		Ctx:       tc,
		StartTime: time.Now(),
		attrs:     make(map[string]any),
		log:       Logger(ctx),
	}
}

// SetAttr sets a span attribute.
func (s *Span) SetAttr(key string, val any) {
	s.mu.Lock()
	s.attrs[key] = val
	s.mu.Unlock()
}

// Attr returns a span attribute.
func (s *Span) Attr(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[key]
}

// End marks the span complete and logs it at debug level.
func (s *Span) End() {
	s.mu.Lock()
	s.EndTime = time.Now()
	s.mu.Unlock()
	s.log.Debug("span finished", "span", s)
}

// Duration returns the span duration, zero until End.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// LogValue implements slog.LogValuer.
func (s *Span) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("name", s.Name),
		slog.Duration("duration", s.Duration()),
	}
	s.mu.Lock()
	for k, v := range s.attrs {
		attrs = append(attrs, slog.Any(k, v))
	}
	s.mu.Unlock()
	return slog.GroupValue(attrs...)
}

// Logger returns the default logger decorated with ctx's trace and meeting ids.
func Logger(ctx context.Context) *slog.Logger {
	args := make([]any, 0, 8)
	if tc, ok := FromContext(ctx); ok {
		args = append(args, "trace_id", tc.TraceID, "span_id", tc.SpanID)
		if tc.ParentSpanID != "" {
			args = append(args, "parent_span_id", tc.ParentSpanID)
		}
	}
	if id := MeetingID(ctx); id != "" {
		args = append(args, "meeting_id", id)
	}
	if len(args) == 0 {
		return slog.Default()
	}
	return slog.Default().With(args...)
}
