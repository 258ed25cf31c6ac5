package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/minutemate/platform/internal/config"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/orchestrator"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/session"
	"github.com/minutemate/platform/internal/trace"
)

// Orchestrator is the meeting API the server drives.
type Orchestrator interface {
	StartRecording(ctx context.Context) (string, error)
	StopRecording(ctx context.Context, id string) error
	ActiveRecording() (string, bool)
	UploadAudio(ctx context.Context, up orchestrator.Upload) (string, error)
	Status() orchestrator.Status
	Result(id string) (pipeline.Result, error)
	Events() <-chan session.StateChange
}

// StatusResponse is the body of GET /status and websocket status replies.
type StatusResponse struct {
	Type      string        `json:"type,omitempty"`
	Status    session.State `json:"status"`
	MeetingID *string       `json:"current_meeting_id"`
}

// MeetingResponse acknowledges a started, stopped or uploaded meeting.
type MeetingResponse struct {
	Message   string `json:"message"`
	MeetingID string `json:"meeting_id,omitempty"`
}

// MinutesResponse is the body of GET /minutes/{id} for completed meetings.
type MinutesResponse struct {
	MeetingID       string              `json:"meeting_id"`
	Summary         string              `json:"summary"`
	ActionItems     []string            `json:"action_items"`
	Reminders       []string            `json:"reminders"`
	FullTranscript  string              `json:"full_transcript"`
	TimedTranscript []pipeline.WordSpan `json:"timed_transcript"`
}

// FailedResponse is the body of GET /minutes/{id} for failed meetings.
type FailedResponse struct {
	MeetingID string `json:"meeting_id"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// ErrorResponse is returned for every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionMessage is broadcast on every meeting state change.
type SessionMessage struct {
	Type      string        `json:"type"`
	MeetingID string        `json:"meeting_id"`
	From      session.State `json:"from"`
	To        session.State `json:"to"`
	At        time.Time     `json:"at"`
}

// Message is the envelope of inbound websocket messages.
type Message struct {
	Type string `json:"type"`
}

type textMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// rateLimiter tracks message timestamps using a sliding window.
type rateLimiter struct {
	timestamps []time.Time
	mu         sync.Mutex
}

// allow checks if a message is allowed and records the timestamp if so.
func (r *rateLimiter) allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-RateLimitWindow)

	valid := r.timestamps[:0]
	for _, t := range r.timestamps {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	r.timestamps = valid

	if len(r.timestamps) >= RateLimitMessages {
		return false
	}

	r.timestamps = append(r.timestamps, now)
	return true
}

// Server handles HTTP and WebSocket connections.
type Server struct {
	orch      Orchestrator
	maxUpload int64

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// New creates a server and starts broadcasting session events.
func New(orch Orchestrator, cfg config.ServerConfig) *Server {
	s := &Server{
		orch:      orch,
		maxUpload: cfg.MaxUploadBytes,
		conns:     make(map[*websocket.Conn]struct{}),
	}
	go s.broadcastSessions()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /start_recording", s.handleStartRecording)
	mux.HandleFunc("POST /stop_recording", s.handleStopRecording)
	mux.HandleFunc("POST /upload_audio", s.handleUploadAudio)
	mux.HandleFunc("GET /minutes/{meeting_id}", s.handleMinutes)

	// Apply middleware: trace -> CORS
	return corsMiddleware(trace.Middleware(mux))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := apperr.HTTPStatus(err)
	var ae *apperr.AppError
	body := ErrorResponse{Error: err.Error(), Code: string(apperr.Unknown)}
	if errors.As(err, &ae) {
		body = ErrorResponse{Error: ae.Message, Code: string(ae.Code)}
	}

	log := trace.Logger(r.Context())
	if code >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "status", code, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", code, "error", err)
	}
	writeJSON(w, code, body)
}

func writeTooLarge(w http.ResponseWriter) {
	writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{
		Error: "Audio file too large.", Code: string(apperr.InvalidArgument),
	})
}

func (s *Server) statusResponse() StatusResponse {
	st := s.orch.Status()
	resp := StatusResponse{Status: st.State}
	if st.MeetingID != "" {
		id := st.MeetingID
		resp.MeetingID = &id
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.statusResponse())
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	id, err := s.orch.StartRecording(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeetingResponse{Message: "Recording started.", MeetingID: id})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	id, ok := s.orch.ActiveRecording()
	if !ok {
		writeError(w, r, apperr.New(apperr.InvalidTransition, "Not currently recording."))
		return
	}
	if err := s.orch.StopRecording(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeetingResponse{Message: "Recording stopped. Processing has begun.", MeetingID: id})
}

func (s *Server) handleUploadAudio(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUpload {
		writeTooLarge(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)

	if err := r.ParseMultipartForm(MultipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeTooLarge(w)
			return
		}
		writeError(w, r, apperr.Wrap(err, apperr.InvalidArgument, "Expected a multipart form upload."))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(UploadField)
	if err != nil {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "No audio_file part in the request."))
		return
	}
	defer file.Close()
	if header.Filename == "" {
		writeError(w, r, apperr.New(apperr.InvalidArgument, "No selected file."))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.Wrap(err, apperr.InvalidArgument, "Could not read the uploaded file."))
		return
	}

	id, err := s.orch.UploadAudio(r.Context(), orchestrator.Upload{Data: data, Filename: header.Filename})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MeetingResponse{Message: "File uploaded. Processing has begun.", MeetingID: id})
}

func (s *Server) handleMinutes(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("meeting_id")

	res, err := s.orch.Result(id)
	var failed *orchestrator.FailedError
	switch {
	case errors.As(err, &failed):
		writeJSON(w, http.StatusOK, FailedResponse{
			MeetingID: id,
			Error:     failed.Failure.Message,
			Code:      failed.Failure.Code,
		})
	case err != nil:
		writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, MinutesResponse{
			MeetingID:       id,
			Summary:         res.Summary,
			ActionItems:     nonNil(res.ActionItems),
			Reminders:       nonNil(res.Reminders),
			FullTranscript:  res.Transcript,
			TimedTranscript: nonNil(res.TimedTranscript),
		})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
