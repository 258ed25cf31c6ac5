package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutemate/platform/internal/config"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/orchestrator"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/session"
)

// mockOrchestrator for testing.
type mockOrchestrator struct {
	mu       sync.Mutex
	status   orchestrator.Status
	startID  string
	startErr error
	active   string
	stopped  []string
	uploads  []orchestrator.Upload
	results  map[string]pipeline.Result
	errs     map[string]error
	events   chan session.StateChange
}

func newMockOrchestrator() *mockOrchestrator {
	return &mockOrchestrator{
		status:  orchestrator.Status{State: session.Idle},
		startID: "m-1",
		results: map[string]pipeline.Result{},
		errs:    map[string]error{},
		events:  make(chan session.StateChange, 10),
	}
}

func (m *mockOrchestrator) StartRecording(context.Context) (string, error) {
	return m.startID, m.startErr
}

func (m *mockOrchestrator) StopRecording(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	return nil
}

func (m *mockOrchestrator) ActiveRecording() (string, bool) { return m.active, m.active != "" }

func (m *mockOrchestrator) UploadAudio(_ context.Context, up orchestrator.Upload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, up)
	return "up-1", nil
}

func (m *mockOrchestrator) Status() orchestrator.Status { return m.status }

func (m *mockOrchestrator) Result(id string) (pipeline.Result, error) {
	if err, ok := m.errs[id]; ok {
		return pipeline.Result{}, err
	}
	if res, ok := m.results[id]; ok {
		return res, nil
	}
	return pipeline.Result{}, apperr.Newf(apperr.NotFound, "meeting %s not found", id)
}

func (m *mockOrchestrator) Events() <-chan session.StateChange { return m.events }

func newTestServer(orch *mockOrchestrator) http.Handler {
	return New(orch, config.ServerConfig{MaxUploadBytes: 1024}).Handler()
}

func do(t *testing.T, h http.Handler, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func multipartUpload(t *testing.T, field, filename string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, _ = fw.Write(data)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload_audio", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestCORSMiddleware(t *testing.T) {
	handler := corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/status", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want %d", rec.Code, http.StatusOK)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("CORS origin = %q, want %q", v, "*")
	}
	if v := rec.Header().Get("Access-Control-Allow-Methods"); v != "GET, POST, OPTIONS" {
		t.Errorf("CORS methods = %q, want %q", v, "GET, POST, OPTIONS")
	}
}

func TestStatus(t *testing.T) {
	orch := newMockOrchestrator()
	h := newTestServer(orch)

	rec, body := do(t, h, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", body["status"])
	assert.Contains(t, body, "current_meeting_id")
	assert.Nil(t, body["current_meeting_id"])

	orch.status = orchestrator.Status{State: session.Recording, MeetingID: "m-9"}
	_, body = do(t, h, httptest.NewRequest(http.MethodGet, "/status", http.NoBody))
	assert.Equal(t, "recording", body["status"])
	assert.Equal(t, "m-9", body["current_meeting_id"])
}

func TestStartRecording(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"ok", nil, http.StatusOK},
		{"already recording", apperr.New(apperr.AlreadyRecording, "busy"), http.StatusConflict},
		{"no device", apperr.New(apperr.DeviceUnavailable, "no mic"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch := newMockOrchestrator()
			orch.startErr = tt.err
			rec, body := do(t, newTestServer(orch), httptest.NewRequest(http.MethodPost, "/start_recording", http.NoBody))

			assert.Equal(t, tt.want, rec.Code)
			if tt.err == nil {
				assert.Equal(t, "m-1", body["meeting_id"])
				assert.Equal(t, "Recording started.", body["message"])
			} else {
				assert.Equal(t, string(apperr.CodeOf(tt.err)), body["code"])
			}
		})
	}
}

func TestStopRecording(t *testing.T) {
	orch := newMockOrchestrator()
	h := newTestServer(orch)

	rec, body := do(t, h, httptest.NewRequest(http.MethodPost, "/stop_recording", http.NoBody))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(apperr.InvalidTransition), body["code"])

	orch.active = "m-5"
	rec, body = do(t, h, httptest.NewRequest(http.MethodPost, "/stop_recording", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "m-5", body["meeting_id"])
	assert.Equal(t, []string{"m-5"}, orch.stopped)
}

func TestStartRequiresPost(t *testing.T) {
	rec, _ := do(t, newTestServer(newMockOrchestrator()), httptest.NewRequest(http.MethodGet, "/start_recording", http.NoBody))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestUploadAudio(t *testing.T) {
	orch := newMockOrchestrator()
	h := newTestServer(orch)

	rec, body := do(t, h, multipartUpload(t, UploadField, "standup.wav", []byte("RIFFdata")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "up-1", body["meeting_id"])
	require.Len(t, orch.uploads, 1)
	assert.Equal(t, "standup.wav", orch.uploads[0].Filename)
	assert.Equal(t, []byte("RIFFdata"), orch.uploads[0].Data)
}

func TestUploadAudioRejects(t *testing.T) {
	h := newTestServer(newMockOrchestrator())

	rec, _ := do(t, h, multipartUpload(t, "file", "a.wav", []byte("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing audio_file field")

	rec, _ = do(t, h, multipartUpload(t, UploadField, "big.wav", bytes.Repeat([]byte{1}, 4096)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/upload_audio", strings.NewReader("{}"))
	req.Header.Set("Content-Type", "application/json")
	rec, _ = do(t, h, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "not multipart")
}

func TestMinutes(t *testing.T) {
	orch := newMockOrchestrator()
	orch.results["done"] = pipeline.Result{Transcript: "hello.", Summary: "hi"}
	orch.errs["busy"] = apperr.New(apperr.NotReady, "processing")
	orch.errs["broke"] = &orchestrator.FailedError{
		MeetingID: "broke",
		Failure:   session.Failure{Code: string(apperr.TranscriptionFailed), Message: "no speech"},
	}
	h := newTestServer(orch)

	rec, body := do(t, h, httptest.NewRequest(http.MethodGet, "/minutes/done", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "done", body["meeting_id"])
	assert.Equal(t, "hello.", body["full_transcript"])
	assert.Equal(t, []any{}, body["action_items"], "empty lists serialise as []")
	assert.Equal(t, []any{}, body["timed_transcript"])

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/minutes/busy", http.NoBody))
	assert.Equal(t, http.StatusTooEarly, rec.Code)

	rec, _ = do(t, h, httptest.NewRequest(http.MethodGet, "/minutes/nope", http.NoBody))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = do(t, h, httptest.NewRequest(http.MethodGet, "/minutes/broke", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no speech", body["error"])
	assert.Equal(t, string(apperr.TranscriptionFailed), body["code"])
}

func TestErrorStatusMapping(t *testing.T) {
	tests := map[apperr.Code]int{
		apperr.DeviceUnavailable:   http.StatusServiceUnavailable,
		apperr.AlreadyRecording:    http.StatusConflict,
		apperr.InvalidTransition:   http.StatusConflict,
		apperr.NotFound:            http.StatusNotFound,
		apperr.NotReady:            http.StatusTooEarly,
		apperr.TranscriptionFailed: http.StatusBadGateway,
		apperr.ModelUnavailable:    http.StatusServiceUnavailable,
		apperr.InvalidArgument:     http.StatusBadRequest,
		apperr.Internal:            http.StatusInternalServerError,
		apperr.ConfigInvalid:       http.StatusInternalServerError,
	}
	for code, want := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody), apperr.New(code, "x"))
		assert.Equal(t, want, rec.Code, "code %s", code)

		var body ErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(code), body.Code)
	}
}

func TestHealthz(t *testing.T) {
	rec, body := do(t, newTestServer(newMockOrchestrator()), httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestRateLimiter(t *testing.T) {
	rl := &rateLimiter{}
	for i := 0; i < RateLimitMessages; i++ {
		if !rl.allow() {
			t.Fatalf("message %d should be allowed", i)
		}
	}
	if rl.allow() {
		t.Error("message over the limit should be rejected")
	}
}

func TestWebSocketSessionFeed(t *testing.T) {
	orch := newMockOrchestrator()
	srv := httptest.NewServer(newTestServer(orch))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	var greeting StatusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &greeting))
	assert.Equal(t, MsgStatus, greeting.Type)
	assert.Equal(t, session.Idle, greeting.Status)

	at := time.Now().UTC().Truncate(time.Second)
	orch.events <- session.StateChange{ID: "m-3", From: session.Recording, To: session.Processing, At: at}

	var msg SessionMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	assert.Equal(t, MsgSession, msg.Type)
	assert.Equal(t, "m-3", msg.MeetingID)
	assert.Equal(t, session.Processing, msg.To)
	assert.True(t, at.Equal(msg.At))

	require.NoError(t, wsjson.Write(ctx, conn, Message{Type: MsgStatus}))
	var status StatusResponse
	require.NoError(t, wsjson.Read(ctx, conn, &status))
	assert.Equal(t, MsgStatus, status.Type)
}
