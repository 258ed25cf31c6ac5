package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/minutemate/platform/internal/archive"
	"github.com/minutemate/platform/internal/audio"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/session"
	"github.com/minutemate/platform/internal/syncx"
	"github.com/minutemate/platform/internal/trace"
)

// Capturer acquires the input device. *audio.Capturer satisfies it.
type Capturer interface {
	Start(ctx context.Context, cfg audio.Config) (*audio.Handle, error)
}

// Options wires a Manager.
type Options struct {
	Store    *session.Store
	Capturer Capturer
	Pipeline pipeline.Pipeline
	Archiver archive.Archiver // optional
	Audio    audio.Config
}

// Status is the derived system state.
type Status struct {
	State     session.State `json:"status"`
	MeetingID string        `json:"current_meeting_id"`
}

// Upload is audio submitted as a file.
type Upload struct {
	Data     []byte
	Filename string
	Format   string // derived from Filename when empty
}

// FailedError is returned by Result for meetings whose pipeline failed.
type FailedError struct {
	MeetingID string
	Failure   session.Failure
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("meeting %s failed: [%s] %s", e.MeetingID, e.Failure.Code, e.Failure.Message)
}

// Unwrap exposes the stored failure as an app error.
func (e *FailedError) Unwrap() error {
	return apperr.New(apperr.Code(e.Failure.Code), e.Failure.Message)
}

type recording struct {
	id     string
	handle *audio.Handle
	once   sync.Once
}

// Manager coordinates capture, the session store and the pipeline.
type Manager struct {
	store    *session.Store
	capturer Capturer
	pipeline pipeline.Pipeline
	archiver archive.Archiver
	audioCfg audio.Config

	startMu sync.Mutex
	active  *syncx.Guard[*recording]
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates a manager
func New(opts Options) *Manager {
	store := opts.Store
	if store == nil {
		store = session.NewStore()
	}
	return &Manager{
		store:    store,
		capturer: opts.Capturer,
		pipeline: opts.Pipeline,
		archiver: opts.Archiver,
		audioCfg: opts.Audio,
		active:   syncx.NewGuard[*recording](nil),
	}
}

// Events streams session state changes.
func (m *Manager) Events() <-chan session.StateChange { return m.store.Events() }

// Session returns a snapshot of a meeting.
func (m *Manager) Session(id string) (session.Session, error) { return m.store.Get(id) }

// StartRecording opens the microphone for a new meeting and returns its id.
func (m *Manager) StartRecording(ctx context.Context) (string, error) {
	if m.closed.Load() {
		return "", apperr.New(apperr.DeviceUnavailable, "shutting down")
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	if id := m.store.Overview().RecordingID; id != "" {
		return "", apperr.New(apperr.AlreadyRecording, "a meeting is already being recorded").
			WithMetadata("meeting_id", id)
	}

	// Capture outlives the request that started it.
	bg := trace.Detach(ctx)
	handle, err := m.capturer.Start(bg, m.audioCfg)
	if err != nil {
		return "", err
	}

	sess := m.store.Create(session.SourceRecording)
	if _, err := m.store.Transition(sess.ID, session.Idle, session.Recording, nil); err != nil {
		handle.Stop()
		return "", err
	}

	rec := &recording{id: sess.ID, handle: handle}
	m.active.Set(rec)

	bg = trace.WithMeeting(bg, sess.ID)
	go m.watch(bg, rec)

	trace.Logger(bg).Info("recording started")
	return sess.ID, nil
}

// watch turns an auto-stop into the same hand-off as an explicit stop.
func (m *Manager) watch(ctx context.Context, rec *recording) {
	<-rec.handle.Done()
	reason := StopExplicit
	switch {
	case rec.handle.AutoStopped():
		reason = StopSilence
	case rec.handle.Err() != nil:
		reason = StopDevice
	}
	m.handoff(ctx, rec, reason)
}

// handoff stops capture, moves the session to processing and schedules the
// pipeline. It runs once per recording; it reports whether this call did it.
func (m *Manager) handoff(ctx context.Context, rec *recording, reason string) bool {
	did := false
	rec.once.Do(func() {
		did = true
		log := trace.Logger(ctx).With("meeting_id", rec.id, "reason", reason)

		wav := rec.handle.Stop()
		_, err := m.store.Transition(rec.id, session.Recording, session.Processing, func(s *session.Session) {
			s.AudioBytes = len(wav)
		})
		m.active.Write(func(a **recording) {
			if *a == rec {
				*a = nil
			}
		})
		if err != nil {
			log.Error("recording hand-off failed", "error", err)
			return
		}

		log.Info("recording stopped", "audio_bytes", len(wav), "silence", rec.handle.Silence())
		m.schedule(ctx, rec.id, pipeline.Input{
			Audio:      wav,
			Format:     pipeline.FormatWAV,
			SampleRate: rec.handle.SampleRate(),
		})
	})
	return did
}

// StopRecording ends the active recording. Processing continues in the
// background.
func (m *Manager) StopRecording(ctx context.Context, id string) error {
	sess, err := m.store.Get(id)
	if err != nil {
		return err
	}

	rec := m.active.Get()
	if rec == nil || rec.id != id || !m.handoff(trace.WithMeeting(trace.Detach(ctx), id), rec, StopExplicit) {
		return apperr.Newf(apperr.InvalidTransition, "meeting %s is not recording", id).
			WithMetadata("state", string(sess.State))
	}
	return nil
}

// ActiveRecording returns the id of the meeting being recorded, if any.
func (m *Manager) ActiveRecording() (string, bool) {
	id := m.store.Overview().RecordingID
	return id, id != ""
}

// UploadAudio creates a meeting from an audio file and processes it in the
// background. Uploads are independent of any active recording.
func (m *Manager) UploadAudio(ctx context.Context, up Upload) (string, error) {
	if m.closed.Load() {
		return "", apperr.New(apperr.ModelUnavailable, "shutting down")
	}
	if len(up.Data) == 0 {
		return "", apperr.New(apperr.InvalidArgument, "audio file is empty")
	}

	format := up.Format
	if format == "" {
		format = pipeline.FormatFromFilename(up.Filename)
	}
	if format == "" {
		return "", apperr.Newf(apperr.InvalidArgument, "unsupported audio file %q", up.Filename)
	}

	sess := m.store.Create(session.SourceUpload)
	if _, err := m.store.Transition(sess.ID, session.Idle, session.Processing, func(s *session.Session) {
		s.AudioBytes = len(up.Data)
	}); err != nil {
		return "", err
	}

	ctx = trace.WithMeeting(trace.Detach(ctx), sess.ID)
	trace.Logger(ctx).Info("upload accepted", "filename", up.Filename, "format", format, "bytes", len(up.Data))
	m.schedule(ctx, sess.ID, pipeline.Input{Audio: up.Data, Format: format})
	return sess.ID, nil
}

func (m *Manager) schedule(ctx context.Context, id string, in pipeline.Input) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx, id, in)
	}()
}

// run executes the pipeline and records exactly one terminal transition.
func (m *Manager) run(ctx context.Context, id string, in pipeline.Input) {
	ctx, span := trace.StartSpan(ctx, "meeting.process")
	defer span.End()
	span.SetAttr("audio_bytes", len(in.Audio))
	log := trace.Logger(ctx)

	res, err := m.pipeline.Process(ctx, in)
	if err != nil {
		failure := failureOf(err)
		span.SetAttr("error", failure.Code)
		if _, terr := m.store.Transition(id, session.Processing, session.Failed, func(s *session.Session) {
			s.Failure = &failure
		}); terr != nil {
			log.Error("recording failure", "error", terr)
			return
		}
		log.Warn("meeting processing failed", "code", failure.Code, "error", err)
		return
	}

	stored := res.Clone()
	if _, err := m.store.Transition(id, session.Processing, session.Completed, func(s *session.Session) {
		s.Result = &stored
	}); err != nil {
		log.Error("recording result", "error", err)
		return
	}
	log.Info("meeting processed", "action_items", len(res.ActionItems), "reminders", len(res.Reminders))

	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, id, res); err != nil {
			log.Warn("archiving minutes failed", "error", err)
		}
	}
}

func failureOf(err error) session.Failure {
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		return session.Failure{Code: string(apperr.Internal), Message: err.Error()}
	}
	msg := ae.Message
	if ae.Cause != nil {
		msg += ": " + ae.Cause.Error()
	}
	return session.Failure{Code: string(ae.Code), Message: msg}
}

// Status derives the system state: recording beats processing beats idle.
func (m *Manager) Status() Status {
	ov := m.store.Overview()
	switch {
	case ov.RecordingID != "":
		return Status{State: session.Recording, MeetingID: ov.RecordingID}
	case len(ov.ProcessingIDs) > 0:
		return Status{State: session.Processing, MeetingID: ov.ProcessingIDs[len(ov.ProcessingIDs)-1]}
	default:
		return Status{State: session.Idle, MeetingID: ov.LatestID}
	}
}

// Result returns a completed meeting's minutes. Unknown meetings are
// NOT_FOUND, unfinished ones NOT_READY and failed ones a *FailedError.
func (m *Manager) Result(id string) (pipeline.Result, error) {
	sess, err := m.store.Get(id)
	if err != nil {
		return pipeline.Result{}, err
	}
	switch sess.State {
	case session.Completed:
		return *sess.Result, nil
	case session.Failed:
		return pipeline.Result{}, &FailedError{MeetingID: id, Failure: *sess.Failure}
	default:
		return pipeline.Result{}, apperr.Newf(apperr.NotReady, "meeting %s is %s", id, sess.State).
			WithMetadata("state", string(sess.State))
	}
}

// Close stops an active recording, whose audio is still processed, and waits
// for in-flight pipeline runs until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.closed.Store(true)
	if rec := m.active.Get(); rec != nil {
		m.handoff(trace.WithMeeting(trace.Detach(ctx), rec.id), rec, StopShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
