package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/minutemate/platform/internal/audio"
	apperr "github.com/minutemate/platform/internal/errors"
	"github.com/minutemate/platform/internal/pipeline"
	"github.com/minutemate/platform/internal/session"
)

type fakeSource struct {
	level int16
	delay time.Duration
}

func (f *fakeSource) Read(frame []int16) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	for i := range frame {
		frame[i] = f.level
	}
	return nil
}

func (f *fakeSource) Close() error { return nil }
func (f *fakeSource) Name() string { return "fake" }

func silentMic() *audio.Capturer {
	return audio.NewCapturer(func(int, int) (audio.Source, error) { return &fakeSource{}, nil })
}

func talkingMic() *audio.Capturer {
	return audio.NewCapturer(func(int, int) (audio.Source, error) {
		return &fakeSource{level: 9000, delay: time.Millisecond}, nil
	})
}

func brokenMic() *audio.Capturer {
	return audio.NewCapturer(func(int, int) (audio.Source, error) { return nil, errors.New("no device") })
}

var stubResult = pipeline.Result{
	Transcript:  "We will review the plan tomorrow.",
	Summary:     "Plan review scheduled.",
	ActionItems: []string{"We will review the plan tomorrow"},
	Reminders:   []string{"tomorrow"},
}

func stubPipeline(context.Context, pipeline.Input) (pipeline.Result, error) {
	return stubResult.Clone(), nil
}

type recordingArchiver struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (a *recordingArchiver) Archive(_ context.Context, id string, _ pipeline.Result) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ids = append(a.ids, id)
	return a.err
}

func (a *recordingArchiver) archived() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.ids...)
}

func newManager(t *testing.T, mic Capturer, p pipeline.Pipeline, arch *recordingArchiver) *Manager {
	t.Helper()
	opts := Options{Capturer: mic, Pipeline: p, Audio: audio.DefaultConfig()}
	if arch != nil {
		opts.Archiver = arch
	}
	m := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m
}

func waitState(t *testing.T, m *Manager, id string, want session.State) session.Session {
	t.Helper()
	var s session.Session
	require.Eventually(t, func() bool {
		s, _ = m.Session(id)
		return s.State == want
	}, 5*time.Second, 5*time.Millisecond, "meeting %s never reached %s", id, want)
	return s
}

func states(s session.Session) []session.State {
	out := []session.State{session.Idle}
	for _, h := range s.History {
		out = append(out, h.To)
	}
	return out
}

func TestSilenceAutoStopCompletes(t *testing.T) {
	arch := &recordingArchiver{}
	m := newManager(t, silentMic(), pipeline.Func(stubPipeline), arch)

	id, err := m.StartRecording(context.Background())
	require.NoError(t, err)

	s := waitState(t, m, id, session.Completed)
	assert.Equal(t, []session.State{session.Idle, session.Recording, session.Processing, session.Completed}, states(s))
	assert.GreaterOrEqual(t, s.AudioBytes, 30*16000*2, "at least the silence window should be buffered")

	res, err := m.Result(id)
	require.NoError(t, err)
	assert.Equal(t, stubResult, res)

	require.Eventually(t, func() bool { return len(arch.archived()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.Idle, m.Status().State)
	assert.Equal(t, id, m.Status().MeetingID)
}

func TestUploadModelUnavailableFails(t *testing.T) {
	down := pipeline.Func(func(context.Context, pipeline.Input) (pipeline.Result, error) {
		return pipeline.Result{}, apperr.New(apperr.ModelUnavailable, "inference server down")
	})
	arch := &recordingArchiver{}
	m := newManager(t, silentMic(), down, arch)

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte("RIFF"), Filename: "standup.wav"})
	require.NoError(t, err)

	s := waitState(t, m, id, session.Failed)
	assert.Equal(t, []session.State{session.Idle, session.Processing, session.Failed}, states(s))
	require.NotNil(t, s.Failure)
	assert.Equal(t, string(apperr.ModelUnavailable), s.Failure.Code)
	assert.Nil(t, s.Result)

	_, err = m.Result(id)
	var failed *FailedError
	require.ErrorAs(t, err, &failed)
	assert.True(t, apperr.IsCode(err, apperr.ModelUnavailable))
	assert.Empty(t, arch.archived(), "failed meetings are not archived")
}

func TestConcurrentStartsOneWins(t *testing.T) {
	m := newManager(t, talkingMic(), pipeline.Func(stubPipeline), nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = m.StartRecording(context.Background())
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	var winner string
	for i, err := range errs {
		switch {
		case err == nil:
			wins++
			winner = ids[i]
		case apperr.IsCode(err, apperr.AlreadyRecording):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, n-1, conflicts)

	st := m.Status()
	assert.Equal(t, session.Recording, st.State)
	assert.Equal(t, winner, st.MeetingID)
}

func TestStopRecording(t *testing.T) {
	m := newManager(t, talkingMic(), pipeline.Func(stubPipeline), nil)

	id, err := m.StartRecording(context.Background())
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, m.StopRecording(context.Background(), id))
	s := waitState(t, m, id, session.Completed)
	assert.Positive(t, s.AudioBytes)

	err = m.StopRecording(context.Background(), id)
	assert.True(t, apperr.IsCode(err, apperr.InvalidTransition), "second stop: %v", err)

	err = m.StopRecording(context.Background(), "no-such-meeting")
	assert.True(t, apperr.IsCode(err, apperr.NotFound))
}

func TestStopWrongMeeting(t *testing.T) {
	m := newManager(t, talkingMic(), pipeline.Func(stubPipeline), nil)

	up, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "a.mp3"})
	require.NoError(t, err)
	_, err = m.StartRecording(context.Background())
	require.NoError(t, err)

	err = m.StopRecording(context.Background(), up)
	assert.True(t, apperr.IsCode(err, apperr.InvalidTransition))
	assert.Equal(t, session.Recording, m.Status().State, "the active recording must survive")
}

func TestDeviceUnavailable(t *testing.T) {
	m := newManager(t, brokenMic(), pipeline.Func(stubPipeline), nil)

	_, err := m.StartRecording(context.Background())
	assert.True(t, apperr.IsCode(err, apperr.DeviceUnavailable))
	assert.Equal(t, 0, m.store.Len(), "no session should be created without a device")
	assert.Equal(t, Status{State: session.Idle}, m.Status())
}

func TestUploadDuringRecording(t *testing.T) {
	m := newManager(t, talkingMic(), pipeline.Func(stubPipeline), nil)

	rec, err := m.StartRecording(context.Background())
	require.NoError(t, err)

	up, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1, 2}, Filename: "call.m4a"})
	require.NoError(t, err)
	waitState(t, m, up, session.Completed)

	assert.Equal(t, Status{State: session.Recording, MeetingID: rec}, m.Status())
}

func TestUploadValidation(t *testing.T) {
	m := newManager(t, silentMic(), pipeline.Func(stubPipeline), nil)

	_, err := m.UploadAudio(context.Background(), Upload{Filename: "a.wav"})
	assert.True(t, apperr.IsCode(err, apperr.InvalidArgument))

	_, err = m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "notes.pdf"})
	assert.True(t, apperr.IsCode(err, apperr.InvalidArgument))

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "blob", Format: pipeline.FormatOGG})
	require.NoError(t, err)
	waitState(t, m, id, session.Completed)
}

func TestArchiveFailureKeepsCompleted(t *testing.T) {
	arch := &recordingArchiver{err: errors.New("read-only file system")}
	m := newManager(t, silentMic(), pipeline.Func(stubPipeline), arch)

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "a.wav"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(arch.archived()) == 1 }, 5*time.Second, 5*time.Millisecond)
	s, err := m.Session(id)
	require.NoError(t, err)
	assert.Equal(t, session.Completed, s.State)
	assert.Nil(t, s.Failure)
}

func TestResultNotReadyWhileProcessing(t *testing.T) {
	gate := make(chan struct{})
	slow := pipeline.Func(func(ctx context.Context, _ pipeline.Input) (pipeline.Result, error) {
		<-gate
		return stubResult.Clone(), nil
	})
	m := newManager(t, silentMic(), slow, nil)

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "a.wav"})
	require.NoError(t, err)

	_, err = m.Result(id)
	assert.True(t, apperr.IsCode(err, apperr.NotReady))
	assert.Equal(t, Status{State: session.Processing, MeetingID: id}, m.Status())

	_, err = m.Result("unknown")
	assert.True(t, apperr.IsCode(err, apperr.NotFound))

	close(gate)
	waitState(t, m, id, session.Completed)
}

func TestResultIsImmutable(t *testing.T) {
	m := newManager(t, silentMic(), pipeline.Func(stubPipeline), nil)

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "a.wav"})
	require.NoError(t, err)
	waitState(t, m, id, session.Completed)

	first, err := m.Result(id)
	require.NoError(t, err)
	first.ActionItems[0] = "tampered"
	first.Summary = "tampered"

	second, err := m.Result(id)
	require.NoError(t, err)
	assert.Equal(t, stubResult, second)
}

func TestHistoryIsMonotonic(t *testing.T) {
	m := newManager(t, talkingMic(), pipeline.Func(stubPipeline), nil)

	id, err := m.StartRecording(context.Background())
	require.NoError(t, err)
	require.NoError(t, m.StopRecording(context.Background(), id))
	s := waitState(t, m, id, session.Completed)

	require.Len(t, s.History, 3)
	for i, h := range s.History {
		assert.True(t, session.CanTransition(h.From, h.To), "illegal edge %s -> %s", h.From, h.To)
		if i > 0 {
			assert.Equal(t, s.History[i-1].To, h.From)
			assert.False(t, h.At.Before(s.History[i-1].At))
		}
	}
}

func TestCloseProcessesActiveRecording(t *testing.T) {
	gate := make(chan struct{})
	var ran sync.WaitGroup
	ran.Add(1)
	slow := pipeline.Func(func(context.Context, pipeline.Input) (pipeline.Result, error) {
		ran.Done()
		<-gate
		return stubResult.Clone(), nil
	})
	m := New(Options{Capturer: talkingMic(), Pipeline: slow, Audio: audio.DefaultConfig()})

	id, err := m.StartRecording(context.Background())
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Close(short), context.DeadlineExceeded, "close should wait for the pipeline")

	ran.Wait()
	close(gate)
	require.NoError(t, m.Close(context.Background()))

	s, _ := m.Session(id)
	assert.Equal(t, session.Completed, s.State)

	_, err = m.StartRecording(context.Background())
	assert.Error(t, err, "no new recordings after close")
}

func TestEventsFeed(t *testing.T) {
	m := newManager(t, silentMic(), pipeline.Func(stubPipeline), nil)

	id, err := m.UploadAudio(context.Background(), Upload{Data: []byte{1}, Filename: "a.wav"})
	require.NoError(t, err)

	first := <-m.Events()
	assert.Equal(t, id, first.ID)
	assert.Equal(t, session.Processing, first.To)

	select {
	case second := <-m.Events():
		assert.Equal(t, session.Completed, second.To)
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event")
	}
}
