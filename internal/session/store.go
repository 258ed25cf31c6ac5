package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperr "github.com/minutemate/platform/internal/errors"
)

const eventBuffer = 64

// Overview summarises the store for status reporting.
type Overview struct {
	RecordingID   string
	ProcessingIDs []string
	LatestID      string
}

// Store is a concurrency-safe session registry. All mutations are serialised.
type Store struct {
	mu        sync.Mutex
	sessions  map[string]*Session
	order     []string
	recording string
	events    chan StateChange
	now       func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*Session),
		events:   make(chan StateChange, eventBuffer),
		now:      time.Now,
	}
}

// Events delivers state changes. Changes are dropped when nobody keeps up.
func (s *Store) Events() <-chan StateChange { return s.events }

// Create inserts a new idle session.
func (s *Store) Create(src Source) Session {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		State:     Idle,
		Source:    src,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.order = append(s.order, sess.ID)
	s.mu.Unlock()

	return sess.clone()
}

// Get returns a copy of the session.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, apperr.Newf(apperr.NotFound, "meeting %s not found", id)
	}
	return sess.clone(), nil
}

// Transition moves id from one state to another. mutate, if non-nil, edits a
// copy that is committed only if it leaves the session consistent. mutate
// runs under the store lock and must not block.
func (s *Store) Transition(id string, from, to State, mutate func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sessions[id]
	if !ok {
		return Session{}, apperr.Newf(apperr.NotFound, "meeting %s not found", id)
	}
	if cur.State != from {
		return Session{}, apperr.Newf(apperr.InvalidTransition,
			"meeting %s is %s, not %s", id, cur.State, from).
			WithMetadata("state", string(cur.State))
	}
	if !CanTransition(from, to) {
		return Session{}, apperr.Newf(apperr.InvalidTransition, "%s -> %s is not allowed", from, to)
	}
	if to == Recording && s.recording != "" {
		return Session{}, apperr.New(apperr.AlreadyRecording, "a meeting is already being recorded").
			WithMetadata("meeting_id", s.recording)
	}

	next := cur.clone()
	if mutate != nil {
		mutate(&next)
	}
	next.ID, next.Source, next.CreatedAt = cur.ID, cur.Source, cur.CreatedAt
	next.State = to
	if !next.consistent() {
		return Session{}, apperr.Newf(apperr.Internal,
			"%s session must carry a result iff completed and a failure iff failed", to)
	}

	now := s.now()
	change := StateChange{ID: id, From: from, To: to, At: now}
	next.UpdatedAt = now
	next.History = append(cur.clone().History, change)
	s.sessions[id] = &next

	switch {
	case to == Recording:
		s.recording = id
	case from == Recording:
		s.recording = ""
	}

	select {
	case s.events <- change:
	default:
		slog.Debug("session event dropped", "meeting_id", id, "to", to)
	}

	return next.clone(), nil
}

// Overview reports the recording session, processing sessions and the most
// recently created session.
func (s *Store) Overview() Overview {
	s.mu.Lock()
	defer s.mu.Unlock()

	ov := Overview{RecordingID: s.recording}
	for _, id := range s.order {
		if s.sessions[id].State == Processing {
			ov.ProcessingIDs = append(ov.ProcessingIDs, id)
		}
	}
	if n := len(s.order); n > 0 {
		ov.LatestID = s.order[n-1]
	}
	return ov
}

// Len returns the number of sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}
