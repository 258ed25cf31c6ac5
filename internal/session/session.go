// Package session keeps the in-memory registry of meeting sessions.
package session

import (
	"slices"
	"time"

	"github.com/minutemate/platform/internal/pipeline"
)

// State of a session.
type State string

const (
	Idle       State = "idle"
	Recording  State = "recording"
	Processing State = "processing"
	Completed  State = "completed"
	Failed     State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == Completed || s == Failed }

// Source records how a session's audio arrived.
type Source string

const (
	SourceRecording Source = "recording"
	SourceUpload    Source = "upload"
)

var edges = map[State][]State{
	Idle:       {Recording, Processing},
	Recording:  {Processing},
	Processing: {Completed, Failed},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	return slices.Contains(edges[from], to)
}

// Failure is the stored outcome of a failed session.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// StateChange is one entry of a session's history.
type StateChange struct {
	ID   string    `json:"meeting_id"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session is a snapshot of one meeting.
type Session struct {
	ID         string
	State      State
	Source     Source
	CreatedAt  time.Time
	UpdatedAt  time.Time
	AudioBytes int
	Result     *pipeline.Result
	Failure    *Failure
	History    []StateChange
}

func (s Session) clone() Session {
	if s.Result != nil {
		r := s.Result.Clone()
		s.Result = &r
	}
	if s.Failure != nil {
		f := *s.Failure
		s.Failure = &f
	}
	s.History = slices.Clone(s.History)
	return s
}

// consistent holds iff result is set exactly when completed and failure
// exactly when failed.
func (s Session) consistent() bool {
	return (s.Result != nil) == (s.State == Completed) &&
		(s.Failure != nil) == (s.State == Failed)
}
