package core

import (
	"context"
	"sync"
)

type Status string

const (
	StatusIdle     Status = "idle"
	StatusTraining Status = "training"
	StatusDone     Status = "done"
	StatusCanceled Status = "canceled"
)

// SessionState is the persisted part of a training session.
type SessionState struct {
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
	Language string  `json:"language"`
}

// DefaultSessionState is the state of a language that never trained.
func DefaultSessionState(lang string) SessionState {
	return SessionState{Status: StatusIdle, Language: lang}
}

// Lock is a held distributed lock.
type Lock interface {
	Refresh(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// TrainingSession tracks one training run. The status may be changed from
// another goroutine to cancel the run.
type TrainingSession struct {
	mu    sync.RWMutex
	state SessionState

	Lock Lock
}

func NewTrainingSession(lang string, lock Lock) *TrainingSession {
	return &TrainingSession{
		state: SessionState{Status: StatusTraining, Language: lang},
		Lock:  lock,
	}
}

func (s *TrainingSession) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *TrainingSession) SetStatus(status Status) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

func (s *TrainingSession) SetProgress(progress float64) {
	s.mu.Lock()
	s.state.Progress = progress
	s.mu.Unlock()
}

// Cancel marks the session canceled. The pipeline notices it at its next
// progress report.
func (s *TrainingSession) Cancel() {
	s.SetStatus(StatusCanceled)
}

func (s *TrainingSession) Canceled() bool {
	return s.State().Status == StatusCanceled
}
