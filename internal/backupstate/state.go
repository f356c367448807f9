// Package backupstate guards the single-flight invariant: at most one backup
// cycle runs per agent at any time.
package backupstate

import (
	"sync"
	"time"
)

// State is the mutex-protected backup cycle state. Start, Complete and
// CheckTimeout are the only mutators.
type State struct {
	mu             sync.Mutex
	inProgress     bool
	startTime      time.Time
	currentSource  string
	lastSuccessful time.Time
}

// New returns an idle state.
func New() *State {
	return &State{}
}

// Start attempts the idle -> running transition. Returns false if a cycle is
// already in progress; the caller must skip this tick.
func (s *State) Start(source string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inProgress {
		return false
	}
	s.inProgress = true
	s.startTime = time.Now()
	s.currentSource = source
	return true
}

// Complete finishes the running cycle. Updates lastSuccessful on success.
// Calling Complete while idle is a no-op.
func (s *State) Complete(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inProgress {
		return
	}
	s.inProgress = false
	s.currentSource = ""
	if success {
		s.lastSuccessful = time.Now()
	}
}

// CheckTimeout force-completes a cycle that has run longer than maxDuration.
// Returns true if a stuck cycle was failed.
func (s *State) CheckTimeout(maxDuration time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.inProgress || time.Since(s.startTime) <= maxDuration {
		return false
	}
	s.inProgress = false
	s.currentSource = ""
	return true
}

// InProgress reports whether a cycle is currently running.
func (s *State) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress
}

// Snapshot returns the current state for status display.
func (s *State) Snapshot() (inProgress bool, startTime time.Time, source string, lastSuccessful time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inProgress, s.startTime, s.currentSource, s.lastSuccessful
}
