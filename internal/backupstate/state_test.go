package backupstate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartFromIdle(t *testing.T) {
	s := New()
	if !s.Start("realtime") {
		t.Fatal("Start from idle should succeed")
	}
	if !s.InProgress() {
		t.Error("state should report in progress after Start")
	}
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	s := New()
	if !s.Start("realtime") {
		t.Fatal("first Start failed")
	}
	if s.Start("scheduled") {
		t.Error("second Start should be rejected while running")
	}
}

func TestCompleteClearsStateAndRecordsSuccess(t *testing.T) {
	s := New()
	s.Start("scheduled")
	s.Complete(true)

	inProgress, _, source, lastSuccessful := s.Snapshot()
	if inProgress {
		t.Error("state should be idle after Complete")
	}
	if source != "" {
		t.Error("source should clear after Complete")
	}
	if lastSuccessful.IsZero() {
		t.Error("lastSuccessful should be set after successful cycle")
	}
}

func TestCompleteFailureDoesNotUpdateLastSuccessful(t *testing.T) {
	s := New()
	s.Start("realtime")
	s.Complete(false)

	_, _, _, lastSuccessful := s.Snapshot()
	if !lastSuccessful.IsZero() {
		t.Error("failed cycle must not update lastSuccessful")
	}
}

func TestCheckTimeoutForceFailsStuckCycle(t *testing.T) {
	s := New()
	s.Start("scheduled")
	s.mu.Lock()
	s.startTime = time.Now().Add(-2 * time.Hour)
	s.mu.Unlock()

	if !s.CheckTimeout(time.Hour) {
		t.Fatal("CheckTimeout should force-fail a stuck cycle")
	}
	if s.InProgress() {
		t.Error("state should be idle after timeout")
	}
	// A fresh cycle can now start.
	if !s.Start("realtime") {
		t.Error("Start should succeed after timeout cleared the cycle")
	}
}

func TestCheckTimeoutLeavesHealthyCycleAlone(t *testing.T) {
	s := New()
	s.Start("realtime")
	if s.CheckTimeout(time.Hour) {
		t.Error("CheckTimeout should not fire for a fresh cycle")
	}
	if !s.InProgress() {
		t.Error("cycle should still be running")
	}
}

func TestSingleFlightUnderContention(t *testing.T) {
	s := New()
	var wins int32
	var wg sync.WaitGroup

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Start("realtime") {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("exactly one goroutine should win Start, got %d", wins)
	}
}
