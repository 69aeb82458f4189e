package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduler_UnknownRID(t *testing.T) {
	s, _ := newTestScheduler(t)

	require.ErrorIs(t, s.Delete(999), ErrUnknownRID)
	require.ErrorIs(t, s.RequestTermination(999), ErrUnknownRID)
	require.False(t, s.CheckPause(999))
	require.False(t, s.CheckTermination(999))
}

func TestScheduler_SubmitAfterStopRejected(t *testing.T) {
	s := NewOptions()
	s.Start(context.Background())
	require.NoError(t, s.Stop())

	_, err := s.Submit("default", "exp", newTestWorker())
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestScheduler_ShutdownWithActiveRun(t *testing.T) {
	s, _ := newTestScheduler(t)

	background := newBackgroundTestWorker()
	_, err := s.Submit("hw", "exp-bg", background, WithPriority(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return background.activations() >= 1 }, time.Second, time.Millisecond)

	slow := newBackgroundTestWorker()
	recSlow := newStatusRecorder(2)
	s.cfg.Notifier.Subscribe(recSlow.onRecord)
	_, err = s.Submit("hw", "exp-slow-prepare", slow)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, st := range recSlow.statuses() {
			if st == "prepare_done" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond, "second entry should reach prepare_done while the first keeps hw busy")

	done := make(chan error, 1)
	go func() { done <- s.Stop() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return in bounded time with an active run")
	}

	require.True(t, background.wasClosed())
}

func TestScheduler_DeleteForcesImmediateTeardownEvenWhileRunning(t *testing.T) {
	s, _ := newTestScheduler(t)

	background := newBackgroundTestWorker()
	rec := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(rec.onRecord)

	rid, err := s.Submit("hw", "exp-bg", background, WithPriority(0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return background.activations() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, s.Delete(rid))

	// delete forces the transition immediately, and the deleter closes
	// the worker without waiting for its in-flight Run call to return;
	// Delete sets no termination flag for the worker to notice.
	background.release()
	rec.waitDeleted(t, time.Second)
}

func TestScheduler_PipelinesAreIndependent(t *testing.T) {
	s, _ := newTestScheduler(t)

	recA := newStatusRecorder(1)
	recB := newStatusRecorder(2)
	s.cfg.Notifier.Subscribe(recA.onRecord)
	s.cfg.Notifier.Subscribe(recB.onRecord)

	_, err := s.Submit("pipeline-a", "exp-a", newTestWorker())
	require.NoError(t, err)
	_, err = s.Submit("pipeline-b", "exp-b", newTestWorker())
	require.NoError(t, err)

	recA.waitDeleted(t, time.Second)
	recB.waitDeleted(t, time.Second)
}

func TestScheduler_RunFailurePropagatesToDeleting(t *testing.T) {
	s, _ := newTestScheduler(t)

	w := newTestWorker()
	w.runErr = errors.New("boom")

	rec := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(rec.onRecord)

	_, err := s.Submit("hw", "exp-fail", w)
	require.NoError(t, err)

	rec.waitDeleted(t, time.Second)
	statuses := rec.statuses()
	require.Contains(t, statuses, "running")
	require.NotContains(t, statuses, "run_done")
}

func TestScheduler_BuildFailurePropagatesToDeleting(t *testing.T) {
	s, _ := newTestScheduler(t)

	w := newTestWorker()
	w.buildErr = errors.New("build boom")

	rec := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(rec.onRecord)

	_, err := s.Submit("hw", "exp-build-fail", w)
	require.NoError(t, err)

	rec.waitDeleted(t, time.Second)
	statuses := rec.statuses()
	require.Contains(t, statuses, "preparing")
	require.NotContains(t, statuses, "prepare_done")
}

func TestScheduler_PrepareFailurePropagatesToDeleting(t *testing.T) {
	s, _ := newTestScheduler(t)

	w := newTestWorker()
	w.prepareErr = errors.New("prepare boom")

	rec := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(rec.onRecord)

	_, err := s.Submit("hw", "exp-prepare-fail", w)
	require.NoError(t, err)

	rec.waitDeleted(t, time.Second)
	statuses := rec.statuses()
	require.Contains(t, statuses, "preparing")
	require.NotContains(t, statuses, "prepare_done")
}

func TestScheduler_AnalyzeFailurePropagatesToDeleting(t *testing.T) {
	s, _ := newTestScheduler(t)

	w := newTestWorker()
	w.analyzeErr = errors.New("analyze boom")

	rec := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(rec.onRecord)

	_, err := s.Submit("hw", "exp-analyze-fail", w)
	require.NoError(t, err)

	rec.waitDeleted(t, time.Second)
	statuses := rec.statuses()
	require.Contains(t, statuses, "run_done")
	require.Contains(t, statuses, "analyzing")
	require.Equal(t, 1, countOccurrences(statuses, "analyzing"), "analyze failure must not be retried")
}

// TestScheduler_ResumeFailureAfterPauseDeletes exercises Supplemented
// Feature #3: a background worker is forced through a pause cycle (by a
// higher-priority newcomer), then fails on Resume. The entry must still
// reach deleting instead of getting stuck mid-pause.
func TestScheduler_ResumeFailureAfterPauseDeletes(t *testing.T) {
	s, _ := newTestScheduler(t)

	background := newBackgroundTestWorker()
	background.resumeErr = errors.New("resume boom")
	recBG := newStatusRecorder(1)
	s.cfg.Notifier.Subscribe(recBG.onRecord)

	_, err := s.Submit("hw", "exp-bg", background, WithPriority(-1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return background.activations() >= 1 }, time.Second, time.Millisecond)

	small := newTestWorker()
	_, err = s.Submit("hw", "exp-small", small, WithPriority(0))
	require.NoError(t, err)

	recBG.waitDeleted(t, time.Second)
	statuses := recBG.statuses()
	require.Contains(t, statuses, "paused")
	require.NotContains(t, statuses, "run_done")
}

func countOccurrences(statuses []string, target string) int {
	n := 0
	for _, s := range statuses {
		if s == target {
			n++
		}
	}
	return n
}
