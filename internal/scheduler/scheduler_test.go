package scheduler

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := New("UTC", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestNew_InvalidTimezone(t *testing.T) {
	_, err := New("Invalid/Zone", slog.Default())
	assert.Error(t, err)
}

func TestScheduler_ScheduleReplacesJob(t *testing.T) {
	s := newTestScheduler(t)

	require.NoError(t, s.Schedule("reconcile", "@every 1h", func() {}))
	require.NoError(t, s.Schedule("reconcile", "0 4 * * *", func() {}))

	assert.Len(t, s.cron.Entries(), 1)
}

func TestScheduler_InvalidSpec(t *testing.T) {
	s := newTestScheduler(t)

	err := s.Schedule("reconcile", "every hour", func() {})
	assert.Error(t, err)
	_, ok := s.Next("reconcile")
	assert.False(t, ok)
}

func TestScheduler_NextAfterStart(t *testing.T) {
	s := newTestScheduler(t)
	require.NoError(t, s.Schedule("reconcile", "@every 1h", func() {}))

	s.Start()
	next, ok := s.Next("reconcile")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
}

func TestScheduler_RunsJob(t *testing.T) {
	s := newTestScheduler(t)

	var runs atomic.Int32
	require.NoError(t, s.Schedule("tick", "@every 1s", func() { runs.Add(1) }))
	s.Start()

	assert.Eventually(t, func() bool { return runs.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
}
