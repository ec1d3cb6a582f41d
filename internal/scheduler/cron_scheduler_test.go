package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"fleetdiag/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// recordingSubmitter captures every job the scheduler fires.
type recordingSubmitter struct {
	mu   sync.Mutex
	jobs []*domain.Job
}

func (s *recordingSubmitter) Submit(ctx context.Context, job *domain.Job) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.ID = "fired"
	s.jobs = append(s.jobs, job)
	return job, nil
}

func (s *recordingSubmitter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func testSchedule(expr string) *domain.Schedule {
	return &domain.Schedule{
		ID:        "sched-1",
		Name:      "nightly",
		CronExpr:  expr,
		DeviceIDs: []string{"device-00"},
		Commands:  []string{"show_version"},
	}
}

func TestAddSchedule_RejectsInvalidExpression(t *testing.T) {
	scheduler := NewCronScheduler(&recordingSubmitter{}, testLogger())
	err := scheduler.AddSchedule(testSchedule("not a cron expr"))
	assert.Error(t, err)
}

func TestAddSchedule_ReplacesExistingEntry(t *testing.T) {
	scheduler := NewCronScheduler(&recordingSubmitter{}, testLogger())

	require.NoError(t, scheduler.AddSchedule(testSchedule("0 0 2 * * *")))
	require.NoError(t, scheduler.AddSchedule(testSchedule("0 0 3 * * *")))
	assert.Len(t, scheduler.entries, 1)

	scheduler.RemoveSchedule("sched-1")
	assert.Empty(t, scheduler.entries)
}

func TestScheduler_FiresAndSubmitsTemplate(t *testing.T) {
	submitter := &recordingSubmitter{}
	scheduler := NewCronScheduler(submitter, testLogger())

	require.NoError(t, scheduler.AddSchedule(testSchedule("* * * * * *")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = scheduler.Start(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for submitter.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-done

	require.Greater(t, submitter.count(), 0, "schedule never fired")
	submitter.mu.Lock()
	fired := submitter.jobs[0]
	submitter.mu.Unlock()
	assert.Equal(t, []string{"device-00"}, fired.DeviceIDs)
	assert.Equal(t, []string{"show_version"}, fired.Commands)
}
