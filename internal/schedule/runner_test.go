package schedule_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/schedule"
)

type scheduleStoreStub struct {
	mu        sync.Mutex
	due       []*models.Schedule
	released  []string
	completed []completedRun
	claimErr  error
}

type completedRun struct {
	id             string
	nextRunAt      *time.Time
	executionCount int
	status         string
}

func (s *scheduleStoreStub) CreateSchedule(context.Context, *models.Schedule) error { return nil }

func (s *scheduleStoreStub) GetSchedule(context.Context, string) (*models.Schedule, error) {
	return nil, errors.New("not implemented")
}

func (s *scheduleStoreStub) ClaimDueSchedules(_ context.Context, _ time.Time, limit int, _ time.Duration) ([]*models.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if len(s.due) > limit {
		return s.due[:limit], nil
	}
	out := s.due
	s.due = nil
	return out, nil
}

func (s *scheduleStoreStub) CompleteScheduleRun(_ context.Context, id string, _ time.Time, nextRunAt *time.Time, executionCount int, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = append(s.completed, completedRun{id: id, nextRunAt: nextRunAt, executionCount: executionCount, status: status})
	return nil
}

func (s *scheduleStoreStub) ReleaseSchedule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, id)
	return nil
}

func (s *scheduleStoreStub) UpdateScheduleStatus(context.Context, string, []string, string) error {
	return nil
}

type triggerStub struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (t *triggerStub) TriggerSend(_ context.Context, campaignID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, campaignID)
	return t.err
}

func newTestRunner(t *testing.T, st *scheduleStoreStub, trg *triggerStub, now time.Time) *schedule.Runner {
	t.Helper()
	runner, err := schedule.NewRunner(schedule.RunnerConfig{
		PollInterval: time.Minute,
		ClaimLimit:   10,
		ClaimLease:   5 * time.Minute,
	}, schedule.RunnerDependencies{
		Store:   st,
		Trigger: trg,
		Logger:  zerolog.New(io.Discard),
		Now:     func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected runner error: %v", err)
	}
	return runner
}

func TestRunnerTickFiresDueSchedule(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 1, 0, time.UTC)
	nextRun := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	st := &scheduleStoreStub{due: []*models.Schedule{{
		ID:         "sch-1",
		CampaignID: "camp-1",
		Frequency:  models.FrequencyDaily,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: models.RecurrenceParams{Daily: &models.DailyParams{At: models.TimeOfDay{Hour: 9}}},
		NextRunAt:  &nextRun,
		Status:     models.ScheduleStatusActive,
	}}}
	trg := &triggerStub{}

	runner := newTestRunner(t, st, trg, now)
	runner.Tick(context.Background())

	if len(trg.calls) != 1 || trg.calls[0] != "camp-1" {
		t.Fatalf("trigger calls = %v, want [camp-1]", trg.calls)
	}
	if len(st.completed) != 1 {
		t.Fatalf("completed runs = %d, want 1", len(st.completed))
	}
	run := st.completed[0]
	if run.executionCount != 1 {
		t.Fatalf("execution count = %d, want 1", run.executionCount)
	}
	if run.status != models.ScheduleStatusActive {
		t.Fatalf("status = %s, want active", run.status)
	}
	wantNext := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	if run.nextRunAt == nil || !run.nextRunAt.Equal(wantNext) {
		t.Fatalf("next run = %v, want %v", run.nextRunAt, wantNext)
	}
}

func TestRunnerTickTriggerFailureReleasesSchedule(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 1, 0, time.UTC)
	st := &scheduleStoreStub{due: []*models.Schedule{{
		ID:         "sch-1",
		CampaignID: "camp-1",
		Frequency:  models.FrequencyDaily,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: models.RecurrenceParams{Daily: &models.DailyParams{At: models.TimeOfDay{Hour: 9}}},
		Status:     models.ScheduleStatusActive,
	}}}
	trg := &triggerStub{err: errors.New("campaign not ready")}

	runner := newTestRunner(t, st, trg, now)
	runner.Tick(context.Background())

	if len(st.completed) != 0 {
		t.Fatalf("completed runs = %d, want 0", len(st.completed))
	}
	if len(st.released) != 1 || st.released[0] != "sch-1" {
		t.Fatalf("released = %v, want [sch-1]", st.released)
	}
}

func TestRunnerTickLastRunCompletesSchedule(t *testing.T) {
	now := time.Date(2024, 3, 15, 9, 0, 1, 0, time.UTC)
	maxExec := 1
	st := &scheduleStoreStub{due: []*models.Schedule{{
		ID:            "sch-1",
		CampaignID:    "camp-1",
		Frequency:     models.FrequencyDaily,
		StartDate:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrence:    models.RecurrenceParams{Daily: &models.DailyParams{At: models.TimeOfDay{Hour: 9}}},
		MaxExecutions: &maxExec,
		Status:        models.ScheduleStatusActive,
	}}}
	trg := &triggerStub{}

	runner := newTestRunner(t, st, trg, now)
	runner.Tick(context.Background())

	if len(st.completed) != 1 {
		t.Fatalf("completed runs = %d, want 1", len(st.completed))
	}
	run := st.completed[0]
	if run.status != models.ScheduleStatusCompleted {
		t.Fatalf("status = %s, want completed", run.status)
	}
	if run.nextRunAt != nil {
		t.Fatalf("next run = %v, want nil", run.nextRunAt)
	}
}

func TestRunnerTickClaimErrorDoesNotFire(t *testing.T) {
	st := &scheduleStoreStub{claimErr: errors.New("store down")}
	trg := &triggerStub{}

	runner := newTestRunner(t, st, trg, time.Unix(0, 0).UTC())
	runner.Tick(context.Background())

	if len(trg.calls) != 0 {
		t.Fatalf("trigger calls = %v, want none", trg.calls)
	}
}
