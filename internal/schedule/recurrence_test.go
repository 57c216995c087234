package schedule_test

import (
	"testing"
	"time"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/schedule"
)

func dailySchedule(hour, minute int) *models.Schedule {
	return &models.Schedule{
		ID:         "sch-1",
		CampaignID: "camp-1",
		Frequency:  models.FrequencyDaily,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:   "UTC",
		Recurrence: models.RecurrenceParams{
			Daily: &models.DailyParams{At: models.TimeOfDay{Hour: hour, Minute: minute}},
		},
		Status: models.ScheduleStatusActive,
	}
}

func TestNextRunDailyBeforeSendTime(t *testing.T) {
	s := dailySchedule(9, 0)
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunDailyAfterSendTime(t *testing.T) {
	s := dailySchedule(9, 0)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)

	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunDailyExactlyAtSendTime(t *testing.T) {
	// The next occurrence must be strictly in the future.
	s := dailySchedule(9, 0)
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunDailyHonoursTimezone(t *testing.T) {
	s := dailySchedule(9, 0)
	s.Timezone = "America/New_York"

	// 9am New York is 14:00 UTC in March (EDT). At 13:00 UTC the run is
	// still due today.
	now := time.Date(2024, 3, 15, 13, 0, 0, 0, time.UTC)
	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next.UTC(), want)
	}
}

func TestNextRunDailyBeforeStartDate(t *testing.T) {
	s := dailySchedule(9, 0)
	s.StartDate = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunOnce(t *testing.T) {
	start := time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC)
	s := &models.Schedule{
		Frequency: models.FrequencyOnce,
		StartDate: start,
		Status:    models.ScheduleStatusActive,
	}

	next, ok := schedule.NextRun(s, start.Add(-time.Hour))
	if !ok || !next.Equal(start) {
		t.Fatalf("next = %v ok=%v, want %v true", next, ok, start)
	}

	s.ExecutionCount = 1
	if _, ok := schedule.NextRun(s, start.Add(-time.Hour)); ok {
		t.Fatal("one-off schedule must not fire twice")
	}
}

func TestNextRunWeekly(t *testing.T) {
	s := &models.Schedule{
		Frequency: models.FrequencyWeekly,
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:  "UTC",
		Recurrence: models.RecurrenceParams{
			Weekly: &models.WeeklyParams{
				Weekdays: []time.Weekday{time.Monday, time.Thursday},
				At:       models.TimeOfDay{Hour: 8, Minute: 30},
			},
		},
		Status: models.ScheduleStatusActive,
	}

	// 2024-03-15 is a Friday; the next accepted weekday is Monday the 18th.
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 18, 8, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunMonthlyClampsToMonthEnd(t *testing.T) {
	s := &models.Schedule{
		Frequency: models.FrequencyMonthly,
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:  "UTC",
		Recurrence: models.RecurrenceParams{
			Monthly: &models.MonthlyParams{Day: 31, At: models.TimeOfDay{Hour: 10}},
		},
		Status: models.ScheduleStatusActive,
	}

	// After the January run, day 31 clamps to Feb 29 in a leap year.
	now := time.Date(2024, 1, 31, 11, 0, 0, 0, time.UTC)
	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 2, 29, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	// And to Feb 28 outside a leap year.
	now = time.Date(2023, 1, 31, 11, 0, 0, 0, time.UTC)
	next, ok = schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want = time.Date(2023, 2, 28, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestNextRunCustomCron(t *testing.T) {
	s := &models.Schedule{
		Frequency: models.FrequencyCustom,
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timezone:  "UTC",
		Recurrence: models.RecurrenceParams{
			Custom: &models.CustomParams{Expression: "0 9 * * 1"},
		},
		Status: models.ScheduleStatusActive,
	}

	// Friday 2024-03-15: next Monday 09:00 is the 18th.
	now := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 18, 9, 0, 0, 0, time.UTC)
	if !next.UTC().Equal(want) {
		t.Fatalf("next = %v, want %v", next.UTC(), want)
	}
}

func TestNextRunCustomCronInvalidExpression(t *testing.T) {
	s := &models.Schedule{
		Frequency: models.FrequencyCustom,
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Recurrence: models.RecurrenceParams{
			Custom: &models.CustomParams{Expression: "not a cron"},
		},
		Status: models.ScheduleStatusActive,
	}

	if _, ok := schedule.NextRun(s, time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)); ok {
		t.Fatal("invalid expression must yield no next run")
	}
}

func TestNextRunRespectsEndDate(t *testing.T) {
	s := dailySchedule(9, 0)
	end := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	s.EndDate = &end

	if _, ok := schedule.NextRun(s, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)); ok {
		t.Fatal("expected no next run past the end date")
	}
}

func TestNextRunRespectsMaxExecutions(t *testing.T) {
	s := dailySchedule(9, 0)
	maxExec := 3
	s.MaxExecutions = &maxExec
	s.ExecutionCount = 3

	if _, ok := schedule.NextRun(s, time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)); ok {
		t.Fatal("expected no next run once the execution budget is spent")
	}
}

func TestNextRunUnknownTimezoneFallsBackToUTC(t *testing.T) {
	s := dailySchedule(9, 0)
	s.Timezone = "Not/AZone"
	now := time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)

	next, ok := schedule.NextRun(s, now)
	if !ok {
		t.Fatal("expected a next run")
	}
	want := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}
