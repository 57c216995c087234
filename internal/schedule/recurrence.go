// Package schedule implements recurrence computation and the polling runner
// that fires due campaign schedules.
package schedule

import (
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/example/campaign-engine/internal/models"
)

// cronParser supports standard 5-field cron and descriptors like
// "@every 30m".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// NextRun computes the next execution instant for a schedule relative to
// now. It is pure and performs no I/O. The second return value is false
// when the schedule has no further run: execution budget consumed, end date
// passed, a one-off already fired, or an unparseable custom expression.
func NextRun(s *models.Schedule, now time.Time) (time.Time, bool) {
	if s == nil || s.Exhausted() {
		return time.Time{}, false
	}
	if s.EndDate != nil && !s.EndDate.After(now) {
		return time.Time{}, false
	}

	loc := s.Location()
	local := now.In(loc)

	var next time.Time
	var ok bool

	switch s.Frequency {
	case models.FrequencyOnce:
		if s.ExecutionCount == 0 && s.StartDate.After(now) {
			next, ok = s.StartDate, true
		}
	case models.FrequencyDaily:
		if s.Recurrence.Daily != nil {
			next, ok = scanDays(s, local, loc, s.Recurrence.Daily.At, func(time.Weekday) bool { return true })
		}
	case models.FrequencyWeekly:
		if w := s.Recurrence.Weekly; w != nil && len(w.Weekdays) > 0 {
			set := make(map[time.Weekday]bool, len(w.Weekdays))
			for _, d := range w.Weekdays {
				set[d] = true
			}
			next, ok = scanDays(s, local, loc, w.At, func(d time.Weekday) bool { return set[d] })
		}
	case models.FrequencyMonthly:
		if s.Recurrence.Monthly != nil {
			next, ok = nextMonthly(s, local, loc)
		}
	case models.FrequencyCustom:
		if s.Recurrence.Custom != nil {
			next, ok = nextCron(s, now, loc)
		}
	}

	if !ok {
		return time.Time{}, false
	}
	if s.EndDate != nil && next.After(*s.EndDate) {
		return time.Time{}, false
	}
	return next, true
}

// scanDays walks forward day by day from now's local date and returns the
// first instant at the configured time of day on an accepted weekday that
// is both in the future and not before the schedule start date.
func scanDays(s *models.Schedule, local time.Time, loc *time.Location, tod models.TimeOfDay, accept func(time.Weekday) bool) (time.Time, bool) {
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	for offset := 0; offset <= 7; offset++ {
		candidate := at(day.AddDate(0, 0, offset), tod, loc)
		if !accept(candidate.Weekday()) {
			continue
		}
		if !candidate.After(local) || candidate.Before(s.StartDate) {
			continue
		}
		return candidate, true
	}
	// Reachable only when the start date is further out than a week; jump
	// to the start date and scan one more week from there.
	start := s.StartDate.In(loc)
	day = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for offset := 0; offset <= 7; offset++ {
		candidate := at(day.AddDate(0, 0, offset), tod, loc)
		if accept(candidate.Weekday()) && candidate.After(local) && !candidate.Before(s.StartDate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// nextMonthly rolls forward month by month. A configured day past the end
// of the target month clamps to the month's last day, so a day-31 schedule
// fires on Feb 28/29 rather than skipping February.
func nextMonthly(s *models.Schedule, local time.Time, loc *time.Location) (time.Time, bool) {
	p := s.Recurrence.Monthly
	if p.Day < 1 {
		return time.Time{}, false
	}

	month := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	start := s.StartDate.In(loc)
	if start.After(local) {
		month = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, loc)
	}

	for i := 0; i < 24; i++ {
		day := clampDay(month, p.Day)
		candidate := at(day, p.At, loc)
		if candidate.After(local) && !candidate.Before(s.StartDate) {
			return candidate, true
		}
		month = month.AddDate(0, 1, 0)
	}
	return time.Time{}, false
}

// nextCron evaluates a custom cron expression. Parse failures yield no next
// run instead of propagating; a bad expression must never crash the runner.
func nextCron(s *models.Schedule, now time.Time, loc *time.Location) (time.Time, bool) {
	sched, err := cronParser.Parse(s.Recurrence.Custom.Expression)
	if err != nil {
		return time.Time{}, false
	}
	from := now
	if s.StartDate.After(from) {
		from = s.StartDate.Add(-time.Second)
	}
	next := sched.Next(from.In(loc))
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

func at(day time.Time, tod models.TimeOfDay, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), tod.Hour, tod.Minute, 0, 0, loc)
}

func clampDay(month time.Time, day int) time.Time {
	last := month.AddDate(0, 1, -1).Day()
	if day > last {
		day = last
	}
	return time.Date(month.Year(), month.Month(), day, 0, 0, 0, 0, month.Location())
}
