package models

import "time"

// Schedule frequency constants.
const (
	FrequencyOnce    = "once"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
	FrequencyCustom  = "custom"
)

// Schedule status constants.
const (
	ScheduleStatusActive    = "active"
	ScheduleStatusPaused    = "paused"
	ScheduleStatusCompleted = "completed"
	ScheduleStatusCancelled = "cancelled"
)

// TimeOfDay is a wall-clock time within a day, interpreted in the schedule
// timezone.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// RecurrenceParams holds the frequency specific parameters of a schedule.
// Exactly one of the variant fields is populated, matching Frequency.
type RecurrenceParams struct {
	Daily   *DailyParams   `json:"daily,omitempty"`
	Weekly  *WeeklyParams  `json:"weekly,omitempty"`
	Monthly *MonthlyParams `json:"monthly,omitempty"`
	Custom  *CustomParams  `json:"custom,omitempty"`
}

// DailyParams configures a daily schedule.
type DailyParams struct {
	At TimeOfDay `json:"at"`
}

// WeeklyParams configures a weekly schedule. Weekdays must be non-empty.
type WeeklyParams struct {
	Weekdays []time.Weekday `json:"weekdays"`
	At       TimeOfDay      `json:"at"`
}

// MonthlyParams configures a monthly schedule. Day is the calendar day of
// month; values past the end of a target month clamp to that month's last
// day.
type MonthlyParams struct {
	Day int       `json:"day"`
	At  TimeOfDay `json:"at"`
}

// CustomParams carries an opaque cron expression evaluated by the
// recurrence calculator.
type CustomParams struct {
	Expression string `json:"expression"`
}

// Schedule is a recurrence rule attached to a campaign. NextRunAt is either
// nil or strictly in the future relative to LastRunAt at the moment it was
// computed.
type Schedule struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	Frequency  string `json:"frequency"`

	StartDate time.Time  `json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`
	Timezone  string     `json:"timezone"`

	Recurrence RecurrenceParams `json:"recurrence"`

	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	ExecutionCount int        `json:"execution_count"`
	MaxExecutions  *int       `json:"max_executions,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Exhausted reports whether the schedule has consumed its execution budget.
func (s *Schedule) Exhausted() bool {
	return s.MaxExecutions != nil && s.ExecutionCount >= *s.MaxExecutions
}

// Location resolves the schedule timezone, falling back to UTC when the
// timezone is empty or unknown.
func (s *Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
