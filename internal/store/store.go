// Package store defines the persistence boundary for the campaign engine.
// All cross-worker coordination (schedule claiming, recipient claiming,
// rate-limit bookkeeping) is expressed as atomic conditional operations so
// the engine never relies on in-process locks shared between workers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/campaign-engine/internal/models"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict indicates a conditional update failed because the entity
	// was not in the expected state.
	ErrConflict = errors.New("store: conflict")
)

// CounterDelta is a set of atomic increments applied to campaign counters.
// All fields are non-negative; counters are monotonic until deletion.
type CounterDelta struct {
	TotalRecipients int
	Sent            int
	Delivered       int
	Opened          int
	Clicked         int
	Bounced         int
	Unsubscribed    int
	Complained      int
	Failed          int
}

// CampaignStore persists campaigns.
type CampaignStore interface {
	CreateCampaign(ctx context.Context, c *models.Campaign) error
	GetCampaign(ctx context.Context, id string) (*models.Campaign, error)
	ListCampaignsByStatus(ctx context.Context, status string) ([]*models.Campaign, error)

	// UpdateCampaignStatus transitions the campaign status only if the
	// current status is one of expect, returning ErrConflict otherwise.
	// completedAt, when non-nil, is stamped in the same update.
	UpdateCampaignStatus(ctx context.Context, id string, expect []string, to string, completedAt *time.Time) error

	// ApplyCounterDelta atomically increments campaign counters.
	ApplyCounterDelta(ctx context.Context, id string, delta CounterDelta) error
}

// ScheduleStore persists schedules and arbitrates which runner instance
// fires a due schedule.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)

	// ClaimDueSchedules atomically claims up to limit active schedules whose
	// NextRunAt is at or before now. The claim carries a lease: the schedule
	// is invisible to concurrent claimers until completed, released or the
	// lease expires, so a runner crash mid-run cannot strand it.
	ClaimDueSchedules(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Schedule, error)

	// CompleteScheduleRun records a finished run: LastRunAt, the newly
	// computed NextRunAt (nil when the recurrence is exhausted),
	// ExecutionCount and status, and releases the claim.
	CompleteScheduleRun(ctx context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time, executionCount int, status string) error

	// ReleaseSchedule returns a claimed schedule to the pool with NextRunAt
	// unchanged so a failed trigger is retried on the next poll.
	ReleaseSchedule(ctx context.Context, id string) error

	// UpdateScheduleStatus conditionally transitions the schedule status.
	UpdateScheduleStatus(ctx context.Context, id string, expect []string, to string) error
}

// RecipientStore persists recipients and arbitrates dispatch claims.
type RecipientStore interface {
	// InsertRecipients inserts the supplied recipients, skipping any whose
	// (campaign, email) key already exists, and returns the number actually
	// inserted. Expansion is idempotent through this method.
	InsertRecipients(ctx context.Context, recipients []*models.Recipient) (int, error)

	GetRecipient(ctx context.Context, id string) (*models.Recipient, error)
	UpdateRecipient(ctx context.Context, r *models.Recipient) error
	ListRecipients(ctx context.Context, campaignID string) ([]*models.Recipient, error)

	// ClaimPending atomically claims up to limit pending recipients of the
	// campaign in FIFO creation order, skipping recipients whose retry
	// cool-down has not elapsed. The claim carries a lease: if it is not
	// released or resolved before now+lease, the recipient becomes
	// claimable again, so a worker crash mid-send cannot strand it.
	ClaimPending(ctx context.Context, campaignID string, limit int, now time.Time, lease time.Duration) ([]*models.Recipient, error)

	// ReleaseClaim returns a claimed recipient to the pending pool.
	ReleaseClaim(ctx context.Context, recipientID string) error

	// CountDispatchable returns how many recipients of the campaign are
	// still pending or claimed, i.e. not yet settled.
	CountDispatchable(ctx context.Context, campaignID string) (int, error)
}

// AttemptStore persists send attempts and their event logs.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, a *models.Attempt) error
	GetAttempt(ctx context.Context, id string) (*models.Attempt, error)
	GetAttemptByProviderMessageID(ctx context.Context, providerMessageID string) (*models.Attempt, error)
	UpdateAttempt(ctx context.Context, a *models.Attempt) error
	ListAttempts(ctx context.Context, campaignID string) ([]*models.Attempt, error)
}

// RateStore tracks per-campaign send timestamps for the rolling hourly
// send-rate ceiling. All dispatch workers for a campaign share this state.
type RateStore interface {
	// ReserveSend atomically records one send for the campaign at the given
	// instant unless ceiling sends are already recorded strictly after
	// since, in which case nothing is recorded and ErrConflict is returned.
	// A non-positive ceiling means unlimited. Check and record are a single
	// atomic step so concurrent workers can never overshoot the ceiling.
	ReserveSend(ctx context.Context, campaignID string, at, since time.Time, ceiling int) error

	// CountSentSince returns how many sends were recorded for the campaign
	// strictly after since.
	CountSentSince(ctx context.Context, campaignID string, since time.Time) (int, error)
}

// Store aggregates every persistence concern the engine needs.
type Store interface {
	CampaignStore
	ScheduleStore
	RecipientStore
	AttemptStore
	RateStore
}
