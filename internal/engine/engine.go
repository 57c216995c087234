// Package engine exposes the campaign lifecycle operations the rest of the
// system calls: campaign and schedule creation, triggering runs, pause,
// resume, cancel, tracking-event ingestion and stats queries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/delivery"
	"github.com/example/campaign-engine/internal/expand"
	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/schedule"
	"github.com/example/campaign-engine/internal/stats"
	"github.com/example/campaign-engine/internal/store"
)

// Defaults applied when campaign inputs leave rate controls unset.
const (
	DefaultBatchSize       = 50
	DefaultSendRatePerHour = 1000
	DefaultMaxRetries      = 3
)

// ErrNoRecipients is returned by TriggerSend when audience expansion yields
// nothing deliverable.
var ErrNoRecipients = errors.New("engine: campaign has no deliverable recipients")

// StatusNotifier mirrors dispatch.StatusNotifier for tracking-event
// observers.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// Defaults applies when a campaign leaves its rate controls unset. Zero
// fields fall back to the package defaults.
type Defaults struct {
	BatchSize       int
	SendRatePerHour int
	MaxRetries      int
}

// Dependencies collects the collaborators required by the engine facade.
type Dependencies struct {
	Store      store.Store
	Expander   *expand.Expander
	Machine    *delivery.Machine
	Aggregator *stats.Aggregator
	Notifier   StatusNotifier
	Defaults   Defaults
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Engine wires the scheduling, expansion, dispatch and tracking components
// behind thin entry points. It owns campaign lifecycle guards: a campaign
// only reaches sending once at least one recipient exists, and deleted
// campaigns are never mutated.
type Engine struct {
	store      store.Store
	expander   *expand.Expander
	machine    *delivery.Machine
	aggregator *stats.Aggregator
	notifier   StatusNotifier
	defaults   Defaults
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs an Engine, validating its dependencies.
func New(deps Dependencies) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("engine: store dependency is required")
	}
	if deps.Expander == nil {
		return nil, errors.New("engine: expander dependency is required")
	}
	if deps.Machine == nil {
		return nil, errors.New("engine: state machine dependency is required")
	}
	if deps.Aggregator == nil {
		return nil, errors.New("engine: aggregator dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "engine").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	defaults := deps.Defaults
	if defaults.BatchSize <= 0 {
		defaults.BatchSize = DefaultBatchSize
	}
	if defaults.SendRatePerHour <= 0 {
		defaults.SendRatePerHour = DefaultSendRatePerHour
	}
	if defaults.MaxRetries <= 0 {
		defaults.MaxRetries = DefaultMaxRetries
	}

	return &Engine{
		store:      deps.Store,
		expander:   deps.Expander,
		machine:    deps.Machine,
		aggregator: deps.Aggregator,
		notifier:   deps.Notifier,
		defaults:   defaults,
		logger:     logger,
		now:        nowFunc,
	}, nil
}

// CreateCampaignInput carries the compose-action payload for a new
// campaign.
type CreateCampaignInput struct {
	Name            string
	TemplateID      string
	FromName        string
	FromEmail       string
	ReplyTo         string
	BatchSize       int
	SendRatePerHour int
	MaxRetries      int
	TrackOpens      bool
	TrackClicks     bool
}

// CreateCampaign registers a new draft campaign.
func (e *Engine) CreateCampaign(ctx context.Context, in CreateCampaignInput) (*models.Campaign, error) {
	if in.Name == "" {
		return nil, errors.New("engine: campaign name is required")
	}
	if in.FromEmail == "" {
		return nil, errors.New("engine: campaign from address is required")
	}
	if in.TemplateID == "" {
		return nil, errors.New("engine: campaign template is required")
	}

	now := e.now()
	c := &models.Campaign{
		ID:              uuid.NewString(),
		Name:            in.Name,
		TemplateID:      in.TemplateID,
		FromName:        in.FromName,
		FromEmail:       in.FromEmail,
		ReplyTo:         in.ReplyTo,
		Status:          models.CampaignStatusDraft,
		BatchSize:       in.BatchSize,
		SendRatePerHour: in.SendRatePerHour,
		MaxRetries:      in.MaxRetries,
		TrackOpens:      in.TrackOpens,
		TrackClicks:     in.TrackClicks,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if c.BatchSize <= 0 {
		c.BatchSize = e.defaults.BatchSize
	}
	if c.SendRatePerHour <= 0 {
		c.SendRatePerHour = e.defaults.SendRatePerHour
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = e.defaults.MaxRetries
	}

	if err := e.store.CreateCampaign(ctx, c); err != nil {
		return nil, fmt.Errorf("engine: create campaign: %w", err)
	}
	e.logger.Info().Str("campaign_id", c.ID).Str("name", c.Name).Msg("campaign created")
	return c, nil
}

// CreateScheduleInput carries the parameters for a new schedule.
type CreateScheduleInput struct {
	CampaignID    string
	Frequency     string
	StartDate     time.Time
	EndDate       *time.Time
	Timezone      string
	Recurrence    models.RecurrenceParams
	MaxExecutions *int
}

// CreateSchedule attaches a recurrence rule to a campaign. The initial
// NextRunAt is computed immediately; a schedule that would never run is
// rejected.
func (e *Engine) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*models.Schedule, error) {
	campaign, err := e.store.GetCampaign(ctx, in.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("engine: load campaign %s: %w", in.CampaignID, err)
	}
	if campaign.DeletedAt != nil {
		return nil, fmt.Errorf("engine: campaign %s is deleted", in.CampaignID)
	}

	switch in.Frequency {
	case models.FrequencyOnce, models.FrequencyDaily, models.FrequencyWeekly,
		models.FrequencyMonthly, models.FrequencyCustom:
	default:
		return nil, fmt.Errorf("engine: unsupported schedule frequency %q", in.Frequency)
	}

	now := e.now()
	s := &models.Schedule{
		ID:            uuid.NewString(),
		CampaignID:    in.CampaignID,
		Frequency:     in.Frequency,
		StartDate:     in.StartDate,
		EndDate:       in.EndDate,
		Timezone:      in.Timezone,
		Recurrence:    in.Recurrence,
		MaxExecutions: in.MaxExecutions,
		Status:        models.ScheduleStatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	next, ok := schedule.NextRun(s, now)
	if !ok {
		return nil, errors.New("engine: schedule would never run")
	}
	s.NextRunAt = &next

	if err := e.store.CreateSchedule(ctx, s); err != nil {
		return nil, fmt.Errorf("engine: create schedule: %w", err)
	}

	if campaign.Status == models.CampaignStatusDraft {
		if err := e.store.UpdateCampaignStatus(ctx, campaign.ID, []string{models.CampaignStatusDraft}, models.CampaignStatusScheduled, nil); err != nil && !errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("engine: mark campaign scheduled: %w", err)
		}
	}

	e.logger.Info().
		Str("schedule_id", s.ID).
		Str("campaign_id", s.CampaignID).
		Str("frequency", s.Frequency).
		Time("next_run_at", next).
		Msg("schedule created")
	return s, nil
}

// TriggerSend expands the campaign audience and moves the campaign into
// sending. Expansion errors surface to the caller and leave the campaign
// unchanged. A campaign with nothing deliverable is marked failed because
// dispatch cannot proceed at all.
func (e *Engine) TriggerSend(ctx context.Context, campaignID string) error {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("engine: load campaign %s: %w", campaignID, err)
	}
	if campaign.DeletedAt != nil {
		return fmt.Errorf("engine: campaign %s is deleted", campaignID)
	}

	switch campaign.Status {
	case models.CampaignStatusDraft, models.CampaignStatusScheduled, models.CampaignStatusSending:
	default:
		return fmt.Errorf("engine: campaign %s cannot be sent in status %s", campaignID, campaign.Status)
	}

	inserted, err := e.expander.Expand(ctx, campaign)
	if err != nil {
		return fmt.Errorf("engine: expand audience: %w", err)
	}

	if campaign.TotalRecipients+inserted == 0 {
		if stErr := e.store.UpdateCampaignStatus(ctx, campaignID, []string{campaign.Status}, models.CampaignStatusFailed, nil); stErr != nil && !errors.Is(stErr, store.ErrConflict) {
			e.logger.Error().Err(stErr).Str("campaign_id", campaignID).Msg("failed to mark empty campaign failed")
		}
		return ErrNoRecipients
	}

	if campaign.Status != models.CampaignStatusSending {
		if err := e.store.UpdateCampaignStatus(ctx, campaignID, []string{models.CampaignStatusDraft, models.CampaignStatusScheduled}, models.CampaignStatusSending, nil); err != nil {
			if errors.Is(err, store.ErrConflict) {
				// Another trigger won the race; dispatch will proceed.
				return nil
			}
			return fmt.Errorf("engine: mark campaign sending: %w", err)
		}
	}

	e.logger.Info().
		Str("campaign_id", campaignID).
		Int("new_recipients", inserted).
		Msg("campaign triggered")
	return nil
}

// Pause stops new dispatch selection for the campaign. Attempts already
// sent are never rolled back.
func (e *Engine) Pause(ctx context.Context, campaignID string) error {
	err := e.store.UpdateCampaignStatus(ctx, campaignID,
		[]string{models.CampaignStatusScheduled, models.CampaignStatusSending},
		models.CampaignStatusPaused, nil)
	if err != nil {
		return fmt.Errorf("engine: pause campaign %s: %w", campaignID, err)
	}
	e.logger.Info().Str("campaign_id", campaignID).Msg("campaign paused")
	return nil
}

// Resume returns a paused campaign to sending.
func (e *Engine) Resume(ctx context.Context, campaignID string) error {
	err := e.store.UpdateCampaignStatus(ctx, campaignID,
		[]string{models.CampaignStatusPaused},
		models.CampaignStatusSending, nil)
	if err != nil {
		return fmt.Errorf("engine: resume campaign %s: %w", campaignID, err)
	}
	e.logger.Info().Str("campaign_id", campaignID).Msg("campaign resumed")
	return nil
}

// Cancel permanently stops the campaign. Like Pause it takes effect at
// claim time; in-flight attempts complete and are recorded.
func (e *Engine) Cancel(ctx context.Context, campaignID string) error {
	err := e.store.UpdateCampaignStatus(ctx, campaignID,
		[]string{models.CampaignStatusDraft, models.CampaignStatusScheduled,
			models.CampaignStatusSending, models.CampaignStatusPaused},
		models.CampaignStatusCancelled, nil)
	if err != nil {
		return fmt.Errorf("engine: cancel campaign %s: %w", campaignID, err)
	}
	e.logger.Info().Str("campaign_id", campaignID).Msg("campaign cancelled")
	return nil
}

// EventRef identifies the attempt a tracking event belongs to, either by
// attempt id or by the provider message id echoed in callbacks.
type EventRef struct {
	AttemptID         string
	ProviderMessageID string
}

// RecordTrackingEvent ingests one inbound delivery or engagement event.
// Ingestion is idempotent with respect to first-stage timestamps and never
// moves an attempt backward in the funnel; every event lands in the
// attempt's audit log.
func (e *Engine) RecordTrackingEvent(ctx context.Context, ref EventRef, event models.TrackingEvent) error {
	attempt, err := e.resolveAttempt(ctx, ref)
	if err != nil {
		return err
	}

	recipient, err := e.store.GetRecipient(ctx, attempt.RecipientID)
	if err != nil {
		return fmt.Errorf("engine: load recipient %s: %w", attempt.RecipientID, err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}

	outcome := e.machine.ApplyEvent(attempt, recipient, event)

	if outcome.AttemptChanged {
		if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
			return fmt.Errorf("engine: persist attempt %s: %w", attempt.ID, err)
		}
	}
	if outcome.RecipientChanged {
		if err := e.store.UpdateRecipient(ctx, recipient); err != nil {
			return fmt.Errorf("engine: persist recipient %s: %w", recipient.ID, err)
		}
	}
	if outcome.Delta != (store.CounterDelta{}) {
		if err := e.store.ApplyCounterDelta(ctx, attempt.CampaignID, outcome.Delta); err != nil {
			return fmt.Errorf("engine: apply counter delta for campaign %s: %w", attempt.CampaignID, err)
		}
	}

	if e.notifier != nil {
		notifyErr := e.notifier.PublishStatus(ctx, models.StatusEvent{
			CampaignID:        attempt.CampaignID,
			RecipientID:       recipient.ID,
			AttemptID:         attempt.ID,
			ProviderMessageID: attempt.ProviderMessageID,
			EventType:         event.Type,
			Timestamp:         event.Timestamp,
		})
		if notifyErr != nil {
			e.logger.Error().Err(notifyErr).Str("attempt_id", attempt.ID).Msg("failed to publish tracking status event")
		}
	}
	return nil
}

func (e *Engine) resolveAttempt(ctx context.Context, ref EventRef) (*models.Attempt, error) {
	if ref.AttemptID != "" {
		attempt, err := e.store.GetAttempt(ctx, ref.AttemptID)
		if err != nil {
			return nil, fmt.Errorf("engine: load attempt %s: %w", ref.AttemptID, err)
		}
		return attempt, nil
	}
	if ref.ProviderMessageID != "" {
		attempt, err := e.store.GetAttemptByProviderMessageID(ctx, ref.ProviderMessageID)
		if err != nil {
			return nil, fmt.Errorf("engine: load attempt for provider message %s: %w", ref.ProviderMessageID, err)
		}
		return attempt, nil
	}
	return nil, errors.New("engine: tracking event needs an attempt id or provider message id")
}

// CampaignStats is the read-only roll-up exposed to callers.
type CampaignStats struct {
	CampaignID string                 `json:"campaign_id"`
	Status     string                 `json:"status"`
	Counters   models.CounterSnapshot `json:"counters"`
	Rates      stats.Rates            `json:"rates"`
}

// Stats returns the campaign's counters and derived rates.
func (e *Engine) Stats(ctx context.Context, campaignID string) (*CampaignStats, error) {
	campaign, err := e.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("engine: load campaign %s: %w", campaignID, err)
	}
	counters := campaign.Counters()
	return &CampaignStats{
		CampaignID: campaign.ID,
		Status:     campaign.Status,
		Counters:   counters,
		Rates:      stats.ComputeRates(counters),
	}, nil
}
