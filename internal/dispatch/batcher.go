// Package dispatch pulls pending recipients in rate-limited batches and
// drives them through the sender boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/campaign-engine/internal/delivery"
	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/store"
)

// StatusNotifier receives attempt lifecycle events. Notification failures
// are logged and never block dispatch.
type StatusNotifier interface {
	PublishStatus(ctx context.Context, event models.StatusEvent) error
}

// Config contains the runtime settings the batcher relies on.
type Config struct {
	// PollInterval is how often the loop scans sending campaigns.
	PollInterval time.Duration
	// ClaimLease bounds how long a claimed recipient stays invisible to
	// other workers; a worker crash mid-send reveals it after this long.
	ClaimLease time.Duration
	// Concurrency caps in-flight sends per batcher instance.
	Concurrency int
	// DefaultBatchSize applies when a campaign does not set its own.
	DefaultBatchSize int
	// SendTimeout bounds a single sender call.
	SendTimeout time.Duration
}

// Dependencies collects the collaborators required by the batcher.
type Dependencies struct {
	Store     store.Store
	Sender    sender.Sender
	Templates sender.TemplateProvider
	Machine   *delivery.Machine
	Retry     RetryPolicy
	Notifier  StatusNotifier
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Batcher implements scheduling under constraint: it repeatedly computes
// the remaining hourly send budget per campaign, claims up to
// min(batchSize, budget) pending recipients in FIFO order, and hands each
// to the sender. Claim-then-send keeps a recipient from ever being
// dispatched twice concurrently, every send reserves its window slot
// atomically on the shared store, and rate-limit exhaustion defers
// selection to the next polling cycle rather than erroring.
type Batcher struct {
	cfg       Config
	store     store.Store
	sender    sender.Sender
	templates sender.TemplateProvider
	machine   *delivery.Machine
	retry     RetryPolicy
	notifier  StatusNotifier
	logger    zerolog.Logger
	now       func() time.Time

	sem *semaphore.Weighted

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewBatcher constructs a Batcher using the supplied configuration and
// collaborators. The configuration and dependencies are validated to
// prevent misconfiguration at startup.
func NewBatcher(cfg Config, deps Dependencies) (*Batcher, error) {
	if cfg.PollInterval <= 0 {
		return nil, errors.New("batcher: poll interval must be positive")
	}
	if cfg.ClaimLease <= 0 {
		return nil, errors.New("batcher: claim lease must be positive")
	}
	if cfg.Concurrency < 1 {
		return nil, errors.New("batcher: concurrency must be >= 1")
	}
	if cfg.DefaultBatchSize < 1 {
		return nil, errors.New("batcher: default batch size must be >= 1")
	}
	if deps.Store == nil {
		return nil, errors.New("batcher: store dependency is required")
	}
	if deps.Sender == nil {
		return nil, errors.New("batcher: sender dependency is required")
	}
	if deps.Templates == nil {
		return nil, errors.New("batcher: template provider dependency is required")
	}
	if deps.Machine == nil {
		return nil, errors.New("batcher: state machine dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "dispatch_batcher").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Batcher{
		cfg:       cfg,
		store:     deps.Store,
		sender:    deps.Sender,
		templates: deps.Templates,
		machine:   deps.Machine,
		retry:     deps.Retry,
		notifier:  deps.Notifier,
		logger:    logger,
		now:       nowFunc,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
	}, nil
}

// Start launches the polling loop. Calling Start on a running Batcher is a
// no-op.
func (b *Batcher) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return
	}
	b.running = true
	b.stop = make(chan struct{})
	b.done = make(chan struct{})
	go b.loop(ctx, b.stop, b.done)
}

// Stop halts the polling loop and waits for the current tick to finish.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	stop, done := b.stop, b.done
	b.mu.Unlock()

	close(stop)
	<-done
}

func (b *Batcher) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			b.Tick(ctx)
		}
	}
}

// Tick performs one dispatch pass over every campaign in sending status.
// Exported so tests can step the batcher against a simulated clock.
func (b *Batcher) Tick(ctx context.Context) {
	campaigns, err := b.store.ListCampaignsByStatus(ctx, models.CampaignStatusSending)
	if err != nil {
		b.logger.Error().Err(err).Msg("failed to list sending campaigns")
		return
	}
	for _, c := range campaigns {
		if _, err := b.DispatchBatch(ctx, c.ID); err != nil {
			b.logger.Error().Err(err).Str("campaign_id", c.ID).Msg("dispatch batch failed")
		}
	}
}

// DispatchBatch claims and dispatches one batch for the campaign and
// returns how many sends were attempted.
func (b *Batcher) DispatchBatch(ctx context.Context, campaignID string) (int, error) {
	campaign, err := b.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, fmt.Errorf("batcher: load campaign %s: %w", campaignID, err)
	}
	if !campaign.Dispatchable() {
		return 0, nil
	}

	now := b.now()
	limit := campaign.BatchSize
	if limit <= 0 {
		limit = b.cfg.DefaultBatchSize
	}

	// The window count here only sizes the claim; enforcement happens when
	// each send atomically reserves its slot, so a stale read taken while
	// another worker is mid-batch cannot overshoot the ceiling.
	if campaign.SendRatePerHour > 0 {
		sentInWindow, err := b.store.CountSentSince(ctx, campaign.ID, now.Add(-time.Hour))
		if err != nil {
			return 0, fmt.Errorf("batcher: count hourly sends for campaign %s: %w", campaign.ID, err)
		}
		budget := campaign.SendRatePerHour - sentInWindow
		if budget <= 0 {
			// Not an error: the next polling cycle gets a fresh budget.
			b.logger.Debug().
				Str("campaign_id", campaign.ID).
				Int("sent_in_window", sentInWindow).
				Msg("hourly send budget exhausted; deferring")
			return 0, nil
		}
		if budget < limit {
			limit = budget
		}
	}

	claimed, err := b.store.ClaimPending(ctx, campaign.ID, limit, now, b.cfg.ClaimLease)
	if err != nil {
		return 0, fmt.Errorf("batcher: claim pending recipients for campaign %s: %w", campaign.ID, err)
	}
	if len(claimed) == 0 {
		b.maybeComplete(ctx, campaign)
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, rec := range claimed {
		if err := b.sem.Acquire(ctx, 1); err != nil {
			// Shutdown mid-batch: return unclaimed work to the pool.
			if relErr := b.store.ReleaseClaim(ctx, rec.ID); relErr != nil {
				b.logger.Error().Err(relErr).Str("recipient_id", rec.ID).Msg("failed to release claim during shutdown")
			}
			continue
		}
		wg.Add(1)
		go func(rec *models.Recipient) {
			defer wg.Done()
			defer b.sem.Release(1)
			b.sendOne(ctx, campaign, rec)
		}(rec)
	}
	wg.Wait()

	b.maybeComplete(ctx, campaign)
	return len(claimed), nil
}

// sendOne dispatches a single claimed recipient: creates the attempt,
// renders content, invokes the sender and applies the outcome through the
// state machine and retry policy.
func (b *Batcher) sendOne(ctx context.Context, campaign *models.Campaign, rec *models.Recipient) {
	now := b.now()
	log := b.logger.With().
		Str("campaign_id", campaign.ID).
		Str("recipient_id", rec.ID).
		Int("retry_count", rec.RetryCount).
		Logger()

	subject, body, err := b.templates.Render(ctx, campaign.ID, campaign.TemplateID, rec.Variables)
	if err != nil {
		// Rendering failures are infrastructure trouble, not recipient
		// failures: release the claim and let the next cycle retry. No
		// attempt record exists yet, so nothing is left behind.
		log.Warn().Err(err).Msg("template render failed; releasing claim")
		b.releaseClaim(ctx, rec.ID, log)
		return
	}

	// Reserve a slot in the rolling window before anything else is written.
	// The reservation is atomic on the shared store, so workers racing for
	// the same campaign can never overshoot the hourly ceiling between
	// them. The attempt counts against the ceiling whether or not the
	// provider accepts it.
	if err := b.store.ReserveSend(ctx, campaign.ID, now, now.Add(-time.Hour), campaign.SendRatePerHour); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Debug().Msg("hourly send budget exhausted; releasing claim")
		} else {
			log.Error().Err(err).Msg("failed to reserve send slot; releasing claim")
		}
		b.releaseClaim(ctx, rec.ID, log)
		return
	}

	attempt := &models.Attempt{
		ID:          uuid.NewString(),
		RecipientID: rec.ID,
		CampaignID:  campaign.ID,
		Status:      models.AttemptStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := b.store.CreateAttempt(ctx, attempt); err != nil {
		log.Error().Err(err).Msg("failed to create attempt; releasing claim")
		b.releaseClaim(ctx, rec.ID, log)
		return
	}
	b.notify(ctx, attempt, rec, models.StatusEventQueued, "", now)

	msg := &sender.Message{
		AttemptID:       attempt.ID,
		CampaignID:      campaign.ID,
		RecipientID:     rec.ID,
		To:              rec.Email,
		FromName:        campaign.FromName,
		FromEmail:       campaign.FromEmail,
		ReplyTo:         campaign.ReplyTo,
		RenderedSubject: subject,
		RenderedBody:    body,
		Meta:            rec.Variables,
	}

	sendCtx := ctx
	if b.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, b.cfg.SendTimeout)
		defer cancel()
	}

	receipt, sendErr := b.sender.Send(sendCtx, msg)
	now = b.now()

	if sendErr == nil {
		outcome := b.machine.MarkSent(attempt, rec, receipt, now)
		b.persistOutcome(ctx, campaign.ID, attempt, rec, outcome, log)
		b.notify(ctx, attempt, rec, models.StatusEventSent, "", now)
		log.Info().Str("provider_message_id", attempt.ProviderMessageID).Msg("recipient dispatched")
		return
	}

	kind := sender.Classify(sendErr)
	retryable := b.retry.ShouldRetry(kind, rec.RetryCount, rec.MaxRetries)
	outcome := b.machine.MarkSendFailure(attempt, rec, kind, sendErr, retryable, now)

	if retryable {
		rec.RetryCount++
		eligible := b.retry.NextEligibleAt(now)
		rec.NextAttemptAt = &eligible
		rec.LastError = sendErr.Error()
		rec.UpdatedAt = now
		outcome.RecipientChanged = true
		log.Warn().Err(sendErr).Time("next_attempt_at", eligible).Msg("transient send failure; recipient scheduled for retry")
		b.persistOutcome(ctx, campaign.ID, attempt, rec, outcome, log)
		b.notify(ctx, attempt, rec, models.StatusEventRetryPending, sendErr.Error(), now)
		return
	}

	log.Warn().Err(sendErr).Str("failure_kind", string(kind)).Msg("send failed terminally")
	b.persistOutcome(ctx, campaign.ID, attempt, rec, outcome, log)
	b.notify(ctx, attempt, rec, models.StatusEventFailed, sendErr.Error(), now)
}

func (b *Batcher) persistOutcome(ctx context.Context, campaignID string, attempt *models.Attempt, rec *models.Recipient, outcome delivery.Outcome, log zerolog.Logger) {
	if outcome.AttemptChanged {
		if err := b.store.UpdateAttempt(ctx, attempt); err != nil {
			log.Error().Err(err).Str("attempt_id", attempt.ID).Msg("failed to persist attempt")
		}
	}
	// The recipient update also resolves the dispatch claim, so it is
	// written even when only bookkeeping fields moved.
	if err := b.store.UpdateRecipient(ctx, rec); err != nil {
		log.Error().Err(err).Msg("failed to persist recipient")
	}
	if outcome.Delta != (store.CounterDelta{}) {
		if err := b.store.ApplyCounterDelta(ctx, campaignID, outcome.Delta); err != nil {
			log.Error().Err(err).Msg("failed to apply campaign counter delta")
		}
	}
}

// maybeComplete transitions the campaign to sent once no dispatchable
// recipients remain. Attempts already sent are never rolled back, so this
// is the only forward exit from sending.
func (b *Batcher) maybeComplete(ctx context.Context, campaign *models.Campaign) {
	remaining, err := b.store.CountDispatchable(ctx, campaign.ID)
	if err != nil {
		b.logger.Error().Err(err).Str("campaign_id", campaign.ID).Msg("failed to count remaining recipients")
		return
	}
	if remaining > 0 {
		return
	}

	now := b.now()
	err = b.store.UpdateCampaignStatus(ctx, campaign.ID, []string{models.CampaignStatusSending}, models.CampaignStatusSent, &now)
	switch {
	case err == nil:
		b.logger.Info().Str("campaign_id", campaign.ID).Msg("campaign completed")
	case errors.Is(err, store.ErrConflict):
		// Paused or cancelled in the meantime; leave it alone.
	default:
		b.logger.Error().Err(err).Str("campaign_id", campaign.ID).Msg("failed to complete campaign")
	}
}

func (b *Batcher) releaseClaim(ctx context.Context, recipientID string, log zerolog.Logger) {
	if err := b.store.ReleaseClaim(ctx, recipientID); err != nil {
		log.Error().Err(err).Msg("failed to release recipient claim")
	}
}

func (b *Batcher) notify(ctx context.Context, attempt *models.Attempt, rec *models.Recipient, eventType, errMsg string, at time.Time) {
	if b.notifier == nil {
		return
	}
	event := models.StatusEvent{
		CampaignID:        attempt.CampaignID,
		RecipientID:       rec.ID,
		AttemptID:         attempt.ID,
		ProviderMessageID: attempt.ProviderMessageID,
		EventType:         eventType,
		RetryCount:        rec.RetryCount,
		Error:             errMsg,
		Timestamp:         at,
	}
	if err := b.notifier.PublishStatus(ctx, event); err != nil {
		b.logger.Error().
			Err(err).
			Str("attempt_id", attempt.ID).
			Str("event", eventType).
			Msg("failed to publish status event")
	}
}
