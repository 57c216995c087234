// Package stats keeps campaign-level roll-ups consistent with the
// underlying attempt and recipient records.
package stats

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/store"
)

// Rates are the derived campaign metrics. Every rate is defined as 0 when
// the campaign has not sent anything yet.
type Rates struct {
	DeliveryRate float64 `json:"delivery_rate"`
	OpenRate     float64 `json:"open_rate"`
	ClickRate    float64 `json:"click_rate"`
	BounceRate   float64 `json:"bounce_rate"`
}

// ComputeRates derives rates from a counter snapshot.
func ComputeRates(c models.CounterSnapshot) Rates {
	if c.SentCount == 0 {
		return Rates{}
	}
	sent := float64(c.SentCount)
	return Rates{
		DeliveryRate: float64(c.DeliveredCount) / sent,
		OpenRate:     float64(c.OpenedCount) / sent,
		ClickRate:    float64(c.ClickedCount) / sent,
		BounceRate:   float64(c.BouncedCount) / sent,
	}
}

// Aggregator recomputes campaign counters in full from the stored attempts
// and recipients. Incremental updates applied during dispatch and event
// ingestion must agree with this recomputation; the two paths yielding the
// same numbers is a core correctness property.
type Aggregator struct {
	store  store.Store
	logger zerolog.Logger
}

// NewAggregator constructs an Aggregator.
func NewAggregator(st store.Store, logger zerolog.Logger) (*Aggregator, error) {
	if st == nil {
		return nil, fmt.Errorf("aggregator: store dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	return &Aggregator{
		store:  st,
		logger: logger.With().Str("component", "aggregator").Logger(),
	}, nil
}

// Recompute rebuilds the campaign counter snapshot from scratch.
//
// Funnel counters derive from attempts: one sent per accepted attempt, one
// delivered per attempt with a delivery timestamp, opens and clicks as the
// sum of per-attempt event counts (replays are distinct interactions).
// Membership counters (total, failed, unsubscribed) derive from recipients
// because they describe logical targets rather than physical sends.
func (a *Aggregator) Recompute(ctx context.Context, campaignID string) (models.CounterSnapshot, error) {
	var snap models.CounterSnapshot

	attempts, err := a.store.ListAttempts(ctx, campaignID)
	if err != nil {
		return snap, fmt.Errorf("aggregator: list attempts for campaign %s: %w", campaignID, err)
	}
	for _, at := range attempts {
		if at.SentAt != nil {
			snap.SentCount++
		}
		if at.DeliveredAt != nil {
			snap.DeliveredCount++
		}
		snap.OpenedCount += at.OpenCount
		snap.ClickedCount += at.ClickCount
		switch at.Status {
		case models.AttemptStatusBounced:
			snap.BouncedCount++
		case models.AttemptStatusComplained:
			snap.ComplainedCount++
		}
	}

	recipients, err := a.store.ListRecipients(ctx, campaignID)
	if err != nil {
		return snap, fmt.Errorf("aggregator: list recipients for campaign %s: %w", campaignID, err)
	}
	for _, r := range recipients {
		if r.DeletedAt != nil {
			continue
		}
		snap.TotalRecipients++
		switch r.Status {
		case models.RecipientStatusFailed:
			snap.FailedCount++
		case models.RecipientStatusUnsubscribed:
			snap.UnsubscribedCount++
		}
	}

	return snap, nil
}

// Verify compares the campaign's incremental counters against a full
// recomputation and logs any divergence. It returns true when they agree.
func (a *Aggregator) Verify(ctx context.Context, campaignID string) (bool, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	recomputed, err := a.Recompute(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if campaign.Counters() == recomputed {
		return true, nil
	}
	a.logger.Warn().
		Str("campaign_id", campaignID).
		Interface("incremental", campaign.Counters()).
		Interface("recomputed", recomputed).
		Msg("campaign counters diverged from recomputation")
	return false, nil
}
