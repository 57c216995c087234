// Package expand materializes campaign audiences into recipient records.
package expand

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/store"
)

// Dependencies collects the collaborators required by the Expander.
type Dependencies struct {
	Audience   sender.AudienceProvider
	Recipients store.RecipientStore
	Campaigns  store.CampaignStore
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Expander turns a campaign's audience definition into concrete recipient
// records. Expansion is idempotent: addresses are normalized and
// deduplicated within the batch and against recipients already present for
// the campaign, and TotalRecipients grows by exactly the number of newly
// inserted records.
type Expander struct {
	audience   sender.AudienceProvider
	recipients store.RecipientStore
	campaigns  store.CampaignStore
	logger     zerolog.Logger
	now        func() time.Time
}

// New constructs an Expander, validating its dependencies.
func New(deps Dependencies) (*Expander, error) {
	if deps.Audience == nil {
		return nil, errors.New("expander: audience provider dependency is required")
	}
	if deps.Recipients == nil {
		return nil, errors.New("expander: recipient store dependency is required")
	}
	if deps.Campaigns == nil {
		return nil, errors.New("expander: campaign store dependency is required")
	}

	logger := deps.Logger
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	logger = logger.With().Str("component", "expander").Logger()

	nowFunc := deps.Now
	if nowFunc == nil {
		nowFunc = time.Now
	}

	return &Expander{
		audience:   deps.Audience,
		recipients: deps.Recipients,
		campaigns:  deps.Campaigns,
		logger:     logger,
		now:        nowFunc,
	}, nil
}

// Expand resolves the campaign audience and inserts any recipients not yet
// present. It returns the number of newly created recipients.
func (e *Expander) Expand(ctx context.Context, campaign *models.Campaign) (int, error) {
	if campaign == nil {
		return 0, errors.New("expander: campaign is required")
	}

	candidates, err := e.audience.Resolve(ctx, campaign.ID)
	if err != nil {
		return 0, fmt.Errorf("expander: resolve audience for campaign %s: %w", campaign.ID, err)
	}

	now := e.now()
	seen := make(map[string]struct{}, len(candidates))
	batch := make([]*models.Recipient, 0, len(candidates))
	for _, cand := range candidates {
		email, err := models.NormalizeEmail(cand.Email)
		if err != nil {
			e.logger.Warn().
				Err(err).
				Str("campaign_id", campaign.ID).
				Str("email", cand.Email).
				Msg("skipping malformed audience address")
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		batch = append(batch, &models.Recipient{
			ID:         uuid.NewString(),
			CampaignID: campaign.ID,
			Email:      email,
			Name:       cand.Name,
			Variables:  cand.Variables,
			Status:     models.RecipientStatusPending,
			RetryCount: 0,
			MaxRetries: campaign.MaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}

	inserted, err := e.recipients.InsertRecipients(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("expander: insert recipients for campaign %s: %w", campaign.ID, err)
	}

	if inserted > 0 {
		if err := e.campaigns.ApplyCounterDelta(ctx, campaign.ID, store.CounterDelta{TotalRecipients: inserted}); err != nil {
			return inserted, fmt.Errorf("expander: update recipient total for campaign %s: %w", campaign.ID, err)
		}
	}

	e.logger.Info().
		Str("campaign_id", campaign.ID).
		Int("candidates", len(candidates)).
		Int("inserted", inserted).
		Msg("audience expanded")

	return inserted, nil
}
