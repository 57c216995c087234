package engine_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/delivery"
	"github.com/example/campaign-engine/internal/engine"
	"github.com/example/campaign-engine/internal/expand"
	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/stats"
	"github.com/example/campaign-engine/internal/store/memory"
)

type audienceStub struct {
	candidates []sender.Candidate
}

func (a *audienceStub) Resolve(context.Context, string) ([]sender.Candidate, error) {
	return a.candidates, nil
}

type engineFixture struct {
	store    *memory.Store
	engine   *engine.Engine
	audience *audienceStub
	now      time.Time
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	st := memory.New()
	audience := &audienceStub{}

	expander, err := expand.New(expand.Dependencies{
		Audience:   audience,
		Recipients: st,
		Campaigns:  st,
		Logger:     zerolog.New(io.Discard),
		Now:        clock,
	})
	if err != nil {
		t.Fatalf("new expander: %v", err)
	}
	aggregator, err := stats.NewAggregator(st, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	eng, err := engine.New(engine.Dependencies{
		Store:      st,
		Expander:   expander,
		Machine:    delivery.NewMachine(zerolog.New(io.Discard), clock),
		Aggregator: aggregator,
		Logger:     zerolog.New(io.Discard),
		Now:        clock,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return &engineFixture{store: st, engine: eng, audience: audience, now: now}
}

func (f *engineFixture) createCampaign(t *testing.T) *models.Campaign {
	t.Helper()
	c, err := f.engine.CreateCampaign(context.Background(), engine.CreateCampaignInput{
		Name:       "spring launch",
		TemplateID: "tpl-1",
		FromEmail:  "news@example.com",
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func TestCreateCampaignAppliesDefaults(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	if c.Status != models.CampaignStatusDraft {
		t.Fatalf("status = %s, want draft", c.Status)
	}
	if c.BatchSize != engine.DefaultBatchSize {
		t.Fatalf("batch size = %d, want %d", c.BatchSize, engine.DefaultBatchSize)
	}
	if c.SendRatePerHour != engine.DefaultSendRatePerHour {
		t.Fatalf("send rate = %d, want %d", c.SendRatePerHour, engine.DefaultSendRatePerHour)
	}
	if c.MaxRetries != engine.DefaultMaxRetries {
		t.Fatalf("max retries = %d, want %d", c.MaxRetries, engine.DefaultMaxRetries)
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	f := newEngineFixture(t)

	cases := []engine.CreateCampaignInput{
		{TemplateID: "tpl-1", FromEmail: "a@b.c"},
		{Name: "x", FromEmail: "a@b.c"},
		{Name: "x", TemplateID: "tpl-1"},
	}
	for i, in := range cases {
		if _, err := f.engine.CreateCampaign(context.Background(), in); err == nil {
			t.Fatalf("case %d: expected a validation error", i)
		}
	}
}

func TestCreateScheduleMovesDraftToScheduled(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	s, err := f.engine.CreateSchedule(context.Background(), engine.CreateScheduleInput{
		CampaignID: c.ID,
		Frequency:  models.FrequencyDaily,
		StartDate:  f.now.AddDate(0, 0, -1),
		Timezone:   "UTC",
		Recurrence: models.RecurrenceParams{Daily: &models.DailyParams{At: models.TimeOfDay{Hour: 10}}},
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if s.NextRunAt == nil {
		t.Fatal("next run was not computed")
	}
	want := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	if !s.NextRunAt.Equal(want) {
		t.Fatalf("next run = %v, want %v", s.NextRunAt, want)
	}

	got, err := f.store.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	if got.Status != models.CampaignStatusScheduled {
		t.Fatalf("campaign status = %s, want scheduled", got.Status)
	}
}

func TestCreateScheduleRejectsNeverRunning(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	end := f.now.AddDate(0, 0, -2)
	_, err := f.engine.CreateSchedule(context.Background(), engine.CreateScheduleInput{
		CampaignID: c.ID,
		Frequency:  models.FrequencyDaily,
		StartDate:  f.now.AddDate(0, 0, -10),
		EndDate:    &end,
		Recurrence: models.RecurrenceParams{Daily: &models.DailyParams{At: models.TimeOfDay{Hour: 10}}},
	})
	if err == nil {
		t.Fatal("expected an error for a schedule that can never run")
	}
}

func TestCreateScheduleRejectsUnknownFrequency(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	_, err := f.engine.CreateSchedule(context.Background(), engine.CreateScheduleInput{
		CampaignID: c.ID,
		Frequency:  "hourly",
		StartDate:  f.now,
	})
	if err == nil {
		t.Fatal("expected an error for an unsupported frequency")
	}
}

func TestTriggerSendExpandsAndStartsSending(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)
	f.audience.candidates = []sender.Candidate{
		{Email: "alice@example.com"},
		{Email: "bob@example.com"},
	}

	if err := f.engine.TriggerSend(context.Background(), c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	got, _ := f.store.GetCampaign(context.Background(), c.ID)
	if got.Status != models.CampaignStatusSending {
		t.Fatalf("status = %s, want sending", got.Status)
	}
	if got.TotalRecipients != 2 {
		t.Fatalf("total recipients = %d, want 2", got.TotalRecipients)
	}

	// Triggering again while sending re-expands without error.
	if err := f.engine.TriggerSend(context.Background(), c.ID); err != nil {
		t.Fatalf("re-trigger: %v", err)
	}
	got, _ = f.store.GetCampaign(context.Background(), c.ID)
	if got.TotalRecipients != 2 {
		t.Fatalf("total recipients after re-trigger = %d, want 2", got.TotalRecipients)
	}
}

func TestTriggerSendEmptyAudienceFailsCampaign(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	err := f.engine.TriggerSend(context.Background(), c.ID)
	if !errors.Is(err, engine.ErrNoRecipients) {
		t.Fatalf("err = %v, want ErrNoRecipients", err)
	}

	got, _ := f.store.GetCampaign(context.Background(), c.ID)
	if got.Status != models.CampaignStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
}

func TestTriggerSendRejectsTerminalStatuses(t *testing.T) {
	f := newEngineFixture(t)
	c := f.createCampaign(t)
	f.audience.candidates = []sender.Candidate{{Email: "alice@example.com"}}

	if err := f.engine.TriggerSend(context.Background(), c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := f.engine.Cancel(context.Background(), c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := f.engine.TriggerSend(context.Background(), c.ID); err == nil {
		t.Fatal("expected an error triggering a cancelled campaign")
	}
}

func TestPauseResumeCancelLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	c := f.createCampaign(t)
	f.audience.candidates = []sender.Candidate{{Email: "alice@example.com"}}

	if err := f.engine.TriggerSend(ctx, c.ID); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if err := f.engine.Pause(ctx, c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}
	got, _ := f.store.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignStatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}

	// Pausing a paused campaign is a conflict, not a silent no-op.
	if err := f.engine.Pause(ctx, c.ID); err == nil {
		t.Fatal("expected an error pausing a paused campaign")
	}

	if err := f.engine.Resume(ctx, c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	got, _ = f.store.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignStatusSending {
		t.Fatalf("status = %s, want sending", got.Status)
	}

	if err := f.engine.Cancel(ctx, c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, _ = f.store.GetCampaign(ctx, c.ID)
	if got.Status != models.CampaignStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}

	// Cancelled is terminal.
	if err := f.engine.Resume(ctx, c.ID); err == nil {
		t.Fatal("expected an error resuming a cancelled campaign")
	}
}

func TestRecordTrackingEventByProviderMessageID(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t)
	c := f.createCampaign(t)

	r := &models.Recipient{
		ID:         "rec-1",
		CampaignID: c.ID,
		Email:      "alice@example.com",
		Status:     models.RecipientStatusSent,
		CreatedAt:  f.now,
	}
	if _, err := f.store.InsertRecipients(ctx, []*models.Recipient{r}); err != nil {
		t.Fatalf("seed recipient: %v", err)
	}
	a := &models.Attempt{
		ID:                "att-1",
		RecipientID:       r.ID,
		CampaignID:        c.ID,
		ProviderMessageID: "pm-1",
		Status:            models.AttemptStatusSent,
		CreatedAt:         f.now,
	}
	if err := f.store.CreateAttempt(ctx, a); err != nil {
		t.Fatalf("seed attempt: %v", err)
	}

	err := f.engine.RecordTrackingEvent(ctx, engine.EventRef{ProviderMessageID: "pm-1"}, models.TrackingEvent{
		Type:      models.EventOpened,
		Timestamp: f.now.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}

	got, _ := f.store.GetAttempt(ctx, "att-1")
	if got.Status != models.AttemptStatusOpened {
		t.Fatalf("attempt status = %s, want opened", got.Status)
	}
	if got.OpenCount != 1 {
		t.Fatalf("open count = %d, want 1", got.OpenCount)
	}

	campaign, _ := f.store.GetCampaign(ctx, c.ID)
	if campaign.OpenedCount != 1 {
		t.Fatalf("campaign opened count = %d, want 1", campaign.OpenedCount)
	}

	rollup, err := f.engine.Stats(ctx, c.ID)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if rollup.Counters.OpenedCount != 1 {
		t.Fatalf("stats opened = %d, want 1", rollup.Counters.OpenedCount)
	}
}

func TestRecordTrackingEventNeedsARef(t *testing.T) {
	f := newEngineFixture(t)
	err := f.engine.RecordTrackingEvent(context.Background(), engine.EventRef{}, models.TrackingEvent{Type: models.EventOpened})
	if err == nil {
		t.Fatal("expected an error for an event without any attempt reference")
	}
}
