package stats_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/delivery"
	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/stats"
	"github.com/example/campaign-engine/internal/store"
	"github.com/example/campaign-engine/internal/store/memory"
)

type pipeline struct {
	t       *testing.T
	ctx     context.Context
	store   *memory.Store
	machine *delivery.Machine
	now     time.Time
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	now := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)
	return &pipeline{
		t:       t,
		ctx:     context.Background(),
		store:   memory.New(),
		machine: delivery.NewMachine(zerolog.New(io.Discard), func() time.Time { return now }),
		now:     now,
	}
}

func (p *pipeline) seedCampaign() *models.Campaign {
	c := &models.Campaign{ID: "camp-1", Name: "launch", Status: models.CampaignStatusSending}
	if err := p.store.CreateCampaign(p.ctx, c); err != nil {
		p.t.Fatalf("seed campaign: %v", err)
	}
	return c
}

func (p *pipeline) addRecipient(id, email string) *models.Recipient {
	r := &models.Recipient{
		ID:         id,
		CampaignID: "camp-1",
		Email:      email,
		Status:     models.RecipientStatusPending,
		CreatedAt:  p.now,
	}
	inserted, err := p.store.InsertRecipients(p.ctx, []*models.Recipient{r})
	if err != nil || inserted != 1 {
		p.t.Fatalf("seed recipient %s: inserted=%d err=%v", id, inserted, err)
	}
	if err := p.store.ApplyCounterDelta(p.ctx, "camp-1", store.CounterDelta{TotalRecipients: 1}); err != nil {
		p.t.Fatalf("count recipient %s: %v", id, err)
	}
	return r
}

func (p *pipeline) newAttempt(id string, r *models.Recipient) *models.Attempt {
	a := &models.Attempt{
		ID:          id,
		RecipientID: r.ID,
		CampaignID:  "camp-1",
		Status:      models.AttemptStatusQueued,
		CreatedAt:   p.now,
	}
	if err := p.store.CreateAttempt(p.ctx, a); err != nil {
		p.t.Fatalf("create attempt %s: %v", id, err)
	}
	return a
}

func (p *pipeline) persist(a *models.Attempt, r *models.Recipient, out delivery.Outcome) {
	if out.AttemptChanged {
		if err := p.store.UpdateAttempt(p.ctx, a); err != nil {
			p.t.Fatalf("update attempt: %v", err)
		}
	}
	if out.RecipientChanged {
		if err := p.store.UpdateRecipient(p.ctx, r); err != nil {
			p.t.Fatalf("update recipient: %v", err)
		}
	}
	if out.Delta != (store.CounterDelta{}) {
		if err := p.store.ApplyCounterDelta(p.ctx, "camp-1", out.Delta); err != nil {
			p.t.Fatalf("apply delta: %v", err)
		}
	}
}

func (p *pipeline) event(typ string) models.TrackingEvent {
	return models.TrackingEvent{Type: typ, Timestamp: p.now}
}

// Runs a campaign through a mixed set of outcomes via the incremental path,
// then checks that a full recomputation lands on the same numbers.
func TestIncrementalCountersMatchRecompute(t *testing.T) {
	p := newPipeline(t)
	p.seedCampaign()

	// Recipient 1: sent, delivered, opened twice, clicked once.
	r1 := p.addRecipient("rec-1", "a@example.com")
	a1 := p.newAttempt("att-1", r1)
	p.persist(a1, r1, p.machine.MarkSent(a1, r1, &sender.Receipt{ProviderMessageID: "pm-1"}, p.now))
	p.persist(a1, r1, p.machine.ApplyEvent(a1, r1, p.event(models.EventDelivered)))
	p.persist(a1, r1, p.machine.ApplyEvent(a1, r1, p.event(models.EventOpened)))
	p.persist(a1, r1, p.machine.ApplyEvent(a1, r1, p.event(models.EventOpened)))
	p.persist(a1, r1, p.machine.ApplyEvent(a1, r1, p.event(models.EventClicked)))

	// Recipient 2: hard bounce at send time.
	r2 := p.addRecipient("rec-2", "b@example.com")
	a2 := p.newAttempt("att-2", r2)
	p.persist(a2, r2, p.machine.MarkSendFailure(a2, r2, sender.FailureHardBounce, errors.New("550"), false, p.now))

	// Recipient 3: one transient failure, then success and an unsubscribe.
	r3 := p.addRecipient("rec-3", "c@example.com")
	a3 := p.newAttempt("att-3", r3)
	p.persist(a3, r3, p.machine.MarkSendFailure(a3, r3, sender.FailureTransport, errors.New("reset"), true, p.now))
	a4 := p.newAttempt("att-4", r3)
	p.persist(a4, r3, p.machine.MarkSent(a4, r3, &sender.Receipt{ProviderMessageID: "pm-4"}, p.now))
	p.persist(a4, r3, p.machine.ApplyEvent(a4, r3, p.event(models.EventUnsubscribed)))

	agg, err := stats.NewAggregator(p.store, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}

	snap, err := agg.Recompute(p.ctx, "camp-1")
	if err != nil {
		t.Fatalf("recompute: %v", err)
	}
	want := models.CounterSnapshot{
		TotalRecipients:   3,
		SentCount:         2,
		DeliveredCount:    1,
		OpenedCount:       2,
		ClickedCount:      1,
		BouncedCount:      1,
		UnsubscribedCount: 1,
	}
	if snap != want {
		t.Fatalf("recomputed = %+v, want %+v", snap, want)
	}

	ok, err := agg.Verify(p.ctx, "camp-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("incremental counters diverged from recomputation")
	}
}

func TestVerifyDetectsDivergence(t *testing.T) {
	p := newPipeline(t)
	p.seedCampaign()
	r := p.addRecipient("rec-1", "a@example.com")
	a := p.newAttempt("att-1", r)
	p.persist(a, r, p.machine.MarkSent(a, r, nil, p.now))

	// Corrupt the incremental counters.
	if err := p.store.ApplyCounterDelta(p.ctx, "camp-1", store.CounterDelta{Sent: 5}); err != nil {
		t.Fatalf("apply delta: %v", err)
	}

	agg, err := stats.NewAggregator(p.store, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("new aggregator: %v", err)
	}
	ok, err := agg.Verify(p.ctx, "camp-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok {
		t.Fatal("verify must flag diverged counters")
	}
}

func TestComputeRates(t *testing.T) {
	rates := stats.ComputeRates(models.CounterSnapshot{
		SentCount:      200,
		DeliveredCount: 150,
		OpenedCount:    90,
		ClickedCount:   30,
		BouncedCount:   10,
	})
	if rates.DeliveryRate != 0.75 {
		t.Fatalf("delivery rate = %v, want 0.75", rates.DeliveryRate)
	}
	if rates.OpenRate != 0.45 {
		t.Fatalf("open rate = %v, want 0.45", rates.OpenRate)
	}
	if rates.ClickRate != 0.15 {
		t.Fatalf("click rate = %v, want 0.15", rates.ClickRate)
	}
	if rates.BounceRate != 0.05 {
		t.Fatalf("bounce rate = %v, want 0.05", rates.BounceRate)
	}
}

func TestComputeRatesZeroSent(t *testing.T) {
	if got := stats.ComputeRates(models.CounterSnapshot{TotalRecipients: 10}); got != (stats.Rates{}) {
		t.Fatalf("rates = %+v, want zero", got)
	}
}
