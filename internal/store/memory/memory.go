// Package memory provides a fully in-memory store.Store implementation.
// Safe for concurrent access. Intended for unit testing and development;
// production deployments plug a database-backed implementation into the
// same interfaces.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps all engine state behind a single mutex. Claims are modelled
// exactly as the interface demands: a recipient claim carries a lease
// expiry, a schedule claim lasts until completed or released.
type Store struct {
	mu sync.Mutex

	campaigns  map[string]*models.Campaign
	schedules  map[string]*models.Schedule
	recipients map[string]*models.Recipient
	attempts   map[string]*models.Attempt

	// recipientKeys enforces (campaignID, normalized email) uniqueness.
	recipientKeys map[string]map[string]string

	// attemptsByPMID indexes attempts by provider message id.
	attemptsByPMID map[string]string

	// recipientClaims maps recipient id to lease expiry.
	recipientClaims map[string]time.Time

	// scheduleClaims maps schedule id to claim lease expiry.
	scheduleClaims map[string]time.Time

	// sendLog records send instants per campaign for the rolling window.
	sendLog map[string][]time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		campaigns:       make(map[string]*models.Campaign),
		schedules:       make(map[string]*models.Schedule),
		recipients:      make(map[string]*models.Recipient),
		attempts:        make(map[string]*models.Attempt),
		recipientKeys:   make(map[string]map[string]string),
		attemptsByPMID:  make(map[string]string),
		recipientClaims: make(map[string]time.Time),
		scheduleClaims:  make(map[string]time.Time),
		sendLog:         make(map[string][]time.Time),
	}
}

// Campaigns.

func (m *Store) CreateCampaign(_ context.Context, c *models.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

func (m *Store) GetCampaign(_ context.Context, id string) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCampaign(c), nil
}

func (m *Store) ListCampaignsByStatus(_ context.Context, status string) ([]*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Campaign, 0)
	for _, c := range m.campaigns {
		if c.Status == status && c.DeletedAt == nil {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) UpdateCampaignStatus(_ context.Context, id string, expect []string, to string, completedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	if !contains(expect, c.Status) {
		return store.ErrConflict
	}
	c.Status = to
	if completedAt != nil {
		t := *completedAt
		c.CompletedAt = &t
	}
	c.UpdatedAt = laterOf(c.UpdatedAt, completedAt)
	return nil
}

func (m *Store) ApplyCounterDelta(_ context.Context, id string, delta store.CounterDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return store.ErrNotFound
	}
	c.TotalRecipients += delta.TotalRecipients
	c.SentCount += delta.Sent
	c.DeliveredCount += delta.Delivered
	c.OpenedCount += delta.Opened
	c.ClickedCount += delta.Clicked
	c.BouncedCount += delta.Bounced
	c.UnsubscribedCount += delta.Unsubscribed
	c.ComplainedCount += delta.Complained
	c.FailedCount += delta.Failed
	return nil
}

// Schedules.

func (m *Store) CreateSchedule(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = cloneSchedule(s)
	return nil
}

func (m *Store) GetSchedule(_ context.Context, id string) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneSchedule(s), nil
}

func (m *Store) ClaimDueSchedules(_ context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := make([]*models.Schedule, 0)
	for _, s := range m.schedules {
		if s.Status != models.ScheduleStatusActive {
			continue
		}
		if s.NextRunAt == nil || s.NextRunAt.After(now) {
			continue
		}
		if expiry, claimed := m.scheduleClaims[s.ID]; claimed && expiry.After(now) {
			continue
		}
		due = append(due, s)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].NextRunAt.Equal(*due[j].NextRunAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextRunAt.Before(*due[j].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]*models.Schedule, 0, len(due))
	for _, s := range due {
		m.scheduleClaims[s.ID] = now.Add(lease)
		out = append(out, cloneSchedule(s))
	}
	return out, nil
}

func (m *Store) CompleteScheduleRun(_ context.Context, id string, lastRunAt time.Time, nextRunAt *time.Time, executionCount int, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	last := lastRunAt
	s.LastRunAt = &last
	if nextRunAt != nil {
		next := *nextRunAt
		s.NextRunAt = &next
	} else {
		s.NextRunAt = nil
	}
	s.ExecutionCount = executionCount
	s.Status = status
	s.UpdatedAt = lastRunAt
	delete(m.scheduleClaims, id)
	return nil
}

func (m *Store) ReleaseSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.scheduleClaims, id)
	return nil
}

func (m *Store) UpdateScheduleStatus(_ context.Context, id string, expect []string, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	if !contains(expect, s.Status) {
		return store.ErrConflict
	}
	s.Status = to
	return nil
}

// Recipients.

func (m *Store) InsertRecipients(_ context.Context, recipients []*models.Recipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := 0
	for _, r := range recipients {
		keys := m.recipientKeys[r.CampaignID]
		if keys == nil {
			keys = make(map[string]string)
			m.recipientKeys[r.CampaignID] = keys
		}
		email, err := models.NormalizeEmail(r.Email)
		if err != nil {
			return inserted, fmt.Errorf("insert recipient %s: %w", r.ID, err)
		}
		if _, exists := keys[email]; exists {
			continue
		}
		clone := cloneRecipient(r)
		clone.Email = email
		keys[email] = clone.ID
		m.recipients[clone.ID] = clone
		inserted++
	}
	return inserted, nil
}

func (m *Store) GetRecipient(_ context.Context, id string) (*models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneRecipient(r), nil
}

func (m *Store) UpdateRecipient(_ context.Context, r *models.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recipients[r.ID]; !ok {
		return store.ErrNotFound
	}
	m.recipients[r.ID] = cloneRecipient(r)
	// A status update resolves any outstanding claim.
	delete(m.recipientClaims, r.ID)
	return nil
}

func (m *Store) ListRecipients(_ context.Context, campaignID string) ([]*models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Recipient, 0)
	for _, r := range m.recipients {
		if r.CampaignID == campaignID {
			out = append(out, cloneRecipient(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Store) ClaimPending(_ context.Context, campaignID string, limit int, now time.Time, lease time.Duration) ([]*models.Recipient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}

	candidates := make([]*models.Recipient, 0)
	for _, r := range m.recipients {
		if r.CampaignID != campaignID || r.DeletedAt != nil {
			continue
		}
		if r.Status != models.RecipientStatusPending {
			continue
		}
		if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
			continue
		}
		if expiry, claimed := m.recipientClaims[r.ID]; claimed && expiry.After(now) {
			continue
		}
		candidates = append(candidates, r)
	}

	// FIFO by creation time so earlier recipients are never starved.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*models.Recipient, 0, len(candidates))
	for _, r := range candidates {
		m.recipientClaims[r.ID] = now.Add(lease)
		out = append(out, cloneRecipient(r))
	}
	return out, nil
}

func (m *Store) ReleaseClaim(_ context.Context, recipientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recipientClaims, recipientID)
	return nil
}

func (m *Store) CountDispatchable(_ context.Context, campaignID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.recipients {
		if r.CampaignID == campaignID && r.DeletedAt == nil && r.Status == models.RecipientStatusPending {
			n++
		}
	}
	return n, nil
}

// Attempts.

func (m *Store) CreateAttempt(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[a.ID] = cloneAttempt(a)
	if a.ProviderMessageID != "" {
		m.attemptsByPMID[a.ProviderMessageID] = a.ID
	}
	return nil
}

func (m *Store) GetAttempt(_ context.Context, id string) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAttempt(a), nil
}

func (m *Store) GetAttemptByProviderMessageID(_ context.Context, providerMessageID string) (*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.attemptsByPMID[providerMessageID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneAttempt(m.attempts[id]), nil
}

func (m *Store) UpdateAttempt(_ context.Context, a *models.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.attempts[a.ID]; !ok {
		return store.ErrNotFound
	}
	m.attempts[a.ID] = cloneAttempt(a)
	if a.ProviderMessageID != "" {
		m.attemptsByPMID[a.ProviderMessageID] = a.ID
	}
	return nil
}

func (m *Store) ListAttempts(_ context.Context, campaignID string) ([]*models.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Attempt, 0)
	for _, a := range m.attempts {
		if a.CampaignID == campaignID {
			out = append(out, cloneAttempt(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Rate window.

func (m *Store) ReserveSend(_ context.Context, campaignID string, at, since time.Time, ceiling int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ceiling > 0 && m.countSentSinceLocked(campaignID, since) >= ceiling {
		return store.ErrConflict
	}
	m.sendLog[campaignID] = append(m.sendLog[campaignID], at)
	return nil
}

func (m *Store) CountSentSince(_ context.Context, campaignID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countSentSinceLocked(campaignID, since), nil
}

func (m *Store) countSentSinceLocked(campaignID string, since time.Time) int {
	log := m.sendLog[campaignID]
	kept := log[:0]
	n := 0
	for _, at := range log {
		if at.After(since) {
			kept = append(kept, at)
			n++
		}
	}
	// Entries older than the window are never counted again; drop them.
	m.sendLog[campaignID] = kept
	return n
}

// Helpers.

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func laterOf(t time.Time, candidate *time.Time) time.Time {
	if candidate != nil && candidate.After(t) {
		return *candidate
	}
	return t
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	clone := *c
	clone.CompletedAt = cloneTime(c.CompletedAt)
	clone.DeletedAt = cloneTime(c.DeletedAt)
	return &clone
}

func cloneSchedule(s *models.Schedule) *models.Schedule {
	clone := *s
	clone.EndDate = cloneTime(s.EndDate)
	clone.NextRunAt = cloneTime(s.NextRunAt)
	clone.LastRunAt = cloneTime(s.LastRunAt)
	if s.MaxExecutions != nil {
		v := *s.MaxExecutions
		clone.MaxExecutions = &v
	}
	if s.Recurrence.Daily != nil {
		v := *s.Recurrence.Daily
		clone.Recurrence.Daily = &v
	}
	if s.Recurrence.Weekly != nil {
		v := *s.Recurrence.Weekly
		v.Weekdays = append([]time.Weekday(nil), s.Recurrence.Weekly.Weekdays...)
		clone.Recurrence.Weekly = &v
	}
	if s.Recurrence.Monthly != nil {
		v := *s.Recurrence.Monthly
		clone.Recurrence.Monthly = &v
	}
	if s.Recurrence.Custom != nil {
		v := *s.Recurrence.Custom
		clone.Recurrence.Custom = &v
	}
	return &clone
}

func cloneRecipient(r *models.Recipient) *models.Recipient {
	clone := *r
	clone.NextAttemptAt = cloneTime(r.NextAttemptAt)
	clone.DeletedAt = cloneTime(r.DeletedAt)
	if len(r.Variables) > 0 {
		clone.Variables = make(map[string]string, len(r.Variables))
		for k, v := range r.Variables {
			clone.Variables[k] = v
		}
	}
	return &clone
}

func cloneAttempt(a *models.Attempt) *models.Attempt {
	clone := *a
	clone.SentAt = cloneTime(a.SentAt)
	clone.DeliveredAt = cloneTime(a.DeliveredAt)
	clone.FirstOpenedAt = cloneTime(a.FirstOpenedAt)
	clone.FirstClickedAt = cloneTime(a.FirstClickedAt)
	clone.BouncedAt = cloneTime(a.BouncedAt)
	if len(a.Events) > 0 {
		clone.Events = make([]models.TrackingEvent, len(a.Events))
		copy(clone.Events, a.Events)
	}
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
