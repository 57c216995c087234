package models

import "time"

// Campaign status constants.
const (
	CampaignStatusDraft     = "draft"
	CampaignStatusScheduled = "scheduled"
	CampaignStatusSending   = "sending"
	CampaignStatusSent      = "sent"
	CampaignStatusPaused    = "paused"
	CampaignStatusCancelled = "cancelled"
	CampaignStatusFailed    = "failed"
)

// Campaign is a single email-marketing send definition. Counters are
// monotonic non-decreasing for the lifetime of the campaign; the engine is
// the only writer once the campaign leaves draft.
type Campaign struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TemplateID string `json:"template_id"`
	FromName   string `json:"from_name"`
	FromEmail  string `json:"from_email"`
	ReplyTo    string `json:"reply_to,omitempty"`
	Status     string `json:"status"`

	// Rate controls consulted by the dispatcher.
	BatchSize       int `json:"batch_size"`
	SendRatePerHour int `json:"send_rate_per_hour"`
	MaxRetries      int `json:"max_retries"`

	TrackOpens  bool `json:"track_opens"`
	TrackClicks bool `json:"track_clicks"`

	TotalRecipients   int `json:"total_recipients"`
	SentCount         int `json:"sent_count"`
	DeliveredCount    int `json:"delivered_count"`
	OpenedCount       int `json:"opened_count"`
	ClickedCount      int `json:"clicked_count"`
	BouncedCount      int `json:"bounced_count"`
	UnsubscribedCount int `json:"unsubscribed_count"`
	ComplainedCount   int `json:"complained_count"`
	FailedCount       int `json:"failed_count"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Dispatchable reports whether the dispatcher may select pending recipients
// for this campaign. Pausing or cancelling must stop new selections
// immediately, so this is checked at claim time.
func (c *Campaign) Dispatchable() bool {
	return c != nil && c.DeletedAt == nil && c.Status == CampaignStatusSending
}

// CounterSnapshot groups the funnel counters so the aggregator can compare
// incremental bookkeeping against a full recomputation.
type CounterSnapshot struct {
	TotalRecipients   int `json:"total_recipients"`
	SentCount         int `json:"sent_count"`
	DeliveredCount    int `json:"delivered_count"`
	OpenedCount       int `json:"opened_count"`
	ClickedCount      int `json:"clicked_count"`
	BouncedCount      int `json:"bounced_count"`
	UnsubscribedCount int `json:"unsubscribed_count"`
	ComplainedCount   int `json:"complained_count"`
	FailedCount       int `json:"failed_count"`
}

// Counters returns the campaign's current counter snapshot.
func (c *Campaign) Counters() CounterSnapshot {
	return CounterSnapshot{
		TotalRecipients:   c.TotalRecipients,
		SentCount:         c.SentCount,
		DeliveredCount:    c.DeliveredCount,
		OpenedCount:       c.OpenedCount,
		ClickedCount:      c.ClickedCount,
		BouncedCount:      c.BouncedCount,
		UnsubscribedCount: c.UnsubscribedCount,
		ComplainedCount:   c.ComplainedCount,
		FailedCount:       c.FailedCount,
	}
}
