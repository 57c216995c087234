package models

import "time"

// Attempt status constants. queued -> sent -> delivered -> opened -> clicked
// is the forward funnel; bounced, complained and failed are terminal failure
// states reachable once the attempt has been handed to the provider.
const (
	AttemptStatusQueued     = "queued"
	AttemptStatusSent       = "sent"
	AttemptStatusDelivered  = "delivered"
	AttemptStatusOpened     = "opened"
	AttemptStatusClicked    = "clicked"
	AttemptStatusBounced    = "bounced"
	AttemptStatusComplained = "complained"
	AttemptStatusFailed     = "failed"
)

// Tracking event types delivered by the provider callback stream.
const (
	EventDelivered    = "delivered"
	EventOpened       = "opened"
	EventClicked      = "clicked"
	EventBounced      = "bounced"
	EventComplained   = "complained"
	EventUnsubscribed = "unsubscribed"
)

// TrackingEvent is a single inbound engagement or delivery notification.
// Events are appended to the attempt log in arrival order regardless of
// whether they change status.
type TrackingEvent struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Attempt records one physical send try for a recipient. A retried
// recipient accumulates multiple attempts; the recipient status reflects
// the best outcome across them.
type Attempt struct {
	ID                string `json:"id"`
	RecipientID       string `json:"recipient_id"`
	CampaignID        string `json:"campaign_id"`
	ProviderMessageID string `json:"provider_message_id,omitempty"`

	Status string `json:"status"`

	SentAt         *time.Time `json:"sent_at,omitempty"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
	FirstOpenedAt  *time.Time `json:"first_opened_at,omitempty"`
	FirstClickedAt *time.Time `json:"first_clicked_at,omitempty"`
	BouncedAt      *time.Time `json:"bounced_at,omitempty"`

	OpenCount  int `json:"open_count"`
	ClickCount int `json:"click_count"`

	Events    []TrackingEvent `json:"events,omitempty"`
	LastError string          `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// funnelRank orders the forward funnel; failure states rank above every
// forward stage so a late tracking event can never regress them.
var funnelRank = map[string]int{
	AttemptStatusQueued:     0,
	AttemptStatusSent:       1,
	AttemptStatusDelivered:  2,
	AttemptStatusOpened:     3,
	AttemptStatusClicked:    4,
	AttemptStatusFailed:     5,
	AttemptStatusBounced:    5,
	AttemptStatusComplained: 5,
}

// FunnelRank returns the ordering rank for an attempt or recipient funnel
// status. Unknown statuses rank lowest.
func FunnelRank(status string) int {
	if r, ok := funnelRank[status]; ok {
		return r
	}
	return -1
}

// TerminalFailure reports whether the status is one of the terminal failure
// states.
func TerminalFailure(status string) bool {
	switch status {
	case AttemptStatusBounced, AttemptStatusComplained, AttemptStatusFailed:
		return true
	}
	return false
}
