package models

import "time"

// Status event types emitted for attempt lifecycle observers.
const (
	StatusEventQueued       = "queued"
	StatusEventSent         = "sent"
	StatusEventFailed       = "failed"
	StatusEventRetryPending = "retry_pending"
	StatusEventDelivered    = "delivered"
	StatusEventOpened       = "opened"
	StatusEventClicked      = "clicked"
	StatusEventBounced      = "bounced"
	StatusEventComplained   = "complained"
	StatusEventUnsubscribed = "unsubscribed"
)

// StatusEvent represents a lifecycle update emitted for a send attempt.
// Observers such as the Kafka status publisher consume these; the engine
// itself does not depend on them being delivered.
type StatusEvent struct {
	CampaignID        string    `json:"campaign_id"`
	RecipientID       string    `json:"recipient_id"`
	AttemptID         string    `json:"attempt_id"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	EventType         string    `json:"event_type"`
	RetryCount        int       `json:"retry_count,omitempty"`
	Error             string    `json:"error,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
