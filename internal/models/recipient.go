package models

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

// ErrInvalidEmail is returned when an email address cannot be parsed.
var ErrInvalidEmail = errors.New("invalid email address")

// Recipient status constants. The recipient mirrors the delivery funnel of
// its best attempt; terminal states are never left except by soft deletion.
const (
	RecipientStatusPending      = "pending"
	RecipientStatusSent         = "sent"
	RecipientStatusDelivered    = "delivered"
	RecipientStatusOpened       = "opened"
	RecipientStatusClicked      = "clicked"
	RecipientStatusBounced      = "bounced"
	RecipientStatusComplained   = "complained"
	RecipientStatusUnsubscribed = "unsubscribed"
	RecipientStatusSkipped      = "skipped"
	RecipientStatusFailed       = "failed"
)

// Recipient is one logical target address within a campaign. The natural
// key is (CampaignID, Email) with Email normalized; the store enforces
// uniqueness so a campaign never sends twice to the same address.
type Recipient struct {
	ID         string            `json:"id"`
	CampaignID string            `json:"campaign_id"`
	Email      string            `json:"email"`
	Name       string            `json:"name,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`

	Status        string     `json:"status"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Terminal reports whether the recipient reached a state from which no
// further automatic transition occurs.
func (r *Recipient) Terminal() bool {
	switch r.Status {
	case RecipientStatusBounced, RecipientStatusComplained,
		RecipientStatusUnsubscribed, RecipientStatusSkipped,
		RecipientStatusFailed:
		return true
	}
	return false
}

// Settled reports whether the recipient no longer needs dispatching: either
// a terminal failure state or any stage at or past sent.
func (r *Recipient) Settled() bool {
	return r.Status != RecipientStatusPending
}

// NormalizeEmail validates and canonicalises an address for deduplication.
// The returned value is lowercased and stripped of surrounding whitespace.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", fmt.Errorf("%w: value is empty", ErrInvalidEmail)
	}

	addr, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEmail, err)
	}

	// Disallow display names so the stored address is the bare mailbox.
	if addr.Name != "" || addr.Address == "" {
		return "", fmt.Errorf("%w: must not include display name", ErrInvalidEmail)
	}

	if addr.Address != trimmed {
		return "", fmt.Errorf("%w: unexpected formatting", ErrInvalidEmail)
	}

	return strings.ToLower(addr.Address), nil
}
