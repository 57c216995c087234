package sender

import (
	"context"
	"time"
)

// Message is the canonical outbound payload handed to a Sender. The engine
// does not render templates; RenderedSubject and RenderedBody arrive from
// the template provider already substituted.
type Message struct {
	AttemptID       string
	CampaignID      string
	RecipientID     string
	To              string
	FromName        string
	FromEmail       string
	ReplyTo         string
	RenderedSubject string
	RenderedBody    string
	Meta            map[string]string
}

// Receipt is the provider acknowledgement for an accepted message.
type Receipt struct {
	ProviderMessageID string
	AcceptedAt        time.Time
}

// Sender is the delivery boundary. Implementations must classify failures
// with WrapTransient/WrapPermanent so the dispatcher can decide between
// retry and terminal failure.
type Sender interface {
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// TemplateProvider renders subject and body for a recipient. Opaque to the
// engine; injected so dispatch logic is testable with fakes.
type TemplateProvider interface {
	Render(ctx context.Context, campaignID, templateID string, vars map[string]string) (subject, body string, err error)
}

// AudienceProvider resolves a campaign's audience definition into candidate
// addresses. Segmentation rules are opaque to the engine.
type AudienceProvider interface {
	Resolve(ctx context.Context, campaignID string) ([]Candidate, error)
}

// Candidate is one address produced by audience resolution, before
// normalization and deduplication.
type Candidate struct {
	Email     string
	Name      string
	Variables map[string]string
}
