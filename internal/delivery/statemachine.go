// Package delivery implements the per-attempt delivery and engagement state
// machine. Status only ever advances forward through the funnel
// (queued -> sent -> delivered -> opened -> clicked); terminal failure
// states are reachable once the attempt has been handed to the provider.
// Every inbound event is appended to the attempt's ordered log whether or
// not it changes status, and replaying an event never double-sets
// first-stage timestamps.
package delivery

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/campaign-engine/internal/models"
	"github.com/example/campaign-engine/internal/sender"
	"github.com/example/campaign-engine/internal/store"
)

// Outcome reports what a transition changed so callers can persist the
// touched entities and roll campaign counters forward.
type Outcome struct {
	// Delta holds campaign counter increments produced by the transition.
	Delta store.CounterDelta
	// AttemptChanged and RecipientChanged mark which entities need saving.
	AttemptChanged   bool
	RecipientChanged bool
}

func (o Outcome) merge(other Outcome) Outcome {
	o.Delta.Sent += other.Delta.Sent
	o.Delta.Delivered += other.Delta.Delivered
	o.Delta.Opened += other.Delta.Opened
	o.Delta.Clicked += other.Delta.Clicked
	o.Delta.Bounced += other.Delta.Bounced
	o.Delta.Unsubscribed += other.Delta.Unsubscribed
	o.Delta.Complained += other.Delta.Complained
	o.Delta.Failed += other.Delta.Failed
	o.AttemptChanged = o.AttemptChanged || other.AttemptChanged
	o.RecipientChanged = o.RecipientChanged || other.RecipientChanged
	return o
}

// Machine applies state transitions to attempts and mirrors them coarsely
// onto recipients.
type Machine struct {
	logger zerolog.Logger
	now    func() time.Time
}

// NewMachine constructs a Machine. A zero logger becomes a no-op logger and
// a nil clock defaults to time.Now.
func NewMachine(logger zerolog.Logger, now func() time.Time) *Machine {
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	if now == nil {
		now = time.Now
	}
	return &Machine{
		logger: logger.With().Str("component", "delivery_state").Logger(),
		now:    now,
	}
}

// MarkSent records a provider accept: queued -> sent on the attempt, the
// recipient mirrors forward, and the campaign sent counter increments.
func (m *Machine) MarkSent(attempt *models.Attempt, recipient *models.Recipient, receipt *sender.Receipt, at time.Time) Outcome {
	out := Outcome{AttemptChanged: true}

	attempt.Status = models.AttemptStatusSent
	sentAt := at
	attempt.SentAt = &sentAt
	attempt.UpdatedAt = at
	if receipt != nil {
		attempt.ProviderMessageID = receipt.ProviderMessageID
	}
	out.Delta.Sent = 1

	if advanceRecipient(recipient, models.RecipientStatusSent, at) {
		out.RecipientChanged = true
	}
	return out
}

// MarkSendFailure records a provider reject: queued -> failed-kind terminal
// state on the attempt. When retryable is true the recipient stays pending
// so the dispatcher can select it again after its cool-down; otherwise the
// recipient adopts the failure's terminal state.
func (m *Machine) MarkSendFailure(attempt *models.Attempt, recipient *models.Recipient, kind sender.FailureKind, sendErr error, retryable bool, at time.Time) Outcome {
	out := Outcome{AttemptChanged: true}

	attempt.Status = sender.TerminalStatus(kind)
	if attempt.Status == models.AttemptStatusBounced {
		bouncedAt := at
		attempt.BouncedAt = &bouncedAt
	}
	if sendErr != nil {
		attempt.LastError = sendErr.Error()
	}
	attempt.UpdatedAt = at

	if retryable {
		return out
	}

	switch kind {
	case sender.FailureHardBounce:
		out.Delta.Bounced = 1
	case sender.FailureComplaint:
		out.Delta.Complained = 1
	}

	out = out.merge(m.failRecipient(recipient, attempt.Status, attempt.LastError, at))
	return out
}

// ApplyEvent ingests one inbound tracking event. Ingestion is idempotent
// for first-stage timestamps and never regresses status; open and click
// counts increment per event because each replayed event is a distinct
// physical interaction.
func (m *Machine) ApplyEvent(attempt *models.Attempt, recipient *models.Recipient, event models.TrackingEvent) Outcome {
	out := Outcome{AttemptChanged: true}

	// Full audit history: the log records every event, including ones that
	// arrive late or out of order.
	attempt.Events = append(attempt.Events, event)
	attempt.UpdatedAt = m.now()

	at := event.Timestamp
	if at.IsZero() {
		at = m.now()
	}

	switch event.Type {
	case models.EventDelivered:
		if attempt.DeliveredAt == nil {
			deliveredAt := at
			attempt.DeliveredAt = &deliveredAt
			out.Delta.Delivered = 1
		}
		out = out.merge(m.advance(attempt, recipient, models.AttemptStatusDelivered, at))

	case models.EventOpened:
		attempt.OpenCount++
		out.Delta.Opened = 1
		if attempt.FirstOpenedAt == nil {
			openedAt := at
			attempt.FirstOpenedAt = &openedAt
		}
		out = out.merge(m.advance(attempt, recipient, models.AttemptStatusOpened, at))

	case models.EventClicked:
		attempt.ClickCount++
		out.Delta.Clicked = 1
		if attempt.FirstClickedAt == nil {
			clickedAt := at
			attempt.FirstClickedAt = &clickedAt
		}
		out = out.merge(m.advance(attempt, recipient, models.AttemptStatusClicked, at))

	case models.EventBounced:
		if !models.TerminalFailure(attempt.Status) {
			attempt.Status = models.AttemptStatusBounced
			bouncedAt := at
			attempt.BouncedAt = &bouncedAt
			out.Delta.Bounced = 1
			out = out.merge(m.failRecipient(recipient, models.RecipientStatusBounced, "bounced", at))
		}

	case models.EventComplained:
		if !models.TerminalFailure(attempt.Status) {
			attempt.Status = models.AttemptStatusComplained
			out.Delta.Complained = 1
			out = out.merge(m.failRecipient(recipient, models.RecipientStatusComplained, "spam complaint", at))
		}

	case models.EventUnsubscribed:
		// Unsubscribes are recipient-scoped; the attempt keeps its funnel
		// position and only the log records the event.
		if recipient != nil && !recipient.Terminal() {
			recipient.Status = models.RecipientStatusUnsubscribed
			recipient.UpdatedAt = at
			out.Delta.Unsubscribed = 1
			out.RecipientChanged = true
		}

	default:
		m.logger.Warn().
			Str("attempt_id", attempt.ID).
			Str("event_type", event.Type).
			Msg("ignoring unknown tracking event type")
	}

	return out
}

// advance moves the attempt forward in the funnel when target outranks the
// current status. A late event for an earlier stage leaves status alone.
func (m *Machine) advance(attempt *models.Attempt, recipient *models.Recipient, target string, at time.Time) Outcome {
	var out Outcome
	if models.FunnelRank(target) > models.FunnelRank(attempt.Status) && !models.TerminalFailure(attempt.Status) {
		attempt.Status = target
		out.AttemptChanged = true
	}
	if advanceRecipient(recipient, target, at) {
		out.RecipientChanged = true
	}
	return out
}

// failRecipient mirrors a terminal failure onto the recipient. The
// recipient keeps its status when it already shows a better outcome:
// evidence of delivery or engagement from any attempt outranks a failure
// report.
func (m *Machine) failRecipient(recipient *models.Recipient, status, reason string, at time.Time) Outcome {
	var out Outcome
	if recipient == nil || recipient.Terminal() {
		return out
	}
	switch recipient.Status {
	case models.RecipientStatusPending, models.RecipientStatusSent:
		recipient.Status = status
		recipient.LastError = reason
		recipient.UpdatedAt = at
		out.RecipientChanged = true
		if status == models.RecipientStatusFailed {
			out.Delta.Failed = 1
		}
	}
	return out
}

// advanceRecipient mirrors a forward funnel stage onto the recipient. The
// recipient reflects the best outcome across its attempts, so only a
// strictly higher rank advances it and terminal states are never left.
func advanceRecipient(recipient *models.Recipient, target string, at time.Time) bool {
	if recipient == nil || recipient.Terminal() {
		return false
	}
	if models.FunnelRank(target) > models.FunnelRank(recipient.Status) {
		recipient.Status = target
		recipient.UpdatedAt = at
		return true
	}
	return false
}
