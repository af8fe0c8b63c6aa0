package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accountalist/accountalist/internal/storage"
)

// EventType is a provider delivery event kind, normalized from the webhook
// payload's "email.X" form.
type EventType string

const (
	EventSent       EventType = "sent"
	EventDelivered  EventType = "delivered"
	EventBounced    EventType = "bounced"
	EventComplained EventType = "complained"
	EventOpened     EventType = "opened"
	EventClicked    EventType = "clicked"
)

// Event is one provider notification about a previously sent escalation.
type Event struct {
	Type            EventType
	EscalationID    string
	Timestamp       time.Time
	EmailID         string
	Recipient       string
	Subject         string
	Reason          string
	ProviderPayload json.RawMessage
}

// ReceiptStore is the storage surface the ingestor writes through.
type ReceiptStore interface {
	GetEscalation(id string) (storage.Escalation, error)
	AppendReceipt(r storage.ReceiptEvent) error
	ConfirmDelivery(id string, at time.Time) error
	ContactIDForEscalation(id string) (string, error)
	FlagContactComplaint(contactID string, at time.Time, note string) error
}

// Ingestor applies provider delivery events to escalation records. Every
// event is appended to the receipt log; only a subset also moves state.
type Ingestor struct {
	store  ReceiptStore
	state  *Manager
	logger *slog.Logger
}

func NewIngestor(store ReceiptStore, state *Manager) *Ingestor {
	return &Ingestor{store: store, state: state, logger: slog.Default()}
}

// Process records the event and applies its side effects. Events arriving
// after the escalation reached a terminal state are logged and kept in the
// receipt history, but never rewrite the terminal status.
func (in *Ingestor) Process(ev Event) error {
	esc, err := in.store.GetEscalation(ev.EscalationID)
	if err != nil {
		return fmt.Errorf("load escalation %s: %w", ev.EscalationID, err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if err := in.store.AppendReceipt(storage.ReceiptEvent{
		EscalationID:    ev.EscalationID,
		EventType:       string(ev.Type),
		OccurredAt:      ts,
		ProviderPayload: string(ev.ProviderPayload),
	}); err != nil {
		return fmt.Errorf("append receipt: %w", err)
	}

	switch ev.Type {
	case EventSent:
		return in.handleSent(esc, ev, ts)
	case EventDelivered:
		if err := in.store.ConfirmDelivery(ev.EscalationID, ts); err != nil {
			return fmt.Errorf("confirm delivery: %w", err)
		}
		in.logger.Info("delivery confirmed", "escalation_id", ev.EscalationID)
		return nil
	case EventBounced:
		return in.handleBounce(ev)
	case EventComplained:
		return in.handleComplaint(ev, ts)
	case EventOpened, EventClicked:
		// Engagement events carry no state change, only history.
		return nil
	default:
		in.logger.Warn("unhandled receipt event type", "type", ev.Type, "escalation_id", ev.EscalationID)
		return nil
	}
}

// handleSent covers the case where the provider's sent event arrives while
// the record is still pending or retrying, which happens when the webhook
// beats the delivery worker's own MarkSent write.
func (in *Ingestor) handleSent(esc storage.Escalation, ev Event, ts time.Time) error {
	status := Status(esc.Status)
	if status != StatusPending && status != StatusRetrying {
		return nil
	}
	err := in.state.MarkSent(ev.EscalationID, SentReceipt{
		ProviderMessageID: ev.EmailID,
		RawResponse:       string(ev.ProviderPayload),
		SentAt:            ts,
	})
	if err != nil && (IsInvalidTransition(err) || errors.Is(err, storage.ErrStaleStatus)) {
		// Lost the race with the worker; its receipt wins.
		in.logger.Debug("sent event raced with delivery worker", "escalation_id", ev.EscalationID)
		return nil
	}
	return err
}

// handleBounce records a hard delivery failure. Bounces are classified as
// email_invalid, which is not retryable: the address will not fix itself.
func (in *Ingestor) handleBounce(ev Event) error {
	detail := ev.Reason
	if detail == "" {
		detail = fmt.Sprintf("email to %s bounced", ev.Recipient)
	}
	_, err := in.state.HandleFailure(ev.EscalationID, ReasonEmailInvalid, detail)
	if err != nil {
		if IsInvalidTransition(err) || errors.Is(err, storage.ErrStaleStatus) {
			// Bounce for an already-terminal record. History keeps the event.
			in.logger.Warn("bounce event for settled escalation", "escalation_id", ev.EscalationID)
			return nil
		}
		return fmt.Errorf("handle bounce: %w", err)
	}
	in.logger.Info("bounce recorded", "escalation_id", ev.EscalationID, "recipient", ev.Recipient)
	return nil
}

// handleComplaint flags the contact so future policies can avoid them. The
// escalation itself stays in its current state: the mail was delivered.
func (in *Ingestor) handleComplaint(ev Event, ts time.Time) error {
	contactID, err := in.store.ContactIDForEscalation(ev.EscalationID)
	if err != nil {
		return fmt.Errorf("resolve contact: %w", err)
	}
	note := fmt.Sprintf("spam complaint via provider webhook for escalation %s", ev.EscalationID)
	if err := in.store.FlagContactComplaint(contactID, ts, note); err != nil {
		return fmt.Errorf("flag complaint: %w", err)
	}
	in.logger.Warn("spam complaint recorded", "escalation_id", ev.EscalationID, "contact_id", contactID)
	return nil
}
