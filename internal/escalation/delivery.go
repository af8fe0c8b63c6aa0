package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/accountalist/accountalist/internal/message"
	"github.com/accountalist/accountalist/internal/notify"
	"github.com/accountalist/accountalist/internal/storage"
)

// DeliveryStore is the read surface the delivery worker needs. All writes go
// through the state manager.
type DeliveryStore interface {
	DueEscalations(now time.Time) ([]storage.DueEscalation, error)
}

// Outcome records what happened to one escalation in a delivery run.
type Outcome struct {
	EscalationID string    `json:"escalationId"`
	Status       string    `json:"status"` // "sent", "cancelled", "retrying", "failed", "error"
	Reason       string    `json:"reason,omitempty"`
	ContactEmail string    `json:"contactEmail,omitempty"`
	MessageID    string    `json:"messageId,omitempty"`
	Level        int       `json:"level,omitempty"`
	TaskTitle    string    `json:"taskTitle,omitempty"`
	Error        string    `json:"error,omitempty"`
	WillRetry    bool      `json:"willRetry,omitempty"`
	NextRetryAt  time.Time `json:"nextRetryAt,omitzero"`
	RetryCount   int       `json:"retryCount,omitempty"`
}

// DeliverySummary is the result of one delivery run.
type DeliverySummary struct {
	Processed int         `json:"pendingEscalationsProcessed"`
	Delivered int         `json:"delivered"`
	Cancelled int         `json:"cancelled"`
	Failed    int         `json:"failed"`
	Retrying  int         `json:"retrying"`
	Outcomes  []Outcome   `json:"deliveryResults"`
	Errors    []ItemError `json:"errors,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Worker delivers due escalations. Notifier calls for separate records may
// run concurrently; each record is processed wholly inside one goroutine, so
// its state transitions stay serialized.
type Worker struct {
	store       DeliveryStore
	state       *Manager
	notifier    notify.Notifier
	messages    *message.Generator
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// NewWorker creates a delivery worker. If concurrency is <= 0, records are
// processed one at a time.
func NewWorker(store DeliveryStore, state *Manager, notifier notify.Notifier, messages *message.Generator, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		store:       store,
		state:       state,
		notifier:    notifier,
		messages:    messages,
		concurrency: concurrency,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// Run performs one delivery pass over every due pending or retrying
// escalation, in ascending scheduled_for order. A failure on one record
// never prevents progress on the rest.
func (w *Worker) Run(ctx context.Context) (DeliverySummary, error) {
	now := w.now()
	summary := DeliverySummary{Timestamp: now}

	due, err := w.store.DueEscalations(now)
	if err != nil {
		return summary, err
	}
	summary.Processed = len(due)
	w.logger.Info("delivery run", "due_escalations", len(due))

	outcomes := make([]Outcome, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.concurrency)
	for i, d := range due {
		g.Go(func() error {
			outcomes[i] = w.processOne(gctx, d)
			return nil
		})
	}
	// Worker goroutines never return errors; Wait only observes ctx.
	g.Wait()

	for _, o := range outcomes {
		summary.Outcomes = append(summary.Outcomes, o)
		switch o.Status {
		case "sent":
			summary.Delivered++
		case "cancelled":
			summary.Cancelled++
		case "retrying":
			summary.Retrying++
		case "failed":
			summary.Failed++
			summary.Errors = append(summary.Errors, ItemError{
				EscalationID: o.EscalationID,
				Error:        o.Error,
			})
		case "error":
			summary.Errors = append(summary.Errors, ItemError{
				EscalationID: o.EscalationID,
				Error:        o.Error,
			})
		}
	}

	w.logger.Info("delivery run complete",
		"delivered", summary.Delivered, "cancelled", summary.Cancelled,
		"retrying", summary.Retrying, "failed", summary.Failed)
	return summary, nil
}

// processOne handles a single due escalation. Panics and unexpected errors
// are converted into an unknown_error failure for this record only.
func (w *Worker) processOne(ctx context.Context, d storage.DueEscalation) (outcome Outcome) {
	id := d.Escalation.ID
	outcome = Outcome{EscalationID: id, Level: d.Policy.Level, TaskTitle: d.Task.Title}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic processing escalation", "escalation_id", id, "panic", r)
			outcome = w.failUnexpected(id, fmt.Sprintf("panic: %v", r))
		}
	}()

	// Task finished before delivery: cancel, never notify.
	if d.Task.Status == "completed" {
		meta := map[string]any{}
		if !d.Task.CompletedAt.IsZero() {
			meta["completed_at"] = d.Task.CompletedAt.UTC().Format(time.RFC3339)
		}
		if err := w.state.Cancel(id, string(ReasonTaskCompleted), meta); err != nil {
			return w.failUnexpected(id, err.Error())
		}
		outcome.Status = "cancelled"
		outcome.Reason = "task was completed before escalation could be delivered"
		return outcome
	}

	// Verification is mutable after policy creation, so re-check at delivery
	// time. Not retryable: a retry won't verify the contact.
	if !d.Contact.Verified {
		decision, err := w.state.HandleFailure(id, ReasonContactNotVerified,
			fmt.Sprintf("contact %s not verified at delivery time", d.Contact.ID))
		if err != nil {
			return w.failUnexpected(id, err.Error())
		}
		outcome.Status = "failed"
		outcome.Error = "contact not verified"
		outcome.RetryCount = decision.RetryCount
		return outcome
	}

	minutesOverdue := int(w.now().Sub(d.Task.DueAt).Minutes())
	msgCtx := message.Context{
		TaskTitle:      d.Task.Title,
		OwnerName:      ownerDisplayName(d.Owner),
		OwnerEmail:     d.Owner.Email,
		ContactName:    d.Contact.Name,
		Relationship:   relationshipOrDefault(d.Contact.Relationship),
		CustomMessage:  d.Escalation.MessageContent,
		DueDate:        d.Task.DueAt,
		OverdueMinutes: minutesOverdue,
	}
	content := w.messages.Generate(d.Policy.Level, msgCtx)

	receipt, err := w.notifier.Send(ctx, notify.Message{
		To:      d.Contact.Email,
		Subject: content.Subject,
		HTML:    message.BuildHTML(content, msgCtx),
		Tags: []notify.Tag{
			{Name: "type", Value: "escalation"},
			{Name: "level", Value: strconv.Itoa(d.Policy.Level)},
			{Name: "task_id", Value: d.Task.ID},
			{Name: "escalation_id", Value: id},
			{Name: "user_id", Value: d.Task.UserID},
		},
	})

	if err != nil {
		reason := ClassifyFailure(err.Error())
		decision, stateErr := w.state.HandleFailure(id, reason, err.Error())
		if stateErr != nil {
			return w.failUnexpected(id, stateErr.Error())
		}
		outcome.Error = err.Error()
		outcome.Reason = string(reason)
		outcome.RetryCount = decision.RetryCount
		if decision.WillRetry {
			outcome.Status = "retrying"
			outcome.WillRetry = true
			outcome.NextRetryAt = decision.NextRetryAt
		} else {
			outcome.Status = "failed"
		}
		return outcome
	}

	if err := w.state.MarkSent(id, SentReceipt{
		ProviderMessageID: receipt.ProviderMessageID,
		RawResponse:       receipt.RawResponse,
		SentAt:            w.now(),
	}); err != nil {
		return w.failUnexpected(id, err.Error())
	}

	w.logger.Info("delivered escalation", "escalation_id", id, "to", d.Contact.Email)
	outcome.Status = "sent"
	outcome.ContactEmail = d.Contact.Email
	outcome.MessageID = receipt.ProviderMessageID
	return outcome
}

// failUnexpected converts an unexpected per-record error into an
// unknown_error failure, keeping the batch alive. Invalid transitions are
// reported as-is: coercing them would hide an invariant violation.
func (w *Worker) failUnexpected(id, detail string) Outcome {
	outcome := Outcome{EscalationID: id, Status: "error", Error: detail}

	decision, err := w.state.HandleFailure(id, ReasonUnknown, detail)
	if err != nil {
		if IsInvalidTransition(err) {
			w.logger.Error("invalid transition while handling failure", "escalation_id", id, "error", err)
		} else {
			w.logger.Error("failed to record failure", "escalation_id", id, "error", err)
		}
		return outcome
	}

	outcome.Reason = string(ReasonUnknown)
	outcome.RetryCount = decision.RetryCount
	if decision.WillRetry {
		outcome.Status = "retrying"
		outcome.WillRetry = true
		outcome.NextRetryAt = decision.NextRetryAt
	} else {
		outcome.Status = "failed"
	}
	return outcome
}

func ownerDisplayName(u storage.User) string {
	if u.FullName != "" {
		return u.FullName
	}
	return u.Email
}

func relationshipOrDefault(r string) string {
	if r == "" {
		return "contact"
	}
	return r
}
