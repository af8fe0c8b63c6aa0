// Package escalation implements the escalation lifecycle: scheduling
// notifications for overdue tasks, delivering them with retry backoff, and
// folding asynchronous provider receipts into escalation records. The state
// manager is the sole authority for status transitions.
package escalation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/accountalist/accountalist/internal/storage"
)

// Status is the lifecycle state of an escalation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRetrying  Status = "retrying"
)

// Terminal reports whether no further transitions leave this status.
// A sent record can still be cancelled (rare manual override), so sent is
// not terminal.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusCancelled
}

// allowedTransitions is the full transition table. Anything absent here is
// an invariant violation, not a recoverable condition.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying:  {StatusSent, StatusFailed, StatusCancelled},
	StatusSent:      {StatusCancelled},
	StatusFailed:    {},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempted illegal status transition.
// These indicate a programming or data error, distinct from a delivery
// failure, and callers must not coerce them into business failures.
type InvalidTransitionError struct {
	EscalationID string
	From         Status
	To           Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("escalation %s: cannot transition from %s to %s", e.EscalationID, e.From, e.To)
}

// Retry policy. Delays run 5, 15, 45 minutes then the max-retries cap ends
// the cycle; 24h is a safety ceiling on the exponential.
const (
	MaxRetries       = 3
	BaseDelayMinutes = 5
	ExponentialBase  = 3
	MaxDelayHours    = 24
)

// RetryDelay returns the backoff delay for the given attempt number
// (1-based), capped at MaxDelayHours.
func RetryDelay(retryCount int) time.Duration {
	delayMinutes := BaseDelayMinutes
	for i := 1; i < retryCount; i++ {
		delayMinutes *= ExponentialBase
	}
	if max := MaxDelayHours * 60; delayMinutes > max {
		delayMinutes = max
	}
	return time.Duration(delayMinutes) * time.Minute
}

// StateStore is the persistence surface the state manager drives. All Mark*
// methods are optimistic check-and-set updates guarded by the expected
// current status; storage.ErrStaleStatus signals a concurrent writer won.
type StateStore interface {
	GetEscalation(id string) (storage.Escalation, error)
	MarkEscalationSent(id, fromStatus string, sentAt time.Time, providerMessageID, providerResponse string) error
	MarkEscalationRetrying(id, fromStatus string, retries int, reason, lastError string, nextRetryAt time.Time) error
	MarkEscalationFailed(id, fromStatus string, retries int, reason, lastError string, maxRetriesExceeded bool) error
	MarkEscalationCancelled(id, fromStatus, reason, detail string, at time.Time) error
}

// Manager enforces the transition table and owns the retry/backoff policy.
// It is the only component that moves escalations between statuses.
type Manager struct {
	store  StateStore
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(store StateStore) *Manager {
	return &Manager{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// SentReceipt carries the provider acknowledgment stored on a sent record.
type SentReceipt struct {
	ProviderMessageID string
	RawResponse       string
	SentAt            time.Time // zero means now
}

// MarkSent transitions an escalation to sent, stamping sent_at and the
// provider receipt.
func (m *Manager) MarkSent(id string, receipt SentReceipt) error {
	esc, err := m.store.GetEscalation(id)
	if err != nil {
		return fmt.Errorf("loading escalation %s: %w", id, err)
	}

	from := Status(esc.Status)
	if !CanTransition(from, StatusSent) {
		return &InvalidTransitionError{EscalationID: id, From: from, To: StatusSent}
	}

	sentAt := receipt.SentAt
	if sentAt.IsZero() {
		sentAt = m.now()
	}

	if err := m.store.MarkEscalationSent(id, esc.Status, sentAt, receipt.ProviderMessageID, receipt.RawResponse); err != nil {
		return fmt.Errorf("transitioning escalation %s to sent: %w", id, err)
	}

	m.logTransition(id, from, StatusSent, "provider_message_id", receipt.ProviderMessageID)
	return nil
}

// RetryDecision tells the caller what HandleFailure decided, for building
// run summaries and user-facing next-attempt estimates.
type RetryDecision struct {
	WillRetry          bool
	RetryCount         int
	NextRetryAt        time.Time
	Delay              time.Duration
	FinalFailure       bool
	MaxRetriesExceeded bool
}

// HandleFailure records a delivery failure and decides retry versus terminal
// failure. Retryable reasons backoff exponentially until MaxRetries is
// exhausted; non-retryable reasons fail immediately.
//
// A record already in retrying status that fails again is rescheduled in
// place: the status stays retrying and only the retry bookkeeping advances.
func (m *Manager) HandleFailure(id string, reason FailureReason, errDetail string) (RetryDecision, error) {
	esc, err := m.store.GetEscalation(id)
	if err != nil {
		return RetryDecision{}, fmt.Errorf("loading escalation %s: %w", id, err)
	}

	from := Status(esc.Status)
	newRetryCount := esc.Retries + 1

	if reason.Retryable() && newRetryCount <= MaxRetries {
		if from != StatusRetrying && !CanTransition(from, StatusRetrying) {
			return RetryDecision{}, &InvalidTransitionError{EscalationID: id, From: from, To: StatusRetrying}
		}

		delay := RetryDelay(newRetryCount)
		nextRetryAt := m.now().Add(delay)

		if err := m.store.MarkEscalationRetrying(id, esc.Status, newRetryCount, string(reason), errDetail, nextRetryAt); err != nil {
			return RetryDecision{}, fmt.Errorf("transitioning escalation %s to retrying: %w", id, err)
		}

		m.logTransition(id, from, StatusRetrying,
			"reason", string(reason), "retries", newRetryCount, "next_retry_at", nextRetryAt)
		return RetryDecision{
			WillRetry:   true,
			RetryCount:  newRetryCount,
			NextRetryAt: nextRetryAt,
			Delay:       delay,
		}, nil
	}

	if !CanTransition(from, StatusFailed) {
		return RetryDecision{}, &InvalidTransitionError{EscalationID: id, From: from, To: StatusFailed}
	}

	maxExceeded := newRetryCount > MaxRetries
	if err := m.store.MarkEscalationFailed(id, esc.Status, newRetryCount, string(reason), errDetail, maxExceeded); err != nil {
		return RetryDecision{}, fmt.Errorf("transitioning escalation %s to failed: %w", id, err)
	}

	m.logTransition(id, from, StatusFailed,
		"reason", string(reason), "retries", newRetryCount, "max_retries_exceeded", maxExceeded)
	return RetryDecision{
		RetryCount:         newRetryCount,
		FinalFailure:       true,
		MaxRetriesExceeded: maxExceeded,
	}, nil
}

// Cancel transitions an escalation to cancelled, recording the business
// reason and optional metadata. Used when the owning task completes before
// delivery.
func (m *Manager) Cancel(id, reason string, metadata map[string]any) error {
	esc, err := m.store.GetEscalation(id)
	if err != nil {
		return fmt.Errorf("loading escalation %s: %w", id, err)
	}

	from := Status(esc.Status)
	if !CanTransition(from, StatusCancelled) {
		return &InvalidTransitionError{EscalationID: id, From: from, To: StatusCancelled}
	}

	detail := ""
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("marshalling cancel metadata for escalation %s: %w", id, err)
		}
		detail = string(b)
	}

	if err := m.store.MarkEscalationCancelled(id, esc.Status, reason, detail, m.now()); err != nil {
		return fmt.Errorf("transitioning escalation %s to cancelled: %w", id, err)
	}

	m.logTransition(id, from, StatusCancelled, "reason", reason)
	return nil
}

// logTransition emits the structured transition record every status change
// carries.
func (m *Manager) logTransition(id string, from, to Status, attrs ...any) {
	args := append([]any{
		"escalation_id", id,
		"from", string(from),
		"to", string(to),
		"at", m.now().UTC(),
	}, attrs...)
	m.logger.Info("escalation transition", args...)
}

// IsInvalidTransition reports whether err is a transition-table violation.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
