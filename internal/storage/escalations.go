package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var escalationColumnList = []string{
	"id", "policy_id", "status", "scheduled_for", "message_content",
	"sent_at", "provider_message_id", "provider_response", "delivery_confirmed",
	"retries", "failure_reason", "last_error", "next_retry_at", "final_failure", "max_retries_exceeded",
	"cancel_reason", "cancel_detail", "cancelled_at", "created_at", "updated_at",
}

// escalationColumns returns the escalation column list, each column prefixed
// with the given table alias (empty for unqualified).
func escalationColumns(alias string) string {
	if alias == "" {
		return strings.Join(escalationColumnList, ", ")
	}
	cols := make([]string, len(escalationColumnList))
	for i, c := range escalationColumnList {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}

// CreateEscalation inserts a new escalation row. The UNIQUE constraint on
// policy_id is the idempotency guard: a second insert for the same policy,
// including one racing from a concurrent scheduler run, returns
// ErrDuplicateEscalation.
func (s *Store) CreateEscalation(e Escalation) error {
	now := time.Now().UTC()
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	status := e.Status
	if status == "" {
		status = "pending"
	}
	_, err := s.db.Exec(`
		INSERT INTO escalations (id, policy_id, status, scheduled_for, message_content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.PolicyID, status, formatTime(e.ScheduledFor), e.MessageContent,
		formatTime(createdAt), formatTime(now),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: escalations.policy_id") {
		return ErrDuplicateEscalation
	}
	return err
}

// HasEscalationForPolicy reports whether any escalation row exists for the
// policy, regardless of status.
func (s *Store) HasEscalationForPolicy(policyID string) (bool, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE policy_id = ?`, policyID).Scan(&count)
	return count > 0, err
}

func (s *Store) GetEscalation(id string) (Escalation, error) {
	row := s.db.QueryRow(`SELECT `+escalationColumns("")+` FROM escalations WHERE id = ?`, id)
	e, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return Escalation{}, ErrNotFound
	}
	return e, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (Escalation, error) {
	var e Escalation
	var scheduledFor, createdAt, updatedAt string
	var sentAt, nextRetryAt, cancelledAt sql.NullString
	var deliveryConfirmed, finalFailure, maxExceeded int

	err := row.Scan(
		&e.ID, &e.PolicyID, &e.Status, &scheduledFor, &e.MessageContent,
		&sentAt, &e.ProviderMessageID, &e.ProviderResponse, &deliveryConfirmed,
		&e.Retries, &e.FailureReason, &e.LastError, &nextRetryAt, &finalFailure, &maxExceeded,
		&e.CancelReason, &e.CancelDetail, &cancelledAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return Escalation{}, err
	}

	e.DeliveryConfirmed = deliveryConfirmed != 0
	e.FinalFailure = finalFailure != 0
	e.MaxRetriesExceeded = maxExceeded != 0

	if e.ScheduledFor, err = parseTime(scheduledFor); err != nil {
		return Escalation{}, fmt.Errorf("parsing scheduled_for for escalation %s: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return Escalation{}, fmt.Errorf("parsing created_at for escalation %s: %w", e.ID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Escalation{}, fmt.Errorf("parsing updated_at for escalation %s: %w", e.ID, err)
	}
	if e.SentAt, err = parseNullTime(sentAt); err != nil {
		return Escalation{}, fmt.Errorf("parsing sent_at for escalation %s: %w", e.ID, err)
	}
	if e.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
		return Escalation{}, fmt.Errorf("parsing next_retry_at for escalation %s: %w", e.ID, err)
	}
	if e.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return Escalation{}, fmt.Errorf("parsing cancelled_at for escalation %s: %w", e.ID, err)
	}
	return e, nil
}

// DueEscalations returns escalations in pending or retrying status whose
// scheduled time has passed, joined with policy, contact, task, and owner,
// ordered by scheduled_for ascending.
func (s *Store) DueEscalations(now time.Time) ([]DueEscalation, error) {
	rows, err := s.db.Query(`
		SELECT `+escalationColumns("e")+`,
		       p.id, p.task_id, p.level, p.minutes_after_due, p.contact_id, p.message_template,
		       c.id, c.user_id, c.name, c.email, c.relationship, c.verified,
		       t.id, t.user_id, t.title, t.description, t.due_at, t.priority, t.status, t.completed_at, t.created_at,
		       u.email, u.full_name
		FROM escalations e
		JOIN escalation_policies p ON p.id = e.policy_id
		JOIN contacts c ON c.id = p.contact_id
		JOIN tasks t ON t.id = p.task_id
		JOIN users u ON u.id = t.user_id
		WHERE e.status IN ('pending', 'retrying') AND e.scheduled_for <= ?
		ORDER BY e.scheduled_for ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due escalations: %w", err)
	}
	defer rows.Close()

	var results []DueEscalation
	for rows.Next() {
		var d DueEscalation
		var e Escalation
		var scheduledFor, createdAt, updatedAt string
		var sentAt, nextRetryAt, cancelledAt sql.NullString
		var deliveryConfirmed, finalFailure, maxExceeded, verified int
		var taskDueAt, taskCreatedAt string
		var taskCompletedAt sql.NullString

		if err := rows.Scan(
			&e.ID, &e.PolicyID, &e.Status, &scheduledFor, &e.MessageContent,
			&sentAt, &e.ProviderMessageID, &e.ProviderResponse, &deliveryConfirmed,
			&e.Retries, &e.FailureReason, &e.LastError, &nextRetryAt, &finalFailure, &maxExceeded,
			&e.CancelReason, &e.CancelDetail, &cancelledAt, &createdAt, &updatedAt,
			&d.Policy.ID, &d.Policy.TaskID, &d.Policy.Level, &d.Policy.MinutesAfterDue, &d.Policy.ContactID, &d.Policy.MessageTemplate,
			&d.Contact.ID, &d.Contact.UserID, &d.Contact.Name, &d.Contact.Email, &d.Contact.Relationship, &verified,
			&d.Task.ID, &d.Task.UserID, &d.Task.Title, &d.Task.Description, &taskDueAt, &d.Task.Priority, &d.Task.Status, &taskCompletedAt, &taskCreatedAt,
			&d.Owner.Email, &d.Owner.FullName,
		); err != nil {
			return nil, fmt.Errorf("scanning due escalation row: %w", err)
		}

		e.DeliveryConfirmed = deliveryConfirmed != 0
		e.FinalFailure = finalFailure != 0
		e.MaxRetriesExceeded = maxExceeded != 0
		if e.ScheduledFor, err = parseTime(scheduledFor); err != nil {
			return nil, fmt.Errorf("parsing scheduled_for for escalation %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for escalation %s: %w", e.ID, err)
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at for escalation %s: %w", e.ID, err)
		}
		if e.SentAt, err = parseNullTime(sentAt); err != nil {
			return nil, fmt.Errorf("parsing sent_at for escalation %s: %w", e.ID, err)
		}
		if e.NextRetryAt, err = parseNullTime(nextRetryAt); err != nil {
			return nil, fmt.Errorf("parsing next_retry_at for escalation %s: %w", e.ID, err)
		}
		if e.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
			return nil, fmt.Errorf("parsing cancelled_at for escalation %s: %w", e.ID, err)
		}
		if d.Task.DueAt, err = parseTime(taskDueAt); err != nil {
			return nil, fmt.Errorf("parsing due_at for task %s: %w", d.Task.ID, err)
		}
		if d.Task.CreatedAt, err = parseTime(taskCreatedAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for task %s: %w", d.Task.ID, err)
		}
		if d.Task.CompletedAt, err = parseNullTime(taskCompletedAt); err != nil {
			return nil, fmt.Errorf("parsing completed_at for task %s: %w", d.Task.ID, err)
		}
		d.Contact.Verified = verified != 0
		d.Owner.ID = d.Task.UserID
		d.Escalation = e
		results = append(results, d)
	}
	return results, rows.Err()
}

// checkUpdated converts a zero-row UPDATE into ErrNotFound or ErrStaleStatus
// depending on whether the row exists at all.
func (s *Store) checkUpdated(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM escalations WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleStatus
}

// MarkEscalationSent transitions an escalation to sent, guarded by the
// expected current status (optimistic check-and-set).
func (s *Store) MarkEscalationSent(id, fromStatus string, sentAt time.Time, providerMessageID, providerResponse string) error {
	res, err := s.db.Exec(`
		UPDATE escalations
		SET status = 'sent', sent_at = ?, provider_message_id = ?, provider_response = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		formatTime(sentAt), providerMessageID, providerResponse, formatTime(time.Now()),
		id, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("marking escalation %s sent: %w", id, err)
	}
	return s.checkUpdated(res, id)
}

// MarkEscalationRetrying transitions an escalation to retrying and
// reschedules it for the next retry time.
func (s *Store) MarkEscalationRetrying(id, fromStatus string, retries int, reason, lastError string, nextRetryAt time.Time) error {
	res, err := s.db.Exec(`
		UPDATE escalations
		SET status = 'retrying', scheduled_for = ?, retries = ?, failure_reason = ?, last_error = ?, next_retry_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		formatTime(nextRetryAt), retries, reason, lastError, formatTime(nextRetryAt), formatTime(time.Now()),
		id, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("marking escalation %s retrying: %w", id, err)
	}
	return s.checkUpdated(res, id)
}

// MarkEscalationFailed transitions an escalation to its terminal failed state.
func (s *Store) MarkEscalationFailed(id, fromStatus string, retries int, reason, lastError string, maxRetriesExceeded bool) error {
	res, err := s.db.Exec(`
		UPDATE escalations
		SET status = 'failed', retries = ?, failure_reason = ?, last_error = ?, final_failure = 1, max_retries_exceeded = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		retries, reason, lastError, boolInt(maxRetriesExceeded), formatTime(time.Now()),
		id, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("marking escalation %s failed: %w", id, err)
	}
	return s.checkUpdated(res, id)
}

// MarkEscalationCancelled transitions an escalation to its terminal cancelled
// state, recording the business reason and optional JSON metadata.
func (s *Store) MarkEscalationCancelled(id, fromStatus, reason, detail string, at time.Time) error {
	res, err := s.db.Exec(`
		UPDATE escalations
		SET status = 'cancelled', cancel_reason = ?, cancel_detail = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		reason, detail, formatTime(at), formatTime(time.Now()),
		id, fromStatus,
	)
	if err != nil {
		return fmt.Errorf("marking escalation %s cancelled: %w", id, err)
	}
	return s.checkUpdated(res, id)
}

// ConfirmDelivery flags a sent escalation as provider-confirmed. Not a status
// transition; delivered webhooks land here.
func (s *Store) ConfirmDelivery(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE escalations SET delivery_confirmed = 1, updated_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return fmt.Errorf("confirming delivery for escalation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendReceipt records one provider event for an escalation. A missing ID
// is generated.
func (s *Store) AppendReceipt(r ReceiptEvent) error {
	id := r.ID
	if id == "" {
		id = uuid.New().String()
	}
	provider := r.Provider
	if provider == "" {
		provider = "resend"
	}
	payload := r.ProviderPayload
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO escalation_receipts (id, escalation_id, event_type, occurred_at, provider, provider_payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, r.EscalationID, r.EventType, formatTime(r.OccurredAt), provider, payload,
	)
	return err
}

// ReceiptsForEscalation returns all recorded provider events for an
// escalation in occurrence order.
func (s *Store) ReceiptsForEscalation(escalationID string) ([]ReceiptEvent, error) {
	rows, err := s.db.Query(`
		SELECT id, escalation_id, event_type, occurred_at, provider, provider_payload
		FROM escalation_receipts WHERE escalation_id = ? ORDER BY occurred_at ASC`,
		escalationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []ReceiptEvent
	for rows.Next() {
		var r ReceiptEvent
		var occurredAt string
		if err := rows.Scan(&r.ID, &r.EscalationID, &r.EventType, &occurredAt, &r.Provider, &r.ProviderPayload); err != nil {
			return nil, err
		}
		if r.OccurredAt, err = parseTime(occurredAt); err != nil {
			return nil, fmt.Errorf("parsing occurred_at for receipt %s: %w", r.ID, err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// ContactIDForEscalation resolves the contact behind an escalation's policy.
// Used by complaint handling.
func (s *Store) ContactIDForEscalation(escalationID string) (string, error) {
	var contactID string
	err := s.db.QueryRow(`
		SELECT p.contact_id FROM escalations e
		JOIN escalation_policies p ON p.id = e.policy_id
		WHERE e.id = ?`, escalationID,
	).Scan(&contactID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return contactID, err
}

// EscalationsForUser returns escalations belonging to a user's tasks, newest
// first. Backs the owner-facing receipts view.
func (s *Store) EscalationsForUser(userID string, limit int) ([]Escalation, error) {
	rows, err := s.db.Query(`
		SELECT `+escalationColumns("e")+`
		FROM escalations e
		JOIN escalation_policies p ON p.id = e.policy_id
		JOIN tasks t ON t.id = p.task_id
		WHERE t.user_id = ?
		ORDER BY e.updated_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	return results, rows.Err()
}

// EscalationStats returns the status breakdown of escalations created since
// the cutoff.
func (s *Store) EscalationStats(since time.Time) ([]StatusCount, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM escalations
		WHERE created_at >= ? GROUP BY status ORDER BY status ASC`,
		formatTime(since),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []StatusCount
	for rows.Next() {
		var sc StatusCount
		if err := rows.Scan(&sc.Status, &sc.Count); err != nil {
			return nil, err
		}
		results = append(results, sc)
	}
	return results, rows.Err()
}
