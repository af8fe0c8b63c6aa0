package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateEscalation is returned when an escalation already exists for a
// policy. The escalations table carries a UNIQUE constraint on policy_id, so
// concurrent scheduler runs racing on the same policy resolve here instead of
// producing duplicate records.
var ErrDuplicateEscalation = errors.New("escalation already exists for policy")

// ErrStaleStatus is returned when a status transition's expected current
// status no longer matches the stored row. This is the optimistic
// check-and-set failing: another writer got there first.
var ErrStaleStatus = errors.New("escalation status changed concurrently")

type User struct {
	ID       string
	Email    string
	FullName string
}

type Task struct {
	ID          string
	UserID      string
	Title       string
	Description string
	DueAt       time.Time
	Priority    string // "low", "medium", "high"
	Status      string // "pending", "completed", "failed"
	CompletedAt time.Time
	CreatedAt   time.Time
}

type Contact struct {
	ID            string
	UserID        string
	Name          string
	Email         string
	Relationship  string
	Verified      bool
	ComplainedAt  time.Time
	ComplaintNote string // JSON payload from the provider complaint event
}

type EscalationPolicy struct {
	ID              string
	TaskID          string
	Level           int // 1..3
	MinutesAfterDue int
	ContactID       string
	MessageTemplate string // empty means use the built-in template for Level
}

// Escalation is one escalation attempt for one policy. Rows are created by
// the scheduler in "pending" status and only ever updated afterwards, never
// deleted.
type Escalation struct {
	ID             string
	PolicyID       string
	Status         string // "pending", "sent", "failed", "cancelled", "retrying"
	ScheduledFor   time.Time
	MessageContent string

	// Sent details.
	SentAt            time.Time
	ProviderMessageID string
	ProviderResponse  string // raw provider response, JSON
	DeliveryConfirmed bool

	// Failure details.
	Retries            int
	FailureReason      string
	LastError          string
	NextRetryAt        time.Time
	FinalFailure       bool
	MaxRetriesExceeded bool

	// Cancellation details.
	CancelReason string
	CancelDetail string // JSON metadata recorded at cancellation
	CancelledAt  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ReceiptEvent is one delivery or engagement event reported by the email
// provider for an escalation. Events accumulate; they never change the
// escalation row themselves.
type ReceiptEvent struct {
	ID              string
	EscalationID    string
	EventType       string // "sent", "delivered", "bounced", "complained", "opened", "clicked"
	OccurredAt      time.Time
	Provider        string
	ProviderPayload string // JSON
}

// OverdueTask is a task past its due time joined with its policies and their
// contacts, plus the owning user. One row per task; the scheduler walks the
// policies.
type OverdueTask struct {
	Task     Task
	Owner    User
	Policies []PolicyWithContact
}

type PolicyWithContact struct {
	Policy  EscalationPolicy
	Contact Contact
}

// DueEscalation is an escalation due for delivery joined with everything the
// delivery worker needs to decide and send.
type DueEscalation struct {
	Escalation Escalation
	Policy     EscalationPolicy
	Contact    Contact
	Task       Task
	Owner      User
}

// StatusCount is one row of the stats breakdown.
type StatusCount struct {
	Status string
	Count  int
}
