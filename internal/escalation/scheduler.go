package escalation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/accountalist/accountalist/internal/message"
	"github.com/accountalist/accountalist/internal/storage"
)

// SchedulerStore is the read/insert surface the scheduler needs.
type SchedulerStore interface {
	OverdueTasks(now time.Time) ([]storage.OverdueTask, error)
	HasEscalationForPolicy(policyID string) (bool, error)
	CreateEscalation(e storage.Escalation) error
}

// ScheduledItem describes one escalation the scheduler created.
type ScheduledItem struct {
	EscalationID   string    `json:"escalationId"`
	TaskID         string    `json:"taskId"`
	PolicyID       string    `json:"policyId"`
	Level          int       `json:"level"`
	ContactEmail   string    `json:"contactEmail"`
	ScheduledFor   time.Time `json:"scheduledFor"`
	MinutesOverdue int       `json:"minutesOverdue"`
}

// ItemError is a per-item failure captured inside a batch run.
type ItemError struct {
	TaskID       string `json:"taskId,omitempty"`
	PolicyID     string `json:"policyId,omitempty"`
	EscalationID string `json:"escalationId,omitempty"`
	Error        string `json:"error"`
}

// ScheduleSummary is the result of one scheduler run.
type ScheduleSummary struct {
	TasksChecked int             `json:"overdueTasksChecked"`
	Scheduled    []ScheduledItem `json:"scheduledEscalations"`
	Errors       []ItemError     `json:"errors,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Scheduler detects overdue tasks and creates pending escalation records for
// their due policies. Safe to invoke repeatedly: the existence check plus the
// store's uniqueness constraint make scheduling idempotent per policy.
type Scheduler struct {
	store  SchedulerStore
	now    func() time.Time
	logger *slog.Logger
}

func NewScheduler(store SchedulerStore) *Scheduler {
	return &Scheduler{
		store:  store,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// Run performs one scheduling pass. Per-policy failures are collected into
// the summary and never abort the batch; only the initial overdue query can
// fail the run as a whole.
func (s *Scheduler) Run(ctx context.Context) (ScheduleSummary, error) {
	now := s.now()
	summary := ScheduleSummary{Timestamp: now}

	tasks, err := s.store.OverdueTasks(now)
	if err != nil {
		return summary, err
	}
	summary.TasksChecked = len(tasks)
	s.logger.Info("scheduler run", "overdue_tasks", len(tasks))

	for _, t := range tasks {
		if err := ctx.Err(); err != nil {
			return summary, err
		}

		minutesOverdue := int(now.Sub(t.Task.DueAt).Minutes())

		for _, pc := range t.Policies {
			item, err := s.schedulePolicy(t, pc, now, minutesOverdue)
			if err != nil {
				s.logger.Warn("scheduling failed",
					"task_id", t.Task.ID, "policy_id", pc.Policy.ID, "error", err)
				summary.Errors = append(summary.Errors, ItemError{
					TaskID:   t.Task.ID,
					PolicyID: pc.Policy.ID,
					Error:    err.Error(),
				})
				continue
			}
			if item != nil {
				summary.Scheduled = append(summary.Scheduled, *item)
			}
		}
	}

	s.logger.Info("scheduler run complete",
		"scheduled", len(summary.Scheduled), "errors", len(summary.Errors))
	return summary, nil
}

// schedulePolicy creates an escalation for one policy if it is due. A nil
// item with nil error means the policy was skipped (not verified, threshold
// not reached, or already scheduled).
func (s *Scheduler) schedulePolicy(t storage.OverdueTask, pc storage.PolicyWithContact, now time.Time, minutesOverdue int) (*ScheduledItem, error) {
	policy := pc.Policy

	if !pc.Contact.Verified {
		s.logger.Debug("skipping policy, contact not verified", "policy_id", policy.ID)
		return nil, nil
	}

	if minutesOverdue < policy.MinutesAfterDue {
		return nil, nil
	}

	exists, err := s.store.HasEscalationForPolicy(policy.ID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	scheduledFor := t.Task.DueAt.Add(time.Duration(policy.MinutesAfterDue) * time.Minute)

	esc := storage.Escalation{
		ID:             uuid.New().String(),
		PolicyID:       policy.ID,
		Status:         string(StatusPending),
		ScheduledFor:   scheduledFor,
		MessageContent: s.renderContent(t, pc, minutesOverdue),
	}

	if err := s.store.CreateEscalation(esc); err != nil {
		// A concurrent run already scheduled this policy: benign, not an error.
		if errors.Is(err, storage.ErrDuplicateEscalation) {
			return nil, nil
		}
		return nil, err
	}

	s.logger.Info("scheduled escalation",
		"escalation_id", esc.ID, "task_id", t.Task.ID, "level", policy.Level)
	return &ScheduledItem{
		EscalationID:   esc.ID,
		TaskID:         t.Task.ID,
		PolicyID:       policy.ID,
		Level:          policy.Level,
		ContactEmail:   pc.Contact.Email,
		ScheduledFor:   scheduledFor,
		MinutesOverdue: minutesOverdue,
	}, nil
}

func (s *Scheduler) renderContent(t storage.OverdueTask, pc storage.PolicyWithContact, minutesOverdue int) string {
	ownerName := t.Owner.FullName
	if ownerName == "" {
		ownerName = t.Owner.Email
	}
	if ownerName == "" {
		ownerName = "User"
	}

	tmpl := pc.Policy.MessageTemplate
	if tmpl == "" {
		tmpl = message.DefaultPolicyTemplate(pc.Policy.Level)
	}

	vars := message.PolicyTemplateVars(message.Context{
		TaskTitle:   t.Task.Title,
		OwnerName:   ownerName,
		OwnerEmail:  t.Owner.Email,
		ContactName: pc.Contact.Name,
		DueDate:     t.Task.DueAt,
	}, pc.Policy.Level, minutesOverdue)

	return message.RenderPolicyTemplate(tmpl, vars)
}
