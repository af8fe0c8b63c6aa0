package escalation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/accountalist/accountalist/internal/storage"
)

func TestSchedulerCreatesEscalation(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	due := now.Add(-2 * time.Hour)

	seedOverduePolicy(t, s, "a", due, 60, true)

	sched := NewScheduler(s)
	sched.now = func() time.Time { return now }

	summary, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.TasksChecked != 1 {
		t.Errorf("TasksChecked = %d, want 1", summary.TasksChecked)
	}
	if len(summary.Scheduled) != 1 {
		t.Fatalf("Scheduled = %d, want 1", len(summary.Scheduled))
	}
	if len(summary.Errors) != 0 {
		t.Errorf("Errors = %v, want none", summary.Errors)
	}

	item := summary.Scheduled[0]
	if item.Level != 1 || item.ContactEmail != "sam-a@example.com" {
		t.Errorf("item = %+v", item)
	}
	wantScheduledFor := due.Add(60 * time.Minute)
	if !item.ScheduledFor.Equal(wantScheduledFor) {
		t.Errorf("ScheduledFor = %v, want due+60m %v", item.ScheduledFor, wantScheduledFor)
	}

	got, err := s.GetEscalation(item.EscalationID)
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if !strings.Contains(got.MessageContent, "Ship the report") {
		t.Errorf("MessageContent = %q, want task title mentioned", got.MessageContent)
	}
}

func TestSchedulerIdempotent(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seedOverduePolicy(t, s, "a", now.Add(-2*time.Hour), 60, true)

	sched := NewScheduler(s)
	sched.now = func() time.Time { return now }

	first, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if len(first.Scheduled) != 1 {
		t.Fatalf("first run scheduled %d, want 1", len(first.Scheduled))
	}

	second, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if len(second.Scheduled) != 0 {
		t.Errorf("second run scheduled %d, want 0", len(second.Scheduled))
	}
	if len(second.Errors) != 0 {
		t.Errorf("second run errors = %v, want none", second.Errors)
	}
}

// The policy delay is inclusive: an escalation is due at exactly due time
// plus the configured offset, not a minute before.
func TestSchedulerDelayThreshold(t *testing.T) {
	s := newTestStore(t)
	due := time.Now().Add(-2 * time.Hour)
	seedOverduePolicy(t, s, "a", due, 60, true)

	sched := NewScheduler(s)

	sched.now = func() time.Time { return due.Add(59 * time.Minute) }
	summary, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run at +59m: %v", err)
	}
	if len(summary.Scheduled) != 0 {
		t.Fatalf("scheduled %d at +59m, want 0", len(summary.Scheduled))
	}

	sched.now = func() time.Time { return due.Add(60 * time.Minute) }
	summary, err = sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run at +60m: %v", err)
	}
	if len(summary.Scheduled) != 1 {
		t.Errorf("scheduled %d at +60m, want 1", len(summary.Scheduled))
	}
}

func TestSchedulerSkipsUnverifiedContact(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seedOverduePolicy(t, s, "a", now.Add(-2*time.Hour), 60, false)

	sched := NewScheduler(s)
	sched.now = func() time.Time { return now }

	summary, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Scheduled) != 0 {
		t.Errorf("scheduled %d for unverified contact, want 0", len(summary.Scheduled))
	}
	if len(summary.Errors) != 0 {
		t.Errorf("unverified contact should be a skip, not an error: %v", summary.Errors)
	}
}

func TestSchedulerRendersCustomTemplate(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	seedOverduePolicy(t, s, "a", now.Add(-2*time.Hour), 60, true)

	// Second level with a custom template on the same task.
	if err := s.SaveContact(storage.Contact{ID: "contact-a2", UserID: "user-a", Name: "Alex", Email: "alex@example.com", Verified: true}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	if err := s.SavePolicy(storage.EscalationPolicy{
		ID: "policy-a2", TaskID: "task-a", Level: 2, MinutesAfterDue: 30, ContactID: "contact-a2",
		MessageTemplate: "{{contactName}}: {{ownerName}} missed {{taskTitle}} (level {{escalationLevel}}, {{unknownVar}})",
	}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	sched := NewScheduler(s)
	sched.now = func() time.Time { return now }

	summary, err := sched.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(summary.Scheduled) != 2 {
		t.Fatalf("scheduled %d, want 2", len(summary.Scheduled))
	}

	var custom storage.Escalation
	for _, item := range summary.Scheduled {
		if item.Level == 2 {
			custom, err = s.GetEscalation(item.EscalationID)
			if err != nil {
				t.Fatalf("GetEscalation: %v", err)
			}
		}
	}
	want := "Alex: Jo Owner missed Ship the report (level 2, )"
	if custom.MessageContent != want {
		t.Errorf("MessageContent = %q, want %q", custom.MessageContent, want)
	}
}

func TestSchedulerRespectsContext(t *testing.T) {
	s := newTestStore(t)
	seedOverduePolicy(t, s, "a", time.Now().Add(-2*time.Hour), 60, true)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := NewScheduler(s)
	if _, err := sched.Run(ctx); err == nil {
		t.Error("Run with cancelled context should return an error")
	}
}

// seedOverduePolicy inserts a user, task due at the given time, a contact,
// and one level-1 policy with the given delay.
func seedOverduePolicy(t *testing.T, s *storage.Store, suffix string, dueAt time.Time, minutesAfterDue int, verified bool) {
	t.Helper()
	if err := s.SaveUser(storage.User{ID: "user-" + suffix, Email: "owner-" + suffix + "@example.com", FullName: "Jo Owner"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveTask(storage.Task{ID: "task-" + suffix, UserID: "user-" + suffix, Title: "Ship the report", DueAt: dueAt}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveContact(storage.Contact{ID: "contact-" + suffix, UserID: "user-" + suffix, Name: "Sam", Email: "sam-" + suffix + "@example.com", Verified: verified}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	if err := s.SavePolicy(storage.EscalationPolicy{ID: "policy-" + suffix, TaskID: "task-" + suffix, Level: 1, MinutesAfterDue: minutesAfterDue, ContactID: "contact-" + suffix}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
}
