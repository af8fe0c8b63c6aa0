package storage

import (
	"errors"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// seedPolicy inserts a user, task, contact, and escalation policy, returning
// the policy ID. The task is due at the given time.
func seedPolicy(t *testing.T, s *Store, suffix string, dueAt time.Time, verified bool) string {
	t.Helper()
	if err := s.SaveUser(User{ID: "user-" + suffix, Email: "owner-" + suffix + "@example.com", FullName: "Owner " + suffix}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveTask(Task{ID: "task-" + suffix, UserID: "user-" + suffix, Title: "Task " + suffix, DueAt: dueAt}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	if err := s.SaveContact(Contact{ID: "contact-" + suffix, UserID: "user-" + suffix, Name: "Contact " + suffix, Email: "contact-" + suffix + "@example.com", Verified: verified}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	policyID := "policy-" + suffix
	if err := s.SavePolicy(EscalationPolicy{ID: policyID, TaskID: "task-" + suffix, Level: 1, MinutesAfterDue: 60, ContactID: "contact-" + suffix}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}
	return policyID
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) == 0 {
		t.Fatal("expected at least one applied migration")
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_tasks_status_due", "idx_escalations_status_scheduled", "idx_receipts_escalation"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestSaveAndGetTask(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveUser(User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}

	due := time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC)
	want := Task{
		ID:          "t1",
		UserID:      "u1",
		Title:       "File quarterly report",
		Description: "Q1 numbers",
		DueAt:       due,
		Priority:    "high",
	}
	if err := s.SaveTask(want); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != want.Title || got.Priority != "high" {
		t.Errorf("task = %+v, want title=%q priority=high", got, want.Title)
	}
	if !got.DueAt.Equal(due) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, due)
	}
	if got.Status != "pending" {
		t.Errorf("Status = %q, want pending default", got.Status)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("CompletedAt = %v, want zero", got.CompletedAt)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetTask("missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestCompleteTask(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveUser(User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveTask(Task{ID: "t1", UserID: "u1", Title: "x", DueAt: time.Now()}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if err := s.CompleteTask("t1", at); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != "completed" {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if !got.CompletedAt.Equal(at) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, at)
	}

	if err := s.CompleteTask("missing", at); !errors.Is(err, ErrNotFound) {
		t.Errorf("CompleteTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestContactVerificationAndComplaint(t *testing.T) {
	s := openTestStore(t)

	if err := s.SaveUser(User{ID: "u1", Email: "u1@example.com"}); err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if err := s.SaveContact(Contact{ID: "c1", UserID: "u1", Name: "Sam", Email: "sam@example.com"}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}

	got, err := s.GetContact("c1")
	if err != nil {
		t.Fatalf("GetContact: %v", err)
	}
	if got.Verified {
		t.Error("new contact should not be verified")
	}
	if got.Relationship != "friend" {
		t.Errorf("Relationship = %q, want friend default", got.Relationship)
	}

	if err := s.SetContactVerified("c1", true); err != nil {
		t.Fatalf("SetContactVerified: %v", err)
	}
	got, _ = s.GetContact("c1")
	if !got.Verified {
		t.Error("contact should be verified after SetContactVerified")
	}

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if err := s.FlagContactComplaint("c1", at, "spam complaint"); err != nil {
		t.Fatalf("FlagContactComplaint: %v", err)
	}
	got, _ = s.GetContact("c1")
	if !got.ComplainedAt.Equal(at) || got.ComplaintNote != "spam complaint" {
		t.Errorf("complaint not recorded: %+v", got)
	}
	if !got.Verified {
		t.Error("complaint must not unverify the contact")
	}
}

func TestCreateEscalationDuplicate(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)

	e := Escalation{ID: "e1", PolicyID: policyID, ScheduledFor: time.Now()}
	if err := s.CreateEscalation(e); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	dup := Escalation{ID: "e2", PolicyID: policyID, ScheduledFor: time.Now()}
	if err := s.CreateEscalation(dup); !errors.Is(err, ErrDuplicateEscalation) {
		t.Errorf("second CreateEscalation = %v, want ErrDuplicateEscalation", err)
	}

	exists, err := s.HasEscalationForPolicy(policyID)
	if err != nil {
		t.Fatalf("HasEscalationForPolicy: %v", err)
	}
	if !exists {
		t.Error("HasEscalationForPolicy = false, want true")
	}
}

func TestEscalationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)

	scheduled := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	if err := s.CreateEscalation(Escalation{
		ID:             "e1",
		PolicyID:       policyID,
		ScheduledFor:   scheduled,
		MessageContent: "reminder body",
	}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	got, err := s.GetEscalation("e1")
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if got.Status != "pending" {
		t.Errorf("Status = %q, want pending default", got.Status)
	}
	if !got.ScheduledFor.Equal(scheduled) {
		t.Errorf("ScheduledFor = %v, want %v", got.ScheduledFor, scheduled)
	}
	if got.MessageContent != "reminder body" {
		t.Errorf("MessageContent = %q", got.MessageContent)
	}
	if got.Retries != 0 || got.DeliveryConfirmed || got.FinalFailure {
		t.Errorf("fresh escalation has dirty flags: %+v", got)
	}
}

func TestMarkEscalationSentStaleStatus(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)

	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: policyID, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	now := time.Now()
	if err := s.MarkEscalationSent("e1", "pending", now, "rsnd-1", `{"id":"rsnd-1"}`); err != nil {
		t.Fatalf("MarkEscalationSent: %v", err)
	}

	// Second CAS from pending must observe the row already moved.
	err := s.MarkEscalationSent("e1", "pending", now, "rsnd-2", "{}")
	if !errors.Is(err, ErrStaleStatus) {
		t.Errorf("stale MarkEscalationSent = %v, want ErrStaleStatus", err)
	}

	err = s.MarkEscalationSent("missing", "pending", now, "x", "{}")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkEscalationSent(missing) = %v, want ErrNotFound", err)
	}

	got, _ := s.GetEscalation("e1")
	if got.ProviderMessageID != "rsnd-1" {
		t.Errorf("ProviderMessageID = %q, want rsnd-1 (first writer wins)", got.ProviderMessageID)
	}
}

func TestMarkEscalationRetryingReschedules(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)

	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: policyID, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	next := time.Date(2026, 5, 1, 11, 0, 0, 0, time.UTC)
	if err := s.MarkEscalationRetrying("e1", "pending", 1, "network_error", "connection refused", next); err != nil {
		t.Fatalf("MarkEscalationRetrying: %v", err)
	}

	got, err := s.GetEscalation("e1")
	if err != nil {
		t.Fatalf("GetEscalation: %v", err)
	}
	if got.Status != "retrying" || got.Retries != 1 {
		t.Errorf("status=%q retries=%d, want retrying/1", got.Status, got.Retries)
	}
	if !got.ScheduledFor.Equal(next) || !got.NextRetryAt.Equal(next) {
		t.Errorf("scheduled_for=%v next_retry_at=%v, want both %v", got.ScheduledFor, got.NextRetryAt, next)
	}
	if got.FailureReason != "network_error" || got.LastError != "connection refused" {
		t.Errorf("failure detail not recorded: %+v", got)
	}
}

func TestMarkEscalationFailedAndCancelled(t *testing.T) {
	s := openTestStore(t)
	pa := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)
	pb := seedPolicy(t, s, "b", time.Now().Add(-2*time.Hour), true)

	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: pa, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.CreateEscalation(Escalation{ID: "e2", PolicyID: pb, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	if err := s.MarkEscalationFailed("e1", "pending", 4, "network_error", "gave up", true); err != nil {
		t.Fatalf("MarkEscalationFailed: %v", err)
	}
	got, _ := s.GetEscalation("e1")
	if got.Status != "failed" || !got.FinalFailure || !got.MaxRetriesExceeded {
		t.Errorf("failed record = %+v", got)
	}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.MarkEscalationCancelled("e2", "pending", "task_completed", `{"completed_at":"2026-05-01T11:59:00Z"}`, at); err != nil {
		t.Fatalf("MarkEscalationCancelled: %v", err)
	}
	got, _ = s.GetEscalation("e2")
	if got.Status != "cancelled" || got.CancelReason != "task_completed" {
		t.Errorf("cancelled record = %+v", got)
	}
	if !got.CancelledAt.Equal(at) {
		t.Errorf("CancelledAt = %v, want %v", got.CancelledAt, at)
	}
}

func TestOverdueTasksJoin(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	// One overdue task with two policies, one future task, one completed task.
	seedPolicy(t, s, "a", now.Add(-3*time.Hour), true)
	if err := s.SaveContact(Contact{ID: "c2", UserID: "user-a", Name: "Second", Email: "second@example.com", Verified: false}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	if err := s.SavePolicy(EscalationPolicy{ID: "policy-a2", TaskID: "task-a", Level: 2, MinutesAfterDue: 120, ContactID: "c2"}); err != nil {
		t.Fatalf("SavePolicy: %v", err)
	}

	seedPolicy(t, s, "future", now.Add(2*time.Hour), true)
	seedPolicy(t, s, "done", now.Add(-4*time.Hour), true)
	if err := s.CompleteTask("task-done", now); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	tasks, err := s.OverdueTasks(now)
	if err != nil {
		t.Fatalf("OverdueTasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("OverdueTasks returned %d tasks, want 1", len(tasks))
	}
	got := tasks[0]
	if got.Task.ID != "task-a" {
		t.Errorf("task ID = %q, want task-a", got.Task.ID)
	}
	if got.Owner.Email != "owner-a@example.com" {
		t.Errorf("owner email = %q", got.Owner.Email)
	}
	if len(got.Policies) != 2 {
		t.Fatalf("policies = %d, want 2", len(got.Policies))
	}
	if got.Policies[0].Policy.Level != 1 || got.Policies[1].Policy.Level != 2 {
		t.Errorf("policies not ordered by level: %v, %v", got.Policies[0].Policy.Level, got.Policies[1].Policy.Level)
	}
	if got.Policies[1].Contact.Verified {
		t.Error("second policy's contact should be unverified")
	}
}

func TestDueEscalationsJoin(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	pa := seedPolicy(t, s, "a", now.Add(-2*time.Hour), true)
	pb := seedPolicy(t, s, "b", now.Add(-2*time.Hour), true)
	pc := seedPolicy(t, s, "c", now.Add(-2*time.Hour), true)

	// Due pending, due retrying, and not-yet-due pending.
	if err := s.CreateEscalation(Escalation{ID: "e-due", PolicyID: pa, ScheduledFor: now.Add(-30 * time.Minute)}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.CreateEscalation(Escalation{ID: "e-retry", PolicyID: pb, ScheduledFor: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.MarkEscalationRetrying("e-retry", "pending", 1, "network_error", "x", now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("MarkEscalationRetrying: %v", err)
	}
	if err := s.CreateEscalation(Escalation{ID: "e-future", PolicyID: pc, ScheduledFor: now.Add(time.Hour)}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	due, err := s.DueEscalations(now)
	if err != nil {
		t.Fatalf("DueEscalations: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("DueEscalations returned %d, want 2", len(due))
	}

	// Ordered by scheduled_for ascending: e-retry reschedules to -10m which is
	// after e-due's -30m.
	if due[0].Escalation.ID != "e-due" || due[1].Escalation.ID != "e-retry" {
		t.Errorf("order = %q, %q; want e-due then e-retry", due[0].Escalation.ID, due[1].Escalation.ID)
	}

	first := due[0]
	if first.Policy.ID != pa || first.Contact.Email != "contact-a@example.com" {
		t.Errorf("join mismatch: policy=%q contact=%q", first.Policy.ID, first.Contact.Email)
	}
	if first.Task.ID != "task-a" || first.Owner.Email != "owner-a@example.com" {
		t.Errorf("join mismatch: task=%q owner=%q", first.Task.ID, first.Owner.Email)
	}
}

func TestReceiptsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)
	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: policyID, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	events := []ReceiptEvent{
		{EscalationID: "e1", EventType: "sent", OccurredAt: base},
		{EscalationID: "e1", EventType: "delivered", OccurredAt: base.Add(time.Minute), ProviderPayload: `{"x":1}`},
	}
	for _, ev := range events {
		if err := s.AppendReceipt(ev); err != nil {
			t.Fatalf("AppendReceipt(%s): %v", ev.EventType, err)
		}
	}

	got, err := s.ReceiptsForEscalation("e1")
	if err != nil {
		t.Fatalf("ReceiptsForEscalation: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("receipts = %d, want 2", len(got))
	}
	if got[0].EventType != "sent" || got[1].EventType != "delivered" {
		t.Errorf("receipts out of order: %q, %q", got[0].EventType, got[1].EventType)
	}
	if got[0].ID == "" {
		t.Error("receipt ID should be generated when missing")
	}
	if got[0].Provider != "resend" {
		t.Errorf("Provider = %q, want resend default", got[0].Provider)
	}
	if got[0].ProviderPayload != "{}" {
		t.Errorf("empty payload should default to {}, got %q", got[0].ProviderPayload)
	}
}

func TestContactIDForEscalation(t *testing.T) {
	s := openTestStore(t)
	policyID := seedPolicy(t, s, "a", time.Now().Add(-2*time.Hour), true)
	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: policyID, ScheduledFor: time.Now()}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}

	contactID, err := s.ContactIDForEscalation("e1")
	if err != nil {
		t.Fatalf("ContactIDForEscalation: %v", err)
	}
	if contactID != "contact-a" {
		t.Errorf("contactID = %q, want contact-a", contactID)
	}

	if _, err := s.ContactIDForEscalation("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ContactIDForEscalation(missing) = %v, want ErrNotFound", err)
	}
}

func TestEscalationsForUserAndStats(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	pa := seedPolicy(t, s, "a", now.Add(-2*time.Hour), true)
	pb := seedPolicy(t, s, "b", now.Add(-2*time.Hour), true)

	if err := s.CreateEscalation(Escalation{ID: "e1", PolicyID: pa, ScheduledFor: now}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.CreateEscalation(Escalation{ID: "e2", PolicyID: pb, ScheduledFor: now}); err != nil {
		t.Fatalf("CreateEscalation: %v", err)
	}
	if err := s.MarkEscalationSent("e2", "pending", now, "rsnd-1", "{}"); err != nil {
		t.Fatalf("MarkEscalationSent: %v", err)
	}

	mine, err := s.EscalationsForUser("user-a", 10)
	if err != nil {
		t.Fatalf("EscalationsForUser: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != "e1" {
		t.Errorf("EscalationsForUser(user-a) = %+v, want just e1", mine)
	}

	stats, err := s.EscalationStats(now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("EscalationStats: %v", err)
	}
	counts := map[string]int{}
	for _, sc := range stats {
		counts[sc.Status] = sc.Count
	}
	if counts["pending"] != 1 || counts["sent"] != 1 {
		t.Errorf("stats = %v, want pending=1 sent=1", counts)
	}
}
