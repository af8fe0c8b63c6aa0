package storage

import (
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) SaveUser(u User) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, email, full_name) VALUES (?, ?, ?)`,
		u.ID, u.Email, u.FullName,
	)
	return err
}

func (s *Store) GetUser(id string) (User, error) {
	var u User
	err := s.db.QueryRow(`SELECT id, email, full_name FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.Email, &u.FullName)
	if err == sql.ErrNoRows {
		return User{}, ErrNotFound
	}
	return u, err
}

func (s *Store) SaveTask(t Task) error {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := t.Status
	if status == "" {
		status = "pending"
	}
	priority := t.Priority
	if priority == "" {
		priority = "medium"
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, user_id, title, description, due_at, priority, status, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.Title, t.Description, formatTime(t.DueAt), priority, status,
		nullTime(t.CompletedAt), formatTime(createdAt),
	)
	return err
}

func (s *Store) GetTask(id string) (Task, error) {
	var t Task
	var dueAt, createdAt string
	var completedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, title, description, due_at, priority, status, completed_at, created_at
		FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &dueAt, &t.Priority, &t.Status, &completedAt, &createdAt)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	if t.DueAt, err = parseTime(dueAt); err != nil {
		return Task{}, fmt.Errorf("parsing due_at for task %s: %w", id, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at for task %s: %w", id, err)
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return Task{}, fmt.Errorf("parsing completed_at for task %s: %w", id, err)
	}
	return t, nil
}

// CompleteTask marks a task completed. Cancelling the task's pending
// escalations is the caller's job, via the escalation state manager.
func (s *Store) CompleteTask(id string, at time.Time) error {
	res, err := s.db.Exec(`UPDATE tasks SET status = 'completed', completed_at = ? WHERE id = ?`,
		formatTime(at), id)
	if err != nil {
		return err
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

func (s *Store) SaveContact(c Contact) error {
	relationship := c.Relationship
	if relationship == "" {
		relationship = "friend"
	}
	_, err := s.db.Exec(`
		INSERT INTO contacts (id, user_id, name, email, relationship, verified, complained_at, complaint_note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.Name, c.Email, relationship, boolInt(c.Verified),
		nullTime(c.ComplainedAt), c.ComplaintNote,
	)
	return err
}

func (s *Store) GetContact(id string) (Contact, error) {
	var c Contact
	var verified int
	var complainedAt sql.NullString
	err := s.db.QueryRow(`
		SELECT id, user_id, name, email, relationship, verified, complained_at, complaint_note
		FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Name, &c.Email, &c.Relationship, &verified, &complainedAt, &c.ComplaintNote)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	c.Verified = verified != 0
	if c.ComplainedAt, err = parseNullTime(complainedAt); err != nil {
		return Contact{}, fmt.Errorf("parsing complained_at for contact %s: %w", id, err)
	}
	return c, nil
}

func (s *Store) SetContactVerified(id string, verified bool) error {
	res, err := s.db.Exec(`UPDATE contacts SET verified = ? WHERE id = ?`, boolInt(verified), id)
	if err != nil {
		return err
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

// FlagContactComplaint records a spam complaint against a contact so future
// policies can be warned off. It does not unverify the contact.
func (s *Store) FlagContactComplaint(id string, at time.Time, note string) error {
	res, err := s.db.Exec(`UPDATE contacts SET complained_at = ?, complaint_note = ? WHERE id = ?`,
		formatTime(at), note, id)
	if err != nil {
		return err
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

func (s *Store) SavePolicy(p EscalationPolicy) error {
	_, err := s.db.Exec(`
		INSERT INTO escalation_policies (id, task_id, level, minutes_after_due, contact_id, message_template)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.TaskID, p.Level, p.MinutesAfterDue, p.ContactID, p.MessageTemplate,
	)
	return err
}

// OverdueTasks returns pending tasks whose due time is before now, each with
// its escalation policies and their contacts, ordered by due time ascending.
// Tasks without policies are included with an empty policy list so the
// scheduler can count them as examined.
func (s *Store) OverdueTasks(now time.Time) ([]OverdueTask, error) {
	rows, err := s.db.Query(`
		SELECT t.id, t.user_id, t.title, t.description, t.due_at, t.priority, t.status, t.created_at,
		       u.email, u.full_name,
		       p.id, p.level, p.minutes_after_due, p.contact_id, p.message_template,
		       c.id, c.user_id, c.name, c.email, c.relationship, c.verified
		FROM tasks t
		JOIN users u ON u.id = t.user_id
		LEFT JOIN escalation_policies p ON p.task_id = t.id
		LEFT JOIN contacts c ON c.id = p.contact_id
		WHERE t.status = 'pending' AND t.due_at < ?
		ORDER BY t.due_at ASC, p.level ASC`,
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("querying overdue tasks: %w", err)
	}
	defer rows.Close()

	var results []OverdueTask
	index := make(map[string]int)

	for rows.Next() {
		var t Task
		var owner User
		var dueAt, createdAt string
		var pID, pContactID, pTemplate sql.NullString
		var pLevel, pMinutes sql.NullInt64
		var cID, cUserID, cName, cEmail, cRelationship sql.NullString
		var cVerified sql.NullInt64

		if err := rows.Scan(
			&t.ID, &t.UserID, &t.Title, &t.Description, &dueAt, &t.Priority, &t.Status, &createdAt,
			&owner.Email, &owner.FullName,
			&pID, &pLevel, &pMinutes, &pContactID, &pTemplate,
			&cID, &cUserID, &cName, &cEmail, &cRelationship, &cVerified,
		); err != nil {
			return nil, fmt.Errorf("scanning overdue task row: %w", err)
		}

		if t.DueAt, err = parseTime(dueAt); err != nil {
			return nil, fmt.Errorf("parsing due_at for task %s: %w", t.ID, err)
		}
		if t.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at for task %s: %w", t.ID, err)
		}
		owner.ID = t.UserID

		i, seen := index[t.ID]
		if !seen {
			results = append(results, OverdueTask{Task: t, Owner: owner})
			i = len(results) - 1
			index[t.ID] = i
		}

		if pID.Valid {
			results[i].Policies = append(results[i].Policies, PolicyWithContact{
				Policy: EscalationPolicy{
					ID:              pID.String,
					TaskID:          t.ID,
					Level:           int(pLevel.Int64),
					MinutesAfterDue: int(pMinutes.Int64),
					ContactID:       pContactID.String,
					MessageTemplate: pTemplate.String,
				},
				Contact: Contact{
					ID:           cID.String,
					UserID:       cUserID.String,
					Name:         cName.String,
					Email:        cEmail.String,
					Relationship: cRelationship.String,
					Verified:     cVerified.Int64 != 0,
				},
			})
		}
	}
	return results, rows.Err()
}

// --- column helpers ---

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
