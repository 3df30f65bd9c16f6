// Package roster is the embedded student/contact database behind the call
// tooling: who to call about which student, their absence history, and the
// attendance trends surfaced to teachers.
package roster

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Student is one roster entry with its primary contact.
type Student struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Grade              string `json:"grade,omitempty"`
	ParentName         string `json:"parentName,omitempty"`
	ParentRelationship string `json:"parentRelationship,omitempty"`
	ParentPhone        string `json:"parentPhone,omitempty"`
}

// Absence is one recorded absence day for a student.
type Absence struct {
	ID        int64  `json:"id"`
	StudentID int64  `json:"studentId"`
	Date      string `json:"date"` // YYYY-MM-DD
	Excused   bool   `json:"excused"`
	Reason    string `json:"reason,omitempty"`
}

// Outcome is the record of one finished outreach call, written when a
// session reaches a terminal status.
type Outcome struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"sessionId"`
	StudentName     string    `json:"studentName,omitempty"`
	Status          string    `json:"status"`
	Reason          string    `json:"reason,omitempty"`
	DurationSeconds int64     `json:"durationSeconds"`
	Risk            string    `json:"risk,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

const schema = `
CREATE TABLE IF NOT EXISTS students (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	grade TEXT NOT NULL DEFAULT '',
	parent_name TEXT NOT NULL DEFAULT '',
	parent_relationship TEXT NOT NULL DEFAULT '',
	parent_phone TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS absences (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	student_id INTEGER NOT NULL REFERENCES students(id),
	date TEXT NOT NULL,
	excused INTEGER NOT NULL DEFAULT 0,
	reason TEXT NOT NULL DEFAULT '',
	UNIQUE(student_id, date)
);
CREATE INDEX IF NOT EXISTS idx_absences_student ON absences(student_id, date);
CREATE TABLE IF NOT EXISTS call_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	student_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	risk TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
`

// Store wraps the roster database. Safe for concurrent use; database/sql
// pools connections internally.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the roster database at path. ":memory:" is valid
// for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening roster db: %w", err)
	}
	// modernc.org/sqlite serializes writes per connection; a single
	// connection avoids SQLITE_BUSY under concurrent tool calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating roster schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping probes the database, for readiness checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AddStudent inserts a student and returns its id.
func (s *Store) AddStudent(ctx context.Context, st Student) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO students (name, grade, parent_name, parent_relationship, parent_phone)
		 VALUES (?, ?, ?, ?, ?)`,
		st.Name, st.Grade, st.ParentName, st.ParentRelationship, st.ParentPhone)
	if err != nil {
		return 0, fmt.Errorf("inserting student: %w", err)
	}
	return res.LastInsertId()
}

// Student returns a roster entry by id.
func (s *Store) Student(ctx context.Context, id int64) (Student, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, grade, parent_name, parent_relationship, parent_phone
		 FROM students WHERE id = ?`, id).
		Scan(&st.ID, &st.Name, &st.Grade, &st.ParentName, &st.ParentRelationship, &st.ParentPhone)
	if err != nil {
		return Student{}, fmt.Errorf("loading student %d: %w", id, err)
	}
	return st, nil
}

// FindStudent returns the first roster entry matching name (case-insensitive).
func (s *Store) FindStudent(ctx context.Context, name string) (Student, bool, error) {
	var st Student
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, grade, parent_name, parent_relationship, parent_phone
		 FROM students WHERE name = ? COLLATE NOCASE ORDER BY id LIMIT 1`, name).
		Scan(&st.ID, &st.Name, &st.Grade, &st.ParentName, &st.ParentRelationship, &st.ParentPhone)
	if err == sql.ErrNoRows {
		return Student{}, false, nil
	}
	if err != nil {
		return Student{}, false, fmt.Errorf("finding student %q: %w", name, err)
	}
	return st, true, nil
}

// ListStudents returns the full roster ordered by name.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, grade, parent_name, parent_relationship, parent_phone
		 FROM students ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing students: %w", err)
	}
	defer rows.Close()

	var out []Student
	for rows.Next() {
		var st Student
		if err := rows.Scan(&st.ID, &st.Name, &st.Grade, &st.ParentName, &st.ParentRelationship, &st.ParentPhone); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RecordAbsence stores one absence day. Recording the same day twice updates
// the existing row.
func (s *Store) RecordAbsence(ctx context.Context, a Absence) error {
	if _, err := time.Parse("2006-01-02", a.Date); err != nil {
		return fmt.Errorf("absence date %q is not YYYY-MM-DD", a.Date)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO absences (student_id, date, excused, reason) VALUES (?, ?, ?, ?)
		 ON CONFLICT(student_id, date) DO UPDATE SET excused = excluded.excused, reason = excluded.reason`,
		a.StudentID, a.Date, a.Excused, a.Reason)
	if err != nil {
		return fmt.Errorf("recording absence: %w", err)
	}
	return nil
}

// RecordOutcome stores the result of a finished call.
func (s *Store) RecordOutcome(ctx context.Context, o Outcome) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_outcomes (session_id, student_name, status, reason, duration_seconds, risk, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.SessionID, o.StudentName, o.Status, o.Reason, o.DurationSeconds, o.Risk,
		o.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("recording call outcome: %w", err)
	}
	return nil
}

// Outcomes returns the most recent call outcomes, newest first.
func (s *Store) Outcomes(ctx context.Context, limit int) ([]Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, student_name, status, reason, duration_seconds, risk, created_at
		 FROM call_outcomes ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing call outcomes: %w", err)
	}
	defer rows.Close()

	var out []Outcome
	for rows.Next() {
		var o Outcome
		var created string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.StudentName, &o.Status, &o.Reason,
			&o.DurationSeconds, &o.Risk, &created); err != nil {
			return nil, err
		}
		o.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Absences returns a student's absences on or after since (YYYY-MM-DD; empty
// for all), newest first.
func (s *Store) Absences(ctx context.Context, studentID int64, since string) ([]Absence, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, student_id, date, excused, reason FROM absences
		 WHERE student_id = ? AND date >= ? ORDER BY date DESC`,
		studentID, since)
	if err != nil {
		return nil, fmt.Errorf("listing absences: %w", err)
	}
	defer rows.Close()

	var out []Absence
	for rows.Next() {
		var a Absence
		if err := rows.Scan(&a.ID, &a.StudentID, &a.Date, &a.Excused, &a.Reason); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
