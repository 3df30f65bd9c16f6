package roster

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Trend is one student's attendance picture over the query window.
type Trend struct {
	StudentID   int64  `json:"studentId"`
	Name        string `json:"name"`
	Grade       string `json:"grade,omitempty"`
	Total       int    `json:"totalAbsences"`
	Unexcused   int    `json:"unexcusedAbsences"`
	LastAbsence string `json:"lastAbsence,omitempty"`
}

// Trends aggregates absences per student over the last windowDays, ordered by
// unexcused count so the most concerning students come first. Students with
// no absences in the window are omitted.
func (s *Store) Trends(ctx context.Context, windowDays int) ([]Trend, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().AddDate(0, 0, -windowDays).Format("2006-01-02")

	rows, err := s.db.QueryContext(ctx,
		`SELECT st.id, st.name, st.grade,
		        COUNT(a.id),
		        SUM(CASE WHEN a.excused = 0 THEN 1 ELSE 0 END),
		        MAX(a.date)
		 FROM students st
		 JOIN absences a ON a.student_id = st.id
		 WHERE a.date >= ?
		 GROUP BY st.id, st.name, st.grade
		 ORDER BY SUM(CASE WHEN a.excused = 0 THEN 1 ELSE 0 END) DESC, COUNT(a.id) DESC`,
		since)
	if err != nil {
		return nil, fmt.Errorf("querying attendance trends: %w", err)
	}
	defer rows.Close()

	var out []Trend
	for rows.Next() {
		var tr Trend
		if err := rows.Scan(&tr.StudentID, &tr.Name, &tr.Grade, &tr.Total, &tr.Unexcused, &tr.LastAbsence); err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// AbsenceStats renders a one-line attendance summary for a student, suitable
// for interpolation into the call brief.
func (s *Store) AbsenceStats(ctx context.Context, studentID int64, windowDays int) (string, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().AddDate(0, 0, -windowDays).Format("2006-01-02")

	var total int
	var unexcused sql.NullInt64 // SUM() is NULL when no rows match
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(id), SUM(CASE WHEN excused = 0 THEN 1 ELSE 0 END)
		 FROM absences WHERE student_id = ? AND date >= ?`,
		studentID, since).Scan(&total, &unexcused)
	if err != nil {
		return "", fmt.Errorf("computing absence stats: %w", err)
	}
	if total == 0 {
		return fmt.Sprintf("no absences in the last %d days", windowDays), nil
	}
	return fmt.Sprintf("%d absences (%d unexcused) in the last %d days",
		total, unexcused.Int64, windowDays), nil
}
