package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres implements Store on a relational schema with row-level locks.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates the store.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// classify maps store-level lock/serialization failures to
// ErrConcurrencyConflict so callers can retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}

// GetSession returns the session or nil when absent.
func (p *Postgres) GetSession(ctx context.Context, id int64) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, course_id, session_date, scheduled_time, topic, room,
		       expected_scan_count, closed_at, created_at
		FROM sessions WHERE id = $1
	`, id)
	var s Session
	if err := row.Scan(&s.ID, &s.CourseID, &s.Date, &s.ScheduledTime, &s.Topic, &s.Room,
		&s.ExpectedScanCount, &s.ClosedAt, &s.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &s, nil
}

// SaveSessionForIssue inserts a new session or raises an existing one's
// expected count. The floor keeps already-accumulated student progress
// valid: the count never drops below the highest recorded scan counter.
func (p *Postgres) SaveSessionForIssue(ctx context.Context, s *Session) error {
	if s.ID == 0 {
		row := p.db.QueryRowContext(ctx, `
			INSERT INTO sessions (course_id, session_date, scheduled_time, topic, room, expected_scan_count)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at
		`, s.CourseID, s.Date, s.ScheduledTime, s.Topic, s.Room, s.ExpectedScanCount)
		return classify(row.Scan(&s.ID, &s.CreatedAt))
	}
	row := p.db.QueryRowContext(ctx, `
		UPDATE sessions SET expected_scan_count = GREATEST(
			$2,
			COALESCE((SELECT MAX(scan_count) FROM scan_records WHERE session_id = sessions.id), 0)
		)
		WHERE id = $1
		RETURNING expected_scan_count
	`, s.ID, s.ExpectedScanCount)
	return classify(row.Scan(&s.ExpectedScanCount))
}

// IsEnrolled checks the read-only enrollment collaborator data.
func (p *Postgres) IsEnrolled(ctx context.Context, courseID, studentID int64) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM enrollments WHERE course_id = $1 AND student_id = $2
		)
	`, courseID, studentID).Scan(&exists)
	return exists, classify(err)
}

// MinAttendancePercentage reads the course policy; a course without a
// policy row defaults to 100.
func (p *Postgres) MinAttendancePercentage(ctx context.Context, courseID int64) (int, error) {
	var pct int
	err := p.db.QueryRowContext(ctx, `
		SELECT min_attendance_percentage FROM course_policies WHERE course_id = $1
	`, courseID).Scan(&pct)
	if errors.Is(err, sql.ErrNoRows) {
		return 100, nil
	}
	return pct, classify(err)
}

// UpdateScanLocked ensures the student's row exists, locks it with
// SELECT ... FOR UPDATE, applies fn and writes the result, all in one
// transaction. The lock serializes same-student scans without touching
// anyone else's row.
func (p *Postgres) UpdateScanLocked(ctx context.Context, sessionID, studentID int64, fn func(*ScanRecord)) (ScanRecord, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return ScanRecord{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	// The no-op insert makes the subsequent locked read race-free for two
	// first scans arriving together.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_records (session_id, student_id, scan_count, status)
		VALUES ($1, $2, 0, 'pending')
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, studentID); err != nil {
		return ScanRecord{}, classify(err)
	}

	var rec ScanRecord
	row := tx.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, scan_count, status, last_scan_time,
		       latitude, longitude, device_id, updated_at
		FROM scan_records
		WHERE session_id = $1 AND student_id = $2
		FOR UPDATE
	`, sessionID, studentID)
	if err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.ScanCount, &rec.Status,
		&rec.LastScanTime, &rec.Latitude, &rec.Longitude, &rec.DeviceID, &rec.UpdatedAt); err != nil {
		return ScanRecord{}, classify(err)
	}

	fn(&rec)

	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_records
		SET scan_count = $2, status = $3, last_scan_time = $4,
		    latitude = $5, longitude = $6, device_id = $7, updated_at = NOW()
		WHERE id = $1
	`, rec.ID, rec.ScanCount, rec.Status, rec.LastScanTime,
		rec.Latitude, rec.Longitude, rec.DeviceID); err != nil {
		return ScanRecord{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return ScanRecord{}, classify(err)
	}
	return rec, nil
}

// FinalizeSession closes the session and reclassifies in two set-based
// statements, so no per-row lock loop is needed and an in-flight scan is
// never observed mid-increment.
func (p *Postgres) FinalizeSession(ctx context.Context, sess *Session) (FinalizationSummary, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return FinalizationSummary{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE sessions SET closed_at = COALESCE(closed_at, NOW()) WHERE id = $1
	`, sess.ID); err != nil {
		return FinalizationSummary{}, classify(err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE scan_records
		SET status = CASE WHEN scan_count >= $2 THEN 'attended' ELSE 'absent' END,
		    updated_at = NOW()
		WHERE session_id = $1
	`, sess.ID, sess.ExpectedScanCount); err != nil {
		return FinalizationSummary{}, classify(err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_records (session_id, student_id, scan_count, status)
		SELECT $1, e.student_id, 0, 'absent'
		FROM enrollments e
		WHERE e.course_id = $2
		  AND NOT EXISTS (
			SELECT 1 FROM scan_records r
			WHERE r.session_id = $1 AND r.student_id = e.student_id
		  )
	`, sess.ID, sess.CourseID); err != nil {
		return FinalizationSummary{}, classify(err)
	}

	summary := FinalizationSummary{SessionID: sess.ID}
	row := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE status = 'attended'),
		       COUNT(*) FILTER (WHERE status = 'absent')
		FROM scan_records WHERE session_id = $1
	`, sess.ID)
	if err := row.Scan(&summary.AttendedCount, &summary.AbsentCount); err != nil {
		return FinalizationSummary{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return FinalizationSummary{}, classify(err)
	}
	return summary, nil
}

// NormalizeDay applies the day-level decision set-based over all of the
// course's sessions on the date. It always recomputes from the persisted
// counts, so re-runs converge instead of drifting.
func (p *Postgres) NormalizeDay(ctx context.Context, courseID int64, date time.Time, minPercentage int) (DaySummary, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return DaySummary{}, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	summary := DaySummary{CourseID: courseID, Date: date.Format("2006-01-02")}
	var sessionCount int
	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(expected_scan_count), 0), COUNT(*)
		FROM sessions WHERE course_id = $1 AND session_date = $2
	`, courseID, date)
	if err := row.Scan(&summary.DayMax, &sessionCount); err != nil {
		return DaySummary{}, classify(err)
	}
	if sessionCount == 0 {
		return DaySummary{}, ErrSessionNotFound
	}
	summary.Threshold = DayThreshold(summary.DayMax, minPercentage)

	// Synthesize missing rows (late enrollees and the like) before summing.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_records (session_id, student_id, scan_count, status)
		SELECT s.id, e.student_id, 0, 'absent'
		FROM sessions s
		JOIN enrollments e ON e.course_id = s.course_id
		WHERE s.course_id = $1 AND s.session_date = $2
		  AND NOT EXISTS (
			SELECT 1 FROM scan_records r
			WHERE r.session_id = s.id AND r.student_id = e.student_id
		  )
	`, courseID, date); err != nil {
		return DaySummary{}, classify(err)
	}

	if minPercentage == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scan_records SET status = 'attended', updated_at = NOW()
			WHERE session_id IN (
				SELECT id FROM sessions WHERE course_id = $1 AND session_date = $2
			)
		`, courseID, date); err != nil {
			return DaySummary{}, classify(err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE scan_records r
			SET status = CASE WHEN t.total >= $3 THEN 'attended' ELSE 'absent' END,
			    updated_at = NOW()
			FROM (
				SELECT student_id, SUM(scan_count) AS total
				FROM scan_records
				WHERE session_id IN (
					SELECT id FROM sessions WHERE course_id = $1 AND session_date = $2
				)
				GROUP BY student_id
			) t
			WHERE r.student_id = t.student_id
			  AND r.session_id IN (
				SELECT id FROM sessions WHERE course_id = $1 AND session_date = $2
			  )
		`, courseID, date, summary.Threshold); err != nil {
			return DaySummary{}, classify(err)
		}
	}

	row = tx.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT student_id) FILTER (WHERE status = 'attended'),
		       COUNT(DISTINCT student_id) FILTER (WHERE status = 'absent')
		FROM scan_records
		WHERE session_id IN (
			SELECT id FROM sessions WHERE course_id = $1 AND session_date = $2
		)
	`, courseID, date)
	if err := row.Scan(&summary.AttendedCount, &summary.AbsentCount); err != nil {
		return DaySummary{}, classify(err)
	}

	if err := tx.Commit(); err != nil {
		return DaySummary{}, classify(err)
	}
	return summary, nil
}

// SessionRecords lists the session's records ordered by student.
func (p *Postgres) SessionRecords(ctx context.Context, sessionID int64) ([]ScanRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, scan_count, status, last_scan_time,
		       latitude, longitude, device_id, updated_at
		FROM scan_records
		WHERE session_id = $1
		ORDER BY student_id
	`, sessionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var res []ScanRecord
	for rows.Next() {
		var rec ScanRecord
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &rec.ScanCount, &rec.Status,
			&rec.LastScanTime, &rec.Latitude, &rec.Longitude, &rec.DeviceID, &rec.UpdatedAt); err != nil {
			return nil, classify(err)
		}
		res = append(res, rec)
	}
	return res, classify(rows.Err())
}
