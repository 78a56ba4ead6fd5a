package attendance

import (
	"context"
	"time"
)

// Store is the persistence boundary of the engine. All shared state lives
// behind it; components hold no caches. Implementations must surface
// lock-wait and serialization failures as ErrConcurrencyConflict.
type Store interface {
	// GetSession returns nil (no error) when the session does not exist.
	GetSession(ctx context.Context, id int64) (*Session, error)

	// SaveSessionForIssue creates the session, or on re-issue raises its
	// expected scan count. The stored count never drops below the highest
	// scan count already recorded against the session; the caller sees the
	// effective value in s.ExpectedScanCount after return.
	SaveSessionForIssue(ctx context.Context, s *Session) error

	// IsEnrolled reports whether the student holds an enrollment for the
	// course. Read-only collaborator data.
	IsEnrolled(ctx context.Context, courseID, studentID int64) (bool, error)

	// MinAttendancePercentage returns the course policy (0-100).
	MinAttendancePercentage(ctx context.Context, courseID int64) (int, error)

	// UpdateScanLocked locates or creates the student's scan record for the
	// session and applies fn to it under an exclusive row lock held for the
	// whole read-modify-write. Concurrent calls for the same (session,
	// student) are totally ordered; unrelated students are not serialized.
	UpdateScanLocked(ctx context.Context, sessionID, studentID int64, fn func(*ScanRecord)) (ScanRecord, error)

	// FinalizeSession closes the session, reclassifies every existing
	// record from its scan count, and synthesizes absent records for
	// enrolled students who never scanned. Re-running re-derives the same
	// result. Updates are set-based, not read-then-write loops.
	FinalizeSession(ctx context.Context, sess *Session) (FinalizationSummary, error)

	// NormalizeDay re-evaluates every enrolled student across all of the
	// course's sessions on the date, per DecideDayStatuses. Returns
	// ErrSessionNotFound when the course held no session that day.
	NormalizeDay(ctx context.Context, courseID int64, date time.Time, minPercentage int) (DaySummary, error)

	// SessionRecords lists the session's scan records.
	SessionRecords(ctx context.Context, sessionID int64) ([]ScanRecord, error)
}
