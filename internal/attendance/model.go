package attendance

import "time"

// Status is the per-session verdict on a scan record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAttended Status = "attended"
	StatusAbsent   Status = "absent"
	StatusExcused  Status = "excused"
	StatusLate     Status = "late"
)

// Session is one scheduled class meeting requiring attendance proof.
type Session struct {
	ID                int64
	CourseID          int64
	Date              time.Time // calendar date, midnight UTC
	ScheduledTime     string
	Topic             string
	Room              string
	ExpectedScanCount int
	ClosedAt          *time.Time
	CreatedAt         time.Time
}

// Open reports whether the session still accepts scans.
func (s *Session) Open() bool {
	return s.ClosedAt == nil
}

// ScanRecord accumulates one student's proof of presence for one session.
// Exactly one row exists per (session, student); it is incremented during
// the live phase and reclassified at finalization.
type ScanRecord struct {
	ID           int64
	SessionID    int64
	StudentID    int64
	ScanCount    int
	Status       Status
	LastScanTime *time.Time
	Latitude     *float64
	Longitude    *float64
	DeviceID     *string
	UpdatedAt    time.Time
}

// ScanOutcome is returned to the student after a successful scan.
type ScanOutcome struct {
	ScanCount int    `json:"scan_count"`
	Status    Status `json:"status"`
	Message   string `json:"message"`
}

// FinalizationSummary reports the result of closing a session.
type FinalizationSummary struct {
	SessionID     int64 `json:"session_id"`
	AttendedCount int   `json:"attended_count"`
	AbsentCount   int   `json:"absent_count"`
}

// DaySummary reports the result of normalizing a course day.
type DaySummary struct {
	CourseID      int64  `json:"course_id"`
	Date          string `json:"date"`
	DayMax        int    `json:"day_max_expected_scans"`
	Threshold     int    `json:"threshold"`
	AttendedCount int    `json:"attended_count"`
	AbsentCount   int    `json:"absent_count"`
}
