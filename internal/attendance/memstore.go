package attendance

import (
	"context"
	"sync"
	"time"
)

// MemStore is a map-backed Store for tests and the memory backend. It
// reuses the pure decision functions the postgres store expresses as SQL.
type MemStore struct {
	mu         sync.Mutex
	nextSessID int64
	nextRecID  int64
	sessions   map[int64]*Session
	records    map[int64]map[int64]*ScanRecord // session -> student -> record
	enrolled   map[int64]map[int64]bool        // course -> student set
	policies   map[int64]int                   // course -> min percentage
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[int64]*Session),
		records:  make(map[int64]map[int64]*ScanRecord),
		enrolled: make(map[int64]map[int64]bool),
		policies: make(map[int64]int),
	}
}

// Enroll registers a student for a course.
func (m *MemStore) Enroll(courseID, studentID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enrolled[courseID] == nil {
		m.enrolled[courseID] = make(map[int64]bool)
	}
	m.enrolled[courseID][studentID] = true
}

// SetPolicy sets a course's minimum attendance percentage.
func (m *MemStore) SetPolicy(courseID int64, minPercentage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[courseID] = minPercentage
}

func (m *MemStore) GetSession(_ context.Context, id int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (m *MemStore) SaveSessionForIssue(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextSessID++
		s.ID = m.nextSessID
		s.CreatedAt = time.Now().UTC()
		cp := *s
		m.sessions[s.ID] = &cp
		return nil
	}
	stored := m.sessions[s.ID]
	maxCount := 0
	for _, rec := range m.records[s.ID] {
		if rec.ScanCount > maxCount {
			maxCount = rec.ScanCount
		}
	}
	if s.ExpectedScanCount < maxCount {
		s.ExpectedScanCount = maxCount
	}
	stored.ExpectedScanCount = s.ExpectedScanCount
	return nil
}

func (m *MemStore) IsEnrolled(_ context.Context, courseID, studentID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrolled[courseID][studentID], nil
}

func (m *MemStore) MinAttendancePercentage(_ context.Context, courseID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pct, ok := m.policies[courseID]
	if !ok {
		return 100, nil
	}
	return pct, nil
}

func (m *MemStore) UpdateScanLocked(_ context.Context, sessionID, studentID int64, fn func(*ScanRecord)) (ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[sessionID] == nil {
		m.records[sessionID] = make(map[int64]*ScanRecord)
	}
	rec, ok := m.records[sessionID][studentID]
	if !ok {
		m.nextRecID++
		rec = &ScanRecord{
			ID:        m.nextRecID,
			SessionID: sessionID,
			StudentID: studentID,
			Status:    StatusPending,
		}
		m.records[sessionID][studentID] = rec
	}
	fn(rec)
	rec.UpdatedAt = time.Now().UTC()
	return *rec, nil
}

func (m *MemStore) FinalizeSession(_ context.Context, sess *Session) (FinalizationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := m.sessions[sess.ID]
	if stored == nil {
		return FinalizationSummary{}, ErrSessionNotFound
	}
	if stored.ClosedAt == nil {
		now := time.Now().UTC()
		stored.ClosedAt = &now
	}

	decided, summary := DecideSessionStatuses(sess.ID, sess.ExpectedScanCount, m.snapshot(sess.ID), m.enrolledIDs(sess.CourseID))
	m.apply(decided)
	return summary, nil
}

func (m *MemStore) NormalizeDay(_ context.Context, courseID int64, date time.Time, minPercentage int) (DaySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var sessions []Session
	var records []ScanRecord
	for _, s := range m.sessions {
		if s.CourseID == courseID && s.Date.Equal(date) {
			sessions = append(sessions, *s)
			records = append(records, m.snapshot(s.ID)...)
		}
	}
	if len(sessions) == 0 {
		return DaySummary{}, ErrSessionNotFound
	}

	decided, summary := DecideDayStatuses(sessions, records, m.enrolledIDs(courseID), minPercentage)
	m.apply(decided)
	summary.Date = date.Format("2006-01-02")
	summary.CourseID = courseID
	return summary, nil
}

func (m *MemStore) SessionRecords(_ context.Context, sessionID int64) ([]ScanRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot(sessionID), nil
}

// snapshot copies a session's records; callers hold the lock.
func (m *MemStore) snapshot(sessionID int64) []ScanRecord {
	var out []ScanRecord
	for _, rec := range m.records[sessionID] {
		out = append(out, *rec)
	}
	return out
}

func (m *MemStore) enrolledIDs(courseID int64) []int64 {
	var out []int64
	for studentID := range m.enrolled[courseID] {
		out = append(out, studentID)
	}
	return out
}

// apply writes decided records back, creating synthesized rows as needed.
func (m *MemStore) apply(decided []ScanRecord) {
	now := time.Now().UTC()
	for _, rec := range decided {
		if m.records[rec.SessionID] == nil {
			m.records[rec.SessionID] = make(map[int64]*ScanRecord)
		}
		stored, ok := m.records[rec.SessionID][rec.StudentID]
		if !ok {
			m.nextRecID++
			rec.ID = m.nextRecID
			rec.UpdatedAt = now
			cp := rec
			m.records[rec.SessionID][rec.StudentID] = &cp
			continue
		}
		stored.Status = rec.Status
		stored.UpdatedAt = now
	}
}
