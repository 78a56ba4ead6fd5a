package attendance

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"attendance/internal/geo"
	"attendance/internal/prooftoken"
)

// Service coordinates token issuance, scan recording, session finalization
// and day normalization over an injected Store.
type Service struct {
	store          Store
	codec          *prooftoken.Codec
	geofenceMeters float64
	tokenTTL       time.Duration
	log            *zap.Logger
}

// NewService wires the engine. Zero geofenceMeters and tokenTTL fall back
// to the operational defaults.
func NewService(store Store, codec *prooftoken.Codec, geofenceMeters float64, tokenTTL time.Duration, log *zap.Logger) *Service {
	if geofenceMeters <= 0 {
		geofenceMeters = geo.DefaultGeofenceMeters
	}
	if tokenTTL <= 0 {
		tokenTTL = prooftoken.DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: store, codec: codec, geofenceMeters: geofenceMeters, tokenTTL: tokenTTL, log: log}
}

// IssueInput describes an instructor's token-issuance call. SessionID zero
// creates a new session; non-zero re-issues for an existing one.
type IssueInput struct {
	SessionID         int64
	CourseID          int64
	Date              time.Time
	ScheduledTime     string
	Topic             string
	Room              string
	ExpectedScanCount int
	Latitude          float64
	Longitude         float64
	TTL               time.Duration
}

// IssueToken creates or re-issues a session and mints its proof token. On
// re-issue the expected scan count may only grow past progress already
// recorded, never undercut it.
func (s *Service) IssueToken(ctx context.Context, in IssueInput) (string, *Session, error) {
	if err := geo.Validate(in.Latitude, in.Longitude); err != nil {
		return "", nil, err
	}
	if in.ExpectedScanCount < 1 {
		in.ExpectedScanCount = 1
	}

	var sess *Session
	if in.SessionID != 0 {
		existing, err := s.store.GetSession(ctx, in.SessionID)
		if err != nil {
			return "", nil, fmt.Errorf("load session: %w", err)
		}
		if existing == nil {
			return "", nil, ErrSessionNotFound
		}
		if !existing.Open() {
			return "", nil, ErrSessionClosed
		}
		existing.ExpectedScanCount = in.ExpectedScanCount
		sess = existing
	} else {
		sess = &Session{
			CourseID:          in.CourseID,
			Date:              in.Date.UTC().Truncate(24 * time.Hour),
			ScheduledTime:     in.ScheduledTime,
			Topic:             in.Topic,
			Room:              in.Room,
			ExpectedScanCount: in.ExpectedScanCount,
		}
	}

	if err := s.store.SaveSessionForIssue(ctx, sess); err != nil {
		return "", nil, fmt.Errorf("save session: %w", err)
	}

	ttl := in.TTL
	if ttl <= 0 {
		ttl = s.tokenTTL
	}
	token, err := s.codec.Mint(sess.ID, in.Latitude, in.Longitude, sess.ExpectedScanCount, ttl)
	if err != nil {
		return "", nil, fmt.Errorf("mint proof token: %w", err)
	}

	s.log.Info("proof token issued",
		zap.Int64("session_id", sess.ID),
		zap.Int64("course_id", sess.CourseID),
		zap.Int("expected_scan_count", sess.ExpectedScanCount),
		zap.Duration("ttl", ttl))
	return token, sess, nil
}

// ScanInput is one student's scan submission.
type ScanInput struct {
	SessionID  int64
	ProofToken string
	StudentID  int64
	Latitude   *float64
	Longitude  *float64
	DeviceID   string
}

// RecordScan validates a submission against its proof token and increments
// the student's scan counter under a row lock.
//
// Every valid submission of a still-unexpired token counts; the short TTL
// is the replay bound. Repeated submission of one token inside its window
// is not deduplicated.
func (s *Service) RecordScan(ctx context.Context, in ScanInput) (ScanOutcome, error) {
	payload, err := s.codec.Verify(in.ProofToken)
	if err != nil {
		return ScanOutcome{}, err
	}
	if payload.SessionID != in.SessionID {
		return ScanOutcome{}, ErrSessionMismatch
	}

	sess, err := s.store.GetSession(ctx, in.SessionID)
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return ScanOutcome{}, ErrSessionNotFound
	}
	if !sess.Open() {
		return ScanOutcome{}, ErrSessionClosed
	}

	enrolled, err := s.store.IsEnrolled(ctx, sess.CourseID, in.StudentID)
	if err != nil {
		return ScanOutcome{}, fmt.Errorf("enrollment check: %w", err)
	}
	if !enrolled {
		return ScanOutcome{}, ErrNotEnrolled
	}

	if in.Latitude != nil && in.Longitude != nil {
		dist, err := geo.DistanceMeters(payload.Latitude, payload.Longitude, *in.Latitude, *in.Longitude)
		if err != nil {
			return ScanOutcome{}, err
		}
		if !geo.WithinGeofence(dist, s.geofenceMeters) {
			s.log.Info("scan outside geofence",
				zap.Int64("session_id", in.SessionID),
				zap.Int64("student_id", in.StudentID),
				zap.Float64("distance_m", dist))
			return ScanOutcome{}, ErrGeofenceViolation
		}
	}

	expected := payload.ExpectedScanCount
	now := time.Now().UTC()
	rec, err := s.store.UpdateScanLocked(ctx, in.SessionID, in.StudentID, func(rec *ScanRecord) {
		rec.ScanCount++
		rec.LastScanTime = &now
		if in.Latitude != nil && in.Longitude != nil {
			rec.Latitude = in.Latitude
			rec.Longitude = in.Longitude
		}
		if in.DeviceID != "" {
			// Latest device is stamped on both first and later scans; no
			// one-device-per-student rejection is enforced here.
			d := in.DeviceID
			rec.DeviceID = &d
		}
		if rec.ScanCount >= expected {
			rec.Status = StatusAttended
		} else {
			rec.Status = StatusPending
		}
	})
	if err != nil {
		return ScanOutcome{}, err
	}

	return ScanOutcome{
		ScanCount: rec.ScanCount,
		Status:    rec.Status,
		Message:   fmt.Sprintf("%d of %d scans completed", rec.ScanCount, expected),
	}, nil
}

// FinalizeSession closes the session and derives attended/absent for every
// enrolled student. Safe to re-run: statuses are re-derived from current
// counts, never delta-applied.
func (s *Service) FinalizeSession(ctx context.Context, sessionID int64) (FinalizationSummary, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return FinalizationSummary{}, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return FinalizationSummary{}, ErrSessionNotFound
	}

	summary, err := s.store.FinalizeSession(ctx, sess)
	if err != nil {
		return FinalizationSummary{}, err
	}
	s.log.Info("session finalized",
		zap.Int64("session_id", sessionID),
		zap.Int("attended", summary.AttendedCount),
		zap.Int("absent", summary.AbsentCount))
	return summary, nil
}

// NormalizeDay re-evaluates a whole course day against the course policy.
// Callers must have finalized all of the day's sessions first; running
// early under-counts, though a later re-run converges because the decision
// always recomputes from persisted counts.
func (s *Service) NormalizeDay(ctx context.Context, courseID int64, date time.Time) (DaySummary, error) {
	pct, err := s.store.MinAttendancePercentage(ctx, courseID)
	if err != nil {
		return DaySummary{}, fmt.Errorf("course policy: %w", err)
	}

	summary, err := s.store.NormalizeDay(ctx, courseID, date.UTC().Truncate(24*time.Hour), pct)
	if err != nil {
		return DaySummary{}, err
	}
	s.log.Info("day normalized",
		zap.Int64("course_id", courseID),
		zap.String("date", summary.Date),
		zap.Int("threshold", summary.Threshold),
		zap.Int("attended", summary.AttendedCount),
		zap.Int("absent", summary.AbsentCount))
	return summary, nil
}

// Records lists the session's scan records for reporting.
func (s *Service) Records(ctx context.Context, sessionID int64) ([]ScanRecord, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return s.store.SessionRecords(ctx, sessionID)
}
