package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"attendance/internal/attendance"
	"attendance/internal/geo"
	"attendance/internal/prooftoken"
)

const (
	anchorLat = 13.7563
	anchorLng = 100.5018
)

func newTestService(t *testing.T) (*attendance.Service, *attendance.MemStore) {
	t.Helper()
	store := attendance.NewMemStore()
	codec := prooftoken.NewCodec("test-secret", "attendance-engine")
	svc := attendance.NewService(store, codec, 50, 10*time.Second, zap.NewNop())
	return svc, store
}

func issue(t *testing.T, svc *attendance.Service, courseID int64, expected int) (string, *attendance.Session) {
	t.Helper()
	token, sess, err := svc.IssueToken(context.Background(), attendance.IssueInput{
		CourseID:          courseID,
		Date:              time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		ScheduledTime:     "09:00",
		ExpectedScanCount: expected,
		Latitude:          anchorLat,
		Longitude:         anchorLng,
	})
	require.NoError(t, err)
	return token, sess
}

func ptr(f float64) *float64 { return &f }

func TestRecordScanProgression(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	ctx := context.Background()

	_, sess := issue(t, svc, 1, 3)

	wantStatus := []attendance.Status{attendance.StatusPending, attendance.StatusPending, attendance.StatusAttended}
	for i, want := range wantStatus {
		// A fresh token is displayed for every scan in practice; mint one
		// per submission like the issuer's refresh loop does.
		token, _, err := svc.IssueToken(ctx, attendance.IssueInput{
			SessionID: sess.ID, ExpectedScanCount: 3,
			Latitude: anchorLat, Longitude: anchorLng,
		})
		require.NoError(t, err)

		out, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID:  sess.ID,
			ProofToken: token,
			StudentID:  100,
			Latitude:   ptr(anchorLat),
			Longitude:  ptr(anchorLng),
			DeviceID:   "device-a",
		})
		require.NoError(t, err)
		require.Equal(t, i+1, out.ScanCount)
		require.Equal(t, want, out.Status)
		require.Contains(t, out.Message, "of 3 scans completed")
	}
}

func TestRecordScanRejections(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	ctx := context.Background()

	token, sess := issue(t, svc, 1, 2)

	t.Run("session mismatch", func(t *testing.T) {
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID + 99, ProofToken: token, StudentID: 100,
		})
		require.ErrorIs(t, err, attendance.ErrSessionMismatch)
	})

	t.Run("not enrolled", func(t *testing.T) {
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: token, StudentID: 999,
		})
		require.ErrorIs(t, err, attendance.ErrNotEnrolled)
	})

	t.Run("geofence violation leaves counter untouched", func(t *testing.T) {
		// ~100 m north of the anchor.
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID:  sess.ID,
			ProofToken: token,
			StudentID:  100,
			Latitude:   ptr(anchorLat + 0.0009),
			Longitude:  ptr(anchorLng),
		})
		require.ErrorIs(t, err, attendance.ErrGeofenceViolation)

		recs, err := svc.Records(ctx, sess.ID)
		require.NoError(t, err)
		require.Empty(t, recs)
	})

	t.Run("missing location skips the geofence", func(t *testing.T) {
		out, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: token, StudentID: 100,
		})
		require.NoError(t, err)
		require.Equal(t, 1, out.ScanCount)
	})

	t.Run("invalid location", func(t *testing.T) {
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID:  sess.ID,
			ProofToken: token,
			StudentID:  100,
			Latitude:   ptr(123.0),
			Longitude:  ptr(0.0),
		})
		require.ErrorIs(t, err, geo.ErrInvalidLocation)
	})

	t.Run("expired token", func(t *testing.T) {
		codec := prooftoken.NewCodec("test-secret", "attendance-engine")
		expired, err := codec.Mint(sess.ID, anchorLat, anchorLng, 2, time.Millisecond)
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
		_, err = svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: expired, StudentID: 100,
		})
		require.ErrorIs(t, err, prooftoken.ErrTokenExpired)
	})

	t.Run("closed session", func(t *testing.T) {
		_, err := svc.FinalizeSession(ctx, sess.ID)
		require.NoError(t, err)
		_, err = svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: token, StudentID: 100,
		})
		require.ErrorIs(t, err, attendance.ErrSessionClosed)
	})
}

func TestConcurrentScansLoseNoUpdates(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	ctx := context.Background()

	const n = 32
	token, sess := issue(t, svc, 1, n)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordScan(ctx, attendance.ScanInput{
				SessionID:  sess.ID,
				ProofToken: token,
				StudentID:  100,
				Latitude:   ptr(anchorLat),
				Longitude:  ptr(anchorLng),
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	recs, err := svc.Records(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, n, recs[0].ScanCount)
	require.Equal(t, attendance.StatusAttended, recs[0].Status)
}

func TestFinalizeSession(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	store.Enroll(1, 101)
	ctx := context.Background()

	token, sess := issue(t, svc, 1, 2)
	for i := 0; i < 2; i++ {
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: token, StudentID: 100,
		})
		require.NoError(t, err)
	}

	summary, err := svc.FinalizeSession(ctx, sess.ID)
	require.NoError(t, err)
	require.Equal(t, 1, summary.AttendedCount)
	require.Equal(t, 1, summary.AbsentCount)

	recs, err := svc.Records(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byStudent := map[int64]attendance.ScanRecord{}
	for _, rec := range recs {
		byStudent[rec.StudentID] = rec
	}
	require.Equal(t, attendance.StatusAttended, byStudent[100].Status)
	// Never scanned: synthesized absent with zero count.
	require.Equal(t, attendance.StatusAbsent, byStudent[101].Status)
	require.Zero(t, byStudent[101].ScanCount)

	t.Run("idempotent re-run", func(t *testing.T) {
		again, err := svc.FinalizeSession(ctx, sess.ID)
		require.NoError(t, err)
		require.Equal(t, summary, again)

		recsAgain, err := svc.Records(ctx, sess.ID)
		require.NoError(t, err)
		require.ElementsMatch(t, statuses(recs), statuses(recsAgain))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := svc.FinalizeSession(ctx, 4242)
		require.ErrorIs(t, err, attendance.ErrSessionNotFound)
	})
}

func statuses(recs []attendance.ScanRecord) []attendance.Status {
	out := make([]attendance.Status, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Status)
	}
	return out
}

func TestNormalizeDay(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	store.Enroll(1, 101)
	store.SetPolicy(1, 70)
	ctx := context.Background()

	date := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)

	// Two sessions the same day; day max expected is 10.
	tokenA, sessA := issue(t, svc, 1, 10)
	tokenB, sessB := issue(t, svc, 1, 4)

	scan := func(token string, sessID, student int64, times int) {
		t.Helper()
		for i := 0; i < times; i++ {
			_, err := svc.RecordScan(ctx, attendance.ScanInput{
				SessionID: sessID, ProofToken: token, StudentID: student,
			})
			require.NoError(t, err)
		}
	}
	// Student 100: 5 + 2 = 7 >= ceil(10*0.7) = 7 -> attended.
	scan(tokenA, sessA.ID, 100, 5)
	scan(tokenB, sessB.ID, 100, 2)
	// Student 101: 4 + 2 = 6 < 7 -> absent, despite attending session B.
	scan(tokenA, sessA.ID, 101, 4)
	scan(tokenB, sessB.ID, 101, 2)

	_, err := svc.FinalizeSession(ctx, sessA.ID)
	require.NoError(t, err)
	_, err = svc.FinalizeSession(ctx, sessB.ID)
	require.NoError(t, err)

	summary, err := svc.NormalizeDay(ctx, 1, date)
	require.NoError(t, err)
	require.Equal(t, 10, summary.DayMax)
	require.Equal(t, 7, summary.Threshold)
	require.Equal(t, 1, summary.AttendedCount)
	require.Equal(t, 1, summary.AbsentCount)

	for _, sessID := range []int64{sessA.ID, sessB.ID} {
		recs, err := svc.Records(ctx, sessID)
		require.NoError(t, err)
		for _, rec := range recs {
			switch rec.StudentID {
			case 100:
				require.Equal(t, attendance.StatusAttended, rec.Status)
			case 101:
				require.Equal(t, attendance.StatusAbsent, rec.Status)
			}
		}
	}

	t.Run("re-run converges", func(t *testing.T) {
		again, err := svc.NormalizeDay(ctx, 1, date)
		require.NoError(t, err)
		require.Equal(t, summary, again)
	})

	t.Run("zero percentage policy", func(t *testing.T) {
		store.SetPolicy(1, 0)
		s, err := svc.NormalizeDay(ctx, 1, date)
		require.NoError(t, err)
		require.Equal(t, 2, s.AttendedCount)
		require.Zero(t, s.AbsentCount)
	})

	t.Run("no sessions that day", func(t *testing.T) {
		_, err := svc.NormalizeDay(ctx, 1, date.AddDate(0, 0, 1))
		require.ErrorIs(t, err, attendance.ErrSessionNotFound)
	})
}

func TestIssueTokenReissueFloor(t *testing.T) {
	svc, store := newTestService(t)
	store.Enroll(1, 100)
	ctx := context.Background()

	token, sess := issue(t, svc, 1, 5)
	for i := 0; i < 3; i++ {
		_, err := svc.RecordScan(ctx, attendance.ScanInput{
			SessionID: sess.ID, ProofToken: token, StudentID: 100,
		})
		require.NoError(t, err)
	}

	// Re-issue asking for fewer scans than a student already accumulated:
	// the stored expectation floors at the recorded maximum.
	_, updated, err := svc.IssueToken(ctx, attendance.IssueInput{
		SessionID:         sess.ID,
		ExpectedScanCount: 2,
		Latitude:          anchorLat,
		Longitude:         anchorLng,
	})
	require.NoError(t, err)
	require.Equal(t, 3, updated.ExpectedScanCount)

	t.Run("reissue for closed session fails", func(t *testing.T) {
		_, err := svc.FinalizeSession(ctx, sess.ID)
		require.NoError(t, err)
		_, _, err = svc.IssueToken(ctx, attendance.IssueInput{
			SessionID:         sess.ID,
			ExpectedScanCount: 4,
			Latitude:          anchorLat,
			Longitude:         anchorLng,
		})
		require.ErrorIs(t, err, attendance.ErrSessionClosed)
	})

	t.Run("invalid anchor", func(t *testing.T) {
		_, _, err := svc.IssueToken(ctx, attendance.IssueInput{
			CourseID:          1,
			Date:              time.Now(),
			ExpectedScanCount: 1,
			Latitude:          95,
			Longitude:         0,
		})
		require.ErrorIs(t, err, geo.ErrInvalidLocation)
	})
}
