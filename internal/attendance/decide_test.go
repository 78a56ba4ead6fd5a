package attendance

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecideSessionStatuses(t *testing.T) {
	records := []ScanRecord{
		{SessionID: 1, StudentID: 10, ScanCount: 3, Status: StatusAttended},
		{SessionID: 1, StudentID: 11, ScanCount: 2, Status: StatusPending},
		{SessionID: 1, StudentID: 12, ScanCount: 0, Status: StatusPending},
	}
	enrolled := []int64{10, 11, 12, 13}

	decided, summary := DecideSessionStatuses(1, 3, records, enrolled)

	require.Len(t, decided, 4)
	byStudent := map[int64]ScanRecord{}
	for _, rec := range decided {
		byStudent[rec.StudentID] = rec
	}
	require.Equal(t, StatusAttended, byStudent[10].Status)
	require.Equal(t, StatusAbsent, byStudent[11].Status)
	require.Equal(t, StatusAbsent, byStudent[12].Status)
	// Never scanned: synthesized with zero count.
	require.Equal(t, StatusAbsent, byStudent[13].Status)
	require.Zero(t, byStudent[13].ScanCount)

	require.Equal(t, 1, summary.AttendedCount)
	require.Equal(t, 3, summary.AbsentCount)
}

func TestDecideSessionStatusesRederives(t *testing.T) {
	records := []ScanRecord{
		{SessionID: 1, StudentID: 10, ScanCount: 2, Status: StatusPending},
	}
	first, s1 := DecideSessionStatuses(1, 2, records, []int64{10})
	second, s2 := DecideSessionStatuses(1, 2, first, []int64{10})
	require.Equal(t, first, second)
	require.Equal(t, s1, s2)
}

func TestDayThreshold(t *testing.T) {
	require.Equal(t, 7, DayThreshold(10, 70))
	require.Equal(t, 1, DayThreshold(1, 1))
	require.Equal(t, 0, DayThreshold(10, 0))
	require.Equal(t, 10, DayThreshold(10, 100))
	require.Equal(t, 4, DayThreshold(5, 75)) // ceil(3.75)
}

func TestDecideDayStatuses(t *testing.T) {
	sessions := []Session{
		{ID: 1, CourseID: 7, ExpectedScanCount: 10},
		{ID: 2, CourseID: 7, ExpectedScanCount: 4},
	}
	enrolled := []int64{100, 101, 102}

	t.Run("threshold law", func(t *testing.T) {
		records := []ScanRecord{
			{SessionID: 1, StudentID: 100, ScanCount: 6, Status: StatusAbsent},
			{SessionID: 2, StudentID: 100, ScanCount: 0, Status: StatusAbsent},
			{SessionID: 1, StudentID: 101, ScanCount: 5, Status: StatusAbsent},
			{SessionID: 2, StudentID: 101, ScanCount: 2, Status: StatusAbsent},
		}
		decided, summary := DecideDayStatuses(sessions, records, enrolled, 70)

		require.Equal(t, 10, summary.DayMax)
		require.Equal(t, 7, summary.Threshold)

		totals := map[int64][]Status{}
		for _, rec := range decided {
			totals[rec.StudentID] = append(totals[rec.StudentID], rec.Status)
		}
		// 6 total scans < 7: absent on every record of the day.
		for _, st := range totals[100] {
			require.Equal(t, StatusAbsent, st)
		}
		// 7 total scans: attended on every record of the day.
		for _, st := range totals[101] {
			require.Equal(t, StatusAttended, st)
		}
		// Never present in any session: synthesized absent for both.
		require.Len(t, totals[102], 2)
		for _, st := range totals[102] {
			require.Equal(t, StatusAbsent, st)
		}

		require.Equal(t, 1, summary.AttendedCount)
		require.Equal(t, 2, summary.AbsentCount)
	})

	t.Run("zero percentage marks everyone attended", func(t *testing.T) {
		decided, summary := DecideDayStatuses(sessions, nil, enrolled, 0)
		require.Len(t, decided, len(sessions)*len(enrolled))
		for _, rec := range decided {
			require.Equal(t, StatusAttended, rec.Status)
			require.Zero(t, rec.ScanCount)
		}
		require.Equal(t, 3, summary.AttendedCount)
		require.Zero(t, summary.AbsentCount)
	})

	t.Run("idempotent over its own output", func(t *testing.T) {
		records := []ScanRecord{
			{SessionID: 1, StudentID: 100, ScanCount: 8, Status: StatusAttended},
		}
		first, s1 := DecideDayStatuses(sessions, records, enrolled, 70)
		second, s2 := DecideDayStatuses(sessions, first, enrolled, 70)
		require.Equal(t, s1.AttendedCount, s2.AttendedCount)
		require.Equal(t, s1.AbsentCount, s2.AbsentCount)
		require.ElementsMatch(t, first, second)
	})
}
