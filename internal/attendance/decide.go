package attendance

// The two status-decision phases are pure functions over explicit snapshots
// so they can be exercised without a database. The postgres store issues the
// equivalent set-based statements; the in-memory store applies these
// directly.

// DecideSessionStatuses reclassifies every record of a closing session from
// its own scan count and synthesizes zero-count absents for enrolled
// students who never scanned. The input slice is not mutated.
func DecideSessionStatuses(sessionID int64, expected int, records []ScanRecord, enrolled []int64) ([]ScanRecord, FinalizationSummary) {
	summary := FinalizationSummary{SessionID: sessionID}
	seen := make(map[int64]bool, len(records))

	out := make([]ScanRecord, 0, len(records)+len(enrolled))
	for _, rec := range records {
		seen[rec.StudentID] = true
		if rec.ScanCount >= expected {
			rec.Status = StatusAttended
			summary.AttendedCount++
		} else {
			rec.Status = StatusAbsent
			summary.AbsentCount++
		}
		out = append(out, rec)
	}

	for _, studentID := range enrolled {
		if seen[studentID] {
			continue
		}
		out = append(out, ScanRecord{
			SessionID: sessionID,
			StudentID: studentID,
			ScanCount: 0,
			Status:    StatusAbsent,
		})
		summary.AbsentCount++
	}

	return out, summary
}

// DayThreshold computes ceil(dayMax * minPercentage / 100).
func DayThreshold(dayMax, minPercentage int) int {
	return (dayMax*minPercentage + 99) / 100
}

// DecideDayStatuses re-evaluates a whole course day: every enrolled
// student's scans are summed across all of the day's sessions and judged
// against a percentage of the day's highest expected count. A zero
// percentage marks everyone attended. Missing (session, student) records
// are synthesized absent-with-zero before summing, so late enrollees still
// get a definitive status. Idempotent: the decision depends only on the
// snapshot, never on a prior run.
func DecideDayStatuses(sessions []Session, records []ScanRecord, enrolled []int64, minPercentage int) ([]ScanRecord, DaySummary) {
	summary := DaySummary{}
	dayMax := 0
	for _, s := range sessions {
		if s.ExpectedScanCount > dayMax {
			dayMax = s.ExpectedScanCount
		}
		summary.CourseID = s.CourseID
	}
	summary.DayMax = dayMax
	summary.Threshold = DayThreshold(dayMax, minPercentage)

	// Synthesize missing rows first.
	have := make(map[int64]map[int64]bool, len(sessions))
	for _, rec := range records {
		if have[rec.SessionID] == nil {
			have[rec.SessionID] = make(map[int64]bool)
		}
		have[rec.SessionID][rec.StudentID] = true
	}
	out := append([]ScanRecord(nil), records...)
	for _, s := range sessions {
		for _, studentID := range enrolled {
			if have[s.ID] != nil && have[s.ID][studentID] {
				continue
			}
			out = append(out, ScanRecord{
				SessionID: s.ID,
				StudentID: studentID,
				ScanCount: 0,
				Status:    StatusAbsent,
			})
		}
	}

	totals := make(map[int64]int)
	for _, rec := range out {
		totals[rec.StudentID] += rec.ScanCount
	}

	attended := make(map[int64]bool, len(totals))
	for studentID, total := range totals {
		if minPercentage == 0 || total >= summary.Threshold {
			attended[studentID] = true
			summary.AttendedCount++
		} else {
			summary.AbsentCount++
		}
	}

	for i := range out {
		if attended[out[i].StudentID] {
			out[i].Status = StatusAttended
		} else {
			out[i].Status = StatusAbsent
		}
	}

	return out, summary
}
