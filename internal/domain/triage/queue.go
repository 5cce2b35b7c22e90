package triage

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Less orders admissions by severity priority, then arrival, then id so the
// order is total and stable across storage backends.
func Less(a, b *AdmissionDetail) bool {
	pa, pb := a.Category.Level.Priority, b.Category.Level.Priority
	if pa != pb {
		return pa < pb
	}
	if !a.ArrivedAt.Equal(b.ArrivedAt) {
		return a.ArrivedAt.Before(b.ArrivedAt)
	}
	return compareUUID(a.ID, b.ID) < 0
}

// compareUUID matches Postgres uuid ordering (bytewise).
func compareUUID(a, b uuid.UUID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// SortQueue sorts items in place in queue order.
func SortQueue(items []*AdmissionDetail) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// IsOverdue reports whether a patient who arrived at arrivedAt has waited
// strictly longer than maxWait at now.
func IsOverdue(arrivedAt time.Time, maxWait time.Duration, now time.Time) bool {
	return now.Sub(arrivedAt) > maxWait
}

// BloodPressure formats systolic/diastolic as "120/80".
func BloodPressure(v VitalSigns) string {
	return v.Systolic.String() + "/" + v.Diastolic.String()
}

// BuildQueue projects pending admissions into the waiting-queue view at now.
// Items are sorted first; non-pending items are skipped.
func BuildQueue(items []*AdmissionDetail, now time.Time) []QueueEntry {
	pending := make([]*AdmissionDetail, 0, len(items))
	for _, it := range items {
		if it.Status == StatusPending {
			pending = append(pending, it)
		}
	}
	SortQueue(pending)

	entries := make([]QueueEntry, 0, len(pending))
	for i, a := range pending {
		level := a.Category.Level
		waiting := now.Sub(a.ArrivedAt)
		if waiting < 0 {
			waiting = 0
		}
		entries = append(entries, QueueEntry{
			Position:       i + 1,
			AdmissionID:    a.ID,
			PatientID:      a.PatientID,
			PatientName:    a.Patient.FullName(),
			NationalID:     a.Patient.NationalID,
			CategoryName:   a.Category.Name,
			LevelName:      level.Name,
			LevelColor:     level.Color,
			Priority:       level.Priority,
			MaxWaitMinutes: level.MaxWaitMinutes,
			Vitals:         a.Vitals,
			BloodPressure:  BloodPressure(a.Vitals),
			Report:         a.Report,
			ArrivedAt:      a.ArrivedAt,
			Waiting:        waiting,
			WaitingMinutes: int(waiting / time.Minute),
			Overdue:        IsOverdue(a.ArrivedAt, level.MaxWait(), now),
		})
	}
	return entries
}

// PositionOf returns the 1-based position of id in entries, or 0.
func PositionOf(entries []QueueEntry, id uuid.UUID) int {
	for _, e := range entries {
		if e.AdmissionID == id {
			return e.Position
		}
	}
	return 0
}

// OverdueOnly keeps the overdue entries, preserving queue order and positions.
func OverdueOnly(entries []QueueEntry) []QueueEntry {
	out := make([]QueueEntry, 0)
	for _, e := range entries {
		if e.Overdue {
			out = append(out, e)
		}
	}
	return out
}
