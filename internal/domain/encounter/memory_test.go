package encounter

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestMemoryRepo_FindActive(t *testing.T) {
	now := time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)
	from, to := now.Add(-2*time.Hour), now.Add(2*time.Hour)
	doctor, patient := uuid.New(), uuid.New()

	tests := []struct {
		name        string
		doctorID    uuid.UUID
		patientID   uuid.UUID
		scheduledAt time.Time
		status      Status
		wantFound   bool
	}{
		{"scheduled one hour ago", doctor, patient, now.Add(-time.Hour), StatusScheduled, true},
		{"in progress", doctor, patient, now, StatusInProgress, true},
		{"window edge", doctor, patient, from, StatusScheduled, true},
		{"three hours ago", doctor, patient, now.Add(-3 * time.Hour), StatusScheduled, false},
		{"three hours ahead", doctor, patient, now.Add(3 * time.Hour), StatusScheduled, false},
		{"completed", doctor, patient, now, StatusCompleted, false},
		{"cancelled", doctor, patient, now, StatusCancelled, false},
		{"other doctor", uuid.New(), patient, now, StatusScheduled, false},
		{"other patient", doctor, uuid.New(), now, StatusScheduled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := NewMemoryRepo()
			ctx := context.Background()
			e := &Encounter{DoctorID: tt.doctorID, PatientID: tt.patientID, ScheduledAt: tt.scheduledAt, Status: tt.status}
			if err := repo.Create(ctx, e); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := repo.FindActive(ctx, doctor, patient, from, to)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if (got != nil) != tt.wantFound {
				t.Errorf("found=%v, want %v", got != nil, tt.wantFound)
			}
			if got != nil && got.ID != e.ID {
				t.Errorf("expected encounter %s, got %s", e.ID, got.ID)
			}
		})
	}
}

func TestMemoryRepo_UpdateStatus(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	now := time.Now()
	e := &Encounter{DoctorID: uuid.New(), PatientID: uuid.New(), ScheduledAt: now}
	repo.Create(ctx, e)
	if e.Status != StatusScheduled {
		t.Errorf("expected default status SCHEDULED, got %s", e.Status)
	}

	if err := repo.UpdateStatus(ctx, e.ID, StatusCancelled); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := repo.FindActive(ctx, e.DoctorID, e.PatientID, now.Add(-time.Hour), now.Add(time.Hour))
	if got != nil {
		t.Error("cancelled encounter must not be active")
	}

	if err := repo.UpdateStatus(ctx, uuid.New(), StatusCompleted); err == nil {
		t.Error("expected error for unknown encounter")
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"SCHEDULED", "IN_PROGRESS", "COMPLETED", "CANCELLED"} {
		if _, err := ParseStatus(s); err != nil {
			t.Errorf("ParseStatus(%q) error: %v", s, err)
		}
	}
	if _, err := ParseStatus("scheduled"); err == nil {
		t.Error("expected error for lower-case status")
	}
}
