//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/consentcore/internal/domain/encounter"
)

func TestEncounterRepoPG(t *testing.T) {
	ctx := context.Background()
	patient := createTestPatient(t, ctx, "Ravi Kumar")
	doctor := createTestDoctor(t, ctx, "Dr. Iyer")
	repo := encounter.NewRepoPG(globalDB.Pool)

	now := time.Now().UTC().Truncate(time.Second)
	enc := &encounter.Encounter{DoctorID: doctor.ID, PatientID: patient.ID, ScheduledAt: now.Add(time.Hour)}
	if err := repo.Create(ctx, enc); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if enc.ID == uuid.Nil || enc.Status != encounter.StatusScheduled {
		t.Fatalf("expected id and SCHEDULED status, got %+v", enc)
	}

	t.Run("FindActive_InWindow", func(t *testing.T) {
		found, err := repo.FindActive(ctx, doctor.ID, patient.ID, now.Add(-2*time.Hour), now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("FindActive: %v", err)
		}
		if found == nil || found.ID != enc.ID {
			t.Fatalf("expected encounter %s, got %+v", enc.ID, found)
		}
	})

	t.Run("FindActive_OutsideWindow", func(t *testing.T) {
		found, err := repo.FindActive(ctx, doctor.ID, patient.ID, now.Add(3*time.Hour), now.Add(5*time.Hour))
		if err != nil {
			t.Fatalf("FindActive: %v", err)
		}
		if found != nil {
			t.Errorf("expected none, got %+v", found)
		}
	})

	t.Run("CancelledIsInactive", func(t *testing.T) {
		if err := repo.UpdateStatus(ctx, enc.ID, encounter.StatusCancelled); err != nil {
			t.Fatalf("UpdateStatus: %v", err)
		}
		found, err := repo.FindActive(ctx, doctor.ID, patient.ID, now.Add(-2*time.Hour), now.Add(2*time.Hour))
		if err != nil {
			t.Fatalf("FindActive: %v", err)
		}
		if found != nil {
			t.Errorf("cancelled encounter must not grant access, got %+v", found)
		}
	})

	t.Run("UpdateStatus_NotFound", func(t *testing.T) {
		err := repo.UpdateStatus(ctx, uuid.New(), encounter.StatusCompleted)
		if !errors.Is(err, encounter.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}
