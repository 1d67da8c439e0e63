package encounter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type MemoryRepo struct {
	mu         sync.RWMutex
	encounters map[uuid.UUID]Encounter
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{encounters: make(map[uuid.UUID]Encounter)}
}

func (r *MemoryRepo) Create(_ context.Context, e *Encounter) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.Status == "" {
		e.Status = StatusScheduled
	}
	r.mu.Lock()
	r.encounters[e.ID] = *e
	r.mu.Unlock()
	return nil
}

func (r *MemoryRepo) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.encounters[id]
	if !ok {
		return fmt.Errorf("encounter %s: %w", id, ErrNotFound)
	}
	e.Status = status
	r.encounters[id] = e
	return nil
}

func (r *MemoryRepo) FindActive(_ context.Context, doctorID, patientID uuid.UUID, from, to time.Time) (*Encounter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.encounters {
		if e.DoctorID != doctorID || e.PatientID != patientID || !e.Status.Active() {
			continue
		}
		if e.ScheduledAt.Before(from) || e.ScheduledAt.After(to) {
			continue
		}
		e := e
		return &e, nil
	}
	return nil, nil
}
