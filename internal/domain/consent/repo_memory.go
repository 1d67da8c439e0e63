package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepo keeps consents in a map guarded by one mutex, which makes every
// Transition a single-writer critical section. Callers only ever see clones.
type MemoryRepo struct {
	mu       sync.RWMutex
	consents map[uuid.UUID]*Consent
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{consents: make(map[uuid.UUID]*Consent)}
}

func (r *MemoryRepo) Create(_ context.Context, c *Consent) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consents[c.ID] = c.Clone()
	return nil
}

func (r *MemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (r *MemoryRepo) FindActive(_ context.Context, doctorID, patientID uuid.UUID, now time.Time) (*Consent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *Consent
	for _, c := range r.consents {
		if c.DoctorID != doctorID || c.PatientID != patientID || !c.ActiveAt(now) {
			continue
		}
		if best == nil || c.ValidTo.After(*best.ValidTo) {
			best = c
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.Clone(), nil
}

func (r *MemoryRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(func(c *Consent) bool { return c.PatientID == patientID }, limit, offset)
}

func (r *MemoryRepo) ListByDoctor(_ context.Context, doctorID uuid.UUID, limit, offset int) ([]*Consent, int, error) {
	return r.list(func(c *Consent) bool { return c.DoctorID == doctorID }, limit, offset)
}

func (r *MemoryRepo) list(match func(*Consent) bool, limit, offset int) ([]*Consent, int, error) {
	r.mu.RLock()
	var out []*Consent
	for _, c := range r.consents {
		if match(c) {
			out = append(out, c.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].RequestedAt.After(out[j].RequestedAt)
	})
	total := len(out)
	if offset >= total {
		return []*Consent{}, total, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *MemoryRepo) Transition(_ context.Context, id uuid.UUID, fn func(c *Consent) error) (*Consent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.consents[id]
	if !ok {
		return nil, ErrNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	r.consents[id] = next.Clone()
	return next, nil
}
