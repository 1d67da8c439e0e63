package identity

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type MemoryDirectory struct {
	mu       sync.RWMutex
	patients map[uuid.UUID]Patient
	doctors  map[uuid.UUID]Doctor
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		patients: make(map[uuid.UUID]Patient),
		doctors:  make(map[uuid.UUID]Doctor),
	}
}

// AddPatient stores p, assigning an id if it has none.
func (d *MemoryDirectory) AddPatient(p Patient) Patient {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	d.mu.Lock()
	d.patients[p.ID] = p
	d.mu.Unlock()
	return p
}

// AddDoctor stores doc, assigning an id if it has none.
func (d *MemoryDirectory) AddDoctor(doc Doctor) Doctor {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	d.mu.Lock()
	d.doctors[doc.ID] = doc
	d.mu.Unlock()
	return doc
}

func (d *MemoryDirectory) PatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (d *MemoryDirectory) PatientByUser(_ context.Context, userID uuid.UUID) (*Patient, error) {
	return d.findPatient(func(p Patient) bool { return p.UserID == userID })
}

func (d *MemoryDirectory) PatientByPublicID(_ context.Context, publicID string) (*Patient, error) {
	return d.findPatient(func(p Patient) bool { return p.PublicID == publicID })
}

func (d *MemoryDirectory) findPatient(match func(Patient) bool) (*Patient, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, p := range d.patients {
		if match(p) {
			p := p
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (d *MemoryDirectory) DoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	doc, ok := d.doctors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &doc, nil
}

func (d *MemoryDirectory) DoctorByUser(_ context.Context, userID uuid.UUID) (*Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, doc := range d.doctors {
		if doc.UserID == userID {
			doc := doc
			return &doc, nil
		}
	}
	return nil, ErrNotFound
}
