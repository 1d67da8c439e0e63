package emergency

import (
	"context"
	"sync"
)

type MemorySource struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

func NewMemorySource() *MemorySource {
	return &MemorySource{profiles: make(map[string]Profile)}
}

func (s *MemorySource) ProfileByPublicID(_ context.Context, publicID string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[publicID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(&p), nil
}

func (s *MemorySource) Save(_ context.Context, p *Profile) error {
	s.mu.Lock()
	s.profiles[p.PublicID] = *clone(p)
	s.mu.Unlock()
	return nil
}

func clone(p *Profile) *Profile {
	out := *p
	out.Allergies = append([]string(nil), p.Allergies...)
	out.ActiveMedications = append([]string(nil), p.ActiveMedications...)
	out.EmergencyContacts = append([]Contact(nil), p.EmergencyContacts...)
	return &out
}
