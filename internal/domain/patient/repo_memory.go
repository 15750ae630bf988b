package patient

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryRepo struct {
	mu       sync.RWMutex
	patients map[string]Patient
}

// NewMemoryRepo returns a Repository for deployments without a database.
func NewMemoryRepo() Repository {
	return &memoryRepo{patients: make(map[string]Patient)}
}

func (r *memoryRepo) Upsert(_ context.Context, p *Patient) error {
	if p.ID == "" {
		return errors.New("patient upsert: missing id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := r.patients[p.ID]
	merged.ID = p.ID
	mergeString(&merged.Name, p.Name)
	mergeString(&merged.DateOfBirth, p.DateOfBirth)
	mergeString(&merged.Contact, p.Contact)
	mergeString(&merged.Allergies, p.Allergies)
	mergeString(&merged.MedicalHistory, p.MedicalHistory)
	merged.UpdatedAt = time.Now().UTC()

	r.patients[p.ID] = merged
	p.UpdatedAt = merged.UpdatedAt
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id string) (*Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// mergeString keeps the stored value when the update is empty, matching the
// upsert semantics of the Postgres repository.
func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
