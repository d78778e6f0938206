package license

import (
	"context"
	"sync"
	"time"
)

// Store is the persistence contract for license records.
//
// Create must reject a key that already exists with ErrDuplicateKey and a
// second record for the same user id with ErrDuplicateUserID. Update is a
// conditional write: it applies the new status, machine id and activation
// time only if the stored status still equals expected, and otherwise
// returns ErrTransitionConflict. Lookups return ErrNotFound for a miss.
type Store interface {
	FindByKey(ctx context.Context, key string) (*License, error)
	FindByEmailAndKey(ctx context.Context, email, key string) (*License, error)
	Create(ctx context.Context, lic *License) error
	Update(ctx context.Context, lic *License, expected Status) (*License, error)
	Ping(ctx context.Context) error
}

// MemoryStore keeps licenses in a map. Uniqueness and the conditional
// transition are enforced under one lock.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*License
	byUser  map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*License),
		byUser:  make(map[string]string),
	}
}

func (s *MemoryStore) FindByKey(ctx context.Context, key string) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	lic, ok := s.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return lic.Clone(), nil
}

func (s *MemoryStore) FindByEmailAndKey(ctx context.Context, email, key string) (*License, error) {
	lic, err := s.FindByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if lic.Email != email {
		return nil, ErrNotFound
	}
	return lic, nil
}

func (s *MemoryStore) Create(ctx context.Context, lic *License) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[lic.LicenseKey]; exists {
		return ErrDuplicateKey
	}
	if lic.UserID != "" {
		if _, exists := s.byUser[lic.UserID]; exists {
			return ErrDuplicateUserID
		}
		s.byUser[lic.UserID] = lic.LicenseKey
	}
	s.records[lic.LicenseKey] = lic.Clone()
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, lic *License, expected Status) (*License, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[lic.LicenseKey]
	if !ok {
		return nil, ErrNotFound
	}
	if current.EffectiveStatus() != expected {
		return nil, ErrTransitionConflict
	}

	current.Status = lic.Status
	current.MachineID = lic.MachineID
	if lic.ActivatedAt != nil {
		at := *lic.ActivatedAt
		current.ActivatedAt = &at
	}
	return current.Clone(), nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// activatedCopy builds the record written by the ASSIGNED to ACTIVATED transition.
func activatedCopy(lic *License, machineID string, at time.Time) *License {
	next := lic.Clone()
	next.Status = StatusActivated
	next.MachineID = machineID
	next.ActivatedAt = &at
	return next
}
