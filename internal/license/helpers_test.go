package license

import (
	"context"
	"errors"
	"sync"
)

// fakeRegistry is an in-memory UserIDRegistry with per-id locks.
type fakeRegistry struct {
	mu      sync.Mutex
	valid   map[string]bool
	used    map[string]bool
	locks   sync.Map
	markErr error
	lockErr error
	marks   int
}

func newFakeRegistry(valid ...string) *fakeRegistry {
	r := &fakeRegistry{valid: map[string]bool{}, used: map[string]bool{}}
	for _, id := range valid {
		r.valid[id] = true
	}
	return r
}

func (r *fakeRegistry) Lock(_ context.Context, id string) (func(), error) {
	if r.lockErr != nil {
		return nil, r.lockErr
	}
	m, _ := r.locks.LoadOrStore(id, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock, nil
}

func (r *fakeRegistry) CheckAvailable(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.valid[id] {
		return ErrInvalidID
	}
	if r.used[id] {
		return ErrAlreadyUsed
	}
	return nil
}

func (r *fakeRegistry) MarkUsed(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.markErr != nil {
		return r.markErr
	}
	r.used[id] = true
	r.marks++
	return nil
}

func (r *fakeRegistry) isUsed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.used[id]
}

// recordingDispatcher remembers deliveries and can be told to fail.
type recordingDispatcher struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (d *recordingDispatcher) Deliver(_ context.Context, delivery Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deliveries = append(d.deliveries, delivery)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deliveries)
}

// zeroReader yields zero bytes, so every generated key is AAAA-AAAA-AAAA.
type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}

// failingReader always errors.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy unavailable") }

// scriptedStore wraps a MemoryStore and lets tests inject failures.
type scriptedStore struct {
	*MemoryStore
	findErr   error
	createErr error
	updateErr error
	// beforeUpdate runs once, before the first Update, to simulate a racing writer.
	beforeUpdate func()
	once         sync.Once
	finds        int
	mu           sync.Mutex
}

func (s *scriptedStore) FindByKey(ctx context.Context, key string) (*License, error) {
	s.mu.Lock()
	s.finds++
	s.mu.Unlock()
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.MemoryStore.FindByKey(ctx, key)
}

func (s *scriptedStore) Create(ctx context.Context, lic *License) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.MemoryStore.Create(ctx, lic)
}

func (s *scriptedStore) Update(ctx context.Context, lic *License, expected Status) (*License, error) {
	if s.beforeUpdate != nil {
		s.once.Do(s.beforeUpdate)
	}
	if s.updateErr != nil {
		return nil, s.updateErr
	}
	return s.MemoryStore.Update(ctx, lic, expected)
}

func (s *scriptedStore) findCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finds
}
