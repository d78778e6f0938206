package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"keyserver/internal/config"
	"keyserver/internal/license"
)

// Registry is the full User ID Registry contract.
type Registry interface {
	license.UserIDRegistry

	IsValid(ctx context.Context, userID string) (bool, error)
	IsUsed(ctx context.Context, userID string) (bool, error)
	Stats(ctx context.Context) (map[string]int64, error)
	Ping(ctx context.Context) error
	Close() error
}

// New opens the registry backend selected by cfg.Driver.
func New(ctx context.Context, cfg config.RegistryConfig, logger *slog.Logger) (Registry, error) {
	switch cfg.Driver {
	case config.RegistryFile, "":
		return NewFileRegistry(cfg.ValidIDsPath, cfg.UsedIDsPath, logger)
	case config.RegistryRedis:
		return NewRedisRegistry(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unknown registry driver %q", cfg.Driver)
	}
}

// checkAvailable applies the allow-list then used-set rule.
func checkAvailable(ctx context.Context, r Registry, userID string) error {
	valid, err := r.IsValid(ctx, userID)
	if err != nil {
		return err
	}
	if !valid {
		return license.ErrInvalidID
	}
	used, err := r.IsUsed(ctx, userID)
	if err != nil {
		return err
	}
	if used {
		return license.ErrAlreadyUsed
	}
	return nil
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
