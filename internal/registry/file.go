package registry

import (
	"context"
	"log/slog"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "keyserver/internal/errors"
)

// FileRegistry keeps the allow-list and used set in JSON files.
// The allow-list is read once and never written back.
type FileRegistry struct {
	validPath string
	usedPath  string
	logger    *slog.Logger

	mu    sync.RWMutex
	valid map[string]struct{}
	used  map[string]struct{}
	locks *keyedMutex
}

// NewFileRegistry loads both sets. A missing used file is an empty set.
// A missing allow-list is created empty, which rejects every id until an
// operator fills it.
func NewFileRegistry(validPath, usedPath string, logger *slog.Logger) (*FileRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &FileRegistry{
		validPath: validPath,
		usedPath:  usedPath,
		logger:    logger.With(slog.String("component", "file_registry")),
		valid:     make(map[string]struct{}),
		used:      make(map[string]struct{}),
		locks:     newKeyedMutex(),
	}

	valid, err := readIDFile(validPath)
	switch {
	case os.IsNotExist(err):
		r.logger.Error("CRITICAL: user id allow-list not found, created an empty one",
			slog.String("path", validPath))
		if err := writeIDFile(validPath, nil); err != nil {
			return nil, apperrors.NewRegistryError("create allow-list", err)
		}
	case err != nil:
		return nil, apperrors.NewRegistryError("load allow-list", err)
	}
	for _, id := range valid {
		r.valid[id] = struct{}{}
	}

	used, err := readIDFile(usedPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, apperrors.NewRegistryError("load used ids", err)
	}
	for _, id := range used {
		r.used[id] = struct{}{}
	}

	r.logger.Info("user id registry loaded",
		slog.Int("valid_ids", len(r.valid)),
		slog.Int("used_ids", len(r.used)))
	return r, nil
}

func (r *FileRegistry) IsValid(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.valid[userID]
	return ok, nil
}

func (r *FileRegistry) IsUsed(_ context.Context, userID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.used[userID]
	return ok, nil
}

func (r *FileRegistry) CheckAvailable(ctx context.Context, userID string) error {
	return checkAvailable(ctx, r, userID)
}

// MarkUsed adds userID to the used set and rewrites the used file. The
// in-memory set changes only after the file is replaced.
func (r *FileRegistry) MarkUsed(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.used[userID]; ok {
		return nil
	}

	ids := make([]string, 0, len(r.used)+1)
	for id := range r.used {
		ids = append(ids, id)
	}
	ids = append(ids, userID)
	sort.Strings(ids)

	if err := writeIDFile(r.usedPath, ids); err != nil {
		return apperrors.NewRegistryError("persist used ids", err).WithContext("user_id", userID)
	}
	r.used[userID] = struct{}{}
	return nil
}

// Lock serializes check-then-mark for one id within this process.
func (r *FileRegistry) Lock(ctx context.Context, userID string) (func(), error) {
	return r.locks.Lock(ctx, userID)
}

// Ping verifies the used file's directory is still there, since every
// MarkUsed renames a temp file into it.
func (r *FileRegistry) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Dir(r.usedPath)
	info, err := os.Stat(dir)
	if err != nil {
		return apperrors.NewRegistryError("stat used ids directory", err)
	}
	if !info.IsDir() {
		return apperrors.NewRegistryError("stat used ids directory", fmt.Errorf("%s is not a directory", dir))
	}
	return nil
}

func (r *FileRegistry) Close() error { return nil }

// Stats reports set sizes for the health endpoint.
func (r *FileRegistry) Stats(_ context.Context) (map[string]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]int64{"valid_ids": int64(len(r.valid)), "used_ids": int64(len(r.used))}, nil
}
