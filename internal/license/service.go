package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"keyserver/internal/config"
	"keyserver/internal/infrastructure"
)

// UserIDRegistry is the part of the User ID Registry the lifecycle needs.
// CheckAvailable returns ErrInvalidID or ErrAlreadyUsed for a rejected id.
type UserIDRegistry interface {
	CheckAvailable(ctx context.Context, userID string) error
	MarkUsed(ctx context.Context, userID string) error
	Lock(ctx context.Context, userID string) (unlock func(), err error)
}

// Dispatcher delivers a freshly minted key to its owner.
type Dispatcher interface {
	Deliver(ctx context.Context, d Delivery) error
}

// Service runs the license lifecycle: issuance against the User ID
// Registry and the ASSIGNED to ACTIVATED transition.
type Service struct {
	store      Store
	registry   UserIDRegistry
	dispatcher Dispatcher
	generator  *KeyGenerator
	cache      *ActivatedCache
	metrics    *infrastructure.BusinessMetrics
	logger     *slog.Logger
	tracer     trace.Tracer
	cfg        config.LicenseConfig
	now        func() time.Time
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(metrics *infrastructure.BusinessMetrics) Option {
	return func(s *Service) { s.metrics = metrics }
}

func WithGenerator(generator *KeyGenerator) Option {
	return func(s *Service) { s.generator = generator }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService wires the lifecycle to its collaborators.
func NewService(store Store, registry UserIDRegistry, dispatcher Dispatcher, cfg config.LicenseConfig, opts ...Option) *Service {
	if cfg.KeyAttempts < 1 {
		cfg.KeyAttempts = config.DefaultKeyAttempts
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = config.DefaultOperationTimeout
	}

	s := &Service{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		generator:  NewKeyGenerator(),
		logger:     slog.Default(),
		tracer:     otel.Tracer("license-service"),
		cfg:        cfg,
		now:        time.Now,
	}
	if cfg.CacheSize > 0 && cfg.CacheTTL > 0 {
		s.cache = NewActivatedCache(cfg.CacheTTL, cfg.CacheSize)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("service", "license"))
	return s
}

// Close releases the cache sweeper.
func (s *Service) Close() {
	if s.cache != nil {
		s.cache.Stop()
	}
}

// CacheStats returns activated-cache statistics, or nil when caching is off.
func (s *Service) CacheStats() map[string]interface{} {
	if s.cache == nil {
		return nil
	}
	return s.cache.GetStats()
}

// Issue consumes req.UserID and mints a new ASSIGNED license for req.Email.
//
// The user id is marked used as soon as the record exists, before delivery.
// When delivery then fails the returned error has KindDelivery and the
// returned license is non-nil: the key is minted and stays valid.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*License, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "license.issue")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	lic, err := s.issue(ctx, req)

	result := "success"
	if err != nil {
		result = strings.ToLower(KindOf(err).String())
		infrastructure.RecordError(ctx, err)
	}
	span.SetAttributes(attribute.String("license.result", result))
	infrastructure.RecordIssue(ctx, s.metrics, result, time.Since(start))
	return lic, err
}

func (s *Service) issue(ctx context.Context, req IssueRequest) (*License, error) {
	req.Email = NormalizeEmail(req.Email, s.cfg.FoldEmailCase)
	req.UserID = strings.TrimSpace(req.UserID)
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Email == "" || req.UserID == "" {
		return nil, newError(KindInvalidInput, "issue", errors.New("email and userId are required"))
	}

	unlock, err := s.registry.Lock(ctx, req.UserID)
	if err != nil {
		return nil, registryError("issue.lock", err)
	}
	defer unlock()

	if err := s.registry.CheckAvailable(ctx, req.UserID); err != nil {
		s.logAction(ctx, slog.LevelWarn, "issue", "user id rejected",
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		return nil, registryError("issue.check", err)
	}

	lic, err := s.mint(ctx, req)
	if err != nil {
		if KindOf(err) == KindAlreadyUsed {
			// a record already exists for this id, so the used-set lagged behind
			if markErr := s.registry.MarkUsed(ctx, req.UserID); markErr != nil {
				s.logAction(ctx, slog.LevelError, "issue", "failed to backfill used user id",
					slog.String("user_id", req.UserID),
					slog.String("error", markErr.Error()))
			}
		}
		return nil, err
	}

	if err := s.registry.MarkUsed(ctx, req.UserID); err != nil {
		s.logLicenseAction(ctx, slog.LevelError, "issue", "license created but user id not marked used",
			lic.LicenseKey, lic.Email,
			slog.String("user_id", req.UserID),
			slog.String("error", err.Error()))
		return lic, newError(KindRegistry, "issue.mark_used", err)
	}

	if err := s.dispatcher.Deliver(ctx, Delivery{
		Email:      lic.Email,
		Name:       lic.Name,
		UserID:     lic.UserID,
		LicenseKey: lic.LicenseKey,
	}); err != nil {
		if s.metrics != nil {
			s.metrics.NotificationFailures.Add(ctx, 1)
		}
		s.logLicenseAction(ctx, slog.LevelError, "issue", "license minted but delivery failed",
			lic.LicenseKey, lic.Email,
			slog.String("user_id", lic.UserID),
			slog.String("error", err.Error()))
		return lic, newError(KindDelivery, "issue.deliver", err)
	}

	s.logLicenseAction(ctx, slog.LevelInfo, "issue", "license issued",
		lic.LicenseKey, lic.Email, slog.String("user_id", lic.UserID))
	return lic, nil
}

// mint generates keys until one is free and persists the ASSIGNED record.
// The lookup is a fast path; the store's uniqueness check is authoritative.
func (s *Service) mint(ctx context.Context, req IssueRequest) (*License, error) {
	for attempt := 1; attempt <= s.cfg.KeyAttempts; attempt++ {
		key, err := s.generator.Generate()
		if err != nil {
			return nil, newError(KindUnknown, "issue.generate", err)
		}

		if _, err := s.store.FindByKey(ctx, key); err == nil {
			s.recordCollision(ctx, attempt)
			continue
		} else if !errors.Is(err, ErrNotFound) {
			return nil, newError(KindStore, "issue.lookup", err)
		}

		lic := &License{
			LicenseKey: key,
			Email:      req.Email,
			UserID:     req.UserID,
			Name:       req.Name,
			Phone:      req.Phone,
			Status:     StatusAssigned,
			CreatedAt:  s.now().UTC(),
		}
		switch err := s.store.Create(ctx, lic); {
		case err == nil:
			return lic, nil
		case errors.Is(err, ErrDuplicateKey):
			s.recordCollision(ctx, attempt)
		case errors.Is(err, ErrDuplicateUserID):
			return nil, newError(KindAlreadyUsed, "issue.create", err)
		default:
			return nil, newError(KindStore, "issue.create", err)
		}
	}

	s.logAction(ctx, slog.LevelError, "issue", "key space exhausted",
		slog.Int("attempts", s.cfg.KeyAttempts))
	return nil, newError(KindKeyspaceExhausted, "issue.generate",
		fmt.Errorf("%w after %d attempts", ErrKeyspaceExhausted, s.cfg.KeyAttempts))
}

func (s *Service) recordCollision(ctx context.Context, attempt int) {
	if s.metrics != nil {
		s.metrics.LicenseKeyCollisions.Add(ctx, 1)
	}
	s.logAction(ctx, slog.LevelWarn, "issue", "generated key collided", slog.Int("attempt", attempt))
}

// Activate binds a license to a machine. Success is either OutcomeActivated
// or, for a repeat from the bound machine, OutcomeAlreadyActivated.
func (s *Service) Activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "license.activate")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OperationTimeout)
	defer cancel()

	res, err := s.activate(ctx, req)

	outcome := ""
	if err != nil {
		outcome = KindOf(err).String()
		infrastructure.RecordError(ctx, err)
	} else {
		outcome = res.Outcome.String()
	}
	span.SetAttributes(attribute.String("license.outcome", outcome))
	infrastructure.RecordActivation(ctx, s.metrics, outcome, time.Since(start))
	return res, err
}

// ActivateWeb is Activate for browser clients: a missing machine id is
// minted and returned in the result so the browser can keep it.
func (s *Service) ActivateWeb(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	if strings.TrimSpace(req.MachineID) == "" {
		machineID, err := s.generator.WebMachineID(s.now())
		if err != nil {
			return nil, newError(KindUnknown, "activate.machine_id", err)
		}
		req.MachineID = machineID
	}
	return s.Activate(ctx, req)
}

func (s *Service) activate(ctx context.Context, req ActivateRequest) (*ActivationResult, error) {
	key := NormalizeKey(req.LicenseKey)
	email := NormalizeEmail(req.Email, s.cfg.FoldEmailCase)
	machineID := strings.TrimSpace(req.MachineID)
	if email == "" || key == "" || machineID == "" {
		return nil, newError(KindInvalidInput, "activate", errors.New("email, licenseKey and machineId are required"))
	}
	if !ValidKeyFormat(key) {
		s.logLicenseAction(ctx, slog.LevelWarn, "activate", "malformed license key", key, email)
		return nil, newError(KindInvalidKey, "activate", nil)
	}

	lic, err := s.find(ctx, key)
	if errors.Is(err, ErrNotFound) {
		s.logLicenseAction(ctx, slog.LevelWarn, "activate", "unknown license key", key, email)
		return nil, newError(KindInvalidKey, "activate.lookup", nil)
	}
	if err != nil {
		return nil, newError(KindStore, "activate.lookup", err)
	}

	return s.bind(ctx, lic, email, machineID)
}

// bind applies the state machine to a loaded record.
func (s *Service) bind(ctx context.Context, lic *License, email, machineID string) (*ActivationResult, error) {
	if NormalizeEmail(lic.Email, s.cfg.FoldEmailCase) != email {
		s.logLicenseAction(ctx, slog.LevelWarn, "activate", "email mismatch", lic.LicenseKey, email)
		return nil, newError(KindEmailMismatch, "activate", nil)
	}

	if lic.EffectiveStatus() == StatusActivated {
		if lic.MachineID == machineID {
			s.logLicenseAction(ctx, slog.LevelInfo, "activate", "already activated on this machine", lic.LicenseKey, email)
			return &ActivationResult{Outcome: OutcomeAlreadyActivated, License: lic, MachineID: machineID}, nil
		}
		s.logLicenseAction(ctx, slog.LevelWarn, "activate", "machine conflict", lic.LicenseKey, email)
		return nil, newError(KindMachineConflict, "activate", nil)
	}

	updated, err := s.store.Update(ctx, activatedCopy(lic, machineID, s.now().UTC()), StatusAssigned)
	switch {
	case err == nil:
	case errors.Is(err, ErrTransitionConflict):
		// another request won the transition; its binding decides the outcome
		fresh, findErr := s.store.FindByKey(ctx, lic.LicenseKey)
		if findErr != nil {
			return nil, newError(KindStore, "activate.reload", findErr)
		}
		if fresh.EffectiveStatus() != StatusActivated {
			return nil, newError(KindStore, "activate.update", err)
		}
		s.cacheSet(fresh)
		return s.bind(ctx, fresh, email, machineID)
	default:
		return nil, newError(KindStore, "activate.update", err)
	}

	s.cacheSet(updated)
	s.logLicenseAction(ctx, slog.LevelInfo, "activate", "license activated", updated.LicenseKey, email)
	return &ActivationResult{Outcome: OutcomeActivated, License: updated, MachineID: machineID}, nil
}

// CheckUserID reports whether userID could be used for issuance right now.
func (s *Service) CheckUserID(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return newError(KindInvalidInput, "check_user_id", errors.New("userId is required"))
	}
	if err := s.registry.CheckAvailable(ctx, userID); err != nil {
		return registryError("check_user_id", err)
	}
	return nil
}

// Lookup returns the record for key. When email is non-empty the record
// must also belong to it.
func (s *Service) Lookup(ctx context.Context, key, email string) (*License, error) {
	key = NormalizeKey(key)
	if !ValidKeyFormat(key) {
		return nil, newError(KindInvalidKey, "lookup", nil)
	}

	var (
		lic *License
		err error
	)
	if email = NormalizeEmail(email, s.cfg.FoldEmailCase); email != "" {
		lic, err = s.store.FindByEmailAndKey(ctx, email, key)
	} else {
		lic, err = s.find(ctx, key)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, newError(KindInvalidKey, "lookup", nil)
	}
	if err != nil {
		return nil, newError(KindStore, "lookup", err)
	}
	return lic, nil
}

// find reads through the activated cache when one is configured.
func (s *Service) find(ctx context.Context, key string) (*License, error) {
	if s.cache == nil {
		return s.store.FindByKey(ctx, key)
	}

	lic, hit, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) (*License, error) {
		return s.store.FindByKey(ctx, key)
	})
	if s.metrics != nil {
		if hit {
			s.metrics.LicenseCacheHits.Add(ctx, 1)
		} else {
			s.metrics.LicenseCacheMisses.Add(ctx, 1)
		}
	}
	return lic, err
}

func (s *Service) cacheSet(lic *License) {
	if s.cache != nil {
		s.cache.Set(lic)
	}
}

func registryError(op string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidID):
		return newError(KindInvalidID, op, err)
	case errors.Is(err, ErrAlreadyUsed):
		return newError(KindAlreadyUsed, op, err)
	default:
		return newError(KindRegistry, op, err)
	}
}
