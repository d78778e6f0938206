package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"keyserver/pkg/contracts"
	"keyserver/pkg/contracts/domain"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService provides health check functionality
type HealthService struct {
	version   string
	checks    map[string]Pinger
	timeout   time.Duration
	startTime time.Time
	logger    *slog.Logger
}

// NewHealthService creates a health service that pings checks on readiness.
func NewHealthService(version string, checks map[string]Pinger, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		checks:    checks,
		timeout:   2 * time.Second,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// LivenessCheck returns liveness status
func (hs *HealthService) LivenessCheck(ctx context.Context) domain.HealthStatus {
	return domain.HealthStatus{
		Status:    "alive",
		Timestamp: time.Now(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck pings every dependency. The status is "ready" only when
// all of them answer.
func (hs *HealthService) ReadinessCheck(ctx context.Context) domain.HealthStatus {
	status := domain.HealthStatus{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   hs.version,
		Services:  make(map[string]domain.ServiceHealth, len(hs.checks)),
	}

	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		sh := hs.ping(ctx, name, hs.checks[name])
		status.Services[name] = sh
		if sh.Status != "ready" {
			status.Status = "not_ready"
		}
	}
	return status
}

func (hs *HealthService) ping(ctx context.Context, name string, p Pinger) domain.ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, hs.timeout)
	defer cancel()

	start := time.Now()
	err := p.Ping(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		hs.logger.WarnContext(ctx, "readiness check failed",
			slog.String("dependency", name),
			slog.String("error", err.Error()))
		return domain.ServiceHealth{Status: "not_ready", Message: err.Error(), LatencyMs: latency}
	}
	return domain.ServiceHealth{Status: "ready", LatencyMs: latency}
}

// Version returns version information
func (hs *HealthService) Version() map[string]interface{} {
	info := contracts.GetVersionInfo()
	return map[string]interface{}{
		"version":     hs.version,
		"api_version": info.APIVersion,
		"go_version":  info.GoVersion,
		"os":          info.OS,
		"arch":        info.Architecture,
		"build_time":  info.BuildTime,
		"git_commit":  info.GitCommit,
		"uptime":      time.Since(hs.startTime).Seconds(),
		"start_time":  hs.startTime.Format(time.RFC3339),
	}
}
