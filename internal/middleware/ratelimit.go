package middleware

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "keyserver/internal/errors"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client address. Idle buckets are
// swept after idleTTL.
type RateLimiter struct {
	rps        rate.Limit
	burst      int
	idleTTL    time.Duration
	logger     *slog.Logger
	errHandler *apperrors.ErrorHandler

	mu       sync.Mutex
	clients  map[string]*clientLimiter
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewRateLimiter creates a per-client limiter and starts its sweeper.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger, errHandler *apperrors.ErrorHandler) *RateLimiter {
	rl := &RateLimiter{
		rps:        rate.Limit(rps),
		burst:      burst,
		idleTTL:    10 * time.Minute,
		logger:     logger.With(slog.String("component", "rate_limiter")),
		errHandler: errHandler,
		clients:    make(map[string]*clientLimiter),
		stopChan:   make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow reports whether the client may make another request now.
func (rl *RateLimiter) Allow(client string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Handler rejects requests over the limit with a 429 problem document.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := ClientIP(r)
		if !rl.Allow(client) {
			rl.logger.WarnContext(r.Context(), "rate limit exceeded",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", client))

			w.Header().Set("Retry-After", "60")
			rl.errHandler.HandleError(w, r, apperrors.ErrRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the sweeper. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopChan) })
}

func (rl *RateLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.evictIdle(time.Now())
		case <-rl.stopChan:
			return
		}
	}
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, key)
		}
	}
}
