// Package guard classifies fetch attempts into typed outcomes and computes
// the deterministic backoff schedule applied after throttled attempts.
package guard

import (
	"context"
	"errors"
	"math"
	"net"
	"time"

	"github.com/gridmart/catalog-crawler/internal/catalog"
)

// Config carries the classification signatures and the backoff schedule.
// The signatures mirror the upstream service's observed throttling and
// session-corruption behavior and are configurable so a signature change
// does not require a code change.
type Config struct {
	// RateLimitStatuses are HTTP status codes treated as throttling even
	// when a body is delivered.
	RateLimitStatuses []int
	// CorruptEnvelopeCode is the statusCode value the service places in an
	// error envelope when the session's identity tokens have gone stale.
	CorruptEnvelopeCode string
	BaseDelay           time.Duration
	MaxDelay            time.Duration
}

// DefaultConfig returns the signatures observed on the live service.
func DefaultConfig() Config {
	return Config{
		RateLimitStatuses:   []int{202, 429, 503},
		CorruptEnvelopeCode: "ERR_NON_2XX_3XX_RESPONSE",
		BaseDelay:           15 * time.Second,
		MaxDelay:            120 * time.Second,
	}
}

// Guard is a pure classifier. It holds no per-target state; the pagination
// controller owns the retry counters.
type Guard struct {
	cfg Config
}

// New builds a Guard, filling zero-valued config fields from defaults.
func New(cfg Config) *Guard {
	def := DefaultConfig()
	if len(cfg.RateLimitStatuses) == 0 {
		cfg.RateLimitStatuses = def.RateLimitStatuses
	}
	if cfg.CorruptEnvelopeCode == "" {
		cfg.CorruptEnvelopeCode = def.CorruptEnvelopeCode
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	return &Guard{cfg: cfg}
}

// Classify maps one fetch attempt to an outcome.
//
// Ordering matters: context cancellation is fatal before anything else,
// transport errors are throttling, then the delivered payload is inspected
// for the corruption envelope before the structural-emptiness check.
func (g *Guard) Classify(raw catalog.RawPage, fetchErr error) catalog.Outcome {
	if fetchErr != nil {
		if errors.Is(fetchErr, context.Canceled) || errors.Is(fetchErr, context.DeadlineExceeded) {
			return catalog.OutcomeFatal
		}
		var netErr net.Error
		if errors.As(fetchErr, &netErr) {
			return catalog.OutcomeRateLimited
		}
		// Any other fetch failure (connection reset, exchange wait expired)
		// is treated as throttling: back off and retry.
		return catalog.OutcomeRateLimited
	}

	for _, s := range g.cfg.RateLimitStatuses {
		if raw.StatusCode == s {
			return catalog.OutcomeRateLimited
		}
	}

	if raw.EndOfList {
		return catalog.OutcomeOK
	}

	env, err := catalog.ParseListing(raw.Payload)
	if err != nil {
		// An undecodable body is the service shedding load, not a broken
		// session.
		return catalog.OutcomeRateLimited
	}
	if env.StatusCode == g.cfg.CorruptEnvelopeCode || env.Stack != "" {
		return catalog.OutcomeSessionCorrupt
	}
	if env.Data == nil {
		// Delivered exchange with no data object at all: the session's
		// identity is no longer honored.
		return catalog.OutcomeSessionCorrupt
	}
	if env.Data.Empty() {
		return catalog.OutcomeRateLimited
	}
	return catalog.OutcomeOK
}

// Backoff returns the delay before retry n (0-based): min(base * 2^n, max).
// Deterministic so the schedule is monotonic non-decreasing and testable.
func (g *Guard) Backoff(consecutive int) time.Duration {
	if consecutive < 0 {
		consecutive = 0
	}
	delay := float64(g.cfg.BaseDelay) * math.Pow(2, float64(consecutive))
	if delay > float64(g.cfg.MaxDelay) {
		return g.cfg.MaxDelay
	}
	return time.Duration(delay)
}
