package coordinator

import (
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rewired-gh/eraops/internal/validate"
)

// Config tunes how a pass talks to the source.
type Config struct {
	// MaxBatchSize caps the teams fetched per step regardless of what the
	// caller asks for.
	MaxBatchSize int
	// MinSpacing is the minimum delay between consecutive source calls.
	MinSpacing time.Duration
	// Jitter adds a random extra delay in [0, Jitter) to each call.
	Jitter time.Duration
	// CallTimeout bounds each source call.
	CallTimeout time.Duration

	MaxAttempts     int
	RetryBackoff    time.Duration
	RetryBackoffMax time.Duration

	// CompletenessTolerance is how many teams may be missing when a pass
	// finishes before it is failed instead of committed.
	CompletenessTolerance int

	// Season overrides the season passed to the source and the store.
	// Zero derives it from the clock.
	Season int

	Validator validate.Options
}

// DefaultConfig returns the standard pacing and retry settings.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:          10,
		MinSpacing:            500 * time.Millisecond,
		Jitter:                250 * time.Millisecond,
		CallTimeout:           10 * time.Second,
		MaxAttempts:           3,
		RetryBackoff:          500 * time.Millisecond,
		RetryBackoffMax:       5 * time.Second,
		CompletenessTolerance: 2,
		Validator:             validate.DefaultOptions(),
	}
}

// Validate checks that the settings are usable.
func (c Config) Validate() error {
	if c.MaxBatchSize <= 0 {
		return errors.New("max batch size must be positive")
	}
	if c.MinSpacing < 0 || c.Jitter < 0 {
		return errors.New("call spacing and jitter cannot be negative")
	}
	if c.CallTimeout <= 0 {
		return errors.New("call timeout must be positive")
	}
	if c.MaxAttempts <= 0 {
		return errors.New("max attempts must be positive")
	}
	if c.RetryBackoff < 0 || c.RetryBackoffMax < c.RetryBackoff {
		return errors.New("retry backoff max must be at least the initial backoff")
	}
	if c.CompletenessTolerance < 0 {
		return errors.New("completeness tolerance cannot be negative")
	}
	return nil
}

// backoff returns the delay before retry number attempt (1-based): doubling
// from RetryBackoff, capped at RetryBackoffMax, with +/-25% jitter.
func (c Config) backoff(attempt int) time.Duration {
	if attempt <= 0 || c.RetryBackoff <= 0 {
		return 0
	}
	base := float64(c.RetryBackoff) * math.Pow(2, float64(attempt-1))
	if base > float64(c.RetryBackoffMax) {
		base = float64(c.RetryBackoffMax)
	}

	jitter := base * 0.25 * (2*rand.Float64() - 1) // +/-25%
	d := base + jitter
	if d < 0 {
		d = 0
	}
	if d > float64(c.RetryBackoffMax) {
		d = float64(c.RetryBackoffMax)
	}
	return time.Duration(d)
}
