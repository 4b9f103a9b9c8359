package convsync

import (
	"math"
	"math/rand"
	"time"
)

// backoff computes resubscribe delays: exponential with up to 50% jitter,
// capped, and reset once a channel has stayed healthy for a minute.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	healthyAt   time.Time
	now         func() time.Time
}

func newBackoff(cfg Config) *backoff {
	return &backoff{
		baseDelay:   cfg.ResubscribeBaseDelay,
		maxDelay:    cfg.ResubscribeMaxDelay,
		maxAttempts: cfg.MaxResubscribeAttempts,
		now:         time.Now,
	}
}

func (b *backoff) shouldRetry() bool {
	return b.maxAttempts == 0 || b.attempt < b.maxAttempts
}

func (b *backoff) markHealthy() {
	b.healthyAt = b.now()
}

func (b *backoff) next() time.Duration {
	if !b.healthyAt.IsZero() && b.now().Sub(b.healthyAt) > 60*time.Second {
		b.attempt = 0
	}
	b.healthyAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}
