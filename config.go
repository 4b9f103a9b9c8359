package convsync

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// ReconcileInterval is the period of the join-count repair pass.
	ReconcileInterval time.Duration
	// ResubscribeBaseDelay and ResubscribeMaxDelay bound the backoff used
	// after a push channel drops.
	ResubscribeBaseDelay time.Duration
	ResubscribeMaxDelay  time.Duration
	// MaxResubscribeAttempts of 0 retries forever.
	MaxResubscribeAttempts int
	// EchoWindow is how long a local reaction intent shadows contradicting
	// push events for the current user.
	EchoWindow time.Duration
	// PendingEventLimit caps buffered reaction/receipt events whose message
	// is not visible yet.
	PendingEventLimit int
	// PendingEventTTL is how long a buffered event waits for its message
	// before it is dropped.
	PendingEventTTL time.Duration
	// ReconcileAllRoots makes the repair pass cover every visible root
	// instead of only roots known to anchor a thread.
	ReconcileAllRoots bool
}

func (c *Config) defaults() {
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 15 * time.Second
	}
	if c.ResubscribeBaseDelay == 0 {
		c.ResubscribeBaseDelay = 1 * time.Second
	}
	if c.ResubscribeMaxDelay == 0 {
		c.ResubscribeMaxDelay = 30 * time.Second
	}
	if c.EchoWindow == 0 {
		c.EchoWindow = 10 * time.Second
	}
	if c.PendingEventLimit == 0 {
		c.PendingEventLimit = 256
	}
	if c.PendingEventTTL == 0 {
		c.PendingEventTTL = 30 * time.Second
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithLogger sets the structured logger.
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics registers engine counters on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithUploader sets the media uploader used for attachments.
func WithUploader(u MediaUploader) Option {
	return func(e *Engine) { e.uploader = u }
}

// WithProfileResolver sets the resolver used to annotate new senders.
func WithProfileResolver(r ProfileResolver) Option {
	return func(e *Engine) { e.profiles = r }
}
