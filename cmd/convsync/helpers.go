package main

import (
	"context"
	"fmt"
	"time"

	"github.com/LuminPulse-AI/convsync"
)

// loadEffectiveConfig reads the config file and applies environment overrides.
func loadEffectiveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnv(cfg)
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token; run 'convsync init <token>' or set CONVSYNC_TOKEN")
	}
	if cfg.Auth.UserID == "" {
		return nil, fmt.Errorf("no user id; run 'convsync config set auth.user_id <id>'")
	}
	return cfg, nil
}

// newClient creates a backend client from cfg.
func newClient(cfg *Config) *convsync.Client {
	var opts []convsync.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, convsync.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.RateLimit > 0 {
		opts = append(opts, convsync.WithRateLimit(cfg.Default.RateLimit, 5))
	}
	return convsync.NewClient(cfg.Auth.Token, opts...)
}

// engineConfig converts the [engine] section.
func engineConfig(cfg *Config) (convsync.Config, error) {
	out := convsync.Config{
		PendingEventLimit: cfg.Engine.PendingEventLimit,
		ReconcileAllRoots: cfg.Engine.ReconcileAllRoots,
	}
	var err error
	if cfg.Engine.ReconcileInterval != "" {
		if out.ReconcileInterval, err = time.ParseDuration(cfg.Engine.ReconcileInterval); err != nil {
			return out, fmt.Errorf("engine.reconcile_interval: %w", err)
		}
	}
	if cfg.Engine.EchoWindow != "" {
		if out.EchoWindow, err = time.ParseDuration(cfg.Engine.EchoWindow); err != nil {
			return out, fmt.Errorf("engine.echo_window: %w", err)
		}
	}
	return out, nil
}

// openEngine builds an engine from the CLI config and opens conversationID.
func openEngine(ctx context.Context, conversationID string, sse bool) (*convsync.Engine, error) {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		return nil, err
	}
	ecfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}

	client := newClient(cfg)
	rtcfg := &convsync.RealtimeConfig{Token: cfg.Auth.Token}
	var feed convsync.Subscriber
	if sse || cfg.Default.Transport == "sse" {
		feed = convsync.NewSSESubscriber(client.BaseURL(), rtcfg)
	} else {
		feed = convsync.NewWSSubscriber(client.BaseURL(), rtcfg)
	}

	engine := convsync.New(client, feed, convsync.StaticSession(cfg.Auth.UserID),
		convsync.WithConfig(ecfg),
		convsync.WithLogger(logger),
	)
	if err := engine.Open(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("open %s: %w", conversationID, err)
	}
	return engine, nil
}
