package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.convsync/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Auth    ConfigAuth    `toml:"auth"`
	Engine  ConfigEngine  `toml:"engine"`
}

// ConfigDefault holds connection settings.
type ConfigDefault struct {
	BaseURL   string  `toml:"base_url"`
	Transport string  `toml:"transport"`
	RateLimit float64 `toml:"rate_limit"`
}

// ConfigAuth holds the signed-in identity.
type ConfigAuth struct {
	Token  string `toml:"token"`
	UserID string `toml:"user_id"`
}

// ConfigEngine tunes the sync engine. Durations use Go syntax ("15s").
type ConfigEngine struct {
	ReconcileInterval string `toml:"reconcile_interval,omitempty"`
	EchoWindow        string `toml:"echo_window,omitempty"`
	PendingEventLimit int    `toml:"pending_event_limit,omitempty"`
	ReconcileAllRoots bool   `toml:"reconcile_all_roots,omitempty"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.convsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".convsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the full path to the config file.
func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads and parses the config file.
// If the file does not exist, it returns a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the config struct back to disk as TOML.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// applyEnv overrides file values with CONVSYNC_* variables.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CONVSYNC_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("CONVSYNC_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CONVSYNC_USER_ID"); v != "" {
		cfg.Auth.UserID = v
	}
}

// setConfigValue sets a config field using dot notation (e.g. "auth.token").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. auth.token)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "transport":
			if value != "ws" && value != "sse" {
				return fmt.Errorf("transport must be ws or sse")
			}
			cfg.Default.Transport = value
		case "rate_limit":
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return fmt.Errorf("rate_limit: %w", err)
			}
			cfg.Default.RateLimit = f
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			cfg.Auth.Token = value
		case "user_id":
			cfg.Auth.UserID = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	case "engine":
		switch field {
		case "reconcile_interval", "echo_window":
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("%s: %w", field, err)
			}
			if field == "reconcile_interval" {
				cfg.Engine.ReconcileInterval = value
			} else {
				cfg.Engine.EchoWindow = value
			}
		case "pending_event_limit":
			n, err := strconv.Atoi(value)
			if err != nil {
				return fmt.Errorf("pending_event_limit: %w", err)
			}
			cfg.Engine.PendingEventLimit = n
		case "reconcile_all_roots":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("reconcile_all_roots: %w", err)
			}
			cfg.Engine.ReconcileAllRoots = b
		default:
			return fmt.Errorf("unknown field %q in section [engine]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth, engine)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	verbose bool
	logger  = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "convsync",
	Short: "Conversation sync CLI",
	Long:  "Command-line client for the conversation sync engine.\nTail a conversation, send messages, react and mark messages read.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is fine.
		_ = godotenv.Load()

		var err error
		if verbose {
			logger, err = zap.NewDevelopment()
		} else {
			cfg := zap.NewProductionConfig()
			cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
			logger, err = cfg.Build()
		}
		if err != nil {
			return fmt.Errorf("cannot build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
