package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config contains all runtime settings for the chat gallery service.
type Config struct {
	BindAddr                 string        `env:"APP_BIND_ADDR" envDefault:":8080"`
	ShutdownTimeout          time.Duration `env:"APP_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	SessionInactivityTimeout time.Duration `env:"APP_SESSION_INACTIVITY_TIMEOUT" envDefault:"10m"`
	MetricsNamespace         string        `env:"APP_METRICS_NAMESPACE" envDefault:"gallery"`
	AllowAnyOrigin           bool          `env:"APP_ALLOW_ANY_ORIGIN" envDefault:"false"`
	MaxPromptChars           int           `env:"APP_MAX_PROMPT_CHARS" envDefault:"8000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// StoreDSN selects the interaction store: "memory", "sqlite://path" or a
	// postgres:// URL.
	StoreDSN          string        `env:"STORE_DSN" envDefault:"sqlite://gallery.db"`
	StoreWriteWorkers int           `env:"STORE_WRITE_WORKERS" envDefault:"4"`
	StoreWriteQueue   int           `env:"STORE_WRITE_QUEUE" envDefault:"256"`
	StoreWriteTimeout time.Duration `env:"STORE_WRITE_TIMEOUT" envDefault:"5s"`

	EngineMode            string        `env:"ENGINE_MODE" envDefault:"auto"`
	EngineModel           string        `env:"ENGINE_MODEL" envDefault:"gemma-3n-e2b-it"`
	OpenAIAPIKey          string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL         string        `env:"OPENAI_BASE_URL"`
	EngineResetRetryDelay time.Duration `env:"ENGINE_RESET_RETRY_DELAY" envDefault:"200ms"`
	MockLoadDelay         time.Duration `env:"MOCK_LOAD_DELAY" envDefault:"0s"`
	MockTokenDelay        time.Duration `env:"MOCK_TOKEN_DELAY" envDefault:"30ms"`

	// RecoverySchedule is a cron spec for the pending-record sweep; empty
	// disables the periodic sweep (startup recovery still runs).
	RecoverySchedule   string        `env:"RECOVERY_SCHEDULE" envDefault:"@every 5m"`
	RecoveryStaleAfter time.Duration `env:"RECOVERY_STALE_AFTER" envDefault:"15m"`
}

// LoadDotEnv loads KEY=value files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	cfg.EngineMode = strings.ToLower(strings.TrimSpace(cfg.EngineMode))
	cfg.StoreDSN = strings.TrimSpace(cfg.StoreDSN)
	cfg.OpenAIBaseURL = strings.TrimSpace(cfg.OpenAIBaseURL)
	cfg.OpenAIAPIKey = strings.TrimSpace(cfg.OpenAIAPIKey)
	cfg.RecoverySchedule = strings.TrimSpace(cfg.RecoverySchedule)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MaxPromptChars <= 0 {
		return fmt.Errorf("APP_MAX_PROMPT_CHARS must be positive")
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch c.LogFormat {
	case "text", "json", "logfmt":
	default:
		return fmt.Errorf("LOG_FORMAT must be text, json or logfmt")
	}
	if c.StoreWriteWorkers <= 0 {
		return fmt.Errorf("STORE_WRITE_WORKERS must be positive")
	}
	if c.StoreWriteQueue <= 0 {
		return fmt.Errorf("STORE_WRITE_QUEUE must be positive")
	}
	switch c.EngineMode {
	case "auto", "mock":
	case "openai":
		if c.OpenAIBaseURL == "" && c.OpenAIAPIKey == "" {
			return fmt.Errorf("ENGINE_MODE=openai needs OPENAI_BASE_URL or OPENAI_API_KEY")
		}
	default:
		return fmt.Errorf("ENGINE_MODE must be auto, openai or mock")
	}
	if strings.TrimSpace(c.EngineModel) == "" {
		return fmt.Errorf("ENGINE_MODEL must not be empty")
	}
	if c.EngineResetRetryDelay <= 0 {
		return fmt.Errorf("ENGINE_RESET_RETRY_DELAY must be positive")
	}
	if c.MockLoadDelay < 0 || c.MockTokenDelay < 0 {
		return fmt.Errorf("MOCK_LOAD_DELAY and MOCK_TOKEN_DELAY must be >= 0")
	}
	if c.RecoverySchedule != "" {
		if _, err := cron.ParseStandard(c.RecoverySchedule); err != nil {
			return fmt.Errorf("RECOVERY_SCHEDULE: %w", err)
		}
	}
	if c.RecoveryStaleAfter <= 0 {
		return fmt.Errorf("RECOVERY_STALE_AFTER must be positive")
	}
	return nil
}
