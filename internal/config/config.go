package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultTimezone    = "UTC"
	configPathEnv      = "INBOX_DIGEST_CONFIG"
	databaseDSNEnv     = "DATABASE_DSN"
	chatGPTAPIKeyEnv   = "CHATGPT_API_KEY"
	chatGPTModelEnv    = "CHATGPT_MODEL"
	inferenceAPIKeyEnv = "INFERENCE_API_KEY"
	telegramTokenEnv   = "TELEGRAM_BOT_TOKEN"
	telegramChatIDEnv  = "TELEGRAM_CHAT_ID"
	logLevelEnv        = "LOG_LEVEL"
)

// Model providers.
const (
	ProviderNone      = ""
	ProviderChatGPT   = "chatgpt"
	ProviderInference = "inference"
)

// Config holds high-level settings required across the application.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sources    []SiteConfig     `yaml:"sources"`
	Retry      RetryConfig      `yaml:"retry"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Model      ModelConfig      `yaml:"model"`
	Digest     DigestConfig     `yaml:"digest"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// DatabaseConfig selects the store. Driver is sqlite (default) or postgres.
type DatabaseConfig struct {
	Driver      string        `yaml:"driver"`
	DSN         string        `yaml:"dsn"`
	BusyTimeout time.Duration `yaml:"busyTimeout"`
}

// SchedulerConfig defines when the pipeline should run.
type SchedulerConfig struct {
	CronExpression string         `yaml:"cronExpression"`
	Timezone       string         `yaml:"timezone"`
	RunOnStart     bool           `yaml:"runOnStart"`
	location       *time.Location `yaml:"-"`
}

// Location resolves the scheduler timezone string to a time.Location.
func (s SchedulerConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SiteConfig describes a single message source with its scanner strategy.
type SiteConfig struct {
	Name      string            `yaml:"name"`
	Scanner   string            `yaml:"scanner"`
	Endpoints []EndpointConfig  `yaml:"endpoints"`
	Options   map[string]string `yaml:"options"`
}

// EndpointConfig holds one concrete URL a scanner reads (a portal inbox page, a feed).
type EndpointConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// RetryConfig tunes retries around source fetches and model calls.
type RetryConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
}

// ResolverConfig configures link resolution for items that only carry a URL.
// RequestTimeout bounds one link fetch; StageTimeout bounds the whole resolve stage.
type ResolverConfig struct {
	Enabled        bool          `yaml:"enabled"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	StageTimeout   time.Duration `yaml:"stageTimeout"`
	Limit          int           `yaml:"limit"`
	MaxChars       int           `yaml:"maxChars"`
	UserAgent      string        `yaml:"userAgent"`
}

// SensorsConfig configures the thermostat status page reader.
type SensorsConfig struct {
	Enabled bool          `yaml:"enabled"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClassifierConfig tunes the pending-item batch.
type ClassifierConfig struct {
	QuarantineAfter time.Duration `yaml:"quarantineAfter"`
}

// ModelConfig selects the completion backend used for ambiguous messages.
type ModelConfig struct {
	Provider          string          `yaml:"provider"`
	RequestsPerMinute int             `yaml:"requestsPerMinute"`
	ChatGPT           ChatGPTConfig   `yaml:"chatgpt"`
	Inference         InferenceConfig `yaml:"inference"`
}

// ChatGPTConfig defines how to contact the ChatGPT API.
type ChatGPTConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// InferenceConfig describes a self-hosted inference service.
type InferenceConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"apiKey"`
	Timeout time.Duration `yaml:"timeout"`
}

// DigestConfig shapes the generated report.
type DigestConfig struct {
	Title         string                 `yaml:"title"`
	Window        time.Duration          `yaml:"window"`
	OutputDir     string                 `yaml:"outputDir"`
	Categories    []DigestCategoryConfig `yaml:"categories"`
	CatchAllLabel string                 `yaml:"catchAllLabel"`
	Recipient     string                 `yaml:"recipient"`
}

// DigestCategoryConfig maps source keys onto one report section.
type DigestCategoryConfig struct {
	Key     string   `yaml:"key"`
	Label   string   `yaml:"label"`
	Sources []string `yaml:"sources"`
}

// PublisherConfig configures where finished reports are copied.
type PublisherConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PrimaryDir string `yaml:"primaryDir"`
	ArchiveDir string `yaml:"archiveDir"`
}

// DeliveryConfig is the persisted half of the delivery opt-in; the run flag is the other.
type DeliveryConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelegramConfig wires all data required to send messages.
type TelegramConfig struct {
	BotToken string `yaml:"botToken"`
	ChatID   string `yaml:"chatId"`
	APIURL   string `yaml:"apiUrl"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads .env, then the YAML file (path, or INBOX_DIGEST_CONFIG when empty) over the
// defaults, then environment overrides. A missing config file is only an error when a path
// was given explicitly.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := defaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(configPathEnv)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case explicit || !errors.Is(err, fs.ErrNotExist):
			return Config{}, fmt.Errorf("read %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.bindTimezone(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings that would fail later at wiring time.
func (c Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Database.Driver) {
	case "", "sqlite", "sqlite3", "postgres":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}

	switch c.Model.Provider {
	case ProviderNone:
	case ProviderChatGPT:
		if c.Model.ChatGPT.Endpoint == "" || c.Model.ChatGPT.Model == "" {
			errs = append(errs, errors.New("model.chatgpt needs endpoint and model"))
		}
	case ProviderInference:
		if c.Model.Inference.URL == "" {
			errs = append(errs, errors.New("model.inference.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("model.provider: unsupported %q", c.Model.Provider))
	}

	seen := map[string]bool{}
	for i, src := range c.Sources {
		if src.Name == "" || src.Scanner == "" {
			errs = append(errs, fmt.Errorf("sources[%d]: name and scanner are required", i))
		}
		if seen[src.Name] {
			errs = append(errs, fmt.Errorf("sources[%d]: duplicate name %q", i, src.Name))
		}
		seen[src.Name] = true
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.maxAttempts must be at least 1"))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, errors.New("retry.baseDelay must not be negative"))
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.maxDelay must not be below retry.baseDelay"))
	}

	if c.Resolver.RequestTimeout < 0 || c.Resolver.StageTimeout < 0 {
		errs = append(errs, errors.New("resolver timeouts must not be negative"))
	}
	if c.Resolver.StageTimeout > 0 && c.Resolver.RequestTimeout > c.Resolver.StageTimeout {
		errs = append(errs, errors.New("resolver.requestTimeout must not exceed resolver.stageTimeout"))
	}

	if c.Sensors.Enabled && c.Sensors.URL == "" {
		errs = append(errs, errors.New("sensors.url is required when sensors are enabled"))
	}
	if c.Digest.Window < 0 {
		errs = append(errs, errors.New("digest.window must not be negative"))
	}
	if c.Delivery.Enabled && (c.Delivery.Telegram.BotToken == "" || c.Delivery.Telegram.ChatID == "") {
		errs = append(errs, errors.New("delivery.telegram needs botToken and chatId when delivery is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(databaseDSNEnv); v != "" {
		c.Database.DSN = v
	}

	if v := os.Getenv(telegramTokenEnv); v != "" {
		c.Delivery.Telegram.BotToken = v
	}

	if v := os.Getenv(telegramChatIDEnv); v != "" {
		c.Delivery.Telegram.ChatID = v
	}

	if v := os.Getenv(chatGPTAPIKeyEnv); v != "" {
		c.Model.ChatGPT.APIKey = v
	}

	if v := os.Getenv(chatGPTModelEnv); v != "" {
		c.Model.ChatGPT.Model = v
	}

	if v := os.Getenv(inferenceAPIKeyEnv); v != "" {
		c.Model.Inference.APIKey = v
	}

	if v := os.Getenv(logLevelEnv); v != "" {
		c.Logging.Level = v
	}
}

func (c *Config) bindTimezone() error {
	tz := c.Scheduler.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("scheduler.timezone %q: %w", tz, err)
	}
	c.Scheduler.location = loc
	return nil
}

func defaultConfig() Config {
	return Config{
		Database:  DatabaseConfig{Driver: "sqlite", DSN: "data/inboxdigest.db", BusyTimeout: 5 * time.Second},
		Scheduler: SchedulerConfig{CronExpression: "*/30 * * * *", Timezone: defaultTimezone, location: time.UTC},
		Logging:   LoggingConfig{Level: "info", Format: "text"},
		Retry:     RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		Resolver:  ResolverConfig{RequestTimeout: 20 * time.Second, StageTimeout: 2 * time.Minute, Limit: 50, MaxChars: 4000, UserAgent: "InboxDigest/1.0"},
		Sensors:   SensorsConfig{Timeout: 30 * time.Second},
		Model: ModelConfig{
			RequestsPerMinute: 30,
			ChatGPT: ChatGPTConfig{
				Endpoint: "https://api.openai.com/v1/chat/completions",
				Model:    "gpt-4o-mini",
				Timeout:  20 * time.Second,
			},
			Inference: InferenceConfig{Timeout: 15 * time.Second},
		},
		Digest: DigestConfig{
			Title:         "Inbox digest",
			Window:        72 * time.Hour,
			OutputDir:     "data/digests",
			CatchAllLabel: "Other",
		},
		Publisher: PublisherConfig{PrimaryDir: "data/published", ArchiveDir: "data/archive"},
	}
}
