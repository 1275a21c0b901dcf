// Package config loads and validates pagewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PAGEWATCH_SERVER_PORT.
const EnvPrefix = "PAGEWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Blob       BlobConfig       `mapstructure:"blob"`
	Scrape     ScrapeConfig     `mapstructure:"scrape"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	AI         AIConfig         `mapstructure:"ai"`
	Email      EmailConfig      `mapstructure:"email"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Teardown   TeardownConfig   `mapstructure:"teardown"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig selects the zap preset and optional rotated file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups  int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays  int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=memory postgres"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns" validate:"gte=0"`
	MinConns        int32         `mapstructure:"min_conns" validate:"gte=0"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// BlobConfig selects where content snapshots are archived.
type BlobConfig struct {
	Provider string `mapstructure:"provider" validate:"oneof=none memory local gcs"`
	BaseDir  string `mapstructure:"base_dir"`
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
}

// ScrapeConfig selects the scraping provider.
type ScrapeConfig struct {
	Provider      string        `mapstructure:"provider" validate:"oneof=local firecrawl"`
	BaseURL       string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
}

// CrawlConfig governs crawl job polling.
type CrawlConfig struct {
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxPollAttempts int           `mapstructure:"max_poll_attempts" validate:"gt=0"`
}

// ClassifierConfig tunes change classification.
type ClassifierConfig struct {
	LocalDiff      bool   `mapstructure:"local_diff"`
	SummaryMax     int    `mapstructure:"summary_max" validate:"gt=0"`
	SnapshotPrefix string `mapstructure:"snapshot_prefix"`
}

// AIConfig configures the meaningfulness scorer.
type AIConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BaseURL      string        `mapstructure:"base_url" validate:"omitempty,url"`
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxDiffChars int           `mapstructure:"max_diff_chars" validate:"gte=0"`
	FailOpen     bool          `mapstructure:"fail_open"`
}

// EmailConfig selects the email provider.
type EmailConfig struct {
	Provider     string        `mapstructure:"provider" validate:"oneof=none memory resend"`
	From         string        `mapstructure:"from"`
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url" validate:"omitempty,url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	DashboardURL string        `mapstructure:"dashboard_url" validate:"omitempty,url"`
}

// WebhookConfig tunes outbound webhook delivery.
type WebhookConfig struct {
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`
	ProxyURL  string        `mapstructure:"proxy_url"`
	RPS       float64       `mapstructure:"rps" validate:"gte=0"`
	Burst     int           `mapstructure:"burst" validate:"gte=0"`
}

// PublisherConfig selects the change-event stream.
type PublisherConfig struct {
	Provider      string `mapstructure:"provider" validate:"oneof=none memory pubsub nats"`
	Topic         string `mapstructure:"topic"`
	ProjectID     string `mapstructure:"project_id"`
	NATSURL       string `mapstructure:"nats_url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	JetStream     bool   `mapstructure:"jetstream"`
}

// SchedulerConfig sizes the delayed task scheduler and the due-target loop.
type SchedulerConfig struct {
	Workers     int           `mapstructure:"workers" validate:"gt=0"`
	QueueDepth  int           `mapstructure:"queue_depth" validate:"gt=0"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
	DueInterval time.Duration `mapstructure:"due_interval"`
}

// TeardownConfig tunes batched target deletion.
type TeardownConfig struct {
	BatchSize int           `mapstructure:"batch_size" validate:"gt=0"`
	Delay     time.Duration `mapstructure:"delay"`
}

// TelemetryConfig controls tracing and the progress hub.
type TelemetryConfig struct {
	ServiceName       string        `mapstructure:"service_name"`
	ProjectID         string        `mapstructure:"project_id"`
	TraceSampleRatio  float64       `mapstructure:"trace_sample_ratio" validate:"gte=0,lte=1"`
	ProgressBuffer    int           `mapstructure:"progress_buffer" validate:"gt=0"`
	ProgressBatchWait time.Duration `mapstructure:"progress_batch_wait"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.max_conn_lifetime", "30m")
	v.SetDefault("store.migrate", true)
	v.SetDefault("blob.provider", "none")
	v.SetDefault("blob.prefix", "snapshots")
	v.SetDefault("scrape.provider", "local")
	v.SetDefault("scrape.timeout", "60s")
	v.SetDefault("scrape.user_agent", "pagewatch-bot/1.0")
	v.SetDefault("scrape.respect_robots", true)
	v.SetDefault("crawl.poll_interval", "10s")
	v.SetDefault("crawl.max_poll_attempts", 60)
	v.SetDefault("classifier.local_diff", false)
	v.SetDefault("classifier.summary_max", 200)
	v.SetDefault("classifier.snapshot_prefix", "content")
	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.timeout", "30s")
	v.SetDefault("ai.fail_open", true)
	v.SetDefault("email.provider", "none")
	v.SetDefault("email.from", "pagewatch <alerts@pagewatch.local>")
	v.SetDefault("email.timeout", "10s")
	v.SetDefault("webhook.user_agent", "pagewatch-webhook/1.0")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.rps", 1)
	v.SetDefault("webhook.burst", 5)
	v.SetDefault("publisher.provider", "none")
	v.SetDefault("publisher.topic", "website_changed")
	v.SetDefault("publisher.subject_prefix", "pagewatch")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.queue_depth", 256)
	v.SetDefault("scheduler.task_timeout", "2m")
	v.SetDefault("scheduler.due_interval", "30s")
	v.SetDefault("teardown.batch_size", 20)
	v.SetDefault("teardown.delay", "1s")
	v.SetDefault("telemetry.service_name", "pagewatch")
	v.SetDefault("telemetry.trace_sample_ratio", 0.1)
	v.SetDefault("telemetry.progress_buffer", 1024)
	v.SetDefault("telemetry.progress_batch_wait", "500ms")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if err := newValidator().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s failed %q validation", fieldPath(fe.Namespace()), fe.Tag())
		}
		return fmt.Errorf("validate config: %w", err)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn must be set for the postgres driver")
	}
	switch c.Blob.Provider {
	case "local":
		if c.Blob.BaseDir == "" {
			return fmt.Errorf("blob.base_dir must be set for the local provider")
		}
	case "gcs":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket must be set for the gcs provider")
		}
	}
	if c.Scrape.Provider == "firecrawl" && c.Scrape.APIKey == "" && c.Scrape.BaseURL == "" {
		return fmt.Errorf("scrape.api_key or scrape.base_url must be set for firecrawl")
	}
	if c.Crawl.PollInterval <= 0 {
		return fmt.Errorf("crawl.poll_interval must be > 0")
	}
	if c.AI.Enabled && c.AI.APIKey == "" && c.AI.BaseURL == "" {
		return fmt.Errorf("ai.api_key or ai.base_url must be set when ai is enabled")
	}
	if c.Email.Provider == "resend" && (c.Email.APIKey == "" || c.Email.From == "") {
		return fmt.Errorf("email.api_key and email.from must be set for resend")
	}
	if c.Webhook.Timeout <= 0 {
		return fmt.Errorf("webhook.timeout must be > 0")
	}
	switch c.Publisher.Provider {
	case "pubsub":
		if c.Publisher.ProjectID == "" {
			return fmt.Errorf("publisher.project_id must be set for pubsub")
		}
	case "nats":
		if c.Publisher.NATSURL == "" {
			return fmt.Errorf("publisher.nats_url must be set for nats")
		}
	}
	if c.Publisher.Provider != "none" && c.Publisher.Topic == "" {
		return fmt.Errorf("publisher.topic must be set when a publisher is enabled")
	}
	if c.Scheduler.DueInterval <= 0 {
		return fmt.Errorf("scheduler.due_interval must be > 0")
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("mapstructure"), ",")
		return name
	})
	return v
}

// fieldPath turns "Config.store.driver" into "store.driver".
func fieldPath(ns string) string {
	_, rest, found := strings.Cut(ns, ".")
	if !found {
		return ns
	}
	return rest
}
