// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider names accepted by the status, storage, and queue sections.
const (
	ProviderMemory   = "memory"
	ProviderLocal    = "local"
	ProviderGCS      = "gcs"
	ProviderPostgres = "postgres"
	ProviderPubSub   = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Auth          AuthConfig          `mapstructure:"auth"`
	GDELT         GDELTConfig         `mapstructure:"gdelt"`
	Planner       PlannerConfig       `mapstructure:"planner"`
	Queue         QueueConfig         `mapstructure:"queue"`
	Storage       StorageConfig       `mapstructure:"storage"`
	Status        StatusConfig        `mapstructure:"status"`
	DB            DBConfig            `mapstructure:"db"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Regions       map[string][]string `mapstructure:"regions"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// GDELTConfig configures the upstream article API client.
type GDELTConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	// RPS budgets upstream calls across all workers in the process. Zero
	// disables throttling.
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// PlannerConfig holds defaults applied to initiation requests.
type PlannerConfig struct {
	MaxArticlesDefault int `mapstructure:"max_articles_default"`
	YearsBackDefault   int `mapstructure:"years_back_default"`
}

// QueueConfig selects and tunes the work unit queue.
type QueueConfig struct {
	// Provider is "memory" or "pubsub".
	Provider   string `mapstructure:"provider"`
	Capacity   int    `mapstructure:"capacity"`
	MaxReceive int    `mapstructure:"max_receive"`
	// VisibilityTimeoutSeconds applies to the memory provider only; Pub/Sub
	// uses the subscription's ack deadline.
	VisibilityTimeoutSeconds int          `mapstructure:"visibility_timeout_seconds"`
	PubSub                   PubSubConfig `mapstructure:"pubsub"`
}

// PubSubConfig holds Pub/Sub resource names for the queue provider.
type PubSubConfig struct {
	ProjectID                string `mapstructure:"project_id"`
	TopicID                  string `mapstructure:"topic_id"`
	SubscriptionID           string `mapstructure:"subscription_id"`
	DeadLetterSubscriptionID string `mapstructure:"dead_letter_subscription_id"`
}

// StorageConfig selects and tunes the artifact store.
type StorageConfig struct {
	// Provider is "memory", "local", or "gcs".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// StatusConfig selects the shared status store.
type StatusConfig struct {
	// Provider is "memory", "gcs", or "postgres".
	Provider  string `mapstructure:"provider"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// DBConfig controls access to the relational status store.
type DBConfig struct {
	DSN string `mapstructure:"dsn"`
}

// WorkerConfig governs the consumer pool.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	// DrainDeadLetters enables the dead-letter consumer alongside workers.
	DrainDeadLetters bool `mapstructure:"drain_dead_letters"`
}

// NotificationsConfig controls completion event publishing. With both
// Pub/Sub fields set, events go to that topic; otherwise an in-memory
// notifier is used, which only matters for local runs and tests.
type NotificationsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("gdelt.base_url", "https://api.gdeltproject.org/api/v2/doc/doc")
	v.SetDefault("gdelt.timeout_seconds", 30)
	v.SetDefault("gdelt.rps", 5)
	v.SetDefault("gdelt.burst", 5)
	v.SetDefault("planner.max_articles_default", 20)
	v.SetDefault("planner.years_back_default", 3)
	v.SetDefault("queue.provider", ProviderMemory)
	v.SetDefault("queue.capacity", 1024)
	v.SetDefault("queue.max_receive", 5)
	v.SetDefault("queue.visibility_timeout_seconds", 300)
	v.SetDefault("storage.provider", ProviderMemory)
	v.SetDefault("status.provider", ProviderMemory)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.drain_dead_letters", true)
	v.SetDefault("notifications.enabled", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.GDELT.TimeoutSeconds <= 0 {
		return fmt.Errorf("gdelt.timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}

	if c.Notifications.Enabled &&
		(c.Notifications.ProjectID == "") != (c.Notifications.TopicID == "") {
		return fmt.Errorf("notifications requires both project_id and topic_id, or neither")
	}

	switch c.Queue.Provider {
	case ProviderMemory:
	case ProviderPubSub:
		if c.Queue.PubSub.ProjectID == "" || c.Queue.PubSub.TopicID == "" ||
			c.Queue.PubSub.SubscriptionID == "" {
			return fmt.Errorf("queue.pubsub requires project_id, topic_id, and subscription_id")
		}
	default:
		return fmt.Errorf("queue.provider %q is not supported", c.Queue.Provider)
	}

	switch c.Storage.Provider {
	case ProviderMemory:
	case ProviderLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local provider")
		}
	case ProviderGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}

	switch c.Status.Provider {
	case ProviderMemory:
	case ProviderGCS:
		if c.Status.GCSBucket == "" {
			return fmt.Errorf("status.gcs_bucket must be set for the gcs provider")
		}
	case ProviderPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres status provider")
		}
	default:
		return fmt.Errorf("status.provider %q is not supported", c.Status.Provider)
	}

	return nil
}

// GDELTTimeout converts the configured client timeout into a duration.
func (c Config) GDELTTimeout() time.Duration {
	return time.Duration(c.GDELT.TimeoutSeconds) * time.Second
}

// ServerTimeout converts the configured request timeout into a duration.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// VisibilityTimeout converts the memory queue visibility window.
func (c Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.Queue.VisibilityTimeoutSeconds) * time.Second
}
