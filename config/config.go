// Package config loads and validates the service configuration from the
// environment, with an optional YAML override for the presentation bucket
// table.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/nexusus/envy/errors"
)

// Config holds all runtime configuration for the reconciliation service
type Config struct {
	// Shared store
	RedisURL string `env:"ENVY_REDIS_URL,required"`

	// Event transport
	NATSURL         string `env:"ENVY_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	SnapshotSubject string `env:"ENVY_SNAPSHOT_SUBJECT" envDefault:"envy.snapshots"`
	ActionSubject   string `env:"ENVY_ACTION_SUBJECT" envDefault:"envy.moderation.actions"`
	StatsSubject    string `env:"ENVY_STATS_SUBJECT" envDefault:"envy.stats.request"`
	StreamName      string `env:"ENVY_STREAM_NAME" envDefault:"ENVY_EVENTS"`

	// Messaging API
	BotToken   string `env:"ENVY_BOT_TOKEN,required"`
	BotUserID  string `env:"ENVY_BOT_USER_ID"`
	APIBaseURL string `env:"ENVY_API_BASE_URL" envDefault:"https://discord.com/api/v10"`

	// Destinations
	ModerationChannelID string `env:"ENVY_MODERATION_CHANNEL_ID,required"`
	DestVeryLow         string `env:"ENVY_DEST_VERY_LOW"`
	DestLow             string `env:"ENVY_DEST_LOW"`
	DestMedium          string `env:"ENVY_DEST_MEDIUM"`
	DestHigh            string `env:"ENVY_DEST_HIGH"`
	DestOverflow        string `env:"ENVY_DEST_OVERFLOW"`

	// Reconciliation policy
	ModerationThreshold int      `env:"ENVY_MODERATION_THRESHOLD" envDefault:"99"`
	ExclusionMarkers    []string `env:"ENVY_EXCLUSION_MARKERS" envDefault:"envy,require,serverside"`
	// LockTTL must outlive a whole reconciliation, including gateway retries
	// and rate-limit waits, or exclusivity is lost while remote mutations are
	// still in flight
	LockTTL time.Duration `env:"ENVY_LOCK_TTL" envDefault:"30s"`

	// Sweeper
	StaleWindow     time.Duration `env:"ENVY_STALE_WINDOW" envDefault:"30m"`
	SweepInterval   time.Duration `env:"ENVY_SWEEP_INTERVAL" envDefault:"5m"`
	OrphanGrace     time.Duration `env:"ENVY_ORPHAN_GRACE" envDefault:"10m"`
	OrphanScanLimit int           `env:"ENVY_ORPHAN_SCAN_LIMIT" envDefault:"50"`

	// Admission ceilings
	RequestLimit      int           `env:"ENVY_REQUEST_LIMIT" envDefault:"20"`
	RequestWindow     time.Duration `env:"ENVY_REQUEST_WINDOW" envDefault:"1m"`
	AuthAttemptLimit  int           `env:"ENVY_AUTH_ATTEMPT_LIMIT" envDefault:"30"`
	AuthAttemptWindow time.Duration `env:"ENVY_AUTH_ATTEMPT_WINDOW" envDefault:"5m"`

	// Observability
	MetricsPort int `env:"ENVY_METRICS_PORT" envDefault:"9090"`

	// Optional YAML bucket table override
	BucketFile string `env:"ENVY_BUCKET_FILE"`

	// Buckets is populated by Load: either the defaults built from the
	// Dest* destinations or the contents of BucketFile
	Buckets BucketTable `env:"-"`
}

// Load reads configuration from the environment and resolves the bucket table
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.WrapFatal(err, "Config", "Load", "parse environment")
	}

	if cfg.BucketFile != "" {
		table, err := LoadBucketFile(cfg.BucketFile)
		if err != nil {
			return nil, err
		}
		cfg.Buckets = table
	} else {
		cfg.Buckets = DefaultBuckets(cfg.DestVeryLow, cfg.DestLow, cfg.DestMedium, cfg.DestHigh, cfg.DestOverflow)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.RedisURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "redis url is required")
	}
	if c.BotToken == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "bot token is required")
	}
	if c.ModerationChannelID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "moderation channel id is required")
	}
	if c.ModerationThreshold < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"moderation threshold must not be negative")
	}
	if c.LockTTL <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "lock ttl must be positive")
	}
	if c.StaleWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "stale window must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "sweep interval must be positive")
	}
	if c.RequestLimit <= 0 || c.RequestWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"request ceiling and window must be positive")
	}
	if c.AuthAttemptLimit <= 0 || c.AuthAttemptWindow <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"auth attempt ceiling and window must be positive")
	}
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("invalid metrics port: %d", c.MetricsPort))
	}
	return c.Buckets.Validate()
}

// LoadBucketFile reads a bucket table from a YAML file
func LoadBucketFile(path string) (BucketTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "Config", "LoadBucketFile", "read bucket file")
	}

	var doc struct {
		Buckets BucketTable `yaml:"buckets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "LoadBucketFile", "parse bucket file")
	}
	if len(doc.Buckets) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "LoadBucketFile",
			"bucket file defines no buckets")
	}
	return doc.Buckets, nil
}
