// Package config assembles the engine's full runtime configuration from
// defaults, an optional YAML file, and environment variables, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/apphub/catalog/internal/log"
	"github.com/apphub/catalog/internal/telemetry"
)

// defaultInstanceID builds a reasonably unique claim-owner identity from
// the host and process ID, matching the teacher's own daemon instance-id
// convention.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "catalogd"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// Config is the complete engine configuration.
type Config struct {
	Log       log.Config                 `yaml:"log"`
	Runtime   RuntimeConfig              `yaml:"runtime"`
	Store     StoreConfig                `yaml:"store"`
	EventBus  EventBusConfig             `yaml:"event_bus"`
	Scheduler SchedulerConfig            `yaml:"scheduler"`
	Bundle    BundleConfig               `yaml:"bundle"`
	Services  map[string]ServiceEndpoint `yaml:"services"`
	Analytics AnalyticsConfig            `yaml:"analytics"`
	Telemetry telemetry.Config           `yaml:"telemetry"`
	HTTP      HTTPConfig                 `yaml:"http"`
}

// HTTPConfig controls the control-plane daemon's thin HTTP route layer
// (health/version/metrics plus the operator-facing run/bundle/asset
// endpoints). Kept separate from RuntimeConfig since it's the one piece of
// configuration cmd/catalogd owns and internal/runtime never reads.
type HTTPConfig struct {
	// Addr is the address the daemon's HTTP server listens on.
	Addr string `yaml:"addr"`
}

// RuntimeConfig controls process-identity and leader-election behavior
// shared by every component internal/runtime wires together.
type RuntimeConfig struct {
	// InstanceID identifies this process for run/step claim ownership and
	// leader election bookkeeping. Defaults to "<hostname>:<pid>".
	InstanceID string `yaml:"instance_id"`

	// LeaderElection enables the Postgres advisory-lock elector that gates
	// schedule ticks and auto-materialize polling to a single replica at a
	// time. Every replica still claims runs/steps, dispatches triggers, and
	// runs the stale-run reclaim sweep independently regardless of this
	// setting.
	LeaderElection bool `yaml:"leader_election"`

	// LeaderRetryInterval is how often a non-leader replica retries
	// acquiring the advisory lock.
	LeaderRetryInterval time.Duration `yaml:"leader_retry_interval"`

	// HeartbeatTimeout bounds how stale a step's last heartbeat may be
	// before ReclaimStaleRuns rewrites the run's claim owner to this
	// replica.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`

	// ReclaimInterval is how often the stale-run reclaim sweep runs.
	ReclaimInterval time.Duration `yaml:"reclaim_interval"`

	// ExecutorConcurrency bounds the executor's worker pool.
	ExecutorConcurrency int `yaml:"executor_concurrency"`

	// ExecutorHeartbeatInterval is the minimum spacing between persisted
	// step heartbeats (spec floor is 5s).
	ExecutorHeartbeatInterval time.Duration `yaml:"executor_heartbeat_interval"`

	// ExecutorDefaultTimeout bounds a step attempt with no explicit
	// timeoutMs.
	ExecutorDefaultTimeout time.Duration `yaml:"executor_default_timeout"`

	// ShutdownGracePeriod bounds how long Shutdown waits for in-flight
	// step attempts to drain before returning.
	ShutdownGracePeriod time.Duration `yaml:"shutdown_grace_period"`
}

// ServiceEndpoint resolves a Service step's serviceSlug to a base URL its
// RequestTemplate.Path is joined onto, plus the path health.go polls to
// maintain that service's health snapshot.
type ServiceEndpoint struct {
	BaseURL           string        `yaml:"base_url"`
	HealthPath        string        `yaml:"health_path"`
	HealthPollInterval time.Duration `yaml:"health_poll_interval"`
}

// StoreConfig configures the Postgres-backed state store.
type StoreConfig struct {
	ConnectionString string        `yaml:"connection_string"`
	MaxOpenConns     int           `yaml:"max_open_conns"`
	MaxIdleConns     int           `yaml:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `yaml:"conn_max_lifetime"`
}

// EventBusConfig configures the process-local bus and its optional Redis
// cross-process mirror.
type EventBusConfig struct {
	// Mode is "inline" (in-process only) or "redis" (mirrored over Redis
	// pub/sub).
	Mode string `yaml:"mode"`

	// RedisURL is the Redis connection URL used when Mode is "redis".
	RedisURL string `yaml:"redis_url"`

	// Channel is the Redis pub/sub channel name for mirrored events.
	Channel string `yaml:"channel"`
}

// SchedulerConfig configures cron schedule evaluation and auto-materialize
// polling.
type SchedulerConfig struct {
	PollInterval          time.Duration `yaml:"poll_interval"`
	BatchSize             int           `yaml:"batch_size"`
	AutoMaterializePoll   time.Duration `yaml:"auto_materialize_poll_interval"`
	TriggerFailureWindow  time.Duration `yaml:"trigger_failure_window"`
	TriggerPauseCooldown  time.Duration `yaml:"trigger_pause_cooldown"`

	// TriggerSourceFailureThreshold pauses an entire event source, across
	// all of its triggers, once it has produced more failed deliveries than
	// this within TriggerFailureWindow. Zero disables source-level pausing.
	TriggerSourceFailureThreshold int `yaml:"trigger_source_failure_threshold"`
	// TriggerSourcePauseCooldown is how long a source stays paused once
	// paused. Defaults to TriggerPauseCooldown when zero.
	TriggerSourcePauseCooldown time.Duration `yaml:"trigger_source_pause_cooldown"`
}

// BundleConfig configures job bundle artifact storage and publishing limits.
type BundleConfig struct {
	// StorageRoot is the local filesystem root the blob store resolves
	// artifact paths under.
	StorageRoot string `yaml:"storage_root"`

	// MaxArtifactSize is the artifact size limit in bytes, loaded and
	// validated here. internal/bundle does not read it: Publish checks
	// artifacts against the fixed bundle.MaxArtifactSize (16 MiB).
	MaxArtifactSize int64 `yaml:"max_artifact_size"`

	// DownloadTokenSecret signs download tokens handed out for artifact
	// fetches. Must be set via environment in production; an empty value
	// is only tolerated for local development.
	DownloadTokenSecret string `yaml:"-"`

	// DownloadTokenTTL is how long a signed download token remains valid.
	DownloadTokenTTL time.Duration `yaml:"download_token_ttl"`

	// S3Bucket enables the S3 artifact backend (catalog.ArtifactS3) when
	// non-empty; publishes that don't request it keep using StorageRoot.
	S3Bucket string `yaml:"s3_bucket"`

	// S3Prefix is an optional key prefix under S3Bucket.
	S3Prefix string `yaml:"s3_prefix"`

	// S3Region overrides the AWS SDK's resolved region.
	S3Region string `yaml:"s3_region"`

	// S3Endpoint overrides the S3 endpoint, for S3-compatible stores (e.g.
	// MinIO) in local development.
	S3Endpoint string `yaml:"s3_endpoint"`
}

// AnalyticsConfig configures the periodic per-workflow analytics snapshot
// task.
type AnalyticsConfig struct {
	// Disabled turns the snapshot task off entirely.
	Disabled bool `yaml:"disabled"`

	// Interval is how often a snapshot is computed and emitted as a
	// workflow.analytics.snapshot event. A value <= 0 also disables it.
	Interval time.Duration `yaml:"interval"`

	// BucketWidth is the width of the per-bucket metric window.
	BucketWidth time.Duration `yaml:"bucket_width"`

	// Window is how far back totalRuns/statusCounts/successRate are
	// computed over.
	Window time.Duration `yaml:"window"`
}

// Default returns a Config with sensible defaults for local development.
func Default() *Config {
	return &Config{
		Log: log.Config{
			Level:  "info",
			Format: log.FormatJSON,
		},
		Runtime: RuntimeConfig{
			LeaderRetryInterval:       5 * time.Second,
			HeartbeatTimeout:          30 * time.Second,
			ReclaimInterval:           30 * time.Second,
			ExecutorConcurrency:       8,
			ExecutorHeartbeatInterval: 5 * time.Second,
			ExecutorDefaultTimeout:    30 * time.Minute,
			ShutdownGracePeriod:       30 * time.Second,
		},
		Store: StoreConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		EventBus: EventBusConfig{
			Mode:    "inline",
			Channel: "apphub:events",
		},
		Scheduler: SchedulerConfig{
			PollInterval:                  10 * time.Second,
			BatchSize:                     25,
			AutoMaterializePoll:           30 * time.Second,
			TriggerFailureWindow:          time.Hour,
			TriggerPauseCooldown:          15 * time.Minute,
			TriggerSourceFailureThreshold: 20,
			TriggerSourcePauseCooldown:    15 * time.Minute,
		},
		Bundle: BundleConfig{
			StorageRoot:      "./data/bundles",
			MaxArtifactSize:  16 * 1024 * 1024,
			DownloadTokenTTL: 15 * time.Minute,
		},
		Analytics: AnalyticsConfig{
			Interval:    30 * time.Second,
			BucketWidth: time.Hour,
			Window:      7 * 24 * time.Hour,
		},
		Telemetry: telemetry.DefaultConfig(),
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file at path (skipped
// when path is empty), and environment variables, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config YAML: %w", err)
	}
	return nil
}

// applyDefaults fills zero-valued fields left unset by a partial config
// file, so a minimal file only overriding a handful of fields still works.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}

	if c.Runtime.LeaderRetryInterval == 0 {
		c.Runtime.LeaderRetryInterval = defaults.Runtime.LeaderRetryInterval
	}
	if c.Runtime.HeartbeatTimeout == 0 {
		c.Runtime.HeartbeatTimeout = defaults.Runtime.HeartbeatTimeout
	}
	if c.Runtime.ReclaimInterval == 0 {
		c.Runtime.ReclaimInterval = defaults.Runtime.ReclaimInterval
	}
	if c.Runtime.ExecutorConcurrency == 0 {
		c.Runtime.ExecutorConcurrency = defaults.Runtime.ExecutorConcurrency
	}
	if c.Runtime.ExecutorHeartbeatInterval == 0 {
		c.Runtime.ExecutorHeartbeatInterval = defaults.Runtime.ExecutorHeartbeatInterval
	}
	if c.Runtime.ExecutorDefaultTimeout == 0 {
		c.Runtime.ExecutorDefaultTimeout = defaults.Runtime.ExecutorDefaultTimeout
	}
	if c.Runtime.ShutdownGracePeriod == 0 {
		c.Runtime.ShutdownGracePeriod = defaults.Runtime.ShutdownGracePeriod
	}
	if c.Runtime.InstanceID == "" {
		c.Runtime.InstanceID = defaultInstanceID()
	}

	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = defaults.Store.MaxOpenConns
	}
	if c.Store.MaxIdleConns == 0 {
		c.Store.MaxIdleConns = defaults.Store.MaxIdleConns
	}
	if c.Store.ConnMaxLifetime == 0 {
		c.Store.ConnMaxLifetime = defaults.Store.ConnMaxLifetime
	}

	if c.EventBus.Mode == "" {
		c.EventBus.Mode = defaults.EventBus.Mode
	}
	if c.EventBus.Channel == "" {
		c.EventBus.Channel = defaults.EventBus.Channel
	}

	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = defaults.Scheduler.PollInterval
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = defaults.Scheduler.BatchSize
	}
	if c.Scheduler.AutoMaterializePoll == 0 {
		c.Scheduler.AutoMaterializePoll = defaults.Scheduler.AutoMaterializePoll
	}
	if c.Scheduler.TriggerFailureWindow == 0 {
		c.Scheduler.TriggerFailureWindow = defaults.Scheduler.TriggerFailureWindow
	}
	if c.Scheduler.TriggerPauseCooldown == 0 {
		c.Scheduler.TriggerPauseCooldown = defaults.Scheduler.TriggerPauseCooldown
	}
	if c.Scheduler.TriggerSourceFailureThreshold == 0 {
		c.Scheduler.TriggerSourceFailureThreshold = defaults.Scheduler.TriggerSourceFailureThreshold
	}
	if c.Scheduler.TriggerSourcePauseCooldown == 0 {
		c.Scheduler.TriggerSourcePauseCooldown = defaults.Scheduler.TriggerSourcePauseCooldown
	}

	if c.Bundle.StorageRoot == "" {
		c.Bundle.StorageRoot = defaults.Bundle.StorageRoot
	}
	if c.Bundle.MaxArtifactSize == 0 {
		c.Bundle.MaxArtifactSize = defaults.Bundle.MaxArtifactSize
	}
	if c.Bundle.DownloadTokenTTL == 0 {
		c.Bundle.DownloadTokenTTL = defaults.Bundle.DownloadTokenTTL
	}

	if c.Analytics.Interval == 0 {
		c.Analytics.Interval = defaults.Analytics.Interval
	}
	if c.Analytics.BucketWidth == 0 {
		c.Analytics.BucketWidth = defaults.Analytics.BucketWidth
	}
	if c.Analytics.Window == 0 {
		c.Analytics.Window = defaults.Analytics.Window
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if c.Telemetry.BatchSize == 0 {
		c.Telemetry.BatchSize = defaults.Telemetry.BatchSize
	}
	if c.Telemetry.BatchInterval == 0 {
		c.Telemetry.BatchInterval = defaults.Telemetry.BatchInterval
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = defaults.HTTP.Addr
	}
}

// loadFromEnv overrides config fields with the spec's recognized
// environment variables (spec §6), plus a handful of ambient-stack
// variables (log level/format, Postgres connection string) the teacher's
// own config layer also reads from the environment.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = log.Format(strings.ToLower(val))
	}

	if val := os.Getenv("DATABASE_URL"); val != "" {
		c.Store.ConnectionString = val
	}

	if val := os.Getenv("REDIS_URL"); val != "" {
		if strings.EqualFold(val, "inline") {
			c.EventBus.Mode = "inline"
		} else {
			c.EventBus.Mode = "redis"
			c.EventBus.RedisURL = val
		}
	}
	if val := os.Getenv("APPHUB_EVENTS_MODE"); val != "" {
		c.EventBus.Mode = strings.ToLower(val)
	}
	if val := os.Getenv("APPHUB_EVENTS_CHANNEL"); val != "" {
		c.EventBus.Channel = val
	}

	if val := os.Getenv("APPHUB_ANALYTICS_INTERVAL_MS"); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			c.Analytics.Interval = time.Duration(ms) * time.Millisecond
		}
	}
	if val := os.Getenv("APPHUB_DISABLE_ANALYTICS"); val != "" {
		c.Analytics.Disabled = val == "1" || strings.EqualFold(val, "true")
	}

	if val := os.Getenv("APPHUB_JOB_BUNDLE_MAX_SIZE"); val != "" {
		if size, err := strconv.ParseInt(val, 10, 64); err == nil {
			c.Bundle.MaxArtifactSize = size
		}
	}
	if val := os.Getenv("APPHUB_BUNDLE_STORAGE_ROOT"); val != "" {
		c.Bundle.StorageRoot = val
	}
	if val := os.Getenv("APPHUB_BUNDLE_DOWNLOAD_TOKEN_SECRET"); val != "" {
		c.Bundle.DownloadTokenSecret = val
	}
	if val := os.Getenv("APPHUB_BUNDLE_S3_BUCKET"); val != "" {
		c.Bundle.S3Bucket = val
	}
	if val := os.Getenv("APPHUB_BUNDLE_S3_PREFIX"); val != "" {
		c.Bundle.S3Prefix = val
	}
	if val := os.Getenv("APPHUB_BUNDLE_S3_REGION"); val != "" {
		c.Bundle.S3Region = val
	}
	if val := os.Getenv("APPHUB_BUNDLE_S3_ENDPOINT"); val != "" {
		c.Bundle.S3Endpoint = val
	}

	if val := os.Getenv("APPHUB_TELEMETRY_ENABLED"); val != "" {
		c.Telemetry.Enabled = val == "1" || strings.EqualFold(val, "true")
	}

	if val := os.Getenv("APPHUB_INSTANCE_ID"); val != "" {
		c.Runtime.InstanceID = val
	}
	if val := os.Getenv("APPHUB_LEADER_ELECTION"); val != "" {
		c.Runtime.LeaderElection = val == "1" || strings.EqualFold(val, "true")
	}

	if val := os.Getenv("APPHUB_HTTP_ADDR"); val != "" {
		c.HTTP.Addr = val
	}
}

// Validate checks that the assembled configuration is internally
// consistent.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error], got %q", c.Log.Level))
	}
	if c.Log.Format != log.FormatJSON && c.Log.Format != log.FormatText {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Store.ConnectionString == "" {
		errs = append(errs, "store.connection_string (or DATABASE_URL) is required")
	}

	switch c.EventBus.Mode {
	case "inline":
	case "redis":
		if c.EventBus.RedisURL == "" {
			errs = append(errs, "event_bus.redis_url (or REDIS_URL) is required when event_bus.mode is \"redis\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("event_bus.mode must be one of [inline, redis], got %q", c.EventBus.Mode))
	}

	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, "scheduler.batch_size must be positive")
	}
	if c.Bundle.MaxArtifactSize <= 0 {
		errs = append(errs, "bundle.max_artifact_size must be positive")
	}

	if c.Telemetry.Enabled && c.Telemetry.Sampling.Enabled {
		rate := c.Telemetry.Sampling.Rate
		if rate < 0.0 || rate > 1.0 {
			errs = append(errs, fmt.Sprintf("telemetry.sampling.rate must be between 0.0 and 1.0, got %f", rate))
		}
	}

	if c.Runtime.ExecutorConcurrency <= 0 {
		errs = append(errs, "runtime.executor_concurrency must be positive")
	}
	for slug, svc := range c.Services {
		if svc.BaseURL == "" {
			errs = append(errs, fmt.Sprintf("services.%s.base_url is required", slug))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
