package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Source     SourceConfig     `yaml:"source"`
	Filter     FilterConfig     `yaml:"filter"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Narrative  NarrativeConfig  `yaml:"narrative"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Clustering ClusteringConfig `yaml:"clustering"`
	Scoring    ScoringConfig    `yaml:"scoring"`
	Alerts     AlertsConfig     `yaml:"alerts"`
	Lock       LockConfig       `yaml:"lock"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// DatabaseConfig selects the SQL backend. Path is used by sqlite, DSN by postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// ScheduleConfig configures the daemon loop.
type ScheduleConfig struct {
	CollectInterval string `yaml:"collect_interval"`
	CleanupInterval string `yaml:"cleanup_interval"`
}

// ParseCollectInterval returns the collect interval as time.Duration.
func (s ScheduleConfig) ParseCollectInterval() time.Duration {
	return parseDuration(s.CollectInterval, time.Hour)
}

// ParseCleanupInterval returns the retention sweep interval.
func (s ScheduleConfig) ParseCleanupInterval() time.Duration {
	return parseDuration(s.CleanupInterval, 24*time.Hour)
}

// SourceConfig configures post acquisition.
type SourceConfig struct {
	Provider    string   `yaml:"provider"` // "twitter" or "nitter"
	SearchTerms []string `yaml:"search_terms"`
	MaxResults  int      `yaml:"max_results"`
	BearerToken string   `yaml:"bearer_token"`
	Host        string   `yaml:"host"` // API host override (optional)
	NitterURL   string   `yaml:"nitter_url"`
	Timeout     string   `yaml:"timeout"`
}

// ParseTimeout returns the fetch timeout.
func (s SourceConfig) ParseTimeout() time.Duration {
	return parseDuration(s.Timeout, 30*time.Second)
}

// FilterConfig configures keyword filtering of fetched posts.
type FilterConfig struct {
	Keywords        []string `yaml:"keywords"`
	ExcludeKeywords []string `yaml:"exclude_keywords"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Model         string  `yaml:"model"`
	APIKey        string  `yaml:"api_key"`
	BaseURL       string  `yaml:"base_url"`
	Timeout       string  `yaml:"timeout"`
	BatchSize     int     `yaml:"batch_size"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// ParseTimeout returns the per-call embedding timeout.
func (e EmbeddingConfig) ParseTimeout() time.Duration {
	return parseDuration(e.Timeout, 60*time.Second)
}

// NarrativeConfig configures trend naming and descriptions.
type NarrativeConfig struct {
	Provider            string  `yaml:"provider"` // "openai" or "anthropic"
	Model               string  `yaml:"model"`
	APIKey              string  `yaml:"api_key"`
	BaseURL             string  `yaml:"base_url"`
	Timeout             string  `yaml:"timeout"`
	SampleSize          int     `yaml:"sample_size"`
	DescribeConcurrency int     `yaml:"describe_concurrency"`
	DescribeBatch       int     `yaml:"describe_batch"`
	RatePerSecond       float64 `yaml:"rate_per_second"`
}

// ParseTimeout returns the per-call naming timeout.
func (n NarrativeConfig) ParseTimeout() time.Duration {
	return parseDuration(n.Timeout, 60*time.Second)
}

// ResilienceConfig is the retry and circuit breaker policy shared by the
// embedding and narrative clients.
type ResilienceConfig struct {
	MaxRetries       int    `yaml:"max_retries"`
	BaseDelay        string `yaml:"base_delay"`
	MaxDelay         string `yaml:"max_delay"`
	FailureThreshold uint   `yaml:"failure_threshold"`
	FailureWindow    uint   `yaml:"failure_window"`
	Cooldown         string `yaml:"cooldown"`
}

// ParseBaseDelay returns the initial backoff delay.
func (r ResilienceConfig) ParseBaseDelay() time.Duration {
	return parseDuration(r.BaseDelay, time.Second)
}

// ParseMaxDelay returns the backoff ceiling.
func (r ResilienceConfig) ParseMaxDelay() time.Duration {
	return parseDuration(r.MaxDelay, 8*time.Second)
}

// RetryBudget is the wall time a call with the given per-attempt timeout
// may take when every retry is spent at the maximum backoff.
func (r ResilienceConfig) RetryBudget(perAttempt time.Duration) time.Duration {
	retries := max(r.MaxRetries, 0)
	return perAttempt*time.Duration(retries+1) + r.ParseMaxDelay()*time.Duration(retries)
}

// ParseCooldown returns how long an open breaker waits before probing.
func (r ResilienceConfig) ParseCooldown() time.Duration {
	return parseDuration(r.Cooldown, time.Minute)
}

// ClusteringConfig configures the k-means clusterer.
type ClusteringConfig struct {
	Seed           uint64 `yaml:"seed"`
	Restarts       int    `yaml:"restarts"`
	MaxIterations  int    `yaml:"max_iterations"`
	MinClusterSize int    `yaml:"min_cluster_size"`
	PendingLimit   int    `yaml:"pending_limit"`
}

// ScoringConfig configures the engagement score.
type ScoringConfig struct {
	LikeWeight    float64 `yaml:"like_weight"`
	CommentWeight float64 `yaml:"comment_weight"`
	RepostWeight  float64 `yaml:"repost_weight"`
	Scale         float64 `yaml:"scale"`
	HistoryLimit  int     `yaml:"history_limit"`
}

// AlertsConfig configures alert destinations.
type AlertsConfig struct {
	MinScore     float64       `yaml:"min_score"`
	DashboardURL string        `yaml:"dashboard_url"`
	Slack        SlackConfig   `yaml:"slack"`
	Discord      DiscordConfig `yaml:"discord"`
	Webhook      WebhookConfig `yaml:"webhook"`
	NATS         NATSConfig    `yaml:"nats"`
}

// SlackConfig for Slack webhook alerts.
type SlackConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// DiscordConfig for Discord webhook alerts.
type DiscordConfig struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
}

// WebhookConfig for generic webhook alerts.
type WebhookConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Secret  string `yaml:"secret"`
}

// NATSConfig publishes alert events to a NATS subject.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LockConfig selects the run lock backend.
type LockConfig struct {
	Backend       string `yaml:"backend"` // "local" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Key           string `yaml:"key"`
	TTL           string `yaml:"ttl"`
}

// ParseTTL returns the lease TTL. It must outlive the longest run.
func (l LockConfig) ParseTTL() time.Duration {
	return parseDuration(l.TTL, 30*time.Minute)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	PerPage     int      `yaml:"per_page"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// LogConfig configures logrus.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// RetentionConfig configures the cleanup sweep.
type RetentionConfig struct {
	Days int `yaml:"days"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./trendpulse.db"},
		Schedule: ScheduleConfig{
			CollectInterval: "1h",
			CleanupInterval: "24h",
		},
		Source: SourceConfig{
			Provider:    "twitter",
			SearchTerms: []string{"AI", "artificial intelligence", "generative AI"},
			MaxResults:  10,
			NitterURL:   "https://nitter.net",
			Timeout:     "30s",
		},
		Embedding: EmbeddingConfig{
			Model:         "text-embedding-3-large",
			Timeout:       "60s",
			BatchSize:     100,
			RatePerSecond: 2,
		},
		Narrative: NarrativeConfig{
			Provider:            "openai",
			Model:               "gpt-4o-mini",
			Timeout:             "60s",
			SampleSize:          20,
			DescribeConcurrency: 4,
			DescribeBatch:       20,
			RatePerSecond:       1,
		},
		Resilience: ResilienceConfig{
			MaxRetries:       3,
			BaseDelay:        "1s",
			MaxDelay:         "8s",
			FailureThreshold: 5,
			FailureWindow:    10,
			Cooldown:         "60s",
		},
		Clustering: ClusteringConfig{
			Seed:           42,
			Restarts:       10,
			MaxIterations:  300,
			MinClusterSize: 2,
			PendingLimit:   500,
		},
		Scoring: ScoringConfig{
			LikeWeight:    1.0,
			CommentWeight: 1.1,
			RepostWeight:  1.2,
			Scale:         1000,
			HistoryLimit:  30,
		},
		Alerts: AlertsConfig{
			MinScore: 50,
			NATS:     NATSConfig{Subject: "trendpulse.trends.alert"},
		},
		Lock: LockConfig{
			Backend: "local",
			Key:     "trendpulse:pipeline:lock",
			TTL:     "30m",
		},
		Server:    ServerConfig{Port: 8080, PerPage: 50, CORSOrigins: []string{"*"}},
		Log:       LogConfig{Level: "info", Format: "json"},
		Retention: RetentionConfig{Days: 30},
	}
}

// Load reads configuration from a YAML file and applies env var overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config: database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}

	switch c.Source.Provider {
	case "twitter", "nitter":
	default:
		return fmt.Errorf("config: unknown source.provider %q", c.Source.Provider)
	}
	if len(c.Source.SearchTerms) == 0 {
		return fmt.Errorf("config: source.search_terms must not be empty")
	}

	switch c.Narrative.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("config: unknown narrative.provider %q", c.Narrative.Provider)
	}

	switch c.Lock.Backend {
	case "local":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("config: lock.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown lock.backend %q", c.Lock.Backend)
	}

	if c.Clustering.MinClusterSize < 1 {
		return fmt.Errorf("config: clustering.min_cluster_size must be at least 1")
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRENDPULSE_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TRENDPULSE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("TRENDPULSE_DB_DSN"); v != "" {
		cfg.Database.DSN = v
		cfg.Database.Driver = "postgres"
	}
	if v := os.Getenv("TWITTER_BEARER_TOKEN"); v != "" {
		cfg.Source.BearerToken = v
	}
	if v := os.Getenv("TRENDPULSE_SEARCH_TERMS"); v != "" {
		cfg.Source.SearchTerms = splitList(v)
	}
	if v := os.Getenv("TRENDPULSE_MAX_RESULTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Source.MaxResults = n
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Embedding.APIKey = v
		if cfg.Narrative.Provider == "openai" {
			cfg.Narrative.APIKey = v
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Narrative.APIKey = v
		cfg.Narrative.Provider = "anthropic"
		if cfg.Narrative.Model == "gpt-4o-mini" {
			cfg.Narrative.Model = ""
		}
	}
	if v := os.Getenv("SLACK_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Slack.WebhookURL = v
		cfg.Alerts.Slack.Enabled = true
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		cfg.Alerts.Discord.WebhookURL = v
		cfg.Alerts.Discord.Enabled = true
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Alerts.NATS.URL = v
		cfg.Alerts.NATS.Enabled = true
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Lock.RedisAddr = v
		cfg.Lock.Backend = "redis"
	}
	if v := os.Getenv("TRENDPULSE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
