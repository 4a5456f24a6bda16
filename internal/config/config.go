// Package config provides configuration management for vexdb: a YAML file
// merged over defaults, with environment overrides for deploy-time knobs
// and secrets.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/thebtf/vexdb/internal/ratelimit"
)

// Defaults for knobs that are usually left alone.
const (
	DefaultListen        = ":8080"
	DefaultWorkers       = 10
	DefaultSearchTimeout = 30 * time.Second
	DefaultHybridTimeout = 45 * time.Second
	DefaultRetentionDays = 30
	DefaultJobMaxAge     = 24 * time.Hour
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9.-]{0,63}$`)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s". Bare numbers are taken as seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err != nil {
		return fmt.Errorf("invalid duration %q", node.Value)
	}
	*d = Duration(time.Duration(n) * time.Second)
	return nil
}

// Config is the full process configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	KV        KVConfig        `yaml:"kv"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Backup    BackupConfig    `yaml:"backup"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Log       LogConfig       `yaml:"log"`
	Tenants   []TenantConfig  `yaml:"tenants"`
}

// StorageConfig locates the on-disk dataset store.
type StorageConfig struct {
	Root string `yaml:"root"`
}

// ServerConfig holds the shared HTTP+RPC listener settings. Both
// protocols are multiplexed on one port.
type ServerConfig struct {
	Listen        string   `yaml:"listen"`
	Workers       int      `yaml:"workers"`
	SearchTimeout Duration `yaml:"search_timeout"`
	HybridTimeout Duration `yaml:"hybrid_timeout"`
	TLSCert       string   `yaml:"tls_cert"`
	TLSKey        string   `yaml:"tls_key"`
}

// KVConfig points at the shared counter/cache store. An empty URL keeps
// everything in-process.
type KVConfig struct {
	URL string `yaml:"url"` // redis://host:port/db; env VEXDB_KV_URL
}

// CacheConfig toggles result caching. MaxEntries bounds the in-process
// backend.
type CacheConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxEntries int  `yaml:"max_entries"`
}

// RateLimitConfig selects the limiting strategy and the default quota.
type RateLimitConfig struct {
	Strategy  string `yaml:"strategy"`
	PerMinute int    `yaml:"per_minute"`
	PerHour   int    `yaml:"per_hour"`
	PerDay    int    `yaml:"per_day"`
	Burst     int    `yaml:"burst"`
}

// Quota converts the config block into a limiter quota, keeping defaults
// for unset fields.
func (c RateLimitConfig) Quota() ratelimit.Quota {
	q := ratelimit.DefaultQuota
	if c.PerMinute > 0 {
		q.PerMinute = int64(c.PerMinute)
	}
	if c.PerHour > 0 {
		q.PerHour = int64(c.PerHour)
	}
	if c.PerDay > 0 {
		q.PerDay = int64(c.PerDay)
	}
	if c.Burst > 0 {
		q.Burst = int64(c.Burst)
	}
	return q
}

// BackupConfig controls archives, the optional object-store replica, and
// retention. Object-store credentials come from the AWS environment chain,
// never from the file.
type BackupConfig struct {
	Dir           string   `yaml:"dir"`
	Schedule      string   `yaml:"schedule"` // cron expression, empty disables
	RetentionDays int      `yaml:"retention_days"`
	S3            S3Config `yaml:"s3"`
}

// S3Config locates the backup bucket.
type S3Config struct {
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// JobsConfig controls async job retention and the export spool.
type JobsConfig struct {
	Dir    string   `yaml:"dir"`
	MaxAge Duration `yaml:"max_age"`
}

// EmbeddingConfig points text search at an OpenAI-compatible /embeddings
// endpoint. The API key is env-only (VEXDB_EMBEDDING_API_KEY); leaving it
// unset disables text search.
type EmbeddingConfig struct {
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

// LogConfig sets log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// TenantConfig declares one tenant. API keys may reference environment
// variables with $NAME, so the file itself stays secret-free.
type TenantConfig struct {
	ID          string            `yaml:"id"`
	Active      *bool             `yaml:"active"`
	Permissions []string          `yaml:"permissions"`
	APIKeys     []string          `yaml:"api_keys"`
	RateLimit   *RateLimitConfig  `yaml:"rate_limit"`
	Quotas      *TenantQuotas     `yaml:"quotas"`
	Metadata    map[string]string `yaml:"metadata"`
}

// TenantQuotas caps a tenant's footprint.
type TenantQuotas struct {
	MaxDatasets          int   `yaml:"max_datasets"`
	MaxVectorsPerDataset int   `yaml:"max_vectors_per_dataset"`
	MaxBytes             int64 `yaml:"max_bytes"`
}

// IsActive resolves the tristate active flag; unset means active.
func (t TenantConfig) IsActive() bool {
	return t.Active == nil || *t.Active
}

// ResolvedKeys expands $ENV references in the tenant's API keys and drops
// keys whose referenced variable is empty.
func (t TenantConfig) ResolvedKeys() []string {
	out := make([]string, 0, len(t.APIKeys))
	for _, key := range t.APIKeys {
		expanded := os.ExpandEnv(key)
		if expanded != "" {
			out = append(out, expanded)
		}
	}
	return out
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Root: "./data"},
		Server: ServerConfig{
			Listen:        DefaultListen,
			Workers:       DefaultWorkers,
			SearchTimeout: Duration(DefaultSearchTimeout),
			HybridTimeout: Duration(DefaultHybridTimeout),
		},
		Cache:     CacheConfig{Enabled: true, MaxEntries: 4096},
		RateLimit: RateLimitConfig{Strategy: string(ratelimit.StrategySlidingWindow)},
		Backup: BackupConfig{
			Dir:           "./backups",
			RetentionDays: DefaultRetentionDays,
		},
		Jobs: JobsConfig{Dir: "./jobs", MaxAge: Duration(DefaultJobMaxAge)},
		Log:  LogConfig{Level: "info"},
	}
}

// Load reads the config file at path (optional) over the defaults, then
// applies environment overrides. A .env file in the working directory is
// honored first.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deploy environments override file settings. Secrets (KV
// URL, object-store bucket) are env-only.
func (c *Config) applyEnv() {
	if v := os.Getenv("VEXDB_STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("VEXDB_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("VEXDB_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Workers = n
		}
	}
	if v := os.Getenv("VEXDB_KV_URL"); v != "" {
		c.KV.URL = v
	}
	if v := os.Getenv("VEXDB_RATE_LIMIT_STRATEGY"); v != "" {
		c.RateLimit.Strategy = v
	}
	if v := os.Getenv("VEXDB_BACKUP_DIR"); v != "" {
		c.Backup.Dir = v
	}
	if v := os.Getenv("VEXDB_BACKUP_S3_BUCKET"); v != "" {
		c.Backup.S3.Bucket = v
	}
	if v := os.Getenv("VEXDB_EMBEDDING_BASE_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if v := os.Getenv("VEXDB_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("VEXDB_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("VEXDB_TLS_CERT"); v != "" {
		c.Server.TLSCert = v
	}
	if v := os.Getenv("VEXDB_TLS_KEY"); v != "" {
		c.Server.TLSKey = v
	}
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Storage.Root == "" {
		return fmt.Errorf("storage.root must be set")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("server.workers must be positive, got %d", c.Server.Workers)
	}
	if !ratelimit.Strategy(c.RateLimit.Strategy).Valid() {
		return fmt.Errorf("unknown rate_limit.strategy %q", c.RateLimit.Strategy)
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return fmt.Errorf("tls_cert and tls_key must be set together")
	}
	seen := make(map[string]struct{}, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return fmt.Errorf("tenant with empty id")
		}
		// Tenant ids end up in dataset directory names.
		if !tenantIDPattern.MatchString(t.ID) {
			return fmt.Errorf("tenant id %q must match %s", t.ID, tenantIDPattern)
		}
		if _, dup := seen[t.ID]; dup {
			return fmt.Errorf("duplicate tenant id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.RateLimit != nil && t.RateLimit.Strategy != "" && !ratelimit.Strategy(t.RateLimit.Strategy).Valid() {
			return fmt.Errorf("tenant %s: unknown rate_limit.strategy %q", t.ID, t.RateLimit.Strategy)
		}
	}
	return nil
}

// Retention returns the backup retention window.
func (c *Config) Retention() time.Duration {
	days := c.Backup.RetentionDays
	if days <= 0 {
		days = DefaultRetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// LogLevel normalizes the configured level name.
func (c *Config) LogLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Log.Level))
}
