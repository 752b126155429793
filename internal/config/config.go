// Package config loads letterflow settings from an optional YAML file and LETTERFLOW_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const envPrefix = "LETTERFLOW_"

const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	SubmitRate      float64       `yaml:"submit_rate_per_second"`
	SubmitBurst     int           `yaml:"submit_burst"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	TrustCDNHeader  bool          `yaml:"trust_cdn_header"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	StoreDSN      string `yaml:"store_dsn"`
	QueueDSN      string `yaml:"queue_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
	UploadDir     string `yaml:"upload_dir"`
}

type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type ModerationConfig struct {
	RulesFile  string        `yaml:"rules_file"`
	WatchRules bool          `yaml:"watch_rules"`
	LockTTL    time.Duration `yaml:"lock_ttl"`
	StaleAfter time.Duration `yaml:"stale_after"`
	SlowAfter  time.Duration `yaml:"slow_after"`
}

type PumpConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Schedule string `yaml:"schedule"`
	Batch    int    `yaml:"batch"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
	Release     string `yaml:"release"`
}

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Moderation ModerationConfig `yaml:"moderation"`
	Pump       PumpConfig       `yaml:"pump"`
	Logging    LoggingConfig    `yaml:"logging"`
	Sentry     SentryConfig     `yaml:"sentry"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20,
			MaxUploadBytes:  64 << 20,
			SubmitRate:      0.2,
			SubmitBurst:     3,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Profile: ProfileMemory,
			DataDir: ".letterflow",
		},
		Queue: QueueConfig{
			Workers:      2,
			PollInterval: time.Second,
			Lease:        5 * time.Minute,
			MaxAttempts:  3,
			RetryDelay:   30 * time.Second,
		},
		Moderation: ModerationConfig{
			WatchRules: true,
			LockTTL:    5 * time.Minute,
			StaleAfter: 10 * time.Minute,
			SlowAfter:  2 * time.Second,
		},
		Pump: PumpConfig{
			Enabled:  true,
			Schedule: "@every 60s",
			Batch:    5,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// LoadConfig reads the YAML file at path over the defaults. An empty path returns the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}
	return cfg, nil
}

// Load reads the file, applies environment overrides and validates the result.
func Load(path string, logger *zap.Logger) (*Config, error) {
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(logger)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from LETTERFLOW_* variables. Unparseable values are logged and
// ignored.
func (c *Config) ApplyEnv(logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	env := envReader{logger: logger}

	c.Server.Addr = env.stringEnv("ADDR", c.Server.Addr)
	c.Server.JWTSecret = env.stringEnv("JWT_SECRET", c.Server.JWTSecret)
	c.Server.MaxBodyBytes = env.int64Env("MAX_BODY_BYTES", c.Server.MaxBodyBytes)
	c.Server.MaxUploadBytes = env.int64Env("MAX_UPLOAD_BYTES", c.Server.MaxUploadBytes)
	c.Server.SubmitRate = env.floatEnv("SUBMIT_RATE", c.Server.SubmitRate)
	c.Server.SubmitBurst = env.intEnv("SUBMIT_BURST", c.Server.SubmitBurst)
	c.Server.TrustedProxies = env.listEnv("TRUSTED_PROXIES", c.Server.TrustedProxies)
	c.Server.TrustCDNHeader = env.boolEnv("TRUST_CDN_HEADER", c.Server.TrustCDNHeader)

	c.Storage.Profile = env.stringEnv("BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = env.stringEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.StoreDSN = env.stringEnv("STORE_DSN", c.Storage.StoreDSN)
	c.Storage.QueueDSN = env.stringEnv("QUEUE_DSN", c.Storage.QueueDSN)
	c.Storage.ProductionDSN = env.stringEnv("PRODUCTION_DSN", c.Storage.ProductionDSN)
	if c.Storage.ProductionDSN == "" {
		c.Storage.ProductionDSN = env.stringEnv("POSTGRES_DSN", "")
	}
	c.Storage.UploadDir = env.stringEnv("UPLOAD_DIR", c.Storage.UploadDir)

	c.Queue.Workers = env.intEnv("QUEUE_WORKERS", c.Queue.Workers)
	c.Queue.PollInterval = env.durationEnv("QUEUE_POLL_INTERVAL", c.Queue.PollInterval)
	c.Queue.Lease = env.durationEnv("QUEUE_LEASE", c.Queue.Lease)
	c.Queue.MaxAttempts = env.intEnv("QUEUE_MAX_ATTEMPTS", c.Queue.MaxAttempts)
	c.Queue.RetryDelay = env.durationEnv("QUEUE_RETRY_DELAY", c.Queue.RetryDelay)

	c.Moderation.RulesFile = env.stringEnv("RULES_FILE", c.Moderation.RulesFile)
	c.Moderation.WatchRules = env.boolEnv("WATCH_RULES", c.Moderation.WatchRules)
	c.Moderation.LockTTL = env.durationEnv("LOCK_TTL", c.Moderation.LockTTL)
	c.Moderation.StaleAfter = env.durationEnv("STALE_AFTER", c.Moderation.StaleAfter)
	c.Moderation.SlowAfter = env.durationEnv("SLOW_AFTER", c.Moderation.SlowAfter)

	c.Pump.Enabled = env.boolEnv("PUMP_ENABLED", c.Pump.Enabled)
	c.Pump.Schedule = env.stringEnv("PUMP_SCHEDULE", c.Pump.Schedule)
	c.Pump.Batch = env.intEnv("PUMP_BATCH", c.Pump.Batch)

	c.Logging.Level = env.stringEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Development = env.boolEnv("LOG_DEVELOPMENT", c.Logging.Development)

	c.Sentry.DSN = env.stringEnv("SENTRY_DSN", c.Sentry.DSN)
	c.Sentry.Environment = env.stringEnv("SENTRY_ENVIRONMENT", c.Sentry.Environment)
	c.Sentry.Release = env.stringEnv("SENTRY_RELEASE", c.Sentry.Release)
}

func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server.Addr) == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Server.SubmitRate < 0 || c.Server.SubmitBurst < 0 {
		problems = append(problems, "submit rate and burst must not be negative")
	}
	if c.Queue.Workers <= 0 {
		problems = append(problems, "queue.workers must be positive")
	}
	if c.Pump.Enabled && strings.TrimSpace(c.Pump.Schedule) == "" {
		problems = append(problems, "pump.schedule is required when the pump is enabled")
	}
	if _, _, err := c.ResolveBackends(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ResolveBackends returns the store and queue DSNs. Explicit DSNs win over the profile.
func (c *Config) ResolveBackends() (storeDSN, queueDSN string, err error) {
	profileStore, profileQueue, err := c.profileDefaults()
	if err != nil {
		return "", "", err
	}
	storeDSN = strings.TrimSpace(c.Storage.StoreDSN)
	if storeDSN == "" {
		storeDSN = profileStore
	}
	queueDSN = strings.TrimSpace(c.Storage.QueueDSN)
	if queueDSN == "" {
		queueDSN = profileQueue
	}
	if storeDSN == "" || queueDSN == "" {
		return "", "", fmt.Errorf("backend profile %q needs explicit store_dsn and queue_dsn", c.Storage.Profile)
	}
	return storeDSN, queueDSN, nil
}

func (c *Config) profileDefaults() (string, string, error) {
	profile := strings.ToLower(strings.TrimSpace(c.Storage.Profile))
	dataDir := strings.TrimSpace(c.Storage.DataDir)
	if dataDir == "" {
		dataDir = ".letterflow"
	}
	switch profile {
	case "", ProfileCustom:
		return "", "", nil
	case ProfileMemory, "inmemory":
		return "memory://", "memory://", nil
	case ProfileDurableLocal, "local-durable":
		return "file://" + filepath.Join(dataDir, "store.json"),
			"file://" + filepath.Join(dataDir, "queue.json"),
			nil
	case ProfileProduction, "prod":
		dsn := strings.TrimSpace(c.Storage.ProductionDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("%sPRODUCTION_DSN or %sPOSTGRES_DSN is required for backend profile %s", envPrefix, envPrefix, profile)
		}
		return dsn, dsn, nil
	default:
		return "", "", fmt.Errorf("unsupported backend profile: %s", profile)
	}
}

// UploadPath is where import uploads are written before they are queued.
func (c *Config) UploadPath() string {
	if dir := strings.TrimSpace(c.Storage.UploadDir); dir != "" {
		return dir
	}
	return filepath.Join(c.Storage.DataDir, "uploads")
}

type envReader struct {
	logger *zap.Logger
}

func (e envReader) lookup(name string) (string, bool) {
	raw, ok := os.LookupEnv(envPrefix + name)
	if !ok {
		return "", false
	}
	raw = strings.TrimSpace(raw)
	return raw, raw != ""
}

func (e envReader) invalid(name, raw string, fallback any) {
	e.logger.Warn("invalid environment value, using fallback",
		zap.String("name", envPrefix+name),
		zap.String("value", raw),
		zap.Any("fallback", fallback),
	)
}

func (e envReader) stringEnv(name, fallback string) string {
	if raw, ok := e.lookup(name); ok {
		return raw
	}
	return fallback
}

func (e envReader) intEnv(name string, fallback int) int {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) int64Env(name string, fallback int64) int64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) floatEnv(name string, fallback float64) float64 {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) boolEnv(name string, fallback bool) bool {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		e.invalid(name, raw, fallback)
		return fallback
	}
	return value
}

func (e envReader) durationEnv(name string, fallback time.Duration) time.Duration {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		e.invalid(name, raw, fallback.String())
		return fallback
	}
	return value
}

func (e envReader) listEnv(name string, fallback []string) []string {
	raw, ok := e.lookup(name)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
