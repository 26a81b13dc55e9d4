// Package config loads settings from config.yaml and UWDASH_ environment
// variables.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/uwdash/internal/model"
)

// DefaultStageFolders are the deal-stage folders expected under deals.root
// when deals.stages is not set.
var DefaultStageFolders = []string{
	"0) Dead Deals",
	"1) Initial UW and Review",
	"2) Active UW and Review",
	"3) Deals Under Contract",
	"4) Closed Deals",
	"5) Realized Deals",
}

// Config holds the full application configuration.
type Config struct {
	Deals      DealsConfig      `yaml:"deals" mapstructure:"deals"`
	Criteria   CriteriaConfig   `yaml:"criteria" mapstructure:"criteria"`
	Reference  ReferenceConfig  `yaml:"reference" mapstructure:"reference"`
	Extract    ExtractConfig    `yaml:"extract" mapstructure:"extract"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// DealsConfig locates the deal-stage directories. Stages is authoritative;
// Root only supplies the default stage folders when Stages is empty.
type DealsConfig struct {
	Root   string   `yaml:"root" mapstructure:"root"`
	Stages []string `yaml:"stages" mapstructure:"stages"`
}

// CriteriaConfig holds the underwriting-model inclusion rules.
type CriteriaConfig struct {
	Extensions      []string `yaml:"extensions" mapstructure:"extensions"`
	Includes        []string `yaml:"includes" mapstructure:"includes"`
	Excludes        []string `yaml:"excludes" mapstructure:"excludes"`
	MinModifiedDate string   `yaml:"min_modified_date" mapstructure:"min_modified_date"`
}

// ReferenceConfig locates the cell reference workbook.
type ReferenceConfig struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Sheet   string `yaml:"sheet" mapstructure:"sheet"`
	TTLSecs int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// ExtractConfig tunes the extraction worker pool.
type ExtractConfig struct {
	Workers     int `yaml:"workers" mapstructure:"workers"`
	TimeoutSecs int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// StoreConfig configures the persistence gateway.
type StoreConfig struct {
	Driver       string      `yaml:"driver" mapstructure:"driver"`
	Path         string      `yaml:"path" mapstructure:"path"`
	DatabaseURL  string      `yaml:"database_url" mapstructure:"database_url"`
	Table        string      `yaml:"table" mapstructure:"table"`
	BatchSize    int         `yaml:"batch_size" mapstructure:"batch_size"`
	CacheTTLSecs int         `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	MaxConns     int32       `yaml:"max_conns" mapstructure:"max_conns"`
	Retry        RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// RetryConfig bounds retries of transient lock conflicts.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// MonitoringConfig configures the change watcher and health alerts.
type MonitoringConfig struct {
	PollIntervalSecs int     `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	CooldownSecs     int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
	RescansPerMinute float64 `yaml:"rescans_per_minute" mapstructure:"rescans_per_minute"`
	WatchDepth       int     `yaml:"watch_depth" mapstructure:"watch_depth"`

	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	FailureBacklog       int     `yaml:"failure_backlog" mapstructure:"failure_backlog"`
	StaleAfterHours      int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	ResendAfterMins      int     `yaml:"resend_after_mins" mapstructure:"resend_after_mins"`
}

// ServerConfig configures the presentation API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// ReconcileConfig adds column-name mappings on top of the built-in table.
type ReconcileConfig struct {
	Overrides []ColumnOverride `yaml:"overrides" mapstructure:"overrides"`
}

// ColumnOverride is one explicit canonical/storage/label triple.
type ColumnOverride struct {
	Canonical string `yaml:"canonical" mapstructure:"canonical"`
	Storage   string `yaml:"storage" mapstructure:"storage"`
	Label     string `yaml:"label" mapstructure:"label"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from ./config.yaml, if present, and the
// environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. A named file must exist.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetConfigType("yaml")

	// Environment
	v.SetEnvPrefix("UWDASH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("deals.root", "")
	v.SetDefault("deals.stages", []string{})
	v.SetDefault("criteria.extensions", []string{".xlsb", ".xlsm"})
	v.SetDefault("criteria.includes", []string{"UW Model vCurrent"})
	v.SetDefault("criteria.excludes", []string{"Speedboat"})
	v.SetDefault("criteria.min_modified_date", "2024-07-15")
	v.SetDefault("reference.path", "prompt/Underwriting Dashboard Project - Cell Value References.xlsx")
	v.SetDefault("reference.sheet", "UW Model - Cell Reference Table")
	v.SetDefault("reference.ttl_secs", 3600)
	v.SetDefault("extract.workers", 0)
	v.SetDefault("extract.timeout_secs", 120)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "database/underwriting_models.db")
	v.SetDefault("store.table", "underwriting_model_data")
	v.SetDefault("store.batch_size", 50)
	v.SetDefault("store.cache_ttl_secs", 300)
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.retry.max_attempts", 5)
	v.SetDefault("store.retry.initial_backoff_ms", 100)
	v.SetDefault("store.retry.max_backoff_ms", 5000)
	v.SetDefault("store.retry.multiplier", 2.0)
	v.SetDefault("store.retry.jitter_fraction", 0.25)
	v.SetDefault("monitoring.poll_interval_secs", 60)
	v.SetDefault("monitoring.cooldown_secs", 5)
	v.SetDefault("monitoring.rescans_per_minute", 6)
	v.SetDefault("monitoring.watch_depth", 4)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.failure_backlog", 25)
	v.SetDefault("monitoring.stale_after_hours", 24)
	v.SetDefault("monitoring.resend_after_mins", 60)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	// Comma-separated env values arrive as a single element.
	cfg.Deals.Stages = splitList(cfg.Deals.Stages)
	cfg.Criteria.Extensions = splitList(cfg.Criteria.Extensions)
	cfg.Criteria.Includes = splitList(cfg.Criteria.Includes)
	cfg.Criteria.Excludes = splitList(cfg.Criteria.Excludes)

	return &cfg, nil
}

func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the settings every processing command depends on. It
// returns a *model.ConfigurationError so callers can stop before any work.
func (c *Config) Validate() error {
	if len(c.StageDirs()) == 0 {
		return &model.ConfigurationError{Key: "deals.stages", Reason: "no deal-stage directories configured (set deals.stages or deals.root)"}
	}
	if _, err := c.MinModified(); err != nil {
		return &model.ConfigurationError{Key: "criteria.min_modified_date", Reason: err.Error()}
	}
	if len(c.Criteria.Extensions) == 0 {
		return &model.ConfigurationError{Key: "criteria.extensions", Reason: "at least one extension is required"}
	}
	if c.Reference.Path == "" {
		return &model.ConfigurationError{Key: "reference.path", Reason: "reference workbook path is required"}
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return &model.ConfigurationError{Key: "store.path", Reason: "sqlite path is required"}
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return &model.ConfigurationError{Key: "store.database_url", Reason: "postgres database_url is required"}
		}
	default:
		return &model.ConfigurationError{Key: "store.driver", Reason: "unsupported driver " + c.Store.Driver}
	}
	return nil
}

// StageDirs resolves the ordered deal-stage directories.
func (c *Config) StageDirs() []string {
	if len(c.Deals.Stages) > 0 {
		return c.Deals.Stages
	}
	if c.Deals.Root == "" {
		return nil
	}
	dirs := make([]string, 0, len(DefaultStageFolders))
	for _, name := range DefaultStageFolders {
		dirs = append(dirs, filepath.Join(c.Deals.Root, name))
	}
	return dirs
}

// Stages returns the configured deal stages in order.
func (c *Config) Stages() []model.DealStage {
	dirs := c.StageDirs()
	stages := make([]model.DealStage, 0, len(dirs))
	for _, d := range dirs {
		stages = append(stages, model.NewDealStage(d))
	}
	return stages
}

// MinModified parses criteria.min_modified_date (YYYY-MM-DD).
func (c *Config) MinModified() (time.Time, error) {
	t, err := time.Parse(model.DateLayout, strings.TrimSpace(c.Criteria.MinModifiedDate))
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "config: parse min_modified_date %q", c.Criteria.MinModifiedDate)
	}
	return t, nil
}

// PollInterval returns how often the watcher drains its queue.
func (c *Config) PollInterval() time.Duration {
	return secs(c.Monitoring.PollIntervalSecs, 60)
}

// Cooldown returns the quiet period required after the last change event.
func (c *Config) Cooldown() time.Duration {
	return secs(c.Monitoring.CooldownSecs, 5)
}

// ExtractTimeout returns the per-file extraction deadline.
func (c *Config) ExtractTimeout() time.Duration {
	return secs(c.Extract.TimeoutSecs, 120)
}

// ReferenceTTL returns the reference-table cache TTL; zero disables it.
func (c *Config) ReferenceTTL() time.Duration {
	if c.Reference.TTLSecs <= 0 {
		return 0
	}
	return time.Duration(c.Reference.TTLSecs) * time.Second
}

// CacheTTL returns the query-cache TTL, five minutes when unset.
func (s StoreConfig) CacheTTL() time.Duration {
	return secs(s.CacheTTLSecs, 300)
}

func secs(n, def int) time.Duration {
	if n <= 0 {
		n = def
	}
	return time.Duration(n) * time.Second
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
