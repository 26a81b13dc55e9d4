package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/uwdash/internal/model"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "underwriting_model_data", cfg.Store.Table)
	assert.Equal(t, 50, cfg.Store.BatchSize)
	assert.Equal(t, []string{".xlsb", ".xlsm"}, cfg.Criteria.Extensions)
	assert.Equal(t, []string{"UW Model vCurrent"}, cfg.Criteria.Includes)
	assert.Equal(t, []string{"Speedboat"}, cfg.Criteria.Excludes)
	assert.Equal(t, "2024-07-15", cfg.Criteria.MinModifiedDate)
	assert.Equal(t, "UW Model - Cell Reference Table", cfg.Reference.Sheet)
	assert.Equal(t, 60*time.Second, cfg.PollInterval())
	assert.Equal(t, 4, cfg.Monitoring.WatchDepth)
	assert.Equal(t, 24, cfg.Monitoring.StaleAfterHours)
	assert.Equal(t, 60, cfg.Monitoring.ResendAfterMins)
	assert.Equal(t, 5*time.Second, cfg.Cooldown())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Store.Retry.MaxAttempts)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
deals:
  stages:
    - /deals/0) Dead Deals
    - /deals/2) Active UW and Review
criteria:
  excludes: [Speedboat, Draft]
store:
  driver: postgres
  database_url: postgres://localhost/uw
log:
  level: debug
  format: console
monitoring:
  cooldown_secs: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, []string{"Speedboat", "Draft"}, cfg.Criteria.Excludes)
	assert.Equal(t, 2*time.Second, cfg.Cooldown())
	// Defaults still apply for unset values
	assert.Equal(t, 60*time.Second, cfg.PollInterval())

	stages := cfg.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, "2) Active UW and Review", stages[1].Name)
	require.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	chdirTemp(t)
	path := filepath.Join(t.TempDir(), "uwdash.yml")
	require.NoError(t, os.WriteFile(path, []byte("store:\n  table: uw_rows\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "uw_rows", cfg.Store.Table)
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("UWDASH_STORE_DRIVER", "postgres")
	t.Setenv("UWDASH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvList(t *testing.T) {
	chdirTemp(t)
	t.Setenv("UWDASH_CRITERIA_EXTENSIONS", ".xlsb, .xlsx")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{".xlsb", ".xlsx"}, cfg.Criteria.Extensions)
}

func TestStageDirs_RootDefaults(t *testing.T) {
	cfg := &Config{}
	assert.Empty(t, cfg.StageDirs())

	cfg.Deals.Root = "/deals"
	dirs := cfg.StageDirs()
	require.Len(t, dirs, len(DefaultStageFolders))
	assert.Equal(t, filepath.Join("/deals", "0) Dead Deals"), dirs[0])

	cfg.Deals.Stages = []string{"/elsewhere/X"}
	assert.Equal(t, []string{"/elsewhere/X"}, cfg.StageDirs())
}

func validConfig() *Config {
	cfg := &Config{}
	cfg.Deals.Root = "/deals"
	cfg.Criteria.Extensions = []string{".xlsb"}
	cfg.Criteria.MinModifiedDate = "2024-07-15"
	cfg.Reference.Path = "refs.xlsx"
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "uw.db"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"valid", func(*Config) {}, ""},
		{"no stages", func(c *Config) { c.Deals.Root = "" }, "deals.stages"},
		{"bad date", func(c *Config) { c.Criteria.MinModifiedDate = "07/15/2024" }, "criteria.min_modified_date"},
		{"no extensions", func(c *Config) { c.Criteria.Extensions = nil }, "criteria.extensions"},
		{"no reference", func(c *Config) { c.Reference.Path = "" }, "reference.path"},
		{"postgres without url", func(c *Config) { c.Store.Driver = "postgres" }, "store.database_url"},
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			var cerr *model.ConfigurationError
			require.True(t, errors.As(err, &cerr))
			assert.Equal(t, tt.key, cerr.Key)
		})
	}
}

func TestMinModified(t *testing.T) {
	cfg := validConfig()
	got, err := cfg.MinModified()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 7, 15, 0, 0, 0, 0, time.UTC), got)
}

func TestStoreCacheTTL(t *testing.T) {
	assert.Equal(t, 5*time.Minute, StoreConfig{}.CacheTTL())
	assert.Equal(t, 30*time.Second, StoreConfig{CacheTTLSecs: 30}.CacheTTL())
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}
