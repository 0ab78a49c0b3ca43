package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/autotune/internal/pipeline"
	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/stress"
)

// TestLoadDefaults verifies loading with no config file uses defaults
func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "autotune", cfg.App.Name)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.Equal(t, "info", cfg.App.LogLevel)

	assert.Equal(t, "csv", cfg.Data.Provider)
	assert.Equal(t, []string{"BTCUSDT"}, cfg.Data.Symbols)
	assert.Equal(t, "1h", cfg.Data.Interval)
	assert.Equal(t, 4320, cfg.Data.Lookback)

	assert.Equal(t, 720, cfg.Segments.TrainLen)
	assert.Equal(t, 168, cfg.Segments.OOSLen)
	assert.Equal(t, 24, cfg.Segments.EmbargoLen)
	assert.InDelta(t, 0.8, cfg.Segments.Presence, 1e-9)

	assert.Equal(t, 200, cfg.Search.Budget)
	assert.Equal(t, "tpe", cfg.Search.Sampler)
	assert.Equal(t, 3, cfg.Search.TopK)
	assert.Equal(t, 30*time.Second, cfg.Search.TrialTimeout)

	assert.Equal(t, 500, cfg.Stress.Runs)
	assert.Equal(t, "block", cfg.Stress.Mode)

	assert.InDelta(t, 0.30, cfg.Gates.CatastrophicDrawdown, 1e-9)
	assert.Equal(t, pipeline.PolicyAbsolute, cfg.Gates.Unreliable)

	assert.Equal(t, 72*time.Hour, cfg.Tiers.DwellA)
	assert.Equal(t, 500, cfg.Tiers.TradesC)
	assert.InDelta(t, 0.05, cfg.Promotion.DrawdownTolerance, 1e-9)

	assert.Equal(t, "strategy.fast_period", cfg.Evaluator.FastKey)
	assert.Equal(t, "strategy.slow_period", cfg.Evaluator.SlowKey)

	assert.Equal(t, 20, cfg.Store.Retention)
	assert.Equal(t, time.Hour, cfg.Supervisor.Interval)
	assert.Equal(t, 10, cfg.Supervisor.MaxQueue)

	assert.True(t, cfg.Monitoring.EnableMetrics)
	assert.Equal(t, 9100, cfg.Monitoring.PrometheusPort)

	assert.False(t, cfg.Database.Enabled())
}

// TestLoadFromFile verifies file values override defaults
func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
app:
  environment: production
  log_level: debug
data:
  provider: binance
  symbols: [BTCUSDT, ETHUSDT]
search:
  budget: 50
  sampler: random
parameters:
  - name: strategy.fast_period
    type: int
    min: 4
    max: 48
  - name: strategy.slow_period
    type: int
    min: 24
    max: 240
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.Equal(t, "debug", cfg.App.LogLevel)
	assert.Equal(t, "binance", cfg.Data.Provider)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Data.Symbols)
	assert.Equal(t, 50, cfg.Search.Budget)
	assert.Equal(t, "random", cfg.Search.Sampler)

	// Untouched sections keep their defaults.
	assert.Equal(t, 720, cfg.Segments.TrainLen)
	assert.Equal(t, 500, cfg.Stress.Runs)

	space, err := cfg.ToSpace()
	require.NoError(t, err)
	require.Len(t, space, 2)
	assert.Equal(t, "strategy.fast_period", space[0].Name)
	assert.Equal(t, search.ParamTypeInt, space[0].Type)
	assert.Equal(t, 48.0, space[0].Max)
}

// TestLoadRejectsInvalidFile verifies a bad config file fails the load
func TestLoadRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("app:\n  environment: nonsense\n"), 0o644))

	_, err := Load(path)
	assert.ErrorContains(t, err, "invalid environment")
}

// TestValidate covers the consistency checks
func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad environment", func(c *Config) { c.App.Environment = "qa" }, "invalid environment"},
		{"bad provider", func(c *Config) { c.Data.Provider = "ftp" }, "invalid data provider"},
		{"no symbols", func(c *Config) { c.Data.Symbols = nil }, "at least one symbol"},
		{"bad segmentation", func(c *Config) { c.Segments.TrainLen = 0 }, "invalid segmentation"},
		{"zero budget", func(c *Config) { c.Search.Budget = 0 }, "budget must be positive"},
		{"bad sampler", func(c *Config) { c.Search.Sampler = "annealing" }, "invalid sampler"},
		{"bad stress mode", func(c *Config) { c.Stress.Mode = "chaos" }, "invalid stress mode"},
		{"zero stress runs", func(c *Config) { c.Stress.Runs = 0 }, "stress runs must be positive"},
		{"bad policy", func(c *Config) { c.Gates.Unreliable = "maybe" }, "invalid unreliable policy"},
		{"inverted drawdowns", func(c *Config) { c.Gates.CatastrophicDrawdown = 0.1 }, "must exceed acceptable"},
		{"inverted tiers", func(c *Config) { c.Tiers.HighImprovement = 0.01 }, "must exceed medium"},
		{"zero retention", func(c *Config) { c.Store.Retention = 0 }, "retention must be positive"},
		{"zero interval", func(c *Config) { c.Supervisor.Interval = 0 }, "interval must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

// TestToSpaceRequiresParameters verifies an empty parameter list is rejected
func TestToSpaceRequiresParameters(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	_, err = cfg.ToSpace()
	assert.ErrorContains(t, err, "no parameters declared")

	_, err = cfg.ToPipeline()
	assert.Error(t, err)
}

// TestToSpaceValidatesParameters verifies space validation runs
func TestToSpaceValidatesParameters(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Parameters = []ParameterConfig{
		{Name: "x", Type: "float", Min: 10, Max: 1},
	}

	_, err = cfg.ToSpace()
	assert.Error(t, err)
}

// TestToPipeline verifies the assembled pipeline config
func TestToPipeline(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Parameters = []ParameterConfig{
		{Name: "strategy.fast_period", Type: "int", Min: 4, Max: 48},
	}

	pc, err := cfg.ToPipeline()
	require.NoError(t, err)
	assert.Len(t, pc.Space, 1)
	assert.Equal(t, 720, pc.Segment.TrainLen)
	assert.Equal(t, 200, pc.Search.Budget)
	assert.Equal(t, stress.ModeBlock, pc.Stress.Mode)
	assert.Equal(t, 3, pc.TopK)
	assert.Equal(t, 4, pc.Parallelism)
	require.NotNil(t, pc.Sampler)
	assert.Equal(t, cfg.Search.Sampler, pc.Sampler().Name())

	cfg.Search.Sampler = "grid"
	pc, err = cfg.ToPipeline()
	require.NoError(t, err)
	assert.Equal(t, "grid", pc.Sampler().Name())
}

// TestGetDSN verifies the connection string format
func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{
		Host: "localhost", Port: 5432, User: "postgres",
		Password: "secret", Database: "autotune", SSLMode: "disable",
	}
	assert.Equal(t,
		"host=localhost port=5432 user=postgres password=secret dbname=autotune sslmode=disable",
		db.GetDSN())
	assert.True(t, db.Enabled())
}

// TestSamplerFor verifies sampler selection
func TestSamplerFor(t *testing.T) {
	assert.Equal(t, "random", (&SearchConfig{Sampler: "random"}).SamplerFor().Name())
	assert.Equal(t, "grid", (&SearchConfig{Sampler: "grid"}).SamplerFor().Name())
	assert.Equal(t, "tpe", (&SearchConfig{Sampler: "tpe"}).SamplerFor().Name())
	assert.Equal(t, "tpe", (&SearchConfig{}).SamplerFor().Name())
}
