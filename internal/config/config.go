package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/quantfold/autotune/internal/events"
	"github.com/quantfold/autotune/internal/objective"
	"github.com/quantfold/autotune/internal/pipeline"
	"github.com/quantfold/autotune/internal/rollout"
	"github.com/quantfold/autotune/pkg/search"
	"github.com/quantfold/autotune/pkg/segment"
	"github.com/quantfold/autotune/pkg/stress"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig                  `mapstructure:"app"`
	Data       DataConfig                 `mapstructure:"data"`
	Database   DatabaseConfig             `mapstructure:"database"`
	NATS       events.Config              `mapstructure:"nats"`
	Segments   SegmentConfig              `mapstructure:"segments"`
	Search     SearchConfig               `mapstructure:"search"`
	Parameters []ParameterConfig          `mapstructure:"parameters"`
	Objective  objective.Weights          `mapstructure:"objective"`
	Stress     StressConfig               `mapstructure:"stress"`
	Gates      pipeline.GateConfig        `mapstructure:"gates"`
	Composite  pipeline.CompositeWeights  `mapstructure:"composite"`
	Tiers      rollout.TierPolicy         `mapstructure:"tiers"`
	Promotion  rollout.PromotionPolicy    `mapstructure:"promotion"`
	Evaluator  EvaluatorConfig            `mapstructure:"evaluator"`
	Store      StoreConfig                `mapstructure:"store"`
	Supervisor SupervisorConfig           `mapstructure:"supervisor"`
	Monitoring MonitoringConfig           `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
}

// DataConfig selects the bar source for search cycles
type DataConfig struct {
	Provider  string   `mapstructure:"provider"` // "binance" or "csv"
	Dir       string   `mapstructure:"dir"`      // csv provider root
	APIKey    string   `mapstructure:"api_key"`
	SecretKey string   `mapstructure:"secret_key"`
	Symbols   []string `mapstructure:"symbols"`
	Interval  string   `mapstructure:"interval"`
	Lookback  int      `mapstructure:"lookback"` // bars of history per cycle
}

// DatabaseConfig contains PostgreSQL settings for the run archive.
// An empty host disables archiving.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// SegmentConfig contains walk-forward segmentation settings
type SegmentConfig struct {
	TrainLen   int     `mapstructure:"train_len"`
	OOSLen     int     `mapstructure:"oos_len"`
	EmbargoLen int     `mapstructure:"embargo_len"`
	MinTrain   int     `mapstructure:"min_train"`
	MinOOS     int     `mapstructure:"min_oos"`
	Presence   float64 `mapstructure:"presence"`
}

// SearchConfig contains parameter search settings
type SearchConfig struct {
	Budget        int           `mapstructure:"budget"`
	StartupTrials int           `mapstructure:"startup_trials"`
	Seed          int64         `mapstructure:"seed"`
	Parallelism   int           `mapstructure:"parallelism"`
	TrialTimeout  time.Duration `mapstructure:"trial_timeout"`
	Sampler       string        `mapstructure:"sampler"` // "tpe", "random", "grid"
	TopK          int           `mapstructure:"top_k"`
}

// ParameterConfig declares one tunable parameter of the search space
type ParameterConfig struct {
	Name    string   `mapstructure:"name"`
	Type    string   `mapstructure:"type"` // float, int, categorical, log
	Min     float64  `mapstructure:"min"`
	Max     float64  `mapstructure:"max"`
	Step    float64  `mapstructure:"step"`
	Choices []string `mapstructure:"choices"`
}

// StressConfig contains Monte Carlo stress settings
type StressConfig struct {
	Runs           int     `mapstructure:"runs"`
	Mode           string  `mapstructure:"mode"` // iid, block, cost
	BlockLen       int     `mapstructure:"block_len"`
	SlippageStdBps float64 `mapstructure:"slippage_std_bps"`
	FeeStdBps      float64 `mapstructure:"fee_std_bps"`
	FundingStdBps  float64 `mapstructure:"funding_std_bps"`
	Seed           int64   `mapstructure:"seed"`
	PeriodsPerYear float64 `mapstructure:"periods_per_year"`
}

// EvaluatorConfig selects and tunes the built-in reference evaluator
type EvaluatorConfig struct {
	FastKey string  `mapstructure:"fast_key"`
	SlowKey string  `mapstructure:"slow_key"`
	CostBps float64 `mapstructure:"cost_bps"`
}

// StoreConfig contains versioned config store settings
type StoreConfig struct {
	Dir       string `mapstructure:"dir"`
	LivePath  string `mapstructure:"live_path"`
	Retention int    `mapstructure:"retention"` // versions kept by prune
}

// SupervisorConfig contains rollout supervisor settings
type SupervisorConfig struct {
	StateFile string        `mapstructure:"state_file"`
	LockFile  string        `mapstructure:"lock_file"`
	Interval  time.Duration `mapstructure:"interval"` // watch loop period
	MaxQueue  int           `mapstructure:"max_queue"`
}

// MonitoringConfig contains monitoring settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("AUTOTUNE")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "autotune")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")

	// Data defaults
	v.SetDefault("data.provider", "csv")
	v.SetDefault("data.dir", "./data")
	v.SetDefault("data.symbols", []string{"BTCUSDT"})
	v.SetDefault("data.interval", "1h")
	v.SetDefault("data.lookback", 4320) // six months of hourly bars

	// Database defaults (archive disabled until a host is set)
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "autotune")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 4)

	// NATS defaults
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.prefix", "autotune.")

	// Segmentation defaults
	v.SetDefault("segments.train_len", 720)
	v.SetDefault("segments.oos_len", 168)
	v.SetDefault("segments.embargo_len", 24)
	v.SetDefault("segments.min_train", 360)
	v.SetDefault("segments.min_oos", 84)
	v.SetDefault("segments.presence", 0.8)

	// Search defaults
	v.SetDefault("search.budget", 200)
	v.SetDefault("search.startup_trials", 10)
	v.SetDefault("search.seed", 1)
	v.SetDefault("search.parallelism", 4)
	v.SetDefault("search.trial_timeout", "30s")
	v.SetDefault("search.sampler", "tpe")
	v.SetDefault("search.top_k", 3)

	// Objective defaults
	v.SetDefault("objective.risk_ratio", 1.0)
	v.SetDefault("objective.return", 0.5)
	v.SetDefault("objective.turnover_penalty", 0.1)

	// Stress defaults
	v.SetDefault("stress.runs", 500)
	v.SetDefault("stress.mode", "block")
	v.SetDefault("stress.block_len", 20)
	v.SetDefault("stress.slippage_std_bps", 2.0)
	v.SetDefault("stress.fee_std_bps", 1.0)
	v.SetDefault("stress.funding_std_bps", 1.0)
	v.SetDefault("stress.periods_per_year", 8760)

	// Gate defaults
	v.SetDefault("gates.catastrophic_drawdown", 0.30)
	v.SetDefault("gates.acceptable_drawdown", 0.15)
	v.SetDefault("gates.min_risk_ratio_delta", 0.0)
	v.SetDefault("gates.min_return_delta", 0.0)
	v.SetDefault("gates.max_drawdown_increase", 0.05)
	v.SetDefault("gates.min_bars", 500)
	v.SetDefault("gates.min_days", 14)
	v.SetDefault("gates.min_trades", 30)
	v.SetDefault("gates.unreliable_policy", "absolute")
	v.SetDefault("gates.absolute_min_risk_ratio", 0.5)
	v.SetDefault("gates.absolute_min_return", 0.0)

	// Composite ranking defaults
	v.SetDefault("composite.risk_ratio", 0.5)
	v.SetDefault("composite.annualized_return", 0.3)
	v.SetDefault("composite.drawdown_adjusted", 0.2)

	// Tier ladder defaults
	v.SetDefault("tiers.high_improvement", 0.15)
	v.SetDefault("tiers.medium_improvement", 0.05)
	v.SetDefault("tiers.dwell_a", "72h")
	v.SetDefault("tiers.trades_a", 100)
	v.SetDefault("tiers.dwell_b", "168h")
	v.SetDefault("tiers.trades_b", 300)
	v.SetDefault("tiers.dwell_c", "336h")
	v.SetDefault("tiers.trades_c", 500)

	// Promotion defaults
	v.SetDefault("promotion.alpha", 1.0)
	v.SetDefault("promotion.beta", 1.0)
	v.SetDefault("promotion.gamma", 1.0)
	v.SetDefault("promotion.threshold", 0.0)
	v.SetDefault("promotion.drawdown_tolerance", 0.05)

	// Evaluator defaults
	v.SetDefault("evaluator.fast_key", "strategy.fast_period")
	v.SetDefault("evaluator.slow_key", "strategy.slow_period")
	v.SetDefault("evaluator.cost_bps", 5.0)

	// Store defaults
	v.SetDefault("store.dir", "./versions")
	v.SetDefault("store.live_path", "./config/live.yaml")
	v.SetDefault("store.retention", 20)

	// Supervisor defaults
	v.SetDefault("supervisor.state_file", "./state/rollout.json")
	v.SetDefault("supervisor.lock_file", "./state/rollout.lock")
	v.SetDefault("supervisor.interval", "1h")
	v.SetDefault("supervisor.max_queue", 10)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether the run archive is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// SegmentConfig converts to the segmentation package's config.
func (c *SegmentConfig) ToSegment() segment.Config {
	return segment.Config{
		TrainLen:   c.TrainLen,
		OOSLen:     c.OOSLen,
		EmbargoLen: c.EmbargoLen,
		MinTrain:   c.MinTrain,
		MinOOS:     c.MinOOS,
		Presence:   c.Presence,
	}
}

// ToSearch converts to the search engine's config.
func (c *SearchConfig) ToSearch() search.Config {
	return search.Config{
		Budget:        c.Budget,
		StartupTrials: c.StartupTrials,
		Seed:          c.Seed,
		Parallelism:   c.Parallelism,
		TrialTimeout:  c.TrialTimeout,
	}
}

// ToStress converts to the stress package's config.
func (c *StressConfig) ToStress() stress.Config {
	return stress.Config{
		Runs:           c.Runs,
		Mode:           stress.Mode(c.Mode),
		BlockLen:       c.BlockLen,
		SlippageStdBps: c.SlippageStdBps,
		FeeStdBps:      c.FeeStdBps,
		FundingStdBps:  c.FundingStdBps,
		Seed:           c.Seed,
		PeriodsPerYear: c.PeriodsPerYear,
	}
}

// ToSpace builds the search space from the declared parameters.
func (c *Config) ToSpace() (search.Space, error) {
	if len(c.Parameters) == 0 {
		return search.Space{}, fmt.Errorf("no parameters declared")
	}
	space := make(search.Space, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		space = append(space, &search.Parameter{
			Name:    p.Name,
			Type:    search.ParamType(p.Type),
			Min:     p.Min,
			Max:     p.Max,
			Step:    p.Step,
			Choices: p.Choices,
		})
	}
	if err := space.Validate(); err != nil {
		return nil, err
	}
	return space, nil
}

// ToPipeline assembles the full pipeline config.
func (c *Config) ToPipeline() (pipeline.Config, error) {
	space, err := c.ToSpace()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Space:       space,
		Segment:     c.Segments.ToSegment(),
		Search:      c.Search.ToSearch(),
		Objective:   c.Objective,
		Stress:      c.Stress.ToStress(),
		Gates:       c.Gates,
		Composite:   c.Composite,
		Sampler:     c.Search.SamplerFor,
		TopK:        c.Search.TopK,
		Parallelism: c.Search.Parallelism,
	}, nil
}

// Validate checks the assembled configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid environment %q", c.App.Environment)
	}

	switch c.Data.Provider {
	case "csv", "binance":
	default:
		return fmt.Errorf("invalid data provider %q", c.Data.Provider)
	}
	if len(c.Data.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}

	if err := c.Segments.ToSegment().Validate(); err != nil {
		return fmt.Errorf("invalid segmentation: %w", err)
	}

	if c.Search.Budget <= 0 {
		return fmt.Errorf("search budget must be positive, got %d", c.Search.Budget)
	}
	switch c.Search.Sampler {
	case "tpe", "random", "grid":
	default:
		return fmt.Errorf("invalid sampler %q", c.Search.Sampler)
	}

	switch c.Stress.Mode {
	case "iid", "block", "cost":
	default:
		return fmt.Errorf("invalid stress mode %q", c.Stress.Mode)
	}
	if c.Stress.Runs <= 0 {
		return fmt.Errorf("stress runs must be positive, got %d", c.Stress.Runs)
	}

	switch c.Gates.Unreliable {
	case pipeline.PolicyReject, pipeline.PolicyAbsolute:
	default:
		return fmt.Errorf("invalid unreliable policy %q", c.Gates.Unreliable)
	}

	if c.Gates.CatastrophicDrawdown <= c.Gates.AcceptableDrawdown {
		return fmt.Errorf("catastrophic drawdown %.4f must exceed acceptable drawdown %.4f",
			c.Gates.CatastrophicDrawdown, c.Gates.AcceptableDrawdown)
	}

	if c.Tiers.HighImprovement <= c.Tiers.MediumImprovement {
		return fmt.Errorf("high improvement threshold %.4f must exceed medium threshold %.4f",
			c.Tiers.HighImprovement, c.Tiers.MediumImprovement)
	}

	if c.Store.Retention <= 0 {
		return fmt.Errorf("store retention must be positive, got %d", c.Store.Retention)
	}
	if c.Supervisor.Interval <= 0 {
		return fmt.Errorf("supervisor interval must be positive")
	}

	return nil
}

// SamplerFor returns the configured sampler implementation.
func (c *SearchConfig) SamplerFor() search.Sampler {
	switch c.Sampler {
	case "random":
		return search.NewRandomSampler()
	case "grid":
		return search.NewGridSampler()
	default:
		return search.NewTPESampler()
	}
}
