package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Correlate CorrelateConfig `yaml:"correlate" mapstructure:"correlate"`
	Match     MatchConfig     `yaml:"match" mapstructure:"match"`
	Scorer    ScorerConfig    `yaml:"scorer" mapstructure:"scorer"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RetryConfig configures the retry coordinator. The backoff base, cap, and
// lease duration are deployment tunables, not constants.
type RetryConfig struct {
	BackoffBaseSecs   int     `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffCapSecs    int     `yaml:"backoff_cap_secs" mapstructure:"backoff_cap_secs"`
	BackoffMultiplier float64 `yaml:"backoff_multiplier" mapstructure:"backoff_multiplier"`
	LeaseDurationSecs int     `yaml:"lease_duration_secs" mapstructure:"lease_duration_secs"`
	DefaultMaxRetries int     `yaml:"default_max_retries" mapstructure:"default_max_retries"`
	ReapIntervalSecs  int     `yaml:"reap_interval_secs" mapstructure:"reap_interval_secs"`
	DispatchPerSec    float64 `yaml:"dispatch_per_sec" mapstructure:"dispatch_per_sec"`
}

// CorrelateConfig configures the correlation engine. Each strategy can be
// disabled independently.
type CorrelateConfig struct {
	ExactEnabled        bool    `yaml:"exact_enabled" mapstructure:"exact_enabled"`
	VendorAmountEnabled bool    `yaml:"vendor_amount_enabled" mapstructure:"vendor_amount_enabled"`
	EmailDomainEnabled  bool    `yaml:"email_domain_enabled" mapstructure:"email_domain_enabled"`
	AmountTolerancePct  float64 `yaml:"amount_tolerance_pct" mapstructure:"amount_tolerance_pct"`
	DateWindowDays      int     `yaml:"date_window_days" mapstructure:"date_window_days"`
	DomainConfidenceCap float64 `yaml:"domain_confidence_cap" mapstructure:"domain_confidence_cap"`
}

// MatchConfig configures the three-way match engine. A line passes if its
// delta is under either the absolute or the percentage tolerance.
type MatchConfig struct {
	QtyToleranceAbs      float64 `yaml:"qty_tolerance_abs" mapstructure:"qty_tolerance_abs"`
	QtyTolerancePct      float64 `yaml:"qty_tolerance_pct" mapstructure:"qty_tolerance_pct"`
	PriceToleranceAbs    float64 `yaml:"price_tolerance_abs" mapstructure:"price_tolerance_abs"`
	PriceTolerancePct    float64 `yaml:"price_tolerance_pct" mapstructure:"price_tolerance_pct"`
	SeverityPct          float64 `yaml:"severity_pct" mapstructure:"severity_pct"`
	AutoApproveThreshold float64 `yaml:"auto_approve_threshold" mapstructure:"auto_approve_threshold"`
}

// ScorerConfig configures the vendor confidence scorer. The weight table
// itself lives in a separate versioned YAML file (weights_path).
type ScorerConfig struct {
	WeightsPath     string  `yaml:"weights_path" mapstructure:"weights_path"`
	WindowDays      int     `yaml:"window_days" mapstructure:"window_days"`
	SnapshotDays    int     `yaml:"snapshot_days" mapstructure:"snapshot_days"`
	TrendEpsilon    float64 `yaml:"trend_epsilon" mapstructure:"trend_epsilon"`
	SweepStaleHours int     `yaml:"sweep_stale_hours" mapstructure:"sweep_stale_hours"`
}

// WorkerConfig configures the retry worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PORECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "po-recon.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("retry.backoff_base_secs", 30)
	v.SetDefault("retry.backoff_cap_secs", 3600)
	v.SetDefault("retry.backoff_multiplier", 2.0)
	v.SetDefault("retry.lease_duration_secs", 300)
	v.SetDefault("retry.default_max_retries", 5)
	v.SetDefault("retry.reap_interval_secs", 60)
	v.SetDefault("retry.dispatch_per_sec", 10.0)
	v.SetDefault("correlate.exact_enabled", true)
	v.SetDefault("correlate.vendor_amount_enabled", true)
	v.SetDefault("correlate.email_domain_enabled", true)
	v.SetDefault("correlate.amount_tolerance_pct", 0.05)
	v.SetDefault("correlate.date_window_days", 30)
	v.SetDefault("correlate.domain_confidence_cap", 0.55)
	v.SetDefault("match.qty_tolerance_abs", 1)
	v.SetDefault("match.qty_tolerance_pct", 0.10)
	v.SetDefault("match.price_tolerance_abs", 0.50)
	v.SetDefault("match.price_tolerance_pct", 0.10)
	v.SetDefault("match.severity_pct", 0.20)
	v.SetDefault("match.auto_approve_threshold", 0.95)
	v.SetDefault("scorer.weights_path", "weights.yaml")
	v.SetDefault("scorer.window_days", 90)
	v.SetDefault("scorer.snapshot_days", 30)
	v.SetDefault("scorer.trend_epsilon", 0.05)
	v.SetDefault("scorer.sweep_stale_hours", 24)

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

	return &cfg, nil
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
