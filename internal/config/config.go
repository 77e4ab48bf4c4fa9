package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/parcel-cli/internal/verify"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Ingest  IngestConfig  `yaml:"ingest" mapstructure:"ingest"`
	Risk    RiskConfig    `yaml:"risk" mapstructure:"risk"`
	QA      verify.Bounds `yaml:"qa" mapstructure:"qa"`
	Fetcher FetcherConfig `yaml:"fetcher" mapstructure:"fetcher"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver" validate:"oneof=postgres sqlite"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=0"`
}

// IngestConfig configures the batch loader.
type IngestConfig struct {
	Jobs             int           `yaml:"jobs" mapstructure:"jobs" validate:"min=1,max=32"`
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size" validate:"min=1,max=50000"`
	QueueDepth       int           `yaml:"queue_depth" mapstructure:"queue_depth" validate:"gte=0"`
	MaxAttempts      int           `yaml:"max_attempts" mapstructure:"max_attempts" validate:"min=1,max=10"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" mapstructure:"retry_backoff"`
	AttemptTimeout   time.Duration `yaml:"attempt_timeout" mapstructure:"attempt_timeout"`
	UpsertsPerSecond float64       `yaml:"upserts_per_second" mapstructure:"upserts_per_second" validate:"gte=0"`
	BreakerThreshold int           `yaml:"breaker_threshold" mapstructure:"breaker_threshold" validate:"gte=1"`
	BreakerReset     time.Duration `yaml:"breaker_reset" mapstructure:"breaker_reset"`
	// StaleAfter is how long a batch attempt may stay pending or in progress
	// before it is treated as abandoned. 0 disables reaping.
	StaleAfter time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
}

// RiskConfig configures the scoring engine. TablesPath replaces the built-in
// weights and thresholds when set.
type RiskConfig struct {
	TablesPath string `yaml:"tables_path" mapstructure:"tables_path"`
	Workers    int    `yaml:"workers" mapstructure:"workers" validate:"min=1,max=64"`
	ChunkSize  int    `yaml:"chunk_size" mapstructure:"chunk_size" validate:"min=1"`
}

// FetcherConfig configures remote source downloads.
type FetcherConfig struct {
	WorkDir string `yaml:"work_dir" mapstructure:"work_dir"`
}

// ServerConfig configures the status API.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port" validate:"min=1,max=65535"`
	RescoreSchedule string   `yaml:"rescore_schedule" mapstructure:"rescore_schedule"`
	AllowedOrigins  []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json console"`
}

// Load reads .env, then configuration from file and environment. path may be
// empty to search the working directory for config.yaml.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("PARCEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("store.database_url", "PARCEL_STORE_DATABASE_URL", "DATABASE_URL")

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.sqlite_path", "parcels.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("ingest.jobs", 4)
	v.SetDefault("ingest.batch_size", 1000)
	v.SetDefault("ingest.queue_depth", 8)
	v.SetDefault("ingest.max_attempts", 3)
	v.SetDefault("ingest.retry_backoff", "2s")
	v.SetDefault("ingest.attempt_timeout", "5m")
	v.SetDefault("ingest.upserts_per_second", 0)
	v.SetDefault("ingest.breaker_threshold", 5)
	v.SetDefault("ingest.breaker_reset", "30s")
	v.SetDefault("ingest.stale_after", "1h")
	v.SetDefault("risk.tables_path", "")
	v.SetDefault("risk.workers", 4)
	v.SetDefault("risk.chunk_size", 1000)
	v.SetDefault("qa.min_avg_market_value", 10000)
	v.SetDefault("qa.max_avg_market_value", 5000000)
	v.SetDefault("qa.min_geometry_ratio", 0.9)
	v.SetDefault("fetcher.work_dir", "/tmp/parcel-cli")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rescore_schedule", "")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks value ranges. Flag overrides applied after Load should
// call it again.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return eris.Errorf("config: invalid %s (%s=%s, got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value())
		}
		return eris.Wrap(err, "config: validate")
	}
	if b := c.QA; b.MaxAvgMarketValue > 0 && b.MinAvgMarketValue > b.MaxAvgMarketValue {
		return eris.New("config: qa.min_avg_market_value exceeds qa.max_avg_market_value")
	}
	if in := c.Ingest; in.StaleAfter > 0 && in.StaleAfter <= in.AttemptTimeout {
		return eris.New("config: ingest.stale_after must exceed ingest.attempt_timeout")
	}
	if c.QA.MinGeometryRatio < 0 || c.QA.MinGeometryRatio > 1 {
		return eris.New("config: qa.min_geometry_ratio must be within [0, 1]")
	}
	return nil
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
