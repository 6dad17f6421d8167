package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/agency-core/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Quota      QuotaConfig      `yaml:"quota" mapstructure:"quota"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Breaker    BreakerConfig    `yaml:"breaker" mapstructure:"breaker"`
	Health     HealthConfig     `yaml:"health" mapstructure:"health"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig holds connection settings for the distributed quota backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// QuotaConfig selects the quota backend.
type QuotaConfig struct {
	Backend   string `yaml:"backend" mapstructure:"backend"` // memory | redis
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// CatalogConfig points at the provider/stage catalog file. An empty path
// uses the built-in catalog.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RetryPolicy is the retry/backoff policy for one capability.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter         float64       `yaml:"jitter" mapstructure:"jitter"`
}

// RetryConfig holds the default policy plus per-capability overrides keyed by
// capability name.
type RetryConfig struct {
	Default      RetryPolicy            `yaml:"default" mapstructure:"default"`
	Capabilities map[string]RetryPolicy `yaml:"capabilities" mapstructure:"capabilities"`
}

// BreakerConfig configures per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout" mapstructure:"reset_timeout"`
}

// HealthWeights are the composite score weights. They are normalized at use.
type HealthWeights struct {
	SuccessRate float64 `yaml:"success_rate" mapstructure:"success_rate"`
	Latency     float64 `yaml:"latency" mapstructure:"latency"`
	Quota       float64 `yaml:"quota" mapstructure:"quota"`
}

// HealthConfig configures the health scorer.
type HealthConfig struct {
	Interval       time.Duration `yaml:"interval" mapstructure:"interval"`
	Window         time.Duration `yaml:"window" mapstructure:"window"`
	LatencyCeiling time.Duration `yaml:"latency_ceiling" mapstructure:"latency_ceiling"`
	Floor          float64       `yaml:"floor" mapstructure:"floor"`
	Cooldown       time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Weights        HealthWeights `yaml:"weights" mapstructure:"weights"`
}

// SchedulerConfig configures the stage scheduler.
type SchedulerConfig struct {
	Timezone           string        `yaml:"timezone" mapstructure:"timezone"`
	TickInterval       time.Duration `yaml:"tick_interval" mapstructure:"tick_interval"`
	DefaultMaxDuration time.Duration `yaml:"default_max_duration" mapstructure:"default_max_duration"`
}

// MonitoringConfig configures the availability checker and its alert webhook.
type MonitoringConfig struct {
	CheckInterval     time.Duration `yaml:"check_interval" mapstructure:"check_interval"`
	WebhookURL        string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	StageFailureAlert int           `yaml:"stage_failure_alert" mapstructure:"stage_failure_alert"`
}

// PricingConfig maps provider ids to USD per cost unit. Providers absent from
// the map are free.
type PricingConfig struct {
	PerUnit map[string]float64 `yaml:"per_unit" mapstructure:"per_unit"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int           `yaml:"port" mapstructure:"port"`
	CORSOrigins []string      `yaml:"cors_origins" mapstructure:"cors_origins"`
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
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
	v.SetEnvPrefix("AGENCY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "agency.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("quota.backend", "memory")
	v.SetDefault("quota.key_prefix", "quota")
	v.SetDefault("retry.default.max_attempts", 3)
	v.SetDefault("retry.default.initial_backoff", 500*time.Millisecond)
	v.SetDefault("retry.default.max_backoff", 30*time.Second)
	v.SetDefault("retry.default.multiplier", 2.0)
	v.SetDefault("retry.default.jitter", 0.2)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout", 60*time.Second)
	v.SetDefault("health.interval", time.Hour)
	v.SetDefault("health.window", time.Hour)
	v.SetDefault("health.latency_ceiling", 5*time.Second)
	v.SetDefault("health.floor", 40.0)
	v.SetDefault("health.cooldown", 30*time.Minute)
	v.SetDefault("health.weights.success_rate", 0.6)
	v.SetDefault("health.weights.latency", 0.2)
	v.SetDefault("health.weights.quota", 0.2)
	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.default_max_duration", time.Hour)
	v.SetDefault("monitoring.check_interval", 5*time.Minute)
	v.SetDefault("monitoring.stage_failure_alert", 3)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.read_timeout", 15*time.Second)
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

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: serve,
// migrate, cli.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "migrate", "cli":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for sqlite")
		}
	case "memory":
	default:
		errs = append(errs, "store.driver must be sqlite, postgres or memory")
	}

	switch c.Quota.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			errs = append(errs, "redis.addr is required for the redis quota backend")
		}
	default:
		errs = append(errs, "quota.backend must be memory or redis")
	}

	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, "scheduler.timezone is not a valid IANA zone")
	}

	w := c.Health.Weights
	if w.SuccessRate < 0 || w.Latency < 0 || w.Quota < 0 {
		errs = append(errs, "health.weights values must be >= 0")
	} else if w.SuccessRate+w.Latency+w.Quota == 0 {
		errs = append(errs, "health.weights must not all be zero")
	}
	if c.Health.Floor < 0 || c.Health.Floor > 100 {
		errs = append(errs, "health.floor must be between 0 and 100")
	}

	if c.Retry.Default.MaxAttempts < 0 {
		errs = append(errs, "retry.default.max_attempts must be >= 0")
	}
	for name, p := range c.Retry.Capabilities {
		if p.MaxAttempts < 0 {
			errs = append(errs, "retry.capabilities."+name+".max_attempts must be >= 0")
		}
	}

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// Location resolves the scheduler timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil || c.Scheduler.Timezone == "" {
		return time.UTC
	}
	return loc
}

// RetryFor returns the resilience policy for a capability: the capability
// override where set, the default otherwise.
func (c RetryConfig) RetryFor(capability string) resilience.RetryConfig {
	p := c.Default
	if override, ok := c.Capabilities[capability]; ok {
		if override.MaxAttempts > 0 {
			p.MaxAttempts = override.MaxAttempts
		}
		if override.InitialBackoff > 0 {
			p.InitialBackoff = override.InitialBackoff
		}
		if override.MaxBackoff > 0 {
			p.MaxBackoff = override.MaxBackoff
		}
		if override.Multiplier > 0 {
			p.Multiplier = override.Multiplier
		}
		if override.Jitter > 0 {
			p.Jitter = override.Jitter
		}
	}
	return resilience.RetryConfig{
		MaxAttempts:    p.MaxAttempts,
		InitialBackoff: p.InitialBackoff,
		MaxBackoff:     p.MaxBackoff,
		Multiplier:     p.Multiplier,
		JitterFraction: p.Jitter,
	}.WithDefaults()
}

// ToCircuitBreakerConfig converts the breaker section for resilience.
func (c BreakerConfig) ToCircuitBreakerConfig() resilience.CircuitBreakerConfig {
	cfg := resilience.DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		cfg.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeout > 0 {
		cfg.ResetTimeout = c.ResetTimeout
	}
	return cfg
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
