package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	LoggingConfig        LoggingConfig        `json:"logging" yaml:"logging"`
	QualityConfig        QualityConfig        `json:"quality" yaml:"quality"`
	RedFlagConfig        RedFlagConfig        `json:"red_flags" yaml:"red_flags"`
	SizingConfig         SizingConfig         `json:"sizing" yaml:"sizing"`
	MonitorConfig        MonitorConfig        `json:"monitor" yaml:"monitor"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	ScheduleConfig       ScheduleConfig       `json:"schedule" yaml:"schedule"`
	StoreConfig          StoreConfig          `json:"store" yaml:"store"`
	RedisConfig          RedisConfig          `json:"redis" yaml:"redis"`
	DatabaseConfig       DatabaseConfig       `json:"database" yaml:"database"`
	RecorderConfig       RecorderConfig       `json:"recorder" yaml:"recorder"`
	ServerConfig         ServerConfig         `json:"server" yaml:"server"`
	AuthConfig           AuthConfig           `json:"auth" yaml:"auth"`
	VaultConfig          VaultConfig          `json:"vault" yaml:"vault"`
	NotificationConfig   NotificationConfig   `json:"notification" yaml:"notification"`
	PaperConfig          PaperConfig          `json:"paper" yaml:"paper"`
}

type LoggingConfig struct {
	Level       string `json:"level" yaml:"level"`               // DEBUG, INFO, WARN, ERROR
	Output      string `json:"output" yaml:"output"`             // stdout, stderr, or file path
	JSONFormat  bool   `json:"json_format" yaml:"json_format"`   // Output as JSON
	IncludeFile bool   `json:"include_file" yaml:"include_file"` // Include file and line number
}

// QualityConfig tunes the wallet quality scorer
type QualityConfig struct {
	CacheTTLSeconds int     `json:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	MaxCacheEntries int     `json:"max_cache_entries" yaml:"max_cache_entries"`
	SmoothingWeight float64 `json:"smoothing_weight" yaml:"smoothing_weight"` // weight of the prior composite, 0 disables
	BatchWorkers    int     `json:"batch_workers" yaml:"batch_workers"`
}

// RedFlagConfig holds exclusion rule thresholds
type RedFlagConfig struct {
	NewWalletAgeDays      int     `json:"new_wallet_age_days" yaml:"new_wallet_age_days"`
	LargeBetUSD           float64 `json:"large_bet_usd" yaml:"large_bet_usd"`
	LuckWinRate           float64 `json:"luck_win_rate" yaml:"luck_win_rate"`
	LuckMaxTrades         int     `json:"luck_max_trades" yaml:"luck_max_trades"`
	WashTradingScore      float64 `json:"wash_trading_score" yaml:"wash_trading_score"`
	MinProfitFactor       float64 `json:"min_profit_factor" yaml:"min_profit_factor"`
	MaxCategories         int     `json:"max_categories" yaml:"max_categories"`
	DominantCategoryShare float64 `json:"dominant_category_share" yaml:"dominant_category_share"`
	MaxDrawdown           float64 `json:"max_drawdown" yaml:"max_drawdown"`
	LowWinRate            float64 `json:"low_win_rate" yaml:"low_win_rate"`
	LowWinRateMinTrades   int     `json:"low_win_rate_min_trades" yaml:"low_win_rate_min_trades"`
	InsiderVolumeRatio    float64 `json:"insider_volume_ratio" yaml:"insider_volume_ratio"`
	InsiderWindowHours    int     `json:"insider_window_hours" yaml:"insider_window_hours"`
	SuicidalSizeMultiple  float64 `json:"suicidal_size_multiple" yaml:"suicidal_size_multiple"`
	LossStreakLength      int     `json:"loss_streak_length" yaml:"loss_streak_length"`
	DedupWindowMinutes    int     `json:"dedup_window_minutes" yaml:"dedup_window_minutes"`
	RetentionDays         int     `json:"retention_days" yaml:"retention_days"`
	MaxWallets            int     `json:"max_wallets" yaml:"max_wallets"`
}

// SizingConfig holds position sizing parameters
type SizingConfig struct {
	BaseRiskPercent            float64 `json:"base_risk_percent" yaml:"base_risk_percent"`         // fraction of balance, 0.02
	PortfolioCapPercent        float64 `json:"portfolio_cap_percent" yaml:"portfolio_cap_percent"` // fraction of balance, 0.05
	AbsoluteCapUSD             float64 `json:"absolute_cap_usd" yaml:"absolute_cap_usd"`
	MinTradeUSD                float64 `json:"min_trade_usd" yaml:"min_trade_usd"`
	EliteExposureCap           float64 `json:"elite_exposure_cap" yaml:"elite_exposure_cap"`
	ExpertExposureCap          float64 `json:"expert_exposure_cap" yaml:"expert_exposure_cap"`
	GoodExposureCap            float64 `json:"good_exposure_cap" yaml:"good_exposure_cap"`
	CategoryConcentrationLimit float64 `json:"category_concentration_limit" yaml:"category_concentration_limit"`
}

// MonitorConfig holds behavior drift and rotation parameters
type MonitorConfig struct {
	BaselineWindowDays   int     `json:"baseline_window_days" yaml:"baseline_window_days"`
	DedupWindowMinutes   int     `json:"dedup_window_minutes" yaml:"dedup_window_minutes"`
	RotationCooldownDays int     `json:"rotation_cooldown_days" yaml:"rotation_cooldown_days"`
	ScoreDeclineLimit    float64 `json:"score_decline_limit" yaml:"score_decline_limit"`
	ReadmitImprovement   float64 `json:"readmit_improvement" yaml:"readmit_improvement"`
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled                   bool    `json:"enabled" yaml:"enabled"`
	MaxDailyLossUSD           float64 `json:"max_daily_loss_usd" yaml:"max_daily_loss_usd"`
	MaxConsecutiveLosses      int     `json:"max_consecutive_losses" yaml:"max_consecutive_losses"`
	MaxFailureRate            float64 `json:"max_failure_rate" yaml:"max_failure_rate"`
	FailureWindowMinutes      int     `json:"failure_window_minutes" yaml:"failure_window_minutes"`
	MinAttemptsForFailureRate int     `json:"min_attempts_for_failure_rate" yaml:"min_attempts_for_failure_rate"`
	CooldownMinutes           int     `json:"cooldown_minutes" yaml:"cooldown_minutes"`
	DailyResetHourUTC         int     `json:"daily_reset_hour_utc" yaml:"daily_reset_hour_utc"`
}

// ScheduleConfig holds cron specs (with seconds field)
type ScheduleConfig struct {
	ObserveCron string `json:"observe_cron" yaml:"observe_cron"`
	SweepCron   string `json:"sweep_cron" yaml:"sweep_cron"`
	RescoreCron string `json:"rescore_cron" yaml:"rescore_cron"`
}

// StoreConfig selects where durable risk state lives
type StoreConfig struct {
	Backend string `json:"backend" yaml:"backend"` // file, redis, postgres
	Dir     string `json:"dir" yaml:"dir"`         // file backend directory
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
	Name     string `json:"name" yaml:"name"`
	SSLMode  string `json:"ssl_mode" yaml:"ssl_mode"`
}

// RecorderConfig controls the sizing decision audit trail
type RecorderConfig struct {
	SQLitePath string `json:"sqlite_path" yaml:"sqlite_path"` // empty disables recording
}

// ServerConfig holds the operator API configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled" yaml:"enabled"`
	Host            string `json:"host" yaml:"host"`
	Port            int    `json:"port" yaml:"port"`
	AllowedOrigins  string `json:"allowed_origins" yaml:"allowed_origins"`
	ShutdownTimeout int    `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// AuthConfig protects operator-only endpoints
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	// Operators maps operator name to bcrypt password hash for /api/auth/token.
	Operators map[string]string `json:"operators" yaml:"operators"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	Address    string `json:"address" yaml:"address"`
	Token      string `json:"token" yaml:"token"`
	MountPath  string `json:"mount_path" yaml:"mount_path"`
	SecretPath string `json:"secret_path" yaml:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled" yaml:"tls_enabled"`
	CACert     string `json:"ca_cert" yaml:"ca_cert"`
}

type NotificationConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled"`
	DiscordWebhookURL string `json:"discord_webhook_url" yaml:"discord_webhook_url"`
	MinSeverity       string `json:"min_severity" yaml:"min_severity"`
}

// PaperConfig drives the built-in simulated account and wallet feed
type PaperConfig struct {
	StartingBalanceUSD float64 `json:"starting_balance_usd" yaml:"starting_balance_usd"`
	SnapshotFile       string  `json:"snapshot_file" yaml:"snapshot_file"` // JSON wallet snapshots to preload
}

// Load reads the config file (JSON, or YAML by extension), then applies
// .env and environment overrides, which take precedence.
func Load(path string) (*Config, error) {
	// Attempt to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse json config: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
	cfg.LoggingConfig.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.LoggingConfig.IncludeFile)

	// Circuit breaker
	cfg.CircuitBreakerConfig.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreakerConfig.Enabled)
	cfg.CircuitBreakerConfig.MaxDailyLossUSD = getEnvFloatOrDefault("CIRCUIT_MAX_DAILY_LOSS_USD", cfg.CircuitBreakerConfig.MaxDailyLossUSD)
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreakerConfig.MaxConsecutiveLosses)
	cfg.CircuitBreakerConfig.MaxFailureRate = getEnvFloatOrDefault("CIRCUIT_MAX_FAILURE_RATE", cfg.CircuitBreakerConfig.MaxFailureRate)
	cfg.CircuitBreakerConfig.CooldownMinutes = getEnvIntOrDefault("CIRCUIT_COOLDOWN_MINUTES", cfg.CircuitBreakerConfig.CooldownMinutes)
	cfg.CircuitBreakerConfig.DailyResetHourUTC = getEnvIntOrDefault("CIRCUIT_DAILY_RESET_HOUR_UTC", cfg.CircuitBreakerConfig.DailyResetHourUTC)

	// Sizing
	cfg.SizingConfig.AbsoluteCapUSD = getEnvFloatOrDefault("SIZING_ABSOLUTE_CAP_USD", cfg.SizingConfig.AbsoluteCapUSD)

	// Quality
	cfg.QualityConfig.SmoothingWeight = getEnvFloatOrDefault("QUALITY_SMOOTHING_WEIGHT", cfg.QualityConfig.SmoothingWeight)
	cacheTTL := getEnvDurationOrDefault("QUALITY_CACHE_TTL", time.Duration(cfg.QualityConfig.CacheTTLSeconds)*time.Second)
	cfg.QualityConfig.CacheTTLSeconds = int(cacheTTL / time.Second)

	// Schedule
	cfg.ScheduleConfig.ObserveCron = getEnvOrDefault("CRON_OBSERVE", cfg.ScheduleConfig.ObserveCron)
	cfg.ScheduleConfig.SweepCron = getEnvOrDefault("CRON_SWEEP", cfg.ScheduleConfig.SweepCron)
	cfg.ScheduleConfig.RescoreCron = getEnvOrDefault("CRON_RESCORE", cfg.ScheduleConfig.RescoreCron)

	// Store
	cfg.StoreConfig.Backend = getEnvOrDefault("STATE_BACKEND", cfg.StoreConfig.Backend)
	cfg.StoreConfig.Dir = getEnvOrDefault("STATE_DIR", cfg.StoreConfig.Dir)

	// Redis
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Name = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Name)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Recorder
	cfg.RecorderConfig.SQLitePath = getEnvOrDefault("SQLITE_PATH", cfg.RecorderConfig.SQLitePath)

	// Server
	cfg.ServerConfig.Enabled = getEnvBoolOrDefault("SERVER_ENABLED", cfg.ServerConfig.Enabled)
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", cfg.ServerConfig.Host)
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", cfg.ServerConfig.Port)
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", cfg.ServerConfig.AllowedOrigins)
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)

	// Vault
	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Notifications
	cfg.NotificationConfig.Enabled = getEnvBoolOrDefault("NOTIFICATIONS_ENABLED", cfg.NotificationConfig.Enabled)
	cfg.NotificationConfig.DiscordWebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.DiscordWebhookURL)
	cfg.NotificationConfig.MinSeverity = getEnvOrDefault("NOTIFY_MIN_SEVERITY", cfg.NotificationConfig.MinSeverity)

	// Paper trading
	cfg.PaperConfig.StartingBalanceUSD = getEnvFloatOrDefault("PAPER_BALANCE_USD", cfg.PaperConfig.StartingBalanceUSD)
	cfg.PaperConfig.SnapshotFile = getEnvOrDefault("SNAPSHOT_FILE", cfg.PaperConfig.SnapshotFile)
}

// Validate rejects invalid thresholds. Configuration errors are fatal at startup.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	q := c.QualityConfig
	check(q.CacheTTLSeconds > 0, "quality.cache_ttl_seconds must be > 0")
	check(q.SmoothingWeight >= 0 && q.SmoothingWeight < 1, "quality.smoothing_weight must be in [0,1)")
	check(q.BatchWorkers > 0, "quality.batch_workers must be > 0")

	r := c.RedFlagConfig
	check(r.NewWalletAgeDays > 0, "red_flags.new_wallet_age_days must be > 0")
	check(r.LargeBetUSD > 0, "red_flags.large_bet_usd must be > 0")
	check(r.LuckWinRate > 0 && r.LuckWinRate <= 1, "red_flags.luck_win_rate must be in (0,1]")
	check(r.WashTradingScore > 0 && r.WashTradingScore <= 1, "red_flags.wash_trading_score must be in (0,1]")
	check(r.MaxDrawdown > 0 && r.MaxDrawdown < 1, "red_flags.max_drawdown must be in (0,1)")
	check(r.LowWinRate > 0 && r.LowWinRate < 1, "red_flags.low_win_rate must be in (0,1)")
	check(r.InsiderVolumeRatio > 1, "red_flags.insider_volume_ratio must be > 1")
	check(r.SuicidalSizeMultiple > 1, "red_flags.suicidal_size_multiple must be > 1")
	check(r.LossStreakLength > 0, "red_flags.loss_streak_length must be > 0")
	check(r.RetentionDays > 0, "red_flags.retention_days must be > 0")

	s := c.SizingConfig
	check(s.BaseRiskPercent > 0 && s.BaseRiskPercent < 1, "sizing.base_risk_percent must be in (0,1)")
	check(s.PortfolioCapPercent > 0 && s.PortfolioCapPercent <= 1, "sizing.portfolio_cap_percent must be in (0,1]")
	check(s.AbsoluteCapUSD > 0, "sizing.absolute_cap_usd must be > 0")
	check(s.MinTradeUSD > 0 && s.MinTradeUSD < s.AbsoluteCapUSD, "sizing.min_trade_usd must be in (0, absolute_cap_usd)")
	check(s.EliteExposureCap >= s.ExpertExposureCap && s.ExpertExposureCap >= s.GoodExposureCap && s.GoodExposureCap > 0,
		"sizing exposure caps must satisfy elite >= expert >= good > 0")
	check(s.EliteExposureCap <= 1, "sizing.elite_exposure_cap must be <= 1")

	m := c.MonitorConfig
	check(m.BaselineWindowDays > 0, "monitor.baseline_window_days must be > 0")
	check(m.RotationCooldownDays >= 0, "monitor.rotation_cooldown_days must be >= 0")
	check(m.ScoreDeclineLimit > 0, "monitor.score_decline_limit must be > 0")

	b := c.CircuitBreakerConfig
	check(b.MaxDailyLossUSD > 0, "circuit_breaker.max_daily_loss_usd must be > 0")
	check(b.MaxConsecutiveLosses > 0, "circuit_breaker.max_consecutive_losses must be > 0")
	check(b.MaxFailureRate > 0 && b.MaxFailureRate <= 1, "circuit_breaker.max_failure_rate must be in (0,1]")
	check(b.FailureWindowMinutes > 0, "circuit_breaker.failure_window_minutes must be > 0")
	check(b.CooldownMinutes > 0, "circuit_breaker.cooldown_minutes must be > 0")
	check(b.DailyResetHourUTC >= 0 && b.DailyResetHourUTC < 24, "circuit_breaker.daily_reset_hour_utc must be in [0,23]")

	switch c.StoreConfig.Backend {
	case "file":
		check(c.StoreConfig.Dir != "", "store.dir is required for the file backend")
	case "redis":
		check(c.RedisConfig.Address != "", "redis.address is required for the redis backend")
	case "postgres":
		check(c.DatabaseConfig.Host != "" && c.DatabaseConfig.Name != "", "database host and name are required for the postgres backend")
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of file, redis, postgres", c.StoreConfig.Backend))
	}

	if c.ServerConfig.Enabled {
		check(c.ServerConfig.Port > 0, "server.port must be > 0")
	}

	check(c.PaperConfig.StartingBalanceUSD > 0, "paper.starting_balance_usd must be > 0")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// DefaultConfig returns safe defaults
func DefaultConfig() *Config {
	return &Config{
		LoggingConfig: LoggingConfig{
			Level:      "INFO",
			Output:     "stdout",
			JSONFormat: true,
		},
		QualityConfig: QualityConfig{
			CacheTTLSeconds: 300,
			MaxCacheEntries: 10000,
			SmoothingWeight: 0.2,
			BatchWorkers:    8,
		},
		RedFlagConfig: RedFlagConfig{
			NewWalletAgeDays:      7,
			LargeBetUSD:           1000,
			LuckWinRate:           0.90,
			LuckMaxTrades:         20,
			WashTradingScore:      0.7,
			MinProfitFactor:       1.0,
			MaxCategories:         5,
			DominantCategoryShare: 0.40,
			MaxDrawdown:           0.35,
			LowWinRate:            0.60,
			LowWinRateMinTrades:   50,
			InsiderVolumeRatio:    5.0,
			InsiderWindowHours:    24,
			SuicidalSizeMultiple:  3.0,
			LossStreakLength:      3,
			DedupWindowMinutes:    60,
			RetentionDays:         30,
			MaxWallets:            50000,
		},
		SizingConfig: SizingConfig{
			BaseRiskPercent:            0.02,
			PortfolioCapPercent:        0.05,
			AbsoluteCapUSD:             500,
			MinTradeUSD:                1,
			EliteExposureCap:           0.15,
			ExpertExposureCap:          0.10,
			GoodExposureCap:            0.07,
			CategoryConcentrationLimit: 0.25,
		},
		MonitorConfig: MonitorConfig{
			BaselineWindowDays:   7,
			DedupWindowMinutes:   60,
			RotationCooldownDays: 7,
			ScoreDeclineLimit:    1.0,
			ReadmitImprovement:   1.0,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:                   true,
			MaxDailyLossUSD:           300,
			MaxConsecutiveLosses:      5,
			MaxFailureRate:            0.5,
			FailureWindowMinutes:      15,
			MinAttemptsForFailureRate: 5,
			CooldownMinutes:           30,
			DailyResetHourUTC:         0,
		},
		ScheduleConfig: ScheduleConfig{
			ObserveCron: "0 */5 * * * *",
			SweepCron:   "30 * * * * *",
			RescoreCron: "0 */30 * * * *",
		},
		StoreConfig: StoreConfig{
			Backend: "file",
			Dir:     "data/state",
		},
		RedisConfig: RedisConfig{
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		DatabaseConfig: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    "copy_trader",
			Name:    "copy_trader",
			SSLMode: "disable",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Host:            "0.0.0.0",
			Port:            8080,
			AllowedOrigins:  "*",
			ShutdownTimeout: 10,
		},
		VaultConfig: VaultConfig{
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "copy-trader/config",
		},
		NotificationConfig: NotificationConfig{
			MinSeverity: "HIGH",
		},
		PaperConfig: PaperConfig{
			StartingBalanceUSD: 10000,
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.EqualFold(value, "true") || value == "1"
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// SaveConfig writes the config as indented JSON.
func SaveConfig(filename string, config *Config) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
