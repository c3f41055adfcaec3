package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	GridConfig         GridConfig         `json:"grid"`
	ProtectionConfig   ProtectionConfig   `json:"protection"`
	SignalConfig       SignalConfig       `json:"signal"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	ServerConfig       ServerConfig       `json:"server"`
	VaultConfig        VaultConfig        `json:"vault"`
	RedisConfig        RedisConfig        `json:"redis"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	NotificationConfig NotificationConfig `json:"notification"`
}

// BinanceConfig holds exchange connection settings. API credentials may also
// come from Vault when VaultConfig.Enabled is set.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
	TestNet   bool   `json:"testnet"`
}

// GridConfig holds the grid strategy parameters for a single instrument.
type GridConfig struct {
	Symbol            string        `json:"symbol"`
	GridSpacing       float64       `json:"grid_spacing"`        // base replenishment/TP spacing, e.g. 0.001 = 0.1%
	InitialQuantity   float64       `json:"initial_quantity"`    // base order quantity
	Leverage          int           `json:"leverage"`
	PositionThreshold float64       `json:"position_threshold"`  // above this a side goes conservative
	PositionLimit     float64       `json:"position_limit"`      // above this TP quantity doubles
	OrderFirstTime    time.Duration `json:"order_first_time"`    // min interval between first entries
	OrderTimeout      time.Duration `json:"order_timeout"`       // resting entry orders older than this are canceled
	TickInterval      time.Duration `json:"tick_interval"`       // min interval between processed price ticks
	PositionSyncEvery time.Duration `json:"position_sync_every"`
	OrderSyncEvery    time.Duration `json:"order_sync_every"`
}

// ProtectionConfig holds the extreme-market protection parameters.
type ProtectionConfig struct {
	ExtremeThreshold   float64       `json:"extreme_threshold"`    // cumulative % move that trips protection
	NoiseThreshold     float64       `json:"noise_threshold"`      // % below which a bar is neutral
	ATRPeriod          int           `json:"atr_period"`
	BaselineMinSamples int           `json:"baseline_min_samples"` // ATR samples required before baseline capture
	RecoveryMultiplier float64       `json:"recovery_multiplier"`  // currentATR must be <= baseline * this
	HibernationHours   float64       `json:"hibernation_hours"`
	FlattenOffset      float64       `json:"flatten_offset"`       // price offset through the touch when flattening
	FlattenTimeout     time.Duration `json:"flatten_timeout"`      // per-order fill wait during emergency flatten
	KlineInterval      string        `json:"kline_interval"`
}

// SignalConfig holds the trend signal parameters.
type SignalConfig struct {
	RefreshEvery  time.Duration `json:"refresh_every"`
	KlineInterval string        `json:"kline_interval"`
	KlineLimit    int           `json:"kline_limit"`
	ADXThreshold  float64       `json:"adx_threshold"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // output as JSON
}

// ServerConfig holds the status API server settings.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// VaultConfig holds HashiCorp Vault settings for credential storage.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis settings for protection state persistence.
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds PostgreSQL settings for trade records.
type DatabaseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"sslmode"`
}

// NotificationConfig holds alert delivery settings.
type NotificationConfig struct {
	Enabled  bool `json:"enabled"`
	Telegram struct {
		Enabled  bool   `json:"enabled"`
		BotToken string `json:"bot_token"`
		ChatID   string `json:"chat_id"`
	} `json:"telegram"`
	Discord struct {
		Enabled    bool   `json:"enabled"`
		WebhookURL string `json:"webhook_url"`
	} `json:"discord"`
}

// Load reads an optional .env file, then config.json, then applies
// environment variable overrides (which take precedence).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Binance
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	cfg.BinanceConfig.TestNet = getEnvOrDefault("BINANCE_TESTNET", "false") == "true"

	// Grid
	cfg.GridConfig.Symbol = getEnvOrDefault("GRID_SYMBOL", cfg.GridConfig.Symbol)
	cfg.GridConfig.GridSpacing = getEnvFloatOrDefault("GRID_SPACING", cfg.GridConfig.GridSpacing)
	cfg.GridConfig.InitialQuantity = getEnvFloatOrDefault("GRID_INITIAL_QUANTITY", cfg.GridConfig.InitialQuantity)
	cfg.GridConfig.Leverage = getEnvIntOrDefault("GRID_LEVERAGE", cfg.GridConfig.Leverage)
	cfg.GridConfig.PositionThreshold = getEnvFloatOrDefault("GRID_POSITION_THRESHOLD", cfg.GridConfig.PositionThreshold)
	cfg.GridConfig.PositionLimit = getEnvFloatOrDefault("GRID_POSITION_LIMIT", cfg.GridConfig.PositionLimit)
	cfg.GridConfig.OrderFirstTime = getEnvDurationOrDefault("GRID_ORDER_FIRST_TIME", cfg.GridConfig.OrderFirstTime)
	cfg.GridConfig.OrderTimeout = getEnvDurationOrDefault("GRID_ORDER_TIMEOUT", cfg.GridConfig.OrderTimeout)

	// Protection
	cfg.ProtectionConfig.ExtremeThreshold = getEnvFloatOrDefault("PROTECTION_EXTREME_THRESHOLD", cfg.ProtectionConfig.ExtremeThreshold)
	cfg.ProtectionConfig.HibernationHours = getEnvFloatOrDefault("PROTECTION_HIBERNATION_HOURS", cfg.ProtectionConfig.HibernationHours)
	cfg.ProtectionConfig.RecoveryMultiplier = getEnvFloatOrDefault("PROTECTION_RECOVERY_MULTIPLIER", cfg.ProtectionConfig.RecoveryMultiplier)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", "stdout")
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"

	// Server
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", "127.0.0.1")
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", 8080)

	// Vault
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", "http://localhost:8200")
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", "secret")
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", "grid-bot/api-keys")
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Redis
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Database
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DB_ENABLED", "true") == "true"
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Notifications
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)
	if cfg.NotificationConfig.Telegram.BotToken != "" {
		cfg.NotificationConfig.Telegram.Enabled = true
		cfg.NotificationConfig.Enabled = true
	}
	if cfg.NotificationConfig.Discord.WebhookURL != "" {
		cfg.NotificationConfig.Discord.Enabled = true
		cfg.NotificationConfig.Enabled = true
	}
}

func applyDefaults(cfg *Config) {
	if cfg.BinanceConfig.BaseURL == "" {
		cfg.BinanceConfig.BaseURL = "https://fapi.binance.com"
	}
	if cfg.BinanceConfig.WSBaseURL == "" {
		cfg.BinanceConfig.WSBaseURL = "wss://fstream.binance.com"
	}
	if cfg.BinanceConfig.TestNet {
		cfg.BinanceConfig.BaseURL = "https://testnet.binancefuture.com"
		cfg.BinanceConfig.WSBaseURL = "wss://stream.binancefuture.com"
	}

	if cfg.GridConfig.Symbol == "" {
		cfg.GridConfig.Symbol = "XRPUSDC"
	}
	if cfg.GridConfig.GridSpacing == 0 {
		cfg.GridConfig.GridSpacing = 0.001
	}
	if cfg.GridConfig.InitialQuantity == 0 {
		cfg.GridConfig.InitialQuantity = 3
	}
	if cfg.GridConfig.Leverage == 0 {
		cfg.GridConfig.Leverage = 15
	}
	if cfg.GridConfig.PositionThreshold == 0 {
		cfg.GridConfig.PositionThreshold = 500
	}
	if cfg.GridConfig.PositionLimit == 0 {
		cfg.GridConfig.PositionLimit = 200
	}
	if cfg.GridConfig.OrderFirstTime == 0 {
		cfg.GridConfig.OrderFirstTime = 10 * time.Second
	}
	if cfg.GridConfig.OrderTimeout == 0 {
		cfg.GridConfig.OrderTimeout = 300 * time.Second
	}
	if cfg.GridConfig.TickInterval == 0 {
		cfg.GridConfig.TickInterval = time.Second
	}
	if cfg.GridConfig.PositionSyncEvery == 0 {
		cfg.GridConfig.PositionSyncEvery = 30 * time.Second
	}
	if cfg.GridConfig.OrderSyncEvery == 0 {
		cfg.GridConfig.OrderSyncEvery = 60 * time.Second
	}

	if cfg.ProtectionConfig.ExtremeThreshold == 0 {
		cfg.ProtectionConfig.ExtremeThreshold = 11.0
	}
	if cfg.ProtectionConfig.NoiseThreshold == 0 {
		cfg.ProtectionConfig.NoiseThreshold = 0.1
	}
	if cfg.ProtectionConfig.ATRPeriod == 0 {
		cfg.ProtectionConfig.ATRPeriod = 14
	}
	if cfg.ProtectionConfig.BaselineMinSamples == 0 {
		cfg.ProtectionConfig.BaselineMinSamples = 20
	}
	if cfg.ProtectionConfig.RecoveryMultiplier == 0 {
		cfg.ProtectionConfig.RecoveryMultiplier = 1.5
	}
	if cfg.ProtectionConfig.HibernationHours == 0 {
		cfg.ProtectionConfig.HibernationHours = 24
	}
	if cfg.ProtectionConfig.FlattenOffset == 0 {
		cfg.ProtectionConfig.FlattenOffset = 0.005
	}
	if cfg.ProtectionConfig.FlattenTimeout == 0 {
		cfg.ProtectionConfig.FlattenTimeout = 30 * time.Second
	}
	if cfg.ProtectionConfig.KlineInterval == "" {
		cfg.ProtectionConfig.KlineInterval = "1m"
	}

	if cfg.SignalConfig.RefreshEvery == 0 {
		cfg.SignalConfig.RefreshEvery = time.Hour
	}
	if cfg.SignalConfig.KlineInterval == "" {
		cfg.SignalConfig.KlineInterval = "1h"
	}
	if cfg.SignalConfig.KlineLimit == 0 {
		cfg.SignalConfig.KlineLimit = 250
	}
	if cfg.SignalConfig.ADXThreshold == 0 {
		cfg.SignalConfig.ADXThreshold = 25
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.User == "" {
		cfg.DatabaseConfig.User = "grid_bot"
	}
	if cfg.DatabaseConfig.Database == "" {
		cfg.DatabaseConfig.Database = "grid_bot"
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}
}

// Validate checks that the configuration is usable at startup.
func (c *Config) Validate() error {
	if !c.VaultConfig.Enabled && (c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") {
		return fmt.Errorf("binance API credentials are required (env or vault)")
	}
	if c.GridConfig.Symbol == "" {
		return fmt.Errorf("grid symbol is required")
	}
	if c.GridConfig.GridSpacing <= 0 || c.GridConfig.GridSpacing >= 1 {
		return fmt.Errorf("grid spacing must be in (0, 1), got %v", c.GridConfig.GridSpacing)
	}
	if c.GridConfig.InitialQuantity <= 0 {
		return fmt.Errorf("initial quantity must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
