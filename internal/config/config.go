package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/gregtusar/fleet/pkg/models"
)

type Config struct {
	Server   ServerConfig    `mapstructure:"server"`
	Trading  TradingConfig   `mapstructure:"trading"`
	Accounts []AccountConfig `mapstructure:"accounts"`
	Database DatabaseConfig  `mapstructure:"database"`
	Telegram TelegramConfig  `mapstructure:"telegram"`
	Logging  LoggingConfig   `mapstructure:"logging"`
	GCP      GCPConfig       `mapstructure:"gcp"`
}

type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type TradingConfig struct {
	SleepSeconds       int     `mapstructure:"sleep_seconds"`
	Timeframe          string  `mapstructure:"timeframe"`
	HistoryBars        int     `mapstructure:"history_bars"`
	MaxDailyTrades     int     `mapstructure:"max_daily_trades"`
	RiskPercentage     float64 `mapstructure:"risk_percentage"`
	MaxVolume          float64 `mapstructure:"max_volume"`
	MaxOpenPositions   int     `mapstructure:"max_open_positions"`
	MaxDrawdownPercent float64 `mapstructure:"max_drawdown_percent"`
	ProviderTimeout    int     `mapstructure:"provider_timeout"`
	MaxRetries         int     `mapstructure:"max_retries"`
	SessionStart       string  `mapstructure:"session_start"`
	SessionEnd         string  `mapstructure:"session_end"`
	BreakevenPips      float64 `mapstructure:"breakeven_pips"`
	TrailingPips       float64 `mapstructure:"trailing_pips"`
	RateLimitPerSec    float64 `mapstructure:"rate_limit_per_sec"`
}

type AccountConfig struct {
	ID             string   `mapstructure:"id"`
	Name           string   `mapstructure:"name"`
	Server         string   `mapstructure:"server"`
	CredentialsRef string   `mapstructure:"credentials_ref"`
	Currency       string   `mapstructure:"currency"`
	Symbols        []string `mapstructure:"symbols"`
	Strategy       string   `mapstructure:"strategy"`
	Enabled        bool     `mapstructure:"enabled"`

	RiskPercent        float64 `mapstructure:"risk_percent"`
	MaxVolume          float64 `mapstructure:"max_volume"`
	MaxDailyTrades     int     `mapstructure:"max_daily_trades"`
	MaxOpenPositions   int     `mapstructure:"max_open_positions"`
	MaxDrawdownPercent float64 `mapstructure:"max_drawdown_percent"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	Name            string `mapstructure:"name"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_minutes"`
}

// DSN builds the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

func (d DatabaseConfig) ConnLifetime() time.Duration {
	return time.Duration(d.ConnMaxLifetime) * time.Minute
}

type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID  string `mapstructure:"project_id"`
	UseSecrets bool   `mapstructure:"use_secrets"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/fleet")
	}

	v.SetEnvPrefix("FLEET")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; use defaults and environment
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	overrideFromEnv(&config)
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("trading.sleep_seconds", 60)
	v.SetDefault("trading.timeframe", "M5")
	v.SetDefault("trading.history_bars", 100)
	v.SetDefault("trading.max_daily_trades", 10)
	v.SetDefault("trading.risk_percentage", 1.0)
	v.SetDefault("trading.max_volume", 1.0)
	v.SetDefault("trading.max_open_positions", 3)
	v.SetDefault("trading.max_drawdown_percent", 20.0)
	v.SetDefault("trading.provider_timeout", 10)
	v.SetDefault("trading.max_retries", 3)
	v.SetDefault("trading.rate_limit_per_sec", 10.0)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fleet")
	v.SetDefault("database.name", "fleet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_minutes", 30)

	v.SetDefault("telegram.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
}

func overrideFromEnv(config *Config) {
	if password := os.Getenv("FLEET_DB_PASSWORD"); password != "" {
		config.Database.Password = password
	}
	if token := os.Getenv("FLEET_TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if chatID := os.Getenv("FLEET_TELEGRAM_CHAT_ID"); chatID != "" {
		if id, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			config.Telegram.ChatID = id
		}
	}
	if secret := os.Getenv("FLEET_JWT_SECRET"); secret != "" {
		config.Server.JWTSecret = secret
	}
	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

// validate reports why an account entry cannot be run.
func (a AccountConfig) validate() error {
	if a.ID == "" {
		return fmt.Errorf("account is missing an id")
	}
	if len(a.Symbols) == 0 {
		return fmt.Errorf("account %s has no symbols", a.ID)
	}
	if a.Strategy == "" {
		return fmt.Errorf("account %s has no strategy", a.ID)
	}
	if a.CredentialsRef == "" {
		return fmt.Errorf("account %s has no credentials_ref", a.ID)
	}
	return nil
}

// EnabledAccounts converts the configured accounts to the runtime model.
// A malformed entry is excluded with an error log; the rest of the fleet
// runs. Disabled accounts are skipped silently.
func (c *Config) EnabledAccounts(logger *logrus.Logger) []models.Account {
	var out []models.Account
	for _, a := range c.Accounts {
		if !a.Enabled {
			continue
		}
		if err := a.validate(); err != nil {
			logger.WithError(err).Error("Excluding malformed account")
			continue
		}
		out = append(out, models.Account{
			ID:             a.ID,
			Name:           a.Name,
			Server:         a.Server,
			CredentialsRef: a.CredentialsRef,
			Currency:       a.Currency,
			Enabled:        true,
			Symbols:        a.Symbols,
			Strategy:       a.Strategy,
			Status:         models.ConnectionDisconnected,
			Risk: models.RiskOverrides{
				RiskPercent:        a.RiskPercent,
				MaxVolume:          a.MaxVolume,
				MaxDailyTrades:     a.MaxDailyTrades,
				MaxOpenPositions:   a.MaxOpenPositions,
				MaxDrawdownPercent: a.MaxDrawdownPercent,
			},
		})
	}
	return out
}

// Session returns the configured trading window, or nil when unset.
func (t TradingConfig) Session() (start, end string, ok bool) {
	if t.SessionStart == "" || t.SessionEnd == "" {
		return "", "", false
	}
	return t.SessionStart, t.SessionEnd, true
}
