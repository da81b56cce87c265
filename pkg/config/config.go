package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"

	HistoryMemory = "memory"
	HistoryRedis  = "redis"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Database DatabaseConfig `mapstructure:"database"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	History  HistoryConfig  `mapstructure:"history"`
	Wizard   WizardConfig   `mapstructure:"wizard"`
	Log      LogConfig      `mapstructure:"log"`
}

type TelegramConfig struct {
	Token       string `mapstructure:"token"`
	PollTimeout int    `mapstructure:"poll_timeout"`
	Debug       bool   `mapstructure:"debug"`
}

type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type OpenAIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type HistoryConfig struct {
	Backend string `mapstructure:"backend"`
	// Size is how many recent messages per channel are kept and passed as context.
	Size  int           `mapstructure:"size"`
	TTL   time.Duration `mapstructure:"ttl"`
	Redis RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type WizardConfig struct {
	StateTTL time.Duration `mapstructure:"state_ttl"`
	Timezone string        `mapstructure:"timezone"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		fmt.Sscanf(u.Port(), "%d", &port)
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   DriverPostgres,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.debug", false)

	v.SetDefault("database.driver", DriverFile)
	v.SetDefault("database.path", "database.json")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "autoreply")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.timeout", 30*time.Second)

	v.SetDefault("history.backend", HistoryMemory)
	v.SetDefault("history.size", 10)
	v.SetDefault("history.ttl", 24*time.Hour)
	v.SetDefault("history.redis.addr", "localhost:6379")
	v.SetDefault("history.redis.password", "")
	v.SetDefault("history.redis.db", 0)

	v.SetDefault("wizard.state_ttl", 24*time.Hour)
	v.SetDefault("wizard.timezone", "Local")

	v.SetDefault("log.development", false)
}

// LoadConfig reads the YAML file at path, a .env file in the working
// directory and the environment. A missing config file is not an error;
// every key can come from the environment (TELEGRAM_TOKEN,
// DATABASE_DRIVER, HISTORY_REDIS_ADDR, ...).
func LoadConfig(path string) (*Config, error) {
	// .env is optional; variables may be set directly in production
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// DATABASE_URL wins over the individual database settings
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.Path = config.Database.Path
		config.Database = dbConfig
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate rejects impossible values. The Telegram token is not checked
// here since the export and import commands run without one; see
// RequireToken.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.PollTimeout < 0 {
		errs = append(errs, errors.New("telegram.poll_timeout must not be negative"))
	}

	switch c.Database.Driver {
	case DriverMemory, DriverPostgres:
	case DriverFile, DriverBolt:
		if c.Database.Path == "" {
			errs = append(errs, fmt.Errorf("database.path is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.History.Backend {
	case HistoryMemory:
	case HistoryRedis:
		if c.History.Redis.Addr == "" {
			errs = append(errs, errors.New("history.redis.addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown history.backend %q", c.History.Backend))
	}
	if c.History.Size < 0 {
		errs = append(errs, errors.New("history.size must not be negative"))
	}

	if c.OpenAI.Timeout < 0 {
		errs = append(errs, errors.New("openai.timeout must not be negative"))
	}
	if c.Wizard.StateTTL < 0 {
		errs = append(errs, errors.New("wizard.state_ttl must not be negative"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequireToken reports a missing Telegram token.
func (c *Config) RequireToken() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram.token is required (or set TELEGRAM_TOKEN)")
	}
	return nil
}

// Location resolves wizard.timezone; empty or "Local" is the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Wizard.Timezone == "" || c.Wizard.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Wizard.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid wizard.timezone: %w", err)
	}
	return loc, nil
}
