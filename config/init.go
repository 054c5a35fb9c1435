package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Конечная структура конфигурации приложения.
type Config struct {
	Server struct {
		Address  string `mapstructure:"address"`   // 0.0.0.0
		HTTPPort string `mapstructure:"http_port"` // 8080
	} `mapstructure:"server"`

	Logging struct {
		Level  string `mapstructure:"level"`  // trace|debug|info|warning|error|fatal
		Format string `mapstructure:"format"` // text|json
		File   string `mapstructure:"file"`   // путь/префикс файла, пусто - только stdout
	} `mapstructure:"logs"`

	Database struct {
		Driver       string        `mapstructure:"driver"` // "postgres" | "mysql" | "" (in-memory)
		DSN          string        `mapstructure:"dsn"`
		MaxOpenConns int           `mapstructure:"max_open_conns"`
		MaxIdleConns int           `mapstructure:"max_idle_conns"`
		ConnMaxLife  time.Duration `mapstructure:"conn_max_lifetime"`
	} `mapstructure:"database"`

	Redis struct {
		Addr     string        `mapstructure:"addr"` // пусто - кэш в памяти процесса
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		PoolSize int           `mapstructure:"pool_size"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`

	NATS struct {
		URL           string `mapstructure:"url"` // пусто - уведомления только в лог
		SubjectPrefix string `mapstructure:"subject_prefix"`
	} `mapstructure:"nats"`

	Auth struct {
		JWTSecret string `mapstructure:"jwt_secret"`
	} `mapstructure:"auth"`

	Rental struct {
		ReplaceMaxDelta int           `mapstructure:"replace_max_delta"`
		SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	} `mapstructure:"rental"`

	Workers struct {
		Enabled           bool          `mapstructure:"enabled"`
		ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
		StopTimeout       time.Duration `mapstructure:"stop_timeout"`
		RestartBackoff    time.Duration `mapstructure:"restart_backoff"`
		PollInterval      time.Duration `mapstructure:"poll_interval"`
		CallTimeout       time.Duration `mapstructure:"call_timeout"`
	} `mapstructure:"workers"`

	Marketplace struct {
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"marketplace"`

	Revocation struct {
		URL     string        `mapstructure:"url"` // пусто - отзыв пропускается
		Token   string        `mapstructure:"token"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"revocation"`

	Realtime struct {
		QueueSize int `mapstructure:"queue_size"`
	} `mapstructure:"realtime"`
}

// Load читает .env (если есть), затем конфиг из env/файла с дефолтами.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env read error: %w", err)
	}

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	// Источник файла
	if cfgFile := os.Getenv("CONFIG_FILE"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			viper.AddConfigPath(filepath.Join(xdg, "rentd"))
		}
		viper.AddConfigPath("/etc/rentd")
	}

	// Чтение файла (опционально)
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.address", "0.0.0.0")
	viper.SetDefault("server.http_port", "8080")

	viper.SetDefault("logs.level", "info")
	viper.SetDefault("logs.format", "text")
	viper.SetDefault("logs.file", "")

	// DB: по умолчанию - in-memory (пустой driver)
	viper.SetDefault("database.driver", "")
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 20)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", time.Hour)

	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.ttl", 30*time.Second)

	viper.SetDefault("nats.url", "")
	viper.SetDefault("nats.subject_prefix", "rentd")

	viper.SetDefault("auth.jwt_secret", "CHANGE_ME")

	viper.SetDefault("rental.replace_max_delta", 1000)
	viper.SetDefault("rental.sweep_interval", time.Minute)

	viper.SetDefault("workers.enabled", true)
	viper.SetDefault("workers.reconcile_interval", 60*time.Second)
	viper.SetDefault("workers.stop_timeout", 10*time.Second)
	viper.SetDefault("workers.restart_backoff", 30*time.Second)
	viper.SetDefault("workers.poll_interval", 5*time.Second)
	viper.SetDefault("workers.call_timeout", 15*time.Second)

	viper.SetDefault("marketplace.base_url", "")

	viper.SetDefault("revocation.url", "")
	viper.SetDefault("revocation.token", "")
	viper.SetDefault("revocation.timeout", 10*time.Second)

	viper.SetDefault("realtime.queue_size", 64)
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func validate(c *Config) error {
	if strings.TrimSpace(c.Auth.JWTSecret) == "" || c.Auth.JWTSecret == "CHANGE_ME" {
		return errors.New("auth.jwt_secret must be set (not empty and not CHANGE_ME)")
	}
	if strings.TrimSpace(c.Server.Address) == "" {
		return errors.New("server.address must not be empty")
	}
	if strings.TrimSpace(c.Server.HTTPPort) == "" {
		return errors.New("server.http_port must not be empty")
	}
	if c.Database.Driver != "" && strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must be set for driver %q", c.Database.Driver)
	}
	if c.Rental.ReplaceMaxDelta <= 0 {
		return errors.New("rental.replace_max_delta must be positive")
	}
	for name, d := range map[string]time.Duration{
		"rental.sweep_interval":      c.Rental.SweepInterval,
		"workers.reconcile_interval": c.Workers.ReconcileInterval,
		"workers.stop_timeout":       c.Workers.StopTimeout,
		"workers.restart_backoff":    c.Workers.RestartBackoff,
		"workers.poll_interval":      c.Workers.PollInterval,
		"workers.call_timeout":       c.Workers.CallTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Workers.Enabled && strings.TrimSpace(c.Marketplace.BaseURL) == "" {
		return errors.New("marketplace.base_url must be set when workers.enabled is true")
	}
	return nil
}
