// Package config loads the layered YAML and environment configuration.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-sql-driver/mysql"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. INFRAMATE_DATABASE_HOST.
const EnvPrefix = "INFRAMATE"

var (
	cfg       *Config
	once      sync.Once
	mu        sync.RWMutex
	listeners []func(*Config)
)

// Config represents the application configuration
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Email    EmailConfig    `mapstructure:"email"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type AppConfig struct {
	Name     string `mapstructure:"name" validate:"required"`
	Env      string `mapstructure:"env" validate:"oneof=development test staging production"`
	Domain   string `mapstructure:"domain" validate:"required,hostname_rfc1123"`
	SiteName string `mapstructure:"site_name"`
	SiteURL  string `mapstructure:"site_url" validate:"required,url"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	Mode            string        `mapstructure:"mode" validate:"oneof=debug release test"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=postgres mysql"`
	DSN             string        `mapstructure:"dsn"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	// LockBackend selects the ticket sequence lock: auto, advisory or row.
	LockBackend string        `mapstructure:"lock_backend" validate:"oneof=auto advisory row"`
	LockTimeout time.Duration `mapstructure:"lock_timeout" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Addrs        []string      `mapstructure:"addrs" validate:"required_if=Enabled true"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type EmailConfig struct {
	EncryptionKey   string        `mapstructure:"encryption_key"`
	PollSchedule    string        `mapstructure:"poll_schedule"`
	PollLimit       int           `mapstructure:"poll_limit" validate:"min=1,max=500"`
	PollConcurrency int           `mapstructure:"poll_concurrency" validate:"min=1"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`
	LeaseTTL        time.Duration `mapstructure:"lease_ttl"`
	RetrySchedule   string        `mapstructure:"retry_schedule"`
	MaxRetries      int           `mapstructure:"max_retries" validate:"min=0,max=20"`
	RetryBatch      int           `mapstructure:"retry_batch"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	TestTimeout     time.Duration `mapstructure:"test_timeout"`
	Graph           struct {
		BaseURL   string  `mapstructure:"base_url" validate:"omitempty,url"`
		Authority string  `mapstructure:"authority" validate:"omitempty,url"`
		RateLimit float64 `mapstructure:"rate_limit"`
		Burst     int     `mapstructure:"burst"`
	} `mapstructure:"graph"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output"`
	File   struct {
		MaxSize    int  `mapstructure:"max_size"`
		MaxBackups int  `mapstructure:"max_backups"`
		MaxAge     int  `mapstructure:"max_age"`
		Compress   bool `mapstructure:"compress"`
	} `mapstructure:"file"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "Inframate")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.domain", "inframate.local")
	v.SetDefault("app.site_name", "Inframate")
	v.SetDefault("app.site_url", "http://localhost:8080")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 20*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "inframate")
	v.SetDefault("database.user", "inframate")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.lock_backend", "auto")
	v.SetDefault("database.lock_timeout", 5*time.Second)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)
	v.SetDefault("redis.key_prefix", "inframate:lease:")

	v.SetDefault("email.encryption_key", "")
	v.SetDefault("email.poll_schedule", "0 */2 * * * *")
	v.SetDefault("email.poll_limit", 50)
	v.SetDefault("email.poll_concurrency", 4)
	v.SetDefault("email.poll_timeout", 5*time.Minute)
	v.SetDefault("email.lease_ttl", 5*time.Minute)
	v.SetDefault("email.retry_schedule", "0 */5 * * * *")
	v.SetDefault("email.max_retries", 5)
	v.SetDefault("email.retry_batch", 100)
	v.SetDefault("email.dial_timeout", 30*time.Second)
	v.SetDefault("email.test_timeout", 30*time.Second)
	v.SetDefault("email.graph.base_url", "https://graph.microsoft.com/v1.0")
	v.SetDefault("email.graph.authority", "https://login.microsoftonline.com")
	v.SetDefault("email.graph.rate_limit", 4.0)
	v.SetDefault("email.graph.burst", 8)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.max_age", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// read layers default.yaml, then config.yaml, over the built-in defaults.
// Both files are optional.
func read(configPath string) (*viper.Viper, *Config, error) {
	v := newViper()
	v.SetConfigName("default")
	v.AddConfigPath(configPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read default config: %w", err)
		}
	}

	v.SetConfigName("config")
	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	c, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return v, c, nil
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load initializes the configuration with hot reload support. Only the first
// call has any effect.
func Load(configPath string) error {
	var err error
	once.Do(func() {
		var v *viper.Viper
		var loaded *Config
		v, loaded, err = read(configPath)
		if err != nil {
			return
		}
		mu.Lock()
		cfg = loaded
		mu.Unlock()

		if v.ConfigFileUsed() == "" {
			return
		}
		v.OnConfigChange(func(e fsnotify.Event) {
			next, err := decode(v)
			if err != nil {
				slog.Warn("config reload rejected", "file", e.Name, "error", err)
				return
			}
			mu.Lock()
			cfg = next
			hooks := append([]func(*Config){}, listeners...)
			mu.Unlock()
			slog.Info("configuration reloaded", "file", e.Name)
			for _, fn := range hooks {
				fn(next)
			}
		})
		v.WatchConfig()
	})
	return err
}

// OnReload registers fn to run after every successful hot reload.
func OnReload(fn func(*Config)) {
	mu.Lock()
	defer mu.Unlock()
	listeners = append(listeners, fn)
}

// Get returns the current configuration (thread-safe)
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// LoadFromFile loads configuration from a specific file, without watching it.
func LoadFromFile(configFile string) error {
	v := newViper()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	c, err := decode(v)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	cfg = c
	return nil
}

// MustLoad loads configuration and panics on error
func MustLoad(configPath string) {
	if err := Load(configPath); err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
}

// GetDSN returns the driver connection string. An explicit DSN wins.
func (c *DatabaseConfig) GetDSN() string {
	if c.DSN != "" {
		return c.DSN
	}
	if c.Driver == "mysql" {
		m := mysql.NewConfig()
		m.User = c.User
		m.Passwd = c.Password
		m.Net = "tcp"
		m.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
		m.DBName = c.Name
		m.ParseTime = true
		return m.FormatDSN()
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetServerAddr returns the server listen address
func (c *ServerConfig) GetServerAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// IsProduction returns true if running in production mode
func (c *AppConfig) IsProduction() bool {
	return c.Env == "production"
}
