package config

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const DefaultJWTSecret = "authcore-secret-key-change-in-production"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Auth      AuthConfig      `yaml:"auth"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"`
	Port           string   `yaml:"port"`
	Mode           string   `yaml:"mode"`            // debug, release, test
	AllowedOrigins []string `yaml:"allowed_origins"` // empty allows any origin
	// TrustedProxies lists proxy IPs or CIDRs allowed to set X-Forwarded-For.
	// Empty trusts none, so the client IP is the socket peer.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

// JWTConfig holds token signing settings. AccessExpiresIn uses the
// <number><unit> grammar (s, m, h, d), e.g. "15m".
type JWTConfig struct {
	Secret               string `yaml:"secret"`
	AccessExpiresIn      string `yaml:"access_expires_in"`
	RefreshExpiresInDays int    `yaml:"refresh_expires_in_days"`
}

// AuthConfig configures login abuse prevention and refresh rotation.
// Durations are in milliseconds.
type AuthConfig struct {
	IPMaxAttempts          int     `yaml:"ip_max_attempts"`
	IPWindowMs             int64   `yaml:"ip_window_ms"`
	UserMaxFailedAttempts  int     `yaml:"user_max_failed_attempts"`
	UserLockoutWindowMs    int64   `yaml:"user_lockout_window_ms"`
	UserLockoutDurationMs  int64   `yaml:"user_lockout_duration_ms"`
	RefreshReuseDetection  bool    `yaml:"refresh_reuse_detection"`
	RouteRequestsPerSecond float64 `yaml:"route_requests_per_second"`
	RouteBurst             int     `yaml:"route_burst"`
	AdminEmail             string  `yaml:"admin_email"`
	AdminPassword          string  `yaml:"admin_password"`
}

// RedisConfig backs the shared rate-limit store and the async audit queue.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	// A missing .env file is fine; the process environment still applies.
	_ = godotenv.Load()

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		fileCfg := DefaultConfig()
		if err := yaml.Unmarshal(data, fileCfg); err != nil {
			return nil, err
		}
		cfg = fileCfg
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: "8080",
			Mode: "debug",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "authcore.db",
		},
		JWT: JWTConfig{
			Secret:               DefaultJWTSecret,
			AccessExpiresIn:      "15m",
			RefreshExpiresInDays: 30,
		},
		Auth: AuthConfig{
			IPMaxAttempts:          10,
			IPWindowMs:             60_000,
			UserMaxFailedAttempts:  5,
			UserLockoutWindowMs:    15 * 60_000,
			UserLockoutDurationMs:  15 * 60_000,
			RefreshReuseDetection:  true,
			RouteRequestsPerSecond: 5,
			RouteBurst:             20,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
			DB:      0,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Insecure:    true,
			ServiceName: "authcore",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		c.Server.Port = port
	}
	if mode := os.Getenv("SERVER_MODE"); mode != "" {
		c.Server.Mode = mode
	}
	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = splitList(origins)
	}
	if proxies := os.Getenv("TRUSTED_PROXIES"); proxies != "" {
		c.Server.TrustedProxies = splitList(proxies)
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		c.JWT.Secret = secret
	}
	if expires := os.Getenv("JWT_ACCESS_EXPIRES_IN"); expires != "" {
		c.JWT.AccessExpiresIn = expires
	}
	if days := os.Getenv("JWT_REFRESH_EXPIRES_IN_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			c.JWT.RefreshExpiresInDays = n
		}
	}
	if n, ok := envInt("LOGIN_IP_MAX_ATTEMPTS"); ok {
		c.Auth.IPMaxAttempts = n
	}
	if n, ok := envInt("LOGIN_USER_MAX_FAILED_ATTEMPTS"); ok {
		c.Auth.UserMaxFailedAttempts = n
	}
	if email := os.Getenv("ADMIN_EMAIL"); email != "" {
		c.Auth.AdminEmail = email
	}
	if password := os.Getenv("ADMIN_PASSWORD"); password != "" {
		c.Auth.AdminPassword = password
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = endpoint
	}
	// Redis URL override (format: redis://:password@host:port/db)
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		c.Redis.Enabled = true
		c.parseRedisURL(redisURL)
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseRedisURL parses a Redis URL and sets config values
// Format: redis://:password@host:port/db
func (c *Config) parseRedisURL(redisURL string) {
	url := strings.TrimPrefix(redisURL, "redis://")

	if atIdx := strings.Index(url, "@"); atIdx != -1 {
		authPart := url[:atIdx]
		url = url[atIdx+1:]
		// Password format: :password or user:password
		if colonIdx := strings.Index(authPart, ":"); colonIdx != -1 {
			c.Redis.Password = authPart[colonIdx+1:]
		}
	}

	if slashIdx := strings.LastIndex(url, "/"); slashIdx != -1 {
		dbStr := url[slashIdx+1:]
		url = url[:slashIdx]
		if db, err := strconv.Atoi(dbStr); err == nil {
			c.Redis.DB = db
		}
	}

	c.Redis.Addr = url
}

// UsesDefaultSecret reports whether the JWT secret was left at its shipped value.
func (c *Config) UsesDefaultSecret() bool {
	return c.JWT.Secret == "" || c.JWT.Secret == DefaultJWTSecret
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate returns warnings for settings that are unsafe in release mode and
// an error for settings that cannot work at all.
func (c *Config) Validate() ([]string, error) {
	var warnings []string
	if c.JWT.Secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	if c.UsesDefaultSecret() && c.Server.Mode == "release" {
		warnings = append(warnings, "JWT_SECRET is the built-in default; set a high-entropy value")
	}
	if len(c.JWT.Secret) < 32 && c.Server.Mode == "release" {
		warnings = append(warnings, "JWT_SECRET is shorter than 32 bytes")
	}
	if c.Auth.IPMaxAttempts <= 0 || c.Auth.UserMaxFailedAttempts <= 0 {
		return nil, errors.New("login attempt limits must be positive")
	}
	if c.Auth.IPWindowMs <= 0 || c.Auth.UserLockoutWindowMs <= 0 || c.Auth.UserLockoutDurationMs <= 0 {
		return nil, errors.New("login limiter windows must be positive")
	}
	return warnings, nil
}
