// Package config loads server configuration from the environment.
//
// Values come from real environment variables first; a .env file in the
// working directory, if present, fills in anything unset (handy for local
// development). Every setting has a default except JWT_SECRET_KEY.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"

	"github.com/sakif/user-accounts/internal/auth"
	"github.com/sakif/user-accounts/internal/repository"
)

// Store drivers accepted in DB_DRIVER.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full server configuration.
type Config struct {
	Port      int    `env:"PORT" envDefault:"9090"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`

	DBDriver    string        `env:"DB_DRIVER" envDefault:"sqlite"`
	DBPath      string        `env:"DB_PATH" envDefault:"data/accounts.db"`
	DatabaseURL string        `env:"DATABASE_URL"`
	PoolSize    int           `env:"DB_POOL_SIZE" envDefault:"5"`
	MaxOverflow int           `env:"DB_MAX_OVERFLOW" envDefault:"2"`
	PoolTimeout time.Duration `env:"DB_POOL_TIMEOUT" envDefault:"30s"`
	PoolRecycle time.Duration `env:"DB_POOL_RECYCLE" envDefault:"30m"`

	BcryptCost int `env:"BCRYPT_COST" envDefault:"12"`

	JWTSecret        string        `env:"JWT_SECRET_KEY"`
	JWTExpires       time.Duration `env:"JWT_ACCESS_TOKEN_EXPIRES" envDefault:"4h"`
	JWTTokenLocation string        `env:"JWT_TOKEN_LOCATION" envDefault:"headers"`
	JWTCookieSecure  bool          `env:"JWT_COOKIE_SECURE" envDefault:"false"`

	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleCallbackURL  string `env:"GOOGLE_CALLBACK_URL"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// Load reads .env (if any) and the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("config: reading .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg.finish()
}

// LoadFrom parses the given variables instead of the process environment.
// Tests use it.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg.finish()
}

func (c Config) finish() (Config, error) {
	c.DBDriver = strings.ToLower(strings.TrimSpace(c.DBDriver))
	if c.GoogleCallbackURL == "" {
		c.GoogleCallbackURL = fmt.Sprintf("http://localhost:%d/api/user/login/google/authorize", c.Port)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once, joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT %q: want text or json", c.LogFormat))
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL %q: want debug, info, warn or error", c.LogLevel))
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER %q: want sqlite or postgres", c.DBDriver))
	}

	if c.PoolSize <= 0 {
		errs = append(errs, errors.New("DB_POOL_SIZE must be positive"))
	}
	if c.MaxOverflow < 0 {
		errs = append(errs, errors.New("DB_MAX_OVERFLOW must not be negative"))
	}
	if c.PoolTimeout <= 0 {
		errs = append(errs, errors.New("DB_POOL_TIMEOUT must be positive"))
	}

	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		errs = append(errs, fmt.Errorf("BCRYPT_COST %d: want %d to %d", c.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("JWT_SECRET_KEY must be at least 16 characters"))
	}
	if c.JWTExpires <= 0 {
		errs = append(errs, errors.New("JWT_ACCESS_TOKEN_EXPIRES must be positive"))
	}
	if _, err := auth.ParseTokenLocation(c.JWTTokenLocation); err != nil {
		errs = append(errs, fmt.Errorf("JWT_TOKEN_LOCATION: %w", err))
	}

	if c.TokenLocation() == auth.TokenInCookies && slices.Contains(c.CORSAllowedOrigins, "*") {
		errs = append(errs, errors.New("CORS_ALLOWED_ORIGINS must list explicit origins when JWT_TOKEN_LOCATION=cookies"))
	}

	if (c.GoogleClientID == "") != (c.GoogleClientSecret == "") {
		errs = append(errs, errors.New("GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET must be set together"))
	}

	return errors.Join(errs...)
}

// Pool returns the store pool bounds.
func (c Config) Pool() repository.PoolConfig {
	return repository.PoolConfig{
		Size:           c.PoolSize,
		MaxOverflow:    c.MaxOverflow,
		AcquireTimeout: c.PoolTimeout,
		RecycleAge:     c.PoolRecycle,
	}
}

// TokenLocation returns the parsed JWT_TOKEN_LOCATION. Validate has
// already rejected bad values.
func (c Config) TokenLocation() auth.TokenLocation {
	loc, _ := auth.ParseTokenLocation(c.JWTTokenLocation)
	return loc
}

// GoogleEnabled reports whether Google login is configured.
func (c Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}

// Level returns the parsed LOG_LEVEL, Info if unparsable.
func (c Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
