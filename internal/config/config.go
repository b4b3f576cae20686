package config

import (
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	EnvLocal = "local"
	EnvTest  = "test"
	EnvProd  = "prod"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMongo    = "mongodb"
	DriverRedis    = "redis"
)

type Config struct {
	Env     string        `yaml:"env" env:"ENV" env-default:"local"`
	Storage StorageConfig `yaml:"storage"`
	Tokens  TokensConfig  `yaml:"tokens"`
	Hasher  HasherConfig  `yaml:"hasher"`
	HTTP    HTTPConfig    `yaml:"http"`
	GRPC    GRPCConfig    `yaml:"grpc"`
	Cookies CookiesConfig `yaml:"cookies"`
}

type StorageConfig struct {
	// Driver holds users, and refresh tokens unless Tokens says otherwise.
	Driver string `yaml:"driver" env:"STORAGE_DRIVER" env-default:"sqlite"`
	// Tokens optionally moves refresh tokens to another backend ("redis").
	Tokens          string        `yaml:"tokens" env:"STORAGE_TOKENS"`
	SQLitePath      string        `yaml:"sqlite_path" env:"SQLITE_PATH" env-default:"./storage/auth.db"`
	PostgresDSN     string        `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	Mongo           MongoConfig   `yaml:"mongo"`
	Redis           RedisConfig   `yaml:"redis"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"STORAGE_CLEANUP_INTERVAL" env-default:"1h"`
	// DisableCleanup stops the periodic sweep of expired refresh tokens. A
	// zero cleanup_interval cannot express this: it falls back to the default.
	DisableCleanup bool          `yaml:"disable_cleanup" env:"STORAGE_DISABLE_CLEANUP"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"STORAGE_CONNECT_TIMEOUT" env-default:"10s"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" env:"MONGO_URI"`
	Database string `yaml:"database" env:"MONGO_DATABASE" env-default:"auth"`
}

type RedisConfig struct {
	Addr      string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password  string `yaml:"password" env:"REDIS_PASSWORD"`
	DB        int    `yaml:"db" env:"REDIS_DB"`
	KeyPrefix string `yaml:"key_prefix" env:"REDIS_KEY_PREFIX" env-default:"auth:"`
}

type TokensConfig struct {
	Issuer            string            `yaml:"issuer" env:"TOKEN_ISSUER"`
	AccessTTL         time.Duration     `yaml:"access_ttl" env:"ACCESS_TOKEN_TTL" env-default:"24h"`
	RefreshTTL        time.Duration     `yaml:"refresh_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	AccessSecret      string            `yaml:"access_secret" env:"ACCESS_TOKEN_SECRET"`
	AccessKeyID       string            `yaml:"access_key_id" env:"ACCESS_TOKEN_KEY_ID"`
	AccessVerifyKeys  map[string]string `yaml:"access_verify_keys" env:"ACCESS_TOKEN_VERIFY_KEYS"`
	RefreshSecret     string            `yaml:"refresh_secret" env:"REFRESH_TOKEN_SECRET"`
	RefreshKeyID      string            `yaml:"refresh_key_id" env:"REFRESH_TOKEN_KEY_ID"`
	RefreshVerifyKeys map[string]string `yaml:"refresh_verify_keys" env:"REFRESH_TOKEN_VERIFY_KEYS"`
	RefreshPepper     string            `yaml:"refresh_pepper" env:"REFRESH_TOKEN_PEPPER"`
	// ReuseRefresh turns rotation off: a refresh token stays usable until it
	// expires or is revoked.
	ReuseRefresh bool `yaml:"reuse_refresh" env:"REUSE_REFRESH_TOKEN"`
}

func (t TokensConfig) RotateRefresh() bool {
	return !t.ReuseRefresh
}

type HasherConfig struct {
	Algorithm  string       `yaml:"algorithm" env:"HASH_ALGORITHM" env-default:"bcrypt"`
	BcryptCost int          `yaml:"bcrypt_cost" env:"BCRYPT_COST" env-default:"10"`
	Argon2     Argon2Config `yaml:"argon2"`
}

type Argon2Config struct {
	Time      uint32 `yaml:"time" env:"ARGON2_TIME"`
	MemoryKiB uint32 `yaml:"memory_kib" env:"ARGON2_MEMORY_KIB"`
	Threads   uint8  `yaml:"threads" env:"ARGON2_THREADS"`
}

type HTTPConfig struct {
	Address     string        `yaml:"address" env:"HTTP_ADDRESS" env-default:"localhost:8080"`
	Timeout     time.Duration `yaml:"timeout" env:"HTTP_TIMEOUT" env-default:"5s"`
	IdleTimeout time.Duration `yaml:"idle_timeout" env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
}

type GRPCConfig struct {
	// Port 0 disables the gRPC server.
	Port    int           `yaml:"port" env:"GRPC_PORT"`
	Timeout time.Duration `yaml:"timeout" env:"GRPC_TIMEOUT" env-default:"5s"`
}

type CookiesConfig struct {
	AccessName  string `yaml:"access_name" env:"COOKIE_ACCESS_NAME" env-default:"grocygo-access_token"`
	RefreshName string `yaml:"refresh_name" env:"COOKIE_REFRESH_NAME" env-default:"grocygo-refresh_token"`
	Domain      string `yaml:"domain" env:"COOKIE_DOMAIN"`
	Secure      bool   `yaml:"secure" env:"COOKIE_SECURE"`
	SameSite    string `yaml:"same_site" env:"COOKIE_SAME_SITE" env-default:"lax"`
}

// SameSiteMode converts the configured attribute. Unknown values fall back to Lax.
func (c CookiesConfig) SameSiteMode() http.SameSite {
	switch strings.ToLower(c.SameSite) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

// MustLoad reads the config named by the --config flag or CONFIG_PATH and
// panics when it cannot.
func MustLoad() *Config {
	path := fetchConfigPath()
	if path == "" {
		panic("config path is empty")
	}

	return MustLoadPath(path)
}

func MustLoadPath(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err.Error())
	}

	return cfg
}

// Load reads a YAML file, applies environment overrides (including those from
// an optional .env file) and validates the result.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s: config file not found: %s", op, path)
	}

	// a missing .env is fine
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("%s: failed to read config: %w", op, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Env {
	case EnvLocal, EnvTest, EnvProd:
	default:
		errs = append(errs, fmt.Errorf("unknown env %q", c.Env))
	}

	if c.Tokens.AccessSecret == "" {
		errs = append(errs, errors.New("tokens.access_secret is required"))
	}
	if c.Tokens.RefreshSecret == "" {
		errs = append(errs, errors.New("tokens.refresh_secret is required"))
	}
	if c.Tokens.AccessTTL <= 0 {
		errs = append(errs, errors.New("tokens.access_ttl must be positive"))
	}
	if c.Tokens.RefreshTTL <= 0 {
		errs = append(errs, errors.New("tokens.refresh_ttl must be positive"))
	}

	switch c.Storage.Driver {
	case DriverSQLite:
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required"))
		}
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required"))
		}
	case DriverMongo:
		if c.Storage.Mongo.URI == "" {
			errs = append(errs, errors.New("storage.mongo.uri is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	switch c.Storage.Tokens {
	case "", c.Storage.Driver, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.tokens %q must be empty, %q or %q", c.Storage.Tokens, c.Storage.Driver, DriverRedis))
	}

	if c.Storage.CleanupEnabled() && c.Storage.CleanupInterval <= 0 {
		errs = append(errs, errors.New("storage.cleanup_interval must be positive unless disable_cleanup is set"))
	}

	if c.GRPC.Port < 0 || c.GRPC.Port > 65535 {
		errs = append(errs, fmt.Errorf("grpc.port %d out of range", c.GRPC.Port))
	}

	return errors.Join(errs...)
}

// CleanupEnabled reports whether expired refresh tokens are swept periodically.
func (s StorageConfig) CleanupEnabled() bool {
	return !s.DisableCleanup
}

// TokenBackend is the backend holding refresh tokens.
func (s StorageConfig) TokenBackend() string {
	if s.Tokens == "" {
		return s.Driver
	}
	return s.Tokens
}

// fetchConfigPath fetches config path from command line flag or environment variable.
// Priority: flag > env > default.
// Default value is empty string.
func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
