package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr        = ":8080"
	defaultMetricsAddr     = ":9090"
	defaultSQLitePath      = "connectd.db"
	defaultVaultKVMount    = "secret"
	defaultVaultKVPrefix   = "connectd"
	defaultLockTTL         = 30 * time.Second
	defaultRefreshMargin   = 60 * time.Second
	defaultRefreshTimeout  = 15 * time.Second
	defaultValidateTimeout = 10 * time.Second
	defaultSweepWorkers    = 4

	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreVault    = "vault"

	LockLocal    = "local"
	LockRedis    = "redis"
	LockPostgres = "postgres"

	// MetricsOff disables the metrics listener when used as METRICS_ADDR.
	MetricsOff = "off"
)

type Config struct {
	HTTPAddr    string
	MetricsAddr string

	StoreBackend  string
	DatabaseURL   string
	SQLitePath    string
	VaultAddr     string
	VaultToken    string
	VaultNS       string
	VaultKVMount  string
	VaultKVPrefix string

	CredentialsKey         string
	CredentialsKeyPrevious []string

	LockBackend string
	RedisURL    string
	LockTTL     time.Duration

	RefreshMargin   time.Duration
	RefreshTimeout  time.Duration
	ValidateTimeout time.Duration
	SweepInterval   time.Duration
	SweepWorkers    int

	CatalogPath      string
	InternalAPIToken string
}

type LoadOptions struct {
	// RequireCredentialsKey is false for commands that never touch sealed
	// values, such as listing definitions.
	RequireCredentialsKey bool
}

func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireCredentialsKey: true})
}

func LoadWithoutKey() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireCredentialsKey: false})
}

func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		HTTPAddr:         getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:      getenvDefault("METRICS_ADDR", defaultMetricsAddr),
		StoreBackend:     strings.ToLower(strings.TrimSpace(getenvDefault("STORE_BACKEND", StoreSQLite))),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SQLitePath:       getenvDefault("SQLITE_PATH", defaultSQLitePath),
		VaultAddr:        os.Getenv("VAULT_ADDR"),
		VaultToken:       os.Getenv("VAULT_TOKEN"),
		VaultNS:          os.Getenv("VAULT_NAMESPACE"),
		VaultKVMount:     getenvDefault("VAULT_KV_MOUNT", defaultVaultKVMount),
		VaultKVPrefix:    getenvDefault("VAULT_KV_PREFIX", defaultVaultKVPrefix),
		CredentialsKey:   strings.TrimSpace(os.Getenv("CREDENTIALS_KEY")),
		LockBackend:      strings.ToLower(strings.TrimSpace(getenvDefault("LOCK_BACKEND", LockLocal))),
		RedisURL:         os.Getenv("REDIS_URL"),
		LockTTL:          getenvDurationDefault("LOCK_TTL", defaultLockTTL),
		RefreshMargin:    getenvDurationDefault("REFRESH_MARGIN", defaultRefreshMargin),
		RefreshTimeout:   getenvDurationDefault("REFRESH_TIMEOUT", defaultRefreshTimeout),
		ValidateTimeout:  getenvDurationDefault("VALIDATE_TIMEOUT", defaultValidateTimeout),
		SweepWorkers:     getenvIntDefault("SWEEP_WORKERS", defaultSweepWorkers),
		CatalogPath:      strings.TrimSpace(os.Getenv("CATALOG_PATH")),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
	}

	// SWEEP_INTERVAL=0 (the default) disables the background sweeper.
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.SweepInterval = d
		}
	}
	for _, k := range strings.Split(os.Getenv("CREDENTIALS_KEY_PREVIOUS"), ",") {
		if k = strings.TrimSpace(k); k != "" {
			cfg.CredentialsKeyPrevious = append(cfg.CredentialsKeyPrevious, k)
		}
	}

	if opts.RequireCredentialsKey && cfg.CredentialsKey == "" {
		return cfg, errors.New("CREDENTIALS_KEY is required")
	}
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case StoreVault:
		if c.VaultAddr == "" {
			return errors.New("VAULT_ADDR is required for STORE_BACKEND=vault")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}

	switch c.LockBackend {
	case LockLocal:
	case LockRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for LOCK_BACKEND=redis")
		}
	case LockPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for LOCK_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	return nil
}

// MetricsEnabled reports whether a metrics listener should be started.
func (c Config) MetricsEnabled() bool {
	addr := strings.TrimSpace(c.MetricsAddr)
	return addr != "" && !strings.EqualFold(addr, MetricsOff)
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func getenvDurationDefault(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
