package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "METRICS_ADDR", "STORE_BACKEND", "DATABASE_URL", "SQLITE_PATH",
		"VAULT_ADDR", "VAULT_TOKEN", "VAULT_NAMESPACE", "VAULT_KV_MOUNT", "VAULT_KV_PREFIX",
		"CREDENTIALS_KEY", "CREDENTIALS_KEY_PREVIOUS", "LOCK_BACKEND", "REDIS_URL", "LOCK_TTL",
		"REFRESH_MARGIN", "REFRESH_TIMEOUT", "VALIDATE_TIMEOUT", "SWEEP_INTERVAL", "SWEEP_WORKERS",
		"CATALOG_PATH", "INTERNAL_API_TOKEN",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadWithOptions_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREDENTIALS_KEY", "k")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTPAddr != defaultHTTPAddr || cfg.StoreBackend != StoreSQLite || cfg.LockBackend != LockLocal {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RefreshMargin != time.Minute || cfg.RefreshTimeout != 15*time.Second || cfg.LockTTL != 30*time.Second {
		t.Fatalf("unexpected durations: margin=%s timeout=%s ttl=%s", cfg.RefreshMargin, cfg.RefreshTimeout, cfg.LockTTL)
	}
	if cfg.SweepInterval != 0 {
		t.Fatalf("SweepInterval = %s, want disabled", cfg.SweepInterval)
	}
	if !cfg.MetricsEnabled() {
		t.Fatalf("metrics should be enabled by default")
	}
}

func TestLoadWithOptions_RequiresCredentialsKey(t *testing.T) {
	clearEnv(t)

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "CREDENTIALS_KEY") {
		t.Fatalf("Load() error = %v, want CREDENTIALS_KEY error", err)
	}
	if _, err := LoadWithoutKey(); err != nil {
		t.Fatalf("LoadWithoutKey() error = %v", err)
	}
}

func TestLoadWithOptions_ParsesOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("CREDENTIALS_KEY", "k")
	t.Setenv("CREDENTIALS_KEY_PREVIOUS", "old1, old2,")
	t.Setenv("REFRESH_MARGIN", "2m")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SWEEP_WORKERS", "8")
	t.Setenv("LOCK_TTL", "bogus")
	t.Setenv("METRICS_ADDR", "off")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RefreshMargin != 2*time.Minute || cfg.SweepInterval != 30*time.Second || cfg.SweepWorkers != 8 {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
	if cfg.LockTTL != defaultLockTTL {
		t.Fatalf("LockTTL = %s, want default for unparsable value", cfg.LockTTL)
	}
	if len(cfg.CredentialsKeyPrevious) != 2 || cfg.CredentialsKeyPrevious[1] != "old2" {
		t.Fatalf("CredentialsKeyPrevious = %v", cfg.CredentialsKeyPrevious)
	}
	if cfg.MetricsEnabled() {
		t.Fatalf("METRICS_ADDR=off should disable metrics")
	}
}

func TestLoadWithOptions_BackendRequirements(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"postgres store", map[string]string{"STORE_BACKEND": "postgres"}, "DATABASE_URL"},
		{"vault store", map[string]string{"STORE_BACKEND": "vault"}, "VAULT_ADDR"},
		{"unknown store", map[string]string{"STORE_BACKEND": "etcd"}, "STORE_BACKEND"},
		{"redis lock", map[string]string{"LOCK_BACKEND": "redis"}, "REDIS_URL"},
		{"postgres lock", map[string]string{"LOCK_BACKEND": "postgres"}, "DATABASE_URL"},
		{"unknown lock", map[string]string{"LOCK_BACKEND": "zk"}, "LOCK_BACKEND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("CREDENTIALS_KEY", "k")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
