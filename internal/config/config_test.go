package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"API_ADDR", "DATABASE_DRIVER", "DATABASE_URL", "REDIS_URL", "MEILI_URL", "REDLINE_CACHE_TTL", "REDLINE_REVERT_PRESERVES_ESCALATION"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Addr != ":8787" || cfg.DatabaseDriver != "postgres" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CacheTTL != 24*time.Hour {
		t.Fatalf("cache ttl = %s", cfg.CacheTTL)
	}
	if cfg.RedisURL != "" || cfg.MeiliURL != "" || cfg.RevertPreservesEscalation {
		t.Fatalf("optional integrations should be off by default: %+v", cfg)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", " SQLite ")
	t.Setenv("DATABASE_URL", "file:redline.db")
	t.Setenv("REDLINE_CACHE_TTL", "90s")
	t.Setenv("REDLINE_REVERT_PRESERVES_ESCALATION", "true")
	t.Setenv("MEILI_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabaseURL != "file:redline.db" {
		t.Fatalf("unexpected database config: %+v", cfg)
	}
	if cfg.CacheTTL != 90*time.Second || !cfg.RevertPreservesEscalation {
		t.Fatalf("unexpected overrides: %+v", cfg)
	}
}

func TestValidate(t *testing.T) {
	base := Config{Addr: ":1", DatabaseDriver: "postgres", DatabaseURL: "postgres://x", MigrationsDir: "db"}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.DatabaseDriver = "mysql" }, "DATABASE_DRIVER"},
		{"missing url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"negative ttl", func(c *Config) { c.CacheTTL = -time.Second }, "REDLINE_CACHE_TTL"},
		{"meili without key", func(c *Config) { c.MeiliURL = "http://meili:7700" }, "MEILI_MASTER_KEY"},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got %v", tc.want, err)
			}
		})
	}
}

func TestLoadRejectsMalformedDuration(t *testing.T) {
	t.Setenv("REDLINE_CACHE_TTL", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
