package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Server.WriteTimeout != 30*time.Second {
		t.Errorf("Server.WriteTimeout = %v, want default 30s", cfg.Server.WriteTimeout)
	}
	if cfg.Identity.Audience != "kazi" {
		t.Errorf("Identity.Audience = %q", cfg.Identity.Audience)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.LockTimeout != 500*time.Millisecond {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if got := cfg.Definitions.SeedTenants; len(got) != 2 || got[1] != "globex" {
		t.Errorf("Definitions.SeedTenants = %v", got)
	}
	if cfg.Sweep.BatchSize != 250 || cfg.Sweep.RelayDelay != 30*time.Second {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.Notifications.SubjectPrefix != "acme.notifications" {
		t.Errorf("Notifications.SubjectPrefix = %q", cfg.Notifications.SubjectPrefix)
	}
	if cfg.Notifications.BreakerThreshold != 3 || cfg.Notifications.BreakerCooldown != time.Minute {
		t.Errorf("Notifications breaker = %d/%v", cfg.Notifications.BreakerThreshold, cfg.Notifications.BreakerCooldown)
	}
	if cfg.Idempotency.Store.Driver != "redis" || cfg.Idempotency.Store.DefaultTTL != time.Hour {
		t.Errorf("Idempotency.Store = %+v", cfg.Idempotency.Store)
	}
	if !cfg.Observability.Tracing.Enabled || cfg.Observability.Tracing.Exporter != "stdout" {
		t.Errorf("Tracing = %+v", cfg.Observability.Tracing)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
	if !strings.Contains(err.Error(), "identity.issuer") {
		t.Errorf("error = %v, want identity.issuer mentioned", err)
	}
}

func TestLoad_reportsEveryProblem(t *testing.T) {
	_, err := Load("testdata/invalid.yaml")
	if err == nil {
		t.Fatal("Load() error = nil")
	}
	for _, want := range []string{"store.driver", "sweep.schedule", "sweep.batch_size", "notifications.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error does not mention %s: %v", want, err)
		}
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("default Store.Driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Sweep.Schedule != "@every 1m" {
		t.Errorf("default Sweep.Schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}

	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "kazi"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults() plus identity should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KAZI_SERVER_PORT", "3000")
	t.Setenv("KAZI_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("KAZI_IDENTITY_AUDIENCE", "env-audience")
	t.Setenv("KAZI_STORE_DRIVER", "memory")
	t.Setenv("KAZI_SEED_TENANTS", " t1, ,t2 ")
	t.Setenv("KAZI_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want env override", cfg.Store.Driver)
	}
	if got := cfg.Definitions.SeedTenants; len(got) != 2 || got[0] != "t1" || got[1] != "t2" {
		t.Errorf("SeedTenants = %v, want [t1 t2]", got)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_port(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "kazi"
	cfg.Server.Port = 0

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with port 0 should return error")
	}
}

func TestValidate_sweepDisabledIgnoresSchedule(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.Audience = "kazi"
	cfg.Sweep.Enabled = false
	cfg.Sweep.Schedule = "not a schedule"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestSecrets_readFromEnv(t *testing.T) {
	t.Setenv("TEST_KAZI_SECRET", "s3cret")
	t.Setenv("TEST_KAZI_DSN", "postgres://localhost/kazi")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Identity.Secret() != "s3cret" {
		t.Errorf("Identity.Secret() = %q", cfg.Identity.Secret())
	}
	if cfg.Store.DSN() != "postgres://localhost/kazi" {
		t.Errorf("Store.DSN() = %q", cfg.Store.DSN())
	}
	if cfg.Notifications.URL() != "" {
		t.Errorf("Notifications.URL() = %q, want empty", cfg.Notifications.URL())
	}
}
