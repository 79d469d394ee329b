package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickIntervalSeconds != 30 || cfg.MaxParallelExecutions != 4 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
tick_interval_seconds: 60
max_parallel_executions: 8
connections:
  core:
    type: mssql
    host: db.internal
    database: metrics
smtp:
  host: mail.internal
  from: alerts@example.com
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickIntervalSeconds != 60 || cfg.MaxParallelExecutions != 8 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Connections["core"].Type != "mssql" {
		t.Fatalf("connections not parsed: %+v", cfg.Connections)
	}
	if cfg.SMTP.Host != "mail.internal" {
		t.Fatalf("smtp not parsed: %+v", cfg.SMTP)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TICK_INTERVAL_SECONDS", "5")
	t.Setenv("ADMIN_PORT", "9999")
	t.Setenv("TREND_SEVERITY_FACTOR", "3.5")
	t.Setenv("SMTP_PORT", "2525")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TickIntervalSeconds != 5 || cfg.AdminPort != "9999" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.TrendSeverityFactor != 3.5 {
		t.Fatalf("trend severity factor override not applied: %v", cfg.TrendSeverityFactor)
	}
	if cfg.SMTP.Port != 2525 {
		t.Fatalf("smtp port override not applied: %v", cfg.SMTP.Port)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("TICK_INTERVAL_SECONDS", "0")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected validation error")
	}
}
