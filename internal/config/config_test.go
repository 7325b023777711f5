package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadEngineConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1
engine:
  name: inframinds
  execution_mode: deploy
  simulation: true
network:
  api_port: 9090
oracle:
  model: gpt-4o
pipeline:
  workdir: /tmp/deploy
  stage_timeout_seconds: 120
`)
	cfg, err := LoadEngineConfig(path)
	if err != nil {
		t.Fatalf("LoadEngineConfig failed: %v", err)
	}
	if cfg.APIPort() != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.APIPort())
	}
	if cfg.ExecutionMode() != "deploy" {
		t.Errorf("expected deploy mode, got %s", cfg.ExecutionMode())
	}
	if !cfg.Engine.Simulation {
		t.Error("simulation flag not parsed")
	}
	if cfg.StageTimeout() != 2*time.Minute {
		t.Errorf("expected 2m timeout, got %s", cfg.StageTimeout())
	}
	if cfg.Oracle.Model != "gpt-4o" {
		t.Errorf("oracle model not parsed: %q", cfg.Oracle.Model)
	}
}

func TestLoadEngineConfigDefaults(t *testing.T) {
	cfg, err := LoadEngineConfig(writeConfig(t, "version: 1\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIPort() != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.APIPort())
	}
	if cfg.ExecutionMode() != "draft" {
		t.Errorf("expected draft default, got %s", cfg.ExecutionMode())
	}
	if cfg.Workdir() != "deploy" {
		t.Errorf("expected default workdir, got %s", cfg.Workdir())
	}
}

func TestLoadEngineConfigRejectsBadVersion(t *testing.T) {
	if _, err := LoadEngineConfig(writeConfig(t, "version: 2\n")); err == nil {
		t.Error("expected version rejection")
	}
}

func TestLoadEngineConfigRejectsBadMode(t *testing.T) {
	if _, err := LoadEngineConfig(writeConfig(t, "version: 1\nengine:\n  execution_mode: yolo\n")); err == nil {
		t.Error("expected execution_mode rejection")
	}
}

func TestResolveSecretEnv(t *testing.T) {
	const envName = "INFRAMINDS_TEST_SECRET"
	t.Setenv(envName, "env-value")

	value, err := ResolveSecret(envName)
	if err != nil {
		t.Fatal(err)
	}
	if value != "env-value" {
		t.Errorf("got %q, want env-value", value)
	}
}

func TestResolveSecretFilePrecedence(t *testing.T) {
	const envName = "INFRAMINDS_TEST_SECRET_FILE"
	secretFile := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secretFile, []byte("file-value\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envName, "env-value")
	t.Setenv(envName+"_FILE", secretFile)

	value, err := ResolveSecret(envName)
	if err != nil {
		t.Fatal(err)
	}
	if value != "file-value" {
		t.Errorf("file must take precedence, got %q", value)
	}
}

func TestResolveSecretMissingFile(t *testing.T) {
	const envName = "INFRAMINDS_TEST_SECRET_MISSING"
	t.Setenv(envName+"_FILE", "/nonexistent/secret")

	if _, err := ResolveSecret(envName); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}
