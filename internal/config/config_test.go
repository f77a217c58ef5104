package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// --- Validate ---

func TestValidate_ValidConfig(t *testing.T) {
	cfg := Defaults()
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.General.LogLevel = "verbose"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for logLevel=verbose")
	}
}

func TestValidate_MissingReasoningURL(t *testing.T) {
	cfg := Defaults()
	cfg.Reasoning.BaseURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for empty reasoning.baseUrl")
	}

	cfg = Defaults()
	cfg.Reasoning.BaseURL = "not a url"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for malformed reasoning.baseUrl")
	}
}

func TestValidate_BackoffBounds(t *testing.T) {
	cfg := Defaults()
	cfg.Supervisor.BackoffBaseMS = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for backoffBaseMs=0")
	}

	cfg = Defaults()
	cfg.Supervisor.BackoffCapMS = cfg.Supervisor.BackoffBaseMS - 1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for cap < base")
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	cfg := Defaults()
	cfg.API.Port = -1
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for negative port")
	}

	cfg.API.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for port > 65535")
	}
}

func TestValidate_DispatchRates(t *testing.T) {
	cfg := Defaults()
	cfg.Dispatch.Discord.PerSecond = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for discord.perSecond=0")
	}

	cfg = Defaults()
	cfg.Dispatch.Telegram.Burst = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for telegram.burst=0")
	}
}

func TestValidate_DeadLetterRequiresSink(t *testing.T) {
	cfg := Defaults()
	cfg.DeadLetter.Brokers = []string{"localhost:9092"}
	cfg.DeadLetter.Topic = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for brokers without topic")
	}

	cfg = Defaults()
	cfg.DeadLetter.Brokers = nil
	cfg.DeadLetter.DBPath = ""
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for no sink at all")
	}
}

func TestValidate_MasterKeyExclusive(t *testing.T) {
	cfg := Defaults()
	cfg.Registry.MasterKey = "aa"
	cfg.Registry.MasterKeyFile = "/tmp/key"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for both masterKey and masterKeyFile")
	}
}

// --- Load / Save ---

func TestLoadSave_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	original := Defaults()
	original.Reasoning.BaseURL = "http://reasoner.internal:9000"

	if err := Save(path, original); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if loaded.Reasoning.BaseURL != "http://reasoner.internal:9000" {
		t.Fatalf("expected round-tripped baseUrl, got %q", loaded.Reasoning.BaseURL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	os.WriteFile(path, []byte("{not json}"), 0o644)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.Router.QueueSize = 0
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for queueSize=0")
	}
}

// --- Env var expansion ---

func TestExpandEnvVars_Basic(t *testing.T) {
	t.Setenv("BOTFLEET_TEST_TOKEN", "secret123")

	result := ExpandEnvVars(`{"token": "${BOTFLEET_TEST_TOKEN}"}`)
	if result != `{"token": "secret123"}` {
		t.Fatalf("unexpected expansion: %s", result)
	}
}

func TestExpandEnvVars_Default(t *testing.T) {
	os.Unsetenv("BOTFLEET_UNSET_VAR")

	result := ExpandEnvVars(`${BOTFLEET_UNSET_VAR:-fallback}`)
	if result != "fallback" {
		t.Fatalf("expected fallback, got %s", result)
	}
}

func TestExpandEnvVars_SetOverridesDefault(t *testing.T) {
	t.Setenv("BOTFLEET_SET_VAR", "real")

	result := ExpandEnvVars(`${BOTFLEET_SET_VAR:-fallback}`)
	if result != "real" {
		t.Fatalf("expected real value, got %s", result)
	}
}

func TestExpandEnvVars_UnsetNoDefaultKept(t *testing.T) {
	os.Unsetenv("BOTFLEET_MISSING")

	result := ExpandEnvVars(`${BOTFLEET_MISSING}`)
	if result != "${BOTFLEET_MISSING}" {
		t.Fatalf("expected original placeholder kept, got %s", result)
	}
}

func TestLoad_ExpandsEnvInFile(t *testing.T) {
	t.Setenv("BOTFLEET_TEST_REASONER", "http://reasoner:8000")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, _ := os.ReadFile(path)
	patched := strings.Replace(string(data), cfg.Reasoning.BaseURL, "${BOTFLEET_TEST_REASONER}", 1)
	os.WriteFile(path, []byte(patched), 0o644)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Reasoning.BaseURL != "http://reasoner:8000" {
		t.Fatalf("env var not expanded, got %q", loaded.Reasoning.BaseURL)
	}
}

// --- Accessor ---

func TestGetByPath(t *testing.T) {
	cfg := Defaults()
	val, err := GetByPath(cfg, "reasoning.baseUrl")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if val != cfg.Reasoning.BaseURL {
		t.Fatalf("expected %q, got %v", cfg.Reasoning.BaseURL, val)
	}

	if _, err := GetByPath(cfg, "no.such.key"); err == nil {
		t.Fatal("expected error for unknown path")
	}
}

func TestSetByPath(t *testing.T) {
	cfg := Defaults()
	if err := SetByPath(cfg, "supervisor.maxRetries", "7"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if cfg.Supervisor.MaxRetries != 7 {
		t.Fatalf("expected 7, got %d", cfg.Supervisor.MaxRetries)
	}
}

func TestSanitize_MasksSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.API.AuthToken = "super-secret-token-value"
	cfg.Registry.MasterKey = "0123456789abcdef0123456789abcdef"

	s := Sanitize(cfg)
	if s.API.AuthToken == cfg.API.AuthToken {
		t.Fatal("auth token not masked")
	}
	if s.Registry.MasterKey == cfg.Registry.MasterKey {
		t.Fatal("master key not masked")
	}
	// Original must be untouched.
	if cfg.API.AuthToken != "super-secret-token-value" {
		t.Fatal("sanitize mutated original config")
	}
}
