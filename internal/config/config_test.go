package config

import (
	"testing"

	"github.com/spf13/viper"
)

func TestNewAppliesDefaults(t *testing.T) {
	v := viper.New()
	cfg, err := New(v)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if cfg.Mode != "continuous" {
		t.Fatalf("expected default mode continuous, got %q", cfg.Mode)
	}
	if cfg.MaxConcurrency != 10 {
		t.Fatalf("expected default max concurrency 10, got %d", cfg.MaxConcurrency)
	}
}

func TestValidateRequiresDatabaseURLAndSecretKey(t *testing.T) {
	cfg := Config{Mode: "continuous"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing database-url")
	}
	cfg.DatabaseURL = "postgres://localhost/pipeweave"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing secret-key")
	}
	cfg.SecretKey = "s3cr3t"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Config{DatabaseURL: "x", SecretKey: "y", Mode: "bogus"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown mode")
	}
}
