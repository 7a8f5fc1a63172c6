package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("expected default poll interval 1s, got %v", cfg.PollInterval)
	}
	if cfg.WSBufferSize != 64 {
		t.Fatalf("expected default ws buffer 64, got %d", cfg.WSBufferSize)
	}
	if cfg.CacheMaxBytes != 64<<20 {
		t.Fatalf("expected 64 MiB cache budget, got %d", cfg.CacheMaxBytes)
	}
	if cfg.BrokerConfigured() {
		t.Fatal("broker should not be configured by default")
	}
	if !cfg.InProcessFallback {
		t.Fatal("in-process fallback should default to enabled")
	}
}

func TestBrokerConfigured(t *testing.T) {
	t.Setenv("BROKER_URL", "localhost:19092,localhost:19093")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.BrokerConfigured() {
		t.Fatal("expected broker configured")
	}
	if len(cfg.BrokerURL) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(cfg.BrokerURL))
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Port = 0 }},
		{"empty generator url", func(c *Config) { c.GeneratorBaseURL = "" }},
		{"zero queue capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"zero ws buffer", func(c *Config) { c.WSBufferSize = 0 }},
		{"zero cache entries", func(c *Config) { c.CacheMaxEntries = 0 }},
		{"zero poll interval", func(c *Config) { c.PollInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestWorkers(t *testing.T) {
	var cfg Config
	cfg.WorkerConcurrency = 7
	if got := cfg.Workers(); got != 7 {
		t.Fatalf("expected explicit concurrency 7, got %d", got)
	}
	cfg.WorkerConcurrency = 0
	if got := cfg.Workers(); got < 2 {
		t.Fatalf("derived concurrency must be at least 2, got %d", got)
	}
}

func TestEnvHelpers(t *testing.T) {
	cfg := Config{AppEnv: "Dev"}
	if !cfg.IsDev() || cfg.IsProd() || cfg.IsTest() {
		t.Fatal("dev helpers wrong")
	}
	cfg.AppEnv = "prod"
	if !cfg.IsProd() {
		t.Fatal("prod helper wrong")
	}
}
