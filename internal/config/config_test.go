package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Port != "8081" {
		t.Errorf("port = %q", cfg.HTTP.Port)
	}
	if cfg.LLM.Timeout != 120*time.Second {
		t.Errorf("llm timeout = %v", cfg.LLM.Timeout)
	}
	if len(cfg.Kafka.Brokers) != 1 || cfg.Kafka.Brokers[0] != "localhost:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Audit.IncludeAdvisories {
		t.Error("advisories should default on")
	}
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	settings := filepath.Join(dir, "settings.yaml")
	yaml := []byte(`
llm:
  model: qwen-plus
  base_url: https://dashscope.example/v1
outbox:
  batch_size: 10
`)
	if err := os.WriteFile(settings, yaml, 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LLM_MODEL", "deepseek-chat")
	t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")
	t.Setenv("HTTP_API_KEYS", "k1=clinic-a,k2")

	cfg, err := Load(settings)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LLM.Model != "deepseek-chat" {
		t.Errorf("env should override file, model = %q", cfg.LLM.Model)
	}
	if cfg.LLM.BaseURL != "https://dashscope.example/v1" {
		t.Errorf("base url = %q", cfg.LLM.BaseURL)
	}
	if cfg.Outbox.BatchSize != 10 {
		t.Errorf("batch size = %d", cfg.Outbox.BatchSize)
	}
	if len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}

	keys := cfg.APIKeyClients()
	if keys["k1"] != "clinic-a" || keys["k2"] != "default" {
		t.Errorf("api keys = %v", keys)
	}
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(NeedDatabase, NeedKafka, NeedHTTP); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if err := cfg.Validate(NeedLLM); err == nil {
		t.Error("missing llm api key should fail")
	}

	cfg.Env = "production"
	cfg.HTTP.APIKeys = nil
	if err := cfg.Validate(NeedHTTP); err == nil {
		t.Error("production without api keys should fail")
	}
}
