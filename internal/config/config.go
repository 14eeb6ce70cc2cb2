// Package config loads daemon configuration from a JSON file backend with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Knowledge KnowledgeConfig
	LLM       LLMConfig
	Pipeline  PipelineConfig
	Delivery  DeliveryConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

type KnowledgeConfig struct {
	BaseURL string
	TopK    int
	Timeout string
}

type LLMConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout string
}

type PipelineConfig struct {
	PIIEscalationThreshold float64
	ApprovalThreshold      float64
	MaxHistoryTurns        int
	StageTimeout           string
	PersistRetries         int
	GenerateRetries        int
}

type DeliveryConfig struct {
	WebhookURL   string
	PollInterval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Knowledge: KnowledgeConfig{
			BaseURL: "http://localhost:8090",
			TopK:    5,
			Timeout: "10s",
		},
		LLM: LLMConfig{
			BaseURL: "https://openrouter.ai/api",
			Model:   "anthropic/claude-opus-4",
			Timeout: "60s",
		},
		Pipeline: PipelineConfig{
			PIIEscalationThreshold: 0.75,
			ApprovalThreshold:      0.80,
			MaxHistoryTurns:        20,
			StageTimeout:           "30s",
			PersistRetries:         3,
			GenerateRetries:        4,
		},
		Delivery: DeliveryConfig{
			PollInterval: "2s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "caddie-data"
		}
	}
	return filepath.Join(dir, "caddie")
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/caddie/config.json. Environment variables (CADDIE_*)
// override backend values.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: generation API key. " +
			"Set it via environment variable CADDIE_LLM_API_KEY")
	}

	return cfg, nil
}
