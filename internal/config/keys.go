package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CADDIE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CADDIE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "knowledge.base_url", typ: kString, env: "CADDIE_KNOWLEDGE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Knowledge.BaseURL },
	},
	{
		key: "knowledge.top_k", typ: kInt, env: "CADDIE_KNOWLEDGE_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Knowledge.TopK },
	},
	{
		key: "knowledge.timeout", typ: kString, env: "CADDIE_KNOWLEDGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Knowledge.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Knowledge.Timeout },
	},
	{
		key: "llm.base_url", typ: kString, env: "CADDIE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "CADDIE_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "CADDIE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kString, env: "CADDIE_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "pipeline.pii_escalation_threshold", typ: kFloat, env: "CADDIE_PIPELINE_PII_ESCALATION_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PIIEscalationThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.PIIEscalationThreshold },
	},
	{
		key: "pipeline.approval_threshold", typ: kFloat, env: "CADDIE_PIPELINE_APPROVAL_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ApprovalThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.ApprovalThreshold },
	},
	{
		key: "pipeline.max_history_turns", typ: kInt, env: "CADDIE_PIPELINE_MAX_HISTORY_TURNS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxHistoryTurns = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxHistoryTurns },
	},
	{
		key: "pipeline.persist_retries", typ: kInt, env: "CADDIE_PIPELINE_PERSIST_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.PersistRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.PersistRetries },
	},
	{
		key: "pipeline.generate_retries", typ: kInt, env: "CADDIE_PIPELINE_GENERATE_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.GenerateRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.GenerateRetries },
	},
	{
		key: "pipeline.stage_timeout", typ: kString, env: "CADDIE_PIPELINE_STAGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.StageTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.StageTimeout },
	},
	{
		key: "delivery.webhook_url", typ: kString, env: "CADDIE_DELIVERY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Delivery.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Delivery.WebhookURL },
	},
	{
		key: "delivery.poll_interval", typ: kString, env: "CADDIE_DELIVERY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Delivery.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Delivery.PollInterval },
	},
	{
		key: "log.level", typ: kString, env: "CADDIE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
