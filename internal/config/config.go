// Package config loads the daemon configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/msoulis/agora/internal/engine"
	"github.com/msoulis/agora/internal/natsbus"
	"github.com/msoulis/agora/internal/sandbox"
	"github.com/msoulis/agora/internal/scheduler"
	"github.com/msoulis/agora/internal/store"
)

type Config struct {
	Engines   map[string]engine.Config `yaml:"engines"`
	Agents    map[string]AgentConfig   `yaml:"agents"`
	Defaults  DefaultsConfig           `yaml:"defaults"`
	NATS      natsbus.Config           `yaml:"nats"`
	Store     store.Config             `yaml:"store"`
	Web       WebConfig                `yaml:"web"`
	Sandbox   sandbox.Config           `yaml:"sandbox"`
	Scheduler scheduler.Config         `yaml:"scheduler"`
	Vault     VaultConfig              `yaml:"vault"`
	Notify    NotifyConfig             `yaml:"notify"`
}

// AgentConfig declares one participant. Tools come from the special role;
// plain agents converse without tools.
type AgentConfig struct {
	Description  string   `yaml:"description"`
	Instructions string   `yaml:"instructions"`
	SpecialRole  string   `yaml:"special_role"`
	Handoffs     []string `yaml:"handoffs"`
}

type DefaultsConfig struct {
	Engine       string        `yaml:"engine"`
	Architecture string        `yaml:"architecture"`
	MaxTurns     int           `yaml:"max_turns"`
	Timeout      time.Duration `yaml:"timeout"`
	Assessment   []string      `yaml:"assessment"`
	Workspace    string        `yaml:"workspace"`
}

type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Auth    string `yaml:"auth"`
}

type VaultConfig struct {
	Passphrase string `yaml:"passphrase"`
}

type NotifyConfig struct {
	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`
}

func defaults() Config {
	return Config{
		Defaults: DefaultsConfig{
			Engine:       "anthropic",
			Architecture: "centralized",
			Workspace:    "data/workspace",
		},
		NATS: natsbus.Config{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: store.Config{
			Path: "data/agora.db",
		},
		Web: WebConfig{
			Enabled: true,
			Port:    8080,
		},
		Sandbox: sandbox.Config{
			Image: "agora-sandbox:latest",
		},
		Scheduler: scheduler.Config{
			PollInterval: 30 * time.Second,
		},
	}
}

func Load() (*Config, error) {
	cfg := defaults()

	path := os.Getenv("AGORA_CONFIG")
	if path == "" {
		path = "config/agora.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file not found, use defaults + env
	} else {
		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AGORA_WEB_PASSWORD"); v != "" {
		cfg.Web.Auth = v
	}
	if v := os.Getenv("AGORA_WEB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = port
		}
	}
	if v := os.Getenv("AGORA_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("AGORA_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("AGORA_VAULT_PASSPHRASE"); v != "" {
		cfg.Vault.Passphrase = v
	}
	if v := os.Getenv("AGORA_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.TelegramToken = v
	}

	keyEnv := map[string]string{
		engine.IdentAnthropic: "ANTHROPIC_API_KEY",
		engine.IdentGemini:    "GEMINI_API_KEY",
		engine.IdentOpenAI:    "OPENAI_API_KEY",
	}
	for ident, envName := range keyEnv {
		v := os.Getenv(envName)
		if v == "" {
			continue
		}
		ec, ok := cfg.Engines[ident]
		if !ok || ec.APIKey != "" {
			continue
		}
		ec.APIKey = v
		if cfg.Engines == nil {
			cfg.Engines = make(map[string]engine.Config)
		}
		cfg.Engines[ident] = ec
	}
}

func validate(cfg *Config) error {
	for name, ec := range cfg.Engines {
		if ec.Engine == "" {
			ec.Engine = name
			cfg.Engines[name] = ec
		}
	}
	for name, ac := range cfg.Agents {
		if name == "" {
			return fmt.Errorf("config: agent with empty name")
		}
		switch ac.SpecialRole {
		case "", "code_executor", "file_surfer", "web_surfer":
		default:
			return fmt.Errorf("config: agent %q has unknown special role %q", name, ac.SpecialRole)
		}
	}
	switch cfg.Defaults.Architecture {
	case "centralized", "decentralized":
	default:
		return fmt.Errorf("config: unknown default architecture %q", cfg.Defaults.Architecture)
	}
	return nil
}
