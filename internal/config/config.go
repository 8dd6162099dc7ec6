package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	configPathEnv = "PAPER_SCANNER_CONFIG"
	oracleKeyEnv  = "SILICONFLOW_API_KEY"
	weipuKeyEnv   = "WEIPU_SIGNING_KEY"
)

// Config holds high-level settings required across the application.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Data    DataConfig    `yaml:"data"`
	Sources SourcesConfig `yaml:"sources"`
	Oracle  OracleConfig  `yaml:"oracle"`
	Push    PushConfig    `yaml:"push"`
}

// LoggingConfig controls log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DataConfig names the on-disk layout for worklists, stores, and state.
type DataConfig struct {
	MetaDir       string `yaml:"metaDir"`
	IndexDir      string `yaml:"indexDir"`
	StateDir      string `yaml:"stateDir"`
	Subscriptions string `yaml:"subscriptions"`
}

// SourcesConfig groups upstream source settings.
type SourcesConfig struct {
	BrowZine BrowZineConfig `yaml:"browzine"`
	Weipu    WeipuConfig    `yaml:"weipu"`
}

// BrowZineConfig wires the API source adapter.
type BrowZineConfig struct {
	BaseURL        string `yaml:"baseUrl"`
	DefaultLibrary string `yaml:"defaultLibrary"`
}

// WeipuConfig wires the HTML source adapter. The signing key stays internal
// to that adapter.
type WeipuConfig struct {
	BaseURL    string `yaml:"baseUrl"`
	SigningKey string `yaml:"signingKey"`
}

// OracleConfig defines how to reach the relevance-scoring service. The API
// key may instead come from the subscriptions file's global section.
type OracleConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
	APIKey  string `yaml:"apiKey"`
}

// PushConfig defines delivery channel defaults.
type PushConfig struct {
	Endpoint string `yaml:"endpoint"`
	Channel  string `yaml:"channel"`
	Template string `yaml:"template"`
}

// Load reads YAML configuration (if present) and applies environment
// overrides.
func Load() Config {
	cfg := defaultConfig()

	if path := os.Getenv(configPathEnv); path != "" {
		if raw, err := os.ReadFile(path); err != nil {
			log.Printf("config: cannot read %s: %v (falling back to defaults)", path, err)
		} else {
			var fileCfg Config
			if err := yaml.Unmarshal(raw, &fileCfg); err != nil {
				log.Printf("config: cannot parse %s: %v (falling back to defaults)", path, err)
			} else {
				cfg = mergeConfig(cfg, fileCfg)
			}
		}
	}

	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(oracleKeyEnv); v != "" {
		c.Oracle.APIKey = v
	}
	if v := os.Getenv(weipuKeyEnv); v != "" {
		c.Sources.Weipu.SigningKey = v
	}
}

func mergeConfig(base, override Config) Config {
	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}

	if override.Data.MetaDir != "" {
		base.Data.MetaDir = override.Data.MetaDir
	}
	if override.Data.IndexDir != "" {
		base.Data.IndexDir = override.Data.IndexDir
	}
	if override.Data.StateDir != "" {
		base.Data.StateDir = override.Data.StateDir
	}
	if override.Data.Subscriptions != "" {
		base.Data.Subscriptions = override.Data.Subscriptions
	}

	if override.Sources.BrowZine.BaseURL != "" {
		base.Sources.BrowZine.BaseURL = override.Sources.BrowZine.BaseURL
	}
	if override.Sources.BrowZine.DefaultLibrary != "" {
		base.Sources.BrowZine.DefaultLibrary = override.Sources.BrowZine.DefaultLibrary
	}
	if override.Sources.Weipu.BaseURL != "" {
		base.Sources.Weipu.BaseURL = override.Sources.Weipu.BaseURL
	}
	if override.Sources.Weipu.SigningKey != "" {
		base.Sources.Weipu.SigningKey = override.Sources.Weipu.SigningKey
	}

	if override.Oracle.BaseURL != "" {
		base.Oracle.BaseURL = override.Oracle.BaseURL
	}
	if override.Oracle.Model != "" {
		base.Oracle.Model = override.Oracle.Model
	}
	if override.Oracle.APIKey != "" {
		base.Oracle.APIKey = override.Oracle.APIKey
	}

	if override.Push.Endpoint != "" {
		base.Push.Endpoint = override.Push.Endpoint
	}
	if override.Push.Channel != "" {
		base.Push.Channel = override.Push.Channel
	}
	if override.Push.Template != "" {
		base.Push.Template = override.Push.Template
	}

	return base
}

func defaultConfig() Config {
	return Config{
		Logging: LoggingConfig{Level: "info"},
		Data: DataConfig{
			MetaDir:       "data/meta",
			IndexDir:      "data/index",
			StateDir:      "data/push_state",
			Subscriptions: "data/push/subscriptions.json",
		},
		Sources: SourcesConfig{
			BrowZine: BrowZineConfig{
				BaseURL:        "https://api.thirdiron.com/v2",
				DefaultLibrary: "3050",
			},
			Weipu: WeipuConfig{
				BaseURL: "https://www.cqvip.com",
			},
		},
		Oracle: OracleConfig{
			BaseURL: "https://api.siliconflow.cn/v1",
			Model:   "deepseek-ai/DeepSeek-V3",
		},
		Push: PushConfig{
			Endpoint: "https://www.pushplus.plus/send",
			Channel:  "mail",
			Template: "markdown",
		},
	}
}
