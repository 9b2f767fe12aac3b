package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the config file looked up in the workspace.
const FileName = "tuner.yml"

// Config models tuner.yml.
type Config struct {
	Server struct {
		Addr      string `yaml:"addr" mapstructure:"addr"`
		BasePath  string `yaml:"base_path" mapstructure:"base_path"`
		JWTSecret string `yaml:"jwt_secret,omitempty" mapstructure:"jwt_secret"`
	} `yaml:"server" mapstructure:"server"`
	Store struct {
		Workspace string `yaml:"workspace" mapstructure:"workspace"`
	} `yaml:"store" mapstructure:"store"`
	Experiments struct {
		Enabled                  bool          `yaml:"enabled" mapstructure:"enabled"`
		DefaultTask              string        `yaml:"default_task" mapstructure:"default_task"`
		DefaultMaxIterations     int           `yaml:"default_max_iterations" mapstructure:"default_max_iterations"`
		RecencyWindow            time.Duration `yaml:"recency_window" mapstructure:"recency_window"`
		AppendRequiresBestAction bool          `yaml:"append_requires_best_action" mapstructure:"append_requires_best_action"`
	} `yaml:"experiments" mapstructure:"experiments"`
	Policy struct {
		BaseURL string        `yaml:"base_url" mapstructure:"base_url"`
		Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"policy" mapstructure:"policy"`
	Dispatch struct {
		APIURL     string        `yaml:"api_url" mapstructure:"api_url"`
		Repository string        `yaml:"repository" mapstructure:"repository"`
		Workflow   string        `yaml:"workflow" mapstructure:"workflow"`
		Ref        string        `yaml:"ref" mapstructure:"ref"`
		Token      string        `yaml:"token,omitempty" mapstructure:"token"`
		Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	} `yaml:"dispatch" mapstructure:"dispatch"`
	Log struct {
		Level       string `yaml:"level" mapstructure:"level"`
		Development bool   `yaml:"development" mapstructure:"development"`
	} `yaml:"log" mapstructure:"log"`
}

// legacyEnv maps config keys to the environment names the deployed
// functions already use.
var legacyEnv = map[string]string{
	"experiments.enabled": "EXPERIMENTS_ENABLED",
	"policy.base_url":     "RL_AGENT_URL",
	"dispatch.repository": "GITHUB_REPOSITORY",
	"dispatch.token":      "GITHUB_TOKEN",
	"server.jwt_secret":   "JWT_SECRET",
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	if c.Policy.BaseURL == "" {
		return fmt.Errorf("config.policy.base_url is required")
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("config.policy.timeout must be positive")
	}
	if c.Dispatch.APIURL == "" {
		return fmt.Errorf("config.dispatch.api_url is required")
	}
	if c.Dispatch.Repository == "" || !strings.Contains(c.Dispatch.Repository, "/") {
		return fmt.Errorf("config.dispatch.repository must be owner/name")
	}
	if c.Dispatch.Workflow == "" {
		return fmt.Errorf("config.dispatch.workflow is required")
	}
	if c.Dispatch.Ref == "" {
		return fmt.Errorf("config.dispatch.ref is required")
	}
	if c.Dispatch.Timeout <= 0 {
		return fmt.Errorf("config.dispatch.timeout must be positive")
	}
	if c.Experiments.DefaultMaxIterations <= 0 {
		return fmt.Errorf("config.experiments.default_max_iterations must be positive")
	}
	if c.Experiments.RecencyWindow <= 0 {
		return fmt.Errorf("config.experiments.recency_window must be positive")
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Dispatch.Token != "" {
		c.Dispatch.Token = "***"
	}
	if c.Server.JWTSecret != "" {
		c.Server.JWTSecret = "***"
	}
	return c
}

// YAML renders the config as tuner.yml.
func (c Config) YAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes, layered over the defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Bind registers defaults, the env prefix and the legacy env names on v.
func Bind(v *viper.Viper) {
	setDefaults(v, Default())
	v.SetEnvPrefix("TUNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		_ = v.BindEnv(key, "TUNER_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), legacy)
	}
}

// Load reads the optional config file configured on v and decodes the result.
// A missing file is not an error; the defaults and environment still apply.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", v.ConfigFileUsed(), err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch re-decodes the config whenever the file on disk changes and hands
// the result to onChange. Invalid edits are reported through onError and
// leave the previous config in effect.
func Watch(v *viper.Viper, onChange func(*Config), onError func(error)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.base_path", d.Server.BasePath)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("store.workspace", d.Store.Workspace)
	v.SetDefault("experiments.enabled", d.Experiments.Enabled)
	v.SetDefault("experiments.default_task", d.Experiments.DefaultTask)
	v.SetDefault("experiments.default_max_iterations", d.Experiments.DefaultMaxIterations)
	v.SetDefault("experiments.recency_window", d.Experiments.RecencyWindow)
	v.SetDefault("experiments.append_requires_best_action", d.Experiments.AppendRequiresBestAction)
	v.SetDefault("policy.base_url", d.Policy.BaseURL)
	v.SetDefault("policy.timeout", d.Policy.Timeout)
	v.SetDefault("dispatch.api_url", d.Dispatch.APIURL)
	v.SetDefault("dispatch.repository", d.Dispatch.Repository)
	v.SetDefault("dispatch.workflow", d.Dispatch.Workflow)
	v.SetDefault("dispatch.ref", d.Dispatch.Ref)
	v.SetDefault("dispatch.token", d.Dispatch.Token)
	v.SetDefault("dispatch.timeout", d.Dispatch.Timeout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /api

store:
  workspace: .

experiments:
  enabled: true
  default_task: assembleDebug
  default_max_iterations: 15
  recency_window: 2h
  append_requires_best_action: false

policy:
  base_url: https://your-rl-agent-url.run.app
  timeout: 10s

dispatch:
  api_url: https://api.github.com
  repository: your-username/your-repo
  workflow: run.yaml
  ref: main
  timeout: 10s

log:
  level: info
  development: false
`
