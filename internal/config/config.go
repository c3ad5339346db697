package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models rewire.yml.
type Config struct {
	DBPath     string `yaml:"db_path"`
	ListenAddr string `yaml:"listen_addr"`
	ListenPort int    `yaml:"listen_port"`
	BaseURL    string `yaml:"base_url"`
	AdminToken string `yaml:"admin_token"`
	JWTSecret  string `yaml:"jwt_secret"`

	CheckEveryS    int `yaml:"check_every_s"`
	RenotifyAfterS int `yaml:"renotify_after_s"`

	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		From     string `yaml:"from"`
	} `yaml:"smtp"`

	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL      string `yaml:"url"`
	Kind     string `yaml:"kind"`
	Secret   string `yaml:"secret"`
	TimeoutS int    `yaml:"timeout_s"`
}

// Validate ensures the config meets the required structure and fills in
// defaults for optional knobs.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("base_url must be an http(s) URL")
	}
	if strings.TrimSpace(c.AdminToken) == "" {
		return fmt.Errorf("admin_token is required")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 8080
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port out of range")
	}
	if c.CheckEveryS == 0 {
		c.CheckEveryS = 60
	}
	if c.CheckEveryS < 0 {
		return fmt.Errorf("check_every_s must be positive")
	}
	if c.RenotifyAfterS < 0 {
		return fmt.Errorf("renotify_after_s must be >= 0")
	}
	if c.SMTP.Host != "" {
		if c.SMTP.Port == 0 {
			c.SMTP.Port = 587
		}
		if c.SMTP.From == "" {
			c.SMTP.From = "rewire@localhost"
		}
	}
	for i := range c.Webhooks {
		hook := &c.Webhooks[i]
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		switch hook.Kind {
		case "":
			hook.Kind = "generic"
		case "generic", "slack", "discord":
		default:
			return fmt.Errorf("webhook %d kind must be generic|slack|discord", i)
		}
		if hook.TimeoutS == 0 {
			hook.TimeoutS = 10
		}
	}
	return nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns a validated config seeded for local development.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(err)
	}
	return cfg
}

// GenerateDefault returns the default config YAML for `rewire init`.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `db_path: rewire.db
listen_addr: 127.0.0.1
listen_port: 8080
base_url: http://127.0.0.1:8080
admin_token: dev-admin-token

check_every_s: 60
renotify_after_s: 0

# Leave smtp.host empty to print notifications to stderr (dev mode).
smtp:
  host: ""
  port: 587
  user: ""
  password: ""
  from: rewire@localhost

# Each webhook receives violation and trial events as JSON POSTs.
# kind: generic | slack | discord
webhooks: []
`
