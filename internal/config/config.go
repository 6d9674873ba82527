package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models reproserver.yaml.
type Config struct {
	Server struct {
		Addr        string `yaml:"addr"`
		BasePath    string `yaml:"base_path"`
		BehindProxy bool   `yaml:"behind_proxy"`
		MaxUpload   int64  `yaml:"max_upload_bytes"`
	} `yaml:"server"`
	Database struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
		URL    string `yaml:"url"`
	} `yaml:"database"`
	Objects struct {
		Kind    string `yaml:"kind"`
		Root    string `yaml:"root"`
		Staging string `yaml:"staging"`
		S3      S3     `yaml:"s3"`
	} `yaml:"objects"`
	Queue struct {
		Gateway       string        `yaml:"gateway"`
		AMQPURL       string        `yaml:"amqp_url"`
		WebhookURL    string        `yaml:"webhook_url"`
		RelayInterval time.Duration `yaml:"relay_interval"`
		RelayBatch    int           `yaml:"relay_batch"`
	} `yaml:"queue"`
	ShortIDs struct {
		Salt string `yaml:"salt"`
	} `yaml:"shortids"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
		Issuer    string `yaml:"issuer"`
	} `yaml:"auth"`
	Providers struct {
		Timeout  time.Duration `yaml:"timeout"`
		OSF      Provider      `yaml:"osf"`
		Figshare Provider      `yaml:"figshare"`
	} `yaml:"providers"`
	Housekeeping struct {
		Interval    time.Duration `yaml:"interval"`
		OrphanGrace time.Duration `yaml:"orphan_grace"`
		Retention   time.Duration `yaml:"retention"`
	} `yaml:"housekeeping"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"bucket_prefix"`
}

type Provider struct {
	APIURL string `yaml:"api_url"`
}

// Load reads and validates config from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Secrets are checked
// separately by RequireSecrets because most CLI commands never need them.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("config.database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.URL == "" {
			return fmt.Errorf("config.database.url is required for postgres")
		}
	default:
		return fmt.Errorf("config.database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Objects.Kind {
	case "fs":
		if c.Objects.Root == "" {
			return fmt.Errorf("config.objects.root is required for fs")
		}
	case "s3":
		if c.Objects.S3.Endpoint == "" {
			return fmt.Errorf("config.objects.s3.endpoint is required for s3")
		}
	default:
		return fmt.Errorf("config.objects.kind must be fs or s3, got %q", c.Objects.Kind)
	}
	switch c.Queue.Gateway {
	case "none":
	case "amqp":
		if c.Queue.AMQPURL == "" {
			return fmt.Errorf("config.queue.amqp_url is required for amqp")
		}
	case "webhook":
		if c.Queue.WebhookURL == "" {
			return fmt.Errorf("config.queue.webhook_url is required for webhook")
		}
	default:
		return fmt.Errorf("config.queue.gateway must be none, amqp or webhook, got %q", c.Queue.Gateway)
	}
	if c.Queue.RelayInterval <= 0 {
		return fmt.Errorf("config.queue.relay_interval must be positive")
	}
	if c.Providers.Timeout <= 0 {
		return fmt.Errorf("config.providers.timeout must be positive")
	}
	if c.Housekeeping.Interval <= 0 {
		return fmt.Errorf("config.housekeeping.interval must be positive")
	}
	if c.Housekeeping.Retention < 0 || c.Housekeeping.OrphanGrace < 0 {
		return fmt.Errorf("config.housekeeping durations must not be negative")
	}
	if !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	return nil
}

// RequireSecrets fails closed when the short-id salt or, for serving, the
// worker token secret is unset.
func (c *Config) RequireSecrets(serving bool) error {
	if c.ShortIDs.Salt == "" {
		return fmt.Errorf("shortids.salt is not set (REPROSERVER_SHORTIDS_SALT)")
	}
	if serving && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set (REPROSERVER_AUTH_JWT_SECRET)")
	}
	return nil
}

// StagingDir is where uploads and downloads are written before they are hashed
// and committed.
func (c *Config) StagingDir() string {
	if c.Objects.Staging != "" {
		return c.Objects.Staging
	}
	return filepath.Join(filepath.Dir(c.Database.Path), "staging")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8000
  base_path: /v0
  behind_proxy: false
  max_upload_bytes: 1073741824

database:
  driver: sqlite
  path: .reproserver/reproserver.db
  url: ""

objects:
  kind: fs
  root: .reproserver/objects
  s3:
    endpoint: ""
    region: us-east-1
    use_ssl: true
    bucket_prefix: ""

queue:
  gateway: none
  amqp_url: ""
  webhook_url: ""
  relay_interval: 2s
  relay_batch: 100

shortids:
  salt: ""

auth:
  jwt_secret: ""
  issuer: reproserver

providers:
  timeout: 60s
  osf:
    api_url: https://api.osf.io/v2
  figshare:
    api_url: https://api.figshare.com/v2

housekeeping:
  interval: 5m
  orphan_grace: 1h
  retention: 0s

log:
  level: info
`
