package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/serverqueue/core/dispatch"
	"github.com/kilianp07/serverqueue/core/factory"
	"github.com/kilianp07/serverqueue/core/metrics"
	"github.com/kilianp07/serverqueue/core/queue"
	"github.com/kilianp07/serverqueue/infra/mqtt"
)

// Config is the full service configuration.
type Config struct {
	Queue    dispatch.Config      `json:"queue" yaml:"queue"`
	Registry RegistryConfig       `json:"registry" yaml:"registry"`
	MQTT     mqtt.Config          `json:"mqtt" yaml:"mqtt"`
	Metrics  metrics.Config       `json:"metrics" yaml:"metrics"`
	Audit    AuditConfig          `json:"audit" yaml:"audit"`
	API      APIConfig            `json:"api" yaml:"api"`
	Priority factory.ModuleConfig `json:"priority" yaml:"priority"`
	Sentry   SentryConfig         `json:"sentry" yaml:"sentry"`
	// QueueServers lists "from:to" pairs: a client connecting to from is
	// queued for to.
	QueueServers []string `json:"queue_servers" yaml:"queue_servers"`
}

// Load reads path (yaml or json), applies K_ environment overrides, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	ext := strings.ToLower(filepath.Ext(path))
	var parser koanf.Parser
	switch ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, err
	}
	// K_QUEUE__MAX_RETRIES overrides queue.max_retries.
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Queue.SetDefaults()
	c.Registry.SetDefaults()
	if c.Registry.Mode == "mqtt" || c.MQTT.Broker != "" {
		c.MQTT.SetDefaults()
	}
	c.Audit.SetDefaults()
	if c.Metrics.Buffer <= 0 {
		c.Metrics.Buffer = 256
	}
}

// Validate checks every section. The MQTT section is only required when
// something uses it.
func (c Config) Validate() error {
	if err := c.Queue.Validate(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := c.Registry.Validate(); err != nil {
		return err
	}
	if c.NeedsMQTT() {
		if err := c.MQTT.Validate(); err != nil {
			return err
		}
	}
	if err := c.Audit.Validate(); err != nil {
		return err
	}
	if err := c.Sentry.Validate(); err != nil {
		return err
	}
	if _, err := c.Routes(); err != nil {
		return err
	}
	return nil
}

// Routes parses QueueServers.
func (c Config) Routes() (queue.Routes, error) {
	return queue.ParseRoutes(c.QueueServers)
}

// NeedsMQTT reports whether a broker connection is required. Without one
// transfers run against an in-process simulated fleet.
func (c Config) NeedsMQTT() bool {
	return c.Registry.Mode == "mqtt" || c.MQTT.Broker != ""
}
