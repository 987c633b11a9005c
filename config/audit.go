package config

import (
	"fmt"
)

// AuditConfig defines where queue outcomes are recorded.
type AuditConfig struct {
	// Backend selects the store type: "jsonl", "jsonl_rotating", "sqlite"
	// or "memory".
	Backend string `json:"backend" yaml:"backend"`
	// Path is the file location of the file backed stores.
	Path string `json:"path" yaml:"path"`
	// MaxSizeMB triggers rotation when the file exceeds this size.
	MaxSizeMB int `json:"max_size_mb" yaml:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups" yaml:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int  `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool `json:"compress" yaml:"compress"`
	// MaxRecords bounds the memory store.
	MaxRecords int `json:"max_records" yaml:"max_records"`
}

// SetDefaults applies sane defaults.
func (c *AuditConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "jsonl"
	}
	if c.Path == "" {
		switch c.Backend {
		case "jsonl", "jsonl_rotating":
			c.Path = "queue-audit.jsonl"
		case "sqlite":
			c.Path = "queue-audit.db"
		}
	}
	if c.Backend == "jsonl_rotating" && c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 100
	}
}

// Durable reports whether records outlive the process.
func (c AuditConfig) Durable() bool { return c.Backend != "memory" }

// Validate checks mandatory fields.
func (c AuditConfig) Validate() error {
	switch c.Backend {
	case "jsonl", "sqlite":
	case "jsonl_rotating":
		if c.MaxSizeMB <= 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
			return fmt.Errorf("audit: rotation limits must not be negative and max_size_mb must be set")
		}
	case "memory":
		return nil
	default:
		return fmt.Errorf("audit: unknown backend %s", c.Backend)
	}
	if c.Path == "" {
		return fmt.Errorf("audit: path is required")
	}
	return nil
}

// APIConfig exposes the admin HTTP surface.
type APIConfig struct {
	// Address to listen on; empty disables the API.
	Address string `json:"address" yaml:"address"`
	Token   string `json:"token" yaml:"token"`
}

// Enabled reports whether the API should be served.
func (c APIConfig) Enabled() bool { return c.Address != "" }
