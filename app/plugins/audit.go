// Package plugins holds the factories for components selected by name in
// the configuration.
package plugins

import (
	"fmt"

	"github.com/kilianp07/serverqueue/config"
	"github.com/kilianp07/serverqueue/core/audit"
	"github.com/kilianp07/serverqueue/core/factory"
)

var auditStores = factory.NewRegistry[audit.Store]()

// auditConf is the conf block handed to audit store factories.
type auditConf struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
	MaxRecords int    `json:"max_records"`
}

func decodeAudit(conf map[string]any, needPath bool) (auditConf, error) {
	var c auditConf
	if err := factory.Decode(conf, &c); err != nil {
		return c, err
	}
	if needPath && c.Path == "" {
		return c, fmt.Errorf("path is required")
	}
	return c, nil
}

func init() {
	_ = RegisterAuditStore("jsonl", func(conf map[string]any) (audit.Store, error) {
		c, err := decodeAudit(conf, true)
		if err != nil {
			return nil, fmt.Errorf("jsonl audit store: %w", err)
		}
		return audit.NewJSONLStore(c.Path)
	})
	_ = RegisterAuditStore("jsonl_rotating", func(conf map[string]any) (audit.Store, error) {
		c, err := decodeAudit(conf, true)
		if err != nil {
			return nil, fmt.Errorf("rotating audit store: %w", err)
		}
		return audit.NewRotatingJSONLStore(c.Path, audit.RotationOptions{
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		})
	})
	_ = RegisterAuditStore("sqlite", func(conf map[string]any) (audit.Store, error) {
		c, err := decodeAudit(conf, true)
		if err != nil {
			return nil, fmt.Errorf("sqlite audit store: %w", err)
		}
		return audit.NewSQLiteStore(c.Path)
	})
	_ = RegisterAuditStore("memory", func(conf map[string]any) (audit.Store, error) {
		c, err := decodeAudit(conf, false)
		if err != nil {
			return nil, err
		}
		if c.MaxRecords <= 0 {
			c.MaxRecords = 10000
		}
		return audit.NewMemoryStore(c.MaxRecords), nil
	})
}

// RegisterAuditStore makes a named audit store available to configuration.
func RegisterAuditStore(name string, f factory.Factory[audit.Store]) error {
	return auditStores.Register(name, f)
}

// NewAuditStore builds the store selected by cfg.
func NewAuditStore(cfg config.AuditConfig) (audit.Store, error) {
	return auditStores.Create(factory.ModuleConfig{
		Type: cfg.Backend,
		Conf: map[string]any{
			"path":         cfg.Path,
			"max_size_mb":  cfg.MaxSizeMB,
			"max_backups":  cfg.MaxBackups,
			"max_age_days": cfg.MaxAgeDays,
			"compress":     cfg.Compress,
			"max_records":  cfg.MaxRecords,
		},
	})
}
