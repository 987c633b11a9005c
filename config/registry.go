package config

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/kilianp07/serverqueue/core/registry"
)

// RegistryConfig selects where destinations and their status come from.
type RegistryConfig struct {
	// Mode is "static" (snapshots from this file) or "mqtt" (status pushed
	// by backends).
	Mode         string   `json:"mode" yaml:"mode"`
	Destinations []string `json:"destinations" yaml:"destinations"`
	// Slots is the free capacity reported by static destinations.
	Slots int `json:"slots" yaml:"slots"`
	// Discover lets the mqtt registry add destinations it hears about.
	Discover     bool   `json:"discover" yaml:"discover"`
	StatusPrefix string `json:"status_topic_prefix" yaml:"status_topic_prefix"`
	StaleAfterMS int    `json:"stale_after_ms" yaml:"stale_after_ms"`
	// Groups maps a group destination to the backend servers it fans out to.
	Groups map[string][]string `json:"groups" yaml:"groups"`
}

// GroupList returns the groups sorted by name.
func (c RegistryConfig) GroupList() []registry.Group {
	out := make([]registry.Group, 0, len(c.Groups))
	for name, members := range c.Groups {
		out = append(out, registry.Group{Name: name, Members: members})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetDefaults fills unset fields.
func (c *RegistryConfig) SetDefaults() {
	if c.Mode == "" {
		c.Mode = "static"
	}
	c.Mode = strings.ToLower(c.Mode)
	if c.Slots <= 0 {
		c.Slots = 100
	}
	if c.StatusPrefix == "" {
		c.StatusPrefix = "serverqueue/status"
	}
	if c.StaleAfterMS <= 0 {
		c.StaleAfterMS = 30000
	}
}

// Validate checks the registry section.
func (c RegistryConfig) Validate() error {
	switch c.Mode {
	case "static":
		if len(c.Destinations) == 0 {
			return fmt.Errorf("registry: static mode needs at least one destination")
		}
	case "mqtt":
		if len(c.Destinations) == 0 && !c.Discover {
			return fmt.Errorf("registry: mqtt mode needs destinations or discover")
		}
	default:
		return fmt.Errorf("registry: unknown mode %q", c.Mode)
	}
	seen := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		if !validName(d) {
			return fmt.Errorf("registry: invalid destination name %q", d)
		}
		if seen[d] {
			return fmt.Errorf("registry: duplicate destination %q", d)
		}
		seen[d] = true
	}
	return c.validateGroups()
}

func (c RegistryConfig) validateGroups() error {
	for _, g := range c.GroupList() {
		if !validName(g.Name) {
			return fmt.Errorf("registry: invalid group name %q", g.Name)
		}
		if slices.Contains(c.Destinations, g.Name) {
			return fmt.Errorf("registry: group %q shadows a destination", g.Name)
		}
		if len(g.Members) == 0 {
			return fmt.Errorf("registry: group %q has no members", g.Name)
		}
		for _, m := range g.Members {
			if !validName(m) {
				return fmt.Errorf("registry: group %q: invalid member %q", g.Name, m)
			}
			if c.Mode == "static" && !slices.Contains(c.Destinations, m) {
				return fmt.Errorf("registry: group %q: member %q is not a destination", g.Name, m)
			}
		}
	}
	return nil
}

func validName(s string) bool {
	return s != "" && !strings.ContainsAny(s, "/+#")
}
