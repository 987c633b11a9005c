package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.SetDefaults()
	assert.NoError(t, c.Validate())
	assert.Equal(t, time.Second, c.TickInterval())
	assert.Equal(t, 5, c.MaxRetries)
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, time.Duration(0), c.PacingInterval())
	assert.Equal(t, 10*time.Second, c.AttemptTimeout())
}

func TestConfigValidate(t *testing.T) {
	base := Config{}
	base.SetDefaults()
	cases := map[string]func(*Config){
		"tick":      func(c *Config) { c.TickIntervalMS = -1 },
		"pacing":    func(c *Config) { c.PacingIntervalMS = -1 },
		"global":    func(c *Config) { c.GlobalPacingIntervalMS = -5 },
		"retries":   func(c *Config) { c.MaxRetries = -1 },
		"threshold": func(c *Config) { c.MakeRoomThreshold = -1 },
		"workers":   func(c *Config) { c.Workers = -2 },
		"timeout":   func(c *Config) { c.AttemptTimeoutMS = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
