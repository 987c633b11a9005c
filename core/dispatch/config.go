package dispatch

import (
	"fmt"
	"time"
)

// Config defines scheduling settings.
type Config struct {
	TickIntervalMS         int  `json:"tick_interval_ms" yaml:"tick_interval_ms"`
	PacingIntervalMS       int  `json:"pacing_interval_ms" yaml:"pacing_interval_ms"`
	GlobalPacingIntervalMS int  `json:"global_pacing_interval_ms" yaml:"global_pacing_interval_ms"`
	MaxRetries             int  `json:"max_retries" yaml:"max_retries"`
	MakeRoomThreshold      int  `json:"make_room_threshold" yaml:"make_room_threshold"`
	AllowJoinPaused        bool `json:"allow_join_paused" yaml:"allow_join_paused"`
	Workers                int  `json:"workers" yaml:"workers"`
	AttemptTimeoutMS       int  `json:"attempt_timeout_ms" yaml:"attempt_timeout_ms"`
}

// SetDefaults fills unset fields. A zero make-room threshold disables the
// make-room path and a zero pacing interval disables that check.
func (c *Config) SetDefaults() {
	if c.TickIntervalMS == 0 {
		c.TickIntervalMS = 1000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.AttemptTimeoutMS == 0 {
		c.AttemptTimeoutMS = 10000
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.TickIntervalMS <= 0 {
		return fmt.Errorf("tick_interval_ms must be positive")
	}
	if c.PacingIntervalMS < 0 || c.GlobalPacingIntervalMS < 0 {
		return fmt.Errorf("pacing intervals must not be negative")
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if c.MakeRoomThreshold < 0 {
		return fmt.Errorf("make_room_threshold must not be negative")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.AttemptTimeoutMS <= 0 {
		return fmt.Errorf("attempt_timeout_ms must be positive")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// TickInterval returns the scheduling period.
func (c Config) TickInterval() time.Duration { return ms(c.TickIntervalMS) }

// PacingInterval returns the minimum spacing per destination.
func (c Config) PacingInterval() time.Duration { return ms(c.PacingIntervalMS) }

// GlobalPacingInterval returns the minimum spacing across destinations.
func (c Config) GlobalPacingInterval() time.Duration { return ms(c.GlobalPacingIntervalMS) }

// AttemptTimeout bounds one Dispatcher call, make-room included.
func (c Config) AttemptTimeout() time.Duration { return ms(c.AttemptTimeoutMS) }
