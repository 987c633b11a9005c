package config

import "fmt"

// SentryConfig defines settings for Sentry error monitoring. An empty DSN
// disables reporting.
type SentryConfig struct {
	DSN              string  `json:"dsn" yaml:"dsn"`
	Environment      string  `json:"environment" yaml:"environment"`
	TracesSampleRate float64 `json:"traces_sample_rate" yaml:"traces_sample_rate"`
	Release          string  `json:"release" yaml:"release"`
}

// Validate checks the sample rate.
func (c SentryConfig) Validate() error {
	if c.TracesSampleRate < 0 || c.TracesSampleRate > 1 {
		return fmt.Errorf("sentry: traces_sample_rate must be within [0,1]")
	}
	return nil
}
