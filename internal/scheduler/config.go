// Package scheduler drives lifecycle objects: it re-enters each registered
// object on every tick and whenever a condition is armed from outside the
// lifecycle goroutine.
package scheduler

import "time"

// Config holds the driver configuration.
type Config struct {
	// TickInterval is how often objects with armed conditions are re-entered.
	TickInterval time.Duration `mapstructure:"tick_interval"`

	// MaxPassesPerTick bounds back-to-back passes while an object keeps yielding.
	MaxPassesPerTick int `mapstructure:"max_passes_per_tick"`
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:     500 * time.Millisecond,
		MaxPassesPerTick: 4,
	}
}
