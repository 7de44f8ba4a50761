// Package config defines the streaming core's tunable configuration: a
// single value-typed struct with defaults and validation, hot-reloadable
// via Store.Configure. The teacher wires literal constants in its own
// main.go; this package gives the engine the enumerated, validated struct
// the specification calls for.
package config

import (
	"sync"

	"github.com/creasty/defaults"
	validate "gopkg.in/dealancer/validate.v2"
)

// CrossBoundaryStrategy selects how per-track state is treated when a
// fetch crosses a period boundary.
type CrossBoundaryStrategy int

const (
	Keep CrossBoundaryStrategy = iota
	Reset
)

// RetryParameters bounds the networking capability's retry behavior. The
// core itself never retries; it is surfaced here because failureCallback
// decisions depend on knowing the budget that was exhausted.
type RetryParameters struct {
	MaxAttempts int     `default:"3" validate:"gte=1"`
	BaseDelay   float64 `default:"1" validate:"gte=0"`
	FuzzFactor  float64 `default:"0.5" validate:"gte=0 & lte=1"`
}

// FailureCallback is invoked when a recoverable network error survives its
// retry budget, before the error is surfaced to the observer. It may call
// back into the engine's Retry method to resume.
type FailureCallback func(err error)

// Config is the streaming core's full set of tunables, passed in at
// construction and updatable at runtime via Store.Configure.
type Config struct {
	BufferingGoal            float64               `default:"10" validate:"gte=0"`
	RebufferingGoal          float64               `default:"2" validate:"gte=0"`
	BufferBehind             float64               `default:"30" validate:"gte=0"`
	EvictionGoal             float64               `default:"5" validate:"gte=0"`
	MaxDisabledTime          float64               `default:"30" validate:"gte=0"`
	SegmentPrefetchLimit     int                   `default:"2" validate:"gte=0"`
	PrefetchAudioLanguages   []string              `default:"[]"`
	DisableVideoPrefetch     bool                  `default:"false"`
	IgnoreTextStreamFailures bool                  `default:"true"`
	LowLatencyMode           bool                  `default:"false"`
	ForceTransmux            bool                  `default:"false"`
	AlwaysStreamText         bool                  `default:"false"`
	CrossBoundaryStrategy    CrossBoundaryStrategy  `default:"0"`
	ParsePrftBox             bool                  `default:"true"`
	RetryParameters          RetryParameters
	FailureCallback          FailureCallback
}

// New returns a Config with defaults applied and validated.
func New() (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}
	if err := validate.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Store holds a Config behind a mutex so live() readers never observe a
// partially-applied Configure call, matching the "single value-typed
// struct, hot-reloadable" requirement.
type Store struct {
	mu  sync.RWMutex
	cfg Config
}

// NewStore wraps an initial Config in a Store.
func NewStore(initial Config) *Store {
	return &Store{cfg: initial}
}

// Get returns a copy of the current configuration.
func (s *Store) Get() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Configure validates and swaps in a new configuration. Rejected updates
// leave the previous configuration untouched.
func (s *Store) Configure(cfg Config) error {
	if err := validate.Validate(&cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	return nil
}
