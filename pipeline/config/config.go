// Package config loads the environment-variable configuration surface
// described in spec.md §6 (A.3 of SPEC_FULL.md). No configuration
// framework is used: like the teacher's provider constructors, values
// are read directly with os.Getenv and fall back to defaults that match
// the rest of the pipeline package (pipeline.defaultOptions, hub.DefaultOverflowBound).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	envModelEndpoint     = "AGENTPIPE_MODEL_ENDPOINT"
	envModelAPIKey       = "AGENTPIPE_MODEL_API_KEY"
	envMaxConcurrentRuns = "AGENTPIPE_MAX_CONCURRENT_RUNS"
	envStageTimeout      = "AGENTPIPE_STAGE_TIMEOUT"
	envCheckpointDSN     = "AGENTPIPE_CHECKPOINT_DSN"
	envHubOverflowBound  = "AGENTPIPE_HUB_OVERFLOW_BOUND"
)

const (
	defaultMaxConcurrentRuns = 8
	defaultStageTimeout      = 30 * time.Second
	defaultHubOverflowBound  = 256
)

// Config holds the pipeline's runtime configuration, populated from
// environment variables by FromEnv.
type Config struct {
	// ModelEndpoint overrides the default provider endpoint, when the
	// model adapter supports a custom base URL. Empty means use the
	// provider SDK's own default.
	ModelEndpoint string

	// ModelAPIKey authenticates outbound model calls. Required by most
	// provider adapters; FromEnv does not validate its presence since
	// some deployments inject it directly into the adapter instead.
	ModelAPIKey string

	// MaxConcurrentRuns is passed by the CLI to pipeline.WithMaxConcurrent,
	// where it caps concurrent stages within one fan-out. Nothing limits how
	// many runs execute at once.
	MaxConcurrentRuns int

	// StageTimeout is the default per-stage execution deadline.
	StageTimeout time.Duration

	// CheckpointDSN is the connection string for the checkpoint store
	// (spec §4.4). Empty means use an in-memory store.
	CheckpointDSN string

	// HubOverflowBound is the default bounded outbound queue size for
	// Subscription Hub subscribers (spec §4.6).
	HubOverflowBound int
}

// FromEnv reads the AGENTPIPE_* environment variables into a Config,
// applying defaults for anything unset. It returns an error only when a
// set variable fails to parse.
func FromEnv() (Config, error) {
	cfg := Config{
		ModelEndpoint:     os.Getenv(envModelEndpoint),
		ModelAPIKey:       os.Getenv(envModelAPIKey),
		MaxConcurrentRuns: defaultMaxConcurrentRuns,
		StageTimeout:      defaultStageTimeout,
		CheckpointDSN:     os.Getenv(envCheckpointDSN),
		HubOverflowBound:  defaultHubOverflowBound,
	}

	if v := os.Getenv(envMaxConcurrentRuns); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envMaxConcurrentRuns, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("config: %s: must be positive, got %d", envMaxConcurrentRuns, n)
		}
		cfg.MaxConcurrentRuns = n
	}

	if v := os.Getenv(envStageTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envStageTimeout, err)
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("config: %s: must be positive, got %s", envStageTimeout, d)
		}
		cfg.StageTimeout = d
	}

	if v := os.Getenv(envHubOverflowBound); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", envHubOverflowBound, err)
		}
		if n <= 0 {
			return Config{}, fmt.Errorf("config: %s: must be positive, got %d", envHubOverflowBound, n)
		}
		cfg.HubOverflowBound = n
	}

	return cfg, nil
}
