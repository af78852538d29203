package pipeline

import "time"

// Option configures an Engine at construction time.
//
// Example:
//
//	engine, err := New(store, emitter, nil,
//	    WithMaxConcurrent(8),
//	    WithQueueDepth(1024),
//	    WithDefaultStageTimeout(30*time.Second),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// Options holds every tunable of an Engine. Most callers should prefer the
// With* functions below; Options is exposed for callers that build
// configuration from pipeline/config.Config.
type Options struct {
	MaxSteps            int
	MaxConcurrentStages int
	QueueDepth          int
	BackpressureTimeout time.Duration
	DefaultStageTimeout time.Duration
	RunWallClockBudget  time.Duration
	Metrics             *PrometheusMetrics
	CostTracker         *CostTracker
	Capabilities        CapabilityCaller
}

// WithMaxSteps bounds total step count, guarding against a misrouted graph
// looping forever. Default 0 means unbounded.
func WithMaxSteps(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxSteps = n
		return nil
	}
}

// WithMaxConcurrent sets how many stages may execute at once during a
// fan-out. Default 8. Each concurrent branch holds its own RunState clone,
// so memory scales linearly with this value.
func WithMaxConcurrent(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.MaxConcurrentStages = n
		return nil
	}
}

// WithQueueDepth stores Options.QueueDepth (default 1024). The engine does
// not read it: fan-out sizes its Frontier to the number of branches.
func WithQueueDepth(n int) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.QueueDepth = n
		return nil
	}
}

// WithBackpressureTimeout stores Options.BackpressureTimeout (default 30s).
// The engine does not read it: Enqueue on a full frontier blocks until a
// slot frees or its context is done.
func WithBackpressureTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.BackpressureTimeout = d
		return nil
	}
}

// WithDefaultStageTimeout sets the execution deadline applied to stages
// whose StageSpec.Timeout is zero. Default 30s.
func WithDefaultStageTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DefaultStageTimeout = d
		return nil
	}
}

// WithRunWallClockBudget caps total wall-clock time for one Run call.
// Default 10m. Zero disables the budget.
func WithRunWallClockBudget(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.RunWallClockBudget = d
		return nil
	}
}

// WithMetrics attaches a PrometheusMetrics instance; the engine records step
// latency, retries, merge conflicts and fan-out queue depth against it. It
// does not record backpressure events or inflight stages.
func WithMetrics(metrics *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = metrics
		return nil
	}
}

// WithCostTracker attaches a CostTracker; every Model-Call Adapter response
// routed through a stage's StageContext feeds it token counts.
func WithCostTracker(tracker *CostTracker) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.CostTracker = tracker
		return nil
	}
}

// WithCapabilities attaches the Capability Registry handle every stage
// receives through StageContext.Capabilities (spec §4.7). Nil by default;
// stages calling Capabilities without one configured will nil-panic, which
// is intentional — a graph that uses a capability must wire the registry.
func WithCapabilities(registry CapabilityCaller) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Capabilities = registry
		return nil
	}
}

func defaultOptions() Options {
	return Options{
		MaxConcurrentStages: 8,
		QueueDepth:          1024,
		BackpressureTimeout: 30 * time.Second,
		DefaultStageTimeout: 30 * time.Second,
		RunWallClockBudget:  10 * time.Minute,
	}
}

func resolveOptions(opts ...Option) (Options, error) {
	cfg := &engineConfig{opts: defaultOptions()}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return Options{}, err
		}
	}
	return cfg.opts, nil
}
