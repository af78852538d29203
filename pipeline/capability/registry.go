package capability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
	"github.com/flowcraft/agentpipe/pipeline/emit"
)

// DefaultHealthCheckInterval is how often the registry probes a registered
// capability's HealthCheck.
const DefaultHealthCheckInterval = 30 * time.Second

// maxConsecutiveFailures is the threshold at which the registry restarts a
// capability's process (spec §4.7 "auto-restart on three consecutive
// failures").
const maxConsecutiveFailures = 3

// Registry is the stage-facing handle for capabilities: it owns each
// capability's lifecycle and exposes a uniform call(capability_name,
// operation, params) -> result shape. Satisfies pipeline.CapabilityCaller
// structurally.
type Registry struct {
	mu   sync.RWMutex
	caps map[string]*managedCapability

	healthInterval time.Duration
	emitter        emit.Emitter

	stopCh chan struct{}
	wg     sync.WaitGroup
}

type managedCapability struct {
	cap  Capability
	spec Spec

	mu                  sync.Mutex
	consecutiveFailures int
}

// New constructs an empty Registry. healthInterval <= 0 uses
// DefaultHealthCheckInterval.
func New(healthInterval time.Duration, emitter emit.Emitter) *Registry {
	if healthInterval <= 0 {
		healthInterval = DefaultHealthCheckInterval
	}
	return &Registry{
		caps:           make(map[string]*managedCapability),
		healthInterval: healthInterval,
		emitter:        emitter,
		stopCh:         make(chan struct{}),
	}
}

// Register starts cap and begins supervising it. Name collisions are
// rejected rather than silently overwritten, since two capabilities sharing
// a name would make Call's routing ambiguous.
func (r *Registry) Register(ctx context.Context, cap Capability) error {
	spec := cap.Spec()
	if spec.Name == "" {
		return fmt.Errorf("capability: spec.Name must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.caps[spec.Name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("capability: %q already registered", spec.Name)
	}
	mc := &managedCapability{cap: cap, spec: spec}
	r.caps[spec.Name] = mc
	r.mu.Unlock()

	if err := cap.Start(ctx); err != nil {
		r.mu.Lock()
		delete(r.caps, spec.Name)
		r.mu.Unlock()
		return fmt.Errorf("capability: start %q: %w", spec.Name, err)
	}

	r.wg.Add(1)
	go r.superviseHealth(mc)

	return nil
}

// Call is the uniform shape stages invoke through StageContext.Capabilities
// (spec §4.7). Errors are classified KindCapabilityUnavailable so the Stage
// Runtime's retry policy applies uniformly across capabilities; the one
// exception is an operation the capability does not declare, which is
// KindContentError and never retried.
func (r *Registry) Call(ctx context.Context, capabilityName, operation string, params map[string]any) (map[string]any, error) {
	r.mu.RLock()
	mc, ok := r.caps[capabilityName]
	r.mu.RUnlock()
	if !ok {
		return nil, pipeline.NewPipelineError(pipeline.KindCapabilityUnavailable, "",
			fmt.Sprintf("capability %q not registered", capabilityName), nil)
	}

	if !containsOperation(mc.spec.Operations, operation) {
		return nil, pipeline.NewPipelineError(pipeline.KindContentError, "",
			fmt.Sprintf("capability %q has no operation %q", capabilityName, operation), nil)
	}

	result, err := mc.cap.Call(ctx, operation, params)
	if err != nil {
		return nil, pipeline.NewPipelineError(pipeline.KindCapabilityUnavailable, "",
			fmt.Sprintf("capability %q operation %q failed", capabilityName, operation), err)
	}
	return result, nil
}

// Shutdown stops every registered capability and its health-check loop.
func (r *Registry) Shutdown(ctx context.Context) error {
	close(r.stopCh)
	r.wg.Wait()

	r.mu.Lock()
	caps := make([]*managedCapability, 0, len(r.caps))
	for _, mc := range r.caps {
		caps = append(caps, mc)
	}
	r.mu.Unlock()

	var firstErr error
	for _, mc := range caps {
		if err := mc.cap.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// superviseHealth periodically probes mc and restarts it after three
// consecutive failures, resetting the counter on either a healthy probe or
// a successful restart.
func (r *Registry) superviseHealth(mc *managedCapability) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.probe(mc)
		}
	}
}

func (r *Registry) probe(mc *managedCapability) {
	ctx, cancel := context.WithTimeout(context.Background(), r.healthInterval)
	defer cancel()

	mc.mu.Lock()
	defer mc.mu.Unlock()

	if err := mc.cap.HealthCheck(ctx); err == nil {
		mc.consecutiveFailures = 0
		return
	}

	mc.consecutiveFailures++
	r.emit(mc.spec.Name, "capability_unhealthy", map[string]any{"consecutive_failures": mc.consecutiveFailures})

	if mc.consecutiveFailures < maxConsecutiveFailures {
		return
	}

	_ = mc.cap.Stop(ctx)
	if err := mc.cap.Start(ctx); err != nil {
		r.emit(mc.spec.Name, "capability_restart_failed", map[string]any{"error": err.Error()})
		return
	}
	mc.consecutiveFailures = 0
	r.emit(mc.spec.Name, "capability_restarted", nil)
}

func (r *Registry) emit(capabilityName, msg string, meta map[string]any) {
	if r.emitter == nil {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["capability"] = capabilityName
	r.emitter.Emit(emit.Event{Msg: msg, Meta: meta})
}

func containsOperation(ops []string, operation string) bool {
	for _, op := range ops {
		if op == operation {
			return true
		}
	}
	return false
}
