package pipeline

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewPrometheusMetrics_UsesProvidedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.RecordStepLatency("run_1", "analyze", 100*time.Millisecond, "ok")
	pm.IncrementRetries("run_1", "development", "transport_timeout")
	pm.UpdateQueueDepth(5)
	pm.UpdateInflightStages(2)
	pm.IncrementMergeConflicts("run_1", "development")
	pm.IncrementBackpressure("run_1", "queue_full")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected at least one registered metric family after recording")
	}
}

func TestNewPrometheusMetrics_FreshRegistryDoesNotPanic(t *testing.T) {
	// Registering against a fresh registry must not panic. The nil
	// (prometheus.DefaultRegisterer) path is exercised by options_test.go;
	// a second nil call here would double-register globally.
	defer func() {
		if r := recover(); r != nil {
			t.Errorf("NewPrometheusMetrics(prometheus.NewRegistry()) panicked: %v", r)
		}
	}()
	_ = NewPrometheusMetrics(prometheus.NewRegistry())
}

func TestPrometheusMetrics_NilReceiverIsSafe(t *testing.T) {
	var pm *PrometheusMetrics
	pm.RecordStepLatency("run_1", "analyze", time.Second, "ok")
	pm.IncrementRetries("run_1", "analyze", "rate_limited")
	pm.UpdateQueueDepth(1)
	pm.UpdateInflightStages(1)
	pm.IncrementMergeConflicts("run_1", "analyze")
	pm.IncrementBackpressure("run_1", "queue_full")
}
