// Package capability implements the Capability Registry (spec §4.7): a
// small lookup table letting stages invoke externally-provided capabilities
// (file I/O, VCS, shell, search, database queries) through a uniform call
// shape. The registry owns lifecycle (start/stop, health checks, restart on
// repeated failure); stages never manage a capability's process directly.
package capability

import "context"

// Spec declares one capability's static shape: the operations it exposes
// and each operation's JSON-schema-equivalent parameter contract, generated
// from a Go type via github.com/invopop/jsonschema (see schema.go).
type Spec struct {
	Name       string
	Operations []string
	Schemas    map[string]map[string]any // operation -> JSON schema
}

// Capability is an externally-provided tool the registry manages. Start is
// called at registration and again on each restart; Stop during registry
// shutdown and before each restart; HealthCheck periodically by the
// registry's supervision loop.
type Capability interface {
	Spec() Spec

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Call invokes one operation. The registry validates that operation is
	// declared in Spec().Operations before calling; Capability
	// implementations may still re-validate params against their schema.
	Call(ctx context.Context, operation string, params map[string]any) (map[string]any, error)
}
