package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPCapability implements Capability by proxying each operation to a JSON
// HTTP endpoint: POST {baseURL}/{operation} with params as the JSON body,
// the decoded JSON response as the result. Health checks hit {baseURL}/healthz.
//
// Grounded on the pack's HTTP transport abstractions (request/response as
// transport-agnostic structs, a pluggable client for testability) rather
// than any single capability-specific wire format, since spec §4.7 leaves
// the wire format unspecified and only fixes the call(name, operation,
// params) -> result shape.
type HTTPCapability struct {
	spec    Spec
	baseURL string
	client  *http.Client
}

// NewHTTPCapability constructs an HTTPCapability. When client is nil, a new
// http.Client with a 30s timeout is used.
func NewHTTPCapability(spec Spec, baseURL string, client *http.Client) *HTTPCapability {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCapability{spec: spec, baseURL: baseURL, client: client}
}

func (h *HTTPCapability) Spec() Spec { return h.spec }

// Start manages no process: the capability's backing process is assumed to
// be externally managed (e.g. a sidecar container). It only runs
// HealthCheck and returns its result.
func (h *HTTPCapability) Start(ctx context.Context) error {
	return h.HealthCheck(ctx)
}

func (h *HTTPCapability) Stop(ctx context.Context) error { return nil }

func (h *HTTPCapability) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("capability: health check returned status %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPCapability) Call(ctx context.Context, operation string, params map[string]any) (map[string]any, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("capability: encode params: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/"+operation, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("capability: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("capability: operation %q returned status %d: %s", operation, resp.StatusCode, respBody)
	}

	var result map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return nil, fmt.Errorf("capability: decode response: %w", err)
		}
	}
	return result, nil
}
