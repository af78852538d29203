package model

import (
	"context"
	"testing"
	"time"

	"github.com/flowcraft/agentpipe/pipeline"
)

func TestRetryBackoff_Delay(t *testing.T) {
	b := DefaultRetryBackoff
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 4 * time.Second},
		{1, 8 * time.Second},
		{2, 10 * time.Second}, // capped
		{5, 10 * time.Second},
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestClassifyProviderError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		wantKind  pipeline.ErrorKind
		wantRetry bool
	}{
		{"token limit", &ProviderError{TokenLimit: true, Message: "too long"}, pipeline.KindTokenLimitExceeded, false},
		{"rate limited", &ProviderError{StatusCode: 429, Message: "slow down"}, pipeline.KindRateLimited, true},
		{"timeout", &ProviderError{Timeout: true, Message: "timed out"}, pipeline.KindTransportTimeout, true},
		{"unavailable", &ProviderError{Unavailable: true, Message: "refused"}, pipeline.KindTransportUnavailable, true},
		{"bad request", &ProviderError{StatusCode: 400, Message: "bad params"}, pipeline.KindContentError, false},
		{"unrecognized", errUnrecognized{}, pipeline.KindInternal, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			pe, _, retry := classifyProviderError(c.err)
			if pe.Kind != c.wantKind {
				t.Errorf("Kind = %v, want %v", pe.Kind, c.wantKind)
			}
			if retry != c.wantRetry {
				t.Errorf("retry = %v, want %v", retry, c.wantRetry)
			}
		})
	}
}

type errUnrecognized struct{}

func (errUnrecognized) Error() string { return "boom" }

func TestRetryingAdapter_RetriesRateLimit(t *testing.T) {
	inner := &flakyAdapter{
		failures: []error{&ProviderError{StatusCode: 429, Message: "slow down"}},
		response: Response{Text: "ok"},
	}
	adapter := NewRetryingAdapter(inner, 1000, 1000)
	adapter.backoff = RetryBackoff{Base: time.Millisecond, Multiplier: 2, Cap: time.Millisecond, MaxAttempts: 3}

	out, err := adapter.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if out.Text != "ok" {
		t.Errorf("expected text 'ok', got %q", out.Text)
	}
	if inner.calls != 2 {
		t.Errorf("expected 2 calls (1 failure + 1 success), got %d", inner.calls)
	}
}

func TestRetryingAdapter_NeverRetriesTokenLimit(t *testing.T) {
	inner := &flakyAdapter{
		failures: []error{&ProviderError{TokenLimit: true, Message: "too long"}},
	}
	adapter := NewRetryingAdapter(inner, 1000, 1000)

	_, err := adapter.Generate(context.Background(), Request{})
	if err == nil {
		t.Fatal("expected error")
	}
	if inner.calls != 1 {
		t.Errorf("expected exactly 1 call for a non-retryable error, got %d", inner.calls)
	}
}

type flakyAdapter struct {
	failures []error
	response Response
	calls    int
}

func (f *flakyAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	defer func() { f.calls++ }()
	if f.calls < len(f.failures) {
		return Response{}, f.failures[f.calls]
	}
	return f.response, nil
}

func (f *flakyAdapter) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	return nil, nil
}
