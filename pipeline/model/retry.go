package model

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowcraft/agentpipe/pipeline"
)

// RetryingAdapter wraps an Adapter with the classification and backoff
// contract from spec §4.5: rate limiting honors a server retry-after hint
// or falls back to DefaultRetryBackoff; token-limit and bad-request errors
// are never retried; timeouts and connect errors retry up to MaxAttempts.
//
// Each RetryingAdapter owns its own token-bucket limiter, built by
// NewRetryingAdapter, which paces the calls made through that instance
// before they reach the provider. Separate instances do not share a limit,
// and calls made on the inner Adapter directly are not paced.
type RetryingAdapter struct {
	inner   Adapter
	limiter *rate.Limiter
	backoff RetryBackoff
}

// NewRetryingAdapter wraps inner with rate limiting (ratePerSec, burst) and
// the default retry/backoff schedule.
func NewRetryingAdapter(inner Adapter, ratePerSec float64, burst int) *RetryingAdapter {
	return &RetryingAdapter{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), burst),
		backoff: DefaultRetryBackoff,
	}
}

func (a *RetryingAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	var lastErr error
	for attempt := 0; attempt < a.backoff.MaxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return Response{}, pipeline.NewPipelineError(pipeline.KindCancelled, "", "rate limiter wait cancelled", err)
		}

		callCtx, cancel := context.WithTimeout(ctx, defaultCallTimeout)
		resp, err := a.inner.Generate(callCtx, req)
		cancel()

		if err == nil {
			return resp, nil
		}

		lastErr = err
		pe, retryAfter, retry := classifyProviderError(err)
		if !retry || attempt == a.backoff.MaxAttempts-1 {
			return Response{}, pe
		}

		delay := a.backoff.Delay(attempt)
		if retryAfter > 0 {
			delay = retryAfter
		}
		select {
		case <-ctx.Done():
			return Response{}, pipeline.NewPipelineError(pipeline.KindCancelled, "", "context cancelled during backoff", ctx.Err())
		case <-time.After(delay):
		}
	}
	return Response{}, lastErr
}

func (a *RetryingAdapter) GenerateStream(ctx context.Context, req Request) (<-chan Chunk, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, pipeline.NewPipelineError(pipeline.KindCancelled, "", "rate limiter wait cancelled", err)
	}
	streamCtx, cancel := context.WithTimeout(ctx, defaultStreamReadTimeout)
	chunks, err := a.inner.GenerateStream(streamCtx, req)
	if err != nil {
		cancel()
		pe, _, _ := classifyProviderError(err)
		return nil, pe
	}

	out := make(chan Chunk)
	go func() {
		defer cancel()
		defer close(out)
		for c := range chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Done {
				return
			}
		}
	}()
	return out, nil
}

// ProviderError is the common error shape every provider adapter in this
// package (anthropic, openai, google) must return so classifyProviderError
// can apply the spec's retry taxonomy without depending on any SDK's
// concrete error types.
type ProviderError struct {
	// StatusCode is the HTTP status, if the failure came from a response
	// (0 for connect/timeout failures that never got a response).
	StatusCode int

	// RetryAfter is the server-provided hint from a 429 response, if any.
	RetryAfter time.Duration

	// TokenLimit marks a response rejected for exceeding the model's
	// context/output token budget.
	TokenLimit bool

	// Timeout marks a request that exceeded its deadline.
	Timeout bool

	// Unavailable marks a connect-level failure (DNS, refused, reset).
	Unavailable bool

	Message string
	Cause   error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// classifyProviderError maps a ProviderError (or an unrecognized error) to
// the pipeline error taxonomy, reporting whether it's retryable and any
// retry-after hint to honor.
func classifyProviderError(err error) (*pipeline.PipelineError, time.Duration, bool) {
	var pErr *ProviderError
	if !errors.As(err, &pErr) {
		pe := pipeline.NewPipelineError(pipeline.KindInternal, "", err.Error(), err)
		return pe, 0, false
	}

	switch {
	case pErr.TokenLimit:
		return pipeline.NewPipelineError(pipeline.KindTokenLimitExceeded, "", pErr.Message, pErr), 0, false
	case pErr.StatusCode == 429:
		pe := pipeline.NewPipelineError(pipeline.KindRateLimited, "", pErr.Message, pErr)
		pe.RetryAfterSeconds = pErr.RetryAfter.Seconds()
		return pe, pErr.RetryAfter, true
	case pErr.Timeout:
		return pipeline.NewPipelineError(pipeline.KindTransportTimeout, "", pErr.Message, pErr), 0, true
	case pErr.Unavailable:
		return pipeline.NewPipelineError(pipeline.KindTransportUnavailable, "", pErr.Message, pErr), 0, true
	case pErr.StatusCode >= 400 && pErr.StatusCode < 500:
		return pipeline.NewPipelineError(pipeline.KindContentError, "", pErr.Message, pErr), 0, false
	default:
		return pipeline.NewPipelineError(pipeline.KindInternal, "", pErr.Message, pErr), 0, false
	}
}
