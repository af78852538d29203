// Package openai implements model.Adapter against OpenAI's chat completions
// API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/flowcraft/agentpipe/pipeline/model"
)

// Adapter implements model.Adapter for OpenAI's chat completions API.
type Adapter struct {
	apiKey    string
	modelName string
	client    *openaisdk.Client
}

// New constructs an Adapter. modelName defaults to "gpt-4o" when empty.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	client := openaisdk.NewClient(option.WithAPIKey(apiKey))
	return &Adapter{apiKey: apiKey, modelName: modelName, client: &client}
}

func (a *Adapter) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if a.apiKey == "" {
		return model.Response{}, &model.ProviderError{Message: "openai API key is required"}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(a.modelName),
		Messages: convertMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}

	resp, err := a.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, classifyOpenAIErr(err)
	}
	return convertResponse(resp), nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	if a.apiKey == "" {
		return nil, &model.ProviderError{Message: "openai API key is required"}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(a.modelName),
		Messages: convertMessages(req),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta.Content
			select {
			case out <- model.Chunk{Delta: delta}:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil {
			return
		}
		out <- model.Chunk{Done: true, FinishReason: "stop"}
	}()
	return out, nil
}

func convertMessages(req model.Request) []openaisdk.ChatCompletionMessageParamUnion {
	msgs := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openaisdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			msgs = append(msgs, openaisdk.SystemMessage(m.Content))
		case model.RoleAssistant:
			msgs = append(msgs, openaisdk.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, openaisdk.UserMessage(m.Content))
		}
	}
	return msgs
}

func convertResponse(resp *openaisdk.ChatCompletion) model.Response {
	out := model.Response{
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		RawMeta: map[string]any{"id": resp.ID, "model": resp.Model},
	}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Text = choice.Message.Content
	out.FinishReason = string(choice.FinishReason)
	return out
}

// classifyOpenAIErr wraps an SDK error as a model.ProviderError so
// model.RetryingAdapter can apply the spec's retry taxonomy without
// depending on openai-go's concrete error type.
func classifyOpenAIErr(err error) *model.ProviderError {
	var apiErr *openaisdk.Error
	if errors.As(err, &apiErr) {
		pe := &model.ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    fmt.Sprintf("openai API error: %s", apiErr.Message),
			Cause:      err,
		}
		switch {
		case apiErr.StatusCode == 429:
			pe.RetryAfter = parseRetryAfter(apiErr)
		case strings.Contains(strings.ToLower(apiErr.Message), "context_length_exceeded"),
			strings.Contains(strings.ToLower(apiErr.Message), "maximum context length"):
			pe.TokenLimit = true
		}
		return pe
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &model.ProviderError{Timeout: true, Message: "openai request timed out", Cause: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return &model.ProviderError{Unavailable: true, Message: "openai connection failed", Cause: err}
	default:
		return &model.ProviderError{Message: "openai API error", Cause: err}
	}
}

// parseRetryAfter has no portable way to read the Retry-After header off
// the SDK's error type; zero means "fall back to the adapter's default
// backoff schedule."
func parseRetryAfter(*openaisdk.Error) time.Duration {
	return 0
}
