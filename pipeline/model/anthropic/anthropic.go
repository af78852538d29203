// Package anthropic implements model.Adapter against Anthropic's Claude
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowcraft/agentpipe/pipeline/model"
)

// Adapter implements model.Adapter for Anthropic's Claude API.
type Adapter struct {
	apiKey    string
	modelName string
	client    *anthropicsdk.Client
}

// New constructs an Adapter. modelName defaults to a recent Sonnet build
// when empty.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "claude-3-5-sonnet-20241022"
	}
	client := anthropicsdk.NewClient(option.WithAPIKey(apiKey))
	return &Adapter{apiKey: apiKey, modelName: modelName, client: &client}
}

func (a *Adapter) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if a.apiKey == "" {
		return model.Response{}, &model.ProviderError{Message: "anthropic API key is required"}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		Messages:  convertMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, classifyAnthropicErr(err)
	}
	return convertResponse(resp), nil
}

func (a *Adapter) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	if a.apiKey == "" {
		return nil, &model.ProviderError{Message: "anthropic API key is required"}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.modelName),
		Messages:  convertMessages(req.Messages),
		MaxTokens: maxTokens,
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		for stream.Next() {
			event := stream.Current()
			delta, ok := event.AsAny().(anthropicsdk.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			text, ok := delta.Delta.AsAny().(anthropicsdk.TextDelta)
			if !ok {
				continue
			}
			select {
			case out <- model.Chunk{Delta: text.Text}:
			case <-ctx.Done():
				return
			}
		}
		out <- model.Chunk{Done: true, FinishReason: "stop"}
	}()
	return out, nil
}

// extractSystemPrompt pulls any RoleSystem messages out of a message slice,
// since Anthropic expects system content as a separate top-level field
// rather than inline in the conversation.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system string
	var rest []model.Message
	for _, m := range messages {
		if m.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

func convertMessages(messages []model.Message) []anthropicsdk.MessageParam {
	_, rest := extractSystemPrompt(messages)
	out := make([]anthropicsdk.MessageParam, len(rest))
	for i, m := range rest {
		switch m.Role {
		case model.RoleAssistant:
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

func convertResponse(resp *anthropicsdk.Message) model.Response {
	out := model.Response{
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
		FinishReason: string(resp.StopReason),
		RawMeta:      map[string]any{"id": resp.ID, "model": resp.Model},
	}
	for _, block := range resp.Content {
		if b, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		}
	}
	return out
}

func classifyAnthropicErr(err error) *model.ProviderError {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		pe := &model.ProviderError{
			StatusCode: apiErr.StatusCode,
			Message:    "anthropic API error: " + apiErr.Message,
			Cause:      err,
		}
		if apiErr.StatusCode == 429 {
			return pe
		}
		if strings.Contains(strings.ToLower(apiErr.Message), "prompt is too long") {
			pe.TokenLimit = true
		}
		return pe
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &model.ProviderError{Timeout: true, Message: "anthropic request timed out", Cause: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return &model.ProviderError{Unavailable: true, Message: "anthropic connection failed", Cause: err}
	default:
		return &model.ProviderError{Message: "anthropic API error", Cause: err}
	}
}
