// Package google implements model.Adapter against Google's Gemini API.
package google

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/flowcraft/agentpipe/pipeline/model"
)

// Adapter implements model.Adapter for Google's Gemini API. Unlike the
// openai/anthropic adapters it opens a fresh client per call, since the
// genai SDK's client is cheap to construct and this avoids holding a
// long-lived connection across a long-running engine process.
type Adapter struct {
	apiKey    string
	modelName string
}

// New constructs an Adapter. modelName defaults to "gemini-1.5-flash" when
// empty.
func New(apiKey, modelName string) *Adapter {
	if modelName == "" {
		modelName = "gemini-1.5-flash"
	}
	return &Adapter{apiKey: apiKey, modelName: modelName}
}

func (a *Adapter) Generate(ctx context.Context, req model.Request) (model.Response, error) {
	if a.apiKey == "" {
		return model.Response{}, &model.ProviderError{Message: "google API key is required"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(a.apiKey))
	if err != nil {
		return model.Response{}, &model.ProviderError{Unavailable: true, Message: "failed to create google client", Cause: err}
	}
	defer client.Close()

	genModel := client.GenerativeModel(a.modelName)
	if req.System != "" {
		genModel.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}
	if req.MaxTokens > 0 {
		genModel.MaxOutputTokens = genaiInt32(req.MaxTokens)
	}

	resp, err := genModel.GenerateContent(ctx, convertParts(req.Messages)...)
	if err != nil {
		return model.Response{}, classifyGoogleErr(err)
	}
	return convertResponse(resp), nil
}

// GenerateStream wraps GenerateContentStream, forwarding each candidate's
// text parts as a chunk until the iterator is exhausted.
func (a *Adapter) GenerateStream(ctx context.Context, req model.Request) (<-chan model.Chunk, error) {
	if a.apiKey == "" {
		return nil, &model.ProviderError{Message: "google API key is required"}
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(a.apiKey))
	if err != nil {
		return nil, &model.ProviderError{Unavailable: true, Message: "failed to create google client", Cause: err}
	}

	genModel := client.GenerativeModel(a.modelName)
	if req.System != "" {
		genModel.SystemInstruction = genai.NewUserContent(genai.Text(req.System))
	}

	iter := genModel.GenerateContentStream(ctx, convertParts(req.Messages)...)
	out := make(chan model.Chunk)
	go func() {
		defer close(out)
		defer client.Close()
		for {
			resp, err := iter.Next()
			if err != nil {
				break
			}
			r := convertResponse(resp)
			if r.Text == "" {
				continue
			}
			select {
			case out <- model.Chunk{Delta: r.Text}:
			case <-ctx.Done():
				return
			}
		}
		out <- model.Chunk{Done: true, FinishReason: "stop"}
	}()
	return out, nil
}

func convertParts(messages []model.Message) []genai.Part {
	parts := make([]genai.Part, 0, len(messages))
	for _, m := range messages {
		if m.Role == model.RoleSystem || m.Content == "" {
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	return parts
}

func convertResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{}
	if resp.UsageMetadata != nil {
		out.Usage = model.Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}
	candidate := resp.Candidates[0]
	out.FinishReason = fmt.Sprintf("%v", candidate.FinishReason)
	if candidate.Content == nil {
		return out
	}
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(text)
		}
	}
	return out
}

func genaiInt32(n int) *int32 {
	v := int32(n)
	return &v
}

func classifyGoogleErr(err error) *model.ProviderError {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "safety"):
		return &model.ProviderError{Message: "google content blocked by safety filter", Cause: err}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &model.ProviderError{StatusCode: 429, Message: "google API rate limited", Cause: err}
	case strings.Contains(msg, "token") && strings.Contains(msg, "exceed"):
		return &model.ProviderError{TokenLimit: true, Message: "google token limit exceeded", Cause: err}
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &model.ProviderError{Timeout: true, Message: "google request timed out", Cause: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "refused") || strings.Contains(msg, "no such host"):
		return &model.ProviderError{Unavailable: true, Message: "google connection failed", Cause: err}
	default:
		return &model.ProviderError{Message: "google API error", Cause: err}
	}
}
