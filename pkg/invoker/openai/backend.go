// Package openai is an invoker backend for OpenAI-compatible APIs.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// Config holds the provider settings.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
}

// Backend sends prompts as single-message chat completions.
type Backend struct {
	name   string
	client *openai.Client
}

// New creates a Backend.
func New(cfg Config) *Backend {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	return &Backend{name: name, client: openai.NewClientWithConfig(clientCfg)}
}

func (b *Backend) Name() string { return b.name }

// Complete implements invoker.Backend. The tenant namespace is sent as the
// end-user identifier so upstream abuse tracking stays per tenant.
func (b *Backend) Complete(ctx context.Context, call invoker.Call) (invoker.Completion, error) {
	req := openai.ChatCompletionRequest{
		Model: call.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: call.Prompt},
		},
		MaxTokens: call.MaxTokens,
		User:      endUser(call.Tenant),
	}
	if call.Temperature != nil {
		req.Temperature = float32(*call.Temperature)
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return invoker.Completion{}, parseAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return invoker.Completion{}, fmt.Errorf("%w: %s: empty choices", models.ErrInvokerUnavailable, b.name)
	}
	return invoker.Completion{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func endUser(tc models.TenantContext) string {
	if tc.Isolation.Namespace != "" {
		return tc.Isolation.Namespace
	}
	return tc.TenantID
}

// parseAPIError maps go-openai errors onto the invoker taxonomy by status.
func parseAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return invoker.StatusError(apiErr.HTTPStatusCode, apiErr.Message)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		detail := extractDetail(reqErr.Body)
		if detail == "" {
			detail = string(reqErr.Body)
		}
		return invoker.StatusError(reqErr.HTTPStatusCode, detail)
	}

	// Transport failures (including context deadlines) are left for the
	// invoker to classify.
	return err
}

// extractDetail pulls "detail" out of non-OpenAI error bodies.
func extractDetail(body []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		return parsed.Detail
	}
	return ""
}
