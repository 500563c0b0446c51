// Package anthropic is an invoker backend for the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"

	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/models"
)

// defaultMaxTokens is used when a call carries no bound; the API requires one.
const defaultMaxTokens = 1024

// Config holds the provider settings.
type Config struct {
	Name    string
	APIKey  string
	BaseURL string
}

// Backend sends prompts as single user messages.
type Backend struct {
	name   string
	client anthropic.Client
}

// New creates a Backend. SDK retries are disabled; the invoker owns them.
func New(cfg Config) *Backend {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	name := cfg.Name
	if name == "" {
		name = "anthropic"
	}
	return &Backend{name: name, client: anthropic.NewClient(opts...)}
}

func (b *Backend) Name() string { return b.name }

// Complete implements invoker.Backend.
func (b *Backend) Complete(ctx context.Context, call invoker.Call) (invoker.Completion, error) {
	maxTokens := call.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(call.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(call.Prompt)),
		},
	}
	if call.Temperature != nil {
		params.Temperature = param.NewOpt(*call.Temperature)
	}
	if user := endUser(call.Tenant); user != "" {
		params.Metadata = anthropic.MetadataParam{UserID: param.NewOpt(user)}
	}

	msg, err := b.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return invoker.Completion{}, invoker.StatusError(apiErr.StatusCode, errorDetail(apiErr))
		}
		return invoker.Completion{}, err
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return invoker.Completion{
		Text:             text.String(),
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
	}, nil
}

func endUser(tc models.TenantContext) string {
	if tc.Isolation.Namespace != "" {
		return tc.Isolation.Namespace
	}
	return tc.TenantID
}

func errorDetail(err *anthropic.Error) string {
	if raw := err.RawJSON(); raw != "" {
		return raw
	}
	return err.Error()
}
