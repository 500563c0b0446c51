package invoker

import (
	"context"
	"strings"

	"github.com/pario-ai/tenantgate/pkg/normalize"
)

// EchoBackend answers every call with its own prompt. It is deterministic
// and needs no network, for local runs and demos.
type EchoBackend struct {
	name string
}

// NewEchoBackend creates an EchoBackend.
func NewEchoBackend(name string) *EchoBackend {
	return &EchoBackend{name: name}
}

func (e *EchoBackend) Name() string { return e.name }

func (e *EchoBackend) Complete(ctx context.Context, call Call) (Completion, error) {
	if err := ctx.Err(); err != nil {
		return Completion{}, err
	}
	text := call.Prompt
	tokens := normalize.EstimateTokens(text)
	if call.MaxTokens > 0 && tokens > call.MaxTokens {
		text = strings.ToValidUTF8(text[:min(len(text), call.MaxTokens*4)], "")
		tokens = call.MaxTokens
	}
	return Completion{
		Text:             text,
		PromptTokens:     normalize.EstimateTokens(call.Prompt),
		CompletionTokens: tokens,
	}, nil
}
