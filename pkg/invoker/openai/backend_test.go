package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pario-ai/tenantgate/pkg/invoker"
	"github.com/pario-ai/tenantgate/pkg/models"
)

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("unexpected auth header: %s", r.Header.Get("Authorization"))
		}
		var req struct {
			Model    string `json:"model"`
			User     string `json:"user"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" || req.User != "acme-ns" {
			t.Errorf("unexpected request: %+v", req)
		}
		if len(req.Messages) != 1 || req.Messages[0].Content != "U: hello" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 2, "total_tokens": 5}
		}`))
	}))
	defer server.Close()

	b := New(Config{Name: "primary", APIKey: "test-key", BaseURL: server.URL})
	comp, err := b.Complete(context.Background(), invoker.Call{
		Tenant: models.TenantContext{TenantID: "acme", Isolation: models.Isolation{Namespace: "acme-ns"}},
		Model:  "gpt-4o-mini",
		Prompt: "U: hello",
	})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if comp.Text != "hi there" || comp.PromptTokens != 3 || comp.CompletionTokens != 2 {
		t.Errorf("unexpected completion: %+v", comp)
	}
	if b.Name() != "primary" {
		t.Errorf("expected name primary, got %s", b.Name())
	}
}

func TestCompleteErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"bad request", 400, `{"error":{"message":"bad prompt","type":"invalid_request_error"}}`, models.ErrInvokerRejected},
		{"rate limited", 429, `{"error":{"message":"slow down","type":"rate_limit"}}`, models.ErrInvokerUnavailable},
		{"server error", 503, `{"detail":"overloaded"}`, models.ErrInvokerUnavailable},
		{"gateway timeout", 504, `{"detail":"upstream timeout"}`, models.ErrInvokerTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			b := New(Config{APIKey: "k", BaseURL: server.URL})
			_, err := b.Complete(context.Background(), invoker.Call{Model: "m", Prompt: "p"})
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}
