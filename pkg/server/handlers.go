package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pario-ai/tenantgate/pkg/models"
	"github.com/pario-ai/tenantgate/pkg/normalize"
)

// completionBody is the body of POST /v1/completions. The tenant comes
// from the caller's credentials, never from the body.
type completionBody struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// overrideBody is the body of POST /v1/admin/tenants/{id}/override.
type overrideBody struct {
	Limit *float64 `json:"limit,omitempty"`
}

func (s *Server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var body completionBody
	if err := decodeBody(w, r, &body); err != nil {
		s.handleError(w, r, fmt.Errorf("%w: invalid JSON body: %v", models.ErrBadRequest, err))
		return
	}

	claim := claimFrom(r.Context())
	resp, err := s.gw.Complete(r.Context(), models.CompletionRequest{
		TenantID:    claim.TenantID,
		UserID:      claim.UserID,
		RequestID:   requestIDFrom(r.Context()),
		Model:       body.Model,
		Prompt:      body.Prompt,
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	setOutcomeHeaders(w, resp)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var body models.ChatCompletionRequest
	if err := decodeBody(w, r, &body); err != nil {
		s.handleError(w, r, fmt.Errorf("%w: invalid JSON body: %v", models.ErrBadRequest, err))
		return
	}
	if body.Stream {
		s.handleError(w, r, fmt.Errorf("%w: streaming is not supported", models.ErrBadRequest))
		return
	}

	claim := claimFrom(r.Context())
	user := claim.UserID
	if user == "" {
		user = body.User
	}
	resp, err := s.gw.Complete(r.Context(), models.CompletionRequest{
		TenantID:    claim.TenantID,
		UserID:      user,
		RequestID:   requestIDFrom(r.Context()),
		Model:       body.Model,
		Prompt:      normalize.Flatten(body.Messages),
		MaxTokens:   body.MaxTokens,
		Temperature: body.Temperature,
	})
	if err != nil {
		s.handleError(w, r, err)
		return
	}

	setOutcomeHeaders(w, resp)
	u := resp.Usage
	writeJSON(w, http.StatusOK, models.ChatCompletionResponse{
		ID:      "chatcmpl-" + resp.RequestID,
		Object:  "chat.completion",
		Created: s.now().Unix(),
		Model:   resp.Model,
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.ChatMessage{Role: "assistant", Content: resp.Text},
			FinishReason: "stop",
		}},
		Usage: &u,
	})
}

func setOutcomeHeaders(w http.ResponseWriter, resp *models.CompletionResponse) {
	if resp.Cached {
		w.Header().Set("X-Gateway-Cache", string(models.CacheHit))
	} else {
		w.Header().Set("X-Gateway-Cache", string(models.CacheMiss))
	}
	if resp.NearLimit {
		w.Header().Set("X-Budget-Near-Limit", "true")
	}
}

func (s *Server) handleOwnBudget(w http.ResponseWriter, r *http.Request) {
	s.writeBudget(w, r, claimFrom(r.Context()).TenantID)
}

func (s *Server) handleTenantBudget(w http.ResponseWriter, r *http.Request) {
	s.writeBudget(w, r, chi.URLParam(r, "id"))
}

func (s *Server) writeBudget(w http.ResponseWriter, r *http.Request, tenantID string) {
	bc, err := s.gw.BudgetCheck(r.Context(), tenantID)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bc)
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	var body overrideBody
	if err := decodeBody(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
		s.handleError(w, r, fmt.Errorf("%w: invalid JSON body: %v", models.ErrBadRequest, err))
		return
	}
	if body.Limit != nil && *body.Limit < 0 {
		s.handleError(w, r, fmt.Errorf("%w: limit must not be negative", models.ErrBadRequest))
		return
	}

	t, err := s.gw.Override(r.Context(), chi.URLParam(r, "id"), body.Limit)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	q, err := parseUsageQuery(r)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	recs, err := s.gw.Usage(r.Context(), q)
	if err != nil {
		s.handleError(w, r, err)
		return
	}
	if recs == nil {
		recs = []models.UsageRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

func parseUsageQuery(r *http.Request) (models.UsageQuery, error) {
	v := r.URL.Query()
	q := models.UsageQuery{TenantID: v.Get("tenant_id")}
	var err error
	if q.Since, err = parseTime(v.Get("since")); err != nil {
		return q, fmt.Errorf("%w: since: %v", models.ErrBadRequest, err)
	}
	if q.Until, err = parseTime(v.Get("until")); err != nil {
		return q, fmt.Errorf("%w: until: %v", models.ErrBadRequest, err)
	}
	if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
		return q, fmt.Errorf("%w: until is before since", models.ErrBadRequest)
	}
	if q.Limit, err = parseLimit(v.Get("limit")); err != nil {
		return q, err
	}
	return q, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", models.ErrBadRequest)
	}
	return n, nil
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := []models.BudgetAlert{}
	if s.alerts != nil {
		v := r.URL.Query()
		limit, err := parseLimit(v.Get("limit"))
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		list, err := s.alerts.List(r.Context(), models.AlertQuery{
			TenantID:       v.Get("tenant_id"),
			Unacknowledged: v.Get("unacknowledged") == "true",
			Limit:          limit,
		})
		if err != nil {
			s.handleError(w, r, err)
			return
		}
		if list != nil {
			alerts = list
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) handleAckAlert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.alerts == nil {
		writeError(w, http.StatusNotFound, models.ClassBadRequest, "alert_not_found", "alert not found")
		return
	}
	if err := s.alerts.Ack(r.Context(), id); err != nil {
		s.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "acknowledged": true})
}
