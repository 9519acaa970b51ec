package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error when api key is missing")
	}
}

func TestGenerateSendsSchemaAndJSONMode(t *testing.T) {
	var captured struct {
		Authorization string
		Body          chatRequest
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		captured.Authorization = r.Header.Get("Authorization")
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&captured.Body); err != nil {
			t.Errorf("failed to decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": ` {"selected_task_id":"1"} `}},
			},
		})
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	resp, err := client.Generate(context.Background(), llm.Request{
		Purpose: llm.PurposeSelectTask,
		System:  "pick one",
		User:    "tasks...",
		Schema:  json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"selected_task_id":"1"}` {
		t.Fatalf("unexpected content: %q", resp.Content)
	}
	if captured.Authorization != "Bearer test" {
		t.Fatalf("authorization header missing: %q", captured.Authorization)
	}
	if captured.Body.Model != defaultModelName {
		t.Fatalf("expected default model, got %q", captured.Body.Model)
	}
	if captured.Body.ResponseFormat["type"] != "json_object" {
		t.Fatalf("json mode not requested: %+v", captured.Body.ResponseFormat)
	}
	if len(captured.Body.Messages) != 2 || !strings.Contains(captured.Body.Messages[0].Content, `{"type":"object"}`) {
		t.Fatalf("schema missing from system prompt: %+v", captured.Body.Messages)
	}
}

func TestGenerateHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()

	if _, err := client.Generate(context.Background(), llm.Request{User: "test"}); err == nil {
		t.Fatalf("expected error when http status is not success")
	}
}

func TestGenerateEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := client.Generate(context.Background(), llm.Request{}); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(Config{APIKey: "test", BaseURL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	client.httpClient = srv.Client()
	return client
}

func TestGenerateReportsUsage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"model":"gpt-4o-mini-2024","choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"{}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`))
	})

	resp, err := client.Generate(context.Background(), llm.Request{User: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Model != "gpt-4o-mini-2024" || resp.Usage.TotalTokens != 15 || resp.Usage.PromptTokens != 12 {
		t.Fatalf("usage not decoded: %+v", resp)
	}
}

func TestGenerateAPIErrorMessage(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"rate_limit_error"}}`))
	})

	_, err := client.Generate(context.Background(), llm.Request{User: "x"})
	if !xerrors.HasCode(err, xerrors.CodeReasoningFailed) {
		t.Fatalf("expected reasoning failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "Rate limit reached") {
		t.Fatalf("api error message missing: %v", err)
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("429 should be marked retryable")
	}
	if xe, _ := xerrors.From(err); xe.Metadata()["status"] != "429" {
		t.Fatalf("status metadata missing: %v", xe.Metadata())
	}
}

func TestGenerateTruncatedOutput(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"length","message":{"content":"{\"selected"}}]}`))
	})

	_, err := client.Generate(context.Background(), llm.Request{User: "x"})
	if !xerrors.HasCode(err, xerrors.CodeMalformedReasoningOutput) {
		t.Fatalf("expected malformed output for truncated response, got %v", err)
	}
}
