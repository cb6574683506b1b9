package llmclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCompleteSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": `{"ok":true}`}},
			},
		})
	}))
	defer srv.Close()

	c := New("test-key", "gpt-4o-mini", srv.URL)
	text, err := c.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != `{"ok":true}` {
		t.Fatalf("unexpected content: %q", text)
	}
}

func TestCompleteHTTPErrorSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited"},
		})
	}))
	defer srv.Close()

	c := New("test-key", "gpt-4o-mini", srv.URL)
	_, err := c.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected error to surface status and message, got %q", err.Error())
	}
}

func TestCompleteNoRetryOnFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("test-key", "gpt-4o-mini", srv.URL)
	_, err := c.Complete(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one HTTP attempt, got %d", calls)
	}
}

func TestIsTimeoutErrSubstringMatch(t *testing.T) {
	cases := []string{
		"dial tcp: i/o timeout",
		"context deadline exceeded: timed out",
		"連線超時",
	}
	for _, msg := range cases {
		if !isTimeoutErr(errors.New(msg)) {
			t.Fatalf("expected %q to classify as timeout", msg)
		}
	}
	if isTimeoutErr(errors.New("connection refused")) {
		t.Fatal("did not expect connection refused to classify as timeout")
	}
}

func TestBuildFromEnvMissingAPIKey(t *testing.T) {
	getenv := func(key string) string { return "" }
	client, info := BuildFromEnv(getenv)
	if client != nil {
		t.Fatal("expected nil client without an api key")
	}
	if info.Reason != "missing_api_key" {
		t.Fatalf("expected missing_api_key, got %q", info.Reason)
	}
}

func TestBuildFromEnvDisabled(t *testing.T) {
	env := map[string]string{"POS_LLM_ENABLED": "false", "POS_LLM_API_KEY": "sk-test"}
	client, info := BuildFromEnv(func(k string) string { return env[k] })
	if client != nil {
		t.Fatal("expected nil client when disabled")
	}
	if info.Reason != "env_disabled" {
		t.Fatalf("expected env_disabled, got %q", info.Reason)
	}
}

func TestBuildFromEnvReady(t *testing.T) {
	env := map[string]string{"POS_LLM_API_KEY": "sk-test"}
	client, info := BuildFromEnv(func(k string) string { return env[k] })
	if client == nil {
		t.Fatal("expected a client")
	}
	if !info.Enabled || info.Reason != "ready" {
		t.Fatalf("expected enabled/ready runtime info, got %+v", info)
	}
}
