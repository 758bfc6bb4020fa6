package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"forge/internal/config"
	forgeerrors "forge/internal/errors"
)

func newBackend(t *testing.T, handler http.HandlerFunc) (Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewHTTPClient(config.LLMConfig{
		APIURL:         server.URL,
		APIKey:         "test-key",
		Model:          "test-model",
		RequestTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestNewHTTPClient_RequiresCredentials(t *testing.T) {
	t.Parallel()

	if _, err := NewHTTPClient(config.LLMConfig{APIURL: "http://x"}); err == nil {
		t.Fatal("missing api key must be rejected")
	}
	if _, err := NewHTTPClient(config.LLMConfig{APIKey: "k"}); err == nil {
		t.Fatal("missing api url must be rejected")
	}
}

func TestComplete_ParsesContentAndTruncation(t *testing.T) {
	t.Parallel()

	client, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"hello"},"finish_reason":"length"}]}`))
	})

	resp, err := client.Complete(context.Background(), Request{System: "s", User: "u"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "hello" || !resp.Truncated {
		t.Fatalf("resp = %+v", resp)
	}
}

func TestComplete_SurfacesHTTPStatus(t *testing.T) {
	t.Parallel()

	client, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := client.Complete(context.Background(), Request{User: "u"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !forgeerrors.IsTransient(err) {
		t.Fatalf("503 should classify as transient: %v", err)
	}
}

func TestComplete_RejectsEmptyChoices(t *testing.T) {
	t.Parallel()

	client, _ := newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	})
	if _, err := client.Complete(context.Background(), Request{User: "u"}); err == nil {
		t.Fatal("empty choices must error")
	}
}

func TestRetryClient_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	mock := NewMock(
		Fail(&HTTPStatusError{StatusCode: http.StatusBadGateway, Status: "502"}),
		Text("recovered"),
	)
	client := NewRetryClient(mock, forgeerrors.RetryConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	})

	resp, err := client.Complete(context.Background(), Request{User: "u"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Content != "recovered" || len(mock.Requests) != 2 {
		t.Fatalf("resp = %+v, requests = %d", resp, len(mock.Requests))
	}
}

func TestEstimateTokens_NonZero(t *testing.T) {
	t.Parallel()

	if EstimateTokens(Request{System: "system prompt", User: "user prompt"}) <= 0 {
		t.Fatal("estimate must be positive for non-empty text")
	}
}
