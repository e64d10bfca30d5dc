package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
)

// ---------------------------------------------------------------------------
// apiBaseURL helper
// ---------------------------------------------------------------------------

func TestAPIBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
		{"", "https://api.openai.com/v1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, apiBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestAcceptsReasoningEffort(t *testing.T) {
	require.True(t, AcceptsReasoningEffort("o3-mini"))
	require.True(t, AcceptsReasoningEffort("gpt-5"))
	require.True(t, AcceptsReasoningEffort("O4-mini"))
	require.False(t, AcceptsReasoningEffort("gpt-4o-mini"))
}

// ---------------------------------------------------------------------------
// NewClient / Ready
// ---------------------------------------------------------------------------

func TestNewClient_NilSecret(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nil")
}

func TestReady_MissingKey(t *testing.T) {
	c, err := NewClient(paramstore.NewSecret(nil, "", ""))
	require.NoError(t, err)
	err = c.Ready(context.Background(), "gpt-4o-mini")
	require.ErrorIs(t, err, paramstore.ErrMissingSecret)
}

// ---------------------------------------------------------------------------
// Stream / Complete against a fake server
// ---------------------------------------------------------------------------

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.Static("sk-test"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func writeSSE(w http.ResponseWriter, fragments ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-mock","choices":[{"index":0,"delta":{"role":"assistant"}}]}`+"\n\n")
	for _, f := range fragments {
		b, _ := json.Marshal(f)
		_, _ = fmt.Fprintf(w, `data: {"id":"c1","object":"chat.completion.chunk","model":"gpt-mock","choices":[{"index":0,"delta":{"content":%s}}]}`+"\n\n", b)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func drain(t *testing.T, s domain.FragmentStream) []string {
	t.Helper()
	var out []string
	for {
		f, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestClient_Stream_HappyPath(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeSSE(w, "Hel", "lo")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s, err := c.Stream(context.Background(), "gpt-mock", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.CompletionOptions{ReasoningEffort: "high"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	require.Equal(t, []string{"Hel", "lo"}, drain(t, s))
	require.Equal(t, true, body["stream"])
	require.NotContains(t, body, "reasoning_effort")
	msgs := body["messages"].([]any)
	require.Len(t, msgs, 1)
	require.Equal(t, map[string]any{"role": "user", "content": "hi"}, msgs[0])
}

func TestClient_Stream_ForwardsReasoningEffort(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeSSE(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s, err := c.Stream(context.Background(), "o3-mini", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.CompletionOptions{ReasoningEffort: "low"})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	require.Equal(t, []string{"ok"}, drain(t, s))
	require.Equal(t, "low", body["reasoning_effort"])
}

func TestClient_Stream_RejectedUpfront(t *testing.T) {
	cases := []struct {
		status int
		body   string
		msg    string
	}{
		{status: 429, body: `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota"}}`, msg: "You exceeded your current quota"},
		{status: 401, body: `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`, msg: "Incorrect API key provided"},
		{status: 500, body: `{"error":{"message":"internal server error","type":"server_error"}}`, msg: "internal server error"},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.Stream(context.Background(), "gpt-mock", nil, domain.CompletionOptions{})
			require.Error(t, err)
			var perr *domain.ProviderError
			require.ErrorAs(t, err, &perr)
			require.Equal(t, tc.status, perr.HTTPStatusCode())
			require.Equal(t, tc.msg, perr.ProviderMessage())
		})
	}
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"model": "gpt-mock-0613",
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Hello from mock" },
				"finish_reason": "stop"
			}],
			"usage": {"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Complete(context.Background(), "gpt-mock", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", out.Text)
	require.Equal(t, "stop", out.FinishReason)
	require.Equal(t, "gpt-mock-0613", out.Model)
	require.Equal(t, 7, out.Usage.TotalTokens)
}

func TestClient_Complete_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "gpt-mock", nil, domain.CompletionOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}

func TestClient_Complete_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(200)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Complete(context.Background(), "gpt-mock", nil, domain.CompletionOptions{})
	require.Error(t, err)
}
