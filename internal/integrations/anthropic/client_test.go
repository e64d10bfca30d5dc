package anthropic

import (
	"context"
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

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		paramstore.Static("sk-ant-test"),
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithMaxTokens(256),
	)
	require.NoError(t, err)
	return c
}

func TestNewClient_NilSecret(t *testing.T) {
	_, err := NewClient(nil)
	require.Error(t, err)
}

func TestReady_MissingKey(t *testing.T) {
	c, err := NewClient(paramstore.NewSecret(nil, "", ""))
	require.NoError(t, err)
	require.ErrorIs(t, c.Ready(context.Background(), "claude-sonnet-4-5"), paramstore.ErrMissingSecret)
}

func TestToAnthropicMessages_DropsUnknownRoles(t *testing.T) {
	out := toAnthropicMessages([]domain.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "system", Content: "ignored"},
		{Role: "assistant", Content: "hello"},
	})
	require.Len(t, out, 2)
}

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		require.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-mock",
			"content": [{"type": "text", "text": "Paris."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 5, "output_tokens": 2}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Complete(context.Background(), "claude-mock", []domain.ChatMessage{{Role: "user", Content: "capital of France?"}}, domain.CompletionOptions{})
	require.NoError(t, err)
	require.Equal(t, "Paris.", out.Text)
	require.Equal(t, "end_turn", out.FinishReason)
	require.Equal(t, 7, out.Usage.TotalTokens)
}

func TestClient_Stream_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		events := []struct{ name, data string }{
			{"message_start", `{"type":"message_start","message":{"id":"msg_1","type":"message","role":"assistant","model":"claude-mock","content":[],"usage":{"input_tokens":3,"output_tokens":0}}}`},
			{"content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hel"}}`},
			{"content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`},
			{"content_block_stop", `{"type":"content_block_stop","index":0}`},
			{"message_stop", `{"type":"message_stop"}`},
		}
		for _, e := range events {
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.name, e.data)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	s, err := c.Stream(context.Background(), "claude-mock", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.CompletionOptions{})
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	var got []string
	for {
		f, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}
	require.Equal(t, []string{"Hel", "lo"}, got)
}

func TestClient_Complete_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Number of request tokens has exceeded your rate limit"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), "claude-mock", []domain.ChatMessage{{Role: "user", Content: "hi"}}, domain.CompletionOptions{})
	require.Error(t, err)
	var perr *domain.ProviderError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusTooManyRequests, perr.HTTPStatusCode())
}
