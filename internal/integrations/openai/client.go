package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	goopenai "github.com/sashabaranov/go-openai"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
)

const providerName = "openai"

// Client is the OpenAI chat completions gateway. Any OpenAI-compatible
// endpoint works through WithBaseURL.
type Client struct {
	secret     *paramstore.Secret
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	api *goopenai.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client whose API key comes from secret. The key is
// resolved on first use.
func NewClient(secret *paramstore.Secret, opts ...Option) (*Client, error) {
	if secret == nil {
		return nil, errors.New("openai: secret must not be nil")
	}
	c := &Client{secret: secret, baseURL: "https://api.openai.com/v1"}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// apiBaseURL normalizes base so that it always ends in /v1.
func apiBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		return "https://api.openai.com/v1"
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

func (c *Client) client(ctx context.Context) (*goopenai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.secret.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api key: %w", err)
	}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = apiBaseURL(c.baseURL)
	if c.httpClient != nil {
		cfg.HTTPClient = c.httpClient
	}
	c.api = goopenai.NewClientWithConfig(cfg)
	return c.api, nil
}

// Ready reports whether credentials are available.
func (c *Client) Ready(ctx context.Context, _ string) error {
	_, err := c.client(ctx)
	return err
}

// AcceptsReasoningEffort reports whether model takes a reasoning_effort hint.
func AcceptsReasoningEffort(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func (c *Client) request(model string, messages []domain.ChatMessage, opts domain.CompletionOptions) goopenai.ChatCompletionRequest {
	req := goopenai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	if opts.ReasoningEffort != "" && AcceptsReasoningEffort(model) {
		req.ReasoningEffort = opts.ReasoningEffort
	}
	return req
}

// Stream opens a streaming completion. Provider rejections (auth, quota)
// are returned here, before any fragment is produced.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.FragmentStream, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	req := c.request(model, messages, opts)
	req.Stream = true
	stream, err := api.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, wrapError(err)
	}
	return &fragmentStream{stream: stream}, nil
}

// Complete runs a non-streaming completion.
func (c *Client) Complete(ctx context.Context, model string, messages []domain.ChatMessage, opts domain.CompletionOptions) (domain.Completion, error) {
	api, err := c.client(ctx)
	if err != nil {
		return domain.Completion{}, err
	}
	resp, err := api.CreateChatCompletion(ctx, c.request(model, messages, opts))
	if err != nil {
		return domain.Completion{}, wrapError(err)
	}
	if len(resp.Choices) == 0 {
		return domain.Completion{}, &domain.ProviderError{Provider: providerName, Message: "no choices in response"}
	}
	return domain.Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        resp.Model,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: &domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

type fragmentStream struct {
	stream *goopenai.ChatCompletionStream
}

func (s *fragmentStream) Recv() (string, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", wrapError(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		// Role-only and empty keep-alive deltas carry no text.
		if content := resp.Choices[0].Delta.Content; content != "" {
			return content, nil
		}
	}
}

func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

func toOpenAIMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, len(messages))
	for i, m := range messages {
		out[i] = goopenai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

// wrapError converts go-openai errors into a ProviderError carrying the HTTP
// status and the provider's own message.
func wrapError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: providerName, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message, Err: err}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		msg := http.StatusText(reqErr.HTTPStatusCode)
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
		return &domain.ProviderError{Provider: providerName, StatusCode: reqErr.HTTPStatusCode, Message: msg, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ProviderError{Provider: providerName, Message: err.Error(), Err: err}
}
