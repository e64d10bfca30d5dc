package anthropic

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Client is the Anthropic Messages API gateway.
type Client struct {
	secret     *paramstore.Secret
	baseURL    string
	httpClient *http.Client
	maxTokens  int64

	mu  sync.Mutex
	api *anthropic.Client
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

// WithMaxTokens caps the reply length; the Messages API requires a cap.
func WithMaxTokens(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

func NewClient(secret *paramstore.Secret, opts ...Option) (*Client, error) {
	if secret == nil {
		return nil, errors.New("anthropic: secret must not be nil")
	}
	c := &Client{secret: secret, maxTokens: defaultMaxTokens}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*anthropic.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.secret.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("anthropic: resolve api key: %w", err)
	}
	// Provider errors are surfaced, never retried.
	opts := []option.RequestOption{option.WithAPIKey(key), option.WithMaxRetries(0)}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	}
	api := anthropic.NewClient(opts...)
	c.api = &api
	return c.api, nil
}

func (c *Client) Ready(ctx context.Context, _ string) error {
	_, err := c.client(ctx)
	return err
}

func (c *Client) params(model string, messages []domain.ChatMessage) anthropic.MessageNewParams {
	return anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: c.maxTokens,
		Messages:  toAnthropicMessages(messages),
	}
}

// Stream opens a streaming message. The first event is read eagerly so that
// request rejections surface here instead of on the first Recv.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage, _ domain.CompletionOptions) (domain.FragmentStream, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	s := &fragmentStream{stream: api.Messages.NewStreaming(ctx, c.params(model, messages))}
	if s.stream.Next() {
		s.pending = true
		return s, nil
	}
	if err := s.stream.Err(); err != nil {
		_ = s.stream.Close()
		return nil, wrapError(err)
	}
	return s, nil
}

func (c *Client) Complete(ctx context.Context, model string, messages []domain.ChatMessage, _ domain.CompletionOptions) (domain.Completion, error) {
	api, err := c.client(ctx)
	if err != nil {
		return domain.Completion{}, err
	}
	msg, err := api.Messages.New(ctx, c.params(model, messages))
	if err != nil {
		return domain.Completion{}, wrapError(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	return domain.Completion{
		Text:         sb.String(),
		Model:        string(msg.Model),
		FinishReason: string(msg.StopReason),
		Usage: &domain.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

type fragmentStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	pending bool
}

func (s *fragmentStream) next() bool {
	if s.pending {
		s.pending = false
		return true
	}
	return s.stream.Next()
}

func (s *fragmentStream) Recv() (string, error) {
	for s.next() {
		event, ok := s.stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := event.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			return delta.Text, nil
		}
	}
	if err := s.stream.Err(); err != nil {
		return "", wrapError(err)
	}
	return "", io.EOF
}

func (s *fragmentStream) Close() error {
	return s.stream.Close()
}

func toAnthropicMessages(messages []domain.ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case string(domain.RoleUser):
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case string(domain.RoleAssistant):
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return out
}

func wrapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: providerName, StatusCode: apiErr.StatusCode, Message: apiErr.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ProviderError{Provider: providerName, Message: err.Error(), Err: err}
}
