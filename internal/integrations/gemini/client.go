package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"sync"

	"google.golang.org/genai"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/paramstore"
)

const providerName = "gemini"

// Client is the Gemini API gateway.
type Client struct {
	secret     *paramstore.Secret
	baseURL    string
	httpClient *http.Client

	mu  sync.Mutex
	api *genai.Client
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

func NewClient(secret *paramstore.Secret, opts ...Option) (*Client, error) {
	if secret == nil {
		return nil, errors.New("gemini: secret must not be nil")
	}
	c := &Client{secret: secret}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) client(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.api != nil {
		return c.api, nil
	}
	key, err := c.secret.Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("gemini: resolve api key: %w", err)
	}
	cfg := &genai.ClientConfig{APIKey: key, Backend: genai.BackendGeminiAPI, HTTPClient: c.httpClient}
	if c.baseURL != "" {
		cfg.HTTPOptions.BaseURL = c.baseURL
	}
	api, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	c.api = api
	return api, nil
}

func (c *Client) Ready(ctx context.Context, _ string) error {
	_, err := c.client(ctx)
	return err
}

// Stream converts the SDK's push iterator into a pull stream. The first
// response is fetched eagerly so request rejections surface here.
func (c *Client) Stream(ctx context.Context, model string, messages []domain.ChatMessage, _ domain.CompletionOptions) (domain.FragmentStream, error) {
	api, err := c.client(ctx)
	if err != nil {
		return nil, err
	}
	next, stop := iter.Pull2(api.Models.GenerateContentStream(ctx, model, toContents(messages), nil))
	resp, err, ok := next()
	if !ok {
		stop()
		return &fragmentStream{next: next, stop: stop, done: true}, nil
	}
	if err != nil {
		stop()
		return nil, wrapError(err)
	}
	return &fragmentStream{next: next, stop: stop, first: resp}, nil
}

func (c *Client) Complete(ctx context.Context, model string, messages []domain.ChatMessage, _ domain.CompletionOptions) (domain.Completion, error) {
	api, err := c.client(ctx)
	if err != nil {
		return domain.Completion{}, err
	}
	resp, err := api.Models.GenerateContent(ctx, model, toContents(messages), nil)
	if err != nil {
		return domain.Completion{}, wrapError(err)
	}
	out := domain.Completion{Text: resp.Text(), Model: resp.ModelVersion}
	if len(resp.Candidates) > 0 {
		out.FinishReason = string(resp.Candidates[0].FinishReason)
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &domain.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out, nil
}

type fragmentStream struct {
	next  func() (*genai.GenerateContentResponse, error, bool)
	stop  func()
	first *genai.GenerateContentResponse
	done  bool
}

func (s *fragmentStream) Recv() (string, error) {
	for !s.done {
		resp := s.first
		s.first = nil
		if resp == nil {
			var err error
			var ok bool
			resp, err, ok = s.next()
			if !ok {
				s.done = true
				break
			}
			if err != nil {
				return "", wrapError(err)
			}
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *fragmentStream) Close() error {
	s.done = true
	s.stop()
	return nil
}

func toContents(messages []domain.ChatMessage) []*genai.Content {
	out := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		role := genai.RoleUser
		if m.Role == string(domain.RoleAssistant) {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Content, genai.Role(role)))
	}
	return out
}

func wrapError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &domain.ProviderError{Provider: providerName, StatusCode: apiErr.Code, Message: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &domain.ProviderError{Provider: providerName, StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message, Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &domain.ProviderError{Provider: providerName, Message: err.Error(), Err: err}
}
