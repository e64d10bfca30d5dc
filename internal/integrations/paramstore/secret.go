package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ErrMissingSecret is returned when a secret has neither a static value nor
// a parameter to load it from.
var ErrMissingSecret = errors.New("paramstore: secret not configured")

// ssmAPI is the minimal AWS SSM interface required by Secret.
// *ssm.Client from aws-sdk-go-v2 satisfies this interface.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// tokenPayload is the expected JSON shape stored in SSM for API tokens.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret resolves a provider API token. A static value wins; otherwise the
// token is read from a SecureString parameter on first use. Only successful
// lookups are cached, so a transient SSM failure is retried on the next call.
type Secret struct {
	api  ssmAPI
	name string

	mu    sync.Mutex
	value string
}

// NewSecret returns a Secret. Either static or api+name must be set for
// Resolve to succeed; that is checked lazily so providers nobody calls can
// be wired without credentials.
func NewSecret(api ssmAPI, name, static string) *Secret {
	return &Secret{
		api:   api,
		name:  strings.TrimSpace(name),
		value: strings.TrimSpace(static),
	}
}

// Static returns a Secret that always resolves to token.
func Static(token string) *Secret {
	return NewSecret(nil, "", token)
}

// Resolve returns the token.
func (s *Secret) Resolve(ctx context.Context) (string, error) {
	if s == nil {
		return "", ErrMissingSecret
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value != "" {
		return s.value, nil
	}
	if s.api == nil || s.name == "" {
		return "", ErrMissingSecret
	}
	raw, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}
	var tp tokenPayload
	if err := json.Unmarshal([]byte(raw), &tp); err != nil {
		return "", fmt.Errorf("paramstore: unmarshal %q as JSON: %w", s.name, err)
	}
	token := strings.TrimSpace(tp.Token)
	if token == "" {
		return "", fmt.Errorf("paramstore: token in %q is empty: %w", s.name, ErrMissingSecret)
	}
	s.value = token
	return token, nil
}

func (s *Secret) fetch(ctx context.Context) (string, error) {
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", s.name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: parameter %q missing value: %w", s.name, ErrMissingSecret)
	}
	return *out.Parameter.Value, nil
}
