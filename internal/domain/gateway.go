package domain

import "fmt"

// FragmentStream is a finite, single-use sequence of assistant text
// fragments. Recv returns io.EOF once the provider signals completion.
// Close releases the upstream request and may be called at any time.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// ProviderError describes a rejection or failure reported by a completion
// provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: upstream error: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) HTTPStatusCode() int { return e.StatusCode }

func (e *ProviderError) ProviderMessage() string { return e.Message }
