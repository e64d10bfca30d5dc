package usecase

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	defaultModel      = "gpt-4o-mini"
	defaultMaxMessage = 32000
	maxTitleLen       = 60
)

var (
	modelPattern          = regexp.MustCompile(`^[A-Za-z0-9._-]{1,200}$`)
	conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

	reasoningEfforts = map[string]bool{"minimal": true, "low": true, "medium": true, "high": true}
)

// ModelPolicy decides which model identifiers callers may request.
type ModelPolicy struct {
	// Default is used when the caller names no model.
	Default string
	// Allowed, when non-empty, restricts requests to the listed models.
	Allowed []string
}

func (p ModelPolicy) defaultModel() string {
	if m := strings.TrimSpace(p.Default); m != "" {
		return m
	}
	return defaultModel
}

// resolve returns the model to use for a request naming model.
func (p ModelPolicy) resolve(model string) (string, *Error) {
	model = strings.TrimSpace(model)
	if model == "" {
		model = p.defaultModel()
	}
	if !modelPattern.MatchString(model) {
		return "", newError(ErrorInvalidInput, "invalid_model", nil)
	}
	if len(p.Allowed) == 0 {
		return model, nil
	}
	for _, allowed := range p.Allowed {
		if allowed == model {
			return model, nil
		}
	}
	return "", newError(ErrorInvalidInput, "model_not_allowed", nil)
}

func validateConversationID(id string) *Error {
	if !conversationIDPattern.MatchString(id) {
		return newError(ErrorInvalidInput, "invalid_conversation_id", nil)
	}
	return nil
}

func validateReasoningEffort(effort string) (string, *Error) {
	effort = strings.ToLower(strings.TrimSpace(effort))
	if effort == "" {
		return "", nil
	}
	if !reasoningEfforts[effort] {
		return "", newError(ErrorInvalidInput, "invalid_reasoning_effort", nil)
	}
	return effort, nil
}

// clipTitle trims s and caps it at maxTitleLen characters.
func clipTitle(s string) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= maxTitleLen {
		return s
	}
	return strings.TrimSpace(string([]rune(s)[:maxTitleLen]))
}
