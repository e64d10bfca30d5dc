// Package config loads service settings from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Settings holds everything the entry points need to wire the service.
type Settings struct {
	Store     StoreConfig
	Providers ProviderConfig
	Chat      ChatConfig
	Notify    NotifyConfig
}

type StoreConfig struct {
	Backend       string
	Table         string
	TTL           time.Duration
	BoltPath      string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// ProviderConfig carries API keys set directly in the environment and the
// parameter prefix used to look up the rest.
type ProviderConfig struct {
	ParamPrefix     string
	OpenAIKey       string
	OpenAIBaseURL   string
	AnthropicKey    string
	GeminiKey       string
	AnthropicTokens int
}

type ChatConfig struct {
	DefaultModel    string
	AllowedModels   []string
	MaxMessageLen   int
	UpstreamTimeout time.Duration
}

type NotifyConfig struct {
	// Channel is the Redis pub/sub channel; empty disables publishing.
	Channel string
}

// Load reads settings from the environment. defaultBackend applies when
// STORE_BACKEND is unset.
func Load(defaultBackend string) (Settings, error) {
	backend := strings.ToLower(getEnv("STORE_BACKEND", defaultBackend))
	switch backend {
	case BackendDynamoDB, BackendBolt, BackendRedis, BackendMemory:
	default:
		return Settings{}, fmt.Errorf("config: unknown STORE_BACKEND %q", backend)
	}

	ttl, err := getEnvDuration("STATE_TTL", 0)
	if err != nil {
		return Settings{}, err
	}
	redisDB, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return Settings{}, err
	}
	maxMessage, err := getEnvInt("MAX_MESSAGE_LENGTH", 32000)
	if err != nil {
		return Settings{}, err
	}
	timeout, err := getEnvDuration("UPSTREAM_TIMEOUT", 2*time.Minute)
	if err != nil {
		return Settings{}, err
	}
	anthropicTokens, err := getEnvInt("ANTHROPIC_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		Store: StoreConfig{
			Backend:       backend,
			Table:         os.Getenv("STATE_TABLE"),
			TTL:           ttl,
			BoltPath:      getEnv("BOLT_PATH", "data/chat-relay.db"),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: os.Getenv("REDIS_PASSWORD"),
			RedisDB:       redisDB,
			RedisPrefix:   getEnv("REDIS_PREFIX", "chat-relay:"),
		},
		Providers: ProviderConfig{
			ParamPrefix:     strings.TrimRight(strings.TrimSpace(os.Getenv("PARAM_PREFIX")), "/"),
			OpenAIKey:       os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:   os.Getenv("OPENAI_BASE_URL"),
			AnthropicKey:    os.Getenv("ANTHROPIC_API_KEY"),
			GeminiKey:       os.Getenv("GEMINI_API_KEY"),
			AnthropicTokens: anthropicTokens,
		},
		Chat: ChatConfig{
			DefaultModel:    getEnv("DEFAULT_MODEL", "gpt-4o-mini"),
			AllowedModels:   splitList(os.Getenv("ALLOWED_MODELS")),
			MaxMessageLen:   maxMessage,
			UpstreamTimeout: timeout,
		},
		Notify: NotifyConfig{Channel: strings.TrimSpace(os.Getenv("NOTIFY_CHANNEL"))},
	}

	if backend == BackendDynamoDB && s.Store.Table == "" {
		return Settings{}, fmt.Errorf("config: STATE_TABLE is required for the %s backend", backend)
	}
	return s, nil
}

// ParamName returns the SSM parameter holding secret under the prefix, or
// "" when no prefix is configured.
func (p ProviderConfig) ParamName(secret string) string {
	if p.ParamPrefix == "" {
		return ""
	}
	return p.ParamPrefix + "/" + secret
}

func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("config: %s must not be negative", key)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
