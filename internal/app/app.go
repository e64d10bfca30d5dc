// Package app wires settings into a ready-to-serve handler. Both entry
// points share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"

	"chat-relay/handler"
	"chat-relay/internal/config"
	"chat-relay/internal/events"
	"chat-relay/internal/integrations/anthropic"
	"chat-relay/internal/integrations/gateway"
	"chat-relay/internal/integrations/gemini"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

// Parameter names under PARAM_PREFIX.
const (
	paramOpenAI    = "openai-token"
	paramAnthropic = "anthropic-token"
	paramGemini    = "gemini-token"
)

type App struct {
	Handler *handler.Handler
	Chat    *usecase.ChatService

	closers []io.Closer
}

// New builds the service. AWS configuration is loaded only when the
// DynamoDB backend or the parameter store is in use.
func New(ctx context.Context, s config.Settings, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{}

	var awsCfg *aws.Config
	if s.Store.Backend == config.BackendDynamoDB || s.Providers.ParamPrefix != "" {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: load AWS config: %w", err)
		}
		awsCfg = &cfg
	}

	var redisClient *redis.Client
	if s.Store.Backend == config.BackendRedis || s.Notify.Channel != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     s.Store.RedisAddr,
			Password: s.Store.RedisPassword,
			DB:       s.Store.RedisDB,
		})
		a.closers = append(a.closers, redisClient)
	}

	blobs, err := a.blobStore(s.Store, awsCfg, redisClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	store, err := repository.NewConversations(blobs, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	router, err := newGateway(s.Providers, awsCfg)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	notifier := events.Fanout{events.NewLogNotifier(logger)}
	if s.Notify.Channel != "" {
		pub, err := events.NewRedisPublisher(redisClient, s.Notify.Channel, logger)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		notifier = append(notifier, pub)
	}

	models := usecase.ModelPolicy{Default: s.Chat.DefaultModel, Allowed: s.Chat.AllowedModels}
	index, err := usecase.NewIndexService(store, models, notifier, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	chat, err := usecase.NewChatService(store, router, index, usecase.ChatOptions{
		Models:          models,
		MaxMessageLen:   s.Chat.MaxMessageLen,
		UpstreamTimeout: s.Chat.UpstreamTimeout,
	}, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	h, err := handler.NewHandler(chat, index, logger)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Handler = h
	a.Chat = chat
	logger.Info("service ready", "store_backend", s.Store.Backend, "default_model", models.Default, "delete_supported", store.SupportsDelete())
	return a, nil
}

func (a *App) blobStore(s config.StoreConfig, awsCfg *aws.Config, redisClient *redis.Client) (repository.BlobStore, error) {
	switch s.Backend {
	case config.BackendDynamoDB:
		return repository.New(awsdynamodb.NewFromConfig(*awsCfg), s.Table, repository.WithTTL(s.TTL))
	case config.BackendBolt:
		store, err := repository.OpenBolt(s.BoltPath)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store)
		return store, nil
	case config.BackendRedis:
		return repository.NewRedisStore(redisClient, s.RedisPrefix, s.TTL)
	case config.BackendMemory:
		return repository.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("app: unknown store backend %q", s.Backend)
	}
}

// newGateway routes claude* models to Anthropic, gemini* models to Gemini
// and everything else to the OpenAI-compatible endpoint.
func newGateway(p config.ProviderConfig, awsCfg *aws.Config) (*gateway.Router, error) {
	secret := func(name, static string) *paramstore.Secret {
		if awsCfg == nil {
			return paramstore.Static(static)
		}
		return paramstore.NewSecret(awsssm.NewFromConfig(*awsCfg), p.ParamName(name), static)
	}

	var openaiOpts []openai.Option
	if p.OpenAIBaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(p.OpenAIBaseURL))
	}
	oa, err := openai.NewClient(secret(paramOpenAI, p.OpenAIKey), openaiOpts...)
	if err != nil {
		return nil, err
	}
	an, err := anthropic.NewClient(secret(paramAnthropic, p.AnthropicKey), anthropic.WithMaxTokens(int64(p.AnthropicTokens)))
	if err != nil {
		return nil, err
	}
	ge, err := gemini.NewClient(secret(paramGemini, p.GeminiKey))
	if err != nil {
		return nil, err
	}
	return gateway.NewRouter(oa,
		gateway.Route{Prefix: "claude", Provider: an},
		gateway.Route{Prefix: "gemini", Provider: ge},
	)
}

// Close releases backend connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
