// Package app wires configuration, storage and API clients into the webhook
// handler shared by the Lambda and local server binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"line-relay/handler"
	"line-relay/internal/config"
	"line-relay/internal/integrations/line"
	"line-relay/internal/integrations/openai"
	"line-relay/internal/repository"
	"line-relay/internal/usecase"
)

const (
	Name    = "LINE relay"
	Version = "1.0.0"
)

// Store is a history store that can also report whether its backing
// storage exists.
type Store interface {
	usecase.HistoryStore
	Exists(ctx context.Context) bool
}

// OpenStore opens the history store selected by cfg. dynamo is only called
// for the dynamodb backend. The returned close function is never nil.
func OpenStore(cfg config.Config, dynamo func() (*awsdynamodb.Client, error)) (Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.HistoryBackend {
	case config.BackendDynamoDB:
		if dynamo == nil {
			return nil, noop, errors.New("app: dynamodb client factory must not be nil")
		}
		api, err := dynamo()
		if err != nil {
			return nil, noop, fmt.Errorf("app: dynamodb client: %w", err)
		}
		store, err := repository.New(api, cfg.StateTable)
		if err != nil {
			return nil, noop, err
		}
		return store, noop, nil
	case config.BackendSQLite:
		store, err := repository.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, noop, err
		}
		return store, store.Close, nil
	default:
		return nil, noop, fmt.Errorf("app: unknown history backend %q", cfg.HistoryBackend)
	}
}

// NewHandler builds the dispatcher and its clients from cfg.
func NewHandler(cfg config.Config, store Store, logger *slog.Logger) (*handler.Handler, error) {
	if store == nil {
		return nil, errors.New("app: store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	lineClient := line.NewClient(cfg.LineChannelAccessToken,
		line.WithAPIBaseURL(cfg.LineAPIBaseURL),
		line.WithDataBaseURL(cfg.LineDataBaseURL),
		line.WithLogger(logger),
	)
	aiClient := openai.NewClient(cfg.OpenAIAPIKey,
		openai.WithBaseURL(cfg.OpenAIBaseURL),
		openai.WithModels(cfg.OpenAIChatModel, cfg.OpenAIImageModel, cfg.OpenAITranscribeModel),
	)

	if cfg.SigningSecret() == "" {
		logger.Warn("signature verification disabled")
	}
	dispatcher, err := usecase.NewDispatcher(store, aiClient, lineClient, lineClient, usecase.DispatcherConfig{
		Secret:        cfg.SigningSecret(),
		SystemPrompt:  cfg.SystemPrompt,
		StickerMode:   cfg.StickerReplyMode,
		HistoryWindow: cfg.HistoryWindow,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	return handler.NewHandler(dispatcher, handler.Health{
		Name:             Name,
		Version:          Version,
		HasLineToken:     strings.TrimSpace(cfg.LineChannelAccessToken) != "",
		HasOpenAIKey:     strings.TrimSpace(cfg.OpenAIAPIKey) != "",
		HasChannelSecret: strings.TrimSpace(cfg.LineChannelSecret) != "",
		HistoryBackend:   cfg.HistoryBackend,
		StoreExists:      store.Exists,
	}, handler.WithLogger(logger))
}
