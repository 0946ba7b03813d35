// Package config builds the relay's immutable runtime configuration from the
// process environment, optionally resolving credentials from SSM.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/caarlos0/env/v6"

	"line-relay/internal/integrations/paramstore"
	"line-relay/internal/usecase"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"

	defaultHistoryWindow = 20

	paramAccessToken   = "line-channel-access-token"
	paramChannelSecret = "line-channel-secret"
	paramOpenAIKey     = "openai-api-key"
)

// DefaultSystemPrompt is used when SYSTEM_PROMPT is unset.
const DefaultSystemPrompt = "あなたは親切で丁寧な日本語アシスタントです。ユーザーの質問に分かりやすく簡潔に答えてください。"

type Config struct {
	LineChannelAccessToken string `env:"LINE_CHANNEL_ACCESS_TOKEN"`
	LineChannelSecret      string `env:"LINE_CHANNEL_SECRET"`
	AuthDisabled           bool   `env:"AUTH_DISABLED" envDefault:"false"`
	LineAPIBaseURL         string `env:"LINE_API_BASE_URL"`
	LineDataBaseURL        string `env:"LINE_DATA_BASE_URL"`

	OpenAIAPIKey          string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL         string `env:"OPENAI_BASE_URL"`
	OpenAIChatModel       string `env:"OPENAI_CHAT_MODEL" envDefault:"gpt-4o"`
	OpenAIImageModel      string `env:"OPENAI_IMAGE_MODEL" envDefault:"dall-e-3"`
	OpenAITranscribeModel string `env:"OPENAI_TRANSCRIBE_MODEL" envDefault:"whisper-1"`

	SystemPrompt     string `env:"SYSTEM_PROMPT"`
	StickerReplyMode string `env:"STICKER_REPLY_MODE" envDefault:"image"`

	HistoryBackend string `env:"HISTORY_BACKEND"`
	StateTable     string `env:"STATE_TABLE"`
	SQLitePath     string `env:"SQLITE_PATH" envDefault:"line_chat_history.db"`
	HistoryWindow  int    `env:"HISTORY_WINDOW" envDefault:"20"`

	ParamPrefix string `env:"PARAM_PREFIX"`
	ServerAddr  string `env:"SERVER_ADDR" envDefault:":8000"`
}

// Load parses the environment. defaultBackend applies when HISTORY_BACKEND is
// unset. When PARAM_PREFIX is set, credentials missing from the environment
// are read from getter; a nil getter skips that step.
func Load(ctx context.Context, getter paramstore.Getter, defaultBackend string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.HistoryBackend == "" {
		cfg.HistoryBackend = defaultBackend
	}
	cfg.HistoryBackend = strings.ToLower(strings.TrimSpace(cfg.HistoryBackend))
	cfg.StickerReplyMode = strings.ToLower(strings.TrimSpace(cfg.StickerReplyMode))
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}

	if err := cfg.resolveSecrets(ctx, getter); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveSecrets(ctx context.Context, getter paramstore.Getter) error {
	prefix := strings.TrimRight(strings.TrimSpace(c.ParamPrefix), "/")
	if prefix == "" || getter == nil {
		return nil
	}
	targets := []struct {
		name string
		dst  *string
	}{
		{paramAccessToken, &c.LineChannelAccessToken},
		{paramChannelSecret, &c.LineChannelSecret},
		{paramOpenAIKey, &c.OpenAIAPIKey},
	}
	for _, t := range targets {
		if *t.dst != "" {
			continue
		}
		v, err := paramstore.GetToken(ctx, getter, prefix+"/"+t.name)
		if err != nil {
			return fmt.Errorf("config: resolve %s: %w", t.name, err)
		}
		*t.dst = v
	}
	return nil
}

func (c Config) validate() error {
	if c.LineChannelSecret == "" && !c.AuthDisabled {
		return errors.New("config: LINE_CHANNEL_SECRET is required unless AUTH_DISABLED=true")
	}
	switch c.HistoryBackend {
	case BackendDynamoDB:
		if strings.TrimSpace(c.StateTable) == "" {
			return errors.New("config: STATE_TABLE is required for the dynamodb history backend")
		}
	case BackendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite history backend")
		}
	default:
		return fmt.Errorf("config: unknown HISTORY_BACKEND %q", c.HistoryBackend)
	}
	switch c.StickerReplyMode {
	case usecase.StickerModeImage, usecase.StickerModeText:
	default:
		return fmt.Errorf("config: unknown STICKER_REPLY_MODE %q", c.StickerReplyMode)
	}
	return nil
}

// SigningSecret returns the secret used for signature checks. It is empty
// only when authentication was explicitly disabled.
func (c Config) SigningSecret() string {
	if c.AuthDisabled {
		return ""
	}
	return c.LineChannelSecret
}
