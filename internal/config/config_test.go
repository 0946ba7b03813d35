package config

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"line-relay/internal/usecase"
)

var envKeys = []string{
	"LINE_CHANNEL_ACCESS_TOKEN", "LINE_CHANNEL_SECRET", "AUTH_DISABLED",
	"LINE_API_BASE_URL", "LINE_DATA_BASE_URL",
	"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_CHAT_MODEL", "OPENAI_IMAGE_MODEL", "OPENAI_TRANSCRIBE_MODEL",
	"SYSTEM_PROMPT", "STICKER_REPLY_MODE",
	"HISTORY_BACKEND", "STATE_TABLE", "SQLITE_PATH", "HISTORY_WINDOW",
	"PARAM_PREFIX", "SERVER_ADDR",
}

// clearEnv unsets every variable Load reads and restores them after the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

type stubGetter struct {
	vals  map[string]string
	err   error
	names []string
}

func (s *stubGetter) GetParameter(_ context.Context, name string) (string, error) {
	s.names = append(s.names, name)
	if s.err != nil {
		return "", s.err
	}
	v, ok := s.vals[name]
	if !ok {
		return "", errors.New("parameter not found: " + name)
	}
	return v, nil
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("LINE_CHANNEL_SECRET", "secret")

	cfg, err := Load(context.Background(), nil, BackendSQLite)
	require.NoError(t, err)
	require.Equal(t, "gpt-4o", cfg.OpenAIChatModel)
	require.Equal(t, "dall-e-3", cfg.OpenAIImageModel)
	require.Equal(t, "whisper-1", cfg.OpenAITranscribeModel)
	require.Equal(t, DefaultSystemPrompt, cfg.SystemPrompt)
	require.Equal(t, usecase.StickerModeImage, cfg.StickerReplyMode)
	require.Equal(t, BackendSQLite, cfg.HistoryBackend)
	require.Equal(t, "line_chat_history.db", cfg.SQLitePath)
	require.Equal(t, 20, cfg.HistoryWindow)
	require.Equal(t, ":8000", cfg.ServerAddr)
	require.False(t, cfg.AuthDisabled)
	require.Equal(t, "secret", cfg.SigningSecret())
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	t.Setenv("HISTORY_BACKEND", "DynamoDB")
	t.Setenv("STATE_TABLE", "line-history")
	t.Setenv("HISTORY_WINDOW", "8")
	t.Setenv("STICKER_REPLY_MODE", "text")
	t.Setenv("SYSTEM_PROMPT", "be brief")

	cfg, err := Load(context.Background(), nil, BackendSQLite)
	require.NoError(t, err)
	require.Equal(t, BackendDynamoDB, cfg.HistoryBackend)
	require.Equal(t, "line-history", cfg.StateTable)
	require.Equal(t, 8, cfg.HistoryWindow)
	require.Equal(t, usecase.StickerModeText, cfg.StickerReplyMode)
	require.Equal(t, "be brief", cfg.SystemPrompt)
}

func TestLoad_MissingSecretRequiresExplicitOptOut(t *testing.T) {
	clearEnv(t)
	_, err := Load(context.Background(), nil, BackendSQLite)
	require.Error(t, err)
	require.Contains(t, err.Error(), "AUTH_DISABLED")

	t.Setenv("AUTH_DISABLED", "true")
	cfg, err := Load(context.Background(), nil, BackendSQLite)
	require.NoError(t, err)
	require.True(t, cfg.AuthDisabled)
	require.Empty(t, cfg.SigningSecret())
}

func TestLoad_DynamoRequiresTable(t *testing.T) {
	clearEnv(t)
	t.Setenv("LINE_CHANNEL_SECRET", "secret")
	_, err := Load(context.Background(), nil, BackendDynamoDB)
	require.Error(t, err)
	require.Contains(t, err.Error(), "STATE_TABLE")
}

func TestLoad_RejectsUnknownValues(t *testing.T) {
	cases := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{name: "backend", key: "HISTORY_BACKEND", val: "redis", want: "HISTORY_BACKEND"},
		{name: "sticker mode", key: "STICKER_REPLY_MODE", val: "video", want: "STICKER_REPLY_MODE"},
		{name: "window", key: "HISTORY_WINDOW", val: "many", want: "parse env"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("LINE_CHANNEL_SECRET", "secret")
			t.Setenv(tc.key, tc.val)
			_, err := Load(context.Background(), nil, BackendSQLite)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoad_ResolvesMissingSecretsFromParameterStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARAM_PREFIX", "/line-relay/")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	getter := &stubGetter{vals: map[string]string{
		"/line-relay/line-channel-access-token": `{"token":"line-token"}`,
		"/line-relay/line-channel-secret":       "channel-secret\n",
	}}
	cfg, err := Load(context.Background(), getter, BackendSQLite)
	require.NoError(t, err)
	require.Equal(t, "line-token", cfg.LineChannelAccessToken)
	require.Equal(t, "channel-secret", cfg.LineChannelSecret)
	require.Equal(t, "sk-env", cfg.OpenAIAPIKey)
	require.Equal(t, []string{"/line-relay/line-channel-access-token", "/line-relay/line-channel-secret"}, getter.names)
}

func TestLoad_ParameterStoreFailure(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARAM_PREFIX", "/line-relay")
	getter := &stubGetter{err: errors.New("access denied")}

	_, err := Load(context.Background(), getter, BackendSQLite)
	require.Error(t, err)
	require.Contains(t, err.Error(), "line-channel-access-token")
	require.Contains(t, err.Error(), "access denied")
}

func TestLoad_NilGetterSkipsParameterStore(t *testing.T) {
	clearEnv(t)
	t.Setenv("PARAM_PREFIX", "/line-relay")
	t.Setenv("LINE_CHANNEL_SECRET", "secret")

	cfg, err := Load(context.Background(), nil, BackendSQLite)
	require.NoError(t, err)
	require.Empty(t, cfg.LineChannelAccessToken)
}
