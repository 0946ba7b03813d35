package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"line-relay/internal/domain"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	completionTimeout = 60 * time.Second
	imageTimeout      = 120 * time.Second
	transcribeTimeout = 60 * time.Second
	temperature       = 0.3
	audioFileName     = "audio.m4a"
)

// FallbackReply replaces an empty completion so users never get a blank message.
const FallbackReply = "すみません、応答できませんでした。"

// BackendError is returned when the backend answers with an error envelope.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	if e.StatusCode == 0 {
		return "openai: " + e.Message
	}
	return fmt.Sprintf("openai: status %d: %s", e.StatusCode, e.Message)
}

func (e *BackendError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI client for chat completions, image generation
// and audio transcription.
type Client struct {
	api             *goopenai.Client
	chatModel       string
	imageModel      string
	transcribeModel string
}

type options struct {
	baseURL         string
	httpClient      *http.Client
	chatModel       string
	imageModel      string
	transcribeModel string
}

type Option func(*options)

func WithBaseURL(baseURL string) Option {
	return func(o *options) {
		o.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(o *options) {
		o.httpClient = httpClient
	}
}

// WithModels overrides the chat, image and transcription models. Empty
// values keep the defaults.
func WithModels(chat, image, transcribe string) Option {
	return func(o *options) {
		if chat != "" {
			o.chatModel = chat
		}
		if image != "" {
			o.imageModel = image
		}
		if transcribe != "" {
			o.transcribeModel = transcribe
		}
	}
}

// NewClient creates a Client authenticated with apiKey. A missing key is not
// rejected here; the backend answers 401 and the caller reports it.
func NewClient(apiKey string, opts ...Option) *Client {
	o := options{
		baseURL:         defaultBaseURL,
		chatModel:       goopenai.GPT4o,
		imageModel:      goopenai.CreateImageModelDallE3,
		transcribeModel: goopenai.Whisper1,
	}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := goopenai.DefaultConfig(strings.TrimSpace(apiKey))
	cfg.BaseURL = normalizeBaseURL(o.baseURL)
	// Per-call contexts carry the deadlines.
	cfg.HTTPClient = withEnvelopeCheck(o.httpClient)
	return &Client{
		api:             goopenai.NewClientWithConfig(cfg),
		chatModel:       o.chatModel,
		imageModel:      o.imageModel,
		transcribeModel: o.transcribeModel,
	}
}

func normalizeBaseURL(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		return defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// Complete sends a conversation and returns the first choice's trimmed text,
// or FallbackReply when the backend produced nothing.
func (c *Client) Complete(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, completionTimeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       c.chatModel,
		Messages:    toChatCompletionMessages(messages),
		Temperature: temperature,
	})
	if err != nil {
		return "", wrapError("chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return FallbackReply, nil
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return FallbackReply, nil
	}
	return text, nil
}

// GenerateImage renders one standard-quality 1024x1024 image and returns its URL.
func (c *Client) GenerateImage(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, imageTimeout)
	defer cancel()

	resp, err := c.api.CreateImage(ctx, goopenai.ImageRequest{
		Prompt:         prompt,
		Model:          c.imageModel,
		N:              1,
		Size:           goopenai.CreateImageSize1024x1024,
		Quality:        goopenai.CreateImageQualityStandard,
		ResponseFormat: goopenai.CreateImageResponseFormatURL,
	})
	if err != nil {
		return "", wrapError("image generation", err)
	}
	if len(resp.Data) == 0 || strings.TrimSpace(resp.Data[0].URL) == "" {
		return "", errors.New("openai: image generation returned no url")
	}
	return resp.Data[0].URL, nil
}

// Transcribe uploads audio as a multipart file and returns the transcript.
// An empty string means the backend produced no text.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, transcribeTimeout)
	defer cancel()

	resp, err := c.api.CreateTranscription(ctx, goopenai.AudioRequest{
		Model:    c.transcribeModel,
		FilePath: audioFileName,
		Reader:   bytes.NewReader(audio),
	})
	if err != nil {
		return "", wrapError("transcription", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

func toChatCompletionMessages(messages []domain.ChatMessage) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			msg.Content = m.Content
			out = append(out, msg)
			continue
		}
		for _, p := range m.Parts {
			switch p.Type {
			case domain.PartImage:
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: p.ImageURL, Detail: goopenai.ImageURLDetailAuto},
				})
			default:
				msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: p.Text,
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

// wrapError turns error envelopes, whatever their HTTP status, into
// BackendError and leaves transport failures wrapped.
func wrapError(op string, err error) error {
	var be *BackendError
	if errors.As(err, &be) {
		return be
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = op + " failed"
		}
		return &BackendError{StatusCode: apiErr.HTTPStatusCode, Message: msg}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &BackendError{StatusCode: reqErr.HTTPStatusCode, Message: reqErr.Error()}
	}
	return fmt.Errorf("openai: %s request failed: %w", op, err)
}
