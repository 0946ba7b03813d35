// Package line talks to the LINE Messaging API: replying to events and
// downloading message content.
package line

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"line-relay/internal/domain"
	"line-relay/internal/retry"
)

const (
	defaultAPIBaseURL  = "https://api.line.me"
	defaultDataBaseURL = "https://api-data.line.me"

	replyTimeout        = 10 * time.Second
	fetchAttemptTimeout = 30 * time.Second
	fetchBackoffStep    = 500 * time.Millisecond
	defaultFetchTries   = 3

	// MaxTextRunes is the longest text message the platform accepts.
	MaxTextRunes     = 4999
	maxErrorBodyLen  = 500
	maxContentBytes  = 50 << 20
	defaultMediaType = "application/octet-stream"
)

// DeliveryError describes a reply the platform did not accept.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("line: reply rejected with status %d: %s", e.StatusCode, e.Body)
}

// ContentFetchError is returned once every content download attempt failed.
type ContentFetchError struct {
	MessageID string
	Attempts  int
	LastErr   string
}

func (e *ContentFetchError) Error() string {
	return fmt.Sprintf("line: content fetch for message %s failed after %d attempts (check the access token's permissions and the message id); last error: %s",
		e.MessageID, e.Attempts, e.LastErr)
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type imageMessage struct {
	Type               string `json:"type"`
	OriginalContentURL string `json:"originalContentUrl"`
	PreviewImageURL    string `json:"previewImageUrl"`
}

type replyRequest struct {
	ReplyToken string `json:"replyToken"`
	Messages   []any  `json:"messages"`
}

// Client is a bearer-authenticated LINE Messaging API client.
type Client struct {
	accessToken string
	apiBaseURL  string
	dataBaseURL string
	httpClient  *http.Client
	fetchPolicy retry.Policy
	sleep       retry.Sleeper
	maxContent  int64
	logger      *slog.Logger
}

type Option func(*Client)

func WithAPIBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimRight(strings.TrimSpace(baseURL), "/"); s != "" {
			c.apiBaseURL = s
		}
	}
}

func WithDataBaseURL(baseURL string) Option {
	return func(c *Client) {
		if s := strings.TrimRight(strings.TrimSpace(baseURL), "/"); s != "" {
			c.dataBaseURL = s
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithFetchAttempts sets how many times content download is tried.
func WithFetchAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.fetchPolicy.MaxAttempts = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client. An empty token is accepted so the relay can
// start and report its absence on the health endpoint.
func NewClient(accessToken string, opts ...Option) *Client {
	c := &Client{
		accessToken: accessToken,
		apiBaseURL:  defaultAPIBaseURL,
		dataBaseURL: defaultDataBaseURL,
		httpClient:  &http.Client{},
		fetchPolicy: retry.Policy{MaxAttempts: defaultFetchTries, Backoff: retry.Linear(fetchBackoffStep)},
		sleep:       retry.SleepContext,
		maxContent:  maxContentBytes,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "line"))
	return c
}

// ReplyText sends text for a reply token, truncated to MaxTextRunes.
func (c *Client) ReplyText(ctx context.Context, replyToken, text string) error {
	return c.reply(ctx, replyToken, textMessage{Type: "text", Text: domain.TruncateRunes(text, MaxTextRunes)})
}

// ReplyImage sends an image for a reply token. previewURL defaults to imageURL.
func (c *Client) ReplyImage(ctx context.Context, replyToken, imageURL, previewURL string) error {
	if previewURL == "" {
		previewURL = imageURL
	}
	c.logger.Info("replying with image", "image_url", imageURL)
	return c.reply(ctx, replyToken, imageMessage{Type: "image", OriginalContentURL: imageURL, PreviewImageURL: previewURL})
}

func (c *Client) reply(ctx context.Context, replyToken string, msg any) error {
	if strings.TrimSpace(replyToken) == "" {
		return errors.New("line: reply token must not be empty")
	}
	body, err := json.Marshal(replyRequest{ReplyToken: replyToken, Messages: []any{msg}})
	if err != nil {
		return fmt.Errorf("line: marshal reply: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiBaseURL+"/v2/bot/message/reply", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("line: create reply request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("line: reply request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyLen))
		return &DeliveryError{StatusCode: res.StatusCode, Body: string(buf)}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

// FetchContent downloads the binary content of messageID, retrying failed
// attempts with linear backoff.
func (c *Client) FetchContent(ctx context.Context, messageID string) (domain.Content, error) {
	if strings.TrimSpace(messageID) == "" {
		return domain.Content{}, errors.New("line: message id not found in event")
	}
	url := fmt.Sprintf("%s/v2/bot/message/%s/content", c.dataBaseURL, messageID)
	c.logger.Info("fetching content", "message_id", messageID, "has_token", c.accessToken != "")

	var out domain.Content
	err := retry.DoWithSleeper(ctx, c.fetchPolicy, c.sleep, func(ctx context.Context, attempt int) error {
		content, err := c.fetchOnce(ctx, url)
		if err != nil {
			c.logger.Warn("content fetch attempt failed", "message_id", messageID, "attempt", attempt+1, "err", err)
			return err
		}
		out = content
		return nil
	})
	if err != nil {
		fetchErr := &ContentFetchError{MessageID: messageID, Attempts: c.fetchPolicy.MaxAttempts, LastErr: err.Error()}
		var ex *retry.ExhaustedError
		if errors.As(err, &ex) && ex.Last != nil {
			fetchErr.Attempts = ex.Attempts
			fetchErr.LastErr = ex.Last.Error()
		}
		c.logger.Error("content fetch exhausted", "message_id", messageID, "attempts", fetchErr.Attempts, "err", fetchErr.LastErr)
		return domain.Content{}, fetchErr
	}
	c.logger.Info("content fetched", "message_id", messageID, "size", len(out.Data), "mime", out.MediaType)
	return out, nil
}

func (c *Client) fetchOnce(ctx context.Context, url string) (domain.Content, error) {
	ctx, cancel := context.WithTimeout(ctx, fetchAttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.Content{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Content{}, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBodyLen))
		body := string(buf)
		if body == "" {
			body = "No body"
		}
		return domain.Content{}, fmt.Errorf("status %d: %s", res.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, c.maxContent+1))
	if err != nil {
		return domain.Content{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(data)) > c.maxContent {
		return domain.Content{}, fmt.Errorf("content exceeds %d bytes", c.maxContent)
	}
	mediaType := res.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = defaultMediaType
	}
	return domain.Content{Data: data, MediaType: mediaType}, nil
}
