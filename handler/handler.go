package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"line-relay/internal/domain"
	"line-relay/internal/signature"
	"line-relay/internal/usecase"
)

const (
	// MaxBodyBytes caps inbound webhook payloads.
	MaxBodyBytes = 1 << 20

	correlationHeader = "X-Correlation-Id"

	errorNotFound         = "NOT_FOUND"
	errorMethodNotAllowed = "METHOD_NOT_ALLOWED"
	errorPayloadTooLarge  = "PAYLOAD_TOO_LARGE"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, body []byte, signatureHeader string) ([]domain.OutcomeRecord, error)
}

// Health describes what GET / and GET /health report. Credentials are
// reported by presence only.
type Health struct {
	Name             string
	Version          string
	HasLineToken     bool
	HasOpenAIKey     bool
	HasChannelSecret bool
	HistoryBackend   string
	StoreExists      func(ctx context.Context) bool
}

type Handler struct {
	dispatcher Dispatcher
	health     Health
	logger     *slog.Logger
}

type Option func(*Handler)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

type webhookResponse struct {
	Status  int                    `json:"status"`
	Results []domain.OutcomeRecord `json:"results"`
}

type rootResponse struct {
	Name      string            `json:"name"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Endpoints map[string]string `json:"endpoints"`
}

type healthResponse struct {
	Status           string `json:"status"`
	HasLineToken     bool   `json:"has_line_token"`
	HasOpenAIKey     bool   `json:"has_openai_key"`
	HasChannelSecret bool   `json:"has_channel_secret"`
	HistoryBackend   string `json:"history_backend"`
	StoreExists      bool   `json:"store_exists"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewHandler(d Dispatcher, health Health, opts ...Option) (*Handler, error) {
	if d == nil {
		return nil, errors.New("handler: dispatcher must not be nil")
	}
	if health.Name == "" {
		health.Name = "LINE relay"
	}
	if health.Version == "" {
		health.Version = "1.0.0"
	}
	h := &Handler{dispatcher: d, health: health, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, correlationHeader)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	logger := h.logger.With(slog.String("correlation_id", correlationID))

	path := strings.TrimRight(req.Path, "/")
	if path == "" {
		path = "/"
	}

	switch path {
	case "/webhook":
		if req.HTTPMethod != http.MethodPost {
			return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed}, correlationID), nil
		}
		return h.webhook(ctx, logger, req, correlationID), nil
	case "/":
		if req.HTTPMethod != http.MethodGet {
			return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed}, correlationID), nil
		}
		return jsonResponse(http.StatusOK, rootResponse{
			Name:    h.health.Name,
			Version: h.health.Version,
			Status:  "running",
			Endpoints: map[string]string{
				"webhook": "/webhook",
				"health":  "/health",
			},
		}, correlationID), nil
	case "/health":
		if req.HTTPMethod != http.MethodGet {
			return jsonResponse(http.StatusMethodNotAllowed, errorResponse{Error: errorMethodNotAllowed}, correlationID), nil
		}
		return jsonResponse(http.StatusOK, h.healthStatus(ctx), correlationID), nil
	default:
		return jsonResponse(http.StatusNotFound, errorResponse{Error: errorNotFound}, correlationID), nil
	}
}

func (h *Handler) webhook(ctx context.Context, logger *slog.Logger, req events.APIGatewayProxyRequest, correlationID string) events.APIGatewayProxyResponse {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return jsonResponse(http.StatusBadRequest, errorResponse{Error: string(usecase.ErrorMalformedRequest), Message: "invalid base64 body"}, correlationID)
		}
		body = decoded
	}
	if len(body) > MaxBodyBytes {
		return jsonResponse(http.StatusRequestEntityTooLarge, errorResponse{Error: errorPayloadTooLarge}, correlationID)
	}

	results, err := h.dispatcher.Dispatch(ctx, body, headerValue(req.Headers, signature.HeaderName))
	if err != nil {
		code := usecase.CodeOf(err)
		logger.Warn("webhook rejected", "code", code, "err", err)
		return jsonResponse(statusFor(code), errorResponse{Error: string(code)}, correlationID)
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	logger.Info("webhook handled", "events", len(results), "failed", failed)
	return jsonResponse(http.StatusOK, webhookResponse{Status: http.StatusOK, Results: results}, correlationID)
}

func (h *Handler) healthStatus(ctx context.Context) healthResponse {
	exists := false
	if h.health.StoreExists != nil {
		exists = h.health.StoreExists(ctx)
	}
	return healthResponse{
		Status:           "ok",
		HasLineToken:     h.health.HasLineToken,
		HasOpenAIKey:     h.health.HasOpenAIKey,
		HasChannelSecret: h.health.HasChannelSecret,
		HistoryBackend:   h.health.HistoryBackend,
		StoreExists:      exists,
	}
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorAuthentication:
		return http.StatusUnauthorized
	case usecase.ErrorMalformedRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func jsonResponse(status int, v any, correlationID string) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: correlationID,
		},
		Body: string(body),
	}
}

// headerValue looks a header up case-insensitively; API Gateway forwards
// header names as the client sent them.
func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
