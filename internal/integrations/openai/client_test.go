package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"line-relay/internal/domain"
)

// ---------------------------------------------------------------------------
// NewClient / base URL
// ---------------------------------------------------------------------------

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1"},
		{"http://localhost:8080", "http://localhost:8080/v1"},
		{"", "https://api.openai.com/v1"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, normalizeBaseURL(tc.base), "base=%q", tc.base)
	}
}

func TestNewClient_Models(t *testing.T) {
	c := NewClient("sk-test", WithModels("gpt-mock", "", ""))
	require.Equal(t, "gpt-mock", c.chatModel)
	require.Equal(t, "dall-e-3", c.imageModel)
	require.Equal(t, "whisper-1", c.transcribeModel)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	return NewClient(
		"sk-test",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
		WithModels("gpt-mock", "", ""),
	)
}

// ---------------------------------------------------------------------------
// Client.Complete
// ---------------------------------------------------------------------------

func TestClient_Complete_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var body struct {
			Model       string  `json:"model"`
			Temperature float64 `json:"temperature"`
			Messages    []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "gpt-mock", body.Model)
		require.InDelta(t, 0.3, body.Temperature, 0.001)
		require.Len(t, body.Messages, 2)
		require.Equal(t, "system", body.Messages[0].Role)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "  Hello from mock \n" }
			}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: "be nice"},
		{Role: domain.RoleUser, Content: "hi"},
	})
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", resp)
}

func TestClient_Complete_MultimodalParts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(raw), `"type":"image_url"`)
		require.Contains(t, string(raw), `"url":"data:image/png;base64,AAAA"`)
		require.Contains(t, string(raw), `"type":"text"`)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"a cat"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), []domain.ChatMessage{{
		Role:  domain.RoleUser,
		Parts: []domain.ContentPart{domain.TextPart("what is this?"), domain.ImagePart("data:image/png;base64,AAAA")},
	}})
	require.NoError(t, err)
	require.Equal(t, "a cat", resp)
}

func TestClient_Complete_EmptyContentFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"   "}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, FallbackReply, resp)
}

func TestClient_Complete_NoChoicesFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	resp, err := c.Complete(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, FallbackReply, resp)
}

func TestClient_Complete_ErrorEnvelope(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusOK} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			out, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
			require.Error(t, err)
			require.Empty(t, out)

			var be *BackendError
			require.True(t, errors.As(err, &be))
			require.Equal(t, "bad key", be.Message)
			require.Equal(t, status, be.HTTPStatusCode())
			require.Contains(t, err.Error(), "bad key")
		})
	}
}

func TestClient_Complete_NullErrorMemberIsIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":null,"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	out, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestClient_Complete_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "429")
}

func TestClient_Complete_NetworkError(t *testing.T) {
	c := NewClient("sk-test", WithBaseURL("http://127.0.0.1:1"), WithHTTPClient(&http.Client{Timeout: 100 * time.Millisecond}))

	_, err := c.Complete(context.Background(), []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "request failed")
}

// ---------------------------------------------------------------------------
// Client.GenerateImage
// ---------------------------------------------------------------------------

func TestClient_GenerateImage_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/images/generations", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "dall-e-3", body["model"])
		require.Equal(t, "1024x1024", body["size"])
		require.Equal(t, "standard", body["quality"])
		require.EqualValues(t, 1, body["n"])
		require.Equal(t, "a happy cat", body["prompt"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://img.example/cat.png"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	url, err := c.GenerateImage(context.Background(), "a happy cat")
	require.NoError(t, err)
	require.Equal(t, "https://img.example/cat.png", url)
}

func TestClient_GenerateImage_ErrorEnvelope(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusOK} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":{"message":"content policy violation"}}`))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.GenerateImage(context.Background(), "x")
			var be *BackendError
			require.ErrorAs(t, err, &be)
			require.Equal(t, "content policy violation", be.Message)
			require.Equal(t, status, be.StatusCode)
		})
	}
}

func TestClient_GenerateImage_NoData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.GenerateImage(context.Background(), "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no url")
}

// ---------------------------------------------------------------------------
// Client.Transcribe
// ---------------------------------------------------------------------------

func TestClient_Transcribe_Multipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/audio/transcriptions", r.URL.Path)
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "whisper-1", r.FormValue("model"))
		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "audio.m4a", hdr.Filename)
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, "AUDIO", string(data))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":" こんにちは "}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	text, err := c.Transcribe(context.Background(), []byte("AUDIO"))
	require.NoError(t, err)
	require.Equal(t, "こんにちは", text)
}

func TestClient_Transcribe_ErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid file format"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Transcribe(context.Background(), []byte("AUDIO"))
	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.Contains(t, be.Error(), "invalid file format")
}

func TestClient_Transcribe_ErrorEnvelopeWithOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"error":"quota exceeded"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Transcribe(context.Background(), []byte("AUDIO"))
	var be *BackendError
	require.ErrorAs(t, err, &be)
	require.Equal(t, "quota exceeded", be.Message)
}

func TestEnvelopeMessage(t *testing.T) {
	cases := []struct {
		body string
		want string
		ok   bool
	}{
		{body: `{"error":{"message":"bad key"}}`, want: "bad key", ok: true},
		{body: `{"error":"plain"}`, want: "plain", ok: true},
		{body: `{"error":{"code":"x"}}`, want: `{"code":"x"}`, ok: true},
		{body: `{"error":null}`},
		{body: `{"text":"hi"}`},
		{body: `not json`},
	}
	for _, tc := range cases {
		got, ok := envelopeMessage([]byte(tc.body))
		require.Equal(t, tc.ok, ok, tc.body)
		require.Equal(t, tc.want, got, tc.body)
	}
}
