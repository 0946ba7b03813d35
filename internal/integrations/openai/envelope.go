package openai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxEnvelopeBytes = 10 << 20

// envelopeTransport fails successful-status responses whose JSON body carries
// a top-level "error" object. go-openai only decodes error envelopes on
// non-2xx statuses.
type envelopeTransport struct {
	base http.RoundTripper
}

func (t envelopeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	res, err := base.RoundTrip(req)
	if err != nil || res.StatusCode < 200 || res.StatusCode >= 300 {
		return res, err
	}
	if ct := res.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "json") {
		return res, nil
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, maxEnvelopeBytes))
	_ = res.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if msg, ok := envelopeMessage(body); ok {
		return nil, &BackendError{StatusCode: res.StatusCode, Message: msg}
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	return res, nil
}

// envelopeMessage reports the message of a top-level "error" member. Both
// {"error":{"message":...}} and {"error":"..."} are recognised.
func envelopeMessage(body []byte) (string, bool) {
	var probe struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &probe) != nil {
		return "", false
	}
	raw := bytes.TrimSpace(probe.Error)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}

	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil {
		if obj.Message == "" {
			return string(raw), true
		}
		return obj.Message, true
	}
	var s string
	if json.Unmarshal(raw, &s) == nil && s != "" {
		return s, true
	}
	return string(raw), true
}

// withEnvelopeCheck returns a copy of hc whose transport runs envelopeTransport.
func withEnvelopeCheck(hc *http.Client) *http.Client {
	out := &http.Client{}
	if hc != nil {
		*out = *hc
	}
	out.Transport = envelopeTransport{base: out.Transport}
	return out
}
