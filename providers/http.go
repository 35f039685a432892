package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmespath/go-jmespath"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/notifykit/notify/logger"
)

// defaultHTTPTimeout bounds one provider API call.
const defaultHTTPTimeout = 30 * time.Second

// HTTPBase provides the shared HTTP plumbing for API-backed providers: an
// instrumented client, a JSON POST helper with credential-redacting debug
// logs, and jmespath extraction of the downstream message id from the
// response body.
type HTTPBase struct {
	Base
	client     *http.Client
	resultExpr *jmespath.JMESPath
}

// NewHTTPBase builds an HTTPBase. resultExpr, when non-empty, is a jmespath
// expression locating the downstream message id in JSON responses
// (e.g. "ts" for Slack, "id" for OneSignal); it must compile.
func NewHTTPBase(base Base, resultExpr string) HTTPBase {
	h := HTTPBase{
		Base: base,
		client: &http.Client{
			Timeout:   defaultHTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	if resultExpr != "" {
		h.resultExpr = jmespath.MustCompile(resultExpr)
	}
	return h
}

// Connect is a no-op for stateless HTTP providers; the client is ready at
// construction. Idempotent by nature.
func (h *HTTPBase) Connect(ctx context.Context) error { return nil }

// Close releases idle connections. Safe to call repeatedly.
func (h *HTTPBase) Close() error {
	if h.client != nil {
		h.client.CloseIdleConnections()
	}
	return nil
}

// PostJSON sends a JSON POST and decodes the JSON response. Status handling
// follows the taxonomy: 401/403 is an auth-error, 400/422 a message-error,
// other non-2xx a provider-error, transport failures a transport-error.
func (h *HTTPBase) PostJSON(ctx context.Context, url string, payload any, headers map[string]string) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, MessageError(h.Name(), err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, RuntimeError(h.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	logger.Debug("provider api request",
		"provider", h.Name(),
		"url", logger.RedactSensitiveData(url),
		"body", logger.RedactSensitiveData(string(body)),
	)

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewProviderError(h.Name(), ErrTimeout, err)
		}
		return nil, NewProviderError(h.Name(), ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewProviderError(h.Name(), ErrTransport, err)
	}

	logger.Debug("provider api response",
		"provider", h.Name(),
		"status", resp.StatusCode,
		"body", logger.RedactSensitiveData(string(respBody)),
	)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, AuthError(h.Name(), err)
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			return nil, MessageError(h.Name(), err)
		default:
			return nil, RuntimeError(h.Name(), err)
		}
	}

	var decoded map[string]any
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			// Some APIs answer with a bare string or empty body on success.
			return map[string]any{"raw": string(respBody)}, nil
		}
	}
	return decoded, nil
}

// PostForm sends a form-encoded POST, used by APIs that reject JSON bodies.
func (h *HTTPBase) PostForm(ctx context.Context, endpoint string, form map[string]string, headers map[string]string) (map[string]any, error) {
	values := url.Values{}
	for k, v := range form {
		values.Set(k, v)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(values.Encode()))
	if err != nil {
		return nil, RuntimeError(h.Name(), err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, NewProviderError(h.Name(), ErrTransport, err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, AuthError(h.Name(), err)
		}
		return nil, RuntimeError(h.Name(), err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return map[string]any{"raw": string(respBody)}, nil
	}
	return decoded, nil
}

// ResultID extracts the downstream message id from a decoded response using
// the provider's jmespath expression. Returns empty when not configured or
// not present.
func (h *HTTPBase) ResultID(response map[string]any) string {
	if h.resultExpr == nil || response == nil {
		return ""
	}
	v, err := h.resultExpr.Search(map[string]any(response))
	if err != nil || v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
