package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/logging"
)

// maxResponseBody bounds how much of a backend reply is read.
const maxResponseBody = 1 << 20

// DefaultTimeout applies when a request carries no timeout.
const DefaultTimeout = 10 * time.Second

// requestDecorator mutates an outgoing request, typically to authenticate it.
type requestDecorator func(req *http.Request, body []byte) error

// throttle blocks until an outbound call may proceed.
type throttle interface {
	Wait(ctx context.Context) error
}

// httpInvoker posts JSON payloads to a resolved URL.
type httpInvoker struct {
	name       string
	httpClient *http.Client
	resolve    func(target string) (string, error)
	decorate   []requestDecorator
	throttle   throttle
	logger     *zap.Logger
}

func (h *httpInvoker) Invoke(ctx context.Context, req Request) (Result, error) {
	endpoint, err := h.resolve(req.Target)
	if err != nil {
		return Result{}, fmt.Errorf("failed to resolve %s target: %w", h.name, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if h.throttle != nil {
		if err := h.throttle.Wait(ctx); err != nil {
			return Result{}, h.classify(ctx, fmt.Errorf("failed waiting for %s throttle: %w", h.name, err))
		}
	}

	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set(IdempotencyHeader, req.IdempotencyKey)
	}
	for _, d := range h.decorate {
		if err := d(httpReq, body); err != nil {
			return Result{}, fmt.Errorf("failed to prepare %s request: %w", h.name, err)
		}
	}

	start := time.Now()
	resp, err := h.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, h.classify(ctx, fmt.Errorf("failed to call %s backend: %w", h.name, err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return Result{}, h.classify(ctx, fmt.Errorf("failed to read %s response: %w", h.name, err))
	}

	result := Result{Status: resp.StatusCode, Body: respBody}

	h.logger.Debug("Backend invoked",
		zap.String("backend", h.name),
		zap.String("url", logging.SanitizeURL(endpoint)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if !result.Success() {
		return result, &StatusError{Status: resp.StatusCode, Body: logging.TruncateString(string(respBody), 512)}
	}
	return result, nil
}

// classify converts deadline expiry into ErrTimeout while keeping the cause.
func (h *httpInvoker) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}

// absoluteURL accepts only http(s) URLs with a host.
func absoluteURL(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("invalid target URL: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("target %q is not an absolute http(s) URL", logging.SanitizeURL(target))
	}
	return u.String(), nil
}

func isAbsolute(target string) bool {
	return strings.HasPrefix(target, "http://") || strings.HasPrefix(target, "https://")
}
