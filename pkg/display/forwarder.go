// Package display forwards module responses to the downstream display service
// (overlays, tickers, forms).
package display

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-router/pkg/logging"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// DefaultTimeout is the maximum time to wait for the display service.
const DefaultTimeout = 5 * time.Second

// Message is the payload posted to the display service.
type Message struct {
	SessionID    uuid.UUID           `json:"session_id"`
	ExecutionID  uuid.UUID           `json:"execution_id"`
	EntityID     uuid.UUID           `json:"entity_id"`
	ResponseKind models.ResponseKind `json:"response_kind"`
	Success      bool                `json:"success"`
	Payload      map[string]any      `json:"payload"`
	ReceivedAt   time.Time           `json:"received_at"`
}

// Forwarder delivers responses to the display collaborator.
type Forwarder interface {
	Forward(ctx context.Context, msg Message) error
}

// NoopForwarder discards messages. Used when no display URL is configured.
type NoopForwarder struct{}

// Forward does nothing.
func (NoopForwarder) Forward(context.Context, Message) error { return nil }

// HTTPForwarder posts messages as JSON to a fixed URL.
type HTTPForwarder struct {
	url        string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

var _ Forwarder = (*HTTPForwarder)(nil)

// NewHTTPForwarder creates a forwarder posting to url at no more than rps
// requests per second. rps <= 0 disables throttling.
func NewHTTPForwarder(url string, rps float64, httpClient *http.Client, logger *zap.Logger) *HTTPForwarder {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	limit := rate.Inf
	burst := 1
	if rps > 0 {
		limit = rate.Limit(rps)
		burst = max(1, int(rps))
	}
	return &HTTPForwarder{
		url:        url,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(limit, burst),
		logger:     logger.Named("display"),
	}
}

// New returns an HTTPForwarder when url is set and a NoopForwarder otherwise.
func New(url string, rps float64, logger *zap.Logger) Forwarder {
	if url == "" {
		logger.Info("Display URL not configured, display responses will be dropped")
		return NoopForwarder{}
	}
	return NewHTTPForwarder(url, rps, nil, logger)
}

// Forward posts msg to the display service.
func (f *HTTPForwarder) Forward(ctx context.Context, msg Message) error {
	if err := f.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("failed waiting for display throttle: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode display message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call display service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		f.logger.Error("Display service returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.TruncateString(string(respBody), 256)))
		return fmt.Errorf("display service returned status %d", resp.StatusCode)
	}

	f.logger.Debug("Forwarded response to display",
		zap.String("session_id", msg.SessionID.String()),
		zap.String("response_kind", string(msg.ResponseKind)))
	return nil
}
