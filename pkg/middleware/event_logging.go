package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-router/pkg/logging"
)

// maxLoggedBody bounds how much of an ingress body is buffered for logging.
const maxLoggedBody = 64 << 10

// EventRequestLogger logs ingress events with their routing outcome.
// It extracts platform, message type and command token from the request and
// the session id or error code from the response. Message content is never
// logged beyond the leading command token. Pass nil logger to disable logging.
func EventRequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if logger == nil {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
			if err != nil {
				logger.Error("Failed to read event request body", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(bodyBytes), r.Body))

			var req eventEnvelope
			if len(bodyBytes) <= maxLoggedBody {
				if err := json.Unmarshal(bodyBytes, &req); err != nil {
					logger.Debug("Failed to parse event request JSON", zap.Error(err))
				}
			}

			recorder := &bodyRecorder{
				ResponseWriter: w,
				body:           &bytes.Buffer{},
			}
			start := time.Now()

			next.ServeHTTP(recorder, r)

			fields := []zap.Field{
				zap.String("platform", req.Entity.Platform),
				zap.String("message_type", req.MessageType),
				zap.String("command_token", commandToken(req.Content)),
				zap.Duration("duration", time.Since(start)),
			}

			var resp eventResponse
			if err := json.Unmarshal(recorder.body.Bytes(), &resp); err != nil {
				logger.Debug("Event routed", fields...)
				return
			}

			if !resp.Success {
				logger.Debug("Event rejected",
					append(fields, zap.String("error", resp.Error), zap.String("message", logging.TruncateString(resp.Message, 200)))...)
				return
			}
			logger.Debug("Event routed", append(fields, zap.String("session_id", resp.Data.SessionID))...)
		})
	}
}

// eventEnvelope is the subset of an ingress event needed for logging.
type eventEnvelope struct {
	Entity struct {
		Platform string `json:"platform"`
	} `json:"entity"`
	MessageType string `json:"message_type"`
	Content     string `json:"content"`
}

// eventResponse is the subset of the API envelope needed for logging.
type eventResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
	Data    struct {
		SessionID string `json:"session_id"`
	} `json:"data"`
}

// bodyRecorder is a response writer that captures the response body.
type bodyRecorder struct {
	http.ResponseWriter
	body *bytes.Buffer
}

// Write captures the response body and writes it to the underlying writer.
func (r *bodyRecorder) Write(b []byte) (int, error) {
	if r.body.Len() < maxLoggedBody {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

// commandToken returns the leading "!name" or "#name" token of content, if any.
func commandToken(content string) string {
	content = strings.TrimSpace(content)
	if content == "" || (content[0] != '!' && content[0] != '#') {
		return ""
	}
	if i := strings.IndexAny(content, " \t\n"); i > 0 {
		content = content[:i]
	}
	return logging.TruncateString(content, 64)
}
