// Package backend invokes command modules on their execution backends.
//
// Every backend is reached over HTTP with a JSON payload. Backends differ only
// in how the target URL is derived and how the call is authenticated.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// IdempotencyHeader carries the per-execution idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// ErrTimeout reports that an invocation exceeded its deadline.
// Timeouts are terminal and never retried.
var ErrTimeout = errors.New("backend invocation timed out")

// ErrUnsupportedBackend reports a backend type with no configured invoker.
var ErrUnsupportedBackend = errors.New("unsupported backend type")

// Request describes one module invocation.
type Request struct {
	Type           models.BackendType
	Target         string
	Payload        map[string]any
	Timeout        time.Duration
	IdempotencyKey string
}

// Result is a backend's reply.
type Result struct {
	Status int
	Body   []byte
}

// Success reports whether the backend returned a 2xx status.
func (r Result) Success() bool {
	return r.Status >= 200 && r.Status < 300
}

// Invoker calls an execution backend.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Result, error)
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, req Request) (Result, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// StatusError is returned when a backend answers with a non-2xx status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// IsRetryable reports whether the caller may retry with the same idempotency key.
func (e *StatusError) IsRetryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTimeout reports whether err is an invocation timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
