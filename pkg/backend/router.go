package backend

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ekaya-inc/ekaya-router/pkg/config"
	"github.com/ekaya-inc/ekaya-router/pkg/models"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Router-Signature"

// Router dispatches each Request to the invoker for its backend type.
type Router struct {
	invokers map[models.BackendType]Invoker
}

var _ Invoker = (*Router)(nil)

// NewRouter builds invokers for every backend type from configuration.
func NewRouter(cfg *config.BackendsConfig, httpClient *http.Client, logger *zap.Logger) *Router {
	logger = logger.Named("backend")
	if httpClient == nil {
		httpClient = &http.Client{Transport: http.DefaultTransport}
	}

	breaker := BreakerConfig{
		Threshold:  cfg.BreakerThreshold,
		ResetAfter: cfg.BreakerReset(),
	}
	invokers := map[models.BackendType]Invoker{
		models.BackendContainer: NewContainerInvoker(cfg.ContainerBaseURL, httpClient, logger),
		models.BackendLambda:    NewLambdaInvoker(cfg.LambdaAPIKey, httpClient, logger),
		models.BackendOpenWhisk: NewOpenWhiskInvoker(cfg.OpenWhiskAPIHost, cfg.OpenWhiskNamespace, cfg.OpenWhiskAuth, httpClient, logger),
		models.BackendWebhook: NewWebhookInvoker(
			rate.NewLimiter(rate.Limit(cfg.WebhookRPS), cfg.WebhookBurst),
			cfg.WebhookSigningSecret, httpClient, logger),
	}
	for t, inv := range invokers {
		invokers[t] = NewBreakerInvoker(inv, breaker, logger)
	}

	return &Router{invokers: invokers}
}

// NewRouterWith builds a Router from explicit invokers.
func NewRouterWith(invokers map[models.BackendType]Invoker) *Router {
	return &Router{invokers: invokers}
}

// Invoke routes req by its backend type.
func (r *Router) Invoke(ctx context.Context, req Request) (Result, error) {
	switch req.Type {
	case models.BackendContainer, models.BackendLambda, models.BackendOpenWhisk, models.BackendWebhook:
		inv, ok := r.invokers[req.Type]
		if !ok {
			return Result{}, fmt.Errorf("%w: %s not configured", ErrUnsupportedBackend, req.Type)
		}
		return inv.Invoke(ctx, req)
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedBackend, req.Type)
	}
}

// NewContainerInvoker calls modules running as containers. Relative targets
// are resolved against baseURL.
func NewContainerInvoker(baseURL string, httpClient *http.Client, logger *zap.Logger) Invoker {
	base := config.ResolveURLForDocker(baseURL)
	return &httpInvoker{
		name:       string(models.BackendContainer),
		httpClient: httpClient,
		logger:     logger,
		resolve: func(target string) (string, error) {
			if isAbsolute(target) {
				return absoluteURL(config.ResolveURLForDocker(target))
			}
			if base == "" {
				return "", fmt.Errorf("relative target %q requires a container base URL", target)
			}
			return buildURL(base, target)
		},
	}
}

// NewLambdaInvoker calls Lambda function URLs, optionally behind an API gateway key.
func NewLambdaInvoker(apiKey string, httpClient *http.Client, logger *zap.Logger) Invoker {
	inv := &httpInvoker{
		name:       string(models.BackendLambda),
		httpClient: httpClient,
		logger:     logger,
		resolve:    absoluteURL,
	}
	if apiKey != "" {
		inv.decorate = append(inv.decorate, func(req *http.Request, _ []byte) error {
			req.Header.Set("x-api-key", apiKey)
			return nil
		})
	}
	return inv
}

// NewOpenWhiskInvoker calls OpenWhisk actions as blocking invocations.
// A target is either an action name or an absolute action URL.
func NewOpenWhiskInvoker(apiHost, namespace, auth string, httpClient *http.Client, logger *zap.Logger) Invoker {
	if namespace == "" {
		namespace = "_"
	}
	inv := &httpInvoker{
		name:       string(models.BackendOpenWhisk),
		httpClient: httpClient,
		logger:     logger,
		resolve: func(target string) (string, error) {
			if isAbsolute(target) {
				return absoluteURL(target)
			}
			if apiHost == "" {
				return "", fmt.Errorf("action %q requires an OpenWhisk API host", target)
			}
			endpoint, err := buildURL(apiHost, "api", "v1", "namespaces", namespace, "actions", target)
			if err != nil {
				return "", err
			}
			return endpoint + "?" + url.Values{"blocking": {"true"}, "result": {"true"}}.Encode(), nil
		},
	}
	if auth != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(auth))
		inv.decorate = append(inv.decorate, func(req *http.Request, _ []byte) error {
			if !strings.Contains(auth, ":") {
				return fmt.Errorf("openwhisk auth must be in user:key form")
			}
			req.Header.Set("Authorization", "Basic "+encoded)
			return nil
		})
	}
	return inv
}

// NewWebhookInvoker posts to arbitrary webhook URLs, throttled by limiter and
// signed with secret when one is configured.
func NewWebhookInvoker(limiter *rate.Limiter, secret string, httpClient *http.Client, logger *zap.Logger) Invoker {
	inv := &httpInvoker{
		name:       string(models.BackendWebhook),
		httpClient: httpClient,
		logger:     logger,
		resolve:    absoluteURL,
	}
	if limiter != nil {
		inv.throttle = limiter
	}
	if secret != "" {
		inv.decorate = append(inv.decorate, func(req *http.Request, body []byte) error {
			ts := fmt.Sprintf("%d", time.Now().Unix())
			req.Header.Set("X-Router-Timestamp", ts)
			req.Header.Set(SignatureHeader, "sha256="+Sign(secret, ts, body))
			return nil
		})
	}
	return inv
}

// Sign computes the webhook signature over timestamp and body.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
