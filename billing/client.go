// Package billing talks to the external payment provider. The client is
// constructed once and handed to consumers explicitly; nothing in this
// package initializes itself lazily or holds package-level state.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"custos/core"
	"custos/metrics"
)

// Sentinel errors for payment provider responses.
var (
	// ErrProviderUnavailable wraps 5xx responses from the provider.
	ErrProviderUnavailable = errors.New("payment provider unavailable")
	// ErrRequestRejected wraps 4xx responses. These are never retried.
	ErrRequestRejected = errors.New("payment request rejected")
)

// CheckoutSession is returned when starting a checkout flow.
type CheckoutSession struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at"`
}

// Subscription describes a customer's plan state.
type Subscription struct {
	ID               string `json:"id"`
	CustomerID       string `json:"customer_id"`
	Plan             string `json:"plan"`
	Status           string `json:"status"`
	CurrentPeriodEnd int64  `json:"current_period_end"`
}

// PaymentClient is the interface the rest of the system depends on.
type PaymentClient interface {
	CreateCheckoutSession(ctx context.Context, customerID, plan string) (*CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Client implements PaymentClient over the provider's HTTP API with
// retries for transient failures and a circuit breaker guarding the
// provider as a whole.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	retry      core.RetryPolicy
	breaker    *core.CircuitBreaker
	logger     *zap.SugaredLogger
}

// Options configures the payment client.
type Options struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retry   core.RetryPolicy
	Breaker core.BreakerConfig
}

// NewClient builds a payment client. The caller owns the lifecycle and
// passes the client to whoever needs it.
func NewClient(opts Options, logger *zap.SugaredLogger) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("billing base URL is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid billing base URL: %w", err)
	}
	if err := opts.Retry.Validate(); err != nil {
		return nil, err
	}

	breaker, err := core.NewCircuitBreaker(opts.Breaker)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    opts.BaseURL,
		apiKey:     opts.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		retry:      opts.Retry,
		breaker:    breaker,
		logger:     logger,
	}, nil
}

// retryable reports whether an error is worth retrying: network-level
// failures and provider 5xx responses. Rejected requests (4xx) and
// anything else pass through immediately.
func retryable(err error) bool {
	if errors.Is(err, ErrProviderUnavailable) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// do performs one logical API call with breaker and retry handling. The
// retry loop only re-runs attempts whose error is retryable; the final
// attempt's error is returned to the caller as-is.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	policy := c.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.OutboundRetries.WithLabelValues("billing").Inc()
		c.logger.Warnw("Retrying payment provider call",
			"method", method, "path", path, "attempt", attempt, "delay", delay, "error", err)
	}

	var lastErr error
	err := core.Retry(ctx, policy, func() error {
		err := c.doOnce(ctx, method, path, body, out)
		if err != nil && !retryable(err) {
			// Non-retryable: remember it and stop the loop.
			lastErr = err
			return nil
		}
		lastErr = err
		return err
	})
	if err == nil {
		err = lastErr
	}

	if err != nil {
		// Rejected requests mean the provider answered; only transport
		// failures and 5xx count against its health.
		if retryable(err) {
			c.breaker.RecordFailure()
			if c.breaker.State() == core.BreakerOpen {
				metrics.OutboundBreakerOpens.WithLabelValues("billing").Inc()
			}
		} else {
			c.breaker.RecordSuccess()
		}
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

// doOnce performs a single HTTP round trip.
func (c *Client) doOnce(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
			return fmt.Errorf("failed to decode provider response: %w", err)
		}
		return nil
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s %s returned %d", ErrProviderUnavailable, method, path, resp.StatusCode)
	default:
		return fmt.Errorf("%w: %s %s returned %d", ErrRequestRejected, method, path, resp.StatusCode)
	}
}

// CreateCheckoutSession starts a hosted checkout flow for a customer.
func (c *Client) CreateCheckoutSession(ctx context.Context, customerID, plan string) (*CheckoutSession, error) {
	if customerID == "" || plan == "" {
		return nil, fmt.Errorf("customer ID and plan are required")
	}

	payload := map[string]string{"customer_id": customerID, "plan": plan}
	var session CheckoutSession
	if err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", payload, &session); err != nil {
		return nil, err
	}

	c.logger.Infow("AUDIT: checkout session created", "customer_id", customerID, "plan", plan, "session_id", session.ID)
	return &session, nil
}

// GetSubscription fetches the current state of a subscription.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription ID is required")
	}

	var sub Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// CancelSubscription cancels a subscription at the provider.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if subscriptionID == "" {
		return fmt.Errorf("subscription ID is required")
	}

	if err := c.do(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil, nil); err != nil {
		return err
	}

	c.logger.Infow("AUDIT: subscription cancelled", "subscription_id", subscriptionID)
	return nil
}
