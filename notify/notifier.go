// Package notify delivers compliance events to an external webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"custos/core"
	"custos/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body so
// receivers can authenticate deliveries.
const SignatureHeader = "X-Custos-Signature"

// ErrEventRejected means the receiver answered with a 4xx. The payload
// is at fault, not the endpoint; the delivery is not retried.
var ErrEventRejected = errors.New("webhook rejected the event")

// Event is the payload posted to the webhook.
type Event struct {
	Type      string    `json:"type"` // e.g. "control.overdue", "evidence.rejected"
	Severity  string    `json:"severity"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Config holds webhook notifier configuration.
type Config struct {
	Enabled    bool
	WebhookURL string
	// Secret keys the delivery signature. Empty disables signing.
	Secret      string
	Headers     map[string]string
	Timeout     time.Duration
	MinSeverity string // critical, high, medium, low
}

// Notifier posts events to a webhook with retries for transient failures
// and a circuit breaker so a dead endpoint cannot stall the service.
type Notifier struct {
	config     Config
	httpClient *http.Client
	retry      core.RetryPolicy
	breaker    *core.CircuitBreaker
	logger     *zap.SugaredLogger
}

var severityOrder = map[string]int{
	"low":      1,
	"medium":   2,
	"high":     3,
	"critical": 4,
}

// NewNotifier creates a webhook notifier.
func NewNotifier(config Config, logger *zap.SugaredLogger) (*Notifier, error) {
	if config.Enabled && config.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL is required when notifications are enabled")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	breaker, err := core.NewCircuitBreaker(core.BreakerConfig{
		MaxFailures: 3,
		CoolDown:    60 * time.Second,
		MaxProbes:   1,
	})
	if err != nil {
		return nil, err
	}

	return &Notifier{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		retry: core.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Backoff:     core.BackoffExponential,
		},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// shouldSend applies the severity floor. Unknown severities rank lowest.
func (n *Notifier) shouldSend(severity string) bool {
	if n.config.MinSeverity == "" {
		return true
	}
	min, ok := severityOrder[n.config.MinSeverity]
	if !ok {
		return true
	}
	got, ok := severityOrder[severity]
	if !ok {
		got = 1
	}
	return got >= min
}

// Notify delivers an event. Disabled notifiers and events below the
// severity floor are dropped silently.
func (n *Notifier) Notify(ctx context.Context, event Event) error {
	if !n.config.Enabled {
		return nil
	}
	if !n.shouldSend(event.Severity) {
		metrics.WebhookNotifications.WithLabelValues("filtered").Inc()
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if err := n.breaker.Allow(); err != nil {
		metrics.WebhookNotifications.WithLabelValues("dropped").Inc()
		n.logger.Warnw("Webhook notification dropped, circuit open",
			"type", event.Type, "subject", event.Subject)
		return err
	}

	policy := n.retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		metrics.OutboundRetries.WithLabelValues("webhook").Inc()
		n.logger.Warnw("Retrying webhook delivery",
			"type", event.Type, "attempt", attempt, "delay", delay, "error", err)
	}

	// Only transient failures re-run; a 4xx means the endpoint answered
	// and resending the same payload cannot succeed.
	var lastErr error
	err := core.Retry(ctx, policy, func() error {
		err := n.post(ctx, event)
		if errors.Is(err, ErrEventRejected) {
			lastErr = err
			return nil
		}
		lastErr = err
		return err
	})
	if err == nil {
		err = lastErr
	}

	if errors.Is(err, ErrEventRejected) {
		// The endpoint is alive; do not count this against its health.
		n.breaker.RecordSuccess()
		metrics.WebhookNotifications.WithLabelValues("rejected").Inc()
		n.logger.Errorw("Webhook rejected event", "type", event.Type, "error", err)
		return err
	}
	if err != nil {
		n.breaker.RecordFailure()
		metrics.WebhookNotifications.WithLabelValues("failed").Inc()
		n.logger.Errorw("Webhook delivery failed", "type", event.Type, "error", err)
		return err
	}

	n.breaker.RecordSuccess()
	metrics.WebhookNotifications.WithLabelValues("delivered").Inc()
	return nil
}

func (n *Notifier) post(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.config.Secret != "" {
		req.Header.Set(SignatureHeader, signPayload(payload, n.config.Secret))
	}
	for k, v := range n.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: status %d", ErrEventRejected, resp.StatusCode)
	default:
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
}

// signPayload computes the hex HMAC-SHA256 of the body under the
// configured secret, prefixed with the scheme for forward compatibility.
func signPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
