package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"custos/core"
)

func newTestNotifier(t *testing.T, handler http.Handler, minSeverity string) *Notifier {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	n, err := NewNotifier(Config{
		Enabled:     true,
		WebhookURL:  srv.URL,
		Headers:     map[string]string{"X-Custos-Token": "hook-token"},
		Timeout:     2 * time.Second,
		MinSeverity: minSeverity,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)
	// Speed up retries in tests.
	n.retry.BaseDelay = time.Millisecond
	return n
}

func TestNotify_DeliversEvent(t *testing.T) {
	var received atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		assert.Equal(t, "hook-token", r.Header.Get("X-Custos-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var event Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&event))
		assert.Equal(t, "evidence.rejected", event.Type)
		assert.Equal(t, "high", event.Severity)
		assert.False(t, event.Timestamp.IsZero())
	}), "")

	err := n.Notify(context.Background(), Event{
		Type:     "evidence.rejected",
		Severity: "high",
		Subject:  "CC6.1 access review",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), received.Load())
}

func TestNotify_SeverityFloorFiltersEvents(t *testing.T) {
	var received atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
	}), "high")

	require.NoError(t, n.Notify(context.Background(), Event{Type: "control.updated", Severity: "low"}))
	require.NoError(t, n.Notify(context.Background(), Event{Type: "control.updated", Severity: "medium"}))
	assert.Equal(t, int32(0), received.Load())

	require.NoError(t, n.Notify(context.Background(), Event{Type: "control.overdue", Severity: "critical"}))
	assert.Equal(t, int32(1), received.Load())
}

func TestNotify_DisabledIsNoop(t *testing.T) {
	n, err := NewNotifier(Config{Enabled: false}, zap.NewNop().Sugar())
	require.NoError(t, err)
	assert.NoError(t, n.Notify(context.Background(), Event{Type: "x", Severity: "critical"}))
}

func TestNotify_RetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}), "")

	require.NoError(t, n.Notify(context.Background(), Event{Type: "control.overdue", Severity: "high"}))
	assert.Equal(t, int32(2), calls.Load())
}

func TestNotify_RejectedEventIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}), "")

	err := n.Notify(context.Background(), Event{Type: "control.overdue", Severity: "high"})
	require.ErrorIs(t, err, ErrEventRejected)
	assert.Equal(t, int32(1), calls.Load(), "a 4xx response must not be retried")
}

func TestNotify_RejectionDoesNotTripBreaker(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}), "")

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, n.Notify(ctx, Event{Type: "control.overdue", Severity: "high"}), ErrEventRejected)
	}
	assert.Equal(t, int32(5), calls.Load(), "rejections must keep reaching the live endpoint")
}

func TestNotify_SignsPayload(t *testing.T) {
	var gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(srv.Close)

	n, err := NewNotifier(Config{
		Enabled:    true,
		WebhookURL: srv.URL,
		Secret:     "webhook-signing-secret",
		Timeout:    2 * time.Second,
	}, zap.NewNop().Sugar())
	require.NoError(t, err)

	require.NoError(t, n.Notify(context.Background(), Event{
		Type:     "evidence.rejected",
		Severity: "high",
		Subject:  "CC6.1 access review",
	}))

	require.NotEmpty(t, gotSignature)
	mac := hmac.New(sha256.New, []byte("webhook-signing-secret"))
	mac.Write(gotBody)
	assert.Equal(t, "sha256="+hex.EncodeToString(mac.Sum(nil)), gotSignature)
}

func TestNotify_NoSignatureWithoutSecret(t *testing.T) {
	var header string
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get(SignatureHeader)
	}), "")

	require.NoError(t, n.Notify(context.Background(), Event{Type: "control.overdue", Severity: "high"}))
	assert.Empty(t, header)
}

func TestNotify_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	n := newTestNotifier(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}), "")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		assert.Error(t, n.Notify(ctx, Event{Type: "control.overdue", Severity: "high"}))
	}

	before := calls.Load()
	err := n.Notify(ctx, Event{Type: "control.overdue", Severity: "high"})
	assert.ErrorIs(t, err, core.ErrBreakerOpen)
	assert.Equal(t, before, calls.Load(), "open breaker should drop without posting")
}

func TestNewNotifier_RequiresURLWhenEnabled(t *testing.T) {
	_, err := NewNotifier(Config{Enabled: true}, zap.NewNop().Sugar())
	assert.Error(t, err)
}
