package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"custos/core"
	"custos/storage"
)

// newTestEnvWithHub wires a running event hub into the test API.
func newTestEnvWithHub(t *testing.T) *testEnv {
	t.Helper()

	env := newTestEnv(t)
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	go hub.Start()
	t.Cleanup(hub.Stop)
	env.api.hub = hub
	return env
}

func TestHandleWebSocket_Disabled(t *testing.T) {
	env := newTestEnv(t)
	cookie := env.startSession(t, "alice", storage.RoleMember)

	rr := env.doJSON(t, "GET", "/api/events", nil, []*http.Cookie{cookie}, nil)
	assert.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestHub_BroadcastToSubscriber(t *testing.T) {
	env := newTestEnvWithHub(t)
	cookie := env.startSession(t, "alice", storage.RoleMember)

	srv := httptest.NewServer(env.api.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.api.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond, "client should register")

	env.api.hub.Broadcast("control.updated", map[string]string{"id": "c-1"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event wsEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "control.updated", event.Type)
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Minute)

	conn.Close()
	require.Eventually(t, func() bool {
		return env.api.hub.ClientCount() == 0
	}, time.Second, 10*time.Millisecond, "client should unregister on close")
}

func TestHub_RequiresSession(t *testing.T) {
	env := newTestEnvWithHub(t)

	srv := httptest.NewServer(env.api.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_MutationsReachSubscribers(t *testing.T) {
	env := newTestEnvWithHub(t)
	fw := env.seedFramework(t, "SOC 2")
	cookie := env.startSession(t, "admin", storage.RoleAdmin)

	srv := httptest.NewServer(env.api.Router())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	header := http.Header{}
	header.Set("Cookie", cookie.Name+"="+cookie.Value)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		return env.api.hub.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	cookies, headers := env.authedRequest(t, "admin", storage.RoleAdmin)
	rr := env.doJSON(t, "POST", "/api/controls", core.Control{
		FrameworkID: fw.ID,
		Code:        "CC6.1",
		Title:       "Logical access controls",
		Severity:    core.SeverityHigh,
	}, cookies, headers)
	require.Equal(t, http.StatusCreated, rr.Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var event wsEvent
	require.NoError(t, json.Unmarshal(payload, &event))
	assert.Equal(t, "control.created", event.Type)
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := NewHub(context.Background(), zap.NewNop().Sugar())
	go hub.Start()

	// Nothing listening; must not block or panic.
	for i := 0; i < 10; i++ {
		hub.Broadcast("noop", nil)
	}
	assert.Equal(t, 0, hub.ClientCount())
	hub.Stop()
}
