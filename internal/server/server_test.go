package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/relay-gateway/internal/auth"
	"github.com/adred-codev/relay-gateway/internal/bus"
	"github.com/adred-codev/relay-gateway/internal/config"
	"github.com/adred-codev/relay-gateway/internal/session"
)

const testSecret = "server-test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Addr:                   ":0",
		WSPath:                 "/ws",
		BackendType:            config.BackendLocal,
		AuthEnabled:            true,
		JWTSecret:              testSecret,
		ClockSkew:              30 * time.Second,
		AuthAttempts:           3,
		RateLimitEnabled:       true,
		ConnsPerIPRate:         100,
		ConnsPerIPBurst:        100,
		MessagesPerMinute:      6000,
		MessageBurst:           100,
		RateLimitStrikes:       3,
		BucketTTL:              5 * time.Minute,
		HeartbeatInterval:      27 * time.Second,
		MissedHeartbeatTimeout: 60 * time.Second,
		MaxConnections:         100,
		SendQueueSize:          32,
		OverflowPolicy:         config.OverflowDropOldest,
		ShutdownDrain:          time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func registerSession(t *testing.T, s *Server, tenant string) *session.Session {
	t.Helper()
	sess, err := s.sessions.Register(nil, "127.0.0.1", tenant)
	require.NoError(t, err)
	return sess
}

func issueToken(t *testing.T, userID, tenant string, roles, perms []string) string {
	t.Helper()
	token, err := auth.NewIssuer(testSecret, time.Hour).Issue(userID, tenant, roles, perms)
	require.NoError(t, err)
	return token
}

// nextFrame pops one queued outbound frame, decoded.
func nextFrame(t *testing.T, sess *session.Session) map[string]any {
	t.Helper()
	select {
	case raw := <-sess.Outbound():
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		return m
	default:
		t.Fatal("no outbound frame queued")
		return nil
	}
}

func send(s *Server, sess *session.Session, msgType string, data any) {
	payload, _ := json.Marshal(data)
	raw, _ := json.Marshal(Envelope{Type: msgType, Data: payload})
	s.dispatch(sess, raw)
}

func TestDispatchMalformedEnvelope(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	s.dispatch(sess, []byte("{not json"))
	frame := nextFrame(t, sess)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "MALFORMED", frame["code"])

	s.dispatch(sess, []byte(`{"data":{}}`))
	frame = nextFrame(t, sess)
	assert.Equal(t, "MALFORMED", frame["code"], "missing type is malformed")

	_, ok := s.sessions.Get(sess.ID())
	assert.True(t, ok, "malformed frames never disconnect")
}

func TestDispatchUnknownType(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, "teleport", map[string]string{})
	frame := nextFrame(t, sess)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "UNKNOWN_TYPE", frame["code"])
}

func TestRegisteredHandlerReceivesDispatch(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	var got json.RawMessage
	require.NoError(t, s.RegisterMessageHandler("echo", func(ctx *Context, data json.RawMessage) error {
		got = data
		ctx.Reply(ackFrame("echo_ack", nil))
		return nil
	}))

	send(s, sess, "echo", map[string]string{"k": "v"})
	assert.JSONEq(t, `{"k":"v"}`, string(got))
	assert.Equal(t, "echo_ack", nextFrame(t, sess)["type"])
}

func TestRegisterMessageHandlerRejectsDuplicates(t *testing.T) {
	s := newTestServer(t, nil)

	noop := func(*Context, json.RawMessage) error { return nil }
	assert.Error(t, s.RegisterMessageHandler("", noop))
	assert.Error(t, s.RegisterMessageHandler("x", nil))
	require.NoError(t, s.RegisterMessageHandler("x", noop))
	assert.Error(t, s.RegisterMessageHandler("x", noop))
	assert.Error(t, s.RegisterMessageHandler(TypeAuth, noop), "built-in types are reserved")
}

func TestAuthHandlerFlow(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, TypeAuth, map[string]string{"token": "garbage"})
	frame := nextFrame(t, sess)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "UNAUTHENTICATED", frame["code"])
	assert.False(t, sess.IsAuthenticated())

	token := issueToken(t, "user-1", "acme", []string{"trader"}, nil)
	send(s, sess, TypeAuth, map[string]string{"token": token})
	frame = nextFrame(t, sess)
	assert.Equal(t, "auth_ack", frame["type"])
	assert.Equal(t, "user-1", frame["user_id"])
	assert.True(t, sess.IsAuthenticated())

	// Re-auth on a bound session is rejected.
	send(s, sess, TypeAuth, map[string]string{"token": token})
	frame = nextFrame(t, sess)
	assert.Equal(t, "UNAUTHORIZED", frame["code"])
}

func TestSubscribePublishRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	publisher := registerSession(t, s, "")
	listener := registerSession(t, s, "")

	send(s, listener, TypeSubscribe, map[string]string{"channel": "news"})
	ack := nextFrame(t, listener)
	require.Equal(t, "subscribe_ack", ack["type"])
	assert.Equal(t, []any{"news"}, ack["channels"])

	send(s, publisher, TypePublish, map[string]any{"channel": "news", "data": map[string]string{"m": "hi"}})

	frame := nextFrame(t, listener)
	assert.Equal(t, "message", frame["type"])
	assert.Equal(t, "news", frame["channel"])
	assert.Equal(t, publisher.ID(), frame["sender"])
}

func TestSubscribeBatch(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, TypeSubscribe, map[string][]string{"channels": {"a", "b"}})
	ack := nextFrame(t, sess)
	require.Equal(t, "subscribe_ack", ack["type"])
	assert.ElementsMatch(t, []any{"a", "b"}, ack["channels"])
	assert.Equal(t, 2, s.channels.Count())
}

func TestTenantIsolationOverDispatch(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.TenantIsolation = true })
	sess := registerSession(t, s, "acme")

	send(s, sess, TypeSubscribe, map[string]string{"channel": "globex:secrets"})
	frame := nextFrame(t, sess)
	assert.Equal(t, "CHANNEL_NOT_PERMITTED", frame["code"])
	_, ok := s.sessions.Get(sess.ID())
	assert.True(t, ok, "permission denial keeps the session connected")

	send(s, sess, TypeSubscribe, map[string]string{"channel": "news"})
	ack := nextFrame(t, sess)
	require.Equal(t, "subscribe_ack", ack["type"])
	assert.Equal(t, []any{"acme:news"}, ack["channels"], "ack carries the tenant-qualified key")
}

func TestUnsubscribeHandler(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, TypeSubscribe, map[string]string{"channel": "news"})
	nextFrame(t, sess)
	require.Equal(t, 1, s.channels.Count())

	send(s, sess, TypeUnsubscribe, map[string]string{"channel": "news"})
	assert.Equal(t, "unsubscribe_ack", nextFrame(t, sess)["type"])
	assert.Equal(t, 0, s.channels.Count())

	// Repeating it is fine.
	send(s, sess, TypeUnsubscribe, map[string]string{"channel": "news"})
	assert.Equal(t, "unsubscribe_ack", nextFrame(t, sess)["type"])
}

func TestHeartbeatHandler(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, TypeHeartbeat, nil)
	frame := nextFrame(t, sess)
	assert.Equal(t, "pong", frame["type"])
	assert.NotZero(t, frame["ts"])
}

func TestMessageRateLimitStrikes(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.MessagesPerMinute = 60
		c.MessageBurst = 2
		c.RateLimitStrikes = 3
	})
	sess := registerSession(t, s, "")

	// Two within burst, then denials start accruing strikes.
	for i := 0; i < 2; i++ {
		send(s, sess, TypeHeartbeat, nil)
		require.Equal(t, "pong", nextFrame(t, sess)["type"])
	}

	for i := 0; i < 3; i++ {
		send(s, sess, TypeHeartbeat, nil)
		frame := nextFrame(t, sess)
		require.Equal(t, "RATE_LIMITED", frame["code"], "denial %d", i)
		assert.Equal(t, float64(1000), frame["retry_after_ms"])
	}

	_, ok := s.sessions.Get(sess.ID())
	assert.False(t, ok, "session terminated after repeated violations")
}

func TestTerminateCascadesChannelCleanup(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")

	send(s, sess, TypeSubscribe, map[string]string{"channel": "news"})
	nextFrame(t, sess)
	require.Equal(t, 1, s.channels.Count())

	s.sessions.Terminate(sess.ID(), "test")
	assert.Equal(t, 0, s.channels.Count(), "disconnect cascade destroys the emptied channel")
}

func TestServerBroadcastHelpers(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "acme")
	token := issueToken(t, "user-1", "acme", nil, nil)
	_, err := s.sessions.Authenticate(sess.ID(), token)
	require.NoError(t, err)

	send(s, sess, TypeSubscribe, map[string]string{"channel": "news"})
	nextFrame(t, sess)

	n, err := s.BroadcastToChannel(context.Background(), "acme", "news", json.RawMessage(`"x"`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	nextFrame(t, sess)

	n, err = s.BroadcastToUser(context.Background(), "user-1", json.RawMessage(`"y"`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	nextFrame(t, sess)

	n, err = s.BroadcastToTenant(context.Background(), "acme", json.RawMessage(`"z"`))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	registerSession(t, s, "")

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var health Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.ActiveSessions)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	sess := registerSession(t, s, "")
	send(s, sess, TypeHeartbeat, nil)

	rec := httptest.NewRecorder()
	s.handleStats(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, s.GatewayID(), stats.GatewayID)
	assert.Equal(t, 1, stats.ActiveSessions)
}

func TestDevTokenEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	s.handleDevToken(rec, httptest.NewRequest(http.MethodGet, "/auth/token?user=u1&tenant=acme&roles=admin", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	claims, err := s.verifier.Verify(body["token"])
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, "acme", claims.TenantID)
	assert.True(t, claims.HasRole("admin"))
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "plain", remoteAddr: "10.0.0.1:54321", want: "10.0.0.1"},
		{name: "forwarded single", remoteAddr: "10.0.0.1:54321", forwarded: "203.0.113.7", want: "203.0.113.7"},
		{name: "forwarded chain", remoteAddr: "10.0.0.1:54321", forwarded: "203.0.113.7, 70.41.3.18", want: "203.0.113.7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestShutdownRefusesNewUpgrades(t *testing.T) {
	s := newTestServer(t, nil)
	s.shuttingDown.Store(true)

	rec := httptest.NewRecorder()
	s.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireTokenRejectsAnonymousHandshake(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RequireToken = true })

	rec := httptest.NewRecorder()
	s.handleWebSocket(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, s.sessions.Count(), "no session created for a rejected handshake")
	assert.Equal(t, 0, s.channels.Count())

	rec = httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/ws?token=bogus", nil)
	s.handleWebSocket(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, s.sessions.Count())
}

// drainOutbound empties a session's queued frames.
func drainOutbound(s *session.Session) int {
	n := 0
	for {
		select {
		case <-s.Outbound():
			n++
		default:
			return n
		}
	}
}

func TestCrossInstanceChannelDelivery(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	url := "redis://" + mr.Addr()

	newInstance := func(busID string) *Server {
		rb, err := bus.NewRedis(busID, url, zerolog.Nop())
		require.NoError(t, err)
		srv, err := New(testConfig(), zerolog.Nop(), WithBus(rb))
		require.NoError(t, err)
		require.NoError(t, srv.Start())
		t.Cleanup(func() { srv.Shutdown(context.Background()) })
		return srv
	}

	inst1 := newInstance("bus-a")
	inst2 := newInstance("bus-b")

	// Client X subscribes to "orders" on instance 1; a local subscriber on
	// instance 2 proves single delivery on the publishing side.
	remote := registerSession(t, inst1, "")
	send(inst1, remote, TypeSubscribe, map[string]string{"channel": "orders"})
	require.Equal(t, "subscribe_ack", nextFrame(t, remote)["type"])

	local := registerSession(t, inst2, "")
	send(inst2, local, TypeSubscribe, map[string]string{"channel": "orders"})
	require.Equal(t, "subscribe_ack", nextFrame(t, local)["type"])

	// The channel manager's interest registration crosses a real pub/sub
	// hop; keep publishing until the link is proven live.
	require.Eventually(t, func() bool {
		if _, err := inst2.BroadcastToChannel(context.Background(), "", "orders", json.RawMessage(`"warmup"`)); err != nil {
			return false
		}
		return drainOutbound(remote) > 0
	}, 5*time.Second, 50*time.Millisecond, "publish on instance 2 must reach the subscriber on instance 1")

	// Let stragglers from the warmup publishes land before counting.
	time.Sleep(200 * time.Millisecond)
	drainOutbound(remote)
	drainOutbound(local)

	// One publish from instance 2: the instance-1 subscriber gets exactly
	// one relayed copy, the instance-2 subscriber exactly one local copy
	// with no self-relay duplicate.
	n, err := inst2.BroadcastToChannel(context.Background(), "", "orders", json.RawMessage(`{"order":42}`))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "local delivery count on the publishing instance")

	var relayed map[string]any
	require.Eventually(t, func() bool {
		select {
		case raw := <-remote.Outbound():
			return json.Unmarshal(raw, &relayed) == nil
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "message", relayed["type"])
	assert.Equal(t, "orders", relayed["channel"])
	assert.JSONEq(t, `{"order":42}`, string(mustMarshal(t, relayed["data"])))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 0, drainOutbound(remote), "exactly one relayed copy")
	assert.Equal(t, 1, drainOutbound(local), "publisher-side subscriber sees no self-relay duplicate")
}

func mustMarshal(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestStartAndShutdown(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.Start())

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", s.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, s.Shutdown(context.Background()))
}
