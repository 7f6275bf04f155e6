package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"github.com/morezero/sockr/internal/config"
	"github.com/morezero/sockr/pkg/bridge"
)

const serverTestPrefix = "server:server_test"

// testConfig returns a config that needs no database or broker.
func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:             "127.0.0.1:0",
		WSPath:               "/ws",
		HealthCheckTimeout:   5 * time.Second,
		MetricsEnabled:       true,
		ServiceName:          "test",
		BroadcastPrefix:      "sockr.channels.",
		HeartbeatInterval:    time.Minute,
		ChannelSweepInterval: time.Minute,
		WriteTimeout:         5 * time.Second,
		ReadLimit:            1 << 20,
		AuthMode:             config.AuthAnybody,
		ProtocolVersionParam: "v",
		CacheBackend:         config.CacheMemory,
		CachePurgeInterval:   time.Minute,
	}
}

type testServer struct {
	*Server
	http *httptest.Server
	ws   string
}

func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *testServer {
	t.Helper()
	s, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("%s - New: %v", serverTestPrefix, err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.sup.Shutdown("test done")
		s.Close()
	})
	return &testServer{Server: s, http: srv, ws: "ws" + strings.TrimPrefix(srv.URL, "http") + cfg.WSPath}
}

func (ts *testServer) get(t *testing.T, path string) (int, string) {
	t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	if err != nil {
		t.Fatalf("%s - GET %s: %v", serverTestPrefix, path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("%s - read %s: %v", serverTestPrefix, path, err)
	}
	return resp.StatusCode, string(body)
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(ts.ws, nil)
	if err != nil {
		t.Fatalf("%s - dial: %v", serverTestPrefix, err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// call sends one request and returns the next frame.
func call(t *testing.T, ws *websocket.Conn, service, method string, params any) map[string]any {
	t.Helper()
	frame := map[string]any{"header": map[string]any{"service": service, "method": method}}
	if params != nil {
		frame["params"] = params
	}
	if err := ws.WriteJSON(frame); err != nil {
		t.Fatalf("%s - write: %v", serverTestPrefix, err)
	}
	return read(t, ws)
}

func read(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m map[string]any
	if err := ws.ReadJSON(&m); err != nil {
		t.Fatalf("%s - read: %v", serverTestPrefix, err)
	}
	return m
}

func errorName(m map[string]any) string {
	e, _ := m["error"].(map[string]any)
	name, _ := e["name"].(string)
	return name
}

func TestHealthHandler_Healthy(t *testing.T) {
	ts := newTestServer(t, testConfig())

	code, body := ts.get(t, "/health")
	if code != http.StatusOK {
		t.Errorf("%s - health got status %d, want 200", serverTestPrefix, code)
	}
	var out Health
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("%s - decode health: %v", serverTestPrefix, err)
	}
	if out.Status != "healthy" || out.Connections != 0 {
		t.Errorf("%s - health = %+v", serverTestPrefix, out)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ts.checks = append(ts.checks, healthCheck{name: "database", fn: func(context.Context) error {
		return errors.New("connection refused")
	}})

	code, body := ts.get(t, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("%s - health got status %d, want 503", serverTestPrefix, code)
	}
	var out Health
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("%s - decode health: %v", serverTestPrefix, err)
	}
	if out.Status != "unhealthy" || out.Checks["database"] != "connection refused" {
		t.Errorf("%s - health = %+v", serverTestPrefix, out)
	}
}

func TestReadyHandler(t *testing.T) {
	ts := newTestServer(t, testConfig())
	code, body := ts.get(t, "/ready")
	if code != http.StatusOK {
		t.Errorf("%s - ready got status %d, want 200", serverTestPrefix, code)
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		t.Fatalf("%s - decode ready: %v", serverTestPrefix, err)
	}
	if out["status"] != "ready" {
		t.Errorf("%s - status = %q, want ready", serverTestPrefix, out["status"])
	}
}

func TestHandleHome(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ws := ts.dial(t)
	call(t, ws, "channels", "join", map[string]any{"channel": "lobby"})

	code, body := ts.get(t, "/")
	if code != http.StatusOK {
		t.Fatalf("%s - home got status %d, want 200", serverTestPrefix, code)
	}
	for _, want := range []string{"healthy", "lobby", "channels", "system", "publish"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - home page should mention %q", serverTestPrefix, want)
		}
	}

	if code, _ := ts.get(t, "/other"); code != http.StatusNotFound {
		t.Errorf("%s - /other got status %d, want 404", serverTestPrefix, code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ws := ts.dial(t)
	call(t, ws, "system", "ping", nil)

	code, body := ts.get(t, "/metrics")
	if code != http.StatusOK {
		t.Fatalf("%s - metrics got status %d, want 200", serverTestPrefix, code)
	}
	for _, want := range []string{"sockr_requests_total", "sockr_active_connections", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Errorf("%s - metrics should expose %s", serverTestPrefix, want)
		}
	}

	cfg := testConfig()
	cfg.MetricsEnabled = false
	off := newTestServer(t, cfg)
	if code, _ := off.get(t, "/metrics"); code != http.StatusNotFound {
		t.Errorf("%s - disabled metrics got status %d, want 404", serverTestPrefix, code)
	}
}

func TestSystemService(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ws := ts.dial(t)

	if got := call(t, ws, "system", "ping", nil); got["data"] != "pong" {
		t.Errorf("%s - ping = %v", serverTestPrefix, got)
	}

	got := call(t, ws, "system", "time", nil)
	data, _ := got["data"].(map[string]any)
	if data["server"] != "test" || data["version"] != Version {
		t.Errorf("%s - time = %v", serverTestPrefix, got)
	}
	if _, err := time.Parse(time.RFC3339Nano, data["time"].(string)); err != nil {
		t.Errorf("%s - time is not RFC 3339: %v", serverTestPrefix, err)
	}
}

func TestSystemService_Time(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	sys := &systemService{name: "edge", started: started, now: func() time.Time { return started.Add(90 * time.Second) }}
	got, err := sys.Time(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := timeResult{Server: "edge", Version: Version, Time: started.Add(90 * time.Second), Uptime: 90}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("%s - Time mismatch (-want +got):\n%s", serverTestPrefix, diff)
	}
}

func TestChannelService_Membership(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ws := ts.dial(t)

	tests := []struct {
		method string
		params any
		want   any
	}{
		{"join", map[string]any{"channel": "news"}, map[string]any{"channel": "news", "changed": true, "members": float64(1)}},
		{"join", map[string]any{"channel": "news"}, map[string]any{"channel": "news", "changed": false, "members": float64(1)}},
		{"join", map[string]any{"channel": "sports"}, map[string]any{"channel": "sports", "changed": true, "members": float64(1)}},
		{"list", nil, []any{"news", "sports"}},
		{"leave", map[string]any{"channel": "sports"}, map[string]any{"channel": "sports", "changed": true, "members": float64(0)}},
		{"leave", map[string]any{"channel": "unknown"}, map[string]any{"channel": "unknown", "changed": false, "members": float64(0)}},
		{"list", nil, []any{"news"}},
	}
	for i, tt := range tests {
		got := call(t, ws, "channels", tt.method, tt.params)
		if diff := cmp.Diff(tt.want, got["data"]); diff != "" {
			t.Errorf("%s - step %d %s mismatch (-want +got):\n%s", serverTestPrefix, i, tt.method, diff)
		}
	}
}

func TestChannelService_Validation(t *testing.T) {
	ts := newTestServer(t, testConfig())
	ws := ts.dial(t)

	tests := []struct {
		name   string
		method string
		params any
	}{
		{"empty channel", "join", map[string]any{"channel": ""}},
		{"wildcard channel", "join", map[string]any{"channel": "news.>"}},
		{"publish without data", "publish", map[string]any{"channel": "news"}},
		{"publish without joining", "publish", map[string]any{"channel": "news", "data": "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := call(t, ws, "channels", tt.method, tt.params)
			if errorName(got) != "ValidationError" {
				t.Errorf("%s - response = %v, want ValidationError", serverTestPrefix, got)
			}
		})
	}
}

func TestChannelService_Publish(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice, bob := ts.dial(t), ts.dial(t)
	call(t, alice, "channels", "join", map[string]any{"channel": "chat"})
	call(t, bob, "channels", "join", map[string]any{"channel": "chat"})

	got := call(t, alice, "channels", "publish", map[string]any{"channel": "chat", "data": "hello"})
	if got["data"] != true {
		t.Fatalf("%s - publish response = %v", serverTestPrefix, got)
	}
	frame := read(t, bob)
	header, _ := frame["header"].(map[string]any)
	if frame["data"] != "hello" || header["channel"] != "chat" {
		t.Errorf("%s - bob received %v", serverTestPrefix, frame)
	}

	// With echo the broadcast reaches the publisher before the reply.
	if echoed := call(t, alice, "channels", "publish", map[string]any{"channel": "chat", "data": "again", "echo": true}); echoed["data"] != "again" {
		t.Errorf("%s - echoed frame = %v", serverTestPrefix, echoed)
	}
	if reply := read(t, alice); reply["data"] != true {
		t.Errorf("%s - echo reply = %v", serverTestPrefix, reply)
	}
	if frame := read(t, bob); frame["data"] != "again" {
		t.Errorf("%s - bob received %v", serverTestPrefix, frame)
	}
}

func TestChannelService_InfoIsCached(t *testing.T) {
	ts := newTestServer(t, testConfig())
	alice, bob := ts.dial(t), ts.dial(t)
	call(t, alice, "channels", "join", map[string]any{"channel": "room"})

	first := call(t, alice, "channels", "info", map[string]any{"channel": "room"})
	if diff := cmp.Diff(map[string]any{"channel": "room", "members": float64(1)}, first["data"]); diff != "" {
		t.Errorf("%s - info mismatch (-want +got):\n%s", serverTestPrefix, diff)
	}
	if first["cached"] != nil {
		t.Errorf("%s - first info must not be cached", serverTestPrefix)
	}
	if second := call(t, alice, "channels", "info", map[string]any{"channel": "room"}); second["cached"] != true {
		t.Errorf("%s - second info should be served from cache: %v", serverTestPrefix, second)
	}

	// A join drops the cached entry.
	call(t, bob, "channels", "join", map[string]any{"channel": "room"})
	third := call(t, alice, "channels", "info", map[string]any{"channel": "room"})
	if third["cached"] != nil {
		t.Errorf("%s - info after join must be fresh: %v", serverTestPrefix, third)
	}
	if data, _ := third["data"].(map[string]any); data["members"] != float64(2) {
		t.Errorf("%s - members after join = %v", serverTestPrefix, third["data"])
	}
}

func TestChannelService_NoCache(t *testing.T) {
	cfg := testConfig()
	cfg.CacheBackend = config.CacheNone
	ts := newTestServer(t, cfg)
	if ts.Cache() != nil {
		t.Fatalf("%s - cache should be disabled", serverTestPrefix)
	}
	ws := ts.dial(t)
	call(t, ws, "channels", "info", map[string]any{"channel": "room"})
	if got := call(t, ws, "channels", "info", map[string]any{"channel": "room"}); got["cached"] != nil {
		t.Errorf("%s - info must not be cached without a store: %v", serverTestPrefix, got)
	}
}

func TestBridge_TwoServers(t *testing.T) {
	bus := bridge.NewMemoryBus()
	east := newTestServer(t, testConfig(), WithPubSub(bus))
	west := newTestServer(t, testConfig(), WithPubSub(bus))

	alice, bob := east.dial(t), west.dial(t)
	call(t, alice, "channels", "join", map[string]any{"channel": "global"})
	call(t, bob, "channels", "join", map[string]any{"channel": "global"})

	call(t, alice, "channels", "publish", map[string]any{"channel": "global", "data": "across"})
	frame := read(t, bob)
	header, _ := frame["header"].(map[string]any)
	if frame["data"] != "across" || header["channel"] != "global" {
		t.Errorf("%s - bob received %v", serverTestPrefix, frame)
	}

	code, body := east.get(t, "/")
	if code != http.StatusOK || !strings.Contains(body, east.bridge.ID()) {
		t.Errorf("%s - status page should show the bridge id", serverTestPrefix)
	}
}

func TestNewAuthenticator(t *testing.T) {
	secret := "s3cret"
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		query   string
		wantErr bool
	}{
		{name: "anybody", mutate: func(*config.Config) {}},
		{name: "jwt without token", mutate: func(c *config.Config) { c.AuthMode = config.AuthJWT; c.JWTSecret = secret }, wantErr: true},
		{name: "jwt with token", mutate: func(c *config.Config) { c.AuthMode = config.AuthJWT; c.JWTSecret = secret }, query: "token=" + token},
		{name: "version accepted", mutate: func(c *config.Config) { c.ProtocolVersionConstraint = "^1.2" }, query: "v=1.4.0"},
		{name: "version rejected", mutate: func(c *config.Config) { c.ProtocolVersionConstraint = "^1.2" }, query: "v=2.0.0", wantErr: true},
		{name: "version optional", mutate: func(c *config.Config) { c.ProtocolVersionConstraint = "^1.2" }},
		{name: "version required", mutate: func(c *config.Config) {
			c.ProtocolVersionConstraint = "^1.2"
			c.ProtocolVersionRequired = true
		}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			a, err := newAuthenticator(cfg)
			if err != nil {
				t.Fatalf("%s - newAuthenticator: %v", serverTestPrefix, err)
			}
			_, err = a.Authenticate(httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil))
			if (err != nil) != tt.wantErr {
				t.Errorf("%s - Authenticate error = %v, wantErr %v", serverTestPrefix, err, tt.wantErr)
			}
		})
	}
}

func TestNewAuthenticator_BadConstraint(t *testing.T) {
	cfg := testConfig()
	cfg.ProtocolVersionConstraint = "not a constraint"
	if _, err := newAuthenticator(cfg); err == nil {
		t.Errorf("%s - expected error for invalid constraint", serverTestPrefix)
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	s, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.serve(ctx, ln) }()

	url := "ws://" + ln.Addr().String() + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("%s - dial: %v", serverTestPrefix, err)
	}
	defer ws.Close()
	if got := call(t, ws, "system", "ping", nil); got["data"] != "pong" {
		t.Fatalf("%s - ping = %v", serverTestPrefix, got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("%s - serve returned %v", serverTestPrefix, err)
		}
	case <-time.After(15 * time.Second):
		t.Fatalf("%s - serve did not return after cancel", serverTestPrefix)
	}

	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err = ws.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseGoingAway {
		t.Errorf("%s - client should see a going-away close, got %v", serverTestPrefix, err)
	}
	if s.sup.Len() != 0 {
		t.Errorf("%s - connections left after shutdown: %d", serverTestPrefix, s.sup.Len())
	}
}
