package wsconn_test

import (
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

	"github.com/ecp-proto/ecp-server/internal/adapter"
	"github.com/ecp-proto/ecp-server/internal/authfsm"
	"github.com/ecp-proto/ecp-server/internal/httpserver"
	"github.com/ecp-proto/ecp-server/internal/middleware"
	"github.com/ecp-proto/ecp-server/internal/notify"
	"github.com/ecp-proto/ecp-server/internal/refadapter"
	"github.com/ecp-proto/ecp-server/internal/settingsstore"
	"github.com/ecp-proto/ecp-server/internal/wsconn"
)

// testServer bundles a running httptest server plus the pieces a test needs
// to reach into its configuration (the settings store, for working-set
// scenarios).
type testServer struct {
	httpSrv *httptest.Server
	wsURL   string
	store   *settingsstore.Store
	manager *wsconn.Manager
	broker  *notify.Broker
}

type testServerOptions struct {
	projectFolders   []string
	handshakeTimeout time.Duration
	maxConnections   int
}

func newTestServer(t *testing.T, opts testServerOptions) *testServer {
	t.Helper()

	logger := zap.NewNop()

	authCfg := authfsm.DefaultConfig()
	authCfg.Token = "correct-token"
	authCfg.WorkspaceRoot = "/repo"
	authCfg.HandshakeTimeout = 2 * time.Second
	authCfg.HeartbeatInterval = 0 // disabled unless a test opts in
	if opts.handshakeTimeout > 0 {
		authCfg.HandshakeTimeout = opts.handshakeTimeout
	}

	store := settingsstore.New(opts.projectFolders, false)

	chain := middleware.NewChain()
	chain.Register(&middleware.SettingsSnapshotMiddleware{Settings: store, Callers: store})
	chain.Register(&middleware.WorkingSetMiddleware{Source: store})

	broker := notify.NewBroker()
	registry := adapter.NewRegistry()
	fileAdapter := refadapter.NewFileAdapter(authCfg.WorkspaceRoot)
	registry.Register("file/", fileAdapter, func(method string, params any) { broker.Publish(method, params) })
	registry.Register("syntax/", refadapter.NewSyntaxAdapter(), nil)

	dispatcher := &wsconn.Dispatcher{
		Chain:    chain,
		Registry: registry,
		Auth:     authCfg,
		Logger:   logger,
	}

	manager := wsconn.NewManager(wsconn.ManagerConfig{
		Auth:           authCfg,
		MaxConnections: opts.maxConnections,
		Chain:          chain,
		Dispatch:       dispatcher,
		Broker:         broker,
		Logger:         logger,
	})

	router := httpserver.NewRouter(httpserver.Config{
		Manager: manager,
		Logger:  logger,
	})

	httpSrv := httptest.NewServer(router)

	return &testServer{
		httpSrv: httpSrv,
		wsURL:   "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws",
		store:   store,
		manager: manager,
		broker:  broker,
	}
}

func (s *testServer) Close() {
	s.manager.Shutdown()
	s.httpSrv.Close()
}

type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type wireError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func readEnvelope(t *testing.T, conn *websocket.Conn) wireEnvelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

// Happy-path handshake.
func TestIntegration_HappyPathHandshake(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	required := readEnvelope(t, conn)
	assert.Equal(t, "auth/required", required.Method)
	var params map[string]any
	require.NoError(t, json.Unmarshal(required.Params, &params))
	assert.Equal(t, "1.0.0", params["serverVersion"])
	assert.EqualValues(t, 2000, params["timeout"])

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "auth/handshake",
		"params":  map[string]any{"token": "correct-token", "client": map[string]any{"name": "t"}},
	})

	resp := readEnvelope(t, conn)
	assert.Equal(t, `"1"`, string(resp.ID))
	require.Nil(t, resp.Error)
	var result map[string]any
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Regexp(t, `^[0-9a-f]{32}$`, result["sessionId"])
}

// Wrong token.
func TestIntegration_WrongToken(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEnvelope(t, conn) // auth/required

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "auth/handshake",
		"params":  map[string]any{"token": "wrong", "client": map[string]any{"name": "t"}},
	})

	resp := readEnvelope(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32011, resp.Error.Code)

	closed := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(closed)
				return
			}
		}
	}()
	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("connection was not closed within 500ms of a failed handshake")
	}
}

// Handshake timeout.
func TestIntegration_HandshakeTimeout(t *testing.T) {
	srv := newTestServer(t, testServerOptions{handshakeTimeout: 200 * time.Millisecond})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEnvelope(t, conn) // auth/required

	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env wireEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	require.NotNil(t, env.Error)
	assert.Equal(t, -32012, env.Error.Code)
}

// Working-set rejection.
func TestIntegration_WorkingSetRejection(t *testing.T) {
	srv := newTestServer(t, testServerOptions{projectFolders: []string{"src"}})
	defer srv.Close()
	srv.store.SetEnforcementEnabled(true)
	srv.store.SetDefaultCaller(middleware.Caller{Type: middleware.CallerAgent, AgentID: "a1"})

	conn := authenticate(t, srv)
	defer conn.Close()

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "2",
		"method":  "file/write",
		"params":  map[string]any{"uri": "file:///repo/other/x.ts", "content": ""},
	})

	resp := readEnvelope(t, conn)
	require.NotNil(t, resp.Error)
	var data map[string]any
	require.NoError(t, json.Unmarshal(resp.Error.Data, &data))
	assert.Equal(t, "OUTSIDE_WORKING_SET", data["code"])
	assert.Equal(t, "/repo/other/x.ts", data["target"])
}

// Rename requires both sides inside the working set.
func TestIntegration_RenameBothSidesMustBeInside(t *testing.T) {
	srv := newTestServer(t, testServerOptions{projectFolders: []string{"src"}})
	defer srv.Close()
	srv.store.SetEnforcementEnabled(true)
	srv.store.SetDefaultCaller(middleware.Caller{Type: middleware.CallerAgent, AgentID: "a1"})

	conn := authenticate(t, srv)
	defer conn.Close()

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "3",
		"method":  "file/rename",
		"params": map[string]any{
			"oldUri": "file:///repo/src/a.ts",
			"newUri": "file:///repo/other/b.ts",
		},
	})

	resp := readEnvelope(t, conn)
	require.NotNil(t, resp.Error)
	var data map[string]any
	require.NoError(t, json.Unmarshal(resp.Error.Data, &data))
	assert.Equal(t, "/repo/other/b.ts", data["target"])
}

// Broadcast fan-out reaches only authenticated peers.
func TestIntegration_BroadcastOnlyToAuthenticated(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	defer srv.Close()

	connA := authenticate(t, srv)
	defer connA.Close()

	connB, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer connB.Close()
	readEnvelope(t, connB) // auth/required; B stays Pending

	srv.broker.Publish("file/changed", map[string]any{"uri": "file:///repo/a.ts"})

	notification := readEnvelope(t, connA)
	assert.Equal(t, "file/changed", notification.Method)

	connB.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = connB.ReadMessage()
	assert.Error(t, err, "a pending connection must not receive the broadcast")
}

func TestIntegration_HealthEndpoint(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn)

	resp := httpGetJSON(t, srv.httpSrv.URL+"/health")
	assert.Equal(t, "ok", resp["status"])
	assert.EqualValues(t, 1, resp["clients"])
}

func TestIntegration_PendingConnectionCannotDispatch(t *testing.T) {
	srv := newTestServer(t, testServerOptions{})
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	readEnvelope(t, conn) // auth/required

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "1",
		"method":  "file/write",
		"params":  map[string]any{"uri": "a.ts", "content": "x"},
	})

	resp := readEnvelope(t, conn)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32010, resp.Error.Code)
}

func TestIntegration_MaxConnectionsRejectsWithServiceUnavailable(t *testing.T) {
	srv := newTestServer(t, testServerOptions{maxConnections: 1})
	defer srv.Close()

	first, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	defer first.Close()
	readEnvelope(t, first)

	_, httpResp, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, httpResp)
	assert.Equal(t, http.StatusServiceUnavailable, httpResp.StatusCode)
}

func authenticate(t *testing.T, srv *testServer) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(srv.wsURL, nil)
	require.NoError(t, err)
	readEnvelope(t, conn) // auth/required

	sendEnvelope(t, conn, map[string]any{
		"jsonrpc": "2.0",
		"id":      "auth",
		"method":  "auth/handshake",
		"params":  map[string]any{"token": "correct-token", "client": map[string]any{"name": "t"}},
	})
	resp := readEnvelope(t, conn)
	require.Nil(t, resp.Error)
	return conn
}

func httpGetJSON(t *testing.T, url string) map[string]any {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}
