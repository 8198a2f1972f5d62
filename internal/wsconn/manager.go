package wsconn

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/authfsm"
	"github.com/ecp-proto/ecp-server/internal/middleware"
	"github.com/ecp-proto/ecp-server/internal/notify"
	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// ErrMaxConnections names the condition of a full connection table. ServeWS
// refuses such an upgrade by answering 503 directly; no function in this
// package returns this error.
var ErrMaxConnections = errors.New("wsconn: max connections reached")

// OriginPolicy decides whether an incoming upgrade request is accepted.
type OriginPolicy struct {
	// AllowList, if non-empty, matches an Origin exactly or as a prefix.
	// A single "*" entry disables the check entirely.
	AllowList []string

	// BoundHost is the hostname the server is bound to (e.g. from --port's
	// companion --bind-host), accepted alongside localhost/127.0.0.1.
	BoundHost string
}

// Allow applies the configured origin policy.
func (p OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		// No Origin header: a non-browser client (CLI, agent). Accept.
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == "*" {
			return true
		}
		if origin == allowed || strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	if len(p.AllowList) > 0 {
		return false
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || (p.BoundHost != "" && host == p.BoundHost)
}

// ManagerConfig bundles everything Manager needs beyond what it builds
// itself.
type ManagerConfig struct {
	Auth           authfsm.Config
	MaxConnections int
	Origin         OriginPolicy
	Chain          *middleware.Chain
	Dispatch       *Dispatcher
	Broker         *notify.Broker
	Logger         *zap.Logger
	Metrics        HandshakeMetrics
}

// HandshakeMetrics is the narrow metrics surface the connection manager
// itself reports to, separate from Dispatcher's Metrics interface since a
// handshake failure happens before any request is ever dispatched.
type HandshakeMetrics interface {
	IncHandshakeFailure()
}

// Manager owns the connection table, accepts upgrades, and exposes
// broadcast/count operations to the rest of the server.
type Manager struct {
	cfg ManagerConfig

	mu          sync.Mutex
	connections map[string]*Connection
	nextID      atomic.Int64

	startedAt time.Time
}

// NewManager creates a Manager. Call ServeWS/ServeHealth as HTTP handlers and
// StartHeartbeat once to schedule the heartbeat sweep.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:         cfg,
		connections: make(map[string]*Connection),
		startedAt:   time.Now(),
	}
}

func (m *Manager) nextConnectionID() string {
	// Connection ids are never reused within a server lifetime. A
	// monotonically increasing counter guarantees this far more cheaply
	// than a random id.
	n := m.nextID.Add(1)
	return "conn-" + strconv.FormatInt(n, 10)
}

// count returns the number of tracked connections (all states).
func (m *Manager) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

// AuthenticatedCount returns the number of Authenticated connections.
func (m *Manager) AuthenticatedCount() int {
	return m.cfg.Broker.AuthenticatedCount()
}

// ServeWS handles GET /ws: the WebSocket upgrade endpoint. It enforces the
// connection cap and origin policy before upgrading, then runs the
// connection's read loop until the socket closes.
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !m.cfg.Origin.Allow(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	if m.cfg.MaxConnections > 0 && m.count() >= m.cfg.MaxConnections {
		http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.cfg.Logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	id := m.nextConnectionID()
	c := newConnection(id, conn, m.cfg.Logger)

	m.mu.Lock()
	m.connections[id] = c
	m.mu.Unlock()
	m.cfg.Broker.Register(id, c)

	defer func() {
		m.mu.Lock()
		delete(m.connections, id)
		m.mu.Unlock()
		m.cfg.Broker.Unregister(id)
	}()

	m.startConnection(r, c)
}

// startConnection performs the legacy-token fast path (or arms the regular
// handshake timeout), then runs the read/write pumps until the socket
// closes.
func (m *Manager) startConnection(r *http.Request, c *Connection) {
	go c.writePump()

	legacyToken := r.URL.Query().Get("token")
	if m.cfg.Auth.LegacyAuth && legacyToken != "" {
		if authfsm.ConstantTimeCompare(legacyToken, m.cfg.Auth.Token) {
			clientID := authfsm.NewClientID()
			sessionID := c.Auth.AuthenticateLegacy(clientID)
			c.logger.Warn("ws: legacy query-token auth used; deprecated, prefer auth/handshake")
			c.Send(protocol.NewNotification("server/connected", map[string]any{
				"clientId":      clientID,
				"sessionId":     sessionID,
				"serverVersion": m.cfg.Auth.ServerVersion,
				"workspaceRoot": m.cfg.Auth.WorkspaceRoot,
			}))
		} else {
			c.Auth.Reject()
			m.incHandshakeFailure()
			c.Send(protocol.NewErrorResponse(protocol.ID{}, protocol.NewError(
				protocol.CodeInvalidToken, "Authentication failed: invalid token", nil)))
			m.closeAfterGrace(c, 4001, "handshake failed")
			m.drainReadLoop(c)
			return
		}
	} else {
		c.Send(protocol.NewNotification("auth/required", map[string]any{
			"serverVersion": m.cfg.Auth.ServerVersion,
			"timeout":       m.cfg.Auth.HandshakeTimeout.Milliseconds(),
		}))
		c.Auth.ArmHandshakeTimeout(m.cfg.Auth.HandshakeTimeout, func() {
			if c.Auth.Reject() {
				m.incHandshakeFailure()
				c.Send(protocol.NewErrorResponse(protocol.ID{}, protocol.NewError(
					protocol.CodeHandshakeTimeout, "Authentication failed: handshake timeout", nil)))
				c.Close(4000, "handshake timeout")
			}
		})
	}

	m.readLoop(r.Context(), c)
}

// readLoop is the per-connection read task. It is the sole writer of c's
// own auth-transition-triggering fields.
func (m *Manager) readLoop(ctx context.Context, c *Connection) {
	defer func() {
		c.Close(1000, "connection closed")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		c.touch()
		m.handleFrame(ctx, c, data)
	}
}

// drainReadLoop is used on the reject-then-close-with-grace path: we still
// need ReadMessage to unblock once the close frame round-trips, but we
// don't want to run the full dispatch loop against a connection that is
// already Rejected.
func (m *Manager) drainReadLoop(c *Connection) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// closeAfterGrace closes c after a short delay, giving the write pump time
// to flush the error response already enqueued.
func (m *Manager) closeAfterGrace(c *Connection, code int, reason string) {
	time.AfterFunc(100*time.Millisecond, func() {
		c.Close(code, reason)
	})
}

func (m *Manager) incHandshakeFailure() {
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.IncHandshakeFailure()
	}
}

// handleFrame parses and dispatches a single inbound frame, applying the
// auth gate before handing it to the dispatch pipeline.
func (m *Manager) handleFrame(ctx context.Context, c *Connection, data []byte) {
	env, perr := protocol.Parse(data)
	if perr != nil {
		c.Send(protocol.NewErrorResponse(protocol.ID{}, protocol.NewError(
			protocol.CodeParseError, "Parse error", nil)))
		return
	}

	req, verr := protocol.ValidateEnvelope(env)
	if verr != nil {
		c.Send(protocol.NewErrorResponse(env.ID, verr))
		return
	}

	state := c.Auth.State()

	if state == authfsm.Rejected {
		// No request at all is dispatched while Rejected.
		return
	}

	if state == authfsm.Pending {
		if req.Method == "auth/handshake" {
			m.handleHandshake(c, req)
			return
		}
		if !req.IsNotification {
			c.Send(protocol.NewErrorResponse(req.ID, protocol.NewError(
				protocol.CodeNotAuthenticated, "Authentication required", nil)))
		}
		return
	}

	// Authenticated: route through the full dispatch pipeline.
	m.cfg.Dispatch.Handle(ctx, c, req)
}

// handleHandshake processes an auth/handshake request from a Pending
// connection.
func (m *Manager) handleHandshake(c *Connection, req *protocol.Request) {
	var params struct {
		Token  string `json:"token"`
		Client struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"client"`
	}
	if len(req.Params) > 0 {
		_ = jsonUnmarshalLenient(req.Params, &params)
	}

	result := authfsm.HandleHandshake(c.Auth, m.cfg.Auth, params.Token, params.Client.Name)

	if !result.OK {
		c.Send(protocol.NewErrorResponse(req.ID, result.Err))
		c.Auth.Reject()
		m.incHandshakeFailure()
		m.closeAfterGrace(c, 4001, "handshake failed")
		return
	}

	c.SetClientInfo(ClientDescriptor{Name: params.Client.Name, Version: params.Client.Version})

	c.Send(protocol.NewResult(req.ID, map[string]any{
		"clientId":      result.ClientID,
		"sessionId":     result.SessionID,
		"serverVersion": m.cfg.Auth.ServerVersion,
		"workspaceRoot": m.cfg.Auth.WorkspaceRoot,
	}))
}

// Shutdown closes every tracked connection with code 1000.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.Close(1000, "Server shutting down")
	}
}

// HealthStatus is the JSON shape of GET /health.
type HealthStatus struct {
	Status         string `json:"status"`
	Clients        int    `json:"clients"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

// ServeHealth handles GET /health.
func (m *Manager) ServeHealth(w http.ResponseWriter, r *http.Request) {
	status := HealthStatus{
		Status:        "ok",
		Clients:       m.count(),
		UptimeSeconds: int64(time.Since(m.startedAt).Seconds()),
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = jsonEncode(w, v)
}
