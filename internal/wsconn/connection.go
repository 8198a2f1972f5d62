// Package wsconn implements the connection manager: accepting sockets, the
// per-connection Connection record and its read/write pumps, origin
// validation, the heartbeat subsystem, and the health/static HTTP surface.
package wsconn

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/authfsm"
	"github.com/ecp-proto/ecp-server/internal/protocol"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// maxMessageSize bounds an inbound ECP frame. JSON-RPC envelopes carrying
	// file contents can be large, so this is generous compared to a
	// pong-only websocket limit.
	maxMessageSize = 4 << 20 // 4 MiB

	// sendBufferSize is the per-connection outbound queue depth.
	sendBufferSize = 64
)

// ClientDescriptor is the name/version pair a peer reports during the
// handshake.
type ClientDescriptor struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Connection is one accepted socket. It is created when the socket opens
// and destroyed when it closes; all mutation of its
// own fields happens on its own read loop, except lastActivity (written by
// the read loop and its pong handler, read concurrently by the heartbeat)
// and the fields reached through *authfsm.Machine, which has its own
// internal synchronisation.
type Connection struct {
	ID   string
	conn *websocket.Conn

	Auth *authfsm.Machine

	clientInfo atomic.Pointer[ClientDescriptor]

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos

	send   chan *protocol.Response
	closed chan struct{}

	logger *zap.Logger
}

// newConnection wraps an already-upgraded *websocket.Conn.
func newConnection(id string, conn *websocket.Conn, logger *zap.Logger) *Connection {
	c := &Connection{
		ID:          id,
		conn:        conn,
		Auth:        authfsm.NewMachine(),
		connectedAt: time.Now(),
		send:        make(chan *protocol.Response, sendBufferSize),
		closed:      make(chan struct{}),
		logger:      logger.With(zap.String("conn_id", id)),
	}
	c.touch()
	return c
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent inbound frame or handshake.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// ConnectedAt returns when the socket was accepted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// SetClientInfo records the peer's self-reported name/version.
func (c *Connection) SetClientInfo(d ClientDescriptor) {
	c.clientInfo.Store(&d)
}

// ClientInfo returns the peer's self-reported name/version, or the zero
// value if the peer never reported one.
func (c *Connection) ClientInfo() ClientDescriptor {
	if d := c.clientInfo.Load(); d != nil {
		return *d
	}
	return ClientDescriptor{}
}

// IsAuthenticated satisfies notify.Recipient.
func (c *Connection) IsAuthenticated() bool {
	return c.Auth.State() == authfsm.Authenticated
}

// Send enqueues resp for delivery on this connection's write pump. It
// satisfies notify.Recipient and is also used directly by the dispatch
// pipeline for responses. Returns an error if the send buffer is full or the
// connection has already closed — callers must not block the caller's
// goroutine waiting on a slow peer.
func (c *Connection) Send(resp *protocol.Response) error {
	select {
	case <-c.closed:
		return errConnectionClosed
	default:
	}

	select {
	case c.send <- resp:
		return nil
	case <-c.closed:
		return errConnectionClosed
	default:
		// Buffer full: the peer is too slow to keep up. Sending must never
		// block or propagate past the caller — drop and let the heartbeat
		// eventually reap a genuinely dead peer.
		return errSendBufferFull
	}
}

// Close closes the underlying socket with the given close code/reason. Safe
// to call multiple times.
func (c *Connection) Close(code int, reason string) {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.Auth.CancelHandshakeTimeout()

	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = c.conn.Close()
}

// writePump is the sole writer of c.conn (gorilla/websocket connections are
// not safe for concurrent writes). It serialises every outbound frame from
// c.send, guaranteeing per-connection response ordering.
func (c *Connection) writePump() {
	for {
		select {
		case resp, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeJSON(resp); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeJSON(v any) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ping sends a protocol-level ping frame, used by the heartbeat. Runs on the
// heartbeat goroutine, not the write pump — gorilla/websocket documents
// WriteControl as safe to call concurrently with WriteMessage as long as
// at most one goroutine calls each.
func (c *Connection) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

var (
	errConnectionClosed = protocol.NewError(protocol.CodeInternalError, "connection closed", nil)
	errSendBufferFull   = protocol.NewError(protocol.CodeInternalError, "send buffer full", nil)
)

// upgrader performs the HTTP → WebSocket upgrade. Origin is validated
// separately in Manager.ServeWS before Upgrade is called, so CheckOrigin
// always accepts here — duplicating the policy in two places would let them
// drift out of sync.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
