// Package authfsm implements the per-connection authentication state
// machine: Pending → Authenticated | Rejected, the handshake timeout, and
// the constant-time shared-secret comparison that guards the transition.
package authfsm

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// State is one of the three auth states a connection can occupy.
type State int

const (
	Pending State = iota
	Authenticated
	Rejected
)

// String implements fmt.Stringer for logging.
func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Authenticated:
		return "authenticated"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Config is the process-wide, immutable-after-start auth configuration.
type Config struct {
	// Token is the shared secret presented by clients during the handshake.
	Token string

	// HandshakeTimeout bounds how long a Pending connection may go without
	// completing the handshake before it is Rejected. Default 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often the heartbeat subsystem ticks. 0 disables
	// heartbeat entirely. Default 30s.
	HeartbeatInterval time.Duration

	// StaleMultiplier is how many HeartbeatInterval periods of inactivity
	// mark a connection stale. Default 5.
	StaleMultiplier int

	// LegacyAuth enables the `?token=` query-parameter handshake at upgrade
	// time, for clients that cannot set a header during the WebSocket upgrade.
	// Default true.
	LegacyAuth bool

	// ServerVersion is reported in auth/required and the handshake result.
	ServerVersion string

	// WorkspaceRoot is reported in the handshake success result.
	WorkspaceRoot string
}

// DefaultConfig fills in the documented defaults for everything except Token
// and WorkspaceRoot, which have no sane default.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StaleMultiplier:   5,
		LegacyAuth:        true,
		ServerVersion:     "1.0.0",
	}
}

// StaleAfter returns the duration of inactivity after which a connection is
// considered stale, or 0 if heartbeat is disabled.
func (c Config) StaleAfter() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 0
	}
	mult := c.StaleMultiplier
	if mult <= 0 {
		mult = 5
	}
	return c.HeartbeatInterval * time.Duration(mult)
}

// ConstantTimeCompare compares a and b in a manner whose running time does
// not depend on where the first differing byte occurs, including when the
// two inputs have different lengths.
//
// subtle.ConstantTimeCompare refuses mismatched lengths outright (a length
// check that is itself a side channel).
// Instead we always walk max(len(a), len(b)) bytes: real bytes are compared
// where both slices have data, and a fixed dummy byte stands in past the end
// of the shorter slice, so the number of XOR operations performed never
// varies with the length of the attacker-supplied input.
func ConstantTimeCompare(a, b string) bool {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}

	var diff byte
	// diff starts with the length mismatch folded in, without an early
	// return, so a wrong-length guess costs the same number of iterations
	// as a right-length one.
	if len(a) != len(b) {
		diff = 1
	}

	for i := 0; i < n; i++ {
		var ca, cb byte
		if i < len(a) {
			ca = a[i]
		}
		if i < len(b) {
			cb = b[i]
		}
		diff |= ca ^ cb
	}

	return diff == 0
}

// GenerateToken returns 32 random bytes hex-encoded, the default shared
// secret minted once per server invocation.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// MaskToken renders a token with everything but the first and last 8
// characters replaced by asterisks, for the one-time startup log line, so
// an operator can confirm the right token without ever logging it in full.
func MaskToken(token string) string {
	if len(token) <= 16 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + strings.Repeat("*", len(token)-16) + token[len(token)-8:]
}

// NewSessionID returns a 32-character lowercase hex session id. A UUIDv4
// with its dashes stripped is exactly 32 hex characters, matching the wire
// contract (`^[0-9a-f]{32}$`) without inventing a bespoke ID format.
func NewSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewClientID returns an opaque client id handed back in the handshake
// result. Plain UUID form (with dashes) — nothing in the wire contract
// constrains its shape, unlike the session id.
func NewClientID() string {
	return uuid.NewString()
}

// Machine is the per-connection auth state. Transitions are made by the
// connection's read loop and by the handshake-timeout callback, which runs on
// its own timer goroutine; the mutex here serialises those transitions and
// guards the heartbeat and notification broker reading State/SessionID
// concurrently from other goroutines.
type Machine struct {
	mu        sync.RWMutex
	state     State
	sessionID string
	clientID  string

	timerMu sync.Mutex
	timer   *time.Timer
}

// NewMachine creates a Machine in the Pending state.
func NewMachine() *Machine {
	return &Machine{state: Pending}
}

// State returns the current auth state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// SessionID returns the session id assigned at handshake success, or "" if
// not yet authenticated.
func (m *Machine) SessionID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionID
}

// ClientID returns the client id assigned at handshake success, or "".
func (m *Machine) ClientID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clientID
}

// ArmHandshakeTimeout starts the handshake timer, invoking onTimeout exactly
// once if no handshake result arrives first. A Pending connection has
// exactly one active timer at a time; calling this
// twice without an intervening Cancel replaces the previous timer.
func (m *Machine) ArmHandshakeTimeout(d time.Duration, onTimeout func()) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, onTimeout)
}

// CancelHandshakeTimeout stops the handshake timer, if any. It is called
// inside the same critical section as every Pending→{Authenticated,Rejected}
// transition so a late-firing timer can never double-reject a connection
// — a late timer firing after the state already changed is a no-op.
func (m *Machine) CancelHandshakeTimeout() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// Authenticate transitions Pending → Authenticated, assigning sessionID and
// clientID, and cancels the handshake timer. Returns false if the machine is
// not currently Pending (a concurrent timeout or rejection already resolved
// it).
func (m *Machine) Authenticate(clientID string) (sessionID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Pending {
		return "", false
	}
	m.state = Authenticated
	m.sessionID = NewSessionID()
	m.clientID = clientID
	m.CancelHandshakeTimeout()
	return m.sessionID, true
}

// AuthenticateLegacy transitions directly to Authenticated outside the
// regular Pending flow, used when legacy query-token auth already succeeded
// at upgrade time via the legacy `?token=` query parameter.
func (m *Machine) AuthenticateLegacy(clientID string) (sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Authenticated
	m.sessionID = NewSessionID()
	m.clientID = clientID
	return m.sessionID
}

// Reject transitions Pending → Rejected. Returns false if the machine was
// not Pending.
func (m *Machine) Reject() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Pending {
		return false
	}
	m.state = Rejected
	m.CancelHandshakeTimeout()
	return true
}

// HandshakeResult is returned by HandleHandshake: the outcome of validating
// an auth/handshake request against the configured token.
type HandshakeResult struct {
	OK        bool
	SessionID string
	ClientID  string
	Err       *protocol.Error
}

// HandleHandshake validates a handshake token against cfg using constant-time
// comparison and, on success, transitions m to Authenticated.
func HandleHandshake(m *Machine, cfg Config, presentedToken, clientName string) HandshakeResult {
	if !ConstantTimeCompare(presentedToken, cfg.Token) {
		return HandshakeResult{Err: protocol.NewError(protocol.CodeInvalidToken, "Authentication failed: invalid token", nil)}
	}

	clientID := NewClientID()
	sessionID, ok := m.Authenticate(clientID)
	if !ok {
		// Connection already resolved (timeout raced the handshake). Treat as
		// a rejection rather than silently succeeding against a closed state.
		return HandshakeResult{Err: protocol.NewError(protocol.CodeInvalidToken, "Authentication failed: connection no longer pending", nil)}
	}

	return HandshakeResult{OK: true, SessionID: sessionID, ClientID: clientID}
}
