package authfsm

import (
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstantTimeCompare_EqualAndUnequal(t *testing.T) {
	assert.True(t, ConstantTimeCompare("secret-token", "secret-token"))
	assert.False(t, ConstantTimeCompare("secret-token", "wrong-token-"))
	assert.False(t, ConstantTimeCompare("short", "a-much-longer-value"))
	assert.False(t, ConstantTimeCompare("", "nonempty"))
	assert.True(t, ConstantTimeCompare("", ""))
}

func TestConstantTimeCompare_SameLengthWrongValue(t *testing.T) {
	// No timing is measured here (too flaky under test schedulers): this only
	// checks the functional result for the correct value and for a wrong
	// value of the same length that differs from the first byte on.
	correct := "0123456789abcdef0123456789abcdef"
	wrongSameLen := "f0123456789abcdef0123456789abcde"
	assert.True(t, ConstantTimeCompare(correct, correct))
	assert.False(t, ConstantTimeCompare(correct, wrongSameLen))
}

func TestMaskToken(t *testing.T) {
	token := "0123456789abcdef0123456789abcdef"
	masked := MaskToken(token)
	assert.True(t, len(masked) == len(token))
	assert.Equal(t, "01234567", masked[:8])
	assert.Equal(t, "abcdef", masked[len(masked)-6:])
	assert.NotContains(t, masked, "456789")
}

func TestMaskToken_ShortToken(t *testing.T) {
	masked := MaskToken("short")
	assert.Equal(t, "*****", masked)
}

func TestNewSessionID_Format(t *testing.T) {
	id := NewSessionID()
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), id)
}

func TestMachine_AuthenticateAssignsSessionAndCancelsTimer(t *testing.T) {
	m := NewMachine()
	fired := false
	m.ArmHandshakeTimeout(50*time.Millisecond, func() { fired = true })

	sessionID, ok := m.Authenticate("client-1")
	require.True(t, ok)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), sessionID)
	assert.Equal(t, Authenticated, m.State())

	time.Sleep(80 * time.Millisecond)
	assert.False(t, fired, "handshake timer must be cancelled on successful auth")
}

func TestMachine_RejectCancelsTimerAndIsIdempotent(t *testing.T) {
	m := NewMachine()
	m.ArmHandshakeTimeout(20*time.Millisecond, func() { t.Error("timeout must not fire after reject") })

	require.True(t, m.Reject())
	assert.Equal(t, Rejected, m.State())
	assert.False(t, m.Reject(), "second reject on an already-resolved machine returns false")

	time.Sleep(40 * time.Millisecond)
}

func TestMachine_HandshakeTimeoutFiresOnce(t *testing.T) {
	m := NewMachine()
	var mu sync.Mutex
	count := 0
	m.ArmHandshakeTimeout(20*time.Millisecond, func() {
		if m.Reject() {
			mu.Lock()
			count++
			mu.Unlock()
		}
	})

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
	assert.Equal(t, Rejected, m.State())
}

func TestMachine_AuthenticateAfterRejectFails(t *testing.T) {
	m := NewMachine()
	require.True(t, m.Reject())
	_, ok := m.Authenticate("client-1")
	assert.False(t, ok)
}

func TestHandleHandshake_WrongToken(t *testing.T) {
	m := NewMachine()
	cfg := DefaultConfig()
	cfg.Token = "correct-token"

	result := HandleHandshake(m, cfg, "wrong-token", "client")
	assert.False(t, result.OK)
	require.NotNil(t, result.Err)
	assert.Equal(t, -32011, result.Err.Code)
	assert.Equal(t, Pending, m.State())
}

func TestHandleHandshake_CorrectToken(t *testing.T) {
	m := NewMachine()
	cfg := DefaultConfig()
	cfg.Token = "correct-token"

	result := HandleHandshake(m, cfg, "correct-token", "client")
	require.True(t, result.OK)
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{32}$`), result.SessionID)
	assert.Equal(t, Authenticated, m.State())
}

func TestStaleAfter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HeartbeatInterval = 30 * time.Second
	cfg.StaleMultiplier = 5
	assert.Equal(t, 150*time.Second, cfg.StaleAfter())

	cfg.HeartbeatInterval = 0
	assert.Equal(t, time.Duration(0), cfg.StaleAfter())
}
