// Package notify implements the notification broker: adapters publish
// server-initiated events here, and the broker fans them out to every
// currently authenticated connection. There is no per-topic subscription —
// every authenticated connection receives every notification.
package notify

import (
	"sync"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// Recipient is the narrow interface the broker needs from a connection: a
// way to check it is still authenticated and a way to hand it an outbound
// frame. The concrete websocket connection implements this.
type Recipient interface {
	IsAuthenticated() bool
	Send(resp *protocol.Response) error
}

// Broker fans server-initiated notifications out to every authenticated
// recipient currently registered.
type Broker struct {
	mu         sync.RWMutex
	recipients map[string]Recipient
}

// NewBroker creates an empty Broker.
func NewBroker() *Broker {
	return &Broker{recipients: make(map[string]Recipient)}
}

// Register adds a recipient under id, overwriting any previous entry with
// the same id (connection ids are never reused within a server lifetime,
// so this is only ever an insert in practice).
func (b *Broker) Register(id string, r Recipient) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recipients[id] = r
}

// Unregister removes a recipient, called when its connection closes.
func (b *Broker) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.recipients, id)
}

// Publish sends method/params as a notification to every connection that is
// Authenticated at the moment of send. Per-recipient send failures (a socket
// that closed mid-flight) are caught and discarded — no error ever
// propagates out of Publish.
func (b *Broker) Publish(method string, params any) {
	notification := protocol.NewNotification(method, params)

	for _, r := range b.snapshotAuthenticated() {
		_ = r.Send(notification)
	}
}

// snapshotAuthenticated copies the current authenticated recipient set under
// a brief read lock so Publish never holds the lock while blocking on a
// slow connection's Send — the same principle that keeps the heartbeat
// sweep from holding any shared lock during its per-connection iteration.
func (b *Broker) snapshotAuthenticated() []Recipient {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Recipient, 0, len(b.recipients))
	for _, r := range b.recipients {
		if r.IsAuthenticated() {
			out = append(out, r)
		}
	}
	return out
}

// Count returns the number of currently registered recipients, regardless of
// auth state. Used by /health.
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.recipients)
}

// AuthenticatedCount returns the number of currently authenticated
// recipients. Used by /health.
func (b *Broker) AuthenticatedCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, r := range b.recipients {
		if r.IsAuthenticated() {
			n++
		}
	}
	return n
}
