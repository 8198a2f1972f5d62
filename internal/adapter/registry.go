// Package adapter implements the method-prefix routing table. Each
// registered Adapter owns a prefix of the ECP method namespace ("file/",
// "syntax/", "ai/", …) and the registry routes every dispatched request to
// the adapter whose prefix matches, longest prefix winning when prefixes
// nest.
package adapter

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// Result is what an Adapter returns for a handled request: exactly one of
// Result or Err is meaningful.
type Result struct {
	Value any
	Err   *protocol.Error
}

// Notifier is the callback an Adapter uses to publish server-initiated
// notifications, handed to it once at registration time.
type Notifier func(method string, params any)

// Adapter satisfies requests for the method prefix it is registered under.
// SetNotificationHandler is optional — it lives on the separate
// NotificationSetter interface, and an adapter that never publishes
// notifications simply does not implement it.
type Adapter interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) Result
}

// NotificationSetter is implemented by adapters that publish server-initiated
// events (optionally via setNotificationHandler(fn)).
type NotificationSetter interface {
	SetNotificationHandler(fn Notifier)
}

type registration struct {
	prefix  string
	adapter Adapter
	order   int
}

// Registry maps method-name prefixes to adapters. Longest-prefix match is
// the routing policy, so a nested prefix wins over the prefix it extends;
// registration order only breaks ties between identical prefixes.
type Registry struct {
	mu    sync.RWMutex
	regs  []registration
	count int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register binds prefix to adapter and wires notifier into it if it
// implements NotificationSetter.
func (r *Registry) Register(prefix string, a Adapter, notifier Notifier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ns, ok := a.(NotificationSetter); ok && notifier != nil {
		ns.SetNotificationHandler(notifier)
	}

	r.regs = append(r.regs, registration{prefix: prefix, adapter: a, order: r.count})
	r.count++
}

// Resolve finds the adapter whose prefix matches method by longest-prefix,
// breaking ties by earliest registration order. Returns nil if no prefix
// matches (MethodNotFound at the dispatch layer).
func (r *Registry) Resolve(method string) Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *registration
	for i := range r.regs {
		reg := &r.regs[i]
		if !hasPrefix(method, reg.prefix) {
			continue
		}
		if best == nil ||
			len(reg.prefix) > len(best.prefix) ||
			(len(reg.prefix) == len(best.prefix) && reg.order < best.order) {
			best = reg
		}
	}
	if best == nil {
		return nil
	}
	return best.adapter
}

func hasPrefix(method, prefix string) bool {
	return len(method) >= len(prefix) && method[:len(prefix)] == prefix
}

// Prefixes returns every registered prefix in registration order, for
// diagnostics and tests.
func (r *Registry) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.regs))
	for i, reg := range r.regs {
		out[i] = reg.prefix
	}
	return out
}
