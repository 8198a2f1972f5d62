// Package middleware implements the priority-ordered validator chain that
// sits between the dispatch pipeline and the adapter registry.
package middleware

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// Reserved metadata keys. Defined as typed accessors below rather than raw
// string lookups at call sites.
const (
	metaKeySettings = "settings"
	metaKeyCaller   = "caller"
)

// Settings is a read-only snapshot of process-wide configuration, captured
// once per request by the Settings Snapshot middleware so downstream
// validators never reach into live config.
type Settings map[string]any

// Bool reads a dotted key (e.g. "governance.workingSet.enforcementEnabled")
// as a boolean, defaulting to false if absent or not a bool.
func (s Settings) Bool(key string) bool {
	v, ok := s[key]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// CallerType distinguishes a human-operated UI action from an
// agent-initiated one. Only the server asserts this — it is never taken
// from request params.
type CallerType string

const (
	CallerHuman CallerType = "human"
	CallerAgent CallerType = "agent"
)

// Caller is the server-asserted identity of the request originator.
type Caller struct {
	Type        CallerType
	AgentID     string
	ExecutionID string
	RoleType    string
}

// Context is the per-request state threaded through the middleware chain.
type Context struct {
	Method        string
	Params        []byte
	WorkspaceRoot string
	SessionID     string
	ClientID      string

	metaMu sync.Mutex
	meta   map[string]any
}

// NewContext builds an empty Context for a single request.
func NewContext(method string, params []byte, workspaceRoot, sessionID, clientID string) *Context {
	return &Context{
		Method:        method,
		Params:        params,
		WorkspaceRoot: workspaceRoot,
		SessionID:     sessionID,
		ClientID:      clientID,
		meta:          make(map[string]any),
	}
}

// Set stores a value in the metadata bag.
func (c *Context) Set(key string, value any) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	c.meta[key] = value
}

// Get retrieves a value from the metadata bag.
func (c *Context) Get(key string) (any, bool) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	v, ok := c.meta[key]
	return v, ok
}

// Metadata returns a shallow copy of the metadata bag, used when reporting
// the final chain result.
func (c *Context) Metadata() map[string]any {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	out := make(map[string]any, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// SetSettings stores the settings snapshot under the reserved key.
func (c *Context) SetSettings(s Settings) { c.Set(metaKeySettings, s) }

// GetSettings retrieves the settings snapshot, or an empty Settings if the
// Settings Snapshot middleware has not run yet (e.g. in a unit test).
func (c *Context) GetSettings() Settings {
	v, ok := c.Get(metaKeySettings)
	if !ok {
		return Settings{}
	}
	s, _ := v.(Settings)
	return s
}

// SetCaller stores the server-asserted caller identity under the reserved
// key.
func (c *Context) SetCaller(caller Caller) { c.Set(metaKeyCaller, caller) }

// GetCaller retrieves the caller identity. ok is false if no middleware has
// asserted one yet.
func (c *Context) GetCaller() (Caller, bool) {
	v, ok := c.Get(metaKeyCaller)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

// Result is what a single middleware's Validate returns.
type Result struct {
	Allowed       bool
	Feedback      string
	ModifiedParams []byte
	ErrorData     any
	ErrorCode     int
}

// Middleware is the interface every validator in the chain implements.
// AppliesTo narrows which methods it runs for. Validate may rewrite params
// (by returning ModifiedParams) or block the request. AfterExecute and
// Init/Shutdown are optional lifecycle hooks, detected by type assertion
// against AfterExecutor, Initializer and Shutdowner.
type Middleware interface {
	Name() string
	Priority() int
	AppliesTo(method string) bool
	Validate(ctx context.Context, mctx *Context) (Result, error)
}

// Initializer is implemented by middlewares with start-up work.
type Initializer interface {
	Init(ctx context.Context) error
}

// Shutdowner is implemented by middlewares with teardown work.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

// AfterExecutor is implemented by middlewares that observe the final result
// of a dispatched request without being able to alter it: the response has
// already been serialized.
type AfterExecutor interface {
	AfterExecute(ctx context.Context, mctx *Context, result any, dispatchErr *protocol.Error)
}

// NoopHooks is an empty marker some middlewares embed to show they implement
// none of the optional lifecycle interfaces. It adds no methods; a middleware
// without it behaves the same.
type NoopHooks struct{}

// Chain holds the registered middlewares, always sorted by ascending
// priority.
type Chain struct {
	mu    sync.RWMutex
	items []Middleware
}

// NewChain creates an empty Chain.
func NewChain() *Chain {
	return &Chain{}
}

// Register appends mw and re-sorts the chain by priority. Lower priority
// numbers run first; ties keep insertion order (Go's sort.SliceStable).
func (c *Chain) Register(mw Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, mw)
	sort.SliceStable(c.items, func(i, j int) bool {
		return c.items[i].Priority() < c.items[j].Priority()
	})
}

// Unregister removes the middleware with the given name, if present. Used by
// tests verifying that register/unregister round-trips leave the chain
// identical to its prior state.
func (c *Chain) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, mw := range c.items {
		if mw.Name() == name {
			c.items = append(c.items[:i:i], c.items[i+1:]...)
			return
		}
	}
}

// snapshot returns the current chain contents under lock, safe to range over
// after the lock is released since registration only appends/rebuilds.
func (c *Chain) snapshot() []Middleware {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Middleware, len(c.items))
	copy(out, c.items)
	return out
}

// InitAll runs Init on every middleware that implements Initializer, in
// chain order. Called once at server start-up.
func (c *Chain) InitAll(ctx context.Context) error {
	for _, mw := range c.snapshot() {
		if init, ok := mw.(Initializer); ok {
			if err := init.Init(ctx); err != nil {
				return fmt.Errorf("middleware: init %q: %w", mw.Name(), err)
			}
		}
	}
	return nil
}

// ShutdownAll runs Shutdown on every middleware that implements Shutdowner.
func (c *Chain) ShutdownAll(ctx context.Context) {
	for _, mw := range c.snapshot() {
		if sd, ok := mw.(Shutdowner); ok {
			_ = sd.Shutdown(ctx)
		}
	}
}

// RunResult is the outcome of running the full chain against one request.
type RunResult struct {
	Allowed     bool
	BlockedBy   string
	Feedback    string
	ErrorData   any
	ErrorCode   int
	FinalParams []byte
	Metadata    map[string]any
}

// Run executes every applicable middleware in priority order. A middleware
// that rewrites params (ModifiedParams) hands the new value to the next one
// in line. The first middleware that returns Allowed=false stops the chain.
// A panic or error from Validate is treated as a rejection whose feedback is
// "Middleware error: " + message.
func (c *Chain) Run(ctx context.Context, method string, params []byte, workspaceRoot, sessionID, clientID string) (res RunResult, mctx *Context) {
	mctx = NewContext(method, params, workspaceRoot, sessionID, clientID)

	for _, mw := range c.snapshot() {
		if !mw.AppliesTo(method) {
			continue
		}

		result, err := safeValidate(ctx, mw, mctx)
		if err != nil {
			return RunResult{
				Allowed:   false,
				BlockedBy: mw.Name(),
				Feedback:  "Middleware error: " + err.Error(),
				Metadata:  mctx.Metadata(),
			}, mctx
		}

		if result.ModifiedParams != nil {
			mctx.Params = result.ModifiedParams
		}

		if !result.Allowed {
			return RunResult{
				Allowed:     false,
				BlockedBy:   mw.Name(),
				Feedback:    result.Feedback,
				ErrorData:   result.ErrorData,
				ErrorCode:   result.ErrorCode,
				FinalParams: mctx.Params,
				Metadata:    mctx.Metadata(),
			}, mctx
		}
	}

	return RunResult{
		Allowed:     true,
		FinalParams: mctx.Params,
		Metadata:    mctx.Metadata(),
	}, mctx
}

// AfterExecuteAll runs every applicable middleware's AfterExecute hook. It is
// invoked once the response has already been serialized and sent, so hooks
// cannot alter it — only log, meter, or enrich out-of-band state.
func (c *Chain) AfterExecuteAll(ctx context.Context, mctx *Context, result any, dispatchErr *protocol.Error) {
	for _, mw := range c.snapshot() {
		if !mw.AppliesTo(mctx.Method) {
			continue
		}
		if ae, ok := mw.(AfterExecutor); ok {
			ae.AfterExecute(ctx, mctx, result, dispatchErr)
		}
	}
}

// safeValidate recovers from a panicking Validate implementation and turns it
// into an error, since a thrown exception must be treated the same as a
// returned rejection.
func safeValidate(ctx context.Context, mw Middleware, mctx *Context) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return mw.Validate(ctx, mctx)
}
