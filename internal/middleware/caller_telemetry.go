package middleware

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// fileMutationMethods is the set of ECP methods that mutate workspace files,
// shared by CallerTelemetryMiddleware and WorkingSetMiddleware.
var fileMutationMethods = []string{
	"file/write",
	"file/edit",
	"file/delete",
	"file/rename",
	"file/create",
	"document/save",
}

func isFileMutation(method string) bool {
	for _, m := range fileMutationMethods {
		if m == method {
			return true
		}
	}
	return false
}

// CallerTelemetryMiddleware is a no-op validator (priority 20) that exists
// purely to demonstrate the AfterExecute hook contract: it records the
// caller identity for audit once a file-mutation request has completed,
// without sitting on the critical path.
type CallerTelemetryMiddleware struct {
	Logger *zap.Logger

	mu      sync.Mutex
	audited []AuditEntry
}

// AuditEntry is one recorded file-mutation event.
type AuditEntry struct {
	Method   string
	Caller   Caller
	Success  bool
}

func (m *CallerTelemetryMiddleware) Name() string { return "caller-telemetry" }
func (m *CallerTelemetryMiddleware) Priority() int { return 20 }

func (m *CallerTelemetryMiddleware) AppliesTo(method string) bool {
	return isFileMutation(method)
}

func (m *CallerTelemetryMiddleware) Validate(context.Context, *Context) (Result, error) {
	return Result{Allowed: true}, nil
}

func (m *CallerTelemetryMiddleware) AfterExecute(_ context.Context, mctx *Context, _ any, dispatchErr *protocol.Error) {
	caller, _ := mctx.GetCaller()
	entry := AuditEntry{Method: mctx.Method, Caller: caller, Success: dispatchErr == nil}

	m.mu.Lock()
	m.audited = append(m.audited, entry)
	m.mu.Unlock()

	if m.Logger != nil {
		m.Logger.Info("file mutation audited",
			zap.String("method", entry.Method),
			zap.String("caller_type", string(caller.Type)),
			zap.String("agent_id", caller.AgentID),
			zap.Bool("success", entry.Success),
		)
	}
}

// Audited returns a copy of the recorded audit entries, for tests.
func (m *CallerTelemetryMiddleware) Audited() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditEntry, len(m.audited))
	copy(out, m.audited)
	return out
}

// stripFileScheme removes a leading "file://" from a URI.
func stripFileScheme(s string) string {
	return strings.TrimPrefix(s, "file://")
}
