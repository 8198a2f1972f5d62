package refadapter

import (
	"context"
	"encoding/json"

	"github.com/ecp-proto/ecp-server/internal/adapter"
	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// SyntaxAdapter is a stub standing in for the real syntax-highlighting
// service, which is out of scope here. It answers syntax/highlight
// with an empty token list so the dispatch pipeline and registry have a
// second prefix to route against in tests and demos.
type SyntaxAdapter struct{}

// NewSyntaxAdapter creates a SyntaxAdapter.
func NewSyntaxAdapter() *SyntaxAdapter { return &SyntaxAdapter{} }

// HandleRequest satisfies adapter.Adapter.
func (a *SyntaxAdapter) HandleRequest(ctx context.Context, method string, params json.RawMessage) adapter.Result {
	switch method {
	case "syntax/highlight":
		return adapter.Result{Value: map[string]any{"tokens": []any{}}}
	default:
		return adapter.Result{Err: protocol.NewError(protocol.CodeMethodNotFound, "syntax adapter: unhandled method "+method, nil)}
	}
}
