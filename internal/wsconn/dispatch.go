package wsconn

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/adapter"
	"github.com/ecp-proto/ecp-server/internal/authfsm"
	"github.com/ecp-proto/ecp-server/internal/middleware"
	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// Metrics is the narrow set of counters the dispatch pipeline reports to, if
// configured. Kept as an interface here (rather than importing
// internal/metrics directly) so this package has no dependency on how the
// numbers are exported.
type Metrics interface {
	ObserveDispatch(method string, duration time.Duration, outcome string)
	IncMiddlewareRejection(middlewareName string)
}

// Dispatcher is the request-routing/dispatch pipeline: shape validation has
// already happened in Manager.handleFrame by the time Handle is called, so
// this owns the middleware chain, adapter routing, and response assembly.
type Dispatcher struct {
	Chain    *middleware.Chain
	Registry *adapter.Registry
	Auth     authfsm.Config
	Logger   *zap.Logger
	Metrics  Metrics
}

// Handle runs req through the middleware chain and, if allowed, the resolved
// adapter, then sends exactly one response (unless req is a notification).
func (d *Dispatcher) Handle(ctx context.Context, c *Connection, req *protocol.Request) {
	started := time.Now()

	a := d.Registry.Resolve(req.Method)
	if a == nil {
		d.finish(started, req.Method, "method_not_found")
		if !req.IsNotification {
			c.Send(protocol.NewErrorResponse(req.ID, protocol.NewError(
				protocol.CodeMethodNotFound, "Method not found: "+req.Method, nil)))
		}
		return
	}

	runResult, mctx := d.Chain.Run(ctx, req.Method, req.Params, d.Auth.WorkspaceRoot, c.Auth.SessionID(), c.ID)

	if !runResult.Allowed {
		if d.Metrics != nil {
			d.Metrics.IncMiddlewareRejection(runResult.BlockedBy)
		}
		d.finish(started, req.Method, "rejected")

		code := runResult.ErrorCode
		if code == 0 {
			code = protocol.CodeValidationFailed
		}
		dispatchErr := protocol.NewError(code, runResult.Feedback, runResult.ErrorData)
		if !req.IsNotification {
			c.Send(protocol.NewErrorResponse(req.ID, dispatchErr))
		}
		d.Chain.AfterExecuteAll(ctx, mctx, nil, dispatchErr)
		return
	}

	result := a.HandleRequest(ctx, req.Method, runResult.FinalParams)

	if result.Err != nil {
		d.finish(started, req.Method, "adapter_error")
		if !req.IsNotification {
			c.Send(protocol.NewErrorResponse(req.ID, result.Err))
		}
		d.Chain.AfterExecuteAll(ctx, mctx, nil, result.Err)
		return
	}

	d.finish(started, req.Method, "ok")
	if !req.IsNotification {
		c.Send(protocol.NewResult(req.ID, result.Value))
	}
	d.Chain.AfterExecuteAll(ctx, mctx, result.Value, nil)
}

func (d *Dispatcher) finish(started time.Time, method, outcome string) {
	if d.Metrics == nil {
		return
	}
	d.Metrics.ObserveDispatch(method, time.Since(started), outcome)
}
