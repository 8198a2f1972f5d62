package wsconn

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/authfsm"
)

// connectionGauges is implemented by a metrics registry that also wants
// periodic connection-count gauge updates. Checked via type assertion so
// ManagerConfig.Metrics can stay narrowly typed as HandshakeMetrics.
type connectionGauges interface {
	SetConnectionCounts(total, authenticated int)
}

// snapshotConnections copies the current connection table under a brief
// lock, then the caller acts on the copy outside the lock — the same
// principle broker.snapshotAuthenticated follows, so a slow or stuck peer
// during a heartbeat sweep never holds up new connections from registering.
func (m *Manager) snapshotConnections() []*Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		out = append(out, c)
	}
	return out
}

// StartHeartbeat starts the periodic staleness sweep. If cfg.HeartbeatInterval
// is zero the heartbeat is disabled and StartHeartbeat returns a no-op stop
// function. Scheduling itself is done with gocron, used here for a
// fixed-interval recurring task rather than a cron expression.
func (m *Manager) StartHeartbeat(ctx context.Context) (stop func(), err error) {
	if m.cfg.Auth.HeartbeatInterval <= 0 {
		return func() {}, nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(m.cfg.Auth.HeartbeatInterval),
		gocron.NewTask(func() { m.sweepHeartbeat() }),
	)
	if err != nil {
		return nil, err
	}

	sched.Start()
	return func() {
		_ = sched.Shutdown()
	}, nil
}

// sweepHeartbeat checks every Authenticated connection: compare now -
// lastActivity against the configured stale threshold; close stale peers
// with code 1001, otherwise send a ping. Pending connections are skipped —
// they are governed by their own handshake timer.
func (m *Manager) sweepHeartbeat() {
	staleAfter := m.cfg.Auth.StaleAfter()
	now := time.Now()

	conns := m.snapshotConnections()
	if gauges, ok := m.cfg.Metrics.(connectionGauges); ok {
		gauges.SetConnectionCounts(len(conns), m.AuthenticatedCount())
	}

	for _, c := range conns {
		if c.Auth.State() != authfsm.Authenticated {
			continue
		}

		if now.Sub(c.LastActivity()) > staleAfter {
			c.logger.Info("heartbeat: closing stale connection",
				zap.Duration("idle", now.Sub(c.LastActivity())))
			c.Close(1001, "Connection stale")
			continue
		}

		if err := c.ping(); err != nil {
			c.logger.Warn("heartbeat: ping failed, closing connection", zap.Error(err))
			c.Close(1001, "Connection unreachable")
		}
	}
}
