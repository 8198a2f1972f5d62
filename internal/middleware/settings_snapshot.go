package middleware

import "context"

// SettingsSource reads the process-wide settings store. The real store
// (key/value config, feature flags) lives outside the transport core — this
// is the narrow interface the core depends on, satisfied by whatever
// configuration backend the host process wires in.
type SettingsSource interface {
	Snapshot(ctx context.Context) (map[string]any, error)
}

// CallerSource resolves the server-asserted caller identity for a session.
// Like SettingsSource, the real implementation (tracking which agent session
// issued the current request) lives outside this package.
type CallerSource interface {
	CallerFor(sessionID, clientID string) Caller
}

// SettingsSnapshotMiddleware runs first (priority 10): it reads the settings
// store once per request and stores the snapshot under the reserved
// "settings" metadata key, and mirrors the trusted caller identity into the
// reserved "caller" key. It never blocks.
type SettingsSnapshotMiddleware struct {
	NoopHooks
	Settings SettingsSource
	Callers  CallerSource
}

func (m *SettingsSnapshotMiddleware) Name() string     { return "settings-snapshot" }
func (m *SettingsSnapshotMiddleware) Priority() int     { return 10 }
func (m *SettingsSnapshotMiddleware) AppliesTo(string) bool { return true }

func (m *SettingsSnapshotMiddleware) Validate(ctx context.Context, mctx *Context) (Result, error) {
	if m.Settings != nil {
		snap, err := m.Settings.Snapshot(ctx)
		if err != nil {
			// Settings lookup failures never block the request — the chain
			// simply proceeds with an empty snapshot, so later middlewares
			// default every setting to off.
			mctx.SetSettings(Settings{})
		} else {
			mctx.SetSettings(Settings(snap))
		}
	} else {
		mctx.SetSettings(Settings{})
	}

	if m.Callers != nil {
		mctx.SetCaller(m.Callers.CallerFor(mctx.SessionID, mctx.ClientID))
	} else {
		mctx.SetCaller(Caller{Type: CallerHuman})
	}

	return Result{Allowed: true}, nil
}
