// Package settingsstore provides the small in-process settings/caller/
// working-set store the CLI wires into the middleware chain. A live editor
// configuration service and a real session-to-agent caller resolver are out
// of scope; this is a minimal stand-in so Working-Set Governance and the
// settings snapshot are exercised end to end rather than left unreachable.
package settingsstore

import (
	"context"
	"strings"
	"sync"

	"github.com/ecp-proto/ecp-server/internal/middleware"
)

// Store holds process-wide settings, per-session working-set overrides, and
// the agent bypass list, all mutable at runtime (e.g. via a future settings
// adapter) but seeded once by the CLI at startup.
type Store struct {
	mu sync.RWMutex

	settings        map[string]any
	projectFolders  []string
	sessionOverride map[string][]string
	bypassAgentIDs  map[string]struct{}
	defaultCaller   middleware.Caller
	sessionCaller   map[string]middleware.Caller
}

// New creates a Store seeded with projectFolders as the project-level
// working set and enforcementEnabled as the initial governance toggle. Every
// session defaults to a human caller until SetDefaultCaller or
// SetSessionCaller says otherwise.
func New(projectFolders []string, enforcementEnabled bool) *Store {
	return &Store{
		settings: map[string]any{
			"governance.workingSet.enforcementEnabled": enforcementEnabled,
		},
		projectFolders:  projectFolders,
		sessionOverride: make(map[string][]string),
		bypassAgentIDs:  make(map[string]struct{}),
		defaultCaller:   middleware.Caller{Type: middleware.CallerHuman},
		sessionCaller:   make(map[string]middleware.Caller),
	}
}

// SetProjectFolders replaces the project-level working set.
func (s *Store) SetProjectFolders(folders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projectFolders = folders
}

// SetBypassAgentIDs replaces the set of agent ids exempt from Working-Set
// Governance.
func (s *Store) SetBypassAgentIDs(ids []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bypassAgentIDs = make(map[string]struct{}, len(ids))
	for _, id := range ids {
		s.bypassAgentIDs[strings.TrimSpace(id)] = struct{}{}
	}
}

// SetSessionOverride sets a per-session working-set override, used by a
// future settings adapter or test harness.
func (s *Store) SetSessionOverride(sessionID string, folders []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionOverride[sessionID] = folders
}

// SetEnforcementEnabled toggles governance.workingSet.enforcementEnabled.
func (s *Store) SetEnforcementEnabled(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings["governance.workingSet.enforcementEnabled"] = enabled
}

// Snapshot satisfies middleware.SettingsSource.
func (s *Store) Snapshot(ctx context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.settings))
	for k, v := range s.settings {
		out[k] = v
	}
	return out, nil
}

// SetDefaultCaller sets the caller identity asserted for every session that
// has no per-session override, replacing the human default. A real
// deployment would resolve this from whatever binds an agent execution to a
// session, outside this core's scope; this lets an operator assert it
// directly (e.g. a headless agent backend where every connection is the
// same execution context).
func (s *Store) SetDefaultCaller(caller middleware.Caller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultCaller = caller
}

// SetSessionCaller asserts caller as the identity for sessionID specifically,
// overriding the default for that session only. Used by a future settings
// adapter or test harness that needs a mix of human and agent callers on
// the same server.
func (s *Store) SetSessionCaller(sessionID string, caller middleware.Caller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionCaller[sessionID] = caller
}

// CallerFor satisfies middleware.CallerSource.
func (s *Store) CallerFor(sessionID, clientID string) middleware.Caller {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if caller, ok := s.sessionCaller[sessionID]; ok {
		return caller
	}
	return s.defaultCaller
}

// ProjectFolders satisfies middleware.WorkingSetSource.
func (s *Store) ProjectFolders(ctx context.Context) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.projectFolders))
	copy(out, s.projectFolders)
	return out
}

// SessionOverride satisfies middleware.WorkingSetSource.
func (s *Store) SessionOverride(ctx context.Context, sessionID string) ([]string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	folders, ok := s.sessionOverride[sessionID]
	return folders, ok
}

// Bypassed satisfies middleware.WorkingSetSource. Only agent callers can be
// bypassed — a human caller is always allowed regardless of this check, so
// WorkingSetMiddleware never calls Bypassed for one.
func (s *Store) Bypassed(ctx context.Context, caller middleware.Caller) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.bypassAgentIDs[caller.AgentID]
	return ok
}
