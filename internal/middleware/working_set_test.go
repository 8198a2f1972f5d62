package middleware

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWorkingSetSource struct {
	project   []string
	overrides map[string][]string
	bypassed  map[string]bool
}

func (f *fakeWorkingSetSource) ProjectFolders(context.Context) []string { return f.project }

func (f *fakeWorkingSetSource) SessionOverride(_ context.Context, sessionID string) ([]string, bool) {
	v, ok := f.overrides[sessionID]
	return v, ok
}

func (f *fakeWorkingSetSource) Bypassed(_ context.Context, caller Caller) bool {
	return f.bypassed[caller.AgentID]
}

func newGovernedContext(method string, params []byte, enforcement bool, caller Caller) *Context {
	mctx := NewContext(method, params, "/repo", "sess-1", "client-1")
	mctx.SetSettings(Settings{"governance.workingSet.enforcementEnabled": enforcement})
	mctx.SetCaller(caller)
	return mctx
}

func TestWorkingSet_PassesWhenEnforcementDisabled(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/other/x.ts"}`), false, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWorkingSet_HumanCallerAlwaysAllowed(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/other/x.ts"}`), true, Caller{Type: CallerHuman})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWorkingSet_BypassedAgentAllowed(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{
		project:  []string{"src"},
		bypassed: map[string]bool{"trusted-agent": true},
	}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/other/x.ts"}`), true, Caller{Type: CallerAgent, AgentID: "trusted-agent"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWorkingSet_OutsideWorkingSetRejected(t *testing.T) {
	// Working-set rejection scenario.
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/other/x.ts","content":""}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data, ok := res.ErrorData.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "OUTSIDE_WORKING_SET", data["code"])
	assert.Equal(t, "/repo/other/x.ts", data["target"])
}

func TestWorkingSet_InsideWorkingSetAllowed(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/src/a.ts"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestWorkingSet_RenameRequiresBothSidesInside(t *testing.T) {
	// Rename requires both sides inside the working set.
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	params := []byte(`{"oldUri":"file:///repo/src/a.ts","newUri":"file:///repo/other/b.ts"}`)
	mctx := newGovernedContext("file/rename", params, true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data := res.ErrorData.(map[string]any)
	assert.Equal(t, "/repo/other/b.ts", data["target"])
}

func TestWorkingSet_RenameMissingOneSideRejectedAsTargetUnknown(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	params := []byte(`{"oldUri":"file:///repo/src/a.ts"}`)
	mctx := newGovernedContext("file/rename", params, true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data := res.ErrorData.(map[string]any)
	assert.Equal(t, "WORKING_SET_TARGET_UNKNOWN", data["code"])
}

func TestWorkingSet_EmptyWorkingSetRejectsFileMutation(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: nil}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/src/a.ts"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data := res.ErrorData.(map[string]any)
	assert.Equal(t, "WORKING_SET_EMPTY", data["code"])
}

func TestWorkingSet_TerminalExecEmptyWorkingSetRejected(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: nil}}
	mctx := newGovernedContext("terminal/exec", []byte(`{"command":"ls"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data := res.ErrorData.(map[string]any)
	assert.Equal(t, "WORKING_SET_EMPTY", data["code"])
}

func TestWorkingSet_TerminalExecWithNonEmptyWorkingSetAllowed(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("terminal/exec", []byte(`{"command":"rm -rf /"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the core never parses shell commands, only checks working-set emptiness")
}

func TestWorkingSet_SessionOverrideTakesPrecedenceOverProject(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{
		project:   []string{"src"},
		overrides: map[string][]string{"sess-1": {"docs"}},
	}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/src/a.ts"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.False(t, res.Allowed, "session override replaces, not extends, the project list")
}

func TestWorkingSet_NoPathExtractableRejectedAsTargetUnknown(t *testing.T) {
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"content":"no path field"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	require.False(t, res.Allowed)
	data := res.ErrorData.(map[string]any)
	assert.Equal(t, "WORKING_SET_TARGET_UNKNOWN", data["code"])
}

func TestWorkingSet_AdjacentFolderPrefixIsNotAMatch(t *testing.T) {
	// "src-backup" must not be treated as inside "src".
	mw := &WorkingSetMiddleware{Source: &fakeWorkingSetSource{project: []string{"src"}}}
	mctx := newGovernedContext("file/write", []byte(`{"uri":"file:///repo/src-backup/a.ts"}`), true, Caller{Type: CallerAgent, AgentID: "a1"})

	res, err := mw.Validate(context.Background(), mctx)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}
