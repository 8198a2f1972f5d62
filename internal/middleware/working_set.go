package middleware

import (
	"context"
	"encoding/json"
	"path"
	"path/filepath"
	"strings"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// terminalExecMethods is the set of methods the Working-Set Governance
// middleware treats as shell execution rather than file mutation.
var terminalExecMethods = []string{"terminal/exec", "terminal/run"}

func isTerminalExec(method string) bool {
	for _, m := range terminalExecMethods {
		if m == method {
			return true
		}
	}
	return false
}

// WorkingSetSource resolves the effective working set (session override, or
// project list) and the bypass list of agent ids/role types, all sourced
// from live settings outside this package.
type WorkingSetSource interface {
	// ProjectFolders returns the project-level working set.
	ProjectFolders(ctx context.Context) []string
	// SessionOverride returns the session-level override for sessionID, and
	// whether one is configured at all.
	SessionOverride(ctx context.Context, sessionID string) ([]string, bool)
	// Bypassed reports whether caller is exempt from governance (by agent id
	// or role type allow-list).
	Bypassed(ctx context.Context, caller Caller) bool
}

// WorkingSetMiddleware is the Working-Set Governance policy engine,
// priority 40, applying to file mutations and terminal exec.
type WorkingSetMiddleware struct {
	NoopHooks
	Source WorkingSetSource
}

func (m *WorkingSetMiddleware) Name() string { return "working-set-governance" }
func (m *WorkingSetMiddleware) Priority() int { return 40 }

func (m *WorkingSetMiddleware) AppliesTo(method string) bool {
	return isFileMutation(method) || isTerminalExec(method)
}

func (m *WorkingSetMiddleware) Validate(ctx context.Context, mctx *Context) (Result, error) {
	settings := mctx.GetSettings()
	if !settings.Bool("governance.workingSet.enforcementEnabled") {
		return Result{Allowed: true}, nil
	}

	caller, _ := mctx.GetCaller()
	if caller.Type == CallerHuman {
		return Result{Allowed: true}, nil
	}

	if m.Source != nil && m.Source.Bypassed(ctx, caller) {
		return Result{Allowed: true}, nil
	}

	workingSet := m.effectiveWorkingSet(ctx, mctx.SessionID)

	if isTerminalExec(mctx.Method) {
		if len(workingSet) == 0 {
			return reject(protocol.CodeValidationFailed, "WORKING_SET_EMPTY",
				"The working set is empty; terminal commands are blocked until a working set is configured.", nil)
		}
		return Result{Allowed: true}, nil
	}

	targets, err := extractTargets(mctx.Method, mctx.Params)
	if err != nil {
		return reject(protocol.CodeValidationFailed, "WORKING_SET_TARGET_UNKNOWN",
			"Could not determine the target path(s) of this operation; denying by default.", nil)
	}

	if len(workingSet) == 0 {
		return reject(protocol.CodeValidationFailed, "WORKING_SET_EMPTY",
			"The working set is empty; file mutations are blocked until a working set is configured.", nil)
	}

	for _, target := range targets {
		abs := resolveAbsolute(mctx.WorkspaceRoot, target)
		if !withinWorkingSet(mctx.WorkspaceRoot, abs, workingSet) {
			return reject(protocol.CodeValidationFailed, "OUTSIDE_WORKING_SET",
				"Target path is outside the configured working set.",
				map[string]any{"code": "OUTSIDE_WORKING_SET", "target": abs, "workingSet": workingSet})
		}
	}

	return Result{Allowed: true}, nil
}

func reject(code int, errCode, feedback string, data any) (Result, error) {
	if data == nil {
		data = map[string]any{"code": errCode}
	}
	return Result{Allowed: false, ErrorCode: code, Feedback: feedback, ErrorData: data}, nil
}

// effectiveWorkingSet returns the session override if present, else the
// project-level list, with every folder normalised.
func (m *WorkingSetMiddleware) effectiveWorkingSet(ctx context.Context, sessionID string) []string {
	if m.Source == nil {
		return nil
	}
	if override, ok := m.Source.SessionOverride(ctx, sessionID); ok {
		return normalizeFolders(override)
	}
	return normalizeFolders(m.Source.ProjectFolders(ctx))
}

func normalizeFolders(folders []string) []string {
	out := make([]string, 0, len(folders))
	for _, f := range folders {
		f = strings.TrimSpace(f)
		f = strings.TrimRight(f, "/")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// mutationParams covers the param shapes file-mutation methods may send.
// Only the fields relevant to target extraction are declared; unknown
// extras are tolerated (they are simply ignored by json.Unmarshal).
type mutationParams struct {
	URI      string `json:"uri"`
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
	OldURI   string `json:"oldUri"`
	NewURI   string `json:"newUri"`
	OldPath  string `json:"oldPath"`
	NewPath  string `json:"newPath"`
}

// extractTargets pulls the target path(s) out of a file-mutation request's
// params, one or two depending on whether the method is a rename.
func extractTargets(method string, params []byte) ([]string, error) {
	var p mutationParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}

	if method == "file/rename" {
		oldSide := firstNonEmpty(p.OldURI, p.OldPath)
		newSide := firstNonEmpty(p.NewURI, p.NewPath)
		if oldSide == "" || newSide == "" {
			return nil, errTargetUnknown
		}
		return []string{stripFileScheme(oldSide), stripFileScheme(newSide)}, nil
	}

	target := firstNonEmpty(p.URI, p.Path, p.FilePath)
	if target == "" {
		return nil, errTargetUnknown
	}
	return []string{stripFileScheme(target)}, nil
}

var errTargetUnknown = protocol.NewError(protocol.CodeValidationFailed, "WORKING_SET_TARGET_UNKNOWN", nil)

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// resolveAbsolute treats a non-absolute target as workspace-root-relative.
func resolveAbsolute(workspaceRoot, target string) string {
	if path.IsAbs(target) || filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(workspaceRoot, target))
}

// withinWorkingSet reports whether abs equals a working-set folder or is
// strictly inside one (a prefix match that ends at a path separator).
// Working-set entries are themselves workspace-root-relative unless already
// absolute, resolved the same way as a request's target path.
func withinWorkingSet(workspaceRoot, abs string, workingSet []string) bool {
	for _, folder := range workingSet {
		folderAbs := resolveAbsolute(workspaceRoot, folder)

		if abs == folderAbs {
			return true
		}
		prefix := folderAbs
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(abs, prefix) {
			return true
		}
	}
	return false
}
