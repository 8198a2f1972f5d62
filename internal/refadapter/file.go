// Package refadapter provides small in-tree reference adapters: a minimal
// in-memory file adapter and a syntax stub. Real adapters (search,
// permissions, terminal PTY, AI chat) are out-of-scope black boxes — these
// exist only to exercise the registry and the Working-Set Governance
// middleware end to end.
package refadapter

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ecp-proto/ecp-server/internal/adapter"
	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// FileAdapter handles file/read, file/write, file/edit, file/rename,
// file/create, and file/delete against a workspace root, keeping a tiny
// in-memory overlay so write/edit/rename/create/delete operations are
// observable without requiring a writable disk in tests.
type FileAdapter struct {
	workspaceRoot string

	mu      sync.Mutex
	overlay map[string]string
}

// NewFileAdapter creates a FileAdapter rooted at workspaceRoot.
func NewFileAdapter(workspaceRoot string) *FileAdapter {
	return &FileAdapter{
		workspaceRoot: workspaceRoot,
		overlay:       make(map[string]string),
	}
}

type fileParams struct {
	URI      string `json:"uri"`
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
	OldURI   string `json:"oldUri"`
	NewURI   string `json:"newUri"`
	OldPath  string `json:"oldPath"`
	NewPath  string `json:"newPath"`
}

func (a *FileAdapter) resolve(target string) string {
	target = strings.TrimPrefix(target, "file://")
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(a.workspaceRoot, target))
}

// HandleRequest satisfies adapter.Adapter.
func (a *FileAdapter) HandleRequest(ctx context.Context, method string, params json.RawMessage) adapter.Result {
	var p fileParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return adapter.Result{Err: protocol.NewError(protocol.CodeInvalidParams, "invalid file params", nil)}
		}
	}

	switch method {
	case "file/read":
		return a.read(firstNonEmpty(p.URI, p.Path, p.FilePath))
	case "file/write", "file/create":
		return a.write(firstNonEmpty(p.URI, p.Path, p.FilePath), p.Content)
	case "file/edit":
		return a.write(firstNonEmpty(p.URI, p.Path, p.FilePath), p.Content)
	case "file/delete":
		return a.delete(firstNonEmpty(p.URI, p.Path, p.FilePath))
	case "file/rename":
		return a.rename(firstNonEmpty(p.OldURI, p.OldPath), firstNonEmpty(p.NewURI, p.NewPath))
	default:
		return adapter.Result{Err: protocol.NewError(protocol.CodeMethodNotFound, "file adapter: unhandled method "+method, nil)}
	}
}

func (a *FileAdapter) read(target string) adapter.Result {
	if target == "" {
		return adapter.Result{Err: protocol.NewError(protocol.CodeInvalidParams, "missing target", nil)}
	}
	abs := a.resolve(target)

	a.mu.Lock()
	content, ok := a.overlay[abs]
	a.mu.Unlock()
	if ok {
		return adapter.Result{Value: map[string]any{"content": content}}
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return adapter.Result{Err: protocol.NewError(protocol.CodeInternalError, "read failed: "+err.Error(), nil)}
	}
	return adapter.Result{Value: map[string]any{"content": string(data)}}
}

func (a *FileAdapter) write(target, content string) adapter.Result {
	if target == "" {
		return adapter.Result{Err: protocol.NewError(protocol.CodeInvalidParams, "missing target", nil)}
	}
	abs := a.resolve(target)

	a.mu.Lock()
	a.overlay[abs] = content
	a.mu.Unlock()

	return adapter.Result{Value: map[string]any{"uri": target, "bytesWritten": len(content)}}
}

func (a *FileAdapter) delete(target string) adapter.Result {
	if target == "" {
		return adapter.Result{Err: protocol.NewError(protocol.CodeInvalidParams, "missing target", nil)}
	}
	abs := a.resolve(target)

	a.mu.Lock()
	delete(a.overlay, abs)
	a.mu.Unlock()

	return adapter.Result{Value: map[string]any{"uri": target, "deleted": true}}
}

func (a *FileAdapter) rename(oldTarget, newTarget string) adapter.Result {
	if oldTarget == "" || newTarget == "" {
		return adapter.Result{Err: protocol.NewError(protocol.CodeInvalidParams, "rename requires both old and new target", nil)}
	}
	oldAbs := a.resolve(oldTarget)
	newAbs := a.resolve(newTarget)

	a.mu.Lock()
	if content, ok := a.overlay[oldAbs]; ok {
		a.overlay[newAbs] = content
		delete(a.overlay, oldAbs)
	}
	a.mu.Unlock()

	return adapter.Result{Value: map[string]any{"oldUri": oldTarget, "newUri": newTarget, "renamed": true}}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
