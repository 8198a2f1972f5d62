package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ecp-proto/ecp-server/internal/protocol"
)

// validationMethods is the set of methods the Validation middleware runs
// against: file/write, file/edit, document/save.
var validationMethods = []string{"file/write", "file/edit", "document/save"}

func isValidated(method string) bool {
	for _, m := range validationMethods {
		if m == method {
			return true
		}
	}
	return false
}

// LintFinding is one issue reported by a Linter or SemanticValidator, with
// enough context for a human-readable multi-line feedback message.
type LintFinding struct {
	Location string
	RuleID   string
	Message  string
	FixHint  string
	// Source distinguishes a linter finding ("lint") from a semantic-rule
	// finding ("rule"), used to pick the wire error code.
	Source string
}

// Linter is the pluggable interface for the linter implementations that are
// out of scope for this core: given a target path and its content, it
// returns the findings, or an error if linting itself failed.
type Linter interface {
	Lint(ctx context.Context, target, content string) ([]LintFinding, error)
}

// SemanticValidator is the pluggable interface for the semantic-rule
// validators, also out of scope black boxes.
type SemanticValidator interface {
	Validate(ctx context.Context, target, content string) ([]LintFinding, error)
}

// ContentResolver reads the current on-disk content of a target, used by the
// semantic validator for methods whose params don't carry content inline.
// When document/save provides content in params AND the file exists on
// disk, the param content is preferred.
type ContentResolver interface {
	Read(ctx context.Context, target string) (string, error)
}

// ValidationMiddleware runs the configured linter then semantic-rule
// validator over the mutation's targets (priority 50). Linter
// errors themselves are non-fatal — only findings block the request.
type ValidationMiddleware struct {
	NoopHooks
	Linter    Linter
	Semantic  SemanticValidator
	Resolver  ContentResolver
	Logger    *zap.Logger
}

func (m *ValidationMiddleware) Name() string         { return "validation" }
func (m *ValidationMiddleware) Priority() int         { return 50 }
func (m *ValidationMiddleware) AppliesTo(method string) bool { return isValidated(method) }

type validationParams struct {
	URI      string `json:"uri"`
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
	Content  string `json:"content"`
}

func (m *ValidationMiddleware) Validate(ctx context.Context, mctx *Context) (Result, error) {
	var p validationParams
	if len(mctx.Params) > 0 {
		if err := json.Unmarshal(mctx.Params, &p); err != nil {
			// Malformed params are not this middleware's concern — the
			// adapter itself will reject them. Pass through.
			return Result{Allowed: true}, nil
		}
	}

	target := stripFileScheme(firstNonEmpty(p.URI, p.Path, p.FilePath))
	if target == "" {
		return Result{Allowed: true}, nil
	}

	content := p.Content
	if content == "" && m.Resolver != nil {
		// Params carried no content (e.g. a metadata-only save) — fall back
		// to on-disk content. If both are present, param content wins.
		if onDisk, err := m.Resolver.Read(ctx, target); err == nil {
			content = onDisk
		}
	}

	var findings []LintFinding

	if m.Linter != nil {
		lintFindings, err := m.Linter.Lint(ctx, target, content)
		if err != nil {
			// Linter failure is logged and otherwise ignored — non-fatal,
			// since a linting problem should never block a save.
			if m.Logger != nil {
				m.Logger.Warn("linter error, passing through", zap.String("target", target), zap.Error(err))
			}
		} else {
			for i := range lintFindings {
				lintFindings[i].Source = "lint"
			}
			findings = append(findings, lintFindings...)
		}
	}

	if m.Semantic != nil {
		semFindings, err := m.Semantic.Validate(ctx, target, content)
		if err != nil {
			if m.Logger != nil {
				m.Logger.Warn("semantic validator error, passing through", zap.String("target", target), zap.Error(err))
			}
		} else {
			for i := range semFindings {
				semFindings[i].Source = "rule"
			}
			findings = append(findings, semFindings...)
		}
	}

	if len(findings) == 0 {
		return Result{Allowed: true}, nil
	}

	return Result{
		Allowed:   false,
		ErrorCode: errorCodeFor(findings),
		Feedback:  formatFindings(findings),
		ErrorData: map[string]any{"findings": findings},
	}, nil
}

// errorCodeFor picks CodeRuleViolation if any semantic-rule finding is
// present, else CodeLintFailed — a rule violation is the more specific
// failure when both kinds fire together.
func errorCodeFor(findings []LintFinding) int {
	for _, f := range findings {
		if f.Source == "rule" {
			return protocol.CodeRuleViolation
		}
	}
	return protocol.CodeLintFailed
}

// formatFindings renders findings as readable multi-line feedback listing
// location, rule id, message, and optional fix hint.
func formatFindings(findings []LintFinding) string {
	var b strings.Builder
	for i, f := range findings {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: [%s] %s", f.Location, f.RuleID, f.Message)
		if f.FixHint != "" {
			fmt.Fprintf(&b, " (fix: %s)", f.FixHint)
		}
	}
	return b.String()
}
