// Package policy classifies tool calls before they reach the tool host.
//
// A decision is computed in fixed layers: blocked paths and dangerous
// commands deny first, then the sandbox mode, then review mode, then the
// permission mode and per-category approval settings. The result depends only
// on the call and the engine's configuration.
package policy

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// RedactedToken replaces every redact-pattern match.
const RedactedToken = "[REDACTED]"

// Verdict is the outcome class of a dry run.
type Verdict int

const (
	Allowed Verdict = iota
	AutoApproved
	NeedsApproval
	Denied
)

func (v Verdict) String() string {
	switch v {
	case AutoApproved:
		return "auto_approved"
	case NeedsApproval:
		return "needs_approval"
	case Denied:
		return "denied"
	default:
		return "allowed"
	}
}

// Decision is the result of DryRun. Reason is set for Denied verdicts.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Approved reports whether the call can run without asking the user.
func (d Decision) Approved() bool {
	return d.Verdict == Allowed || d.Verdict == AutoApproved
}

// Err returns a PolicyDenied error for denied decisions and nil otherwise.
func (d Decision) Err() error {
	if d.Verdict != Denied {
		return nil
	}
	return buderr.PolicyDenied(d.Reason)
}

// Engine evaluates tool calls against a policy configuration.
type Engine struct {
	workspace      string
	approveEdits   config.ApprovalMode
	approveBash    config.ApprovalMode
	sandbox        SandboxMode
	review         ReviewMode
	allowlist      []string
	blockPaths     []string
	deniedPrefixes []string
	redact         []*regexp.Regexp

	forcedMode    bool
	disableBypass bool

	mu   sync.RWMutex
	mode PermissionMode
}

// New builds an engine for workspace. Invalid redact patterns are skipped
// with a warning. Managed settings are applied last.
func New(cfg config.PolicyConfig, workspace string) *Engine {
	e := &Engine{
		workspace:      workspace,
		approveEdits:   cfg.ApproveEdits,
		approveBash:    cfg.ApproveBash,
		sandbox:        ParseSandboxMode(cfg.SandboxMode),
		review:         ParseReviewMode(cfg.ReviewMode),
		allowlist:      append([]string(nil), cfg.Allowlist...),
		deniedPrefixes: append([]string(nil), cfg.DeniedCommandPrefixes...),
		mode:           ParsePermissionMode(cfg.PermissionMode),
		disableBypass:  cfg.Managed.DisableBypass,
	}
	for _, rule := range cfg.BlockPaths {
		if rule = strings.ToLower(strings.TrimSpace(rule)); rule != "" {
			e.blockPaths = append(e.blockPaths, rule)
		}
	}
	for _, pattern := range cfg.RedactPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			logging.Warn("skipping invalid redact pattern", logging.F("pattern", pattern), logging.Error(err))
			continue
		}
		e.redact = append(e.redact, re)
	}
	if forced := strings.TrimSpace(cfg.Managed.ForcePermissionMode); forced != "" {
		e.mode = ParsePermissionMode(forced)
		e.forcedMode = true
	}
	if e.disableBypass && e.mode == ModeBypassPermissions {
		e.mode = ModeAsk
	}
	return e
}

// Mode returns the current permission mode.
func (e *Engine) Mode() PermissionMode {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.mode
}

// SetMode changes the permission mode. It fails when managed settings pin
// the mode, or when bypass is requested but disabled.
func (e *Engine) SetMode(m PermissionMode) (PermissionMode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev := e.mode
	if e.forcedMode && m != e.mode {
		return prev, buderr.PolicyDenied("permission mode is locked by managed settings")
	}
	if e.disableBypass && m == ModeBypassPermissions {
		return prev, buderr.PolicyDenied("bypassPermissions mode is disabled by managed settings")
	}
	e.mode = m
	return prev, nil
}

// Sandbox returns the configured sandbox mode.
func (e *Engine) Sandbox() SandboxMode { return e.sandbox }

// Review returns the configured review mode.
func (e *Engine) Review() ReviewMode { return e.review }

// Redact replaces every configured pattern match with RedactedToken.
func (e *Engine) Redact(text string) string {
	for _, re := range e.redact {
		text = re.ReplaceAllString(text, RedactedToken)
	}
	return text
}

// FilterTools drops tools that review-strict mode hides from the model.
// Names may be in either surface. Unknown tools are dropped too, so the
// result is always a subset of the read-only set.
func (e *Engine) FilterTools(names []string) []string {
	if e.review != ReviewStrict {
		return names
	}
	out := make([]string, 0, len(names))
	for _, n := range names {
		if core.IsReadOnlyName(n) {
			out = append(out, n)
		}
	}
	return out
}

// DryRun classifies call without executing anything.
func (e *Engine) DryRun(call core.ToolCall) Decision {
	if d, ok := e.denyLayer(call); ok {
		return d
	}
	d, final, mustAsk := e.sandboxLayer(call)
	if final {
		return d
	}
	if e.review == ReviewStrict && isReviewBlocked(call.Name) {
		return Decision{Verdict: Denied, Reason: fmt.Sprintf("review mode (strict) blocks %s", call.Name)}
	}

	mode := e.Mode()
	d = e.modeLayer(mode, call)
	if d.Verdict == Denied {
		return d
	}
	if mode != ModeBypassPermissions {
		if e.review == ReviewSuggest && isReviewBlocked(call.Name) {
			d = Decision{Verdict: NeedsApproval}
		}
		if mustAsk && d.Verdict != NeedsApproval {
			d = Decision{Verdict: NeedsApproval}
		}
	}
	return d
}

// RequiresApproval reports whether DryRun would ask the user.
func (e *Engine) RequiresApproval(call core.ToolCall) bool {
	return e.DryRun(call).Verdict == NeedsApproval
}

func (e *Engine) denyLayer(call core.ToolCall) (Decision, bool) {
	for _, p := range ToolPaths(call) {
		if err := e.CheckPath(p); err != nil {
			return Decision{Verdict: Denied, Reason: fmt.Sprintf("%s: %s", reasonFor(err), p)}, true
		}
	}
	if !isBash(call.Name) {
		return Decision{}, false
	}
	cmd := call.StringArg("cmd")
	if strings.TrimSpace(cmd) == "" {
		return Decision{Verdict: Denied, Reason: "empty command"}, true
	}
	if err := e.CheckCommand(cmd); err != nil && !errors.Is(err, ErrCommandNotAllowed) {
		return Decision{Verdict: Denied, Reason: reasonFor(err)}, true
	}
	for _, tok := range strings.Fields(cmd)[1:] {
		if e.pathBlocked(strings.ToLower(tok)) {
			return Decision{Verdict: Denied, Reason: fmt.Sprintf("%s: %s", ErrSecretPath, tok)}, true
		}
	}
	return Decision{}, false
}

// sandboxLayer returns a final decision when ok is set; otherwise ask
// reports whether the call must not be auto-approved.
func (e *Engine) sandboxLayer(call core.ToolCall) (d Decision, ok bool, ask bool) {
	name := call.Name
	switch e.sandbox {
	case SandboxReadOnly:
		if isMutating(name) {
			return Decision{Verdict: Denied, Reason: fmt.Sprintf("read-only sandbox blocks %s", name)}, true, false
		}
	case SandboxAllowlist:
		if isBash(name) && !e.allowlisted(call) {
			return Decision{}, false, true
		}
	}
	return Decision{}, false, false
}

func (e *Engine) modeLayer(mode PermissionMode, call core.ToolCall) Decision {
	name := call.Name
	readOnly := core.IsReadOnlyName(name)
	switch mode {
	case ModeBypassPermissions:
		return Decision{Verdict: AutoApproved}
	case ModeLocked:
		if readOnly {
			return Decision{Verdict: Allowed}
		}
		return Decision{Verdict: Denied, Reason: "locked mode blocks all non-read operations"}
	case ModeDontAsk:
		if readOnly {
			return Decision{Verdict: Allowed}
		}
		if isBash(name) && e.allowlisted(call) {
			return Decision{Verdict: AutoApproved}
		}
		return Decision{Verdict: Denied, Reason: "dontAsk mode denies non-allowlisted operations"}
	case ModePlan:
		if readOnly {
			return Decision{Verdict: Allowed}
		}
		if isMutating(name) {
			return Decision{Verdict: Denied, Reason: "plan mode blocks writes and command execution"}
		}
		return Decision{Verdict: NeedsApproval}
	case ModeAcceptEdits:
		if isBash(name) && !e.allowlisted(call) {
			return Decision{Verdict: NeedsApproval}
		}
		if core.IsMCPName(name) {
			return Decision{Verdict: NeedsApproval}
		}
		return Decision{Verdict: AutoApproved}
	case ModeAuto:
		if readOnly {
			return Decision{Verdict: Allowed}
		}
		if isBash(name) && !e.allowlisted(call) {
			return Decision{Verdict: NeedsApproval}
		}
		return Decision{Verdict: AutoApproved}
	default:
		return e.askLayer(call)
	}
}

// askLayer applies approve_edits and approve_bash. "ask" prompts unless the
// command is allowlisted, "always" prompts every time, "never" auto-approves.
func (e *Engine) askLayer(call core.ToolCall) Decision {
	name := call.Name
	switch {
	case core.IsReadOnlyName(name):
		if call.RequiresApproval {
			return Decision{Verdict: NeedsApproval}
		}
		return Decision{Verdict: Allowed}
	case isBash(name):
		return byApproval(e.approveBash, e.allowlisted(call))
	case core.IsWriteName(name):
		return byApproval(e.approveEdits, false)
	case call.RequiresApproval || core.IsMCPName(name):
		return Decision{Verdict: NeedsApproval}
	default:
		return Decision{Verdict: Allowed}
	}
}

func byApproval(mode config.ApprovalMode, allowlisted bool) Decision {
	switch mode {
	case config.ApprovalNever:
		return Decision{Verdict: AutoApproved}
	case config.ApprovalAlways:
		return Decision{Verdict: NeedsApproval}
	default:
		if allowlisted {
			return Decision{Verdict: AutoApproved}
		}
		return Decision{Verdict: NeedsApproval}
	}
}

func (e *Engine) allowlisted(call core.ToolCall) bool {
	cmd := call.StringArg("cmd")
	return cmd != "" && e.CheckCommand(cmd) == nil
}

// ToolPaths extracts the file paths a call touches from its arguments.
func ToolPaths(call core.ToolCall) []string {
	var out []string
	for _, key := range []string{"path", "file_path", "file", "target", "dir", "notebook_path"} {
		if s := call.StringArg(key); s != "" {
			out = append(out, s)
		}
	}
	for _, key := range []string{"paths", "files"} {
		switch v := call.Args[key].(type) {
		case []string:
			out = append(out, v...)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	if edits, ok := call.Args["edits"].([]any); ok {
		for _, item := range edits {
			if m, ok := item.(map[string]any); ok {
				if s, ok := m["path"].(string); ok && s != "" {
					out = append(out, s)
				}
			}
		}
	}
	return out
}

func isBash(name string) bool {
	return name == core.ToolBashRun.Internal() || name == core.ToolBashRun.API()
}

func isMutating(name string) bool {
	if core.IsWriteName(name) || isBash(name) {
		return true
	}
	if t, ok := core.ToolFromInternal(name); ok {
		return t.IsExec()
	}
	if t, ok := core.ToolFromAPI(name); ok {
		return t.IsExec()
	}
	return false
}

func isReviewBlocked(name string) bool {
	return core.IsWriteName(name) || isBash(name)
}

func violation(kind error, detail string) error {
	be := buderr.PolicyDenied(detail)
	be.Cause = kind
	return be
}

func reasonFor(err error) string {
	for _, kind := range []error{ErrPathTraversal, ErrSecretPath, ErrCommandInjection, ErrDangerousCommand, ErrCommandNotAllowed} {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return err.Error()
}
