package policy

import "strings"

// PermissionMode controls how tool calls are gated after the deny and
// sandbox layers.
type PermissionMode int

const (
	ModeAsk PermissionMode = iota
	ModeAuto
	ModePlan
	ModeAcceptEdits
	ModeDontAsk
	ModeLocked
	ModeBypassPermissions
)

// ParsePermissionMode maps user input to a mode. Unknown values become ModeAsk.
func ParsePermissionMode(s string) PermissionMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return ModeAuto
	case "plan":
		return ModePlan
	case "acceptedits", "accept-edits", "accept_edits":
		return ModeAcceptEdits
	case "dontask", "dont-ask", "dont_ask":
		return ModeDontAsk
	case "locked":
		return ModeLocked
	case "bypasspermissions", "bypass-permissions", "bypass_permissions", "bypass":
		return ModeBypassPermissions
	default:
		return ModeAsk
	}
}

func (m PermissionMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModePlan:
		return "plan"
	case ModeAcceptEdits:
		return "acceptEdits"
	case ModeDontAsk:
		return "dontAsk"
	case ModeLocked:
		return "locked"
	case ModeBypassPermissions:
		return "bypassPermissions"
	default:
		return "ask"
	}
}

// Next returns the mode that follows m in the interactive cycle.
// Bypass is never reached by cycling.
func (m PermissionMode) Next() PermissionMode {
	switch m {
	case ModeAsk:
		return ModeAuto
	case ModeAuto:
		return ModeAcceptEdits
	case ModeAcceptEdits:
		return ModePlan
	case ModePlan:
		return ModeDontAsk
	case ModeDontAsk:
		return ModeLocked
	default:
		return ModeAsk
	}
}

// SandboxMode restricts what tools may touch regardless of approval.
type SandboxMode string

const (
	SandboxOff            SandboxMode = "off"
	SandboxReadOnly       SandboxMode = "read-only"
	SandboxWorkspaceWrite SandboxMode = "workspace-write"
	SandboxAllowlist      SandboxMode = "allowlist"
	SandboxIsolated       SandboxMode = "isolated"
)

// ParseSandboxMode normalizes s. Empty and unknown values map to allowlist.
func ParseSandboxMode(s string) SandboxMode {
	switch v := strings.ToLower(strings.TrimSpace(s)); v {
	case "off", "none":
		return SandboxOff
	case "read-only", "readonly", "read_only":
		return SandboxReadOnly
	case "workspace-write", "workspace_write":
		return SandboxWorkspaceWrite
	case "isolated":
		return SandboxIsolated
	default:
		return SandboxAllowlist
	}
}

// ReviewMode limits write tools during code review sessions.
type ReviewMode string

const (
	ReviewOff     ReviewMode = "off"
	ReviewSuggest ReviewMode = "suggest"
	ReviewStrict  ReviewMode = "strict"
)

// ParseReviewMode normalizes s. Unknown values disable review mode.
func ParseReviewMode(s string) ReviewMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "suggest":
		return ReviewSuggest
	case "strict":
		return ReviewStrict
	default:
		return ReviewOff
	}
}
