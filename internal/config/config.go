package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
)

// RuntimeDir is the per-workspace state directory.
const RuntimeDir = ".deepseek"

// ApprovalMode controls prompting for one tool category.
//   - ask: prompt unless the call is allowlisted
//   - always: prompt every time
//   - never: never prompt
type ApprovalMode string

const (
	ApprovalAsk    ApprovalMode = "ask"
	ApprovalAlways ApprovalMode = "always"
	ApprovalNever  ApprovalMode = "never"
)

// ParseApprovalMode accepts ask|always|never plus the boolean spellings
// true/on (ask) and false/off (never).
func ParseApprovalMode(s string) (ApprovalMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ask", "true", "on":
		return ApprovalAsk, nil
	case "always":
		return ApprovalAlways, nil
	case "never", "false", "off":
		return ApprovalNever, nil
	}
	return "", fmt.Errorf("invalid approval mode %q (expected ask|always|never)", s)
}

// UnmarshalJSON accepts strings and booleans.
func (m *ApprovalMode) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		if b {
			*m = ApprovalAsk
		} else {
			*m = ApprovalNever
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseApprovalMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// LLMConfig configures model access.
type LLMConfig struct {
	BaseModel           string  `json:"base_model"`
	MaxThinkModel       string  `json:"max_think_model"`
	Provider            string  `json:"provider"`
	Profile             string  `json:"profile"`
	ContextWindowTokens int     `json:"context_window_tokens"`
	Temperature         float64 `json:"temperature"`
	Endpoint            string  `json:"endpoint"`
	APIKey              string  `json:"api_key,omitempty"`
	APIKeyEnv           string  `json:"api_key_env"`
	PromptCacheEnabled  bool    `json:"prompt_cache_enabled"`
	TimeoutSeconds      int     `json:"timeout_seconds"`
	MaxRetries          int     `json:"max_retries"`
	RetryBaseMS         int     `json:"retry_base_ms"`
	Stream              bool    `json:"stream"`
	MaxOutputTokens     int     `json:"max_output_tokens"`
}

// RouterConfig holds the selection weights.
type RouterConfig struct {
	AutoMaxThink          bool    `json:"auto_max_think"`
	ThresholdHigh         float64 `json:"threshold_high"`
	MaxEscalationsPerUnit int     `json:"max_escalations_per_unit"`
	W1                    float64 `json:"w1"`
	W2                    float64 `json:"w2"`
	W3                    float64 `json:"w3"`
	W4                    float64 `json:"w4"`
	W5                    float64 `json:"w5"`
	W6                    float64 `json:"w6"`
}

// SafetyGateConfig bounds patch size before explicit approval is needed.
type SafetyGateConfig struct {
	MaxFiles int `json:"max_files"`
	MaxLOC   int `json:"max_loc"`
}

// FailureClassifierConfig tunes verification failure classification.
type FailureClassifierConfig struct {
	RepeatThreshold     int     `json:"repeat_threshold"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	FingerprintLines    int     `json:"fingerprint_lines"`
}

// LintConfig controls the post-apply lint loop.
type LintConfig struct {
	Enabled       bool              `json:"enabled"`
	MaxIterations int               `json:"max_iterations"`
	Commands      map[string]string `json:"commands"`
}

// CommitConfig controls the commit proposal after verification.
type CommitConfig struct {
	Template       string `json:"template"`
	RequireSigning bool   `json:"require_signing"`
}

// AgentLoopConfig bounds the run state machine.
type AgentLoopConfig struct {
	MaxIterations                  int                     `json:"max_iterations"`
	ArchitectParseRetries          int                     `json:"architect_parse_retries"`
	EditorParseRetries             int                     `json:"editor_parse_retries"`
	MaxFilesPerIteration           int                     `json:"max_files_per_iteration"`
	MaxFileBytes                   int                     `json:"max_file_bytes"`
	MaxDiffBytes                   int                     `json:"max_diff_bytes"`
	VerifyTimeoutSeconds           int                     `json:"verify_timeout_seconds"`
	MaxEditorApplyRetries          int                     `json:"max_editor_apply_retries"`
	MaxContextRequestsPerIteration int                     `json:"max_context_requests_per_iteration"`
	MaxPlanRevisions               int                     `json:"max_plan_revisions"`
	SafetyGate                     SafetyGateConfig        `json:"safety_gate"`
	FailureClassifier              FailureClassifierConfig `json:"failure_classifier"`
	Lint                           LintConfig              `json:"lint"`
	Commit                         CommitConfig            `json:"commit"`
}

// ManagedPolicy is applied by administrators and cannot be overridden by
// project or local settings.
type ManagedPolicy struct {
	ForcePermissionMode string `json:"force_permission_mode,omitempty"`
	DisableBypass       bool   `json:"disable_bypass,omitempty"`
}

// PolicyConfig configures the policy engine.
type PolicyConfig struct {
	ApproveEdits           ApprovalMode  `json:"approve_edits"`
	ApproveBash            ApprovalMode  `json:"approve_bash"`
	SandboxMode            string        `json:"sandbox_mode"`
	Allowlist              []string      `json:"allowlist"`
	BlockPaths             []string      `json:"block_paths"`
	DeniedCommandPrefixes  []string      `json:"denied_command_prefixes"`
	RedactPatterns         []string      `json:"redact_patterns"`
	ReviewMode             string        `json:"review_mode"`
	PermissionMode         string        `json:"permission_mode"`
	Managed                ManagedPolicy `json:"managed"`
}

// ContextConfig controls context-window management.
type ContextConfig struct {
	AutoCompactThreshold   float64 `json:"auto_compact_threshold"`
	CompactTarget          float64 `json:"compact_target"`
	KeepRecent             int     `json:"keep_recent"`
	ReservedOverheadTokens int     `json:"reserved_overhead_tokens"`
	ResponseBudgetTokens   int     `json:"response_budget_tokens"`
	MaxTurns               int     `json:"max_turns"`
}

// AutopilotConfig holds autopilot defaults.
type AutopilotConfig struct {
	DefaultMaxConsecutiveFailures int `json:"default_max_consecutive_failures"`
	HeartbeatIntervalSeconds      int `json:"heartbeat_interval_seconds"`
}

// SchedulingConfig controls the off-peak hook.
type SchedulingConfig struct {
	OffPeak          bool `json:"off_peak"`
	OffPeakStartHour int  `json:"off_peak_start_hour"`
	OffPeakEndHour   int  `json:"off_peak_end_hour"`
}

// SubagentConfig bounds the subagent scheduler.
type SubagentConfig struct {
	MaxConcurrency    int `json:"max_concurrency"`
	MaxRetriesPerTask int `json:"max_retries_per_task"`
}

// HooksConfig lists hook executables per phase.
type HooksConfig struct {
	PreToolUse     []string `json:"pre_tool_use"`
	PostToolUse    []string `json:"post_tool_use"`
	SessionStart   []string `json:"session_start"`
	Stop           []string `json:"stop"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// TelemetryConfig toggles OpenTelemetry instruments.
type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
}

// RateLimitConfig holds proactive rate limiting settings.
type RateLimitConfig struct {
	TokensPerMinute int  `json:"tokens_per_minute"`
	Enable          bool `json:"enable"`
}

// Config holds the application configuration. Components receive it by value.
type Config struct {
	LLM        LLMConfig        `json:"llm"`
	Router     RouterConfig     `json:"router"`
	AgentLoop  AgentLoopConfig  `json:"agent_loop"`
	Policy     PolicyConfig     `json:"policy"`
	Context    ContextConfig    `json:"context"`
	Autopilot  AutopilotConfig  `json:"autopilot"`
	Scheduling SchedulingConfig `json:"scheduling"`
	Subagents  SubagentConfig   `json:"subagents"`
	Hooks      HooksConfig      `json:"hooks"`
	Telemetry  TelemetryConfig  `json:"telemetry"`
	RateLimit  RateLimitConfig  `json:"rate_limit"`

	loadedFrom []string
}

// DefaultConfig returns a config with the stock defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			BaseModel:           "deepseek-chat",
			MaxThinkModel:       "deepseek-reasoner",
			Provider:            "deepseek",
			Profile:             "v3_2",
			ContextWindowTokens: 128000,
			Temperature:         0.2,
			Endpoint:            "https://api.deepseek.com/anthropic",
			APIKeyEnv:           "DEEPSEEK_API_KEY",
			PromptCacheEnabled:  true,
			TimeoutSeconds:      60,
			MaxRetries:          3,
			RetryBaseMS:         400,
			Stream:              true,
			MaxOutputTokens:     8192,
		},
		Router: RouterConfig{
			ThresholdHigh:         0.72,
			MaxEscalationsPerUnit: 1,
			W1:                    0.2,
			W2:                    0.15,
			W3:                    0.2,
			W4:                    0.15,
			W5:                    0.2,
			W6:                    0.1,
		},
		AgentLoop: AgentLoopConfig{
			MaxIterations:                  6,
			ArchitectParseRetries:          2,
			EditorParseRetries:             2,
			MaxFilesPerIteration:           12,
			MaxFileBytes:                   200_000,
			MaxDiffBytes:                   400_000,
			VerifyTimeoutSeconds:           60,
			MaxEditorApplyRetries:          2,
			MaxContextRequestsPerIteration: 3,
			MaxPlanRevisions:               2,
			SafetyGate:                     SafetyGateConfig{MaxFiles: 8, MaxLOC: 600},
			FailureClassifier: FailureClassifierConfig{
				RepeatThreshold:     3,
				SimilarityThreshold: 0.8,
				FingerprintLines:    50,
			},
			Lint: LintConfig{
				Enabled:       true,
				MaxIterations: 2,
				Commands: map[string]string{
					"go":   "gofmt -l",
					"rust": "cargo fmt --all -- --check",
				},
			},
			Commit: CommitConfig{Template: "{goal}"},
		},
		Policy: PolicyConfig{
			ApproveEdits: ApprovalAsk,
			ApproveBash:  ApprovalAsk,
			SandboxMode:  "allowlist",
			Allowlist: []string{
				"rg", "git status", "git diff", "git show",
				"cargo test", "cargo fmt --check", "cargo clippy",
				"go test", "go vet", "gofmt -l",
			},
			BlockPaths: []string{".env", ".ssh", ".aws", ".gnupg", "**/id_*", "**/secret"},
			DeniedCommandPrefixes: []string{
				"rm", "rmdir", "del", "rd", "mkfs", "dd", "format", "shutdown", "reboot", "poweroff",
			},
			RedactPatterns: []string{
				`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[a-z0-9_\-]{8,}['"]?`,
				`\b\d{3}-\d{2}-\d{4}\b`,
				`(?i)\b(mrn|medical_record_number|patient_id)\s*[:=]\s*[a-z0-9\-]{4,}\b`,
			},
			ReviewMode:     "off",
			PermissionMode: "ask",
		},
		Context: ContextConfig{
			AutoCompactThreshold:   0.95,
			CompactTarget:          0.80,
			KeepRecent:             6,
			ReservedOverheadTokens: 4000,
			ResponseBudgetTokens:   8192,
			MaxTurns:               50,
		},
		Autopilot: AutopilotConfig{
			DefaultMaxConsecutiveFailures: 10,
			HeartbeatIntervalSeconds:      5,
		},
		Scheduling: SchedulingConfig{OffPeakStartHour: 0, OffPeakEndHour: 6},
		Subagents:  SubagentConfig{MaxConcurrency: 7, MaxRetriesPerTask: 1},
		Hooks:      HooksConfig{TimeoutSeconds: 30},
		Telemetry:  TelemetryConfig{Enabled: true},
		RateLimit:  RateLimitConfig{TokensPerMinute: 60000},
	}
}

// Paths lists the settings files in overlay order for workspace.
type Paths struct {
	User    string
	Project string
	Local   string
	Managed string
}

// DefaultPaths resolves the settings locations for workspace.
func DefaultPaths(workspace string) Paths {
	p := Paths{
		Project: filepath.Join(workspace, RuntimeDir, "settings.json"),
		Local:   filepath.Join(workspace, RuntimeDir, "settings.local.json"),
	}
	if home := HomeDir(); home != "" {
		p.User = filepath.Join(home, ".codingbuddy", "settings.json")
		p.Managed = filepath.Join(home, ".codingbuddy", "managed-settings.json")
	}
	return p
}

// HomeDir returns HOME, falling back to USERPROFILE.
func HomeDir() string {
	if h := os.Getenv("HOME"); h != "" {
		return h
	}
	return os.Getenv("USERPROFILE")
}

// Load reads user, project and local settings for workspace and overlays
// them on the defaults.
func Load(workspace string) (*Config, error) {
	return LoadFrom(DefaultPaths(workspace))
}

// LoadFrom overlays the given settings files on the defaults. Missing files
// are skipped.
func LoadFrom(paths Paths) (*Config, error) {
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := json.Unmarshal(defaults, &merged); err != nil {
		return nil, err
	}

	var loaded []string
	var redact []any
	for _, path := range []string{paths.User, paths.Project, paths.Local} {
		layer, ok, err := readLayer(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		redact = append(redact, redactPatternsOf(layer)...)
		merged = MergeJSONValue(merged, layer).(map[string]any)
		loaded = append(loaded, path)
	}

	managed, hasManaged, err := readLayer(paths.Managed)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, buderr.ConfigLoadFailed(strings.Join(loaded, ","), err)
	}
	cfg.Policy.RedactPatterns = appendUnique(DefaultConfig().Policy.RedactPatterns, redact)

	if hasManaged {
		if err := cfg.applyManaged(managed); err != nil {
			return nil, buderr.ConfigLoadFailed(paths.Managed, err)
		}
		loaded = append(loaded, paths.Managed)
	}
	cfg.loadedFrom = loaded
	return cfg, nil
}

func readLayer(path string) (map[string]any, bool, error) {
	if path == "" {
		return nil, false, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, buderr.ConfigLoadFailed(path, err)
	}
	var layer map[string]any
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, false, buderr.ConfigLoadFailed(path, err)
	}
	return layer, true, nil
}

func redactPatternsOf(layer map[string]any) []any {
	policy, ok := layer["policy"].(map[string]any)
	if !ok {
		return nil
	}
	patterns, _ := policy["redact_patterns"].([]any)
	return patterns
}

func appendUnique(base []string, extra []any) []string {
	seen := make(map[string]bool, len(base))
	out := make([]string, 0, len(base)+len(extra))
	for _, p := range base {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, v := range extra {
		p, ok := v.(string)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

func (c *Config) applyManaged(layer map[string]any) error {
	policy, _ := layer["policy"].(map[string]any)
	if policy == nil {
		policy = layer
	}
	data, err := json.Marshal(policy["managed"])
	if err != nil {
		return err
	}
	if string(data) == "null" {
		data, err = json.Marshal(policy)
		if err != nil {
			return err
		}
	}
	var m ManagedPolicy
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.Policy.Managed = m
	return nil
}

// MergeJSONValue folds overlay into base. Objects merge key by key; any other
// overlay value replaces the base value. The base map is updated in place
// and returned.
func MergeJSONValue(base, overlay any) any {
	baseObj, okBase := base.(map[string]any)
	overObj, okOver := overlay.(map[string]any)
	if !okBase || !okOver {
		return overlay
	}
	for k, v := range overObj {
		if existing, ok := baseObj[k]; ok {
			baseObj[k] = MergeJSONValue(existing, v)
		} else {
			baseObj[k] = v
		}
	}
	return baseObj
}

// APIKeyValue resolves the credential from config or environment.
func (c *Config) APIKeyValue() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	env := c.LLM.APIKeyEnv
	if env == "" {
		env = "DEEPSEEK_API_KEY"
	}
	return os.Getenv(env)
}

// LoadedFrom lists the files that contributed to this config.
func (c *Config) LoadedFrom() []string {
	return append([]string(nil), c.loadedFrom...)
}

// WriteProjectDefaults writes settings.json for workspace if it does not exist.
func WriteProjectDefaults(workspace string) (string, error) {
	path := filepath.Join(workspace, RuntimeDir, "settings.json")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(DefaultConfig(), "", "  ")
	if err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o644)
}
