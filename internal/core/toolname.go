package core

import "strings"

// ToolName is a built-in tool. Plugin and MCP tools have no ToolName.
type ToolName int

const (
	ToolFsRead ToolName = iota
	ToolFsWrite
	ToolFsEdit
	ToolFsList
	ToolFsGlob
	ToolFsGrep
	ToolBashRun
	ToolMultiEdit
	ToolGitStatus
	ToolGitDiff
	ToolGitShow
	ToolWebFetch
	ToolWebSearch
	ToolNotebookRead
	ToolNotebookEdit
	ToolIndexQuery
	ToolPatchStage
	ToolPatchApply
	ToolDiagnosticsCheck
	ToolUserQuestion
	ToolTaskCreate
	ToolTaskUpdate
	ToolTaskGet
	ToolTaskList
	ToolSpawnTask
	ToolTaskOutput
	ToolTaskStop
	ToolEnterPlanMode
	ToolExitPlanMode
	ToolSkill
	ToolKillShell
	ToolThinkDeeply
)

type toolNames struct {
	internal string
	api      string
}

var builtinTools = map[ToolName]toolNames{
	ToolFsRead:           {"fs.read", "fs_read"},
	ToolFsWrite:          {"fs.write", "fs_write"},
	ToolFsEdit:           {"fs.edit", "fs_edit"},
	ToolFsList:           {"fs.list", "fs_list"},
	ToolFsGlob:           {"fs.glob", "fs_glob"},
	ToolFsGrep:           {"fs.grep", "fs_grep"},
	ToolBashRun:          {"bash.run", "bash_run"},
	ToolMultiEdit:        {"multi_edit", "multi_edit"},
	ToolGitStatus:        {"git.status", "git_status"},
	ToolGitDiff:          {"git.diff", "git_diff"},
	ToolGitShow:          {"git.show", "git_show"},
	ToolWebFetch:         {"web.fetch", "web_fetch"},
	ToolWebSearch:        {"web.search", "web_search"},
	ToolNotebookRead:     {"notebook.read", "notebook_read"},
	ToolNotebookEdit:     {"notebook.edit", "notebook_edit"},
	ToolIndexQuery:       {"index.query", "index_query"},
	ToolPatchStage:       {"patch.stage", "patch_stage"},
	ToolPatchApply:       {"patch.apply", "patch_apply"},
	ToolDiagnosticsCheck: {"diagnostics.check", "diagnostics_check"},
	ToolUserQuestion:     {"user_question", "user_question"},
	ToolTaskCreate:       {"task_create", "task_create"},
	ToolTaskUpdate:       {"task_update", "task_update"},
	ToolTaskGet:          {"task_get", "task_get"},
	ToolTaskList:         {"task_list", "task_list"},
	ToolSpawnTask:        {"spawn_task", "spawn_task"},
	ToolTaskOutput:       {"task_output", "task_output"},
	ToolTaskStop:         {"task_stop", "task_stop"},
	ToolEnterPlanMode:    {"enter_plan_mode", "enter_plan_mode"},
	ToolExitPlanMode:     {"exit_plan_mode", "exit_plan_mode"},
	ToolSkill:            {"skill", "skill"},
	ToolKillShell:        {"kill_shell", "kill_shell"},
	ToolThinkDeeply:      {"think_deeply", "think_deeply"},
}

var (
	byInternal = map[string]ToolName{}
	byAPI      = map[string]ToolName{}
)

func init() {
	for t, n := range builtinTools {
		byInternal[n.internal] = t
		byAPI[n.api] = t
	}
}

// AllTools lists every built-in tool in declaration order.
func AllTools() []ToolName {
	out := make([]ToolName, 0, len(builtinTools))
	for t := ToolFsRead; t <= ToolThinkDeeply; t++ {
		out = append(out, t)
	}
	return out
}

// Internal returns the dotted name, e.g. "fs.read".
func (t ToolName) Internal() string { return builtinTools[t].internal }

// API returns the underscored name, e.g. "fs_read".
func (t ToolName) API() string { return builtinTools[t].api }

func (t ToolName) String() string { return t.Internal() }

// ToolFromInternal maps a dotted name to a built-in tool.
func ToolFromInternal(name string) (ToolName, bool) {
	t, ok := byInternal[name]
	return t, ok
}

// ToolFromAPI maps an underscored name to a built-in tool.
func ToolFromAPI(name string) (ToolName, bool) {
	t, ok := byAPI[name]
	return t, ok
}

// ToInternalName converts an API name to its internal form. Unknown names
// (plugins, MCP tools) pass through unchanged.
func ToInternalName(apiName string) string {
	if t, ok := ToolFromAPI(apiName); ok {
		return t.Internal()
	}
	return apiName
}

// ToAPIName converts an internal name to its API form. Unknown names pass
// through unchanged.
func ToAPIName(internal string) string {
	if t, ok := ToolFromInternal(internal); ok {
		return t.API()
	}
	return internal
}

// IsReadOnly reports whether the tool never mutates the workspace.
func (t ToolName) IsReadOnly() bool {
	switch t {
	case ToolFsRead, ToolFsList, ToolFsGlob, ToolFsGrep,
		ToolGitStatus, ToolGitDiff, ToolGitShow,
		ToolWebFetch, ToolWebSearch, ToolIndexQuery,
		ToolNotebookRead, ToolDiagnosticsCheck,
		ToolUserQuestion, ToolTaskCreate, ToolTaskUpdate, ToolTaskGet, ToolTaskList,
		ToolSpawnTask, ToolExitPlanMode, ToolThinkDeeply:
		return true
	}
	return false
}

// IsWrite reports whether the tool edits files.
func (t ToolName) IsWrite() bool {
	switch t {
	case ToolFsWrite, ToolFsEdit, ToolMultiEdit, ToolPatchStage, ToolPatchApply, ToolNotebookEdit:
		return true
	}
	return false
}

// IsExec reports whether the tool runs or controls processes.
func (t ToolName) IsExec() bool {
	return t == ToolBashRun || t == ToolKillShell
}

// IsAgentLevel reports whether the loop handles the tool itself instead of
// forwarding it to the tool host.
func (t ToolName) IsAgentLevel() bool {
	switch t {
	case ToolUserQuestion, ToolTaskCreate, ToolTaskUpdate, ToolTaskGet, ToolTaskList,
		ToolSpawnTask, ToolTaskOutput, ToolTaskStop, ToolEnterPlanMode, ToolExitPlanMode,
		ToolSkill, ToolKillShell, ToolThinkDeeply:
		return true
	}
	return false
}

// IsReviewBlocked reports whether review mode hides the tool.
func (t ToolName) IsReviewBlocked() bool {
	return t.IsWrite() || t == ToolBashRun
}

// IsReadOnlyName accepts either surface. Unknown names are not read-only.
func IsReadOnlyName(name string) bool {
	if t, ok := ToolFromInternal(name); ok {
		return t.IsReadOnly()
	}
	if t, ok := ToolFromAPI(name); ok {
		return t.IsReadOnly()
	}
	return false
}

// IsWriteName accepts either surface.
func IsWriteName(name string) bool {
	if t, ok := ToolFromInternal(name); ok {
		return t.IsWrite()
	}
	if t, ok := ToolFromAPI(name); ok {
		return t.IsWrite()
	}
	return false
}

// IsAgentLevelName accepts either surface.
func IsAgentLevelName(name string) bool {
	if t, ok := ToolFromInternal(name); ok {
		return t.IsAgentLevel()
	}
	if t, ok := ToolFromAPI(name); ok {
		return t.IsAgentLevel()
	}
	return false
}

// IsMCPName reports whether name looks like an MCP-provided tool.
func IsMCPName(name string) bool {
	return strings.HasPrefix(name, "mcp__") || strings.HasPrefix(name, "mcp_") || strings.HasPrefix(name, "mcp.")
}
