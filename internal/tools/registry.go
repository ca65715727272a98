package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/policy"
)

// PermissionLevel defines the level of permission required for a tool
type PermissionLevel int

const (
	PermissionRead    PermissionLevel = 0 // Read-only operations
	PermissionWrite   PermissionLevel = 1 // File modifications
	PermissionExecute PermissionLevel = 2 // Shell execution and network egress
)

func (p PermissionLevel) String() string {
	switch p {
	case PermissionRead:
		return "read"
	case PermissionWrite:
		return "write"
	case PermissionExecute:
		return "execute"
	default:
		return "unknown"
	}
}

// Tool defines the interface all local tools implement. Name returns the
// dotted internal name. Execute returns a JSON-encodable value.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (any, error)
	Permission() PermissionLevel
}

// Registry manages available tools
type Registry struct {
	tools map[string]Tool
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Options configures the built-in tool set.
type Options struct {
	Sandbox     Sandbox
	SandboxMode policy.SandboxMode
	Runner      ShellRunner
	Index       IndexBackend
	// WebSearchKey enables web.search when non-empty.
	WebSearchKey string
}

// NewLocalRegistry registers the built-in workspace tools.
func NewLocalRegistry(ws *Workspace, opts Options) *Registry {
	if opts.Runner == nil {
		opts.Runner = &PlatformShellRunner{}
	}
	if opts.Index == nil {
		opts.Index = NewIndex(ws, opts.Runner)
	}

	r := NewRegistry()
	r.Register(&fsReadTool{ws: ws})
	r.Register(&fsWriteTool{ws: ws})
	r.Register(&fsEditTool{ws: ws})
	r.Register(&multiEditTool{ws: ws})
	r.Register(&fsListTool{ws: ws})
	r.Register(&fsGlobTool{ws: ws})
	r.Register(&fsGrepTool{ws: ws})
	r.Register(&bashTool{ws: ws, runner: opts.Runner, sandbox: opts.Sandbox, mode: opts.SandboxMode})
	r.Register(&gitStatusTool{ws: ws})
	r.Register(&gitDiffTool{ws: ws})
	r.Register(&gitShowTool{ws: ws})
	r.Register(&indexQueryTool{index: opts.Index})
	patches := NewPatchStore(ws)
	r.Register(&patchStageTool{store: patches})
	r.Register(&patchApplyTool{store: patches})
	r.Register(&diagnosticsTool{ws: ws, runner: opts.Runner})
	r.Register(&notebookReadTool{ws: ws})
	r.Register(&notebookEditTool{ws: ws})
	r.Register(NewWebFetchTool())
	if opts.WebSearchKey != "" {
		r.Register(NewWebSearchTool(opts.WebSearchKey))
	}
	return r
}

// Register adds a tool to the registry
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns a tool by either its internal or API name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[core.ToInternalName(name)]
	return tool, ok
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	tools := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		tools = append(tools, tool)
	}
	r.mu.RUnlock()
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Names returns the internal names of all registered tools, sorted.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Execute runs a tool by name with the given input
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (any, error) {
	tool, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Execute(ctx, input)
}

// Definitions returns API-surface definitions for the named tools, or for
// every tool when names is nil. Unknown names are skipped.
func (r *Registry) Definitions(names []string) []Definition {
	var tools []Tool
	if names == nil {
		tools = r.List()
	} else {
		for _, n := range names {
			if t, ok := r.Get(n); ok {
				tools = append(tools, t)
			}
		}
	}
	defs := make([]Definition, 0, len(tools))
	for _, tool := range tools {
		defs = append(defs, Definition{
			Name:        core.ToAPIName(tool.Name()),
			Description: tool.Description(),
			InputSchema: tool.InputSchema(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Definition is used to pass tool info to the LLM
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

func objectSchema(required []string, props map[string]any) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func stringArg(input map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := input[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func requireString(input map[string]any, keys ...string) (string, error) {
	if s := stringArg(input, keys...); s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%s missing", keys[0])
}

func intArg(input map[string]any, key string, def int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func boolArg(input map[string]any, key string, def bool) bool {
	if b, ok := input[key].(bool); ok {
		return b
	}
	return def
}
