// Package agentdefs loads custom subagent definitions from markdown files
// with a YAML frontmatter block.
package agentdefs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// DefaultMaxTurns applies when a definition does not set max_turns.
const DefaultMaxTurns = 30

// StringList accepts a YAML sequence or a comma-separated scalar.
type StringList []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = cleanList(items)
	case yaml.ScalarNode:
		raw := strings.Trim(strings.TrimSpace(node.Value), "[]")
		*l = cleanList(strings.Split(raw, ","))
	default:
		return fmt.Errorf("line %d: expected list or string", node.Line)
	}
	return nil
}

func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.Trim(strings.TrimSpace(item), `"'`)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Definition is one custom agent.
type Definition struct {
	Name            string     `yaml:"name"`
	Description     string     `yaml:"description"`
	Tools           StringList `yaml:"tools"`
	DisallowedTools StringList `yaml:"disallowed_tools"`
	Model           string     `yaml:"model"`
	MaxTurns        int        `yaml:"max_turns"`
	// Isolation "worktree" runs the agent in its own git worktree.
	Isolation string `yaml:"isolation"`

	Prompt string `yaml:"-"`
	Path   string `yaml:"-"`
}

// Turns returns MaxTurns or DefaultMaxTurns.
func (d Definition) Turns() int {
	if d.MaxTurns > 0 {
		return d.MaxTurns
	}
	return DefaultMaxTurns
}

// AllowsTool reports whether the agent may call name. An empty tools list
// allows everything not explicitly disallowed. Either name surface works.
func (d Definition) AllowsTool(name string) bool {
	want := core.ToInternalName(name)
	for _, t := range d.DisallowedTools {
		if core.ToInternalName(t) == want {
			return false
		}
	}
	if len(d.Tools) == 0 {
		return true
	}
	for _, t := range d.Tools {
		if core.ToInternalName(t) == want {
			return true
		}
	}
	return false
}

// Parse reads a definition from raw file content. ok is false when the
// file has no frontmatter.
func Parse(raw, path string) (def Definition, ok bool, err error) {
	text := strings.TrimSpace(raw)
	if !strings.HasPrefix(text, "---") {
		return Definition{}, false, nil
	}
	parts := strings.SplitN(text[3:], "---", 2)
	if len(parts) != 2 {
		return Definition{}, false, nil
	}
	if err := yaml.Unmarshal([]byte(parts[0]), &def); err != nil {
		return Definition{}, false, fmt.Errorf("invalid frontmatter in %s: %w", path, err)
	}
	def.Prompt = strings.TrimSpace(parts[1])
	def.Path = path
	if def.Name == "" {
		def.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return def, true, nil
}

// Dirs returns the project and user agent directories, project first.
func Dirs(workspace string) []string {
	dirs := []string{filepath.Join(workspace, ".codingbuddy", "agents")}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".codingbuddy", "agents"))
	}
	return dirs
}

// Load reads every definition from dirs. Earlier directories win on name
// clashes. Files that fail to parse are skipped with a warning.
func Load(dirs ...string) ([]Definition, error) {
	seen := map[string]bool{}
	var out []Definition
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read agents dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read agent %s: %w", path, err)
			}
			def, ok, err := Parse(string(data), path)
			if err != nil {
				logging.Warn("skipping agent definition", logging.Path(path), logging.Error(err))
				continue
			}
			if !ok || seen[def.Name] {
				continue
			}
			seen[def.Name] = true
			out = append(out, def)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Find returns the definition called name.
func Find(defs []Definition, name string) (Definition, bool) {
	for _, d := range defs {
		if strings.EqualFold(d.Name, name) {
			return d, true
		}
	}
	return Definition{}, false
}
