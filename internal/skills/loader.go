// Package skills loads reusable instruction snippets from markdown files
// with YAML frontmatter. The tool-use loop serves them through the skill
// tool.
package skills

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Skill is one loaded skill file.
type Skill struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Triggers    []string `yaml:"triggers"`
	Tags        []string `yaml:"tags"`
	// Content is the markdown body after the frontmatter.
	Content string `yaml:"-"`
	Path    string `yaml:"-"`
}

// Matches reports whether any trigger matches input. A trigger wrapped in
// slashes is a regular expression; anything else is a case-insensitive
// substring.
func (s *Skill) Matches(input string) bool {
	input = strings.ToLower(input)
	for _, trigger := range s.Triggers {
		if len(trigger) > 2 && strings.HasPrefix(trigger, "/") && strings.HasSuffix(trigger, "/") {
			re, err := regexp.Compile(trigger[1 : len(trigger)-1])
			if err == nil && re.MatchString(input) {
				return true
			}
			continue
		}
		if trigger != "" && strings.Contains(input, strings.ToLower(trigger)) {
			return true
		}
	}
	return false
}

// Catalog holds skills by name. It is read-only after Load.
type Catalog struct {
	skills map[string]*Skill
}

// Dirs returns the project and user skill directories, project first.
func Dirs(workspace string) []string {
	dirs := []string{filepath.Join(workspace, ".codingbuddy", "skills")}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".codingbuddy", "skills"))
	}
	return dirs
}

// Load reads every *.md file in dirs. Missing directories are skipped and
// earlier directories win on name collisions. A malformed file is logged
// and skipped.
func Load(dirs ...string) (*Catalog, error) {
	c := &Catalog{skills: make(map[string]*Skill)}
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read skills dir %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			skill, err := parseFile(path)
			if err != nil {
				logging.Warn("skipping skill", logging.Path(path), logging.Error(err))
				continue
			}
			if _, dup := c.skills[skill.Name]; dup {
				continue
			}
			c.skills[skill.Name] = skill
		}
	}
	return c, nil
}

func parseFile(path string) (*Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	skill, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if skill.Name == "" {
		skill.Name = strings.TrimSuffix(filepath.Base(path), ".md")
	}
	skill.Path = path
	return skill, nil
}

// Parse reads a skill from markdown with optional frontmatter.
func Parse(data []byte) (*Skill, error) {
	skill := &Skill{}
	text := bytes.TrimPrefix(data, []byte("\ufeff"))
	if !bytes.HasPrefix(text, []byte("---")) {
		skill.Content = strings.TrimSpace(string(text))
		return skill, nil
	}
	front, body, ok := bytes.Cut(text[3:], []byte("\n---"))
	if !ok {
		return nil, fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal(front, skill); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	skill.Content = strings.TrimSpace(string(body))
	return skill, nil
}

// Get returns a skill by name.
func (c *Catalog) Get(name string) (*Skill, bool) {
	if c == nil {
		return nil, false
	}
	s, ok := c.skills[name]
	return s, ok
}

// Len is the number of loaded skills.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.skills)
}

// List returns skills sorted by name.
func (c *Catalog) List() []*Skill {
	if c == nil {
		return nil
	}
	out := make([]*Skill, 0, len(c.skills))
	for _, s := range c.skills {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Match returns the first skill, by name order, whose triggers match input.
func (c *Catalog) Match(input string) *Skill {
	for _, s := range c.List() {
		if s.Matches(input) {
			return s
		}
	}
	return nil
}

// Summary lists "name: description" lines for tool descriptions.
func (c *Catalog) Summary() string {
	var b strings.Builder
	for _, s := range c.List() {
		b.WriteString("- " + s.Name)
		if s.Description != "" {
			b.WriteString(": " + s.Description)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
