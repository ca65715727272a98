package skills

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// makeTestSkillsDir writes files into a temp dir and returns its path.
func makeTestSkillsDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write test skill file %s: %v", name, err)
		}
	}
	return dir
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    *Skill
		wantErr bool
	}{
		{
			name:  "frontmatter",
			input: "---\nname: review\ndescription: Review a diff\ntriggers: [review, /pr\\s+\\d+/]\ntags: [git]\n---\n\n# Review\nCheck tests.\n",
			want: &Skill{
				Name:        "review",
				Description: "Review a diff",
				Triggers:    []string{"review", `/pr\s+\d+/`},
				Tags:        []string{"git"},
				Content:     "# Review\nCheck tests.",
			},
		},
		{
			name:  "no frontmatter",
			input: "Just instructions.\n",
			want:  &Skill{Content: "Just instructions."},
		},
		{
			name:    "unterminated frontmatter",
			input:   "---\nname: broken\n",
			wantErr: true,
		},
		{
			name:    "invalid yaml",
			input:   "---\nname: [unclosed\n---\nbody",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	project := makeTestSkillsDir(t, map[string]string{
		"commit.md": "---\ndescription: Write a commit message\ntriggers: [commit]\n---\nUse imperative mood.",
		"shared.md": "---\nname: shared\n---\nproject copy",
		"notes.txt": "ignored",
	})
	user := makeTestSkillsDir(t, map[string]string{
		"shared.md": "---\nname: shared\n---\nuser copy",
		"bad.md":    "---\nname: [\n---\n",
	})

	c, err := Load(project, filepath.Join(t.TempDir(), "missing"), user)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var names []string
	for _, s := range c.List() {
		names = append(names, s.Name)
	}
	if diff := cmp.Diff([]string{"commit", "shared"}, names); diff != "" {
		t.Errorf("List() names mismatch (-want +got):\n%s", diff)
	}

	commit, ok := c.Get("commit")
	if !ok {
		t.Fatal("Get(commit) not found")
	}
	if commit.Path != filepath.Join(project, "commit.md") {
		t.Errorf("Path = %q", commit.Path)
	}
	if shared, _ := c.Get("shared"); shared.Content != "project copy" {
		t.Errorf("shared content = %q, want the project copy", shared.Content)
	}
	if got := c.Summary(); got != "- commit: Write a commit message\n- shared" {
		t.Errorf("Summary() = %q", got)
	}
}

func TestSkill_Matches(t *testing.T) {
	s := &Skill{Triggers: []string{"Commit", `/^fix\s+#\d+/`, "/["}}
	tests := []struct {
		input string
		want  bool
	}{
		{"please commit this", true},
		{"fix #42 now", true},
		{"refix #42", false},
		{"unrelated", false},
		{"[", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := s.Matches(tt.input); got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestCatalog_Match(t *testing.T) {
	dir := makeTestSkillsDir(t, map[string]string{
		"b.md": "---\ntriggers: [deploy]\n---\nB",
		"a.md": "---\ntriggers: [deploy]\n---\nA",
	})
	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.Match("deploy to prod"); got == nil || got.Name != "a" {
		t.Errorf("Match() = %+v, want skill a", got)
	}
	if got := c.Match("nothing"); got != nil {
		t.Errorf("Match() = %+v, want nil", got)
	}
}

func TestNilCatalog(t *testing.T) {
	var c *Catalog
	if c.Len() != 0 || c.List() != nil || c.Match("x") != nil {
		t.Error("nil catalog should be empty")
	}
	if _, ok := c.Get("x"); ok {
		t.Error("nil catalog Get should miss")
	}
}
