package agentloop

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

func TestParseArchitectPlan(t *testing.T) {
	text := `ARCHITECT_PLAN_V1
PLAN|Rename the helper
PLAN|Update callers

FILE|src/util.go|rename helper
FILE|src/util.go|duplicate entry
FILE|src/main.go|update call
VERIFY|go test ./...
ACCEPT|tests pass
TOOL|fs_grep|{"pattern":"a|b"}
RETRIEVE|helper usages|
ARCHITECT_PLAN_END
trailing text is ignored`

	plan, err := ParseArchitectPlan(text)
	if err != nil {
		t.Fatalf("ParseArchitectPlan() error = %v", err)
	}
	want := &ArchitectPlan{
		Steps:      []string{"Rename the helper", "Update callers"},
		Files:      []FileIntent{{"src/util.go", "rename helper"}, {"src/main.go", "update call"}},
		Verify:     []string{"go test ./..."},
		Acceptance: []string{"tests pass"},
		Tools:      []ToolRequest{{Name: "fs_grep", Args: `{"pattern":"a|b"}`}},
		Retrieve:   []RetrieveRequest{{Query: "helper usages"}},
		Raw:        text,
	}
	if diff := cmp.Diff(want, plan); diff != "" {
		t.Errorf("plan mismatch (-want +got):\n%s", diff)
	}
	if !plan.NeedsEvidence() || plan.NoEdit() {
		t.Errorf("NeedsEvidence=%v NoEdit=%v", plan.NeedsEvidence(), plan.NoEdit())
	}
}

func TestParseArchitectPlan_NoEdit(t *testing.T) {
	plan, err := ParseArchitectPlan("ARCHITECT_PLAN_V1\nPLAN|Inspect\nNO_EDIT|true|\nARCHITECT_PLAN_END")
	if err != nil {
		t.Fatal(err)
	}
	if plan.NoEditReason != defaultNoEditReason {
		t.Errorf("NoEditReason = %q", plan.NoEditReason)
	}
	if got := FormatNoEdit(plan); got != "No file edits required\n\nRecommended steps:\n- Inspect" {
		t.Errorf("FormatNoEdit() = %q", got)
	}
}

func TestParseArchitectPlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"missing header", "PLAN|x\nARCHITECT_PLAN_END", "missing ARCHITECT_PLAN_V1"},
		{"missing footer", "ARCHITECT_PLAN_V1\nPLAN|x", "missing ARCHITECT_PLAN_END"},
		{"unknown line", "ARCHITECT_PLAN_V1\nHello there\nARCHITECT_PLAN_END", "unknown architect line"},
		{"absolute file", "ARCHITECT_PLAN_V1\nFILE|/etc/hosts|x\nARCHITECT_PLAN_END", "absolute path"},
		{"file without intent", "ARCHITECT_PLAN_V1\nFILE|a.go\nARCHITECT_PLAN_END", "invalid FILE line"},
		{"subagent without goal", "ARCHITECT_PLAN_V1\nSUBAGENT|scout|\nARCHITECT_PLAN_END", "invalid SUBAGENT line"},
		{"empty", "   ", "missing ARCHITECT_PLAN_V1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseArchitectPlan(tt.text)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestParseEditorResponse(t *testing.T) {
	diff := "--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-a\n+b\n"

	t.Run("fenced diff", func(t *testing.T) {
		got, err := ParseEditorResponse("```diff\n"+diff+"```\n", 0)
		if err != nil {
			t.Fatal(err)
		}
		if got.Diff != diff {
			t.Errorf("Diff = %q", got.Diff)
		}
	})

	t.Run("need context", func(t *testing.T) {
		got, err := ParseEditorResponse("NEED_CONTEXT|x.go:10-20\nNEED_CONTEXT|y.go\n", 0)
		if err != nil {
			t.Fatal(err)
		}
		want := []FileRequest{{Path: "x.go", Start: 10, End: 20}, {Path: "y.go"}}
		if d := cmp.Diff(want, got.NeedContext); d != "" {
			t.Errorf("NeedContext mismatch (-want +got):\n%s", d)
		}
		if !got.NeedContext[0].HasRange() || got.NeedContext[1].HasRange() {
			t.Error("HasRange mismatch")
		}
	})

	t.Run("prose", func(t *testing.T) {
		if _, err := ParseEditorResponse("I changed the file for you.", 0); err == nil {
			t.Error("prose must be rejected")
		}
	})

	t.Run("too large", func(t *testing.T) {
		if _, err := ParseEditorResponse(diff, 10); err == nil || !strings.Contains(err.Error(), "exceeds max size") {
			t.Errorf("error = %v", err)
		}
	})
}

func TestPlanSimilarity(t *testing.T) {
	if got := PlanSimilarity("a b c", "c b a"); got != 1 {
		t.Errorf("same words = %v, want 1", got)
	}
	if got := PlanSimilarity("a b", "c d"); got != 0 {
		t.Errorf("disjoint = %v, want 0", got)
	}
	// 9 shared words out of 10 is exactly the threshold and does not stall.
	a := "w1 w2 w3 w4 w5 w6 w7 w8 w9 w10"
	b := "w1 w2 w3 w4 w5 w6 w7 w8 w9"
	if got := PlanSimilarity(a, b); got > planSimilarityThreshold {
		t.Errorf("similarity = %v, must not exceed threshold", got)
	}
}

func TestApplyFailure_Feedback(t *testing.T) {
	f := &ApplyFailure{Reason: "patch apply failed", ChangedFiles: []string{"a.go", "b.go"}, Conflicts: []string{"error: a.go: patch does not apply"}}
	want := "classification=PatchMismatch\npatch apply failed\nchanged_files=a.go,b.go\nerror: a.go: patch does not apply"
	if got := f.Feedback(); got != want {
		t.Errorf("Feedback() = %q, want %q", got, want)
	}
	if got := (&ApplyFailure{Reason: "empty diff"}).Feedback(); got != "classification=PatchMismatch\nempty diff" {
		t.Errorf("Feedback() = %q", got)
	}
}

func TestCommitMessage(t *testing.T) {
	long := strings.Repeat("é", 80)
	tests := []struct {
		name     string
		template string
		prompt   string
		want     string
	}{
		{"plain", "", "Fix the parser", "Fix the parser"},
		{"newlines collapse", "{goal}", "Fix\nthe\n\nparser", "Fix the parser"},
		{"empty prompt", "{goal}", "  \n ", "apply verified changes"},
		{"template", "feat: {goal}", "add flag", "feat: add flag"},
		{"truncated on rune boundary", "{goal}", long, strings.Repeat("é", 72)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CommitMessage(config.CommitConfig{Template: tt.template}, tt.prompt); got != tt.want {
				t.Errorf("CommitMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCommitAnswer(t *testing.T) {
	tests := []struct {
		answer string
		msg    string
		ok     bool
	}{
		{"yes", "suggested", true},
		{"Y", "suggested", true},
		{"no", "", false},
		{"skip", "", false},
		{"", "", false},
		{"  fix: custom  ", "fix: custom", true},
	}
	for _, tt := range tests {
		msg, ok := commitAnswer(tt.answer, "suggested")
		if msg != tt.msg || ok != tt.ok {
			t.Errorf("commitAnswer(%q) = %q, %v; want %q, %v", tt.answer, msg, ok, tt.msg, tt.ok)
		}
	}
}

func TestDeriveVerifyCommands(t *testing.T) {
	tests := []struct {
		manifest string
		want     string
	}{
		{"Cargo.toml", "cargo test -q"},
		{"package.json", "npm test --silent"},
		{"setup.py", "pytest -q"},
		{"go.mod", "go test ./..."},
		{"", "git status --short"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			dir := t.TempDir()
			if tt.manifest != "" {
				if err := os.WriteFile(filepath.Join(dir, tt.manifest), nil, 0o644); err != nil {
					t.Fatal(err)
				}
			}
			if d := cmp.Diff([]string{tt.want}, DeriveVerifyCommands(dir)); d != "" {
				t.Errorf("commands mismatch (-want +got):\n%s", d)
			}
		})
	}
}

func TestLintCommandsFor(t *testing.T) {
	cfg := config.DefaultConfig().AgentLoop.Lint
	if d := cmp.Diff([]string{"gofmt -l"}, LintCommandsFor(cfg, []string{"a.go", "b.go", "README.md"})); d != "" {
		t.Errorf("configured go lint mismatch (-want +got):\n%s", d)
	}
	if d := cmp.Diff([]string{"ruff check ."}, LintCommandsFor(cfg, []string{"tool.py"})); d != "" {
		t.Errorf("fallback lint mismatch (-want +got):\n%s", d)
	}
	if got := LintCommandsFor(cfg, []string{"notes.txt"}); len(got) != 0 {
		t.Errorf("unknown extension gave %v", got)
	}
}

func TestMergeRequested(t *testing.T) {
	dir := t.TempDir()
	var lines []string
	for i := range 30 {
		lines = append(lines, strings.Repeat("x", i+1))
	}
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	ws, err := tools.NewWorkspace(dir)
	if err != nil {
		t.Fatal(err)
	}
	plan := &ArchitectPlan{Files: []FileIntent{{"a.txt", "edit"}, {"new.txt", "create"}}}

	files, err := mergeRequested(ws, plan, nil, []FileRequest{{Path: "a.txt", Start: 2, End: 3}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || !files[0].Partial || files[0].Content != "   2 | xx\n   3 | xxx\n" {
		t.Fatalf("partial context = %+v", files)
	}

	files, err = mergeRequested(ws, plan, files, []FileRequest{{Path: "a.txt"}, {Path: "new.txt"}}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if files[0].Partial || !strings.HasPrefix(files[0].Content, "x\nxx\n") {
		t.Errorf("partial entry was not refreshed: %+v", files[0])
	}
	if files[1].Path != "new.txt" || files[1].BaseHash != "" {
		t.Errorf("missing file context = %+v", files[1])
	}

	if _, err := mergeRequested(ws, plan, files, []FileRequest{{Path: "other.txt"}}, 0); err == nil {
		t.Error("undeclared file must be rejected")
	}
	if _, err := mergeRequested(ws, plan, files, []FileRequest{{Path: "a.txt", Start: 1, End: 1000}}, 0); err == nil {
		t.Error("oversized range must be rejected")
	}
}

func TestBuildRepoMap(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"README.md":              "readme",
		"src/parser.go":          "package src",
		"other.txt":              "x",
		"node_modules/parser.js": "skipped",
	}
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	got := BuildRepoMap(t.Context(), dir, "fix parser bug", 2)
	want := "- src/parser.go (11 bytes) score=10\n- README.md (6 bytes) score=5"
	if got != want {
		t.Errorf("BuildRepoMap() =\n%s\nwant\n%s", got, want)
	}
}
