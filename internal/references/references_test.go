package references

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		token string
		want  Reference
		ok    bool
	}{
		{"@src/main.go", Reference{Raw: "@src/main.go", Path: "src/main.go"}, true},
		{"@src/main.go:10-20,", Reference{Raw: "@src/main.go:10-20,", Path: "src/main.go", Start: 10, End: 20}, true},
		{"@a.go:7", Reference{Raw: "@a.go:7", Path: "a.go", Start: 7, End: 7}, true},
		{"@dir:pkg", Reference{Raw: "@dir:pkg", Path: "pkg", Dir: true}, true},
		{"@file:x.txt", Reference{Raw: "@file:x.txt", Path: "x.txt"}, true},
		{"@a.go:9-3", Reference{Raw: "@a.go:9-3", Path: "a.go:9-3"}, true},
		{"@a.go:0", Reference{Raw: "@a.go:0", Path: "a.go:0"}, true},
		{"@", Reference{}, false},
		{"@.", Reference{}, false},
		{"plain", Reference{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got, ok := Parse(tt.token)
			if ok != tt.ok {
				t.Fatalf("Parse(%q) ok = %v, want %v", tt.token, ok, tt.ok)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tt.token, diff)
			}
		})
	}
}

func TestExpand_NoReferences(t *testing.T) {
	got, err := Expand(t.TempDir(), "fix the bug")
	if err != nil || got != "fix the bug" {
		t.Errorf("Expand() = %q, %v", got, err)
	}
}

func TestExpand(t *testing.T) {
	ws := t.TempDir()
	writeFile(t, ws, "src/a.go", "one\ntwo\nthree\n")
	writeFile(t, ws, "src/b.go", "b\n")
	writeFile(t, ws, "img.bin", "ab\x00cd")
	writeFile(t, ws, ".deepseek/secret", "x")

	got, err := Expand(ws, "look at @src/a.go:2-3 and @src/ then @img.bin @gone.txt @.deepseek/secret")
	if err != nil {
		t.Fatal(err)
	}
	want := "look at @src/a.go:2-3 and @src/ then @img.bin @gone.txt @.deepseek/secret\n\n[Resolved references]\n" +
		"```text\n# src/a.go\n    2: two\n    3: three\n```\n" +
		"- @src/ -> directory src/\n  - src/a.go\n  - src/b.go\n" +
		"- @img.bin -> file img.bin (binary, 5 bytes)\n" +
		"- @gone.txt -> missing (gone.txt)\n" +
		"- @.deepseek/secret -> skipped (.deepseek/secret)\n"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Expand() mismatch (-want +got):\n%s", diff)
	}
}

func TestExpand_EscapeSkipped(t *testing.T) {
	got, err := Expand(t.TempDir(), "@../etc/passwd")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "-> skipped") {
		t.Errorf("Expand() = %q", got)
	}
}

func TestRenderLines_Caps(t *testing.T) {
	var sb strings.Builder
	for i := 1; i <= 250; i++ {
		fmt.Fprintf(&sb, "l%d\n", i)
	}
	lines := strings.Split(RenderLines(sb.String(), 0, 0), "\n")
	if len(lines) != 201 || lines[200] != "... (truncated)" {
		t.Errorf("rendered %d lines, last %q", len(lines), lines[len(lines)-1])
	}
	if lines[0] != "    1: l1" {
		t.Errorf("first line = %q", lines[0])
	}
}

func TestListDir_Limit(t *testing.T) {
	ws := t.TempDir()
	for i := range 60 {
		writeFile(t, ws, fmt.Sprintf("many/f%02d.txt", i), "x")
	}
	got, err := Expand(ws, "@dir:many")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(got, "  - many/") != 50 || !strings.Contains(got, "... (truncated)") {
		t.Errorf("listing not capped:\n%s", got)
	}
}
