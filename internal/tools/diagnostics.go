package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

const diagnosticsTimeout = 5 * time.Minute

// Diagnostic is one compiler or linter finding.
type Diagnostic struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source"`
}

// diagnosticsTool runs the project's native checker and parses its output.
type diagnosticsTool struct {
	ws     *Workspace
	runner ShellRunner
}

func (t *diagnosticsTool) Name() string { return core.ToolDiagnosticsCheck.Internal() }

func (t *diagnosticsTool) Description() string {
	return "Run the project's compiler or linter (go vet / golangci-lint, cargo check, tsc, ruff) and return structured diagnostics."
}

func (t *diagnosticsTool) InputSchema() map[string]any {
	return objectSchema(nil, map[string]any{
		"path": prop("string", "Optional workspace-relative path to narrow the check."),
	})
}

func (t *diagnosticsTool) Permission() PermissionLevel { return PermissionRead }

func (t *diagnosticsTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	checker, ok := detectChecker(t.ws.Root(), stringArg(input, "path"))
	if !ok {
		return map[string]any{"diagnostics": []Diagnostic{}, "command": "", "success": true, "source": "none"}, nil
	}
	res, err := t.runner.Run(ctx, checker.command, t.ws.Root(), diagnosticsTimeout)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", checker.source, err)
	}
	diags := checker.parse(res.Stdout + "\n" + res.Stderr)
	sort.SliceStable(diags, func(i, j int) bool {
		if diags[i].File != diags[j].File {
			return diags[i].File < diags[j].File
		}
		return diags[i].Line < diags[j].Line
	})
	return map[string]any{
		"diagnostics": diags,
		"command":     checker.command,
		"success":     res.Success() && len(diags) == 0,
		"source":      checker.source,
	}, nil
}

type checker struct {
	source  string
	command string
	parse   func(string) []Diagnostic
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// detectChecker picks a checker from marker files at the workspace root.
func detectChecker(root, path string) (checker, bool) {
	target := "./..."
	if path != "" {
		target = "./" + strings.TrimSuffix(filepath.ToSlash(path), "/") + "/..."
	}
	switch {
	case fileExists(filepath.Join(root, "go.mod")):
		if _, err := exec.LookPath("golangci-lint"); err == nil {
			return checker{"golangci-lint", "golangci-lint run --out-format json " + target, parseGolangciLint}, true
		}
		return checker{"go vet", "go vet " + target, parseColonDiagnostics("go vet")}, true
	case fileExists(filepath.Join(root, "Cargo.toml")):
		return checker{"cargo", "cargo check --message-format=json --quiet", parseCargoJSON}, true
	case fileExists(filepath.Join(root, "tsconfig.json")):
		return checker{"tsc", "npx --no-install tsc --noEmit --pretty false", parseTSC}, true
	case fileExists(filepath.Join(root, "pyproject.toml")), fileExists(filepath.Join(root, "setup.py")):
		return checker{"ruff", "ruff check --output-format json .", parseRuffJSON}, true
	}
	return checker{}, false
}

// golangciReport mirrors the golangci-lint JSON output.
type golangciReport struct {
	Issues []struct {
		FromLinter string `json:"FromLinter"`
		Text       string `json:"Text"`
		Severity   string `json:"Severity"`
		Pos        struct {
			Filename string `json:"Filename"`
			Line     int    `json:"Line"`
			Column   int    `json:"Column"`
		} `json:"Pos"`
	} `json:"Issues"`
}

func parseGolangciLint(out string) []Diagnostic {
	start := strings.IndexByte(out, '{')
	if start < 0 {
		return nil
	}
	var report golangciReport
	if err := json.NewDecoder(strings.NewReader(out[start:])).Decode(&report); err != nil {
		return parseColonDiagnostics("golangci-lint")(out)
	}
	diags := make([]Diagnostic, 0, len(report.Issues))
	for _, is := range report.Issues {
		sev := strings.ToLower(is.Severity)
		if sev == "" {
			sev = "warning"
		}
		diags = append(diags, Diagnostic{
			File:     is.Pos.Filename,
			Line:     is.Pos.Line,
			Column:   is.Pos.Column,
			Severity: sev,
			Message:  fmt.Sprintf("[%s] %s", is.FromLinter, is.Text),
			Source:   "golangci-lint",
		})
	}
	return diags
}

var colonDiagRe = regexp.MustCompile(`^(?:vet: )?([^\s:][^:]*\.[A-Za-z0-9]+):(\d+)(?::(\d+))?:\s*(.+)$`)

// parseColonDiagnostics parses "file:line[:col]: message" lines.
func parseColonDiagnostics(source string) func(string) []Diagnostic {
	return func(out string) []Diagnostic {
		var diags []Diagnostic
		sc := bufio.NewScanner(strings.NewReader(out))
		for sc.Scan() {
			m := colonDiagRe.FindStringSubmatch(strings.TrimSpace(sc.Text()))
			if m == nil {
				continue
			}
			line, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			diags = append(diags, Diagnostic{
				File: strings.TrimPrefix(m[1], "./"), Line: line, Column: col,
				Severity: "error", Message: m[4], Source: source,
			})
		}
		return diags
	}
}

func parseCargoJSON(out string) []Diagnostic {
	var diags []Diagnostic
	sc := bufio.NewScanner(strings.NewReader(out))
	sc.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var msg struct {
			Reason  string `json:"reason"`
			Message struct {
				Message string `json:"message"`
				Level   string `json:"level"`
				Spans   []struct {
					FileName    string `json:"file_name"`
					LineStart   int    `json:"line_start"`
					ColumnStart int    `json:"column_start"`
					IsPrimary   bool   `json:"is_primary"`
				} `json:"spans"`
			} `json:"message"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil || msg.Reason != "compiler-message" {
			continue
		}
		d := Diagnostic{Severity: msg.Message.Level, Message: msg.Message.Message, Source: "cargo"}
		for _, sp := range msg.Message.Spans {
			if sp.IsPrimary {
				d.File, d.Line, d.Column = sp.FileName, sp.LineStart, sp.ColumnStart
				break
			}
		}
		diags = append(diags, d)
	}
	return diags
}

var tscRe = regexp.MustCompile(`^(.+)\((\d+),(\d+)\): (error|warning) (TS\d+: .+)$`)

func parseTSC(out string) []Diagnostic {
	var diags []Diagnostic
	for _, line := range strings.Split(out, "\n") {
		m := tscRe.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		ln, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		diags = append(diags, Diagnostic{File: m[1], Line: ln, Column: col, Severity: m[4], Message: m[5], Source: "tsc"})
	}
	return diags
}

func parseRuffJSON(out string) []Diagnostic {
	start := strings.IndexByte(out, '[')
	if start < 0 {
		return nil
	}
	var items []struct {
		Code     string `json:"code"`
		Message  string `json:"message"`
		Filename string `json:"filename"`
		Location struct {
			Row    int `json:"row"`
			Column int `json:"column"`
		} `json:"location"`
	}
	if err := json.NewDecoder(strings.NewReader(out[start:])).Decode(&items); err != nil {
		return nil
	}
	diags := make([]Diagnostic, 0, len(items))
	for _, it := range items {
		diags = append(diags, Diagnostic{
			File: it.Filename, Line: it.Location.Row, Column: it.Location.Column,
			Severity: "warning", Message: it.Code + " " + it.Message, Source: "ruff",
		})
	}
	return diags
}

// LintCommands derives lint/format-check commands from the changed files,
// one per language present, in a stable order.
func LintCommands(changedFiles []string) []string {
	langs := map[string]bool{}
	for _, f := range changedFiles {
		switch strings.ToLower(filepath.Ext(f)) {
		case ".go":
			langs["go"] = true
		case ".rs":
			langs["rust"] = true
		case ".ts", ".tsx":
			langs["ts"] = true
		case ".js", ".jsx":
			langs["js"] = true
		case ".py":
			langs["py"] = true
		}
	}
	var cmds []string
	if langs["go"] {
		cmds = append(cmds, "gofmt -l .", "go vet ./...")
	}
	if langs["rust"] {
		cmds = append(cmds, "cargo fmt --check", "cargo clippy --quiet")
	}
	if langs["ts"] {
		cmds = append(cmds, "npx --no-install tsc --noEmit")
	}
	if langs["js"] || langs["ts"] {
		cmds = append(cmds, "npx --no-install eslint .")
	}
	if langs["py"] {
		cmds = append(cmds, "ruff check .")
	}
	return cmds
}
