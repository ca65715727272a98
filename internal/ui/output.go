package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
	"github.com/abdul-hamid-achik/codingbuddy/internal/ui/highlight"
)

const (
	CursorStart = "\r"
	ClearLine   = "\033[2K"

	maxResultChars = 500
	maxResultLines = 10
)

// Output renders the agent's stream to a terminal. It is safe for
// concurrent use; subagents and the main loop share one.
type Output struct {
	mu          sync.Mutex
	w           io.Writer
	errW        io.Writer
	useColors   bool
	highlighter *highlight.Highlighter

	// midLine is set while streamed text has not ended in a newline.
	midLine bool
	// tools maps invocation ids to tool names for result lines.
	tools map[string]string
}

// NewOutput writes to stdout and stderr, with colors only on a terminal
// and when NO_COLOR is unset.
func NewOutput() *Output {
	useColors := isTerminal(os.Stdout) && os.Getenv("NO_COLOR") == ""
	return newOutput(os.Stdout, os.Stderr, useColors)
}

// NewPlainOutput writes uncolored output, errors included, to w.
func NewPlainOutput(w io.Writer) *Output {
	return newOutput(w, w, false)
}

// NewWriterOutput writes everything to w, styled when useColors is set.
func NewWriterOutput(w io.Writer, useColors bool) *Output {
	return newOutput(w, w, useColors)
}

func newOutput(w, errW io.Writer, useColors bool) *Output {
	return &Output{
		w:           w,
		errW:        errW,
		useColors:   useColors,
		highlighter: highlight.New(useColors),
		tools:       make(map[string]string),
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// UseColors reports whether styles are applied.
func (o *Output) UseColors() bool { return o.useColors }

func (o *Output) paint(style lipgloss.Style, text string) string {
	if !o.useColors {
		return text
	}
	return style.Render(text)
}

// println ends any streamed line first. Callers hold o.mu.
func (o *Output) println(w io.Writer, line string) {
	if o.midLine {
		fmt.Fprintln(o.w)
		o.midLine = false
	}
	fmt.Fprintln(w, line)
}

// Chunk renders one streamed model chunk.
func (o *Output) Chunk(c llm.StreamChunk) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch c.Type {
	case llm.ChunkText:
		fmt.Fprint(o.w, c.Text)
		o.midLine = c.Text != "" && !strings.HasSuffix(c.Text, "\n")
	case llm.ChunkThinking:
		fmt.Fprint(o.w, o.paint(thinkingStyle, c.Text))
		o.midLine = c.Text != "" && !strings.HasSuffix(c.Text, "\n")
	case llm.ChunkDone:
		if o.midLine {
			fmt.Fprintln(o.w)
			o.midLine = false
		}
	case llm.ChunkError:
		if c.Error != nil {
			o.println(o.errW, o.paint(errorStyle, "Error: ")+c.Error.Error())
		}
	}
}

// Text prints text followed by a newline.
func (o *Output) Text(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.w, text)
}

// Markdown prints text with fenced code blocks highlighted.
func (o *Output) Markdown(text string) {
	o.Text(o.highlighter.MarkdownCodeBlocks(text))
}

// Diff prints a highlighted unified diff.
func (o *Output) Diff(diff string) {
	o.Text(o.highlighter.Diff(strings.TrimRight(diff, "\n")))
}

func (o *Output) Error(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.errW, o.paint(errorStyle, "Error: ")+err.Error())
}

func (o *Output) Warning(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.errW, o.paint(warningStyle, iconWarning+" ")+msg)
}

func (o *Output) Success(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.w, o.paint(successStyle, iconSuccess+" ")+msg)
}

func (o *Output) Info(msg string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.w, o.paint(infoStyle, iconInfo+" ")+msg)
}

// Header prints a title between blank lines.
func (o *Output) Header(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.w, "")
	o.println(o.w, o.paint(headerStyle, text))
	o.println(o.w, "")
}

// Row is one key/value line of a summary box.
type Row struct {
	Key   string
	Value string
}

// Summary prints rows under title, boxed on a color terminal.
func (o *Output) Summary(title string, rows []Row) {
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, o.paint(headerStyle, title))
	for _, r := range rows {
		key := r.Key + ":"
		if o.useColors {
			key = keyStyle.Render(key)
		}
		lines = append(lines, key+" "+r.Value)
	}
	body := strings.Join(lines, "\n")
	if o.useColors {
		body = boxStyle.Render(body)
	}
	o.Text(body)
}

// Plan prints a plan's steps and verification commands.
func (o *Output) Plan(title string, p *core.Plan) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (v%d): %s\n", o.paint(headerStyle, title), p.Version, p.Goal)
	for i, s := range p.Steps {
		mark := " "
		if s.Done {
			mark = iconSuccess
		}
		fmt.Fprintf(&b, "  %s %d. %s %s\n", mark, i+1, s.Title, o.paint(dimStyle, "["+s.Intent+"]"))
		if len(s.Tools) > 0 {
			fmt.Fprintf(&b, "       %s\n", o.paint(dimStyle, "tools: "+strings.Join(s.Tools, ", ")))
		}
		if len(s.Files) > 0 {
			fmt.Fprintf(&b, "       %s\n", o.paint(dimStyle, "files: "+strings.Join(s.Files, ", ")))
		}
	}
	if len(p.Verification) > 0 {
		fmt.Fprintf(&b, "  verify: %s", strings.Join(p.Verification, " && "))
	}
	o.Text(strings.TrimRight(b.String(), "\n"))
}

// ToolCall prints a proposed call and remembers its name for the result.
func (o *Output) ToolCall(p core.ToolProposal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.tools[p.InvocationID] = p.Call.Name
	line := o.paint(toolCallStyle, iconToolCall+" ") + o.paint(toolNameStyle, p.Call.Name)
	if desc := describeCall(p.Call); desc != "" {
		line += o.paint(dimStyle, " - "+desc)
	}
	o.println(o.w, line)
}

// ToolResult prints a result, truncated, with diffs and code highlighted.
func (o *Output) ToolResult(r core.ToolResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	name := o.tools[r.InvocationID]
	delete(o.tools, r.InvocationID)
	if name == "" {
		name = r.InvocationID
	}
	out := r.OutputString()
	if !r.Success {
		o.println(o.w, o.paint(errorStyle, iconError+" ")+o.paint(errorStyle, name+": ")+truncate(out, maxResultChars))
		return
	}
	o.println(o.w, o.paint(successStyle, iconSuccess+" ")+o.paint(successStyle, name))

	display := truncate(out, maxResultChars)
	if highlight.IsDiff(display) {
		display = o.highlighter.Diff(display)
	} else {
		display = o.highlighter.MarkdownCodeBlocks(display)
	}
	display = strings.TrimRight(display, "\n")
	if display == "" || display == "{}" {
		return
	}
	lines := strings.Split(display, "\n")
	if len(lines) > maxResultLines {
		lines = append(lines[:maxResultLines], "... (truncated)")
	}
	for _, line := range lines {
		o.println(o.w, o.paint(dimStyle, "  "+iconIndent+" ")+line)
	}
}

// PermissionPrompt shows what an approval is being asked for.
func (o *Output) PermissionPrompt(p core.ToolProposal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	level, style := "read", infoStyle
	switch {
	case core.IsWriteName(p.Call.Name):
		level, style = "write", warningStyle
	case !core.IsReadOnlyName(p.Call.Name):
		level, style = "execute", errorStyle
	}
	o.println(o.w, "")
	o.println(o.w, o.paint(style, "Permission required: "+p.Call.Name))
	o.println(o.w, o.paint(dimStyle, "   Level: ")+level)
	if desc := describeCall(p.Call); desc != "" {
		o.println(o.w, o.paint(dimStyle, "   Action: ")+desc)
	}
	if diff := p.Call.StringArg("unified_diff"); diff != "" {
		o.println(o.w, o.highlighter.Diff(strings.TrimRight(truncate(diff, 4*maxResultChars), "\n")))
	}
}

// Question prints a question and its numbered options.
func (o *Output) Question(question string, options []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.println(o.w, "")
	o.println(o.w, o.paint(warningStyle, "? ")+question)
	for i, opt := range options {
		o.println(o.w, fmt.Sprintf("  %s %s", o.paint(toolNameStyle, fmt.Sprintf("[%d]", i+1)), opt))
	}
}

// describeCall picks the argument that best identifies a call.
func describeCall(c core.ToolCall) string {
	for _, key := range []string{"cmd", "path", "pattern", "q", "spec", "dir", "url", "question"} {
		if v := c.StringArg(key); v != "" {
			return truncate(strings.ReplaceAll(v, "\n", " "), 120)
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
