// Package permissions asks the user, on a terminal, to approve the tool
// calls policy left to them.
package permissions

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
)

// Decision is a remembered answer.
type Decision int

const (
	DecisionAllow       Decision = iota // this time
	DecisionAlwaysAllow                 // rest of the process
	DecisionDeny                        // this time
	DecisionNeverAllow                  // rest of the process
)

// LineReader reads one answer.
type LineReader interface {
	ReadLine(prompt string) (string, error)
}

// Renderer shows what is being asked.
type Renderer interface {
	PermissionPrompt(p core.ToolProposal)
	Question(question string, options []string)
	Warning(msg string)
}

// Prompter answers approval and clarification requests from the engine.
// Prompts are serialized; subagents and the main loop may ask at once.
type Prompter struct {
	mu    sync.Mutex
	in    LineReader
	out   Renderer
	cache map[string]Decision
}

func NewPrompter(in LineReader, out Renderer) *Prompter {
	return &Prompter{in: in, out: out, cache: make(map[string]Decision)}
}

// Approve asks whether p may run. "always" and "never" are remembered per
// cache key for the life of the prompter.
func (p *Prompter) Approve(ctx context.Context, prop core.ToolProposal) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	key := cacheKey(prop.Call)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.cache[key] {
	case DecisionAlwaysAllow:
		return true, nil
	case DecisionNeverAllow:
		return false, nil
	}

	p.out.PermissionPrompt(prop)
	response, err := p.in.ReadLine("[y]es / [n]o / [a]lways / ne[v]er: ")
	if err != nil {
		return false, fmt.Errorf("failed to read response: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(response)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	case "a", "always":
		p.cache[key] = DecisionAlwaysAllow
		logging.Debug("approval remembered", logging.F("key", key))
		return true, nil
	case "v", "never":
		p.cache[key] = DecisionNeverAllow
		return false, nil
	default:
		p.out.Warning("Unrecognized response, denying.")
		return false, nil
	}
}

// AskUser shows question and returns the chosen option, or the typed text
// when it is not an option number.
func (p *Prompter) AskUser(ctx context.Context, question string, options []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.out.Question(question, options)
	answer, err := p.in.ReadLine("> ")
	if err != nil {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
		return options[n-1], nil
	}
	return answer, nil
}

// CachedDecision returns the remembered answer for call, if any.
func (p *Prompter) CachedDecision(call core.ToolCall) (Decision, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.cache[cacheKey(call)]
	return d, ok
}

// ClearCache forgets every remembered answer.
func (p *Prompter) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]Decision)
}

// cacheKey is the tool name, narrowed to the program for shell commands
// so "always" for go does not cover rm.
func cacheKey(c core.ToolCall) string {
	name := core.ToInternalName(c.Name)
	if name != core.ToolBashRun.Internal() {
		return name
	}
	fields := strings.Fields(c.StringArg("cmd"))
	if len(fields) == 0 {
		return name
	}
	return name + ":" + fields[0]
}
