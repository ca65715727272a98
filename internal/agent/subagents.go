package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/agentdefs"
	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/memory"
	"github.com/abdul-hamid-achik/codingbuddy/internal/session"
	"github.com/abdul-hamid-achik/codingbuddy/internal/subagent"
	"github.com/abdul-hamid-achik/codingbuddy/internal/toolloop"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

const (
	subagentTurns     = 6
	findingLines      = 6
	noteLines         = 12
	noteLineLimit     = 240
	isolationWorktree = "worktree"
)

// lane is one plan step prepared for delegation. Steps whose targets
// overlap an earlier lane's run in a later phase.
type lane struct {
	title   string
	intent  string
	role    subagent.Role
	team    string
	targets []string
	domain  string
	phase   int
	deps    []string
}

func (l lane) ownership() string {
	if len(l.targets) == 0 {
		return l.team + ":unscoped"
	}
	return l.team + ":" + strings.Join(l.targets, ",")
}

func (l lane) goal() string {
	g := fmt.Sprintf("%s [phase=%d lane=%s", l.intent, l.phase+1, l.ownership())
	if len(l.deps) > 0 {
		g += " deps=" + strings.Join(l.deps, "|")
	}
	return g + "]"
}

func roleForStep(step core.PlanStep) subagent.Role {
	switch step.Intent {
	case "search":
		return subagent.RoleExplore
	case "plan", "recover":
		return subagent.RolePlan
	default:
		return subagent.RoleTask
	}
}

func teamForRole(r subagent.Role) string {
	switch r {
	case subagent.RoleExplore:
		return "explore"
	case subagent.RolePlan:
		return "planning"
	case subagent.RoleTask:
		return "execution"
	default:
		return "custom"
	}
}

func targetsForStep(step core.PlanStep) []string {
	var files []string
	for _, f := range step.Files {
		if f = strings.TrimSpace(f); f != "" {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		if strings.EqualFold(step.Intent, "docs") {
			return []string{"README.md"}
		}
		return nil
	}
	sort.Strings(files)
	out := files[:1]
	for _, f := range files[1:] {
		if f != out[len(out)-1] {
			out = append(out, f)
		}
	}
	return out
}

func domainForStep(step core.PlanStep, targets []string) string {
	intent := strings.ToLower(step.Intent)
	switch {
	case strings.Contains(intent, "git"):
		return "version-control"
	case strings.Contains(intent, "verify"):
		return "verification"
	case strings.Contains(intent, "docs"):
		return "documentation"
	case strings.Contains(intent, "search"):
		return "code-discovery"
	}
	for _, t := range targets {
		switch lower := strings.ToLower(t); {
		case strings.HasSuffix(lower, ".go"):
			return "go-code"
		case strings.HasSuffix(lower, ".rs"):
			return "rust-code"
		case strings.HasSuffix(lower, ".ts"), strings.HasSuffix(lower, ".tsx"):
			return "typescript-code"
		case strings.HasSuffix(lower, ".js"), strings.HasSuffix(lower, ".jsx"):
			return "javascript-code"
		case strings.HasSuffix(lower, ".py"):
			return "python-code"
		case strings.HasSuffix(lower, ".md"):
			return "documentation"
		case strings.HasSuffix(lower, ".json"), strings.HasSuffix(lower, ".toml"), strings.HasSuffix(lower, ".yaml"):
			return "configuration"
		}
	}
	return "general"
}

// targetsOverlap reports whether two target patterns may touch the same
// files: equal, nested, "." or a wildcard whose prefix covers the other.
func targetsOverlap(a, b string) bool {
	norm := func(v string) string { return strings.ToLower(strings.TrimRight(strings.TrimSpace(v), "/")) }
	a, b = norm(a), norm(b)
	if a == "" || b == "" {
		return false
	}
	if a == "." || b == "." || a == b {
		return true
	}
	if strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/") {
		return true
	}
	covers := func(pattern, other string) bool {
		if !strings.Contains(pattern, "*") {
			return false
		}
		prefix, _, _ := strings.Cut(pattern, "*")
		prefix = strings.TrimRight(prefix, "/")
		return prefix != "" && (other == prefix || strings.HasPrefix(other, prefix+"/"))
	}
	return covers(a, b) || covers(b, a)
}

// planLanes assigns each of the first maxTasks steps a role, team and
// phase, ordered by (phase, team, title).
func planLanes(steps []core.PlanStep, maxTasks int) []lane {
	lastPhase := map[string]int{}
	owner := map[string]string{}
	var lanes []lane

	for _, step := range steps[:min(len(steps), max(maxTasks, 1))] {
		role := roleForStep(step)
		l := lane{
			title:   step.Title,
			intent:  step.Intent,
			role:    role,
			team:    teamForRole(role),
			targets: targetsForStep(step),
		}
		l.domain = domainForStep(step, l.targets)

		deps := map[string]bool{}
		for _, t := range l.targets {
			for known, phase := range lastPhase {
				if !targetsOverlap(t, known) {
					continue
				}
				l.phase = max(l.phase, phase+1)
				deps[fmt.Sprintf("%s@phase%d", known, phase+1)] = true
				if o := owner[known]; o != "" && o != l.team {
					deps[fmt.Sprintf("%s@owner=%s", known, o)] = true
				}
			}
		}
		if len(l.targets) == 0 && role == subagent.RoleTask && len(lastPhase) > 0 {
			highest := 0
			for _, p := range lastPhase {
				highest = max(highest, p)
			}
			l.phase = max(l.phase, highest+1)
			deps[fmt.Sprintf("unscoped@phase%d", highest+1)] = true
		}
		for d := range deps {
			l.deps = append(l.deps, d)
		}
		sort.Strings(l.deps)

		for _, t := range l.targets {
			lastPhase[t] = l.phase
			if _, ok := owner[t]; !ok {
				owner[t] = l.team
			}
		}
		lanes = append(lanes, l)
	}

	sort.SliceStable(lanes, func(i, j int) bool {
		a, b := lanes[i], lanes[j]
		if a.phase != b.phase {
			return a.phase < b.phase
		}
		if a.team != b.team {
			return a.team < b.team
		}
		return a.title < b.title
	})
	return lanes
}

// laneSummary renders one line per phase listing its lanes.
func laneSummary(lanes []lane) string {
	byPhase := map[int][]string{}
	var phases []int
	for _, l := range lanes {
		if _, ok := byPhase[l.phase]; !ok {
			phases = append(phases, l.phase)
		}
		deps := "none"
		if len(l.deps) > 0 {
			deps = strings.Join(l.deps, "|")
		}
		byPhase[l.phase] = append(byPhase[l.phase], fmt.Sprintf("%s lane=%s deps=%s", l.title, l.ownership(), deps))
	}
	sort.Ints(phases)
	lines := make([]string, 0, len(phases))
	for _, p := range phases {
		rows := byPhase[p]
		sort.Strings(rows)
		lines = append(lines, fmt.Sprintf("subagent_phase %d: %s", p+1, strings.Join(rows, " ; ")))
	}
	return strings.Join(lines, "\n")
}

// delegation is the shared state of one runSubagents call.
type delegation struct {
	sessionID    string
	plan         *core.Plan
	verification string
	lanes        map[string]lane
	team         *subagent.Team
}

// runSubagents fans plan steps out as read-only subagents, phase by
// phase, and returns the notes the step loop folds into its goal along
// with the number of tasks run.
func (e *Engine) runSubagents(ctx context.Context, sessionID string, plan *core.Plan) ([]string, int) {
	mc := e.scheduler.MaxConcurrency()
	lanes := planLanes(plan.Steps, max(mc*3, mc))
	if len(lanes) == 0 {
		return nil, 0
	}

	d := &delegation{
		sessionID:    sessionID,
		plan:         plan,
		verification: "none",
		lanes:        map[string]lane{},
		team:         subagent.NewTeam(e.scheduler),
	}
	if len(plan.Verification) > 0 {
		d.verification = strings.Join(plan.Verification, " ; ")
	}

	emit := e.sink(ctx, sessionID)
	var phases [][]subagent.Task
	for _, l := range lanes {
		task := subagent.NewTask(l.title, l.goal(), l.role, l.team)
		if def, ok := e.agentFor(l); ok {
			task.Agent = &def
		}
		d.lanes[task.RunID] = l
		emit(journal.SubagentSpawned{RunID: task.RunID, Name: task.Name, Goal: task.Goal})
		logging.LogEvent(logging.EventSubagentStart, logging.SessionID(sessionID),
			logging.RunID(task.RunID), logging.F("name", task.Name), logging.F("phase", l.phase+1))
		if len(phases) <= l.phase {
			phases = append(phases, make([][]subagent.Task, l.phase+1-len(phases))...)
		}
		phases[l.phase] = append(phases[l.phase], task)
	}

	var results []subagent.Result
	for _, tasks := range phases {
		if len(tasks) == 0 {
			continue
		}
		phaseResults := d.team.Distribute(ctx, tasks, e.subagentWorker(d))
		for _, r := range phaseResults {
			if r.Success {
				d.team.Send(r.Name, "*", firstLines(r.Output, findingLines))
			}
		}
		results = append(results, phaseResults...)
	}
	subagent.SortResults(results)

	for _, r := range results {
		l := d.lanes[r.RunID]
		if r.Success {
			emit(journal.SubagentCompleted{RunID: r.RunID, Output: r.Output})
		} else {
			emit(journal.SubagentFailed{RunID: r.RunID, Error: r.Error})
		}
		logging.LogEvent(logging.EventSubagentComplete, logging.SessionID(sessionID),
			logging.RunID(r.RunID), logging.Success(r.Success), logging.Count(int(r.Attempts)))
		e.rememberSpecialization(r, l)
	}

	var notes []string
	if s := laneSummary(lanes); s != "" {
		notes = append(notes, s)
	}
	if merged := subagent.MergeResults(results); merged != "" {
		notes = append(notes, merged)
	}
	return notes, len(results)
}

// agentFor picks a custom agent named after the lane's domain or team.
func (e *Engine) agentFor(l lane) (agentdefs.Definition, bool) {
	if def, ok := agentdefs.Find(e.agents, l.domain); ok {
		return def, true
	}
	return agentdefs.Find(e.agents, l.team)
}

// subagentWorker runs one task as a short read-only tool loop. Custom
// agents bring their own prompt, model, turn limit and tool list.
func (e *Engine) subagentWorker(d *delegation) subagent.Worker {
	return func(ctx context.Context, task subagent.Task) (string, error) {
		l := d.lanes[task.RunID]
		opts := toolloop.OptionsFromConfig(e.cfg)
		opts.ReadOnly = true
		opts.MaxTurns = subagentTurns
		opts.System = e.subagentPrompt(d, task, l)
		if task.Role == subagent.RolePlan {
			opts.Model = e.cfg.LLM.MaxThinkModel
		}

		host := e.host
		var wt *subagent.Worktree
		if def := task.Agent; def != nil {
			opts.MaxTurns = def.Turns()
			opts.AllowTool = def.AllowsTool
			if def.Model != "" {
				opts.Model = def.Model
			}
			if def.Isolation == isolationWorktree {
				var err error
				if wt, host, err = e.worktreeHost(ctx, task.RunID); err != nil {
					return "", err
				}
				defer func() {
					if err := wt.Cleanup(context.WithoutCancel(ctx)); err != nil {
						logging.Warn("worktree cleanup failed", logging.RunID(task.RunID), logging.Error(err))
					}
				}()
			}
		}

		record := func(role, content string) {
			entry := map[string]string{"role": role, "content": content}
			if err := subagent.AppendTranscriptJSON(e.workspace, task.RunID, entry); err != nil {
				logging.Debug("subagent transcript append failed", logging.RunID(task.RunID), logging.Error(err))
			}
		}
		loop := toolloop.New(e.client, host, opts, toolloop.Callbacks{Emit: e.sink(ctx, d.sessionID)})
		prompt := subagentRequest(task, d.team.MessagesFor(task.Team))
		record("user", prompt)
		res, err := loop.Run(ctx, prompt)
		if err != nil {
			record("error", err.Error())
			return "", err
		}
		out := strings.TrimSpace(res.Response)
		if out == "" {
			out = fmt.Sprintf("no findings (finish_reason=%s, tool_calls=%d)", res.FinishReason, res.ToolCalls)
		}
		if wt != nil {
			if diff, err := wt.Diff(ctx); err == nil && strings.TrimSpace(diff) != "" {
				out += "\n[worktree_diff]\n" + diff
			}
		}
		record("assistant", out)
		return out, nil
	}
}

// worktreeHost checks out an isolated worktree and a host rooted in it.
func (e *Engine) worktreeHost(ctx context.Context, name string) (*subagent.Worktree, *tools.Host, error) {
	wt, err := subagent.CreateWorktree(ctx, e.workspace, name)
	if err != nil {
		return nil, nil, err
	}
	ws, err := tools.NewWorkspace(wt.Path())
	if err != nil {
		_ = wt.Cleanup(ctx)
		return nil, nil, err
	}
	return wt, e.newHost(ws, tools.NewIndex(ws, e.runner)), nil
}

func (e *Engine) subagentPrompt(d *delegation, task subagent.Task, l lane) string {
	var b strings.Builder
	if task.Agent != nil && strings.TrimSpace(task.Agent.Prompt) != "" {
		b.WriteString(strings.TrimSpace(task.Agent.Prompt))
		b.WriteString("\n\n")
		if mem, err := e.memory.AgentMemory(task.Agent.Name); err == nil && mem != "" {
			b.WriteString("[agent memory]\n")
			b.WriteString(mem)
			b.WriteString("\n\n")
		}
	} else {
		b.WriteString("You are a coding subagent. You can read the workspace but not change it.\n\n")
	}
	fmt.Fprintf(&b, "role=%s\nteam=%s\nname=%s\ntask_goal=%s\nmain_goal=%s\nverification_targets=%s\ndomain=%s\n",
		task.Role, task.Team, task.Name, task.Goal, d.plan.Goal, d.verification, l.domain)
	if task.ReadOnlyFallback {
		b.WriteString("A previous attempt was denied by policy; use read-only tools only.\n")
	}
	b.WriteString("Return concise actionable findings only (max 6 bullet points).")
	return b.String()
}

func subagentRequest(task subagent.Task, inbox []subagent.TeamMessage) string {
	if len(inbox) == 0 {
		return task.Goal
	}
	var b strings.Builder
	b.WriteString(task.Goal)
	b.WriteString("\n\n[findings from earlier phases]\n")
	for _, m := range inbox {
		fmt.Fprintf(&b, "- %s: %s\n", m.From, strings.ReplaceAll(m.Content, "\n", " / "))
	}
	return b.String()
}

// rememberSpecialization records how a custom agent fared in its own
// memory file.
func (e *Engine) rememberSpecialization(r subagent.Result, l lane) {
	name := ""
	for _, def := range e.agents {
		if def.Name == l.domain || def.Name == l.team {
			name = def.Name
			break
		}
	}
	if name == "" {
		return
	}
	summary := r.Output
	if !r.Success {
		summary = r.Error
	}
	err := e.memory.AppendObservation(name, memory.Observation{
		Objective: l.goal(),
		Summary:   session.Truncate(summary, noteLineLimit),
		Success:   r.Success,
		Patterns:  []string{fmt.Sprintf("role=%s domain=%s attempts=%d", r.Role, l.domain, r.Attempts)},
		At:        e.now().UTC(),
	})
	if err != nil {
		logging.Debug("agent memory append failed", logging.F("agent", name), logging.Error(err))
	}
}

func firstLines(s string, n int) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
			if len(out) == n {
				break
			}
		}
	}
	return strings.Join(out, "\n")
}

// augmentGoal appends the first subagent findings to goal.
func augmentGoal(goal string, notes []string) string {
	findings := strings.Split(firstLines(strings.Join(notes, "\n"), findingLines), "\n")
	if len(findings) == 0 || findings[0] == "" {
		return goal
	}
	return fmt.Sprintf("%s [subagent_findings: %s]", goal, strings.Join(findings, " | "))
}

// summarizeNotes renders notes as a bounded bullet list for the transcript.
func summarizeNotes(notes []string) string {
	lines := strings.Split(firstLines(strings.Join(notes, "\n"), noteLines), "\n")
	for i, line := range lines {
		lines[i] = "- " + session.Truncate(line, noteLineLimit)
	}
	return strings.Join(lines, "\n")
}
