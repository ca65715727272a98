package permissions

import (
	"context"
	"errors"
	"testing"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

// mockInput replays responses in order.
type mockInput struct {
	responses []string
	prompts   int
}

func (m *mockInput) ReadLine(prompt string) (string, error) {
	if m.prompts >= len(m.responses) {
		return "", errors.New("no more input")
	}
	r := m.responses[m.prompts]
	m.prompts++
	return r, nil
}

type mockOutput struct {
	asked    []string
	warnings int
}

func (m *mockOutput) PermissionPrompt(p core.ToolProposal)       { m.asked = append(m.asked, p.Call.Name) }
func (m *mockOutput) Question(question string, options []string) { m.asked = append(m.asked, question) }
func (m *mockOutput) Warning(msg string)                         { m.warnings++ }

func proposal(name string, args map[string]any) core.ToolProposal {
	return core.ToolProposal{InvocationID: "inv", Call: core.ToolCall{Name: name, Args: args}}
}

func TestPrompter_Approve(t *testing.T) {
	tests := []struct {
		response string
		want     bool
		cached   bool
		decision Decision
	}{
		{"y", true, false, 0},
		{"YES", true, false, 0},
		{"n", false, false, 0},
		{"a", true, true, DecisionAlwaysAllow},
		{"never", false, true, DecisionNeverAllow},
		{"maybe", false, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.response, func(t *testing.T) {
			out := &mockOutput{}
			p := NewPrompter(&mockInput{responses: []string{tt.response}}, out)
			prop := proposal("fs.write", map[string]any{"path": "a.go"})

			got, err := p.Approve(context.Background(), prop)
			if err != nil {
				t.Fatalf("Approve: %v", err)
			}
			if got != tt.want {
				t.Errorf("Approve = %v, want %v", got, tt.want)
			}
			d, ok := p.CachedDecision(prop.Call)
			if ok != tt.cached || (ok && d != tt.decision) {
				t.Errorf("cache = (%v, %v), want (%v, %v)", d, ok, tt.decision, tt.cached)
			}
		})
	}
}

func TestPrompter_AlwaysSkipsLaterPrompts(t *testing.T) {
	in := &mockInput{responses: []string{"a"}}
	p := NewPrompter(in, &mockOutput{})
	prop := proposal("fs.edit", nil)

	for i := 0; i < 3; i++ {
		ok, err := p.Approve(context.Background(), prop)
		if err != nil || !ok {
			t.Fatalf("call %d: Approve = %v, %v", i, ok, err)
		}
	}
	if in.prompts != 1 {
		t.Errorf("prompted %d times, want 1", in.prompts)
	}

	p.ClearCache()
	if _, err := p.Approve(context.Background(), prop); err == nil {
		t.Error("expected a fresh prompt after ClearCache")
	}
}

func TestPrompter_ShellCacheIsPerProgram(t *testing.T) {
	in := &mockInput{responses: []string{"always", "n"}}
	p := NewPrompter(in, &mockOutput{})

	if ok, _ := p.Approve(context.Background(), proposal("bash.run", map[string]any{"cmd": "go test ./..."})); !ok {
		t.Fatal("expected approval")
	}
	if ok, _ := p.Approve(context.Background(), proposal("bash_run", map[string]any{"cmd": "go vet ./..."})); !ok {
		t.Error("go should be remembered across commands")
	}
	if ok, _ := p.Approve(context.Background(), proposal("bash.run", map[string]any{"cmd": "make clean"})); ok {
		t.Error("make must be asked for separately")
	}
	if in.prompts != 2 {
		t.Errorf("prompted %d times, want 2", in.prompts)
	}
}

func TestPrompter_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	in := &mockInput{responses: []string{"y"}}
	p := NewPrompter(in, &mockOutput{})

	if _, err := p.Approve(ctx, proposal("fs.write", nil)); !errors.Is(err, context.Canceled) {
		t.Errorf("Approve = %v, want context.Canceled", err)
	}
	if in.prompts != 0 {
		t.Error("cancelled approval should not prompt")
	}
}

func TestPrompter_AskUser(t *testing.T) {
	tests := []struct {
		name    string
		answer  string
		options []string
		want    string
	}{
		{"option number", "2", []string{"keep", "replace"}, "replace"},
		{"out of range is text", "3", []string{"keep", "replace"}, "3"},
		{"free text", "use the v2 api", nil, "use the v2 api"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := &mockOutput{}
			p := NewPrompter(&mockInput{responses: []string{tt.answer}}, out)
			got, err := p.AskUser(context.Background(), "which?", tt.options)
			if err != nil {
				t.Fatalf("AskUser: %v", err)
			}
			if got != tt.want {
				t.Errorf("AskUser = %q, want %q", got, tt.want)
			}
			if len(out.asked) != 1 || out.asked[0] != "which?" {
				t.Errorf("asked = %v", out.asked)
			}
		})
	}
}
