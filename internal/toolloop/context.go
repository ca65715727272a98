package toolloop

import (
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/llm"
)

const (
	// DefaultKeepRecent is how many trailing messages compaction keeps.
	DefaultKeepRecent = 6
	// DefaultCompactThreshold is the share of the context window that
	// triggers compaction.
	DefaultCompactThreshold = 0.95
	// DefaultMaskRecent is how many tool results masking leaves intact.
	DefaultMaskRecent = 4

	// per-message framing overhead added to the content estimate
	messageOverhead = 10
)

// EstimateTokens estimates the prompt size of messages.
func EstimateTokens(messages []llm.Message) int {
	total := 0
	for _, m := range messages {
		total += messageOverhead + llm.EstimateTokens(m.Content) + llm.EstimateTokens(m.ReasoningContent)
		for _, tc := range m.ToolCalls {
			total += llm.EstimateTokens(tc.Name) + llm.EstimateTokens(fmt.Sprint(tc.Input))
		}
	}
	return total
}

// Compact keeps messages[0] (the system message) and the trailing keepRecent
// messages and replaces everything between them with one synthetic user
// note. It reports whether the sequence got shorter.
//
// The kept tail never starts with a tool result: those are pulled into the
// compacted range so no result outlives the assistant turn that asked for it.
func Compact(messages []llm.Message, keepRecent int) ([]llm.Message, bool) {
	if keepRecent <= 0 {
		keepRecent = DefaultKeepRecent
	}
	tail := len(messages) - keepRecent
	for tail < len(messages) && messages[max(tail, 0)].Role == llm.RoleTool {
		tail++
	}
	// Replacing fewer than two messages with a note saves nothing.
	if tail-1 < 2 {
		return messages, false
	}

	out := make([]llm.Message, 0, 2+len(messages)-tail)
	out = append(out, messages[0])
	out = append(out, llm.Message{
		Role:    llm.RoleUser,
		Content: compactionNote(tail - 1),
	})
	out = append(out, messages[tail:]...)
	return out, true
}

func compactionNote(n int) string {
	return fmt.Sprintf("[%d earlier messages were compacted to stay within the context window. "+
		"Re-read files if you need details from them.]", n)
}

// StripPriorReasoning drops reasoning from every assistant message that
// precedes the most recent user turn. Reasoning inside the current tool-use
// cycle is left alone.
func StripPriorReasoning(messages []llm.Message) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == llm.RoleUser {
			last = i
			break
		}
	}
	for i := 0; i < last; i++ {
		if messages[i].Role == llm.RoleAssistant {
			messages[i].ReasoningContent = ""
			messages[i].ReasoningSignature = ""
		}
	}
}

// MaskOldToolResults replaces all but the last preserveRecent tool results
// with a one-line summary. Tool call ids are kept so results still pair
// with their calls.
func MaskOldToolResults(messages []llm.Message, preserveRecent int) []llm.Message {
	if preserveRecent <= 0 {
		preserveRecent = DefaultMaskRecent
	}
	var toolIdx []int
	for i, m := range messages {
		if m.Role == llm.RoleTool {
			toolIdx = append(toolIdx, i)
		}
	}
	if len(toolIdx) <= preserveRecent {
		return messages
	}

	masked := make(map[int]bool, len(toolIdx)-preserveRecent)
	for _, i := range toolIdx[:len(toolIdx)-preserveRecent] {
		masked[i] = true
	}
	out := make([]llm.Message, len(messages))
	for i, m := range messages {
		if masked[i] && !strings.HasPrefix(m.Content, "[Masked:") {
			m.Content = maskContent(m.Content)
		}
		out[i] = m
	}
	return out
}

func maskContent(content string) string {
	lines := strings.Count(content, "\n") + 1
	preview := content
	if idx := strings.IndexByte(content, '\n'); idx > 0 {
		preview = content[:idx]
	}
	if r := []rune(preview); len(r) > 80 {
		preview = string(r[:77]) + "..."
	}
	return fmt.Sprintf("[Masked: %d lines, preview: %s]", lines, preview)
}
