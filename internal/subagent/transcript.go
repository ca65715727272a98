package subagent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TranscriptPath returns where the transcript for agentID lives.
func TranscriptPath(workspace, agentID string) string {
	return filepath.Join(workspace, ".deepseek", "subagents", agentID+".jsonl")
}

// AppendTranscript appends one JSON line to an agent transcript. line must
// not contain a newline.
func AppendTranscript(workspace, agentID, line string) error {
	if strings.ContainsAny(line, "\r\n") {
		return fmt.Errorf("transcript line for %s contains a newline", agentID)
	}
	path := TranscriptPath(workspace, agentID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create transcript dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// AppendTranscriptJSON marshals v and appends it.
func AppendTranscriptJSON(workspace, agentID string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode transcript entry: %w", err)
	}
	return AppendTranscript(workspace, agentID, string(data))
}

// LoadTranscript returns the non-empty lines of an agent transcript so a
// resumed agent can continue where it left off.
func LoadTranscript(workspace, agentID string) ([]string, error) {
	data, err := os.ReadFile(TranscriptPath(workspace, agentID))
	if err != nil {
		return nil, fmt.Errorf("load subagent transcript: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
