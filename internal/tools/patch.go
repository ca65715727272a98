package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/core"
)

// PatchSet is a staged unified diff and its apply history.
type PatchSet struct {
	PatchID          string    `json:"patch_id"`
	BaseSHA256       string    `json:"base_sha256"`
	UnifiedDiff      string    `json:"unified_diff"`
	CreatedAt        time.Time `json:"created_at"`
	Applied          bool      `json:"applied"`
	Conflicts        []string  `json:"conflicts"`
	TargetFiles      []string  `json:"target_files"`
	ApplyAttempts    uint32    `json:"apply_attempts"`
	LastBaseSHA256   string    `json:"last_base_sha256,omitempty"`
	LastBaseSHAMatch *bool     `json:"last_base_sha_match,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}

// PatchStore keeps staged patches under .deepseek/patches as a .diff and a
// .json metadata file per patch.
type PatchStore struct {
	ws   *Workspace
	root string
	mu   sync.Mutex
}

// NewPatchStore creates a store rooted in the workspace runtime dir.
func NewPatchStore(ws *Workspace) *PatchStore {
	return &PatchStore{ws: ws, root: filepath.Join(core.RuntimeDir(ws.Root()), "patches")}
}

// Stage records diff. base, when non-empty, is hashed as the expected
// pre-image; otherwise the current content of the target files is.
func (s *PatchStore) Stage(diff string, base []byte) (PatchSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	targets := ParseDiffStat(diff).Files
	var baseSHA string
	if len(base) > 0 {
		sum := sha256.Sum256(base)
		baseSHA = hex.EncodeToString(sum[:])
	} else {
		var err error
		if baseSHA, err = HashWorkspaceState(s.ws.Root(), targets); err != nil {
			return PatchSet{}, err
		}
	}
	p := PatchSet{
		PatchID:     uuid.Must(uuid.NewV7()).String(),
		BaseSHA256:  baseSHA,
		UnifiedDiff: diff,
		CreatedAt:   time.Now().UTC(),
		Conflicts:   []string{},
		TargetFiles: targets,
	}
	return p, s.write(p)
}

// Apply checks the base hash, then runs git apply --3way. A failed apply is
// not an error: conflicts carry git's stderr, prefixed by a base mismatch
// line when the target files changed since staging.
func (s *PatchStore) Apply(ctx context.Context, patchID string) (PatchSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, err := s.read(patchID)
	if err != nil {
		return PatchSet{}, err
	}
	p.ApplyAttempts++
	current, err := HashWorkspaceState(s.ws.Root(), p.TargetFiles)
	if err != nil {
		return PatchSet{}, err
	}
	match := current == p.BaseSHA256
	p.LastBaseSHA256 = current
	p.LastBaseSHAMatch = &match

	res, err := RunGit(ctx, s.ws.Root(), "apply", "--3way", s.diffPath(p.PatchID))
	if err != nil {
		return PatchSet{}, fmt.Errorf("git apply: %w", err)
	}
	if res.Success() {
		p.Applied = true
		p.Conflicts = []string{}
		p.LastError = ""
		return p, s.write(p)
	}

	var conflicts []string
	if !match {
		conflicts = append(conflicts, fmt.Sprintf("base-sha mismatch: expected=%s actual=%s", p.BaseSHA256, current))
	}
	for _, line := range strings.Split(strings.TrimSpace(res.Stderr), "\n") {
		if line != "" {
			conflicts = append(conflicts, line)
		}
	}
	p.Applied = false
	p.Conflicts = conflicts
	p.LastError = res.Stderr
	return p, s.write(p)
}

// List returns staged patches ordered by creation time.
func (s *PatchStore) List() ([]PatchSet, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []PatchSet
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".json" {
			continue
		}
		p, err := s.read(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *PatchStore) diffPath(id string) string { return filepath.Join(s.root, id+".diff") }

func (s *PatchStore) write(p PatchSet) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("create patch dir: %w", err)
	}
	meta, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(s.root, p.PatchID+".json"), meta, 0o644); err != nil {
		return fmt.Errorf("write patch metadata: %w", err)
	}
	return os.WriteFile(s.diffPath(p.PatchID), []byte(p.UnifiedDiff), 0o644)
}

func (s *PatchStore) read(id string) (PatchSet, error) {
	if _, err := uuid.Parse(id); err != nil {
		return PatchSet{}, fmt.Errorf("invalid patch_id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.root, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return PatchSet{}, fmt.Errorf("unknown patch_id %s", id)
		}
		return PatchSet{}, err
	}
	var p PatchSet
	if err := json.Unmarshal(data, &p); err != nil {
		return PatchSet{}, fmt.Errorf("decode patch %s: %w", id, err)
	}
	return p, nil
}

// HashWorkspaceState hashes the presence and content of files, in the given
// order, so a later apply can detect that the pre-image changed.
func HashWorkspaceState(root string, files []string) (string, error) {
	h := sha256.New()
	for _, rel := range files {
		h.Write([]byte(rel))
		h.Write([]byte{0})
		data, err := os.ReadFile(filepath.Join(root, rel))
		switch {
		case err == nil:
			h.Write([]byte{1})
			h.Write(data)
		case os.IsNotExist(err):
			h.Write([]byte{0})
		default:
			return "", fmt.Errorf("hash %s: %w", rel, err)
		}
		h.Write([]byte{255})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// FileSHA256 returns the content hash of one file, or "" when it is absent.
func FileSHA256(root, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return sha256Hex(data), nil
}

// patchStageTool stages a diff for later application.
type patchStageTool struct{ store *PatchStore }

func (t *patchStageTool) Name() string { return core.ToolPatchStage.Internal() }

func (t *patchStageTool) Description() string {
	return "Stage a unified diff. Returns a patch_id and the base hash of the target files for patch_apply."
}

func (t *patchStageTool) InputSchema() map[string]any {
	return objectSchema([]string{"unified_diff"}, map[string]any{
		"unified_diff": prop("string", "The unified diff to stage."),
		"base":         prop("string", "Optional expected pre-image content to hash."),
	})
}

func (t *patchStageTool) Permission() PermissionLevel { return PermissionWrite }

func (t *patchStageTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	diff, err := requireString(input, "unified_diff", "diff")
	if err != nil {
		return nil, err
	}
	p, err := t.store.Stage(diff, []byte(stringArg(input, "base")))
	if err != nil {
		return nil, err
	}
	return map[string]any{"patch_id": p.PatchID, "base_sha256": p.BaseSHA256}, nil
}

// patchApplyTool applies a staged diff.
type patchApplyTool struct{ store *PatchStore }

func (t *patchApplyTool) Name() string { return core.ToolPatchApply.Internal() }

func (t *patchApplyTool) Description() string {
	return "Apply a staged patch by patch_id. Reports conflicts when the patch does not apply cleanly."
}

func (t *patchApplyTool) InputSchema() map[string]any {
	return objectSchema([]string{"patch_id"}, map[string]any{
		"patch_id": prop("string", "Id returned by patch_stage."),
	})
}

func (t *patchApplyTool) Permission() PermissionLevel { return PermissionWrite }

func (t *patchApplyTool) Execute(ctx context.Context, input map[string]any) (any, error) {
	id, err := requireString(input, "patch_id")
	if err != nil {
		return nil, err
	}
	p, err := t.store.Apply(ctx, id)
	if err != nil {
		return nil, err
	}
	return map[string]any{"patch_id": id, "applied": p.Applied, "conflicts": p.Conflicts}, nil
}
