package agentloop

import (
	"context"
	"fmt"
	"strings"

	"github.com/abdul-hamid-achik/codingbuddy/internal/failure"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// ApplyFailure explains why a diff was not applied. It is fed back to the
// editor or architect, never returned to the caller.
type ApplyFailure struct {
	Reason       string
	Conflicts    []string
	ChangedFiles []string
}

// Feedback renders the failure for the next prompt.
func (f *ApplyFailure) Feedback() string {
	lines := []string{"classification=" + string(failure.PatchMismatch), f.Reason}
	if len(f.ChangedFiles) > 0 {
		lines = append(lines, "changed_files="+strings.Join(f.ChangedFiles, ","))
	}
	lines = append(lines, f.Conflicts...)
	return strings.Join(lines, "\n")
}

func (f *ApplyFailure) Error() string { return f.Reason }

// applied is a diff that made it into the workspace.
type applied struct {
	PatchID      string
	ChangedFiles []string
}

func (a applied) summary() string {
	return fmt.Sprintf("patch=%s files=%s", a.PatchID, strings.Join(a.ChangedFiles, ","))
}

// applyDiff checks that every target is relative, outside .git, declared by
// the architect, and unchanged since the editor saw it, then stages and
// applies the diff through the patch store.
func applyDiff(ctx context.Context, store *tools.PatchStore, root, diff string,
	allowed map[string]bool, expected map[string]string, emit func(journal.Kind)) (applied, *ApplyFailure) {

	if strings.TrimSpace(diff) == "" {
		return applied{}, &ApplyFailure{Reason: "empty diff"}
	}
	if !validDiffMarkers(diff) {
		return applied{}, &ApplyFailure{Reason: "invalid unified diff markers"}
	}
	targets := tools.ParseDiffStat(diff).Files
	if len(targets) == 0 {
		return applied{}, &ApplyFailure{Reason: "diff does not contain target files"}
	}

	for _, path := range targets {
		if err := ensureRelative(path); err != nil {
			return applied{}, &ApplyFailure{Reason: err.Error(), ChangedFiles: []string{path}}
		}
		if path == ".git" || strings.HasPrefix(path, ".git/") {
			return applied{}, &ApplyFailure{Reason: ".git mutation forbidden: " + path, ChangedFiles: targets}
		}
		if !allowed[path] {
			return applied{}, &ApplyFailure{Reason: "diff targets undeclared file: " + path, ChangedFiles: targets}
		}
		if want, ok := expected[path]; ok {
			if current, err := tools.FileSHA256(root, path); err == nil && current != want {
				return applied{}, &ApplyFailure{Reason: "stale editor context hash mismatch: " + path, ChangedFiles: targets}
			}
		}
	}

	staged, err := store.Stage(diff, nil)
	if err != nil {
		return applied{}, &ApplyFailure{Reason: err.Error()}
	}
	emit(journal.PatchStaged{PatchID: staged.PatchID, BaseSHA256: staged.BaseSHA256})

	result, err := store.Apply(ctx, staged.PatchID)
	if err != nil {
		return applied{}, &ApplyFailure{Reason: err.Error(), ChangedFiles: targets}
	}
	emit(journal.PatchApplied{PatchID: result.PatchID, Applied: result.Applied, Conflicts: result.Conflicts})
	if !result.Applied {
		return applied{}, &ApplyFailure{Reason: "patch apply failed", Conflicts: result.Conflicts, ChangedFiles: targets}
	}
	return applied{PatchID: result.PatchID, ChangedFiles: result.TargetFiles}, nil
}
