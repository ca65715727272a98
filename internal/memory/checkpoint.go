package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/abdul-hamid-achik/codingbuddy/internal/config"
	buderr "github.com/abdul-hamid-achik/codingbuddy/internal/errors"
	"github.com/abdul-hamid-achik/codingbuddy/internal/journal"
	"github.com/abdul-hamid-achik/codingbuddy/internal/logging"
	"github.com/abdul-hamid-achik/codingbuddy/internal/tools"
)

// ShadowRefPrefix namespaces shadow commits away from branches and tags.
const ShadowRefPrefix = "refs/deepseek-shadow/"

// Checkpoint is a restorable workspace state.
type Checkpoint struct {
	ID         string    `json:"checkpoint_id"`
	Reason     string    `json:"reason"`
	FilesCount uint64    `json:"files"`
	CreatedAt  time.Time `json:"created_at"`
	// Location is the shadow ref when GitBacked, else the snapshot directory.
	Location  string `json:"-"`
	GitBacked bool   `json:"-"`
}

// CreateCheckpoint records the workspace state. A shadow commit is tried
// first; outside a usable git repository the files are copied instead.
func (m *Manager) CreateCheckpoint(ctx context.Context, reason string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.Must(uuid.NewV7()).String()
	cp, err := m.shadowCommit(ctx, id, reason)
	if err != nil {
		logging.Debug("shadow commit unavailable, using file snapshot", logging.Error(err))
		cp, err = m.snapshot(id, reason)
		if err != nil {
			return Checkpoint{}, err
		}
	}

	logging.LogEvent(logging.EventCheckpointCreate,
		logging.F("checkpoint_id", cp.ID), logging.Reason(reason),
		logging.Count(int(cp.FilesCount)), logging.F("git_backed", cp.GitBacked))
	m.publish(journal.CheckpointCreated{
		CheckpointID: cp.ID,
		Reason:       cp.Reason,
		FilesCount:   cp.FilesCount,
		SnapshotPath: cp.Location,
	})
	return cp, nil
}

// Rewind restores files recorded by checkpoint id. Files created after the
// checkpoint are left in place.
func (m *Manager) Rewind(ctx context.Context, id string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp, err := m.restoreShadow(ctx, id)
	if err != nil {
		return Checkpoint{}, err
	}
	if cp == nil {
		if cp, err = m.restoreSnapshot(id); err != nil {
			return Checkpoint{}, err
		}
	}

	logging.LogEvent(logging.EventCheckpointRewind, logging.F("checkpoint_id", id), logging.Reason(cp.Reason))
	m.publish(journal.CheckpointRewound{CheckpointID: id, Reason: cp.Reason})
	return *cp, nil
}

func (m *Manager) shadowCommit(ctx context.Context, id, reason string) (Checkpoint, error) {
	if _, err := m.git(ctx, "rev-parse", "--git-dir"); err != nil {
		return Checkpoint{}, err
	}

	// stash create prints nothing for a clean tree.
	stash, err := m.git(ctx, "stash", "create")
	if err != nil {
		return Checkpoint{}, err
	}
	treeOf := "HEAD^{tree}"
	if stash != "" {
		treeOf = stash + "^{tree}"
	}
	tree, err := m.git(ctx, "rev-parse", treeOf)
	if err != nil {
		return Checkpoint{}, err
	}
	sha, err := m.git(ctx, "commit-tree", tree, "-m", shadowSubject(reason, id))
	if err != nil {
		return Checkpoint{}, err
	}
	ref := ShadowRefPrefix + id
	if _, err := m.git(ctx, "update-ref", ref, sha); err != nil {
		return Checkpoint{}, err
	}

	var files uint64
	if list, err := m.git(ctx, "ls-tree", "-r", "--name-only", tree); err == nil && list != "" {
		files = uint64(strings.Count(list, "\n") + 1)
	}
	return Checkpoint{
		ID:         id,
		Reason:     reason,
		FilesCount: files,
		CreatedAt:  m.now().UTC(),
		Location:   ref,
		GitBacked:  true,
	}, nil
}

// restoreShadow returns nil when no shadow ref exists for id.
func (m *Manager) restoreShadow(ctx context.Context, id string) (*Checkpoint, error) {
	ref := ShadowRefPrefix + id
	sha, err := m.git(ctx, "rev-parse", "--verify", "--quiet", ref)
	if err != nil {
		return nil, nil
	}
	if _, err := m.git(ctx, "checkout", sha, "--", "."); err != nil {
		return nil, buderr.StorageIO("checkpoint_rewind", err)
	}
	// Leave restored content unstaged.
	_, _ = m.git(ctx, "reset", "-q", "HEAD", "--", ".")

	reason := ""
	if subject, err := m.git(ctx, "log", "-1", "--format=%s", sha); err == nil {
		reason = parseShadowSubject(subject)
	}
	return &Checkpoint{ID: id, Reason: reason, Location: ref, GitBacked: true}, nil
}

func (m *Manager) snapshotRoot(id string) string {
	return filepath.Join(m.workspace, config.RuntimeDir, "checkpoints", id)
}

func (m *Manager) snapshot(id, reason string) (Checkpoint, error) {
	root := m.snapshotRoot(id)
	files := filepath.Join(root, "fs")
	if err := os.MkdirAll(files, 0o755); err != nil {
		return Checkpoint{}, buderr.StorageIO("checkpoint_create", err)
	}

	var count uint64
	err := filepath.WalkDir(m.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != m.workspace && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(m.workspace, path)
		if err != nil {
			return err
		}
		if err := copyFile(path, filepath.Join(files, rel)); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return Checkpoint{}, buderr.StorageIO("checkpoint_create", err)
	}

	cp := Checkpoint{ID: id, Reason: reason, FilesCount: count, CreatedAt: m.now().UTC(), Location: files}
	meta, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return Checkpoint{}, buderr.StorageIO("checkpoint_create", err)
	}
	if err := os.WriteFile(filepath.Join(root, "metadata.json"), meta, 0o644); err != nil {
		return Checkpoint{}, buderr.StorageIO("checkpoint_create", err)
	}
	return cp, nil
}

func (m *Manager) restoreSnapshot(id string) (*Checkpoint, error) {
	root := m.snapshotRoot(id)
	data, err := os.ReadFile(filepath.Join(root, "metadata.json"))
	if err != nil {
		return nil, buderr.StorageIO("checkpoint_rewind", fmt.Errorf("checkpoint not found: %s", id))
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, buderr.StorageIO("checkpoint_rewind", err)
	}
	cp.Location = filepath.Join(root, "fs")

	err = filepath.WalkDir(cp.Location, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(cp.Location, path)
		if err != nil {
			return err
		}
		return copyFile(path, filepath.Join(m.workspace, rel))
	})
	if err != nil {
		return nil, buderr.StorageIO("checkpoint_rewind", err)
	}
	return &cp, nil
}

func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	res, err := tools.RunGit(ctx, m.workspace, args...)
	if err != nil {
		return "", err
	}
	if !res.Success() {
		return "", fmt.Errorf("git %s: %s", args[0], strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func shadowSubject(reason, id string) string {
	return fmt.Sprintf("codingbuddy shadow: %s [%s]", reason, id)
}

func parseShadowSubject(subject string) string {
	s := strings.TrimPrefix(subject, "codingbuddy shadow: ")
	if i := strings.LastIndex(s, " ["); i >= 0 {
		return s[:i]
	}
	return s
}

func skipDir(name string) bool {
	switch name {
	case ".git", config.RuntimeDir, "target", "node_modules":
		return true
	}
	return false
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
