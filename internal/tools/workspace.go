package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace confines file tools to a resolved project root.
type Workspace struct {
	root string
}

// NewWorkspace resolves root through symlinks so later containment checks
// compare canonical paths.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve workspace: %w", err)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the canonical workspace path.
func (w *Workspace) Root() string { return w.root }

// Rel renders an absolute path relative to the root with forward slashes.
func (w *Workspace) Rel(abs string) string {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(rel)
}

// Resolve maps a workspace-relative or absolute path to an absolute path
// and checks that it stays inside the root after resolving symlinks. Paths
// that do not exist yet are checked through their deepest existing parent.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(w.root, full)
	}
	cleaned := filepath.Clean(full)

	resolved, err := resolveExistingPath(cleaned)
	if err != nil {
		return "", fmt.Errorf("access denied: cannot resolve path %q: %w", p, err)
	}
	if !isWithinRoot(resolved, w.root) {
		return "", fmt.Errorf("access denied: path %q resolves outside the workspace", p)
	}
	return cleaned, nil
}

// ResolveForWrite is like Resolve but also refuses to write through an
// existing symlink.
func (w *Workspace) ResolveForWrite(p string) (string, error) {
	full, err := w.Resolve(p)
	if err != nil {
		return "", err
	}
	if info, err := os.Lstat(full); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return "", fmt.Errorf("access denied: refusing to write through symlink %q", p)
	}
	return full, nil
}

// WriteFile writes data to a validated path, creating parent directories.
func (w *Workspace) WriteFile(p string, data []byte) (string, error) {
	full, err := w.ResolveForWrite(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directories: %w", err)
	}
	f, err := openNoFollow(w.root, full, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", p, err)
	}
	return full, nil
}

// resolveExistingPath resolves a path by finding the deepest existing ancestor,
// fully resolving it via EvalSymlinks, then appending the non-existent tail.
// This handles macOS firmlinks (e.g., /var → /private/var) and regular symlinks.
func resolveExistingPath(path string) (string, error) {
	current := path
	var tailParts []string

	for {
		_, err := os.Lstat(current)
		if err == nil {
			resolved, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", fmt.Errorf("cannot resolve path %q: %w", current, err)
			}
			for i := len(tailParts) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tailParts[i])
			}
			return filepath.Clean(resolved), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(path), nil
		}
		tailParts = append(tailParts, filepath.Base(current))
		current = parent
	}
}

// isWithinRoot checks if path is within or equal to root.
func isWithinRoot(path, root string) bool {
	if path == root {
		return true
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// skipRelPath reports whether a workspace-relative path lives under a
// directory the tools never descend into.
func skipRelPath(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		switch part {
		case ".git", ".deepseek", "target", "node_modules":
			return true
		}
	}
	return false
}
