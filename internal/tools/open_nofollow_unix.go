//go:build !windows

package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// openNoFollow opens a file for writing without following symlinks, then
// re-checks that the opened path still resolves inside root.
func openNoFollow(root, path string, flag int, perm os.FileMode) (*os.File, error) {
	f, err := os.OpenFile(path, flag|syscall.O_NOFOLLOW, perm)
	if err != nil {
		return nil, err
	}

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("post-open path resolution failed: %w", err)
	}
	if !isWithinRoot(realPath, root) {
		f.Close()
		return nil, fmt.Errorf("access denied: file %q resolved outside workspace after open", path)
	}
	return f, nil
}
