package fileutil

import "path/filepath"

// ClaudeDir returns the .claude directory path for a repository or worktree.
func ClaudeDir(repoDir string) string {
	return filepath.Join(repoDir, ".claude")
}

// ClaudeSubpath returns a path within the .claude directory.
func ClaudeSubpath(repoDir, subpath string) string {
	return filepath.Join(ClaudeDir(repoDir), subpath)
}
