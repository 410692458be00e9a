// Package worktree provisions and tears down the dedicated git worktree
// backing each TaskAttempt, generalizing processConcern's worktree block in
// the teacher's internal/engine/engine.go (ensure-branch → ensure-worktree →
// rebase) from a per-concern watched branch to a per-attempt base branch,
// and adding copy_files/image materialization the teacher has no analogue
// for (spec §6).
package worktree

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/vibe-kanban/orchestrator/internal/config"
	"github.com/vibe-kanban/orchestrator/internal/fileutil"
	"github.com/vibe-kanban/orchestrator/internal/git"
	"github.com/vibe-kanban/orchestrator/internal/store"
)

// Root is the parent directory all worktrees are created under:
// <tmp>/vibe-kanban/worktrees/<branch_name>, per spec §6.
func Root() string {
	return filepath.Join(os.TempDir(), "vibe-kanban", "worktrees")
}

// PathFor returns the worktree directory for a given branch name.
func PathFor(branchName string) string {
	return filepath.Join(Root(), branchName)
}

// Manager provisions worktrees against one project's main repository.
type Manager struct {
	repo *git.Repo
}

// NewManager wraps repoDir (the project's GitRepoPath) for worktree
// operations.
func NewManager(repoDir string) *Manager {
	return &Manager{repo: git.NewRepo(repoDir)}
}

// Ensure provisions (or reuses) the worktree for attempt, returning its
// path and whether it was freshly created (a reused worktree must not have
// copy_files re-materialized over its in-progress state). If path already
// exists but git no longer considers it a registered worktree (e.g. the
// directory survived a prior unclean shutdown), it is removed and
// recreated — mirroring processConcern's os.Stat-then-create check,
// generalized with the reuse test the teacher never needed because concern
// worktrees are permanent.
func (m *Manager) Ensure(attempt *store.TaskAttempt) (string, bool, error) {
	path := PathFor(attempt.Branch)

	if _, err := os.Stat(path); err == nil {
		if m.repo.IsWorktreePath(path) {
			ensureContainerRef(attempt)
			return path, false, nil
		}
		// Directory exists but isn't a live worktree registration: stale
		// leftover from an unclean teardown. Remove and recreate.
		if err := os.RemoveAll(path); err != nil {
			return "", false, fmt.Errorf("worktree: clearing stale directory %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("worktree: stat %s: %w", path, err)
	}

	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return "", false, fmt.Errorf("worktree: creating parent directory: %w", err)
	}

	if err := m.repo.AddWorktree(path, attempt.Branch, attempt.BaseBranch); err != nil {
		return "", false, fmt.Errorf("worktree: provisioning %s: %w", path, err)
	}

	ensureContainerRef(attempt)
	return path, true, nil
}

// ensureContainerRef sets attempt.ContainerRef the first time its worktree
// is provisioned: branch and container_ref are populated on first worktree
// provisioning and immutable thereafter. A container reference is the
// attempt's own id (see internal/containerref); Ensure only mutates the
// in-memory attempt, the caller is responsible for persisting it.
func ensureContainerRef(attempt *store.TaskAttempt) {
	if attempt.ContainerRef == "" {
		attempt.ContainerRef = attempt.ID.String()
	}
}

// Teardown best-effort removes a worktree's git registration and directory.
// It never returns an error for the caller to act on — deletion is
// best-effort per spec §6 (attempt.worktree_deleted is set regardless of
// outcome), but the error is returned anyway so callers can log it.
func (m *Manager) Teardown(path string) error {
	var firstErr error
	if err := m.repo.RemoveWorktree(path); err != nil {
		firstErr = err
	}
	if err := os.RemoveAll(path); err != nil && firstErr == nil {
		firstErr = err
	}
	_ = m.repo.PruneWorktrees()
	return firstErr
}

// MaterializeCopyFiles copies every glob pattern in project.CopyFiles
// (newline-separated, teacher's cfg.Settings pattern generalized to a
// per-project field) from the project's main repo into worktreeDir.
// Returns the list of relative paths actually copied.
func MaterializeCopyFiles(project *store.Project, worktreeDir string) ([]string, error) {
	var all []string
	for _, line := range strings.Split(project.CopyFiles, "\n") {
		pattern := strings.TrimSpace(line)
		if pattern == "" || strings.HasPrefix(pattern, "#") {
			continue
		}
		copied, err := fileutil.CopyGlob(project.GitRepoPath, worktreeDir, pattern)
		if err != nil {
			return all, fmt.Errorf("worktree: copy_files pattern %q: %w", pattern, err)
		}
		all = append(all, copied...)
	}
	return all, nil
}

// imagesSubdir is where task images are materialized inside a worktree, so
// an agent's prompt can reference them by a stable relative path regardless
// of where the worktree itself lives on disk.
const imagesSubdir = ".vibe-kanban/images"

// MaterializeImages copies each of imagePaths into worktreeDir's stable
// images subdirectory and returns the rewritten prompt with every
// occurrence of the image's original basename reference replaced by its new
// canonical relative path — spec §6's "prompt canonicalization".
func MaterializeImages(worktreeDir, prompt string, imagePaths []string) (string, error) {
	dstDir := filepath.Join(worktreeDir, imagesSubdir)
	if len(imagePaths) == 0 {
		return prompt, nil
	}
	if err := fileutil.EnsureDir(dstDir); err != nil {
		return "", fmt.Errorf("worktree: creating images directory: %w", err)
	}

	// Collect (original-reference -> canonical-path) pairs first, longest
	// reference first, so a single NewReplacer pass never re-matches text
	// it just substituted in (e.g. a bare basename that is itself a
	// substring of the canonical path).
	var oldRefs, newRefs []string
	for _, src := range imagePaths {
		name := filepath.Base(src)
		dst := filepath.Join(dstDir, name)
		if err := fileutil.CopyFile(src, dst); err != nil {
			return "", fmt.Errorf("worktree: materializing image %s: %w", src, err)
		}
		canonical := filepath.Join(imagesSubdir, name)
		oldRefs = append(oldRefs, src, name)
		newRefs = append(newRefs, canonical, canonical)
	}

	pairs := make([]string, 0, len(oldRefs)*2)
	for i := range oldRefs {
		pairs = append(pairs, oldRefs[i], newRefs[i])
	}
	return strings.NewReplacer(pairs...).Replace(prompt), nil
}

// MaterializePermissions writes perms as .claude/settings.json into
// worktreeDir before a coding-agent profile runs there, generalizing the
// teacher's run.go --permissions flow (writing a Claude Code settings file
// into the worktree) from a global setting to a per-attempt one. A nil
// perms is a no-op, matching the teacher's "don't write the file when
// permissions aren't configured" behavior.
func MaterializePermissions(worktreeDir string, perms *config.Permissions) error {
	if perms == nil {
		return nil
	}
	data, err := json.MarshalIndent(perms, "", "  ")
	if err != nil {
		return fmt.Errorf("worktree: marshaling permissions: %w", err)
	}
	path := fileutil.ClaudeSubpath(worktreeDir, "settings.json")
	if err := fileutil.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("worktree: creating .claude directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("worktree: writing .claude/settings.json: %w", err)
	}
	return nil
}
