// Package integration lands a finished TaskAttempt back into its project:
// either a direct squash-merge-back, or a pull request via the GitHub API,
// plus rebasing an in-flight attempt onto a new base commit. The squash and
// rebase mechanics delegate to internal/git; this package owns the Merge
// bookkeeping and the GitHub-specific push/PR flow, grounded on the
// oauth2.NewClient(oauth2.StaticTokenSource(...)) + github.NewClient(tc)
// pattern used to drive PR checks in the retrieval pack's gohci worker.
package integration

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v74/github"
	"github.com/google/uuid"
	"github.com/vibe-kanban/orchestrator/internal/git"
	"github.com/vibe-kanban/orchestrator/internal/store"
	"golang.org/x/oauth2"
)

// Merger performs the git-level and bookkeeping work for landing an
// attempt. One Merger is constructed per project's main repo.
type Merger struct {
	repo    store.Repository
	git     *git.Repo
	mainDir string
}

// NewMerger wraps mainRepoDir (the project's main checkout, not a worktree)
// for integration operations.
func NewMerger(repo store.Repository, mainRepoDir string) *Merger {
	return &Merger{repo: repo, git: git.NewRepo(mainRepoDir), mainDir: mainRepoDir}
}

// SquashMergeBack squash-merges attempt's branch into base directly,
// records a DIRECT Merge row, and moves the owning task to DONE. The
// commit message is `<title> (vibe-kanban <8hex>)` with the attempt's
// description (if any) as a trailer, per spec §4.H.
func (m *Merger) SquashMergeBack(ctx context.Context, attempt *store.TaskAttempt, worktreeDir string, task *store.Task) (*store.Merge, error) {
	message := fmt.Sprintf("%s (vibe-kanban %s)", task.Title, git.ShortIDSegment(attempt.ID.String()))
	if task.Description != "" {
		message += "\n\n" + task.Description
	}

	result, err := m.git.MergeChanges(worktreeDir, m.mainDir, attempt.Branch, attempt.BaseBranch, message)
	if err != nil {
		return nil, fmt.Errorf("integration: squash merge: %w", err)
	}

	merge := &store.Merge{
		ID:            uuid.New(),
		TaskAttemptID: attempt.ID,
		Kind:          store.MergeDirect,
		TargetBranch:  attempt.BaseBranch,
		MergeCommit:   result.CommitSHA,
	}
	if err := m.repo.CreateMerge(ctx, merge); err != nil {
		return nil, fmt.Errorf("integration: recording merge: %w", err)
	}
	if err := m.repo.UpdateTaskStatus(ctx, task.ID, store.TaskDone); err != nil {
		return nil, fmt.Errorf("integration: marking task done: %w", err)
	}
	return merge, nil
}

// ResolveNewBaseSHA resolves newBase to the commit a rebase should target.
// A plain local ref resolves directly; a remote-style ref (origin/main) is
// first refreshed by fetching through an ephemeral authenticated remote, so
// the rebase sees the remote's current tip without the token ever touching
// persistent git config.
func (m *Merger) ResolveNewBaseSHA(newBase, remoteURL, token string) (string, error) {
	branch := git.NormalizePRBaseBranch(newBase)
	if branch == newBase || remoteURL == "" {
		return m.git.HeadCommit(newBase)
	}

	httpsURL := remoteURL
	if isSSHRemote(remoteURL) {
		httpsURL = git.SSHToHTTPS(remoteURL)
	}
	authedURL := httpsURL
	if token != "" && strings.HasPrefix(httpsURL, "https://") {
		var err error
		authedURL, err = git.RewriteHTTPSAuth(httpsURL, token)
		if err != nil {
			return "", fmt.Errorf("integration: preparing authenticated fetch remote: %w", err)
		}
	}

	var sha string
	err := m.git.WithTemporaryRemote("temp-fetch", authedURL, func(name string) error {
		if err := m.git.FetchRefs(name); err != nil {
			return err
		}
		resolved, err := m.git.HeadCommit("refs/remotes/" + name + "/" + branch)
		if err != nil {
			return err
		}
		sha = resolved
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("integration: resolving %s via authenticated fetch: %w", newBase, err)
	}
	return sha, nil
}

// RebaseOntoNewBase rebases attempt's worktree onto newBaseSHA and, only on
// success, updates attempt.base_branch — a failed rebase (conflicts) must
// never leave the attempt pointed at a base it was never actually rebased
// onto.
func (m *Merger) RebaseOntoNewBase(ctx context.Context, attempt *store.TaskAttempt, worktreeDir, newBase, newBaseSHA string) error {
	if err := m.git.RebaseBranch(worktreeDir, attempt.BaseBranch, newBaseSHA); err != nil {
		return err
	}
	attempt.BaseBranch = newBase
	return m.repo.UpdateAttempt(ctx, attempt)
}

// GitHubClient wraps the subset of go-github's PullRequests service this
// package drives, so tests can substitute a fake without a real token.
type GitHubClient interface {
	CreatePullRequest(ctx context.Context, owner, repoName string, req *github.NewPullRequest) (*github.PullRequest, error)
}

type ghClient struct {
	client *github.Client
}

// NewGitHubClient builds a GitHubClient authenticated with token via an
// oauth2 static token source, the same construction the retrieval pack's
// gohci worker uses to drive its own PR checks.
func NewGitHubClient(ctx context.Context, token string) GitHubClient {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)
	return &ghClient{client: github.NewClient(tc)}
}

func (c *ghClient) CreatePullRequest(ctx context.Context, owner, repoName string, req *github.NewPullRequest) (*github.PullRequest, error) {
	pr, _, err := c.client.PullRequests.Create(ctx, owner, repoName, req)
	return pr, err
}

// PusherMerger pushes an attempt branch via an ephemeral authenticated
// remote and opens a pull request, recording an OPEN Merge row.
type PusherMerger struct {
	repo  store.Repository
	git   *git.Repo
	gh    GitHubClient
	owner string
	name  string
}

// NewPusherMerger wraps worktreeDir (an attempt's own worktree, which is
// where the branch to push actually lives) for the push+PR flow.
func NewPusherMerger(repo store.Repository, worktreeDir string, gh GitHubClient, owner, repoName string) *PusherMerger {
	return &PusherMerger{repo: repo, git: git.NewRepo(worktreeDir), gh: gh, owner: owner, name: repoName}
}

// PushAndOpenPR pushes attempt.Branch to origin (translating an SSH remote
// to HTTPS and authenticating via an ephemeral remote so the token is
// never written to persistent git config) and opens a pull request against
// base, normalizing any "origin/"/"upstream/" prefix first.
func (p *PusherMerger) PushAndOpenPR(ctx context.Context, attempt *store.TaskAttempt, remoteURL, token, base, title, body string) (*store.Merge, error) {
	base = git.NormalizePRBaseBranch(base)

	httpsURL := remoteURL
	if isSSHRemote(remoteURL) {
		httpsURL = git.SSHToHTTPS(remoteURL)
	}
	// Only a real https remote needs token rewriting; a local path or an
	// already-authenticated transport (e.g. an ssh-agent-backed remote the
	// SSH->HTTPS translation above left untouched because it wasn't
	// git@host:owner/repo form) is used as-is.
	authedURL := httpsURL
	if strings.HasPrefix(httpsURL, "https://") {
		var err error
		authedURL, err = git.RewriteHTTPSAuth(httpsURL, token)
		if err != nil {
			return nil, fmt.Errorf("integration: preparing authenticated remote: %w", err)
		}
	}

	pushErr := p.git.WithTemporaryRemote("temp-auth", authedURL, func(name string) error {
		return p.git.PushBranch(name, attempt.Branch, false)
	})
	if pushErr != nil {
		return nil, fmt.Errorf("integration: pushing %s: %w", attempt.Branch, pushErr)
	}

	pr, err := p.gh.CreatePullRequest(ctx, p.owner, p.name, &github.NewPullRequest{
		Title: github.Ptr(title),
		Head:  github.Ptr(attempt.Branch),
		Base:  github.Ptr(base),
		Body:  github.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("integration: opening pull request: %w", err)
	}

	merge := &store.Merge{
		ID:            uuid.New(),
		TaskAttemptID: attempt.ID,
		Kind:          store.MergePR,
		TargetBranch:  base,
		PRNumber:      pr.GetNumber(),
		PRURL:         pr.GetHTMLURL(),
		PRStatus:      store.PRStatusOpen,
	}
	if err := p.repo.CreateMerge(ctx, merge); err != nil {
		return nil, fmt.Errorf("integration: recording PR merge: %w", err)
	}
	return merge, nil
}

// RecordPRMerged transitions a previously opened PR Merge to MERGED. PR
// status transitions are monotone (OPEN -> {MERGED, CLOSED}); callers are
// responsible for only calling this once a webhook/poll has actually
// observed the merge.
func RecordPRMerged(ctx context.Context, repo store.MergeRepository, mergeID uuid.UUID) error {
	return repo.UpdateMergePRStatus(ctx, mergeID, store.PRStatusMerged)
}

// RecordPRClosed transitions a previously opened PR Merge to CLOSED
// (closed without merging).
func RecordPRClosed(ctx context.Context, repo store.MergeRepository, mergeID uuid.UUID) error {
	return repo.UpdateMergePRStatus(ctx, mergeID, store.PRStatusClosed)
}

func isSSHRemote(url string) bool {
	return strings.HasPrefix(url, "git@")
}
