package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("orchestratord rebase", func() {
	var tmpDir, repoDir, worktreeDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "orchestratord-rebase-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", "-b", "main", repoDir)
		writeFile(filepath.Join(repoDir, "README.md"), "hello\n")
		runGit(repoDir, "add", "-A")
		runGit(repoDir, "commit", "-m", "initial commit")

		worktreeDir = filepath.Join(tmpDir, "wt")
		runGit(repoDir, "worktree", "add", "-b", "vk-cd34-widget", worktreeDir, "main")
		writeFile(filepath.Join(worktreeDir, "feature.txt"), "attempt work\n")
		runGit(worktreeDir, "add", "-A")
		runGit(worktreeDir, "commit", "-m", "attempt work")

		writeFile(filepath.Join(repoDir, "other.txt"), "upstream work\n")
		runGit(repoDir, "add", "-A")
		runGit(repoDir, "commit", "-m", "unrelated upstream change")
	})

	AfterEach(func() {
		exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
		os.RemoveAll(tmpDir)
	})

	It("replays the attempt's commits onto the new tip of main", func() {
		cmd := exec.Command(binaryPath, "rebase", repoDir, worktreeDir, "vk-cd34-widget", "main", "main")
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		mainHead := runGitOutput(repoDir, "rev-parse", "main")
		parent := runGitOutput(worktreeDir, "rev-parse", "HEAD~1")
		Expect(parent).To(Equal(mainHead))
	})
})
