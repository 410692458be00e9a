package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("orchestratord merge", func() {
	var tmpDir, repoDir, worktreeDir string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "orchestratord-merge-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", "-b", "main", repoDir)
		writeFile(filepath.Join(repoDir, "README.md"), "hello\n")
		runGit(repoDir, "add", "-A")
		runGit(repoDir, "commit", "-m", "initial commit")

		worktreeDir = filepath.Join(tmpDir, "wt")
		runGit(repoDir, "worktree", "add", "-b", "vk-ab12-widget", worktreeDir, "main")
		writeFile(filepath.Join(worktreeDir, "feature.txt"), "new feature\n")
		runGit(worktreeDir, "add", "-A")
		runGit(worktreeDir, "commit", "-m", "agent change")
	})

	AfterEach(func() {
		exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
		os.RemoveAll(tmpDir)
	})

	It("squash-merges the attempt branch onto main with a tagged commit message", func() {
		cmd := exec.Command(binaryPath, "merge", repoDir, worktreeDir, "vk-ab12-widget", "main", "Add a widget")
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))

		msg := runGitOutput(repoDir, "log", "-1", "--format=%s", "main")
		Expect(strings.TrimSpace(msg)).To(HavePrefix("Add a widget (vibe-kanban "))

		content, err := os.ReadFile(filepath.Join(repoDir, "feature.txt"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(content)).To(Equal("new feature\n"))
	})
})
