package acceptance_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("orchestratord start", func() {
	var tmpDir, repoDir, configPath string

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "orchestratord-test-*")
		Expect(err).NotTo(HaveOccurred())

		repoDir = filepath.Join(tmpDir, "repo")
		runGit(tmpDir, "init", "-b", "main", repoDir)
		writeFile(filepath.Join(repoDir, "README.md"), "hello\n")
		runGit(repoDir, "add", "-A")
		runGit(repoDir, "commit", "-m", "initial commit")

		configPath = filepath.Join(tmpDir, "orchestratord.yaml")
		writeFile(configPath, `
project:
  name: widgets
  git_repo_path: `+repoDir+`
  setup_script: "echo setup > setup-ran.txt"
  cleanup_script: "echo cleanup > cleanup-ran.txt"

profiles:
  - name: noop
    command: "true"
`)
	})

	AfterEach(func() {
		exec.Command("git", "-C", repoDir, "worktree", "prune").Run()
		os.RemoveAll(tmpDir)
	})

	It("runs the setup -> agent -> cleanup chain and commits each step", func() {
		cmd := exec.Command(binaryPath, "--config", configPath, "start", "Add a widget")
		output, err := cmd.CombinedOutput()
		Expect(err).NotTo(HaveOccurred(), "output: %s", string(output))
		Expect(string(output)).To(ContainSubstring("task now IN_REVIEW"))

		branches := runGitOutput(repoDir, "branch", "--list", "vk-*")
		Expect(branches).To(ContainSubstring("vk-"))
		branchName := strings.TrimSpace(strings.Split(branches, "\n")[0])

		setupContent := runGitOutput(repoDir, "show", branchName+":setup-ran.txt")
		Expect(setupContent).To(ContainSubstring("setup"))

		cleanupContent := runGitOutput(repoDir, "show", branchName+":cleanup-ran.txt")
		Expect(cleanupContent).To(ContainSubstring("cleanup"))
	})
})
