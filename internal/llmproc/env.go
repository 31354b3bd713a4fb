package llmproc

import (
	"os"
	"os/exec"
	"path/filepath"
)

// scratchTmpDir is a dedicated temp directory for LLM subprocess invocations.
// Some CLI tools crash when TMPDIR contains IDE socket files left behind by
// an editor session; isolating TMPDIR avoids that class of failure.
var scratchTmpDir string

func init() {
	scratchTmpDir = filepath.Join(os.TempDir(), "conductor-llmproc")
	os.MkdirAll(scratchTmpDir, 0o755)
}

// setCleanEnv points cmd's TMPDIR at scratchTmpDir, leaving every other
// environment variable untouched.
func setCleanEnv(cmd *exec.Cmd) {
	cmd.Env = os.Environ()
	found := false
	for i, kv := range cmd.Env {
		if len(kv) > 7 && kv[:7] == "TMPDIR=" {
			cmd.Env[i] = "TMPDIR=" + scratchTmpDir
			found = true
			break
		}
	}
	if !found {
		cmd.Env = append(cmd.Env, "TMPDIR="+scratchTmpDir)
	}
}
