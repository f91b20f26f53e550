// Package versioninfo captures the version fingerprint used by both the
// orchestrator and the slave runtime for version reconciliation.
package versioninfo

import (
	"os/exec"
	"runtime/debug"
	"strings"

	"github.com/d8ops/controlplane/internal/model"
)

// Capture runs the repository's version-capture routine: current git
// branch, commit hash, and the running binary's build version. It
// degrades to "unknown" fields when run outside a git checkout — a
// deployed binary commonly has no adjacent .git directory.
func Capture() model.VersionFingerprint {
	return model.VersionFingerprint{
		GitBranch:      gitOutput("rev-parse", "--abbrev-ref", "HEAD"),
		GitCommit:      gitOutput("rev-parse", "HEAD"),
		RuntimeVersion: buildVersion(),
	}
}

func gitOutput(args ...string) string {
	out, err := exec.Command("git", args...).Output()
	if err != nil {
		return "unknown"
	}
	v := strings.TrimSpace(string(out))
	if v == "" {
		return "unknown"
	}
	return v
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}
