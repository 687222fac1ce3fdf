// Package gitops records which commit of the training code a sweep ran.
package gitops

import (
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// HeadCommit returns the full SHA of HEAD in repoDir.
func HeadCommit(ctx context.Context, repoDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "HEAD")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return "", eris.Wrapf(err, "git rev-parse HEAD in %s", repoDir)
	}
	return strings.TrimSpace(string(out)), nil
}

// IsDirty reports whether repoDir has uncommitted or untracked changes.
func IsDirty(ctx context.Context, repoDir string) (bool, error) {
	cmd := exec.CommandContext(ctx, "git", "status", "--porcelain")
	cmd.Dir = repoDir
	out, err := cmd.Output()
	if err != nil {
		return false, eris.Wrapf(err, "git status in %s", repoDir)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}

// Describe returns HEAD with a "-dirty" suffix when the tree has changes, or
// "" when repoDir is not a git checkout.
func Describe(ctx context.Context, repoDir string) string {
	sha, err := HeadCommit(ctx, repoDir)
	if err != nil {
		return ""
	}
	if dirty, err := IsDirty(ctx, repoDir); err == nil && dirty {
		return sha + "-dirty"
	}
	return sha
}
