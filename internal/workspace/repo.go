package workspace

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// currentBranch returns the branch checked out in the project root, or ""
// when HEAD is detached.
func (m *Manager) currentBranch(ctx context.Context) (string, error) {
	repo, err := m.openRepo()
	if err == nil {
		head, headErr := repo.Head()
		if headErr == nil {
			if !head.Name().IsBranch() {
				return "", nil
			}
			return head.Name().Short(), nil
		}
	}
	out, err := m.git.run(ctx, m.layout.ProjectDir, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		// symbolic-ref fails on a detached HEAD.
		if _, revErr := m.git.run(ctx, m.layout.ProjectDir, "rev-parse", "--verify", "HEAD"); revErr == nil {
			return "", nil
		}
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// branchExists reports whether refs/heads/<branch> exists.
func (m *Manager) branchExists(ctx context.Context, branch string) (bool, error) {
	repo, err := m.openRepo()
	if err == nil {
		_, refErr := repo.Reference(plumbing.NewBranchReferenceName(branch), false)
		switch {
		case refErr == nil:
			return true, nil
		case errors.Is(refErr, plumbing.ErrReferenceNotFound):
			return false, nil
		}
	}
	_, err = m.git.run(ctx, m.layout.ProjectDir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	if err == nil {
		return true, nil
	}
	// show-ref exits 1 for a missing ref; anything else is a real failure.
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, err
}

func (m *Manager) openRepo() (*git.Repository, error) {
	return git.PlainOpenWithOptions(m.layout.ProjectDir, &git.PlainOpenOptions{DetectDotGit: true})
}
