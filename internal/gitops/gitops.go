// Package gitops provides the narrow set of git operations the orchestrator
// needs: stage everything, commit when something is staged, and read enough
// history to build handoff file lists.
package gitops

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Operations is implementation-agnostic so runs can be tested with mocks.
type Operations interface {
	// StageAll stages every change in the working tree (git add -A).
	StageAll(ctx context.Context) error

	// HasStagedChanges reports whether anything is staged for commit.
	HasStagedChanges(ctx context.Context) (bool, error)

	// Commit commits staged changes and returns the commit hash. When
	// nothing is staged it returns "" with no error, so a retried run
	// cannot fail or double-commit on an already-clean tree.
	Commit(ctx context.Context, message string) (string, error)

	// ChangedFiles lists files changed between the given ref and HEAD.
	ChangedFiles(ctx context.Context, since string) ([]string, error)

	// Head returns the current HEAD commit hash.
	Head(ctx context.Context) (string, error)
}

// CLI implements Operations using the git CLI.
type CLI struct {
	gitPath string
	dir     string
}

// New creates a CLI bound to the repository at dir.
// It verifies that git is available on the system.
func New(ctx context.Context, dir string) (*CLI, error) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "version")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git command failed: %w", err)
	}

	return &CLI{gitPath: gitPath, dir: dir}, nil
}

func (g *CLI) StageAll(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", g.dir, "add", "-A")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git add failed in %s: %w", g.dir, err)
	}
	return nil
}

func (g *CLI) HasStagedChanges(ctx context.Context) (bool, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", g.dir, "diff", "--cached", "--name-only")
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git diff failed in %s: %w", g.dir, err)
	}
	return len(strings.TrimSpace(string(output))) > 0, nil
}

func (g *CLI) Commit(ctx context.Context, message string) (string, error) {
	if message == "" {
		return "", fmt.Errorf("commit message is required")
	}

	staged, err := g.HasStagedChanges(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", nil
	}

	cmd := exec.CommandContext(ctx, g.gitPath, "-C", g.dir, "commit", "-m", message)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git commit failed in %s: %w", g.dir, err)
	}

	return g.Head(ctx)
}

func (g *CLI) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	if since == "" {
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, g.gitPath, "-C", g.dir, "diff", "--name-only", since, "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("git diff failed in %s: %w", g.dir, err)
	}

	var files []string
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			files = append(files, line)
		}
	}
	return files, scanner.Err()
}

func (g *CLI) Head(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, g.gitPath, "-C", g.dir, "rev-parse", "HEAD")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get commit hash in %s: %w", g.dir, err)
	}
	return strings.TrimSpace(string(output)), nil
}
