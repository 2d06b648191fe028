package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var cloneLog = logger.New("workspace:clone")

// CloneRepo ensures a workspace exists for (fullName, ref) and returns its
// absolute path.
//
// An existing checkout is refreshed in place: the origin URL is verified
// (and reset on mismatch), then fetched with prune. With preserveChanges
// false the tree is hard-reset to origin/<ref> and cleaned, excluding the
// workspace virtualenv so it survives refreshes. With preserveChanges true
// a wrong-branch checkout with local edits is an error; a clean one is
// switched to the requested ref.
//
// A missing directory is populated by a shallow clone into a temp sibling,
// then moved atomically into the keyed location so a crashed clone never
// leaves a half-usable workspace behind.
func (e *Engine) CloneRepo(ctx context.Context, fullName, ref string, preserveChanges bool) (string, error) {
	if err := ValidateFullName(fullName); err != nil {
		return "", err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return "", err
	}

	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	if hasGitDir(dir) {
		if err := e.refresh(ctx, dir, fullName, ref, preserveChanges); err != nil {
			return "", err
		}
		return dir, nil
	}

	if err := e.freshClone(ctx, dir, fullName, ref); err != nil {
		return "", err
	}
	return dir, nil
}

func (e *Engine) refresh(ctx context.Context, dir, fullName, ref string, preserveChanges bool) error {
	cloneLog.Printf("Refreshing workspace %s@%s", fullName, ref)

	wantURL := e.remoteURL(fullName)
	if res, err := e.runGit(ctx, dir, "remote", "get-url", "origin"); err == nil && res.ExitCode == 0 {
		got := strings.TrimSpace(res.Stdout)
		if got != wantURL && strings.TrimSuffix(got, ".git") != strings.TrimSuffix(wantURL, ".git") {
			cloneLog.Printf("Origin URL mismatch (%s), resetting to %s", got, wantURL)
			if res, err := e.runGit(ctx, dir, "remote", "set-url", "origin", wantURL); err != nil || res.ExitCode != 0 {
				return fmt.Errorf("failed to reset origin URL: %w", gitCommandError([]string{"remote", "set-url"}, res))
			}
		}
	}

	if _, err := e.runGitWithRetry(ctx, dir, "fetch", "origin", "--prune"); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", fullName, err)
	}

	if !preserveChanges {
		if res, err := e.runGit(ctx, dir, "reset", "--hard", "origin/"+ref); err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to reset workspace: %w", gitCommandError([]string{"reset"}, res))
		}
		// The venv is excluded from clean so provisioning survives refreshes.
		if res, err := e.runGit(ctx, dir, "clean", "-fdx", "-e", constants.VenvDirName); err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to clean workspace: %w", gitCommandError([]string{"clean"}, res))
		}
		return nil
	}

	current, err := e.currentBranch(ctx, dir)
	if err != nil {
		return err
	}
	if current == ref {
		return nil
	}

	dirty, err := e.hasLocalChanges(ctx, dir)
	if err != nil {
		return err
	}
	if dirty {
		return &brokererrors.ConflictError{Message: fmt.Sprintf(
			"workspace for %s is on branch %q with local changes but ref %q was requested; commit, discard, or self-heal first",
			fullName, current, ref)}
	}

	if res, err := e.runGit(ctx, dir, "checkout", ref); err != nil || res.ExitCode != 0 {
		cloneLog.Printf("checkout %s failed, retrying with -B", ref)
		if res, err := e.runGit(ctx, dir, "checkout", "-B", ref); err != nil || res.ExitCode != 0 {
			return fmt.Errorf("failed to checkout %s: %w", ref, gitCommandError([]string{"checkout"}, res))
		}
	}
	return nil
}

func (e *Engine) freshClone(ctx context.Context, dir, fullName, ref string) error {
	cloneLog.Printf("Cloning %s@%s into %s", fullName, ref, dir)

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create workspace parent: %w", err)
	}

	tmp, err := os.MkdirTemp(parent, ".clone-")
	if err != nil {
		return fmt.Errorf("failed to create temp clone dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	_, err = e.runGitWithRetry(ctx, parent,
		"clone", "--depth", "1", "--branch", ref, e.remoteURL(fullName), tmp)
	if err != nil {
		return fmt.Errorf("failed to clone %s@%s: %w", fullName, ref, err)
	}

	// Atomic move: readers either see nothing or a complete checkout.
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("failed to move clone into place: %w", err)
	}
	cloneLog.Printf("Clone complete: %s", dir)
	return nil
}

func (e *Engine) currentBranch(ctx context.Context, dir string) (string, error) {
	res, err := e.runGit(ctx, dir, "branch", "--show-current")
	if err != nil || res.ExitCode != 0 {
		return "", fmt.Errorf("failed to get current branch: %w", gitCommandError([]string{"branch"}, res))
	}
	return strings.TrimSpace(res.Stdout), nil
}

func (e *Engine) hasLocalChanges(ctx context.Context, dir string) (bool, error) {
	res, err := e.runGit(ctx, dir, "status", "--porcelain")
	if err != nil || res.ExitCode != 0 {
		return false, fmt.Errorf("failed to check git status: %w", gitCommandError([]string{"status"}, res))
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}

// RemoveWorkspace deletes the keyed directory for (fullName, ref).
func (e *Engine) RemoveWorkspace(fullName, ref string) error {
	ref = e.cfg.EffectiveRef(fullName, ref)
	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	cloneLog.Printf("Removing workspace %s", dir)
	return os.RemoveAll(dir)
}

// ListWorkspaces returns the keyed directories currently on disk.
func (e *Engine) ListWorkspaces() ([]string, error) {
	var dirs []string
	repos, err := os.ReadDir(e.cfg.WorkspaceBaseDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		refs, err := os.ReadDir(filepath.Join(e.cfg.WorkspaceBaseDir, repo.Name()))
		if err != nil {
			continue
		}
		for _, ref := range refs {
			if ref.IsDir() && !strings.HasPrefix(ref.Name(), ".clone-") {
				dirs = append(dirs, filepath.Join(e.cfg.WorkspaceBaseDir, repo.Name(), ref.Name()))
			}
		}
	}
	return dirs, nil
}
