package workspace

import (
	"context"
	"fmt"
	"os"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var branchLog = logger.New("workspace:branch")

// BranchResult reports what CreateBranch did.
type BranchResult struct {
	Branch     string `json:"branch"`
	BaseRef    string `json:"base_ref"`
	Dir        string `json:"dir"`
	MovedFrom  string `json:"moved_from,omitempty"`
	BaseCloned bool   `json:"base_cloned"`
}

// CreateBranch creates newBranch off baseRef and re-keys the workspace to the
// new branch.
//
// The base workspace directory is MOVED to the new branch's keyed location
// (so uncommitted work carries over), the branch is checked out there, and a
// clean base checkout is recreated at the old location. Creating a branch
// whose keyed directory already exists is a conflict.
func (e *Engine) CreateBranch(ctx context.Context, fullName, baseRef, newBranch string) (*BranchResult, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	baseRef = e.cfg.EffectiveRef(fullName, baseRef)
	if err := ValidateRef(baseRef); err != nil {
		return nil, err
	}
	if err := ValidateRef(newBranch); err != nil {
		return nil, err
	}
	if newBranch == baseRef {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "new_branch", Message: "must differ from the base ref"},
		}}
	}

	// Both keyed slots lock in a fixed order to avoid deadlock with a
	// concurrent CreateBranch in the opposite direction.
	first, second := LockKey(fullName, baseRef), LockKey(fullName, newBranch)
	if second < first {
		first, second = second, first
	}
	unlockFirst := e.locks.Lock(first)
	defer unlockFirst()
	unlockSecond := e.locks.Lock(second)
	defer unlockSecond()

	baseDir := DirFor(e.cfg.WorkspaceBaseDir, fullName, baseRef)
	newDir := DirFor(e.cfg.WorkspaceBaseDir, fullName, newBranch)

	if hasGitDir(newDir) {
		return nil, &brokererrors.ConflictError{Message: fmt.Sprintf(
			"workspace for branch %q already exists; refresh or remove it first", newBranch)}
	}

	result := &BranchResult{Branch: newBranch, BaseRef: baseRef, Dir: newDir}

	if !hasGitDir(baseDir) {
		if err := e.freshClone(ctx, baseDir, fullName, baseRef); err != nil {
			return nil, err
		}
	} else {
		result.MovedFrom = baseDir
	}

	branchLog.Printf("Creating branch %s off %s for %s", newBranch, baseRef, fullName)
	if err := os.Rename(baseDir, newDir); err != nil {
		return nil, fmt.Errorf("failed to move workspace for branch creation: %w", err)
	}

	if res, err := e.runGit(ctx, newDir, "checkout", "-b", newBranch); err != nil || res.ExitCode != 0 {
		// Move back so the base slot is not left empty on failure.
		if mvErr := os.Rename(newDir, baseDir); mvErr != nil {
			branchLog.Printf("Failed to restore base workspace after checkout error: %v", mvErr)
		}
		return nil, fmt.Errorf("failed to create branch %s: %w", newBranch, gitCommandError([]string{"checkout", "-b"}, res))
	}

	// Recreate a clean base checkout so later reads of baseRef do not
	// re-clone lazily under load.
	if err := e.freshClone(ctx, baseDir, fullName, baseRef); err != nil {
		branchLog.Printf("Base re-clone for %s@%s failed (branch itself is fine): %v", fullName, baseRef, err)
	} else {
		result.BaseCloned = true
	}

	return result, nil
}
