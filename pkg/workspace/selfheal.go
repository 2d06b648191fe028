package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/logger"
)

var healLog = logger.New("workspace:selfheal")

// Diagnosis names the unhealthy conditions SelfHeal checks for.
type Diagnosis struct {
	WrongBranch     bool   `json:"wrong_branch"`
	CurrentBranch   string `json:"current_branch,omitempty"`
	MergeInProgress bool   `json:"merge_in_progress"`
	RebaseInFlight  bool   `json:"rebase_in_flight"`
	Conflicts       bool   `json:"conflicts"`
	Detached        bool   `json:"detached"`
	Dirty           bool   `json:"dirty"`
	Missing         bool   `json:"missing"`
}

func (d *Diagnosis) healthy() bool {
	return !d.WrongBranch && !d.MergeInProgress && !d.RebaseInFlight &&
		!d.Conflicts && !d.Detached && !d.Missing
}

// HealResult is the structured outcome of a self-heal run.
type HealResult struct {
	Diagnosis     *Diagnosis `json:"diagnosis"`
	Steps         []string   `json:"steps"`
	Healed        bool       `json:"healed"`
	NewBranch     string     `json:"new_branch,omitempty"`
	RemoteDeleted bool       `json:"remote_branch_deleted,omitempty"`
	Snapshot      *Snapshot  `json:"snapshot,omitempty"`
}

// Diagnose inspects the workspace for (fullName, ref) without changing it.
func (e *Engine) Diagnose(ctx context.Context, fullName, ref string) (*Diagnosis, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	return e.diagnose(ctx, dir, ref)
}

func (e *Engine) diagnose(ctx context.Context, dir, ref string) (*Diagnosis, error) {
	d := &Diagnosis{}
	if !hasGitDir(dir) {
		d.Missing = true
		return d, nil
	}

	current, err := e.currentBranch(ctx, dir)
	if err != nil {
		return nil, err
	}
	d.CurrentBranch = current
	d.Detached = current == ""
	d.WrongBranch = !d.Detached && current != ref

	gitDir := dir + string(os.PathSeparator) + ".git" + string(os.PathSeparator)
	if _, err := os.Stat(gitDir + "MERGE_HEAD"); err == nil {
		d.MergeInProgress = true
	}
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(gitDir + marker); err == nil {
			d.RebaseInFlight = true
		}
	}

	if res, err := e.runGit(ctx, dir, "status", "--porcelain"); err == nil && res.ExitCode == 0 {
		for _, line := range strings.Split(res.Stdout, "\n") {
			if len(line) >= 2 && (strings.HasPrefix(line, "UU") || strings.HasPrefix(line, "AA") || strings.HasPrefix(line, "DD")) {
				d.Conflicts = true
			}
			if strings.TrimSpace(line) != "" {
				d.Dirty = true
			}
		}
	}
	return d, nil
}

// SelfHeal recovers a corrupt or wedged workspace.
//
// The broken directory is deleted wholesale rather than untangled in place:
// unwinding a half-finished rebase or merge is fragile, while a fresh shallow
// clone is cheap and always correct. If the broken state was a work branch
// (not the base ref) the remote branch is deleted too when deleteRemote is
// set, then a replacement branch with a fresh suffix is created off a clean
// base so the caller never resumes on poisoned history.
func (e *Engine) SelfHeal(ctx context.Context, fullName, ref string, deleteRemote bool) (*HealResult, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(LockKey(fullName, ref))
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	result := &HealResult{}

	diag, err := e.diagnose(ctx, dir, ref)
	if err != nil {
		return nil, err
	}
	result.Diagnosis = diag
	step := func(format string, a ...any) {
		msg := fmt.Sprintf(format, a...)
		healLog.Print(msg)
		result.Steps = append(result.Steps, msg)
	}

	if diag.healthy() && !diag.Dirty {
		step("Workspace %s@%s is healthy, nothing to do", fullName, ref)
		result.Healed = true
		if snap, err := e.snapshot(ctx, dir); err == nil {
			result.Snapshot = snap
		}
		return result, nil
	}

	step("Removing unhealthy workspace %s", dir)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to remove broken workspace: %w", err)
	}

	baseRef := constantsDefaultRef(e, fullName)
	isWorkBranch := ref != baseRef

	if isWorkBranch && deleteRemote {
		step("Deleting remote branch %s", ref)
		baseDir := DirFor(e.cfg.WorkspaceBaseDir, fullName, baseRef)
		if !hasGitDir(baseDir) {
			if err := e.freshClone(ctx, baseDir, fullName, baseRef); err != nil {
				return nil, err
			}
			step("Cloned base %s@%s for remote delete", fullName, baseRef)
		}
		if res, err := e.runGitWithRetry(ctx, baseDir, "push", "origin", "--delete", ref); err != nil {
			step("Remote branch delete failed (continuing): %v", err)
		} else if res.ExitCode == 0 {
			result.RemoteDeleted = true
		}
	}

	if !isWorkBranch {
		step("Recreating base workspace %s@%s", fullName, ref)
		if err := e.freshClone(ctx, dir, fullName, ref); err != nil {
			return nil, err
		}
		result.Healed = true
		if snap, err := e.snapshot(ctx, dir); err == nil {
			result.Snapshot = snap
		}
		return result, nil
	}

	// A work branch gets a fresh name so the caller cannot collide with any
	// remote leftovers of the broken one.
	fresh := healedBranchName(ref)
	step("Recreating work branch as %s off %s", fresh, baseRef)

	// CreateBranch takes its own locks; release ours first.
	unlock()
	locked = false
	branchRes, err := e.CreateBranch(ctx, fullName, baseRef, fresh)
	if err != nil {
		return nil, err
	}
	result.Healed = true
	result.NewBranch = branchRes.Branch
	if snap, err := e.snapshot(ctx, branchRes.Dir); err == nil {
		result.Snapshot = snap
	}
	return result, nil
}

func constantsDefaultRef(e *Engine, fullName string) string {
	return e.cfg.EffectiveRef(fullName, "")
}

// healedBranchName derives a fresh slug from the broken branch: the old name
// (trimmed of any previous heal suffix) plus a short random suffix.
func healedBranchName(ref string) string {
	base := ref
	if idx := strings.LastIndex(base, "-healed-"); idx > 0 {
		base = base[:idx]
	}
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return base + "-healed"
	}
	return base + "-healed-" + hex.EncodeToString(buf)
}
