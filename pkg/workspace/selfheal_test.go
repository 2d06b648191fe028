package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiagnoseMissingWorkspace(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	diag, err := e.Diagnose(context.Background(), "o/r", "main")
	require.NoError(t, err)
	assert.True(t, diag.Missing)
}

func TestDiagnoseWrongBranchAndConflicts(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		switch spec.Args[0] {
		case "branch":
			return &RunResult{ExitCode: 0, Stdout: "other\n"}, nil
		case "status":
			return &RunResult{ExitCode: 0, Stdout: "UU conflicted.txt\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	diag, err := e.Diagnose(context.Background(), "o/r", "main")
	require.NoError(t, err)
	assert.True(t, diag.WrongBranch)
	assert.Equal(t, "other", diag.CurrentBranch)
	assert.True(t, diag.Conflicts)
	assert.True(t, diag.Dirty)
	assert.False(t, diag.Detached)
}

func TestDiagnoseMergeAndRebaseMarkers(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if spec.Args[0] == "branch" {
			return &RunResult{ExitCode: 0, Stdout: "main\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	dir := seedWorkspace(t, e, "o/r", "main", nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "MERGE_HEAD"), []byte("abc\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git", "rebase-merge"), 0o755))

	diag, err := e.Diagnose(context.Background(), "o/r", "main")
	require.NoError(t, err)
	assert.True(t, diag.MergeInProgress)
	assert.True(t, diag.RebaseInFlight)
}

func TestDiagnoseDetachedHead(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if spec.Args[0] == "branch" {
			return &RunResult{ExitCode: 0, Stdout: "\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	diag, err := e.Diagnose(context.Background(), "o/r", "main")
	require.NoError(t, err)
	assert.True(t, diag.Detached)
}

func TestSelfHealHealthyIsNoop(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		switch spec.Args[0] {
		case "branch":
			return &RunResult{ExitCode: 0, Stdout: "main\n"}, nil
		case "status":
			return &RunResult{ExitCode: 0, Stdout: ""}, nil
		case "log":
			return &RunResult{ExitCode: 0, Stdout: "abc123 initial\n"}, nil
		case "ls-files":
			return &RunResult{ExitCode: 0, Stdout: "a.txt\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"a.txt": "x\n"})

	result, err := e.SelfHeal(context.Background(), "o/r", "main", false)
	require.NoError(t, err)
	assert.True(t, result.Healed)
	assert.Empty(t, result.NewBranch)
	assert.True(t, hasGitDir(dir), "healthy workspace must not be removed")
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "abc123 initial", result.Snapshot.Head)
	assert.Equal(t, 1, result.Snapshot.FileCount)
}

func TestSelfHealBaseRefRecreates(t *testing.T) {
	runner := &fakeRunner{script: cloneAwareScript(t)}
	origScript := runner.script
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if spec.Args[0] == "branch" {
			return &RunResult{ExitCode: 0, Stdout: "wrong-branch\n"}, nil
		}
		return origScript(spec)
	}
	e := testEngine(t, runner)
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"stale.txt": "x\n"})

	result, err := e.SelfHeal(context.Background(), "o/r", "main", false)
	require.NoError(t, err)
	assert.True(t, result.Healed)
	assert.True(t, result.Diagnosis.WrongBranch)
	assert.True(t, hasGitDir(dir))
	assert.NoFileExists(t, filepath.Join(dir, "stale.txt"), "stale content must not survive the heal")
	assert.NotEmpty(t, result.Steps)
}

func TestSelfHealWorkBranchGetsFreshName(t *testing.T) {
	runner := &fakeRunner{script: cloneAwareScript(t)}
	origScript := runner.script
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if spec.Args[0] == "branch" {
			return &RunResult{ExitCode: 0, Stdout: "\n"}, nil // detached
		}
		return origScript(spec)
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "feature/x", nil)

	result, err := e.SelfHeal(context.Background(), "o/r", "feature/x", true)
	require.NoError(t, err)
	assert.True(t, result.Healed)
	assert.True(t, strings.HasPrefix(result.NewBranch, "feature/x-healed-"), "got %q", result.NewBranch)
	assert.True(t, result.RemoteDeleted)
	assert.Contains(t, strings.Join(runner.commandLines(), "\n"), "push origin --delete feature/x")
}

func TestHealedBranchName(t *testing.T) {
	name := healedBranchName("feature/x")
	assert.True(t, strings.HasPrefix(name, "feature/x-healed-"))
	assert.NoError(t, ValidateRef(name))

	// A previous heal suffix is trimmed, not stacked.
	again := healedBranchName(name)
	assert.True(t, strings.HasPrefix(again, "feature/x-healed-"))
	assert.NotEqual(t, name, again)
	assert.Equal(t, strings.Count(again, "-healed-"), 1)
}
