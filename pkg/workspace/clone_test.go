package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneRepoFreshClone(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if len(spec.Args) > 0 && spec.Args[0] == "clone" {
			// git clone creates the target directory; the fake does too.
			target := spec.Args[len(spec.Args)-1]
			require.NoError(t, os.MkdirAll(filepath.Join(target, ".git"), 0o755))
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)

	dir, err := e.CloneRepo(context.Background(), "o/r", "main", false)
	require.NoError(t, err)
	assert.True(t, hasGitDir(dir))
	assert.Equal(t, DirFor(e.cfg.WorkspaceBaseDir, "o/r", "main"), dir)

	lines := runner.commandLines()
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "clone --depth 1 --branch main https://github.com/o/r.git")
}

func TestCloneRepoRefreshResetsAndCleans(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if len(spec.Args) > 1 && spec.Args[0] == "remote" && spec.Args[1] == "get-url" {
			return &RunResult{ExitCode: 0, Stdout: "https://github.com/o/r.git\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	_, err := e.CloneRepo(context.Background(), "o/r", "main", false)
	require.NoError(t, err)

	joined := strings.Join(runner.commandLines(), "\n")
	assert.Contains(t, joined, "fetch origin --prune")
	assert.Contains(t, joined, "reset --hard origin/main")
	assert.Contains(t, joined, "clean -fdx -e .venv-mcp")
	assert.NotContains(t, joined, "set-url", "matching origin URL must not be rewritten")
}

func TestCloneRepoRefreshResetsMismatchedOrigin(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if len(spec.Args) > 1 && spec.Args[0] == "remote" && spec.Args[1] == "get-url" {
			return &RunResult{ExitCode: 0, Stdout: "https://github.com/other/fork.git\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	_, err := e.CloneRepo(context.Background(), "o/r", "main", false)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(runner.commandLines(), "\n"),
		"remote set-url origin https://github.com/o/r.git")
}

func TestCloneRepoPreserveChangesDirtyWrongBranch(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		switch spec.Args[0] {
		case "branch":
			return &RunResult{ExitCode: 0, Stdout: "other-branch\n"}, nil
		case "status":
			return &RunResult{ExitCode: 0, Stdout: " M local.txt\n"}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	_, err := e.CloneRepo(context.Background(), "o/r", "main", true)
	require.Error(t, err)
	var conflict *brokererrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Message, "local changes")

	joined := strings.Join(runner.commandLines(), "\n")
	assert.NotContains(t, joined, "checkout", "dirty wrong-branch workspace must not be switched")
	assert.NotContains(t, joined, "reset --hard")
}

func TestCloneRepoPreserveChangesCleanSwitchesBranch(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		switch spec.Args[0] {
		case "branch":
			return &RunResult{ExitCode: 0, Stdout: "other-branch\n"}, nil
		case "status":
			return &RunResult{ExitCode: 0, Stdout: ""}, nil
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	seedWorkspace(t, e, "o/r", "main", nil)

	_, err := e.CloneRepo(context.Background(), "o/r", "main", true)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(runner.commandLines(), "\n"), "checkout main")
}

func TestCloneRepoValidatesInputs(t *testing.T) {
	e := testEngine(t, &fakeRunner{})

	_, err := e.CloneRepo(context.Background(), "not-a-repo", "main", false)
	require.Error(t, err)

	_, err = e.CloneRepo(context.Background(), "o/r", "bad..ref", false)
	require.Error(t, err)
}

func TestCloneRepoControllerOverride(t *testing.T) {
	runner := &fakeRunner{}
	runner.script = func(spec CommandSpec) (*RunResult, error) {
		if spec.Args[0] == "clone" {
			target := spec.Args[len(spec.Args)-1]
			require.NoError(t, os.MkdirAll(filepath.Join(target, ".git"), 0o755))
		}
		return &RunResult{ExitCode: 0}, nil
	}
	e := testEngine(t, runner)
	e.cfg.ControllerRepo = "o/ctrl"
	e.cfg.ControllerBranch = "ally-refactor"

	dir, err := e.CloneRepo(context.Background(), "o/ctrl", "main", false)
	require.NoError(t, err)
	assert.Contains(t, dir, "ally-refactor")
	assert.Contains(t, strings.Join(runner.commandLines(), "\n"), "--branch ally-refactor")
}
