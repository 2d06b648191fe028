package workspace

import (
	"context"
	"time"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var runLog = logger.New("workspace:run")

// RunOptions controls a workspace command execution.
type RunOptions struct {
	Timeout time.Duration
	UseVenv bool
	Env     []string
}

// RunCommand executes a command inside the workspace for (fullName, ref).
// With UseVenv set, the workspace virtualenv is prepared first and its env
// is layered under any caller-supplied env.
func (e *Engine) RunCommand(ctx context.Context, fullName, ref, name string, args []string, opts RunOptions) (*RunResult, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	var env []string
	if opts.UseVenv {
		venv, err := e.PrepareVenv(ctx, fullName, ref)
		if err != nil {
			return nil, err
		}
		env = append(env, venv.Env...)
	}
	env = append(env, opts.Env...)

	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	if !hasGitDir(dir) {
		return nil, &brokererrors.NotFoundError{Path: dir}
	}

	runLog.Printf("Running %s %v in %s@%s", name, args, fullName, ref)
	return e.runner.Run(ctx, CommandSpec{
		Name:    name,
		Args:    args,
		Dir:     dir,
		Env:     env,
		Timeout: opts.Timeout,
	})
}

// RunTests runs pytest in the workspace venv. Extra args pass through to
// pytest unchanged.
func (e *Engine) RunTests(ctx context.Context, fullName, ref string, extraArgs []string, timeout time.Duration) (*RunResult, error) {
	args := append([]string{"-m", "pytest"}, extraArgs...)
	return e.RunCommand(ctx, fullName, ref, "python", args, RunOptions{
		Timeout: timeout,
		UseVenv: true,
	})
}
