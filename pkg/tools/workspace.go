package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/adaptiv/gh-broker/pkg/workspace"
	"github.com/sourcegraph/conc/pool"
)

var wsToolsLog = logger.New("tools:workspace")

type cloneArgs struct {
	FullName        string `json:"full_name" jsonschema:"repository in owner/repo form"`
	Ref             string `json:"ref,omitempty" jsonschema:"branch or tag; empty means the default branch"`
	PreserveChanges bool   `json:"preserve_changes,omitempty" jsonschema:"keep uncommitted local edits instead of resetting"`
}

type refreshAllArgs struct {
	PreserveChanges bool `json:"preserve_changes,omitempty"`
}

type createBranchArgs struct {
	FullName  string `json:"full_name"`
	BaseRef   string `json:"base_ref,omitempty" jsonschema:"ref to branch from; empty means the default branch"`
	NewBranch string `json:"new_branch"`
}

type selfHealArgs struct {
	FullName     string `json:"full_name"`
	Ref          string `json:"ref"`
	DeleteRemote bool   `json:"delete_remote,omitempty" jsonschema:"also delete the remote branch"`
}

type diagnoseArgs struct {
	FullName string `json:"full_name"`
	Ref      string `json:"ref,omitempty"`
}

type applyPatchArgs struct {
	FullName string `json:"full_name"`
	Ref      string `json:"ref,omitempty"`
	Patch    string `json:"patch" jsonschema:"unified diff; ranged and rangeless hunks are both accepted"`
}

type operationsArgs struct {
	FullName        string                `json:"full_name"`
	Ref             string                `json:"ref,omitempty"`
	Ops             []workspace.Operation `json:"ops"`
	PreviewOnly     bool                  `json:"preview_only,omitempty" jsonschema:"evaluate without touching the filesystem"`
	FailFast        bool                  `json:"fail_fast,omitempty"`
	RollbackOnError bool                  `json:"rollback_on_error,omitempty"`
	CreateParents   bool                  `json:"create_parents,omitempty"`
}

type runCommandArgs struct {
	FullName       string   `json:"full_name"`
	Ref            string   `json:"ref,omitempty"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	UseVenv        bool     `json:"use_venv,omitempty"`
	Env            []string `json:"env,omitempty" jsonschema:"extra KEY=VALUE pairs for the subprocess"`
}

type runTestsArgs struct {
	FullName       string   `json:"full_name"`
	Ref            string   `json:"ref,omitempty"`
	PytestArgs     []string `json:"pytest_args,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

type venvArgs struct {
	FullName string `json:"full_name"`
	Ref      string `json:"ref,omitempty"`
}

type readFileArgs struct {
	FullName  string `json:"full_name"`
	Ref       string `json:"ref,omitempty"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line,omitempty" jsonschema:"1-based inclusive"`
	EndLine   int    `json:"end_line,omitempty" jsonschema:"1-based inclusive; 0 means end of file"`
}

type searchArgs struct {
	FullName   string `json:"full_name"`
	Ref        string `json:"ref,omitempty"`
	Query      string `json:"query" jsonschema:"regular expression passed to git grep"`
	MaxResults int    `json:"max_results,omitempty"`
}

type emptyArgs struct{}

type removeArgs struct {
	FullName string `json:"full_name"`
	Ref      string `json:"ref,omitempty"`
}

func registerWorkspaceTools(r *registry.Registry, deps *Deps) {
	r.Register(&registry.Tool{
		Name:        "workspace_clone",
		Description: "Clone or refresh the cached workspace for a repository ref and return its path.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_clone"),
		InputSchema: registry.SchemaFor[cloneArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[cloneArgs](raw)
			if err != nil {
				return nil, err
			}
			dir, err := deps.Engine.CloneRepo(ctx, args.FullName, args.Ref, args.PreserveChanges)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"dir":       dir,
				"full_name": args.FullName,
				"ref":       deps.Cfg.EffectiveRef(args.FullName, args.Ref),
			}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_refresh_all",
		Description: "Refresh every cached workspace under the root with a bounded worker pool.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_refresh_all"),
		InputSchema: registry.SchemaFor[refreshAllArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[refreshAllArgs](raw)
			if err != nil {
				return nil, err
			}
			return refreshAllWorkspaces(ctx, deps, args.PreserveChanges)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_create_branch",
		Description: "Create a branch off a base ref and move the working tree to the new branch's workspace.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_create_branch"),
		InputSchema: registry.SchemaFor[createBranchArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[createBranchArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.CreateBranch(ctx, args.FullName, args.BaseRef, args.NewBranch)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_self_heal_branch",
		Description: "Diagnose a mangled workspace branch and rebuild it under a fresh branch name.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_self_heal_branch"),
		InputSchema: registry.SchemaFor[selfHealArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[selfHealArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.SelfHeal(ctx, args.FullName, args.Ref, args.DeleteRemote)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_diagnose",
		Description: "Inspect a workspace for wrong branch, merge/rebase state, conflicts, or detached HEAD.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_diagnose"),
		InputSchema: registry.SchemaFor[diagnoseArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[diagnoseArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.Diagnose(ctx, args.FullName, args.Ref)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_apply_patch",
		Description: "Apply a unified diff to the workspace. Decorated patches (fences, escapes) are normalized first.",
		Tags:        []string{"workspace", "patch"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_apply_patch"),
		InputSchema: registry.SchemaFor[applyPatchArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[applyPatchArgs](raw)
			if err != nil {
				return nil, err
			}
			res, err := deps.Engine.ApplyPatch(ctx, args.FullName, args.Ref, args.Patch)
			if err != nil {
				return nil, err
			}
			logDiff("workspace_apply_patch", args.Patch)
			out, err := asMap(res)
			if err != nil {
				return nil, err
			}
			out["__log_diff"] = args.Patch
			return out, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "apply_workspace_operations",
		Description: "Run a batch of file operations (write, patch, move, line edits) with preview and rollback.",
		Tags:        []string{"workspace", "editor"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("apply_workspace_operations"),
		InputSchema: registry.SchemaFor[operationsArgs](),
		WriteResolver: func(raw map[string]any) bool {
			args, err := decodeArgs[operationsArgs](raw)
			if err != nil {
				return true
			}
			return !workspace.ReadOnlyOps(args.Ops, args.PreviewOnly)
		},
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[operationsArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.ApplyOperations(ctx, args.FullName, args.Ref, args.Ops, workspace.EditOptions{
				PreviewOnly:     args.PreviewOnly,
				FailFast:        args.FailFast,
				RollbackOnError: args.RollbackOnError,
				CreateParents:   args.CreateParents,
			})
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_run_command",
		Description: "Run a command inside the workspace with process-group kill semantics and bounded output.",
		Tags:        []string{"workspace", "exec"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_run_command"),
		InputSchema: registry.SchemaFor[runCommandArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[runCommandArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.RunCommand(ctx, args.FullName, args.Ref, args.Command, args.Args, workspace.RunOptions{
				Timeout: time.Duration(args.TimeoutSeconds) * time.Second,
				UseVenv: args.UseVenv,
				Env:     args.Env,
			})
		},
	})

	r.Register(&registry.Tool{
		Name:        "run_tests",
		Description: "Run pytest inside the workspace virtualenv.",
		Tags:        []string{"workspace", "exec"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("run_tests"),
		InputSchema: registry.SchemaFor[runTestsArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[runTestsArgs](raw)
			if err != nil {
				return nil, err
			}
			timeout := time.Duration(args.TimeoutSeconds) * time.Second
			return deps.Engine.RunTests(ctx, args.FullName, args.Ref, args.PytestArgs, timeout)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_prepare_venv",
		Description: "Create (or reuse) the workspace virtualenv and return its environment.",
		Tags:        []string{"workspace", "venv"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_prepare_venv"),
		InputSchema: registry.SchemaFor[venvArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[venvArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.PrepareVenv(ctx, args.FullName, args.Ref)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_stop_venv",
		Description: "Delete the workspace virtualenv.",
		Tags:        []string{"workspace", "venv"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_stop_venv"),
		InputSchema: registry.SchemaFor[venvArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[venvArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := deps.Engine.StopVenv(args.FullName, args.Ref); err != nil {
				return nil, err
			}
			return map[string]any{"stopped": true}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_venv_status",
		Description: "Report whether the workspace virtualenv exists and is ready.",
		Tags:        []string{"workspace", "venv"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_venv_status"),
		InputSchema: registry.SchemaFor[venvArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[venvArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Engine.VenvState(args.FullName, args.Ref), nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_read_file",
		Description: "Read a file (or a line range) from the cached workspace.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_read_file"),
		InputSchema: registry.SchemaFor[readFileArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[readFileArgs](raw)
			if err != nil {
				return nil, err
			}
			return readWorkspaceFile(deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_search",
		Description: "Search the workspace with git grep.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_search"),
		InputSchema: registry.SchemaFor[searchArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[searchArgs](raw)
			if err != nil {
				return nil, err
			}
			return searchWorkspace(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_list",
		Description: "List the cached workspace directories.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_list"),
		InputSchema: registry.SchemaFor[emptyArgs](),
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			dirs, err := deps.Engine.ListWorkspaces()
			if err != nil {
				return nil, err
			}
			return map[string]any{"workspaces": dirs, "count": len(dirs)}, nil
		},
	})

	r.Register(&registry.Tool{
		Name:        "workspace_remove",
		Description: "Delete the cached workspace for a repository ref.",
		Tags:        []string{"workspace"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("workspace_remove"),
		InputSchema: registry.SchemaFor[removeArgs](),
		Handler: func(_ context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[removeArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := deps.Engine.RemoveWorkspace(args.FullName, args.Ref); err != nil {
				return nil, err
			}
			return map[string]any{"removed": true}, nil
		},
	})
}

// RefreshOutcome is one workspace's result in a batch refresh.
type RefreshOutcome struct {
	FullName string `json:"full_name"`
	Ref      string `json:"ref"`
	Dir      string `json:"dir,omitempty"`
	Error    string `json:"error,omitempty"`
}

// refreshAllWorkspaces re-clones every keyed directory currently on disk,
// bounded by the configured concurrency. Per-workspace serialization still
// applies inside the engine, so two entries for the same key cannot race.
func refreshAllWorkspaces(ctx context.Context, deps *Deps, preserveChanges bool) (any, error) {
	dirs, err := deps.Engine.ListWorkspaces()
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var refreshed, failed []RefreshOutcome

	workers := deps.Cfg.MaxConcurrency
	if workers > 4 {
		workers = 4
	}
	p := pool.New().WithMaxGoroutines(workers)
	for _, dir := range dirs {
		fullName, ref, ok := keyFromDir(dir)
		if !ok {
			continue
		}
		p.Go(func() {
			outcome := RefreshOutcome{FullName: fullName, Ref: ref}
			resolved, err := deps.Engine.CloneRepo(ctx, fullName, ref, preserveChanges)
			if err != nil {
				outcome.Error = err.Error()
				mu.Lock()
				failed = append(failed, outcome)
				mu.Unlock()
				return
			}
			outcome.Dir = resolved
			mu.Lock()
			refreshed = append(refreshed, outcome)
			mu.Unlock()
		})
	}
	p.Wait()

	wsToolsLog.Printf("Batch refresh: %d ok, %d failed", len(refreshed), len(failed))
	return map[string]any{
		"refreshed": refreshed,
		"failed":    failed,
	}, nil
}

// keyFromDir recovers (full_name, ref) from a keyed workspace path. The
// keying scheme escapes "/" as "__" in both components.
func keyFromDir(dir string) (fullName, ref string, ok bool) {
	refKey := filepath.Base(dir)
	repoKey := filepath.Base(filepath.Dir(dir))
	if !strings.Contains(repoKey, "__") {
		return "", "", false
	}
	fullName = strings.Replace(repoKey, "__", "/", 1)
	ref = strings.ReplaceAll(refKey, "__", "/")
	return fullName, ref, true
}

func readWorkspaceFile(deps *Deps, args readFileArgs) (any, error) {
	dir := deps.Engine.Dir(args.FullName, args.Ref)
	path, err := workspace.SafeJoin(dir, args.Path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &brokererrors.NotFoundError{Path: args.Path}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", args.Path, err)
	}

	content := string(data)
	truncatedRange := false
	if args.StartLine > 0 {
		lines := strings.Split(content, "\n")
		start := args.StartLine
		end := args.EndLine
		if end <= 0 || end > len(lines) {
			end = len(lines)
		}
		if start > len(lines) {
			return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
				{Field: "start_line", Message: fmt.Sprintf("start_line %d is past the end of the file (%d lines)", start, len(lines))},
			}}
		}
		content = strings.Join(lines[start-1:end], "\n")
		truncatedRange = true
	}

	return map[string]any{
		"path":    args.Path,
		"content": content,
		"size":    len(data),
		"ranged":  truncatedRange,
	}, nil
}

func searchWorkspace(ctx context.Context, deps *Deps, args searchArgs) (any, error) {
	if strings.TrimSpace(args.Query) == "" {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "query", Message: "query must not be empty"},
		}}
	}
	maxResults := args.MaxResults
	if maxResults <= 0 {
		maxResults = 100
	}

	res, err := deps.Engine.RunCommand(ctx, args.FullName, args.Ref,
		"git", []string{"grep", "-n", "-E", "--", args.Query}, workspace.RunOptions{})
	if err != nil {
		return nil, err
	}
	// git grep exits 1 on no matches; anything above that is a real failure.
	if res.ExitCode > 1 {
		return nil, fmt.Errorf("git grep failed: %s", strings.TrimSpace(res.Stderr))
	}

	var matches []map[string]any
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line == "" {
			continue
		}
		if len(matches) >= maxResults {
			break
		}
		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			continue
		}
		matches = append(matches, map[string]any{
			"path": parts[0],
			"line": parts[1],
			"text": parts[2],
		})
	}
	return map[string]any{
		"matches":   matches,
		"count":     len(matches),
		"truncated": res.StdoutTruncated || len(matches) >= maxResults,
	}, nil
}
