package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/ghclient"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/adaptiv/gh-broker/pkg/workspace"
	gogithub "github.com/google/go-github/v79/github"
	"github.com/shurcooL/githubv4"
)

var ghToolsLog = logger.New("tools:github")

type getContentsArgs struct {
	FullName string `json:"full_name"`
	Path     string `json:"path"`
	Ref      string `json:"ref,omitempty"`
}

type excerptArgs struct {
	FullName      string `json:"full_name"`
	Path          string `json:"path"`
	Ref           string `json:"ref,omitempty"`
	StartByte     *int64 `json:"start_byte,omitempty" jsonschema:"first byte of the window; exclusive with tail_bytes"`
	TailBytes     *int64 `json:"tail_bytes,omitempty" jsonschema:"read the last N bytes; exclusive with start_byte"`
	MaxBytes      int64  `json:"max_bytes,omitempty"`
	AsText        bool   `json:"as_text,omitempty"`
	MaxTextChars  int    `json:"max_text_chars,omitempty"`
	NumberedLines bool   `json:"numbered_lines,omitempty"`
}

type patchCommitArgs struct {
	FullName string `json:"full_name"`
	Path     string `json:"path"`
	Patch    string `json:"patch"`
	Branch   string `json:"branch"`
	Message  string `json:"message,omitempty" jsonschema:"commit message; defaults to Create/Update <path> via patch"`
}

type commitFileArgs struct {
	FullName   string `json:"full_name"`
	Branch     string `json:"branch"`
	Path       string `json:"path"`
	Message    string `json:"message"`
	Content    string `json:"content,omitempty" jsonschema:"inline file body; exclusive with content_url"`
	ContentURL string `json:"content_url,omitempty" jsonschema:"github:owner/repo:path[@ref], sandbox:<path>, local path, or http(s) URL"`
	SHA        string `json:"sha,omitempty" jsonschema:"blob SHA of the file being replaced; resolved automatically when empty"`
}

type createPRArgs struct {
	FullName string `json:"full_name"`
	Title    string `json:"title"`
	Head     string `json:"head"`
	Base     string `json:"base"`
	Body     string `json:"body,omitempty"`
	Draft    bool   `json:"draft,omitempty"`
}

type issueCommentArgs struct {
	FullName string `json:"full_name"`
	Number   int    `json:"number"`
	Body     string `json:"body"`
}

type getPRArgs struct {
	FullName string `json:"full_name"`
	Number   int    `json:"number"`
}

type listPRArgs struct {
	FullName string `json:"full_name"`
	State    string `json:"state,omitempty" jsonschema:"open, closed, or all"`
	Limit    int    `json:"limit,omitempty"`
}

type searchCodeArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type graphqlArgs struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

func registerGitHubTools(r *registry.Registry, deps *Deps, perms *permissionCache) {
	r.Register(&registry.Tool{
		Name:        "get_file_contents",
		Description: "Fetch a file through the Contents API. Large files are redirected to get_file_excerpt.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("get_file_contents"),
		InputSchema: registry.SchemaFor[getContentsArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[getContentsArgs](raw)
			if err != nil {
				return nil, err
			}
			ref := deps.Cfg.EffectiveRef(args.FullName, args.Ref)
			return deps.Pool.DecodeContent(ctx, args.FullName, args.Path, ref)
		},
	})

	r.Register(&registry.Tool{
		Name:        "get_file_excerpt",
		Description: "Stream a byte range of a file via the raw content endpoint, for files too large to inline.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("get_file_excerpt"),
		InputSchema: registry.SchemaFor[excerptArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[excerptArgs](raw)
			if err != nil {
				return nil, err
			}
			return deps.Pool.GetFileExcerpt(ctx, ghclient.ExcerptRequest{
				FullName:      args.FullName,
				Path:          args.Path,
				Ref:           deps.Cfg.EffectiveRef(args.FullName, args.Ref),
				StartByte:     args.StartByte,
				TailBytes:     args.TailBytes,
				MaxBytes:      args.MaxBytes,
				AsText:        args.AsText,
				MaxTextChars:  args.MaxTextChars,
				NumberedLines: args.NumberedLines,
			})
		},
	})

	r.Register(&registry.Tool{
		Name:        "apply_patch_and_commit",
		Description: "Apply a unified diff to one file via the Contents API and commit the result to a branch.",
		Tags:        []string{"github", "patch"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("apply_patch_and_commit"),
		InputSchema: registry.SchemaFor[patchCommitArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[patchCommitArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := perms.ensureActorCanWrite(ctx, args.FullName); err != nil {
				return nil, err
			}
			return applyPatchAndCommit(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "create_or_update_file",
		Description: "Create or replace a file on a branch via the Contents API.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("create_or_update_file"),
		InputSchema: registry.SchemaFor[commitFileArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[commitFileArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := perms.ensureActorCanWrite(ctx, args.FullName); err != nil {
				return nil, err
			}
			return commitFile(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "create_pull_request",
		Description: "Open a pull request.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("create_pull_request"),
		InputSchema: registry.SchemaFor[createPRArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[createPRArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := perms.ensureActorCanWrite(ctx, args.FullName); err != nil {
				return nil, err
			}
			return createPullRequest(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "create_issue_comment",
		Description: "Comment on an issue or pull request.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("create_issue_comment"),
		InputSchema: registry.SchemaFor[issueCommentArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[issueCommentArgs](raw)
			if err != nil {
				return nil, err
			}
			if err := perms.ensureActorCanWrite(ctx, args.FullName); err != nil {
				return nil, err
			}
			return createIssueComment(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "get_pull_request",
		Description: "Fetch one pull request via GraphQL.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("get_pull_request"),
		InputSchema: registry.SchemaFor[getPRArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[getPRArgs](raw)
			if err != nil {
				return nil, err
			}
			return getPullRequest(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "list_pull_requests",
		Description: "List pull requests for a repository.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("list_pull_requests"),
		InputSchema: registry.SchemaFor[listPRArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[listPRArgs](raw)
			if err != nil {
				return nil, err
			}
			return listPullRequests(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "search_code",
		Description: "Search code across GitHub.",
		Tags:        []string{"github", "search"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("search_code"),
		InputSchema: registry.SchemaFor[searchCodeArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[searchCodeArgs](raw)
			if err != nil {
				return nil, err
			}
			return searchCode(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "search_issues",
		Description: "Search issues and pull requests across GitHub.",
		Tags:        []string{"github", "search"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("search_issues"),
		InputSchema: registry.SchemaFor[searchCodeArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[searchCodeArgs](raw)
			if err != nil {
				return nil, err
			}
			return searchIssues(ctx, deps, args)
		},
	})

	r.Register(&registry.Tool{
		Name:        "graphql_query",
		Description: "Run a raw GraphQL query against the GitHub API.",
		Tags:        []string{"github"},
		Visibility:  constants.VisibilityPublic,
		SideEffect:  registry.SideEffectFor("graphql_query"),
		InputSchema: registry.SchemaFor[graphqlArgs](),
		Handler: func(ctx context.Context, raw map[string]any) (any, error) {
			args, err := decodeArgs[graphqlArgs](raw)
			if err != nil {
				return nil, err
			}
			if strings.TrimSpace(args.Query) == "" {
				return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
					{Field: "query", Message: "query must not be empty"},
				}}
			}
			resp, err := deps.Pool.APIJSON(ctx, "POST", "/graphql", map[string]any{
				"query":     args.Query,
				"variables": args.Variables,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"data": resp.JSON, "status_code": resp.StatusCode}, nil
		},
	})
}

func splitRepo(fullName string) (owner, repo string, err error) {
	parts := strings.SplitN(fullName, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "full_name", Message: fmt.Sprintf("%q is not in owner/repo form", fullName)},
		}}
	}
	return parts[0], parts[1], nil
}

// applyPatchAndCommit fetches the file, applies the patch in memory, commits
// the result, and re-reads the branch to verify what landed.
func applyPatchAndCommit(ctx context.Context, deps *Deps, args patchCommitArgs) (any, error) {
	branch := deps.Cfg.EffectiveRef(args.FullName, args.Branch)

	var original string
	var shaBefore string
	creating := false

	current, err := deps.Pool.DecodeContent(ctx, args.FullName, args.Path, branch)
	switch {
	case err == nil:
		if current.LargeFile {
			return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
				{Field: "path", Message: fmt.Sprintf("%s is too large to patch through the Contents API", args.Path)},
			}}
		}
		original = string(current.Content)
		shaBefore = current.SHA
	case isNotFound(err):
		creating = true
	default:
		return nil, err
	}

	patched, err := workspace.ApplyPatchToContent(args.Path, original, args.Patch)
	if err != nil {
		return nil, err
	}
	logDiff("apply_patch_and_commit", args.Patch)

	message := args.Message
	if message == "" {
		verb := "Update"
		if creating {
			verb = "Create"
		}
		message = fmt.Sprintf("%s %s via patch", verb, args.Path)
	}

	commit, err := deps.Pool.PerformCommit(ctx, args.FullName, branch, args.Path, message, []byte(patched), shaBefore)
	if err != nil {
		return nil, err
	}

	verification := map[string]any{
		"sha_before": nullableSHA(shaBefore),
		"sha_after":  commit.SHA,
	}
	if verified, err := deps.Pool.VerifyFileOnBranch(ctx, args.FullName, branch, args.Path); err == nil {
		verification["content_matches"] = verified.LargeFile || string(verified.Content) == patched
	} else {
		ghToolsLog.Printf("Post-commit verification failed for %s: %v", args.Path, err)
		verification["content_matches"] = false
		verification["verify_error"] = err.Error()
	}

	return map[string]any{
		"status":       "committed",
		"path":         args.Path,
		"branch":       branch,
		"commit":       commit,
		"verification": verification,
		"__log_diff":   args.Patch,
	}, nil
}

func nullableSHA(sha string) any {
	if sha == "" {
		return nil
	}
	return sha
}

func isNotFound(err error) bool {
	var nferr *brokererrors.NotFoundError
	return errors.As(err, &nferr)
}

func commitFile(ctx context.Context, deps *Deps, args commitFileArgs) (any, error) {
	if (args.Content == "") == (args.ContentURL == "") {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "content", Message: "exactly one of content and content_url is required"},
		}}
	}

	body := []byte(args.Content)
	if args.ContentURL != "" {
		loaded, err := deps.Pool.LoadBodyFromContentURL(ctx, args.ContentURL)
		if err != nil {
			return nil, err
		}
		body = loaded
	}

	branch := deps.Cfg.EffectiveRef(args.FullName, args.Branch)
	sha := args.SHA
	if sha == "" {
		resolved, err := deps.Pool.ResolveFileSHA(ctx, args.FullName, args.Path, branch)
		if err != nil {
			return nil, err
		}
		sha = resolved
	}
	return deps.Pool.PerformCommit(ctx, args.FullName, branch, args.Path, args.Message, body, sha)
}

func createPullRequest(ctx context.Context, deps *Deps, args createPRArgs) (any, error) {
	owner, repo, err := splitRepo(args.FullName)
	if err != nil {
		return nil, err
	}
	client, err := deps.Pool.REST()
	if err != nil {
		return nil, err
	}
	pr, resp, err := client.PullRequests.Create(ctx, owner, repo, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(args.Title),
		Head:  gogithub.Ptr(args.Head),
		Base:  gogithub.Ptr(args.Base),
		Body:  gogithub.Ptr(args.Body),
		Draft: gogithub.Ptr(args.Draft),
	})
	if err != nil {
		return nil, deps.Pool.TranslateRESTError(err, resp, args.FullName)
	}
	return map[string]any{
		"number":   pr.GetNumber(),
		"html_url": pr.GetHTMLURL(),
		"state":    pr.GetState(),
		"draft":    pr.GetDraft(),
	}, nil
}

func createIssueComment(ctx context.Context, deps *Deps, args issueCommentArgs) (any, error) {
	owner, repo, err := splitRepo(args.FullName)
	if err != nil {
		return nil, err
	}
	client, err := deps.Pool.REST()
	if err != nil {
		return nil, err
	}
	comment, resp, err := client.Issues.CreateComment(ctx, owner, repo, args.Number,
		&gogithub.IssueComment{Body: gogithub.Ptr(args.Body)})
	if err != nil {
		return nil, deps.Pool.TranslateRESTError(err, resp, args.FullName)
	}
	return map[string]any{
		"id":       comment.GetID(),
		"html_url": comment.GetHTMLURL(),
	}, nil
}

func getPullRequest(ctx context.Context, deps *Deps, args getPRArgs) (any, error) {
	owner, repo, err := splitRepo(args.FullName)
	if err != nil {
		return nil, err
	}

	var query struct {
		Repository struct {
			PullRequest struct {
				Number      githubv4.Int
				Title       githubv4.String
				State       githubv4.PullRequestState
				URL         githubv4.URI
				IsDraft     githubv4.Boolean
				BaseRefName githubv4.String
				HeadRefName githubv4.String
				Author      struct {
					Login githubv4.String
				}
				Body githubv4.String
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	variables := map[string]any{
		"owner":  githubv4.String(owner),
		"name":   githubv4.String(repo),
		"number": githubv4.Int(args.Number),
	}
	if err := deps.Pool.GraphQL().Query(ctx, &query, variables); err != nil {
		return nil, fmt.Errorf("graphql pull request query failed: %w", err)
	}

	pr := query.Repository.PullRequest
	return map[string]any{
		"number":   int(pr.Number),
		"title":    string(pr.Title),
		"state":    string(pr.State),
		"url":      pr.URL.String(),
		"draft":    bool(pr.IsDraft),
		"base_ref": string(pr.BaseRefName),
		"head_ref": string(pr.HeadRefName),
		"author":   string(pr.Author.Login),
		"body":     string(pr.Body),
	}, nil
}

func listPullRequests(ctx context.Context, deps *Deps, args listPRArgs) (any, error) {
	owner, repo, err := splitRepo(args.FullName)
	if err != nil {
		return nil, err
	}
	client, err := deps.Pool.REST()
	if err != nil {
		return nil, err
	}

	state := args.State
	if state == "" {
		state = "open"
	}
	limit := args.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	prs, resp, err := client.PullRequests.List(ctx, owner, repo, &gogithub.PullRequestListOptions{
		State:       state,
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, deps.Pool.TranslateRESTError(err, resp, args.FullName)
	}

	out := make([]map[string]any, 0, len(prs))
	for _, pr := range prs {
		out = append(out, map[string]any{
			"number":   pr.GetNumber(),
			"title":    pr.GetTitle(),
			"state":    pr.GetState(),
			"html_url": pr.GetHTMLURL(),
			"head":     pr.GetHead().GetRef(),
			"base":     pr.GetBase().GetRef(),
		})
	}
	return map[string]any{"pull_requests": out, "count": len(out)}, nil
}

func searchCode(ctx context.Context, deps *Deps, args searchCodeArgs) (any, error) {
	client, err := deps.Pool.REST()
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	result, resp, err := client.Search.Code(ctx, args.Query, &gogithub.SearchOptions{
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, deps.Pool.TranslateRESTError(err, resp, "")
	}

	items := make([]map[string]any, 0, len(result.CodeResults))
	for _, item := range result.CodeResults {
		items = append(items, map[string]any{
			"repository": item.GetRepository().GetFullName(),
			"path":       item.GetPath(),
			"html_url":   item.GetHTMLURL(),
		})
	}
	return map[string]any{"total": result.GetTotal(), "items": items}, nil
}

func searchIssues(ctx context.Context, deps *Deps, args searchCodeArgs) (any, error) {
	client, err := deps.Pool.REST()
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit <= 0 || limit > 100 {
		limit = 30
	}
	result, resp, err := client.Search.Issues(ctx, args.Query, &gogithub.SearchOptions{
		ListOptions: gogithub.ListOptions{PerPage: limit},
	})
	if err != nil {
		return nil, deps.Pool.TranslateRESTError(err, resp, "")
	}

	items := make([]map[string]any, 0, len(result.Issues))
	for _, issue := range result.Issues {
		items = append(items, map[string]any{
			"number":   issue.GetNumber(),
			"title":    issue.GetTitle(),
			"state":    issue.GetState(),
			"html_url": issue.GetHTMLURL(),
			"is_pr":    issue.IsPullRequest(),
		})
	}
	return map[string]any{"total": result.GetTotal(), "items": items}, nil
}
