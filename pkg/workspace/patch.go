package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var patchLog = logger.New("workspace:patch")

// rangedHunkPattern matches a well-formed unified hunk header. Patches
// without any such header fall through to the rangeless applier.
var rangedHunkPattern = regexp.MustCompile(`(?m)^@@ -\d+(,\d+)? \+\d+(,\d+)? @@`)

// PatchResult reports what ApplyPatch changed.
type PatchResult struct {
	Strategy string   `json:"strategy"`
	Files    []string `json:"files"`
}

// ApplyPatch applies a unified diff to the workspace for (fullName, ref).
//
// LLM-produced patches arrive decorated: wrapped in code fences, prefixed
// with prose, or with literal "\n" escapes instead of newlines. The patch is
// normalized first, then routed: ranged hunk headers go through git apply,
// bare "@@" hunks go through the context-anchored rangeless applier.
func (e *Engine) ApplyPatch(ctx context.Context, fullName, ref, patch string) (*PatchResult, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	if !hasGitDir(dir) {
		return nil, &brokererrors.NotFoundError{Path: dir}
	}
	return e.applyPatchLocked(ctx, dir, patch)
}

func (e *Engine) applyPatchLocked(ctx context.Context, dir, patch string) (*PatchResult, error) {
	cleaned := normalizePatch(patch)
	if strings.TrimSpace(cleaned) == "" {
		return nil, &brokererrors.PatchError{
			Code:    brokererrors.CodePatchEmpty,
			Message: "patch is empty after normalization",
		}
	}

	if rangedHunkPattern.MatchString(cleaned) {
		return e.applyWithGit(ctx, dir, cleaned)
	}
	if strings.Contains(cleaned, "@@") || strings.Contains(cleaned, "diff --git") {
		patchLog.Print("No ranged hunk headers, using rangeless applier")
		return applyRangeless(dir, cleaned)
	}
	return nil, &brokererrors.PatchError{
		Code:    brokererrors.CodePatchMalformed,
		Message: "input does not look like a unified diff (no hunk headers found)",
	}
}

func (e *Engine) applyWithGit(ctx context.Context, dir, patch string) (*PatchResult, error) {
	tmp, err := os.CreateTemp(dir, ".patch-")
	if err != nil {
		return nil, fmt.Errorf("failed to stage patch file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(patch); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write patch file: %w", err)
	}
	tmp.Close()

	res, err := e.runGit(ctx, dir, "apply", "--whitespace=nowarn", filepath.Base(tmp.Name()))
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		stderr := strings.TrimSpace(res.Stderr)
		code := brokererrors.CodePatchMalformed
		if strings.Contains(strings.ToLower(stderr), "does not apply") {
			code = brokererrors.CodePatchDoesNotApply
		}
		// The numbered preview lets callers point at the exact failing line
		// without re-deriving offsets from their own copy of the patch.
		return nil, &brokererrors.PatchError{
			Code:    code,
			Message: fmt.Sprintf("git apply failed: %s\npatch:\n%s", stderr, numberedPreview(patch)),
		}
	}

	return &PatchResult{Strategy: "git-apply", Files: patchFiles(patch)}, nil
}

// ApplyPatchToContent applies a unified diff to a single file's content held
// in memory, with no workspace involved. Callers that fetch content from the
// GitHub API use this to patch-and-commit without a local clone. Both hunk
// dialects are accepted; ranged headers are located by their context anchor
// the same way the editor's patch op does.
func ApplyPatchToContent(path, original, patch string) (string, error) {
	cleaned := normalizePatch(patch)
	if strings.TrimSpace(cleaned) == "" {
		return "", &brokererrors.PatchError{
			Code:    brokererrors.CodePatchEmpty,
			Message: "patch is empty after normalization",
		}
	}
	cleaned = ensureGitHeaders(path, cleaned)

	files, err := parseRangeless(cleaned)
	if err != nil {
		return "", err
	}

	var target *rangelessFile
	for _, f := range files {
		if f.Path == path || f.MoveTo == path {
			target = f
			break
		}
	}
	if target == nil && len(files) == 1 {
		target = files[0]
	}
	if target == nil {
		return "", &brokererrors.PatchError{
			Code:    brokererrors.CodePatchMalformed,
			File:    path,
			Message: fmt.Sprintf("patch does not touch %q", path),
		}
	}

	content := original
	for i, hunk := range target.Hunks {
		content, err = applyHunk(content, hunk)
		if err != nil {
			if perr, ok := err.(*brokererrors.PatchError); ok {
				perr.File = target.Path
				perr.Hunk = i + 1
				return "", perr
			}
			return "", err
		}
	}
	return content, nil
}

// ensureGitHeaders makes a headerless or ---/+++-only patch parseable by the
// rangeless parser, which keys file blocks off diff --git lines.
func ensureGitHeaders(path, patch string) string {
	if strings.Contains(patch, "diff --git") {
		return patch
	}
	if !strings.Contains(patch, "--- ") {
		return "diff --git a/" + path + " b/" + path + "\n" + patch
	}
	lines := strings.Split(patch, "\n")
	out := make([]string, 0, len(lines)+1)
	for i, line := range lines {
		if strings.HasPrefix(line, "--- ") && i+1 < len(lines) && strings.HasPrefix(lines[i+1], "+++ ") {
			a := strings.TrimSpace(line[4:])
			b := strings.TrimSpace(lines[i+1][4:])
			out = append(out, "diff --git "+a+" "+b)
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

// normalizePatch strips fence/prose decoration and unescapes "\n" diffs.
func normalizePatch(patch string) string {
	patch = strings.ReplaceAll(patch, "\r\n", "\n")

	// A diff with literal two-character "\n" sequences and no real newlines
	// was escaped by the caller's serializer.
	if !strings.Contains(patch, "\n") && strings.Contains(patch, `\n`) {
		patch = strings.ReplaceAll(patch, `\n`, "\n")
		patch = strings.ReplaceAll(patch, `\t`, "\t")
	}

	lines := strings.Split(patch, "\n")

	// Drop everything before the first diff marker: code fences, prose,
	// blank lines.
	start := 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "diff --git") ||
			strings.HasPrefix(trimmed, "--- ") ||
			strings.HasPrefix(trimmed, "@@") {
			start = i
			break
		}
	}
	lines = lines[start:]

	// Drop trailing fences and clearly decorative stray braces.
	end := len(lines)
	for end > 0 {
		trimmed := strings.TrimSpace(lines[end-1])
		if trimmed == "" || strings.HasPrefix(trimmed, "```") || trimmed == "}" || trimmed == "{" {
			end--
			continue
		}
		break
	}
	return strings.Join(lines[:end], "\n") + "\n"
}

// numberedPreview renders the patch with 1-based line numbers, capped so the
// error envelope stays readable.
func numberedPreview(patch string) string {
	const maxLines = 80
	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")
	var sb strings.Builder
	for i, line := range lines {
		if i >= maxLines {
			fmt.Fprintf(&sb, "... (%d more lines)\n", len(lines)-maxLines)
			break
		}
		fmt.Fprintf(&sb, "%4d | %s\n", i+1, line)
	}
	return sb.String()
}

// patchFiles extracts the touched paths from diff --git / +++ headers.
func patchFiles(patch string) []string {
	seen := make(map[string]bool)
	var files []string
	add := func(path string) {
		path = strings.TrimPrefix(path, "a/")
		path = strings.TrimPrefix(path, "b/")
		if path == "" || path == "/dev/null" || seen[path] {
			return
		}
		seen[path] = true
		files = append(files, path)
	}
	for _, line := range strings.Split(patch, "\n") {
		if rest, ok := strings.CutPrefix(line, "diff --git "); ok {
			parts := strings.Fields(rest)
			for _, p := range parts {
				add(p)
			}
		} else if rest, ok := strings.CutPrefix(line, "+++ "); ok {
			add(strings.TrimSpace(rest))
		}
	}
	return files
}
