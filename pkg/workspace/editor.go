package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var editorLog = logger.New("workspace:editor")

// Operation is one editor step. Op selects the action; the remaining fields
// are its operands. "operation" is accepted as an alias for "op", and
// rm/mv/mkdirp as aliases for delete/move/mkdir.
type Operation struct {
	Op             string `json:"op,omitempty"`
	OperationAlias string `json:"operation,omitempty"`

	Path    string `json:"path,omitempty"`
	Src     string `json:"src,omitempty"`
	Dst     string `json:"dst,omitempty"`
	Content string `json:"content,omitempty"`

	Old   string `json:"old,omitempty"`
	New   string `json:"new,omitempty"`
	Count int    `json:"count,omitempty"`

	StartLine int    `json:"start_line,omitempty"`
	EndLine   int    `json:"end_line,omitempty"`
	Line      int    `json:"line,omitempty"`
	Word      string `json:"word,omitempty"`
	StartCol  int    `json:"start_col,omitempty"`
	EndCol    int    `json:"end_col,omitempty"`

	Patch string `json:"patch,omitempty"`

	Sections []Section `json:"sections,omitempty"`
}

// Section is a 1-based inclusive line range for read_sections.
type Section struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// OpResult records the outcome of one operation.
type OpResult struct {
	Op       string   `json:"op"`
	Path     string   `json:"path,omitempty"`
	Status   string   `json:"status"` // ok | error | noop
	Message  string   `json:"message,omitempty"`
	Sections []string `json:"sections,omitempty"`
	Replaced int      `json:"replaced,omitempty"`
}

// EditOptions controls a batch run.
type EditOptions struct {
	PreviewOnly     bool
	FailFast        bool
	RollbackOnError bool
	CreateParents   bool
}

// EditResult is the outcome of ApplyOperations.
type EditResult struct {
	Results    []OpResult `json:"results"`
	Applied    int        `json:"applied"`
	Failed     int        `json:"failed"`
	RolledBack bool       `json:"rolled_back,omitempty"`
	Preview    bool       `json:"preview,omitempty"`
}

var opAliases = map[string]string{
	"rm":     "delete",
	"mv":     "move",
	"mkdirp": "mkdir",
}

// NormalizeOp resolves the op name aliases; normalization is idempotent.
func NormalizeOp(op Operation) Operation {
	if op.Op == "" && op.OperationAlias != "" {
		op.Op = op.OperationAlias
	}
	op.OperationAlias = ""
	op.Op = strings.ToLower(strings.TrimSpace(op.Op))
	if canonical, ok := opAliases[op.Op]; ok {
		op.Op = canonical
	}
	return op
}

// ReadOnlyOps reports whether the batch requires no write approval: either
// preview mode or every op is read_sections.
func ReadOnlyOps(ops []Operation, previewOnly bool) bool {
	if previewOnly {
		return true
	}
	for _, op := range ops {
		if NormalizeOp(op).Op != "read_sections" {
			return false
		}
	}
	return len(ops) > 0
}

// diskSnapshot remembers one file's pre-mutation state for rollback.
type diskSnapshot struct {
	key     string
	existed bool
	content []byte
	mode    fs.FileMode
}

// ApplyOperations runs an editor batch against the workspace for
// (fullName, ref).
//
// Every op is evaluated against a copy-on-write overlay. In preview mode the
// overlay is never flushed, so the filesystem is untouched no matter what
// the ops do. In a real run each successful op's changes flush to disk
// immediately (atomic per file), with the prior on-disk bytes snapshotted
// first; RollbackOnError replays those snapshots in reverse when a later op
// fails, leaving the tree bitwise identical to its pre-state.
func (e *Engine) ApplyOperations(ctx context.Context, fullName, ref string, ops []Operation, opts EditOptions) (*EditResult, error) {
	if err := ValidateFullName(fullName); err != nil {
		return nil, err
	}
	ref = e.cfg.EffectiveRef(fullName, ref)
	if err := ValidateRef(ref); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "ops", Message: "at least one operation is required"},
		}}
	}

	unlock := e.locks.Lock(LockKey(fullName, ref))
	defer unlock()

	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, ref)
	if !hasGitDir(dir) {
		return nil, &brokererrors.NotFoundError{Path: dir}
	}

	ov := newOverlay(dir)
	result := &EditResult{Preview: opts.PreviewOnly}
	var snapshots []diskSnapshot
	snapshotted := make(map[string]bool)

	editorLog.Printf("Applying %d operation(s) to %s@%s (preview=%v)", len(ops), fullName, ref, opts.PreviewOnly)

	failed := false
	for _, raw := range ops {
		op := NormalizeOp(raw)
		res := e.applyOp(ctx, ov, op, opts)

		if res.Status == "error" {
			failed = true
			result.Failed++
			result.Results = append(result.Results, res)
			if opts.FailFast || opts.RollbackOnError {
				break
			}
			continue
		}

		if res.Status == "ok" && !opts.PreviewOnly {
			touched := ov.touched()
			if err := captureSnapshots(dir, touched, snapshotted, &snapshots); err != nil {
				return nil, err
			}
			if err := ov.flush(touched, opts.CreateParents || op.Op == "mkdir"); err != nil {
				res.Status = "error"
				res.Message = err.Error()
				failed = true
				result.Failed++
				result.Results = append(result.Results, res)
				break
			}
		}
		if res.Status == "ok" {
			result.Applied++
		}
		result.Results = append(result.Results, res)
	}

	if failed && opts.RollbackOnError && !opts.PreviewOnly {
		if err := restoreSnapshots(dir, snapshots); err != nil {
			return nil, fmt.Errorf("rollback failed, workspace may be inconsistent: %w", err)
		}
		result.RolledBack = true
		editorLog.Printf("Rolled back %d file(s) after failed operation", len(snapshots))
	}

	return result, nil
}

func captureSnapshots(dir string, keys []string, seen map[string]bool, out *[]diskSnapshot) error {
	for _, key := range keys {
		if seen[key] {
			continue
		}
		seen[key] = true
		abs := filepath.Join(dir, filepath.FromSlash(key))
		snap := diskSnapshot{key: key}
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			data, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("failed to snapshot %s: %w", key, err)
			}
			snap.existed = true
			snap.content = data
			snap.mode = info.Mode().Perm()
		}
		*out = append(*out, snap)
	}
	return nil
}

func restoreSnapshots(dir string, snapshots []diskSnapshot) error {
	for i := len(snapshots) - 1; i >= 0; i-- {
		snap := snapshots[i]
		abs := filepath.Join(dir, filepath.FromSlash(snap.key))
		if !snap.existed {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		if err := atomicWriteFile(abs, snap.content, snap.mode); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) applyOp(ctx context.Context, ov *overlay, op Operation, opts EditOptions) OpResult {
	res := OpResult{Op: op.Op, Path: op.Path}
	fail := func(err error) OpResult {
		res.Status = "error"
		res.Message = err.Error()
		return res
	}

	switch op.Op {
	case "write":
		if err := ov.write(op.Path, []byte(op.Content), 0); err != nil {
			return fail(err)
		}

	case "replace_text":
		data, mode, err := ov.read(op.Path)
		if err != nil {
			return fail(err)
		}
		content := string(data)
		if !strings.Contains(content, op.Old) {
			return fail(&brokererrors.ConflictError{Message: fmt.Sprintf("text %q not found in %s", op.Old, op.Path)})
		}
		count := op.Count
		if count <= 0 {
			count = -1
		}
		replaced := strings.Count(content, op.Old)
		if count > 0 && replaced > count {
			replaced = count
		}
		if err := ov.write(op.Path, []byte(strings.Replace(content, op.Old, op.New, count)), mode); err != nil {
			return fail(err)
		}
		res.Replaced = replaced

	case "edit_range":
		if err := e.editLines(ov, op.Path, op.StartLine, op.EndLine, &op.Content); err != nil {
			return fail(err)
		}

	case "delete_lines":
		if err := e.editLines(ov, op.Path, op.StartLine, op.EndLine, nil); err != nil {
			return fail(err)
		}

	case "delete_word":
		if err := e.editLine(ov, op.Path, op.Line, func(line string) (string, error) {
			if !strings.Contains(line, op.Word) {
				return "", fmt.Errorf("word %q not found on line %d of %s", op.Word, op.Line, op.Path)
			}
			return strings.Replace(line, op.Word, "", 1), nil
		}); err != nil {
			return fail(err)
		}

	case "delete_chars":
		if err := e.editLine(ov, op.Path, op.Line, func(line string) (string, error) {
			start, end := op.StartCol, op.EndCol
			if start < 1 || end < start || end > len(line) {
				return "", fmt.Errorf("column range %d-%d out of bounds for line %d (%d chars)", start, end, op.Line, len(line))
			}
			return line[:start-1] + line[end:], nil
		}); err != nil {
			return fail(err)
		}

	case "delete":
		if !ov.exists(op.Path) {
			res.Status = "noop"
			res.Message = "path does not exist"
			return res
		}
		if err := ov.delete(op.Path); err != nil {
			return fail(err)
		}

	case "move":
		res.Path = op.Src
		if err := ov.rename(op.Src, op.Dst); err != nil {
			return fail(err)
		}

	case "mkdir":
		if ov.exists(op.Path) {
			res.Status = "noop"
			res.Message = "directory already exists"
			return res
		}
		if err := ov.mkdir(op.Path); err != nil {
			return fail(err)
		}

	case "apply_patch":
		if err := applyPatchToOverlay(ov, op.Patch); err != nil {
			return fail(err)
		}

	case "read_sections":
		sections, err := readSections(ov, op)
		if err != nil {
			return fail(err)
		}
		res.Sections = sections

	default:
		return fail(&brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "op", Message: fmt.Sprintf("unknown operation %q", op.Op)},
		}})
	}

	res.Status = "ok"
	return res
}

// editLines replaces the 1-based inclusive line range with newContent, or
// deletes the range when newContent is nil.
func (e *Engine) editLines(ov *overlay, path string, start, end int, newContent *string) error {
	data, mode, err := ov.read(path)
	if err != nil {
		return err
	}
	content := string(data)
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	if start < 1 || end < start || end > len(lines) {
		return &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "start_line", Message: fmt.Sprintf("range %d-%d out of bounds for %s (%d lines)", start, end, path, len(lines))},
		}}
	}

	var out []string
	out = append(out, lines[:start-1]...)
	if newContent != nil {
		out = append(out, strings.Split(strings.TrimSuffix(*newContent, "\n"), "\n")...)
	}
	out = append(out, lines[end:]...)

	joined := strings.Join(out, "\n")
	if hadTrailingNewline && joined != "" {
		joined += "\n"
	}
	return ov.write(path, []byte(joined), mode)
}

// editLine applies fn to one 1-based line.
func (e *Engine) editLine(ov *overlay, path string, lineNo int, fn func(string) (string, error)) error {
	data, mode, err := ov.read(path)
	if err != nil {
		return err
	}
	content := string(data)
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	if lineNo < 1 || lineNo > len(lines) {
		return &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "line", Message: fmt.Sprintf("line %d out of bounds for %s (%d lines)", lineNo, path, len(lines))},
		}}
	}

	edited, err := fn(lines[lineNo-1])
	if err != nil {
		return err
	}
	lines[lineNo-1] = edited

	joined := strings.Join(lines, "\n")
	if hadTrailingNewline {
		joined += "\n"
	}
	return ov.write(path, []byte(joined), mode)
}

// applyPatchToOverlay applies a unified diff entirely in memory. Both
// dialects route through the context-anchored applier here: git apply cannot
// target an overlay, and the anchor algorithm accepts ranged hunks by simply
// ignoring their ranges.
func applyPatchToOverlay(ov *overlay, patch string) error {
	cleaned := normalizePatch(patch)
	if strings.TrimSpace(cleaned) == "" {
		return &brokererrors.PatchError{
			Code:    brokererrors.CodePatchEmpty,
			Message: "patch is empty after normalization",
		}
	}
	files, err := parseRangeless(cleaned)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &brokererrors.PatchError{
			Code:    brokererrors.CodePatchMalformed,
			Message: "patch contains no file blocks",
		}
	}

	for _, file := range files {
		if err := applyRangelessFileToOverlay(ov, file); err != nil {
			return err
		}
	}
	return nil
}

func applyRangelessFileToOverlay(ov *overlay, file *rangelessFile) error {
	var content string
	if !file.Create {
		data, _, err := ov.read(file.Path)
		if err != nil {
			return err
		}
		content = string(data)
	}

	if file.Delete && len(file.Hunks) == 0 {
		return ov.delete(file.Path)
	}

	var err error
	for i, hunk := range file.Hunks {
		content, err = applyHunk(content, hunk)
		if err != nil {
			if perr, ok := err.(*brokererrors.PatchError); ok {
				perr.File = file.Path
				perr.Hunk = i + 1
				return perr
			}
			return err
		}
	}

	target := file.Path
	if file.MoveTo != "" {
		target = file.MoveTo
	}
	if err := ov.write(target, []byte(content), 0); err != nil {
		return err
	}
	if file.MoveTo != "" && file.MoveTo != file.Path {
		return ov.delete(file.Path)
	}
	return nil
}

func readSections(ov *overlay, op Operation) ([]string, error) {
	data, _, err := ov.read(op.Path)
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")

	sections := op.Sections
	if len(sections) == 0 {
		start, end := op.StartLine, op.EndLine
		if start == 0 {
			start = 1
		}
		if end == 0 {
			end = len(lines)
		}
		sections = []Section{{StartLine: start, EndLine: end}}
	}

	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if s.StartLine < 1 || s.EndLine < s.StartLine || s.StartLine > len(lines) {
			return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
				{Field: "sections", Message: fmt.Sprintf("range %d-%d out of bounds for %s (%d lines)", s.StartLine, s.EndLine, op.Path, len(lines))},
			}}
		}
		end := s.EndLine
		if end > len(lines) {
			end = len(lines)
		}
		out = append(out, strings.Join(lines[s.StartLine-1:end], "\n"))
	}
	return out, nil
}
