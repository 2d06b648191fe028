package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var rangelessLog = logger.New("workspace:rangeless")

// rangelessFile is one per-file block of a rangeless diff.
type rangelessFile struct {
	Path   string
	MoveTo string
	Create bool
	Delete bool
	Hunks  []rangelessHunk
}

// rangelessHunk is an ordered run of context/delete/add lines with no
// position information; application locates it by its context anchor.
type rangelessHunk struct {
	Lines []hunkLine
}

type hunkLine struct {
	Kind byte // ' ', '-', '+'
	Text string
}

// applyRangeless parses and applies a rangeless diff against dir.
func applyRangeless(dir, patch string) (*PatchResult, error) {
	files, err := parseRangeless(patch)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, &brokererrors.PatchError{
			Code:    brokererrors.CodePatchMalformed,
			Message: "rangeless patch contains no file blocks",
		}
	}

	result := &PatchResult{Strategy: "rangeless"}
	for _, file := range files {
		if err := applyRangelessFile(dir, file); err != nil {
			return nil, err
		}
		result.Files = append(result.Files, file.Path)
		if file.MoveTo != "" {
			result.Files = append(result.Files, file.MoveTo)
		}
	}
	rangelessLog.Printf("Applied rangeless patch to %d file(s)", len(files))
	return result, nil
}

// parseRangeless splits the patch into diff --git blocks and their hunks.
func parseRangeless(patch string) ([]*rangelessFile, error) {
	var files []*rangelessFile
	var current *rangelessFile
	var hunk *rangelessHunk

	flushHunk := func() {
		if hunk != nil && len(hunk.Lines) > 0 && current != nil {
			current.Hunks = append(current.Hunks, *hunk)
		}
		hunk = nil
	}

	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")
	for i, line := range lines {
		if rest, ok := strings.CutPrefix(line, "diff --git "); ok {
			flushHunk()
			file, err := parseFileHeader(rest)
			if err != nil {
				return nil, err
			}
			files = append(files, file)
			current = file
			continue
		}

		switch {
		case strings.HasPrefix(line, "--- "), strings.HasPrefix(line, "+++ "):
			marker := strings.TrimSpace(line[4:])
			if current != nil && marker == "/dev/null" {
				if strings.HasPrefix(line, "--- ") {
					current.Create = true
				} else {
					current.Delete = true
				}
			}
		case strings.HasPrefix(line, "@@"):
			flushHunk()
			if current == nil {
				return nil, &brokererrors.PatchError{
					Code:    brokererrors.CodePatchMalformed,
					Message: fmt.Sprintf("hunk header at line %d appears before any diff --git header", i+1),
				}
			}
			hunk = &rangelessHunk{}
		default:
			if hunk == nil {
				continue // inter-block noise (index lines, mode lines)
			}
			if line == "" {
				return nil, &brokererrors.PatchError{
					Code:    brokererrors.CodePatchMalformed,
					File:    current.Path,
					Hunk:    len(current.Hunks) + 1,
					Message: fmt.Sprintf("blank line without ' ', '-' or '+' prefix at line %d", i+1),
				}
			}
			kind := line[0]
			if kind != ' ' && kind != '-' && kind != '+' {
				return nil, &brokererrors.PatchError{
					Code:    brokererrors.CodePatchMalformed,
					File:    current.Path,
					Hunk:    len(current.Hunks) + 1,
					Message: fmt.Sprintf("unexpected hunk line prefix %q at line %d", string(kind), i+1),
				}
			}
			hunk.Lines = append(hunk.Lines, hunkLine{Kind: kind, Text: line[1:]})
		}
	}
	flushHunk()
	return files, nil
}

func parseFileHeader(rest string) (*rangelessFile, error) {
	parts := strings.Fields(rest)
	if len(parts) != 2 {
		return nil, &brokererrors.PatchError{
			Code:    brokererrors.CodePatchMalformed,
			Message: fmt.Sprintf("malformed diff --git header: %q", rest),
		}
	}
	a := strings.TrimPrefix(parts[0], "a/")
	b := strings.TrimPrefix(parts[1], "b/")

	file := &rangelessFile{Path: a}
	if a == "/dev/null" {
		file.Path = b
		file.Create = true
	} else if b == "/dev/null" {
		file.Delete = true
	} else if a != b {
		file.MoveTo = b
	}
	return file, nil
}

func applyRangelessFile(dir string, file *rangelessFile) error {
	path, err := SafeJoin(dir, file.Path)
	if err != nil {
		return err
	}

	var content string
	if !file.Create {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return &brokererrors.NotFoundError{Path: file.Path}
			}
			return fmt.Errorf("failed to read %s: %w", file.Path, err)
		}
		content = string(data)
	}

	if file.Delete && len(file.Hunks) == 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to delete %s: %w", file.Path, err)
		}
		return nil
	}

	for i, hunk := range file.Hunks {
		content, err = applyHunk(content, hunk)
		if err != nil {
			var perr *brokererrors.PatchError
			if pe, ok := err.(*brokererrors.PatchError); ok {
				perr = pe
			} else {
				perr = &brokererrors.PatchError{Code: brokererrors.CodePatchDoesNotApply, Message: err.Error()}
			}
			perr.File = file.Path
			perr.Hunk = i + 1
			return perr
		}
	}

	target := path
	if file.MoveTo != "" {
		target, err = SafeJoin(dir, file.MoveTo)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create parent for %s: %w", file.Path, err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file.Path, err)
	}
	if file.MoveTo != "" && target != path {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove moved file %s: %w", file.Path, err)
		}
	}
	return nil
}

// applyHunk locates the hunk's anchor (its context plus delete lines, in
// order) in content and rewrites that span. First match wins on ambiguity.
func applyHunk(content string, hunk rangelessHunk) (string, error) {
	var anchor, replacement []string
	for _, line := range hunk.Lines {
		switch line.Kind {
		case ' ':
			anchor = append(anchor, line.Text)
			replacement = append(replacement, line.Text)
		case '-':
			anchor = append(anchor, line.Text)
		case '+':
			replacement = append(replacement, line.Text)
		}
	}

	if len(anchor) == 0 {
		// Pure insertion with no context: valid only for empty or new files.
		if strings.TrimSpace(content) != "" {
			return "", &brokererrors.PatchError{
				Code:    brokererrors.CodePatchDoesNotApply,
				Message: "hunk has no context or deletions to anchor against non-empty file",
			}
		}
		return strings.Join(replacement, "\n") + "\n", nil
	}

	hadTrailingNewline := strings.HasSuffix(content, "\n")
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")

	at := findAnchor(lines, anchor)
	if at < 0 {
		return "", &brokererrors.PatchError{
			Code:    brokererrors.CodePatchDoesNotApply,
			Message: fmt.Sprintf("context anchor not found (first anchor line: %q)", anchor[0]),
		}
	}

	out := make([]string, 0, len(lines)-len(anchor)+len(replacement))
	out = append(out, lines[:at]...)
	out = append(out, replacement...)
	out = append(out, lines[at+len(anchor):]...)

	joined := strings.Join(out, "\n")
	if hadTrailingNewline {
		joined += "\n"
	}
	return joined, nil
}

func findAnchor(lines, anchor []string) int {
	for i := 0; i+len(anchor) <= len(lines); i++ {
		match := true
		for j := range anchor {
			if lines[i+j] != anchor[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
