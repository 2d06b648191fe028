package workspace

import (
	"strings"

	"github.com/aymanbagabas/go-udiff"
)

// DiffStats summarizes a unified diff.
type DiffStats struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
}

// BuildUnifiedDiff produces a unified diff between two file contents.
// Applying the result to original yields patched, up to line terminator
// normalization.
func BuildUnifiedDiff(path, original, patched string) string {
	return udiff.Unified("a/"+path, "b/"+path, original, patched)
}

// CountDiffLines tallies added and removed lines, skipping the file headers.
func CountDiffLines(diff string) DiffStats {
	var stats DiffStats
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			stats.Added++
		case strings.HasPrefix(line, "-"):
			stats.Removed++
		}
	}
	return stats
}

// TruncateDiff caps a diff for log side channels, keeping whole lines.
func TruncateDiff(diff string, maxLines int) (string, bool) {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	if len(lines) <= maxLines {
		return diff, false
	}
	return strings.Join(lines[:maxLines], "\n") + "\n", true
}
