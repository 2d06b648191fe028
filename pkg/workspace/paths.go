package workspace

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var pathsLog = logger.New("workspace:paths")

// refTokenPattern is the conservative shape accepted for branch names passed
// to write operations.
var refTokenPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]{0,199}$`)

// NormalizeRef maps degenerate ref spellings to the default branch. Empty,
// whitespace, ".", "./" and "/" all normalize to "main".
func NormalizeRef(ref string) string {
	ref = strings.TrimSpace(ref)
	switch ref {
	case "", ".", "./", "/":
		return constants.DefaultRef
	}
	return ref
}

// ValidateRef rejects refs that git itself refuses or that could escape the
// workspace keying scheme.
func ValidateRef(ref string) error {
	ref = NormalizeRef(ref)
	switch {
	case strings.Contains(ref, ".."):
		return refError(ref, "contains '..'")
	case strings.Contains(ref, "@{"):
		return refError(ref, "contains '@{'")
	case strings.HasPrefix(ref, "/") || strings.HasSuffix(ref, "/"):
		return refError(ref, "has a leading or trailing slash")
	case strings.Contains(ref, ":"):
		return refError(ref, "contains ':'")
	case strings.HasSuffix(ref, ".lock"):
		return refError(ref, "ends with '.lock'")
	case !refTokenPattern.MatchString(ref):
		return refError(ref, "is not a valid git ref token")
	}
	return nil
}

func refError(ref, reason string) error {
	return &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
		{Field: "ref", Message: fmt.Sprintf("ref %q %s", ref, reason)},
	}}
}

// ValidateFullName checks the "owner/repo" shape.
func ValidateFullName(fullName string) error {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "full_name", Message: fmt.Sprintf("%q is not in owner/repo form", fullName)},
		}}
	}
	return nil
}

// DirFor returns the keyed on-disk path for (fullName, ref) under base:
// base/<owner__repo>/<ref with slashes escaped>.
func DirFor(base, fullName, ref string) string {
	repoKey := strings.ReplaceAll(fullName, "/", "__")
	refKey := strings.ReplaceAll(NormalizeRef(ref), "/", "__")
	dir := filepath.Join(base, repoKey, refKey)
	pathsLog.Printf("Workspace dir for %s@%s: %s", fullName, ref, dir)
	return dir
}

// LockKey is the serialization key for (fullName, ref).
func LockKey(fullName, ref string) string {
	return fullName + "@" + NormalizeRef(ref)
}

// SafeJoin resolves a caller-supplied relative path inside repoDir.
//
// Empty, whitespace and "/" mean the repo root. Windows drive syntax is
// rejected. ".." segments are clamped to the repo root rather than rejected,
// so "../docs/x.md" resolves to "<repo>/docs/x.md"; a path that would still
// escape after clamping is rejected.
func SafeJoin(repoDir, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" || rel == "/" {
		return repoDir, nil
	}
	if strings.Contains(rel, ":") {
		return "", &brokererrors.PatchError{
			Code:    brokererrors.CodePathInvalid,
			Message: fmt.Sprintf("path %q contains ':'", rel),
		}
	}
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "/")

	// Clamp leading ".." segments to the root instead of failing; assistants
	// routinely emit repo-relative paths with a stray parent segment.
	segments := strings.Split(rel, "/")
	var clean []string
	for _, seg := range segments {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(clean) > 0 {
				clean = clean[:len(clean)-1]
			}
			// At root: clamped, not an error.
		default:
			clean = append(clean, seg)
		}
	}

	joined := filepath.Join(append([]string{repoDir}, clean...)...)
	cleanRepo := filepath.Clean(repoDir)
	if joined != cleanRepo && !strings.HasPrefix(joined, cleanRepo+string(filepath.Separator)) {
		return "", &brokererrors.PatchError{
			Code:    brokererrors.CodePathInvalid,
			Message: fmt.Sprintf("path %q escapes the workspace root", rel),
		}
	}
	return joined, nil
}
