// Package errors defines the broker's typed errors, the closed category
// taxonomy, and the envelope every tool surface returns on failure.
//
// Internal helpers raise typed errors; the dispatcher converts them into
// envelopes with Normalize. Category inference is a pure function over the
// error value, so it is cheap to test and impossible to half-apply.
package errors

import (
	"fmt"
	"strings"
	"time"
)

// Category is the closed set of error categories.
type Category string

const (
	CategoryValidation            Category = "validation"
	CategoryNotFound              Category = "not_found"
	CategoryAuth                  Category = "auth"
	CategoryPermission            Category = "permission"
	CategoryWriteApprovalRequired Category = "write_approval_required"
	CategoryRateLimited           Category = "rate_limited"
	CategoryTimeout               Category = "timeout"
	CategoryConflict              Category = "conflict"
	CategoryUpstream              Category = "upstream"
	CategoryInternal              Category = "internal"
	CategoryCancelled             Category = "cancelled"
	CategoryPatch                 Category = "patch"
)

// Retryable reports whether orchestrators may safely retry the category
// without asking the user again.
func (c Category) Retryable() bool {
	switch c {
	case CategoryRateLimited, CategoryTimeout, CategoryUpstream:
		return true
	default:
		return false
	}
}

// AuthError indicates no usable GitHub credential. The message names the
// env vars that were consulted and never echoes token material.
type AuthError struct {
	ConsultedVars []string
	Reason        string
}

func (e *AuthError) Error() string {
	if e.Reason != "" {
		return "github authentication failed: " + e.Reason
	}
	return "no GitHub token available; set " + strings.Join(e.ConsultedVars, " or ")
}

// RateLimitError indicates the GitHub API rejected a request for rate or
// abuse reasons. RetryAfter is zero when the API did not say.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "github rate limit exceeded"
}

// APIError carries a non-2xx GitHub API response. Explicit Category and
// Code, when set, always win over inference.
type APIError struct {
	StatusCode  int
	Message     string
	BodyPreview string
	Category    Category
	Code        string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("github api error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("github api error (status %d)", e.StatusCode)
}

// WriteApprovalRequiredError blocks a write tool until the client approves
// write actions for the session.
type WriteApprovalRequiredError struct {
	Tool      string
	TargetRef string
}

func (e *WriteApprovalRequiredError) Error() string {
	msg := "write actions are not approved for this session"
	if e.Tool != "" {
		msg = fmt.Sprintf("tool %q requires write approval", e.Tool)
	}
	if e.TargetRef != "" {
		msg += fmt.Sprintf(" (target ref %q)", e.TargetRef)
	}
	return msg
}

// Patch error codes.
const (
	CodePatchEmpty        = "PATCH_EMPTY"
	CodePatchMalformed    = "PATCH_MALFORMED"
	CodePatchDoesNotApply = "PATCH_DOES_NOT_APPLY"
	CodePathInvalid       = "PATH_INVALID"
	CodeFileNotFound      = "FILE_NOT_FOUND"
	CodeWriteApproval     = "WRITE_APPROVAL_REQUIRED"
)

// PatchError describes a patch that could not be parsed or applied.
type PatchError struct {
	Code    string
	File    string
	Hunk    int
	Message string
}

func (e *PatchError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	if e.File != "" {
		fmt.Fprintf(&sb, " (file %q", e.File)
		if e.Hunk > 0 {
			fmt.Fprintf(&sb, ", hunk %d", e.Hunk)
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// FieldViolation is a single schema violation for one argument.
type FieldViolation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every violating field, not just the first.
type ValidationError struct {
	Violations []FieldViolation
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid arguments"
	}
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Field + ": " + v.Message
	}
	return "invalid arguments: " + strings.Join(parts, "; ")
}

// NotFoundError names a missing path so callers can act on it.
type NotFoundError struct {
	Path  string
	Errno int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file not found: %s", e.Path)
}

// ConflictError marks state conflicts (dirty worktree, existing branch).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// TimeoutError marks an operation that exceeded its deadline.
type TimeoutError struct {
	Operation string
	Limit     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Operation, e.Limit)
}
