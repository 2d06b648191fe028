package errors

import (
	"context"
	stderrors "errors"
	"io/fs"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/adaptiv/gh-broker/pkg/logger"
)

var inferLog = logger.New("errors:infer")

// Inference is the outcome of classifying an error.
type Inference struct {
	Category  Category
	Code      string
	Retryable bool
	Details   map[string]any
}

// Infer classifies an error into the taxonomy. Explicit Category/Code on an
// APIError always win; otherwise classification falls through typed checks,
// status-code rules, and finally message sniffing.
func Infer(err error) Inference {
	switch {
	case err == nil:
		return Inference{Category: CategoryInternal}

	case stderrors.Is(err, context.Canceled):
		return Inference{Category: CategoryCancelled}

	case stderrors.Is(err, context.DeadlineExceeded):
		return Inference{Category: CategoryTimeout, Retryable: true}
	}

	var authErr *AuthError
	if stderrors.As(err, &authErr) {
		return Inference{Category: CategoryAuth}
	}

	var rateErr *RateLimitError
	if stderrors.As(err, &rateErr) {
		inf := Inference{Category: CategoryRateLimited, Retryable: true}
		if rateErr.RetryAfter > 0 {
			inf.Details = map[string]any{"retry_after_seconds": rateErr.RetryAfter.Seconds()}
		}
		return inf
	}

	var approvalErr *WriteApprovalRequiredError
	if stderrors.As(err, &approvalErr) {
		return Inference{Category: CategoryWriteApprovalRequired, Code: CodeWriteApproval}
	}

	var patchErr *PatchError
	if stderrors.As(err, &patchErr) {
		return inferPatch(patchErr)
	}

	var validationErr *ValidationError
	if stderrors.As(err, &validationErr) {
		return Inference{
			Category: CategoryValidation,
			Details:  map[string]any{"violations": validationErr.Violations},
		}
	}

	var notFoundErr *NotFoundError
	if stderrors.As(err, &notFoundErr) {
		details := map[string]any{"missing_path": notFoundErr.Path}
		if notFoundErr.Errno != 0 {
			details["errno"] = notFoundErr.Errno
		}
		return Inference{Category: CategoryNotFound, Code: CodeFileNotFound, Details: details}
	}

	var conflictErr *ConflictError
	if stderrors.As(err, &conflictErr) {
		return Inference{Category: CategoryConflict}
	}

	var timeoutErr *TimeoutError
	if stderrors.As(err, &timeoutErr) {
		return Inference{Category: CategoryTimeout, Retryable: true}
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return inferAPI(apiErr)
	}

	if inf, ok := inferOS(err); ok {
		return inf
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return Inference{Category: CategoryTimeout, Retryable: true}
	}

	if inf, ok := sniffMessage(err.Error()); ok {
		return inf
	}

	inferLog.Printf("Unclassified error falls back to internal: %T", err)
	return Inference{Category: CategoryInternal}
}

func inferPatch(err *PatchError) Inference {
	inf := Inference{Code: err.Code}
	switch err.Code {
	case CodePatchDoesNotApply:
		inf.Category = CategoryConflict
	case CodePatchEmpty, CodePatchMalformed, CodePathInvalid:
		inf.Category = CategoryValidation
	default:
		inf.Category = CategoryPatch
	}
	details := map[string]any{}
	if err.File != "" {
		details["file"] = err.File
	}
	if err.Hunk > 0 {
		details["hunk"] = err.Hunk
	}
	if len(details) > 0 {
		inf.Details = details
	}
	return inf
}

func inferAPI(err *APIError) Inference {
	// Explicit attributes always win over inference.
	if err.Category != "" {
		return Inference{Category: err.Category, Code: err.Code, Retryable: err.Category.Retryable()}
	}
	inf := Inference{Details: map[string]any{"status_code": err.StatusCode}}
	switch {
	case err.StatusCode == 401 || err.StatusCode == 403:
		if strings.Contains(strings.ToLower(err.Message), "rate limit") {
			inf.Category = CategoryRateLimited
			inf.Retryable = true
		} else {
			inf.Category = CategoryAuth
		}
	case err.StatusCode == 404:
		inf.Category = CategoryNotFound
	case err.StatusCode == 409:
		inf.Category = CategoryConflict
	case err.StatusCode == 422:
		inf.Category = CategoryValidation
	case err.StatusCode == 429:
		inf.Category = CategoryRateLimited
		inf.Retryable = true
	case err.StatusCode >= 500:
		inf.Category = CategoryUpstream
		inf.Retryable = true
	default:
		if inf2, ok := sniffMessage(err.Message); ok {
			inf2.Details = inf.Details
			return inf2
		}
		inf.Category = CategoryUpstream
	}
	return inf
}

func inferOS(err error) (Inference, bool) {
	var pathErr *fs.PathError
	if stderrors.As(err, &pathErr) && stderrors.Is(err, fs.ErrNotExist) {
		details := map[string]any{"missing_path": pathErr.Path}
		var errno syscall.Errno
		if stderrors.As(pathErr.Err, &errno) {
			details["errno"] = int(errno)
		}
		return Inference{Category: CategoryNotFound, Code: CodeFileNotFound, Details: details}, true
	}
	if stderrors.Is(err, os.ErrNotExist) {
		return Inference{Category: CategoryNotFound, Code: CodeFileNotFound}, true
	}
	if stderrors.Is(err, os.ErrPermission) {
		return Inference{Category: CategoryPermission}, true
	}
	return Inference{}, false
}

// sniffMessage is the last-resort fallback for errors that cross process
// boundaries as bare text (git stderr, upstream API messages).
func sniffMessage(msg string) (Inference, bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "malformed patch"):
		return Inference{Category: CategoryPatch, Code: CodePatchMalformed}, true
	case strings.Contains(lower, "does not apply"):
		return Inference{Category: CategoryConflict, Code: CodePatchDoesNotApply}, true
	case strings.Contains(lower, "rangeless"):
		return Inference{Category: CategoryPatch}, true
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "abuse detection"):
		return Inference{Category: CategoryRateLimited, Retryable: true}, true
	case strings.Contains(lower, "authentication failed"):
		return Inference{Category: CategoryAuth}, true
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return Inference{Category: CategoryTimeout, Retryable: true}, true
	}
	return Inference{}, false
}
