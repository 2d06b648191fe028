package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
)

// ToolSummary is one row of the list_tools result.
type ToolSummary struct {
	Name         string `json:"name"`
	WriteAction  bool   `json:"write_action"`
	WriteAllowed bool   `json:"write_allowed"`
	Visibility   string `json:"visibility"`
	Description  string `json:"description,omitempty"`
}

// ListToolsFilter narrows the catalog listing.
type ListToolsFilter struct {
	OnlyWrite  bool
	OnlyRead   bool
	NamePrefix string
}

// ListTools returns the public catalog rows matching the filter.
func (r *Registry) ListTools(filter ListToolsFilter) []ToolSummary {
	approved := r.gate.Approved()
	var out []ToolSummary
	for _, t := range r.List() {
		if t.Visibility == constants.VisibilityInternal {
			continue
		}
		writeAction := t.SideEffect.IsWrite()
		if filter.OnlyWrite && !writeAction {
			continue
		}
		if filter.OnlyRead && writeAction {
			continue
		}
		if filter.NamePrefix != "" && !strings.HasPrefix(t.Name, filter.NamePrefix) {
			continue
		}
		out = append(out, ToolSummary{
			Name:         t.Name,
			WriteAction:  writeAction,
			WriteAllowed: !writeAction || approved,
			Visibility:   string(t.Visibility),
			Description:  t.Description,
		})
	}
	return out
}

// ActionEntry is one row of list_all_actions, the static catalog clients use
// to pre-render approval prompts.
type ActionEntry struct {
	Name             string `json:"name"`
	SideEffect       string `json:"side_effect"`
	ApprovalRequired bool   `json:"approval_required"`
	Description      string `json:"description,omitempty"`
	InputSchema      any    `json:"input_schema,omitempty"`
	SchemaHash       string `json:"input_schema_hash,omitempty"`
}

// ListAllActions returns every public tool with its side-effect class. With
// auto-approve on, approval_required is false for everything, uniformly.
func (r *Registry) ListAllActions(includeParameters, compact bool) []ActionEntry {
	autoApproved := r.gate.AutoApproved()
	var out []ActionEntry
	for _, t := range r.List() {
		if t.Visibility == constants.VisibilityInternal {
			continue
		}
		entry := ActionEntry{
			Name:             t.Name,
			SideEffect:       t.SideEffect.String(),
			ApprovalRequired: t.SideEffect != constants.ReadOnly && !autoApproved,
		}
		if !compact {
			entry.Description = t.Description
			entry.SchemaHash = t.SchemaHash
		}
		if includeParameters {
			entry.InputSchema = t.InputSchema
		}
		out = append(out, entry)
	}
	return out
}

// ToolDescription is the describe_tool result for one name.
type ToolDescription struct {
	Name             string `json:"name"`
	Description      string `json:"description"`
	WriteAction      bool   `json:"write_action"`
	AutoApproved     bool   `json:"auto_approved"`
	ApprovalRequired bool   `json:"approval_required"`
	InputSchema      any    `json:"input_schema,omitempty"`
	SchemaHash       string `json:"input_schema_hash,omitempty"`
}

// DescribeTool resolves one name. Unknown names return NotFound.
func (r *Registry) DescribeTool(name string, includeSchema bool) (ToolDescription, error) {
	t, ok := r.Get(name)
	if !ok {
		return ToolDescription{}, &brokererrors.NotFoundError{Path: name}
	}
	autoApproved := r.gate.AutoApproved()
	desc := ToolDescription{
		Name:             t.Name,
		Description:      t.Description,
		WriteAction:      t.SideEffect.IsWrite(),
		AutoApproved:     autoApproved,
		ApprovalRequired: t.SideEffect != constants.ReadOnly && !autoApproved,
		SchemaHash:       t.SchemaHash,
	}
	if includeSchema {
		desc.InputSchema = t.InputSchema
	}
	return desc, nil
}

// ValidationReport is the per-tool outcome of validate_tool_args.
type ValidationReport struct {
	Tool       string                        `json:"tool"`
	Valid      bool                          `json:"valid"`
	Violations []brokererrors.FieldViolation `json:"violations,omitempty"`
	Error      string                        `json:"error,omitempty"`
}

// ValidateToolArgs re-runs the schema validator for each named tool against
// the same payload, without invoking any handler. The batch size is capped so
// a single call cannot grind through the whole catalog.
func (r *Registry) ValidateToolArgs(names []string, payload map[string]any) ([]ValidationReport, error) {
	if len(names) == 0 {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "/tool_names", Message: "at least one tool name is required"},
		}}
	}
	if len(names) > constants.ValidateBatchLimit {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "/tool_names", Message: fmt.Sprintf("batch limit is %d tools per call", constants.ValidateBatchLimit)},
		}}
	}

	reports := make([]ValidationReport, 0, len(names))
	for _, name := range names {
		t, ok := r.Get(name)
		if !ok {
			reports = append(reports, ValidationReport{Tool: name, Error: fmt.Sprintf("unknown tool %q", name)})
			continue
		}
		report := ValidationReport{Tool: name, Valid: true}
		if err := t.ValidateArgs(payload); err != nil {
			report.Valid = false
			var verr *brokererrors.ValidationError
			if errors.As(err, &verr) {
				report.Violations = verr.Violations
			} else {
				report.Error = err.Error()
			}
		}
		reports = append(reports, report)
	}
	return reports, nil
}
