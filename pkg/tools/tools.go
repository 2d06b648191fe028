// Package tools defines the broker's tool surface: the typed argument
// structs, the handlers that bridge into the workspace engine and the GitHub
// client, and the registration list that populates the registry at startup.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/adaptiv/gh-broker/pkg/config"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/ghclient"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/adaptiv/gh-broker/pkg/registry"
	"github.com/adaptiv/gh-broker/pkg/workspace"
)

var toolsLog = logger.New("tools:tools")

// Deps carries the services the tool handlers close over.
type Deps struct {
	Cfg    *config.Config
	Engine *workspace.Engine
	Pool   *ghclient.Pool
}

// RegisterAll registers every tool surface and freezes the registry.
func RegisterAll(r *registry.Registry, deps *Deps) {
	perms := newPermissionCache(deps)

	registerWorkspaceTools(r, deps)
	registerGitHubTools(r, deps, perms)
	registerIntrospectionTools(r)

	r.Freeze()
	toolsLog.Printf("Tool surface ready: %d tools", len(r.List()))
}

// decodeArgs converts the schema-validated argument map into the handler's
// typed struct. Validation already ran, so decode failures here are shape
// mismatches worth reporting precisely.
func decodeArgs[T any](args map[string]any) (T, error) {
	var out T
	raw, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("failed to encode args: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "", Message: fmt.Sprintf("arguments do not match the tool signature: %v", err)},
		}}
	}
	return out, nil
}

// asMap renders a result struct as the map shape the dispatcher works with.
func asMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to shape result: %w", err)
	}
	return out, nil
}

// logDiff is the side channel for tools that produce a unified diff: counts
// always, the (truncated) diff body only at debug level, never in the result.
func logDiff(tool, diff string) {
	if diff == "" {
		return
	}
	stats := workspace.CountDiffLines(diff)
	toolsLog.Printf("%s diff: +%d -%d", tool, stats.Added, stats.Removed)
	if truncated, wasTruncated := workspace.TruncateDiff(diff, 200); wasTruncated {
		toolsLog.Print(truncated + "\n... (diff truncated)")
	} else {
		toolsLog.Print(truncated)
	}
}
