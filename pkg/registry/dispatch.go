package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/google/uuid"
)

var dispatchLog = logger.New("registry:dispatch")

// Handler is the signature every tool body implements. Args arrive already
// normalized and schema-validated; the result is either a JSON-encodable
// value or an error the dispatcher turns into an envelope.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// RequestInfo carries the per-request identifiers the transport middleware
// extracted. The dispatcher threads them into audit logs and envelopes.
type RequestInfo struct {
	RequestID      string
	IdempotencyKey string
	SessionID      string
}

type requestInfoKey struct{}

// WithRequestInfo attaches transport-derived request identifiers to ctx.
func WithRequestInfo(ctx context.Context, info RequestInfo) context.Context {
	return context.WithValue(ctx, requestInfoKey{}, info)
}

// RequestInfoFrom returns the request identifiers, zero-valued when the call
// did not pass through the HTTP middleware (stdio transport).
func RequestInfoFrom(ctx context.Context) RequestInfo {
	info, _ := ctx.Value(requestInfoKey{}).(RequestInfo)
	return info
}

// DispatchOptions tunes envelope verbosity per process, from config.
type DispatchOptions struct {
	DebugArgs     bool
	TruncateChars int
}

// NormalizeArgs accepts the argument shapes clients actually send: a decoded
// object, a JSON string encoding an object, or nothing. The result is always
// a plain map, and normalizing an already-normalized map is a no-op.
func NormalizeArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return map[string]any{}, nil
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
				{Field: "", Message: fmt.Sprintf("arguments string is not a JSON object: %v", err)},
			}}
		}
		return parsed, nil
	default:
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "", Message: fmt.Sprintf("arguments must be an object, got %T", raw)},
		}}
	}
}

// Dispatch runs the full pipeline for one tool call: resolve, normalize,
// validate, gate, invoke, record. It never returns a Go error to the
// transport; failures come back as the error envelope so every surface
// renders the same shape.
func (r *Registry) Dispatch(ctx context.Context, name string, rawArgs any, opts DispatchOptions) any {
	info := RequestInfoFrom(ctx)

	tool, ok := r.Get(name)
	if !ok {
		err := &brokererrors.APIError{
			StatusCode: 0,
			Message:    fmt.Sprintf("unknown tool %q", name),
			Category:   brokererrors.CategoryNotFound,
			Code:       "TOOL_NOT_FOUND",
		}
		return r.envelope(err, name, nil, info, opts)
	}

	args, err := NormalizeArgs(rawArgs)
	if err != nil {
		return r.envelope(err, name, nil, info, opts)
	}

	if err := tool.ValidateArgs(args); err != nil {
		return r.envelope(err, name, args, info, opts)
	}

	writeAction := tool.WriteAction(args)
	if writeAction {
		targetRef, _ := args["ref"].(string)
		if err := r.gate.EnsureAllowed(tool.Name, tool.SideEffect, targetRef); err != nil {
			return r.envelope(err, name, args, info, opts)
		}
	}

	callID := uuid.NewString()
	dispatchLog.Printf("tool_call_start tool=%s call_id=%s arg_keys=%v%s",
		tool.Name, callID, argKeys(args), callAnchors(args))

	start := time.Now()
	result, err := tool.Handler(ctx, args)
	durationMS := time.Since(start).Milliseconds()

	r.metrics.record(tool.Name, durationMS, writeAction, err != nil)

	if err != nil {
		event := "tool_call_error"
		if ctx.Err() != nil {
			event = "tool_call_cancelled"
		}
		dispatchLog.Printf("%s tool=%s call_id=%s duration_ms=%d error=%v",
			event, tool.Name, callID, durationMS, err)
		return r.envelope(err, name, args, info, opts)
	}

	dispatchLog.Printf("tool_call_success tool=%s call_id=%s status=ok duration_ms=%d write_action=%v",
		tool.Name, callID, durationMS, writeAction)
	return stripInternalFields(result)
}

func (r *Registry) envelope(err error, tool string, args map[string]any, info RequestInfo, opts DispatchOptions) brokererrors.Envelope {
	return brokererrors.Normalize(err, brokererrors.NormalizeOptions{
		ToolSurface:    tool,
		ArgKeys:        argKeys(args),
		DebugArgs:      opts.DebugArgs,
		Args:           args,
		TruncateChars:  opts.TruncateChars,
		RequestID:      info.RequestID,
		IdempotencyKey: info.IdempotencyKey,
	})
}

// argKeys returns sorted argument names; values never leak into logs.
func argKeys(args map[string]any) []string {
	if len(args) == 0 {
		return nil
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// callAnchors pulls the repo/path/ref identifiers out of args for the start
// event, when present.
func callAnchors(args map[string]any) string {
	var sb strings.Builder
	for _, key := range []string{"full_name", "repo", "path", "ref"} {
		if v, ok := args[key].(string); ok && v != "" {
			fmt.Fprintf(&sb, " %s=%s", key, v)
		}
	}
	return sb.String()
}

// stripInternalFields removes __log_* keys from map results before they
// cross the wire. Handlers use those to pass audit detail to the dispatcher
// without exposing it to clients.
func stripInternalFields(result any) any {
	m, ok := result.(map[string]any)
	if !ok {
		return result
	}
	internal := false
	for k := range m {
		if strings.HasPrefix(k, "__log_") {
			internal = true
			break
		}
	}
	if !internal {
		return m
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if !strings.HasPrefix(k, "__log_") {
			out[k] = v
		}
	}
	return out
}
