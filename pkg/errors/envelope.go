package errors

import (
	"github.com/adaptiv/gh-broker/pkg/redact"
)

// Detail is the error_detail object inside an envelope.
type Detail struct {
	Category  Category       `json:"category"`
	Code      string         `json:"code,omitempty"`
	Retryable bool           `json:"retryable,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Debug     map[string]any `json:"debug,omitempty"`
	Trace     string         `json:"trace,omitempty"`
}

// Envelope is the single error shape every tool surface returns. Success
// results never use it; failures always do.
type Envelope struct {
	Status      string         `json:"status"`
	OK          bool           `json:"ok"`
	Error       string         `json:"error"`
	ErrorDetail Detail         `json:"error_detail"`
	Context     map[string]any `json:"context,omitempty"`
	Path        string         `json:"path,omitempty"`
	ToolSurface string         `json:"tool_surface,omitempty"`
	RoutingHint string         `json:"routing_hint,omitempty"`
	Request     map[string]any `json:"request,omitempty"`
}

// NormalizeOptions tunes envelope construction per dispatch site.
type NormalizeOptions struct {
	ToolSurface string
	// ArgKeys is always safe to include; full args are opt-in via DebugArgs.
	ArgKeys []string
	// DebugArgs includes sanitized argument values under error_detail.debug.
	DebugArgs bool
	Args      map[string]any
	// TruncateChars is the floor-protected string cap for debug payloads.
	TruncateChars  int
	RequestID      string
	IdempotencyKey string
}

// Normalize converts any error into the envelope shape. The message and all
// debug payloads pass through the redaction pipeline so the envelope never
// contains secrets.
func Normalize(err error, opts NormalizeOptions) Envelope {
	inf := Infer(err)

	status := "error"
	if inf.Category == CategoryCancelled {
		status = "cancelled"
	}

	env := Envelope{
		Status: status,
		OK:     false,
		Error:  redact.String(err.Error()),
		ErrorDetail: Detail{
			Category:  inf.Category,
			Code:      inf.Code,
			Retryable: inf.Retryable,
		},
		ToolSurface: opts.ToolSurface,
	}

	if len(inf.Details) > 0 {
		env.ErrorDetail.Details = redact.Map(inf.Details)
	}

	debug := map[string]any{}
	if len(opts.ArgKeys) > 0 {
		debug["arg_keys"] = opts.ArgKeys
	}
	if opts.DebugArgs && opts.Args != nil {
		debug["args"] = redact.Sanitize(opts.Args, opts.TruncateChars)
	}
	if len(debug) > 0 {
		env.ErrorDetail.Debug = debug
	}

	request := map[string]any{}
	if opts.RequestID != "" {
		request["request_id"] = opts.RequestID
	}
	if opts.IdempotencyKey != "" {
		request["idempotency_key"] = opts.IdempotencyKey
	}
	if len(request) > 0 {
		env.Request = request
	}

	return env
}
