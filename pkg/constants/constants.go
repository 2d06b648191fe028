// Package constants centralizes environment variable names, defaults, and
// semantic types shared across the broker.
package constants

import "time"

// CLIPrefix is the prefix used in user-facing output to refer to the CLI.
const CLIPrefix = "gh-broker"

// Environment variable names consumed by pkg/config. Collected here so the
// catalog, docs, and error messages always agree on spelling.
const (
	EnvGitHubToken        = "GITHUB_TOKEN"
	EnvGitHubPAT          = "GITHUB_PAT"
	EnvGitHubAPIBaseURL   = "GITHUB_API_BASE_URL"
	EnvGitHubTimeout      = "GITHUB_REQUEST_TIMEOUT_SECONDS"
	EnvHTTPMaxConnections = "HTTPX_MAX_CONNECTIONS"
	EnvHTTPMaxKeepalive   = "HTTPX_MAX_KEEPALIVE"
	EnvHTTPTimeout        = "HTTPX_TIMEOUT"
	EnvMaxConcurrency     = "MAX_CONCURRENCY"
	EnvWorkspaceBaseDir   = "WORKSPACE_BASE_DIR"
	EnvControllerRepo     = "GITHUB_MCP_CONTROLLER_REPO"
	EnvControllerBranch   = "GITHUB_MCP_CONTROLLER_BRANCH"
	EnvWriteAllowed       = "GITHUB_MCP_WRITE_ALLOWED"
	EnvStdoutMaxChars     = "TOOL_STDOUT_MAX_CHARS"
	EnvStderrMaxChars     = "TOOL_STDERR_MAX_CHARS"
	EnvRetryMaxAttempts   = "GITHUB_RATE_LIMIT_RETRY_MAX_ATTEMPTS"
	EnvRetryBaseDelay     = "GITHUB_RATE_LIMIT_RETRY_BASE_DELAY_SECONDS"
	EnvRetryMaxWait       = "GITHUB_RATE_LIMIT_RETRY_MAX_WAIT_SECONDS"
	EnvHealthzOneshot     = "HEALTHZ_ONESHOT"
	EnvErrorDebugTruncate = "ADAPTIV_MCP_ERROR_DEBUG_TRUNCATE_CHARS"
	EnvErrorDebugArgs     = "ADAPTIV_MCP_ERROR_DEBUG_ARGS"
	EnvAllowedHosts       = "ALLOWED_HOSTS"
	EnvRenderExternalHost = "RENDER_EXTERNAL_HOSTNAME"
	EnvRenderExternalURL  = "RENDER_EXTERNAL_URL"
	EnvSandboxContentBase = "SANDBOX_CONTENT_BASE_URL"
	EnvActor              = "GH_BROKER_ACTOR"
	EnvValidateActor      = "GH_BROKER_VALIDATE_ACTOR"
	EnvGitAuthorName      = "GIT_AUTHOR_NAME"
	EnvGitAuthorEmail     = "GIT_AUTHOR_EMAIL"
	EnvGitCommitterName   = "GIT_COMMITTER_NAME"
	EnvGitCommitterEmail  = "GIT_COMMITTER_EMAIL"
)

// Network and concurrency defaults.
const (
	DefaultGitHubAPIBaseURL = "https://api.github.com"
	DefaultHTTPTimeout      = 30 * time.Second
	DefaultGitHubTimeout    = 30 * time.Second
	DefaultMaxConnections   = 64
	DefaultMaxKeepalive     = 20
	DefaultMaxConcurrency   = 16
	DefaultHTTPReadHeader   = 10 * time.Second
)

// Rate-limit retry defaults for git and API calls.
const (
	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = 2 * time.Second
	DefaultRetryMaxWait     = 30 * time.Second
)

// Subprocess defaults.
const (
	DefaultSubprocessTimeout = 120 * time.Second
	// DrainTimeout bounds output collection after a kill so a wedged pipe
	// cannot hang the caller.
	DrainTimeout          = 1 * time.Second
	DefaultStdoutMaxChars = 64 * 1024
	DefaultStderrMaxChars = 16 * 1024
)

// Workspace defaults.
const (
	DefaultWorkspaceDirName = "gh-broker-workspaces"
	// DefaultRef is substituted for empty, whitespace, ".", "./" and "/" refs.
	DefaultRef = "main"
	// VenvDirName is the per-workspace virtualenv directory.
	VenvDirName = ".venv-mcp"
	// VenvReadyMarker signals a completed venv bootstrap.
	VenvReadyMarker = ".mcp_ready"
)

// Error envelope defaults.
const (
	// DebugTruncateFloor is the minimum string truncation limit for debug
	// payloads; configured values below it are raised to it.
	DebugTruncateFloor   = 200
	DefaultDebugTruncate = 2000
)

// Introspection limits.
const (
	// ValidateBatchLimit caps tools per validate_tool_args call.
	ValidateBatchLimit = 10
)

// MaxRefLength bounds git ref names accepted by write operations.
const MaxRefLength = 200

// SessionTimeout closes idle MCP HTTP sessions.
const SessionTimeout = 2 * time.Hour

// PermissionCacheTTL caches actor permission lookups.
const PermissionCacheTTL = 1 * time.Hour

// SideEffect classifies what a tool touches. The static side-effect table in
// pkg/registry maps every tool name to one of these classes.
type SideEffect int

const (
	// ReadOnly tools observe state and never mutate anything.
	ReadOnly SideEffect = iota
	// LocalMutation tools mutate the local workspace only.
	LocalMutation
	// RemoteMutation tools mutate GitHub-side state and require approval.
	RemoteMutation
)

// String returns the wire spelling of the side-effect class.
func (s SideEffect) String() string {
	switch s {
	case ReadOnly:
		return "READ_ONLY"
	case LocalMutation:
		return "LOCAL_MUTATION"
	case RemoteMutation:
		return "REMOTE_MUTATION"
	default:
		return "UNKNOWN"
	}
}

// IsWrite reports whether the class counts as a write action for the gate.
// Only remote mutations are write actions; local mutations are gated
// separately by the runtime flag.
func (s SideEffect) IsWrite() bool { return s == RemoteMutation }

// Visibility controls whether a tool appears in public catalogs.
type Visibility string

const (
	// VisibilityPublic tools are listed in catalogs and the MCP surface.
	VisibilityPublic Visibility = "public"
	// VisibilityInternal tools are dispatchable but hidden from catalogs.
	VisibilityInternal Visibility = "internal"
)
