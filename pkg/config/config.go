// Package config reads broker configuration from the environment.
//
// Configuration is env-only: nothing is read from disk, and the environment
// is consulted once per process via Load. There is no reload API.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adaptiv/gh-broker/pkg/constants"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var configLog = logger.New("config:config")

// Config holds every typed setting the broker consumes.
type Config struct {
	// GitHub API.
	GitHubAPIBaseURL string
	GitHubTimeout    time.Duration
	HTTPTimeout      time.Duration
	MaxConnections   int
	MaxKeepalive     int
	MaxConcurrency   int

	// Rate-limit retry policy shared by git and API calls.
	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMaxWait     time.Duration

	// Workspace engine.
	WorkspaceBaseDir string
	StdoutMaxChars   int
	StderrMaxChars   int

	// Controller repo override (see EffectiveRef).
	ControllerRepo   string
	ControllerBranch string

	// Write gate.
	WriteAutoApproved bool

	// Actor validation for remote mutations.
	Actor         string
	ValidateActor bool

	// Error envelope debug behavior.
	DebugTruncateChars int
	DebugArgs          bool

	// Transport.
	HealthzOneshot    bool
	AllowedHosts      []string
	SandboxContentURL string
}

// Load reads the environment and returns a fully-defaulted Config.
func Load() *Config {
	cfg := &Config{
		GitHubAPIBaseURL: stringEnv(constants.EnvGitHubAPIBaseURL, constants.DefaultGitHubAPIBaseURL),
		GitHubTimeout:    secondsEnv(constants.EnvGitHubTimeout, constants.DefaultGitHubTimeout),
		HTTPTimeout:      secondsEnv(constants.EnvHTTPTimeout, constants.DefaultHTTPTimeout),
		MaxConnections:   intEnv(constants.EnvHTTPMaxConnections, constants.DefaultMaxConnections),
		MaxKeepalive:     intEnv(constants.EnvHTTPMaxKeepalive, constants.DefaultMaxKeepalive),
		MaxConcurrency:   intEnv(constants.EnvMaxConcurrency, constants.DefaultMaxConcurrency),

		RetryMaxAttempts: intEnv(constants.EnvRetryMaxAttempts, constants.DefaultRetryMaxAttempts),
		RetryBaseDelay:   secondsEnv(constants.EnvRetryBaseDelay, constants.DefaultRetryBaseDelay),
		RetryMaxWait:     secondsEnv(constants.EnvRetryMaxWait, constants.DefaultRetryMaxWait),

		WorkspaceBaseDir: stringEnv(constants.EnvWorkspaceBaseDir, defaultWorkspaceDir()),
		StdoutMaxChars:   intEnv(constants.EnvStdoutMaxChars, constants.DefaultStdoutMaxChars),
		StderrMaxChars:   intEnv(constants.EnvStderrMaxChars, constants.DefaultStderrMaxChars),

		ControllerRepo:   strings.TrimSpace(os.Getenv(constants.EnvControllerRepo)),
		ControllerBranch: strings.TrimSpace(os.Getenv(constants.EnvControllerBranch)),

		WriteAutoApproved: boolEnv(constants.EnvWriteAllowed, false),

		Actor:         strings.TrimSpace(os.Getenv(constants.EnvActor)),
		ValidateActor: boolEnv(constants.EnvValidateActor, false),

		DebugTruncateChars: intEnv(constants.EnvErrorDebugTruncate, constants.DefaultDebugTruncate),
		DebugArgs:          boolEnv(constants.EnvErrorDebugArgs, false),

		HealthzOneshot:    boolEnv(constants.EnvHealthzOneshot, false),
		AllowedHosts:      listEnv(constants.EnvAllowedHosts),
		SandboxContentURL: strings.TrimSpace(os.Getenv(constants.EnvSandboxContentBase)),
	}

	// The truncation limit is floor-protected so debug payloads stay useful.
	if cfg.DebugTruncateChars < constants.DebugTruncateFloor {
		cfg.DebugTruncateChars = constants.DebugTruncateFloor
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}

	configLog.Printf("Loaded config: api=%s workspace=%s concurrency=%d write_auto_approved=%v",
		cfg.GitHubAPIBaseURL, cfg.WorkspaceBaseDir, cfg.MaxConcurrency, cfg.WriteAutoApproved)
	return cfg
}

// EffectiveRef applies the controller-repo override: when fullName matches
// the controller repo and the requested ref is empty or "main", the
// controller's default branch is substituted. All other inputs pass through,
// with empty refs defaulting to "main". The function is idempotent.
func (c *Config) EffectiveRef(fullName, ref string) string {
	ref = strings.TrimSpace(ref)
	if c.ControllerRepo != "" && fullName == c.ControllerRepo && c.ControllerBranch != "" {
		if ref == "" || ref == constants.DefaultRef {
			configLog.Printf("Controller override: %s ref %q -> %s", fullName, ref, c.ControllerBranch)
			return c.ControllerBranch
		}
	}
	if ref == "" {
		return constants.DefaultRef
	}
	return ref
}

func defaultWorkspaceDir() string {
	return filepath.Join(os.TempDir(), constants.DefaultWorkspaceDirName)
}

func stringEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		configLog.Printf("Ignoring invalid %s=%q: %v", key, raw, err)
		return fallback
	}
	return v
}

func secondsEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		configLog.Printf("Ignoring invalid %s=%q", key, raw)
		return fallback
	}
	return time.Duration(v * float64(time.Second))
}

func boolEnv(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func listEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
