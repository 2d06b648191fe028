// Package workspace owns the on-disk Git mirrors the broker edits.
//
// Every (repo, ref) pair maps to one directory under the workspace root.
// The engine is the only component that mutates those directories; all
// mutations on the same pair are serialized through a keyed mutex.
package workspace

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var engineLog = logger.New("workspace:engine")

// Engine manages workspace directories, git execution, patching, and the
// multi-op editor.
type Engine struct {
	cfg    *config.Config
	runner ProcessRunner
	locks  *keyedMutex
	// tokenFn supplies the git auth token; injected so tests never touch
	// real credentials.
	tokenFn func() string
}

// NewEngine builds an Engine on the given config and runner.
func NewEngine(cfg *config.Config, runner ProcessRunner) *Engine {
	if runner == nil {
		runner = NewRunner(0, cfg.StdoutMaxChars, cfg.StderrMaxChars)
	}
	return &Engine{
		cfg:     cfg,
		runner:  runner,
		locks:   newKeyedMutex(),
		tokenFn: config.OptionalGitHubToken,
	}
}

// BaseDir returns the workspace root.
func (e *Engine) BaseDir() string { return e.cfg.WorkspaceBaseDir }

// Dir returns the keyed directory for (fullName, ref) after the controller
// override, without touching the filesystem.
func (e *Engine) Dir(fullName, ref string) string {
	return DirFor(e.cfg.WorkspaceBaseDir, fullName, e.cfg.EffectiveRef(fullName, ref))
}

// Lock serializes workspace mutations for (fullName, ref) and returns the
// unlock function.
func (e *Engine) Lock(fullName, ref string) func() {
	return e.locks.Lock(LockKey(fullName, e.cfg.EffectiveRef(fullName, ref)))
}

// webHost resolves the git-facing host from the API base URL. The auth
// extraheader config key must use the same host or GHES clones fail auth.
func (e *Engine) webHost() string {
	host := strings.TrimSuffix(e.cfg.GitHubAPIBaseURL, "/")
	host = strings.TrimSuffix(host, "/api/v3") // GHES API base -> web host
	if host == "https://api.github.com" || host == "" {
		host = "https://github.com"
	}
	return host
}

// remoteURL is the HTTPS clone URL for a repo; credentials travel via env
// config headers, never inside the URL.
func (e *Engine) remoteURL(fullName string) string {
	return fmt.Sprintf("%s/%s.git", e.webHost(), fullName)
}

// hasGitDir reports whether dir holds a valid-looking git checkout.
func hasGitDir(dir string) bool {
	info, err := os.Stat(dir + string(os.PathSeparator) + ".git")
	return err == nil && info.IsDir()
}

// Snapshot is the small workspace summary returned by self-heal and status
// operations.
type Snapshot struct {
	Head       string   `json:"head"`
	FileCount  int      `json:"file_count"`
	TopEntries []string `json:"top_entries"`
}

// snapshot collects HEAD, a file count, and the top-level entries.
func (e *Engine) snapshot(ctx context.Context, dir string) (*Snapshot, error) {
	snap := &Snapshot{}
	if res, err := e.runGit(ctx, dir, "log", "-1", "--oneline"); err == nil && res.ExitCode == 0 {
		snap.Head = strings.TrimSpace(res.Stdout)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace dir: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		snap.TopEntries = append(snap.TopEntries, entry.Name())
	}
	if res, err := e.runGit(ctx, dir, "ls-files"); err == nil && res.ExitCode == 0 {
		trimmed := strings.TrimSpace(res.Stdout)
		if trimmed != "" {
			snap.FileCount = len(strings.Split(trimmed, "\n"))
		}
	}
	engineLog.Printf("Workspace snapshot: head=%q files=%d", snap.Head, snap.FileCount)
	return snap, nil
}
