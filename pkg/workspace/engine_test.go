package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/adaptiv/gh-broker/pkg/config"
	"github.com/stretchr/testify/require"
)

// fakeRunner scripts subprocess behavior per invocation. Each call is
// recorded so tests can assert on the exact git commands issued.
type fakeRunner struct {
	calls  []CommandSpec
	script func(spec CommandSpec) (*RunResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, spec CommandSpec) (*RunResult, error) {
	f.calls = append(f.calls, spec)
	if f.script != nil {
		return f.script(spec)
	}
	return &RunResult{ExitCode: 0}, nil
}

func (f *fakeRunner) commandLines() []string {
	var out []string
	for _, call := range f.calls {
		line := call.Name
		for _, arg := range call.Args {
			line += " " + arg
		}
		out = append(out, line)
	}
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		GitHubAPIBaseURL: "https://api.github.com",
		WorkspaceBaseDir: t.TempDir(),
		RetryMaxAttempts: 3,
		StdoutMaxChars:   64 * 1024,
		StderrMaxChars:   64 * 1024,
	}
}

func testEngine(t *testing.T, runner ProcessRunner) *Engine {
	t.Helper()
	e := NewEngine(testConfig(t), runner)
	e.tokenFn = func() string { return "" }
	return e
}

// seedWorkspace creates a fake checkout (a .git directory plus files) at the
// keyed location so engine operations that require an existing workspace can
// run without a real clone.
func seedWorkspace(t *testing.T, e *Engine, fullName, ref string, files map[string]string) string {
	t.Helper()
	dir := DirFor(e.cfg.WorkspaceBaseDir, fullName, e.cfg.EffectiveRef(fullName, ref))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	for path, content := range files {
		abs := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
		require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	}
	return dir
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestRemoteURL(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	require.Equal(t, "https://github.com/o/r.git", e.remoteURL("o/r"))

	e.cfg.GitHubAPIBaseURL = "https://ghes.example.com/api/v3"
	require.Equal(t, "https://ghes.example.com/o/r.git", e.remoteURL("o/r"))
}

func TestDirAppliesControllerOverride(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	e.cfg.ControllerRepo = "o/ctrl"
	e.cfg.ControllerBranch = "ally-refactor"

	require.Equal(t, e.Dir("o/ctrl", "ally-refactor"), e.Dir("o/ctrl", "main"))
	require.NotEqual(t, e.Dir("o/other", "ally-refactor"), e.Dir("o/other", "main"))
}
