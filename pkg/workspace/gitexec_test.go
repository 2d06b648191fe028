package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engineForBase(t *testing.T, apiBase string) *Engine {
	t.Helper()
	cfg := testConfig(t)
	cfg.GitHubAPIBaseURL = apiBase
	e := NewEngine(cfg, nil)
	e.tokenFn = func() string { return "" }
	return e
}

func TestGitAuthEnvScopedToRemoteHost(t *testing.T) {
	tests := []struct {
		name    string
		apiBase string
		wantKey string
	}{
		{"default base", "https://api.github.com", "GIT_CONFIG_KEY_0=http.https://github.com/.extraheader"},
		{"empty base", "", "GIT_CONFIG_KEY_0=http.https://github.com/.extraheader"},
		{"enterprise base", "https://ghe.example.com/api/v3", "GIT_CONFIG_KEY_0=http.https://ghe.example.com/.extraheader"},
		{"enterprise base trailing slash", "https://ghe.example.com/api/v3/", "GIT_CONFIG_KEY_0=http.https://ghe.example.com/.extraheader"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := engineForBase(t, tt.apiBase)
			env := e.gitAuthEnv("tok")
			require.Len(t, env, 4)
			assert.Contains(t, env, tt.wantKey)
		})
	}
}

func TestGitAuthEnvWithoutToken(t *testing.T) {
	e := engineForBase(t, "https://api.github.com")
	assert.Equal(t, []string{"GIT_TERMINAL_PROMPT=0"}, e.gitAuthEnv(""))
}

func TestGitAuthEnvMatchesRemoteURLHost(t *testing.T) {
	e := engineForBase(t, "https://ghe.example.com/api/v3")
	assert.Equal(t, "https://ghe.example.com/o/r.git", e.remoteURL("o/r"))
	assert.Contains(t, e.gitAuthEnv("tok"), "GIT_CONFIG_KEY_0=http.https://ghe.example.com/.extraheader")
}

func TestGitAuthEnvNeverCarriesRawToken(t *testing.T) {
	e := engineForBase(t, "https://api.github.com")
	for _, v := range e.gitAuthEnv("ghp_supersecret") {
		assert.NotContains(t, v, "ghp_supersecret")
	}
}
