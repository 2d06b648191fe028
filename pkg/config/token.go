package config

import (
	"os"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
	"github.com/cli/go-gh/v2/pkg/auth"
)

var tokenLog = logger.New("config:token")

// tokenEnvVars is the ordered list consulted for a GitHub token. The first
// non-empty value after trimming wins; empty-after-trim counts as absent.
var tokenEnvVars = []string{constants.EnvGitHubToken, constants.EnvGitHubPAT}

// GitHubToken returns the GitHub token or an AuthError naming the env vars
// that were consulted. The token itself is never logged.
func GitHubToken() (string, error) {
	if token := OptionalGitHubToken(); token != "" {
		return token, nil
	}
	return "", &brokererrors.AuthError{ConsultedVars: tokenEnvVars}
}

// OptionalGitHubToken returns the GitHub token or "" when none is set.
// After the env list it falls back to the gh CLI keyring so local operators
// do not have to export tokens the gh extension already stores.
func OptionalGitHubToken() string {
	for _, key := range tokenEnvVars {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			tokenLog.Printf("Resolved GitHub token from %s", key)
			return v
		}
	}
	if token, source := auth.TokenForHost("github.com"); token != "" {
		tokenLog.Printf("Resolved GitHub token from gh CLI (%s)", source)
		return token
	}
	tokenLog.Print("No GitHub token available")
	return ""
}
