package workspace

import (
	"context"
	"encoding/base64"
	"fmt"
	"math/rand"
	"strings"
	"time"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var gitLog = logger.New("workspace:gitexec")

// rateLimitMarkers in git stderr trigger a backoff-and-retry.
var rateLimitMarkers = []string{"rate limit", "secondary rate limit", "abuse detection"}

// authMarkers in git stderr indicate the credential was rejected.
var authMarkers = []string{
	"authentication failed",
	"could not read username",
	"invalid username or token",
	"403 forbidden",
}

// gitAuthEnv passes the token to git through config-count headers, never
// argv (argv is visible in process listings). The header is scoped to the
// same host remoteURL resolves so GHES remotes authenticate too.
// GIT_TERMINAL_PROMPT=0 makes credential prompts fail fast instead of
// hanging a server process.
func (e *Engine) gitAuthEnv(token string) []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}
	if token == "" {
		return env
	}
	basic := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	env = append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http."+e.webHost()+"/.extraheader",
		"GIT_CONFIG_VALUE_0=Authorization: basic "+basic,
	)
	return env
}

// runGit executes one git command in dir without retry.
func (e *Engine) runGit(ctx context.Context, dir string, args ...string) (*RunResult, error) {
	return e.runner.Run(ctx, CommandSpec{
		Name: "git",
		Args: args,
		Dir:  dir,
		Env:  e.gitAuthEnv(e.tokenFn()),
	})
}

// runGitWithRetry executes one git command with the retry policy:
//
//   - rate-limit markers in stderr retry with bounded backoff plus jitter;
//   - an auth-looking failure during fetch retries once with no auth env,
//     which lets cached credentials or public access succeed when the
//     configured token is stale;
//   - a persistent auth failure surfaces as AuthError.
func (e *Engine) runGitWithRetry(ctx context.Context, dir string, args ...string) (*RunResult, error) {
	attempts := e.cfg.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	env := e.gitAuthEnv(e.tokenFn())
	triedNoAuth := false

	var result *RunResult
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err = e.runner.Run(ctx, CommandSpec{Name: "git", Args: args, Dir: dir, Env: env})
		if err != nil {
			return result, err
		}
		if result.ExitCode == 0 {
			return result, nil
		}

		stderr := strings.ToLower(result.Stderr)

		if containsAny(stderr, rateLimitMarkers) {
			delay := backoffDelay(e.cfg.RetryBaseDelay, e.cfg.RetryMaxWait, attempt)
			gitLog.Printf("git %v hit rate limit (attempt %d/%d), backing off %s", args, attempt, attempts, delay)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		if containsAny(stderr, authMarkers) {
			// During fetch, one unauthenticated retry allows public repos to
			// work around a stale token.
			if !triedNoAuth && len(args) > 0 && args[0] == "fetch" {
				gitLog.Printf("git fetch auth failure, retrying without auth env")
				env = []string{"GIT_TERMINAL_PROMPT=0"}
				triedNoAuth = true
				continue
			}
			return result, &brokererrors.AuthError{Reason: fmt.Sprintf("git %s rejected credentials", args[0])}
		}

		break
	}

	return result, gitCommandError(args, result)
}

// gitCommandError wraps a failed git invocation with its bounded stderr.
func gitCommandError(args []string, result *RunResult) error {
	if result == nil {
		return fmt.Errorf("git %v failed with no result", args)
	}
	if result.ExitCode == 0 {
		return nil
	}
	return fmt.Errorf("git %s failed (exit %d): %s", strings.Join(args, " "), result.ExitCode, strings.TrimSpace(result.Stderr))
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func backoffDelay(base, maxWait time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := base << (attempt - 1)
	// Jitter avoids synchronized retries across concurrent workspaces.
	delay += time.Duration(rand.Int63n(int64(base / 2)))
	if maxWait > 0 && delay > maxWait {
		delay = maxWait
	}
	return delay
}
