package ghclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitFullName(t *testing.T) {
	owner, repo, err := splitFullName("o/r")
	require.NoError(t, err)
	assert.Equal(t, "o", owner)
	assert.Equal(t, "r", repo)

	for _, bad := range []string{"", "o", "o/", "/r", "a/b/c"} {
		_, _, err := splitFullName(bad)
		assert.Error(t, err, "full name %q", bad)
	}
}

func contentsHandler(t *testing.T, file map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/repos/o/r/contents/") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(file)
	})
}

func TestDecodeContentSmallFile(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("hello\n"))
	p, _ := testPool(t, contentsHandler(t, map[string]any{
		"type":     "file",
		"path":     "f.txt",
		"sha":      "abc123",
		"size":     6,
		"encoding": "base64",
		"content":  encoded,
	}))

	content, err := p.DecodeContent(context.Background(), "o/r", "f.txt", "main")
	require.NoError(t, err)
	assert.False(t, content.LargeFile)
	assert.Equal(t, "hello\n", string(content.Content))
	assert.Equal(t, "abc123", content.SHA)
}

func TestDecodeContentLargeFileRedirects(t *testing.T) {
	p, _ := testPool(t, contentsHandler(t, map[string]any{
		"type":    "file",
		"path":    "big.bin",
		"sha":     "def456",
		"size":    5 * 1024 * 1024,
		"content": "",
	}))

	content, err := p.DecodeContent(context.Background(), "o/r", "big.bin", "main")
	require.NoError(t, err)
	assert.True(t, content.LargeFile)
	assert.Contains(t, content.Message, "get_file_excerpt")
	assert.Empty(t, content.Content)
}

func TestDecodeContentNotFound(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))

	_, err := p.DecodeContent(context.Background(), "o/r", "absent.txt", "main")
	var nferr *brokererrors.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "absent.txt", nferr.Path)
}

func TestResolveFileSHAMissingFileIsEmpty(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "Not Found"}`))
	}))

	sha, err := p.ResolveFileSHA(context.Background(), "o/r", "absent.txt", "main")
	require.NoError(t, err)
	assert.Empty(t, sha)
}

func TestPerformCommitStripsInlineContent(t *testing.T) {
	var gotMethod string
	var gotBody map[string]any
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"content": {"path": "f.txt", "sha": "newsha", "html_url": "https://github.com/o/r/blob/feat/f.txt",
			            "content": "SHOULD-BE-STRIPPED"},
			"commit": {"sha": "commitsha"}
		}`)
	}))

	result, err := p.PerformCommit(context.Background(), "o/r", "feat", "f.txt", "Create f.txt", []byte("body"), "")
	require.NoError(t, err)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "Create f.txt", gotBody["message"])
	assert.Equal(t, "feat", gotBody["branch"])
	assert.NotContains(t, gotBody, "sha", "create must not send a sha")

	assert.Equal(t, "newsha", result.SHA)
	assert.Equal(t, "commitsha", result.CommitSHA)
	assert.Equal(t, "feat", result.Branch)

	// The result type has no field that could carry the inline content.
	encoded, err := json.Marshal(result)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "SHOULD-BE-STRIPPED")
}

func TestPerformCommitUpdateSendsSHA(t *testing.T) {
	var gotBody map[string]any
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"content": {"path": "f.txt", "sha": "s2"}, "commit": {"sha": "c2"}}`)
	}))

	_, err := p.PerformCommit(context.Background(), "o/r", "feat", "f.txt", "Update", []byte("body"), "oldsha")
	require.NoError(t, err)
	assert.Equal(t, "oldsha", gotBody["sha"])
}

func TestCheckSSRF(t *testing.T) {
	blocked := []string{
		"localhost",
		"127.0.0.1",
		"10.1.2.3",
		"172.16.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"::1",
	}
	for _, host := range blocked {
		assert.Error(t, checkSSRF(host), "host %q must be blocked", host)
	}

	allowed := []string{"140.82.112.3", "8.8.8.8"}
	for _, host := range allowed {
		assert.NoError(t, checkSSRF(host), "host %q must be allowed", host)
	}
}

func TestLoadBodyFromContentURLSchemes(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := p.LoadBodyFromContentURL(context.Background(), "ftp://example.com/x")
	var verr *brokererrors.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = p.LoadBodyFromContentURL(context.Background(), "http://127.0.0.1/secret")
	require.ErrorAs(t, err, &verr, "loopback http must be refused")

	_, err = p.LoadBodyFromContentURL(context.Background(), "github:no-path-separator")
	require.ErrorAs(t, err, &verr)
}

func TestLoadBodyFromGitHubScheme(t *testing.T) {
	encoded := base64.StdEncoding.EncodeToString([]byte("payload\n"))
	var gotRef string
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRef = r.URL.Query().Get("ref")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"type": "file", "path": "docs/x.md", "sha": "s", "size": 8,
			"encoding": "base64", "content": encoded,
		})
	}))

	body, err := p.LoadBodyFromContentURL(context.Background(), "github:o/r:docs/x.md@dev")
	require.NoError(t, err)
	assert.Equal(t, "payload\n", string(body))
	assert.Equal(t, "dev", gotRef)
}
