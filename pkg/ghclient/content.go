package ghclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
	gogithub "github.com/google/go-github/v79/github"
)

var contentLog = logger.New("ghclient:content")

// MaxInlineContentBytes is the size beyond which the Contents API stops
// inlining file bodies; callers are redirected to the excerpt reader.
const MaxInlineContentBytes = 1 << 20

// FileContent is a decoded Contents API file.
type FileContent struct {
	Path      string `json:"path"`
	SHA       string `json:"sha"`
	Size      int    `json:"size"`
	Content   []byte `json:"-"`
	LargeFile bool   `json:"large_file,omitempty"`
	Message   string `json:"message,omitempty"`
}

// CommitResult reports a Contents API commit with the multi-megabyte inline
// content stripped.
type CommitResult struct {
	Path      string `json:"path"`
	SHA       string `json:"sha"`
	CommitSHA string `json:"commit_sha"`
	Branch    string `json:"branch"`
	HTMLURL   string `json:"html_url,omitempty"`
}

// DecodeContent fetches and decodes a file via the Contents API. Files the
// API will not inline come back with LargeFile set instead of an error.
func (p *Pool) DecodeContent(ctx context.Context, fullName, path, ref string) (*FileContent, error) {
	owner, repo, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}
	client, err := p.REST()
	if err != nil {
		return nil, err
	}

	release := p.acquire()
	p.metrics.recordRequest()
	file, _, resp, err := client.Repositories.GetContents(ctx, owner, repo, path,
		&gogithub.RepositoryContentGetOptions{Ref: ref})
	release()
	if err != nil {
		p.metrics.recordError()
		return nil, p.TranslateRESTError(err, resp, path)
	}
	if file == nil {
		return nil, &brokererrors.APIError{
			StatusCode: http.StatusBadRequest,
			Message:    fmt.Sprintf("%s is a directory, not a file", path),
			Category:   brokererrors.CategoryValidation,
		}
	}

	out := &FileContent{
		Path: file.GetPath(),
		SHA:  file.GetSHA(),
		Size: file.GetSize(),
	}

	// GitHub omits inline content for large files; the size cap mirrors that
	// so callers get the same redirect either way.
	if file.GetSize() > MaxInlineContentBytes || file.Content == nil || (*file.Content == "" && file.GetSize() > 0) {
		out.LargeFile = true
		out.Message = fmt.Sprintf(
			"file is %d bytes; inline content is unavailable, use get_file_excerpt for ranged reads", file.GetSize())
		return out, nil
	}

	decoded, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", path, err)
	}
	out.Content = []byte(decoded)
	return out, nil
}

// ResolveFileSHA returns the blob SHA of path at ref, or "" when the file
// does not exist.
func (p *Pool) ResolveFileSHA(ctx context.Context, fullName, path, ref string) (string, error) {
	content, err := p.DecodeContent(ctx, fullName, path, ref)
	if err != nil {
		var nferr *brokererrors.NotFoundError
		if errors.As(err, &nferr) {
			return "", nil
		}
		return "", err
	}
	return content.SHA, nil
}

// PerformCommit creates or updates path on branch via the Contents API.
// Passing an empty sha creates the file; a non-empty sha updates it.
func (p *Pool) PerformCommit(ctx context.Context, fullName, branch, path, message string, body []byte, sha string) (*CommitResult, error) {
	owner, repo, err := splitFullName(fullName)
	if err != nil {
		return nil, err
	}
	client, err := p.REST()
	if err != nil {
		return nil, err
	}

	opts := &gogithub.RepositoryContentFileOptions{
		Message: gogithub.Ptr(message),
		Content: body,
		Branch:  gogithub.Ptr(branch),
	}
	if sha != "" {
		opts.SHA = gogithub.Ptr(sha)
	}

	release := p.acquire()
	p.metrics.recordRequest()
	var result *gogithub.RepositoryContentResponse
	var resp *gogithub.Response
	if sha == "" {
		result, resp, err = client.Repositories.CreateFile(ctx, owner, repo, path, opts)
	} else {
		result, resp, err = client.Repositories.UpdateFile(ctx, owner, repo, path, opts)
	}
	release()
	if err != nil {
		p.metrics.recordError()
		return nil, p.TranslateRESTError(err, resp, path)
	}

	contentLog.Printf("Committed %s to %s@%s", path, fullName, branch)
	// The response's inline content can be megabytes; only the identifiers
	// survive.
	return &CommitResult{
		Path:      result.Content.GetPath(),
		SHA:       result.Content.GetSHA(),
		CommitSHA: result.Commit.GetSHA(),
		Branch:    branch,
		HTMLURL:   result.Content.GetHTMLURL(),
	}, nil
}

// VerifyFileOnBranch re-reads path on branch and reports its SHA and size.
func (p *Pool) VerifyFileOnBranch(ctx context.Context, fullName, branch, path string) (*FileContent, error) {
	return p.DecodeContent(ctx, fullName, path, branch)
}

// TranslateRESTError maps go-github errors onto the broker taxonomy.
func (p *Pool) TranslateRESTError(err error, resp *gogithub.Response, path string) error {
	var rateErr *gogithub.RateLimitError
	if errors.As(err, &rateErr) {
		p.metrics.recordRateLimit()
		return &brokererrors.RateLimitError{Message: rateErr.Message}
	}
	var abuseErr *gogithub.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		p.metrics.recordRateLimit()
		retry := abuseErr.GetRetryAfter()
		return &brokererrors.RateLimitError{RetryAfter: retry, Message: abuseErr.Message}
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	switch status {
	case http.StatusUnauthorized:
		return &brokererrors.AuthError{Reason: "github rejected the credential (401)"}
	case http.StatusNotFound:
		return &brokererrors.NotFoundError{Path: path}
	case 0:
		return fmt.Errorf("github request failed: %w", err)
	default:
		return &brokererrors.APIError{StatusCode: status, Message: err.Error()}
	}
}

func splitFullName(fullName string) (owner, repo string, err error) {
	parts := strings.Split(fullName, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "full_name", Message: fmt.Sprintf("%q is not in owner/repo form", fullName)},
		}}
	}
	return parts[0], parts[1], nil
}

// LoadBodyFromContentURL reads body bytes from one of the accepted schemes:
// github:owner/repo:path[@ref], sandbox:<abs-path>, a local absolute path,
// or http(s). HTTP fetches refuse local-network targets.
func (p *Pool) LoadBodyFromContentURL(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case strings.HasPrefix(ref, "github:"):
		return p.loadGitHubScheme(ctx, strings.TrimPrefix(ref, "github:"))
	case strings.HasPrefix(ref, "sandbox:"):
		return p.loadSandboxScheme(ctx, strings.TrimPrefix(ref, "sandbox:"))
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return p.loadHTTP(ctx, ref)
	case strings.HasPrefix(ref, "/"):
		return os.ReadFile(ref)
	default:
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "content_url", Message: fmt.Sprintf("unsupported content URL %q", ref)},
		}}
	}
}

// loadGitHubScheme parses owner/repo:path[@ref].
func (p *Pool) loadGitHubScheme(ctx context.Context, spec string) ([]byte, error) {
	repoPart, pathPart, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "content_url", Message: "github: URL must be github:owner/repo:path[@ref]"},
		}}
	}
	path, ref := pathPart, ""
	if idx := strings.LastIndex(pathPart, "@"); idx >= 0 {
		path, ref = pathPart[:idx], pathPart[idx+1:]
	}
	content, err := p.DecodeContent(ctx, repoPart, path, ref)
	if err != nil {
		return nil, err
	}
	if content.LargeFile {
		return nil, &brokererrors.APIError{
			StatusCode: http.StatusRequestEntityTooLarge,
			Message:    content.Message,
			Category:   brokererrors.CategoryValidation,
		}
	}
	return content.Content, nil
}

// loadSandboxScheme reads a local path first, then optionally rewrites to
// the configured sandbox content base URL.
func (p *Pool) loadSandboxScheme(ctx context.Context, path string) ([]byte, error) {
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}
	if p.cfg.SandboxContentURL == "" {
		return nil, &brokererrors.NotFoundError{Path: path}
	}
	u := strings.TrimSuffix(p.cfg.SandboxContentURL, "/") + "/" + strings.TrimPrefix(path, "/")
	return p.loadHTTP(ctx, u)
}

func (p *Pool) loadHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid content URL: %w", err)
	}
	if err := checkSSRF(u.Hostname()); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build content request: %w", err)
	}
	resp, err := p.Do(ctx, kindExternal, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// blockedNets are local / private ranges never fetched on behalf of callers.
var blockedNets = mustParseCIDRs(
	"127.0.0.0/8",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		nets = append(nets, n)
	}
	return nets
}

// checkSSRF rejects hostnames that name or resolve into local networks.
func checkSSRF(host string) error {
	if host == "" || strings.EqualFold(host, "localhost") {
		return ssrfError(host)
	}
	ips := []net.IP{}
	if ip := net.ParseIP(host); ip != nil {
		ips = append(ips, ip)
	} else {
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("failed to resolve %q: %w", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		for _, blocked := range blockedNets {
			if blocked.Contains(ip) {
				return ssrfError(host)
			}
		}
	}
	return nil
}

func ssrfError(host string) error {
	return &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
		{Field: "content_url", Message: fmt.Sprintf("host %q targets a local network and is not allowed", host)},
	}}
}
