package ghclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var requestLog = logger.New("ghclient:request")

// bodyPreviewMax bounds the response-body excerpt carried in API errors.
const bodyPreviewMax = 512

// Response is the normalized result of a wrapped request.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	JSON       any               `json:"json,omitempty"`
	Text       string            `json:"text,omitempty"`
	Body       []byte            `json:"-"`
	DurationMS int64             `json:"duration_ms"`
}

// APIGet issues a GET against the GitHub API base URL.
func (p *Pool) APIGet(ctx context.Context, path string, headers map[string]string) (*Response, error) {
	return p.doAPI(ctx, http.MethodGet, path, headers, nil)
}

// APIJSON issues a request with a JSON body against the GitHub API base URL.
func (p *Pool) APIJSON(ctx context.Context, method, path string, payload any) (*Response, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = strings.NewReader(string(data))
	}
	headers := map[string]string{"Content-Type": "application/json"}
	return p.doAPI(ctx, method, path, headers, body)
}

func (p *Pool) doAPI(ctx context.Context, method, path string, headers map[string]string, body io.Reader) (*Response, error) {
	u, err := p.apiURL(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.Do(ctx, kindAPI, req)
}

func (p *Pool) apiURL(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	base := strings.TrimSuffix(p.cfg.GitHubAPIBaseURL, "/")
	if _, err := url.Parse(base); err != nil {
		return "", fmt.Errorf("invalid API base URL %q: %w", base, err)
	}
	return base + "/" + strings.TrimPrefix(path, "/"), nil
}

// Do executes req through the pooled client for kind, under the concurrency
// semaphore, with metrics and status-code error mapping.
func (p *Pool) Do(ctx context.Context, kind clientKind, req *http.Request) (*Response, error) {
	release := p.acquire()
	defer release()

	start := time.Now()
	p.metrics.recordRequest()

	resp, err := p.client(kind).Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			p.metrics.recordError()
			return nil, ctx.Err()
		}
		var urlErr *url.Error
		if errors.As(err, &urlErr) && urlErr.Timeout() {
			p.metrics.recordTimeout()
			p.metrics.recordError()
			return nil, &brokererrors.TimeoutError{
				Operation: fmt.Sprintf("%s %s", req.Method, req.URL.Path),
				Limit:     p.cfg.GitHubTimeout,
			}
		}
		p.metrics.recordError()
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		p.metrics.recordError()
		return nil, fmt.Errorf("failed to read response body: %w", readErr)
	}

	requestLog.Printf("%s %s -> %d (%dms)", req.Method, req.URL.Path, resp.StatusCode, duration.Milliseconds())

	if err := p.mapStatus(resp, data); err != nil {
		p.metrics.recordError()
		return nil, err
	}

	return normalizeResponse(resp, data, duration), nil
}

// mapStatus converts non-2xx responses to typed errors.
func (p *Pool) mapStatus(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	preview := string(body)
	if len(preview) > bodyPreviewMax {
		preview = preview[:bodyPreviewMax]
	}

	switch {
	case code == http.StatusUnauthorized:
		return &brokererrors.AuthError{Reason: "github rejected the credential (401)"}
	case code == http.StatusForbidden && rateLimited(resp):
		p.metrics.recordRateLimit()
		return &brokererrors.RateLimitError{
			RetryAfter: retryAfter(resp),
			Message:    "github rate limit exceeded (403)",
		}
	case code == http.StatusTooManyRequests:
		p.metrics.recordRateLimit()
		return &brokererrors.RateLimitError{
			RetryAfter: retryAfter(resp),
			Message:    "github rate limit exceeded (429)",
		}
	default:
		return &brokererrors.APIError{
			StatusCode:  code,
			Message:     http.StatusText(code),
			BodyPreview: preview,
		}
	}
}

// rateLimited checks the rate-limit headers that accompany a 403.
func rateLimited(resp *http.Response) bool {
	if resp.Header.Get("X-RateLimit-Remaining") == "0" {
		return true
	}
	if resp.Header.Get("Retry-After") != "" {
		return true
	}
	return false
}

func retryAfter(resp *http.Response) time.Duration {
	if raw := resp.Header.Get("Retry-After"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if raw := resp.Header.Get("X-RateLimit-Reset"); raw != "" {
		if reset, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if until := time.Until(time.Unix(reset, 0)); until > 0 {
				return until
			}
		}
	}
	return 0
}

// headerSubset is the small set of headers worth echoing to tool callers.
var headerSubset = []string{"Content-Range", "Accept-Ranges", "ETag", "Content-Length", "Content-Type", "X-RateLimit-Remaining"}

func normalizeResponse(resp *http.Response, body []byte, duration time.Duration) *Response {
	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string),
		Body:       body,
		DurationMS: duration.Milliseconds(),
	}
	for _, h := range headerSubset {
		if v := resp.Header.Get(h); v != "" {
			out.Headers[h] = v
		}
	}

	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "json") && len(body) > 0 {
		var decoded any
		if err := json.Unmarshal(body, &decoded); err == nil {
			out.JSON = decoded
			return out
		}
	}
	out.Text = string(body)
	return out
}
