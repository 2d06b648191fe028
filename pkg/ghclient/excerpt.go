package ghclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/adaptiv/gh-broker/pkg/logger"
)

var excerptLog = logger.New("ghclient:excerpt")

// DefaultExcerptMaxBytes bounds a single excerpt read.
const DefaultExcerptMaxBytes = 64 * 1024

// metadataBodyMax bounds the contents-API JSON read backing Excerpt.Metadata.
// The API inlines base64 content only below 1MB, so the cap leaves headroom.
const metadataBodyMax = 4 << 20

// ExcerptRequest selects a byte window of a repository file.
// StartByte and TailBytes are mutually exclusive.
type ExcerptRequest struct {
	FullName      string
	Path          string
	Ref           string
	StartByte     *int64
	TailBytes     *int64
	MaxBytes      int64
	AsText        bool
	MaxTextChars  int
	NumberedLines bool
}

// FileMetadata is the contents-API description of the excerpted file.
type FileMetadata struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	SHA         string `json:"sha"`
	Size        int64  `json:"size"`
	Encoding    string `json:"encoding,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
}

// Excerpt is the windowed read result.
type Excerpt struct {
	RangeRequested string            `json:"range_requested"`
	Size           int               `json:"size"`
	Truncated      bool              `json:"truncated"`
	Content        []byte            `json:"-"`
	Text           string            `json:"text,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Metadata       *FileMetadata     `json:"metadata,omitempty"`
	Note           string            `json:"note,omitempty"`
}

// GetFileExcerpt streams a byte range of a file via the raw content API.
// Reading stops at MaxBytes even if the server sends more; Truncated reports
// whether anything was left unread.
func (p *Pool) GetFileExcerpt(ctx context.Context, req ExcerptRequest) (*Excerpt, error) {
	if req.StartByte != nil && req.TailBytes != nil {
		return nil, &brokererrors.ValidationError{Violations: []brokererrors.FieldViolation{
			{Field: "start_byte", Message: "start_byte and tail_bytes are mutually exclusive"},
		}}
	}
	maxBytes := req.MaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultExcerptMaxBytes
	}

	rangeHeader, note := buildRangeHeader(req.StartByte, req.TailBytes, maxBytes)

	u, err := p.apiURL(fmt.Sprintf("/repos/%s/contents/%s?ref=%s",
		req.FullName, escapePath(req.Path), url.QueryEscape(req.Ref)))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build excerpt request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/vnd.github.raw")
	if rangeHeader != "" {
		httpReq.Header.Set("Range", rangeHeader)
	}

	release := p.acquire()
	defer release()

	p.metrics.recordRequest()
	resp, err := p.client(kindRaw).Do(httpReq)
	if err != nil {
		p.metrics.recordError()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("excerpt request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		p.metrics.recordError()
		return nil, &brokererrors.NotFoundError{Path: req.Path}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		p.metrics.recordError()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, bodyPreviewMax))
		return p.nilExcerptError(resp.StatusCode, body)
	}

	// Read one byte beyond the cap to learn whether the window was cut short.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		p.metrics.recordError()
		return nil, fmt.Errorf("failed to stream excerpt: %w", err)
	}
	truncated := int64(len(data)) > maxBytes
	if truncated {
		data = data[:maxBytes]
	}

	excerpt := &Excerpt{
		RangeRequested: rangeHeader,
		Size:           len(data),
		Truncated:      truncated,
		Content:        data,
		Headers:        make(map[string]string),
		Note:           note,
	}
	for _, h := range headerSubset {
		if v := resp.Header.Get(h); v != "" {
			excerpt.Headers[h] = v
		}
	}

	if req.AsText {
		excerpt.Text = decodeText(data, req.MaxTextChars, req.NumberedLines, req.StartByte)
	}
	excerpt.Metadata = p.fetchExcerptMetadata(ctx, u)

	excerptLog.Printf("Excerpt %s/%s: range=%q size=%d truncated=%v",
		req.FullName, req.Path, rangeHeader, excerpt.Size, truncated)
	return excerpt, nil
}

// fetchExcerptMetadata asks the same contents URL for its JSON form to pick
// up size, sha, and encoding. Best effort: files above the inline-content
// limit make the JSON endpoint fail, and the excerpt stands without it.
func (p *Pool) fetchExcerptMetadata(ctx context.Context, contentsURL string) *FileMetadata {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, contentsURL, nil)
	if err != nil {
		return nil
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	p.metrics.recordRequest()
	resp, err := p.client(kindAPI).Do(req)
	if err != nil {
		excerptLog.Printf("Metadata fetch failed: %v", err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		excerptLog.Printf("Metadata fetch returned %d, continuing without metadata", resp.StatusCode)
		return nil
	}

	var meta FileMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, metadataBodyMax)).Decode(&meta); err != nil {
		excerptLog.Printf("Metadata decode failed: %v", err)
		return nil
	}
	return &meta
}

func (p *Pool) nilExcerptError(status int, body []byte) (*Excerpt, error) {
	return nil, &brokererrors.APIError{
		StatusCode:  status,
		Message:     http.StatusText(status),
		BodyPreview: string(body),
	}
}

// buildRangeHeader picks between bytes=<s>-<e>, bytes=-<tail> (capped by
// max) and an open-ended window. The open form relies on the read cap to
// stop at maxBytes rather than an end bound in the header.
func buildRangeHeader(start, tail *int64, maxBytes int64) (header, note string) {
	switch {
	case tail != nil:
		n := *tail
		if n > maxBytes {
			n = maxBytes
		}
		return fmt.Sprintf("bytes=-%d", n),
			fmt.Sprintf("tail read: the last %d bytes of the file", n)
	case start != nil:
		return fmt.Sprintf("bytes=%d-%d", *start, *start+maxBytes-1), ""
	default:
		return "bytes=0-", ""
	}
}

// decodeText renders bytes as UTF-8 with replacement characters, optionally
// capped and line-numbered. Line numbers are relative to the excerpt, not the
// file, when the read did not start at byte zero.
func decodeText(data []byte, maxChars int, numbered bool, startByte *int64) string {
	text := strings.ToValidUTF8(string(data), string(utf8.RuneError))
	if maxChars > 0 && len(text) > maxChars {
		text = text[:maxChars]
	}
	if !numbered {
		return text
	}

	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	var sb strings.Builder
	for i, line := range lines {
		fmt.Fprintf(&sb, "%6d | %s\n", i+1, line)
	}
	if startByte != nil && *startByte > 0 {
		sb.WriteString("(line numbers are relative to the excerpt window)\n")
	}
	return sb.String()
}

// escapePath percent-encodes each path segment without touching separators.
func escapePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}
