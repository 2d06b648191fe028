package ghclient

import (
	"context"
	"net/http"
	"strings"
	"testing"

	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }

func TestBuildRangeHeader(t *testing.T) {
	tests := []struct {
		name  string
		start *int64
		tail  *int64
		max   int64
		want  string
	}{
		{"open window", nil, nil, 100, "bytes=0-"},
		{"explicit start", int64p(50), nil, 100, "bytes=50-149"},
		{"tail", nil, int64p(10), 100, "bytes=-10"},
		{"tail capped by max", nil, int64p(500), 100, "bytes=-100"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := buildRangeHeader(tt.start, tt.tail, tt.max)
			assert.Equal(t, tt.want, got)
		})
	}

	_, note := buildRangeHeader(nil, int64p(10), 100)
	assert.Contains(t, note, "tail")
}

func TestGetFileExcerptTail(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github+json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"big.bin","path":"big.bin","sha":"abc123","size":4096}`))
			return
		}
		assert.Equal(t, "application/vnd.github.raw", r.Header.Get("Accept"))
		assert.Equal(t, "bytes=-10", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("0123456789"))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName:  "o/r",
		Path:      "big.bin",
		Ref:       "main",
		TailBytes: int64p(10),
		MaxBytes:  100,
	})
	require.NoError(t, err)
	assert.Equal(t, "bytes=-10", excerpt.RangeRequested)
	assert.Equal(t, 10, excerpt.Size)
	assert.False(t, excerpt.Truncated)
	assert.Contains(t, excerpt.Note, "tail")
}

func TestGetFileExcerptStopsAtMaxBytes(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1000)))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName: "o/r",
		Path:     "big.bin",
		MaxBytes: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 100, excerpt.Size)
	assert.True(t, excerpt.Truncated)
}

func TestGetFileExcerptDefaultRangeOpenEnded(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github.raw" {
			assert.Equal(t, "bytes=0-", r.Header.Get("Range"))
		}
		w.Write([]byte("hello"))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName: "o/r",
		Path:     "f.txt",
		MaxBytes: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, "bytes=0-", excerpt.RangeRequested)
	assert.Equal(t, 5, excerpt.Size)
}

func TestGetFileExcerptMetadata(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github+json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"name":"f.txt","path":"dir/f.txt","sha":"deadbeef","size":2048,"encoding":"base64"}`))
			return
		}
		w.Write([]byte("partial window"))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName: "o/r",
		Path:     "dir/f.txt",
		MaxBytes: 100,
	})
	require.NoError(t, err)
	require.NotNil(t, excerpt.Metadata)
	assert.Equal(t, "deadbeef", excerpt.Metadata.SHA)
	assert.Equal(t, int64(2048), excerpt.Metadata.Size)
	assert.Equal(t, "dir/f.txt", excerpt.Metadata.Path)
	assert.Equal(t, "base64", excerpt.Metadata.Encoding)
}

func TestGetFileExcerptMetadataBestEffort(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/vnd.github+json" {
			// Files past the inline-content limit make the JSON endpoint fail.
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("raw bytes"))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName: "o/r",
		Path:     "huge.bin",
		MaxBytes: 100,
	})
	require.NoError(t, err)
	assert.Nil(t, excerpt.Metadata)
	assert.Equal(t, 9, excerpt.Size)
}

func TestGetFileExcerptMutuallyExclusive(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	_, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName:  "o/r",
		Path:      "f",
		StartByte: int64p(0),
		TailBytes: int64p(10),
	})
	require.Error(t, err)
	var verr *brokererrors.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestGetFileExcerptNotFound(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{FullName: "o/r", Path: "absent"})
	var nferr *brokererrors.NotFoundError
	require.ErrorAs(t, err, &nferr)
	assert.Equal(t, "absent", nferr.Path)
}

func TestGetFileExcerptAsTextNumbered(t *testing.T) {
	p, _ := testPool(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alpha\nbeta\n"))
	}))

	excerpt, err := p.GetFileExcerpt(context.Background(), ExcerptRequest{
		FullName:      "o/r",
		Path:          "f.txt",
		AsText:        true,
		NumberedLines: true,
		MaxBytes:      100,
	})
	require.NoError(t, err)
	assert.Contains(t, excerpt.Text, "     1 | alpha")
	assert.Contains(t, excerpt.Text, "     2 | beta")
}

func TestDecodeTextReplacesInvalidUTF8(t *testing.T) {
	text := decodeText([]byte{'o', 'k', 0xff, 0xfe}, 0, false, nil)
	assert.True(t, strings.HasPrefix(text, "ok"))
	assert.True(t, strings.ContainsRune(text, '�'))
}

func TestDecodeTextCapsChars(t *testing.T) {
	text := decodeText([]byte(strings.Repeat("a", 100)), 10, false, nil)
	assert.Len(t, text, 10)
}
