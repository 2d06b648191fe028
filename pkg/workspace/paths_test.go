package workspace

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "main"},
		{"  ", "main"},
		{".", "main"},
		{"./", "main"},
		{"/", "main"},
		{"main", "main"},
		{"feature/x", "feature/x"},
		{"  develop  ", "develop"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeRef(tt.in), "NormalizeRef(%q)", tt.in)
	}
}

func TestValidateRef(t *testing.T) {
	valid := []string{"main", "feature/x", "release-1.2", "v1.0.0", "user/deep/branch"}
	for _, ref := range valid {
		assert.NoError(t, ValidateRef(ref), "ref %q should be valid", ref)
	}

	invalid := []string{
		"a..b",
		"ref@{1}",
		"/leading",
		"trailing/",
		"with:colon",
		"branch.lock",
		"-starts-with-dash",
		".hidden",
	}
	for _, ref := range invalid {
		assert.Error(t, ValidateRef(ref), "ref %q should be rejected", ref)
	}
}

func TestValidateFullName(t *testing.T) {
	assert.NoError(t, ValidateFullName("owner/repo"))
	for _, name := range []string{"", "owner", "owner/", "/repo", "a/b/c"} {
		assert.Error(t, ValidateFullName(name), "full name %q should be rejected", name)
	}
}

func TestDirFor(t *testing.T) {
	dir := DirFor("/ws", "owner/repo", "feature/x")
	assert.Equal(t, filepath.Join("/ws", "owner__repo", "feature__x"), dir)

	// Degenerate refs key under main.
	assert.Equal(t, DirFor("/ws", "owner/repo", ""), DirFor("/ws", "owner/repo", "main"))
}

func TestSafeJoin(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name string
		rel  string
		want string
	}{
		{"empty means root", "", root},
		{"slash means root", "/", root},
		{"plain file", "docs/x.md", filepath.Join(root, "docs", "x.md")},
		{"leading slash stripped", "/docs/x.md", filepath.Join(root, "docs", "x.md")},
		{"dotdot clamped at root", "../docs/x.md", filepath.Join(root, "docs", "x.md")},
		{"dotdot clamped mid-path", "a/../../docs/x.md", filepath.Join(root, "docs", "x.md")},
		{"dot segments dropped", "./a/./b", filepath.Join(root, "a", "b")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SafeJoin(root, tt.rel)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SafeJoin(root, "C:/windows/system32")
	assert.Error(t, err, "drive syntax must be rejected")
}

func TestLockKeyNormalizes(t *testing.T) {
	assert.Equal(t, LockKey("o/r", ""), LockKey("o/r", "main"))
	assert.NotEqual(t, LockKey("o/r", "main"), LockKey("o/r", "dev"))
}
