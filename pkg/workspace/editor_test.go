package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeOpAliases(t *testing.T) {
	tests := []struct {
		in   Operation
		want string
	}{
		{Operation{Op: "rm"}, "delete"},
		{Operation{Op: "mv"}, "move"},
		{Operation{Op: "mkdirp"}, "mkdir"},
		{Operation{Op: "  Write "}, "write"},
		{Operation{OperationAlias: "move"}, "move"},
	}
	for _, tt := range tests {
		got := NormalizeOp(tt.in)
		assert.Equal(t, tt.want, got.Op)
		assert.Empty(t, got.OperationAlias)
	}

	// Idempotent.
	once := NormalizeOp(Operation{Op: "rm"})
	assert.Equal(t, once, NormalizeOp(once))
}

func TestReadOnlyOps(t *testing.T) {
	write := []Operation{{Op: "write", Path: "x"}}
	reads := []Operation{{Op: "read_sections", Path: "x"}, {Op: "read_sections", Path: "y"}}

	assert.True(t, ReadOnlyOps(write, true), "preview is always read-only")
	assert.True(t, ReadOnlyOps(reads, false))
	assert.False(t, ReadOnlyOps(write, false))
	assert.False(t, ReadOnlyOps(append(reads, write...), false))
	assert.False(t, ReadOnlyOps(nil, false))
}

func TestApplyOperationsWriteAndEdit(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "one\ntwo\nthree\n",
	})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "write", Path: "b.txt", Content: "hello\n"},
		{Op: "replace_text", Path: "a.txt", Old: "two", New: "2"},
		{Op: "delete_lines", Path: "a.txt", StartLine: 3, EndLine: 3},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, result.Applied)
	assert.Zero(t, result.Failed)

	assert.Equal(t, "hello\n", readFile(t, dir, "b.txt"))
	assert.Equal(t, "one\n2\n", readFile(t, dir, "a.txt"))
}

func TestApplyOperationsPreviewNeverMutates(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "hello world\n",
	})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "move", Src: "a.txt", Dst: "b.txt"},
		{Op: "replace_text", Path: "b.txt", Old: "world", New: "there"},
	}, EditOptions{PreviewOnly: true})
	require.NoError(t, err)
	assert.True(t, result.Preview)
	for _, res := range result.Results {
		assert.Equal(t, "ok", res.Status)
	}

	assert.Equal(t, "hello world\n", readFile(t, dir, "a.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "b.txt"))
}

func TestApplyOperationsRollbackRestoresPreState(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "original\n",
	})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "write", Path: "a.txt", Content: "mutated\n"},
		{Op: "write", Path: "created.txt", Content: "new\n"},
		{Op: "replace_text", Path: "a.txt", Old: "missing text", New: "x"},
	}, EditOptions{RollbackOnError: true})
	require.NoError(t, err)
	assert.True(t, result.RolledBack)
	assert.Equal(t, 1, result.Failed)

	assert.Equal(t, "original\n", readFile(t, dir, "a.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "created.txt"), "newly created files must be removed on rollback")
}

func TestApplyOperationsFailFastStops(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"a.txt": "x\n"})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "replace_text", Path: "a.txt", Old: "absent", New: "y"},
		{Op: "write", Path: "b.txt", Content: "should not happen\n"},
	}, EditOptions{FailFast: true})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "error", result.Results[0].Status)
	assert.NoFileExists(t, filepath.Join(dir, "b.txt"))
}

func TestApplyOperationsDeleteNoop(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	seedWorkspace(t, e, "o/r", "main", nil)

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "rm", Path: "absent.txt"},
	}, EditOptions{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "noop", result.Results[0].Status)
	assert.Equal(t, "delete", result.Results[0].Op)
}

func TestApplyOperationsMoveThenEditMovedFile(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"a.txt": "hello world\n"})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "move", Src: "a.txt", Dst: "b.txt"},
		{Op: "replace_text", Path: "b.txt", Old: "world", New: "there"},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Applied)
	assert.Equal(t, "hello there\n", readFile(t, dir, "b.txt"))
	assert.NoFileExists(t, filepath.Join(dir, "a.txt"))
}

func TestApplyOperationsEditRange(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "1\n2\n3\n4\n",
	})

	_, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "edit_range", Path: "a.txt", StartLine: 2, EndLine: 3, Content: "two\nthree"},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1\ntwo\nthree\n4\n", readFile(t, dir, "a.txt"))
}

func TestApplyOperationsDeleteWordAndChars(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "hello cruel world\nabcdef\n",
	})

	_, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "delete_word", Path: "a.txt", Line: 1, Word: "cruel "},
		{Op: "delete_chars", Path: "a.txt", Line: 2, StartCol: 2, EndCol: 4},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello world\naef\n", readFile(t, dir, "a.txt"))
}

func TestApplyOperationsReadSections(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	seedWorkspace(t, e, "o/r", "main", map[string]string{
		"a.txt": "1\n2\n3\n4\n5\n",
	})

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "read_sections", Path: "a.txt", Sections: []Section{{StartLine: 2, EndLine: 3}, {StartLine: 5, EndLine: 5}}},
	}, EditOptions{})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, []string{"2\n3", "5"}, result.Results[0].Sections)
}

func TestApplyOperationsApplyPatchOp(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"x.txt": "keep\nold\n"})

	patch := "diff --git a/x.txt b/x.txt\n@@ -1,2 +1,2 @@\n keep\n-old\n+new\n"
	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "apply_patch", Patch: patch},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Applied)
	assert.Equal(t, "keep\nnew\n", readFile(t, dir, "x.txt"))
}

func TestApplyOperationsPreservesFileMode(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	dir := seedWorkspace(t, e, "o/r", "main", map[string]string{"run.sh": "#!/bin/sh\necho old\n"})
	require.NoError(t, os.Chmod(filepath.Join(dir, "run.sh"), 0o755))

	_, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "replace_text", Path: "run.sh", Old: "old", New: "new"},
	}, EditOptions{})
	require.NoError(t, err)

	info, err := os.Stat(filepath.Join(dir, "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestApplyOperationsUnknownOp(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	seedWorkspace(t, e, "o/r", "main", nil)

	result, err := e.ApplyOperations(context.Background(), "o/r", "main", []Operation{
		{Op: "transmogrify", Path: "a.txt"},
	}, EditOptions{})
	require.NoError(t, err)
	assert.Equal(t, "error", result.Results[0].Status)
	assert.Contains(t, result.Results[0].Message, "transmogrify")
}

func TestApplyOperationsRequiresOps(t *testing.T) {
	e := testEngine(t, &fakeRunner{})
	seedWorkspace(t, e, "o/r", "main", nil)

	_, err := e.ApplyOperations(context.Background(), "o/r", "main", nil, EditOptions{})
	require.Error(t, err)
}
