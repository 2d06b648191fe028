package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/adaptiv/gh-broker/pkg/constants"
	brokererrors "github.com/adaptiv/gh-broker/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	t.Run("nil becomes empty map", func(t *testing.T) {
		args, err := NormalizeArgs(nil)
		require.NoError(t, err)
		assert.Empty(t, args)
	})

	t.Run("map passes through", func(t *testing.T) {
		in := map[string]any{"a": 1}
		args, err := NormalizeArgs(in)
		require.NoError(t, err)
		assert.Equal(t, in, args)
	})

	t.Run("JSON string is parsed", func(t *testing.T) {
		args, err := NormalizeArgs(`{"full_name": "octo/repo"}`)
		require.NoError(t, err)
		assert.Equal(t, "octo/repo", args["full_name"])
	})

	t.Run("idempotent", func(t *testing.T) {
		once, err := NormalizeArgs(`{"a": 1}`)
		require.NoError(t, err)
		twice, err := NormalizeArgs(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	})

	t.Run("non-object string is a validation error", func(t *testing.T) {
		_, err := NormalizeArgs(`[1, 2]`)
		var verr *brokererrors.ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("other types rejected", func(t *testing.T) {
		_, err := NormalizeArgs(42)
		var verr *brokererrors.ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestDispatchSuccess(t *testing.T) {
	r := newTestRegistry(t, echoTool("echo", constants.ReadOnly))

	result := r.Dispatch(context.Background(), "echo", map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	m, ok := result.(map[string]any)
	require.True(t, ok, "success results are returned as-is, not enveloped")
	assert.Equal(t, true, m["ok"])

	metrics := r.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics["echo"].CallsTotal)
	assert.Equal(t, int64(0), metrics["echo"].ErrorsTotal)
	assert.Equal(t, int64(0), metrics["echo"].WriteCallsTotal)
}

func TestDispatchUnknownTool(t *testing.T) {
	r := newTestRegistry(t, echoTool("echo", constants.ReadOnly))

	result := r.Dispatch(context.Background(), "nope", nil, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, brokererrors.CategoryNotFound, env.ErrorDetail.Category)
}

func TestDispatchValidationFailure(t *testing.T) {
	r := newTestRegistry(t, echoTool("echo", constants.ReadOnly))

	result := r.Dispatch(context.Background(), "echo", map[string]any{"full_name": 7}, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, brokererrors.CategoryValidation, env.ErrorDetail.Category)
	assert.False(t, env.OK)
}

func TestDispatchWriteGateBlocksWithoutHandlerExecution(t *testing.T) {
	called := false
	tool := echoTool("create_pull_request", constants.RemoteMutation)
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		called = true
		return map[string]any{"ok": true}, nil
	}
	r := newTestRegistry(t, tool)

	result := r.Dispatch(context.Background(), "create_pull_request",
		map[string]any{"full_name": "octo/repo", "ref": "main"}, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, brokererrors.CategoryWriteApprovalRequired, env.ErrorDetail.Category)
	assert.Equal(t, brokererrors.CodeWriteApproval, env.ErrorDetail.Code)
	assert.False(t, called, "the handler must never run behind a closed gate")
}

func TestDispatchAfterAuthorize(t *testing.T) {
	tool := echoTool("create_pull_request", constants.RemoteMutation)
	r := newTestRegistry(t, tool)

	r.Gate().Authorize(true)
	result := r.Dispatch(context.Background(), "create_pull_request",
		map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	_, isEnvelope := result.(brokererrors.Envelope)
	assert.False(t, isEnvelope)

	metrics := r.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics["create_pull_request"].WriteCallsTotal)
}

func TestDispatchResolverDowngradesPreview(t *testing.T) {
	tool := echoTool("apply_workspace_operations", constants.LocalMutation)
	tool.WriteResolver = func(args map[string]any) bool {
		preview, _ := args["preview_only"].(bool)
		return !preview
	}
	r := newTestRegistry(t, tool)

	// Gate is closed, but a preview run is effectively read-only.
	result := r.Dispatch(context.Background(), "apply_workspace_operations",
		map[string]any{"full_name": "octo/repo", "preview_only": true}, DispatchOptions{})
	_, isEnvelope := result.(brokererrors.Envelope)
	assert.False(t, isEnvelope)

	result = r.Dispatch(context.Background(), "apply_workspace_operations",
		map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, brokererrors.CategoryWriteApprovalRequired, env.ErrorDetail.Category)
}

func TestDispatchHandlerError(t *testing.T) {
	tool := echoTool("boom", constants.ReadOnly)
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return nil, fmt.Errorf("downstream failed: %w", errors.New("disk full"))
	}
	r := newTestRegistry(t, tool)

	result := r.Dispatch(context.Background(), "boom", map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "boom", env.ToolSurface)

	metrics := r.Metrics().Snapshot()
	assert.Equal(t, int64(1), metrics["boom"].ErrorsTotal)
}

func TestDispatchCancelledContext(t *testing.T) {
	tool := echoTool("slow", constants.ReadOnly)
	tool.Handler = func(ctx context.Context, _ map[string]any) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r := newTestRegistry(t, tool)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := r.Dispatch(ctx, "slow", map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, "cancelled", env.Status)
	assert.Equal(t, brokererrors.CategoryCancelled, env.ErrorDetail.Category)
}

func TestDispatchStripsInternalFields(t *testing.T) {
	tool := echoTool("diffy", constants.ReadOnly)
	tool.Handler = func(_ context.Context, _ map[string]any) (any, error) {
		return map[string]any{
			"ok":           true,
			"__log_diff":   "+added\n-removed",
			"__log_counts": map[string]any{"added": 1, "removed": 1},
		}, nil
	}
	r := newTestRegistry(t, tool)

	result := r.Dispatch(context.Background(), "diffy", map[string]any{"full_name": "octo/repo"}, DispatchOptions{})
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"ok": true}, m)
}

func TestDispatchEnvelopeCarriesRequestInfo(t *testing.T) {
	r := newTestRegistry(t, echoTool("echo", constants.ReadOnly))

	ctx := WithRequestInfo(context.Background(), RequestInfo{
		RequestID:      "aaaabbbbccccddddaaaabbbbccccdddd",
		IdempotencyKey: "key-1",
	})
	result := r.Dispatch(ctx, "nope", nil, DispatchOptions{})
	env, ok := result.(brokererrors.Envelope)
	require.True(t, ok)
	assert.Equal(t, "aaaabbbbccccddddaaaabbbbccccdddd", env.Request["request_id"])
	assert.Equal(t, "key-1", env.Request["idempotency_key"])
}
