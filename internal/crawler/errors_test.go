package crawler

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify_PreservesChain(t *testing.T) {
	t.Parallel()

	base := errors.New("dial tcp: i/o timeout")
	err := Transient(base)
	require.ErrorIs(t, err, ErrTransientNetwork)
	require.ErrorIs(t, err, base)
	require.True(t, IsRetryable(err))
}

func TestIsPermissionDenied(t *testing.T) {
	t.Parallel()

	require.True(t, IsPermissionDenied(Permission(errors.New("nope"))))
	require.True(t, IsPermissionDenied(errors.New("new row violates row-level security policy")))
	require.True(t, IsPermissionDenied(errors.New("googleapi: Error 403: forbidden")))
	require.False(t, IsPermissionDenied(errors.New("connection reset")))
	require.False(t, IsRetryable(errors.New("permission denied for table images")))
}

func TestIsRetryable(t *testing.T) {
	t.Parallel()

	require.False(t, IsRetryable(nil))
	require.False(t, IsRetryable(TransformFailure(errors.New("bad gif"))))
	require.False(t, IsRetryable(ErrCancelled))
	require.True(t, IsRetryable(Classify(ErrConflict, errors.New("duplicate key"))))
}

func TestCheckpoint(t *testing.T) {
	t.Parallel()

	require.NoError(t, Checkpoint(context.Background(), nil))
	require.ErrorIs(t, Checkpoint(context.Background(), func(context.Context) bool { return true }), ErrCancelled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Checkpoint(ctx, nil), ErrCancelled)

	ctx, cancelCause := context.WithCancelCause(context.Background())
	cancelCause(ErrCancelled)
	require.ErrorIs(t, Checkpoint(ctx, nil), ErrCancelled)
}

func TestStatusError(t *testing.T) {
	t.Parallel()

	require.NoError(t, StatusError(200))
	require.NoError(t, StatusError(302))
	require.ErrorIs(t, StatusError(503), ErrTransientNetwork)
	require.ErrorIs(t, StatusError(429), ErrTransientNetwork)
	require.ErrorIs(t, StatusError(403), ErrPermission)
	require.ErrorIs(t, StatusError(404), ErrNotFound)
	require.False(t, IsRetryable(StatusError(410)))
}
