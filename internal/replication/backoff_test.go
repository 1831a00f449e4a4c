package replication

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesUpToMax(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 20*time.Millisecond, b.current)

	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 40*time.Millisecond, b.current)

	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 50*time.Millisecond, b.current) // capped

	require.NoError(t, b.wait(ctx))
	assert.Equal(t, 50*time.Millisecond, b.current)
}

func TestBackoffResetRestoresInitial(t *testing.T) {
	b := newBackoff(10*time.Millisecond, 50*time.Millisecond)
	require.NoError(t, b.wait(context.Background()))
	assert.NotEqual(t, 10*time.Millisecond, b.current)

	b.reset()
	assert.Equal(t, 10*time.Millisecond, b.current)
}

func TestBackoffWaitRespectsCancelledContext(t *testing.T) {
	b := newBackoff(time.Hour, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, b.wait(ctx))
}
