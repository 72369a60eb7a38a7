package async

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult_CompleteOnce(t *testing.T) {
	r := New[int]()
	_, ready, _ := r.Poll()
	assert.False(t, ready)

	assert.True(t, r.Complete(7, nil))
	assert.False(t, r.Complete(9, errors.New("late")))

	v, ready, err := r.Poll()
	require.True(t, ready)
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestResult_Go(t *testing.T) {
	r := Go(context.Background(), func(ctx context.Context) (string, error) {
		return "ok", nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestResult_WaitCancelled(t *testing.T) {
	r := New[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
