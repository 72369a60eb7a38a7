package deferred

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_CompletesOldestOnce(t *testing.T) {
	q := NewQueue()
	first := q.Enqueue("SET_MGMT_PORT")
	second := q.Enqueue("SET_MGMT_PORT")
	other := q.Enqueue("SET_PORT_CONFIG")

	failed := errors.New("failed")
	assert.True(t, q.Complete("SET_MGMT_PORT", failed))
	assert.Equal(t, 1, q.Len("SET_MGMT_PORT"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, first.Wait(ctx), failed)

	select {
	case <-second.Done():
		t.Fatal("second waiter completed early")
	case <-other.Done():
		t.Fatal("waiter of another operation completed")
	default:
	}

	assert.True(t, q.Complete("SET_MGMT_PORT", nil))
	require.NoError(t, second.Wait(ctx))
	assert.False(t, q.Complete("SET_MGMT_PORT", nil), "queue is empty")
}

func TestQueue_Cancel(t *testing.T) {
	q := NewQueue()
	w := q.Enqueue("SET_MGMT_PORT")
	q.Cancel(w)
	assert.Zero(t, q.Len("SET_MGMT_PORT"))
	assert.False(t, q.Complete("SET_MGMT_PORT", nil))
}
