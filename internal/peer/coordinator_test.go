package peer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/domain"
)

var bem0 = Subject{Class: domain.ClassBackEndModule, Slot: 0}

func receive(t *testing.T, l *Loopback) Message {
	t.Helper()
	select {
	case m := <-l.Receive():
		return m
	default:
		t.Fatal("no message pending")
		return nil
	}
}

func TestRequestPermission_PeerNotPresentDeniesOnce(t *testing.T) {
	ch := NewLoopback()
	c := NewCoordinator(domain.SideA, ch, 3, nil, zap.NewNop())

	req, err := c.RequestPermission(context.Background(), bem0)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)
	assert.Equal(t, DenyPeerAbsent, req.Reason)
	assert.Len(t, ch.Sent(), 1, "no retry when the peer is absent")

	// A late deny leaves the outcome alone
	require.NoError(t, c.Handle(context.Background(), &PermissionDeny{ID: req.ID, From: domain.SideB, Subject: bem0}))
	got, err := c.Request(req.ID)
	require.NoError(t, err)
	assert.Equal(t, DenyPeerAbsent, got.Reason)
}

func TestRequestPermission_BusyRetriedUpToBound(t *testing.T) {
	a, _ := NewLoopbackPair(4)
	a.Fail(Busy)
	c := NewCoordinator(domain.SideA, a, 3, nil, zap.NewNop())

	req, err := c.RequestPermission(context.Background(), bem0)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, req.State)
	assert.Equal(t, DenyBusyRetries, req.Reason)
	assert.Equal(t, 3, req.Retries)
	assert.Len(t, a.Sent(), 4)
}

func TestRequestPermission_BusyThenDelivered(t *testing.T) {
	a, b := NewLoopbackPair(4)
	busyOnce := &flakyChannel{Loopback: a, busy: 1}
	c := NewCoordinator(domain.SideA, busyOnce, 3, nil, zap.NewNop())

	req, err := c.RequestPermission(context.Background(), bem0)
	require.NoError(t, err)
	assert.Equal(t, StatePermissionRequested, req.State)
	assert.Equal(t, 1, req.Retries)
	assert.IsType(t, &PermissionRequest{}, receive(t, b))
}

// flakyChannel reports Busy for the first sends.
type flakyChannel struct {
	*Loopback
	busy int
}

func (f *flakyChannel) Send(ctx context.Context, m Message) Status {
	if f.busy > 0 {
		f.busy--
		return Busy
	}
	return f.Loopback.Send(ctx, m)
}

func TestRequestPermission_FatalError(t *testing.T) {
	a, _ := NewLoopbackPair(4)
	a.Fail(Fatal)
	c := NewCoordinator(domain.SideB, a, 3, nil, zap.NewNop())

	req, err := c.RequestPermission(context.Background(), bem0)
	require.NoError(t, err)
	assert.Equal(t, StateFatal, req.State)
	assert.True(t, req.State.Resolved())
	assert.Len(t, a.Sent(), 1)
}

func TestPermission_GrantAndRelease(t *testing.T) {
	ctx := context.Background()
	a, b := NewLoopbackPair(4)
	ca := NewCoordinator(domain.SideA, a, 3, nil, zap.NewNop())
	cb := NewCoordinator(domain.SideB, b, 3, nil, zap.NewNop())

	req, err := ca.RequestPermission(ctx, bem0)
	require.NoError(t, err)
	require.Equal(t, StatePermissionRequested, req.State)

	_, err = ca.RequestPermission(ctx, bem0)
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, cb.Handle(ctx, receive(t, b)))
	assert.True(t, cb.PeerHolds(bem0))

	require.NoError(t, ca.Handle(ctx, receive(t, a)))
	got, err := ca.Request(req.ID)
	require.NoError(t, err)
	assert.Equal(t, StateGranted, got.State)

	// B may not take the subject while A holds it
	breq, err := cb.RequestPermission(ctx, bem0)
	require.NoError(t, err)
	require.NoError(t, ca.Handle(ctx, receive(t, a)))
	require.NoError(t, cb.Handle(ctx, receive(t, b)))
	bgot, err := cb.Request(breq.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDenied, bgot.State)
	assert.Equal(t, DenyByPeer, bgot.Reason)

	require.NoError(t, ca.Release(ctx, req.ID))
	require.NoError(t, cb.Handle(ctx, receive(t, b)))
	assert.False(t, cb.PeerHolds(bem0))
}

func TestPermission_SimultaneousClaimsFavourSideA(t *testing.T) {
	ctx := context.Background()
	a, b := NewLoopbackPair(4)
	ca := NewCoordinator(domain.SideA, a, 3, nil, zap.NewNop())
	cb := NewCoordinator(domain.SideB, b, 3, nil, zap.NewNop())

	reqA, err := ca.RequestPermission(ctx, bem0)
	require.NoError(t, err)
	reqB, err := cb.RequestPermission(ctx, bem0)
	require.NoError(t, err)

	// A denies B, B grants A
	require.NoError(t, ca.Handle(ctx, receive(t, a)))
	require.NoError(t, cb.Handle(ctx, receive(t, b)))
	// Answers
	require.NoError(t, cb.Handle(ctx, receive(t, b)))
	require.NoError(t, ca.Handle(ctx, receive(t, a)))

	gotA, _ := ca.Request(reqA.ID)
	gotB, _ := cb.Request(reqB.ID)
	assert.Equal(t, StateGranted, gotA.State)
	assert.Equal(t, StateDenied, gotB.State)
}

func TestPermission_ResponseNeverRetried(t *testing.T) {
	ctx := context.Background()
	a, _ := NewLoopbackPair(4)
	a.Fail(Busy)
	ca := NewCoordinator(domain.SideA, a, 3, nil, zap.NewNop())

	require.NoError(t, ca.Handle(ctx, &PermissionRequest{ID: uuid.New(), From: domain.SideB, Subject: bem0}))
	assert.Len(t, a.Sent(), 1)
	assert.IsType(t, &PermissionGrant{}, a.Sent()[0])
	assert.False(t, ca.PeerHolds(bem0), "an undelivered grant is not held")
}

func TestHandle_ForwardsStatusMessages(t *testing.T) {
	var got []Message
	fallback := HandlerFunc(func(ctx context.Context, m Message) error {
		got = append(got, m)
		return nil
	})
	c := NewCoordinator(domain.SideA, NewLoopback(), 0, fallback, zap.NewNop())

	alive := &PeerAlive{From: domain.SideB, Sequence: 7, State: "READY"}
	changed := &ConfigChanged{From: domain.SideB, Mask: domain.MaskMgmtModule, Class: domain.ClassMgmtModule}
	require.NoError(t, c.Handle(context.Background(), alive))
	require.NoError(t, c.Handle(context.Background(), changed))
	assert.Equal(t, []Message{alive, changed}, got)
}

func TestPeerLost_DeniesPendingRequests(t *testing.T) {
	a, _ := NewLoopbackPair(4)
	c := NewCoordinator(domain.SideA, a, 3, nil, zap.NewNop())
	req, err := c.RequestPermission(context.Background(), bem0)
	require.NoError(t, err)

	c.PeerLost()
	got, _ := c.Request(req.ID)
	assert.Equal(t, StateDenied, got.State)
	assert.Equal(t, DenyPeerAbsent, got.Reason)
}
