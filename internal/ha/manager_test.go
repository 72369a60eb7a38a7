package ha

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/peer"
)

// MockBroadcaster records broadcast messages.
type MockBroadcaster struct {
	sent []peer.Message
}

func (b *MockBroadcaster) Broadcast(ctx context.Context, m peer.Message) {
	b.sent = append(b.sent, m)
}

func newTestManager(clock *time.Time) (*Manager, *MockBroadcaster) {
	b := &MockBroadcaster{}
	m := NewManager(config.HAConfig{
		Enabled:          true,
		CheckInterval:    time.Second,
		HeartbeatTimeout: 3 * time.Second,
		FailureThreshold: 2,
	}, domain.SideA, b, func() string { return "READY" }, zap.NewNop())
	m.now = func() time.Time { return *clock }
	return m, b
}

func TestManager_TickBroadcastsHeartbeat(t *testing.T) {
	clock := time.Unix(1000, 0)
	m, b := newTestManager(&clock)

	m.Tick(context.Background())
	m.Tick(context.Background())

	require.Len(t, b.sent, 2)
	alive, ok := b.sent[1].(*peer.PeerAlive)
	require.True(t, ok)
	assert.Equal(t, uint64(2), alive.Sequence)
	assert.Equal(t, "READY", alive.State)
	assert.Equal(t, domain.SideA, alive.From)
}

func TestManager_PeerLostAfterThresholdAndRecovers(t *testing.T) {
	ctx := context.Background()
	clock := time.Unix(1000, 0)
	m, _ := newTestManager(&clock)

	var alive, lost int
	m.OnPeerAlive(func(context.Context) { alive++ })
	m.OnPeerLost(func(context.Context) { lost++ })

	m.Observe(ctx, &peer.PeerAlive{From: domain.SideB, Sequence: 1})
	assert.Equal(t, 1, alive)
	assert.Equal(t, PeerHealthStatusHealthy, m.Status().Status)

	// Repeated heartbeats from a healthy peer are not recoveries
	m.Observe(ctx, &peer.PeerAlive{From: domain.SideB, Sequence: 2})
	assert.Equal(t, 1, alive)

	clock = clock.Add(5 * time.Second)
	m.Tick(ctx)
	assert.Equal(t, PeerHealthStatusUnknown, m.Status().Status)
	assert.Zero(t, lost)

	m.Tick(ctx)
	m.Tick(ctx)
	assert.Equal(t, PeerHealthStatusFailed, m.Status().Status)
	assert.Equal(t, 1, lost, "failure is reported once")

	m.Observe(ctx, &peer.PeerAlive{From: domain.SideB, Sequence: 3, State: "ACTIVATE"})
	assert.Equal(t, 2, alive)
	assert.Equal(t, "ACTIVATE", m.Status().Lifecycle)
}
