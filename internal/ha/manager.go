// Package ha monitors the liveness of the peer controller.
package ha

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/peer"
)

// Broadcaster sends fire-and-forget messages to the peer.
type Broadcaster interface {
	Broadcast(ctx context.Context, m peer.Message)
}

// PeerHealthStatus represents the health status of the peer controller.
type PeerHealthStatus string

const (
	PeerHealthStatusHealthy PeerHealthStatus = "HEALTHY"
	PeerHealthStatusUnknown PeerHealthStatus = "UNKNOWN"
	PeerHealthStatusFailed  PeerHealthStatus = "FAILED"
)

// PeerState tracks the health state of the peer.
type PeerState struct {
	LastHeartbeat time.Time        `json:"last_heartbeat"`
	FailedChecks  int              `json:"failed_checks"`
	Status        PeerHealthStatus `json:"status"`
	Sequence      uint64           `json:"sequence"`
	// Lifecycle is the peer's reported lifecycle state.
	Lifecycle string `json:"lifecycle,omitempty"`
}

// Manager broadcasts heartbeats and declares the peer failed after
// FailureThreshold checks without one.
type Manager struct {
	config      config.HAConfig
	side        domain.Side
	broadcaster Broadcaster
	lifecycle   func() string
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.RWMutex
	peer      PeerState
	sequence  uint64
	onAlive   []func(context.Context)
	onLost    []func(context.Context)
	isRunning bool
}

// NewManager creates a new liveness manager. lifecycle reports the local
// lifecycle state carried in each heartbeat.
func NewManager(cfg config.HAConfig, side domain.Side, broadcaster Broadcaster, lifecycle func() string, logger *zap.Logger) *Manager {
	return &Manager{
		config:      cfg,
		side:        side,
		broadcaster: broadcaster,
		lifecycle:   lifecycle,
		logger:      logger.With(zap.String("component", "ha")),
		now:         time.Now,
		peer:        PeerState{Status: PeerHealthStatusUnknown},
	}
}

// OnPeerAlive registers fn to run when the peer is seen after being absent.
func (m *Manager) OnPeerAlive(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAlive = append(m.onAlive, fn)
}

// OnPeerLost registers fn to run when the peer is declared failed.
func (m *Manager) OnPeerLost(fn func(context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLost = append(m.onLost, fn)
}

// Start begins the heartbeat loop.
func (m *Manager) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Peer liveness monitor disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting peer liveness monitor",
		zap.Duration("check_interval", m.config.CheckInterval),
		zap.Duration("heartbeat_timeout", m.config.HeartbeatTimeout),
		zap.Int("failure_threshold", m.config.FailureThreshold),
	)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Peer liveness monitor stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick sends one heartbeat and checks the peer.
func (m *Manager) Tick(ctx context.Context) {
	m.mu.Lock()
	m.sequence++
	seq := m.sequence
	m.mu.Unlock()

	state := ""
	if m.lifecycle != nil {
		state = m.lifecycle()
	}
	m.broadcaster.Broadcast(ctx, &peer.PeerAlive{From: m.side, Sequence: seq, State: state})
	m.checkPeer(ctx)
}

// Observe records a heartbeat received from the peer.
func (m *Manager) Observe(ctx context.Context, msg *peer.PeerAlive) {
	m.mu.Lock()
	recovered := m.peer.Status != PeerHealthStatusHealthy
	m.peer.LastHeartbeat = m.now()
	m.peer.FailedChecks = 0
	m.peer.Status = PeerHealthStatusHealthy
	m.peer.Sequence = msg.Sequence
	m.peer.Lifecycle = msg.State
	callbacks := slices.Clone(m.onAlive)
	m.mu.Unlock()

	if !recovered {
		return
	}
	m.logger.Info("Peer controller alive",
		zap.Stringer("peer", msg.From),
		zap.String("lifecycle", msg.State),
	)
	for _, fn := range callbacks {
		fn(ctx)
	}
}

// checkPeer updates the peer state from the heartbeat age.
func (m *Manager) checkPeer(ctx context.Context) {
	m.mu.Lock()
	state := &m.peer

	// Check heartbeat age
	var heartbeatAge time.Duration
	if !state.LastHeartbeat.IsZero() {
		heartbeatAge = m.now().Sub(state.LastHeartbeat)
	} else {
		heartbeatAge = time.Hour * 24 // No heartbeat ever received
	}
	if heartbeatAge < m.config.HeartbeatTimeout {
		state.FailedChecks = 0
		m.mu.Unlock()
		return
	}

	state.FailedChecks++
	m.logger.Warn("Peer heartbeat missing",
		zap.Duration("heartbeat_age", heartbeatAge),
		zap.Int("failed_checks", state.FailedChecks),
	)

	if state.FailedChecks < m.config.FailureThreshold || state.Status == PeerHealthStatusFailed {
		if state.Status != PeerHealthStatusFailed {
			state.Status = PeerHealthStatusUnknown
		}
		m.mu.Unlock()
		return
	}

	state.Status = PeerHealthStatusFailed
	callbacks := slices.Clone(m.onLost)
	m.mu.Unlock()

	m.logger.Error("Peer controller declared failed", zap.String("event", "PEER_LOST"))
	for _, fn := range callbacks {
		fn(ctx)
	}
}

// Status returns the current peer state.
func (m *Manager) Status() PeerState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peer
}
