// Package mgmtport drives management port speed, duplex and auto-negotiation
// changes through a bounded resend and revert window.
package mgmtport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/async"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/deferred"
	"github.com/limiquantix/modmgmt/internal/domain"
)

// OpSetMgmtPort is the deferred-queue operation completed by the machine.
const OpSetMgmtPort = "CONFIG_MGMT_PORT_SPEED"

// WaitKey is the deferred-queue key of a user operation on one port.
func WaitKey(slot int) string {
	return OpSetMgmtPort + "/" + strconv.Itoa(slot)
}

// Commander applies settings to a management port.
type Commander interface {
	SetMgmtPort(ctx context.Context, side domain.Side, slot int, settings domain.MgmtPortSettings) error
}

// KnownGoodStore keeps the last settings that applied successfully.
type KnownGoodStore interface {
	SaveMgmt(ctx context.Context, slot int, settings domain.MgmtPortSettings) error
}

// Outcome is the final result of one configuration operation.
type Outcome string

const (
	OutcomePending       Outcome = ""
	OutcomeSucceeded     Outcome = "CONFIG_COMPLETED"
	OutcomeRestored      Outcome = "RESTORE_COMPLETED"
	OutcomeFailed        Outcome = "CONFIG_FAILED"
	OutcomeRestoreFailed Outcome = "RESTORE_FAILED"
)

// Machine runs the command state machine for the management ports of one
// side. The per-port state lives in domain.MgmtPortConfig.
type Machine struct {
	side      domain.Side
	t1        time.Duration
	commander Commander
	knownGood KnownGoodStore
	queue     *deferred.Queue
	logger    *zap.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[int]*async.Result[struct{}]
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine creates a management port command machine.
func NewMachine(cfg config.MgmtPortConfig, side domain.Side, commander Commander, knownGood KnownGoodStore, queue *deferred.Queue, logger *zap.Logger, opts ...Option) *Machine {
	m := &Machine{
		side:      side,
		t1:        cfg.T1,
		commander: commander,
		knownGood: knownGood,
		queue:     queue,
		logger:    logger.With(zap.String("component", "mgmt-port"), zap.Stringer("side", side)),
		now:       time.Now,
		inflight:  make(map[int]*async.Result[struct{}]),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Request starts a user operation. Unspecified fields keep their applied
// values; the applied values become the revert target.
func (m *Machine) Request(slot int, cfg *domain.MgmtPortConfig, settings domain.MgmtPortSettings, revert bool) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	if cfg.InProgress || cfg.SendPending {
		return fmt.Errorf("%w: management port %d already has an operation in flight", domain.ErrConflict, slot)
	}

	cfg.UserRequested = settings
	cfg.Requested = settings.Merge(cfg.Applied)
	if settings.AutoNeg == domain.AutoNegOn {
		// Speed and duplex are negotiated
		if settings.Speed == domain.SpeedUnspecified {
			cfg.Requested.Speed = domain.SpeedUnspecified
		}
		if settings.Duplex == domain.DuplexUnspecified {
			cfg.Requested.Duplex = domain.DuplexUnspecified
		}
	}
	cfg.Previous = cfg.Applied
	cfg.RevertAllowed = revert
	cfg.Reverting = false
	cfg.SendPending = true
	cfg.UserInitiated = true
	cfg.State = domain.MgmtPortIdle

	m.logger.Info("Management port configuration requested",
		zap.Int("slot", slot),
		zap.String("autoneg", string(cfg.Requested.AutoNeg)),
		zap.Uint32("speed", uint32(cfg.Requested.Speed)),
		zap.String("duplex", string(cfg.Requested.Duplex)),
		zap.Bool("revert", revert),
	)
	return nil
}

// Restore re-applies persisted known-good settings found at boot. Invalid
// persisted fields fall back to the applied ones, and the applied values are
// the revert target. It reports whether a command was scheduled.
func (m *Machine) Restore(slot int, cfg *domain.MgmtPortConfig, persisted domain.MgmtPortSettings) bool {
	want := persisted.Merge(cfg.Applied)
	if want == cfg.Applied || cfg.InProgress {
		return false
	}
	cfg.Requested = want
	cfg.Previous = cfg.Applied
	cfg.RevertAllowed = true
	cfg.Reverting = false
	cfg.SendPending = true
	cfg.UserInitiated = false
	cfg.State = domain.MgmtPortIdle

	m.logger.Info("Restoring persisted management port configuration",
		zap.Int("slot", slot),
		zap.Uint32("speed", uint32(want.Speed)),
		zap.String("duplex", string(want.Duplex)),
	)
	return true
}

// Step advances one port: it completes a finished command and issues the
// next one when a send is pending. It reports whether the port still has
// work outstanding.
func (m *Machine) Step(ctx context.Context, slot int, cfg *domain.MgmtPortConfig) bool {
	m.mu.Lock()
	res, ok := m.inflight[slot]
	m.mu.Unlock()

	if ok {
		_, ready, err := res.Poll()
		if !ready {
			return true
		}
		m.mu.Lock()
		delete(m.inflight, slot)
		m.mu.Unlock()
		m.Complete(ctx, slot, cfg, err)
	}

	if cfg.SendPending {
		m.send(ctx, slot, cfg)
		return true
	}
	return cfg.InProgress
}

// Busy reports whether any port has a command in flight.
func (m *Machine) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inflight) > 0
}

func (m *Machine) send(ctx context.Context, slot int, cfg *domain.MgmtPortConfig) {
	settings := cfg.Outgoing()
	if !cfg.InProgress {
		cfg.InProgress = true
		cfg.StartedAt = m.now()
	}
	cfg.SendPending = false
	if cfg.State == domain.MgmtPortIdle {
		cfg.State = domain.MgmtPortSent
	}

	m.logger.Debug("Sending management port command",
		zap.Int("slot", slot),
		zap.Bool("reverting", cfg.Reverting),
		zap.Uint32("speed", uint32(settings.Speed)),
	)

	side := m.side
	res := async.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.commander.SetMgmtPort(ctx, side, slot, settings)
	})
	m.mu.Lock()
	m.inflight[slot] = res
	m.mu.Unlock()
}

// Complete applies the result of one command.
func (m *Machine) Complete(ctx context.Context, slot int, cfg *domain.MgmtPortConfig, err error) Outcome {
	if !cfg.InProgress {
		return OutcomePending
	}

	if err == nil {
		if cfg.Reverting {
			cfg.Applied = cfg.Previous
			m.logger.Warn("Management port configuration restored",
				zap.Int("slot", slot),
				zap.String("event", string(OutcomeRestored)),
			)
			return m.finish(slot, cfg, OutcomeRestored, domain.ErrOperationFailed)
		}

		cfg.Applied = cfg.Requested
		if m.knownGood != nil {
			if perr := m.knownGood.SaveMgmt(ctx, slot, cfg.Applied); perr != nil {
				m.logger.Error("Failed to persist management port configuration", zap.Int("slot", slot), zap.Error(perr))
			}
		}
		m.logger.Info("Management port configuration completed",
			zap.Int("slot", slot),
			zap.String("event", string(OutcomeSucceeded)),
		)
		return m.finish(slot, cfg, OutcomeSucceeded, nil)
	}

	elapsed := m.now().Sub(cfg.StartedAt)
	switch {
	case elapsed <= m.t1:
		cfg.SendPending = true
		cfg.State = domain.MgmtPortRetrying
		m.logger.Info("Management port command failed, retrying",
			zap.Int("slot", slot),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return OutcomePending

	case elapsed <= 2*m.t1 && cfg.RevertAllowed:
		if !cfg.Reverting {
			m.logger.Warn("Management port configuration failed, reverting",
				zap.Int("slot", slot),
				zap.String("event", string(OutcomeFailed)),
				zap.Error(err),
			)
			cfg.Reverting = true
		}
		cfg.SendPending = true
		cfg.State = domain.MgmtPortRevertPending
		return OutcomePending
	}

	outcome := OutcomeFailed
	if cfg.Reverting {
		outcome = OutcomeRestoreFailed
	}
	m.logger.Error("Management port configuration failed",
		zap.Int("slot", slot),
		zap.String("event", string(outcome)),
		zap.Duration("elapsed", elapsed),
		zap.Error(err),
	)
	return m.finish(slot, cfg, outcome, domain.ErrOperationFailed)
}

// finish clears the operation and completes the requester of a user
// operation on this port. Boot restores have no requester.
func (m *Machine) finish(slot int, cfg *domain.MgmtPortConfig, outcome Outcome, err error) Outcome {
	userInitiated := cfg.UserInitiated
	cfg.InProgress = false
	cfg.SendPending = false
	cfg.Reverting = false
	cfg.UserInitiated = false
	cfg.StartedAt = time.Time{}
	if err == nil {
		cfg.State = domain.MgmtPortSucceeded
	} else {
		cfg.State = domain.MgmtPortFailed
	}

	if m.queue != nil && userInitiated {
		if err != nil {
			err = fmt.Errorf("%w: management port %d: %s", err, slot, outcome)
		}
		if !m.queue.Complete(WaitKey(slot), err) {
			m.logger.Debug("No requester waiting for management port result", zap.Int("slot", slot))
		}
	}
	return outcome
}
