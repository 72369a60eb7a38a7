package modmgmt

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/notify"
	"github.com/limiquantix/modmgmt/internal/peer"
)

// consume turns hardware notifications into pending changes. It runs on the
// bus goroutine and touches nothing but the change log.
func (m *Manager) consume(ctx context.Context, events <-chan notify.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Origin != notify.OriginHardware {
				continue
			}
			c, ok := changeOf(ev)
			if !ok {
				continue
			}
			m.changes.Record(c)
			m.wakeChanges()
		}
	}
}

func changeOf(ev notify.Event) (inventory.Change, bool) {
	c := inventory.Change{Side: ev.Side, Class: ev.Class, Slot: ev.Slot, Port: ev.Port, ReceivedAt: ev.Timestamp}
	switch ev.Data {
	case notify.DataModuleInfo:
		c.Kind = inventory.ChangeModule
	case notify.DataMgmtInfo:
		c.Kind, c.Class = inventory.ChangeMgmt, domain.ClassMgmtModule
	case notify.DataSFPInfo:
		c.Kind = inventory.ChangeSFP
	case notify.DataPortInfo:
		c.Kind = inventory.ChangeLink
		if !ev.Port.IsSet() {
			c.Kind = inventory.ChangePort
		}
	default:
		return c, false
	}
	return c, true
}

// wakeChanges arms the condition that consumes the change log in the
// current state. Other states pick the log up on entry to Ready.
func (m *Manager) wakeChanges() {
	switch m.obj.State() {
	case lifecycle.StateReady:
		m.arm(m.obj, CondProcessChanges)
	case lifecycle.StateFail:
		m.arm(m.obj, CondRetryBootDevice)
	}
}

func (m *Manager) watchRegistry(ctx context.Context, changed <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changed:
			if !ok {
				return
			}
			if m.obj.State() == lifecycle.StateReady {
				m.arm(m.obj, CondRegistryChanged)
			}
		}
	}
}

// applyChange refreshes the inventory for one change. It reports whether
// modules or ports may have appeared or disappeared. An error means the
// change was not applied and must be retried.
func (m *Manager) applyChange(ctx context.Context, obj *lifecycle.Object, c inventory.Change) (bool, error) {
	log := m.logger.With(
		zap.Stringer("change_side", c.Side),
		zap.String("kind", string(c.Kind)),
		zap.String("class", string(c.Class)),
		zap.Int("slot", c.Slot),
	)

	if c.Class == "" {
		if _, err := m.discovery.Discover(ctx, m.model, c.Side); err != nil {
			return false, fmt.Errorf("failed to rediscover: %w", err)
		}
		if c.Side != m.side {
			m.fup.EnvChanged(obj)
		}
		return true, nil
	}

	switch c.Kind {
	case inventory.ChangeModule, inventory.ChangeMgmt:
		if c.Class == domain.ClassMgmtModule {
			inserted, err := m.discovery.RefreshMgmtModule(ctx, m.model, c.Side, c.Slot)
			if err != nil {
				return false, fmt.Errorf("failed to refresh management module: %w", err)
			}
			if inserted && c.Side == m.side {
				m.restoreMgmt(obj, c.Slot)
			}
			return inserted, nil
		}
		return m.refreshModule(ctx, obj, c, log)

	case inventory.ChangePort:
		mod, ok := m.model.FindModule(c.Side, c.Class, c.Slot)
		if !ok {
			return m.refreshModule(ctx, obj, c, log)
		}
		port, _ := c.Port.Get()
		if err := m.discovery.RefreshPort(ctx, m.model, c.Side, mod, port); err != nil {
			return false, fmt.Errorf("failed to refresh port: %w", err)
		}
		return true, nil

	case inventory.ChangeSFP, inventory.ChangeLink:
		pIdx, ok := m.portOf(c)
		if !ok {
			log.Debug("Change for unknown port ignored")
			return false, nil
		}
		if c.Kind == inventory.ChangeLink {
			if err := m.discovery.RefreshLink(ctx, m.model, c.Side, pIdx); err != nil {
				return false, fmt.Errorf("failed to refresh link: %w", err)
			}
			return false, nil
		}
		combined, err := m.discovery.RefreshSFPAndDetect(ctx, m.model, c.Side, pIdx)
		if err != nil {
			return false, fmt.Errorf("failed to refresh SFP: %w", err)
		}
		if combined {
			log.Info("Combined connector state changed")
		}
		return false, nil
	}
	return false, nil
}

func (m *Manager) refreshModule(ctx context.Context, obj *lifecycle.Object, c inventory.Change, log *zap.Logger) (bool, error) {
	var wasReady bool
	if idx, ok := m.model.FindModule(c.Side, c.Class, c.Slot); ok {
		wasReady = m.model.Module(c.Side, idx).State == domain.ModuleStateReady
	}
	if _, err := m.discovery.RefreshModule(ctx, m.model, c.Side, c.Class, c.Slot); err != nil {
		return false, fmt.Errorf("failed to refresh module: %w", err)
	}
	idx, _ := m.model.FindModule(c.Side, c.Class, c.Slot)
	rec := m.model.Module(c.Side, idx)
	log.Info("Module status refreshed",
		zap.String("state", string(rec.State)),
		zap.String("slic", string(rec.Slic)),
	)

	if c.Class == domain.ClassBackEndModule {
		switch {
		case c.Side != m.side:
			m.fup.EnvChanged(obj)
		case !wasReady && rec.State == domain.ModuleStateReady && m.fupEnabled():
			m.initiateUpgrade(obj, rec)
		}
	}
	return true, nil
}

func (m *Manager) portOf(c inventory.Change) (domain.PortIndex, bool) {
	port, ok := c.Port.Get()
	if !ok {
		return 0, false
	}
	return m.model.FindPortAt(c.Side, domain.PortLocation{Class: c.Class, Slot: c.Slot, Port: port})
}

// handlePeerMessage receives the status messages the coordinator does not
// consume. It runs on the coordinator goroutine.
func (m *Manager) handlePeerMessage(ctx context.Context, msg peer.Message) error {
	switch msg := msg.(type) {
	case *peer.PeerAlive:
		m.ha.Observe(ctx, msg)
	case *peer.ConfigChanged:
		c := inventory.Change{Kind: inventory.ChangeModule, Side: msg.From, Class: msg.Class, Slot: msg.Slot}
		if msg.Class == domain.ClassMgmtModule {
			c.Kind = inventory.ChangeMgmt
		}
		m.logger.Debug("Peer configuration changed",
			zap.String("class", string(msg.Class)),
			zap.Int("slot", msg.Slot),
		)
		m.changes.Record(c)
		m.wakeChanges()
	default:
		m.logger.Warn("Unexpected peer message", zap.Stringer("opcode", msg.Opcode()))
	}
	return nil
}
