// Package discovery builds the inventory from hardware status.
package discovery

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/hardware"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/notify"
	"github.com/limiquantix/modmgmt/internal/portassign"
)

// Result summarizes one discovery pass.
type Result struct {
	BootDeviceFound bool `json:"boot_device_found"`
	// CombinedChanged is set when any combined-connector flag changed.
	CombinedChanged bool `json:"combined_changed"`
	// NewMgmtModules lists management module slots that became present.
	NewMgmtModules []int `json:"new_mgmt_modules,omitempty"`
	// Failures counts slots whose query failed and kept last-known values.
	Failures int `json:"failures"`
}

// Engine queries the board and port transport and updates the inventory.
type Engine struct {
	board     hardware.Board
	transport hardware.PortTransport
	catalog   *catalog.Catalog
	assigner  *portassign.Assigner
	bus       notify.Bus
	local     domain.Side
	logger    *zap.Logger
}

// NewEngine creates a discovery engine. Roles are derived only for ports of
// the local side. bus may be nil.
func NewEngine(board hardware.Board, transport hardware.PortTransport, cat *catalog.Catalog, assigner *portassign.Assigner, bus notify.Bus, local domain.Side, logger *zap.Logger) *Engine {
	return &Engine{
		board:     board,
		transport: transport,
		catalog:   cat,
		assigner:  assigner,
		bus:       bus,
		local:     local,
		logger:    logger.With(zap.String("component", "discovery")),
	}
}

// Discover queries every slot of every device class on one side. Records are
// overwritten with fresh values; assigned roles and logical numbers are kept.
// A slot whose query fails keeps its last-known values and is counted in
// Result.Failures. Only a failure to read the platform aborts the pass.
func (e *Engine) Discover(ctx context.Context, m *inventory.Model, side domain.Side) (Result, error) {
	var res Result

	platform, err := e.board.Platform(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to query platform: %w", err)
	}

	for _, class := range domain.IOClasses {
		for slot := 0; slot < platform.Slots[class]; slot++ {
			combined, err := e.RefreshModule(ctx, m, side, class, slot)
			if err != nil {
				res.Failures++
				e.logger.Warn("Module query failed, keeping last known status",
					zap.String("side", side.String()),
					zap.String("class", string(class)),
					zap.Int("slot", slot),
					zap.Error(err),
				)
				continue
			}
			res.CombinedChanged = res.CombinedChanged || combined
		}
	}

	for slot := 0; slot < platform.Slots[domain.ClassMgmtModule]; slot++ {
		inserted, err := e.RefreshMgmtModule(ctx, m, side, slot)
		if err != nil {
			res.Failures++
			e.logger.Warn("Management module query failed",
				zap.String("side", side.String()),
				zap.Int("slot", slot),
				zap.Error(err),
			)
			continue
		}
		if inserted {
			res.NewMgmtModules = append(res.NewMgmtModules, slot)
		}
	}

	res.BootDeviceFound = BootDeviceFound(m, side)
	if !res.BootDeviceFound && side == e.local {
		e.logger.Error("Boot device not found",
			zap.String("event", "BOOT_DEVICE_MISSING"),
			zap.String("side", side.String()),
		)
	}

	e.logger.Debug("Discovery pass complete",
		zap.String("side", side.String()),
		zap.Int("modules", len(m.Modules(side))),
		zap.Int("ports", len(m.Ports(side))),
		zap.Int("failures", res.Failures),
	)
	return res, nil
}

// BootDeviceFound reports whether any port of the side is the boot device.
func BootDeviceFound(m *inventory.Model, side domain.Side) bool {
	for _, idx := range m.Ports(side) {
		if m.Port(side, idx).BootDevice {
			return true
		}
	}
	return false
}

// =============================================================================
// Modules
// =============================================================================

// RefreshModule re-reads one IO-carrying slot and its ports. It reports
// whether combined-connector detection changed any port.
func (e *Engine) RefreshModule(ctx context.Context, m *inventory.Model, side domain.Side, class domain.DeviceClass, slot int) (bool, error) {
	st, err := e.board.Module(ctx, side, class, slot)
	if err != nil {
		return false, fmt.Errorf("failed to query module %s/%s%d: %w", side, class, slot, err)
	}

	idx, _ := m.AddModule(domain.ModuleRecord{Side: side, Class: class, Slot: slot, State: domain.ModuleStateEmpty})
	rec := m.Module(side, idx)
	wasInserted := rec.Physical.Inserted

	rec.Physical = domain.ModulePhysical{
		Inserted:    st.Inserted,
		Powered:     st.Powered,
		Faulted:     st.Faulted,
		EnvGood:     st.EnvGood,
		UniqueID:    st.UniqueID,
		IOPortCount: st.PortCount,
	}
	rec.PROM = st.PROM
	if st.Inserted {
		entry, known := e.catalog.Classify(st.UniqueID)
		if !known {
			e.logger.Warn("Unknown module hardware id",
				zap.String("location", rec.Location()),
				zap.Uint32("unique_id", st.UniqueID),
			)
		}
		rec.Slic, rec.Label, rec.Protocol, rec.Group = entry.Slic, entry.Label, entry.Protocol, entry.Group
		if rec.Physical.IOPortCount == 0 {
			rec.Physical.IOPortCount = entry.Ports
		}
	} else {
		rec.Slic, rec.Label, rec.Protocol, rec.Group = "", "", domain.ProtocolUnknown, ""
		rec.Physical.IOPortCount = 0
	}
	rec.DeriveState()

	if wasInserted != st.Inserted {
		e.publish(ctx, notify.Event{
			Data:  notify.DataModuleInfo,
			Mask:  class.Mask(),
			Side:  side,
			Class: class,
			Slot:  slot,
		})
	}

	count := rec.Physical.IOPortCount
	portFailed := false
	for port := 0; port < count; port++ {
		if err := e.RefreshPort(ctx, m, side, idx, port); err != nil {
			portFailed = true
			e.logger.Warn("Port query failed, keeping last known status",
				zap.String("location", rec.Location()),
				zap.Int("port", port),
				zap.Error(err),
			)
		}
	}
	// Ports beyond the current count belong to hardware that left the slot.
	for _, pIdx := range m.PortsOf(side, idx) {
		if p := m.Port(side, pIdx); p.Port >= count {
			markAbsent(p)
		}
	}

	if !st.Inserted {
		return false, nil
	}
	// Combined detection on stale SFP data waits for the next refresh.
	if portFailed {
		return false, nil
	}
	return portassign.DetectModule(m, side, idx), nil
}

func markAbsent(p *domain.PortRecord) {
	p.Present = false
	p.SFPInserted = false
	p.SFP = domain.SFPIdentity{}
	p.SFPCondition = domain.SFPUnknown
	p.Link = domain.LinkUnknown
	p.ObjectID = domain.None[uint64]()
	p.BootDevice = false
}

// RefreshMgmtModule re-reads a management module slot. It reports whether the
// module became present.
func (e *Engine) RefreshMgmtModule(ctx context.Context, m *inventory.Model, side domain.Side, slot int) (bool, error) {
	st, err := e.board.Mgmt(ctx, side, slot)
	if err != nil {
		return false, fmt.Errorf("failed to query management module %s/%d: %w", side, slot, err)
	}
	idx, _ := m.AddModule(domain.ModuleRecord{Side: side, Class: domain.ClassMgmtModule, Slot: slot, State: domain.ModuleStateEmpty})
	rec := m.Module(side, idx)
	wasInserted := rec.Physical.Inserted

	rec.Physical = domain.ModulePhysical{Inserted: st.Inserted, Powered: st.Inserted, EnvGood: st.EnvGood}
	rec.PROM = st.PROM
	rec.Protocol = domain.ProtocolEthernet
	if st.Inserted {
		rec.Slic, rec.Group = domain.SlicMgmt, "MGMT"
	} else {
		rec.Slic, rec.Group = "", ""
	}
	rec.DeriveState()

	cfg := m.Mgmt(side, slot)
	if st.Inserted {
		cfg.Applied = st.Applied
	}

	if wasInserted != st.Inserted {
		e.publish(ctx, notify.Event{
			Data:  notify.DataMgmtInfo,
			Mask:  domain.MaskMgmtModule,
			Side:  side,
			Class: domain.ClassMgmtModule,
			Slot:  slot,
		})
	}
	return !wasInserted && st.Inserted, nil
}

// =============================================================================
// Ports
// =============================================================================

// sfpCapable reports whether ports of a slic type take a transceiver.
func sfpCapable(rec *domain.ModuleRecord) bool {
	switch rec.Slic {
	case domain.SlicSAS6GQuad, domain.SlicSAS12G, domain.SlicISCSI10G, domain.SlicFCoE:
		return true
	}
	return rec.Protocol == domain.ProtocolFC
}

// RefreshPort re-reads one port, its SFP and its link. Role derivation runs
// for uninitialized ports of the local side.
func (e *Engine) RefreshPort(ctx context.Context, m *inventory.Model, side domain.Side, mod domain.ModuleIndex, port int) error {
	rec := m.Module(side, mod)
	st, err := e.board.Port(ctx, side, rec.Class, rec.Slot, port)
	if err != nil {
		return fmt.Errorf("failed to query port: %w", err)
	}

	pIdx, _ := m.AddPort(domain.PortRecord{
		Side:         side,
		Module:       mod,
		Port:         port,
		SFPCondition: domain.SFPUnknown,
		Link:         domain.LinkUnknown,
	})
	p := m.Port(side, pIdx)
	p.Present = st.Present && rec.Physical.Inserted
	p.PCI = st.PCI
	p.BootDevice = st.BootDevice
	p.Protocol = rec.Protocol
	p.SFPCapable = sfpCapable(rec)

	if !p.Present {
		markAbsent(p)
		return nil
	}

	id, ok, err := e.transport.ObjectID(ctx, side, p.PCI)
	if err != nil {
		return fmt.Errorf("failed to resolve transport object for %s: %w", p.PCI, err)
	}
	if ok {
		p.ObjectID = domain.Some(id)
		if p.SFPCapable {
			if _, err := e.RefreshSFP(ctx, m, side, pIdx); err != nil {
				return err
			}
		}
		if err := e.RefreshLink(ctx, m, side, pIdx); err != nil {
			return err
		}
	} else {
		e.logger.Debug("Transport object not created yet",
			zap.String("location", m.Location(side, pIdx).String()),
			zap.String("pci", p.PCI.String()),
		)
	}

	if side == e.local {
		e.assigner.DeriveRole(m, side, pIdx)
	}
	return nil
}

// RefreshSFP applies the transport's SFP status to a port. It reports whether
// the inserted flag or the cable identity changed.
func (e *Engine) RefreshSFP(ctx context.Context, m *inventory.Model, side domain.Side, pIdx domain.PortIndex) (bool, error) {
	p := m.Port(side, pIdx)
	id, ok := p.ObjectID.Get()
	if !ok {
		return false, nil
	}
	st, err := e.transport.SFP(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to query SFP of %s: %w", m.Location(side, pIdx), err)
	}

	prevInserted, prevIdentity, prevCondition := p.SFPInserted, p.SFP, p.SFPCondition
	switch st.Condition {
	case domain.SFPRemoved, domain.SFPInvalid:
		p.SFPInserted = false
		p.SFP = domain.SFPIdentity{}
	case domain.SFPFault:
		p.SFPInserted = true
		p.SFP = st.Identity
	case domain.SFPGood:
		p.SFPInserted = true
		p.SFP = st.Identity
	case domain.SFPChecksumPending:
		// Identity is not readable yet; the next notification completes it.
	default:
		return false, nil
	}
	p.SFPCondition = st.Condition

	if prevCondition != st.Condition {
		loc := m.Location(side, pIdx)
		e.publish(ctx, notify.Event{
			Data:   notify.DataSFPInfo,
			Mask:   domain.MaskSFP | loc.Class.Mask(),
			Side:   side,
			Class:  loc.Class,
			Slot:   loc.Slot,
			Port:   domain.Some(loc.Port),
			Detail: string(st.Condition),
		})
	}
	return prevInserted != p.SFPInserted || prevIdentity != p.SFP, nil
}

// RefreshLink applies the transport's link status to a port and publishes
// a port notification on a transition.
func (e *Engine) RefreshLink(ctx context.Context, m *inventory.Model, side domain.Side, pIdx domain.PortIndex) error {
	p := m.Port(side, pIdx)
	id, ok := p.ObjectID.Get()
	if !ok {
		return nil
	}
	st, err := e.transport.Link(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to query link of %s: %w", m.Location(side, pIdx), err)
	}
	if st.State == p.Link {
		return nil
	}
	prev := p.Link
	p.Link = st.State

	loc := m.Location(side, pIdx)
	e.logger.Info("Port link state changed",
		zap.String("location", loc.String()),
		zap.String("from", string(prev)),
		zap.String("to", string(st.State)),
	)
	e.publish(ctx, notify.Event{
		Data:   notify.DataPortInfo,
		Mask:   domain.MaskPort | loc.Class.Mask(),
		Side:   side,
		Class:  loc.Class,
		Slot:   loc.Slot,
		Port:   domain.Some(loc.Port),
		Detail: string(st.State),
	})
	return nil
}

// RefreshSFPAndDetect re-reads a port's SFP and reruns combined-connector
// detection on its module when the cable identity changed.
func (e *Engine) RefreshSFPAndDetect(ctx context.Context, m *inventory.Model, side domain.Side, pIdx domain.PortIndex) (bool, error) {
	changed, err := e.RefreshSFP(ctx, m, side, pIdx)
	if err != nil || !changed {
		return false, err
	}
	return portassign.DetectModule(m, side, m.Port(side, pIdx).Module), nil
}

func (e *Engine) publish(ctx context.Context, ev notify.Event) {
	if e.bus == nil {
		return
	}
	ev.Origin = notify.OriginEngine
	if err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Warn("Failed to publish notification",
			zap.String("data", string(ev.Data)),
			zap.Error(err),
		)
	}
}
