package modmgmt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/affinity"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/fup"
	"github.com/limiquantix/modmgmt/internal/ha"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/mgmtport"
	"github.com/limiquantix/modmgmt/internal/persist"
)

// Opcode names a control operation.
type Opcode string

const (
	OpGetGeneralStatus           Opcode = "GET_GENERAL_STATUS"
	OpGetModuleStatus            Opcode = "GET_MODULE_STATUS"
	OpGetIOModuleInfo            Opcode = "GET_IO_MODULE_INFO"
	OpGetPortInfo                Opcode = "GET_PORT_INFO"
	OpGetMezzanineInfo           Opcode = "GET_MEZZANINE_INFO"
	OpGetSFPInfo                 Opcode = "GET_SFP_INFO"
	OpGetLimitsInfo              Opcode = "GET_LIMITS_INFO"
	OpSetPortConfig              Opcode = "SET_PORT_CONFIG"
	OpConfigMgmtPortSpeed        Opcode = "CONFIG_MGMT_PORT_SPEED"
	OpGetMgmtCompInfo            Opcode = "GET_MGMT_COMP_INFO"
	OpGetRequestedMgmtPortConfig Opcode = "GET_REQUESTED_MGMT_PORT_CONFIG"
	OpMarkIOModule               Opcode = "MARK_IO_MODULE"
	OpMarkIOPort                 Opcode = "MARK_IO_PORT"
	OpGetPortAffinity            Opcode = "GET_PORT_AFFINITY"
)

// Opcodes lists every supported operation.
var Opcodes = []Opcode{
	OpGetGeneralStatus, OpGetModuleStatus, OpGetIOModuleInfo, OpGetPortInfo,
	OpGetMezzanineInfo, OpGetSFPInfo, OpGetLimitsInfo, OpSetPortConfig,
	OpConfigMgmtPortSpeed, OpGetMgmtCompInfo, OpGetRequestedMgmtPortConfig,
	OpMarkIOModule, OpMarkIOPort, OpGetPortAffinity,
}

// Mutates reports whether the operation changes hardware or persistent state.
func (o Opcode) Mutates() bool {
	switch o {
	case OpSetPortConfig, OpConfigMgmtPortSpeed, OpMarkIOModule, OpMarkIOPort:
		return true
	}
	return false
}

// =============================================================================
// Request and response records
// =============================================================================

// ModuleRequest addresses a module. Peer selects the peer side.
type ModuleRequest struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
	Peer  bool               `json:"peer,omitempty"`
}

// PortRequest addresses a port.
type PortRequest struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
	Port  int                `json:"port"`
	Peer  bool               `json:"peer,omitempty"`
}

// MgmtRequest addresses a management module.
type MgmtRequest struct {
	Slot int  `json:"slot"`
	Peer bool `json:"peer,omitempty"`
}

// PortConfigAction selects what SetPortConfig does.
type PortConfigAction string

const (
	ActionPersistAll           PortConfigAction = "PERSIST_ALL"
	ActionUpgrade              PortConfigAction = "UPGRADE"
	ActionReplace              PortConfigAction = "REPLACE"
	ActionPersistList          PortConfigAction = "PERSIST_LIST"
	ActionPersistListOverwrite PortConfigAction = "PERSIST_LIST_OVERWRITE"
	ActionRemoveAll            PortConfigAction = "REMOVE_ALL"
	ActionRemoveList           PortConfigAction = "REMOVE_LIST"
)

// SetPortConfigRequest changes the persisted port configuration.
type SetPortConfigRequest struct {
	Action    PortConfigAction            `json:"action"`
	// Entries is used by the persist-list actions.
	Entries   []domain.PersistedPortEntry `json:"entries,omitempty"`
	// Locations is used by remove-list.
	Locations []domain.PortLocation       `json:"locations,omitempty"`
	// Module is used by replace.
	Module    persist.SlotRef             `json:"module,omitempty"`
}

// SetPortConfigResult reports the reboot the change needs.
type SetPortConfigResult struct {
	Reboot domain.RebootTarget `json:"reboot,omitempty"`
}

// MgmtPortRequest asks for new management port settings.
type MgmtPortRequest struct {
	Slot     int                     `json:"slot"`
	Settings domain.MgmtPortSettings `json:"settings"`
	// Revert allows falling back to the previous settings.
	Revert   bool                    `json:"revert"`
}

// MarkModuleRequest turns a module's fault indicator on or off.
type MarkModuleRequest struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
	On    bool               `json:"on"`
}

// MarkPortRequest turns a port's indicator on or off.
type MarkPortRequest struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
	Port  int                `json:"port"`
	On    bool               `json:"on"`
}

// GeneralStatus summarizes the engine.
type GeneralStatus struct {
	Side              domain.Side         `json:"side"`
	State             lifecycle.State     `json:"state"`
	Ready             bool                `json:"ready"`
	SingleSP          bool                `json:"single_sp"`
	Platform          string              `json:"platform"`
	BootDeviceFound   bool                `json:"boot_device_found"`
	DiscoveryFailures int                 `json:"discovery_failures"`
	PendingChanges    int                 `json:"pending_changes"`
	PendingReboot     domain.RebootTarget `json:"pending_reboot,omitempty"`
	Peer              *ha.PeerState       `json:"peer,omitempty"`
	Upgrades          []fup.Item          `json:"upgrades,omitempty"`
}

// ModuleStatus is the status of one slot.
type ModuleStatus struct {
	Location string                `json:"location"`
	Class    domain.DeviceClass    `json:"class"`
	Slot     int                   `json:"slot"`
	State    domain.ModuleState    `json:"state"`
	SubState domain.ModuleSubState `json:"sub_state,omitempty"`
	Inserted bool                  `json:"inserted"`
	Powered  bool                  `json:"powered"`
	Faulted  bool                  `json:"faulted"`
	EnvGood  bool                  `json:"env_good"`
	Marked   bool                  `json:"marked"`
}

// PortInfo is the physical and logical status of one port.
type PortInfo struct {
	Location    domain.PortLocation                  `json:"location"`
	Present     bool                                 `json:"present"`
	Protocol    domain.Protocol                      `json:"protocol"`
	Role        domain.Role                          `json:"role"`
	SubRole     domain.SubRole                       `json:"sub_role"`
	Group       domain.IOMGroup                      `json:"group,omitempty"`
	Logical     domain.Optional[uint32]              `json:"logical"`
	Portal      int                                  `json:"portal"`
	Combined    bool                                 `json:"combined"`
	Partner     domain.Optional[domain.PortLocation] `json:"partner"`
	Link        domain.LinkState                     `json:"link"`
	SFPInserted bool                                 `json:"sfp_inserted"`
	PCI         domain.PCIAddress                    `json:"pci"`
	BootDevice  bool                                 `json:"boot_device"`
	Marked      bool                                 `json:"marked"`
}

// IOModuleInfo is a module record with its ports.
type IOModuleInfo struct {
	Module domain.ModuleRecord `json:"module"`
	Ports  []PortInfo          `json:"ports"`
}

// SFPInfo is the transceiver status of one port.
type SFPInfo struct {
	Location  domain.PortLocation `json:"location"`
	Capable   bool                `json:"capable"`
	Inserted  bool                `json:"inserted"`
	Condition domain.SFPCondition `json:"condition"`
	Identity  domain.SFPIdentity  `json:"identity"`
}

// LimitsInfo reports platform and discovered hardware limits.
type LimitsInfo struct {
	Slots      map[domain.DeviceClass]int `json:"slots"`
	PortLimits map[string]int             `json:"port_limits"`
	// Discovered counts present local ports per role.
	Discovered map[domain.Role]int        `json:"discovered"`
}

// MgmtCompInfo is the status of a management module.
type MgmtCompInfo struct {
	Location string                  `json:"location"`
	Inserted bool                    `json:"inserted"`
	EnvGood  bool                    `json:"env_good"`
	State    domain.ModuleState      `json:"state"`
	PROM     domain.ResumePROM       `json:"prom"`
	Applied  domain.MgmtPortSettings `json:"applied"`
}

// MgmtPortConfigInfo is the requested and applied configuration of a
// management port.
type MgmtPortConfigInfo struct {
	Slot          int                     `json:"slot"`
	Requested     domain.MgmtPortSettings `json:"requested"`
	Effective     domain.MgmtPortSettings `json:"effective"`
	Applied       domain.MgmtPortSettings `json:"applied"`
	InProgress    bool                    `json:"in_progress"`
	RevertAllowed bool                    `json:"revert_allowed"`
	State         domain.MgmtPortState    `json:"state"`
}

// =============================================================================
// Dispatch
// =============================================================================

// Dispatch decodes the request record of op from payload and runs it.
// Unknown opcodes are rejected with domain.ErrUnsupported.
func (m *Manager) Dispatch(ctx context.Context, op Opcode, payload []byte) (any, error) {
	switch op {
	case OpGetGeneralStatus:
		return m.GeneralStatus(ctx)
	case OpGetModuleStatus:
		return call(ctx, payload, m.ModuleStatus)
	case OpGetIOModuleInfo:
		return call(ctx, payload, m.IOModuleInfo)
	case OpGetPortInfo:
		return call(ctx, payload, m.PortInfo)
	case OpGetMezzanineInfo:
		return call(ctx, payload, m.MezzanineInfo)
	case OpGetSFPInfo:
		return call(ctx, payload, m.SFPInfo)
	case OpGetLimitsInfo:
		return m.LimitsInfo(ctx)
	case OpSetPortConfig:
		return call(ctx, payload, m.SetPortConfig)
	case OpConfigMgmtPortSpeed:
		return call(ctx, payload, m.ConfigMgmtPortSpeed)
	case OpGetMgmtCompInfo:
		return call(ctx, payload, m.MgmtCompInfo)
	case OpGetRequestedMgmtPortConfig:
		return call(ctx, payload, m.RequestedMgmtPortConfig)
	case OpMarkIOModule:
		return call(ctx, payload, m.MarkIOModule)
	case OpMarkIOPort:
		return call(ctx, payload, m.MarkIOPort)
	case OpGetPortAffinity:
		return m.PortAffinity(ctx)
	}
	return nil, fmt.Errorf("%w: opcode %q", domain.ErrUnsupported, op)
}

func call[Req, Resp any](ctx context.Context, payload []byte, fn func(context.Context, Req) (Resp, error)) (any, error) {
	var req Req
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
		}
	}
	return fn(ctx, req)
}

// =============================================================================
// Status
// =============================================================================

// GeneralStatus returns the engine summary.
func (m *Manager) GeneralStatus(ctx context.Context) (GeneralStatus, error) {
	m.mu.Lock()
	st := GeneralStatus{
		Side:              m.side,
		State:             m.obj.State(),
		Ready:             m.Ready(),
		SingleSP:          m.singleSP,
		Platform:          m.platform.Name,
		BootDeviceFound:   m.bootDeviceFound,
		DiscoveryFailures: m.lastDiscovery.Failures,
		PendingChanges:    m.changes.Len(),
		PendingReboot:     m.reboot,
	}
	m.mu.Unlock()

	if m.ha != nil {
		peerState := m.ha.Status()
		st.Peer = &peerState
	}
	st.Upgrades = m.fup.Items()
	return st, nil
}

// ModuleStatus returns the status of one slot.
func (m *Manager) ModuleStatus(ctx context.Context, req ModuleRequest) (ModuleStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.module(m.sideOf(req.Peer), req.Class, req.Slot)
	if err != nil {
		return ModuleStatus{}, err
	}
	return ModuleStatus{
		Location: rec.Location(),
		Class:    rec.Class,
		Slot:     rec.Slot,
		State:    rec.State,
		SubState: rec.SubState,
		Inserted: rec.Physical.Inserted,
		Powered:  rec.Physical.Powered,
		Faulted:  rec.Physical.Faulted,
		EnvGood:  rec.Physical.EnvGood,
		Marked:   rec.Marked,
	}, nil
}

// IOModuleInfo returns an IO or back-end module with its ports.
func (m *Manager) IOModuleInfo(ctx context.Context, req ModuleRequest) (IOModuleInfo, error) {
	if req.Class != domain.ClassIOModule && req.Class != domain.ClassBackEndModule {
		return IOModuleInfo{}, fmt.Errorf("%w: %s is not an IO module class", domain.ErrInvalidArgument, req.Class)
	}
	return m.moduleInfo(req)
}

// MezzanineInfo returns a mezzanine with its ports.
func (m *Manager) MezzanineInfo(ctx context.Context, req ModuleRequest) (IOModuleInfo, error) {
	req.Class = domain.ClassMezzanine
	return m.moduleInfo(req)
}

func (m *Manager) moduleInfo(req ModuleRequest) (IOModuleInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	side := m.sideOf(req.Peer)
	idx, ok := m.model.FindModule(side, req.Class, req.Slot)
	if !ok {
		return IOModuleInfo{}, fmt.Errorf("%w: module %s/%s%d", domain.ErrNotFound, side, req.Class, req.Slot)
	}
	info := IOModuleInfo{Module: *m.model.Module(side, idx)}
	for _, pIdx := range m.model.PortsOf(side, idx) {
		info.Ports = append(info.Ports, m.portInfo(side, pIdx))
	}
	return info, nil
}

// PortInfo returns one port.
func (m *Manager) PortInfo(ctx context.Context, req PortRequest) (PortInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	side := m.sideOf(req.Peer)
	idx, err := m.port(side, req.Class, req.Slot, req.Port)
	if err != nil {
		return PortInfo{}, err
	}
	return m.portInfo(side, idx), nil
}

func (m *Manager) portInfo(side domain.Side, idx domain.PortIndex) PortInfo {
	p := m.model.Port(side, idx)
	info := PortInfo{
		Location:    m.model.Location(side, idx),
		Present:     p.Present,
		Protocol:    p.Protocol,
		Role:        p.Role,
		SubRole:     p.SubRole,
		Group:       p.Group,
		Logical:     p.Logical,
		Portal:      p.Portal,
		Combined:    p.Combined,
		Link:        p.Link,
		SFPInserted: p.SFPInserted,
		PCI:         p.PCI,
		BootDevice:  p.BootDevice,
		Marked:      p.Marked,
	}
	if partner, ok := p.Partner.Get(); ok && p.Combined {
		info.Partner = domain.Some(m.model.Location(side, partner))
	}
	return info
}

// SFPInfo returns the transceiver of one port.
func (m *Manager) SFPInfo(ctx context.Context, req PortRequest) (SFPInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	side := m.sideOf(req.Peer)
	idx, err := m.port(side, req.Class, req.Slot, req.Port)
	if err != nil {
		return SFPInfo{}, err
	}
	p := m.model.Port(side, idx)
	if !p.SFPCapable {
		return SFPInfo{}, fmt.Errorf("%w: port %s takes no transceiver", domain.ErrUnsupported, m.model.Location(side, idx))
	}
	return SFPInfo{
		Location:  m.model.Location(side, idx),
		Capable:   p.SFPCapable,
		Inserted:  p.SFPInserted,
		Condition: p.SFPCondition,
		Identity:  p.SFP,
	}, nil
}

// LimitsInfo returns slot counts, port limits and the discovered port mix.
func (m *Manager) LimitsInfo(ctx context.Context) (LimitsInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := LimitsInfo{
		Slots:      make(map[domain.DeviceClass]int, len(m.platform.Slots)),
		PortLimits: make(map[string]int),
		Discovered: make(map[domain.Role]int),
	}
	for class, n := range m.platform.Slots {
		info.Slots[class] = n
	}
	for k, v := range m.assigner.Limits() {
		info.PortLimits[k] = v
	}
	for _, idx := range m.model.Ports(m.side) {
		if p := m.model.Port(m.side, idx); p.Present && p.Initialized() {
			info.Discovered[p.Role]++
		}
	}
	return info, nil
}

// PortAffinity returns the port to core table.
func (m *Manager) PortAffinity(ctx context.Context) ([]affinity.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.Ready() {
		return nil, fmt.Errorf("%w: port affinity is computed in %s", domain.ErrNotReady, lifecycle.StateReady)
	}
	out := make([]affinity.Entry, len(m.affinityTable))
	copy(out, m.affinityTable)
	return out, nil
}

// =============================================================================
// Port configuration
// =============================================================================

// SetPortConfig changes the persisted port configuration of the local side.
// A change that needs a reboot is carried out by the lifecycle.
func (m *Manager) SetPortConfig(ctx context.Context, req SetPortConfigRequest) (SetPortConfigResult, error) {
	m.mu.Lock()
	if !m.Ready() {
		m.mu.Unlock()
		return SetPortConfigResult{}, fmt.Errorf("%w: port configuration needs %s", domain.ErrNotReady, lifecycle.StateReady)
	}

	var (
		target domain.RebootTarget
		err    error
	)
	switch req.Action {
	case ActionPersistAll:
		target, err = m.persist.PersistAll(ctx, m.model, m.side)
	case ActionUpgrade:
		target, err = m.persist.UpgradeSlics(ctx, m.model, m.side)
	case ActionReplace:
		target, err = m.persist.Replace(ctx, m.model, m.side, req.Module, m.assigner)
	case ActionPersistList:
		target, err = m.persist.SetPortList(ctx, m.model, m.side, req.Entries, false)
	case ActionPersistListOverwrite:
		target, err = m.persist.SetPortList(ctx, m.model, m.side, req.Entries, true)
	case ActionRemoveAll:
		target, err = m.persist.RemoveAll(ctx, m.model, m.side)
	case ActionRemoveList:
		target, err = m.persist.RemovePortList(ctx, m.model, m.side, req.Locations)
	default:
		err = fmt.Errorf("%w: port config action %q", domain.ErrUnsupported, req.Action)
	}
	if err == nil {
		m.arm(m.obj, CondAffinity)
		if target != domain.RebootNone {
			m.scheduleReboot(m.obj, target)
		}
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn("Port configuration rejected", zap.String("action", string(req.Action)), zap.Error(err))
		return SetPortConfigResult{}, err
	}
	m.logger.Info("Port configuration changed",
		zap.String("event", "PORT_CONFIG_CHANGED"),
		zap.String("action", string(req.Action)),
		zap.String("reboot", string(target)),
	)
	m.broadcastConfig(ctx, domain.MaskAll, "", 0)
	return SetPortConfigResult{Reboot: target}, nil
}

// =============================================================================
// Management ports
// =============================================================================

// ConfigMgmtPortSpeed changes the settings of a local management port and
// waits for the command machine to finish.
func (m *Manager) ConfigMgmtPortSpeed(ctx context.Context, req MgmtPortRequest) (MgmtPortConfigInfo, error) {
	m.mu.Lock()
	if !m.Ready() {
		m.mu.Unlock()
		return MgmtPortConfigInfo{}, fmt.Errorf("%w: management port configuration needs %s", domain.ErrNotReady, lifecycle.StateReady)
	}
	if _, err := m.module(m.side, domain.ClassMgmtModule, req.Slot); err != nil {
		m.mu.Unlock()
		return MgmtPortConfigInfo{}, err
	}
	cfg := m.model.Mgmt(m.side, req.Slot)
	if err := m.mgmt.Request(req.Slot, cfg, req.Settings, req.Revert); err != nil {
		m.mu.Unlock()
		return MgmtPortConfigInfo{}, err
	}
	waiter := m.queue.Enqueue(mgmtport.WaitKey(req.Slot))
	m.arm(m.obj, CondMgmtPort)
	m.mu.Unlock()

	err := waiter.Wait(ctx)
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// The command runs to its conclusion without us.
		m.queue.Cancel(waiter)
		return MgmtPortConfigInfo{}, err
	}

	info, _ := m.RequestedMgmtPortConfig(ctx, MgmtRequest{Slot: req.Slot})
	if err != nil {
		return info, err
	}
	m.broadcastConfig(ctx, domain.MaskMgmtModule, domain.ClassMgmtModule, req.Slot)
	return info, nil
}

// MgmtCompInfo returns a management module.
func (m *Manager) MgmtCompInfo(ctx context.Context, req MgmtRequest) (MgmtCompInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	side := m.sideOf(req.Peer)
	rec, err := m.module(side, domain.ClassMgmtModule, req.Slot)
	if err != nil {
		return MgmtCompInfo{}, err
	}
	return MgmtCompInfo{
		Location: rec.Location(),
		Inserted: rec.Physical.Inserted,
		EnvGood:  rec.Physical.EnvGood,
		State:    rec.State,
		PROM:     rec.PROM,
		Applied:  m.model.Mgmt(side, req.Slot).Applied,
	}, nil
}

// RequestedMgmtPortConfig returns the last requested and the applied
// settings of a management port.
func (m *Manager) RequestedMgmtPortConfig(ctx context.Context, req MgmtRequest) (MgmtPortConfigInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	side := m.sideOf(req.Peer)
	if _, err := m.module(side, domain.ClassMgmtModule, req.Slot); err != nil {
		return MgmtPortConfigInfo{}, err
	}
	cfg := m.model.Mgmt(side, req.Slot)
	return MgmtPortConfigInfo{
		Slot:          req.Slot,
		Requested:     cfg.UserRequested,
		Effective:     cfg.Requested,
		Applied:       cfg.Applied,
		InProgress:    cfg.InProgress,
		RevertAllowed: cfg.RevertAllowed,
		State:         cfg.State,
	}, nil
}

// =============================================================================
// Indicators
// =============================================================================

// MarkIOModule turns the indicator of a local module on or off.
func (m *Manager) MarkIOModule(ctx context.Context, req MarkModuleRequest) (ModuleStatus, error) {
	m.mu.Lock()
	rec, err := m.module(m.side, req.Class, req.Slot)
	if err == nil && !rec.Present() {
		err = fmt.Errorf("%w: %s is empty", domain.ErrNotFound, rec.Location())
	}
	if err == nil {
		if err = m.deps.Board.SetModuleMarked(ctx, m.side, req.Class, req.Slot, req.On); err == nil {
			rec.Marked = req.On
		} else {
			err = fmt.Errorf("failed to mark module: %w", err)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return ModuleStatus{}, err
	}
	return m.ModuleStatus(ctx, ModuleRequest{Class: req.Class, Slot: req.Slot})
}

// MarkIOPort turns the indicator of a local port on or off.
func (m *Manager) MarkIOPort(ctx context.Context, req MarkPortRequest) (PortInfo, error) {
	m.mu.Lock()
	idx, err := m.port(m.side, req.Class, req.Slot, req.Port)
	if err == nil {
		if err = m.deps.Board.SetPortMarked(ctx, m.side, req.Class, req.Slot, req.Port, req.On); err == nil {
			m.model.Port(m.side, idx).Marked = req.On
		} else {
			err = fmt.Errorf("failed to mark port: %w", err)
		}
	}
	m.mu.Unlock()
	if err != nil {
		return PortInfo{}, err
	}
	return m.PortInfo(ctx, PortRequest{Class: req.Class, Slot: req.Slot, Port: req.Port})
}

// =============================================================================
// Lookups
// =============================================================================

func (m *Manager) sideOf(peerSide bool) domain.Side {
	if peerSide {
		return m.side.Peer()
	}
	return m.side
}

func (m *Manager) module(side domain.Side, class domain.DeviceClass, slot int) (*domain.ModuleRecord, error) {
	idx, ok := m.model.FindModule(side, class, slot)
	if !ok {
		return nil, fmt.Errorf("%w: module %s/%s%d", domain.ErrNotFound, side, class, slot)
	}
	return m.model.Module(side, idx), nil
}

func (m *Manager) port(side domain.Side, class domain.DeviceClass, slot, port int) (domain.PortIndex, error) {
	loc := domain.PortLocation{Class: class, Slot: slot, Port: port}
	idx, ok := m.model.FindPortAt(side, loc)
	if !ok {
		return 0, fmt.Errorf("%w: port %s/%s", domain.ErrNotFound, side, loc)
	}
	return idx, nil
}
