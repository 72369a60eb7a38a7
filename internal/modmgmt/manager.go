// Package modmgmt is the module management engine of one controller. It owns
// the inventory and drives discovery, persistence, the management port
// machine and firmware upgrades through one lifecycle object.
package modmgmt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/limiquantix/modmgmt/internal/affinity"
	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/deferred"
	"github.com/limiquantix/modmgmt/internal/discovery"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/fup"
	"github.com/limiquantix/modmgmt/internal/ha"
	"github.com/limiquantix/modmgmt/internal/hardware"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/mgmtport"
	"github.com/limiquantix/modmgmt/internal/notify"
	"github.com/limiquantix/modmgmt/internal/peer"
	"github.com/limiquantix/modmgmt/internal/persist"
	"github.com/limiquantix/modmgmt/internal/portassign"
	"github.com/limiquantix/modmgmt/internal/scheduler"
)

// ObjectName is the name the lifecycle object is registered under.
const ObjectName = "module_mgmt"

// Lifecycle conditions, grouped by the state whose rotary holds them.
const (
	CondDiscover       = "discover_hardware"
	CondLoadPersistent = "load_persistent_data"
	CondSpecializeDone = "specialize_complete"

	CondConfigurePorts = "configure_ports"
	CondCheckRegistry  = "check_registry"
	CondUpgradeSlics   = "upgrade_slics"
	CondConvert        = "convert_slots"
	CondActivateDone   = "activate_complete"

	CondReadyEntry      = "ready_entry"
	CondProcessChanges  = "process_changes"
	CondMgmtPort        = "mgmt_port_config"
	CondRegistryChanged = "registry_changed"
	CondAffinity        = "update_port_affinity"
	CondReboot          = "reboot_pending"

	CondRetryBootDevice = "retry_boot_device"
	CondAwaitReboot     = "await_reboot"
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Board     hardware.Board
	Transport hardware.PortTransport
	Rebooter  hardware.Rebooter
	// Firmware may be nil, which disables firmware upgrades.
	Firmware  fup.Firmware
	Store     persist.Store
	Registry  persist.Registry
	Bus       notify.Bus
	// Channel reaches the peer controller. Nil runs single-controller.
	Channel   peer.Channel
	Catalog   *catalog.Catalog
	Manifest  *fup.Manifest
}

// Manager is the module management engine of the local side.
type Manager struct {
	config   *config.Config
	side     domain.Side
	singleSP bool
	deps     Deps
	logger   *zap.Logger

	discovery   *discovery.Engine
	assigner    *portassign.Assigner
	persist     *persist.Reconciler
	queue       *deferred.Queue
	mgmt        *mgmtport.Machine
	fup         *fup.Engine
	affinity    *affinity.Mapper
	coordinator *peer.Coordinator
	ha          *ha.Manager
	scheduler   *scheduler.Scheduler
	changes     *inventory.ChangeLog
	obj         *lifecycle.Object

	// mu serializes condition functions with control operations. Everything
	// below is guarded by it.
	mu              sync.Mutex
	model           *inventory.Model
	platform        hardware.PlatformInfo
	lastDiscovery   discovery.Result
	bootDeviceFound bool
	reboot          domain.RebootTarget
	affinityTable   []affinity.Entry

	ready   atomic.Bool
	onReady []func(bool)
}

// Ensure Manager implements the upgrade environment check
var _ fup.Environment = (*Manager)(nil)

// New creates a Manager in the Specialize state.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Manager, error) {
	side, err := domain.ParseSide(cfg.Platform.Side)
	if err != nil {
		return nil, fmt.Errorf("failed to parse platform side: %w", err)
	}
	conversion, err := persist.ParseConversion(cfg.Platform.Conversion)
	if err != nil {
		return nil, fmt.Errorf("failed to parse slot conversion: %w", err)
	}
	if deps.Catalog == nil {
		if deps.Catalog, err = catalog.Load(cfg.Platform.CatalogPath); err != nil {
			return nil, err
		}
	}
	if deps.Bus == nil {
		deps.Bus = notify.NewMemoryBus(64)
	}
	if deps.Manifest == nil && cfg.FUP.Enabled && cfg.FUP.ImageDir != "" {
		if deps.Manifest, err = fup.LoadManifest(cfg.FUP.ImageDir); err != nil {
			return nil, err
		}
	}

	logger = logger.With(zap.Stringer("side", side))
	m := &Manager{
		config:   cfg,
		side:     side,
		singleSP: cfg.Platform.SingleSP || deps.Channel == nil,
		deps:     deps,
		logger:   logger.With(zap.String("component", "module-mgmt")),
		queue:    deferred.NewQueue(),
		changes:  inventory.NewChangeLog(),
		model:    inventory.New(),
		affinity: affinity.NewMapper(cfg.Affinity, logger),
	}

	m.assigner = portassign.New(deps.Catalog, portassign.Limits(cfg.Platform.PortLimits), logger)
	m.discovery = discovery.NewEngine(deps.Board, deps.Transport, deps.Catalog, m.assigner, deps.Bus, side, logger)
	m.persist = persist.NewReconciler(deps.Store, deps.Registry, deps.Catalog, persist.Options{
		Key:             cfg.Storage.Key,
		PortPersist:     cfg.Platform.PortPersist,
		PersistDisabled: cfg.Platform.PersistDisabled,
		Bootflash:       cfg.Platform.Bootflash,
		Conversion:      conversion,
	}, logger)
	m.mgmt = mgmtport.NewMachine(cfg.MgmtPort, side, deps.Board, m.persist, m.queue, logger)

	var permission fup.Permission
	if !m.singleSP {
		m.coordinator = peer.NewCoordinator(side, deps.Channel, cfg.Peer.BusyRetries, peer.HandlerFunc(m.handlePeerMessage), logger)
		m.ha = ha.NewManager(cfg.HA, side, m.coordinator, m.lifecycleState, logger)
		m.ha.OnPeerAlive(m.peerAlive)
		m.ha.OnPeerLost(m.peerLost)
		permission = m.coordinator
	}
	m.fup = fup.NewEngine(cfg.FUP, side, deps.Manifest, deps.Firmware, permission, m, logger)
	m.fup.OnComplete(m.upgradeComplete)

	class, err := m.buildClass()
	if err != nil {
		return nil, err
	}
	if m.obj, err = class.NewObject(lifecycle.StateSpecialize); err != nil {
		return nil, err
	}
	m.scheduler = scheduler.New(scheduler.Config{TickInterval: cfg.Lifecycle.TickInterval}, logger)
	m.scheduler.Register(ObjectName, m.obj)
	return m, nil
}

func (m *Manager) buildClass() (*lifecycle.Class, error) {
	b := lifecycle.NewBuilder(ObjectName)

	b.Preset(CondDiscover, m.locked(m.discoverCond)).
		Preset(CondLoadPersistent, m.locked(m.loadPersistentCond)).
		Preset(CondSpecializeDone, m.locked(m.specializeDoneCond)).
		Rotary(lifecycle.StateSpecialize, CondDiscover, CondLoadPersistent, CondSpecializeDone)

	b.Preset(CondConfigurePorts, m.locked(m.activateStep("configure ports", m.configurePorts))).
		Preset(CondCheckRegistry, m.locked(m.activateStep("check registry", m.persist.CheckRegistry))).
		Preset(CondUpgradeSlics, m.locked(m.activateStep("upgrade slics", m.persist.UpgradeSlics))).
		Preset(CondConvert, m.locked(m.activateStep("convert slots", m.persist.Convert))).
		Preset(CondActivateDone, m.locked(m.activateDoneCond)).
		Rotary(lifecycle.StateActivate, CondConfigurePorts, CondCheckRegistry, CondUpgradeSlics, CondConvert, CondActivateDone)

	b.Preset(CondReadyEntry, m.locked(m.readyEntryCond)).
		Normal(CondProcessChanges, m.locked(m.processChangesCond)).
		Normal(CondMgmtPort, m.locked(m.mgmtPortCond)).
		Normal(CondRegistryChanged, m.locked(m.registryChangedCond)).
		Normal(CondAffinity, m.locked(m.affinityCond)).
		Normal(CondReboot, m.locked(m.rebootCond))
	ready := []string{CondReadyEntry, CondProcessChanges, CondMgmtPort, CondRegistryChanged, CondAffinity}
	// Upgrade steps take their own locks.
	ready = append(ready, m.fup.Install(b)...)
	b.Rotary(lifecycle.StateReady, append(ready, CondReboot)...)

	b.Normal(CondRetryBootDevice, m.locked(m.retryBootDeviceCond)).
		Rotary(lifecycle.StateFail, CondRetryBootDevice)
	b.Preset(CondAwaitReboot, m.awaitRebootCond).
		Rotary(lifecycle.StateOffline, CondAwaitReboot)

	return b.Build()
}

// locked runs fn with the manager lock held.
func (m *Manager) locked(fn lifecycle.Func) lifecycle.Func {
	return func(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
		m.mu.Lock()
		defer m.mu.Unlock()
		return fn(ctx, obj)
	}
}

// =============================================================================
// Run
// =============================================================================

// Run drives the engine until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	events, err := m.deps.Bus.Subscribe(ctx, domain.MaskAll)
	if err != nil {
		return fmt.Errorf("failed to subscribe to notifications: %w", err)
	}

	m.logger.Info("Starting module management",
		zap.Bool("single_sp", m.singleSP),
		zap.Bool("fup_enabled", m.fupEnabled()),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m.consume(ctx, events)
		return nil
	})
	if w, ok := m.deps.Registry.(persist.Watcher); ok {
		changed, err := w.Watch(ctx)
		if err != nil {
			m.logger.Warn("Registry watch unavailable", zap.Error(err))
		} else {
			g.Go(func() error {
				m.watchRegistry(ctx, changed)
				return nil
			})
		}
	}
	if m.coordinator != nil {
		g.Go(func() error {
			m.coordinator.Run(ctx)
			return nil
		})
		g.Go(func() error {
			m.ha.Start(ctx)
			return nil
		})
	}
	g.Go(func() error {
		m.scheduler.Start(ctx)
		return nil
	})
	return g.Wait()
}

// OnReady registers fn to run when the engine enters or leaves Ready.
// Register before Run.
func (m *Manager) OnReady(fn func(ready bool)) {
	m.onReady = append(m.onReady, fn)
}

// Ready reports whether the engine is in the Ready state.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// State returns the lifecycle state.
func (m *Manager) State() lifecycle.State {
	return m.obj.State()
}

// Object returns the driver's view of the lifecycle object.
func (m *Manager) Object() (scheduler.ObjectState, bool) {
	return m.scheduler.GetObjectState(ObjectName)
}

// Side returns the local side.
func (m *Manager) Side() domain.Side {
	return m.side
}

func (m *Manager) lifecycleState() string {
	return string(m.obj.State())
}

func (m *Manager) setReady(ready bool) {
	if m.ready.Swap(ready) == ready {
		return
	}
	for _, fn := range m.onReady {
		fn(ready)
	}
}

func (m *Manager) fupEnabled() bool {
	return m.config.FUP.Enabled && m.deps.Firmware != nil
}

// =============================================================================
// Specialize
// =============================================================================

func (m *Manager) discoverCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	platform, err := m.deps.Board.Platform(ctx)
	if err != nil {
		m.logger.Warn("Platform query failed, retrying", zap.Error(err))
		return lifecycle.StatusDone
	}
	m.platform = platform

	res, err := m.discovery.Discover(ctx, m.model, m.side)
	if err != nil {
		m.logger.Warn("Discovery failed, retrying", zap.Error(err))
		return lifecycle.StatusDone
	}
	m.lastDiscovery = res
	m.bootDeviceFound = res.BootDeviceFound

	if !m.singleSP {
		// The peer side is informational; its failures do not hold startup.
		if _, err := m.discovery.Discover(ctx, m.model, m.side.Peer()); err != nil {
			m.logger.Warn("Peer side discovery failed", zap.Error(err))
		}
	}
	obj.ClearCurrent()
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) loadPersistentCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	cfg, err := m.persist.Read(ctx)
	if err != nil {
		m.logger.Warn("Failed to read persistent data, retrying", zap.Error(err))
		return lifecycle.StatusDone
	}
	m.persist.Load(m.model, m.side, cfg)

	for _, slot := range m.model.MgmtSlots(m.side) {
		m.restoreMgmt(obj, slot)
	}
	obj.ClearCurrent()
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) specializeDoneCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	if !m.bootDeviceFound {
		m.logger.Error("Fatal configuration error: boot device missing",
			zap.String("event", "BOOT_DEVICE_MISSING"),
		)
		m.transition(obj, lifecycle.StateFail)
		return lifecycle.StatusDone
	}
	m.transition(obj, lifecycle.StateActivate)
	return lifecycle.StatusMoreProcessing
}

// =============================================================================
// Activate
// =============================================================================

type reconcileStep func(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error)

func (m *Manager) configurePorts(ctx context.Context, model *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	return m.persist.ConfigurePorts(ctx, model, side, m.assigner)
}

// activateStep wraps one reconciliation step. A failed step stays armed and
// is retried on the next pass.
func (m *Manager) activateStep(name string, step reconcileStep) lifecycle.Func {
	return func(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
		target, err := step(ctx, m.model, m.side)
		if err != nil {
			m.logger.Warn("Activation step failed, retrying",
				zap.String("step", name),
				zap.Error(err),
			)
			return lifecycle.StatusDone
		}
		if target != domain.RebootNone {
			m.logger.Info("Activation step requires reboot",
				zap.String("step", name),
				zap.String("target", string(target)),
			)
			m.reboot = m.reboot.Merge(target)
		}
		obj.ClearCurrent()
		return lifecycle.StatusMoreProcessing
	}
}

func (m *Manager) activateDoneCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	if m.rebootNow(ctx, obj, "port configuration changed") {
		return lifecycle.StatusDone
	}
	m.transition(obj, lifecycle.StateReady)
	return lifecycle.StatusMoreProcessing
}

// rebootNow carries out the pending reboot. It reports whether the local
// controller goes down.
func (m *Manager) rebootNow(ctx context.Context, obj *lifecycle.Object, reason string) bool {
	target := m.reboot
	if target == domain.RebootNone {
		return false
	}
	m.reboot = domain.RebootNone

	m.logger.Warn("Rebooting to apply configuration",
		zap.String("event", "REBOOT_REQUESTED"),
		zap.String("target", string(target)),
		zap.String("reason", reason),
	)
	if m.deps.Rebooter != nil {
		if err := m.deps.Rebooter.Reboot(ctx, target, reason); err != nil {
			m.logger.Error("Reboot request failed", zap.Error(err))
		}
	}
	if target == domain.RebootPeer {
		return false
	}
	m.setReady(false)
	m.transition(obj, lifecycle.StateOffline)
	return true
}

func (m *Manager) transition(obj *lifecycle.Object, to lifecycle.State) {
	from := obj.State()
	if err := obj.Transition(to); err != nil {
		m.logger.Error("Lifecycle transition rejected", zap.Error(err))
		return
	}
	m.logger.Info("Lifecycle transition",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

// =============================================================================
// Ready
// =============================================================================

func (m *Manager) readyEntryCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	m.affinityTable = m.affinity.Table(m.model, m.side, m.affinityTable)

	if m.fupEnabled() {
		for _, idx := range m.model.ModulesOfClass(m.side, domain.ClassBackEndModule) {
			m.initiateUpgrade(obj, m.model.Module(m.side, idx))
		}
	}
	if m.changes.Len() > 0 {
		m.arm(obj, CondProcessChanges)
	}

	m.publish(ctx, notify.Event{Data: notify.DataConfig, Mask: domain.MaskAll, Side: m.side, Detail: string(lifecycle.StateReady)})
	m.broadcastConfig(ctx, domain.MaskAll, "", 0)
	m.logger.Info("Module management ready",
		zap.Int("modules", len(m.model.Modules(m.side))),
		zap.Int("ports", len(m.model.Ports(m.side))),
	)
	m.setReady(true)
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) processChangesCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	// Cleared before draining so a change recorded meanwhile re-arms it.
	obj.ClearCurrent()
	changes := m.changes.Drain()
	if len(changes) == 0 {
		return lifecycle.StatusMoreProcessing
	}

	modulesChanged := false
	failed := 0
	for _, c := range changes {
		changed, err := m.applyChange(ctx, obj, c)
		if err != nil {
			m.logger.Warn("Change not applied, retrying on next pass",
				zap.Stringer("change_side", c.Side),
				zap.String("kind", string(c.Kind)),
				zap.String("class", string(c.Class)),
				zap.Int("slot", c.Slot),
				zap.Error(err),
			)
			m.changes.Record(c)
			failed++
			continue
		}
		if changed {
			modulesChanged = true
		}
	}
	if failed > 0 {
		m.arm(obj, CondProcessChanges)
	}
	if modulesChanged {
		if n := m.persist.ApplyOrphans(m.model, m.side); n > 0 {
			m.logger.Info("Persisted entries applied to new ports", zap.Int("ports", n))
		}
		m.arm(obj, CondAffinity)
	}
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) mgmtPortCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	pending := false
	for _, slot := range m.model.MgmtSlots(m.side) {
		if m.mgmt.Step(ctx, slot, m.model.Mgmt(m.side, slot)) {
			pending = true
		}
	}
	if !pending {
		obj.ClearCurrent()
	}
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) registryChangedCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	target, err := m.persist.CheckRegistry(ctx, m.model, m.side)
	if err != nil {
		m.logger.Warn("Registry check failed, retrying", zap.Error(err))
		return lifecycle.StatusDone
	}
	obj.ClearCurrent()
	if target != domain.RebootNone {
		m.scheduleReboot(obj, target)
	}
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) affinityCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	m.affinityTable = m.affinity.Table(m.model, m.side, m.affinityTable)
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) rebootCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	if m.rebootNow(ctx, obj, "configuration changed") {
		return lifecycle.StatusDone
	}
	return lifecycle.StatusMoreProcessing
}

// scheduleReboot merges target into the pending reboot, carried out by the
// reboot condition.
func (m *Manager) scheduleReboot(obj *lifecycle.Object, target domain.RebootTarget) {
	m.reboot = m.reboot.Merge(target)
	m.arm(obj, CondReboot)
}

// =============================================================================
// Fail and Offline
// =============================================================================

func (m *Manager) retryBootDeviceCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	m.changes.Drain()

	res, err := m.discovery.Discover(ctx, m.model, m.side)
	if err != nil {
		m.logger.Warn("Discovery failed", zap.Error(err))
		return lifecycle.StatusDone
	}
	m.lastDiscovery = res
	m.bootDeviceFound = res.BootDeviceFound
	if !res.BootDeviceFound {
		return lifecycle.StatusDone
	}

	m.logger.Info("Boot device found, resuming activation")
	// Persisted entries were held back while the boot port was missing.
	m.persist.ApplyOrphans(m.model, m.side)
	m.transition(obj, lifecycle.StateActivate)
	return lifecycle.StatusMoreProcessing
}

func (m *Manager) awaitRebootCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	obj.ClearCurrent()
	m.logger.Info("Waiting for controller reboot")
	return lifecycle.StatusDone
}

// arm sets a condition and logs the unexpected failure to do so.
func (m *Manager) arm(obj *lifecycle.Object, cond string) {
	if err := obj.Set(cond); err != nil {
		m.logger.Error("Failed to arm condition", zap.String("condition", cond), zap.Error(err))
	}
}

// =============================================================================
// Management ports
// =============================================================================

// restoreMgmt re-applies the persisted known-good settings of a local
// management port that runs with different ones.
func (m *Manager) restoreMgmt(obj *lifecycle.Object, slot int) {
	idx, ok := m.model.FindModule(m.side, domain.ClassMgmtModule, slot)
	if !ok || !m.model.Module(m.side, idx).Present() {
		return
	}
	known, ok := m.persist.KnownGoodMgmt(slot)
	if !ok {
		return
	}
	if m.mgmt.Restore(slot, m.model.Mgmt(m.side, slot), known) {
		m.arm(obj, CondMgmtPort)
	}
}

// =============================================================================
// Firmware upgrade
// =============================================================================

func (m *Manager) initiateUpgrade(obj *lifecycle.Object, rec *domain.ModuleRecord) {
	if rec.State != domain.ModuleStateReady {
		return
	}
	if err := m.fup.Initiate(obj, rec.Slot, rec.Slic, rec.PROM.FirmwareRev); err != nil {
		m.logger.Debug("Firmware upgrade not queued", zap.Int("slot", rec.Slot), zap.Error(err))
	}
}

// UpgradeSafe implements fup.Environment: the peer's module in the same slot
// must be inserted and healthy, since it carries the IO while this one
// restarts.
func (m *Manager) UpgradeSafe(ctx context.Context, slot int) bool {
	if m.singleSP {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.model.FindModule(m.side.Peer(), domain.ClassBackEndModule, slot)
	if !ok {
		return false
	}
	rec := m.model.Module(m.side.Peer(), idx)
	return rec.Present() && rec.State != domain.ModuleStateFaulted
}

func (m *Manager) upgradeComplete(ctx context.Context, it fup.Item) {
	m.logger.Info("Firmware upgrade finished",
		zap.String("event", "FUP_COMPLETE"),
		zap.Int("slot", it.Slot),
		zap.String("completion", string(it.Completion)),
		zap.String("from", it.FromRev),
		zap.String("to", it.ToRev),
	)
	if it.Completion != fup.CompletionSucceeded {
		return
	}

	m.mu.Lock()
	if idx, ok := m.model.FindModule(m.side, domain.ClassBackEndModule, it.Slot); ok {
		m.model.Module(m.side, idx).PROM.FirmwareRev = it.ToRev
	}
	m.mu.Unlock()

	m.publish(ctx, notify.Event{
		Data:   notify.DataModuleInfo,
		Mask:   domain.MaskBackEndModule,
		Side:   m.side,
		Class:  domain.ClassBackEndModule,
		Slot:   it.Slot,
		Detail: it.ToRev,
	})
	m.broadcastConfig(ctx, domain.MaskBackEndModule, domain.ClassBackEndModule, it.Slot)
}

// =============================================================================
// Peer
// =============================================================================

func (m *Manager) peerAlive(ctx context.Context) {
	m.fup.PeerAlive(m.obj)
}

func (m *Manager) peerLost(ctx context.Context) {
	m.coordinator.PeerLost()
	// Peer modules can no longer be trusted for upgrade safety.
	m.changes.Record(inventory.Change{Kind: inventory.ChangeModule, Side: m.side.Peer()})
	m.wakeChanges()
}

func (m *Manager) broadcastConfig(ctx context.Context, mask domain.DeviceMask, class domain.DeviceClass, slot int) {
	if m.coordinator == nil {
		return
	}
	m.coordinator.Broadcast(ctx, &peer.ConfigChanged{From: m.side, Mask: mask, Class: class, Slot: slot})
}

func (m *Manager) publish(ctx context.Context, ev notify.Event) {
	ev.Origin = notify.OriginEngine
	if err := m.deps.Bus.Publish(ctx, ev); err != nil {
		m.logger.Warn("Failed to publish notification",
			zap.String("data", string(ev.Data)),
			zap.Error(err),
		)
	}
}
