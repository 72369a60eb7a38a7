package persist

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/portassign"
)

// Options control where configuration comes from and whether a change
// reboots the controller.
type Options struct {
	Key string
	// PortPersist enables logical number assignment and persistence.
	PortPersist bool
	// PersistDisabled re-derives configuration from the registry every boot
	// and never reboots on change.
	PersistDisabled bool
	// Bootflash is set while the controller runs from the service image.
	Bootflash  bool
	Conversion map[SlotRef]SlotRef
}

// Reconciler owns the persisted copy of the port configuration.
type Reconciler struct {
	store    Store
	registry Registry
	catalog  *catalog.Catalog
	opts     Options
	logger   *zap.Logger

	loaded  []domain.PersistedPortEntry
	mgmt    []domain.Optional[domain.MgmtPortSettings]
	orphans []domain.PersistedPortEntry
}

// NewReconciler creates a Reconciler.
func NewReconciler(store Store, registry Registry, cat *catalog.Catalog, opts Options, logger *zap.Logger) *Reconciler {
	if opts.Key == "" {
		opts.Key = "module_mgmt"
	}
	return &Reconciler{
		store:    store,
		registry: registry,
		catalog:  cat,
		opts:     opts,
		logger:   logger.With(zap.String("component", "persist")),
		mgmt:     make([]domain.Optional[domain.MgmtPortSettings], MaxMgmtEntries),
	}
}

// Options returns the reconciler options.
func (r *Reconciler) Options() Options {
	return r.opts
}

// =============================================================================
// Loading
// =============================================================================

// Read fetches the persisted configuration. A missing or corrupt blob reads
// as an empty configuration. In persist-disabled mode the registry port
// parameters are the source.
func (r *Reconciler) Read(ctx context.Context) (domain.PersistedConfig, error) {
	empty := domain.PersistedConfig{Mgmt: make([]domain.Optional[domain.MgmtPortSettings], MaxMgmtEntries)}

	if r.opts.PersistDisabled {
		entries, err := r.registry.PortParams(ctx)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return empty, fmt.Errorf("failed to read registry port parameters: %w", err)
		}
		empty.Ports = entries
		return empty, nil
	}

	blob, err := r.store.Read(ctx, r.opts.Key)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Info("No persistent data found", zap.String("key", r.opts.Key))
		return empty, nil
	}
	if err != nil {
		return empty, fmt.Errorf("failed to read persistent data: %w", err)
	}
	cfg, err := Decode(blob)
	if err != nil {
		r.logger.Warn("Persistent data invalid, starting from defaults",
			zap.String("key", r.opts.Key),
			zap.Error(err),
		)
		return empty, nil
	}
	return cfg, nil
}

// Load merges persisted entries into the model and remembers them as the
// last written state. A port that already holds the boot assignment (BE 0)
// is never overwritten, and a persisted BE 0 entry is only accepted for the
// boot device. Entries with no matching port are kept as orphans. It returns
// the number of ports updated.
func (r *Reconciler) Load(m *inventory.Model, side domain.Side, cfg domain.PersistedConfig) int {
	r.loaded = slices.Clone(cfg.Ports)
	sortEntries(r.loaded)
	r.mgmt = make([]domain.Optional[domain.MgmtPortSettings], MaxMgmtEntries)
	copy(r.mgmt, cfg.Mgmt)
	r.orphans = nil

	applied := 0
	for _, e := range cfg.Ports {
		switch r.apply(m, side, e) {
		case applyDone:
			applied++
		case applyNoPort:
			r.orphans = append(r.orphans, e)
		}
	}
	r.logger.Info("Persistent data loaded",
		zap.String("side", side.String()),
		zap.Int("entries", len(cfg.Ports)),
		zap.Int("applied", applied),
		zap.Int("orphans", len(r.orphans)),
	)
	return applied
}

// ApplyOrphans merges orphan entries whose port has since appeared.
func (r *Reconciler) ApplyOrphans(m *inventory.Model, side domain.Side) int {
	applied := 0
	remaining := r.orphans[:0]
	for _, e := range r.orphans {
		switch r.apply(m, side, e) {
		case applyDone:
			applied++
		case applyNoPort:
			remaining = append(remaining, e)
		}
	}
	r.orphans = remaining
	return applied
}

type applyResult int

const (
	applyDone applyResult = iota
	applyNoPort
	applySkipped
)

func (r *Reconciler) apply(m *inventory.Model, side domain.Side, e domain.PersistedPortEntry) applyResult {
	idx, ok := m.FindPortAt(side, e.Location)
	if !ok {
		return applyNoPort
	}
	p := m.Port(side, idx)
	if holdsBootAssignment(p) {
		r.logger.Debug("Boot port assignment kept over persisted entry",
			zap.String("location", e.Location.String()),
		)
		return applySkipped
	}
	if e.IsBootEntry() && !p.BootDevice {
		r.logger.Warn("Persisted BE 0 entry ignored for non-boot port",
			zap.String("location", e.Location.String()),
		)
		return applySkipped
	}
	p.Role = e.Role
	p.SubRole = e.SubRole
	p.Logical = e.Logical
	p.Group = e.Group
	return applyDone
}

func holdsBootAssignment(p *domain.PortRecord) bool {
	n, ok := p.Logical.Get()
	return ok && n == portassign.BootLogicalNumber && p.Role == domain.RoleBE
}

// Loaded returns the entries last read or written.
func (r *Reconciler) Loaded() []domain.PersistedPortEntry {
	return slices.Clone(r.loaded)
}

// =============================================================================
// Reconciliation
// =============================================================================

// Batch builds the entries to persist: ports that are present or already
// numbered, with a known group, plus orphans whose port is still missing.
func (r *Reconciler) Batch(m *inventory.Model, side domain.Side) []domain.PersistedPortEntry {
	var out []domain.PersistedPortEntry
	for _, idx := range m.Ports(side) {
		p := m.Port(side, idx)
		if !p.Present && !p.Logical.IsSet() {
			continue
		}
		if !p.Group.Known() {
			continue
		}
		out = append(out, domain.PersistedPortEntry{
			Location: m.Location(side, idx),
			Role:     p.Role,
			SubRole:  p.SubRole,
			Logical:  p.Logical,
			Group:    p.Group,
		})
	}
	for _, e := range r.orphans {
		if _, ok := m.FindPortAt(side, e.Location); !ok {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out
}

// Reconcile reports whether the live model differs from the persisted copy.
func (r *Reconciler) Reconcile(m *inventory.Model, side domain.Side) bool {
	return !slices.Equal(r.Batch(m, side), r.loaded)
}

// Persist writes the current batch. In persist-disabled mode the batch goes
// to the registry fallback instead of the store.
func (r *Reconciler) Persist(ctx context.Context, m *inventory.Model, side domain.Side) error {
	batch := r.Batch(m, side)
	if err := r.write(ctx, batch); err != nil {
		return err
	}
	r.loaded = batch
	r.logger.Info("Port configuration persisted",
		zap.String("side", side.String()),
		zap.Int("entries", len(batch)),
	)
	return nil
}

func (r *Reconciler) write(ctx context.Context, batch []domain.PersistedPortEntry) error {
	if r.opts.PersistDisabled {
		if err := r.registry.SetPortParams(ctx, batch); err != nil {
			return fmt.Errorf("failed to write registry port parameters: %w", err)
		}
		return nil
	}
	blob, err := Encode(domain.PersistedConfig{Ports: batch, Mgmt: r.mgmt})
	if err != nil {
		return fmt.Errorf("failed to encode persistent data: %w", err)
	}
	if err := r.store.Write(ctx, r.opts.Key, blob); err != nil {
		return fmt.Errorf("failed to write persistent data: %w", err)
	}
	return nil
}

// changeReboot is the reboot a persisted change needs.
func (r *Reconciler) changeReboot(changed bool) domain.RebootTarget {
	if !changed || r.opts.PersistDisabled {
		return domain.RebootNone
	}
	return domain.RebootLocal
}

// ConfigurePorts assigns sub-roles and logical numbers to every unset port,
// persists the result when anything differs from the persisted copy, and
// clears the registry re-persist flag. It is a no-op on the service image.
func (r *Reconciler) ConfigurePorts(ctx context.Context, m *inventory.Model, side domain.Side, a *portassign.Assigner) (domain.RebootTarget, error) {
	if !r.opts.PersistDisabled && r.opts.Bootflash {
		r.logger.Info("Service image, port configuration skipped")
		return domain.RebootNone, nil
	}

	changed := false
	if r.opts.PortPersist {
		a.AssignSubroles(m, side)
		a.AssignAll(m, side)
		changed = r.Reconcile(m, side)
	}

	flags, err := r.registry.Flags(ctx)
	if err != nil {
		return domain.RebootNone, fmt.Errorf("failed to read registry flags: %w", err)
	}
	if flags.PersistPortInfo {
		changed = true
	}
	if changed {
		if err := r.Persist(ctx, m, side); err != nil {
			return domain.RebootNone, err
		}
	}
	if !r.opts.PersistDisabled && flags.PersistPortInfo {
		flags.PersistPortInfo = false
		if err := r.registry.SetFlags(ctx, flags); err != nil {
			return domain.RebootNone, fmt.Errorf("failed to clear persist flag: %w", err)
		}
	}
	return r.changeReboot(changed), nil
}

// CheckRegistry brings the registry port parameters in line with the live
// configuration. A change, or a reboot recorded in the registry, is returned
// as the reboot to perform.
func (r *Reconciler) CheckRegistry(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	if r.opts.PersistDisabled {
		return domain.RebootNone, nil
	}
	flags, err := r.registry.Flags(ctx)
	if err != nil {
		return domain.RebootNone, fmt.Errorf("failed to read registry flags: %w", err)
	}
	if flags.DisableRegUpdate {
		r.logger.Debug("Registry update disabled")
		return domain.RebootNone, nil
	}

	params, err := r.registry.PortParams(ctx)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return domain.RebootNone, fmt.Errorf("failed to read registry port parameters: %w", err)
	}
	sortEntries(params)
	batch := r.Batch(m, side)

	target := flags.RebootRequired
	if !slices.Equal(params, batch) {
		if err := r.registry.SetPortParams(ctx, batch); err != nil {
			return domain.RebootNone, fmt.Errorf("failed to update registry port parameters: %w", err)
		}
		r.logger.Info("Registry port parameters updated",
			zap.String("side", side.String()),
			zap.Int("entries", len(batch)),
		)
		// A registry mismatch with an unchanged blob only needs a reboot if
		// the blob itself is stale.
		if !slices.Equal(batch, r.loaded) {
			target = target.Merge(domain.RebootLocal)
		}
	}
	if flags.RebootRequired != domain.RebootNone {
		flags.RebootRequired = domain.RebootNone
		if err := r.registry.SetFlags(ctx, flags); err != nil {
			return domain.RebootNone, fmt.Errorf("failed to clear reboot flag: %w", err)
		}
	}
	return target, nil
}

// =============================================================================
// Upgrade and conversion
// =============================================================================

// UpgradeSlics replaces the persisted IOM group of a port when the module now
// in its slot is a compatible newer generation.
func (r *Reconciler) UpgradeSlics(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	changed := false
	for _, idx := range m.Ports(side) {
		p := m.Port(side, idx)
		if !p.Group.Known() || !p.Logical.IsSet() {
			continue
		}
		mod := m.Module(side, p.Module)
		e, ok := r.catalog.Classify(mod.Physical.UniqueID)
		if !ok || e.Group == p.Group || !e.UpgradesFrom(p.Group) {
			continue
		}
		r.logger.Info("IOM group upgraded",
			zap.String("location", m.Location(side, idx).String()),
			zap.String("from", string(p.Group)),
			zap.String("to", string(e.Group)),
		)
		p.Group = e.Group
		changed = true
	}
	if changed {
		if err := r.Persist(ctx, m, side); err != nil {
			return domain.RebootNone, err
		}
	}
	if err := r.updateFlags(ctx, func(f *RegistryFlags) bool {
		was := f.SlicUpgrade
		f.SlicUpgrade = false
		return was
	}); err != nil {
		return domain.RebootNone, err
	}
	return r.changeReboot(changed), nil
}

// Convert moves persisted configuration from source slots to destination
// slots according to the configured conversion map.
func (r *Reconciler) Convert(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	if len(r.opts.Conversion) == 0 {
		return domain.RebootNone, nil
	}
	changed := false
	for _, idx := range m.Ports(side) {
		loc := m.Location(side, idx)
		dst, ok := r.opts.Conversion[SlotRef{Class: loc.Class, Slot: loc.Slot}]
		if !ok {
			continue
		}
		src := m.Port(side, idx)
		if !src.Logical.IsSet() {
			continue
		}
		target := domain.PortLocation{Class: dst.Class, Slot: dst.Slot, Port: loc.Port}
		dIdx, ok := m.FindPortAt(side, target)
		if !ok {
			r.logger.Warn("Conversion destination port missing",
				zap.String("from", loc.String()),
				zap.String("to", target.String()),
			)
			continue
		}
		d := m.Port(side, dIdx)
		d.Role, d.SubRole, d.Logical, d.Group = src.Role, src.SubRole, src.Logical, src.Group
		clearLogical(src)
		changed = true
	}
	for i, e := range r.orphans {
		if dst, ok := r.opts.Conversion[SlotRef{Class: e.Location.Class, Slot: e.Location.Slot}]; ok {
			r.orphans[i].Location.Slot = dst.Slot
			changed = true
		}
	}
	if changed {
		r.ApplyOrphans(m, side)
		if err := r.Persist(ctx, m, side); err != nil {
			return domain.RebootNone, err
		}
	}
	if err := r.updateFlags(ctx, func(f *RegistryFlags) bool {
		was := f.ConversionPending
		f.ConversionPending = false
		return was
	}); err != nil {
		return domain.RebootNone, err
	}
	return r.changeReboot(changed), nil
}

func (r *Reconciler) updateFlags(ctx context.Context, mutate func(*RegistryFlags) bool) error {
	flags, err := r.registry.Flags(ctx)
	if err != nil {
		return fmt.Errorf("failed to read registry flags: %w", err)
	}
	if !mutate(&flags) {
		return nil
	}
	if err := r.registry.SetFlags(ctx, flags); err != nil {
		return fmt.Errorf("failed to update registry flags: %w", err)
	}
	return nil
}

// =============================================================================
// Control paths
// =============================================================================

// PersistAll writes the live configuration regardless of drift.
func (r *Reconciler) PersistAll(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	if err := r.Persist(ctx, m, side); err != nil {
		return domain.RebootNone, err
	}
	return r.changeReboot(true), nil
}

// SetPortList applies explicit entries. Without overwrite, a port that
// already has a logical number keeps it.
func (r *Reconciler) SetPortList(ctx context.Context, m *inventory.Model, side domain.Side, entries []domain.PersistedPortEntry, overwrite bool) (domain.RebootTarget, error) {
	for _, e := range entries {
		if e.Role.Assigned() && !e.Logical.IsSet() {
			return domain.RebootNone, fmt.Errorf("%w: %s has role %s without a logical number", domain.ErrInvalidArgument, e.Location, e.Role)
		}
		idx, ok := m.FindPortAt(side, e.Location)
		if !ok {
			return domain.RebootNone, fmt.Errorf("%w: port %s", domain.ErrNotFound, e.Location)
		}
		if holdsBootAssignment(m.Port(side, idx)) {
			return domain.RebootNone, fmt.Errorf("%w: %s is the boot port", domain.ErrPermissionDenied, e.Location)
		}
		if n, ok := e.Logical.Get(); ok && r.claimedByOther(m, side, idx, e.Role, n) && !overwrite {
			return domain.RebootNone, fmt.Errorf("%w: %s %d already claimed", domain.ErrConflict, e.Role, n)
		}
	}

	changed := false
	for _, e := range entries {
		idx, _ := m.FindPortAt(side, e.Location)
		p := m.Port(side, idx)
		if p.Logical.IsSet() && !overwrite {
			continue
		}
		if n, ok := e.Logical.Get(); ok && overwrite {
			r.releaseNumber(m, side, idx, e.Role, n)
		}
		p.Role, p.SubRole, p.Logical = e.Role, e.SubRole, e.Logical
		if e.Group.Known() {
			p.Group = e.Group
		}
		if p.SubRole == domain.SubRoleUninitialized && p.Role.Assigned() {
			p.SubRole = domain.SubRoleNormal
		}
		changed = true
	}
	if !changed {
		return domain.RebootNone, nil
	}
	return r.PersistAll(ctx, m, side)
}

func (r *Reconciler) claimedByOther(m *inventory.Model, side domain.Side, self domain.PortIndex, role domain.Role, n uint32) bool {
	for _, idx := range m.Ports(side) {
		if idx == self {
			continue
		}
		q := m.Port(side, idx)
		if v, ok := q.Logical.Get(); ok && v == n && q.Role == role {
			return true
		}
	}
	return false
}

// releaseNumber clears another port that holds the number being overwritten.
func (r *Reconciler) releaseNumber(m *inventory.Model, side domain.Side, self domain.PortIndex, role domain.Role, n uint32) {
	for _, idx := range m.Ports(side) {
		if idx == self {
			continue
		}
		q := m.Port(side, idx)
		if v, ok := q.Logical.Get(); ok && v == n && q.Role == role && !holdsBootAssignment(q) {
			clearLogical(q)
		}
	}
}

// RemovePortList drops the persisted configuration of the given ports.
func (r *Reconciler) RemovePortList(ctx context.Context, m *inventory.Model, side domain.Side, locs []domain.PortLocation) (domain.RebootTarget, error) {
	changed := false
	for _, loc := range locs {
		if idx, ok := m.FindPortAt(side, loc); ok {
			p := m.Port(side, idx)
			if holdsBootAssignment(p) {
				return domain.RebootNone, fmt.Errorf("%w: %s is the boot port", domain.ErrPermissionDenied, loc)
			}
			if p.Initialized() || p.Logical.IsSet() {
				clearLogical(p)
				changed = true
			}
		}
		before := len(r.orphans)
		r.orphans = slices.DeleteFunc(r.orphans, func(e domain.PersistedPortEntry) bool {
			return e.Location == loc
		})
		changed = changed || len(r.orphans) != before
	}
	if !changed {
		return domain.RebootNone, nil
	}
	return r.PersistAll(ctx, m, side)
}

// RemoveAll drops every persisted entry except the boot port.
func (r *Reconciler) RemoveAll(ctx context.Context, m *inventory.Model, side domain.Side) (domain.RebootTarget, error) {
	for _, idx := range m.Ports(side) {
		p := m.Port(side, idx)
		if !holdsBootAssignment(p) {
			clearLogical(p)
		}
	}
	r.orphans = nil
	return r.PersistAll(ctx, m, side)
}

// Replace forgets the configuration of one slot and derives it again for
// the module now installed there.
func (r *Reconciler) Replace(ctx context.Context, m *inventory.Model, side domain.Side, slot SlotRef, a *portassign.Assigner) (domain.RebootTarget, error) {
	mod, ok := m.FindModule(side, slot.Class, slot.Slot)
	if !ok {
		return domain.RebootNone, fmt.Errorf("%w: module %s", domain.ErrNotFound, slot)
	}
	for _, idx := range m.PortsOf(side, mod) {
		p := m.Port(side, idx)
		if !holdsBootAssignment(p) {
			clearLogical(p)
		}
	}
	r.orphans = slices.DeleteFunc(r.orphans, func(e domain.PersistedPortEntry) bool {
		return e.Location.Class == slot.Class && e.Location.Slot == slot.Slot
	})
	for _, idx := range m.PortsOf(side, mod) {
		a.AssignRoleIfUnset(m, side, idx)
	}
	a.AssignSubroles(m, side)
	return r.PersistAll(ctx, m, side)
}

func clearLogical(p *domain.PortRecord) {
	p.Role = domain.RoleUninitialized
	p.SubRole = domain.SubRoleUninitialized
	p.Logical = domain.None[uint32]()
}

// =============================================================================
// Management port known-good settings
// =============================================================================

// KnownGoodMgmt returns the persisted settings of a management module slot.
func (r *Reconciler) KnownGoodMgmt(slot int) (domain.MgmtPortSettings, bool) {
	if slot < 0 || slot >= len(r.mgmt) {
		return domain.MgmtPortSettings{}, false
	}
	return r.mgmt[slot].Get()
}

// SaveMgmt persists known-good settings for a management module slot.
func (r *Reconciler) SaveMgmt(ctx context.Context, slot int, settings domain.MgmtPortSettings) error {
	if slot < 0 || slot >= MaxMgmtEntries {
		return fmt.Errorf("%w: management slot %d", domain.ErrInvalidArgument, slot)
	}
	if r.opts.PersistDisabled {
		r.mgmt[slot] = domain.Some(settings)
		return nil
	}
	prev := r.mgmt[slot]
	r.mgmt[slot] = domain.Some(settings)
	if err := r.write(ctx, r.loaded); err != nil {
		r.mgmt[slot] = prev
		return err
	}
	r.logger.Info("Management port settings persisted",
		zap.Int("slot", slot),
		zap.String("autoneg", string(settings.AutoNeg)),
		zap.Uint32("speed", uint32(settings.Speed)),
		zap.String("duplex", string(settings.Duplex)),
	)
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

var classOrder = map[domain.DeviceClass]int{
	domain.ClassIOModule:      0,
	domain.ClassBackEndModule: 1,
	domain.ClassMezzanine:     2,
	domain.ClassMgmtModule:    3,
}

func sortEntries(entries []domain.PersistedPortEntry) {
	slices.SortFunc(entries, func(a, b domain.PersistedPortEntry) int {
		if d := classOrder[a.Location.Class] - classOrder[b.Location.Class]; d != 0 {
			return d
		}
		if d := a.Location.Slot - b.Location.Slot; d != 0 {
			return d
		}
		return a.Location.Port - b.Location.Port
	})
}
