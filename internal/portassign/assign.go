// Package portassign derives port roles and logical numbers, detects
// combined connectors and renumbers portals.
package portassign

import (
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
)

// BootLogicalNumber is the BE logical number reserved for the boot device.
const BootLogicalNumber uint32 = 0

// Limits caps the number of ports per limit key. A missing key is unlimited.
type Limits map[string]int

// Assigner derives roles and logical numbers.
type Assigner struct {
	catalog *catalog.Catalog
	limits  Limits
	logger  *zap.Logger
}

// New creates an Assigner.
func New(cat *catalog.Catalog, limits Limits, logger *zap.Logger) *Assigner {
	return &Assigner{
		catalog: cat,
		limits:  limits,
		logger:  logger.With(zap.String("component", "portassign")),
	}
}

// Limits returns the configured port limits.
func (a *Assigner) Limits() Limits {
	out := make(Limits, len(a.limits))
	for k, v := range a.limits {
		out[k] = v
	}
	return out
}

func (a *Assigner) entryOf(m *inventory.Model, side domain.Side, p *domain.PortRecord) catalog.Entry {
	mod := m.Module(side, p.Module)
	e, _ := a.catalog.Classify(mod.Physical.UniqueID)
	return e
}

// DeriveRole sets the role and group of an uninitialized port. The boot
// device becomes BE 0. It reports whether the port changed.
func (a *Assigner) DeriveRole(m *inventory.Model, side domain.Side, idx domain.PortIndex) bool {
	p := m.Port(side, idx)
	if p == nil || p.Initialized() {
		return false
	}

	if p.BootDevice {
		p.Role = domain.RoleBE
		p.Logical = domain.Some(BootLogicalNumber)
		p.Group = a.entryOf(m, side, p).Group
		a.logger.Info("Boot device assigned",
			zap.String("side", side.String()),
			zap.String("location", m.Location(side, idx).String()),
		)
		return true
	}

	if !p.Present {
		return false
	}

	e := a.entryOf(m, side, p)
	p.Group = e.Group
	if !e.Role.Assigned() {
		p.Role = domain.RoleUnassigned
		return true
	}
	if a.limitReached(m, side, e) {
		p.Role = domain.RoleUnassigned
		a.logger.Warn("Port limit reached, port left uncommitted",
			zap.String("side", side.String()),
			zap.String("location", m.Location(side, idx).String()),
			zap.String("limit", e.Limit),
		)
		return true
	}
	p.Role = e.Role
	return true
}

// limitReached counts assigned ports sharing the entry's role and limit key.
func (a *Assigner) limitReached(m *inventory.Model, side domain.Side, e catalog.Entry) bool {
	limit, ok := a.limits[e.Limit]
	if !ok || e.Limit == "" {
		return false
	}
	count := 0
	for _, idx := range m.Ports(side) {
		q := m.Port(side, idx)
		if q.Role != e.Role || q.BootDevice {
			continue
		}
		if a.entryOf(m, side, q).Limit == e.Limit {
			count++
		}
	}
	return count >= limit
}

// AssignRoleIfUnset derives the role of an uninitialized port and gives an
// assigned port without a logical number the next free one for its role.
func (a *Assigner) AssignRoleIfUnset(m *inventory.Model, side domain.Side, idx domain.PortIndex) (domain.Role, domain.Optional[uint32], bool) {
	changed := a.DeriveRole(m, side, idx)
	p := m.Port(side, idx)
	if p == nil {
		return domain.RoleUninitialized, domain.None[uint32](), false
	}
	if p.Role.Assigned() && !p.Logical.IsSet() {
		p.Logical = domain.Some(a.nextFree(m, side, p.Role))
		changed = true
		a.logger.Debug("Logical number assigned",
			zap.String("side", side.String()),
			zap.String("location", m.Location(side, idx).String()),
			zap.String("role", string(p.Role)),
			zap.Uint32("logical", p.Logical.Or(0)),
		)
	}
	return p.Role, p.Logical, changed
}

// AssignAll runs AssignRoleIfUnset over every port of a side in ascending
// module then port order.
func (a *Assigner) AssignAll(m *inventory.Model, side domain.Side) bool {
	changed := false
	for _, idx := range m.Ports(side) {
		if _, _, c := a.AssignRoleIfUnset(m, side, idx); c {
			changed = true
		}
	}
	return changed
}

// AssignSubroles gives every assigned port without a sub-role the normal one.
func (a *Assigner) AssignSubroles(m *inventory.Model, side domain.Side) bool {
	changed := false
	for _, idx := range m.Ports(side) {
		p := m.Port(side, idx)
		if p.Role.Assigned() && p.SubRole == domain.SubRoleUninitialized {
			p.SubRole = domain.SubRoleNormal
			changed = true
		}
	}
	return changed
}

// nextFree returns the smallest number not claimed by a same-role port.
// BE numbering for ordinary ports starts after the boot number.
func (a *Assigner) nextFree(m *inventory.Model, side domain.Side, role domain.Role) uint32 {
	claimed := make(map[uint32]bool)
	for _, idx := range m.Ports(side) {
		q := m.Port(side, idx)
		if q.Role != role {
			continue
		}
		if n, ok := q.Logical.Get(); ok {
			claimed[n] = true
		}
	}
	var n uint32
	if role == domain.RoleBE {
		n = BootLogicalNumber + 1
	}
	for claimed[n] {
		n++
	}
	return n
}

// Duplicates returns logical numbers claimed by more than one port of the
// same role on a side. It is empty for a consistent inventory.
func Duplicates(m *inventory.Model, side domain.Side) map[domain.Role][]uint32 {
	seen := make(map[domain.Role]map[uint32]int)
	for _, idx := range m.Ports(side) {
		p := m.Port(side, idx)
		n, ok := p.Logical.Get()
		if !ok || !p.Role.Assigned() {
			continue
		}
		if seen[p.Role] == nil {
			seen[p.Role] = make(map[uint32]int)
		}
		seen[p.Role][n]++
	}
	out := make(map[domain.Role][]uint32)
	for role, nums := range seen {
		for n, count := range nums {
			if count > 1 {
				out[role] = append(out[role], n)
			}
		}
	}
	return out
}
