// Package affinity maps IO ports to the CPU core that services their interrupts.
package affinity

import (
	"sort"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
)

// defaultCores is used when the platform reports no cores.
const defaultCores = 2

// Entry is the affinity of one port.
type Entry struct {
	Location domain.PortLocation     `json:"location"`
	PCI      domain.PCIAddress       `json:"pci"`
	Role     domain.Role             `json:"role"`
	Logical  domain.Optional[uint32] `json:"logical"`
	Core     int                     `json:"core"`
	Present  bool                    `json:"present"`
	// Modified is set when the core differs from the previous table.
	Modified bool                    `json:"modified"`
}

// Mapper computes port affinities for one CPU topology.
type Mapper struct {
	cores   int
	sockets int
	virtual bool
	logger  *zap.Logger
}

// NewMapper creates a mapper for the configured topology.
func NewMapper(cfg config.AffinityConfig, logger *zap.Logger) *Mapper {
	m := &Mapper{
		cores:   cfg.Cores,
		sockets: cfg.Sockets,
		virtual: cfg.VirtualCPU,
		logger:  logger.With(zap.String("component", "affinity")),
	}
	if m.cores <= 0 {
		m.logger.Warn("Core count detected at 0, using default", zap.Int("cores", defaultCores))
		m.cores = defaultCores
	}
	if m.sockets <= 0 {
		m.sockets = 1
	}
	return m
}

// Core returns the core for a port in the given slot. Ports without an FE or
// BE logical number get their PCI function so that ports of one module stay
// distinct.
func (m *Mapper) Core(slot int, port *domain.PortRecord) int {
	logical, ok := port.Logical.Get()
	if !port.Role.Assigned() || !ok {
		return int(port.PCI.Function)
	}

	if m.sockets == 1 || m.virtual {
		return int(logical) % m.cores
	}

	perSocket := m.cores / m.sockets
	if perSocket == 0 {
		return int(logical) % m.cores
	}
	socket := 1
	if slot > 5 {
		socket = 0
	}
	return socket*perSocket + int(logical)%perSocket
}

// Table computes the affinity of every port of a side. Entries of prev
// whose port is no longer present are kept at their default core and
// flagged for update.
func (m *Mapper) Table(model *inventory.Model, side domain.Side, prev []Entry) []Entry {
	old := make(map[domain.PCIAddress]Entry, len(prev))
	for _, e := range prev {
		old[e.PCI] = e
	}

	var out []Entry
	seen := make(map[domain.PCIAddress]struct{})
	for _, idx := range model.Ports(side) {
		port := model.Port(side, idx)
		if !port.Present {
			continue
		}
		loc := model.Location(side, idx)
		e := Entry{
			Location: loc,
			PCI:      port.PCI,
			Role:     port.Role,
			Logical:  port.Logical,
			Core:     m.Core(loc.Slot, port),
			Present:  true,
		}
		if o, ok := old[e.PCI]; !ok || o.Core != e.Core {
			e.Modified = true
		}
		seen[e.PCI] = struct{}{}
		out = append(out, e)
	}

	for _, o := range prev {
		if _, ok := seen[o.PCI]; ok {
			continue
		}
		e := o
		e.Present = false
		e.Role = domain.RoleUnassigned
		e.Logical = domain.None[uint32]()
		e.Core = int(o.PCI.Function)
		e.Modified = o.Present || o.Core != e.Core
		out = append(out, e)
	}

	sort.SliceStable(out, func(a, b int) bool {
		pa, pb := out[a].PCI, out[b].PCI
		if pa.Bus != pb.Bus {
			return pa.Bus < pb.Bus
		}
		if pa.Device != pb.Device {
			return pa.Device < pb.Device
		}
		return pa.Function < pb.Function
	})

	for _, e := range out {
		if e.Modified {
			m.logger.Debug("Port affinity changed",
				zap.Stringer("location", e.Location),
				zap.Stringer("pci", e.PCI),
				zap.Int("core", e.Core),
				zap.Bool("present", e.Present),
			)
		}
	}
	return out
}
