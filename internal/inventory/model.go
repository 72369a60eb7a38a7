// Package inventory holds the per-side arena of module, port and management
// port records.
//
// The Model is owned by the lifecycle goroutine. Pointers returned by Module,
// Port and Mgmt stay valid until the next Add call on the same side.
package inventory

import (
	"fmt"
	"sort"

	"github.com/limiquantix/modmgmt/internal/domain"
)

type moduleKey struct {
	class domain.DeviceClass
	slot  int
}

type portKey struct {
	module domain.ModuleIndex
	port   int
}

type sideInventory struct {
	modules     []domain.ModuleRecord
	ports       []domain.PortRecord
	mgmt        map[int]*domain.MgmtPortConfig
	moduleIndex map[moduleKey]domain.ModuleIndex
	portIndex   map[portKey]domain.PortIndex
	portsOf     map[domain.ModuleIndex][]domain.PortIndex
}

func newSideInventory() *sideInventory {
	return &sideInventory{
		mgmt:        make(map[int]*domain.MgmtPortConfig),
		moduleIndex: make(map[moduleKey]domain.ModuleIndex),
		portIndex:   make(map[portKey]domain.PortIndex),
		portsOf:     make(map[domain.ModuleIndex][]domain.PortIndex),
	}
}

// Model is the hardware inventory of both sides.
type Model struct {
	sides [domain.SideCount]*sideInventory
}

// New creates an empty inventory.
func New() *Model {
	m := &Model{}
	for i := range m.sides {
		m.sides[i] = newSideInventory()
	}
	return m
}

func (m *Model) side(s domain.Side) *sideInventory {
	if !s.Valid() {
		panic(fmt.Sprintf("inventory: invalid side %d", int(s)))
	}
	return m.sides[s]
}

// =============================================================================
// Modules
// =============================================================================

// AddModule inserts a module record, or returns the index of the existing
// record for the same class and slot.
func (m *Model) AddModule(rec domain.ModuleRecord) (domain.ModuleIndex, bool) {
	si := m.side(rec.Side)
	key := moduleKey{class: rec.Class, slot: rec.Slot}
	if idx, ok := si.moduleIndex[key]; ok {
		return idx, false
	}
	idx := domain.ModuleIndex(len(si.modules))
	si.modules = append(si.modules, rec)
	si.moduleIndex[key] = idx
	return idx, true
}

// Module returns the record at idx.
func (m *Model) Module(s domain.Side, idx domain.ModuleIndex) *domain.ModuleRecord {
	si := m.side(s)
	if idx < 0 || int(idx) >= len(si.modules) {
		return nil
	}
	return &si.modules[idx]
}

// FindModule looks a module up by class and slot.
func (m *Model) FindModule(s domain.Side, class domain.DeviceClass, slot int) (domain.ModuleIndex, bool) {
	idx, ok := m.side(s).moduleIndex[moduleKey{class: class, slot: slot}]
	return idx, ok
}

// Modules returns every module index of a side in insertion order.
func (m *Model) Modules(s domain.Side) []domain.ModuleIndex {
	si := m.side(s)
	out := make([]domain.ModuleIndex, len(si.modules))
	for i := range si.modules {
		out[i] = domain.ModuleIndex(i)
	}
	return out
}

// ModulesOfClass returns module indices of one class ordered by slot.
func (m *Model) ModulesOfClass(s domain.Side, class domain.DeviceClass) []domain.ModuleIndex {
	si := m.side(s)
	var out []domain.ModuleIndex
	for i := range si.modules {
		if si.modules[i].Class == class {
			out = append(out, domain.ModuleIndex(i))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return si.modules[out[a]].Slot < si.modules[out[b]].Slot
	})
	return out
}

// =============================================================================
// Ports
// =============================================================================

// AddPort inserts a port record, or returns the index of the existing record
// for the same module and port number.
func (m *Model) AddPort(rec domain.PortRecord) (domain.PortIndex, bool) {
	si := m.side(rec.Side)
	if int(rec.Module) >= len(si.modules) || rec.Module < 0 {
		panic(fmt.Sprintf("inventory: port references unknown module %d", rec.Module))
	}
	key := portKey{module: rec.Module, port: rec.Port}
	if idx, ok := si.portIndex[key]; ok {
		return idx, false
	}
	idx := domain.PortIndex(len(si.ports))
	si.ports = append(si.ports, rec)
	si.portIndex[key] = idx
	list := append(si.portsOf[rec.Module], idx)
	sort.Slice(list, func(a, b int) bool {
		return si.ports[list[a]].Port < si.ports[list[b]].Port
	})
	si.portsOf[rec.Module] = list
	return idx, true
}

// Port returns the record at idx.
func (m *Model) Port(s domain.Side, idx domain.PortIndex) *domain.PortRecord {
	si := m.side(s)
	if idx < 0 || int(idx) >= len(si.ports) {
		return nil
	}
	return &si.ports[idx]
}

// FindPort looks a port up by its module and port number.
func (m *Model) FindPort(s domain.Side, mod domain.ModuleIndex, port int) (domain.PortIndex, bool) {
	idx, ok := m.side(s).portIndex[portKey{module: mod, port: port}]
	return idx, ok
}

// FindPortAt looks a port up by physical location.
func (m *Model) FindPortAt(s domain.Side, loc domain.PortLocation) (domain.PortIndex, bool) {
	mod, ok := m.FindModule(s, loc.Class, loc.Slot)
	if !ok {
		return 0, false
	}
	return m.FindPort(s, mod, loc.Port)
}

// PortsOf returns the ports of a module ordered by port number.
func (m *Model) PortsOf(s domain.Side, mod domain.ModuleIndex) []domain.PortIndex {
	list := m.side(s).portsOf[mod]
	out := make([]domain.PortIndex, len(list))
	copy(out, list)
	return out
}

// Ports returns every port of a side in ascending module order, then port
// number. This is the scan order for logical number assignment.
func (m *Model) Ports(s domain.Side) []domain.PortIndex {
	si := m.side(s)
	out := make([]domain.PortIndex, 0, len(si.ports))
	for _, class := range domain.IOClasses {
		for _, mod := range m.ModulesOfClass(s, class) {
			out = append(out, si.portsOf[mod]...)
		}
	}
	return out
}

// Location returns the physical location of a port.
func (m *Model) Location(s domain.Side, idx domain.PortIndex) domain.PortLocation {
	p := m.Port(s, idx)
	mod := m.Module(s, p.Module)
	return domain.PortLocation{Class: mod.Class, Slot: mod.Slot, Port: p.Port}
}

// =============================================================================
// Management ports
// =============================================================================

// Mgmt returns the management port config of a management module slot,
// creating an idle record on first use.
func (m *Model) Mgmt(s domain.Side, slot int) *domain.MgmtPortConfig {
	si := m.side(s)
	cfg, ok := si.mgmt[slot]
	if !ok {
		cfg = &domain.MgmtPortConfig{State: domain.MgmtPortIdle}
		si.mgmt[slot] = cfg
	}
	return cfg
}

// MgmtSlots returns the management module slots with a config record, ascending.
func (m *Model) MgmtSlots(s domain.Side) []int {
	si := m.side(s)
	out := make([]int, 0, len(si.mgmt))
	for slot := range si.mgmt {
		out = append(out, slot)
	}
	sort.Ints(out)
	return out
}
