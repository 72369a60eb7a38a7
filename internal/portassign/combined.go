package portassign

import (
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
)

// DetectCombined decides whether a port shares one physical cable with an
// adjacent port. It checks port+1, then port-1, and marks both ports of a
// match as partners. A port without a match is marked non-combined, and a
// former partner that pointed back at it is cleared too.
func DetectCombined(m *inventory.Model, side domain.Side, idx domain.PortIndex) domain.Optional[domain.PortIndex] {
	p := m.Port(side, idx)
	if p == nil {
		return domain.None[domain.PortIndex]()
	}
	mod := m.Module(side, p.Module)
	if !mod.Slic.SupportsCombinedConnector() || !p.SFPInserted || !p.SFP.Usable() {
		clearCombined(m, side, idx)
		return domain.None[domain.PortIndex]()
	}

	for _, n := range []int{p.Port + 1, p.Port - 1} {
		cIdx, ok := m.FindPort(side, p.Module, n)
		if !ok {
			continue
		}
		c := m.Port(side, cIdx)
		if !c.SFPInserted || !c.SFP.Usable() || !p.SFP.SameCable(c.SFP) {
			continue
		}
		if other, paired := c.Partner.Get(); c.Combined && paired && other != idx {
			continue
		}
		if prev, had := p.Partner.Get(); had && prev != cIdx {
			clearCombined(m, side, idx)
		}
		p.Combined, p.Partner = true, domain.Some(cIdx)
		c.Combined, c.Partner = true, domain.Some(idx)
		return domain.Some(cIdx)
	}

	clearCombined(m, side, idx)
	return domain.None[domain.PortIndex]()
}

func clearCombined(m *inventory.Model, side domain.Side, idx domain.PortIndex) {
	p := m.Port(side, idx)
	if partner, ok := p.Partner.Get(); ok {
		if q := m.Port(side, partner); q != nil {
			if back, ok := q.Partner.Get(); ok && back == idx {
				q.Combined, q.Partner = false, domain.None[domain.PortIndex]()
			}
		}
	}
	p.Combined, p.Partner = false, domain.None[domain.PortIndex]()
}

// DetectModule runs DetectCombined for every port of a module and renumbers
// its portals. It reports whether any combined flag changed.
func DetectModule(m *inventory.Model, side domain.Side, mod domain.ModuleIndex) bool {
	ports := m.PortsOf(side, mod)
	before := make([]bool, len(ports))
	for i, idx := range ports {
		before[i] = m.Port(side, idx).Combined
	}
	for _, idx := range ports {
		DetectCombined(m, side, idx)
	}
	RenumberPortals(m, side, mod)

	for i, idx := range ports {
		if m.Port(side, idx).Combined != before[i] {
			return true
		}
	}
	return false
}

// RenumberPortals assigns contiguous portal numbers. A port whose combined
// partner is the previous port shares that port's portal.
func RenumberPortals(m *inventory.Model, side domain.Side, mod domain.ModuleIndex) {
	ports := m.PortsOf(side, mod)
	next := 0
	for i, idx := range ports {
		p := m.Port(side, idx)
		if i > 0 && p.Combined {
			if partner, ok := p.Partner.Get(); ok && partner == ports[i-1] {
				p.Portal = m.Port(side, partner).Portal
				continue
			}
		}
		p.Portal = next
		next++
	}
}
