package portassign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
)

const sas6GQuad uint32 = 0x0101

func cable(part, serial string) domain.SFPIdentity {
	return domain.SFPIdentity{PageType: domain.IdentityPageType, TxOK: true, PartNumber: part, Serial: serial}
}

// addModule inserts a present module of the given id with one port per
// identity. A zero identity leaves the SFP slot empty.
func addModule(m *inventory.Model, slot int, id uint32, sfps ...domain.SFPIdentity) (domain.ModuleIndex, []domain.PortIndex) {
	cat, _ := catalog.Load("")
	e, _ := cat.Classify(id)
	mod, _ := m.AddModule(domain.ModuleRecord{
		Side:     domain.SideA,
		Class:    domain.ClassIOModule,
		Slot:     slot,
		Physical: domain.ModulePhysical{Inserted: true, Powered: true, UniqueID: id},
		Slic:     e.Slic,
		Protocol: e.Protocol,
	})
	var ports []domain.PortIndex
	for i, sfp := range sfps {
		idx, _ := m.AddPort(domain.PortRecord{
			Side:        domain.SideA,
			Module:      mod,
			Port:        i,
			Present:     true,
			SFPInserted: sfp != (domain.SFPIdentity{}),
			SFP:         sfp,
		})
		ports = append(ports, idx)
	}
	return mod, ports
}

func newAssigner(t *testing.T, limits Limits) *Assigner {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	return New(cat, limits, zap.NewNop())
}

func portals(m *inventory.Model, ports []domain.PortIndex) []int {
	out := make([]int, len(ports))
	for i, idx := range ports {
		out[i] = m.Port(domain.SideA, idx).Portal
	}
	return out
}

func TestRenumberPortals(t *testing.T) {
	a, b := cable("P1", "S1"), cable("P2", "S2")
	tests := []struct {
		name string
		sfps []domain.SFPIdentity
		want []int
	}{
		{"no combined ports", []domain.SFPIdentity{cable("A", "1"), cable("B", "2"), cable("C", "3"), cable("D", "4")}, []int{0, 1, 2, 3}},
		{"ports 0-1 combined", []domain.SFPIdentity{a, a, cable("C", "3"), cable("D", "4")}, []int{0, 0, 1, 2}},
		{"both pairs combined", []domain.SFPIdentity{a, a, b, b}, []int{0, 0, 1, 1}},
		{"ports 2-3 combined", []domain.SFPIdentity{cable("A", "1"), cable("B", "2"), b, b}, []int{0, 1, 2, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := inventory.New()
			mod, ports := addModule(m, 0, sas6GQuad, tt.sfps...)
			DetectModule(m, domain.SideA, mod)
			assert.Equal(t, tt.want, portals(m, ports))
		})
	}
}

func TestDetectCombined_Symmetric(t *testing.T) {
	m := inventory.New()
	a := cable("P1", "S1")
	_, ports := addModule(m, 0, sas6GQuad, a, a, cable("X", "9"), domain.SFPIdentity{})

	partner := DetectCombined(m, domain.SideA, ports[1])
	got, ok := partner.Get()
	require.True(t, ok)
	assert.Equal(t, ports[0], got)

	p0, p1 := m.Port(domain.SideA, ports[0]), m.Port(domain.SideA, ports[1])
	assert.True(t, p0.Combined)
	assert.True(t, p1.Combined)
	assert.Equal(t, domain.Some(ports[1]), p0.Partner)
	assert.Equal(t, domain.Some(ports[0]), p1.Partner)

	assert.False(t, DetectCombined(m, domain.SideA, ports[3]).IsSet())
}

func TestDetectCombined_EmptiedSerialBreaksBothSides(t *testing.T) {
	m := inventory.New()
	a := cable("P1", "S1")
	mod, ports := addModule(m, 0, sas6GQuad, a, a, cable("C", "3"), cable("D", "4"))
	DetectModule(m, domain.SideA, mod)
	require.True(t, m.Port(domain.SideA, ports[0]).Combined)

	m.Port(domain.SideA, ports[1]).SFP.Serial = ""
	changed := DetectModule(m, domain.SideA, mod)

	assert.True(t, changed)
	for _, idx := range ports {
		p := m.Port(domain.SideA, idx)
		assert.False(t, p.Combined, "port %d", p.Port)
		assert.False(t, p.Partner.IsSet(), "port %d", p.Port)
	}
	assert.Equal(t, []int{0, 1, 2, 3}, portals(m, ports))
}

func TestDetectCombined_IgnoresUnsupportedSlic(t *testing.T) {
	m := inventory.New()
	a := cable("P1", "S1")
	_, ports := addModule(m, 0, 0x0201, a, a)

	assert.False(t, DetectCombined(m, domain.SideA, ports[0]).IsSet())
	assert.False(t, m.Port(domain.SideA, ports[1]).Combined)
}

func TestAssignAll_UniqueAndStable(t *testing.T) {
	m := inventory.New()
	_, sas := addModule(m, 0, sas6GQuad, cable("A", "1"), cable("B", "2"), cable("C", "3"), cable("D", "4"))
	_, fc := addModule(m, 1, 0x0201, cable("E", "5"), cable("F", "6"))
	m.Port(domain.SideA, sas[0]).BootDevice = true

	a := newAssigner(t, nil)
	require.True(t, a.AssignAll(m, domain.SideA))

	assert.Equal(t, domain.Some(uint32(0)), m.Port(domain.SideA, sas[0]).Logical)
	assert.Equal(t, domain.Some(uint32(1)), m.Port(domain.SideA, sas[1]).Logical)
	assert.Equal(t, domain.Some(uint32(3)), m.Port(domain.SideA, sas[3]).Logical)
	assert.Equal(t, domain.RoleFE, m.Port(domain.SideA, fc[0]).Role)
	assert.Equal(t, domain.Some(uint32(0)), m.Port(domain.SideA, fc[0]).Logical)
	assert.Empty(t, Duplicates(m, domain.SideA))

	before := make(map[domain.PortIndex]domain.Optional[uint32])
	for _, idx := range m.Ports(domain.SideA) {
		before[idx] = m.Port(domain.SideA, idx).Logical
	}
	assert.False(t, a.AssignAll(m, domain.SideA), "second pass must not change anything")
	for _, idx := range m.Ports(domain.SideA) {
		assert.Equal(t, before[idx], m.Port(domain.SideA, idx).Logical)
	}
}

func TestAssignRoleIfUnset_SkipsClaimedNumbers(t *testing.T) {
	m := inventory.New()
	_, ports := addModule(m, 0, 0x0201, cable("A", "1"), cable("B", "2"), cable("C", "3"))
	first := m.Port(domain.SideA, ports[0])
	first.Role = domain.RoleFE
	first.Logical = domain.Some(uint32(0))
	second := m.Port(domain.SideA, ports[2])
	second.Role = domain.RoleFE
	second.Logical = domain.Some(uint32(1))

	a := newAssigner(t, nil)
	role, logical, changed := a.AssignRoleIfUnset(m, domain.SideA, ports[1])

	assert.True(t, changed)
	assert.Equal(t, domain.RoleFE, role)
	assert.Equal(t, domain.Some(uint32(2)), logical)
}

func TestDeriveRole_LimitLeavesPortUncommitted(t *testing.T) {
	m := inventory.New()
	_, ports := addModule(m, 0, 0x0201, cable("A", "1"), cable("B", "2"), cable("C", "3"))

	a := newAssigner(t, Limits{"fc_fe": 2})
	a.AssignAll(m, domain.SideA)

	assert.Equal(t, domain.RoleFE, m.Port(domain.SideA, ports[0]).Role)
	assert.Equal(t, domain.RoleFE, m.Port(domain.SideA, ports[1]).Role)
	assert.Equal(t, domain.RoleUnassigned, m.Port(domain.SideA, ports[2]).Role)
	assert.False(t, m.Port(domain.SideA, ports[2]).Logical.IsSet())
}

func TestAssignSubroles(t *testing.T) {
	m := inventory.New()
	_, ports := addModule(m, 0, 0x0201, cable("A", "1"))
	a := newAssigner(t, nil)
	a.AssignAll(m, domain.SideA)

	assert.True(t, a.AssignSubroles(m, domain.SideA))
	assert.Equal(t, domain.SubRoleNormal, m.Port(domain.SideA, ports[0]).SubRole)
	assert.False(t, a.AssignSubroles(m, domain.SideA))
}
