package inventory

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/modmgmt/internal/domain"
)

func TestModel_AddModuleIsIdempotent(t *testing.T) {
	m := New()

	idx, added := m.AddModule(domain.ModuleRecord{Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, State: domain.ModuleStateEmpty})
	require.True(t, added)
	again, added := m.AddModule(domain.ModuleRecord{Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, State: domain.ModuleStateReady})
	assert.False(t, added)
	assert.Equal(t, idx, again)
	assert.Equal(t, domain.ModuleStateEmpty, m.Module(domain.SideA, idx).State, "the existing record is kept")

	_, ok := m.FindModule(domain.SideB, domain.ClassIOModule, 1)
	assert.False(t, ok, "sides are separate")
}

func TestModel_PortsUniquePerModule(t *testing.T) {
	m := New()
	mod, _ := m.AddModule(domain.ModuleRecord{Side: domain.SideA, Class: domain.ClassIOModule, Slot: 0})
	other, _ := m.AddModule(domain.ModuleRecord{Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1})

	// Added out of order.
	p1, added := m.AddPort(domain.PortRecord{Side: domain.SideA, Module: mod, Port: 1})
	require.True(t, added)
	p0, added := m.AddPort(domain.PortRecord{Side: domain.SideA, Module: mod, Port: 0})
	require.True(t, added)
	dup, added := m.AddPort(domain.PortRecord{Side: domain.SideA, Module: mod, Port: 1, Present: true})
	assert.False(t, added)
	assert.Equal(t, p1, dup)
	assert.False(t, m.Port(domain.SideA, p1).Present)

	q0, added := m.AddPort(domain.PortRecord{Side: domain.SideA, Module: other, Port: 0})
	require.True(t, added, "the same port number on another module is a different port")
	assert.NotEqual(t, p0, q0)

	if diff := cmp.Diff([]domain.PortIndex{p0, p1}, m.PortsOf(domain.SideA, mod)); diff != "" {
		t.Errorf("ports of module mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, m.Ports(domain.SideA), 3)

	loc := domain.PortLocation{Class: domain.ClassIOModule, Slot: 0, Port: 1}
	found, ok := m.FindPortAt(domain.SideA, loc)
	require.True(t, ok)
	assert.Equal(t, p1, found)
	assert.Equal(t, loc, m.Location(domain.SideA, found))

	_, ok = m.FindPortAt(domain.SideA, domain.PortLocation{Class: domain.ClassIOModule, Slot: 0, Port: 7})
	assert.False(t, ok)
	_, ok = m.FindPortAt(domain.SideA, domain.PortLocation{Class: domain.ClassBackEndModule, Slot: 0, Port: 0})
	assert.False(t, ok)
}

func TestModel_AddPortRejectsUnknownModule(t *testing.T) {
	m := New()
	assert.Panics(t, func() {
		m.AddPort(domain.PortRecord{Side: domain.SideA, Module: 3, Port: 0})
	})
}

func TestModel_MgmtCreatedOnFirstUse(t *testing.T) {
	m := New()
	cfg := m.Mgmt(domain.SideA, 1)
	assert.Equal(t, domain.MgmtPortIdle, cfg.State)
	assert.Same(t, cfg, m.Mgmt(domain.SideA, 1))
	m.Mgmt(domain.SideA, 0)
	assert.Equal(t, []int{0, 1}, m.MgmtSlots(domain.SideA))
}
