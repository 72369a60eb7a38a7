package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
)

func port(role domain.Role, logical uint32, fn uint8) *domain.PortRecord {
	p := &domain.PortRecord{Role: role, PCI: domain.PCIAddress{Bus: 3, Function: fn}}
	if role.Assigned() {
		p.Logical = domain.Some(logical)
	}
	return p
}

func TestMapper_Core(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AffinityConfig
		slot int
		port *domain.PortRecord
		want int
	}{
		{"single socket round robin", config.AffinityConfig{Cores: 4, Sockets: 1}, 0, port(domain.RoleFE, 6, 0), 2},
		{"uncommitted uses pci function", config.AffinityConfig{Cores: 4, Sockets: 1}, 0, port(domain.RoleUnassigned, 0, 3), 3},
		{"no core count falls back", config.AffinityConfig{}, 0, port(domain.RoleBE, 3, 0), 1},
		{"low slot on socket one", config.AffinityConfig{Cores: 8, Sockets: 2}, 2, port(domain.RoleBE, 5, 0), 5},
		{"high slot on socket zero", config.AffinityConfig{Cores: 8, Sockets: 2}, 7, port(domain.RoleFE, 5, 0), 1},
		{"virtual cpu ignores sockets", config.AffinityConfig{Cores: 8, Sockets: 2, VirtualCPU: true}, 2, port(domain.RoleFE, 5, 0), 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMapper(tt.cfg, zap.NewNop())
			assert.Equal(t, tt.want, m.Core(tt.slot, tt.port))
		})
	}
}

func TestMapper_TableFlagsChangesAndRemovedPorts(t *testing.T) {
	model := inventory.New()
	mod, _ := model.AddModule(domain.ModuleRecord{Side: domain.SideA, Class: domain.ClassIOModule, Slot: 0})
	model.AddPort(domain.PortRecord{
		Side: domain.SideA, Module: mod, Port: 0, Present: true,
		Role: domain.RoleFE, Logical: domain.Some[uint32](1),
		PCI: domain.PCIAddress{Bus: 2, Function: 0},
	})
	model.AddPort(domain.PortRecord{
		Side: domain.SideA, Module: mod, Port: 1, Present: true,
		Role: domain.RoleUnassigned, PCI: domain.PCIAddress{Bus: 2, Function: 1},
	})

	m := NewMapper(config.AffinityConfig{Cores: 4, Sockets: 1}, zap.NewNop())
	first := m.Table(model, domain.SideA, nil)
	require.Len(t, first, 2)
	assert.Equal(t, 1, first[0].Core)
	assert.Equal(t, 1, first[1].Core)
	assert.True(t, first[0].Modified)

	second := m.Table(model, domain.SideA, first)
	for _, e := range second {
		assert.False(t, e.Modified, e.Location.String())
	}

	gone := Entry{PCI: domain.PCIAddress{Bus: 9, Function: 2}, Core: 3, Present: true, Role: domain.RoleBE}
	third := m.Table(model, domain.SideA, append(second, gone))
	require.Len(t, third, 3)
	last := third[2]
	assert.False(t, last.Present)
	assert.Equal(t, 2, last.Core)
	assert.True(t, last.Modified)
	assert.False(t, last.Logical.IsSet())
}
