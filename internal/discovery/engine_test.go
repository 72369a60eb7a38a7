package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/hardware"
	"github.com/limiquantix/modmgmt/internal/hardware/sim"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/notify"
	"github.com/limiquantix/modmgmt/internal/portassign"
)

type fixture struct {
	encl     *sim.Enclosure
	engine   *Engine
	assigner *portassign.Assigner
	model    *inventory.Model
	bus      *notify.MemoryBus
}

func newFixture(t *testing.T, f sim.File) *fixture {
	t.Helper()
	logger := zap.NewNop()
	encl, err := sim.New(f, domain.SideA, nil, logger)
	require.NoError(t, err)
	cat, err := catalog.Load("")
	require.NoError(t, err)
	a := portassign.New(cat, nil, logger)
	bus := notify.NewMemoryBus(16)
	return &fixture{
		encl:     encl,
		engine:   NewEngine(encl, encl, cat, a, bus, domain.SideA, logger),
		assigner: a,
		model:    inventory.New(),
		bus:      bus,
	}
}

func (f *fixture) port(t *testing.T, slot, port int) *domain.PortRecord {
	t.Helper()
	idx, ok := f.model.FindPortAt(domain.SideA, domain.PortLocation{Class: domain.ClassIOModule, Slot: slot, Port: port})
	require.True(t, ok)
	return f.model.Port(domain.SideA, idx)
}

func TestDiscover_DefaultEnclosure(t *testing.T) {
	f := newFixture(t, sim.DefaultFile())
	res, err := f.engine.Discover(context.Background(), f.model, domain.SideA)
	require.NoError(t, err)

	assert.True(t, res.BootDeviceFound)
	assert.Zero(t, res.Failures)
	assert.Equal(t, []int{0}, res.NewMgmtModules)

	sas, ok := f.model.FindModule(domain.SideA, domain.ClassIOModule, 0)
	require.True(t, ok)
	mod := f.model.Module(domain.SideA, sas)
	assert.Equal(t, domain.SlicSAS6GQuad, mod.Slic)
	assert.Equal(t, domain.ModuleStateReady, mod.State)

	empty, ok := f.model.FindModule(domain.SideA, domain.ClassIOModule, 3)
	require.True(t, ok)
	assert.Equal(t, domain.ModuleStateEmpty, f.model.Module(domain.SideA, empty).State)

	boot := f.port(t, 0, 0)
	assert.Equal(t, domain.RoleBE, boot.Role)
	assert.Equal(t, domain.Some(uint32(0)), boot.Logical)
	assert.True(t, boot.Combined)
	assert.Equal(t, domain.LinkUp, boot.Link)

	var got []int
	for p := 0; p < 4; p++ {
		got = append(got, f.port(t, 0, p).Portal)
	}
	assert.Equal(t, []int{0, 0, 1, 2}, got)
	assert.False(t, f.port(t, 0, 3).SFPInserted)

	assert.Equal(t, domain.RoleFE, f.port(t, 1, 0).Role)
	assert.True(t, f.port(t, 1, 0).SFPCapable)
	assert.Equal(t, domain.Speed1000M, f.model.Mgmt(domain.SideA, 0).Applied.Speed)
}

func TestDiscover_IdempotentKeepsLogicalNumbers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sim.DefaultFile())
	_, err := f.engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)
	f.assigner.AssignAll(f.model, domain.SideA)

	before := make(map[domain.PortIndex]domain.Optional[uint32])
	for _, idx := range f.model.Ports(domain.SideA) {
		before[idx] = f.model.Port(domain.SideA, idx).Logical
	}

	res, err := f.engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)
	assert.Empty(t, res.NewMgmtModules)
	for idx, want := range before {
		assert.Equal(t, want, f.model.Port(domain.SideA, idx).Logical)
	}
}

func TestDiscover_EmptiedSerialBreaksCombinedPair(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sim.DefaultFile())
	_, err := f.engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)
	require.True(t, f.port(t, 0, 0).Combined)
	require.True(t, f.port(t, 0, 1).Combined)

	require.NoError(t, f.encl.SetSFP(ctx, domain.SideA, domain.ClassIOModule, 0, 1,
		&sim.SFPSpec{Condition: domain.SFPGood, PartNumber: "CBL-SAS-1M"}))

	idx, _ := f.model.FindPortAt(domain.SideA, domain.PortLocation{Class: domain.ClassIOModule, Slot: 0, Port: 1})
	changed, err := f.engine.RefreshSFPAndDetect(ctx, f.model, domain.SideA, idx)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.port(t, 0, 0).Combined)
	assert.False(t, f.port(t, 0, 1).Combined)
	assert.Equal(t, 1, f.port(t, 0, 1).Portal)
}

// MockFailingPortBoard fails queries for one port while failing is set.
type MockFailingPortBoard struct {
	hardware.Board
	location domain.PortLocation
	failing  bool
}

func (b *MockFailingPortBoard) Port(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int) (hardware.PortStatus, error) {
	if b.failing && (domain.PortLocation{Class: class, Slot: slot, Port: port}) == b.location {
		return hardware.PortStatus{}, domain.ErrUnavailable
	}
	return b.Board.Port(ctx, side, class, slot, port)
}

func TestRefreshModule_PortFailureSkipsCombinedDetection(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sim.DefaultFile())
	cat, err := catalog.Load("")
	require.NoError(t, err)
	board := &MockFailingPortBoard{Board: f.encl, location: domain.PortLocation{Class: domain.ClassIOModule, Slot: 0, Port: 1}}
	engine := NewEngine(board, f.encl, cat, f.assigner, f.bus, domain.SideA, zap.NewNop())

	_, err = engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)
	require.True(t, f.port(t, 0, 0).Combined)

	require.NoError(t, f.encl.SetSFP(ctx, domain.SideA, domain.ClassIOModule, 0, 0,
		&sim.SFPSpec{Condition: domain.SFPGood, PartNumber: "CBL-SAS-1M"}))
	board.failing = true

	changed, err := engine.RefreshModule(ctx, f.model, domain.SideA, domain.ClassIOModule, 0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, f.port(t, 0, 0).Combined, "pairing is not re-evaluated against stale port data")
	assert.True(t, f.port(t, 0, 1).Combined)

	board.failing = false
	changed, err = engine.RefreshModule(ctx, f.model, domain.SideA, domain.ClassIOModule, 0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.False(t, f.port(t, 0, 0).Combined)
	assert.False(t, f.port(t, 0, 1).Combined)
}

func TestDiscover_MissingBootDevice(t *testing.T) {
	file := sim.DefaultFile()
	side := file.Sides["A"]
	mods := append([]sim.ModuleSpec(nil), side.Modules...)
	ports := append([]sim.PortSpec(nil), mods[0].Ports...)
	ports[0].Boot = false
	mods[0].Ports = ports
	side.Modules = mods
	file.Sides = map[string]sim.SideSpec{"A": side}

	f := newFixture(t, file)
	res, err := f.engine.Discover(context.Background(), f.model, domain.SideA)
	require.NoError(t, err)
	assert.False(t, res.BootDeviceFound)
	assert.False(t, f.port(t, 0, 0).Logical.IsSet())
}

func TestDiscover_RemovedModuleMarksPortsAbsent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, sim.DefaultFile())
	_, err := f.engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)
	f.assigner.AssignAll(f.model, domain.SideA)
	logical := f.port(t, 1, 0).Logical

	require.NoError(t, f.encl.RemoveModule(ctx, domain.SideA, domain.ClassIOModule, 1))
	_, err = f.engine.RefreshModule(ctx, f.model, domain.SideA, domain.ClassIOModule, 1)
	require.NoError(t, err)

	p := f.port(t, 1, 0)
	assert.False(t, p.Present)
	assert.False(t, p.SFPInserted)
	assert.Equal(t, logical, p.Logical, "assignment survives removal")
	mod, _ := f.model.FindModule(domain.SideA, domain.ClassIOModule, 1)
	assert.Equal(t, domain.ModuleStateEmpty, f.model.Module(domain.SideA, mod).State)
}

func TestRefreshLink_PublishesTransition(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, sim.DefaultFile())
	_, err := f.engine.Discover(ctx, f.model, domain.SideA)
	require.NoError(t, err)

	events, err := f.bus.Subscribe(ctx, domain.MaskPort)
	require.NoError(t, err)

	require.NoError(t, f.encl.SetLink(ctx, domain.SideA, domain.ClassIOModule, 1, 1, domain.LinkUp))
	idx, _ := f.model.FindPortAt(domain.SideA, domain.PortLocation{Class: domain.ClassIOModule, Slot: 1, Port: 1})
	require.NoError(t, f.engine.RefreshLink(ctx, f.model, domain.SideA, idx))

	select {
	case ev := <-events:
		assert.Equal(t, notify.OriginEngine, ev.Origin)
		assert.Equal(t, notify.DataPortInfo, ev.Data)
		assert.Equal(t, domain.Some(1), ev.Port)
		assert.Equal(t, string(domain.LinkUp), ev.Detail)
	case <-time.After(time.Second):
		t.Fatal("no link notification published")
	}
	assert.Equal(t, domain.LinkUp, f.model.Port(domain.SideA, idx).Link)
}
