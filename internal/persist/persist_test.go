package persist

import (
	"context"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/catalog"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/inventory"
	"github.com/limiquantix/modmgmt/internal/portassign"
)

// MockStore is an in-memory Store.
type MockStore struct {
	mu     sync.Mutex
	blobs  map[string][]byte
	writes int
}

func NewMockStore() *MockStore {
	return &MockStore{blobs: make(map[string][]byte)}
}

func (s *MockStore) Read(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MockStore) Write(ctx context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), blob...)
	s.writes++
	return nil
}

// MockRegistry is an in-memory Registry.
type MockRegistry struct {
	flags  RegistryFlags
	params []domain.PersistedPortEntry
}

func (r *MockRegistry) Flags(ctx context.Context) (RegistryFlags, error) { return r.flags, nil }

func (r *MockRegistry) SetFlags(ctx context.Context, f RegistryFlags) error {
	r.flags = f
	return nil
}

func (r *MockRegistry) PortParams(ctx context.Context) ([]domain.PersistedPortEntry, error) {
	return append([]domain.PersistedPortEntry(nil), r.params...), nil
}

func (r *MockRegistry) SetPortParams(ctx context.Context, e []domain.PersistedPortEntry) error {
	r.params = append([]domain.PersistedPortEntry(nil), e...)
	return nil
}

var (
	_ Store    = (*MockStore)(nil)
	_ Registry = (*MockRegistry)(nil)
)

func loc(slot, port int) domain.PortLocation {
	return domain.PortLocation{Class: domain.ClassIOModule, Slot: slot, Port: port}
}

// buildModel creates one SAS module in slot 0 with the boot device on port 0
// and one FC module in slot 1, and runs role derivation on every port.
func buildModel(t *testing.T) (*inventory.Model, *portassign.Assigner) {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	a := portassign.New(cat, nil, zap.NewNop())

	m := inventory.New()
	for slot, id := range []uint32{0x0101, 0x0201} {
		e, _ := cat.Classify(id)
		mod, _ := m.AddModule(domain.ModuleRecord{
			Side:     domain.SideA,
			Class:    domain.ClassIOModule,
			Slot:     slot,
			Physical: domain.ModulePhysical{Inserted: true, Powered: true, UniqueID: id},
			Slic:     e.Slic,
			Protocol: e.Protocol,
		})
		for port := 0; port < 2; port++ {
			m.AddPort(domain.PortRecord{
				Side:       domain.SideA,
				Module:     mod,
				Port:       port,
				Present:    true,
				BootDevice: slot == 0 && port == 0,
			})
		}
	}
	for _, idx := range m.Ports(domain.SideA) {
		a.DeriveRole(m, domain.SideA, idx)
	}
	return m, a
}

func newReconciler(t *testing.T, opts Options) (*Reconciler, *MockStore, *MockRegistry) {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	store, reg := NewMockStore(), &MockRegistry{}
	return NewReconciler(store, reg, cat, opts, zap.NewNop()), store, reg
}

func portAt(t *testing.T, m *inventory.Model, l domain.PortLocation) *domain.PortRecord {
	t.Helper()
	idx, ok := m.FindPortAt(domain.SideA, l)
	require.True(t, ok, "port %s", l)
	return m.Port(domain.SideA, idx)
}

// =============================================================================
// Codec
// =============================================================================

func TestCodec_RoundTripKeepsAbsence(t *testing.T) {
	cfg := domain.PersistedConfig{
		Ports: []domain.PersistedPortEntry{
			{Location: loc(0, 0), Role: domain.RoleBE, SubRole: domain.SubRoleNormal, Logical: domain.Some(uint32(0)), Group: "SAS_6G_3"},
			{Location: loc(1, 1), Role: domain.RoleUnassigned, Group: "FC_8G"},
		},
		Mgmt: []domain.Optional[domain.MgmtPortSettings]{
			domain.None[domain.MgmtPortSettings](),
			domain.Some(domain.MgmtPortSettings{AutoNeg: domain.AutoNegOff, Speed: domain.Speed100M, Duplex: domain.DuplexFull}),
		},
	}
	blob, err := Encode(cfg)
	require.NoError(t, err)
	assert.Len(t, blob, BlobSize)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, cfg.Ports, got.Ports)
	assert.False(t, got.Ports[1].Logical.IsSet())
	assert.False(t, got.Mgmt[0].IsSet())
	assert.Equal(t, cfg.Mgmt[1], got.Mgmt[1])
	assert.False(t, got.Mgmt[3].IsSet())
}

func TestCodec_DetectsCorruption(t *testing.T) {
	blob, err := Encode(domain.PersistedConfig{})
	require.NoError(t, err)

	blob[headerSize+3] ^= 0xFF
	_, err = Decode(blob)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode(blob[:10])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestCodec_RejectsTooManyEntries(t *testing.T) {
	cfg := domain.PersistedConfig{Ports: make([]domain.PersistedPortEntry, MaxPortEntries+1)}
	_, err := Encode(cfg)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}

// =============================================================================
// Reconciler
// =============================================================================

func TestLoad_NeverOverwritesBootPort(t *testing.T) {
	m, _ := buildModel(t)
	r, _, _ := newReconciler(t, Options{PortPersist: true})

	r.Load(m, domain.SideA, domain.PersistedConfig{Ports: []domain.PersistedPortEntry{
		{Location: loc(0, 0), Role: domain.RoleFE, Logical: domain.Some(uint32(7)), Group: "SAS_6G_3"},
		{Location: loc(0, 1), Role: domain.RoleBE, Logical: domain.Some(uint32(0)), Group: "SAS_6G_3"},
		{Location: loc(1, 0), Role: domain.RoleFE, Logical: domain.Some(uint32(4)), Group: "FC_8G"},
	}})

	boot := portAt(t, m, loc(0, 0))
	assert.Equal(t, domain.RoleBE, boot.Role)
	assert.Equal(t, domain.Some(uint32(0)), boot.Logical)

	assert.False(t, portAt(t, m, loc(0, 1)).Logical.IsSet(), "stale BE 0 entry must not land on a non-boot port")
	assert.Equal(t, domain.Some(uint32(4)), portAt(t, m, loc(1, 0)).Logical)
}

func TestBatch_FiltersByPresenceAndGroup(t *testing.T) {
	m, _ := buildModel(t)
	r, _, _ := newReconciler(t, Options{})

	absent := portAt(t, m, loc(1, 1))
	absent.Present = false
	unknown := portAt(t, m, loc(1, 0))
	unknown.Group = ""

	r.Load(m, domain.SideA, domain.PersistedConfig{Ports: []domain.PersistedPortEntry{
		{Location: loc(5, 0), Role: domain.RoleFE, Logical: domain.Some(uint32(9)), Group: "FC_8G"},
	}})

	var got []domain.PortLocation
	for _, e := range r.Batch(m, domain.SideA) {
		got = append(got, e.Location)
	}
	want := []domain.PortLocation{loc(0, 0), loc(0, 1), loc(5, 0)}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("batch locations mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigurePorts_PersistsAndRequestsLocalReboot(t *testing.T) {
	m, a := buildModel(t)
	r, store, _ := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})

	target, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootLocal, target)
	assert.Equal(t, 1, store.writes)

	cfg, err := r.Read(context.Background())
	require.NoError(t, err)
	assert.Len(t, cfg.Ports, 4)

	// A second boot with the same hardware reads back the same numbers and
	// changes nothing.
	m2, a2 := buildModel(t)
	r2 := NewReconciler(store, &MockRegistry{}, a2Catalog(t), Options{PortPersist: true}, zap.NewNop())
	r2.Load(m2, domain.SideA, cfg)
	target, err = r2.ConfigurePorts(context.Background(), m2, domain.SideA, a2)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootNone, target)
	assert.Equal(t, 1, store.writes)
}

func a2Catalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat, err := catalog.Load("")
	require.NoError(t, err)
	return cat
}

func TestConfigurePorts_PersistDisabledNeverReboots(t *testing.T) {
	m, a := buildModel(t)
	r, store, reg := newReconciler(t, Options{PortPersist: true, PersistDisabled: true})

	cfg, err := r.Read(context.Background())
	require.NoError(t, err)
	r.Load(m, domain.SideA, cfg)

	target, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootNone, target)
	assert.Zero(t, store.writes)
	assert.Len(t, reg.params, 4)
}

func TestConfigurePorts_SkippedOnServiceImage(t *testing.T) {
	m, a := buildModel(t)
	r, store, _ := newReconciler(t, Options{PortPersist: true, Bootflash: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})

	target, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootNone, target)
	assert.Zero(t, store.writes)
}

func TestCheckRegistry(t *testing.T) {
	m, a := buildModel(t)
	r, _, reg := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})
	_, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)

	// Registry is out of date but the blob is current: update, no reboot.
	target, err := r.CheckRegistry(context.Background(), m, domain.SideA)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootNone, target)
	assert.Len(t, reg.params, 4)

	// A reboot recorded in the registry is returned once and cleared.
	reg.flags.RebootRequired = domain.RebootPeer
	target, err = r.CheckRegistry(context.Background(), m, domain.SideA)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootPeer, target)
	assert.Equal(t, domain.RebootNone, reg.flags.RebootRequired)

	reg.flags.DisableRegUpdate = true
	reg.params = nil
	target, err = r.CheckRegistry(context.Background(), m, domain.SideA)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootNone, target)
	assert.Empty(t, reg.params)
}

func TestUpgradeSlics(t *testing.T) {
	m, a := buildModel(t)
	r, _, reg := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})
	_, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)

	// Replace the FC 8G module with an FC 16G module.
	mod, _ := m.FindModule(domain.SideA, domain.ClassIOModule, 1)
	m.Module(domain.SideA, mod).Physical.UniqueID = 0x0202
	reg.flags.SlicUpgrade = true

	target, err := r.UpgradeSlics(context.Background(), m, domain.SideA)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootLocal, target)
	assert.Equal(t, domain.IOMGroup("FC_16G"), portAt(t, m, loc(1, 0)).Group)
	assert.Equal(t, domain.Some(uint32(0)), portAt(t, m, loc(1, 0)).Logical)
	assert.False(t, reg.flags.SlicUpgrade)
}

func TestConvert_MovesConfiguration(t *testing.T) {
	m, a := buildModel(t)
	r, _, _ := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})
	_, err := r.ConfigurePorts(context.Background(), m, domain.SideA, a)
	require.NoError(t, err)

	// Slot 2 gains a module of the same type; convert slot 1 onto it.
	cat := a2Catalog(t)
	e, _ := cat.Classify(0x0201)
	mod, _ := m.AddModule(domain.ModuleRecord{
		Side:     domain.SideA,
		Class:    domain.ClassIOModule,
		Slot:     2,
		Physical: domain.ModulePhysical{Inserted: true, UniqueID: 0x0201},
		Slic:     e.Slic,
	})
	m.AddPort(domain.PortRecord{Side: domain.SideA, Module: mod, Port: 0, Present: true})
	was := portAt(t, m, loc(1, 0)).Logical

	conv, err := ParseConversion(map[string]string{"io_module:1": "IO_MODULE:2"})
	require.NoError(t, err)
	r.opts.Conversion = conv

	target, err := r.Convert(context.Background(), m, domain.SideA)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootLocal, target)
	assert.Equal(t, was, portAt(t, m, loc(2, 0)).Logical)
	assert.False(t, portAt(t, m, loc(1, 0)).Logical.IsSet())
}

func TestParseConversion_RejectsClassChange(t *testing.T) {
	_, err := ParseConversion(map[string]string{"IO_MODULE:1": "MEZZANINE:0"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	_, err = ParseConversion(map[string]string{"IO_MODULE": "IO_MODULE:0"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSetPortList(t *testing.T) {
	ctx := context.Background()
	m, a := buildModel(t)
	r, _, _ := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})
	_, err := r.ConfigurePorts(ctx, m, domain.SideA, a)
	require.NoError(t, err)

	entry := domain.PersistedPortEntry{Location: loc(1, 1), Role: domain.RoleFE, Logical: domain.Some(uint32(0))}

	_, err = r.SetPortList(ctx, m, domain.SideA, []domain.PersistedPortEntry{entry}, false)
	assert.ErrorIs(t, err, domain.ErrConflict)

	target, err := r.SetPortList(ctx, m, domain.SideA, []domain.PersistedPortEntry{entry}, true)
	require.NoError(t, err)
	assert.Equal(t, domain.RebootLocal, target)
	assert.Equal(t, domain.Some(uint32(0)), portAt(t, m, loc(1, 1)).Logical)
	assert.False(t, portAt(t, m, loc(1, 0)).Logical.IsSet(), "previous holder is released")
	assert.Empty(t, portassign.Duplicates(m, domain.SideA))

	_, err = r.SetPortList(ctx, m, domain.SideA, []domain.PersistedPortEntry{
		{Location: loc(0, 0), Role: domain.RoleBE, Logical: domain.Some(uint32(5))},
	}, true)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
}

func TestRemoveAll_KeepsBootPort(t *testing.T) {
	ctx := context.Background()
	m, a := buildModel(t)
	r, _, _ := newReconciler(t, Options{PortPersist: true})
	r.Load(m, domain.SideA, domain.PersistedConfig{})
	_, err := r.ConfigurePorts(ctx, m, domain.SideA, a)
	require.NoError(t, err)

	_, err = r.RemoveAll(ctx, m, domain.SideA)
	require.NoError(t, err)

	assert.Equal(t, domain.Some(uint32(0)), portAt(t, m, loc(0, 0)).Logical)
	assert.False(t, portAt(t, m, loc(0, 1)).Logical.IsSet())
	assert.False(t, portAt(t, m, loc(1, 0)).Logical.IsSet())
}

func TestSaveMgmt(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newReconciler(t, Options{})
	settings := domain.MgmtPortSettings{AutoNeg: domain.AutoNegOn, Speed: domain.Speed1000M, Duplex: domain.DuplexFull}

	require.NoError(t, r.SaveMgmt(ctx, 1, settings))
	got, ok := r.KnownGoodMgmt(1)
	require.True(t, ok)
	assert.Equal(t, settings, got)

	cfg, err := r.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Some(settings), cfg.Mgmt[1])

	assert.ErrorIs(t, r.SaveMgmt(ctx, MaxMgmtEntries, settings), domain.ErrInvalidArgument)
}
