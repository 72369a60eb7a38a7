package modmgmt

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/hardware/sim"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/mgmtport"
)

// rejectingBoard fails every management port command carrying one speed.
type rejectingBoard struct {
	*sim.Enclosure
	reject domain.Speed
}

func (b *rejectingBoard) SetMgmtPort(ctx context.Context, side domain.Side, slot int, s domain.MgmtPortSettings) error {
	if s.Speed == b.reject {
		return errors.New("link did not come up")
	}
	return b.Enclosure.SetMgmtPort(ctx, side, slot, s)
}

func TestDispatch_Decoding(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	m := h.boot()
	ctx := context.Background()

	_, err := m.Dispatch(ctx, Opcode("REBOOT_EVERYTHING"), nil)
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	_, err = m.Dispatch(ctx, OpGetModuleStatus, []byte("{not json"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	payload, err := json.Marshal(ModuleRequest{Class: domain.ClassIOModule, Slot: 1})
	require.NoError(t, err)
	out, err := m.Dispatch(ctx, OpGetModuleStatus, payload)
	require.NoError(t, err)
	st, ok := out.(ModuleStatus)
	require.True(t, ok)
	assert.Equal(t, domain.ModuleStateReady, st.State)
	assert.Equal(t, "A/IO_MODULE1", st.Location)

	out, err = m.Dispatch(ctx, OpGetGeneralStatus, nil)
	require.NoError(t, err)
	general := out.(GeneralStatus)
	assert.True(t, general.Ready)
	assert.True(t, general.SingleSP)
	assert.Equal(t, "sim-enclosure", general.Platform)
	assert.Nil(t, general.Peer)
}

func TestControl_Lookups(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	m := h.boot()
	ctx := context.Background()

	_, err := m.ModuleStatus(ctx, ModuleRequest{Class: domain.ClassIOModule, Slot: 9})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = m.IOModuleInfo(ctx, ModuleRequest{Class: domain.ClassMgmtModule, Slot: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	// The front-end module takes the FE numbers, the boot module the BE ones.
	fe, err := m.PortInfo(ctx, PortRequest{Class: domain.ClassIOModule, Slot: 1, Port: 0})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleFE, fe.Role)
	boot, err := m.PortInfo(ctx, PortRequest{Class: domain.ClassIOModule, Slot: 0, Port: 0})
	require.NoError(t, err)
	assert.Equal(t, domain.RoleBE, boot.Role)
	assert.True(t, boot.BootDevice)
	n, ok := boot.Logical.Get()
	require.True(t, ok)
	assert.Zero(t, n, "the boot port holds BE 0")

	sfp, err := m.SFPInfo(ctx, PortRequest{Class: domain.ClassIOModule, Slot: 1, Port: 0})
	require.NoError(t, err)
	assert.True(t, sfp.Inserted)
	assert.Equal(t, "FC0001", sfp.Identity.Serial)

	limits, err := m.LimitsInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, limits.Slots[domain.ClassIOModule])
	assert.Equal(t, 16, limits.PortLimits["fc_fe"])
	assert.Positive(t, limits.Discovered[domain.RoleFE])

	table, err := m.PortAffinity(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, table)

	comp, err := m.MgmtCompInfo(ctx, MgmtRequest{Slot: 0})
	require.NoError(t, err)
	assert.True(t, comp.Inserted)
	assert.Equal(t, domain.Speed1000M, comp.Applied.Speed)
}

func TestControl_MarkPort(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	m := h.boot()
	ctx := context.Background()

	p, err := m.MarkIOPort(ctx, MarkPortRequest{Class: domain.ClassIOModule, Slot: 1, Port: 2, On: true})
	require.NoError(t, err)
	assert.True(t, p.Marked)

	mod, err := m.MarkIOModule(ctx, MarkModuleRequest{Class: domain.ClassIOModule, Slot: 1, On: true})
	require.NoError(t, err)
	assert.True(t, mod.Marked)

	_, err = m.MarkIOModule(ctx, MarkModuleRequest{Class: domain.ClassIOModule, Slot: 3, On: true})
	assert.ErrorIs(t, err, domain.ErrNotFound, "empty slots cannot be marked")
}

func TestControl_ConfigMgmtPortSpeed(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	m := h.boot()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	want := domain.MgmtPortSettings{AutoNeg: domain.AutoNegOff, Speed: domain.Speed100M, Duplex: domain.DuplexFull}
	info, err := m.ConfigMgmtPortSpeed(ctx, MgmtPortRequest{Slot: 0, Settings: want, Revert: true})
	require.NoError(t, err)
	if diff := cmp.Diff(want, info.Applied); diff != "" {
		t.Errorf("applied settings mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, info.InProgress)
	assert.Equal(t, domain.MgmtPortSucceeded, info.State)

	applied, ok := h.enc.MgmtApplied(domain.SideA, 0)
	require.True(t, ok)
	assert.Equal(t, want, applied)

	_, err = m.ConfigMgmtPortSpeed(ctx, MgmtPortRequest{Slot: 0, Settings: domain.MgmtPortSettings{AutoNeg: domain.AutoNegOff}})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument, "speed and duplex are required without auto-negotiation")
}

func TestControl_ConfigMgmtPortSpeedReverts(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	h.board = &rejectingBoard{Enclosure: h.enc, reject: domain.Speed10M}
	m := h.boot()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	before, _ := h.enc.MgmtApplied(domain.SideA, 0)
	info, err := m.ConfigMgmtPortSpeed(ctx, MgmtPortRequest{
		Slot:     0,
		Settings: domain.MgmtPortSettings{AutoNeg: domain.AutoNegOff, Speed: domain.Speed10M, Duplex: domain.DuplexHalf},
		Revert:   true,
	})
	require.ErrorIs(t, err, domain.ErrOperationFailed)
	assert.Contains(t, err.Error(), string(mgmtport.OutcomeRestored))
	assert.Equal(t, before, info.Applied)
	assert.Equal(t, domain.MgmtPortFailed, info.State)

	after, _ := h.enc.MgmtApplied(domain.SideA, 0)
	assert.Equal(t, before, after)
}

func TestControl_ConfigMgmtPortSpeedCancelled(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	h.enc.SetMgmtDelay(200 * time.Millisecond)
	m := h.boot()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.ConfigMgmtPortSpeed(ctx, MgmtPortRequest{
		Slot:     0,
		Settings: domain.MgmtPortSettings{AutoNeg: domain.AutoNegOn},
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The command still runs to completion.
	assert.Eventually(t, func() bool {
		info, err := m.RequestedMgmtPortConfig(context.Background(), MgmtRequest{Slot: 0})
		return err == nil && !info.InProgress && info.State == domain.MgmtPortSucceeded
	}, waitFor, time.Millisecond)
}

func TestControl_SetPortConfigReboots(t *testing.T) {
	h := newHarness(t, sim.DefaultFile())
	m := h.boot()
	ctx := context.Background()

	_, err := m.SetPortConfig(ctx, SetPortConfigRequest{Action: "SHUFFLE"})
	assert.ErrorIs(t, err, domain.ErrUnsupported)

	res, err := m.SetPortConfig(ctx, SetPortConfigRequest{Action: ActionPersistAll})
	require.NoError(t, err)
	assert.Equal(t, domain.RebootLocal, res.Reboot)

	require.Eventually(t, func() bool { return m.State() == lifecycle.StateOffline }, waitFor, time.Millisecond)
	assert.False(t, m.Ready())
	assert.Equal(t, []domain.RebootTarget{domain.RebootLocal, domain.RebootLocal}, h.enc.Reboots())

	_, err = m.SetPortConfig(ctx, SetPortConfigRequest{Action: ActionPersistAll})
	assert.ErrorIs(t, err, domain.ErrNotReady)
}
