package fup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/peer"
)

// MockFirmware stages downloaded images and reports the active revision.
type MockFirmware struct {
	mu            sync.Mutex
	rev           string
	staged        string
	downloads     int
	failDownloads bool
}

func (f *MockFirmware) Download(ctx context.Context, side domain.Side, slot int, image []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads++
	if f.failDownloads {
		return errors.New("download rejected")
	}
	f.staged = string(image)
	return nil
}

func (f *MockFirmware) Activate(ctx context.Context, side domain.Side, slot int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rev = f.staged
	return nil
}

func (f *MockFirmware) Revision(ctx context.Context, side domain.Side, slot int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rev, nil
}

// MockPermission answers every request with a fixed state.
type MockPermission struct {
	mu       sync.Mutex
	state    peer.RequestState
	reason   peer.DenyReason
	requests int
	released []uuid.UUID
}

func (p *MockPermission) set(state peer.RequestState, reason peer.DenyReason) {
	p.mu.Lock()
	p.state, p.reason = state, reason
	p.mu.Unlock()
}

func (p *MockPermission) RequestPermission(ctx context.Context, subject peer.Subject) (peer.Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	return peer.Request{ID: uuid.New(), Subject: subject, State: peer.StatePermissionRequested}, nil
}

func (p *MockPermission) Request(id uuid.UUID) (peer.Request, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return peer.Request{ID: id, State: p.state, Reason: p.reason}, nil
}

func (p *MockPermission) Release(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, id)
	return nil
}

type fixture struct {
	engine     *Engine
	obj        *lifecycle.Object
	firmware   *MockFirmware
	permission *MockPermission
	clock      time.Time
	completed  []Item
}

func newFixture(t *testing.T, waitBefore time.Duration) *fixture {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(
		"images:\n  - slic: SAS_12G\n    revision: \"2.10\"\n    file: bem_sas12g.bin\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bem_sas12g.bin"), []byte("2.10"), 0o644))
	manifest, err := LoadManifest(dir)
	require.NoError(t, err)

	f := &fixture{
		firmware:   &MockFirmware{rev: "1.00"},
		permission: &MockPermission{state: peer.StateGranted},
		clock:      time.Unix(1000, 0),
	}
	f.engine = NewEngine(config.FUPConfig{Enabled: true, WaitBefore: waitBefore, MaxAttempts: 2},
		domain.SideA, manifest, f.firmware, f.permission, nil, zap.NewNop(),
		WithClock(func() time.Time { return f.clock }))
	f.engine.OnComplete(func(ctx context.Context, it Item) { f.completed = append(f.completed, it) })

	b := lifecycle.NewBuilder("fup_test")
	b.Rotary(lifecycle.StateReady, f.engine.Install(b)...)
	class, err := b.Build()
	require.NoError(t, err)
	f.obj, err = class.NewObject(lifecycle.StateReady)
	require.NoError(t, err)
	return f
}

// settle advances the object until nothing is armed.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	assert.Eventually(t, func() bool {
		out, err := lifecycle.Advance(context.Background(), f.obj)
		return err == nil && out.Action == lifecycle.ActionIdle
	}, time.Second, time.Millisecond)
}

func TestEngine_UpgradeSucceeds(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	require.NoError(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "1.00"))
	assert.ErrorIs(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "1.00"), domain.ErrConflict)

	out, err := lifecycle.Advance(context.Background(), f.obj)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.ActionYield, out.Action, "waiting before upgrade")
	it, _ := f.engine.Item(0)
	assert.Equal(t, WorkWaitBefore, it.State)

	f.clock = f.clock.Add(10 * time.Second)
	f.settle(t)

	it, ok := f.engine.Item(0)
	require.True(t, ok)
	assert.Equal(t, WorkDone, it.State)
	assert.Equal(t, CompletionSucceeded, it.Completion)
	assert.Equal(t, "2.10", it.ToRev)
	assert.Equal(t, "2.10", f.firmware.rev)
	assert.Len(t, f.permission.released, 1)
	require.Len(t, f.completed, 1)
	assert.Equal(t, CompletionSucceeded, f.completed[0].Completion)
}

func TestEngine_PeerAbsentRedrivenByPeerAlive(t *testing.T) {
	f := newFixture(t, 0)
	f.permission.set(peer.StateDenied, peer.DenyPeerAbsent)

	require.NoError(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "1.00"))
	f.settle(t)

	it, _ := f.engine.Item(0)
	assert.Equal(t, CompletionNoPeerPermission, it.Completion)
	assert.Zero(t, it.Attempts, "peer absence is not a failed attempt")
	assert.Equal(t, "1.00", f.firmware.rev)

	f.permission.set(peer.StateGranted, peer.DenyNone)
	f.engine.PeerAlive(f.obj)
	f.settle(t)

	it, _ = f.engine.Item(0)
	assert.Equal(t, CompletionSucceeded, it.Completion)
	assert.Equal(t, 2, f.permission.requests)
}

func TestEngine_DownloadFailureExhaustsAttempts(t *testing.T) {
	f := newFixture(t, 0)
	f.firmware.failDownloads = true

	require.NoError(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "1.00"))
	f.settle(t)

	it, _ := f.engine.Item(0)
	assert.Equal(t, CompletionDownloadFailed, it.Completion)
	assert.Equal(t, 2, it.Attempts)
	assert.Equal(t, 2, f.firmware.downloads)
	assert.Len(t, f.permission.released, 2, "permission is released before each retry")
}

func TestEngine_NoUpgradeNeeded(t *testing.T) {
	f := newFixture(t, 0)

	require.NoError(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "2.10"))
	require.NoError(t, f.engine.Initiate(f.obj, 1, domain.SlicFC16G, "1.00"))
	f.settle(t)

	same, _ := f.engine.Item(0)
	assert.Equal(t, CompletionNoRevChange, same.Completion)
	missing, _ := f.engine.Item(1)
	assert.Equal(t, CompletionNoImage, missing.Completion)
	assert.Zero(t, f.permission.requests)
}

func TestEngine_AbortAndResume(t *testing.T) {
	f := newFixture(t, 10*time.Second)
	require.NoError(t, f.engine.Initiate(f.obj, 0, domain.SlicSAS12G, "1.00"))
	require.NoError(t, f.engine.Abort(f.obj, 0))
	f.settle(t)

	it, _ := f.engine.Item(0)
	assert.Equal(t, CompletionAborted, it.Completion)
	assert.ErrorIs(t, f.engine.Abort(f.obj, 0), domain.ErrNotFound)

	f.engine.Resume(f.obj)
	it, _ = f.engine.Item(0)
	assert.Equal(t, WorkWaitBefore, it.State)
}

func TestLoadManifest(t *testing.T) {
	m, err := LoadManifest(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, m.Images)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte("images:\n  - slic: SAS_12G\n"), 0o644))
	_, err = LoadManifest(dir)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
