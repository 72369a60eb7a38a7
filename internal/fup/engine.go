// Package fup upgrades back-end module firmware through a chain of lifecycle
// conditions gated by peer permission.
package fup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/async"
	"github.com/limiquantix/modmgmt/internal/config"
	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/lifecycle"
	"github.com/limiquantix/modmgmt/internal/peer"
)

// Condition names installed into the Ready rotary, in run order.
const (
	CondWaitBefore     = "fup_wait_before_upgrade"
	CondCheckRev       = "fup_check_rev"
	CondPeerPermission = "fup_get_peer_permission"
	CondCheckEnv       = "fup_check_env_status"
	CondDownload       = "fup_download_image"
	CondActivate       = "fup_activate_image"
	CondCheckResult    = "fup_check_result"
	CondEndUpgrade     = "fup_end_upgrade"
	// CondAbort runs last so an abort sees every other step settled.
	CondAbort = "fup_abort_upgrade"
)

// Firmware executes upgrade commands on a module.
type Firmware interface {
	Download(ctx context.Context, side domain.Side, slot int, image []byte) error
	Activate(ctx context.Context, side domain.Side, slot int) error
	Revision(ctx context.Context, side domain.Side, slot int) (string, error)
}

// Permission gates an upgrade with the peer controller.
type Permission interface {
	RequestPermission(ctx context.Context, subject peer.Subject) (peer.Request, error)
	Request(id uuid.UUID) (peer.Request, error)
	Release(ctx context.Context, id uuid.UUID) error
}

// Environment reports whether the enclosure can tolerate an upgrade of a slot.
type Environment interface {
	UpgradeSafe(ctx context.Context, slot int) bool
}

// WorkState is the step an item waits in.
type WorkState string

const (
	WorkWaitBefore     WorkState = "WAIT_BEFORE_UPGRADE"
	WorkCheckRev       WorkState = "CHECK_REV"
	WorkPeerPermission WorkState = "GET_PEER_PERMISSION"
	WorkCheckEnv       WorkState = "CHECK_ENV_STATUS"
	WorkDownload       WorkState = "DOWNLOAD_IMAGE"
	WorkActivate       WorkState = "ACTIVATE_IMAGE"
	WorkCheckResult    WorkState = "CHECK_RESULT"
	WorkEnd            WorkState = "END_UPGRADE"
	WorkDone           WorkState = "DONE"
)

// Completion is the final status of an upgrade.
type Completion string

const (
	CompletionNone             Completion = ""
	CompletionSucceeded        Completion = "SUCCESSFUL"
	CompletionNoRevChange      Completion = "NO_REV_CHANGE"
	CompletionNoImage          Completion = "FAIL_NO_IMAGE"
	CompletionNoPeerPermission Completion = "FAIL_NO_PEER_PERMISSION"
	CompletionBadEnv           Completion = "FAIL_BAD_ENV_STATUS"
	CompletionDownloadFailed   Completion = "FAIL_DOWNLOAD"
	CompletionActivateFailed   Completion = "FAIL_ACTIVATE"
	CompletionRevMismatch      Completion = "FAIL_REV_MISMATCH"
	CompletionAborted          Completion = "ABORTED"
)

// Item is one module upgrade.
type Item struct {
	ID         uuid.UUID       `json:"id"`
	Slot       int             `json:"slot"`
	Slic       domain.SlicType `json:"slic"`
	State      WorkState       `json:"state"`
	Completion Completion      `json:"completion"`
	Attempts   int             `json:"attempts"`
	FromRev    string          `json:"from_rev"`
	ToRev      string          `json:"to_rev,omitempty"`
	WaitUntil  time.Time       `json:"wait_until"`

	image   Image
	request uuid.UUID
	op      *async.Result[struct{}]
	abort   bool
}

// Active reports whether the item has not finished.
func (it *Item) Active() bool {
	return it.State != WorkDone
}

// Engine owns the upgrade work items of the local side.
type Engine struct {
	side        domain.Side
	waitBefore  time.Duration
	maxAttempts int
	manifest    *Manifest
	firmware    Firmware
	permission  Permission
	env         Environment
	logger      *zap.Logger
	now         func() time.Time

	mu         sync.Mutex
	items      map[int]*Item
	onComplete []func(ctx context.Context, item Item)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates an upgrade engine. A nil permission skips the peer step,
// as on single-controller systems.
func NewEngine(cfg config.FUPConfig, side domain.Side, manifest *Manifest, firmware Firmware, permission Permission, env Environment, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		side:        side,
		waitBefore:  cfg.WaitBefore,
		maxAttempts: cfg.MaxAttempts,
		manifest:    manifest,
		firmware:    firmware,
		permission:  permission,
		env:         env,
		logger:      logger.Named("fup").With(zap.Stringer("side", side)),
		now:         time.Now,
		items:       make(map[int]*Item),
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 1
	}
	if e.manifest == nil {
		e.manifest = &Manifest{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnComplete registers a callback run when an item finishes.
func (e *Engine) OnComplete(fn func(ctx context.Context, item Item)) {
	e.mu.Lock()
	e.onComplete = append(e.onComplete, fn)
	e.mu.Unlock()
}

// Install declares the upgrade conditions on b and returns their names in
// rotary order.
func (e *Engine) Install(b *lifecycle.Builder) []string {
	b.Normal(CondWaitBefore, e.waitBeforeCond).
		Normal(CondCheckRev, e.checkRevCond).
		Normal(CondPeerPermission, e.peerPermissionCond).
		Normal(CondCheckEnv, e.checkEnvCond).
		Normal(CondDownload, e.downloadCond).
		Normal(CondActivate, e.activateCond).
		Normal(CondCheckResult, e.checkResultCond).
		Normal(CondEndUpgrade, e.endUpgradeCond).
		Normal(CondAbort, e.abortCond)
	return []string{
		CondWaitBefore, CondCheckRev, CondPeerPermission, CondCheckEnv,
		CondDownload, CondActivate, CondCheckResult, CondEndUpgrade, CondAbort,
	}
}

// =============================================================================
// Control
// =============================================================================

// Initiate queues an upgrade of the module in slot.
func (e *Engine) Initiate(obj *lifecycle.Object, slot int, slic domain.SlicType, currentRev string) error {
	e.mu.Lock()
	if it, ok := e.items[slot]; ok && it.Active() {
		e.mu.Unlock()
		return fmt.Errorf("%w: upgrade of slot %d already in progress", domain.ErrConflict, slot)
	}
	it := &Item{
		ID:        uuid.New(),
		Slot:      slot,
		Slic:      slic,
		State:     WorkWaitBefore,
		FromRev:   currentRev,
		WaitUntil: e.now().Add(e.waitBefore),
	}
	e.items[slot] = it
	e.mu.Unlock()

	e.logger.Info("Firmware upgrade queued",
		zap.Int("slot", slot),
		zap.String("slic", string(slic)),
		zap.String("rev", currentRev),
	)
	return obj.Set(CondWaitBefore)
}

// Abort stops the upgrade of slot at the next step boundary.
func (e *Engine) Abort(obj *lifecycle.Object, slot int) error {
	e.mu.Lock()
	it, ok := e.items[slot]
	if !ok || !it.Active() {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	it.abort = true
	e.mu.Unlock()
	return obj.Set(CondAbort)
}

// PeerAlive re-initiates upgrades denied because the peer was absent.
func (e *Engine) PeerAlive(obj *lifecycle.Object) {
	e.restart(obj, CompletionNoPeerPermission)
}

// EnvChanged re-initiates upgrades stopped by a bad environment.
func (e *Engine) EnvChanged(obj *lifecycle.Object) {
	e.restart(obj, CompletionBadEnv)
}

// Resume re-initiates aborted upgrades.
func (e *Engine) Resume(obj *lifecycle.Object) {
	e.restart(obj, CompletionAborted)
}

func (e *Engine) restart(obj *lifecycle.Object, from Completion) {
	e.mu.Lock()
	var again []Item
	for _, it := range e.items {
		if !it.Active() && it.Completion == from {
			again = append(again, *it)
		}
	}
	e.mu.Unlock()

	for _, it := range again {
		e.logger.Info("Restarting firmware upgrade",
			zap.Int("slot", it.Slot),
			zap.String("previous", string(from)),
		)
		if err := e.Initiate(obj, it.Slot, it.Slic, it.FromRev); err != nil {
			e.logger.Warn("Failed to restart firmware upgrade", zap.Int("slot", it.Slot), zap.Error(err))
		}
	}
}

// Items returns a snapshot of every item ordered by slot.
func (e *Engine) Items() []Item {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Item, 0, len(e.items))
	for _, it := range e.items {
		out = append(out, *it)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Slot < out[b].Slot })
	return out
}

// Item returns the item of a slot.
func (e *Engine) Item(slot int) (Item, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.items[slot]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// =============================================================================
// Conditions
// =============================================================================

// step runs fn on every item in state and keeps the condition armed while
// fn reports pending work.
func (e *Engine) step(ctx context.Context, obj *lifecycle.Object, state WorkState, fn func(ctx context.Context, obj *lifecycle.Object, it *Item) bool) lifecycle.Status {
	e.mu.Lock()
	var work []*Item
	for _, it := range e.items {
		if it.State == state && !it.abort {
			work = append(work, it)
		}
	}
	e.mu.Unlock()
	sort.Slice(work, func(a, b int) bool { return work[a].Slot < work[b].Slot })

	pending := false
	for _, it := range work {
		if fn(ctx, obj, it) {
			pending = true
		}
	}
	if !pending {
		obj.ClearCurrent()
	}
	return lifecycle.StatusMoreProcessing
}

func (e *Engine) advance(obj *lifecycle.Object, it *Item, state WorkState, cond string) {
	e.mu.Lock()
	it.State = state
	e.mu.Unlock()
	if err := obj.Set(cond); err != nil {
		e.logger.Error("Failed to arm upgrade condition", zap.String("condition", cond), zap.Error(err))
	}
}

func (e *Engine) waitBeforeCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkWaitBefore, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		if e.now().Before(it.WaitUntil) {
			return true
		}
		e.advance(obj, it, WorkCheckRev, CondCheckRev)
		return false
	})
}

func (e *Engine) checkRevCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkCheckRev, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		img, ok := e.manifest.Lookup(it.Slic)
		if !ok {
			e.finish(obj, it, CompletionNoImage)
			return false
		}
		e.mu.Lock()
		it.image = img
		it.ToRev = img.Revision
		e.mu.Unlock()
		if img.Revision == it.FromRev {
			e.logger.Info("Firmware already at image revision", zap.Int("slot", it.Slot), zap.String("rev", it.FromRev))
			e.finish(obj, it, CompletionNoRevChange)
			return false
		}
		if e.permission == nil {
			e.advance(obj, it, WorkCheckEnv, CondCheckEnv)
			return false
		}
		e.advance(obj, it, WorkPeerPermission, CondPeerPermission)
		return false
	})
}

func (e *Engine) peerPermissionCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkPeerPermission, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		if it.request == uuid.Nil {
			req, err := e.permission.RequestPermission(ctx, peer.Subject{Class: domain.ClassBackEndModule, Slot: it.Slot})
			if errors.Is(err, domain.ErrConflict) {
				return true
			}
			if err != nil {
				e.retry(obj, it, CompletionNoPeerPermission, err)
				return false
			}
			it.request = req.ID
		}

		req, err := e.permission.Request(it.request)
		if err != nil {
			it.request = uuid.Nil
			e.retry(obj, it, CompletionNoPeerPermission, err)
			return false
		}
		switch req.State {
		case peer.StateGranted:
			e.advance(obj, it, WorkCheckEnv, CondCheckEnv)
		case peer.StateDenied, peer.StateFatal:
			if req.Reason == peer.DenyPeerAbsent {
				// Re-driven by the next peer contact
				e.finish(obj, it, CompletionNoPeerPermission)
				return false
			}
			e.retry(obj, it, CompletionNoPeerPermission, fmt.Errorf("%w: %s", domain.ErrPermissionDenied, req.Reason))
		default:
			return true
		}
		return false
	})
}

func (e *Engine) checkEnvCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkCheckEnv, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		if e.env != nil && !e.env.UpgradeSafe(ctx, it.Slot) {
			e.logger.Warn("Environment not ready for firmware upgrade", zap.Int("slot", it.Slot))
			e.finish(obj, it, CompletionBadEnv)
			return false
		}
		e.advance(obj, it, WorkDownload, CondDownload)
		return false
	})
}

func (e *Engine) downloadCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkDownload, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		if it.op == nil {
			data, err := e.manifest.Read(it.image)
			if err != nil {
				e.retry(obj, it, CompletionDownloadFailed, err)
				return false
			}
			side, slot := e.side, it.Slot
			it.op = async.Go(ctx, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.firmware.Download(ctx, side, slot, data)
			})
		}
		return e.await(obj, it, CompletionDownloadFailed, WorkActivate, CondActivate)
	})
}

func (e *Engine) activateCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkActivate, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		if it.op == nil {
			side, slot := e.side, it.Slot
			it.op = async.Go(ctx, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, e.firmware.Activate(ctx, side, slot)
			})
		}
		return e.await(obj, it, CompletionActivateFailed, WorkCheckResult, CondCheckResult)
	})
}

// await polls the in-flight command of it and moves on when it succeeded.
func (e *Engine) await(obj *lifecycle.Object, it *Item, failure Completion, next WorkState, cond string) bool {
	_, ready, err := it.op.Poll()
	if !ready {
		return true
	}
	it.op = nil
	if err != nil {
		e.retry(obj, it, failure, err)
		return false
	}
	e.advance(obj, it, next, cond)
	return false
}

func (e *Engine) checkResultCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkCheckResult, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		rev, err := e.firmware.Revision(ctx, e.side, it.Slot)
		if err != nil {
			e.retry(obj, it, CompletionRevMismatch, err)
			return false
		}
		if rev != it.ToRev {
			e.retry(obj, it, CompletionRevMismatch, fmt.Errorf("%w: revision %s after upgrade, want %s", domain.ErrOperationFailed, rev, it.ToRev))
			return false
		}
		e.finish(obj, it, CompletionSucceeded)
		return false
	})
}

func (e *Engine) endUpgradeCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	return e.step(ctx, obj, WorkEnd, func(ctx context.Context, obj *lifecycle.Object, it *Item) bool {
		e.release(ctx, it)
		e.mu.Lock()
		it.State = WorkDone
		snapshot := *it
		callbacks := append([]func(context.Context, Item){}, e.onComplete...)
		e.mu.Unlock()

		e.logger.Info("Firmware upgrade ended",
			zap.Int("slot", it.Slot),
			zap.String("completion", string(it.Completion)),
			zap.Int("attempts", it.Attempts),
		)
		for _, fn := range callbacks {
			fn(ctx, snapshot)
		}
		return false
	})
}

func (e *Engine) abortCond(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
	e.mu.Lock()
	var aborted []*Item
	for _, it := range e.items {
		if it.abort && it.Active() {
			aborted = append(aborted, it)
		}
	}
	e.mu.Unlock()

	pending := false
	for _, it := range aborted {
		if it.op != nil && !it.op.Ready() {
			// A command cannot be interrupted
			pending = true
			continue
		}
		it.op = nil
		e.mu.Lock()
		it.abort = false
		e.mu.Unlock()
		e.logger.Warn("Firmware upgrade aborted", zap.Int("slot", it.Slot), zap.String("state", string(it.State)))
		e.finish(obj, it, CompletionAborted)
	}
	if !pending {
		obj.ClearCurrent()
	}
	return lifecycle.StatusMoreProcessing
}

// retry sends an item back to the wait step until the attempt budget is spent.
func (e *Engine) retry(obj *lifecycle.Object, it *Item, failure Completion, err error) {
	e.release(context.Background(), it)

	e.mu.Lock()
	it.Attempts++
	exhausted := it.Attempts >= e.maxAttempts
	e.mu.Unlock()

	if exhausted {
		e.logger.Error("Firmware upgrade failed",
			zap.Int("slot", it.Slot),
			zap.String("completion", string(failure)),
			zap.Int("attempts", it.Attempts),
			zap.Error(err),
		)
		e.finish(obj, it, failure)
		return
	}
	e.logger.Warn("Firmware upgrade step failed, retrying",
		zap.Int("slot", it.Slot),
		zap.String("state", string(it.State)),
		zap.Int("attempt", it.Attempts),
		zap.Error(err),
	)
	e.mu.Lock()
	it.WaitUntil = e.now().Add(e.waitBefore)
	e.mu.Unlock()
	e.advance(obj, it, WorkWaitBefore, CondWaitBefore)
}

func (e *Engine) finish(obj *lifecycle.Object, it *Item, completion Completion) {
	e.mu.Lock()
	it.Completion = completion
	e.mu.Unlock()
	e.advance(obj, it, WorkEnd, CondEndUpgrade)
}

func (e *Engine) release(ctx context.Context, it *Item) {
	if it.request == uuid.Nil || e.permission == nil {
		return
	}
	if err := e.permission.Release(ctx, it.request); err != nil && !errors.Is(err, domain.ErrNotFound) {
		e.logger.Warn("Failed to release peer permission", zap.Int("slot", it.Slot), zap.Error(err))
	}
	it.request = uuid.Nil
}
