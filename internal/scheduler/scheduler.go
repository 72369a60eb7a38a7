package scheduler

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/lifecycle"
)

// ObjectState is the driver's view of one registered object.
type ObjectState struct {
	Name      string
	State     lifecycle.State
	Action    lifecycle.Action
	Passes    int
	LastRunAt time.Time
	Armed     []string
}

type entry struct {
	name  string
	obj   *lifecycle.Object
	state ObjectState
}

// Scheduler re-enters lifecycle objects. All passes run on the goroutine that
// called Start or RunOnce, so an object never runs concurrently with itself.
type Scheduler struct {
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	objects   map[string]*entry
	isRunning bool

	wake chan struct{}
}

// New creates a new driver.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.MaxPassesPerTick <= 0 {
		cfg.MaxPassesPerTick = DefaultConfig().MaxPassesPerTick
	}
	return &Scheduler{
		config:  cfg,
		logger:  logger.With(zap.String("component", "scheduler")),
		objects: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// Register adds an object. Arming a condition on it wakes the driver.
func (s *Scheduler) Register(name string, obj *lifecycle.Object) {
	s.mu.Lock()
	s.objects[name] = &entry{name: name, obj: obj, state: ObjectState{Name: name, State: obj.State()}}
	s.mu.Unlock()
	obj.OnWake(s.Wake)
	s.logger.Debug("Registered lifecycle object",
		zap.String("object", name),
		zap.String("class", obj.Class().Name()),
	)
}

// Wake requests an immediate pass. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Start runs the driver loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.logger.Info("Starting lifecycle scheduler",
		zap.Duration("tick_interval", s.config.TickInterval),
	)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lifecycle scheduler stopped")
			s.mu.Lock()
			s.isRunning = false
			s.mu.Unlock()
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-s.wake:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce advances every registered object. An object that yields with
// armed conditions is re-entered up to MaxPassesPerTick times.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, e := range s.snapshot() {
		for pass := 0; pass < s.config.MaxPassesPerTick; pass++ {
			out, err := lifecycle.Advance(ctx, e.obj)
			s.record(e, out)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("Lifecycle pass failed",
						zap.String("object", e.name),
						zap.String("state", string(out.State)),
						zap.Error(err),
					)
				}
				break
			}
			if out.Action == lifecycle.ActionIdle || len(out.Ran) == 0 {
				break
			}
		}
	}
}

func (s *Scheduler) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.objects))
	for _, e := range s.objects {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (s *Scheduler) record(e *entry, out lifecycle.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := e.state.State
	e.state.State = out.State
	e.state.Action = out.Action
	e.state.Passes++
	e.state.LastRunAt = time.Now()
	e.state.Armed = e.obj.Armed()
	if prev != out.State {
		s.logger.Info("Lifecycle state changed",
			zap.String("object", e.name),
			zap.String("from", string(prev)),
			zap.String("to", string(out.State)),
		)
	}
}

// GetObjectState returns the driver's view of an object.
func (s *Scheduler) GetObjectState(name string) (ObjectState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.objects[name]
	if !ok {
		return ObjectState{}, false
	}
	return e.state, true
}

// IsRunning returns true if the driver loop is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
