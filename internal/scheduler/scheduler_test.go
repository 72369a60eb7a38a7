// Package scheduler provides tests for the lifecycle driver.
package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/limiquantix/modmgmt/internal/lifecycle"
)

// newCountingObject returns an object whose single normal condition counts
// its runs and clears itself.
func newCountingObject(t *testing.T, runs *int) *lifecycle.Object {
	t.Helper()
	class, err := lifecycle.NewBuilder("counter").
		Normal("count", func(ctx context.Context, obj *lifecycle.Object) lifecycle.Status {
			*runs++
			obj.ClearCurrent()
			return lifecycle.StatusDone
		}).
		Rotary(lifecycle.StateReady, "count").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	obj, err := class.NewObject(lifecycle.StateReady)
	if err != nil {
		t.Fatalf("NewObject failed: %v", err)
	}
	return obj
}

// =============================================================================
// Tests
// =============================================================================

func TestScheduler_RunOnce_RunsArmedConditions(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	s := New(DefaultConfig(), logger)

	runs := 0
	obj := newCountingObject(t, &runs)
	s.Register("obj", obj)

	s.RunOnce(context.Background())
	if runs != 0 {
		t.Fatalf("Expected no runs before Set, got %d", runs)
	}

	if err := obj.Set("count"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	s.RunOnce(context.Background())
	if runs != 1 {
		t.Errorf("Expected 1 run, got %d", runs)
	}

	state, ok := s.GetObjectState("obj")
	if !ok {
		t.Fatal("Expected object state")
	}
	if state.Action != lifecycle.ActionIdle {
		t.Errorf("Expected idle, got %s", state.Action)
	}
}

func TestScheduler_Start_WakesOnSet(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Hour
	s := New(cfg, logger)

	runs := 0
	obj := newCountingObject(t, &runs)
	s.Register("obj", obj)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	if err := obj.Set("count"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st, _ := s.GetObjectState("obj"); st.Passes > 0 && !obj.IsSet("count") {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if obj.IsSet("count") {
		t.Error("Expected wake-up to run the armed condition")
	}
}
