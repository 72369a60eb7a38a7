package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrAdvanceInProgress is returned when Advance is re-entered for an object
// that is already being advanced.
var ErrAdvanceInProgress = errors.New("lifecycle: advance already in progress")

// maxTransitionsPerPass bounds state changes within one Advance call.
const maxTransitionsPerPass = 8

// Object is one instance driven through the rotaries of a Class.
//
// Set, Clear and IsSet are safe from any goroutine. Transition and
// ClearCurrent are meant for condition functions.
type Object struct {
	class   *Class
	running atomic.Bool

	mu      sync.Mutex
	state   State
	armed   map[string]bool
	next    *State
	current string
	wake    func()
}

// NewObject creates an object in the initial state with that state's preset
// conditions armed.
func (c *Class) NewObject(initial State) (*Object, error) {
	if !initial.valid() {
		return nil, fmt.Errorf("lifecycle: unknown initial state %q", initial)
	}
	obj := &Object{
		class: c,
		state: initial,
		armed: make(map[string]bool),
	}
	obj.armPresetsLocked(initial)
	return obj, nil
}

// Class returns the object's class.
func (o *Object) Class() *Class {
	return o.class
}

// OnWake registers a callback invoked after Set arms a condition.
func (o *Object) OnWake(fn func()) {
	o.mu.Lock()
	o.wake = fn
	o.mu.Unlock()
}

// State returns the current lifecycle state.
func (o *Object) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Set arms a condition. The condition runs when its state is current.
func (o *Object) Set(name string) error {
	if _, ok := o.class.conds[name]; !ok {
		return fmt.Errorf("lifecycle: unknown condition %q", name)
	}
	o.mu.Lock()
	o.armed[name] = true
	wake := o.wake
	o.mu.Unlock()
	if wake != nil {
		wake()
	}
	return nil
}

// Clear disarms a condition.
func (o *Object) Clear(name string) {
	o.mu.Lock()
	delete(o.armed, name)
	o.mu.Unlock()
}

// ClearCurrent disarms the condition that is running.
func (o *Object) ClearCurrent() {
	o.mu.Lock()
	if o.current != "" {
		delete(o.armed, o.current)
	}
	o.mu.Unlock()
}

// IsSet reports whether a condition is armed.
func (o *Object) IsSet(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.armed[name]
}

// Armed returns the armed condition names, sorted.
func (o *Object) Armed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.armed))
	for name := range o.armed {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Transition requests a move to another state. It takes effect when the
// running condition returns.
func (o *Object) Transition(to State) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	from := o.state
	if o.next != nil {
		from = *o.next
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("lifecycle: transition %s -> %s not allowed", from, to)
	}
	o.next = &to
	return nil
}

func (o *Object) armPresetsLocked(s State) {
	for _, cond := range o.class.rotaries[s] {
		if cond.Kind == KindPreset {
			o.armed[cond.Name] = true
		}
	}
}

func (o *Object) hasArmedLocked(s State) bool {
	for _, cond := range o.class.rotaries[s] {
		if o.armed[cond.Name] {
			return true
		}
	}
	return false
}

// Outcome reports what one Advance pass did.
type Outcome struct {
	Action Action
	State  State
	Ran    []string
}

// Advance runs one pass over the armed conditions of the object's current
// state, in rotary order. A condition returning StatusDone ends the pass.
// A requested transition is applied after the condition returns, and the
// pass continues on the new state's rotary.
func Advance(ctx context.Context, obj *Object) (Outcome, error) {
	if !obj.running.CompareAndSwap(false, true) {
		return Outcome{}, ErrAdvanceInProgress
	}
	defer obj.running.Store(false)

	var ran []string
	transitionsLeft := maxTransitionsPerPass

walk:
	for {
		state := obj.State()
		for _, cond := range obj.class.rotaries[state] {
			if err := ctx.Err(); err != nil {
				return Outcome{State: state, Ran: ran, Action: ActionYield}, err
			}

			obj.mu.Lock()
			armed := obj.armed[cond.Name]
			if armed {
				obj.current = cond.Name
			}
			obj.mu.Unlock()
			if !armed {
				continue
			}

			status := cond.Run(ctx, obj)
			ran = append(ran, cond.Name)

			obj.mu.Lock()
			obj.current = ""
			next := obj.next
			obj.next = nil
			if next != nil {
				obj.state = *next
				obj.armPresetsLocked(*next)
			}
			obj.mu.Unlock()

			if next != nil {
				transitionsLeft--
				if transitionsLeft == 0 {
					return obj.outcome(ran), fmt.Errorf("lifecycle: too many transitions in one pass")
				}
				continue walk
			}
			if status == StatusDone {
				break walk
			}
		}
		break
	}

	return obj.outcome(ran), nil
}

func (o *Object) outcome(ran []string) Outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	action := ActionIdle
	if o.hasArmedLocked(o.state) {
		action = ActionYield
	}
	return Outcome{Action: action, State: o.state, Ran: ran}
}
