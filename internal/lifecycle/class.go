package lifecycle

import (
	"context"
	"errors"
	"fmt"
)

// Func is a condition function. It runs on the scheduler goroutine and may
// clear its own condition, arm others and request a transition.
type Func func(ctx context.Context, obj *Object) Status

// Condition is a named step of a rotary.
type Condition struct {
	Name string
	Kind Kind
	Run  Func
}

// Class is a validated set of rotaries shared by objects of one kind.
type Class struct {
	name     string
	conds    map[string]*Condition
	rotaries map[State][]*Condition
	owner    map[string]State
}

// Name returns the class name.
func (c *Class) Name() string {
	return c.name
}

// Rotary returns the condition names of a state in run order.
func (c *Class) Rotary(s State) []string {
	out := make([]string, 0, len(c.rotaries[s]))
	for _, cond := range c.rotaries[s] {
		out = append(out, cond.Name)
	}
	return out
}

// Owner returns the state whose rotary holds the named condition.
func (c *Class) Owner(name string) (State, bool) {
	s, ok := c.owner[name]
	return s, ok
}

// Builder assembles a Class. Errors are collected and reported by Build.
type Builder struct {
	name     string
	conds    []Condition
	rotaries []rotarySpec
}

type rotarySpec struct {
	state State
	names []string
}

// NewBuilder starts a class definition.
func NewBuilder(name string) *Builder {
	return &Builder{name: name}
}

// Preset declares a condition armed on every entry to its state.
func (b *Builder) Preset(name string, fn Func) *Builder {
	b.conds = append(b.conds, Condition{Name: name, Kind: KindPreset, Run: fn})
	return b
}

// Normal declares a condition armed only by Object.Set.
func (b *Builder) Normal(name string, fn Func) *Builder {
	b.conds = append(b.conds, Condition{Name: name, Kind: KindNormal, Run: fn})
	return b
}

// Rotary places conditions into the rotary of a state, in run order.
func (b *Builder) Rotary(state State, names ...string) *Builder {
	b.rotaries = append(b.rotaries, rotarySpec{state: state, names: names})
	return b
}

// Build validates the definition: every condition has a unique name and a
// function, every rotary names known conditions of a known state, and every
// condition sits in exactly one rotary.
func (b *Builder) Build() (*Class, error) {
	var errs []error

	c := &Class{
		name:     b.name,
		conds:    make(map[string]*Condition, len(b.conds)),
		rotaries: make(map[State][]*Condition),
		owner:    make(map[string]State),
	}

	for i := range b.conds {
		cond := &b.conds[i]
		switch {
		case cond.Name == "":
			errs = append(errs, fmt.Errorf("condition %d has no name", i))
			continue
		case cond.Run == nil:
			errs = append(errs, fmt.Errorf("condition %q has no function", cond.Name))
		}
		if _, dup := c.conds[cond.Name]; dup {
			errs = append(errs, fmt.Errorf("condition %q declared twice", cond.Name))
			continue
		}
		copied := *cond
		c.conds[cond.Name] = &copied
	}

	seenState := make(map[State]bool)
	for _, r := range b.rotaries {
		if !r.state.valid() {
			errs = append(errs, fmt.Errorf("rotary for unknown state %q", r.state))
			continue
		}
		if seenState[r.state] {
			errs = append(errs, fmt.Errorf("rotary for state %s declared twice", r.state))
			continue
		}
		seenState[r.state] = true
		for _, name := range r.names {
			cond, ok := c.conds[name]
			if !ok {
				errs = append(errs, fmt.Errorf("rotary %s references unknown condition %q", r.state, name))
				continue
			}
			if prev, placed := c.owner[name]; placed {
				errs = append(errs, fmt.Errorf("condition %q placed in rotaries %s and %s", name, prev, r.state))
				continue
			}
			c.owner[name] = r.state
			c.rotaries[r.state] = append(c.rotaries[r.state], cond)
		}
	}

	for name := range c.conds {
		if _, ok := c.owner[name]; !ok {
			errs = append(errs, fmt.Errorf("condition %q is not placed in any rotary", name))
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid lifecycle class %q: %w", b.name, errors.Join(errs...))
	}
	return c, nil
}
