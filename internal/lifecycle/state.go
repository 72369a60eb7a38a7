// Package lifecycle implements per-object state machines driven by ordered
// lists of named conditions ("rotaries"), one rotary per lifecycle state.
package lifecycle

import "fmt"

// State is a lifecycle state.
type State string

const (
	StateSpecialize State = "SPECIALIZE"
	StateActivate   State = "ACTIVATE"
	StateReady      State = "READY"
	StateHibernate  State = "HIBERNATE"
	StateOffline    State = "OFFLINE"
	StateFail       State = "FAIL"
	StateDestroy    State = "DESTROY"
)

// States lists every lifecycle state.
var States = []State{
	StateSpecialize, StateActivate, StateReady, StateHibernate,
	StateOffline, StateFail, StateDestroy,
}

var transitions = map[State][]State{
	StateSpecialize: {StateActivate, StateFail, StateDestroy},
	StateActivate:   {StateReady, StateFail, StateOffline, StateDestroy},
	StateReady:      {StateActivate, StateHibernate, StateOffline, StateFail, StateDestroy},
	StateHibernate:  {StateActivate, StateDestroy},
	StateOffline:    {StateActivate, StateDestroy},
	StateFail:       {StateActivate, StateDestroy},
	StateDestroy:    nil,
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s State) valid() bool {
	_, ok := transitions[s]
	return ok
}

// Status is what a condition function reports back to the scheduler.
type Status int

const (
	// StatusDone ends the pass. The object yields control.
	StatusDone Status = iota
	// StatusMoreProcessing lets the scheduler continue with the next armed
	// condition in the same pass.
	StatusMoreProcessing
)

func (s Status) String() string {
	switch s {
	case StatusDone:
		return "DONE"
	case StatusMoreProcessing:
		return "MORE_PROCESSING"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Kind distinguishes how a condition gets armed.
type Kind int

const (
	// KindPreset conditions are armed every time their state is entered.
	KindPreset Kind = iota
	// KindNormal conditions are armed only by an explicit Set.
	KindNormal
)

func (k Kind) String() string {
	if k == KindPreset {
		return "preset"
	}
	return "normal"
}

// Action tells the driver when to re-enter an object.
type Action string

const (
	// ActionYield means armed conditions remain. Re-enter on the next tick.
	ActionYield Action = "YIELD"
	// ActionIdle means nothing is armed. Re-enter on wake-up only.
	ActionIdle Action = "IDLE"
)
