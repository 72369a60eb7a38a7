package domain

import (
	"fmt"
	"time"
)

// AutoNeg is the auto-negotiation setting of a management port.
type AutoNeg string

const (
	AutoNegUnspecified AutoNeg = ""
	AutoNegOff         AutoNeg = "OFF"
	AutoNegOn          AutoNeg = "ON"
)

// Duplex is the duplex mode of a management port.
type Duplex string

const (
	DuplexUnspecified Duplex = ""
	DuplexHalf        Duplex = "HALF"
	DuplexFull        Duplex = "FULL"
)

// Speed is a management port link speed in Mbps. Zero is unspecified.
type Speed uint32

const (
	SpeedUnspecified Speed = 0
	Speed10M         Speed = 10
	Speed100M        Speed = 100
	Speed1000M       Speed = 1000
)

// Valid reports whether s is one of the supported speeds.
func (s Speed) Valid() bool {
	return s == Speed10M || s == Speed100M || s == Speed1000M
}

// Valid reports whether d is a concrete duplex mode.
func (d Duplex) Valid() bool {
	return d == DuplexHalf || d == DuplexFull
}

// Valid reports whether a is a concrete auto-negotiation mode.
func (a AutoNeg) Valid() bool {
	return a == AutoNegOff || a == AutoNegOn
}

// MgmtPortSettings is one {autoneg, speed, duplex} triple.
type MgmtPortSettings struct {
	AutoNeg AutoNeg `json:"autoneg"`
	Speed   Speed   `json:"speed"`
	Duplex  Duplex  `json:"duplex"`
}

// Unspecified reports whether no field carries a value.
func (s MgmtPortSettings) Unspecified() bool {
	return s.AutoNeg == AutoNegUnspecified && s.Speed == SpeedUnspecified && s.Duplex == DuplexUnspecified
}

// Validate checks a user request. Speed and duplex may be left unspecified
// only when auto-negotiation is on.
func (s MgmtPortSettings) Validate() error {
	if s.Unspecified() {
		return fmt.Errorf("%w: no management port setting specified", ErrInvalidArgument)
	}
	if s.AutoNeg == AutoNegOff && (s.Speed == SpeedUnspecified || s.Duplex == DuplexUnspecified) {
		return fmt.Errorf("%w: speed and duplex are required when auto-negotiation is off", ErrInvalidArgument)
	}
	if s.AutoNeg != AutoNegUnspecified && !s.AutoNeg.Valid() {
		return fmt.Errorf("%w: autoneg %q", ErrInvalidArgument, s.AutoNeg)
	}
	if s.Speed != SpeedUnspecified && !s.Speed.Valid() {
		return fmt.Errorf("%w: speed %d", ErrInvalidArgument, s.Speed)
	}
	if s.Duplex != DuplexUnspecified && !s.Duplex.Valid() {
		return fmt.Errorf("%w: duplex %q", ErrInvalidArgument, s.Duplex)
	}
	return nil
}

// Merge returns s with unspecified or invalid fields taken from fallback.
func (s MgmtPortSettings) Merge(fallback MgmtPortSettings) MgmtPortSettings {
	out := s
	if !out.AutoNeg.Valid() {
		out.AutoNeg = fallback.AutoNeg
	}
	if !out.Speed.Valid() {
		out.Speed = fallback.Speed
	}
	if !out.Duplex.Valid() {
		out.Duplex = fallback.Duplex
	}
	return out
}

// MgmtPortState is the state of the management port command machine.
type MgmtPortState string

const (
	MgmtPortIdle          MgmtPortState = "IDLE"
	MgmtPortSent          MgmtPortState = "SENT"
	MgmtPortRetrying      MgmtPortState = "RETRYING"
	MgmtPortRevertPending MgmtPortState = "REVERT_PENDING"
	MgmtPortSucceeded     MgmtPortState = "SUCCEEDED"
	MgmtPortFailed        MgmtPortState = "FAILED"
)

// MgmtPortConfig tracks requested and applied settings of one management port.
type MgmtPortConfig struct {
	Requested MgmtPortSettings `json:"requested"`
	Applied   MgmtPortSettings `json:"applied"`
	Previous  MgmtPortSettings `json:"previous"`
	// UserRequested is the last request as the caller issued it.
	UserRequested MgmtPortSettings `json:"user_requested"`

	InProgress    bool          `json:"in_progress"`
	StartedAt     time.Time     `json:"started_at"`
	RevertAllowed bool          `json:"revert_allowed"`
	Reverting     bool          `json:"reverting"`
	SendPending   bool          `json:"send_pending"`
	// UserInitiated is set while a control request, not a boot restore, owns the operation.
	UserInitiated bool          `json:"user_initiated"`
	State         MgmtPortState `json:"state"`
}

// Outgoing returns the settings the next command should carry.
func (c *MgmtPortConfig) Outgoing() MgmtPortSettings {
	if c.Reverting {
		return c.Previous
	}
	return c.Requested
}
