// Package peer implements the coordination protocol spoken between the module
// managers of the two controllers.
package peer

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// Opcode identifies a message variant on the wire.
type Opcode uint32

const (
	OpConfigChanged     Opcode = 1
	OpPermissionRequest Opcode = 2
	OpPermissionGrant   Opcode = 3
	OpPermissionDeny    Opcode = 4
	OpPermissionRelease Opcode = 5
	OpPeerAlive         Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpConfigChanged:
		return "CONFIG_CHANGED"
	case OpPermissionRequest:
		return "PERMISSION_REQUEST"
	case OpPermissionGrant:
		return "PERMISSION_GRANT"
	case OpPermissionDeny:
		return "PERMISSION_DENY"
	case OpPermissionRelease:
		return "PERMISSION_RELEASE"
	case OpPeerAlive:
		return "PEER_ALIVE"
	}
	return fmt.Sprintf("Opcode(%d)", uint32(o))
}

// Message is the closed set of peer messages. Every variant is handled by
// Visitor, so adding one breaks every visitor until it is handled.
type Message interface {
	Opcode() Opcode
	Accept(v Visitor) error
	sealed()
}

// Visitor handles each message variant.
type Visitor interface {
	VisitConfigChanged(*ConfigChanged) error
	VisitPermissionRequest(*PermissionRequest) error
	VisitPermissionGrant(*PermissionGrant) error
	VisitPermissionDeny(*PermissionDeny) error
	VisitPermissionRelease(*PermissionRelease) error
	VisitPeerAlive(*PeerAlive) error
}

// Subject is the shared resource a permission covers, for example the
// firmware of one back-end module.
type Subject struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
}

func (s Subject) String() string {
	return fmt.Sprintf("%s%d", s.Class, s.Slot)
}

// ConfigChanged tells the peer that persisted or management port
// configuration of the sender changed.
type ConfigChanged struct {
	From  domain.Side
	Mask  domain.DeviceMask
	Class domain.DeviceClass
	Slot  int
}

// PermissionRequest asks the peer for exclusive use of a subject.
type PermissionRequest struct {
	ID      uuid.UUID
	From    domain.Side
	Subject Subject
}

// PermissionGrant answers a request positively.
type PermissionGrant struct {
	ID      uuid.UUID
	From    domain.Side
	Subject Subject
}

// PermissionDeny answers a request negatively.
type PermissionDeny struct {
	ID      uuid.UUID
	From    domain.Side
	Subject Subject
}

// PermissionRelease returns a granted subject.
type PermissionRelease struct {
	ID      uuid.UUID
	From    domain.Side
	Subject Subject
}

// PeerAlive is the periodic liveness broadcast.
type PeerAlive struct {
	From     domain.Side
	Sequence uint64
	State    string
}

func (*ConfigChanged) Opcode() Opcode     { return OpConfigChanged }
func (*PermissionRequest) Opcode() Opcode { return OpPermissionRequest }
func (*PermissionGrant) Opcode() Opcode   { return OpPermissionGrant }
func (*PermissionDeny) Opcode() Opcode    { return OpPermissionDeny }
func (*PermissionRelease) Opcode() Opcode { return OpPermissionRelease }
func (*PeerAlive) Opcode() Opcode         { return OpPeerAlive }

func (m *ConfigChanged) Accept(v Visitor) error     { return v.VisitConfigChanged(m) }
func (m *PermissionRequest) Accept(v Visitor) error { return v.VisitPermissionRequest(m) }
func (m *PermissionGrant) Accept(v Visitor) error   { return v.VisitPermissionGrant(m) }
func (m *PermissionDeny) Accept(v Visitor) error    { return v.VisitPermissionDeny(m) }
func (m *PermissionRelease) Accept(v Visitor) error { return v.VisitPermissionRelease(m) }
func (m *PeerAlive) Accept(v Visitor) error         { return v.VisitPeerAlive(m) }

func (*ConfigChanged) sealed()     {}
func (*PermissionRequest) sealed() {}
func (*PermissionGrant) sealed()   {}
func (*PermissionDeny) sealed()    {}
func (*PermissionRelease) sealed() {}
func (*PeerAlive) sealed()         {}

// isResponse reports whether m answers a permission request.
func isResponse(m Message) bool {
	switch m.(type) {
	case *PermissionGrant, *PermissionDeny:
		return true
	}
	return false
}
