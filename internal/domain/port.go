package domain

import "fmt"

// Role is the logical function of an IO port.
type Role string

const (
	// RoleUninitialized marks a port whose role has not been derived yet.
	RoleUninitialized Role = ""
	RoleFE            Role = "FE"
	RoleBE            Role = "BE"
	// RoleUnassigned is an uncommitted port, present but not usable.
	RoleUnassigned    Role = "UNC"
)

// Assigned reports whether the role carries a logical number space.
func (r Role) Assigned() bool {
	return r == RoleFE || r == RoleBE
}

// SubRole refines the role of an assigned port.
type SubRole string

const (
	SubRoleUninitialized SubRole = ""
	SubRoleNormal        SubRole = "NORMAL"
	SubRoleSpecial       SubRole = "SPECIAL"
)

// IOMGroup classifies a module for port limit accounting and upgrade compatibility.
// The empty group is unknown.
type IOMGroup string

// Known reports whether the group has been derived.
func (g IOMGroup) Known() bool {
	return g != ""
}

// LinkState is the link status reported by the port transport.
type LinkState string

const (
	LinkUnknown  LinkState = "UNKNOWN"
	LinkUp       LinkState = "UP"
	LinkDown     LinkState = "DOWN"
	LinkDegraded LinkState = "DEGRADED"
)

// SFPCondition is the reported condition of a pluggable transceiver.
type SFPCondition string

const (
	SFPUnknown         SFPCondition = "UNKNOWN"
	SFPGood            SFPCondition = "GOOD"
	SFPRemoved         SFPCondition = "REMOVED"
	SFPInvalid         SFPCondition = "INVALID"
	SFPFault           SFPCondition = "FAULT"
	SFPChecksumPending SFPCondition = "CHECKSUM_PENDING"
)

// SFPIdentity is the identity page read from a transceiver.
type SFPIdentity struct {
	PageType   int    `json:"page_type"`
	TxOK       bool   `json:"tx_ok"`
	PartNumber string `json:"part_number,omitempty"`
	Serial     string `json:"serial,omitempty"`
	Vendor     string `json:"vendor,omitempty"`
}

// IdentityPageType is the SFP page type that carries cable identity strings.
const IdentityPageType = 2

// Usable reports whether the identity can be compared against another port.
func (id SFPIdentity) Usable() bool {
	return id.PageType == IdentityPageType && id.TxOK && id.PartNumber != "" && id.Serial != ""
}

// SameCable reports whether both identities describe one physical cable.
func (id SFPIdentity) SameCable(other SFPIdentity) bool {
	return id.PartNumber == other.PartNumber && id.Serial == other.Serial
}

// PCIAddress is a bus/device/function triple.
type PCIAddress struct {
	Bus      uint8 `json:"bus" yaml:"bus"`
	Device   uint8 `json:"device" yaml:"device"`
	Function uint8 `json:"function" yaml:"function"`
}

// String renders the address as bb:dd.f.
func (p PCIAddress) String() string {
	return fmt.Sprintf("%02x:%02x.%x", p.Bus, p.Device, p.Function)
}

// PortIndex addresses a port within one side of an inventory.
type PortIndex int

// PortRecord is one IO port of a module.
type PortRecord struct {
	Side   Side        `json:"side"`
	Module ModuleIndex `json:"module"`
	Port   int         `json:"port"`

	// Physical attributes, overwritten on every discovery pass.
	Present      bool             `json:"present"`
	Protocol     Protocol         `json:"protocol"`
	SFPCapable   bool             `json:"sfp_capable"`
	SFPInserted  bool             `json:"sfp_inserted"`
	SFPCondition SFPCondition     `json:"sfp_condition"`
	SFP          SFPIdentity      `json:"sfp"`
	Portal       int              `json:"portal"`
	PCI          PCIAddress       `json:"pci"`
	BootDevice   bool             `json:"boot_device"`
	ObjectID     Optional[uint64] `json:"object_id"`
	Link         LinkState        `json:"link"`
	Marked       bool             `json:"marked"`

	// Logical attributes, kept across discovery passes once assigned.
	Role     Role                `json:"role"`
	SubRole  SubRole             `json:"sub_role"`
	Group    IOMGroup            `json:"group,omitempty"`
	Logical  Optional[uint32]    `json:"logical"`
	Combined bool                `json:"combined"`
	Partner  Optional[PortIndex] `json:"partner"`
}

// Initialized reports whether role derivation has run for this port.
func (p *PortRecord) Initialized() bool {
	return p.Role != RoleUninitialized
}

// PortLocation is the physical address of a port independent of inventory indices.
type PortLocation struct {
	Class DeviceClass `json:"class"`
	Slot  int         `json:"slot"`
	Port  int         `json:"port"`
}

// String renders the location.
func (l PortLocation) String() string {
	return fmt.Sprintf("%s%d/port%d", l.Class, l.Slot, l.Port)
}
