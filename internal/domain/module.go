package domain

import (
	"fmt"
	"strings"
)

// =============================================================================
// SIDE - Which of the two service processors
// =============================================================================

// Side identifies one of the two controllers of the enclosure.
type Side int

const (
	SideA Side = 0
	SideB Side = 1
)

// SideCount is the number of controllers in an enclosure.
const SideCount = 2

// String returns "A" or "B".
func (s Side) String() string {
	switch s {
	case SideA:
		return "A"
	case SideB:
		return "B"
	default:
		return fmt.Sprintf("Side(%d)", int(s))
	}
}

// Peer returns the opposite side.
func (s Side) Peer() Side {
	if s == SideA {
		return SideB
	}
	return SideA
}

// Valid reports whether s names an existing side.
func (s Side) Valid() bool {
	return s == SideA || s == SideB
}

// ParseSide parses "A"/"B" (case insensitive) or "0"/"1".
func ParseSide(v string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "A", "0", "SPA":
		return SideA, nil
	case "B", "1", "SPB":
		return SideB, nil
	}
	return SideA, fmt.Errorf("%w: unknown side %q", ErrInvalidArgument, v)
}

// MarshalText encodes the side as "A" or "B".
func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a side name.
func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// DEVICE CLASS
// =============================================================================

// DeviceClass is the kind of field-replaceable module occupying a slot.
type DeviceClass string

const (
	ClassIOModule      DeviceClass = "IO_MODULE"
	ClassMezzanine     DeviceClass = "MEZZANINE"
	ClassBackEndModule DeviceClass = "BACK_END_MODULE"
	ClassMgmtModule    DeviceClass = "MGMT_MODULE"
)

// IOClasses lists the classes that carry IO ports, in discovery order.
var IOClasses = []DeviceClass{ClassIOModule, ClassBackEndModule, ClassMezzanine}

// DeviceMask is a bitmask of device types used to filter notifications.
type DeviceMask uint32

const (
	MaskIOModule      DeviceMask = 1 << 0
	MaskMezzanine     DeviceMask = 1 << 1
	MaskBackEndModule DeviceMask = 1 << 2
	MaskMgmtModule    DeviceMask = 1 << 3
	MaskPort          DeviceMask = 1 << 4
	MaskSFP           DeviceMask = 1 << 5
	MaskAll           DeviceMask = MaskIOModule | MaskMezzanine | MaskBackEndModule | MaskMgmtModule | MaskPort | MaskSFP
)

// Mask returns the notification mask bit for a device class.
func (c DeviceClass) Mask() DeviceMask {
	switch c {
	case ClassIOModule:
		return MaskIOModule
	case ClassMezzanine:
		return MaskMezzanine
	case ClassBackEndModule:
		return MaskBackEndModule
	case ClassMgmtModule:
		return MaskMgmtModule
	}
	return 0
}

// Has reports whether every bit of other is set in m.
func (m DeviceMask) Has(other DeviceMask) bool {
	return other != 0 && m&other == other
}

// =============================================================================
// CLASSIFICATION
// =============================================================================

// SlicType is the derived hardware personality of an IO module.
type SlicType string

const (
	SlicUnknown     SlicType = "UNKNOWN"
	SlicSAS6G       SlicType = "SAS_6G"
	SlicSAS6GQuad   SlicType = "SAS_6G_3"
	SlicSAS12G      SlicType = "SAS_12G"
	SlicFC8G        SlicType = "FC_8G"
	SlicFC16G       SlicType = "FC_16G"
	SlicISCSI1G     SlicType = "ISCSI_1G"
	SlicISCSI10G    SlicType = "ISCSI_10G"
	SlicISCSICopper SlicType = "ISCSI_COPPER"
	SlicFCoE        SlicType = "FCOE"
	SlicMgmt        SlicType = "MGMT"
)

// SupportsCombinedConnector reports whether two adjacent ports of this slic
// type may be backed by one physical cable.
func (s SlicType) SupportsCombinedConnector() bool {
	return s == SlicSAS6GQuad || s == SlicSAS12G
}

// Protocol is the wire protocol of ports on a module.
type Protocol string

const (
	ProtocolUnknown  Protocol = "UNKNOWN"
	ProtocolSAS      Protocol = "SAS"
	ProtocolFC       Protocol = "FC"
	ProtocolISCSI    Protocol = "ISCSI"
	ProtocolFCoE     Protocol = "FCOE"
	ProtocolEthernet Protocol = "ETHERNET"
)

// =============================================================================
// MODULE RECORD
// =============================================================================

// ModuleState is the derived logical state of a module.
type ModuleState string

const (
	ModuleStateEmpty   ModuleState = "EMPTY"
	ModuleStateUnknown ModuleState = "UNKNOWN"
	ModuleStateFaulted ModuleState = "FAULTED"
	ModuleStateReady   ModuleState = "READY"
)

// ModuleSubState refines ModuleState.
type ModuleSubState string

const (
	SubStateNone        ModuleSubState = ""
	SubStatePoweredOff  ModuleSubState = "POWERED_OFF"
	SubStateHWFault     ModuleSubState = "HARDWARE_FAULT"
	SubStateUnsupported ModuleSubState = "UNSUPPORTED"
)

// ModuleIndex addresses a module within one side of an inventory.
type ModuleIndex int

// ResumePROM is the identity data burned into a module.
type ResumePROM struct {
	Vendor      string `json:"vendor,omitempty"`
	PartNumber  string `json:"part_number,omitempty"`
	Serial      string `json:"serial,omitempty"`
	FirmwareRev string `json:"firmware_rev,omitempty"`
}

// ModulePhysical is the hardware-reported status of a module.
type ModulePhysical struct {
	Inserted    bool   `json:"inserted"`
	Powered     bool   `json:"powered"`
	Faulted     bool   `json:"faulted"`
	EnvGood     bool   `json:"env_good"`
	UniqueID    uint32 `json:"unique_id"`
	IOPortCount int    `json:"io_port_count"`
}

// ModuleRecord is one slot of one device class on one side.
type ModuleRecord struct {
	Side     Side           `json:"side"`
	Class    DeviceClass    `json:"class"`
	Slot     int            `json:"slot"`
	Physical ModulePhysical `json:"physical"`
	State    ModuleState    `json:"state"`
	SubState ModuleSubState `json:"sub_state,omitempty"`
	PROM     ResumePROM     `json:"prom"`
	Slic     SlicType       `json:"slic"`
	Label    string         `json:"label,omitempty"`
	Protocol Protocol       `json:"protocol"`
	Group    IOMGroup       `json:"group,omitempty"`
	Marked   bool           `json:"marked"`
}

// DeriveState computes State and SubState from the physical status.
func (m *ModuleRecord) DeriveState() {
	switch {
	case !m.Physical.Inserted:
		m.State, m.SubState = ModuleStateEmpty, SubStateNone
	case m.Physical.Faulted:
		m.State, m.SubState = ModuleStateFaulted, SubStateHWFault
	case m.Slic == SlicUnknown:
		m.State, m.SubState = ModuleStateFaulted, SubStateUnsupported
	case !m.Physical.Powered:
		m.State, m.SubState = ModuleStateUnknown, SubStatePoweredOff
	default:
		m.State, m.SubState = ModuleStateReady, SubStateNone
	}
}

// Present reports whether the slot holds hardware.
func (m *ModuleRecord) Present() bool {
	return m.Physical.Inserted
}

// Location returns a printable slot identity.
func (m *ModuleRecord) Location() string {
	return fmt.Sprintf("%s/%s%d", m.Side, m.Class, m.Slot)
}
