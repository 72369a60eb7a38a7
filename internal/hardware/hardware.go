// Package hardware defines the collaborators that report enclosure hardware
// status and execute hardware commands.
package hardware

import (
	"context"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// PlatformInfo describes the enclosure.
type PlatformInfo struct {
	Name      string                     `json:"name" yaml:"name"`
	LocalSide domain.Side                `json:"local_side" yaml:"-"`
	SingleSP  bool                       `json:"single_sp" yaml:"single_sp"`
	Slots     map[domain.DeviceClass]int `json:"slots" yaml:"slots"`
}

// ModuleStatus is the hardware-reported status of one slot.
type ModuleStatus struct {
	Inserted  bool              `json:"inserted"`
	Powered   bool              `json:"powered"`
	Faulted   bool              `json:"faulted"`
	EnvGood   bool              `json:"env_good"`
	UniqueID  uint32            `json:"unique_id"`
	PROM      domain.ResumePROM `json:"prom"`
	PortCount int               `json:"port_count"`
}

// PortStatus is the hardware-reported status of one port.
type PortStatus struct {
	Present    bool              `json:"present"`
	PCI        domain.PCIAddress `json:"pci"`
	BootDevice bool              `json:"boot_device"`
}

// MgmtStatus is the hardware-reported status of a management module.
type MgmtStatus struct {
	Inserted bool                    `json:"inserted"`
	EnvGood  bool                    `json:"env_good"`
	Applied  domain.MgmtPortSettings `json:"applied"`
	PROM     domain.ResumePROM       `json:"prom"`
}

// SFPStatus is what the port transport reports for a transceiver.
type SFPStatus struct {
	Condition domain.SFPCondition `json:"condition"`
	Identity  domain.SFPIdentity  `json:"identity"`
}

// LinkStatus is what the port transport reports for a link.
type LinkStatus struct {
	State domain.LinkState `json:"state"`
	Speed uint32           `json:"speed"`
}

// Board reports module and port status and executes module commands.
type Board interface {
	Platform(ctx context.Context) (PlatformInfo, error)
	Module(ctx context.Context, side domain.Side, class domain.DeviceClass, slot int) (ModuleStatus, error)
	Port(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int) (PortStatus, error)
	Mgmt(ctx context.Context, side domain.Side, slot int) (MgmtStatus, error)

	// SetMgmtPort applies management port settings. It blocks until the
	// hardware reports completion.
	SetMgmtPort(ctx context.Context, side domain.Side, slot int, settings domain.MgmtPortSettings) error
	ConfigureVLAN(ctx context.Context, side domain.Side, slot int) error
	SetModuleMarked(ctx context.Context, side domain.Side, class domain.DeviceClass, slot int, on bool) error
	SetPortMarked(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int, on bool) error
}

// PortTransport reports SFP and link status keyed by a transport-assigned
// object id.
type PortTransport interface {
	ObjectID(ctx context.Context, side domain.Side, pci domain.PCIAddress) (uint64, bool, error)
	SFP(ctx context.Context, objectID uint64) (SFPStatus, error)
	Link(ctx context.Context, objectID uint64) (LinkStatus, error)
}

// Rebooter reboots one or both controllers to apply configuration.
type Rebooter interface {
	Reboot(ctx context.Context, target domain.RebootTarget, reason string) error
}
