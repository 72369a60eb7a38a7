// Package sim is a simulated dual-controller enclosure described by a YAML
// file. It implements the hardware collaborators and publishes hardware
// notifications when its state is mutated.
package sim

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/limiquantix/modmgmt/internal/domain"
	"github.com/limiquantix/modmgmt/internal/hardware"
	"github.com/limiquantix/modmgmt/internal/notify"
)

// =============================================================================
// File format
// =============================================================================

// File is the YAML description of an enclosure.
type File struct {
	Name     string                     `yaml:"name"`
	SingleSP bool                       `yaml:"single_sp"`
	Slots    map[domain.DeviceClass]int `yaml:"slots"`
	Sides    map[string]SideSpec        `yaml:"sides"`
}

// SideSpec is the hardware of one controller side.
type SideSpec struct {
	Modules []ModuleSpec `yaml:"modules"`
	Mgmt    []MgmtSpec   `yaml:"mgmt"`
}

// ModuleSpec describes an installed IO-carrying module.
type ModuleSpec struct {
	Class     domain.DeviceClass `yaml:"class"`
	Slot      int                `yaml:"slot"`
	UniqueID  uint32             `yaml:"unique_id"`
	Unpowered bool               `yaml:"unpowered"`
	Faulted   bool               `yaml:"faulted"`
	PROM      domain.ResumePROM  `yaml:"prom"`
	Ports     []PortSpec         `yaml:"ports"`
}

// PortSpec describes one port of a module.
type PortSpec struct {
	Absent bool             `yaml:"absent"`
	Boot   bool             `yaml:"boot"`
	SFP    *SFPSpec         `yaml:"sfp"`
	Link   domain.LinkState `yaml:"link"`
}

// SFPSpec describes the transceiver in a port.
type SFPSpec struct {
	Condition  domain.SFPCondition `yaml:"condition"`
	PartNumber string              `yaml:"part_number"`
	Serial     string              `yaml:"serial"`
	Vendor     string              `yaml:"vendor"`
}

// MgmtSpec describes a management module.
type MgmtSpec struct {
	Slot    int                     `yaml:"slot"`
	Applied domain.MgmtPortSettings `yaml:"applied"`
	PROM    domain.ResumePROM       `yaml:"prom"`
}

// DefaultFile is a two-controller enclosure with a quad SAS back-end module
// carrying the boot port, a FC front-end module and a management module.
func DefaultFile() File {
	side := SideSpec{
		Modules: []ModuleSpec{
			{
				Class:    domain.ClassIOModule,
				Slot:     0,
				UniqueID: 0x0101,
				Ports: []PortSpec{
					{Boot: true, SFP: &SFPSpec{Condition: domain.SFPGood, PartNumber: "CBL-SAS-1M", Serial: "SAS0001"}, Link: domain.LinkUp},
					{SFP: &SFPSpec{Condition: domain.SFPGood, PartNumber: "CBL-SAS-1M", Serial: "SAS0001"}, Link: domain.LinkUp},
					{SFP: &SFPSpec{Condition: domain.SFPGood, PartNumber: "CBL-SAS-2M", Serial: "SAS0002"}, Link: domain.LinkDown},
					{},
				},
			},
			{
				Class:    domain.ClassIOModule,
				Slot:     1,
				UniqueID: 0x0201,
				Ports: []PortSpec{
					{SFP: &SFPSpec{Condition: domain.SFPGood, PartNumber: "SFP-8G", Serial: "FC0001"}, Link: domain.LinkUp},
					{SFP: &SFPSpec{Condition: domain.SFPGood, PartNumber: "SFP-8G", Serial: "FC0002"}, Link: domain.LinkDown},
					{},
					{},
				},
			},
		},
		Mgmt: []MgmtSpec{
			{Slot: 0, Applied: domain.MgmtPortSettings{AutoNeg: domain.AutoNegOn, Speed: domain.Speed1000M, Duplex: domain.DuplexFull}},
		},
	}
	return File{
		Name: "sim-enclosure",
		Slots: map[domain.DeviceClass]int{
			domain.ClassIOModule:      4,
			domain.ClassBackEndModule: 1,
			domain.ClassMezzanine:     1,
			domain.ClassMgmtModule:    1,
		},
		Sides: map[string]SideSpec{"A": side, "B": side},
	}
}

// LoadFile reads an enclosure description.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("failed to read simulation file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("failed to parse simulation file: %w", err)
	}
	return f, nil
}

// =============================================================================
// Enclosure
// =============================================================================

type slotKey struct {
	class domain.DeviceClass
	slot  int
}

type simPort struct {
	spec     PortSpec
	pci      domain.PCIAddress
	objectID uint64
}

type simModule struct {
	spec   ModuleSpec
	ports  []*simPort
	staged string
}

type simMgmt struct {
	spec MgmtSpec
}

// Enclosure is a simulated enclosure. It is safe for concurrent use.
type Enclosure struct {
	mu       sync.Mutex
	platform hardware.PlatformInfo
	modules  [domain.SideCount]map[slotKey]*simModule
	mgmt     [domain.SideCount]map[int]*simMgmt
	objects  map[uint64]*simPort

	mgmtFailures int
	mgmtDelay    time.Duration
	reboots      []domain.RebootTarget

	bus    notify.Bus
	logger *zap.Logger
}

// Ensure Enclosure implements the hardware collaborators
var (
	_ hardware.Board         = (*Enclosure)(nil)
	_ hardware.PortTransport = (*Enclosure)(nil)
	_ hardware.Rebooter      = (*Enclosure)(nil)
)

// New builds an enclosure from a description. bus may be nil.
func New(f File, local domain.Side, bus notify.Bus, logger *zap.Logger) (*Enclosure, error) {
	e := &Enclosure{
		platform: hardware.PlatformInfo{
			Name:      f.Name,
			LocalSide: local,
			SingleSP:  f.SingleSP,
			Slots:     make(map[domain.DeviceClass]int, len(f.Slots)),
		},
		objects: make(map[uint64]*simPort),
		bus:     bus,
		logger:  logger.With(zap.String("component", "sim")),
	}
	for class, n := range f.Slots {
		e.platform.Slots[class] = n
	}
	for s := range e.modules {
		e.modules[s] = make(map[slotKey]*simModule)
		e.mgmt[s] = make(map[int]*simMgmt)
	}

	for name, spec := range f.Sides {
		side, err := domain.ParseSide(name)
		if err != nil {
			return nil, err
		}
		for _, ms := range spec.Modules {
			if err := e.insertLocked(side, ms); err != nil {
				return nil, err
			}
		}
		for _, mg := range spec.Mgmt {
			if mg.Slot < 0 || mg.Slot >= e.platform.Slots[domain.ClassMgmtModule] {
				return nil, fmt.Errorf("%w: management slot %d", domain.ErrInvalidArgument, mg.Slot)
			}
			e.mgmt[side][mg.Slot] = &simMgmt{spec: mg}
		}
	}
	return e, nil
}

var classOrdinal = map[domain.DeviceClass]uint8{
	domain.ClassIOModule:      0,
	domain.ClassBackEndModule: 1,
	domain.ClassMezzanine:     2,
}

func (e *Enclosure) insertLocked(side domain.Side, ms ModuleSpec) error {
	ord, ok := classOrdinal[ms.Class]
	if !ok {
		return fmt.Errorf("%w: class %q cannot hold IO ports", domain.ErrInvalidArgument, ms.Class)
	}
	if ms.Slot < 0 || ms.Slot >= e.platform.Slots[ms.Class] {
		return fmt.Errorf("%w: %s slot %d out of range", domain.ErrInvalidArgument, ms.Class, ms.Slot)
	}
	key := slotKey{class: ms.Class, slot: ms.Slot}
	if _, exists := e.modules[side][key]; exists {
		return fmt.Errorf("%w: %s slot %d already populated", domain.ErrAlreadyExists, ms.Class, ms.Slot)
	}
	mod := &simModule{spec: ms}
	for i, ps := range ms.Ports {
		p := &simPort{
			spec: ps,
			pci:  domain.PCIAddress{Bus: uint8(side)<<7 | ord<<4 | uint8(ms.Slot), Device: 0, Function: uint8(i)},
		}
		p.objectID = uint64(side)<<32 | uint64(ord)<<24 | uint64(ms.Slot)<<8 | uint64(i) + 1
		e.objects[p.objectID] = p
		mod.ports = append(mod.ports, p)
	}
	e.modules[side][key] = mod
	return nil
}

func (e *Enclosure) checkSlot(class domain.DeviceClass, slot int) error {
	if n, ok := e.platform.Slots[class]; !ok || slot < 0 || slot >= n {
		return fmt.Errorf("%w: %s slot %d", domain.ErrNotFound, class, slot)
	}
	return nil
}

// =============================================================================
// Board
// =============================================================================

// Platform implements hardware.Board.
func (e *Enclosure) Platform(ctx context.Context) (hardware.PlatformInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.platform
	out.Slots = make(map[domain.DeviceClass]int, len(e.platform.Slots))
	for k, v := range e.platform.Slots {
		out.Slots[k] = v
	}
	return out, nil
}

// Module implements hardware.Board.
func (e *Enclosure) Module(ctx context.Context, side domain.Side, class domain.DeviceClass, slot int) (hardware.ModuleStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkSlot(class, slot); err != nil {
		return hardware.ModuleStatus{}, err
	}
	mod, ok := e.modules[side][slotKey{class: class, slot: slot}]
	if !ok {
		return hardware.ModuleStatus{}, nil
	}
	return hardware.ModuleStatus{
		Inserted:  true,
		Powered:   !mod.spec.Unpowered,
		Faulted:   mod.spec.Faulted,
		EnvGood:   !mod.spec.Faulted,
		UniqueID:  mod.spec.UniqueID,
		PROM:      mod.spec.PROM,
		PortCount: len(mod.ports),
	}, nil
}

// Port implements hardware.Board.
func (e *Enclosure) Port(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int) (hardware.PortStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, err := e.portLocked(side, class, slot, port)
	if err != nil {
		return hardware.PortStatus{}, err
	}
	return hardware.PortStatus{Present: !p.spec.Absent, PCI: p.pci, BootDevice: p.spec.Boot}, nil
}

func (e *Enclosure) portLocked(side domain.Side, class domain.DeviceClass, slot, port int) (*simPort, error) {
	mod, ok := e.modules[side][slotKey{class: class, slot: slot}]
	if !ok || port < 0 || port >= len(mod.ports) {
		return nil, fmt.Errorf("%w: port %s/%s%d/%d", domain.ErrNotFound, side, class, slot, port)
	}
	return mod.ports[port], nil
}

// Mgmt implements hardware.Board.
func (e *Enclosure) Mgmt(ctx context.Context, side domain.Side, slot int) (hardware.MgmtStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkSlot(domain.ClassMgmtModule, slot); err != nil {
		return hardware.MgmtStatus{}, err
	}
	mg, ok := e.mgmt[side][slot]
	if !ok {
		return hardware.MgmtStatus{}, nil
	}
	return hardware.MgmtStatus{Inserted: true, EnvGood: true, Applied: mg.spec.Applied, PROM: mg.spec.PROM}, nil
}

// SetMgmtPort implements hardware.Board. It blocks for the configured delay
// and fails while injected failures remain.
func (e *Enclosure) SetMgmtPort(ctx context.Context, side domain.Side, slot int, settings domain.MgmtPortSettings) error {
	e.mu.Lock()
	delay := e.mgmtDelay
	e.mu.Unlock()
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	e.mu.Lock()
	mg, ok := e.mgmt[side][slot]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: management module %s/%d", domain.ErrNotFound, side, slot)
	}
	if e.mgmtFailures > 0 {
		e.mgmtFailures--
		e.mu.Unlock()
		return fmt.Errorf("%w: management port command rejected", domain.ErrOperationFailed)
	}
	mg.spec.Applied = settings.Merge(mg.spec.Applied)
	e.mu.Unlock()

	e.logger.Info("Management port configured",
		zap.String("side", side.String()),
		zap.Int("slot", slot),
		zap.String("autoneg", string(settings.AutoNeg)),
		zap.Uint32("speed", uint32(settings.Speed)),
		zap.String("duplex", string(settings.Duplex)),
	)
	return nil
}

// ConfigureVLAN implements hardware.Board.
func (e *Enclosure) ConfigureVLAN(ctx context.Context, side domain.Side, slot int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.mgmt[side][slot]; !ok {
		return fmt.Errorf("%w: management module %s/%d", domain.ErrNotFound, side, slot)
	}
	return nil
}

// SetModuleMarked implements hardware.Board.
func (e *Enclosure) SetModuleMarked(ctx context.Context, side domain.Side, class domain.DeviceClass, slot int, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.modules[side][slotKey{class: class, slot: slot}]; !ok {
		return fmt.Errorf("%w: module %s/%s%d", domain.ErrNotFound, side, class, slot)
	}
	return nil
}

// SetPortMarked implements hardware.Board.
func (e *Enclosure) SetPortMarked(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.portLocked(side, class, slot, port)
	return err
}

// =============================================================================
// Firmware
// =============================================================================

func (e *Enclosure) backEndLocked(side domain.Side, slot int) (*simModule, error) {
	mod, ok := e.modules[side][slotKey{class: domain.ClassBackEndModule, slot: slot}]
	if !ok {
		return nil, fmt.Errorf("%w: back-end module %s/%d", domain.ErrNotFound, side, slot)
	}
	return mod, nil
}

// Download stages a firmware image. The image content is the revision it
// carries.
func (e *Enclosure) Download(ctx context.Context, side domain.Side, slot int, image []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mod, err := e.backEndLocked(side, slot)
	if err != nil {
		return err
	}
	mod.staged = strings.TrimSpace(string(image))
	return nil
}

// Activate runs the staged image.
func (e *Enclosure) Activate(ctx context.Context, side domain.Side, slot int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	mod, err := e.backEndLocked(side, slot)
	if err != nil {
		return err
	}
	if mod.staged == "" {
		return fmt.Errorf("%w: no image staged on %s/%d", domain.ErrConflict, side, slot)
	}
	mod.spec.PROM.FirmwareRev = mod.staged
	mod.staged = ""
	return nil
}

// Revision returns the running firmware revision.
func (e *Enclosure) Revision(ctx context.Context, side domain.Side, slot int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mod, err := e.backEndLocked(side, slot)
	if err != nil {
		return "", err
	}
	return mod.spec.PROM.FirmwareRev, nil
}

// =============================================================================
// PortTransport
// =============================================================================

// ObjectID implements hardware.PortTransport.
func (e *Enclosure) ObjectID(ctx context.Context, side domain.Side, pci domain.PCIAddress) (uint64, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.objects {
		if p.pci == pci && domain.Side(pci.Bus>>7) == side {
			return id, true, nil
		}
	}
	return 0, false, nil
}

// SFP implements hardware.PortTransport.
func (e *Enclosure) SFP(ctx context.Context, objectID uint64) (hardware.SFPStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.objects[objectID]
	if !ok {
		return hardware.SFPStatus{}, fmt.Errorf("%w: transport object %d", domain.ErrNotFound, objectID)
	}
	if p.spec.SFP == nil {
		return hardware.SFPStatus{Condition: domain.SFPRemoved}, nil
	}
	s := p.spec.SFP
	cond := s.Condition
	if cond == "" {
		cond = domain.SFPGood
	}
	return hardware.SFPStatus{
		Condition: cond,
		Identity: domain.SFPIdentity{
			PageType:   domain.IdentityPageType,
			TxOK:       true,
			PartNumber: s.PartNumber,
			Serial:     s.Serial,
			Vendor:     s.Vendor,
		},
	}, nil
}

// Link implements hardware.PortTransport.
func (e *Enclosure) Link(ctx context.Context, objectID uint64) (hardware.LinkStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.objects[objectID]
	if !ok {
		return hardware.LinkStatus{}, fmt.Errorf("%w: transport object %d", domain.ErrNotFound, objectID)
	}
	state := p.spec.Link
	if state == "" {
		state = domain.LinkDown
	}
	var speed uint32
	if state == domain.LinkUp {
		speed = 8000
	}
	return hardware.LinkStatus{State: state, Speed: speed}, nil
}

// =============================================================================
// Rebooter
// =============================================================================

// Reboot implements hardware.Rebooter by recording the request.
func (e *Enclosure) Reboot(ctx context.Context, target domain.RebootTarget, reason string) error {
	e.mu.Lock()
	e.reboots = append(e.reboots, target)
	e.mu.Unlock()
	e.logger.Warn("Controller reboot requested",
		zap.String("event", "REBOOT_REQUESTED"),
		zap.String("target", string(target)),
		zap.String("reason", reason),
	)
	return nil
}

// Reboots returns every reboot requested so far.
func (e *Enclosure) Reboots() []domain.RebootTarget {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.RebootTarget(nil), e.reboots...)
}

// =============================================================================
// Mutators
// =============================================================================

// InsertModule installs a module and publishes a module notification.
func (e *Enclosure) InsertModule(ctx context.Context, side domain.Side, ms ModuleSpec) error {
	e.mu.Lock()
	err := e.insertLocked(side, ms)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.publish(ctx, notify.Event{Data: notify.DataModuleInfo, Mask: ms.Class.Mask(), Side: side, Class: ms.Class, Slot: ms.Slot})
}

// RemoveModule removes a module and publishes a module notification.
func (e *Enclosure) RemoveModule(ctx context.Context, side domain.Side, class domain.DeviceClass, slot int) error {
	e.mu.Lock()
	key := slotKey{class: class, slot: slot}
	mod, ok := e.modules[side][key]
	if ok {
		for _, p := range mod.ports {
			delete(e.objects, p.objectID)
		}
		delete(e.modules[side], key)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: module %s/%s%d", domain.ErrNotFound, side, class, slot)
	}
	return e.publish(ctx, notify.Event{Data: notify.DataModuleInfo, Mask: class.Mask(), Side: side, Class: class, Slot: slot})
}

// SetSFP replaces the transceiver of a port. A nil spec removes it.
func (e *Enclosure) SetSFP(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int, sfp *SFPSpec) error {
	e.mu.Lock()
	p, err := e.portLocked(side, class, slot, port)
	if err == nil {
		p.spec.SFP = sfp
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.publish(ctx, notify.Event{
		Data:  notify.DataSFPInfo,
		Mask:  domain.MaskSFP | class.Mask(),
		Side:  side,
		Class: class,
		Slot:  slot,
		Port:  domain.Some(port),
	})
}

// SetLink changes the link state of a port.
func (e *Enclosure) SetLink(ctx context.Context, side domain.Side, class domain.DeviceClass, slot, port int, state domain.LinkState) error {
	e.mu.Lock()
	p, err := e.portLocked(side, class, slot, port)
	if err == nil {
		p.spec.Link = state
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.publish(ctx, notify.Event{
		Data:  notify.DataPortInfo,
		Mask:  domain.MaskPort | class.Mask(),
		Side:  side,
		Class: class,
		Slot:  slot,
		Port:  domain.Some(port),
	})
}

// FailMgmtCommands makes the next n management port commands fail.
func (e *Enclosure) FailMgmtCommands(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mgmtFailures = n
}

// SetMgmtDelay sets how long a management port command blocks.
func (e *Enclosure) SetMgmtDelay(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mgmtDelay = d
}

// MgmtApplied returns the settings a management module currently runs with.
func (e *Enclosure) MgmtApplied(side domain.Side, slot int) (domain.MgmtPortSettings, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mg, ok := e.mgmt[side][slot]
	if !ok {
		return domain.MgmtPortSettings{}, false
	}
	return mg.spec.Applied, true
}

// Slots returns the populated IO slots of a side, ordered by class and slot.
func (e *Enclosure) Slots(side domain.Side) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.modules[side]))
	for k := range e.modules[side] {
		out = append(out, fmt.Sprintf("%s:%d", k.class, k.slot))
	}
	sort.Strings(out)
	return out
}

func (e *Enclosure) publish(ctx context.Context, ev notify.Event) error {
	if e.bus == nil {
		return nil
	}
	ev.Origin = notify.OriginHardware
	if err := e.bus.Publish(ctx, ev); err != nil {
		return fmt.Errorf("failed to publish hardware notification: %w", err)
	}
	return nil
}
