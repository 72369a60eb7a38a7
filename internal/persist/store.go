package persist

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// Store keeps one opaque blob per key. Read returns domain.ErrNotFound for a
// key that was never written.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, blob []byte) error
}

// RegistryFlags are the service flags kept next to the port parameters.
type RegistryFlags struct {
	// PersistPortInfo asks the next activation to re-persist every port.
	PersistPortInfo bool `json:"persist_port_info"`
	// DisableRegUpdate stops the engine from rewriting port parameters.
	DisableRegUpdate bool `json:"disable_reg_update"`
	// RebootRequired is a reboot requested but not yet carried out.
	RebootRequired domain.RebootTarget `json:"reboot_required,omitempty"`
	// SlicUpgrade marks a pending in-place IOM group upgrade.
	SlicUpgrade bool `json:"slic_upgrade"`
	// ConversionPending marks a pending slot conversion.
	ConversionPending bool `json:"conversion_pending"`
}

// Registry is the key/value fallback that mirrors the persisted port
// parameters and carries service flags.
type Registry interface {
	Flags(ctx context.Context) (RegistryFlags, error)
	SetFlags(ctx context.Context, flags RegistryFlags) error
	PortParams(ctx context.Context) ([]domain.PersistedPortEntry, error)
	SetPortParams(ctx context.Context, entries []domain.PersistedPortEntry) error
}

// Watcher is implemented by registries that report external modification.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// SlotRef names one slot of one class.
type SlotRef struct {
	Class domain.DeviceClass `json:"class"`
	Slot  int                `json:"slot"`
}

func (s SlotRef) String() string {
	return fmt.Sprintf("%s:%d", s.Class, s.Slot)
}

// ParseSlotRef parses "CLASS:slot". The class is matched case-insensitively.
func ParseSlotRef(v string) (SlotRef, error) {
	class, slot, ok := strings.Cut(v, ":")
	if !ok {
		return SlotRef{}, fmt.Errorf("%w: slot reference %q, want CLASS:slot", domain.ErrInvalidArgument, v)
	}
	n, err := strconv.Atoi(slot)
	if err != nil || n < 0 {
		return SlotRef{}, fmt.Errorf("%w: slot reference %q has a bad slot number", domain.ErrInvalidArgument, v)
	}
	c := domain.DeviceClass(strings.ToUpper(class))
	if _, known := classCodes[c]; !known {
		return SlotRef{}, fmt.Errorf("%w: slot reference %q has unknown class", domain.ErrInvalidArgument, v)
	}
	return SlotRef{Class: c, Slot: n}, nil
}

// ParseConversion parses a source to destination slot map.
func ParseConversion(raw map[string]string) (map[SlotRef]SlotRef, error) {
	out := make(map[SlotRef]SlotRef, len(raw))
	for k, v := range raw {
		src, err := ParseSlotRef(k)
		if err != nil {
			return nil, err
		}
		dst, err := ParseSlotRef(v)
		if err != nil {
			return nil, err
		}
		if src.Class != dst.Class {
			return nil, fmt.Errorf("%w: conversion %s to %s changes device class", domain.ErrInvalidArgument, src, dst)
		}
		out[src] = dst
	}
	return out, nil
}
