// Package notify defines data-changed notifications and an in-process bus.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// DataType names what changed.
type DataType string

const (
	DataModuleInfo DataType = "MODULE_INFO"
	DataPortInfo   DataType = "PORT_INFO"
	DataSFPInfo    DataType = "SFP_INFO"
	DataMgmtInfo   DataType = "MGMT_INFO"
	DataConfig     DataType = "CONFIG"
)

// Origin tells subscribers who produced an event.
type Origin string

const (
	OriginHardware Origin = "hardware"
	OriginEngine   Origin = "engine"
)

// Event is one data-changed notification.
type Event struct {
	Origin    Origin               `json:"origin"`
	Data      DataType             `json:"data"`
	Mask      domain.DeviceMask    `json:"mask"`
	Side      domain.Side          `json:"side"`
	Class     domain.DeviceClass   `json:"class"`
	Slot      int                  `json:"slot"`
	Port      domain.Optional[int] `json:"port"`
	Detail    string               `json:"detail,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// Bus publishes events and delivers them to subscribers whose mask matches.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, mask domain.DeviceMask) (<-chan Event, error)
}

// Matches reports whether ev should be delivered to a subscriber with mask.
func Matches(mask domain.DeviceMask, ev Event) bool {
	return mask&ev.Mask != 0
}

// MemoryBus is an in-process Bus. Slow subscribers drop events rather than
// blocking publishers.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int]subscriber
	nextID int
	buffer int
}

type subscriber struct {
	mask domain.DeviceMask
	ch   chan Event
}

// Ensure MemoryBus implements Bus
var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates a bus whose subscriber channels hold buffer events.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{subs: make(map[int]subscriber), buffer: buffer}
}

// Publish delivers ev to matching subscribers.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !Matches(s.mask, ev) {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx is cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, mask domain.DeviceMask) (<-chan Event, error) {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = subscriber{mask: mask, ch: ch}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
