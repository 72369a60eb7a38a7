package inventory

import (
	"sync"
	"time"

	"github.com/limiquantix/modmgmt/internal/domain"
)

// ChangeKind is the kind of hardware change reported for a slot.
type ChangeKind string

const (
	ChangeModule ChangeKind = "MODULE"
	ChangePort   ChangeKind = "PORT"
	ChangeSFP    ChangeKind = "SFP"
	ChangeLink   ChangeKind = "LINK"
	ChangeMgmt   ChangeKind = "MGMT"
)

// Change is one pending per-slot device change.
type Change struct {
	Kind       ChangeKind           `json:"kind"`
	Side       domain.Side          `json:"side"`
	Class      domain.DeviceClass   `json:"class"`
	Slot       int                  `json:"slot"`
	Port       domain.Optional[int] `json:"port"`
	ReceivedAt time.Time            `json:"received_at"`
}

// ChangeLog is the only inventory structure written from outside the
// lifecycle goroutine. Notification handlers append, the scheduler drains.
type ChangeLog struct {
	mu      sync.Mutex
	pending []Change
	seen    map[Change]struct{}
}

// NewChangeLog creates an empty change log.
func NewChangeLog() *ChangeLog {
	return &ChangeLog{seen: make(map[Change]struct{})}
}

// Record appends a change. Duplicate pending changes for the same target collapse.
func (l *ChangeLog) Record(c Change) {
	key := c
	key.ReceivedAt = time.Time{}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.seen[key]; dup {
		return
	}
	if c.ReceivedAt.IsZero() {
		c.ReceivedAt = time.Now()
	}
	l.seen[key] = struct{}{}
	l.pending = append(l.pending, c)
}

// Drain removes and returns every pending change in arrival order.
func (l *ChangeLog) Drain() []Change {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.pending
	l.pending = nil
	l.seen = make(map[Change]struct{})
	return out
}

// Len returns the number of pending changes.
func (l *ChangeLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
