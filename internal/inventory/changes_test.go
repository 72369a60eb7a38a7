package inventory

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/limiquantix/modmgmt/internal/domain"
)

func TestChangeLog_CollapsesDuplicates(t *testing.T) {
	l := NewChangeLog()
	first := time.Unix(100, 0)

	l.Record(Change{Kind: ChangeModule, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, ReceivedAt: first})
	l.Record(Change{Kind: ChangeModule, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, ReceivedAt: first.Add(time.Second)})
	l.Record(Change{Kind: ChangeModule, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 2})
	l.Record(Change{Kind: ChangePort, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, Port: domain.Some(0)})
	l.Record(Change{Kind: ChangePort, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 1, Port: domain.Some(1)})
	l.Record(Change{Kind: ChangeModule, Side: domain.SideB, Class: domain.ClassIOModule, Slot: 1})
	assert.Equal(t, 5, l.Len())

	got := l.Drain()
	require.Len(t, got, 5)
	assert.Equal(t, first, got[0].ReceivedAt, "the first arrival is kept")
	assert.Equal(t, 2, got[1].Slot)
	assert.False(t, got[2].ReceivedAt.IsZero(), "arrival time is stamped")
	assert.Equal(t, domain.Some(1), got[3].Port)
	assert.Equal(t, domain.SideB, got[4].Side)
}

func TestChangeLog_DrainResetsPending(t *testing.T) {
	l := NewChangeLog()
	c := Change{Kind: ChangeSFP, Side: domain.SideA, Class: domain.ClassIOModule, Slot: 0, Port: domain.Some(3)}

	l.Record(c)
	assert.Len(t, l.Drain(), 1)
	assert.Empty(t, l.Drain())
	assert.Zero(t, l.Len())

	// A change drained earlier is accepted again.
	l.Record(c)
	got := l.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, c.Port, got[0].Port)
}

func TestChangeLog_ConcurrentRecordAndDrain(t *testing.T) {
	const (
		writers = 8
		perSlot = 50
	)
	l := NewChangeLog()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			for i := 0; i < perSlot; i++ {
				l.Record(Change{Kind: ChangePort, Side: domain.SideA, Class: domain.ClassIOModule, Slot: slot, Port: domain.Some(i)})
			}
		}(w)
	}

	seen := make(map[Change]int)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	collect := func() {
		for _, c := range l.Drain() {
			c.ReceivedAt = time.Time{}
			seen[c]++
		}
	}
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
			collect()
		}
	}
	collect()

	assert.Len(t, seen, writers*perSlot, "no change is lost")
	for c, n := range seen {
		assert.Equal(t, 1, n, "change %+v delivered more than once", c)
	}
	assert.Zero(t, l.Len())
}
