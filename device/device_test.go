// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package device

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"vulkanfx/vkcore/platform"
)

// newTestDevice builds a Device with only the queue-pool fields
// populated, exercising AcquireQueue/ReclaimQueue without going
// through CreateInstance's driver selection (which requires a
// real, registered GPU backend).
func newTestDevice(slots int) *Device {
	d := &Device{qfree: make([]bool, slots)}
	for i := range d.qfree {
		d.qfree[i] = true
	}
	d.qcond = platform.NewCond(&d.qmu)
	return d
}

func TestAcquireQueueReturnsDistinctSlots(t *testing.T) {
	d := newTestDevice(2)
	a := d.AcquireQueue()
	b := d.AcquireQueue()
	assert.NotEqual(t, a, b)
}

func TestReclaimQueueFreesSlotForReuse(t *testing.T) {
	d := newTestDevice(1)
	slot := d.AcquireQueue()
	d.ReclaimQueue(slot)
	assert.Equal(t, slot, d.AcquireQueue())
}

func TestAcquireQueueBlocksUntilReclaimed(t *testing.T) {
	d := newTestDevice(1)
	slot := d.AcquireQueue()

	done := make(chan int, 1)
	go func() { done <- d.AcquireQueue() }()

	select {
	case <-done:
		t.Fatal("AcquireQueue returned before any slot was reclaimed")
	case <-time.After(50 * time.Millisecond):
	}

	d.ReclaimQueue(slot)
	select {
	case got := <-done:
		assert.Equal(t, slot, got)
	case <-time.After(time.Second):
		t.Fatal("AcquireQueue did not unblock after ReclaimQueue")
	}
}
