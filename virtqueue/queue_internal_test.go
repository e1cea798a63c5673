package virtqueue

import (
	"testing"

	"github.com/f-secure-foundry/virtqueue/hal"
	"github.com/f-secure-foundry/virtqueue/transport"
)

// TestAddWritesExactDescriptorLayout reproduces the chain-layout scenario
// by reading the descriptor table and avail ring bytes Add actually wrote,
// not just the public AvailableDesc/CanPop view queue_test.go can see.
func TestAddWritesExactDescriptorLayout(t *testing.T) {
	h := hal.NewSimpleHAL(0x9000, 1<<20)
	tr := transport.NewMMIO(4)

	q, err := New(h, tr, 0, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := q.Add([][]byte{{1, 2}, {3}}, [][]byte{{0, 0}, {0}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if token != 0 {
		t.Fatalf("token = %d, want 0", token)
	}

	if got := q.avail.slot(0); got != 0 {
		t.Errorf("avail.ring[0] = %d, want 0", got)
	}

	cases := []struct {
		idx       uint16
		wantLen   uint32
		wantFlags uint16
		wantNext  uint16
		checkNext bool
	}{
		{0, 2, descFlagNext, 1, true},
		{1, 1, descFlagNext, 2, true},
		{2, 2, descFlagNext | descFlagWrite, 3, true},
		{3, 1, descFlagWrite, 0, false},
	}

	for _, c := range cases {
		if got := q.descLen(c.idx); got != c.wantLen {
			t.Errorf("descriptor %d len = %d, want %d", c.idx, got, c.wantLen)
		}
		if got := q.descFlags(c.idx); got != c.wantFlags {
			t.Errorf("descriptor %d flags = %#x, want %#x", c.idx, got, c.wantFlags)
		}
		if c.checkNext {
			if got := q.descNext(c.idx); got != c.wantNext {
				t.Errorf("descriptor %d next = %d, want %d", c.idx, got, c.wantNext)
			}
		}
	}

	if got := q.AvailableDesc(); got != 0 {
		t.Errorf("AvailableDesc = %d, want 0", got)
	}
	if q.CanPop() {
		t.Error("CanPop = true before device completion, want false")
	}
}

// TestRecyclePoisonsDescriptor confirms recycle zeroes a reclaimed
// descriptor's addr/len so a stale pointer cannot be followed by accident
// after the descriptor has been handed back to the free list.
func TestRecyclePoisonsDescriptor(t *testing.T) {
	h := hal.NewSimpleHAL(0xa000, 1<<20)
	tr := transport.NewMMIO(4)

	q, err := New(h, tr, 0, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	token, err := q.Add([][]byte{{1, 2, 3}}, nil)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	q.used.setSlot(0, usedElem{id: uint32(token), len: 0})
	q.used.storeIdx(1)

	if _, err := q.PopUsed(token); err != nil {
		t.Fatalf("PopUsed: %v", err)
	}

	if addr := q.descAddr(token); addr != 0 {
		t.Errorf("descriptor %d addr after recycle = %#x, want 0", token, addr)
	}
	if l := q.descLen(token); l != 0 {
		t.Errorf("descriptor %d len after recycle = %d, want 0", token, l)
	}
}
