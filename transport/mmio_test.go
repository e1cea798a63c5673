package transport

import "testing"

func TestMMIOQueueSetRejectsOversizedQueue(t *testing.T) {
	m := NewMMIO(4)

	if err := m.QueueSet(0, 8, 0x1000, 0x2000, 0x3000); err == nil {
		t.Error("QueueSet with size above max: want error, got nil")
	}
}

func TestMMIOQueueSetRejectsDoubleBind(t *testing.T) {
	m := NewMMIO(8)

	if err := m.QueueSet(0, 8, 0x1000, 0x2000, 0x3000); err != nil {
		t.Fatalf("first QueueSet: %v", err)
	}
	if err := m.QueueSet(0, 8, 0x4000, 0x5000, 0x6000); err == nil {
		t.Error("second QueueSet on same index: want error, got nil")
	}
}

func TestMMIOBindingRoundTrip(t *testing.T) {
	m := NewMMIO(8)

	if err := m.QueueSet(1, 8, 0x1000, 0x2000, 0x3000); err != nil {
		t.Fatalf("QueueSet: %v", err)
	}

	descAddr, availAddr, usedAddr, size, ok := m.Binding(1)
	if !ok {
		t.Fatal("Binding: not found")
	}
	if descAddr != 0x1000 || availAddr != 0x2000 || usedAddr != 0x3000 || size != 8 {
		t.Errorf("Binding = (%#x, %#x, %#x, %d), want (0x1000, 0x2000, 0x3000, 8)", descAddr, availAddr, usedAddr, size)
	}
}

func TestMMIONotifyRequiresBoundQueue(t *testing.T) {
	m := NewMMIO(8)

	if err := m.Notify(0); err == nil {
		t.Error("Notify on unbound queue: want error, got nil")
	}
}

func TestMMIONotifyCountsCalls(t *testing.T) {
	m := NewMMIO(8)
	if err := m.QueueSet(0, 8, 0x1000, 0x2000, 0x3000); err != nil {
		t.Fatalf("QueueSet: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := m.Notify(0); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}

	if got := m.Notifications(0); got != 3 {
		t.Errorf("Notifications = %d, want 3", got)
	}
}

func TestMMIOQueueUsedReflectsSetQueueUsed(t *testing.T) {
	m := NewMMIO(8)

	m.SetQueueUsed(2, 5)

	if got := m.QueueUsed(2); got != 5 {
		t.Errorf("QueueUsed = %d, want 5", got)
	}
}
