package queue

import (
	"testing"
	"time"

	"github.com/netplane/dpcap/pkg/wire"
)

func TestFIFOOrder(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		q.Push(&wire.Packet{InterfaceID: uint32(i)})
	}
	if q.Len() != 10 {
		t.Fatalf("Len = %d, want 10", q.Len())
	}

	for i := 0; i < 10; i++ {
		p, ok := q.Pop(time.Second)
		if !ok {
			t.Fatalf("Pop %d returned empty", i)
		}
		if p.InterfaceID != uint32(i) {
			t.Errorf("Pop %d = interface %d", i, p.InterfaceID)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d after draining, want 0", q.Len())
	}
}

func TestPopTimeout(t *testing.T) {
	q := New()

	start := time.Now()
	p, ok := q.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok || p != nil {
		t.Fatalf("Pop on empty queue = %v, %v", p, ok)
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Pop returned after %v, want ~50ms wait", elapsed)
	}
}

func TestPopWakesOnPush(t *testing.T) {
	q := New()

	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(&wire.Packet{InterfaceID: 9})
	}()

	start := time.Now()
	p, ok := q.Pop(2 * time.Second)
	if !ok || p.InterfaceID != 9 {
		t.Fatalf("Pop = %v, %v", p, ok)
	}
	if time.Since(start) > time.Second {
		t.Errorf("Pop did not wake promptly on push")
	}
}

func TestConcurrentProducer(t *testing.T) {
	q := New()
	const n = 5000

	go func() {
		for i := 0; i < n; i++ {
			q.Push(&wire.Packet{InterfaceID: uint32(i)})
		}
	}()

	for i := 0; i < n; i++ {
		p, ok := q.Pop(2 * time.Second)
		if !ok {
			t.Fatalf("Pop %d timed out", i)
		}
		if p.InterfaceID != uint32(i) {
			t.Fatalf("Pop %d = interface %d, order broken", i, p.InterfaceID)
		}
	}
}
