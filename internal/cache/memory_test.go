package cache

import (
	"context"
	"testing"
	"time"
)

func TestMemoryIncrKeepsWindowDeadline(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	n, err := m.Incr(ctx, "minute:L", 50*time.Millisecond)
	if err != nil || n != 1 {
		t.Fatalf("first incr = %d, %v", n, err)
	}
	// Later increments must not extend the window.
	if n, _ := m.Incr(ctx, "minute:L", time.Hour); n != 2 {
		t.Fatalf("second incr = %d", n)
	}

	time.Sleep(80 * time.Millisecond)
	if n, _ := m.GetInt(ctx, "minute:L"); n != 0 {
		t.Fatalf("counter survived its window: %d", n)
	}
	if n, _ := m.Incr(ctx, "minute:L", 50*time.Millisecond); n != 1 {
		t.Fatalf("counter did not restart: %d", n)
	}
}

func TestMemorySetGetDelete(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	if err := m.Set(ctx, "flag", "1", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if v, _ := m.Get(ctx, "flag"); v != "1" {
		t.Fatalf("get = %q", v)
	}
	if err := m.Delete(ctx, "flag"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if v, _ := m.Get(ctx, "flag"); v != "" {
		t.Fatalf("get after delete = %q", v)
	}
}

func TestMemoryPubSub(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	sub, err := m.Subscribe(ctx, "almudeer:ws:L")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Publish(ctx, "almudeer:ws:L", `{"type":"new_message"}`); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub.Messages():
		if got != `{"type":"new_message"}` {
			t.Errorf("payload = %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("no message delivered")
	}

	sub.Close()
	if _, ok := <-sub.Messages(); ok {
		t.Fatalf("channel not closed after Close")
	}
	// Publishing after close must not panic or deliver.
	if err := m.Publish(ctx, "almudeer:ws:L", "late"); err != nil {
		t.Fatalf("publish after close: %v", err)
	}
}
