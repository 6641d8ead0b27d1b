package memorybus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/bus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunBusTests(t, func(t *testing.T) bus.Bus {
		return New()
	})
}

func TestStalledSubscriberQueuesWithoutBlockingOthers(t *testing.T) {
	b := New()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	slow, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer slow.Close()
	fast, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer fast.Close()

	const n = 500
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, "t", []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		msg, err := fast.Next(ctx)
		if err != nil || string(msg.Data) != fmt.Sprint(i) {
			t.Fatalf("fast subscriber at %d: %q %v", i, msg.Data, err)
		}
	}
	if got := b.Pending(); got != n {
		t.Fatalf("pending = %d, want %d", got, n)
	}
	for i := 0; i < n; i++ {
		msg, err := slow.Next(ctx)
		if err != nil || string(msg.Data) != fmt.Sprint(i) {
			t.Fatalf("slow subscriber at %d: %q %v", i, msg.Data, err)
		}
	}
	if got := b.Pending(); got != 0 {
		t.Fatalf("pending after drain = %d", got)
	}
}

func TestCloseReleasesQueue(t *testing.T) {
	b := New()
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "t")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 10; i++ {
		_ = b.Publish(ctx, "t", []byte(`{}`))
	}
	_ = sub.Close()
	if b.Subscribers() != 0 || b.Pending() != 0 {
		t.Fatalf("subscription not released: subs=%d pending=%d", b.Subscribers(), b.Pending())
	}
}
