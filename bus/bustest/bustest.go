// Package bustest is a conformance suite for bus.Bus implementations.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/internal/ids"
)

// BusFactory is a function that creates a new bus instance for testing.
type BusFactory func(t *testing.T) bus.Bus

// RunBusTests runs the complete bus test suite against the provided factory.
func RunBusTests(t *testing.T, factory BusFactory) {
	t.Run("PublishAndReceive", func(t *testing.T) { testPublishAndReceive(t, factory) })
	t.Run("TopicIsolation", func(t *testing.T) { testTopicIsolation(t, factory) })
	t.Run("MultipleTopicsOneSubscription", func(t *testing.T) { testMultipleTopics(t, factory) })
	t.Run("FanOutToAllSubscribers", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("OrderWithinSubscription", func(t *testing.T) { testOrdering(t, factory) })
	t.Run("StalledSubscriberReceivesEverything", func(t *testing.T) { testStalledSubscriber(t, factory) })
	t.Run("LateSubscriberMissesEarlierMessages", func(t *testing.T) { testLateSubscriber(t, factory) })
	t.Run("NextHonoursContext", func(t *testing.T) { testNextContext(t, factory) })
	t.Run("CloseEndsSubscription", func(t *testing.T) { testClose(t, factory) })
}

func topic(name string) string { return name + "-" + ids.New() }

func mustSubscribe(t *testing.T, b bus.Bus, ctx context.Context, topics ...string) bus.Subscription {
	t.Helper()
	sub, err := b.Subscribe(ctx, topics...)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })
	return sub
}

func mustPublish(t *testing.T, b bus.Bus, ctx context.Context, topic, body string) {
	t.Helper()
	if err := b.Publish(ctx, topic, []byte(body)); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func mustNext(t *testing.T, sub bus.Subscription, ctx context.Context) bus.Message {
	t.Helper()
	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return msg
}

// expectNothing asserts that no message arrives within a short window.
func expectNothing(t *testing.T, sub bus.Subscription) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	msg, err := sub.Next(ctx)
	if err == nil {
		t.Fatalf("unexpected message on %s: %s", msg.Topic, msg.Data)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error: %v", err)
	}
}

func testPublishAndReceive(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := topic("authenticated")
	sub := mustSubscribe(t, b, ctx, tp)
	mustPublish(t, b, ctx, tp, `{"state":"abc","client_id":"c1"}`)

	msg := mustNext(t, sub, ctx)
	if msg.Topic != tp {
		t.Fatalf("topic = %q, want %q", msg.Topic, tp)
	}
	var ev bus.AuthenticatedEvent
	if err := msg.Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.State != "abc" || ev.ClientID != "c1" {
		t.Fatalf("unexpected body: %+v", ev)
	}
}

func testTopicIsolation(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a, other := topic("a"), topic("b")
	sub := mustSubscribe(t, b, ctx, a)
	mustPublish(t, b, ctx, other, `{}`)
	expectNothing(t, sub)

	mustPublish(t, b, ctx, a, `{"n":1}`)
	if msg := mustNext(t, sub, ctx); string(msg.Data) != `{"n":1}` {
		t.Fatalf("unexpected data %s", msg.Data)
	}
}

func testMultipleTopics(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	created, updated := topic("client-created"), topic("client-updated")
	sub := mustSubscribe(t, b, ctx, created, updated)
	mustPublish(t, b, ctx, created, `{"n":1}`)
	mustPublish(t, b, ctx, updated, `{"n":2}`)

	first := mustNext(t, sub, ctx)
	second := mustNext(t, sub, ctx)
	if first.Topic != created || second.Topic != updated {
		t.Fatalf("unexpected topics %q, %q", first.Topic, second.Topic)
	}
}

func testFanOut(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := topic("fanout")
	const n = 4
	subs := make([]bus.Subscription, n)
	for i := range subs {
		subs[i] = mustSubscribe(t, b, ctx, tp)
	}
	mustPublish(t, b, ctx, tp, `{"hello":"world"}`)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub bus.Subscription) {
			defer wg.Done()
			msg, err := sub.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			if string(msg.Data) != `{"hello":"world"}` {
				errs <- fmt.Errorf("unexpected data %s", msg.Data)
			}
		}(sub)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func testOrdering(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := topic("ordered")
	sub := mustSubscribe(t, b, ctx, tp)
	const n = 25
	for i := 0; i < n; i++ {
		mustPublish(t, b, ctx, tp, fmt.Sprintf(`{"seq":%d}`, i))
	}
	for i := 0; i < n; i++ {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := mustNext(t, sub, ctx).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Seq != i {
			t.Fatalf("out of order: got %d, want %d", body.Seq, i)
		}
	}
}

func testStalledSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tp := topic("authenticated")
	stalled := mustSubscribe(t, b, ctx, tp)
	live := mustSubscribe(t, b, ctx, tp)

	const n = 300
	for i := 0; i < n; i++ {
		mustPublish(t, b, ctx, tp, fmt.Sprintf(`{"seq":%d}`, i))
	}
	// The stalled subscriber must not hold back the other one.
	for i := 0; i < n; i++ {
		mustNext(t, live, ctx)
	}
	for i := 0; i < n; i++ {
		var body struct {
			Seq int `json:"seq"`
		}
		if err := mustNext(t, stalled, ctx).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Seq != i {
			t.Fatalf("stalled subscriber got seq %d, want %d", body.Seq, i)
		}
	}
}

func testLateSubscriber(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := topic("late")
	mustPublish(t, b, ctx, tp, `{"early":true}`)
	sub := mustSubscribe(t, b, ctx, tp)
	expectNothing(t, sub)
	mustPublish(t, b, ctx, tp, `{"early":false}`)
	if msg := mustNext(t, sub, ctx); string(msg.Data) != `{"early":false}` {
		t.Fatalf("unexpected data %s", msg.Data)
	}
}

func testNextContext(t *testing.T, factory BusFactory) {
	b := factory(t)
	sub := mustSubscribe(t, b, context.Background(), topic("quiet"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("want context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after cancellation")
	}
}

func testClose(t *testing.T, factory BusFactory) {
	b := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tp := topic("closing")
	sub, err := b.Subscribe(ctx, tp)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan error, 1)
	go func() {
		_, err := sub.Next(ctx)
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)
	if err := sub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, io.EOF) {
			t.Fatalf("want io.EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Close")
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	// Publishing after the only subscriber left must not fail.
	mustPublish(t, b, ctx, tp, `{}`)
}
