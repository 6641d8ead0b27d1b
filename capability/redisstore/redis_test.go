package redisstore

import (
	"context"
	"testing"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/storetest"
	"github.com/ggoodman/access-relay-go/internal/ids"
	"github.com/redis/go-redis/v9"
)

func TestRedisStore(t *testing.T) {
	// Skip if Redis is not available
	probe := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	if err := probe.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	probe.Close()

	storetest.RunStoreTests(t, func(t *testing.T) capability.Store {
		s := New(Config{
			Client:    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			KeyPrefix: "test:store:" + ids.New() + ":",
		})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestKeyLayout(t *testing.T) {
	s := New(Config{Client: redis.NewClient(&redis.Options{Addr: "localhost:0"}), KeyPrefix: "p:"})
	t.Cleanup(func() { _ = s.Close() })

	a := &capability.Access{ID: "a1", Token: "tok", AccountID: "acc"}
	e := accessKind.entry(s, a)
	if !e.holds("p:idx:access-token:tok") {
		t.Fatalf("token index missing: %+v", e.uniques)
	}
	if !e.holds("p:idx:access-pair:acc:") {
		t.Fatalf("pair index missing: %+v", e.uniques)
	}
	wantSets := []string{"p:set:accesses:all", "p:set:accesses:account:acc", "p:set:accesses:client:-"}
	for i, want := range wantSets {
		if e.sets[i] != want {
			t.Fatalf("sets[%d] = %q, want %q", i, e.sets[i], want)
		}
	}
	if len(e.zsets) != 0 {
		t.Fatalf("permanent access should not be scheduled for expiry: %v", e.zsets)
	}

	a.Blocked = true
	if e := accessKind.entry(s, a); e.holds("p:idx:access-pair:acc:") {
		t.Fatalf("blocked access must not hold the pair index")
	}

	c := &capability.Client{ID: "c1", Name: "Looking Glass", URLName: "looking-glass"}
	ce := clientKind.entry(s, c)
	if len(ce.uniques) != 1 || ce.uniques[0].key != "p:idx:client-owner-url:-:looking-glass" {
		t.Fatalf("client uniques = %+v", ce.uniques)
	}
}
