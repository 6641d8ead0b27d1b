// Package storetest is a conformance suite for capability.Store
// implementations. Backends call RunStoreTests from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/internal/ids"
)

// StoreFactory creates an empty, isolated Store for one test.
type StoreFactory func(t *testing.T) capability.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Accounts_EmailUnique", func(t *testing.T) { testAccountEmailUnique(t, factory) })
	t.Run("Accounts_UpdateMovesEmailIndex", func(t *testing.T) { testAccountUpdateMovesEmail(t, factory) })
	t.Run("Accounts_SaveUnchangedIsNoop", func(t *testing.T) { testAccountSaveUnchanged(t, factory) })
	t.Run("Clients_SymbolUnique", func(t *testing.T) { testClientSymbolUnique(t, factory) })
	t.Run("Clients_OwnerURLNameUnique", func(t *testing.T) { testClientOwnerURLNameUnique(t, factory) })
	t.Run("Accesses_TokenUnique", func(t *testing.T) { testAccessTokenUnique(t, factory) })
	t.Run("Accesses_RejectsShapeless", func(t *testing.T) { testAccessRejectsShapeless(t, factory) })
	t.Run("Accesses_PairUnique", func(t *testing.T) { testAccessPairUnique(t, factory) })
	t.Run("Accesses_BlockReleasesPair", func(t *testing.T) { testAccessBlockReleasesPair(t, factory) })
	t.Run("Accesses_FindFiltersAndOrder", func(t *testing.T) { testAccessFind(t, factory) })
	t.Run("Accesses_SweepIdempotent", func(t *testing.T) { testAccessSweep(t, factory) })
	t.Run("Accesses_EnsureConvergesUnderConcurrency", func(t *testing.T) { testEnsureAccessConcurrent(t, factory) })
	t.Run("Sessions_TokenUniqueAndDelete", func(t *testing.T) { testSessionLifecycle(t, factory) })
	t.Run("Sessions_Sweep", func(t *testing.T) { testSessionSweep(t, factory) })
	t.Run("Cascade_DeleteAccount", func(t *testing.T) { testCascadeAccount(t, factory) })
	t.Run("Cascade_DeleteClient", func(t *testing.T) { testCascadeClient(t, factory) })
	t.Run("Resolve_BlockedAccessFails", func(t *testing.T) { testResolveBlocked(t, factory) })
	t.Run("Resolve_ExpiredAccessIsNotFound", func(t *testing.T) { testResolveExpired(t, factory) })
}

// stepClock returns strictly increasing, millisecond-aligned instants.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock() *stepClock {
	return &stepClock{t: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newRegistry(t *testing.T, factory StoreFactory) (*capability.Registry, *stepClock) {
	t.Helper()
	clk := newStepClock()
	return capability.NewRegistry(factory(t), capability.WithClock(clk.Now)), clk
}

func uniqueEmail() string { return fmt.Sprintf("user-%s@example.com", ids.New()) }

func mustAccount(t *testing.T, reg *capability.Registry) *capability.Account {
	t.Helper()
	acc := &capability.Account{Email: uniqueEmail(), FullName: "Test User"}
	if err := reg.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return acc
}

func mustClient(t *testing.T, reg *capability.Registry, ownerID string) *capability.Client {
	t.Helper()
	c := &capability.Client{Name: "App " + ids.New(), OwnerID: ownerID}
	if err := reg.CreateClient(context.Background(), c); err != nil {
		t.Fatalf("create client: %v", err)
	}
	return c
}

func wantKind(t *testing.T, err error, kind error) {
	t.Helper()
	if !errors.Is(err, kind) {
		t.Fatalf("want %v, got %v", kind, err)
	}
}

func testAccountEmailUnique(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	a := mustAccount(t, reg)

	dup := &capability.Account{Email: a.Email, FullName: "Someone Else"}
	wantKind(t, reg.CreateAccount(ctx, dup), capability.ErrConflict)

	got, err := reg.Store().FindAccountByEmail(ctx, a.Email)
	if err != nil {
		t.Fatalf("find by email: %v", err)
	}
	if got.ID != a.ID {
		t.Fatalf("want %s, got %s", a.ID, got.ID)
	}
	if got.URLName != "test-user" {
		t.Fatalf("url_name not derived: %q", got.URLName)
	}
}

func testAccountUpdateMovesEmail(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	a := mustAccount(t, reg)
	oldEmail := a.Email

	a.Email = uniqueEmail()
	changed, err := reg.SaveAccount(ctx, a)
	if err != nil || !changed {
		t.Fatalf("save: changed=%v err=%v", changed, err)
	}
	if _, err := reg.Store().FindAccountByEmail(ctx, oldEmail); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("old email still indexed: %v", err)
	}
	// The old email is free again.
	b := &capability.Account{Email: oldEmail}
	if err := reg.CreateAccount(ctx, b); err != nil {
		t.Fatalf("reuse released email: %v", err)
	}
}

func testAccountSaveUnchanged(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	a := mustAccount(t, reg)
	updated := a.UpdatedAt

	changed, err := reg.SaveAccount(ctx, a)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if changed {
		t.Fatal("unchanged save reported a change")
	}
	a.FullName = "Renamed User"
	changed, err = reg.SaveAccount(ctx, a)
	if err != nil || !changed {
		t.Fatalf("rename: changed=%v err=%v", changed, err)
	}
	got, err := reg.Store().GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.URLName != "renamed-user" || !got.UpdatedAt.After(updated) {
		t.Fatalf("derived fields not refreshed: %+v", got)
	}
}

func testClientSymbolUnique(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	sym := "sym-" + ids.New()
	a := &capability.Client{Name: "First", Symbol: sym}
	if err := reg.CreateClient(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := &capability.Client{Name: "Second", Symbol: sym}
	wantKind(t, reg.CreateClient(ctx, b), capability.ErrConflict)

	// Clients without a symbol never collide on it.
	for i := 0; i < 2; i++ {
		c := &capability.Client{Name: fmt.Sprintf("Unsymboled %d %s", i, ids.New())}
		if err := reg.CreateClient(ctx, c); err != nil {
			t.Fatalf("create unsymboled: %v", err)
		}
	}
	got, err := reg.Store().FindClientBySymbol(ctx, sym)
	if err != nil || got.ID != a.ID {
		t.Fatalf("find by symbol: %v %v", got, err)
	}
}

func testClientOwnerURLNameUnique(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	owner := mustAccount(t, reg)
	other := mustAccount(t, reg)

	a := &capability.Client{Name: "My App", OwnerID: owner.ID}
	if err := reg.CreateClient(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	// Same slug, same owner.
	b := &capability.Client{Name: "my  app!", OwnerID: owner.ID}
	wantKind(t, reg.CreateClient(ctx, b), capability.ErrConflict)
	// Same slug, different owner.
	c := &capability.Client{Name: "My App", OwnerID: other.ID}
	if err := reg.CreateClient(ctx, c); err != nil {
		t.Fatalf("other owner: %v", err)
	}
	got, err := reg.Store().FindClientByOwnerURLName(ctx, owner.ID, "my-app")
	if err != nil || got.ID != a.ID {
		t.Fatalf("find by owner/url_name: %v %v", got, err)
	}
}

func testAccessTokenUnique(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	exp := reg.Now().Add(time.Hour)

	a := &capability.Access{ClientID: client.ID, Expiration: &exp}
	if err := reg.CreateAccess(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	b := &capability.Access{ClientID: client.ID, Token: a.Token, Expiration: &exp}
	wantKind(t, reg.CreateAccess(ctx, b), capability.ErrConflict)

	got, err := reg.Store().FindAccessByToken(ctx, a.Token)
	if err != nil || got.ID != a.ID {
		t.Fatalf("find by token: %v %v", got, err)
	}
}

func testAccessRejectsShapeless(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	wantKind(t, reg.CreateAccess(context.Background(), &capability.Access{}), capability.ErrBadInput)
}

func testAccessPairUnique(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	client := mustClient(t, reg, "")

	first := &capability.Access{AccountID: acc.ID, ClientID: client.ID}
	if err := reg.CreateAccess(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := &capability.Access{AccountID: acc.ID, ClientID: client.ID}
	wantKind(t, reg.CreateAccess(ctx, second), capability.ErrConflict)

	// Expiring accesses are exempt from the pair index.
	exp := reg.Now().Add(time.Hour)
	temp := &capability.Access{AccountID: acc.ID, ClientID: client.ID, Expiration: &exp}
	if err := reg.CreateAccess(ctx, temp); err != nil {
		t.Fatalf("expiring access: %v", err)
	}
}

func testAccessBlockReleasesPair(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	client := mustClient(t, reg, "")

	first, created, err := reg.EnsureAccess(ctx, acc.ID, client.ID)
	if err != nil || !created {
		t.Fatalf("ensure: created=%v err=%v", created, err)
	}
	if err := reg.BlockAccess(ctx, first); err != nil {
		t.Fatalf("block: %v", err)
	}
	second, created, err := reg.EnsureAccess(ctx, acc.ID, client.ID)
	if err != nil || !created {
		t.Fatalf("ensure after block: created=%v err=%v", created, err)
	}
	if second.ID == first.ID || second.Token == first.Token {
		t.Fatal("blocked access was reused")
	}
}

func testAccessFind(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	c1 := mustClient(t, reg, "")
	c2 := mustClient(t, reg, "")

	main, _, err := reg.EnsureAccess(ctx, acc.ID, "")
	if err != nil {
		t.Fatalf("main: %v", err)
	}
	d1, _, err := reg.EnsureAccess(ctx, acc.ID, c1.ID)
	if err != nil {
		t.Fatalf("d1: %v", err)
	}
	d2, _, err := reg.EnsureAccess(ctx, acc.ID, c2.ID)
	if err != nil {
		t.Fatalf("d2: %v", err)
	}
	if err := reg.BlockAccess(ctx, d1); err != nil {
		t.Fatalf("block: %v", err)
	}

	all, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{AccountID: capability.Equal(acc.ID)})
	if err != nil {
		t.Fatalf("find all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("want 3 accesses, got %d", len(all))
	}
	// d1 was updated last (blocked), then d2, then main.
	if all[0].ID != d1.ID || all[1].ID != d2.ID || all[2].ID != main.ID {
		t.Fatalf("unexpected order: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	live, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{
		AccountID:      capability.Equal(acc.ID),
		ExcludeBlocked: true,
	})
	if err != nil || len(live) != 2 {
		t.Fatalf("live: %d %v", len(live), err)
	}

	clientless, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{
		AccountID: capability.Equal(acc.ID),
		ClientID:  capability.Absent(),
	})
	if err != nil || len(clientless) != 1 || clientless[0].ID != main.ID {
		t.Fatalf("client-less: %v %v", clientless, err)
	}

	byToken, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{Token: d2.Token})
	if err != nil || len(byToken) != 1 || byToken[0].ID != d2.ID {
		t.Fatalf("by token: %v %v", byToken, err)
	}

	limited, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{
		AccountID: capability.Equal(acc.ID),
		Limit:     1,
	})
	if err != nil || len(limited) != 1 || limited[0].ID != d1.ID {
		t.Fatalf("limit: %v %v", limited, err)
	}

	found, err := reg.FindMainAccess(ctx, main.Token)
	if err != nil || found.ID != main.ID {
		t.Fatalf("main access: %v %v", found, err)
	}
	if _, err := reg.FindMainAccess(ctx, d2.Token); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("derived token must not be a main access: %v", err)
	}
}

func testAccessSweep(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	now := reg.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	expired := &capability.Access{ClientID: client.ID, Expiration: &past}
	live := &capability.Access{ClientID: client.ID, Expiration: &future}
	blocked := &capability.Access{ClientID: client.ID, Expiration: &past, Blocked: true}
	for _, a := range []*capability.Access{expired, live, blocked} {
		if err := reg.CreateAccess(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	n, err := reg.Store().DeleteExpiredAccesses(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("want 1 removed, got %d", n)
	}
	n, err = reg.Store().DeleteExpiredAccesses(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if _, err := reg.Store().GetAccess(ctx, expired.ID); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("expired access survived: %v", err)
	}
	for _, a := range []*capability.Access{live, blocked} {
		if _, err := reg.Store().GetAccess(ctx, a.ID); err != nil {
			t.Fatalf("access %s removed: %v", a.ID, err)
		}
	}
}

func testEnsureAccessConcurrent(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	client := mustClient(t, reg, "")

	const workers = 16
	var wg sync.WaitGroup
	results := make([]string, workers)
	errs := make([]error, workers)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			a, _, err := reg.EnsureAccess(ctx, acc.ID, client.ID)
			errs[i] = err
			if a != nil {
				results[i] = a.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if results[i] != results[0] {
			t.Fatalf("workers diverged: %s vs %s", results[i], results[0])
		}
	}
	live, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{
		AccountID:       capability.Equal(acc.ID),
		ClientID:        capability.Equal(client.ID),
		ExcludeBlocked:  true,
		ExcludeExpiring: true,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(live) != 1 {
		t.Fatalf("want exactly one live access, got %d", len(live))
	}
}

func newSession(reg *capability.Registry, clientID string, exp time.Time) *capability.AuthenticationSession {
	return &capability.AuthenticationSession{
		ID:                ids.New(),
		Token:             ids.Token(),
		ClientID:          clientID,
		SynchronizerToken: ids.Token(),
		Expiration:        exp,
		CreatedAt:         reg.Now(),
	}
}

func testSessionLifecycle(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	s := newSession(reg, client.ID, reg.Now().Add(time.Hour))
	if err := reg.Store().InsertSession(ctx, s); err != nil {
		t.Fatalf("insert: %v", err)
	}
	dup := newSession(reg, client.ID, reg.Now().Add(time.Hour))
	dup.Token = s.Token
	wantKind(t, reg.Store().InsertSession(ctx, dup), capability.ErrConflict)

	got, err := reg.Store().FindSessionByToken(ctx, s.Token)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != s.ID || got.SynchronizerToken != s.SynchronizerToken || !got.Expiration.Equal(s.Expiration) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, s)
	}
	if err := reg.Store().DeleteSession(ctx, s.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	wantKind(t, reg.Store().DeleteSession(ctx, s.ID), capability.ErrNotFound)
	_, err = reg.Store().FindSessionByToken(ctx, s.Token)
	wantKind(t, err, capability.ErrNotFound)
}

func testSessionSweep(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	now := reg.Now()
	old := newSession(reg, client.ID, now.Add(-time.Minute))
	fresh := newSession(reg, client.ID, now.Add(time.Hour))
	for _, s := range []*capability.AuthenticationSession{old, fresh} {
		if err := reg.Store().InsertSession(ctx, s); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	n, err := reg.Store().DeleteExpiredSessions(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	n, err = reg.Store().DeleteExpiredSessions(ctx, now)
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if _, err := reg.Store().FindSessionByToken(ctx, fresh.Token); err != nil {
		t.Fatalf("fresh session removed: %v", err)
	}
}

func testCascadeAccount(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	c1 := mustClient(t, reg, "")
	c2 := mustClient(t, reg, "")
	for _, cid := range []string{"", c1.ID, c2.ID} {
		if _, _, err := reg.EnsureAccess(ctx, acc.ID, cid); err != nil {
			t.Fatalf("ensure: %v", err)
		}
	}
	bootstrap, _, err := reg.EnsureAccess(ctx, "", c1.ID)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	if err := reg.DeleteAccount(ctx, acc.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{AccountID: capability.Equal(acc.ID)})
	if err != nil || len(left) != 0 {
		t.Fatalf("dependents left: %d %v", len(left), err)
	}
	if _, err := reg.Store().GetAccess(ctx, bootstrap.ID); err != nil {
		t.Fatalf("unrelated access removed: %v", err)
	}
	_, err = reg.Store().GetAccount(ctx, acc.ID)
	wantKind(t, err, capability.ErrNotFound)
}

func testCascadeClient(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	acc := mustAccount(t, reg)
	client := mustClient(t, reg, acc.ID)
	if _, _, err := reg.EnsureAccess(ctx, acc.ID, client.ID); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, _, err := reg.EnsureAccess(ctx, "", client.ID); err != nil {
		t.Fatalf("ensure bootstrap: %v", err)
	}
	main, _, err := reg.EnsureAccess(ctx, acc.ID, "")
	if err != nil {
		t.Fatalf("ensure main: %v", err)
	}

	if err := reg.DeleteClient(ctx, client.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	left, err := reg.Store().FindAccesses(ctx, capability.AccessFilter{ClientID: capability.Equal(client.ID)})
	if err != nil || len(left) != 0 {
		t.Fatalf("dependents left: %d %v", len(left), err)
	}
	if _, err := reg.Store().GetAccess(ctx, main.ID); err != nil {
		t.Fatalf("main access removed: %v", err)
	}
	// The owner/url_name slot is free again.
	again := &capability.Client{Name: client.Name, OwnerID: acc.ID}
	if err := reg.CreateClient(ctx, again); err != nil {
		t.Fatalf("recreate: %v", err)
	}
}

func testResolveBlocked(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	past := reg.Now().Add(-time.Hour)
	future := reg.Now().Add(time.Hour)

	cases := []*capability.Access{
		{ClientID: client.ID, Blocked: true},
		{ClientID: client.ID, Blocked: true, Expiration: &future},
		{ClientID: client.ID, Blocked: true, Expiration: &past},
	}
	resolver := capability.NewAccessResolver(reg, capability.ScopeAny)
	for _, a := range cases {
		if err := reg.CreateAccess(ctx, a); err != nil {
			t.Fatalf("create: %v", err)
		}
		_, err := resolver.Resolve(ctx, a.Token)
		wantKind(t, err, capability.ErrBlocked)
	}
}

func testResolveExpired(t *testing.T, factory StoreFactory) {
	reg, _ := newRegistry(t, factory)
	ctx := context.Background()
	client := mustClient(t, reg, "")
	soon := reg.Now().Add(1500 * time.Millisecond)
	a := &capability.Access{ClientID: client.ID, Expiration: &soon}
	if err := reg.CreateAccess(ctx, a); err != nil {
		t.Fatalf("create: %v", err)
	}
	resolver := capability.NewAccessResolver(reg, capability.ScopeClient)
	// The step clock advances one second per reading, so the first resolve
	// observes a time past the expiration.
	_, err := resolver.Resolve(ctx, a.Token)
	wantKind(t, err, capability.ErrNotFound)
	if _, err := reg.Store().GetAccess(ctx, a.ID); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("expired access not swept: %v", err)
	}
}
