package authsession

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/bus/memorybus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/memorystore"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type harness struct {
	mgr       *Manager
	reg       *capability.Registry
	bus       *memorybus.Bus
	clock     *testClock
	client    *capability.Client
	bootstrap *capability.Access
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	clk := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	reg := capability.NewRegistry(memorystore.New(), capability.WithClock(clk.Now))
	b := memorybus.New()
	mgr, err := New(Config{
		Registry:          reg,
		Bus:               b,
		AuthenticationURL: "https://idp.example.com/authorize?prompt=login",
		ProviderClientID:  "relay",
		PublicURL:         "https://relay.example.com/",
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	client := &capability.Client{Name: "App One", Symbol: "app1"}
	if err := reg.CreateClient(ctx, client); err != nil {
		t.Fatalf("client: %v", err)
	}
	bootstrap, _, err := reg.EnsureAccess(ctx, "", client.ID)
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return &harness{mgr: mgr, reg: reg, bus: b, clock: clk, client: client, bootstrap: bootstrap}
}

func TestOpen(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub, err := h.bus.Subscribe(ctx, bus.TopicAuthenticationSessionCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	opened, err := h.mgr.Open(ctx, h.bootstrap, "sync-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sess := opened.Session
	if want := h.clock.Now().Add(4 * time.Hour); !sess.Expiration.Equal(want) {
		t.Fatalf("expiration = %v, want %v", sess.Expiration, want)
	}
	if sess.ClientID != h.client.ID || sess.SynchronizerToken != "sync-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	u, err := url.Parse(opened.URL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if u.Host != "idp.example.com" || q.Get("client_id") != "relay" || q.Get("state") != sess.Token || q.Get("prompt") != "login" {
		t.Fatalf("unexpected redirect url %s", opened.URL)
	}
	if want := "wss://relay.example.com/ws/1/authentication/" + sess.Token; opened.WebSocketURL != want {
		t.Fatalf("websocket url = %s, want %s", opened.WebSocketURL, want)
	}

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var ev bus.SessionCreatedEvent
	if err := msg.Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Token != sess.Token || ev.Expiration != sess.Expiration.UnixMilli() {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestOpenRequiresClientOnlyAccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	acc := &capability.Account{Email: "alice@example.com"}
	if err := h.reg.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("account: %v", err)
	}
	bound, _, err := h.reg.EnsureAccess(ctx, acc.ID, h.client.ID)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := h.mgr.Open(ctx, bound, "sync"); !errors.Is(err, capability.ErrScopeMismatch) {
		t.Fatalf("want ErrScopeMismatch, got %v", err)
	}
	if _, err := h.mgr.Open(ctx, h.bootstrap, " "); !errors.Is(err, capability.ErrBadInput) {
		t.Fatalf("want ErrBadInput, got %v", err)
	}
}

func TestClaimIsSingleUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened, err := h.mgr.Open(ctx, h.bootstrap, "sync")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	token := opened.Session.Token

	if _, err := h.mgr.Consume(ctx, token); err != nil {
		t.Fatalf("consume before claim: %v", err)
	}
	sess, err := h.mgr.Claim(ctx, token)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if sess.SynchronizerToken != "sync" {
		t.Fatalf("unexpected session %+v", sess)
	}
	if _, err := h.mgr.Claim(ctx, token); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("second claim: want ErrNotFound, got %v", err)
	}
	if _, err := h.mgr.Consume(ctx, token); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("consume after claim: want ErrNotFound, got %v", err)
	}
	if err := h.mgr.Delete(ctx, sess); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("delete after claim: want ErrNotFound, got %v", err)
	}
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened, err := h.mgr.Open(ctx, h.bootstrap, "sync")
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.mgr.Claim(ctx, opened.Session.Token)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, capability.ErrNotFound):
				losses.Add(1)
			default:
				t.Errorf("claim: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 || losses.Load() != 11 {
		t.Fatalf("wins=%d losses=%d", wins.Load(), losses.Load())
	}
}

func TestExpiredSessionIsNotFound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened, err := h.mgr.Open(ctx, h.bootstrap, "sync")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.clock.Advance(4*time.Hour + time.Second)
	_, err = h.mgr.Consume(ctx, opened.Session.Token)
	if !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
	if capability.Message(err) != MsgNoSession {
		t.Fatalf("message = %q", capability.Message(err))
	}
}

func TestBlockedClientCannotConsume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	opened, err := h.mgr.Open(ctx, h.bootstrap, "sync")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h.client.Blocked = true
	if _, err := h.reg.SaveClient(ctx, h.client); err != nil {
		t.Fatalf("block client: %v", err)
	}
	if _, err := h.mgr.Consume(ctx, opened.Session.Token); !errors.Is(err, capability.ErrClientBlocked) {
		t.Fatalf("want ErrClientBlocked, got %v", err)
	}
}

func TestNewValidatesURLs(t *testing.T) {
	reg := capability.NewRegistry(memorystore.New())
	base := Config{Registry: reg, Bus: memorybus.New(), AuthenticationURL: "https://idp/authorize", PublicURL: "http://localhost:8080"}

	m, err := New(base)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := m.WebSocketURL("tok"); got != "ws://localhost:8080/ws/1/authentication/tok" {
		t.Fatalf("websocket url = %s", got)
	}

	bad := base
	bad.PublicURL = "ftp://example.com"
	if _, err := New(bad); err == nil {
		t.Fatal("expected error for unsupported scheme")
	}
	bad = base
	bad.AuthenticationURL = "/relative"
	if _, err := New(bad); err == nil {
		t.Fatal("expected error for relative authentication url")
	}
}
