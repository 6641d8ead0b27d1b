package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/access-relay-go/bus"
	"github.com/ggoodman/access-relay-go/bus/memorybus"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/memorystore"
)

// staticVerifier accepts exactly the assertions it was seeded with.
type staticVerifier map[string]*Assertion

func (v staticVerifier) Verify(_ context.Context, tok string) (*Assertion, error) {
	a, ok := v[tok]
	if !ok {
		return nil, ErrUnauthorized
	}
	return a, nil
}

type harness struct {
	c      *Completer
	reg    *capability.Registry
	bus    *memorybus.Bus
	client *capability.Client
}

func newHarness(t *testing.T, v Verifier) *harness {
	t.Helper()
	reg := capability.NewRegistry(memorystore.New())
	b := memorybus.New()
	c, err := New(Config{Registry: reg, Bus: b, Verifier: v})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	client := &capability.Client{Name: "Portal", Symbol: "portal"}
	if err := reg.CreateClient(context.Background(), client); err != nil {
		t.Fatalf("client: %v", err)
	}
	return &harness{c: c, reg: reg, bus: b, client: client}
}

func TestCompleteCreatesAccountAndPublishes(t *testing.T) {
	v := staticVerifier{}
	h := newHarness(t, v)
	v["ok"] = &Assertion{Subject: "s1", Email: "erin@example.com", Name: "Erin", State: "sess", ClientID: h.client.ID, SynchronizerToken: "sync"}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sub, err := h.bus.Subscribe(ctx, bus.TopicAuthenticated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	res, err := h.c.Complete(ctx, "ok")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.AccountCreated || res.Account.EmailVerified == nil || res.Account.FullName != "Erin" {
		t.Fatalf("account = %+v", res.Account)
	}
	if res.Access.Shape() != capability.ShapeAccountOnly || !res.Access.Permanent() {
		t.Fatalf("main access = %+v", res.Access)
	}

	msg, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	var ev bus.AuthenticatedEvent
	if err := msg.Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.State != "sess" || ev.ClientID != h.client.ID || ev.AccessToken != res.Access.Token || ev.SynchronizerToken != "sync" {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Account == nil || ev.Account.Email != "erin@example.com" {
		t.Fatalf("event account = %+v", ev.Account)
	}
}

func TestCompleteReusesAccountAndMainAccess(t *testing.T) {
	v := staticVerifier{}
	h := newHarness(t, v)
	v["first"] = &Assertion{Email: "erin@example.com", Name: "Erin", State: "s1"}
	v["second"] = &Assertion{Email: "erin@example.com", Name: "Erin Example", State: "s2"}
	ctx := context.Background()

	first, err := h.c.Complete(ctx, "first")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := h.c.Complete(ctx, "second")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.AccountCreated || second.Account.ID != first.Account.ID {
		t.Fatalf("account not reused: %+v", second.Account)
	}
	if second.Account.FullName != "Erin Example" {
		t.Fatalf("full name not updated: %q", second.Account.FullName)
	}
	if second.Access.Token != first.Access.Token {
		t.Fatalf("main access not reused")
	}
	stored, err := h.reg.Store().GetAccount(ctx, first.Account.ID)
	if err != nil || stored.FullName != "Erin Example" {
		t.Fatalf("stored = %+v (%v)", stored, err)
	}
}

func TestCompleteFailures(t *testing.T) {
	v := staticVerifier{}
	h := newHarness(t, v)
	ctx := context.Background()

	blockedClient := &capability.Client{Name: "Closed", Blocked: true}
	if err := h.reg.CreateClient(ctx, blockedClient); err != nil {
		t.Fatalf("client: %v", err)
	}
	blockedAccount := &capability.Account{Email: "mallory@example.com", Blocked: true}
	if err := h.reg.CreateAccount(ctx, blockedAccount); err != nil {
		t.Fatalf("account: %v", err)
	}
	v["nostate"] = &Assertion{Email: "a@example.com"}
	v["unknownclient"] = &Assertion{Email: "a@example.com", State: "s", ClientID: "01J00000000000000000000000"}
	v["blockedclient"] = &Assertion{Email: "a@example.com", State: "s", ClientID: blockedClient.ID}
	v["blockedaccount"] = &Assertion{Email: "mallory@example.com", State: "s"}

	cases := []struct {
		assertion string
		want      error
	}{
		{"forged", ErrUnauthorized},
		{"nostate", capability.ErrBadInput},
		{"unknownclient", capability.ErrNotFound},
		{"blockedclient", capability.ErrClientBlocked},
		{"blockedaccount", capability.ErrAccountBlocked},
	}
	for _, tc := range cases {
		t.Run(tc.assertion, func(t *testing.T) {
			if _, err := h.c.Complete(ctx, tc.assertion); !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}
