package capability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/memorystore"
)

type fixture struct {
	reg       *capability.Registry
	account   *capability.Account
	client    *capability.Client
	main      *capability.Access
	derived   *capability.Access
	bootstrap *capability.Access
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	reg := capability.NewRegistry(memorystore.New())
	f := &fixture{reg: reg}
	f.account = &capability.Account{Email: "alice@example.com", FullName: "Alice Liddell"}
	if err := reg.CreateAccount(ctx, f.account); err != nil {
		t.Fatalf("account: %v", err)
	}
	f.client = &capability.Client{Name: "Wonderland", Symbol: "wonderland"}
	if err := reg.CreateClient(ctx, f.client); err != nil {
		t.Fatalf("client: %v", err)
	}
	var err error
	if f.main, _, err = reg.EnsureAccess(ctx, f.account.ID, ""); err != nil {
		t.Fatalf("main: %v", err)
	}
	if f.derived, _, err = reg.EnsureAccess(ctx, f.account.ID, f.client.ID); err != nil {
		t.Fatalf("derived: %v", err)
	}
	if f.bootstrap, _, err = reg.EnsureAccess(ctx, "", f.client.ID); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	return f
}

func TestResolveScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	clientOnly := capability.NewAccessResolver(f.reg, capability.ScopeClient)
	accountOnly := capability.NewAccessResolver(f.reg, capability.ScopeAccount)
	either := capability.NewAccessResolver(f.reg, capability.ScopeAny)

	cases := []struct {
		name     string
		resolver *capability.TokenResolver[*capability.Access]
		token    string
		wantErr  error
		wantMsg  string
	}{
		{"client scope accepts bootstrap", clientOnly, f.bootstrap.Token, nil, ""},
		{"client scope rejects derived", clientOnly, f.derived.Token, capability.ErrScopeMismatch, capability.MsgExpectedClient},
		{"client scope rejects main", clientOnly, f.main.Token, capability.ErrScopeMismatch, capability.MsgExpectedClient},
		{"account scope accepts derived", accountOnly, f.derived.Token, nil, ""},
		{"account scope accepts legacy main", accountOnly, f.main.Token, nil, ""},
		{"account scope rejects bootstrap", accountOnly, f.bootstrap.Token, capability.ErrScopeMismatch, capability.MsgExpectedAccount},
		{"any accepts bootstrap", either, f.bootstrap.Token, nil, ""},
		{"any accepts derived", either, f.derived.Token, nil, ""},
		{"unknown token", either, "00000000-0000-4000-8000-000000000000", capability.ErrNotFound, capability.MsgNoAccess},
		{"empty token", either, "  ", capability.ErrBadInput, "Missing token"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			a, err := c.resolver.Resolve(ctx, c.token)
			if c.wantErr == nil {
				if err != nil {
					t.Fatalf("resolve: %v", err)
				}
				if a.Token != c.token {
					t.Fatalf("resolved wrong access")
				}
				return
			}
			if !errors.Is(err, c.wantErr) {
				t.Fatalf("want %v, got %v", c.wantErr, err)
			}
			if capability.Message(err) != c.wantMsg {
				t.Fatalf("message = %q, want %q", capability.Message(err), c.wantMsg)
			}
		})
	}
}

func TestResolvePopulatesReferences(t *testing.T) {
	f := newFixture(t)
	a, err := capability.NewAccessResolver(f.reg, capability.ScopeAccount).Resolve(context.Background(), f.derived.Token)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if acc := a.CachedAccount(); acc == nil || acc.Email != "alice@example.com" {
		t.Fatalf("account not populated: %+v", acc)
	}
	if c := a.CachedClient(); c == nil || c.Symbol != "wonderland" {
		t.Fatalf("client not populated: %+v", c)
	}
}

func TestResolveBlockedReferences(t *testing.T) {
	ctx := context.Background()

	t.Run("account", func(t *testing.T) {
		f := newFixture(t)
		f.account.Blocked = true
		if _, err := f.reg.SaveAccount(ctx, f.account); err != nil {
			t.Fatalf("save: %v", err)
		}
		_, err := capability.NewAccessResolver(f.reg, capability.ScopeAccount).Resolve(ctx, f.derived.Token)
		if !errors.Is(err, capability.ErrAccountBlocked) {
			t.Fatalf("want ErrAccountBlocked, got %v", err)
		}
	})

	t.Run("client", func(t *testing.T) {
		f := newFixture(t)
		f.client.Blocked = true
		if _, err := f.reg.SaveClient(ctx, f.client); err != nil {
			t.Fatalf("save: %v", err)
		}
		_, err := capability.NewAccessResolver(f.reg, capability.ScopeAccount).Resolve(ctx, f.derived.Token)
		if !errors.Is(err, capability.ErrClientBlocked) {
			t.Fatalf("want ErrClientBlocked, got %v", err)
		}
	})
}

func TestConverter(t *testing.T) {
	f := newFixture(t)
	conv := capability.NewAccessResolver(f.reg, capability.ScopeClient).Converter()
	a, err := conv(context.Background(), f.bootstrap.Token)
	if err != nil || a.ID != f.bootstrap.ID {
		t.Fatalf("converter: %v %v", a, err)
	}
}
