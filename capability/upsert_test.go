package capability_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ggoodman/access-relay-go/capability"
)

func TestUpsertAccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob := &capability.Account{Email: "bob@example.com", FullName: "Bob"}
	if err := f.reg.CreateAccount(ctx, bob); err != nil {
		t.Fatalf("account: %v", err)
	}

	first, created, err := f.reg.UpsertAccess(ctx, f.bootstrap, "bob@example.com")
	if err != nil || !created {
		t.Fatalf("upsert by email: created=%v err=%v", created, err)
	}
	if first.AccountID != bob.ID || first.ClientID != f.client.ID {
		t.Fatalf("wrong pair: %+v", first)
	}
	if first.CachedAccount() == nil || first.CachedClient() == nil {
		t.Fatal("references not populated")
	}

	again, created, err := f.reg.UpsertAccess(ctx, f.bootstrap, bob.ID)
	if err != nil || created {
		t.Fatalf("upsert by id: created=%v err=%v", created, err)
	}
	if again.ID != first.ID {
		t.Fatal("upsert created a duplicate")
	}

	if _, _, err := f.reg.UpsertAccess(ctx, f.bootstrap, "nobody@example.com"); !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("unknown account: %v", err)
	}
	if _, _, err := f.reg.UpsertAccess(ctx, f.main, bob.ID); !errors.Is(err, capability.ErrScopeMismatch) {
		t.Fatalf("client-less grantor: %v", err)
	}
}

func TestUpsertClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.reg.UpsertClient(ctx, f.derived, capability.ClientInput{Name: "Looking Glass"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.Created || res.Updated || !res.AccessCreated {
		t.Fatalf("unexpected flags: %+v", res)
	}
	if res.Client.OwnerID != f.account.ID || res.Client.URLName != "looking-glass" {
		t.Fatalf("client: %+v", res.Client)
	}
	if res.Access.Shape() != capability.ShapeClientOnly || res.Access.ClientID != res.Client.ID {
		t.Fatalf("bootstrap access: %+v", res.Access)
	}

	same, err := f.reg.UpsertClient(ctx, f.main, capability.ClientInput{Name: "looking glass"})
	if err != nil {
		t.Fatalf("upsert same slug: %v", err)
	}
	if same.Created || !same.Updated || same.AccessCreated {
		t.Fatalf("rename flags: %+v", same)
	}
	if same.Client.ID != res.Client.ID || same.Access.Token != res.Access.Token {
		t.Fatal("upsert did not reuse client and bootstrap access")
	}

	noop, err := f.reg.UpsertClient(ctx, f.main, capability.ClientInput{Name: "looking glass"})
	if err != nil || noop.Updated {
		t.Fatalf("noop upsert: %+v %v", noop, err)
	}
}

// A client-only token must not be able to register clients.
func TestUpsertClientRejectsClientToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.UpsertClient(context.Background(), f.bootstrap, capability.ClientInput{Name: "Sneaky"})
	if !errors.Is(err, capability.ErrScopeMismatch) {
		t.Fatalf("want ErrScopeMismatch, got %v", err)
	}
	if capability.Message(err) != capability.MsgExpectedAccount {
		t.Fatalf("message = %q", capability.Message(err))
	}
}
