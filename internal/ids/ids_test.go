package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewIsSortable(t *testing.T) {
	prev := New()
	for i := 0; i < 1000; i++ {
		next := New()
		if next <= prev {
			t.Fatalf("ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
}

func TestIsID(t *testing.T) {
	if !IsID(New()) {
		t.Fatal("expected generated id to parse")
	}
	for _, s := range []string{"", "someone@example.com", "not-a-ulid"} {
		if IsID(s) {
			t.Fatalf("IsID(%q) = true", s)
		}
	}
}

func TestTokenIsUUIDv4(t *testing.T) {
	tok := Token()
	u, err := uuid.Parse(tok)
	if err != nil {
		t.Fatalf("parse token: %v", err)
	}
	if u.Version() != 4 {
		t.Fatalf("want v4, got %d", u.Version())
	}
	if Token() == tok {
		t.Fatal("tokens should not repeat")
	}
}
