package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ggoodman/access-relay-go/capability"
	"github.com/ggoodman/access-relay-go/capability/storetest"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		_ = db.Close()
	})
	return New(db), mock
}

var accountRowColumns = []string{"id", "email", "full_name", "email_verified", "blocked", "url_name", "words", "created_at", "updated_at"}

func TestInsertAccountEmailConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "accounts_email_key"})

	err := s.InsertAccount(context.Background(), &capability.Account{ID: "a1", Email: "alice@example.com"})
	if !errors.Is(err, capability.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if got := capability.Message(err); got != "Email alice@example.com is already in use" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestUpdateAccountMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpdateAccount(context.Background(), &capability.Account{ID: "nope", Email: "x@example.com"})
	if !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetAccountScansRow(t *testing.T) {
	s, mock := newMock(t)
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("select .* from accounts where id").
		WithArgs("a1").
		WillReturnRows(sqlmock.NewRows(accountRowColumns).
			AddRow("a1", "alice@example.com", "Alice", nil, false, "alice", "a1 alice com example", created, created))

	a, err := s.GetAccount(context.Background(), "a1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if a.EmailVerified != nil {
		t.Fatalf("expected nil email_verified, got %v", a.EmailVerified)
	}
	if want := []string{"a1", "alice", "com", "example"}; !reflect.DeepEqual(a.Words, want) {
		t.Fatalf("words = %v, want %v", a.Words, want)
	}
	if !a.CreatedAt.Equal(created) {
		t.Fatalf("created_at = %v", a.CreatedAt)
	}
}

func TestFindAccountByEmailMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .* from accounts where email").
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows(accountRowColumns))

	_, err := s.FindAccountByEmail(context.Background(), "ghost@example.com")
	if !errors.Is(err, capability.ErrNotFound) || capability.Message(err) != capability.MsgNoAccountForEmail {
		t.Fatalf("expected no-account-for-email, got %v", err)
	}
}

func TestInsertAccessValidatesBeforeWriting(t *testing.T) {
	s, _ := newMock(t)
	err := s.InsertAccess(context.Background(), &capability.Access{ID: "x", Token: "t"})
	if !errors.Is(err, capability.ErrBadInput) {
		t.Fatalf("expected bad input, got %v", err)
	}
}

func TestInsertAccessPairConflict(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("insert into accesses").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation, ConstraintName: "accesses_pair_key"})

	err := s.InsertAccess(context.Background(), &capability.Access{ID: "x", Token: "t", AccountID: "a", ClientID: "c"})
	if !errors.Is(err, capability.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestAccessQuery(t *testing.T) {
	tests := []struct {
		name      string
		filter    capability.AccessFilter
		wantQuery string
		wantArgs  []any
	}{
		{
			name:      "unfiltered",
			filter:    capability.AccessFilter{},
			wantQuery: "select " + accessColumns + " from accesses order by updated_at desc, id desc",
		},
		{
			name:      "account only",
			filter:    capability.AccessFilter{AccountID: capability.Equal("acc"), ClientID: capability.Absent()},
			wantQuery: "select " + accessColumns + " from accesses where account_id = $1 and client_id = '' order by updated_at desc, id desc",
			wantArgs:  []any{"acc"},
		},
		{
			name: "live pair with limit",
			filter: capability.AccessFilter{
				AccountID:       capability.Equal("acc"),
				ClientID:        capability.Equal("cli"),
				ExcludeBlocked:  true,
				ExcludeExpiring: true,
				Limit:           1,
			},
			wantQuery: "select " + accessColumns + " from accesses where account_id = $1 and client_id = $2 and not blocked and expiration is null order by updated_at desc, id desc limit $3",
			wantArgs:  []any{"acc", "cli", 1},
		},
		{
			name:      "token",
			filter:    capability.AccessFilter{Token: "tok"},
			wantQuery: "select " + accessColumns + " from accesses where token = $1 order by updated_at desc, id desc",
			wantArgs:  []any{"tok"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, args := accessQuery(tt.filter)
			if q != tt.wantQuery {
				t.Fatalf("query:\n got %s\nwant %s", q, tt.wantQuery)
			}
			if len(args) != len(tt.wantArgs) || (len(args) > 0 && !reflect.DeepEqual(args, tt.wantArgs)) {
				t.Fatalf("args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestFindAccessesScansRows(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	exp := now.Add(time.Hour)
	q, _ := accessQuery(capability.AccessFilter{ClientID: capability.Equal("cli")})
	mock.ExpectQuery(regexp.QuoteMeta(q)).
		WithArgs("cli").
		WillReturnRows(sqlmock.NewRows([]string{"id", "token", "account_id", "client_id", "expiration", "blocked", "created_at", "updated_at"}).
			AddRow("x2", "t2", "acc", "cli", exp, false, now, now).
			AddRow("x1", "t1", "", "cli", nil, true, now, now))

	got, err := s.FindAccesses(context.Background(), capability.AccessFilter{ClientID: capability.Equal("cli")})
	if err != nil {
		t.Fatalf("FindAccesses: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accesses, got %d", len(got))
	}
	if got[0].Expiration == nil || !got[0].Expiration.Equal(exp) {
		t.Fatalf("expiration not scanned: %v", got[0].Expiration)
	}
	if got[1].Expiration != nil || !got[1].Blocked || got[1].AccountID != "" {
		t.Fatalf("unexpected second access %+v", got[1])
	}
}

func TestDeleteExpiredAccesses(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("delete from accesses\\s+where not blocked and expiration is not null and expiration < \\$1").
		WithArgs(now).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := s.DeleteExpiredAccesses(context.Background(), now)
	if err != nil {
		t.Fatalf("DeleteExpiredAccesses: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 removed, got %d", n)
	}
}

func TestFindSessionByTokenMissing(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from authentication_sessions where token").
		WithArgs("tok").
		WillReturnError(sql.ErrNoRows)

	_, err := s.FindSessionByToken(context.Background(), "tok")
	if !errors.Is(err, capability.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	storetest.RunStoreTests(t, func(t *testing.T) capability.Store {
		if _, err := s.DB().ExecContext(ctx, `truncate accounts, clients, accesses, authentication_sessions`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}
