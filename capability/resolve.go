package capability

import (
	"context"
	"errors"
	"strings"
)

// SweepFunc removes logically dead rows before a lookup.
type SweepFunc func(ctx context.Context) error

// LookupFunc finds the document carrying token.
type LookupFunc[T any] func(ctx context.Context, token string) (T, error)

// CheckFunc validates a looked-up document. It may populate caches on v.
type CheckFunc[T any] func(ctx context.Context, v T) error

// Converter turns a raw request value into a validated document. It is the
// shape expected by the request validation layer.
type Converter[T any] func(ctx context.Context, raw string) (T, error)

// TokenResolver runs sweep, lookup and checks in that order.
type TokenResolver[T any] struct {
	sweep  SweepFunc
	lookup LookupFunc[T]
	checks []CheckFunc[T]
}

// NewTokenResolver builds a resolver. sweep may be nil.
func NewTokenResolver[T any](sweep SweepFunc, lookup LookupFunc[T], checks ...CheckFunc[T]) *TokenResolver[T] {
	return &TokenResolver[T]{sweep: sweep, lookup: lookup, checks: checks}
}

// Resolve returns the validated document for token.
func (r *TokenResolver[T]) Resolve(ctx context.Context, token string) (T, error) {
	var zero T
	token = strings.TrimSpace(token)
	if token == "" {
		return zero, Errorf(ErrBadInput, "Missing token")
	}
	if r.sweep != nil {
		if err := r.sweep(ctx); err != nil {
			return zero, err
		}
	}
	v, err := r.lookup(ctx, token)
	if err != nil {
		return zero, err
	}
	for _, check := range r.checks {
		if err := check(ctx, v); err != nil {
			return zero, err
		}
	}
	return v, nil
}

// Converter exposes Resolve as a Converter.
func (r *TokenResolver[T]) Converter() Converter[T] { return r.Resolve }

// Scope selects which access shapes a resolver accepts.
type Scope uint8

const (
	// ScopeClient accepts client-only accesses.
	ScopeClient Scope = 1 << iota
	// ScopeAccount accepts account-bound and account-only accesses.
	ScopeAccount
)

// ScopeAny accepts every valid shape.
const ScopeAny = ScopeClient | ScopeAccount

// NewAccessResolver returns a resolver for bearer access tokens accepted
// under scope. Resolved accesses have their account and client references
// populated.
func NewAccessResolver(reg *Registry, scope Scope) *TokenResolver[*Access] {
	lookup := func(ctx context.Context, token string) (*Access, error) {
		a, err := reg.store.FindAccessByToken(ctx, token)
		if errors.Is(err, ErrNotFound) {
			return nil, Errorf(ErrNotFound, MsgNoAccess)
		}
		return a, err
	}
	return NewTokenResolver(reg.SweepExpiredAccesses, lookup,
		checkAccessNotBlocked,
		checkAccessScope(scope),
		checkAccessReferences(reg.store),
	)
}

func checkAccessNotBlocked(_ context.Context, a *Access) error {
	if a.Blocked {
		return Errorf(ErrBlocked, MsgAccessBlocked)
	}
	return nil
}

func checkAccessScope(scope Scope) CheckFunc[*Access] {
	return func(_ context.Context, a *Access) error {
		switch a.Shape() {
		case ShapeClientOnly:
			if scope&ScopeClient == 0 {
				return Errorf(ErrScopeMismatch, MsgExpectedAccount)
			}
		case ShapeAccountBound, ShapeAccountOnly:
			if scope&ScopeAccount == 0 {
				return Errorf(ErrScopeMismatch, MsgExpectedClient)
			}
		default:
			return Errorf(ErrNotFound, MsgNoAccess)
		}
		return nil
	}
}

func checkAccessReferences(s Store) CheckFunc[*Access] {
	return func(ctx context.Context, a *Access) error {
		if a.AccountID != "" {
			acc, err := a.Account(ctx, s)
			if errors.Is(err, ErrNotFound) {
				return Errorf(ErrNotFound, MsgNoAccount)
			}
			if err != nil {
				return err
			}
			if acc.Blocked {
				return Errorf(ErrAccountBlocked, MsgAccountBlocked)
			}
		}
		if a.ClientID != "" {
			c, err := a.Client(ctx, s)
			if errors.Is(err, ErrNotFound) {
				return Errorf(ErrNotFound, MsgNoClient)
			}
			if err != nil {
				return err
			}
			if c.Blocked {
				return Errorf(ErrClientBlocked, MsgClientBlocked)
			}
		}
		return nil
	}
}
