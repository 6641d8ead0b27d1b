// Package capability models the capability graph: accounts, clients, the
// access tokens that bind them, and the one-time authentication sessions
// that bracket an identity-provider redirect.
//
// Persistence is delegated to a Store. Three implementations ship with the
// module:
//
//   - memorystore: maps guarded by a mutex, for tests and single-process use.
//   - redisstore: JSON documents in Redis with SET NX unique indexes.
//   - pgstore: PostgreSQL via pgx, unique constraints enforced by the database.
//
// The Registry layers domain rules on top of a Store (derived attributes,
// change detection, cascading deletes, find-or-create of accesses) and the
// TokenResolver turns bearer strings into validated documents.
//
// Access shapes:
//
//	client-only     client_id set, account_id empty   (identifies an application)
//	account-bound   both set                          (user X acting through app Y)
//	account-only    account_id set, client_id empty   (an account's main access)
//
// A live permanent access (not blocked, no expiration) is unique per
// (account, client) pair. Stores enforce this with a unique index on
// Access.PairKey.
package capability
