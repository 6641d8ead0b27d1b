// Package pgstore implements capability.Store on PostgreSQL through the
// pgx database/sql driver.
//
// Every unique index of capability.Store is a (partial) unique index in
// schema.sql, so uniqueness holds across any number of relay processes.
// Unique violations (SQLSTATE 23505) surface as capability.ErrConflict
// with a message chosen by constraint name.
//
// Example:
//
//	st, err := pgstore.Open(dsn)
//	if err != nil { /* handle */ }
//	if err := st.Migrate(ctx); err != nil { /* handle */ }
//	reg := capability.NewRegistry(st)
package pgstore
