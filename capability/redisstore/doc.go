// Package redisstore implements capability.Store on Redis so that several
// relay processes can share one set of accounts, clients and accesses.
//
// Layout (all keys carry the configured prefix)
//
//	doc:{kind}:{id}              JSON document
//	idx:{index}:{value}          unique index, holds the owning document ID
//	set:accesses:all             every access ID
//	set:accesses:account:{id}    accesses bound to an account ("-" for none)
//	set:accesses:client:{id}     accesses bound to a client ("-" for none)
//	z:accesses:expiring          non-blocked expiring accesses by expiration (ms)
//	z:sessions:expiring          sessions by expiration (ms)
//
// Writes run as optimistic WATCH/MULTI transactions over the document key
// and every unique index key they claim, so index checks and updates are
// atomic with respect to other writers.
//
// Example:
//
//	st, err := redisstore.NewFromEnv(ctx)
//	if err != nil { /* handle */ }
//	reg := capability.NewRegistry(st)
package redisstore
