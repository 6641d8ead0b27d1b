// Package memorystore provides an in-memory capability.Store suitable for
// tests, development, and single-process servers. All state is discarded on
// process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Unique indexes    : maps checked and updated under one mutex
//	Concurrency       : safe (RWMutex)
//
// Example:
//
//	reg := capability.NewRegistry(memorystore.New())
//
// For multi-node deployments prefer redisstore or pgstore.
package memorystore
