// Package kv provides a namespaced, transactional key-value contract and a
// GORM-backed adapter over a single physical table.
package kv

import "context"

// Store is the persistent collaborator the identity core depends on: a
// namespaced key-value store with batched reads/writes and nestable
// transactions. Implementations perform no business logic of their own.
type Store interface {
	// Get reads keys within namespace. Keys absent from the store are
	// simply absent from the returned map.
	Get(ctx context.Context, namespace string, keys []string) (map[string][]byte, error)

	// Set writes or overwrites keys within namespace.
	Set(ctx context.Context, namespace string, values map[string][]byte) error

	// Delete removes keys within namespace. Deleting an absent key is a no-op.
	Delete(ctx context.Context, namespace string, keys []string) error

	// Transaction runs fn with a context carrying the transactional handle;
	// every Get/Set/Delete called with that context participates in the
	// same commit. Nested calls to Transaction join the outer transaction
	// rather than starting a new one.
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Keys lists every key currently stored in namespace. Used by
	// maintenance passes (repair, statistics) that must scan a whole
	// namespace rather than look up specific keys.
	Keys(ctx context.Context, namespace string) ([]string, error)
}
