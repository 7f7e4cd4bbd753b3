package testutil

import (
	"fmt"
	"sync"
)

// KeyGen produces deterministic idempotency keys and lease IDs.
//
// Keys come out as "<prefix>-000001", "<prefix>-000002", ... so ledger
// contents are reproducible and golden files stay stable.
//
// Thread-safety: Next is safe for concurrent use.
type KeyGen struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewKeyGen creates a generator with the given prefix.
// An empty prefix defaults to "key".
func NewKeyGen(prefix string) *KeyGen {
	if prefix == "" {
		prefix = "key"
	}
	return &KeyGen{prefix: prefix}
}

// Next returns the next key in sequence.
func (g *KeyGen) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%06d", g.prefix, g.n)
}
