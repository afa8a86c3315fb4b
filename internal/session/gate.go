package session

import (
	"sync"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Gate admits at most one in-flight unit of work per key.
// A busy key rejects new work instead of queueing it.
type Gate struct {
	mu   sync.Mutex
	busy sets.Set[string]
}

// NewGate creates an empty gate
func NewGate() *Gate {
	return &Gate{busy: sets.New[string]()}
}

// TryEnter marks key busy and returns true, or returns false if it already is.
// A true result must be paired with exactly one Exit.
func (g *Gate) TryEnter(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.busy.Has(key) {
		return false
	}
	g.busy.Insert(key)
	return true
}

// Exit releases key; releasing an idle key does nothing
func (g *Gate) Exit(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.busy.Delete(key)
}

// Busy reports whether key has work in flight
func (g *Gate) Busy(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.busy.Has(key)
}

// Do runs fn under key if the key is free and reports whether it ran.
// The key is released on every path out of fn, panics included.
func (g *Gate) Do(key string, fn func()) bool {
	if !g.TryEnter(key) {
		return false
	}
	defer g.Exit(key)
	fn()
	return true
}
