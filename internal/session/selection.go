package session

import "sync"

// Selection points at one feature in one store
type Selection struct {
	StoreID   string
	FeatureID FeatureID
}

// SelectionTracker holds at most one selection. It does not own the feature.
type SelectionTracker struct {
	mu      sync.RWMutex
	current *Selection
}

// NewSelectionTracker creates an empty tracker
func NewSelectionTracker() *SelectionTracker {
	return &SelectionTracker{}
}

// Select replaces any existing selection
func (t *SelectionTracker) Select(storeID string, id FeatureID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = &Selection{StoreID: storeID, FeatureID: id}
}

// Clear drops the selection
func (t *SelectionTracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = nil
}

// Current returns the selection, if any
func (t *SelectionTracker) Current() (Selection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.current == nil {
		return Selection{}, false
	}
	return *t.current, true
}

// ClearIf drops the selection only if it points at the given feature
func (t *SelectionTracker) ClearIf(storeID string, id FeatureID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil && t.current.StoreID == storeID && t.current.FeatureID == id {
		t.current = nil
		return true
	}
	return false
}
