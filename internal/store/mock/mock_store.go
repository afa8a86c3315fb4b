package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"

	"github.com/zetareticula/geoedit/internal/session"
)

type record struct {
	seq     uint64
	feature session.Feature
}

// Store is an in-memory feature collection with implicit persistence
type Store struct {
	id     string
	schema session.Schema
	policy session.SyncPolicy

	mu       sync.RWMutex
	data     map[session.FeatureID]record
	seq      uint64
	syncErr  error
	syncs    int
	failNext map[string]error
}

// NewStore creates an empty store
func NewStore(id string, schema session.Schema) *Store {
	return &Store{
		id:       id,
		schema:   schema,
		data:     make(map[session.FeatureID]record),
		failNext: make(map[string]error),
	}
}

// WithSyncPolicy makes the store report policy; explicit stores count and optionally fail syncs
func (s *Store) WithSyncPolicy(policy session.SyncPolicy) *Store {
	s.policy = policy
	return s
}

// SetSyncError makes every following ApplyPendingEdits fail with err; nil restores success
func (s *Store) SetSyncError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncErr = err
}

// FailNext makes the next call of op ("query", "add", "update", "delete") fail with err
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext[op] = err
}

// SyncCalls returns how many times ApplyPendingEdits ran
func (s *Store) SyncCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.syncs
}

// Len returns the number of stored features
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *Store) ID() string                     { return s.id }
func (s *Store) Schema() session.Schema         { return s.schema }
func (s *Store) SyncPolicy() session.SyncPolicy { return s.policy }

// Query returns features whose envelope intersects region, in insertion order
func (s *Store) Query(ctx context.Context, region orb.Bound) ([]session.Feature, error) {
	if err := s.injected("query"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]record, 0)
	for _, r := range s.data {
		if r.feature.Geometry.Bound().Intersects(region) {
			hits = append(hits, r)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].seq < hits[j].seq })
	out := make([]session.Feature, len(hits))
	for i, r := range hits {
		out[i] = r.feature.Clone()
	}
	return out, nil
}

// Get retrieves a feature by id
func (s *Store) Get(ctx context.Context, id session.FeatureID) (session.Feature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[id]
	if !exists {
		return session.Feature{}, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	return r.feature.Clone(), nil
}

// Add validates f against the schema and stores it under a new id
func (s *Store) Add(ctx context.Context, f session.Feature) (session.FeatureID, error) {
	if err := s.injected("add"); err != nil {
		return "", err
	}
	if err := s.schema.Check(f); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f = f.Clone()
	f.ID = session.FeatureID(uuid.New().String())
	s.seq++
	s.data[f.ID] = record{seq: s.seq, feature: f}
	return f.ID, nil
}

// Put stores f under its own id, replacing any feature with that id.
// It seeds fixtures and mirrors remote features; no schema check is made.
func (s *Store) Put(ctx context.Context, f session.Feature) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, exists := s.data[f.ID]; exists {
		r.feature = f.Clone()
		s.data[f.ID] = r
		return nil
	}
	s.seq++
	s.data[f.ID] = record{seq: s.seq, feature: f.Clone()}
	return nil
}

// Update replaces an existing feature
func (s *Store) Update(ctx context.Context, f session.Feature) error {
	if err := s.injected("update"); err != nil {
		return err
	}
	if err := s.schema.Check(f); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[f.ID]
	if !exists {
		return fmt.Errorf("%w: %s", session.ErrNotFound, f.ID)
	}
	r.feature = f.Clone()
	s.data[f.ID] = r
	return nil
}

// Delete removes a feature
func (s *Store) Delete(ctx context.Context, id session.FeatureID) error {
	if err := s.injected("delete"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[id]; !exists {
		return fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	delete(s.data, id)
	return nil
}

// ApplyPendingEdits is a no-op for implicit stores and counts calls for explicit ones
func (s *Store) ApplyPendingEdits(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.policy == session.SyncImplicit {
		return nil
	}
	s.syncs++
	if s.syncErr != nil {
		return fmt.Errorf("%w: %w", session.ErrSyncFailed, s.syncErr)
	}
	return nil
}

func (s *Store) injected(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.failNext[op]
	delete(s.failNext, op)
	return err
}
