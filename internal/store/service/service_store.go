// Package service implements explicit-sync feature layers. Mutations land in a
// local store right away and are buffered as pending edits until
// ApplyPendingEdits pushes them to a remote counterpart.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/paulmach/orb"
	"k8s.io/apimachinery/pkg/util/wait"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/zetareticula/geoedit/internal/session"
)

// EditOp is the kind of a buffered mutation
type EditOp string

const (
	EditAdd    EditOp = "add"
	EditUpdate EditOp = "update"
	EditDelete EditOp = "delete"
)

// Edit is one buffered mutation. IDs sort in creation order.
type Edit struct {
	ID        ulid.ULID
	Op        EditOp
	FeatureID session.FeatureID
	// Feature is the state after the edit; nil for deletes
	Feature *session.Feature
	At      time.Time
}

// Remote receives pushed edits. Push must be idempotent per edit ID since
// a failed push is retried with the same edits.
type Remote interface {
	Push(ctx context.Context, layer string, edits []Edit) error
}

// Lister is implemented by remotes that can return the current features of a layer
type Lister interface {
	Features(ctx context.Context, layer string) ([]session.Feature, error)
}

// Seeder is implemented by local stores that can store a feature under an existing id
type Seeder interface {
	Put(ctx context.Context, f session.Feature) error
}

// Store wraps a local store with a pending edit buffer and a remote
type Store struct {
	local   session.Store
	remote  Remote
	backoff wait.Backoff

	mu      sync.Mutex
	pending []Edit
	// syncing is closed when the push in flight resolves; nil when idle
	syncing chan struct{}
}

// NewStore creates an explicit-sync store. Pushes are tried conn.MinTries times
// with exponential backoff starting at conn.RetryDelay milliseconds.
func NewStore(local session.Store, remote Remote, conn session.ConnectionConfig) *Store {
	tries := conn.MinTries
	if tries <= 0 {
		tries = 1
	}
	return &Store{
		local:  local,
		remote: remote,
		backoff: wait.Backoff{
			Duration: time.Duration(conn.RetryDelay) * time.Millisecond,
			Factor:   2,
			Jitter:   0.1,
			Steps:    tries,
		},
	}
}

func (s *Store) ID() string                     { return s.local.ID() }
func (s *Store) Schema() session.Schema         { return s.local.Schema() }
func (s *Store) SyncPolicy() session.SyncPolicy { return session.SyncExplicit }

// Pending returns the number of edits not yet pushed
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// PendingEdits returns a copy of the buffered edits in order
func (s *Store) PendingEdits() []Edit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Edit(nil), s.pending...)
}

// Query waits for an in-flight push before reading the local store
func (s *Store) Query(ctx context.Context, region orb.Bound) ([]session.Feature, error) {
	if err := s.waitSync(ctx); err != nil {
		return nil, err
	}
	return s.local.Query(ctx, region)
}

// Get waits for an in-flight push before reading the local store
func (s *Store) Get(ctx context.Context, id session.FeatureID) (session.Feature, error) {
	if err := s.waitSync(ctx); err != nil {
		return session.Feature{}, err
	}
	return s.local.Get(ctx, id)
}

// Add stores f locally and buffers the add
func (s *Store) Add(ctx context.Context, f session.Feature) (session.FeatureID, error) {
	id, err := s.local.Add(ctx, f)
	if err != nil {
		return "", err
	}
	saved := f.Clone()
	saved.ID = id
	s.enqueue(EditAdd, id, &saved)
	return id, nil
}

// Update changes f locally and buffers the update
func (s *Store) Update(ctx context.Context, f session.Feature) error {
	if err := s.local.Update(ctx, f); err != nil {
		return err
	}
	saved := f.Clone()
	s.enqueue(EditUpdate, f.ID, &saved)
	return nil
}

// Delete removes the feature locally and buffers the delete
func (s *Store) Delete(ctx context.Context, id session.FeatureID) error {
	if err := s.local.Delete(ctx, id); err != nil {
		return err
	}
	s.enqueue(EditDelete, id, nil)
	return nil
}

// ApplyPendingEdits pushes every buffered edit. On failure the local state is
// kept, the edits stay buffered for the next call, and the error wraps ErrSyncFailed.
func (s *Store) ApplyPendingEdits(ctx context.Context) error {
	logger := log.FromContext(ctx).WithValues("store", s.ID())

	s.mu.Lock()
	for s.syncing != nil {
		ch := s.syncing
		s.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %v", session.ErrSyncFailed, s.ID(), ctx.Err())
		}
		s.mu.Lock()
	}
	edits := append([]Edit(nil), s.pending...)
	if len(edits) == 0 {
		s.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	s.syncing = done
	s.mu.Unlock()

	err := s.push(ctx, edits)

	s.mu.Lock()
	if err == nil {
		s.pending = s.pending[len(edits):]
	}
	s.syncing = nil
	close(done)
	s.mu.Unlock()

	if err != nil {
		logger.Error(err, "push failed, edits kept", "pending", len(edits))
		return err
	}
	logger.V(1).Info("edits pushed", "count", len(edits))
	return nil
}

// Load mirrors the remote's features into the local store.
// It needs a Lister remote and a Seeder local store.
func (s *Store) Load(ctx context.Context) (int, error) {
	lister, ok := s.remote.(Lister)
	if !ok {
		return 0, nil
	}
	seeder, ok := s.local.(Seeder)
	if !ok {
		return 0, fmt.Errorf("store %s cannot be seeded from its remote", s.ID())
	}
	features, err := lister.Features(ctx, s.ID())
	if err != nil {
		return 0, fmt.Errorf("%w: load %s: %w", session.ErrSyncFailed, s.ID(), err)
	}
	for _, f := range features {
		if err := seeder.Put(ctx, f); err != nil {
			return 0, err
		}
	}
	return len(features), nil
}

// ReportPending logs the pending edit count every interval until ctx is done
func (s *Store) ReportPending(ctx context.Context, interval time.Duration) {
	logger := log.FromContext(ctx).WithValues("store", s.ID())
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		if n := s.Pending(); n > 0 {
			logger.Info("edits waiting for sync", "pending", n)
		}
	}, interval)
}

func (s *Store) push(ctx context.Context, edits []Edit) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, s.backoff, func(ctx context.Context) (bool, error) {
		if err := s.remote.Push(ctx, s.ID(), edits); err != nil {
			lastErr = err
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%w: %s: %w", session.ErrSyncFailed, s.ID(), lastErr)
}

func (s *Store) enqueue(op EditOp, id session.FeatureID, f *session.Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, Edit{ID: ulid.Make(), Op: op, FeatureID: id, Feature: f, At: time.Now().UTC()})
}

func (s *Store) waitSync(ctx context.Context) error {
	s.mu.Lock()
	ch := s.syncing
	s.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
