package session

import (
	"context"

	"github.com/paulmach/orb"
)

// Store is a feature collection with CRUD, region queries and optional remote sync
type Store interface {
	// ID names the store; selection and change events refer to it
	ID() string
	// Schema is the geometry kind and attribute set the store accepts
	Schema() Schema
	// SyncPolicy says whether ApplyPendingEdits does any work
	SyncPolicy() SyncPolicy
	// Query returns features whose envelope intersects region, empty when none
	Query(ctx context.Context, region orb.Bound) ([]Feature, error)
	// Get returns one feature or ErrNotFound
	Get(ctx context.Context, id FeatureID) (Feature, error)
	// Add assigns an id and stores the feature
	Add(ctx context.Context, f Feature) (FeatureID, error)
	// Update replaces geometry and attributes of an existing feature
	Update(ctx context.Context, f Feature) error
	// Delete removes a feature
	Delete(ctx context.Context, id FeatureID) error
	// ApplyPendingEdits pushes buffered mutations to the remote counterpart
	ApplyPendingEdits(ctx context.Context) error
}

// EditAction is what happened during an interactive geometry request
type EditAction string

const (
	ActionStarted       EditAction = "started"
	ActionVertexAdded   EditAction = "vertex_added"
	ActionVertexMoved   EditAction = "vertex_moved"
	ActionVertexRemoved EditAction = "vertex_removed"
	ActionCompleted     EditAction = "completed"
	ActionCanceled      EditAction = "canceled"
)

// EditStatus is one progress notification
type EditStatus struct {
	Action   EditAction
	Kind     GeometryKind
	Vertices int
	Point    orb.Point
}

// ProgressFunc receives progress notifications; it never changes control flow
type ProgressFunc func(EditStatus)

// GeometryProvider acquires geometry from the user.
// Both request methods return an error matching ErrCanceled on user abort.
type GeometryProvider interface {
	RequestGeometry(ctx context.Context, kind GeometryKind, progress ProgressFunc) (Geometry, error)
	EditGeometry(ctx context.Context, g Geometry, progress ProgressFunc) (Geometry, error)
	IsActive() bool
}

// Viewport converts screen coordinates and exposes the visible extent
type Viewport interface {
	ScreenToLocation(x, y float64) orb.Point
	Extent() orb.Bound
	SetExtent(orb.Bound)
}

// Reporter is the user-facing message surface
type Reporter interface {
	ReportFailure(title, message string)
}

// ReporterFunc adapts a function to Reporter
type ReporterFunc func(title, message string)

func (f ReporterFunc) ReportFailure(title, message string) { f(title, message) }

// ChangeKind is the mutation a ChangeEvent describes
type ChangeKind string

const (
	ChangeAdded   ChangeKind = "added"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// ChangeEvent is sent to listeners after a committed mutation
type ChangeEvent struct {
	StoreID   string
	FeatureID FeatureID
	Kind      ChangeKind
	Synced    bool
}

// ChangeListener defines a callback for committed mutations
type ChangeListener func(ctx context.Context, ev ChangeEvent)
