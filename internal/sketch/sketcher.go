// Package sketch implements an interactive GeometryProvider. A request puts the
// sketcher into drawing mode; the UI then feeds vertices until it completes or
// cancels, which resolves the blocked request.
package sketch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/paulmach/orb"

	"github.com/zetareticula/geoedit/internal/session"
)

var (
	// ErrProviderActive is returned when a second request starts while one is outstanding
	ErrProviderActive = errors.New("sketch already in progress")
	// ErrNoRequest is returned by input methods when nothing is being drawn
	ErrNoRequest = errors.New("no sketch in progress")
	// ErrIncomplete is returned by Complete when the geometry has too few vertices
	ErrIncomplete = errors.New("sketch incomplete")
)

type result struct {
	geometry session.Geometry
	err      error
}

type request struct {
	kind     session.GeometryKind
	coords   []orb.Point
	progress session.ProgressFunc
	done     chan result
}

// Sketcher is a GeometryProvider driven by UI input calls
type Sketcher struct {
	mu     sync.Mutex
	active *request
}

// New creates an idle sketcher
func New() *Sketcher {
	return &Sketcher{}
}

// RequestGeometry blocks until a new geometry of kind is completed or canceled
func (s *Sketcher) RequestGeometry(ctx context.Context, kind session.GeometryKind, progress session.ProgressFunc) (session.Geometry, error) {
	return s.start(ctx, kind, nil, progress)
}

// EditGeometry blocks until the edited copy of g is completed or canceled
func (s *Sketcher) EditGeometry(ctx context.Context, g session.Geometry, progress session.ProgressFunc) (session.Geometry, error) {
	return s.start(ctx, g.Kind, g.Coords, progress)
}

// IsActive reports whether a request is outstanding
func (s *Sketcher) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil
}

// Current returns the geometry being drawn
func (s *Sketcher) Current() (session.Geometry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return session.Geometry{}, false
	}
	return session.Geometry{Kind: s.active.kind, Coords: append([]orb.Point(nil), s.active.coords...)}, true
}

func (s *Sketcher) start(ctx context.Context, kind session.GeometryKind, initial []orb.Point, progress session.ProgressFunc) (session.Geometry, error) {
	if kind.MinVertices() == 0 {
		return session.Geometry{}, fmt.Errorf("unsupported geometry kind %q", kind)
	}
	r := &request{
		kind:     kind,
		progress: progress,
		done:     make(chan result, 1),
	}
	if kind != session.KindPoint {
		r.coords = append([]orb.Point(nil), initial...)
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return session.Geometry{}, ErrProviderActive
	}
	s.active = r
	n := len(r.coords)
	s.mu.Unlock()

	emit(r, session.ActionStarted, n, orb.Point{})

	select {
	case res := <-r.done:
		return res.geometry, res.err
	case <-ctx.Done():
		s.resolve(r, result{err: fmt.Errorf("%w: %v", session.ErrCanceled, ctx.Err())})
		res := <-r.done
		return res.geometry, res.err
	}
}

// AddVertex appends a vertex; for point requests it completes the sketch
func (s *Sketcher) AddVertex(p orb.Point) error {
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return ErrNoRequest
	}
	if r.kind == session.KindPoint {
		r.coords = []orb.Point{p}
	} else {
		r.coords = append(r.coords, p)
	}
	n := len(r.coords)
	s.mu.Unlock()

	emit(r, session.ActionVertexAdded, n, p)
	if r.kind == session.KindPoint {
		return s.Complete()
	}
	return nil
}

// MoveVertex drags vertex i to p
func (s *Sketcher) MoveVertex(i int, p orb.Point) error {
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return ErrNoRequest
	}
	if i < 0 || i >= len(r.coords) {
		s.mu.Unlock()
		return fmt.Errorf("vertex %d out of range [0,%d)", i, len(r.coords))
	}
	r.coords[i] = p
	n := len(r.coords)
	s.mu.Unlock()

	emit(r, session.ActionVertexMoved, n, p)
	return nil
}

// RemoveVertex drops the last vertex
func (s *Sketcher) RemoveVertex() error {
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return ErrNoRequest
	}
	if len(r.coords) == 0 {
		s.mu.Unlock()
		return nil
	}
	last := r.coords[len(r.coords)-1]
	r.coords = r.coords[:len(r.coords)-1]
	n := len(r.coords)
	s.mu.Unlock()

	emit(r, session.ActionVertexRemoved, n, last)
	return nil
}

// Complete resolves the request with the drawn geometry
func (s *Sketcher) Complete() error {
	s.mu.Lock()
	r := s.active
	if r == nil {
		s.mu.Unlock()
		return ErrNoRequest
	}
	g := session.Geometry{Kind: r.kind, Coords: append([]orb.Point(nil), r.coords...)}
	s.mu.Unlock()

	if !g.Valid() {
		return fmt.Errorf("%w: %s needs %d vertices, has %d", ErrIncomplete, g.Kind, g.Kind.MinVertices(), len(g.Coords))
	}
	s.resolve(r, result{geometry: g})
	return nil
}

// Cancel resolves the request with ErrCanceled
func (s *Sketcher) Cancel() error {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return ErrNoRequest
	}
	s.resolve(r, result{err: session.ErrCanceled})
	return nil
}

// resolve ends r exactly once; later calls report false.
// The final progress notification is sent before the requester wakes.
func (s *Sketcher) resolve(r *request, res result) bool {
	s.mu.Lock()
	if s.active != r {
		s.mu.Unlock()
		return false
	}
	s.active = nil
	n := len(r.coords)
	s.mu.Unlock()

	if res.err != nil {
		emit(r, session.ActionCanceled, n, orb.Point{})
	} else {
		emit(r, session.ActionCompleted, len(res.geometry.Coords), orb.Point{})
	}
	r.done <- res
	return true
}

func emit(r *request, action session.EditAction, n int, p orb.Point) {
	if r.progress == nil {
		return
	}
	r.progress(session.EditStatus{Action: action, Kind: r.kind, Vertices: n, Point: p})
}
