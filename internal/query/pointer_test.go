package query

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/store/mock"
)

type recordingRenderer struct {
	mu      sync.Mutex
	regions []orb.Bound
	results [][]session.Feature
	areas   []float64
}

func (r *recordingRenderer) ShowQueryRegion(region orb.Bound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.regions = append(r.regions, region)
}

func (r *recordingRenderer) ShowResults(features []session.Feature, totalArea float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, features)
	r.areas = append(r.areas, totalArea)
}

// blockingStore holds queries until release is closed
type blockingStore struct {
	session.Store
	started chan struct{}
	release chan struct{}
}

func (b *blockingStore) Query(ctx context.Context, region orb.Bound) ([]session.Feature, error) {
	b.started <- struct{}{}
	<-b.release
	return b.Store.Query(ctx, region)
}

func polygon(x0, y0, size float64) session.Feature {
	return session.Feature{Geometry: session.Geometry{Kind: session.KindPolygon, Coords: []orb.Point{
		{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size},
	}}}
}

func newParcels(t *testing.T) *mock.Store {
	t.Helper()
	s := mock.NewStore("parcels", session.Schema{Kind: session.KindPolygon})
	for _, f := range []session.Feature{polygon(0, 0, 10), polygon(5, 5, 10), polygon(80, 80, 5)} {
		if _, err := s.Add(context.Background(), f); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	return s
}

func viewport() *session.StaticViewport {
	return session.NewStaticViewport(100, 100, orb.Bound{Max: orb.Point{100, 100}})
}

func TestMove(t *testing.T) {
	r := &recordingRenderer{}
	q, err := New(Options{Store: newParcels(t), Viewport: viewport(), Region: SquareRegion(3), Renderer: r})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// screen (10,90) is map (10,10)
	res, ran := q.Move(context.Background(), 10, 90)
	if !ran || res.Err != nil {
		t.Fatalf("Expected query to run, got %+v", res)
	}
	if len(res.Features) != 2 {
		t.Fatalf("Expected overlapping parcels, got %d", len(res.Features))
	}
	if math.Abs(res.TotalArea-200) > 1e-9 {
		t.Errorf("Expected total area 200, got %f", res.TotalArea)
	}
	want := orb.Bound{Min: orb.Point{7, 7}, Max: orb.Point{13, 13}}
	if res.Region != want || r.regions[0] != want {
		t.Errorf("Expected region %v, got %v", want, res.Region)
	}
	if len(r.results) != 1 || r.areas[0] != res.TotalArea {
		t.Errorf("Expected one rendered result")
	}
}

func TestTriggerDropsWhileInFlight(t *testing.T) {
	store := &blockingStore{Store: newParcels(t), started: make(chan struct{}, 1), release: make(chan struct{})}
	r := &recordingRenderer{}
	m := NewMetrics(nil)
	q, _ := New(Options{Store: store, Viewport: viewport(), Region: SquareRegion(1), Renderer: r, Metrics: m})
	ctx := context.Background()

	first, ok := q.Trigger(ctx, 10, 90)
	if !ok {
		t.Fatalf("Expected first trigger admitted")
	}
	<-store.started

	if _, ok := q.Trigger(ctx, 50, 50); ok {
		t.Fatalf("Expected second trigger dropped")
	}
	if _, ran := q.Move(ctx, 82, 18); ran {
		t.Fatalf("Expected move dropped")
	}
	r.mu.Lock()
	last := r.regions[len(r.regions)-1]
	r.mu.Unlock()
	if last != (orb.Bound{Min: orb.Point{81, 81}, Max: orb.Point{83, 83}}) {
		t.Errorf("Expected latest region drawn, got %v", last)
	}

	close(store.release)
	select {
	case res := <-first:
		if len(res.Features) != 2 {
			t.Errorf("Expected first query result, got %d features", len(res.Features))
		}
	case <-time.After(time.Second):
		t.Fatalf("Timed out waiting for query")
	}

	// the gate key is free again once the query resolved
	deadline := time.Now().Add(time.Second)
	for q.gate.Busy(q.key) {
		if time.Now().After(deadline) {
			t.Fatalf("Expected gate released")
		}
		time.Sleep(time.Millisecond)
	}
	go func() { <-store.started }()
	if _, ran := q.Move(ctx, 82, 18); !ran {
		t.Errorf("Expected move admitted after release")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.results) != 2 {
		t.Errorf("Expected two rendered results, got %d", len(r.results))
	}
}

func TestQueryFailureReported(t *testing.T) {
	store := newParcels(t)
	store.FailNext("query", errors.New("layer offline"))
	var titles []string
	q, _ := New(Options{
		Store:    store,
		Viewport: viewport(),
		Region:   SquareRegion(1),
		Reporter: session.ReporterFunc(func(title, msg string) { titles = append(titles, title) }),
	})
	res, ran := q.Move(context.Background(), 10, 90)
	if !ran || res.Err == nil {
		t.Fatalf("Expected failed query, got %+v", res)
	}
	if len(titles) != 1 {
		t.Errorf("Expected one report, got %v", titles)
	}
	if q.gate.Busy(q.key) {
		t.Errorf("Expected gate released after failure")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Viewport: viewport(), Region: SquareRegion(1)}); !errors.Is(err, session.ErrInvalidConfig) {
		t.Errorf("Expected invalid config, got %v", err)
	}
}

func TestTotalArea(t *testing.T) {
	features := []session.Feature{
		polygon(0, 0, 2),
		{Geometry: session.NewPoint(1, 1)},
		{Geometry: session.Geometry{Kind: session.KindPolygon, Coords: []orb.Point{{0, 0}, {1, 1}}}},
	}
	if got := TotalArea(features); got != 4 {
		t.Errorf("Expected 4, got %f", got)
	}
}
