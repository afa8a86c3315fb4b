package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/zetareticula/geoedit/internal/query"
	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/sketch"
	"github.com/zetareticula/geoedit/internal/store/mock"
	"github.com/zetareticula/geoedit/internal/store/service"
)

func waitActive(t *testing.T, s *sketch.Sketcher) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsActive() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for geometry request")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExplicitSyncEditCycle(t *testing.T) {
	ctx := context.Background()
	remote := mock.NewRemote()
	local := mock.NewStore("hydrants", session.Schema{Kind: session.KindPoint, Fields: map[string]session.ValueType{
		"status": session.TypeString,
	}})
	hydrants := service.NewStore(local, remote, session.ConnectionConfig{MinTries: 2, RetryDelay: 1})
	sketcher := sketch.New()
	viewport := session.NewStaticViewport(200, 200, orb.Bound{Max: orb.Point{100, 100}})

	var reported []string
	s, err := session.NewEditSession(session.Options{
		Provider: sketcher,
		Viewport: viewport,
		Reporter: session.ReporterFunc(func(title, msg string) { reported = append(reported, title) }),
		Stores:   []session.Store{hydrants},
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	tmpl := session.NewTemplate("hydrant", "hydrants", session.KindPoint, map[string]session.TypedValue{
		"status": session.String("active"),
	})

	// Add a hydrant at map (25,75): screen (50,50)
	done := make(chan session.Outcome, 1)
	go func() { done <- s.AddFeature(ctx, tmpl, "hydrants") }()
	waitActive(t, sketcher)
	if err := sketcher.AddVertex(viewport.ScreenToLocation(50, 50)); err != nil {
		t.Fatalf("Failed to add vertex: %v", err)
	}
	out := <-done
	if out.Result != session.ResultCommitted {
		t.Fatalf("Expected committed, got %+v", out)
	}
	id := out.FeatureID

	features, _ := remote.Features(ctx, "hydrants")
	if len(features) != 1 || features[0].ID != id {
		t.Fatalf("Expected hydrant pushed to remote, got %v", features)
	}

	// Remote goes down: the attribute change stays local and pending
	remote.FailPushes(-1, errors.New("connection refused"))
	if sel := s.SelectAt(ctx, 50, 50); sel.FeatureID != id {
		t.Fatalf("Expected hydrant selected, got %+v", sel)
	}
	s.ModifySelected(func(f *session.Feature) { f.Attributes["status"] = session.String("broken") })
	out = s.SaveFeature(ctx)
	if out.Result != session.ResultSyncFailed || !out.OK() {
		t.Fatalf("Expected sync failure with local save, got %+v", out)
	}
	if len(reported) != 1 || reported[0] != "Changes not synchronized" {
		t.Errorf("Unexpected reports %v", reported)
	}
	if hydrants.Pending() != 1 {
		t.Errorf("Expected 1 pending edit, got %d", hydrants.Pending())
	}
	found, _ := hydrants.Query(ctx, orb.Bound{Min: orb.Point{20, 70}, Max: orb.Point{30, 80}})
	if len(found) != 1 || found[0].Attributes["status"] != session.String("broken") {
		t.Errorf("Expected local update visible, got %v", found)
	}

	// Remote recovers: removing the hydrant pushes both edits
	remote.FailPushes(0, nil)
	out = s.RemoveFeature(ctx, "hydrants", id)
	if out.Result != session.ResultCommitted {
		t.Fatalf("Expected committed remove, got %+v", out)
	}
	if hydrants.Pending() != 0 {
		t.Errorf("Expected no pending edits, got %d", hydrants.Pending())
	}
	features, _ = remote.Features(ctx, "hydrants")
	if len(features) != 0 {
		t.Errorf("Expected remote layer empty, got %v", features)
	}
	if _, ok := s.Selection().Current(); ok {
		t.Errorf("Expected selection cleared")
	}
}

func TestPointerQueryDuringEdit(t *testing.T) {
	ctx := context.Background()
	parcels := mock.NewStore("parcels", session.Schema{Kind: session.KindPolygon})
	sketcher := sketch.New()
	viewport := session.NewStaticViewport(100, 100, orb.Bound{Max: orb.Point{100, 100}})
	s, err := session.NewEditSession(session.Options{Provider: sketcher, Viewport: viewport, Stores: []session.Store{parcels}})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	pq, err := query.New(query.Options{Store: parcels, Viewport: viewport, Region: query.SquareRegion(5)})
	if err != nil {
		t.Fatalf("Failed to create pointer query: %v", err)
	}

	tmpl := session.NewTemplate("parcel", "parcels", session.KindPolygon, nil)
	done := make(chan session.Outcome, 1)
	go func() { done <- s.AddFeature(ctx, tmpl, "parcels") }()
	waitActive(t, sketcher)

	// queries keep working while the session waits for geometry
	if res, ran := pq.Move(ctx, 50, 50); !ran || len(res.Features) != 0 {
		t.Fatalf("Expected empty query during edit, got %+v", res)
	}
	for _, p := range []orb.Point{{40, 40}, {60, 40}, {60, 60}, {40, 60}} {
		sketcher.AddVertex(p)
	}
	sketcher.Complete()
	if out := <-done; out.Result != session.ResultCommitted {
		t.Fatalf("Expected committed, got %+v", out)
	}

	res, ran := pq.Move(ctx, 50, 50)
	if !ran || len(res.Features) != 1 || res.TotalArea != 400 {
		t.Errorf("Expected new parcel found with area 400, got %+v", res)
	}
}
