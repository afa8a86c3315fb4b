package gormstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/zetareticula/geoedit/internal/session"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "features.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewStore(db, "parcels", session.Schema{Kind: session.KindPolygon, Fields: map[string]session.ValueType{
		"owner":    session.TypeString,
		"surveyed": session.TypeDate,
	}})
}

func parcel(x0, y0, size float64) session.Geometry {
	return session.Geometry{Kind: session.KindPolygon, Coords: []orb.Point{
		{x0, y0}, {x0 + size, y0}, {x0 + size, y0 + size}, {x0, y0 + size},
	}}
}

func TestGormStoreCRUD(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	surveyed := time.Date(2023, 7, 4, 0, 0, 0, 0, time.UTC)

	a, err := s.Add(ctx, session.Feature{Geometry: parcel(0, 0, 10), Attributes: map[string]session.TypedValue{
		"owner":    session.String("city"),
		"surveyed": session.Date(surveyed),
	}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := s.Add(ctx, session.Feature{Geometry: parcel(100, 100, 10)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := s.Get(ctx, a)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Geometry.Coords) != 4 || got.Geometry.Coords[2] != (orb.Point{10, 10}) {
		t.Errorf("Unexpected geometry %v", got.Geometry.Coords)
	}
	if got.Attributes["owner"] != session.String("city") {
		t.Errorf("Unexpected owner %+v", got.Attributes["owner"])
	}
	if d, _ := got.Attributes["surveyed"].Value.(time.Time); !d.Equal(surveyed) {
		t.Errorf("Expected surveyed %v, got %v", surveyed, got.Attributes["surveyed"].Value)
	}

	found, err := s.Query(ctx, orb.Bound{Min: orb.Point{5, 5}, Max: orb.Point{6, 6}})
	if err != nil || len(found) != 1 || found[0].ID != a {
		t.Fatalf("Expected only %s, got %v, err: %v", a, found, err)
	}

	got.Geometry = parcel(105, 105, 1)
	if err := s.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	found, _ = s.Query(ctx, orb.Bound{Min: orb.Point{104, 104}, Max: orb.Point{106, 106}})
	if len(found) != 2 {
		t.Errorf("Expected both parcels after move, got %d", len(found))
	}

	if err := s.Delete(ctx, b); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, b); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if err := s.Delete(ctx, b); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if err := s.Update(ctx, session.Feature{ID: "ghost", Geometry: parcel(0, 0, 1)}); !errors.Is(err, session.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestGormStoreSchemaViolation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	_, err := s.Add(ctx, session.Feature{Geometry: session.NewPoint(1, 1)})
	if !errors.Is(err, session.ErrSchemaViolation) {
		t.Fatalf("Expected schema violation, got %v", err)
	}
	found, _ := s.Query(ctx, orb.Bound{Min: orb.Point{-10, -10}, Max: orb.Point{10, 10}})
	if len(found) != 0 {
		t.Errorf("Expected nothing stored, got %d", len(found))
	}
}

func TestGormStorePut(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.Put(ctx, session.Feature{ID: "remote-1", Geometry: parcel(0, 0, 1)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, session.Feature{ID: "remote-1", Geometry: parcel(50, 50, 1)}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, "remote-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Geometry.Coords[0] != (orb.Point{50, 50}) {
		t.Errorf("Expected upserted geometry, got %v", got.Geometry.Coords)
	}
}
