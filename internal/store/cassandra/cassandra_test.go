package cassandra

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/store/service"
)

func TestBuildStatements(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	f := session.Feature{ID: "p1", Geometry: session.NewPoint(1, 2)}
	edits := []service.Edit{
		{ID: ulid.Make(), Op: service.EditUpdate, FeatureID: "p1", Feature: &f, At: at},
		{ID: ulid.Make(), Op: service.EditDelete, FeatureID: "p2", At: at},
	}
	stmts, err := buildStatements("gis", "parcels", edits)
	if err != nil {
		t.Fatalf("buildStatements: %v", err)
	}
	if len(stmts) != 4 {
		t.Fatalf("Expected feature write plus log entry per edit, got %d", len(stmts))
	}
	if !strings.HasPrefix(stmts[0].cql, "INSERT INTO gis.features") || stmts[0].args[1] != "p1" {
		t.Errorf("Unexpected upsert %+v", stmts[0])
	}
	if !strings.HasPrefix(stmts[1].cql, "INSERT INTO gis.edits") || stmts[1].args[1] != edits[0].ID.String() {
		t.Errorf("Unexpected log entry %+v", stmts[1])
	}
	if !strings.HasPrefix(stmts[2].cql, "DELETE FROM gis.features") || stmts[2].args[1] != "p2" {
		t.Errorf("Unexpected delete %+v", stmts[2])
	}
	if stmts[3].args[2] != "delete" || stmts[3].args[4] != at {
		t.Errorf("Unexpected log entry %+v", stmts[3])
	}
}

func TestSchemaStatements(t *testing.T) {
	stmts := schemaStatements("gis")
	if len(stmts) != 2 {
		t.Fatalf("Expected 2 tables, got %d", len(stmts))
	}
	for _, s := range stmts {
		if !strings.Contains(s, "CREATE TABLE IF NOT EXISTS gis.") {
			t.Errorf("Unexpected statement %s", s)
		}
	}
}

func TestNewRemoteRejectsKeyspace(t *testing.T) {
	_, err := NewRemote([]string{"127.0.0.1"}, "gis; DROP", session.ConnectionConfig{})
	if !errors.Is(err, session.ErrInvalidConfig) {
		t.Errorf("Expected invalid config, got %v", err)
	}
}
