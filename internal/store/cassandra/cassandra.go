package cassandra

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/gocql/gocql"

	"github.com/zetareticula/geoedit/internal/session"
	"github.com/zetareticula/geoedit/internal/store/service"
)

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Remote keeps a feature table and an edit log per layer in Cassandra
type Remote struct {
	session  *gocql.Session
	keyspace string
}

// NewRemote connects to hosts and uses keyspace, which must already exist
func NewRemote(hosts []string, keyspace string, conn session.ConnectionConfig) (*Remote, error) {
	if !identifier.MatchString(keyspace) {
		return nil, fmt.Errorf("%w: keyspace %q", session.ErrInvalidConfig, keyspace)
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.Quorum
	cluster.NumConns = 2
	if conn.MinTries > 1 {
		cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
			NumRetries: conn.MinTries - 1,
			Min:        time.Duration(conn.RetryDelay) * time.Millisecond,
			Max:        time.Duration(conn.RetryDelay*conn.MinTries) * time.Millisecond,
		}
	}
	s, err := cluster.CreateSession()
	if err != nil {
		return nil, err
	}
	return &Remote{session: s, keyspace: keyspace}, nil
}

// EnsureSchema creates the feature and edit tables
func (r *Remote) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements(r.keyspace) {
		if err := r.session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return err
		}
	}
	return nil
}

// Push writes edits and their log entries in one logged batch
func (r *Remote) Push(ctx context.Context, layer string, edits []service.Edit) error {
	stmts, err := buildStatements(r.keyspace, layer, edits)
	if err != nil {
		return err
	}
	if len(stmts) == 0 {
		return nil
	}
	b := r.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, st := range stmts {
		b.Query(st.cql, st.args...)
	}
	return r.session.ExecuteBatch(b)
}

// Features returns every feature of a layer ordered by id
func (r *Remote) Features(ctx context.Context, layer string) ([]session.Feature, error) {
	iter := r.session.Query(
		fmt.Sprintf("SELECT id, data FROM %s.features WHERE layer = ?", r.keyspace),
		layer).WithContext(ctx).Iter()

	var out []session.Feature
	var id, data string
	for iter.Scan(&id, &data) {
		f, err := session.UnmarshalFeature([]byte(data))
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("feature %s: %w", id, err)
		}
		f.ID = session.FeatureID(id)
		out = append(out, f)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close closes the session
func (r *Remote) Close() error {
	r.session.Close()
	return nil
}

type statement struct {
	cql  string
	args []interface{}
}

func schemaStatements(keyspace string) []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.features (
			layer text, id text, data text,
			PRIMARY KEY (layer, id))`, keyspace),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.edits (
			layer text, edit_id text, op text, feature_id text, at timestamp,
			PRIMARY KEY (layer, edit_id))`, keyspace),
	}
}

// buildStatements maps edits to idempotent writes: replays overwrite the same rows
func buildStatements(keyspace, layer string, edits []service.Edit) ([]statement, error) {
	stmts := make([]statement, 0, 2*len(edits))
	for _, e := range edits {
		switch e.Op {
		case service.EditAdd, service.EditUpdate:
			if e.Feature == nil {
				return nil, fmt.Errorf("edit %s: %s without feature", e.ID, e.Op)
			}
			data, err := session.MarshalFeature(*e.Feature)
			if err != nil {
				return nil, err
			}
			stmts = append(stmts, statement{
				cql:  fmt.Sprintf("INSERT INTO %s.features (layer, id, data) VALUES (?, ?, ?)", keyspace),
				args: []interface{}{layer, string(e.FeatureID), string(data)},
			})
		case service.EditDelete:
			stmts = append(stmts, statement{
				cql:  fmt.Sprintf("DELETE FROM %s.features WHERE layer = ? AND id = ?", keyspace),
				args: []interface{}{layer, string(e.FeatureID)},
			})
		default:
			return nil, fmt.Errorf("edit %s: unknown op %q", e.ID, e.Op)
		}
		stmts = append(stmts, statement{
			cql:  fmt.Sprintf("INSERT INTO %s.edits (layer, edit_id, op, feature_id, at) VALUES (?, ?, ?, ?, ?)", keyspace),
			args: []interface{}{layer, e.ID.String(), string(e.Op), string(e.FeatureID), e.At},
		})
	}
	return stmts, nil
}
